package services

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"

	"go-txpipeline/internal/clients"
	"go-txpipeline/internal/config"
	"go-txpipeline/internal/metrics"
	"go-txpipeline/internal/models"
	"go-txpipeline/internal/repository"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// BuiltCall is the pre-validated call value object handed in at the pipeline
// boundary. Values are final wire units; the pipeline never rescales them.
type BuiltCall struct {
	To    string   `json:"to"`
	Value *big.Int `json:"value"`
	Data  []byte   `json:"data"`
}

// Validate checks the boundary contract before anything is allocated.
func (c *BuiltCall) Validate() error {
	if !common.IsHexAddress(c.To) {
		return fmt.Errorf("built call: invalid to address %q", c.To)
	}
	if c.Value != nil && c.Value.Sign() < 0 {
		return fmt.Errorf("built call: negative value")
	}
	return nil
}

// Allocation is the nonce + fee envelope claimed for one broadcast attempt.
type Allocation struct {
	Nonce                uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             uint64
}

// NonceAllocatorService serializes nonce assignment per signing address and
// computes EIP-1559 fee parameters. The nonce source of truth is
// max(ledger, chain-reported) so a lagging node can never cause a reuse,
// and the ledger-derived part survives process restarts.
type NonceAllocatorService struct {
	sendRepo repository.SendRepository
	clients  map[uint64]clients.ChainClient
	cfg      config.PipelineConfig

	// address:chainID -> mutex; one allocation in flight per signing address
	allocationLocks map[string]*sync.Mutex
	lockMutex       sync.RWMutex
}

// NewNonceAllocatorService creates the allocator.
func NewNonceAllocatorService(sendRepo repository.SendRepository, chainClients map[uint64]clients.ChainClient, cfg config.PipelineConfig) *NonceAllocatorService {
	return &NonceAllocatorService{
		sendRepo:        sendRepo,
		clients:         chainClients,
		cfg:             cfg,
		allocationLocks: make(map[string]*sync.Mutex),
	}
}

// getOrCreateLock returns the serialization lock for an address on a chain.
func (s *NonceAllocatorService) getOrCreateLock(address string, chainID uint64) *sync.Mutex {
	key := fmt.Sprintf("%s:%d", address, chainID)

	s.lockMutex.RLock()
	lock, exists := s.allocationLocks[key]
	s.lockMutex.RUnlock()
	if exists {
		return lock
	}

	s.lockMutex.Lock()
	defer s.lockMutex.Unlock()
	if lock, exists := s.allocationLocks[key]; exists {
		return lock
	}
	lock = &sync.Mutex{}
	s.allocationLocks[key] = lock
	return lock
}

// LockAddress acquires the per-address serialization lock. The broadcaster
// holds it for the allocate+record step only, never across network I/O of
// the actual broadcast.
func (s *NonceAllocatorService) LockAddress(address string, chainID uint64) func() {
	lock := s.getOrCreateLock(address, chainID)
	lock.Lock()
	return lock.Unlock
}

func (s *NonceAllocatorService) clientFor(chainID uint64) (clients.ChainClient, error) {
	client, ok := s.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("no chain client for chainID %d", chainID)
	}
	return client, nil
}

// Allocate claims the next nonce for a signing address and computes fee
// parameters for a fresh send. Callers must hold the address lock (see
// LockAddress) until the resulting send row is recorded.
func (s *NonceAllocatorService) Allocate(ctx context.Context, signingAddress string, chainID uint64, call *BuiltCall) (*Allocation, error) {
	client, err := s.clientFor(chainID)
	if err != nil {
		return nil, err
	}

	chainNonce, err := client.PendingNonceAt(ctx, common.HexToAddress(signingAddress))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain nonce for %s: %w", signingAddress, err)
	}

	ledgerNonce, haveLedger, err := s.sendRepo.MaxLiveNonce(ctx, signingAddress, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger nonce for %s: %w", signingAddress, err)
	}

	nonce := chainNonce
	source := "chain"
	if haveLedger && ledgerNonce+1 > chainNonce {
		nonce = ledgerNonce + 1
		source = "ledger"
	}
	metrics.NonceAllocations.WithLabelValues(source).Inc()

	fees, err := s.marketFees(ctx, client)
	if err != nil {
		return nil, err
	}

	gasLimit, err := s.estimateGas(ctx, client, signingAddress, call)
	if err != nil {
		return nil, err
	}

	log.Printf("🔢 [Allocator] %s chain=%d nonce=%d (source=%s) tip=%s maxFee=%s gas=%d",
		signingAddress, chainID, nonce, source, fees.MaxPriorityFeePerGas, fees.MaxFeePerGas, gasLimit)

	return &Allocation{
		Nonce:                nonce,
		MaxFeePerGas:         fees.MaxFeePerGas,
		MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
		GasLimit:             gasLimit,
	}, nil
}

// AllocateReplacement computes the fee envelope for replacing prior on the
// same nonce. The bump floor (prior fees x bump factor) is a hard
// precondition: the node rejects underpriced replacements, so fees below the
// floor are raised to it rather than submitted.
func (s *NonceAllocatorService) AllocateReplacement(ctx context.Context, prior *models.Send, call *BuiltCall) (*Allocation, error) {
	client, err := s.clientFor(prior.ChainID)
	if err != nil {
		return nil, err
	}

	priorFee, ok := new(big.Int).SetString(prior.MaxFeePerGas, 10)
	if !ok {
		return nil, fmt.Errorf("send %s has malformed max_fee_per_gas %q", prior.ID, prior.MaxFeePerGas)
	}
	priorTip, ok := new(big.Int).SetString(prior.MaxPriorityFeePerGas, 10)
	if !ok {
		return nil, fmt.Errorf("send %s has malformed max_priority_fee_per_gas %q", prior.ID, prior.MaxPriorityFeePerGas)
	}

	fees, err := s.marketFees(ctx, client)
	if err != nil {
		return nil, err
	}

	feeFloor := bumpFee(priorFee, s.cfg.FeeBumpFactor)
	tipFloor := bumpFee(priorTip, s.cfg.FeeBumpFactor)
	if fees.MaxFeePerGas.Cmp(feeFloor) < 0 {
		fees.MaxFeePerGas = feeFloor
	}
	if fees.MaxPriorityFeePerGas.Cmp(tipFloor) < 0 {
		fees.MaxPriorityFeePerGas = tipFloor
	}
	// fee cap can never sit below the tip cap
	if fees.MaxFeePerGas.Cmp(fees.MaxPriorityFeePerGas) < 0 {
		fees.MaxFeePerGas = new(big.Int).Set(fees.MaxPriorityFeePerGas)
	}

	log.Printf("⬆️ [Allocator] Replacement fees for nonce %d: tip %s -> %s, maxFee %s -> %s",
		prior.Nonce, priorTip, fees.MaxPriorityFeePerGas, priorFee, fees.MaxFeePerGas)

	return &Allocation{
		Nonce:                prior.Nonce,
		MaxFeePerGas:         fees.MaxFeePerGas,
		MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
		GasLimit:             prior.GasLimit,
	}, nil
}

type feePair struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// marketFees derives EIP-1559 params from the node: tip from the suggestion,
// fee cap = 2x base fee + tip so the tx survives several full base fee steps.
func (s *NonceAllocatorService) marketFees(ctx context.Context, client clients.ChainClient) (*feePair, error) {
	tipCap, baseFee, err := client.SuggestFees(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch fee suggestion: %w", err)
	}

	var feeCap *big.Int
	if baseFee != nil {
		feeCap = new(big.Int).Mul(baseFee, big.NewInt(2))
		feeCap.Add(feeCap, tipCap)
	} else {
		// pre-1559 chain: treat the suggestion as the total price with headroom
		feeCap = bumpFee(tipCap, 1.2)
	}

	return &feePair{
		MaxFeePerGas:         feeCap,
		MaxPriorityFeePerGas: new(big.Int).Set(tipCap),
	}, nil
}

// estimateGas asks the node for a gas estimate and pads it by the configured
// safety margin. Estimation failure is a hard stop; the intent is not
// advanced on a call the node cannot even simulate.
func (s *NonceAllocatorService) estimateGas(ctx context.Context, client clients.ChainClient, from string, call *BuiltCall) (uint64, error) {
	to := common.HexToAddress(call.To)
	msg := ethereum.CallMsg{
		From:  common.HexToAddress(from),
		To:    &to,
		Value: call.Value,
		Data:  call.Data,
	}
	gas, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("estimate for call to %s: %v: %w", call.To, err, ErrGasEstimation)
	}
	return gas + gas*uint64(s.cfg.GasLimitPadPercent)/100, nil
}

// bumpFee multiplies a fee by a float factor using integer math
// (factor expressed in basis points to avoid float drift on big values).
func bumpFee(fee *big.Int, factor float64) *big.Int {
	bps := big.NewInt(int64(factor * 10000))
	out := new(big.Int).Mul(fee, bps)
	out.Div(out, big.NewInt(10000))
	// integer division floors; a bump must strictly increase a nonzero fee
	if factor > 1.0 && out.Cmp(fee) <= 0 && fee.Sign() > 0 {
		out.Add(fee, big.NewInt(1))
	}
	return out
}
