package services

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"go-txpipeline/internal/clients"
	"go-txpipeline/internal/config"
	"go-txpipeline/internal/models"
	"go-txpipeline/internal/repository"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// In-memory fakes standing in for the gorm repositories and the RPC node.
// They implement the same error contracts (ErrNotFound, ErrStaleStatus,
// unique violations) so the services under test exercise their real branches.

var errFakeUniqueViolation = errors.New("duplicate key value violates unique constraint (fake)")

type fakeIntentRepo struct {
	mu      sync.Mutex
	byID    map[string]*models.Intent
	byKey   map[string]string
	nowFunc func() time.Time
}

func newFakeIntentRepo() *fakeIntentRepo {
	return &fakeIntentRepo{
		byID:    make(map[string]*models.Intent),
		byKey:   make(map[string]string),
		nowFunc: time.Now,
	}
}

func (r *fakeIntentRepo) Create(ctx context.Context, intent *models.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[intent.IntentKey]; exists {
		return errFakeUniqueViolation
	}
	intent.CreatedAt = r.nowFunc()
	intent.UpdatedAt = intent.CreatedAt
	r.byID[intent.ID] = intent
	r.byKey[intent.IntentKey] = intent.ID
	return nil
}

func (r *fakeIntentRepo) GetByID(ctx context.Context, id string) (*models.Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *intent
	return &cp, nil
}

func (r *fakeIntentRepo) GetByKey(ctx context.Context, intentKey string) (*models.Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[intentKey]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *fakeIntentRepo) UpdateStatusCAS(ctx context.Context, id string, expected, next models.IntentStatus, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.byID[id]
	if !ok || intent.Status != expected {
		return repository.ErrStaleStatus
	}
	intent.Status = next
	if lastError != "" {
		intent.LastError = lastError
	}
	intent.UpdatedAt = r.nowFunc()
	return nil
}

func (r *fakeIntentRepo) FindByStatus(ctx context.Context, status models.IntentStatus, limit int) ([]*models.Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Intent
	for _, intent := range r.byID {
		if intent.Status == status {
			cp := *intent
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mustStatus is a test-side peek at the stored status.
func (r *fakeIntentRepo) mustStatus(id string) models.IntentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id].Status
}

type fakeSendRepo struct {
	mu    sync.Mutex
	byID  map[string]*models.Send
	order []string // insertion order of IDs

	// ops traces repository calls for ordering assertions
	ops []string

	// nextCreateErr is returned (and cleared) by the next Create call
	nextCreateErr error
}

func newFakeSendRepo() *fakeSendRepo {
	return &fakeSendRepo{byID: make(map[string]*models.Send)}
}

func (r *fakeSendRepo) Create(ctx context.Context, send *models.Send) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "create")
	if r.nextCreateErr != nil {
		err := r.nextCreateErr
		r.nextCreateErr = nil
		return err
	}
	// mirror the partial unique index on live (chain, nonce, address)
	if send.ReplacedBy == nil {
		for _, s := range r.byID {
			if s.ReplacedBy == nil && s.ChainID == send.ChainID && s.Nonce == send.Nonce && s.SigningAddress == send.SigningAddress {
				return errFakeUniqueViolation
			}
		}
	}
	if send.CreatedAt.IsZero() {
		send.CreatedAt = time.Now()
	}
	r.byID[send.ID] = send
	r.order = append(r.order, send.ID)
	return nil
}

func (r *fakeSendRepo) GetByID(ctx context.Context, id string) (*models.Send, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	send, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *send
	return &cp, nil
}

func (r *fakeSendRepo) GetByTxHash(ctx context.Context, txHash string) (*models.Send, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, send := range r.byID {
		if send.TxHash == txHash {
			cp := *send
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeSendRepo) GetLiveByIntent(ctx context.Context, intentID string) (*models.Send, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		send, ok := r.byID[r.order[i]]
		if ok && send.IntentID == intentID && send.ReplacedBy == nil {
			cp := *send
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeSendRepo) FindByIntent(ctx context.Context, intentID string) ([]*models.Send, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Send
	for _, id := range r.order {
		if send, ok := r.byID[id]; ok && send.IntentID == intentID {
			cp := *send
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeSendRepo) MaxLiveNonce(ctx context.Context, signingAddress string, chainID uint64) (uint64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max uint64
	found := false
	for _, send := range r.byID {
		if send.ReplacedBy == nil && send.SigningAddress == signingAddress && send.ChainID == chainID {
			if !found || send.Nonce > max {
				max = send.Nonce
			}
			found = true
		}
	}
	return max, found, nil
}

func (r *fakeSendRepo) FindByAddressNonce(ctx context.Context, signingAddress string, chainID uint64, nonce uint64) ([]*models.Send, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Send
	for _, id := range r.order {
		send, ok := r.byID[id]
		if ok && send.SigningAddress == signingAddress && send.ChainID == chainID && send.Nonce == nonce {
			cp := *send
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeSendRepo) FindUnconfirmedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Send, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Send
	for _, id := range r.order {
		send, ok := r.byID[id]
		if ok && send.ReplacedBy == nil && send.SentAt != nil && send.SentAt.Before(cutoff) {
			cp := *send
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeSendRepo) FindLiveUnconfirmed(ctx context.Context, limit int) ([]*models.Send, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Send
	for _, id := range r.order {
		send, ok := r.byID[id]
		if ok && send.ReplacedBy == nil && send.SentAt != nil {
			cp := *send
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeSendRepo) FindUnbroadcastOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Send, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Send
	for _, id := range r.order {
		send, ok := r.byID[id]
		if ok && send.ReplacedBy == nil && send.TxHash == "" && send.CreatedAt.Before(cutoff) {
			cp := *send
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeSendRepo) MarkReplaced(ctx context.Context, sendID string, successorTxHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "markReplaced")
	send, ok := r.byID[sendID]
	if !ok || send.ReplacedBy != nil {
		return repository.ErrStaleStatus
	}
	send.ReplacedBy = &successorTxHash
	return nil
}

func (r *fakeSendRepo) UpdateBroadcastResult(ctx context.Context, sendID string, txHash, rawTx string, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	send, ok := r.byID[sendID]
	if !ok {
		return repository.ErrNotFound
	}
	send.TxHash = txHash
	send.RawTx = rawTx
	t := sentAt
	send.SentAt = &t
	return nil
}

// setSentAt backdates a stored send, standing in for time passing.
func (r *fakeSendRepo) setSentAt(sendID string, sentAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if send, ok := r.byID[sendID]; ok {
		t := sentAt
		send.SentAt = &t
	}
}

func (r *fakeSendRepo) Delete(ctx context.Context, sendID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "delete")
	delete(r.byID, sendID)
	return nil
}

type fakeReceiptRepo struct {
	mu     sync.Mutex
	byHash map[string]*models.Receipt
}

func newFakeReceiptRepo() *fakeReceiptRepo {
	return &fakeReceiptRepo{byHash: make(map[string]*models.Receipt)}
}

func (r *fakeReceiptRepo) Upsert(ctx context.Context, receipt *models.Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byHash[receipt.TxHash]; exists {
		return nil
	}
	r.byHash[receipt.TxHash] = receipt
	return nil
}

func (r *fakeReceiptRepo) GetByTxHash(ctx context.Context, txHash string) (*models.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	receipt, ok := r.byHash[txHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *receipt
	return &cp, nil
}

func (r *fakeReceiptRepo) Exists(ctx context.Context, txHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byHash[txHash]
	return ok, nil
}

type fakeWalletRepo struct {
	mu        sync.Mutex
	byAddress map[string]*models.Wallet
}

func newFakeWalletRepo() *fakeWalletRepo {
	return &fakeWalletRepo{byAddress: make(map[string]*models.Wallet)}
}

func (r *fakeWalletRepo) Create(ctx context.Context, wallet *models.Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byAddress[wallet.Address]; exists {
		return errFakeUniqueViolation
	}
	r.byAddress[wallet.Address] = wallet
	return nil
}

func (r *fakeWalletRepo) GetByAddress(ctx context.Context, address string) (*models.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wallet, ok := r.byAddress[address]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *wallet
	return &cp, nil
}

func (r *fakeWalletRepo) FindAll(ctx context.Context) ([]*models.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Wallet
	for _, wallet := range r.byAddress {
		cp := *wallet
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeWalletRepo) UpdatePrivkeyEnc(ctx context.Context, id string, privkeyEnc []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, wallet := range r.byAddress {
		if wallet.ID == id {
			wallet.PrivkeyEnc = privkeyEnc
			return nil
		}
	}
	return repository.ErrNotFound
}

type fakeCredentialRepo struct {
	mu    sync.Mutex
	creds map[string]*models.ApiCredential // userID|provider
}

func newFakeCredentialRepo() *fakeCredentialRepo {
	return &fakeCredentialRepo{creds: make(map[string]*models.ApiCredential)}
}

func credKey(userID, provider string) string { return userID + "|" + provider }

func (r *fakeCredentialRepo) Upsert(ctx context.Context, cred *models.ApiCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := credKey(cred.UserID, cred.Provider)
	if existing, ok := r.creds[key]; ok {
		existing.SecretEnc = cred.SecretEnc
		existing.MetaEnc = cred.MetaEnc
		existing.UpdatedAt = cred.UpdatedAt
		return nil
	}
	r.creds[key] = cred
	return nil
}

func (r *fakeCredentialRepo) GetByUserProvider(ctx context.Context, userID, provider string) (*models.ApiCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[credKey(userID, provider)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (r *fakeCredentialRepo) FindAll(ctx context.Context) ([]*models.ApiCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ApiCredential
	for _, cred := range r.creds {
		cp := *cred
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeCredentialRepo) UpdateBlobs(ctx context.Context, id string, secretEnc, metaEnc []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cred := range r.creds {
		if cred.ID == id {
			cred.SecretEnc = secretEnc
			cred.MetaEnc = metaEnc
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *fakeCredentialRepo) Delete(ctx context.Context, userID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.creds, credKey(userID, provider))
	return nil
}

// fakeChainClient is a scriptable node: nonces, fees and gas are fixed fields,
// submit errors pop off a queue, receipts come from a map.
type fakeChainClient struct {
	mu sync.Mutex

	chainID      uint64
	pendingNonce uint64
	tipCap       *big.Int
	baseFee      *big.Int
	gasEstimate  uint64
	estimateErr  error

	// sendErrs is consumed one entry per SendTransaction call; nil entries
	// mean that call succeeds. An exhausted queue always succeeds.
	sendErrs []error
	sentTxs  []*types.Transaction

	receipts map[common.Hash]*types.Receipt

	// when true, TransactionByHash finds any tx ever passed to
	// SendTransaction, submit error or not
	mempoolVisible bool
}

func newFakeChainClient(chainID uint64) *fakeChainClient {
	return &fakeChainClient{
		chainID:     chainID,
		tipCap:      big.NewInt(2_000_000_000),
		baseFee:     big.NewInt(30_000_000_000),
		gasEstimate: 50_000,
		receipts:    make(map[common.Hash]*types.Receipt),
	}
}

func (c *fakeChainClient) ChainID() uint64 { return c.chainID }

func (c *fakeChainClient) PendingNonceAt(ctx context.Context, address common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingNonce, nil
}

func (c *fakeChainClient) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var base *big.Int
	if c.baseFee != nil {
		base = new(big.Int).Set(c.baseFee)
	}
	return new(big.Int).Set(c.tipCap), base, nil
}

func (c *fakeChainClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.estimateErr != nil {
		return 0, c.estimateErr
	}
	return c.gasEstimate, nil
}

func (c *fakeChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentTxs = append(c.sentTxs, tx)
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		return err
	}
	return nil
}

func (c *fakeChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if receipt, ok := c.receipts[txHash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

func (c *fakeChainClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mempoolVisible {
		for _, tx := range c.sentTxs {
			if tx.Hash() == txHash {
				return tx, true, nil
			}
		}
	}
	return nil, false, ethereum.NotFound
}

func (c *fakeChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	return 1, nil
}

func (c *fakeChainClient) setReceipt(txHash string, status, blockNumber uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[common.HexToHash(txHash)] = &types.Receipt{
		Status:            status,
		BlockNumber:       new(big.Int).SetUint64(blockNumber),
		GasUsed:           21_000,
		EffectiveGasPrice: big.NewInt(31_000_000_000),
	}
}

func (c *fakeChainClient) submitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sentTxs)
}

// testPipelineConfig is the tuned-down config shared by the service tests.
func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		BroadcastMaxRetries:    3,
		BroadcastBackoffMs:     1,
		GasLimitPadPercent:     20,
		FeeBumpFactor:          1.10,
		ReconcileIntervalSec:   15,
		StuckThresholdSec:      180,
		MaxReplacements:        3,
		ReconcileParallelPolls: 4,
	}
}

var _ repository.IntentRepository = (*fakeIntentRepo)(nil)
var _ repository.SendRepository = (*fakeSendRepo)(nil)
var _ repository.ReceiptRepository = (*fakeReceiptRepo)(nil)
var _ repository.WalletRepository = (*fakeWalletRepo)(nil)
var _ repository.CredentialRepository = (*fakeCredentialRepo)(nil)
var _ clients.ChainClient = (*fakeChainClient)(nil)
