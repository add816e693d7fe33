package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"time"

	"go-txpipeline/internal/clients"
	"go-txpipeline/internal/config"
	"go-txpipeline/internal/metrics"
	"go-txpipeline/internal/models"
	"go-txpipeline/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

// BroadcasterService builds, signs and submits transactions for intents.
//
// Ordering is deliberate: the nonce claim row is persisted under the address
// lock at allocation time, the signed transaction is submitted without the
// lock, and tx_hash/sent_at land on the claim row only after the node's ack.
// A crash between submit and record leaves a claim row with the nonce but no
// hash; the reconciler's (address, nonce) reverse lookup picks those up.
type BroadcasterService struct {
	sendRepo      repository.SendRepository
	ledger        *IntentLedgerService
	walletService *WalletService
	allocator     *NonceAllocatorService
	clients       map[uint64]clients.ChainClient
	cfg           config.PipelineConfig
}

// NewBroadcasterService creates the broadcaster.
func NewBroadcasterService(
	sendRepo repository.SendRepository,
	ledger *IntentLedgerService,
	walletService *WalletService,
	allocator *NonceAllocatorService,
	chainClients map[uint64]clients.ChainClient,
	cfg config.PipelineConfig,
) *BroadcasterService {
	return &BroadcasterService{
		sendRepo:      sendRepo,
		ledger:        ledger,
		walletService: walletService,
		allocator:     allocator,
		clients:       chainClients,
		cfg:           cfg,
	}
}

// Execute drives a freshly registered intent through allocation and
// broadcast: created -> allocated -> sent. Recoverable allocation errors
// (gas estimation) leave the intent untouched for the caller to retry;
// exhausted broadcast retries land it in terminal failed.
func (b *BroadcasterService) Execute(ctx context.Context, intent *models.Intent, signingAddress string, chainID uint64, call *BuiltCall) (*models.Send, error) {
	if err := call.Validate(); err != nil {
		// invalid parameters are a permanent failure, per the state machine
		_ = b.ledger.Transition(ctx, intent.ID, models.IntentStatusCreated, models.IntentStatusFailed, err.Error())
		return nil, err
	}

	// one reallocation round on nonce-too-low, then give up
	for attempt := 0; attempt < 2; attempt++ {
		send, err := b.allocateAndClaim(ctx, intent, signingAddress, chainID, call, attempt == 0)
		if err != nil {
			return nil, err
		}

		result, err := b.signAndSubmit(ctx, intent, send, call)
		if err == nil {
			return result, nil
		}
		if err != errRetryWithFreshNonce {
			return nil, err
		}
		if attempt == 0 {
			log.Printf("🔁 [Broadcaster] Nonce %d was stale for %s, reallocating", send.Nonce, signingAddress)
		}
	}

	// the reallocated nonce was stale too: something else is consuming this
	// address's slots faster than we can claim them. The claim rows were
	// already released; fail the intent so it does not sit non-terminal.
	_ = b.ledger.Transition(ctx, intent.ID, models.IntentStatusAllocated, models.IntentStatusFailed, "nonce conflict persisted after reallocation")
	return nil, fmt.Errorf("intent %s: %w", intent.ID, ErrNonceConflict)
}

// errRetryWithFreshNonce is internal: signAndSubmit reports that the claim
// was deleted and the caller should allocate again.
var errRetryWithFreshNonce = fmt.Errorf("retry with fresh nonce")

// allocateAndClaim runs the allocate+record step under the address lock and
// moves the intent to allocated on the first round.
func (b *BroadcasterService) allocateAndClaim(ctx context.Context, intent *models.Intent, signingAddress string, chainID uint64, call *BuiltCall, firstRound bool) (*models.Send, error) {
	unlock := b.allocator.LockAddress(signingAddress, chainID)
	defer unlock()

	alloc, err := b.allocator.Allocate(ctx, signingAddress, chainID, call)
	if err != nil {
		// gas estimation and RPC failures are recoverable: intent stays put
		return nil, err
	}

	send := &models.Send{
		ID:                   uuid.New().String(),
		IntentID:             intent.ID,
		SigningAddress:       signingAddress,
		ChainID:              chainID,
		Nonce:                alloc.Nonce,
		MaxFeePerGas:         alloc.MaxFeePerGas.String(),
		MaxPriorityFeePerGas: alloc.MaxPriorityFeePerGas.String(),
		GasLimit:             alloc.GasLimit,
	}
	if err := b.sendRepo.Create(ctx, send); err != nil {
		if repository.IsUniqueViolation(err) {
			// another process claimed the slot between our reads; recoverable
			return nil, fmt.Errorf("nonce %d already claimed for %s: %w", alloc.Nonce, signingAddress, ErrNonceConflict)
		}
		return nil, fmt.Errorf("failed to record nonce claim: %w", err)
	}

	if firstRound {
		if err := b.ledger.Transition(ctx, intent.ID, models.IntentStatusCreated, models.IntentStatusAllocated, ""); err != nil {
			_ = b.sendRepo.Delete(ctx, send.ID)
			return nil, err
		}
	}
	return send, nil
}

// signAndSubmit signs the claim's transaction and pushes it to the node with
// bounded retries, then records the result and moves the intent to sent.
func (b *BroadcasterService) signAndSubmit(ctx context.Context, intent *models.Intent, send *models.Send, call *BuiltCall) (*models.Send, error) {
	client, ok := b.clients[send.ChainID]
	if !ok {
		return nil, fmt.Errorf("no chain client for chainID %d", send.ChainID)
	}

	signedTx, err := b.buildAndSign(ctx, send, call)
	if err != nil {
		// signing failure is permanent: bad key material or a corrupt vault blob
		_ = b.sendRepo.Delete(ctx, send.ID)
		_ = b.ledger.Transition(ctx, intent.ID, models.IntentStatusAllocated, models.IntentStatusFailed, "transaction signing failed")
		return nil, err
	}
	txHash := signedTx.Hash().Hex()

	start := time.Now()
	submitErr := b.submitWithRetry(ctx, client, signedTx)
	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())

	switch ClassifyBroadcastError(submitErr) {
	case BroadcastOK:
		// acknowledged
	case BroadcastAlreadyKnown:
		// another process broadcast this exact send; success
		metrics.BroadcastErrors.WithLabelValues("already_known").Inc()
		log.Printf("ℹ️ [Broadcaster] Node already knows %s, treating as success", txHash)
	case BroadcastNonceTooLow:
		metrics.BroadcastErrors.WithLabelValues("nonce_too_low").Inc()
		if err := b.sendRepo.Delete(ctx, send.ID); err != nil {
			return nil, fmt.Errorf("failed to release stale nonce claim: %w", err)
		}
		return nil, errRetryWithFreshNonce
	case BroadcastUnderpriced:
		metrics.BroadcastErrors.WithLabelValues("underpriced").Inc()
		_ = b.sendRepo.Delete(ctx, send.ID)
		return nil, fmt.Errorf("tx %s: %w", txHash, ErrUnderpricedReplacement)
	default:
		metrics.BroadcastErrors.WithLabelValues("other").Inc()
		// ambiguous: the tx may have reached the network on an attempt whose
		// response we lost. Ask once before declaring failure.
		if _, _, lookupErr := client.TransactionByHash(ctx, signedTx.Hash()); lookupErr == nil {
			log.Printf("ℹ️ [Broadcaster] Submit errored but %s is in the mempool, treating as sent", txHash)
		} else {
			_ = b.sendRepo.Delete(ctx, send.ID)
			_ = b.ledger.Transition(ctx, intent.ID, models.IntentStatusAllocated, models.IntentStatusFailed,
				fmt.Sprintf("broadcast rejected after %d attempts", b.cfg.BroadcastMaxRetries))
			return nil, fmt.Errorf("tx %s: %v: %w", txHash, submitErr, ErrBroadcastRejected)
		}
	}

	now := time.Now()
	rawTx, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw tx: %w", err)
	}
	if err := b.sendRepo.UpdateBroadcastResult(ctx, send.ID, txHash, hex.EncodeToString(rawTx), now); err != nil {
		return nil, fmt.Errorf("tx %s sent but recording failed: %w", txHash, err)
	}
	send.TxHash = txHash
	send.RawTx = hex.EncodeToString(rawTx)
	send.SentAt = &now

	if err := b.ledger.Transition(ctx, intent.ID, models.IntentStatusAllocated, models.IntentStatusSent, ""); err != nil {
		return nil, err
	}

	log.Printf("🚀 [Broadcaster] Sent intent %s: tx=%s nonce=%d maxFee=%s", intent.ID, txHash, send.Nonce, send.MaxFeePerGas)
	return send, nil
}

// Replace broadcasts a fee-bumped successor for a live send on the same
// nonce. The prior send is marked replaced only after the successor's submit
// is acknowledged, and the intent's status stays sent throughout.
func (b *BroadcasterService) Replace(ctx context.Context, intent *models.Intent, prior *models.Send, trigger string) (*models.Send, error) {
	client, ok := b.clients[prior.ChainID]
	if !ok {
		return nil, fmt.Errorf("no chain client for chainID %d", prior.ChainID)
	}

	call, err := decodeBuiltCall(prior.RawTx)
	if err != nil {
		return nil, fmt.Errorf("cannot rebuild call for send %s: %w", prior.ID, err)
	}

	unlock := b.allocator.LockAddress(prior.SigningAddress, prior.ChainID)
	alloc, err := b.allocator.AllocateReplacement(ctx, prior, call)
	unlock()
	if err != nil {
		return nil, err
	}

	send := &models.Send{
		ID:                   uuid.New().String(),
		IntentID:             prior.IntentID,
		SigningAddress:       prior.SigningAddress,
		ChainID:              prior.ChainID,
		Nonce:                alloc.Nonce,
		MaxFeePerGas:         alloc.MaxFeePerGas.String(),
		MaxPriorityFeePerGas: alloc.MaxPriorityFeePerGas.String(),
		GasLimit:             alloc.GasLimit,
	}

	signedTx, err := b.buildAndSign(ctx, send, call)
	if err != nil {
		return nil, err
	}
	txHash := signedTx.Hash().Hex()

	submitErr := b.submitWithRetry(ctx, client, signedTx)
	switch ClassifyBroadcastError(submitErr) {
	case BroadcastOK, BroadcastAlreadyKnown:
		// acknowledged
	case BroadcastNonceTooLow:
		// the slot was consumed: either the prior send or an unknown sibling
		// mined first. Let the reconciler's receipt poll sort it out.
		metrics.BroadcastErrors.WithLabelValues("nonce_too_low").Inc()
		return nil, fmt.Errorf("replacement for nonce %d: %w", prior.Nonce, ErrNonceConflict)
	case BroadcastUnderpriced:
		metrics.BroadcastErrors.WithLabelValues("underpriced").Inc()
		return nil, fmt.Errorf("replacement for nonce %d: %w", prior.Nonce, ErrUnderpricedReplacement)
	default:
		metrics.BroadcastErrors.WithLabelValues("other").Inc()
		return nil, fmt.Errorf("replacement for nonce %d: %v: %w", prior.Nonce, submitErr, ErrBroadcastRejected)
	}

	// release the nonce slot before inserting the successor; the partial
	// unique index forbids two live rows on one slot
	if err := b.sendRepo.MarkReplaced(ctx, prior.ID, txHash); err != nil {
		return nil, fmt.Errorf("replacement %s sent but prior not marked: %w", txHash, err)
	}

	now := time.Now()
	rawTx, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw tx: %w", err)
	}
	send.TxHash = txHash
	send.RawTx = hex.EncodeToString(rawTx)
	send.SentAt = &now
	if err := b.sendRepo.Create(ctx, send); err != nil {
		return nil, fmt.Errorf("replacement %s sent but recording failed: %w", txHash, err)
	}

	// sent -> sent: the replacement does not move the intent's status
	if err := b.ledger.Transition(ctx, intent.ID, models.IntentStatusSent, models.IntentStatusSent, ""); err != nil {
		return nil, err
	}

	metrics.ReplacementsTriggered.WithLabelValues(trigger).Inc()
	log.Printf("⬆️ [Broadcaster] Replaced %s with %s (nonce=%d, trigger=%s)", prior.TxHash, txHash, send.Nonce, trigger)
	return send, nil
}

// buildAndSign constructs the EIP-1559 transaction for a send and signs it
// with the wallet's vault-scoped key.
func (b *BroadcasterService) buildAndSign(ctx context.Context, send *models.Send, call *BuiltCall) (*types.Transaction, error) {
	to := common.HexToAddress(call.To)
	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}
	maxFee, _ := new(big.Int).SetString(send.MaxFeePerGas, 10)
	tip, _ := new(big.Int).SetString(send.MaxPriorityFeePerGas, 10)

	chainID := new(big.Int).SetUint64(send.ChainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     send.Nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       send.GasLimit,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})

	return b.walletService.SignTx(ctx, send.SigningAddress, tx, chainID)
}

// submitWithRetry pushes a signed transaction with the bounded-retry policy.
// Classified errors short-circuit: retrying nonce-too-low or underpriced at
// this level would just burn attempts.
func (b *BroadcasterService) submitWithRetry(ctx context.Context, client clients.ChainClient, tx *types.Transaction) error {
	var lastErr error
	wait := time.Duration(b.cfg.BroadcastBackoffMs) * time.Millisecond

	for attempt := 1; attempt <= b.cfg.BroadcastMaxRetries; attempt++ {
		metrics.BroadcastAttempts.Inc()
		err := client.SendTransaction(ctx, tx)
		if err == nil {
			return nil
		}
		if kind := ClassifyBroadcastError(err); kind != BroadcastOther {
			return err
		}
		lastErr = err
		log.Printf("⚠️ [Broadcaster] Submit attempt %d/%d failed: %v", attempt, b.cfg.BroadcastMaxRetries, err)
		if attempt < b.cfg.BroadcastMaxRetries {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			wait *= 2
		}
	}
	return lastErr
}

// decodeBuiltCall recovers the boundary call value from a recorded raw
// transaction, so replacements never depend on the caller resupplying it.
func decodeBuiltCall(rawTxHex string) (*BuiltCall, error) {
	if rawTxHex == "" {
		return nil, fmt.Errorf("send has no recorded raw tx")
	}
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return nil, fmt.Errorf("raw tx is not valid hex: %w", err)
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("raw tx decode failed: %w", err)
	}
	if tx.To() == nil {
		return nil, fmt.Errorf("contract creation sends cannot be replaced")
	}
	return &BuiltCall{
		To:    tx.To().Hex(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, nil
}
