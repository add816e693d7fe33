package services

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"go-txpipeline/internal/clients"
	"go-txpipeline/internal/config"
	"go-txpipeline/internal/metrics"
	"go-txpipeline/internal/models"
	"go-txpipeline/internal/repository"

	"github.com/ethereum/go-ethereum/common"
)

// ReconcilerService is the background sweep that converges the ledger with
// the chain: it polls receipts for unconfirmed sends, drives intents to their
// terminal status, fee-bumps sends stuck in the mempool, and releases nonce
// claims whose broadcast never happened.
type ReconcilerService struct {
	intentRepo  repository.IntentRepository
	sendRepo    repository.SendRepository
	receiptRepo repository.ReceiptRepository
	ledger      *IntentLedgerService
	broadcaster *BroadcasterService
	clients     map[uint64]clients.ChainClient
	cfg         config.PipelineConfig

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewReconcilerService creates the reconciler.
func NewReconcilerService(
	intentRepo repository.IntentRepository,
	sendRepo repository.SendRepository,
	receiptRepo repository.ReceiptRepository,
	ledger *IntentLedgerService,
	broadcaster *BroadcasterService,
	chainClients map[uint64]clients.ChainClient,
	cfg config.PipelineConfig,
) *ReconcilerService {
	return &ReconcilerService{
		intentRepo:  intentRepo,
		sendRepo:    sendRepo,
		receiptRepo: receiptRepo,
		ledger:      ledger,
		broadcaster: broadcaster,
		clients:     chainClients,
		cfg:         cfg,
		stopChan:    make(chan struct{}),
	}
}

// Start launches the periodic sweep loop.
func (s *ReconcilerService) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🚀 [Reconciler] Started (interval=%s, stuckThreshold=%s)", s.cfg.ReconcileInterval(), s.cfg.StuckThreshold())
}

// Stop signals the loop to exit and waits for the in-flight sweep.
func (s *ReconcilerService) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	log.Println("🛑 [Reconciler] Stopped")
}

func (s *ReconcilerService) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReconcileInterval())
	defer ticker.Stop()

	// one sweep right away so a restart doesn't wait a full interval
	s.Sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// Sweep runs one reconciliation pass. Exported so operators (and tests) can
// trigger it outside the ticker.
func (s *ReconcilerService) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.ReconcileSweepDuration.Observe(time.Since(start).Seconds())
	}()

	sends, err := s.sendRepo.FindLiveUnconfirmed(ctx, 0)
	if err != nil {
		log.Printf("❌ [Reconciler] Sweep aborted, listing unconfirmed sends failed: %v", err)
		return
	}
	metrics.PendingSends.Set(float64(len(sends)))
	if len(sends) > 0 {
		log.Printf("🔍 [Reconciler] Sweeping %d unconfirmed send(s)", len(sends))
	}

	// bounded fan-out: receipt polls are independent per send
	sem := make(chan struct{}, s.cfg.ReconcileParallelPolls)
	var wg sync.WaitGroup
	for _, send := range sends {
		wg.Add(1)
		sem <- struct{}{}
		go func(send *models.Send) {
			defer wg.Done()
			defer func() { <-sem }()
			s.reconcileSend(ctx, send)
		}(send)
	}
	wg.Wait()

	s.releaseOrphanClaims(ctx)
}

// reconcileSend polls one live send's receipt and settles its intent, or
// escalates to a fee-bump replacement when the send is stuck.
func (s *ReconcilerService) reconcileSend(ctx context.Context, send *models.Send) {
	client, ok := s.clients[send.ChainID]
	if !ok {
		log.Printf("⚠️ [Reconciler] No chain client for chainID %d, skipping send %s", send.ChainID, send.ID)
		return
	}

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(send.TxHash))
	if err == nil && receipt != nil {
		s.settle(ctx, send, newReceiptRecord(send.TxHash, receipt.Status, receipt.BlockNumber.Uint64(), receipt.GasUsed, receipt.EffectiveGasPrice))
		return
	}

	// No receipt for the live send. A replaced sibling may have mined on the
	// same slot; if so the chain has consumed the nonce and the sibling's
	// receipt is the intent's real outcome.
	if settled := s.checkReplacedSiblings(ctx, client, send); settled {
		return
	}

	if send.SentAt != nil && time.Since(*send.SentAt) > s.cfg.StuckThreshold() {
		s.escalateStuck(ctx, send)
	}
}

// receiptRecord carries the fields persisted from an on-chain receipt.
type receiptRecord struct {
	TxHash            string
	Status            uint64
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice string
}

func newReceiptRecord(txHash string, status, blockNumber, gasUsed uint64, effPrice *big.Int) receiptRecord {
	rec := receiptRecord{
		TxHash:      txHash,
		Status:      status,
		BlockNumber: blockNumber,
		GasUsed:     gasUsed,
	}
	if effPrice != nil {
		rec.EffectiveGasPrice = effPrice.String()
	}
	return rec
}

// settle records a receipt and drives the send's intent to its terminal
// status. Receipt rows are append-once; the upsert ignores rediscovery.
func (s *ReconcilerService) settle(ctx context.Context, send *models.Send, rec receiptRecord) {
	row := &models.Receipt{
		TxHash:            rec.TxHash,
		Status:            rec.Status,
		BlockNumber:       rec.BlockNumber,
		GasUsed:           rec.GasUsed,
		EffectiveGasPrice: rec.EffectiveGasPrice,
		MinedAt:           time.Now(),
	}
	if err := s.receiptRepo.Upsert(ctx, row); err != nil {
		log.Printf("❌ [Reconciler] Failed to record receipt for %s: %v", rec.TxHash, err)
		return
	}

	next := models.IntentStatusConfirmed
	reason := ""
	outcome := "success"
	if rec.Status == 0 {
		next = models.IntentStatusFailed
		reason = fmt.Sprintf("transaction %s reverted on-chain in block %d", rec.TxHash, rec.BlockNumber)
		outcome = "reverted"
	}
	metrics.ReceiptsObserved.WithLabelValues(outcome).Inc()

	err := s.ledger.Transition(ctx, send.IntentID, models.IntentStatusSent, next, reason)
	if err != nil {
		// a concurrent settle already landed the terminal status; benign
		log.Printf("⚠️ [Reconciler] Intent %s not advanced to %s: %v", send.IntentID, next, err)
		return
	}
	log.Printf("✅ [Reconciler] Intent %s settled: tx=%s block=%d status=%s", send.IntentID, rec.TxHash, rec.BlockNumber, outcome)
}

// checkReplacedSiblings handles the race where the original send mines after
// its replacement was broadcast: the replaced sibling's receipt settles the
// intent, and the live send's slot is gone.
func (s *ReconcilerService) checkReplacedSiblings(ctx context.Context, client clients.ChainClient, live *models.Send) bool {
	siblings, err := s.sendRepo.FindByAddressNonce(ctx, live.SigningAddress, live.ChainID, live.Nonce)
	if err != nil {
		log.Printf("⚠️ [Reconciler] Sibling lookup failed for send %s: %v", live.ID, err)
		return false
	}

	for _, sib := range siblings {
		if sib.ID == live.ID || sib.TxHash == "" {
			continue
		}
		receipt, err := client.TransactionReceipt(ctx, common.HexToHash(sib.TxHash))
		if err != nil || receipt == nil {
			continue
		}
		log.Printf("ℹ️ [Reconciler] Replaced sibling %s mined ahead of live send %s on nonce %d", sib.TxHash, live.TxHash, live.Nonce)
		s.settle(ctx, sib, newReceiptRecord(sib.TxHash, receipt.Status, receipt.BlockNumber.Uint64(), receipt.GasUsed, receipt.EffectiveGasPrice))

		// retire the stale successor: the mined sibling owns the nonce slot
		// now, and without this the send would be re-polled every sweep
		if err := s.sendRepo.MarkReplaced(ctx, live.ID, sib.TxHash); err != nil {
			log.Printf("⚠️ [Reconciler] Failed to retire stale send %s: %v", live.ID, err)
		}
		return true
	}
	return false
}

// escalateStuck fee-bumps a send that has sat unconfirmed past the stuck
// threshold, bounded by the replacement budget. An intent over budget stays
// pending: the last replacement is still in the mempool and may yet mine.
func (s *ReconcilerService) escalateStuck(ctx context.Context, send *models.Send) {
	attempts, err := s.sendRepo.FindByIntent(ctx, send.IntentID)
	if err != nil {
		log.Printf("⚠️ [Reconciler] Attempt count lookup failed for intent %s: %v", send.IntentID, err)
		return
	}
	if len(attempts)-1 >= s.cfg.MaxReplacements {
		log.Printf("⚠️ [Reconciler] Intent %s exhausted its %d replacement(s), leaving tx %s to the mempool",
			send.IntentID, s.cfg.MaxReplacements, send.TxHash)
		return
	}

	intent, err := s.intentRepo.GetByID(ctx, send.IntentID)
	if err != nil {
		log.Printf("⚠️ [Reconciler] Intent lookup failed for send %s: %v", send.ID, err)
		return
	}
	if intent.Status != models.IntentStatusSent {
		return
	}

	log.Printf("⏱️ [Reconciler] Send %s stuck for >%s, replacing (attempt %d/%d)",
		send.TxHash, s.cfg.StuckThreshold(), len(attempts), s.cfg.MaxReplacements)
	if _, err := s.broadcaster.Replace(ctx, intent, send, "stuck"); err != nil {
		log.Printf("⚠️ [Reconciler] Replacement for send %s failed: %v", send.ID, err)
	}
}

// ForceReplace is the operator path: immediately fee-bump the live send of an
// intent regardless of the stuck threshold. The replacement budget still
// applies.
func (s *ReconcilerService) ForceReplace(ctx context.Context, intentID string) (*models.Send, error) {
	intent, err := s.intentRepo.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != models.IntentStatusSent {
		return nil, fmt.Errorf("intent %s is %s, only sent intents can be replaced: %w", intentID, intent.Status, ErrInvalidTransition)
	}

	live, err := s.sendRepo.GetLiveByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if live.TxHash == "" {
		return nil, fmt.Errorf("intent %s has an unbroadcast nonce claim, nothing to replace", intentID)
	}

	attempts, err := s.sendRepo.FindByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if len(attempts)-1 >= s.cfg.MaxReplacements {
		return nil, fmt.Errorf("intent %s exhausted its %d replacement(s)", intentID, s.cfg.MaxReplacements)
	}

	return s.broadcaster.Replace(ctx, intent, live, "manual")
}

// releaseOrphanClaims cleans up nonce claim rows whose broadcast never
// completed (crash between allocation and submit ack). A claim is released
// only when the chain provably never consumed its nonce; anything ambiguous
// is left for an operator.
func (s *ReconcilerService) releaseOrphanClaims(ctx context.Context) {
	claims, err := s.sendRepo.FindUnbroadcastOlderThan(ctx, time.Now().Add(-s.cfg.StuckThreshold()))
	if err != nil {
		log.Printf("⚠️ [Reconciler] Orphan claim lookup failed: %v", err)
		return
	}

	for _, claim := range claims {
		client, ok := s.clients[claim.ChainID]
		if !ok {
			continue
		}
		chainNonce, err := client.PendingNonceAt(ctx, common.HexToAddress(claim.SigningAddress))
		if err != nil {
			log.Printf("⚠️ [Reconciler] Nonce check failed for orphan claim %s: %v", claim.ID, err)
			continue
		}
		if chainNonce > claim.Nonce {
			// the slot was consumed; a tx with an unknown hash may be ours
			log.Printf("🚨 [Reconciler] Orphan claim %s (nonce %d) overlaps a consumed slot, leaving for operator review", claim.ID, claim.Nonce)
			continue
		}

		if err := s.sendRepo.Delete(ctx, claim.ID); err != nil {
			log.Printf("⚠️ [Reconciler] Failed to release orphan claim %s: %v", claim.ID, err)
			continue
		}
		if err := s.ledger.MarkFailed(ctx, claim.IntentID, "broadcast never completed, nonce claim released"); err != nil {
			log.Printf("⚠️ [Reconciler] Failed to fail intent %s after claim release: %v", claim.IntentID, err)
		}
		log.Printf("🧹 [Reconciler] Released orphan claim %s (nonce %d for %s)", claim.ID, claim.Nonce, claim.SigningAddress)
	}
}
