package services

import (
	"context"
	"testing"
	"time"

	"go-txpipeline/internal/clients"
	"go-txpipeline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reconcilerFixture struct {
	*broadcasterFixture
	reconciler  *ReconcilerService
	receiptRepo *fakeReceiptRepo
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	bf := newBroadcasterFixture(t)
	receiptRepo := newFakeReceiptRepo()
	reconciler := NewReconcilerService(
		bf.intentRepo, bf.sendRepo, receiptRepo, bf.ledger, bf.broadcaster,
		map[uint64]clients.ChainClient{testChainID: bf.client}, testPipelineConfig())
	return &reconcilerFixture{
		broadcasterFixture: bf,
		reconciler:         reconciler,
		receiptRepo:        receiptRepo,
	}
}

// sentIntent drives an intent through the broadcaster to the sent status.
func (f *reconcilerFixture) sentIntent(t *testing.T, key string) (*models.Intent, *models.Send) {
	t.Helper()
	intent := f.registerIntent(t, key)
	send, err := f.broadcaster.Execute(context.Background(), intent, f.address, testChainID, testCall())
	require.NoError(t, err)
	return intent, send
}

func TestSweepConfirmsMinedSend(t *testing.T) {
	f := newReconcilerFixture(t)
	intent, send := f.sentIntent(t, "mined-1")
	f.client.setReceipt(send.TxHash, 1, 4096)

	f.reconciler.Sweep(context.Background())

	assert.Equal(t, models.IntentStatusConfirmed, f.intentRepo.mustStatus(intent.ID))

	receipt, err := f.receiptRepo.GetByTxHash(context.Background(), send.TxHash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Status)
	assert.Equal(t, uint64(4096), receipt.BlockNumber)
	assert.NotEmpty(t, receipt.EffectiveGasPrice)
}

func TestSweepFailsRevertedSend(t *testing.T) {
	f := newReconcilerFixture(t)
	intent, send := f.sentIntent(t, "reverted-1")
	f.client.setReceipt(send.TxHash, 0, 4097)

	f.reconciler.Sweep(context.Background())

	assert.Equal(t, models.IntentStatusFailed, f.intentRepo.mustStatus(intent.ID))

	got, err := f.ledger.GetByID(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "reverted")
}

func TestSweepIsIdempotentOnRediscovery(t *testing.T) {
	f := newReconcilerFixture(t)
	intent, send := f.sentIntent(t, "mined-2")
	f.client.setReceipt(send.TxHash, 1, 5000)

	f.reconciler.Sweep(context.Background())
	f.reconciler.Sweep(context.Background())

	assert.Equal(t, models.IntentStatusConfirmed, f.intentRepo.mustStatus(intent.ID))
}

func TestSweepSettlesViaReplacedSibling(t *testing.T) {
	f := newReconcilerFixture(t)
	intent, prior := f.sentIntent(t, "sibling-1")
	ctx := context.Background()

	current, err := f.ledger.GetByID(ctx, intent.ID)
	require.NoError(t, err)
	successor, err := f.broadcaster.Replace(ctx, current, prior, "manual")
	require.NoError(t, err)

	// the original wins the race against its own replacement
	f.client.setReceipt(prior.TxHash, 1, 6000)

	f.reconciler.Sweep(ctx)

	assert.Equal(t, models.IntentStatusConfirmed, f.intentRepo.mustStatus(intent.ID))

	// the receipt on file is the sibling's, not the successor's
	_, err = f.receiptRepo.GetByTxHash(ctx, prior.TxHash)
	assert.NoError(t, err)
	exists, err := f.receiptRepo.Exists(ctx, successor.TxHash)
	require.NoError(t, err)
	assert.False(t, exists)

	// the stale successor is retired: its slot's outcome is the sibling's
	// receipt, and later sweeps must not keep polling it
	storedSucc, err := f.sendRepo.GetByID(ctx, successor.ID)
	require.NoError(t, err)
	require.NotNil(t, storedSucc.ReplacedBy)
	assert.Equal(t, prior.TxHash, *storedSucc.ReplacedBy)

	pending, err := f.sendRepo.FindLiveUnconfirmed(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "pending set must drain after sibling settlement")

	f.reconciler.Sweep(ctx)
	assert.Equal(t, models.IntentStatusConfirmed, f.intentRepo.mustStatus(intent.ID))
}

func TestSweepReplacesStuckSend(t *testing.T) {
	f := newReconcilerFixture(t)
	intent, send := f.sentIntent(t, "stuck-1")
	f.sendRepo.setSentAt(send.ID, time.Now().Add(-10*time.Minute))

	f.reconciler.Sweep(context.Background())

	assert.Equal(t, models.IntentStatusSent, f.intentRepo.mustStatus(intent.ID))

	prior, err := f.sendRepo.GetByID(context.Background(), send.ID)
	require.NoError(t, err)
	assert.NotNil(t, prior.ReplacedBy, "stuck send must be replaced")

	live, err := f.sendRepo.GetLiveByIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.NotEqual(t, send.ID, live.ID)
	assert.Equal(t, send.Nonce, live.Nonce)

	// bumped fees on the successor
	priorFee := mustBig(t, send.MaxFeePerGas)
	liveFee := mustBig(t, live.MaxFeePerGas)
	assert.True(t, liveFee.Cmp(priorFee) > 0)
}

func TestSweepLeavesFreshSendAlone(t *testing.T) {
	f := newReconcilerFixture(t)
	intent, send := f.sentIntent(t, "fresh-1")

	f.reconciler.Sweep(context.Background())

	live, err := f.sendRepo.GetLiveByIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, send.ID, live.ID)
	assert.Nil(t, live.ReplacedBy)
}

func TestSweepRespectsReplacementBudget(t *testing.T) {
	f := newReconcilerFixture(t)
	intent, send := f.sentIntent(t, "budget-1")
	f.sendRepo.setSentAt(send.ID, time.Now().Add(-10*time.Minute))
	ctx := context.Background()

	// three earlier replacement attempts already on file
	replaced := "0xdead"
	for i := 0; i < 3; i++ {
		require.NoError(t, f.sendRepo.Create(ctx, &models.Send{
			ID: intent.ID + "-old-" + string(rune('a'+i)), IntentID: intent.ID,
			SigningAddress: f.address, ChainID: testChainID, Nonce: uint64(100 + i),
			MaxFeePerGas: "1", MaxPriorityFeePerGas: "1", GasLimit: 21000,
			TxHash: "0xold", ReplacedBy: &replaced,
		}))
	}

	submitsBefore := f.client.submitCount()
	f.reconciler.Sweep(ctx)

	// over budget: no new broadcast, the live send stays pending
	assert.Equal(t, submitsBefore, f.client.submitCount())
	live, err := f.sendRepo.GetLiveByIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, send.ID, live.ID)
	assert.Equal(t, models.IntentStatusSent, f.intentRepo.mustStatus(intent.ID))
}

func TestForceReplaceOnlySentIntents(t *testing.T) {
	f := newReconcilerFixture(t)
	intent := f.registerIntent(t, "force-1")

	_, err := f.reconciler.ForceReplace(context.Background(), intent.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestForceReplaceBypassesStuckThreshold(t *testing.T) {
	f := newReconcilerFixture(t)
	intent, send := f.sentIntent(t, "force-2")

	successor, err := f.reconciler.ForceReplace(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, send.Nonce, successor.Nonce)
	assert.NotEqual(t, send.TxHash, successor.TxHash)
}

func TestForceReplaceHonorsBudget(t *testing.T) {
	f := newReconcilerFixture(t)
	intent, _ := f.sentIntent(t, "force-3")
	ctx := context.Background()

	replaced := "0xdead"
	for i := 0; i < 3; i++ {
		require.NoError(t, f.sendRepo.Create(ctx, &models.Send{
			ID: intent.ID + "-old-" + string(rune('a'+i)), IntentID: intent.ID,
			SigningAddress: f.address, ChainID: testChainID, Nonce: uint64(100 + i),
			MaxFeePerGas: "1", MaxPriorityFeePerGas: "1", GasLimit: 21000,
			TxHash: "0xold", ReplacedBy: &replaced,
		}))
	}

	_, err := f.reconciler.ForceReplace(ctx, intent.ID)
	assert.Error(t, err)
}

func TestSweepReleasesOrphanClaim(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	f.client.pendingNonce = 5

	intent := f.registerIntent(t, "orphan-1")
	require.NoError(t, f.ledger.Transition(ctx, intent.ID, models.IntentStatusCreated, models.IntentStatusAllocated, ""))

	// a crash left the claim without a broadcast; the chain never consumed nonce 5
	require.NoError(t, f.sendRepo.Create(ctx, &models.Send{
		ID: "orphan-claim", IntentID: intent.ID, SigningAddress: f.address,
		ChainID: testChainID, Nonce: 5,
		MaxFeePerGas: "1", MaxPriorityFeePerGas: "1", GasLimit: 21000,
		CreatedAt: time.Now().Add(-10 * time.Minute),
	}))

	f.reconciler.Sweep(ctx)

	_, err := f.sendRepo.GetByID(ctx, "orphan-claim")
	assert.Error(t, err, "orphan claim must be released")
	assert.Equal(t, models.IntentStatusFailed, f.intentRepo.mustStatus(intent.ID))
}

func TestSweepKeepsAmbiguousOrphanClaim(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	// the chain moved past the claimed nonce: the tx may have been broadcast
	f.client.pendingNonce = 6

	intent := f.registerIntent(t, "orphan-2")
	require.NoError(t, f.ledger.Transition(ctx, intent.ID, models.IntentStatusCreated, models.IntentStatusAllocated, ""))

	require.NoError(t, f.sendRepo.Create(ctx, &models.Send{
		ID: "orphan-claim", IntentID: intent.ID, SigningAddress: f.address,
		ChainID: testChainID, Nonce: 5,
		MaxFeePerGas: "1", MaxPriorityFeePerGas: "1", GasLimit: 21000,
		CreatedAt: time.Now().Add(-10 * time.Minute),
	}))

	f.reconciler.Sweep(ctx)

	_, err := f.sendRepo.GetByID(ctx, "orphan-claim")
	assert.NoError(t, err, "ambiguous claim stays for operator review")
	assert.Equal(t, models.IntentStatusAllocated, f.intentRepo.mustStatus(intent.ID))
}

func TestStartStop(t *testing.T) {
	f := newReconcilerFixture(t)
	f.reconciler.Start()
	f.reconciler.Stop()
}
