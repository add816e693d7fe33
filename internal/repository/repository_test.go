package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"go-txpipeline/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB connects to the database named by TEST_DATABASE_DSN, migrates
// the schema and wipes the pipeline tables. Tests are skipped when the env
// var is unset so the suite stays runnable without Postgres.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, gdb.AutoMigrate(
		&models.Intent{},
		&models.Send{},
		&models.Receipt{},
	))
	require.NoError(t, gdb.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_live_nonce
		ON tx_sends (chain_id, nonce, signing_address)
		WHERE replaced_by IS NULL
	`).Error)
	require.NoError(t, gdb.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_send_tx_hash
		ON tx_sends (tx_hash)
		WHERE tx_hash <> ''
	`).Error)

	require.NoError(t, gdb.Exec(`TRUNCATE tx_intents, tx_sends, tx_receipts`).Error)
	return gdb
}

func testSend(intentID string, nonce uint64) *models.Send {
	return &models.Send{
		ID:             uuid.New().String(),
		IntentID:       intentID,
		SigningAddress: "0x742d35Cc6634C0532925a3b0F26750C66d78EB66",
		ChainID:        11155111,
		Nonce:          nonce,
		MaxFeePerGas:   "62000000000", MaxPriorityFeePerGas: "2000000000",
		GasLimit: 21000,
	}
}

func TestIntentKeyUniqueAcrossWriters(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewIntentRepository(gdb)
	ctx := context.Background()

	first := &models.Intent{ID: uuid.New().String(), IntentKey: "payout-42", Status: models.IntentStatusCreated}
	require.NoError(t, repo.Create(ctx, first))

	dup := &models.Intent{ID: uuid.New().String(), IntentKey: "payout-42", Status: models.IntentStatusCreated}
	err := repo.Create(ctx, dup)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// the surviving row is the first writer's
	got, err := repo.GetByKey(ctx, "payout-42")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestIntentKeyUniqueUnderConcurrentCreate(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewIntentRepository(gdb)
	ctx := context.Background()

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = repo.Create(ctx, &models.Intent{
				ID:        uuid.New().String(),
				IntentKey: "raced-key",
				Status:    models.IntentStatusCreated,
			})
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.True(t, IsUniqueViolation(err), "loser must fail with a unique violation, got %v", err)
	}
	assert.Equal(t, 1, winners)
}

func TestIntentStatusCAS(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewIntentRepository(gdb)
	ctx := context.Background()

	intent := &models.Intent{ID: uuid.New().String(), IntentKey: "cas-key", Status: models.IntentStatusCreated}
	require.NoError(t, repo.Create(ctx, intent))

	require.NoError(t, repo.UpdateStatusCAS(ctx, intent.ID, models.IntentStatusCreated, models.IntentStatusAllocated, ""))

	// a second writer still expecting "created" must lose
	err := repo.UpdateStatusCAS(ctx, intent.ID, models.IntentStatusCreated, models.IntentStatusFailed, "boom")
	assert.ErrorIs(t, err, ErrStaleStatus)

	got, err := repo.GetByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusAllocated, got.Status)
	assert.Empty(t, got.LastError)
}

func TestIntentGetByKeyNotFound(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewIntentRepository(gdb)

	_, err := repo.GetByKey(context.Background(), "no-such-key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLiveNonceSlotIsExclusive(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewSendRepository(gdb)
	ctx := context.Background()

	first := testSend("intent-1", 7)
	require.NoError(t, repo.Create(ctx, first))

	// a second live claim on the same (chain, nonce, address) must bounce
	err := repo.Create(ctx, testSend("intent-2", 7))
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// once the first is replaced, the slot opens up for the successor
	require.NoError(t, repo.MarkReplaced(ctx, first.ID, "0xsuccessor"))
	require.NoError(t, repo.Create(ctx, testSend("intent-1", 7)))

	nonce, ok, err := repo.MaxLiveNonce(ctx, first.SigningAddress, first.ChainID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), nonce)
}

func TestTxHashUniqueButClaimsExempt(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewSendRepository(gdb)
	ctx := context.Background()

	// any number of provisional claims may coexist with an empty hash
	require.NoError(t, repo.Create(ctx, testSend("intent-1", 1)))
	require.NoError(t, repo.Create(ctx, testSend("intent-2", 2)))

	sent := testSend("intent-3", 3)
	sent.TxHash = "0xabc"
	require.NoError(t, repo.Create(ctx, sent))

	dup := testSend("intent-4", 4)
	dup.TxHash = "0xabc"
	err := repo.Create(ctx, dup)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestMarkReplacedIsOneShot(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewSendRepository(gdb)
	ctx := context.Background()

	send := testSend("intent-1", 5)
	require.NoError(t, repo.Create(ctx, send))

	require.NoError(t, repo.MarkReplaced(ctx, send.ID, "0xfirst"))
	assert.ErrorIs(t, repo.MarkReplaced(ctx, send.ID, "0xsecond"), ErrStaleStatus)

	got, err := repo.GetByID(ctx, send.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReplacedBy)
	assert.Equal(t, "0xfirst", *got.ReplacedBy)
}

func TestFindUnconfirmedSkipsReceiptedSends(t *testing.T) {
	gdb := openTestDB(t)
	sendRepo := NewSendRepository(gdb)
	receiptRepo := NewReceiptRepository(gdb)
	ctx := context.Background()

	past := time.Now().Add(-10 * time.Minute)

	mined := testSend("intent-1", 1)
	mined.TxHash = "0xmined"
	mined.SentAt = &past
	require.NoError(t, sendRepo.Create(ctx, mined))
	require.NoError(t, receiptRepo.Upsert(ctx, &models.Receipt{TxHash: "0xmined", Status: 1, BlockNumber: 100}))

	pending := testSend("intent-2", 2)
	pending.TxHash = "0xpending"
	pending.SentAt = &past
	require.NoError(t, sendRepo.Create(ctx, pending))

	sends, err := sendRepo.FindUnconfirmedOlderThan(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, sends, 1)
	assert.Equal(t, pending.ID, sends[0].ID)
}

func TestReceiptUpsertIgnoresRediscovery(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewReceiptRepository(gdb)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &models.Receipt{TxHash: "0xabc", Status: 1, BlockNumber: 100}))
	// a second worker rediscovers the receipt with a different view
	require.NoError(t, repo.Upsert(ctx, &models.Receipt{TxHash: "0xabc", Status: 0, BlockNumber: 999}))

	got, err := repo.GetByTxHash(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Status)
	assert.Equal(t, uint64(100), got.BlockNumber)

	exists, err := repo.Exists(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, exists)
}
