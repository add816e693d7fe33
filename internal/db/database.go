package db

import (
	"log"
	"time"

	"go-txpipeline/internal/config"
	"go-txpipeline/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDB() {
	var err error

	if config.AppConfig == nil || config.AppConfig.Database.DSN == "" {
		log.Fatalf("Database DSN is required")
	}

	dsn := config.AppConfig.Database.DSN

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatalf("Failed to get underlying sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("✅ Database connected successfully")

	log.Println("🚀 Starting database schema migration with GORM AutoMigrate...")
	if err := DB.AutoMigrate(
		&models.Intent{},
		&models.Send{},
		&models.Receipt{},
		&models.Wallet{},
		&models.ApiCredential{},
	); err != nil {
		log.Fatalf("AutoMigrate failed: %v", err)
	}

	// GORM cannot express partial indexes through tags, so the live-nonce
	// uniqueness constraint is created by hand. A nonce slot is only unique
	// among sends that have not been replaced.
	if err := ensureLiveNonceIndex(DB); err != nil {
		log.Fatalf("Failed to create live nonce index: %v", err)
	}
	if err := ensureTxHashIndex(DB); err != nil {
		log.Fatalf("Failed to create tx hash index: %v", err)
	}

	log.Println("✅ Database schema migrated successfully")
}

// ensureLiveNonceIndex enforces the invariant that at most one non-replaced
// send exists per (chain_id, nonce, signing_address).
func ensureLiveNonceIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_live_nonce
		ON tx_sends (chain_id, nonce, signing_address)
		WHERE replaced_by IS NULL
	`).Error
}

// ensureTxHashIndex enforces global tx_hash uniqueness while allowing the
// provisional claim rows (empty hash until the node acks the submit).
func ensureTxHashIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_send_tx_hash
		ON tx_sends (tx_hash)
		WHERE tx_hash <> ''
	`).Error
}
