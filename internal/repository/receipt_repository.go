package repository

import (
	"context"
	"errors"

	"go-txpipeline/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReceiptRepository defines the interface for Receipt data access
type ReceiptRepository interface {
	// Upsert inserts a receipt, ignoring the write if one already exists for
	// the tx_hash. Two reconciler workers observing the same receipt must not
	// conflict.
	Upsert(ctx context.Context, receipt *models.Receipt) error
	GetByTxHash(ctx context.Context, txHash string) (*models.Receipt, error)
	Exists(ctx context.Context, txHash string) (bool, error)
}

// receiptRepository implements ReceiptRepository
type receiptRepository struct {
	db *gorm.DB
}

// NewReceiptRepository creates a new ReceiptRepository instance
func NewReceiptRepository(db *gorm.DB) ReceiptRepository {
	return &receiptRepository{db: db}
}

func (r *receiptRepository) Upsert(ctx context.Context, receipt *models.Receipt) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_hash"}},
			DoNothing: true,
		}).
		Create(receipt).Error
}

func (r *receiptRepository) GetByTxHash(ctx context.Context, txHash string) (*models.Receipt, error) {
	var receipt models.Receipt
	err := r.db.WithContext(ctx).Where("tx_hash = ?", txHash).First(&receipt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &receipt, nil
}

func (r *receiptRepository) Exists(ctx context.Context, txHash string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Receipt{}).
		Where("tx_hash = ?", txHash).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
