package repository

import (
	"context"
	"errors"

	"go-txpipeline/internal/models"

	"gorm.io/gorm"
)

// WalletRepository defines the interface for Wallet data access
type WalletRepository interface {
	Create(ctx context.Context, wallet *models.Wallet) error
	GetByAddress(ctx context.Context, address string) (*models.Wallet, error)
	FindAll(ctx context.Context) ([]*models.Wallet, error)

	// UpdatePrivkeyEnc replaces the encrypted key blob, used during master
	// key rotation.
	UpdatePrivkeyEnc(ctx context.Context, id string, privkeyEnc []byte) error
}

// walletRepository implements WalletRepository
type walletRepository struct {
	db *gorm.DB
}

// NewWalletRepository creates a new WalletRepository instance
func NewWalletRepository(db *gorm.DB) WalletRepository {
	return &walletRepository{db: db}
}

func (r *walletRepository) Create(ctx context.Context, wallet *models.Wallet) error {
	return r.db.WithContext(ctx).Create(wallet).Error
}

func (r *walletRepository) GetByAddress(ctx context.Context, address string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := r.db.WithContext(ctx).Where("address = ?", address).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

func (r *walletRepository) FindAll(ctx context.Context) ([]*models.Wallet, error) {
	var wallets []*models.Wallet
	if err := r.db.WithContext(ctx).Find(&wallets).Error; err != nil {
		return nil, err
	}
	return wallets, nil
}

func (r *walletRepository) UpdatePrivkeyEnc(ctx context.Context, id string, privkeyEnc []byte) error {
	return r.db.WithContext(ctx).
		Model(&models.Wallet{}).
		Where("id = ?", id).
		Update("privkey_enc", privkeyEnc).Error
}
