package repository

import (
	"context"
	"errors"
	"time"

	"go-txpipeline/internal/models"

	"gorm.io/gorm"
)

// SendRepository defines the interface for Send data access
type SendRepository interface {
	Create(ctx context.Context, send *models.Send) error
	GetByID(ctx context.Context, id string) (*models.Send, error)
	GetByTxHash(ctx context.Context, txHash string) (*models.Send, error)

	// GetLiveByIntent returns the single non-replaced send of an intent,
	// ErrNotFound when none exists.
	GetLiveByIntent(ctx context.Context, intentID string) (*models.Send, error)
	FindByIntent(ctx context.Context, intentID string) ([]*models.Send, error)

	// MaxLiveNonce returns the highest nonce among non-replaced sends for an
	// address on a chain. ok is false when the address has no live sends.
	MaxLiveNonce(ctx context.Context, signingAddress string, chainID uint64) (nonce uint64, ok bool, err error)

	// FindLiveByAddressNonce returns all sends occupying a nonce slot,
	// replaced or not. The reconciler uses it for reverse lookup.
	FindByAddressNonce(ctx context.Context, signingAddress string, chainID uint64, nonce uint64) ([]*models.Send, error)

	// FindUnconfirmedOlderThan returns live sends sent before cutoff whose
	// tx_hash has no receipt row yet.
	FindUnconfirmedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Send, error)

	// FindLiveUnconfirmed returns all live sends without a receipt, newest last.
	FindLiveUnconfirmed(ctx context.Context, limit int) ([]*models.Send, error)

	// FindUnbroadcastOlderThan returns live claim rows (no tx_hash) created
	// before cutoff; these are allocations whose broadcast never completed.
	FindUnbroadcastOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Send, error)

	// MarkReplaced sets replaced_by on a send, the only way a send loses
	// authority without a receipt.
	MarkReplaced(ctx context.Context, sendID string, successorTxHash string) error

	// UpdateBroadcastResult fills in tx_hash, raw_tx and sent_at on the
	// provisional claim row once the node has acknowledged the submit.
	UpdateBroadcastResult(ctx context.Context, sendID string, txHash, rawTx string, sentAt time.Time) error

	// Delete removes a claim row whose broadcast never happened, releasing
	// the nonce slot.
	Delete(ctx context.Context, sendID string) error
}

// sendRepository implements SendRepository
type sendRepository struct {
	db *gorm.DB
}

// NewSendRepository creates a new SendRepository instance
func NewSendRepository(db *gorm.DB) SendRepository {
	return &sendRepository{db: db}
}

func (r *sendRepository) Create(ctx context.Context, send *models.Send) error {
	return r.db.WithContext(ctx).Create(send).Error
}

func (r *sendRepository) GetByID(ctx context.Context, id string) (*models.Send, error) {
	var send models.Send
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&send).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &send, nil
}

func (r *sendRepository) GetByTxHash(ctx context.Context, txHash string) (*models.Send, error) {
	var send models.Send
	err := r.db.WithContext(ctx).Where("tx_hash = ?", txHash).First(&send).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &send, nil
}

func (r *sendRepository) GetLiveByIntent(ctx context.Context, intentID string) (*models.Send, error) {
	var send models.Send
	err := r.db.WithContext(ctx).
		Where("intent_id = ? AND replaced_by IS NULL", intentID).
		Order("created_at DESC").
		First(&send).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &send, nil
}

func (r *sendRepository) FindByIntent(ctx context.Context, intentID string) ([]*models.Send, error) {
	var sends []*models.Send
	err := r.db.WithContext(ctx).
		Where("intent_id = ?", intentID).
		Order("created_at ASC").
		Find(&sends).Error
	if err != nil {
		return nil, err
	}
	return sends, nil
}

func (r *sendRepository) MaxLiveNonce(ctx context.Context, signingAddress string, chainID uint64) (uint64, bool, error) {
	var row struct {
		MaxNonce *uint64
	}
	err := r.db.WithContext(ctx).
		Model(&models.Send{}).
		Select("MAX(nonce) AS max_nonce").
		Where("signing_address = ? AND chain_id = ? AND replaced_by IS NULL", signingAddress, chainID).
		Scan(&row).Error
	if err != nil {
		return 0, false, err
	}
	if row.MaxNonce == nil {
		return 0, false, nil
	}
	return *row.MaxNonce, true, nil
}

func (r *sendRepository) FindByAddressNonce(ctx context.Context, signingAddress string, chainID uint64, nonce uint64) ([]*models.Send, error) {
	var sends []*models.Send
	err := r.db.WithContext(ctx).
		Where("signing_address = ? AND chain_id = ? AND nonce = ?", signingAddress, chainID, nonce).
		Order("created_at ASC").
		Find(&sends).Error
	if err != nil {
		return nil, err
	}
	return sends, nil
}

func (r *sendRepository) FindUnconfirmedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Send, error) {
	var sends []*models.Send
	q := r.db.WithContext(ctx).
		Where("replaced_by IS NULL AND sent_at IS NOT NULL AND sent_at < ?", cutoff).
		Where("tx_hash NOT IN (?)", r.db.Model(&models.Receipt{}).Select("tx_hash")).
		Order("sent_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sends).Error; err != nil {
		return nil, err
	}
	return sends, nil
}

func (r *sendRepository) FindLiveUnconfirmed(ctx context.Context, limit int) ([]*models.Send, error) {
	var sends []*models.Send
	q := r.db.WithContext(ctx).
		Where("replaced_by IS NULL AND sent_at IS NOT NULL").
		Where("tx_hash NOT IN (?)", r.db.Model(&models.Receipt{}).Select("tx_hash")).
		Order("sent_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sends).Error; err != nil {
		return nil, err
	}
	return sends, nil
}

func (r *sendRepository) FindUnbroadcastOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Send, error) {
	var sends []*models.Send
	err := r.db.WithContext(ctx).
		Where("replaced_by IS NULL AND tx_hash = '' AND created_at < ?", cutoff).
		Order("created_at ASC").
		Find(&sends).Error
	if err != nil {
		return nil, err
	}
	return sends, nil
}

func (r *sendRepository) UpdateBroadcastResult(ctx context.Context, sendID string, txHash, rawTx string, sentAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Send{}).
		Where("id = ?", sendID).
		Updates(map[string]interface{}{
			"tx_hash": txHash,
			"raw_tx":  rawTx,
			"sent_at": sentAt,
		}).Error
}

func (r *sendRepository) Delete(ctx context.Context, sendID string) error {
	return r.db.WithContext(ctx).
		Where("id = ?", sendID).
		Delete(&models.Send{}).Error
}

func (r *sendRepository) MarkReplaced(ctx context.Context, sendID string, successorTxHash string) error {
	res := r.db.WithContext(ctx).
		Model(&models.Send{}).
		Where("id = ? AND replaced_by IS NULL", sendID).
		Update("replaced_by", successorTxHash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}
