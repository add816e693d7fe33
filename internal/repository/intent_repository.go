package repository

import (
	"context"
	"errors"
	"strings"

	"go-txpipeline/internal/models"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("repository: record not found")

// ErrStaleStatus is returned when a compare-and-set status update matched no
// row, meaning a concurrent writer got there first.
var ErrStaleStatus = errors.New("repository: status changed concurrently")

// IsUniqueViolation reports whether err is a unique-constraint violation.
// GORM's postgres driver surfaces these as wrapped pgconn errors; the
// SQLSTATE check keeps us independent of the driver's error types.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// IntentRepository defines the interface for Intent data access
type IntentRepository interface {
	Create(ctx context.Context, intent *models.Intent) error
	GetByID(ctx context.Context, id string) (*models.Intent, error)
	GetByKey(ctx context.Context, intentKey string) (*models.Intent, error)

	// UpdateStatusCAS applies a compare-and-set status transition: the update
	// only lands if the stored status still equals expected. Returns
	// ErrStaleStatus when a concurrent writer won.
	UpdateStatusCAS(ctx context.Context, id string, expected, next models.IntentStatus, lastError string) error

	// FindByStatus powers the reconciler sweep over the (status, created_at) index.
	FindByStatus(ctx context.Context, status models.IntentStatus, limit int) ([]*models.Intent, error)
}

// intentRepository implements IntentRepository
type intentRepository struct {
	db *gorm.DB
}

// NewIntentRepository creates a new IntentRepository instance
func NewIntentRepository(db *gorm.DB) IntentRepository {
	return &intentRepository{db: db}
}

func (r *intentRepository) Create(ctx context.Context, intent *models.Intent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

func (r *intentRepository) GetByID(ctx context.Context, id string) (*models.Intent, error) {
	var intent models.Intent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &intent, nil
}

func (r *intentRepository) GetByKey(ctx context.Context, intentKey string) (*models.Intent, error) {
	var intent models.Intent
	err := r.db.WithContext(ctx).Where("intent_key = ?", intentKey).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &intent, nil
}

func (r *intentRepository) UpdateStatusCAS(ctx context.Context, id string, expected, next models.IntentStatus, lastError string) error {
	updates := map[string]interface{}{"status": next}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	res := r.db.WithContext(ctx).
		Model(&models.Intent{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *intentRepository) FindByStatus(ctx context.Context, status models.IntentStatus, limit int) ([]*models.Intent, error) {
	var intents []*models.Intent
	q := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&intents).Error; err != nil {
		return nil, err
	}
	return intents, nil
}
