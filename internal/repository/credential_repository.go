package repository

import (
	"context"
	"errors"

	"go-txpipeline/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CredentialRepository defines the interface for ApiCredential data access
type CredentialRepository interface {
	// Upsert writes a credential, replacing the encrypted blobs if the
	// (user_id, provider) pair already exists.
	Upsert(ctx context.Context, cred *models.ApiCredential) error
	GetByUserProvider(ctx context.Context, userID, provider string) (*models.ApiCredential, error)
	FindAll(ctx context.Context) ([]*models.ApiCredential, error)
	UpdateBlobs(ctx context.Context, id string, secretEnc, metaEnc []byte) error
	Delete(ctx context.Context, userID, provider string) error
}

// credentialRepository implements CredentialRepository
type credentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository creates a new CredentialRepository instance
func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &credentialRepository{db: db}
}

func (r *credentialRepository) Upsert(ctx context.Context, cred *models.ApiCredential) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"secret_enc", "meta_enc", "updated_at"}),
		}).
		Create(cred).Error
}

func (r *credentialRepository) GetByUserProvider(ctx context.Context, userID, provider string) (*models.ApiCredential, error) {
	var cred models.ApiCredential
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cred, nil
}

func (r *credentialRepository) FindAll(ctx context.Context) ([]*models.ApiCredential, error) {
	var creds []*models.ApiCredential
	if err := r.db.WithContext(ctx).Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

func (r *credentialRepository) UpdateBlobs(ctx context.Context, id string, secretEnc, metaEnc []byte) error {
	return r.db.WithContext(ctx).
		Model(&models.ApiCredential{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"secret_enc": secretEnc,
			"meta_enc":   metaEnc,
		}).Error
}

func (r *credentialRepository) Delete(ctx context.Context, userID, provider string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&models.ApiCredential{}).Error
}
