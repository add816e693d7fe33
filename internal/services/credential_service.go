package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go-txpipeline/internal/metrics"
	"go-txpipeline/internal/models"
	"go-txpipeline/internal/repository"
	"go-txpipeline/internal/vault"

	"github.com/google/uuid"
)

// CredentialService stores third-party API credentials (exchange keys,
// webhook secrets) envelope-encrypted per (user, provider). Secrets and
// metadata are sealed under separate vault purposes so a metadata read can
// never surface a secret.
type CredentialService struct {
	credRepo repository.CredentialRepository
	vault    *vault.Vault
}

// NewCredentialService creates the credential service.
func NewCredentialService(credRepo repository.CredentialRepository, v *vault.Vault) *CredentialService {
	return &CredentialService{
		credRepo: credRepo,
		vault:    v,
	}
}

// Put stores or replaces the credential for (userID, provider). The secret is
// accepted as plaintext at this boundary only and never logged.
func (s *CredentialService) Put(ctx context.Context, userID, provider, secret string, meta map[string]string) error {
	if userID == "" || provider == "" {
		return fmt.Errorf("user_id and provider are required")
	}
	if secret == "" {
		return fmt.Errorf("secret is required")
	}

	secretEnc, err := s.vault.Encrypt([]byte(secret), vault.PurposeAPICredential)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential secret: %w", err)
	}
	metrics.VaultOperations.WithLabelValues("encrypt").Inc()

	var metaEnc []byte
	if len(meta) > 0 {
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to serialize credential metadata: %w", err)
		}
		metaEnc, err = s.vault.Encrypt(metaJSON, vault.PurposeAPIMeta)
		if err != nil {
			return fmt.Errorf("failed to encrypt credential metadata: %w", err)
		}
		metrics.VaultOperations.WithLabelValues("encrypt").Inc()
	}

	cred := &models.ApiCredential{
		ID:        uuid.New().String(),
		UserID:    userID,
		Provider:  provider,
		SecretEnc: secretEnc,
		MetaEnc:   metaEnc,
		UpdatedAt: time.Now(),
	}
	if err := s.credRepo.Upsert(ctx, cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	log.Printf("✅ [Credentials] Stored credential for user=%s provider=%s", userID, provider)
	return nil
}

// WithSecret hands the decrypted secret to fn and zeroes it before returning.
// This is the only read path for credential secrets.
func (s *CredentialService) WithSecret(ctx context.Context, userID, provider string, fn func(secret []byte) error) error {
	cred, err := s.credRepo.GetByUserProvider(ctx, userID, provider)
	if err != nil {
		return err
	}

	err = s.vault.WithPlaintext(cred.SecretEnc, vault.PurposeAPICredential, fn)
	if err != nil {
		if err == vault.ErrAuthentication {
			metrics.VaultAuthFailures.Inc()
		}
		return fmt.Errorf("failed to open credential for user=%s provider=%s: %w", userID, provider, err)
	}
	metrics.VaultOperations.WithLabelValues("decrypt").Inc()
	return nil
}

// GetMeta returns the decrypted metadata map, or an empty map when none was
// stored. Metadata holds non-secret attributes (key label, permissions).
func (s *CredentialService) GetMeta(ctx context.Context, userID, provider string) (map[string]string, error) {
	cred, err := s.credRepo.GetByUserProvider(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if len(cred.MetaEnc) == 0 {
		return map[string]string{}, nil
	}

	metaJSON, err := s.vault.Decrypt(cred.MetaEnc, vault.PurposeAPIMeta)
	if err != nil {
		if err == vault.ErrAuthentication {
			metrics.VaultAuthFailures.Inc()
		}
		return nil, fmt.Errorf("failed to open credential metadata: %w", err)
	}
	metrics.VaultOperations.WithLabelValues("decrypt").Inc()

	var meta map[string]string
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("stored credential metadata is corrupt: %w", err)
	}
	return meta, nil
}

// Delete removes the credential for (userID, provider).
func (s *CredentialService) Delete(ctx context.Context, userID, provider string) error {
	if err := s.credRepo.Delete(ctx, userID, provider); err != nil {
		return err
	}
	log.Printf("🗑️ [Credentials] Deleted credential for user=%s provider=%s", userID, provider)
	return nil
}
