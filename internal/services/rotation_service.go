package services

import (
	"context"
	"fmt"
	"log"

	"go-txpipeline/internal/metrics"
	"go-txpipeline/internal/repository"
	"go-txpipeline/internal/vault"
)

// RotationService rewraps every stored ciphertext under a new master key.
// Rotation never decrypts payloads: only the wrapped DEK header of each blob
// changes, so payload bytes (and their integrity tags) are untouched.
//
// Ordering matters: all blobs are rewrapped and persisted first, and the
// in-process vault adopts the new key last. A crash mid-rotation leaves a mix
// of old-wrapped and new-wrapped rows; rerunning the rotation with the same
// pair of keys is safe because rewrap under the old vault fails with
// ErrAuthentication only for rows already on the new key, which are skipped.
type RotationService struct {
	walletRepo repository.WalletRepository
	credRepo   repository.CredentialRepository
	vault      *vault.Vault
}

// NewRotationService creates the rotation service.
func NewRotationService(walletRepo repository.WalletRepository, credRepo repository.CredentialRepository, v *vault.Vault) *RotationService {
	return &RotationService{
		walletRepo: walletRepo,
		credRepo:   credRepo,
		vault:      v,
	}
}

// RotateMasterKey rewraps all wallet keys and API credentials under
// newMasterKey, then swaps the vault's master key. Returns the number of
// rows rewrapped.
func (s *RotationService) RotateMasterKey(ctx context.Context, newMasterKey []byte) (int, error) {
	rotated := 0

	wallets, err := s.walletRepo.FindAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list wallets: %w", err)
	}
	for _, w := range wallets {
		newBlob, err := s.vault.RewrapBlob(w.PrivkeyEnc, vault.PurposeWalletKey, newMasterKey)
		if err == vault.ErrAuthentication {
			// already wrapped under the new key by a previous partial run
			log.Printf("ℹ️ [Rotation] Wallet %s already rewrapped, skipping", w.Address)
			continue
		}
		if err != nil {
			return rotated, fmt.Errorf("rewrap wallet %s: %w", w.Address, err)
		}
		if err := s.walletRepo.UpdatePrivkeyEnc(ctx, w.ID, newBlob); err != nil {
			return rotated, fmt.Errorf("persist rewrapped wallet %s: %w", w.Address, err)
		}
		metrics.VaultOperations.WithLabelValues("rewrap").Inc()
		rotated++
	}

	creds, err := s.credRepo.FindAll(ctx)
	if err != nil {
		return rotated, fmt.Errorf("failed to list credentials: %w", err)
	}
	for _, c := range creds {
		newSecret, err := s.vault.RewrapBlob(c.SecretEnc, vault.PurposeAPICredential, newMasterKey)
		if err == vault.ErrAuthentication {
			log.Printf("ℹ️ [Rotation] Credential %s/%s already rewrapped, skipping", c.UserID, c.Provider)
			continue
		}
		if err != nil {
			return rotated, fmt.Errorf("rewrap credential %s/%s: %w", c.UserID, c.Provider, err)
		}

		newMeta := c.MetaEnc
		if len(c.MetaEnc) > 0 {
			newMeta, err = s.vault.RewrapBlob(c.MetaEnc, vault.PurposeAPIMeta, newMasterKey)
			if err != nil {
				return rotated, fmt.Errorf("rewrap credential metadata %s/%s: %w", c.UserID, c.Provider, err)
			}
		}

		if err := s.credRepo.UpdateBlobs(ctx, c.ID, newSecret, newMeta); err != nil {
			return rotated, fmt.Errorf("persist rewrapped credential %s/%s: %w", c.UserID, c.Provider, err)
		}
		metrics.VaultOperations.WithLabelValues("rewrap").Inc()
		rotated++
	}

	if err := s.vault.AdoptMasterKey(newMasterKey); err != nil {
		return rotated, err
	}

	log.Printf("🔑 [Rotation] Master key rotated, %d row(s) rewrapped", rotated)
	return rotated, nil
}
