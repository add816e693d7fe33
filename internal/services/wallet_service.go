package services

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"

	"go-txpipeline/internal/metrics"
	"go-txpipeline/internal/models"
	"go-txpipeline/internal/repository"
	"go-txpipeline/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// WalletService stores signing keys envelope-encrypted and produces
// signatures without letting plaintext key material escape the signing call.
type WalletService struct {
	walletRepo repository.WalletRepository
	vault      *vault.Vault
}

// NewWalletService creates the wallet service.
func NewWalletService(walletRepo repository.WalletRepository, v *vault.Vault) *WalletService {
	return &WalletService{
		walletRepo: walletRepo,
		vault:      v,
	}
}

// ImportPrivateKey encrypts a hex private key into the vault and stores the
// wallet row. The plaintext key is zeroed before return and never logged.
func (s *WalletService) ImportPrivateKey(ctx context.Context, privKeyHex, label string) (*models.Wallet, error) {
	privKeyHex = strings.TrimPrefix(privKeyHex, "0x")

	key, err := crypto.HexToECDSA(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	keyBytes := crypto.FromECDSA(key)
	blob, err := s.vault.Encrypt(keyBytes, vault.PurposeWalletKey)
	vault.Zero(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt wallet key: %w", err)
	}
	metrics.VaultOperations.WithLabelValues("encrypt").Inc()

	wallet := &models.Wallet{
		ID:         uuid.New().String(),
		Address:    address,
		PrivkeyEnc: blob,
		Label:      label,
		Status:     "active",
	}
	if err := s.walletRepo.Create(ctx, wallet); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, fmt.Errorf("wallet %s already imported", address)
		}
		return nil, fmt.Errorf("failed to store wallet: %w", err)
	}

	log.Printf("✅ [Wallet] Imported signing wallet: %s (%s)", address, label)
	return wallet, nil
}

// SignTx signs a transaction with the wallet's key, scoped: the key is
// decrypted, used, and zeroed inside this call.
func (s *WalletService) SignTx(ctx context.Context, signingAddress string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	wallet, err := s.walletRepo.GetByAddress(ctx, signingAddress)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, fmt.Errorf("%s: %w", signingAddress, ErrWalletNotFound)
		}
		return nil, err
	}

	var signedTx *types.Transaction
	err = s.vault.WithPlaintext(wallet.PrivkeyEnc, vault.PurposeWalletKey, func(keyBytes []byte) error {
		key, err := crypto.ToECDSA(keyBytes)
		if err != nil {
			return fmt.Errorf("stored key is corrupt: %w", err)
		}
		signer := types.LatestSignerForChainID(chainID)
		signedTx, err = types.SignTx(tx, signer, key)
		// zero the ecdsa scalar too, not just the vault's copy
		if key.D != nil {
			key.D.SetInt64(0)
		}
		return err
	})
	if err != nil {
		if err == vault.ErrAuthentication {
			metrics.VaultAuthFailures.Inc()
		}
		return nil, fmt.Errorf("failed to sign for %s: %w", signingAddress, err)
	}
	metrics.VaultOperations.WithLabelValues("decrypt").Inc()

	// sanity: recovered sender must match the wallet address
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signedTx)
	if err == nil && sender != common.HexToAddress(signingAddress) {
		return nil, fmt.Errorf("signature sender mismatch: expected %s, got %s", signingAddress, sender.Hex())
	}

	return signedTx, nil
}

// GetWallet returns the wallet row for an address (encrypted blob included,
// never serialized outward by the model's json tags).
func (s *WalletService) GetWallet(ctx context.Context, address string) (*models.Wallet, error) {
	return s.walletRepo.GetByAddress(ctx, address)
}
