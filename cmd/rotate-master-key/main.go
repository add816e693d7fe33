package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"go-txpipeline/internal/config"
	"go-txpipeline/internal/db"
	"go-txpipeline/internal/repository"
	"go-txpipeline/internal/services"
	"go-txpipeline/internal/vault"
)

// Rewraps every stored vault blob from the current master key (the one the
// config points at) to the key in VAULT_MASTER_KEY_NEW. Safe to rerun after a
// crash: rows already on the new key are detected and skipped.
func main() {
	fmt.Println("🔑 Master key rotation")

	if err := config.LoadConfig(""); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	newKeyHex := os.Getenv("VAULT_MASTER_KEY_NEW")
	if newKeyHex == "" {
		log.Fatalf("VAULT_MASTER_KEY_NEW is not set")
	}
	newKey, err := hex.DecodeString(newKeyHex)
	if err != nil || len(newKey) != 32 {
		log.Fatalf("VAULT_MASTER_KEY_NEW must be 32 bytes of hex")
	}

	oldKey, err := config.AppConfig.Vault.LoadMasterKey()
	if err != nil {
		log.Fatalf("Failed to load current master key: %v", err)
	}
	v, err := vault.New(oldKey)
	vault.Zero(oldKey)
	if err != nil {
		log.Fatalf("Failed to initialize vault: %v", err)
	}

	db.InitDB()

	walletRepo := repository.NewWalletRepository(db.DB)
	credRepo := repository.NewCredentialRepository(db.DB)
	rotation := services.NewRotationService(walletRepo, credRepo, v)

	rewrapped, err := rotation.RotateMasterKey(context.Background(), newKey)
	vault.Zero(newKey)
	if err != nil {
		log.Fatalf("❌ Rotation failed after %d record(s): %v", rewrapped, err)
	}

	fmt.Printf("✅ Rotation complete: %d record(s) rewrapped\n", rewrapped)
	fmt.Println("Update the master key environment variable before the next restart.")
}
