package app

import (
	"fmt"
	"log"
	"sync"

	"go-txpipeline/internal/clients"
	"go-txpipeline/internal/config"
	"go-txpipeline/internal/db"
	"go-txpipeline/internal/events"
	"go-txpipeline/internal/repository"
	"go-txpipeline/internal/services"
	"go-txpipeline/internal/vault"

	"gorm.io/gorm"
)

// ServiceContainer wires repositories, clients and services once at startup.
type ServiceContainer struct {
	// Database
	DB *gorm.DB

	// Repositories
	IntentRepo     repository.IntentRepository
	SendRepo       repository.SendRepository
	ReceiptRepo    repository.ReceiptRepository
	WalletRepo     repository.WalletRepository
	CredentialRepo repository.CredentialRepository

	// Vault
	Vault *vault.Vault

	// Chain clients, one per enabled network
	ChainClients map[uint64]clients.ChainClient

	// Core Services
	LedgerService      *services.IntentLedgerService
	WalletService      *services.WalletService
	CredentialService  *services.CredentialService
	RotationService    *services.RotationService
	AllocatorService   *services.NonceAllocatorService
	BroadcasterService *services.BroadcasterService
	ReconcilerService  *services.ReconcilerService

	// Push Service
	WebSocketPushService *services.WebSocketPushService
}

// Global service container instance
var Container *ServiceContainer
var containerOnce sync.Once

// InitializeContainer builds the container once.
func InitializeContainer() (*ServiceContainer, error) {
	var initErr error

	containerOnce.Do(func() {
		log.Println("🚀 Initializing Service Container...")

		container := &ServiceContainer{
			DB: db.DB,
		}

		if err := container.initRepositories(); err != nil {
			initErr = fmt.Errorf("failed to initialize repositories: %w", err)
			return
		}

		if err := container.initVault(); err != nil {
			initErr = fmt.Errorf("failed to initialize vault: %w", err)
			return
		}

		if err := container.initChainClients(); err != nil {
			initErr = fmt.Errorf("failed to initialize chain clients: %w", err)
			return
		}

		if err := container.initCoreServices(); err != nil {
			initErr = fmt.Errorf("failed to initialize core services: %w", err)
			return
		}

		// Event publishing is optional; the pipeline runs without NATS.
		if err := container.initEventServices(); err != nil {
			log.Printf("⚠️ Event services initialization skipped or failed: %v", err)
		}

		Container = container
		log.Println("✅ Service Container initialized successfully")
	})

	return Container, initErr
}

func (c *ServiceContainer) initRepositories() error {
	log.Println("📦 Initializing Repositories...")

	c.IntentRepo = repository.NewIntentRepository(c.DB)
	c.SendRepo = repository.NewSendRepository(c.DB)
	c.ReceiptRepo = repository.NewReceiptRepository(c.DB)
	c.WalletRepo = repository.NewWalletRepository(c.DB)
	c.CredentialRepo = repository.NewCredentialRepository(c.DB)

	log.Println("✅ Repositories initialized")
	return nil
}

func (c *ServiceContainer) initVault() error {
	masterKey, err := config.AppConfig.Vault.LoadMasterKey()
	if err != nil {
		return err
	}
	v, err := vault.New(masterKey)
	vault.Zero(masterKey)
	if err != nil {
		return err
	}
	c.Vault = v
	log.Println("✅ Vault initialized")
	return nil
}

func (c *ServiceContainer) initChainClients() error {
	c.ChainClients = make(map[uint64]clients.ChainClient)

	for name, nc := range config.AppConfig.Blockchain.Networks {
		if !nc.Enabled {
			continue
		}
		cp := nc
		client, err := clients.DialChain(&cp)
		if err != nil {
			return fmt.Errorf("network %s: %w", name, err)
		}
		c.ChainClients[nc.ChainID] = client
	}

	if len(c.ChainClients) == 0 {
		return fmt.Errorf("no enabled networks configured")
	}
	log.Printf("✅ Chain clients initialized (%d network(s))", len(c.ChainClients))
	return nil
}

func (c *ServiceContainer) initCoreServices() error {
	log.Println("🔧 Initializing Core Services...")

	pipelineCfg := config.AppConfig.Pipeline

	c.WebSocketPushService = services.NewWebSocketPushService()

	c.LedgerService = services.NewIntentLedgerService(c.IntentRepo, c.SendRepo)
	c.LedgerService.AddObserver(c.WebSocketPushService)

	c.WalletService = services.NewWalletService(c.WalletRepo, c.Vault)
	c.CredentialService = services.NewCredentialService(c.CredentialRepo, c.Vault)
	c.RotationService = services.NewRotationService(c.WalletRepo, c.CredentialRepo, c.Vault)

	c.AllocatorService = services.NewNonceAllocatorService(c.SendRepo, c.ChainClients, pipelineCfg)
	c.BroadcasterService = services.NewBroadcasterService(
		c.SendRepo, c.LedgerService, c.WalletService, c.AllocatorService, c.ChainClients, pipelineCfg)
	c.ReconcilerService = services.NewReconcilerService(
		c.IntentRepo, c.SendRepo, c.ReceiptRepo, c.LedgerService, c.BroadcasterService, c.ChainClients, pipelineCfg)

	log.Println("✅ Core Services initialized")
	return nil
}

func (c *ServiceContainer) initEventServices() error {
	if err := events.InitNATS(); err != nil {
		return err
	}
	if nc := events.GetNATSClient(); nc != nil {
		c.LedgerService.AddObserver(events.NewNATSIntentPublisher(nc))
		log.Println("✅ NATS intent publisher attached")
	}
	return nil
}

// Shutdown stops background services and closes external connections.
func (c *ServiceContainer) Shutdown() {
	if c.ReconcilerService != nil {
		c.ReconcilerService.Stop()
	}
	events.Close()
	for _, client := range c.ChainClients {
		if ec, ok := client.(*clients.EthChainClient); ok {
			ec.Close()
		}
	}
	log.Println("🛑 Service Container shut down")
}
