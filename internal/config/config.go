package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Blockchain BlockchainConfig `yaml:"blockchain"`
	Vault      VaultConfig      `yaml:"vault"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Admin      AdminConfig      `yaml:"admin"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig Database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// NATSConfig NATS message server configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
	SubjectPrefix string `yaml:"subject_prefix"` // default: txpipeline
	Enabled       bool   `yaml:"enabled"`
}

// BlockchainConfig Blockchain configuration
type BlockchainConfig struct {
	Networks map[string]NetworkConfig `yaml:"networks"`
}

// NetworkConfig per-chain network configuration
type NetworkConfig struct {
	ChainID      uint64   `yaml:"chainId"`
	Name         string   `yaml:"name"`
	RPCEndpoints []string `yaml:"rpcEndpoints"`
	Enabled      bool     `yaml:"enabled"`

	// RPC call discipline
	RPCTimeout    int `yaml:"rpcTimeout"`    // seconds, default 15
	RPCMaxRetries int `yaml:"rpcMaxRetries"` // default 3
}

// VaultConfig envelope encryption vault configuration.
// The master key itself is NEVER placed in yaml; only the name of the
// environment variable that supplies it at process start.
type VaultConfig struct {
	MasterKeyEnv string `yaml:"masterKeyEnv"` // default: VAULT_MASTER_KEY
}

// PipelineConfig transaction pipeline tuning
type PipelineConfig struct {
	// broadcaster
	BroadcastMaxRetries int     `yaml:"broadcastMaxRetries"` // default 3
	BroadcastBackoffMs  int     `yaml:"broadcastBackoffMs"`  // initial backoff, default 500
	GasLimitPadPercent  int     `yaml:"gasLimitPadPercent"`  // default 20
	FeeBumpFactor       float64 `yaml:"feeBumpFactor"`       // default 1.10, replacement floor

	// reconciler
	ReconcileIntervalSec   int `yaml:"reconcileIntervalSec"`   // default 15
	StuckThresholdSec      int `yaml:"stuckThresholdSec"`      // default 180
	MaxReplacements        int `yaml:"maxReplacements"`        // per intent, default 3
	ReconcileParallelPolls int `yaml:"reconcileParallelPolls"` // default 8
}

// AdminConfig admin API access control configuration
type AdminConfig struct {
	TOTPEnabled bool `yaml:"totpEnabled"`
}

// AppConfig global configuration instance
var AppConfig *Config

// LoadConfig loads the yaml configuration file and applies env overrides.
func LoadConfig(path string) error {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (or set DATABASE_DSN)")
	}

	AppConfig = cfg
	log.Printf("✅ Config loaded: %d networks, server %s:%d", len(cfg.Blockchain.Networks), cfg.Server.Host, cfg.Server.Port)
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
		cfg.NATS.Enabled = true
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Vault.MasterKeyEnv == "" {
		cfg.Vault.MasterKeyEnv = "VAULT_MASTER_KEY"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "txpipeline"
	}
	if cfg.Pipeline.BroadcastMaxRetries == 0 {
		cfg.Pipeline.BroadcastMaxRetries = 3
	}
	if cfg.Pipeline.BroadcastBackoffMs == 0 {
		cfg.Pipeline.BroadcastBackoffMs = 500
	}
	if cfg.Pipeline.GasLimitPadPercent == 0 {
		cfg.Pipeline.GasLimitPadPercent = 20
	}
	if cfg.Pipeline.FeeBumpFactor == 0 {
		cfg.Pipeline.FeeBumpFactor = 1.10
	}
	if cfg.Pipeline.ReconcileIntervalSec == 0 {
		cfg.Pipeline.ReconcileIntervalSec = 15
	}
	if cfg.Pipeline.StuckThresholdSec == 0 {
		cfg.Pipeline.StuckThresholdSec = 180
	}
	if cfg.Pipeline.MaxReplacements == 0 {
		cfg.Pipeline.MaxReplacements = 3
	}
	if cfg.Pipeline.ReconcileParallelPolls == 0 {
		cfg.Pipeline.ReconcileParallelPolls = 8
	}
	for name, nc := range cfg.Blockchain.Networks {
		if nc.RPCTimeout == 0 {
			nc.RPCTimeout = 15
		}
		if nc.RPCMaxRetries == 0 {
			nc.RPCMaxRetries = 3
		}
		cfg.Blockchain.Networks[name] = nc
	}
}

// GetNetworkConfigByChainID finds an enabled network configuration by chain ID.
func GetNetworkConfigByChainID(chainID uint64) (*NetworkConfig, error) {
	if AppConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	for _, nc := range AppConfig.Blockchain.Networks {
		if nc.ChainID == chainID && nc.Enabled {
			cp := nc
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("no enabled network configured for chainID %d", chainID)
}

// ReconcileInterval convenience accessor.
func (p PipelineConfig) ReconcileInterval() time.Duration {
	return time.Duration(p.ReconcileIntervalSec) * time.Second
}

// StuckThreshold convenience accessor.
func (p PipelineConfig) StuckThreshold() time.Duration {
	return time.Duration(p.StuckThresholdSec) * time.Second
}

// LoadMasterKey reads and decodes the vault master key from the configured
// environment variable. The key is 32 bytes, hex encoded. It is read once at
// process start and never persisted.
func (v VaultConfig) LoadMasterKey() ([]byte, error) {
	raw := os.Getenv(v.MasterKeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("vault master key env %s is not set", v.MasterKeyEnv)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("vault master key in %s is not valid hex: %w", v.MasterKeyEnv, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("vault master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
