// Package config resolves engine settings from an optional YAML profile
// overlaid with environment variables. Environment always wins.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	DataDir          string        `yaml:"dataDir"`
	GatewayAddr      string        `yaml:"gatewayAddr"`
	PortalAddr       string        `yaml:"portalAddr"`
	BaseURL          string        `yaml:"baseUrl"`
	IPFSNodeURL      string        `yaml:"ipfsNodeUrl"`
	LogLevel         string        `yaml:"logLevel"`
	BackupDir        string        `yaml:"backupDir"`
	BackupPassphrase string        `yaml:"backupPassphrase"`
	BackupInterval   time.Duration `yaml:"backupInterval"`
	BackupRetention  time.Duration `yaml:"backupRetention"`
	VaultPassphrase  string        `yaml:"vaultPassphrase"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		DataDir:         ".doc-engine",
		GatewayAddr:     ":8787",
		PortalAddr:      ":8788",
		BaseURL:         "http://localhost:8787/sign",
		IPFSNodeURL:     "http://127.0.0.1:5001",
		LogLevel:        "info",
		BackupInterval:  6 * time.Hour,
		BackupRetention: 30 * 24 * time.Hour,
	}
}

// Load builds the configuration: defaults, then the YAML profile at path
// (skipped when empty or missing), then environment overrides.
func Load(profilePath string) (Config, error) {
	cfg := Default()

	if profilePath != "" {
		data, err := os.ReadFile(profilePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read profile: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse profile %s: %w", profilePath, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.DataDir, "DOCENGINE_DATA_DIR")
	setString(&cfg.GatewayAddr, "DOCENGINE_GATEWAY_ADDR")
	setString(&cfg.PortalAddr, "DOCENGINE_PORTAL_ADDR")
	setString(&cfg.BaseURL, "DOCENGINE_BASE_URL")
	setString(&cfg.IPFSNodeURL, "DOCENGINE_IPFS_NODE_URL")
	setString(&cfg.LogLevel, "DOCENGINE_LOG_LEVEL")
	setString(&cfg.BackupDir, "DOCENGINE_BACKUP_DIR")
	setString(&cfg.BackupPassphrase, "DOCENGINE_BACKUP_PASSPHRASE")
	setString(&cfg.VaultPassphrase, "DOCENGINE_VAULT_PASSPHRASE")
	setDuration(&cfg.BackupInterval, "DOCENGINE_BACKUP_INTERVAL")
	setDuration(&cfg.BackupRetention, "DOCENGINE_BACKUP_RETENTION")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
