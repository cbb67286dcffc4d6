package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// Common placeholder values that should never reach a live trading session
var commonPlaceholders = []string{
	"changeme",
	"your_api_key",
	"your_secret",
	"your_passphrase",
	"test",
	"example",
	"sample",
	"demo",
	"default",
	"xxx",
}

// ValidateCredential rejects empty and obvious placeholder credentials.
// Only enforced when real orders will be placed; simulation mode runs without keys.
func ValidateCredential(secret, name string) error {
	if secret == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	lower := strings.ToLower(secret)
	for _, placeholder := range commonPlaceholders {
		if lower == placeholder || strings.Contains(lower, placeholder) {
			return fmt.Errorf("%s appears to be a placeholder value (%q)", name, placeholder)
		}
	}

	if len(secret) < 8 {
		return fmt.Errorf("%s is suspiciously short (%d chars)", name, len(secret))
	}

	return nil
}

// ValidateLiveCredentials checks the exchange credential set before live trading
func (c *Config) ValidateLiveCredentials() error {
	if c.Trading.SimulationMode {
		return nil
	}
	if err := ValidateCredential(c.Exchange.APIKey, "OKX_API_KEY"); err != nil {
		return err
	}
	if err := ValidateCredential(c.Exchange.SecretKey, "OKX_SECRET_KEY"); err != nil {
		return err
	}
	if err := ValidateCredential(c.Exchange.Passphrase, "OKX_PASSPHRASE"); err != nil {
		return err
	}
	return nil
}

// VaultConfig contains HashiCorp Vault connection settings
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	Namespace  string `mapstructure:"namespace"`
	MountPath  string `mapstructure:"mount_path"`  // KV v2 mount, default "secret"
	SecretPath string `mapstructure:"secret_path"` // base path, default "hourglass"
}

// VaultClient wraps the HashiCorp Vault client for secrets management
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient creates a new Vault client from configuration
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	// Namespace is a Vault Enterprise feature
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
	}
	client.SetToken(token)

	return &VaultClient{
		client: client,
		config: cfg,
	}, nil
}

// GetSecret retrieves a secret from Vault.
// path is relative to the configured SecretPath.
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	mount := vc.config.MountPath
	if mount == "" {
		mount = "secret"
	}
	base := vc.config.SecretPath
	if base == "" {
		base = "hourglass"
	}
	fullPath := fmt.Sprintf("%s/data/%s/%s", mount, base, path)

	log.Debug().Str("path", fullPath).Msg("Reading secret from Vault")

	secret, err := vc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}

	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	// KV v2 nests the payload under "data"
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}

	return secret.Data, nil
}

// GetSecretString retrieves a single string value from Vault
func (vc *VaultClient) GetSecretString(ctx context.Context, path string, key string) (string, error) {
	data, err := vc.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}

	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("key %q not found or not a string at path %q", key, path)
	}

	return value, nil
}

// LoadSecretsFromVault overlays DB and exchange credentials from Vault onto cfg.
// When Vault is disabled the environment-variable values are left untouched.
func LoadSecretsFromVault(ctx context.Context, cfg *Config) error {
	if !cfg.Vault.Enabled {
		log.Info().Msg("Vault integration disabled - using environment variables for secrets")
		return nil
	}

	log.Info().Str("address", cfg.Vault.Address).Msg("Loading secrets from HashiCorp Vault")

	vc, err := NewVaultClient(cfg.Vault)
	if err != nil {
		return fmt.Errorf("failed to initialize Vault client: %w", err)
	}

	if url, err := vc.GetSecretString(ctx, "database", "url"); err == nil {
		cfg.Database.URL = url
		log.Info().Msg("Database URL loaded from Vault")
	} else {
		log.Warn().Err(err).Msg("Database secret not found in Vault, keeping environment value")
	}

	data, err := vc.GetSecret(ctx, "exchange")
	if err != nil {
		if !cfg.Trading.SimulationMode {
			return fmt.Errorf("failed to load exchange credentials from Vault: %w", err)
		}
		log.Warn().Err(err).Msg("Exchange secrets not found in Vault, keeping environment values")
		return nil
	}

	if v, ok := data["api_key"].(string); ok {
		cfg.Exchange.APIKey = v
	}
	if v, ok := data["secret_key"].(string); ok {
		cfg.Exchange.SecretKey = v
	}
	if v, ok := data["passphrase"].(string); ok {
		cfg.Exchange.Passphrase = v
	}
	log.Info().Msg("Exchange credentials loaded from Vault")

	return nil
}
