// Package vault fetches broker credentials from HashiCorp Vault so they
// never have to live in config files or the environment.
package vault

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"alpaca-trading-engine/config"
)

// Credentials holds the Alpaca key pair read from Vault.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Client wraps the Vault API for the one secret the engine needs.
type Client struct {
	client *api.Client
	config config.VaultConfig
	logger zerolog.Logger
}

// NewClient connects to Vault. With Enabled false the client is inert and
// BrokerCredentials returns an error.
func NewClient(cfg config.VaultConfig, logger zerolog.Logger) (*Client, error) {
	c := &Client{config: cfg, logger: logger.With().Str("component", "Vault").Logger()}
	if !cfg.Enabled {
		return c, nil
	}
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// Enabled reports whether Vault is configured as the credential source.
func (c *Client) Enabled() bool { return c.client != nil }

// BrokerCredentials reads the Alpaca key pair from the configured KV v2
// path. The secret must carry "api_key" and "api_secret" fields.
func (c *Client) BrokerCredentials(ctx context.Context) (*Credentials, error) {
	if c.client == nil {
		return nil, fmt.Errorf("vault disabled")
	}
	secret, err := c.client.Logical().ReadWithContext(ctx, c.config.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.config.SecretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret at %s", c.config.SecretPath)
	}

	data := secret.Data
	// KV v2 nests the payload under "data".
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}
	creds := &Credentials{
		APIKey:    str(data, "api_key"),
		APISecret: str(data, "api_secret"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("secret at %s missing api_key or api_secret", c.config.SecretPath)
	}
	c.logger.Info().Str("path", redactPath(c.config.SecretPath)).Msg("Broker credentials loaded from Vault")
	return creds, nil
}

// Health checks Vault reachability and seal status.
func (c *Client) Health(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func str(data map[string]interface{}, key string) string {
	v, _ := data[key].(string)
	return v
}

// redactPath keeps only the mount and leaf of the secret path in logs.
func redactPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) <= 2 {
		return path
	}
	return parts[0] + "/.../" + parts[len(parts)-1]
}
