package keychain

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"

	"github.com/noetl/noetl/pkg/errdef"
)

// VaultConfig configures the secret manager provider
type VaultConfig struct {
	Address    string `yaml:"address" json:"address"`
	Token      string `yaml:"token" json:"token"`
	PathPrefix string `yaml:"path_prefix" json:"path_prefix"`
}

// VaultClient reads secrets from HashiCorp Vault
type VaultClient struct {
	client *vault.Client
	prefix string
}

// NewVaultClient connects to Vault and verifies the server is reachable
func NewVaultClient(config VaultConfig) (*VaultClient, error) {
	if config.Address == "" {
		config.Address = "http://localhost:8200"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = config.Address

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}

	prefix := config.PathPrefix
	if prefix == "" {
		prefix = "secret"
	}
	return &VaultClient{client: client, prefix: prefix}, nil
}

// ReadSecret fetches one secret path and flattens its data to strings.
// KV v2 responses are unwrapped; a missing path is a resolution error,
// a transport failure is transient.
func (v *VaultClient) ReadSecret(ctx context.Context, path string) (map[string]string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", v.prefix, path))
	if err != nil {
		return nil, errdef.Wrap(errdef.KindTransient, err, "vault read %s failed", path)
	}
	if secret == nil || len(secret.Data) == 0 {
		return nil, errdef.Resolution("vault secret %q not found", path)
	}

	data := secret.Data
	// KV v2 nests the payload under "data".
	if nested, ok := secret.Data["data"].(map[string]any); ok {
		data = nested
	}

	out := make(map[string]string, len(data))
	for k, val := range data {
		if s, ok := val.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	if len(out) == 0 {
		return nil, errdef.Resolution("vault secret %q has no values", path)
	}
	return out, nil
}
