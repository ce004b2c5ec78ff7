// Package vault implements a secret.Provider backed by HashiCorp Vault,
// for deployments that prefer not to keep OAuth refresh tokens or static
// keys on the local filesystem at all.
package vault

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// Config configures the Vault client and AppRole login.
type Config struct {
	Address  string
	RoleID   string
	SecretID string
}

// Provider resolves "vault://<kv-path>#<field>" secret references.
type Provider struct {
	client *vaultapi.Client
}

// New creates a vault Provider and logs in via AppRole.
func New(cfg Config) (*Provider, error) {
	vc := vaultapi.DefaultConfig()
	vc.Address = cfg.Address

	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}

	if cfg.RoleID != "" {
		secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault: approle login: %w", err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, fmt.Errorf("vault: approle login returned no auth")
		}
		client.SetToken(secret.Auth.ClientToken)
	}

	return &Provider{client: client}, nil
}

// Get reads a KV v2 secret. path is "<mount>/data/<secret path>#<field>";
// the field after '#' selects the key within the secret's data map.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	kvPath, field, err := splitField(path)
	if err != nil {
		return "", err
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, kvPath)
	if err != nil {
		return "", fmt.Errorf("vault: read %s: %w", kvPath, err)
	}
	if secret == nil {
		return "", fmt.Errorf("vault: no secret at %s", kvPath)
	}

	data, _ := secret.Data["data"].(map[string]interface{})
	if data == nil {
		data = secret.Data
	}

	value, ok := data[field]
	if !ok {
		return "", fmt.Errorf("vault: field %q not found at %s", field, kvPath)
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("vault: field %q at %s is not a string", field, kvPath)
	}
	return str, nil
}

func splitField(path string) (kvPath, field string, err error) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '#' {
			return path[:i], path[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("vault: path %q missing #<field> suffix", path)
}

// Close is a no-op; the Vault client holds no resources to release.
func (p *Provider) Close() error { return nil }
