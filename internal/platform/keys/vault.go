package keys

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/hashicorp/vault/api"
)

// VaultConfig locates the master secret in a Vault KV v2 engine.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
	// Path is the KV v2 data path, e.g. "secret/data/medipact/master".
	Path string
	// Field holds the base64-encoded secret inside the KV data map.
	Field string
}

// VaultSource reads the master secret from Vault KV v2.
type VaultSource struct {
	logical vaultReader
	path    string
	field   string
}

// vaultReader is the subset of *api.Logical used here.
type vaultReader interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
}

// NewVaultSource creates a Vault-backed Source.
func NewVaultSource(cfg VaultConfig) (*VaultSource, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: vault secret path is required", ErrConfiguration)
	}
	vc := api.DefaultConfig()
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	if vc.Address == "" {
		return nil, fmt.Errorf("%w: VAULT_ADDR is required", ErrConfiguration)
	}
	vc.HttpClient.Transport = &http.Transport{Proxy: http.ProxyFromEnvironment}

	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: VAULT_TOKEN is required", ErrConfiguration)
	}
	client.SetToken(cfg.Token)

	field := cfg.Field
	if field == "" {
		field = "value"
	}
	return &VaultSource{logical: client.Logical(), path: cfg.Path, field: field}, nil
}

func (s *VaultSource) Name() string { return "vault:" + s.path }

func (s *VaultSource) MasterSecret(ctx context.Context) ([]byte, error) {
	secret, err := s.logical.ReadWithContext(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrSecretNotConfigured
	}

	// KV v2 wraps the payload in a "data" key.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid KV v2 secret format at %s", s.path)
	}
	encoded, ok := data[s.field].(string)
	if !ok || encoded == "" {
		return nil, ErrSecretNotConfigured
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s.%s: %w", s.path, s.field, err)
	}
	return raw, nil
}
