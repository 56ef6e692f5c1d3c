package keys

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrConfiguration marks a missing or invalid master secret. It is fatal at
// startup.
var ErrConfiguration = errors.New("configuration error")

// ErrSecretNotConfigured is returned by a Source that has no secret at all, as
// opposed to one it failed to read.
var ErrSecretNotConfigured = errors.New("master secret not configured")

// MinSecretLength is the minimum master secret length in bytes.
const MinSecretLength = 32

// devMasterSecret is only reachable when both ENV=development and
// ALLOW_DEV_MASTER_SECRET=true; config validation rejects that combination in
// production.
const devMasterSecret = "medipact-development-master-secret-do-not-use"

// MasterSecret is the immutable process-wide secret every tenant key is
// derived from. The zero value means "not configured".
type MasterSecret struct {
	b []byte
}

// NewMasterSecret copies raw into a MasterSecret.
func NewMasterSecret(raw []byte) (MasterSecret, error) {
	if len(raw) == 0 {
		return MasterSecret{}, fmt.Errorf("%w: %w", ErrConfiguration, ErrSecretNotConfigured)
	}
	if len(raw) < MinSecretLength {
		return MasterSecret{}, fmt.Errorf("%w: master secret must be at least %d bytes, got %d",
			ErrConfiguration, MinSecretLength, len(raw))
	}
	b := make([]byte, len(raw))
	copy(b, raw)
	return MasterSecret{b: b}, nil
}

// ParseMasterSecret accepts either a hex string (at least 64 hex chars) or a
// raw string of at least MinSecretLength bytes.
func ParseMasterSecret(s string) (MasterSecret, error) {
	if len(s) >= 2*MinSecretLength {
		if decoded, err := hex.DecodeString(s); err == nil {
			return NewMasterSecret(decoded)
		}
	}
	return NewMasterSecret([]byte(s))
}

// IsZero reports whether the secret is unset.
func (m MasterSecret) IsZero() bool { return len(m.b) == 0 }

// String never prints the secret.
func (m MasterSecret) String() string {
	if m.IsZero() {
		return "MasterSecret(unset)"
	}
	return "MasterSecret(redacted)"
}

// Source supplies the raw master secret. Implementations return an error
// wrapping ErrSecretNotConfigured when nothing is configured.
type Source interface {
	MasterSecret(ctx context.Context) ([]byte, error)
	Name() string
}

// EnvSource serves a secret that was already read from configuration.
type EnvSource struct {
	Value string
}

func (s EnvSource) Name() string { return "env" }

func (s EnvSource) MasterSecret(_ context.Context) ([]byte, error) {
	if s.Value == "" {
		return nil, ErrSecretNotConfigured
	}
	ms, err := ParseMasterSecret(s.Value)
	if err != nil {
		return nil, err
	}
	return ms.b, nil
}

// LoadOptions control the development fallback.
type LoadOptions struct {
	// AllowDevFallback permits the fixed development secret when the source
	// has nothing configured. Config validation never sets it in production.
	AllowDevFallback bool
}

// LoadMasterSecret reads the secret from src once at startup.
func LoadMasterSecret(ctx context.Context, src Source, opts LoadOptions, logger zerolog.Logger) (MasterSecret, error) {
	raw, err := src.MasterSecret(ctx)
	if err != nil {
		if !errors.Is(err, ErrSecretNotConfigured) {
			return MasterSecret{}, fmt.Errorf("%w: load master secret from %s: %w", ErrConfiguration, src.Name(), err)
		}
		if !opts.AllowDevFallback {
			return MasterSecret{}, fmt.Errorf("%w: no master secret configured in %s", ErrConfiguration, src.Name())
		}
		logger.Warn().Msg("============================================================")
		logger.Warn().Msg("MASTER SECRET NOT CONFIGURED: using the built-in DEVELOPMENT secret.")
		logger.Warn().Msg("Every tenant key is derived from a publicly known value.")
		logger.Warn().Msg("Do NOT store real patient data with this configuration.")
		logger.Warn().Msg("============================================================")
		return NewMasterSecret([]byte(devMasterSecret))
	}

	ms, err := NewMasterSecret(raw)
	clear(raw)
	if err != nil {
		return MasterSecret{}, err
	}
	logger.Info().Str("source", src.Name()).Msg("master secret loaded")
	return ms, nil
}
