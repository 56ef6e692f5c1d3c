package hipaa

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/najuna-brian/medipact-sub000/internal/platform/keys"
)

// ErrUnsupportedValue is returned when an allow-listed field holds something
// other than a string.
var ErrUnsupportedValue = errors.New("unsupported field value")

// Record is a structured business record (patient, condition, ...) as a map of
// top-level attributes.
type Record map[string]any

// Clone returns a shallow copy. Field values are strings or scalars, so a
// shallow copy is enough to leave the input untouched.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// KeyDeriver derives tenant keys. Implemented by *keys.Deriver.
type KeyDeriver interface {
	Derive(scope keys.Scope, tenantID string) (keys.Key, error)
}

// FieldDiagnostic reports an allow-listed field whose stored value was kept
// as-is during decryption.
type FieldDiagnostic struct {
	Field string
	// Legacy is true when the value carries no EncryptedField marker, i.e. it
	// was written before encryption was introduced. False means the value looks
	// encrypted but did not verify: corruption or the wrong key.
	Legacy bool
	Err    error
}

// Codec applies tenant-keyed field encryption across the allow-listed fields
// of a record.
type Codec struct {
	deriver KeyDeriver
	logger  zerolog.Logger
}

// NewCodec creates a record codec.
func NewCodec(deriver KeyDeriver, logger zerolog.Logger) *Codec {
	return &Codec{
		deriver: deriver,
		logger:  logger.With().Str("component", "record-codec").Logger(),
	}
}

// Cipher derives the tenant key for (scope, tenantID) and returns a cipher
// bound to it. The key is not retained by the codec.
func (c *Codec) Cipher(scope keys.Scope, tenantID string) (*FieldCipher, error) {
	key, err := c.deriver.Derive(scope, tenantID)
	if err != nil {
		return nil, fmt.Errorf("derive %s key: %w", scope, err)
	}
	defer clear(key[:])
	return NewFieldCipher(key[:])
}

// EncryptFields returns a copy of record with every allow-listed, present,
// non-empty string field encrypted under the tenant key. A value is left as it
// is only when it opens under this tenant's key; anything else, including
// plaintext that happens to start with the marker, is encrypted.
func (c *Codec) EncryptFields(record Record, policy FieldPolicy, scope keys.Scope, tenantID string) (Record, error) {
	cipher, err := c.Cipher(scope, tenantID)
	if err != nil {
		return nil, err
	}

	out := record.Clone()
	for _, field := range policy.Fields {
		v, ok := out[field]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s is %T", ErrUnsupportedValue, policy.RecordType, field, v)
		}
		if s == "" || sealedUnder(cipher, s) {
			continue
		}
		enc, err := cipher.Encrypt(s)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s.%s: %w", policy.RecordType, field, err)
		}
		out[field] = enc
	}
	return out, nil
}

// sealedUnder reports whether s is a field sealed with cipher's key.
func sealedUnder(cipher *FieldCipher, s string) bool {
	if !IsEncrypted(s) {
		return false
	}
	pt, err := cipher.OpenField(s)
	if err != nil {
		return false
	}
	clear(pt)
	return true
}

// DecryptFields returns a copy of record with the allow-listed fields
// decrypted. A field that cannot be decrypted keeps its stored value and is
// reported in the diagnostics; this tolerates records written before
// encryption was introduced. It never applies to writes.
func (c *Codec) DecryptFields(record Record, policy FieldPolicy, scope keys.Scope, tenantID string) (Record, []FieldDiagnostic, error) {
	cipher, err := c.Cipher(scope, tenantID)
	if err != nil {
		return nil, nil, err
	}

	out := record.Clone()
	var diags []FieldDiagnostic
	for _, field := range policy.Fields {
		v, ok := out[field]
		if !ok || v == nil {
			continue
		}
		s, isString := v.(string)
		if isString && s == "" {
			continue
		}
		if !isString || !IsEncrypted(s) {
			diags = append(diags, FieldDiagnostic{Field: field, Legacy: true})
			continue
		}
		pt, err := cipher.Decrypt(s)
		if err != nil {
			diags = append(diags, FieldDiagnostic{Field: field, Err: err})
			continue
		}
		out[field] = pt
	}

	for _, d := range diags {
		c.logger.Warn().
			Str("record_type", policy.RecordType).
			Str("field", d.Field).
			Str("scope", string(scope)).
			Str("tenant_id", tenantID).
			Bool("legacy_plaintext", d.Legacy).
			Msg("field kept as stored: not decryptable with tenant key")
	}
	return out, diags, nil
}
