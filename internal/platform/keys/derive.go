package keys

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
)

// KeySize is the length of every derived tenant key (AES-256).
const KeySize = 32

var (
	ErrEmptyTenantID = errors.New("tenant id must not be empty")
	ErrUnknownScope  = errors.New("unknown key scope")
)

// Scope separates the key namespaces. The same literal id derives different
// keys in different scopes because each scope has its own salt.
type Scope string

const (
	ScopeHospital Scope = "hospital"
	ScopePatient  Scope = "patient"
)

// scopeSalts are fixed forever. Changing one makes every field encrypted under
// that scope unreadable.
var scopeSalts = map[Scope][]byte{
	ScopeHospital: []byte("medipact/hospital-key/v1"),
	ScopePatient:  []byte("medipact/patient-key/v1"),
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	_, ok := scopeSalts[s]
	return ok
}

// ParseScope converts a config or CLI string into a Scope.
func ParseScope(s string) (Scope, error) {
	scope := Scope(s)
	if !scope.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, s)
	}
	return scope, nil
}

// KDFParams are the Argon2id cost parameters used for tenant key derivation.
type KDFParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultKDFParams returns the production cost parameters (OWASP Argon2id
// baseline: 19 MiB, 2 passes, 1 lane).
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Memory:      19 * 1024,
		Iterations:  2,
		Parallelism: 1,
	}
}

// Validate rejects parameter sets that argon2 would accept but that make the
// derivation meaningless.
func (p KDFParams) Validate() error {
	if p.Iterations == 0 {
		return fmt.Errorf("%w: kdf iterations must be at least 1", ErrConfiguration)
	}
	if p.Parallelism == 0 {
		return fmt.Errorf("%w: kdf parallelism must be at least 1", ErrConfiguration)
	}
	if p.Memory < 8*uint32(p.Parallelism) {
		return fmt.Errorf("%w: kdf memory must be at least %d KiB", ErrConfiguration, 8*uint32(p.Parallelism))
	}
	return nil
}

// Key is a derived 256-bit tenant key. It is a value type so callers cannot
// share a mutable buffer across requests.
type Key [KeySize]byte

// fingerprintDomain is the BLAKE3 key for fingerprints, zero-padded ASCII.
var fingerprintDomain = [32]byte{
	'm', 'e', 'd', 'i', 'p', 'a', 'c', 't', '.', 'k', 'e', 'y', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't',
}

// Fingerprint returns a short keyed digest of the key that identifies it in
// operator output without revealing it.
func (k Key) Fingerprint() string {
	hasher, err := blake3.NewKeyed(fingerprintDomain[:])
	if err != nil {
		panic("keys: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(k[:])
	return hex.EncodeToString(hasher.Sum(nil)[:8])
}

// Deriver derives per-tenant keys from the process master secret. It holds no
// mutable state and is safe for concurrent use.
type Deriver struct {
	master MasterSecret
	params KDFParams
}

// NewDeriver creates a Deriver. The master secret is injected at process start;
// an empty secret is a configuration error, never a silent weak default.
func NewDeriver(master MasterSecret, params KDFParams) (*Deriver, error) {
	if master.IsZero() {
		return nil, fmt.Errorf("%w: master secret is not configured", ErrConfiguration)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Deriver{master: master, params: params}, nil
}

// Derive computes the key for (scope, tenantID). The result is recomputed on
// every call and must not be cached or logged by callers.
func (d *Deriver) Derive(scope Scope, tenantID string) (Key, error) {
	var key Key
	if tenantID == "" {
		return key, ErrEmptyTenantID
	}
	salt, ok := scopeSalts[scope]
	if !ok {
		return key, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}

	// master || 0x00 || tenantID; the master is fixed per process so the
	// encoding is injective over tenant ids.
	input := make([]byte, 0, len(d.master.b)+1+len(tenantID))
	input = append(input, d.master.b...)
	input = append(input, 0)
	input = append(input, tenantID...)

	derived := argon2.IDKey(input, salt, d.params.Iterations, d.params.Memory, d.params.Parallelism, KeySize)
	copy(key[:], derived)
	clear(derived)
	clear(input)
	return key, nil
}
