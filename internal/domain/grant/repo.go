package grant

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists access grants. Transition is the only way status changes and
// must apply atomically as a compare-and-swap on the current status.
type Store interface {
	Create(ctx context.Context, g *AccessGrant) error
	// GetByID returns ErrGrantNotFound for unknown ids.
	GetByID(ctx context.Context, id uuid.UUID) (*AccessGrant, error)
	// Transition applies t and returns the updated grant and true, or nil and
	// false when the precondition did not hold.
	Transition(ctx context.Context, id uuid.UUID, t Transition) (*AccessGrant, bool, error)
	ListPendingForPatient(ctx context.Context, patientID string) ([]*AccessGrant, error)
	ListActiveForRequester(ctx context.Context, requestingTenantID string, now time.Time) ([]*AccessGrant, error)
	ListByPatient(ctx context.Context, patientID string) ([]*AccessGrant, error)
	HasActive(ctx context.Context, q ActiveQuery) (bool, error)
	// ListDueForExpiry returns active grants whose expires_at is at or before
	// now, oldest first.
	ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]*AccessGrant, error)
	Ping(ctx context.Context) error
}

// Directory confirms that tenants and patients referenced by a grant exist.
type Directory interface {
	HospitalExists(ctx context.Context, hospitalID string) (bool, error)
	PatientExists(ctx context.Context, patientID string) (bool, error)
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
