package auth

import (
	"context"
)

// Kind is the kind of authenticated principal behind a request.
type Kind string

const (
	KindUnknown  Kind = ""
	KindPlatform Kind = "platform"
	KindHospital Kind = "hospital"
	KindPatient  Kind = "patient"
)

// ParseKind maps a claim value to a Kind. Unrecognized values map to
// KindUnknown.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindPlatform, KindHospital, KindPatient:
		return k
	default:
		return KindUnknown
	}
}

// Caller is an authenticated identity: a hospital tenant, a patient, or the
// platform itself. ID is the tenant id for hospitals and the patient id for
// patients; it is empty for the platform.
type Caller struct {
	Kind Kind
	ID   string
}

// Platform returns the platform caller.
func Platform() Caller { return Caller{Kind: KindPlatform} }

// Hospital returns a hospital-tenant caller.
func Hospital(tenantID string) Caller { return Caller{Kind: KindHospital, ID: tenantID} }

// Patient returns a patient caller.
func Patient(patientID string) Caller { return Caller{Kind: KindPatient, ID: patientID} }

func (c Caller) String() string {
	if c.ID == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.ID
}

type contextKey string

const callerKey contextKey = "caller"

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromContext returns the caller stored by the middleware. A context
// without one yields an unknown caller, which resolves to no capability.
func CallerFromContext(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey).(Caller)
	return c
}
