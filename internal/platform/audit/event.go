// Package audit records grant lifecycle and record-access events. Sinks are
// pluggable; emission from the grant engine is best-effort and never blocks or
// rolls back the operation that produced the event.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

const (
	TypeRequested    Type = "requested"
	TypeApproved     Type = "approved"
	TypeRejected     Type = "rejected"
	TypeRevoked      Type = "revoked"
	TypeExpired      Type = "expired"
	TypeDecrypted    Type = "decrypted"
	TypeReencrypted  Type = "reencrypted"
	TypeAccessDenied Type = "access_denied"
)

// Actor kinds.
const (
	ActorSystem   = "system"
	ActorPatient  = "patient"
	ActorHospital = "hospital"
	ActorPlatform = "platform"
)

// Event is one audit record. It never carries plaintext, ciphertext or key
// material.
type Event struct {
	ID                 uuid.UUID `cbor:"id"`
	Type               Type      `cbor:"type"`
	GrantID            uuid.UUID `cbor:"grant_id"`
	PatientID          string    `cbor:"patient_id"`
	RequestingTenantID string    `cbor:"requesting_tenant_id"`
	OriginTenantID     string    `cbor:"origin_tenant_id"`
	ActorKind          string    `cbor:"actor_kind"`
	ActorID            string    `cbor:"actor_id"`
	Detail             string    `cbor:"detail"`
	Recorded           time.Time `cbor:"recorded"`

	// Set by Chain when notarization is enabled.
	PrevDigest string `cbor:"prev_digest"`
	Digest     string `cbor:"-"`
}

// Sink persists or forwards audit events.
type Sink interface {
	Emit(ctx context.Context, e *Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e *Event) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e *Event) error { return f(ctx, e) }

func (e *Event) fillDefaults(now time.Time) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Recorded.IsZero() {
		e.Recorded = now.UTC()
	}
}
