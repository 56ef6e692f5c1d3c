package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/najuna-brian/medipact-sub000/internal/platform/db"
)

// PGSink writes audit events to the grant_audit_event table. It uses the
// connection from context when one is present, so an event can share a
// transaction with the change it records.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink creates a PGSink backed by pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

// Emit implements Sink.
func (s *PGSink) Emit(ctx context.Context, e *Event) error {
	const query = `
		INSERT INTO grant_audit_event (
			id, event_type, grant_id, patient_id, requesting_tenant_id, origin_tenant_id,
			actor_kind, actor_id, detail, recorded, digest, prev_digest
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err := db.Conn(ctx, s.pool).Exec(ctx, query,
		e.ID, string(e.Type), nullUUID(e.GrantID), e.PatientID, e.RequestingTenantID, e.OriginTenantID,
		e.ActorKind, e.ActorID, e.Detail, e.Recorded, e.Digest, e.PrevDigest,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Head returns the digest of the most recently stored event, or "".
func (s *PGSink) Head(ctx context.Context) (string, error) {
	var digest *string
	err := db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT digest FROM grant_audit_event ORDER BY seq DESC LIMIT 1`,
	).Scan(&digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read chain head: %w", err)
	}
	if digest == nil {
		return "", nil
	}
	return *digest, nil
}

// List returns up to limit events in emission order, oldest first.
func (s *PGSink) List(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT id, event_type, grant_id, patient_id, requesting_tenant_id, origin_tenant_id,
		       actor_kind, actor_id, detail, recorded, digest, prev_digest
		FROM grant_audit_event ORDER BY seq LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			grantID *uuid.UUID
		)
		var pid, rt, ot, aid, detail, digest, prev *string
		if err := rows.Scan(&e.ID, &typ, &grantID, &pid, &rt, &ot,
			&e.ActorKind, &aid, &detail, &e.Recorded, &digest, &prev); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.Type = Type(typ)
		if grantID != nil {
			e.GrantID = *grantID
		}
		e.PatientID, e.RequestingTenantID, e.OriginTenantID = deref(pid), deref(rt), deref(ot)
		e.ActorID, e.Detail = deref(aid), deref(detail)
		e.Digest, e.PrevDigest = deref(digest), deref(prev)
		e.Recorded = e.Recorded.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
