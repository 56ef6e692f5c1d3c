package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS grant_audit_event (
    seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
    id                   TEXT NOT NULL UNIQUE,
    event_type           TEXT NOT NULL,
    grant_id             TEXT,
    patient_id           TEXT,
    requesting_tenant_id TEXT,
    origin_tenant_id     TEXT,
    actor_kind           TEXT NOT NULL,
    actor_id             TEXT,
    detail               TEXT,
    recorded             INTEGER NOT NULL,
    digest               TEXT,
    prev_digest          TEXT
)`

// SQLiteSink writes audit events to a SQLite database for single-node
// deployments.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink creates the audit table if needed and returns a sink on db.
func NewSQLiteSink(ctx context.Context, db *sql.DB) (*SQLiteSink, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("audit: create sqlite schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Emit implements Sink.
func (s *SQLiteSink) Emit(ctx context.Context, e *Event) error {
	var grantID any
	if e.GrantID != uuid.Nil {
		grantID = e.GrantID.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grant_audit_event (
			id, event_type, grant_id, patient_id, requesting_tenant_id, origin_tenant_id,
			actor_kind, actor_id, detail, recorded, digest, prev_digest
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID.String(), string(e.Type), grantID, e.PatientID, e.RequestingTenantID, e.OriginTenantID,
		e.ActorKind, e.ActorID, e.Detail, e.Recorded.UnixNano(), e.Digest, e.PrevDigest,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Head returns the digest of the most recently stored event, or "".
func (s *SQLiteSink) Head(ctx context.Context) (string, error) {
	var digest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT digest FROM grant_audit_event ORDER BY seq DESC LIMIT 1`,
	).Scan(&digest)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read chain head: %w", err)
	}
	return digest.String, nil
}

// List returns up to limit events in emission order, oldest first.
func (s *SQLiteSink) List(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, grant_id, patient_id, requesting_tenant_id, origin_tenant_id,
		       actor_kind, actor_id, detail, recorded, digest, prev_digest
		FROM grant_audit_event ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			e        Event
			id, typ  string
			recorded int64
		)
		var grantID, pid, rt, ot, aid, detail, digest, prev sql.NullString
		if err := rows.Scan(&id, &typ, &grantID, &pid, &rt, &ot,
			&e.ActorKind, &aid, &detail, &recorded, &digest, &prev); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("audit: event id %q: %w", id, err)
		}
		if grantID.Valid {
			if e.GrantID, err = uuid.Parse(grantID.String); err != nil {
				return nil, fmt.Errorf("audit: grant id %q: %w", grantID.String, err)
			}
		}
		e.Type = Type(typ)
		e.Recorded = time.Unix(0, recorded).UTC()
		e.PatientID, e.RequestingTenantID, e.OriginTenantID = pid.String, rt.String, ot.String
		e.ActorID, e.Detail = aid.String, detail.String
		e.Digest, e.PrevDigest = digest.String, prev.String
		out = append(out, &e)
	}
	return out, rows.Err()
}
