package grant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS access_grant (
    id                   TEXT PRIMARY KEY,
    patient_id           TEXT NOT NULL,
    requesting_tenant_id TEXT NOT NULL,
    origin_tenant_id     TEXT NOT NULL,
    access_type          TEXT NOT NULL,
    duration_minutes     INTEGER NOT NULL CHECK (duration_minutes BETWEEN 15 AND 1440),
    status               TEXT NOT NULL
        CHECK (status IN ('pending', 'active', 'rejected', 'revoked', 'expired')),
    purpose              TEXT,
    created_at           INTEGER NOT NULL,
    approved_at          INTEGER,
    expires_at           INTEGER,
    revoked_at           INTEGER,
    updated_at           INTEGER NOT NULL,
    CHECK (requesting_tenant_id <> origin_tenant_id)
);
CREATE INDEX IF NOT EXISTS idx_access_grant_patient_status ON access_grant (patient_id, status);
CREATE INDEX IF NOT EXISTS idx_access_grant_requester ON access_grant (requesting_tenant_id, patient_id, status);
CREATE INDEX IF NOT EXISTS idx_access_grant_expiry ON access_grant (status, expires_at);
`

// EnsureSQLiteSchema creates the access_grant table in a SQLite database.
func EnsureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create sqlite access_grant schema: %w", err)
	}
	return nil
}

// storeSQLite keeps timestamps as unix nanoseconds. Compare-and-swap relies
// on SQLite serializing writers.
type storeSQLite struct{ db *sql.DB }

// NewStoreSQLite returns a Store on a SQLite database prepared with
// EnsureSQLiteSchema.
func NewStoreSQLite(db *sql.DB) Store {
	return &storeSQLite{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *storeSQLite) scanGrant(row rowScanner) (*AccessGrant, error) {
	var (
		g                                AccessGrant
		id, status                       string
		purpose                          sql.NullString
		createdAt, updatedAt             int64
		approvedAt, expiresAt, revokedAt sql.NullInt64
	)
	err := row.Scan(&id, &g.PatientID, &g.RequestingTenantID, &g.OriginTenantID, &g.AccessType,
		&g.DurationMinutes, &status, &purpose, &createdAt, &approvedAt, &expiresAt, &revokedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if g.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("grant id %q: %w", id, err)
	}
	g.Status = Status(status)
	g.Purpose = purpose.String
	g.CreatedAt = fromNanos(createdAt)
	g.UpdatedAt = fromNanos(updatedAt)
	g.ApprovedAt = fromNullNanos(approvedAt)
	g.ExpiresAt = fromNullNanos(expiresAt)
	g.RevokedAt = fromNullNanos(revokedAt)
	return &g, nil
}

func (r *storeSQLite) Create(ctx context.Context, g *AccessGrant) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO access_grant (id, patient_id, requesting_tenant_id, origin_tenant_id, access_type,
			duration_minutes, status, purpose, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		g.ID.String(), g.PatientID, g.RequestingTenantID, g.OriginTenantID, g.AccessType,
		g.DurationMinutes, string(g.Status), g.Purpose, g.CreatedAt.UnixNano(), g.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert access grant: %w", err)
	}
	return nil
}

func (r *storeSQLite) GetByID(ctx context.Context, id uuid.UUID) (*AccessGrant, error) {
	g, err := r.scanGrant(r.db.QueryRowContext(ctx, `SELECT `+grantCols+` FROM access_grant WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get access grant %s: %w", id, err)
	}
	return g, nil
}

func (r *storeSQLite) Transition(ctx context.Context, id uuid.UUID, t Transition) (*AccessGrant, bool, error) {
	if len(t.From) == 0 {
		return nil, false, nil
	}

	query := `UPDATE access_grant SET
			status = ?,
			approved_at = COALESCE(?, approved_at),
			expires_at = COALESCE(?, expires_at),
			revoked_at = COALESCE(?, revoked_at),
			updated_at = ?
		WHERE id = ? AND status IN (` + placeholders(len(t.From)) + `)`
	args := []any{string(t.To), toNullNanos(t.ApprovedAt), toNullNanos(t.ExpiresAt), toNullNanos(t.RevokedAt),
		t.At.UnixNano(), id.String()}
	for _, s := range t.From {
		args = append(args, string(s))
	}
	if t.ExpiredBy != nil {
		query += ` AND expires_at <= ?`
		args = append(args, t.ExpiredBy.UnixNano())
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("transition access grant %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("transition access grant %s: %w", id, err)
	}
	if n == 0 {
		return nil, false, nil
	}

	g, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, true, err
	}
	return g, true, nil
}

func (r *storeSQLite) list(ctx context.Context, query string, args ...any) ([]*AccessGrant, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query access grants: %w", err)
	}
	defer rows.Close()

	var items []*AccessGrant
	for rows.Next() {
		g, err := r.scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access grant: %w", err)
		}
		items = append(items, g)
	}
	return items, rows.Err()
}

func (r *storeSQLite) ListPendingForPatient(ctx context.Context, patientID string) ([]*AccessGrant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM access_grant
		WHERE patient_id = ? AND status = 'pending' ORDER BY created_at`, patientID)
}

func (r *storeSQLite) ListActiveForRequester(ctx context.Context, requestingTenantID string, now time.Time) ([]*AccessGrant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM access_grant
		WHERE requesting_tenant_id = ? AND status = 'active' AND expires_at > ?
		ORDER BY expires_at`, requestingTenantID, now.UnixNano())
}

func (r *storeSQLite) ListByPatient(ctx context.Context, patientID string) ([]*AccessGrant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM access_grant
		WHERE patient_id = ? ORDER BY created_at DESC`, patientID)
}

func (r *storeSQLite) HasActive(ctx context.Context, q ActiveQuery) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM access_grant
			WHERE requesting_tenant_id = ? AND patient_id = ?
			  AND (? = '' OR origin_tenant_id = ?)
			  AND status = 'active' AND expires_at > ?
		)`, q.RequestingTenantID, q.PatientID, q.OriginTenantID, q.OriginTenantID, q.ValidAt.UnixNano()).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check active access: %w", err)
	}
	return ok, nil
}

func (r *storeSQLite) ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]*AccessGrant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM access_grant
		WHERE status = 'active' AND expires_at <= ?
		ORDER BY expires_at LIMIT ?`, now.UnixNano(), limit)
}

func (r *storeSQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
