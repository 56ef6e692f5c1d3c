package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/najuna-brian/medipact-sub000/internal/platform/db"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Store backed by the access_grant table.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const grantCols = `id, patient_id, requesting_tenant_id, origin_tenant_id, access_type,
	duration_minutes, status, purpose, created_at, approved_at, expires_at, revoked_at, updated_at`

func (r *storePG) scanGrant(row pgx.Row) (*AccessGrant, error) {
	var (
		g       AccessGrant
		status  string
		purpose *string
	)
	err := row.Scan(&g.ID, &g.PatientID, &g.RequestingTenantID, &g.OriginTenantID, &g.AccessType,
		&g.DurationMinutes, &status, &purpose, &g.CreatedAt, &g.ApprovedAt, &g.ExpiresAt, &g.RevokedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.Status = Status(status)
	if purpose != nil {
		g.Purpose = *purpose
	}
	normalizeTimes(&g)
	return &g, nil
}

func (r *storePG) Create(ctx context.Context, g *AccessGrant) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO access_grant (id, patient_id, requesting_tenant_id, origin_tenant_id, access_type,
			duration_minutes, status, purpose, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		g.ID, g.PatientID, g.RequestingTenantID, g.OriginTenantID, g.AccessType,
		g.DurationMinutes, string(g.Status), g.Purpose, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert access grant: %w", err)
	}
	return nil
}

func (r *storePG) GetByID(ctx context.Context, id uuid.UUID) (*AccessGrant, error) {
	g, err := r.scanGrant(r.conn(ctx).QueryRow(ctx, `SELECT `+grantCols+` FROM access_grant WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get access grant %s: %w", id, err)
	}
	return g, nil
}

func (r *storePG) Transition(ctx context.Context, id uuid.UUID, t Transition) (*AccessGrant, bool, error) {
	g, err := r.scanGrant(r.conn(ctx).QueryRow(ctx, `
		UPDATE access_grant SET
			status = $2,
			approved_at = COALESCE($3, approved_at),
			expires_at = COALESCE($4, expires_at),
			revoked_at = COALESCE($5, revoked_at),
			updated_at = $6
		WHERE id = $1
		  AND status = ANY($7::text[])
		  AND ($8::timestamptz IS NULL OR expires_at <= $8)
		RETURNING `+grantCols,
		id, string(t.To), t.ApprovedAt, t.ExpiresAt, t.RevokedAt, t.At, statusStrings(t.From), t.ExpiredBy))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("transition access grant %s: %w", id, err)
	}
	return g, true, nil
}

func (r *storePG) list(ctx context.Context, query string, args ...any) ([]*AccessGrant, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
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

func (r *storePG) ListPendingForPatient(ctx context.Context, patientID string) ([]*AccessGrant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM access_grant
		WHERE patient_id = $1 AND status = 'pending' ORDER BY created_at`, patientID)
}

func (r *storePG) ListActiveForRequester(ctx context.Context, requestingTenantID string, now time.Time) ([]*AccessGrant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM access_grant
		WHERE requesting_tenant_id = $1 AND status = 'active' AND expires_at > $2
		ORDER BY expires_at`, requestingTenantID, now)
}

func (r *storePG) ListByPatient(ctx context.Context, patientID string) ([]*AccessGrant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM access_grant
		WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
}

func (r *storePG) HasActive(ctx context.Context, q ActiveQuery) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM access_grant
			WHERE requesting_tenant_id = $1 AND patient_id = $2
			  AND ($3 = '' OR origin_tenant_id = $3)
			  AND status = 'active' AND expires_at > $4
		)`, q.RequestingTenantID, q.PatientID, q.OriginTenantID, q.ValidAt).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check active access: %w", err)
	}
	return ok, nil
}

func (r *storePG) ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]*AccessGrant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM access_grant
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
}

func (r *storePG) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func normalizeTimes(g *AccessGrant) {
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	for _, p := range []*time.Time{g.ApprovedAt, g.ExpiresAt, g.RevokedAt} {
		if p != nil {
			*p = p.UTC()
		}
	}
}
