package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const connKey contextKey = "db_conn"

// Querier is the subset of pgx shared by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithConn returns a context carrying q. Repositories use it in place of the
// pool, so a caller can pin several operations to one connection or transaction.
func WithConn(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, connKey, q)
}

// ConnFromContext returns the querier stored by WithConn, or nil.
func ConnFromContext(ctx context.Context) Querier {
	q, _ := ctx.Value(connKey).(Querier)
	return q
}

// Conn returns the querier from ctx when present, otherwise the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if q := ConnFromContext(ctx); q != nil {
		return q
	}
	return pool
}

