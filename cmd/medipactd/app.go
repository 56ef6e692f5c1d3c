package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/najuna-brian/medipact-sub000/internal/config"
	"github.com/najuna-brian/medipact-sub000/internal/domain/grant"
	"github.com/najuna-brian/medipact-sub000/internal/domain/sharing"
	"github.com/najuna-brian/medipact-sub000/internal/platform/audit"
	"github.com/najuna-brian/medipact-sub000/internal/platform/auth"
	"github.com/najuna-brian/medipact-sub000/internal/platform/db"
	"github.com/najuna-brian/medipact-sub000/internal/platform/hipaa"
	"github.com/najuna-brian/medipact-sub000/internal/platform/keys"
)

// auditLog is an audit sink that can also be read back for verification.
type auditLog interface {
	audit.Sink
	Head(ctx context.Context) (string, error)
	List(ctx context.Context, limit int) ([]*audit.Event, error)
}

// app holds the wired components shared by every command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool  *pgxpool.Pool
	sqlDB *sql.DB

	store    grant.Store
	auditLog auditLog
	chain    *audit.Chain
	emitter  *audit.Emitter
	engine   *grant.Engine

	deriver  *keys.Deriver
	codec    *hipaa.Codec
	policies hipaa.Policies
	bridge   *sharing.Bridge
	reader   *auth.Reader
}

// newApp connects the grant store, loads the master secret and builds the
// engine, codec and bridge. The caller must call close.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	src, err := cfg.SecretSource()
	if err != nil {
		return nil, err
	}
	master, err := keys.LoadMasterSecret(ctx, src, cfg.SecretLoadOptions(), logger)
	if err != nil {
		return nil, err
	}
	a.deriver, err = keys.NewDeriver(master, cfg.KDFParams())
	if err != nil {
		return nil, err
	}

	a.policies, err = hipaa.LoadFieldPolicies(cfg.FieldPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", keys.ErrConfiguration, err)
	}

	var durable audit.Sink = a.auditLog
	if cfg.AuditChain {
		head, err := a.auditLog.Head(ctx)
		if err != nil {
			return nil, err
		}
		a.chain = audit.NewChain(a.auditLog, head)
		durable = a.chain
	}
	// Log lines only for events the store accepted, so every logged digest
	// is part of the chain.
	a.emitter = audit.NewEmitter(audit.Then(durable, audit.NewLogSink(logger)), logger)

	a.engine, err = grant.NewEngine(a.store, a.directory(), a.emitter, logger, cfg.GrantConfig())
	if err != nil {
		return nil, err
	}

	a.codec = hipaa.NewCodec(a.deriver, logger)
	a.bridge = sharing.NewBridge(a.engine, a.codec, a.emitter, logger)
	a.reader = auth.NewReader(a.codec, a.emitter)

	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.GrantStore {
	case config.StoreSQLite:
		sqlDB, err := openSQLite(a.cfg.SQLitePath)
		if err != nil {
			return err
		}
		if err := grant.EnsureSQLiteSchema(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return err
		}
		sink, err := audit.NewSQLiteSink(ctx, sqlDB)
		if err != nil {
			sqlDB.Close()
			return err
		}
		a.sqlDB = sqlDB
		a.store = grant.NewStoreSQLite(sqlDB)
		a.auditLog = sink
		a.logger.Info().Str("path", a.cfg.SQLitePath).Msg("using sqlite grant store")
		return nil

	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      a.cfg.DatabaseURL,
			MaxConns: a.cfg.DBMaxConns,
			MinConns: a.cfg.DBMinConns,
		})
		if err != nil {
			return err
		}
		a.pool = pool
		a.store = grant.NewStorePG(pool)
		a.auditLog = audit.NewPGSink(pool)
		a.logger.Info().Msg("connected to database")
		return nil
	}
	return fmt.Errorf("%w: unknown grant store %q", keys.ErrConfiguration, a.cfg.GrantStore)
}

// openSQLite opens a single-connection handle. One writer at a time is what
// SQLite supports, and it keeps :memory: databases on one connection.
func openSQLite(path string) (*sql.DB, error) {
	sqlDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	return sqlDB, nil
}

func (a *app) directory() grant.Directory {
	if a.cfg.TenantDirectory == config.DirectoryStatic {
		a.logger.Warn().
			Int("hospitals", len(a.cfg.DirectoryHospitals)).
			Int("patients", len(a.cfg.DirectoryPatients)).
			Msg("using static tenant directory")
		return grant.NewStaticDirectory(a.cfg.DirectoryHospitals, a.cfg.DirectoryPatients)
	}
	if a.pool != nil {
		return grant.NewDirectoryPG(a.pool)
	}
	return grant.NewDirectorySQL(a.sqlDB)
}

func (a *app) jwtConfig() auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		SigningKey: []byte(a.cfg.JWTSigningKey),
	}
}

// verifyAudit checks the stored audit events form an unbroken chain.
func (a *app) verifyAudit(ctx context.Context, limit int) (int, error) {
	events, err := a.auditLog.List(ctx, limit)
	if err != nil {
		return 0, err
	}
	if err := audit.VerifyChain("", events); err != nil {
		return len(events), err
	}
	return len(events), nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.sqlDB != nil {
		if err := a.sqlDB.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			a.logger.Warn().Err(err).Msg("close sqlite")
		}
	}
}
