package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/najuna-brian/medipact-sub000/internal/config"
	"github.com/najuna-brian/medipact-sub000/internal/platform/audit"
	"github.com/najuna-brian/medipact-sub000/internal/platform/db"
	"github.com/najuna-brian/medipact-sub000/internal/platform/keys"
	"github.com/najuna-brian/medipact-sub000/internal/platform/sweeper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "medipactd",
		Short:        "Tenant-scoped field encryption and cross-tenant access grants",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(expireNowCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(grantsCmd())
	rootCmd.AddCommand(recordsCmd())
	return rootCmd
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Str("service", "medipactd").Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	}
	return logger
}

// loadConfig reads and validates configuration and builds the process logger.
// Logs go to the command's stderr so stdout stays clean for command output.
func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return nil, logger, err
	}
	return cfg, logger, nil
}

// withApp runs fn with a fully wired app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the expiration sweeper with its operator HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				sw := sweeper.New(a.engine, a.cfg.SweepInterval, a.logger)
				srv := newServer(a, sw)

				done := make(chan error, 1)
				go func() { done <- sw.Run(ctx) }()

				go func() {
					addr := ":" + a.cfg.Port
					a.logger.Info().Str("addr", addr).Msg("operator endpoints listening")
					if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error().Err(err).Msg("http server stopped")
						stop()
					}
				}()

				<-ctx.Done()
				a.logger.Info().Msg("shutting down")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					a.logger.Error().Err(err).Msg("http shutdown")
				}
				return <-done
			})
		},
	}
}

func expireNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-now",
		Short: "Run a single expiry pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := sweeper.New(a.engine, a.cfg.SweepInterval, a.logger).SweepOnce(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "Expired %d grant(s).\n", n)
				return err
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.GrantStore != config.StorePostgres {
			fmt.Fprintln(cmd.OutOrStdout(), "The sqlite grant store creates its schema on startup; nothing to migrate.")
			return nil
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, db.Migrations()))
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect derived tenant keys",
	}

	fingerprintCmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprint of a derived tenant key (never the key)",
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeName, _ := cmd.Flags().GetString("scope")
			tenant, _ := cmd.Flags().GetString("tenant")

			scope, err := keys.ParseScope(scopeName)
			if err != nil {
				return err
			}
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			src, err := cfg.SecretSource()
			if err != nil {
				return err
			}
			master, err := keys.LoadMasterSecret(cmd.Context(), src, cfg.SecretLoadOptions(), logger)
			if err != nil {
				return err
			}
			d, err := keys.NewDeriver(master, cfg.KDFParams())
			if err != nil {
				return err
			}
			key, err := d.Derive(scope, tenant)
			if err != nil {
				return err
			}
			defer clear(key[:])
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", scope, tenant, key.Fingerprint())
			return nil
		},
	}
	fingerprintCmd.Flags().String("scope", string(keys.ScopeHospital), "Key scope: hospital or patient")
	fingerprintCmd.Flags().String("tenant", "", "Hospital or patient id")
	_ = fingerprintCmd.MarkFlagRequired("tenant")

	cmd.AddCommand(fingerprintCmd)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the grant audit log",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.verifyAudit(ctx, limit)
				if err != nil {
					if errors.Is(err, audit.ErrChainBroken) {
						fmt.Fprintf(cmd.OutOrStdout(), "Audit chain BROKEN after checking %d event(s).\n", n)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Audit chain intact: %d event(s).\n", n)
				return nil
			})
		},
	}
	verifyCmd.Flags().Int("limit", 100000, "Maximum number of events to check")

	cmd.AddCommand(verifyCmd)
	return cmd
}
