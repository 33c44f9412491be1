/*
main.go - Application entry point

PURPOSE:
  The farm-payroll command. Loads configuration, builds the logger and the
  SQLite store, and dispatches to a subcommand.

COMMANDS:
  serve                 HTTP API with the scheduled consistency audit
  migrate               Apply schema migrations and print the version
  seed --scenario NAME  Reset the database and load an embedded scenario
  audit                 Run the consistency check once; exit 1 on violations

GLOBAL FLAGS:
  --config   Config file (TOML, YAML or JSON). See config/config.go for keys.
  --db       Overrides database.path. ":memory:" for an in-memory database.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close database connection

EXAMPLES:
  farm-payroll serve --config ./farm-payroll.yaml
  FARMPAYROLL_SERVER_PORT=3000 farm-payroll serve --db=":memory:"
  farm-payroll seed --scenario banana-week
  farm-payroll audit

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/farm-payroll/api"
	"github.com/warp/farm-payroll/config"
	"github.com/warp/farm-payroll/logging"
	"github.com/warp/farm-payroll/payroll"
	"github.com/warp/farm-payroll/scenario"
	"github.com/warp/farm-payroll/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what PersistentPreRunE prepares for the subcommands.
type app struct {
	configPath string
	dbPath     string

	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "farm-payroll",
		Short:        "Farm payroll with worker loan reconciliation",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.dbPath != "" {
				cfg.Database.Path = a.dbPath
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (overrides database.path)")

	root.AddCommand(a.serveCmd(), a.migrateCmd(), a.seedCmd(), a.auditCmd())
	return root
}

func (a *app) openStore() (*sqlite.Store, error) {
	store, err := sqlite.New(a.cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

// =============================================================================
// SERVE
// =============================================================================

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	engine := payroll.NewEngine(store, store, a.logger.Named("engine"))
	handler := api.NewHandler(store, engine, a.logger.Named("api"))

	audit := api.NewAuditScheduler(store, a.cfg.Audit.Schedule, a.logger)
	if err := audit.Start(); err != nil {
		return err
	}
	defer audit.Stop()
	handler.Audit = audit

	server := &http.Server{
		Addr:         a.cfg.Addr(),
		Handler:      api.NewRouter(handler, a.cfg.CORS.AllowedOrigins),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("database", a.cfg.Database.Path),
			zap.String("audit_schedule", a.cfg.Audit.Schedule))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

// =============================================================================
// MIGRATE / SEED / AUDIT
// =============================================================================

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			version, dirty, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}

func (a *app) seedCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Reset the database and load a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scenario.Get(name)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			engine := payroll.NewEngine(store, store, a.logger.Named("engine"))
			if err := scenario.Load(cmd.Context(), s, engine, store); err != nil {
				return fmt.Errorf("load scenario %s: %w", s.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s: %d workers, %d loans, %d records\n",
				s.ID, len(s.Workers), len(s.Loans), len(s.Records))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "scenario", "", "scenario ID (see GET /api/scenarios)")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func (a *app) auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check loan and payroll invariants once",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			violations, err := payroll.CheckConsistency(cmd.Context(), store)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(violations) == 0 {
				fmt.Fprintln(out, "consistency check: clean")
				return nil
			}
			for _, v := range violations {
				fmt.Fprintln(out, v.String())
			}
			return fmt.Errorf("consistency check: %d violations", len(violations))
		},
	}
}
