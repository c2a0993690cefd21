/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the R&D credit engine. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  rdcredit serve              Run the HTTP API
  rdcredit calculate <id>     Calculate one business year and print JSON

STARTUP SEQUENCE:
  1. Load .env (optional), then RDCREDIT_* variables
  2. Apply command-line flags on top
  3. Initialize SQLite store and the state registry
  4. Create engine, API handler and router
  5. Start server and the cache sweeper with graceful shutdown

COMMAND-LINE FLAGS (serve):
  --port       HTTP server port
  --db         SQLite database path (":memory:" for a scratch database)
  --registry   State registry file (YAML or JSON)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the cache sweeper and close the database
  4. Exit

EXAMPLES:
  ./rdcredit serve --db="./data/credits.db"
  ./rdcredit serve --db=":memory:" --port=3000
  ./rdcredit calculate biz-1-2024 --states=CA,TX --use-280c

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/warp/credit-engine/api"
	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/engine"
	"github.com/warp/credit-engine/factory"
	"github.com/warp/credit-engine/federal"
	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/state"
	"github.com/warp/credit-engine/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config.Config

	root := &cobra.Command{
		Use:          "rdcredit",
		Short:        "R&D tax credit calculation engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is normal.
			_ = godotenv.Load()
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			applyFlags(cmd, &loaded, &cfg)
			if err := loaded.Validate(); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.DBPath, "db", "", "SQLite database path")
	flags.StringVar(&cfg.StateRegistry, "registry", "", "state registry file (YAML or JSON)")
	flags.StringVar(&cfg.LogLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(&cfg), newCalculateCmd(&cfg))
	return root
}

// applyFlags copies the flags the user actually set over the env values.
func applyFlags(cmd *cobra.Command, dst *config.Config, flagValues *config.Config) {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("db") {
		dst.DBPath = flagValues.DBPath
	}
	if changed("registry") {
		dst.StateRegistry = flagValues.StateRegistry
	}
	if changed("log-level") {
		dst.LogLevel = flagValues.LogLevel
	}
	if changed("port") {
		dst.Port = flagValues.Port
	}
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *sqlite.Store
	engine *engine.Engine
}

func newApp(cfg config.Config) (*app, error) {
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	reg, err := loadRegistry(cfg.StateRegistry)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	eng := engine.New(engine.Deps{
		Years:     store,
		Records:   store,
		Overrides: store,
		Results:   store,
		States:    state.NewCache(state.NewEvaluator(reg, logger)),
		Logger:    logger,
	})
	logger.Info("engine ready", "db", cfg.DBPath, "states", len(reg.All()))
	return &app{cfg: cfg, logger: logger, store: store, engine: eng}, nil
}

func loadRegistry(path string) (*state.Registry, error) {
	if path == "" {
		return factory.LoadDefault()
	}
	return factory.LoadFile(path)
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *cfg)
		},
	}
	cmd.Flags().IntVar(&cfg.Port, "port", 0, "HTTP server port")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	gap, _ := cfg.GapPolicy()
	handler := api.NewHandler(a.store, a.engine, a.logger)
	handler.Defaults.GapPolicy = gap

	sweeper := api.NewCacheSweeper(a.engine.States, a.logger)
	sweeper.CheckInterval = cfg.SweepInterval
	sweeper.MaxEntries = cfg.CacheMax
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins...),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", cfg.Addr(), "api", fmt.Sprintf("http://localhost:%d/api", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errc:
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
// CALCULATE
// =============================================================================

func newCalculateCmd(cfg *config.Config) *cobra.Command {
	var (
		use280C bool
		method  string
		states  string
		gap     string
	)
	cmd := &cobra.Command{
		Use:   "calculate <business-year-id>",
		Short: "Calculate one business year and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.Options{Use280C: use280C}
			var err error
			if method != "" {
				if opts.Method, err = federal.ParseMethod(method); err != nil {
					return err
				}
			}
			if states != "" {
				if opts.States, err = engine.ParseStateSelections(states); err != nil {
					return err
				}
			}
			if gap != "" {
				cfg.ASCGapPolicy = gap
			}
			if opts.GapPolicy, err = cfg.GapPolicy(); err != nil {
				return err
			}

			a, err := newApp(*cfg)
			if err != nil {
				return err
			}
			defer a.store.Close()

			res, err := a.engine.Calculate(cmd.Context(), generic.BusinessYearID(args[0]), opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().BoolVar(&use280C, "use-280c", false, "elect the reduced 280C credit")
	cmd.Flags().StringVar(&method, "method", "", "force a federal method (standard, asc)")
	cmd.Flags().StringVar(&states, "states", "", "state selections, e.g. CA:standard:0,TX")
	cmd.Flags().StringVar(&gap, "asc-gap-policy", "", "strict or tolerant")
	return cmd
}
