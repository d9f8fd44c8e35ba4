// Command evalq is the evaluation pipeline binary.
//
// Subcommands:
//
//	serve     HTTP API plus embedded worker pool (EVAL_WORKERS_ENABLED)
//	worker    standalone worker pool only
//	migrate   run pending database migrations and exit
//	backfill  enqueue pending entities of AI-enabled activities and exit
//	token     print a signed operator token for the admin API
//	wait      poll an entity's evaluation status until it finishes
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers before
	// the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scarson/evalq/internal/api"
	"github.com/scarson/evalq/internal/auth"
	"github.com/scarson/evalq/internal/config"
	"github.com/scarson/evalq/internal/evaluation"
	"github.com/scarson/evalq/internal/poll"
	"github.com/scarson/evalq/migrations"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "evalq",
		Short: "evalq: asynchronous AI evaluation of questions and responses",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		backfillCmd(),
		tokenCmd(),
		waitCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig parses the environment and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	return cfg, nil
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and embedded worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.JWTSecret) < auth.MinSecretLen {
		slog.Warn("JWT_SECRET unset or shorter than 32 bytes; admin API will refuse every request")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	p, err := newPipeline(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer p.Close()

	// Workers run only when enabled and a scorer could be built; enqueues are
	// accepted either way.
	pool, err := p.workerPool(ctx, cfg)
	if err != nil {
		slog.Error("scorer unavailable; serving without workers", "error", err)
	}
	monitor := p.monitor(cfg, pool)

	apiSrv := api.NewServer(cfg, api.Deps{
		Producer:   p.producer,
		Tracker:    evaluation.NewTracker(p.entities),
		Backfiller: p.backfiller(cfg),
		Monitor:    monitor,
		Queue:      p.queue,
	})
	defer apiSrv.Close()

	// WriteTimeout omitted: applied per-handler where needed.
	srv := &http.Server{ //nolint:exhaustruct // WriteTimeout intentionally omitted
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if pool != nil {
		g.Go(func() error {
			pool.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("server started", "addr", cfg.ListenAddr, "workers_enabled", pool != nil)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stop() // release signal notification
		slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
		)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil { //nolint:contextcheck // shutdown outlives the cancelled ctx
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("server stopped")
	return err
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store == config.StoreMemory {
		return errors.New("worker: EVAL_STORE=memory cannot be shared across processes; use serve")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	p, err := newPipeline(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer p.Close()

	cfg.WorkersEnabled = true
	pool, err := p.workerPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	slog.Info("worker started")
	pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("running migrations")

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed for a one-shot run.
	connCfg, err := pgx.ParseConfig(cfg.MigrateURL())
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	version, err := migrations.Up(db)
	if err != nil {
		return err
	}
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── backfill ──────────────────────────────────────────────────────────────────

func backfillCmd() *cobra.Command {
	var (
		activity string
		kind     string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Enqueue pending entities of AI-enabled activities and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var filter evaluation.BackfillFilter
			if activity != "" {
				id, err := uuid.Parse(activity)
				if err != nil {
					return fmt.Errorf("--activity: %w", err)
				}
				filter.ActivityID = &id
			}
			if kind != "" {
				k, err := evaluation.ParseKind(kind)
				if err != nil {
					return fmt.Errorf("--kind: %w", err)
				}
				filter.Kind = k
			}

			p, err := newPipeline(cmd.Context(), cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer p.Close()

			report, err := p.backfiller(cfg).Run(cmd.Context(), filter, limit)
			if err != nil {
				return err
			}
			for _, e := range report.Errors {
				slog.Warn("backfill item not queued", "entity", e.Ref, "reason", e.Reason)
			}
			slog.Info("backfill complete",
				"candidates", report.Candidates,
				"queued", report.Queued,
				"skipped", report.Skipped,
				"failed", report.FailedToQueue,
			)
			if report.FailedToQueue > 0 {
				return fmt.Errorf("backfill: %d items could not be queued", report.FailedToQueue)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&activity, "activity", "", "only entities under this activity ID")
	cmd.Flags().StringVar(&kind, "kind", "", "only this kind (question or response)")
	cmd.Flags().IntVar(&limit, "limit", evaluation.DefaultBackfillMaxLimit, "maximum items to enqueue")
	return cmd
}

// ── token ─────────────────────────────────────────────────────────────────────

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed operator token for the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.OperatorTokenTTL
			}
			tok, err := auth.IssueOperatorToken([]byte(cfg.JWTSecret), subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default OPERATOR_TOKEN_TTL)")
	return cmd
}

// ── wait ──────────────────────────────────────────────────────────────────────

func waitCmd() *cobra.Command {
	var (
		baseURL  string
		interval time.Duration
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait <kind> <entity-id>",
		Short: "Poll an entity's evaluation status until completed or error",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := evaluation.ParseKind(args[0])
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("entity id: %w", err)
			}
			ref := evaluation.EntityRef{Kind: kind, ID: id}
			view, err := poll.Until(cmd.Context(),
				poll.HTTPFetcher(&http.Client{Timeout: 10 * time.Second}, baseURL, ref),
				poll.Options{Interval: interval, MaxDuration: timeout})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch view.Status {
			case evaluation.StatusCompleted:
				_, err = fmt.Fprintf(out, "%s completed: score %s, bloom level %q\n",
					ref, strconv.FormatFloat(view.Result.OverallScore, 'f', -1, 64), view.Result.BloomsLevel)
			default:
				_, err = fmt.Fprintf(out, "%s %s: %s\n", ref, view.Status, view.LastError)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080/api/v1", "API base URL")
	cmd.Flags().DurationVar(&interval, "interval", poll.DefaultInterval, "poll interval")
	cmd.Flags().DurationVar(&timeout, "timeout", poll.DefaultMaxDuration, "give up after this long")
	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool with PgBouncer compatibility,
// statement timeout and pool sizing applied.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch; run `evalq migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
