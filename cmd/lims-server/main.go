package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/document"
	"github.com/lims/lims/internal/domain/encounter"
	"github.com/lims/lims/internal/domain/laborder"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/middleware"
	"github.com/lims/lims/internal/platform/queue"
	"github.com/lims/lims/internal/platform/storage"
	"github.com/lims/lims/internal/platform/telemetry"
	"github.com/lims/lims/internal/platform/trace"
	"github.com/lims/lims/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "lims-server",
		Short: "Multi-tenant laboratory information system",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(queueCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger writes JSON unless running in development or on a terminal.
func newLogger(env string, out *os.File) zerolog.Logger {
	var w io.Writer = out
	if env == "development" || isatty.IsTerminal(out.Fd()) {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the LIMS API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(schema string, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, db.PoolOptions{
			URL:      cfg.DatabaseURL,
			MaxConns: 2,
			AppName:  "lims-migrate",
			// Migrations may run long DDL.
			StatementTimeout: 10 * time.Minute,
		})
		if err != nil {
			return err
		}
		defer pool.Close()

		m, err := db.NewMigrator(pool, migrations.FS, schema)
		if err != nil {
			return err
		}
		return fn(ctx, m)
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(schema, func(ctx context.Context, m *db.Migrator) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(schema, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Println(migrationTable(statuses, time.Now()))
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

// infra is what both the API server and the worker open at startup.
type infra struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	renderQ   *queue.RenderQueue
	store     *storage.LocalStore
	telemetry *telemetry.Provider
	sink      *trace.Sink
	close     func()
}

func openInfra(ctx context.Context, serviceName string, validate func(*config.Config) error) (*infra, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env, os.Stdout).With().Str("service", serviceName).Logger()
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TracingSampleRate,
	})
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, db.PoolOptions{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  serviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	rdb, err := queue.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("connected to redis")

	store, err := storage.NewLocalStore(cfg.DocumentsLocalDir)
	if err != nil {
		pool.Close()
		rdb.Close()
		return nil, err
	}
	logger.Info().Str("documents_dir", store.Root()).Msg("document storage ready")

	q := queue.New(rdb, queue.RenderQueueName, queue.Options{
		Attempts:      cfg.QueueAttempts,
		Backoff:       cfg.QueueBackoff,
		KeepCompleted: cfg.QueueRetention,
		KeepFailed:    cfg.QueueRetention,
	})

	return &infra{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		renderQ:   queue.NewRenderQueue(q),
		store:     store,
		telemetry: tp,
		sink:      trace.NewSink(cfg.WorkflowTraceFile, logger),
		close: func() {
			rdb.Close()
			pool.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("flush traces")
			}
		},
	}, nil
}

func runServer() error {
	ctx, stop := signalContext()
	defer stop()

	in, err := openInfra(ctx, "lims-server", (*config.Config).Validate)
	if err != nil {
		return err
	}
	defer in.close()
	cfg, logger, pool := in.cfg, in.logger, in.pool
	metrics := in.telemetry.Metrics()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(in.telemetry.TracingMiddleware())
	e.Use(in.telemetry.MetricsMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Health and metrics stay outside auth
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler("database", db.PoolPing(pool)))
	e.GET("/health/queue", db.HealthHandler("queue", queuePing(in.renderQ.Queue())))
	e.GET("/metrics", in.telemetry.PrometheusHandler())

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthJWTSecret),
	}
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	apiV1.Use(db.TenantMiddleware(cfg.DefaultTenant))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Domain wiring
	tx := db.NewTransactor(pool)

	encSvc := encounter.NewService(encounter.NewRepo(pool), tx)
	encounter.NewHandler(encSvc).RegisterRoutes(apiV1)

	labSvc := laborder.NewService(
		laborder.NewTestRepoPG(pool),
		laborder.NewItemRepoPG(pool),
		laborder.NewResultRepoPG(pool),
		laborder.NewHistoryRepoPG(pool),
		encSvc,
		tx,
	)
	labSvc.SetMetrics(metrics)
	labSvc.SetTraceSink(in.sink)
	laborder.NewHandler(labSvc).RegisterRoutes(apiV1)

	docSvc := document.NewService(document.NewRepo(pool), encSvc, labSvc, in.renderQ, in.store, tx)
	docSvc.SetMetrics(metrics)
	docSvc.SetTraceSink(in.sink)
	document.NewHandler(docSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("trace_file", in.sink.Path()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func queuePing(q *queue.Queue) db.PingFunc {
	return func(ctx context.Context) (map[string]any, error) {
		if err := q.Ping(ctx); err != nil {
			return nil, err
		}
		counts, err := q.Counts(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"queue": q.Name(), "jobs": counts}, nil
	}
}
