package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/document"
	"github.com/lims/lims/internal/domain/encounter"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/renderer"
	"github.com/lims/lims/internal/worker"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the document render worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func runWorker() error {
	ctx, stop := signalContext()
	defer stop()

	in, err := openInfra(ctx, "lims-worker", (*config.Config).ValidateWorker)
	if err != nil {
		return err
	}
	defer in.close()
	cfg, logger := in.cfg, in.logger
	metrics := in.telemetry.Metrics()

	tx := db.NewTransactor(in.pool)
	encSvc := encounter.NewService(encounter.NewRepo(in.pool), tx)
	client := renderer.New(renderer.Options{
		BaseURL: cfg.PDFServiceURL,
		Timeout: cfg.PDFServiceTimeout,
	})

	proc := worker.NewProcessor(document.NewRepo(in.pool), encSvc, client, in.store, tx, logger)
	proc.SetMetrics(metrics)
	proc.SetTraceSink(in.sink)

	q := in.renderQ.Queue()
	pool := worker.NewPool(q, proc, worker.PoolConfig{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		LockDuration: q.Options().LockDuration,
	}, logger)
	pool.SetMetrics(metrics)

	ops := newOpsServer(in.telemetry.PrometheusHandler(), breakerPing(client.State), map[string]db.PingFunc{
		"queue": queuePing(q),
		"db":    db.PoolPing(in.pool),
	})
	ops.Server.ReadHeaderTimeout = 5 * time.Second

	logger.Info().
		Str("queue", q.Name()).
		Str("render_service", cfg.PDFServiceURL).
		Str("metrics_addr", cfg.WorkerMetricsAddr).
		Msg("starting worker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	if cfg.WorkerMetricsAddr != "" {
		g.Go(func() error {
			if err := ops.Start(cfg.WorkerMetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ops.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// newOpsServer serves /metrics, /health for the render service breaker and
// /health/<name> for every other check.
func newOpsServer(metrics echo.HandlerFunc, breaker db.PingFunc, checks map[string]db.PingFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", metrics)
	e.GET("/health", db.HealthHandler("render-service", breaker))
	for name, ping := range checks {
		e.GET("/health/"+name, db.HealthHandler(name, ping))
	}
	return e
}

// breakerPing is unhealthy while the render service circuit is open.
func breakerPing(state func() string) db.PingFunc {
	return func(ctx context.Context) (map[string]any, error) {
		st := state()
		extra := map[string]any{"breaker": st}
		if st == "open" {
			return extra, errors.New("render service circuit open")
		}
		return extra, nil
	}
}
