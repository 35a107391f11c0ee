package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lims/lims/internal/platform/queue"
	"github.com/lims/lims/internal/platform/telemetry"
)

// Handler processes one dequeued job.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

type HandlerFunc func(ctx context.Context, job *queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) error { return f(ctx, job) }

// ExhaustedHandler is implemented by handlers that record jobs the queue
// failed without running them, such as a job that stalled on its last attempt.
type ExhaustedHandler interface {
	Exhausted(ctx context.Context, job *queue.Job)
}

// Source is the subset of *queue.Queue the pool consumes.
type Source interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	ExtendLock(ctx context.Context, job *queue.Job) error
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, cause error) (bool, error)
	RecoverStalled(ctx context.Context) (int, []*queue.Job, error)
	Counts(ctx context.Context) (map[queue.State]int64, error)
}

type PoolConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxBackoff   time.Duration // cap for the empty-queue poll backoff
	LockDuration time.Duration // locks are extended at half this interval
	SweepEvery   time.Duration // stalled-job recovery and queue gauges
}

func (c *PoolConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.MaxBackoff < c.PollInterval {
		c.MaxBackoff = c.PollInterval
	}
	if c.LockDuration <= 0 {
		c.LockDuration = queue.DefaultLockDuration
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 15 * time.Second
	}
}

// Pool runs Concurrency consumers against one queue.
type Pool struct {
	src     Source
	handler Handler
	cfg     PoolConfig
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

func NewPool(src Source, h Handler, cfg PoolConfig, logger zerolog.Logger) *Pool {
	cfg.applyDefaults()
	return &Pool{src: src, handler: h, cfg: cfg, logger: logger}
}

func (p *Pool) SetMetrics(m *telemetry.Metrics) {
	p.metrics = m
}

// Run blocks until ctx is cancelled. Jobs already claimed are finished
// before it returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("concurrency", p.cfg.Concurrency).Msg("render worker starting")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			p.consume(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.sweep(gctx)
		return nil
	})
	err := g.Wait()

	p.logger.Info().Msg("render worker stopped")
	return err
}

func (p *Pool) consume(ctx context.Context, id int) {
	log := p.logger.With().Int("consumer", id).Logger()
	backoff := p.cfg.PollInterval

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.src.Dequeue(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("dequeue")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > p.cfg.MaxBackoff {
				backoff = p.cfg.MaxBackoff
			}
			continue
		}

		backoff = p.cfg.PollInterval
		// Claimed jobs run to completion even during shutdown.
		p.process(context.WithoutCancel(ctx), log, job)
	}
}

func (p *Pool) process(ctx context.Context, log zerolog.Logger, job *queue.Job) {
	log = log.With().Str("job_id", job.ID).Int("attempt", job.AttemptsMade).Logger()
	defer p.metrics.JobStarted()()

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go p.extendLock(hbCtx, log, job)

	err := p.handle(ctx, log, job)
	stop()

	if err == nil {
		if err := p.src.Complete(ctx, job); err != nil {
			log.Warn().Err(err).Msg("complete job")
		}
		return
	}

	retrying, ferr := p.src.Fail(ctx, job, err)
	if ferr != nil {
		log.Warn().Err(ferr).Msg("fail job")
		return
	}
	if retrying {
		log.Warn().Err(err).Msg("job failed, retry scheduled")
	} else {
		log.Error().Err(err).Msg("job failed permanently")
	}
}

// handle turns a panic in the handler into a job failure.
func (p *Pool) handle(ctx context.Context, log zerolog.Logger, job *queue.Job) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		stack := make([]byte, 8<<10)
		stack = stack[:runtime.Stack(stack, false)]
		log.Error().Str("panic", fmt.Sprintf("%v", r)).Bytes("stack", stack).Msg("panic recovered")
		err = fmt.Errorf("panic handling job %s: %v", job.ID, r)
	}()
	return p.handler.Handle(ctx, job)
}

func (p *Pool) extendLock(ctx context.Context, log zerolog.Logger, job *queue.Job) {
	ticker := time.NewTicker(p.cfg.LockDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.src.ExtendLock(ctx, job); err != nil {
				log.Warn().Err(err).Msg("extend job lock")
				if errors.Is(err, queue.ErrLockLost) {
					return
				}
			}
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		p.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) sweepOnce(ctx context.Context) {
	n, exhausted, err := p.src.RecoverStalled(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("recover stalled jobs")
		}
	} else if n > 0 {
		p.logger.Warn().Int("jobs", n).Msg("recovered stalled jobs")
	}
	if len(exhausted) > 0 {
		p.logger.Error().Int("jobs", len(exhausted)).Msg("stalled jobs out of attempts")
		if h, ok := p.handler.(ExhaustedHandler); ok {
			for _, job := range exhausted {
				h.Exhausted(context.WithoutCancel(ctx), job)
			}
		}
	}

	counts, err := p.src.Counts(ctx)
	if err != nil {
		return
	}
	depth := make(map[string]int64, len(counts))
	for state, n := range counts {
		depth[string(state)] = n
	}
	p.metrics.SetQueueDepth(depth)
}
