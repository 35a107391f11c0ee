package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultStatementTimeout = 30 * time.Second

// PoolOptions describe the process-wide Postgres pool.
type PoolOptions struct {
	URL              string
	MaxConns         int32
	MinConns         int32
	AppName          string        // shows up in pg_stat_activity
	StatementTimeout time.Duration // zero means 30s
}

func poolConfig(o PoolOptions) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(o.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if o.MaxConns > 0 {
		cfg.MaxConns = o.MaxConns
	}
	if o.MinConns > cfg.MaxConns {
		return nil, fmt.Errorf("db min conns %d exceeds max conns %d", o.MinConns, cfg.MaxConns)
	}
	cfg.MinConns = o.MinConns
	cfg.MaxConnIdleTime = 5 * time.Minute

	timeout := o.StatementTimeout
	if timeout <= 0 {
		timeout = defaultStatementTimeout
	}
	params := cfg.ConnConfig.RuntimeParams
	params["statement_timeout"] = strconv.FormatInt(timeout.Milliseconds(), 10)
	// Report payload timestamps are hashed, so sessions always read UTC.
	params["timezone"] = "UTC"
	if o.AppName != "" {
		params["application_name"] = o.AppName
	}
	return cfg, nil
}

// NewPool opens the process-wide pool and pings it. Callers own it and close
// it on shutdown.
func NewPool(ctx context.Context, o PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(o)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s: %w", cfg.ConnConfig.Host, err)
	}
	return pool, nil
}
