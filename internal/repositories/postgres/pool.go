// Package postgres implements the stock ledger on PostgreSQL using row locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanko-field/checkout/internal/platform/config"
)

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	poolCfg.MinConns = 1
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS stock_levels (
	product_id  TEXT PRIMARY KEY,
	available   INTEGER NOT NULL CHECK (available >= 0),
	reserved    INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS stock_reservations (
	token        TEXT PRIMARY KEY,
	product_id   TEXT NOT NULL REFERENCES stock_levels (product_id),
	checkout_id  TEXT NOT NULL DEFAULT '',
	quantity     INTEGER NOT NULL CHECK (quantity > 0),
	status       TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	expires_at   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	committed_at TIMESTAMPTZ,
	released_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS stock_reservations_open_idx
	ON stock_reservations (expires_at) WHERE status = 'reserved';

CREATE TABLE IF NOT EXISTS stock_restocks (
	key         TEXT PRIMARY KEY,
	product_id  TEXT NOT NULL REFERENCES stock_levels (product_id),
	quantity    INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the ledger tables when they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
