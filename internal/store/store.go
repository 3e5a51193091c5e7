// Package store wraps the external relational store holding
// persisted lobby snapshots, behind a resilient client that retries
// transient failures and heals its connection pool.
//
// Grounded on udisondev-la2go's internal/db pgxpool wrapper for the
// pool lifecycle, generalized with the retry/recreate protocol this
// broker's spec requires.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rossunger/lobby-broker/internal/config"
	"github.com/rossunger/lobby-broker/internal/metrics"
)

// transientMessages are substrings of driver errors classified as
// transient per the resilience protocol.
var transientMessages = []string{
	"connection lost",
	"connection reset",
	"connection refused",
	"broken pipe",
	"enqueue-after-fatal",
	"timed out",
	"too many connections",
	"terminating connection",
}

// Client is a resilient wrapper over a pgx connection pool exposing
// idempotent upsert/load of (code -> blob) rows.
type Client struct {
	cfg     config.StoreConfig
	logger  *zap.Logger
	metrics *metrics.Registry

	mu   sync.RWMutex
	pool *pgxpool.Pool

	recreate singleflight.Group
}

// New connects to the store and returns a Client. The migrations
// package is expected to have already created the schema.
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger, reg *metrics.Registry) (*Client, error) {
	pool, err := pgxpool.New(ctx, cfg.BuildDSN())
	if err != nil {
		return nil, fmt.Errorf("creating store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}
	return &Client{cfg: cfg, logger: logger, metrics: reg, pool: pool}, nil
}

// Close shuts down the underlying connection pool.
func (c *Client) Close() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.pool.Close()
}

func (c *Client) currentPool() *pgxpool.Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool
}

// Upsert writes or updates a single (code, blob) row.
func (c *Client) Upsert(ctx context.Context, code string, blob []byte) error {
	return c.withRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO sessions (code, save_state, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (code) DO UPDATE
			SET save_state = EXCLUDED.save_state, updated_at = now()`,
			code, blob)
		return err
	})
}

// UpsertBatch writes or updates multiple rows, preferring atomicity
// via a single transaction but not requiring it across retries.
func (c *Client) UpsertBatch(ctx context.Context, pairs map[string][]byte) error {
	if len(pairs) == 0 {
		return nil
	}
	return c.withRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		for code, blob := range pairs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO sessions (code, save_state, updated_at)
				VALUES ($1, $2, now())
				ON CONFLICT (code) DO UPDATE
				SET save_state = EXCLUDED.save_state, updated_at = now()`,
				code, blob); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

// Load reads the blob for code. ok is false if no row exists.
func (c *Client) Load(ctx context.Context, code string) (blob []byte, ok bool, err error) {
	err = c.withRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		row := pool.QueryRow(ctx, `SELECT save_state FROM sessions WHERE code = $1`, code)
		var b []byte
		scanErr := row.Scan(&b)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			ok = false
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		blob, ok = b, true
		return nil
	})
	return blob, ok, err
}

// LoadCounter and SaveCounter implement lobbycode.CounterStore,
// persisting the code generator's monotonic counter so issued codes
// survive a process restart.
func (c *Client) LoadCounter(ctx context.Context) (uint64, error) {
	var k int64
	err := c.withRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		row := pool.QueryRow(ctx, `SELECT counter FROM lobby_code_counter WHERE id = 1`)
		scanErr := row.Scan(&k)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			k = 0
			return nil
		}
		return scanErr
	})
	if err != nil {
		return 0, err
	}
	if k < 0 {
		k = 0
	}
	return uint64(k), nil
}

func (c *Client) SaveCounter(ctx context.Context, k uint64) error {
	return c.withRetry(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO lobby_code_counter (id, counter)
			VALUES (1, $1)
			ON CONFLICT (id) DO UPDATE SET counter = EXCLUDED.counter`,
			int64(k))
		return err
	})
}

// withRetry implements the resilience protocol of §4.B: up to
// cfg.MaxRetries total attempts, transient failures trigger a
// singleton pool recreation, and each retry backs off exponentially
// capped at cfg.QueryBackoffCap.
func (c *Client) withRetry(ctx context.Context, op func(context.Context, *pgxpool.Pool) error) error {
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 4
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pool := c.currentPool()
		err := op(ctx, pool)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}

		if c.metrics != nil {
			c.metrics.StoreRetries.Inc()
		}
		if c.logger != nil {
			c.logger.Warn("store query transient failure, retrying",
				zap.Int("attempt", attempt), zap.Error(err))
		}

		if err := c.recreatePool(ctx); err != nil && c.logger != nil {
			c.logger.Warn("store pool recreation failed", zap.Error(err))
		}

		backoff := queryBackoff(attempt, c.cfg.QueryBackoffCap)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("store query exhausted retries: %w", lastErr)
}

// recreatePool tears down the poisoned pool and builds a fresh one,
// probing it before making it live. Concurrent callers deduplicate
// onto one in-flight recreation via singleflight.
func (c *Client) recreatePool(ctx context.Context) error {
	_, err, _ := c.recreate.Do("recreate", func() (interface{}, error) {
		old := c.currentPool()

		probeAttempts := c.cfg.ProbeAttempts
		if probeAttempts <= 0 {
			probeAttempts = 5
		}
		probeCap := c.cfg.ProbeBackoffCap
		if probeCap <= 0 {
			probeCap = 10 * time.Second
		}

		var fresh *pgxpool.Pool
		var lastErr error
		for probe := 1; probe <= probeAttempts; probe++ {
			pool, err := pgxpool.New(ctx, c.cfg.BuildDSN())
			if err != nil {
				lastErr = err
			} else {
				conn, err := pool.Acquire(ctx)
				if err != nil {
					lastErr = err
					pool.Close()
				} else {
					conn.Release()
					fresh = pool
					lastErr = nil
					break
				}
			}

			backoff := probeBackoff(probe, probeCap)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if fresh == nil {
			return nil, fmt.Errorf("cannot recreate store pool: %w", lastErr)
		}

		c.mu.Lock()
		c.pool = fresh
		c.mu.Unlock()

		old.Close()
		if c.metrics != nil {
			c.metrics.StorePoolRecreates.Inc()
		}
		return nil, nil
	})
	return err
}

func queryBackoff(attempt int, cap time.Duration) time.Duration {
	if cap <= 0 {
		cap = 5 * time.Second
	}
	return expBackoff(attempt, 200*time.Millisecond, cap)
}

func probeBackoff(attempt int, cap time.Duration) time.Duration {
	if cap <= 0 {
		cap = 10 * time.Second
	}
	return expBackoff(attempt, 200*time.Millisecond, cap)
}

func expBackoff(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		d = cap
	}
	return d
}

// isTransient classifies an error per the resilience protocol's
// transient set: a driver-marked-fatal pgconn error, or a message
// matching one of the known transient substrings.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// A Postgres error is a connectivity failure only when the
		// server marked it FATAL (e.g. terminating the session).
		return pgErr.Severity == "FATAL"
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
