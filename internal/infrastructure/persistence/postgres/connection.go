// Package postgres implements the PostgreSQL persistence layer of the
// gamification engine: per-user units of work, the append-only ledger,
// badge unlocks and the leaderboard read path.
package postgres

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONNECTION POOL
// ══════════════════════════════════════════════════════════════════════════════

// PoolOptions tunes the pgx pool. Zero fields keep DefaultPoolOptions values,
// except MaxConns and MinConns, which fall back to the URL first.
type PoolOptions struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultPoolOptions returns the pool settings used when nothing is configured.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxConns:          10,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

// apply copies the options onto a parsed pool config.
func (o PoolOptions) apply(cfg *pgxpool.Config) {
	def := DefaultPoolOptions()

	switch {
	case o.MaxConns > 0:
		cfg.MaxConns = o.MaxConns
	case cfg.MaxConns == 0:
		cfg.MaxConns = def.MaxConns
	}
	switch {
	case o.MinConns > 0:
		cfg.MinConns = o.MinConns
	case cfg.MinConns == 0:
		cfg.MinConns = def.MinConns
	}
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}

	cfg.MaxConnLifetime = pick(o.MaxConnLifetime, def.MaxConnLifetime)
	cfg.MaxConnIdleTime = pick(o.MaxConnIdleTime, def.MaxConnIdleTime)
	cfg.HealthCheckPeriod = pick(o.HealthCheckPeriod, def.HealthCheckPeriod)
}

func pick(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Connection is a pgx pool that refuses work once closed.
type Connection struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

// Open parses databaseURL, builds the pool and pings the server once.
func Open(ctx context.Context, databaseURL string, opts PoolOptions) (*Connection, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database URL: %w", err)
	}
	opts.apply(cfg)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, TranslateError("Open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, TranslateError("Open", err)
	}
	return &Connection{pool: pool}, nil
}

// Close closes the pool. Later calls are no-ops.
func (c *Connection) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.pool.Close()
	}
}

// Ping checks that the server answers. Failures are StoreUnavailable.
func (c *Connection) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return TranslateError("Ping", ErrConnectionClosed)
	}
	return TranslateError("Ping", c.pool.Ping(ctx))
}

// PoolStats is the pool section of the health report.
type PoolStats struct {
	TotalConns      int32         `json:"total_conns"`
	IdleConns       int32         `json:"idle_conns"`
	AcquiredConns   int32         `json:"acquired_conns"`
	MaxConns        int32         `json:"max_conns"`
	AcquireCount    int64         `json:"acquire_count"`
	AcquireDuration time.Duration `json:"acquire_duration_ns"`
	EmptyAcquires   int64         `json:"empty_acquires"`
	Closed          bool          `json:"closed,omitempty"`
}

// Stats snapshots pool usage.
func (c *Connection) Stats() PoolStats {
	if c.closed.Load() {
		return PoolStats{Closed: true}
	}
	st := c.pool.Stat()
	return PoolStats{
		TotalConns:      st.TotalConns(),
		IdleConns:       st.IdleConns(),
		AcquiredConns:   st.AcquiredConns(),
		MaxConns:        st.MaxConns(),
		AcquireCount:    st.AcquireCount(),
		AcquireDuration: st.AcquireDuration(),
		EmptyAcquires:   st.EmptyAcquireCount(),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSACTIONS
// ══════════════════════════════════════════════════════════════════════════════

// TxMode selects the access mode of WithTx. Both run at READ COMMITTED;
// per-user units of work serialize through SELECT ... FOR UPDATE row locks.
type TxMode int

const (
	ReadWrite TxMode = iota
	ReadOnly
)

func (m TxMode) options() pgx.TxOptions {
	opts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}
	if m == ReadOnly {
		opts.AccessMode = pgx.ReadOnly
	}
	return opts
}

// WithTx runs fn in a transaction. It commits when fn returns nil and rolls
// back on an error or a panic. Driver errors are returned untranslated.
func (c *Connection) WithTx(ctx context.Context, mode TxMode, fn func(pgx.Tx) error) (err error) {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	tx, err := c.pool.BeginTx(ctx, mode.options())
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERY HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// Querier is satisfied by *Connection and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Exec executes a statement that returns no rows.
func (c *Connection) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	if c.closed.Load() {
		return pgconn.CommandTag{}, ErrConnectionClosed
	}
	return c.pool.Exec(ctx, sql, args...)
}

// Query executes a query that returns rows.
func (c *Connection) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	return c.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns at most one row.
func (c *Connection) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	if c.closed.Load() {
		return errRow{ErrConnectionClosed}
	}
	return c.pool.QueryRow(ctx, sql, args...)
}

type errRow struct{ err error }

func (r errRow) Scan(...interface{}) error { return r.err }
