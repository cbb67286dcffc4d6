package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Pool is the pgx surface the store runs on. *pgxpool.Pool satisfies it in
// production; pgxmock provides a compatible mock for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// DB wraps the PostgreSQL connection pool.
// The order log it fronts is the single source of truth for order state;
// every in-memory structure is a cache reconstructible from it.
type DB struct {
	pool Pool

	// pgxPool is set when the DB is backed by a real pool; nil under mocks.
	pgxPool *pgxpool.Pool
}

// New creates a new database connection pool
func New(ctx context.Context, databaseURL string, poolSize int32) (*DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is not set")
	}

	// Configure connection pool
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	if poolSize <= 0 {
		poolSize = 10
	}
	config.MaxConns = poolSize
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Database connection pool created successfully")

	return &DB{pool: pool, pgxPool: pool}, nil
}

// NewFromPool wraps an existing pool. Tests hand in a pgxmock pool; the
// testcontainers helper hands in a real one.
func NewFromPool(pool Pool) *DB {
	db := &DB{pool: pool}
	if p, ok := pool.(*pgxpool.Pool); ok {
		db.pgxPool = p
	}
	return db
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
		log.Info().Msg("Database connection pool closed")
	}
}

// Pool returns the underlying pgx pool, or nil when the DB is mock-backed.
// The metrics updater uses it for pool statistics.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pgxPool
}

// Health checks database connectivity
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Ping checks database connectivity (alias for Health)
func (db *DB) Ping(ctx context.Context) error {
	return db.Health(ctx)
}
