package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// DatabaseConfig holds connection parameters for the task repository's
// PostgreSQL backend.
type DatabaseConfig struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string
}

// TaskDatabase wraps a pooled PostgreSQL connection used to persist
// composition task rows. One pool is shared process-wide; individual
// workers acquire and release a single connection from it for the
// duration of their execution scope (see WithRetry and the worker
// protocol), never holding a connection beyond that scope.
type TaskDatabase struct {
	pool   *pgxpool.Pool
	config *DatabaseConfig
}

// NewTaskDatabase opens a connection pool and verifies connectivity.
func NewTaskDatabase(ctx context.Context, config *DatabaseConfig) (*TaskDatabase, error) {
	if config == nil {
		return nil, fmt.Errorf("database config is required")
	}

	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MigrationsPath == "" {
		config.MigrationsPath = "file://migrations"
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = config.MaxConnections
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &TaskDatabase{
		pool:   pool,
		config: config,
	}, nil
}

// Close closes the database connection pool.
func (db *TaskDatabase) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ping verifies database connectivity.
func (db *TaskDatabase) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// MigrateToLatest applies all pending schema migrations.
func (db *TaskDatabase) MigrateToLatest(ctx context.Context) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	migrationDB, err := sql.Open("postgres", db.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		db.config.MigrationsPath,
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// GetPool returns the underlying connection pool for advanced operations.
func (db *TaskDatabase) GetPool() *pgxpool.Pool {
	return db.pool
}

// HealthCheck performs a comprehensive health check.
func (db *TaskDatabase) HealthCheck(ctx context.Context) error {
	stats := db.pool.Stat()
	if stats.TotalConns() == 0 {
		return fmt.Errorf("no database connections available")
	}

	var result int
	err := db.pool.QueryRow(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("failed to execute test query: %w", err)
	}

	if result != 1 {
		return fmt.Errorf("unexpected test query result: %d", result)
	}

	return nil
}

// GetStats returns database connection pool statistics.
func (db *TaskDatabase) GetStats() *DatabaseStats {
	stats := db.pool.Stat()
	return &DatabaseStats{
		TotalConnections:        int(stats.TotalConns()),
		IdleConnections:         int(stats.IdleConns()),
		AcquiredConnections:     int(stats.AcquiredConns()),
		ConstructingConnections: int(stats.ConstructingConns()),
		MaxConnections:          int(db.config.MaxConnections),
		AcquireCount:            stats.AcquireCount(),
		AcquireDuration:         stats.AcquireDuration(),
		EmptyAcquireCount:       stats.EmptyAcquireCount(),
		CanceledAcquireCount:    stats.CanceledAcquireCount(),
	}
}

// DatabaseStats provides database connection pool statistics.
type DatabaseStats struct {
	TotalConnections        int           `json:"total_connections"`
	IdleConnections         int           `json:"idle_connections"`
	AcquiredConnections     int           `json:"acquired_connections"`
	ConstructingConnections int           `json:"constructing_connections"`
	MaxConnections          int           `json:"max_connections"`
	AcquireCount            int64         `json:"acquire_count"`
	AcquireDuration         time.Duration `json:"acquire_duration"`
	EmptyAcquireCount       int64         `json:"empty_acquire_count"`
	CanceledAcquireCount    int64         `json:"canceled_acquire_count"`
}

// BeginTransaction starts a new database transaction at the default
// isolation level.
func (db *TaskDatabase) BeginTransaction(ctx context.Context) (Transaction, error) {
	return db.BeginTransactionWithIsolation(ctx, pgx.ReadCommitted)
}

// BeginTransactionWithIsolation starts a new transaction at the given
// isolation level.
func (db *TaskDatabase) BeginTransactionWithIsolation(ctx context.Context, isolation pgx.TxIsoLevel) (Transaction, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: isolation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &pgxTransaction{
		tx: tx,
		db: db,
	}, nil
}

// WithRetry executes fn, retrying a bounded number of times on errors that
// look transient (deadlocks, serialization failures, lock timeouts) with
// exponential backoff. Exhaustion returns the last error so the caller can
// decide whether to log-and-swallow (per the repository adapter's
// best-effort contract) or propagate.
func (db *TaskDatabase) WithRetry(ctx context.Context, fn func(context.Context) error) error {
	const maxRetries = 3
	const baseDelay = 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryableError(err) && attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		return err
	}

	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, lastErr)
}

// isRetryableError reports whether err looks like a transient PostgreSQL
// condition (deadlock, serialization failure, lock timeout) worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	if contains(errStr, "deadlock detected") {
		return true
	}

	if contains(errStr, "could not serialize access") {
		return true
	}

	if contains(errStr, "lock not available") {
		return true
	}

	return false
}

func contains(s, substr string) bool {
	return indexOfSubstring(s, substr) >= 0
}

func indexOfSubstring(s, substr string) int {
	if len(substr) == 0 {
		return 0
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
