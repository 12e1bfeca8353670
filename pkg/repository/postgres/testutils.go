package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestContainer creates a PostgreSQL test container for integration tests.
func setupTestContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()

	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("composer_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	return postgresContainer, connStr
}

// setupTestDatabase creates the schema used by repository tests.
func setupTestDatabase(ctx context.Context, connStr string) (*TaskDatabase, error) {
	config := &DatabaseConfig{
		ConnectionString: connStr,
		MaxConnections:   5,
		ConnectTimeout:   30 * time.Second,
	}

	db, err := NewTaskDatabase(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}

	if err := createTestTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create test tables: %w", err)
	}

	return db, nil
}

// createTestTables creates the composition task tables directly, bypassing
// golang-migrate, since tests don't ship a migrations directory alongside
// the binary.
func createTestTables(ctx context.Context, db *TaskDatabase) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS composition_tasks (
			task_id VARCHAR(36) PRIMARY KEY,
			user_id BIGINT NOT NULL,
			video_list JSONB NOT NULL,
			status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'cancelled')),
			progress INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
			output_file TEXT,
			output_filename TEXT,
			total_duration DOUBLE PRECISION,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS composition_task_videos (
			task_id VARCHAR(36) NOT NULL REFERENCES composition_tasks(task_id) ON DELETE CASCADE,
			video_id BIGINT NOT NULL,
			order_index INTEGER NOT NULL,
			PRIMARY KEY (task_id, order_index)
		)`,
	}

	for _, tableSQL := range tables {
		if _, err := db.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_composition_tasks_status ON composition_tasks(status)",
		"CREATE INDEX IF NOT EXISTS idx_composition_tasks_created ON composition_tasks(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_composition_task_videos_video ON composition_task_videos(video_id)",
	}

	for _, indexSQL := range indexes {
		if _, err := db.pool.Exec(ctx, indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// clearTestData clears all rows from the composition task tables.
func clearTestData(ctx context.Context, db *TaskDatabase) error {
	tables := []string{
		"composition_task_videos",
		"composition_tasks",
	}

	for _, table := range tables {
		query := fmt.Sprintf("DELETE FROM %s", table)
		if _, err := db.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to clear table %s: %w", table, err)
		}
	}

	return nil
}
