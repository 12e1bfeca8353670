package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/videocompose/composer/pkg/composeerr"
)

// WorkerScope is the single connection a composition worker acquires for
// the duration of its execution, per §5's "one connection per worker
// execution scope" rule: never shared with the facade, never shared
// across workers, released exactly once when the worker's finalizer runs.
type WorkerScope struct {
	conn *pgxpool.Conn
	db   *TaskDatabase
}

// AcquireWorkerScope checks out one pooled connection for a worker.
func (db *TaskDatabase) AcquireWorkerScope(ctx context.Context) (*WorkerScope, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, composeerr.Wrap(composeerr.KindTransientPersistence, "acquire worker connection scope", err)
	}
	return &WorkerScope{conn: conn, db: db}, nil
}

// Release returns the connection to the pool. Idempotent-safe to call from
// a finalizer's defer even after an earlier error path already returned.
func (s *WorkerScope) Release() {
	if s.conn != nil {
		s.conn.Release()
		s.conn = nil
	}
}

// UpdateStatus is the scope-bound twin of TaskDatabase.UpdateStatus,
// executed against the worker's own connection instead of the shared pool.
func (s *WorkerScope) UpdateStatus(ctx context.Context, taskID string, fields TaskStatusUpdate) error {
	return s.db.WithRetry(ctx, func(ctx context.Context) error {
		query := `
			UPDATE composition_tasks SET
				status = COALESCE($2, status),
				progress = COALESCE($3, progress),
				error_message = COALESCE($4, error_message),
				started_at = COALESCE($5, started_at),
				completed_at = COALESCE($6, completed_at)
			WHERE task_id = $1`

		result, err := s.conn.Exec(ctx, query,
			taskID,
			fields.Status,
			fields.Progress,
			fields.ErrorMessage,
			fields.StartedAt,
			fields.CompletedAt,
		)
		if err != nil {
			return composeerr.Wrap(composeerr.KindTransientPersistence, "update task status", err)
		}
		if result.RowsAffected() == 0 {
			return composeerr.NotFound("task not found: %s", taskID)
		}
		return nil
	})
}

// AttachOutput is the scope-bound twin of TaskDatabase.AttachOutput.
func (s *WorkerScope) AttachOutput(ctx context.Context, taskID string, ref OutputRef) error {
	return s.db.WithRetry(ctx, func(ctx context.Context) error {
		query := `
			UPDATE composition_tasks SET
				output_file = $2,
				output_filename = $3,
				total_duration = $4
			WHERE task_id = $1`

		result, err := s.conn.Exec(ctx, query, taskID, ref.OutputFile, ref.OutputFilename, ref.TotalDuration)
		if err != nil {
			return composeerr.Wrap(composeerr.KindTransientPersistence, "attach output", err)
		}
		if result.RowsAffected() == 0 {
			return composeerr.NotFound("task not found: %s", taskID)
		}
		return nil
	})
}
