package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/videocompose/composer/pkg/composeerr"
)

// TaskRecord is the persisted projection of a composition task row, per the
// "composition_tasks" / "composition_task_videos" schema (see
// migrations/0001_init.up.sql). It mirrors a subset of TaskHandle/
// ProgressRecord fields — only what's durable across a process restart,
// never the in-memory-only current_stage/eta fields.
type TaskRecord struct {
	TaskID         string
	UserID         int64
	VideoIDs       []int64
	Status         string
	Progress       int
	OutputFile     string
	OutputFilename string
	TotalDuration  float64
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// TaskStatusUpdate is a partial update applied to a task row. Nil fields are
// left untouched.
type TaskStatusUpdate struct {
	Status       *string
	Progress     *int
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// OutputRef names the artifact a completed task produced.
type OutputRef struct {
	OutputFile     string
	OutputFilename string
	TotalDuration  float64
}

// Transaction is the scope under which a multi-table write (task row plus
// its ordered video-selection rows) commits atomically.
type Transaction interface {
	PersistInitial(ctx context.Context, record *TaskRecord) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PersistInitial inserts a task row and its ordered video-selection rows.
// Corresponds to C6's persist_initial(task_record).
func (db *TaskDatabase) PersistInitial(ctx context.Context, record *TaskRecord) error {
	return db.WithRetry(ctx, func(ctx context.Context) error {
		tx, err := db.BeginTransaction(ctx)
		if err != nil {
			return composeerr.Wrap(composeerr.KindTransientPersistence, "begin transaction", err)
		}
		if err := tx.PersistInitial(ctx, record); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return composeerr.Wrap(composeerr.KindTransientPersistence, "commit persist_initial", err)
		}
		return nil
	})
}

// UpdateStatus applies a partial field update to a task row. Corresponds to
// C6's update_status(task_id, fields...).
func (db *TaskDatabase) UpdateStatus(ctx context.Context, taskID string, fields TaskStatusUpdate) error {
	return db.WithRetry(ctx, func(ctx context.Context) error {
		query := `
			UPDATE composition_tasks SET
				status = COALESCE($2, status),
				progress = COALESCE($3, progress),
				error_message = COALESCE($4, error_message),
				started_at = COALESCE($5, started_at),
				completed_at = COALESCE($6, completed_at)
			WHERE task_id = $1`

		result, err := db.pool.Exec(ctx, query,
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

// AttachOutput records the produced artifact on a completed task's row.
// Corresponds to C6's attach_output(task_id, file_ref).
func (db *TaskDatabase) AttachOutput(ctx context.Context, taskID string, ref OutputRef) error {
	return db.WithRetry(ctx, func(ctx context.Context) error {
		query := `
			UPDATE composition_tasks SET
				output_file = $2,
				output_filename = $3,
				total_duration = $4
			WHERE task_id = $1`

		result, err := db.pool.Exec(ctx, query, taskID, ref.OutputFile, ref.OutputFilename, ref.TotalDuration)
		if err != nil {
			return composeerr.Wrap(composeerr.KindTransientPersistence, "attach output", err)
		}
		if result.RowsAffected() == 0 {
			return composeerr.NotFound("task not found: %s", taskID)
		}
		return nil
	})
}

// Load reads a task row and its ordered video selections back. Used by
// restart-time introspection and diagnostics, not by the authoritative
// in-flight path (C1/C2 remain authoritative while a task is live).
func (db *TaskDatabase) Load(ctx context.Context, taskID string) (*TaskRecord, error) {
	query := `
		SELECT task_id, user_id, status, progress, output_file, output_filename,
			   total_duration, error_message, created_at, started_at, completed_at
		FROM composition_tasks
		WHERE task_id = $1`

	record := &TaskRecord{}
	var outputFile, outputFilename, errorMessage *string
	var totalDuration *float64

	err := db.pool.QueryRow(ctx, query, taskID).Scan(
		&record.TaskID,
		&record.UserID,
		&record.Status,
		&record.Progress,
		&outputFile,
		&outputFilename,
		&totalDuration,
		&errorMessage,
		&record.CreatedAt,
		&record.StartedAt,
		&record.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, composeerr.NotFound("task not found: %s", taskID)
		}
		return nil, composeerr.Wrap(composeerr.KindTransientPersistence, "load task", err)
	}

	if outputFile != nil {
		record.OutputFile = *outputFile
	}
	if outputFilename != nil {
		record.OutputFilename = *outputFilename
	}
	if totalDuration != nil {
		record.TotalDuration = *totalDuration
	}
	if errorMessage != nil {
		record.ErrorMessage = *errorMessage
	}

	videoIDs, err := db.loadVideoSelections(ctx, taskID)
	if err != nil {
		return nil, err
	}
	record.VideoIDs = videoIDs

	return record, nil
}

func (db *TaskDatabase) loadVideoSelections(ctx context.Context, taskID string) ([]int64, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT video_id FROM composition_task_videos
		WHERE task_id = $1
		ORDER BY order_index ASC`, taskID)
	if err != nil {
		return nil, composeerr.Wrap(composeerr.KindTransientPersistence, "load video selections", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, composeerr.Wrap(composeerr.KindTransientPersistence, "scan video selection", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, composeerr.Wrap(composeerr.KindTransientPersistence, "iterate video selections", err)
	}
	return ids, nil
}

// marshalVideoIDs produces the JSON video_list column alongside the
// normalized selection table, so a whole-list read doesn't require a join.
func marshalVideoIDs(ids []int64) ([]byte, error) {
	return json.Marshal(ids)
}
