package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/videocompose/composer/pkg/composeerr"
)

// pgxTransaction implements Transaction using a live pgx.Tx. It exists to
// give persist_initial's two-table write (the task row plus its ordered
// video-selection rows) a single atomic commit point.
type pgxTransaction struct {
	tx pgx.Tx
	db *TaskDatabase
}

// PersistInitial inserts the task row and its video selections within the
// transaction.
func (t *pgxTransaction) PersistInitial(ctx context.Context, record *TaskRecord) error {
	videoList, err := marshalVideoIDs(record.VideoIDs)
	if err != nil {
		return composeerr.Wrap(composeerr.KindTransientPersistence, "marshal video list", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO composition_tasks (
			task_id, user_id, video_list, status, progress,
			output_file, output_filename, total_duration, error_message,
			created_at, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)`,
		record.TaskID,
		record.UserID,
		videoList,
		record.Status,
		record.Progress,
		nullIfEmpty(record.OutputFile),
		nullIfEmpty(record.OutputFilename),
		record.TotalDuration,
		nullIfEmpty(record.ErrorMessage),
		record.CreatedAt,
		record.StartedAt,
		record.CompletedAt,
	)
	if err != nil {
		return composeerr.Wrap(composeerr.KindTransientPersistence, "insert composition_tasks row", err)
	}

	for i, videoID := range record.VideoIDs {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO composition_task_videos (task_id, video_id, order_index)
			VALUES ($1, $2, $3)`,
			record.TaskID, videoID, i,
		)
		if err != nil {
			return composeerr.Wrap(composeerr.KindTransientPersistence, "insert composition_task_videos row", err)
		}
	}

	return nil
}

// Commit commits the transaction.
func (t *pgxTransaction) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return composeerr.Wrap(composeerr.KindTransientPersistence, "commit transaction", err)
	}
	return nil
}

// Rollback rolls back the transaction.
func (t *pgxTransaction) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && err != pgx.ErrTxClosed {
		return composeerr.Wrap(composeerr.KindTransientPersistence, "rollback transaction", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
