// Package facade implements the Task Manager Facade (C5): the single
// surface the HTTP layer and the worker both call through. It owns one
// mutex serializing every C1 (Progress Store) + C2 (Task Registry)
// mutation so the pair behaves as one atomic store (I1), and never
// performs I/O while holding that mutex.
package facade

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/videocompose/composer/pkg/common/logging"
	"github.com/videocompose/composer/pkg/common/validation"
	"github.com/videocompose/composer/pkg/composeerr"
	"github.com/videocompose/composer/pkg/diagnostics"
	"github.com/videocompose/composer/pkg/dispatcher"
	"github.com/videocompose/composer/pkg/progress"
	"github.com/videocompose/composer/pkg/registry"
	"github.com/videocompose/composer/pkg/repository/postgres"
)

// CatalogChecker is the fast-reject check Register uses to bounce
// video_ids that cannot possibly exist before the task is created.
// Satisfied by *pkg/videorepo.Repository's Bloom filter.
type CatalogChecker interface {
	MightExist(videoID int64) bool
}

// Facade is the Task Manager Facade (C5). Construct one per process; it
// is not a forced singleton, so tests can build independent instances.
type Facade struct {
	mu      sync.Mutex
	reg     *registry.Registry
	prog    *progress.Store
	disp    *dispatcher.Dispatcher
	repo    *postgres.TaskDatabase
	val     *validation.Validator
	log     *logging.Logger
	diag    *diagnostics.Index
	catalog CatalogChecker
}

// WithDiagnostics attaches the supplemental diagnostics search index
// (operator free-text search over terminal task records). Optional — a
// Facade with no diagnostics index attached simply skips indexing.
func (f *Facade) WithDiagnostics(diag *diagnostics.Index) *Facade {
	f.diag = diag
	return f
}

// WithCatalog attaches the video catalog's fast-reject check. Optional —
// a Facade with no catalog attached skips the synchronous existence
// check and leaves unknown-video detection to the worker's S1 stage.
func (f *Facade) WithCatalog(catalog CatalogChecker) *Facade {
	f.catalog = catalog
	return f
}

// New builds a Facade. repo may be nil to run with no C6 persistence
// (e.g. unit tests) — the authoritative in-flight state is C1/C2 either
// way.
func New(reg *registry.Registry, prog *progress.Store, disp *dispatcher.Dispatcher, repo *postgres.TaskDatabase, log *logging.Logger) *Facade {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Facade{
		reg:  reg,
		prog: prog,
		disp: disp,
		repo: repo,
		val:  validation.NewValidator(),
		log:  log.WithComponent("composer.facade"),
	}
}

// Register creates a new task in the pending state and returns its id.
func (f *Facade) Register(userID int64, videoIDs []int64, outputFilename string) (string, error) {
	if errs := f.val.ValidateVideoIDs(videoIDs); len(errs) > 0 {
		return "", composeerr.InvalidArgument("%s", errs[0].Error())
	}

	if f.catalog != nil {
		for _, id := range videoIDs {
			if !f.catalog.MightExist(id) {
				return "", composeerr.InvalidArgument("video_ids includes unknown id %d", id)
			}
		}
	}

	taskID := uuid.New().String()
	now := time.Now()

	f.mu.Lock()
	if _, err := f.reg.Create(taskID, userID, videoIDs, outputFilename); err != nil {
		f.mu.Unlock()
		return "", err
	}
	if _, err := f.prog.Create(taskID, progress.StatusPending, now); err != nil {
		f.reg.Remove(taskID)
		f.mu.Unlock()
		return "", err
	}
	f.mu.Unlock()

	if f.repo != nil {
		go f.persistInitial(taskID, userID, videoIDs, outputFilename, now)
	}

	return taskID, nil
}

func (f *Facade) persistInitial(taskID string, userID int64, videoIDs []int64, outputFilename string, createdAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record := &postgres.TaskRecord{
		TaskID:         taskID,
		UserID:         userID,
		VideoIDs:       videoIDs,
		Status:         string(progress.StatusPending),
		OutputFilename: outputFilename,
		CreatedAt:      createdAt,
	}
	if err := f.repo.PersistInitial(ctx, record); err != nil {
		f.log.Warn("best-effort persist_initial failed, continuing (C1/C2 remain authoritative)", map[string]interface{}{
			"task_id": taskID, "error": err.Error(),
		})
	}
}

// Start dispatches a worker for task_id. Returns false on dispatch
// failure (task not pending, already dispatched, or concurrency
// exhausted) — see dispatcher.Dispatch.
func (f *Facade) Start(ctx context.Context, taskID string, workerFn dispatcher.WorkerFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disp.Dispatch(ctx, taskID, workerFn)
}

// Query returns a snapshot of a task's progress.
func (f *Facade) Query(taskID string) (progress.Record, error) {
	rec, ok := f.prog.Get(taskID)
	if !ok {
		return progress.Record{}, composeerr.NotFound("task %s not found", taskID)
	}
	return rec, nil
}

// CancelResult is the outcome of a cancel call.
type CancelResult struct {
	Success bool
	Message string
}

// Cancel implements cancel(task_id): immediate for pending tasks,
// signal-only for processing tasks, IllegalState for terminal tasks.
// Never panics; the error return only ever carries IllegalState/NotFound.
func (f *Facade) Cancel(taskID string) (CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	immediate, err := f.reg.Cancel(taskID)
	if err != nil {
		return CancelResult{}, err
	}

	if immediate {
		cancelled := progress.StatusCancelled
		now := time.Now()
		if updErr := f.prog.Update(taskID, progress.Update{Status: &cancelled, CompletedAt: &now}); updErr != nil {
			f.log.Error("failed to record immediate cancellation", map[string]interface{}{"task_id": taskID, "error": updErr.Error()})
		}
		return CancelResult{Success: true, Message: "task cancelled"}, nil
	}

	return CancelResult{Success: true, Message: "cancellation requested; worker will stop shortly"}, nil
}

// UpdateProgress applies a worker's progress report. Monotonic-progress
// and terminal-immutability violations are handled by the Progress
// Store (I2/I3); a status transition additionally updates the Registry
// so both stores stay in lockstep (I1).
func (f *Facade) UpdateProgress(taskID string, progressPct int, status *progress.Status, outputFile, errorMessage, currentStage *string) error {
	f.mu.Lock()

	upd := progress.Update{
		Progress:     &progressPct,
		Status:       status,
		OutputFile:   outputFile,
		ErrorMessage: errorMessage,
		CurrentStage: currentStage,
	}
	if status != nil && status.IsTerminal() {
		now := time.Now()
		upd.CompletedAt = &now
	}

	err := f.prog.Update(taskID, upd)
	var diagSnapshot *diagnostics.TaskRecord
	if err == nil && status != nil && status.IsTerminal() {
		if regErr := f.reg.TransitionToTerminal(taskID, *status); regErr != nil {
			f.log.Warn("registry transition lagged progress store", map[string]interface{}{"task_id": taskID, "error": regErr.Error()})
		}
		if f.diag != nil {
			rec, _ := f.prog.Get(taskID)
			h, _ := f.reg.Get(taskID)
			completedAt := time.Now()
			if rec.CompletedAt != nil {
				completedAt = *rec.CompletedAt
			}
			diagSnapshot = &diagnostics.TaskRecord{
				TaskID:       taskID,
				UserID:       h.UserID,
				Status:       string(rec.Status),
				CurrentStage: rec.CurrentStage,
				ErrorMessage: rec.ErrorMessage,
				CompletedAt:  completedAt,
			}
		}
	}
	f.mu.Unlock()

	if err == nil && status != nil {
		go f.persistStatus(taskID)
		if diagSnapshot != nil {
			f.diag.IndexTask(*diagSnapshot)
		}
	}

	return err
}

func (f *Facade) persistStatus(taskID string) {
	if f.repo == nil {
		return
	}
	rec, ok := f.prog.Get(taskID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := string(rec.Status)
	fields := postgres.TaskStatusUpdate{
		Status:       &status,
		Progress:     &rec.Progress,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
	}
	if rec.ErrorMessage != "" {
		fields.ErrorMessage = &rec.ErrorMessage
	}

	if err := f.repo.UpdateStatus(ctx, taskID, fields); err != nil {
		f.log.Warn("best-effort update_status failed, continuing", map[string]interface{}{"task_id": taskID, "error": err.Error()})
	}
}

// IsCancelled reports a task's cancel flag; false for unknown tasks.
func (f *Facade) IsCancelled(taskID string) bool {
	return f.reg.IsCancelled(taskID)
}

// TaskInputs returns a task's ordered video_ids and output filename hint,
// consumed by the worker at the start of its run.
func (f *Facade) TaskInputs(taskID string) ([]int64, string, error) {
	h, ok := f.reg.Get(taskID)
	if !ok {
		return nil, "", composeerr.NotFound("task %s not found", taskID)
	}
	return h.VideoIDs, h.OutputFilename, nil
}

// OwnerUserID returns the user_id a task was registered under, for the
// HTTP layer's ownership check on query/cancel (spec.md §7: an
// unauthorized access is indistinguishable from an unknown task — both
// surface as NotFound).
func (f *Facade) OwnerUserID(taskID string) (int64, bool) {
	h, ok := f.reg.Get(taskID)
	if !ok {
		return 0, false
	}
	return h.UserID, true
}

// Cleanup removes a task's in-memory C1/C2 entries. Idempotent, called by
// the worker's finalizer only after the terminal state has been written.
func (f *Facade) Cleanup(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reg.Remove(taskID)
	f.prog.Remove(taskID)
}
