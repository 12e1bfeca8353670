// Package progress implements the task manager's Progress Store (C1): the
// concurrency-safe task_id → ProgressRecord map every query and every
// worker update goes through. Reads vastly outnumber writes (UI polls at
// 1-2 Hz per task), so the store favors a read-optimized lock and returns
// copies rather than live pointers, closing off torn-read and
// aliased-mutation bugs alike.
package progress

import (
	"sync"
	"time"

	"github.com/videocompose/composer/pkg/common/logging"
	"github.com/videocompose/composer/pkg/composeerr"
)

// Status is one of the task state machine's five states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether s is a sink state (I3).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Record is a snapshot of one task's progress. Returned by value from Get
// so callers never alias the store's internal state.
type Record struct {
	TaskID                        string
	Status                        Status
	Progress                      int
	OutputFile                    string
	ErrorMessage                  string
	CurrentStage                  string
	CreatedAt                     time.Time
	StartedAt                     *time.Time
	CompletedAt                   *time.Time
	EstimatedTimeRemainingSeconds *int
}

// Update is a partial mutation applied atomically by Store.Update. Nil
// fields are left untouched.
type Update struct {
	Status        *Status
	Progress      *int
	OutputFile    *string
	ErrorMessage  *string
	CurrentStage  *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

type entry struct {
	record Record
}

func (e *entry) snapshot() Record {
	r := e.record
	if e.record.StartedAt != nil {
		t := *e.record.StartedAt
		r.StartedAt = &t
	}
	if e.record.CompletedAt != nil {
		t := *e.record.CompletedAt
		r.CompletedAt = &t
	}
	r.EstimatedTimeRemainingSeconds = computeETA(r.Status, r.Progress, r.StartedAt)
	return r
}

// computeETA implements the spec's on-demand ETA formula: elapsed_seconds *
// (100 - progress) / progress, integer-rounded down. Cleared on terminal
// states or before a task has started making progress.
func computeETA(status Status, prog int, startedAt *time.Time) *int {
	if status.IsTerminal() || prog <= 0 || startedAt == nil {
		return nil
	}
	elapsed := time.Since(*startedAt).Seconds()
	eta := int(elapsed * float64(100-prog) / float64(prog))
	return &eta
}

// Store is the Progress Store (C1).
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     *logging.Logger
}

// New builds an empty Store. log may be nil, in which case a discard
// logger is used.
func New(log *logging.Logger) *Store {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Store{
		entries: make(map[string]*entry),
		log:     log.WithComponent("composer.progress"),
	}
}

// Create inserts a new record. Fails with composeerr.KindIllegalState if
// task_id is already present (double-register).
func (s *Store) Create(taskID string, initialStatus Status, createdAt time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[taskID]; exists {
		return Record{}, composeerr.IllegalState("task %s already exists", taskID)
	}

	e := &entry{record: Record{
		TaskID:    taskID,
		Status:    initialStatus,
		Progress:  0,
		CreatedAt: createdAt,
	}}
	s.entries[taskID] = e
	return e.snapshot(), nil
}

// Get returns a consistent snapshot of a task's progress, or false if
// task_id is unknown.
func (s *Store) Get(taskID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[taskID]
	if !ok {
		return Record{}, false
	}
	return e.snapshot(), true
}

// Update applies upd atomically. Enforces I2 (monotonic progress — a
// decreasing write is clamped to the stored value and logged), I3
// (terminal immutability — any write after a terminal status is rejected
// and logged), I4 (a completion update missing output_file is rejected and
// demoted to failed), and I7 (status=completed forces progress=100).
//
// Returns composeerr.KindNotFound if task_id is unknown.
func (s *Store) Update(taskID string, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[taskID]
	if !ok {
		return composeerr.NotFound("task %s not found", taskID)
	}

	if e.record.Status.IsTerminal() {
		s.log.Warn("rejected write to terminal task", map[string]interface{}{"task_id": taskID, "stored_status": string(e.record.Status)})
		return composeerr.IllegalState("task %s is already in terminal status %s", taskID, e.record.Status)
	}

	newStatus := e.record.Status
	if upd.Status != nil {
		newStatus = *upd.Status
	}

	if newStatus == StatusCompleted {
		outputFile := e.record.OutputFile
		if upd.OutputFile != nil {
			outputFile = *upd.OutputFile
		}
		if outputFile == "" {
			s.log.Warn("completion update missing output_file, demoting to failed", map[string]interface{}{"task_id": taskID})
			newStatus = StatusFailed
			msg := "output file missing"
			upd.ErrorMessage = &msg
			upd.OutputFile = nil
		}
	}

	if upd.Progress != nil {
		incoming := *upd.Progress
		if incoming < e.record.Progress {
			s.log.Warn("clamped non-monotonic progress write", map[string]interface{}{"task_id": taskID, "attempted": incoming, "stored": e.record.Progress})
			incoming = e.record.Progress
		}
		e.record.Progress = incoming
	}

	if newStatus == StatusCompleted {
		e.record.Progress = 100
	}

	e.record.Status = newStatus
	if upd.OutputFile != nil {
		e.record.OutputFile = *upd.OutputFile
	}
	if upd.ErrorMessage != nil {
		e.record.ErrorMessage = *upd.ErrorMessage
	}
	if upd.CurrentStage != nil {
		e.record.CurrentStage = *upd.CurrentStage
	}
	if upd.StartedAt != nil {
		e.record.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		e.record.CompletedAt = upd.CompletedAt
	}

	if newStatus.IsTerminal() {
		e.record.CurrentStage = terminalStage(newStatus)
	}

	return nil
}

func terminalStage(status Status) string {
	switch status {
	case StatusCompleted:
		return "完成"
	case StatusFailed:
		return "失败"
	case StatusCancelled:
		return "已取消"
	default:
		return ""
	}
}

// Remove deletes a task's entry. Idempotent: removing an absent task_id is
// a no-op.
func (s *Store) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, taskID)
}
