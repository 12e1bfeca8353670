// Package registry implements the Task Registry (C2): the task_id →
// TaskHandle map that is the single source of truth for "does this task
// exist and who owns it", the legal state-machine transitions between
// pending/processing/completed/failed/cancelled, and the write-once
// cancel signal a worker polls.
package registry

import (
	"sync"

	"github.com/videocompose/composer/pkg/common/logging"
	"github.com/videocompose/composer/pkg/composeerr"
	"github.com/videocompose/composer/pkg/progress"
)

// Handle is a snapshot of one task's registry-owned state.
type Handle struct {
	TaskID         string
	UserID         int64
	VideoIDs       []int64
	OutputFilename string
	Status         progress.Status
	Dispatched     bool
	CancelSignal   bool
}

type taskState struct {
	handle Handle
}

// Registry is the Task Registry (C2).
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*taskState
	log   *logging.Logger
}

// New builds an empty Registry.
func New(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Registry{
		tasks: make(map[string]*taskState),
		log:   log.WithComponent("composer.registry"),
	}
}

// Create inserts a new task handle in the pending state. Fails with
// composeerr.KindIllegalState on double-register.
func (r *Registry) Create(taskID string, userID int64, videoIDs []int64, outputFilename string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[taskID]; exists {
		return Handle{}, composeerr.IllegalState("task %s already registered", taskID)
	}

	ids := make([]int64, len(videoIDs))
	copy(ids, videoIDs)

	ts := &taskState{handle: Handle{
		TaskID:         taskID,
		UserID:         userID,
		VideoIDs:       ids,
		OutputFilename: outputFilename,
		Status:         progress.StatusPending,
	}}
	r.tasks[taskID] = ts
	return ts.snapshot(), nil
}

func (ts *taskState) snapshot() Handle {
	h := ts.handle
	h.VideoIDs = append([]int64(nil), ts.handle.VideoIDs...)
	return h
}

// Get returns a snapshot of a task's handle, or false if unknown.
func (r *Registry) Get(taskID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts, ok := r.tasks[taskID]
	if !ok {
		return Handle{}, false
	}
	return ts.snapshot(), true
}

// Dispatch atomically transitions a task from pending to processing and
// marks it dispatched. It is the enforcement point for I6 (one worker per
// task): a second Dispatch call for the same task_id always fails, even if
// the task later returns to a re-dispatchable-looking state (it never
// does, since dispatched is permanent).
func (r *Registry) Dispatch(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.tasks[taskID]
	if !ok {
		return composeerr.NotFound("task %s not found", taskID)
	}

	if ts.handle.Dispatched || ts.handle.Status != progress.StatusPending {
		return composeerr.IllegalState("task %s already dispatched or not pending (status=%s)", taskID, ts.handle.Status)
	}

	ts.handle.Dispatched = true
	ts.handle.Status = progress.StatusProcessing
	return nil
}

// MarkDispatchFailed transitions a pending, not-yet-dispatched task
// straight to failed, for C3's spawn-failure path.
func (r *Registry) MarkDispatchFailed(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.tasks[taskID]
	if !ok {
		return composeerr.NotFound("task %s not found", taskID)
	}
	ts.handle.Status = progress.StatusFailed
	return nil
}

// legalTerminalTransition reports whether from→to is one of the state
// machine's allowed edges into a terminal state.
func legalTerminalTransition(from progress.Status, to progress.Status) bool {
	if !to.IsTerminal() {
		return false
	}
	switch from {
	case progress.StatusPending:
		return to == progress.StatusCancelled
	case progress.StatusProcessing:
		return true
	default:
		return false
	}
}

// TransitionToTerminal moves a task into a terminal status. Any transition
// not matching the state machine (§4.2) is a no-op, logged, and returns
// composeerr.KindIllegalState.
func (r *Registry) TransitionToTerminal(taskID string, to progress.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.tasks[taskID]
	if !ok {
		return composeerr.NotFound("task %s not found", taskID)
	}

	if ts.handle.Status.IsTerminal() {
		return composeerr.IllegalState("task %s already in terminal status %s", taskID, ts.handle.Status)
	}

	if !legalTerminalTransition(ts.handle.Status, to) {
		r.log.Warn("rejected illegal state transition", map[string]interface{}{
			"task_id": taskID, "from": string(ts.handle.Status), "to": string(to),
		})
		return composeerr.IllegalState("illegal transition %s -> %s for task %s", ts.handle.Status, to, taskID)
	}

	ts.handle.Status = to
	return nil
}

// Cancel implements the Facade's cancel(task_id) semantics at the registry
// level: immediate for pending tasks, asynchronous (cancel-signal only)
// for processing tasks, and IllegalState for terminal tasks.
func (r *Registry) Cancel(taskID string) (immediate bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.tasks[taskID]
	if !ok {
		return false, composeerr.NotFound("task %s not found", taskID)
	}

	switch ts.handle.Status {
	case progress.StatusPending:
		ts.handle.Status = progress.StatusCancelled
		ts.handle.CancelSignal = true
		return true, nil
	case progress.StatusProcessing:
		ts.handle.CancelSignal = true
		return false, nil
	default:
		return false, composeerr.IllegalState("task %s is already in terminal status %s", taskID, ts.handle.Status)
	}
}

// SetCancelSignal sets the write-once cancel flag directly, used by the
// stale-task sweeper to cancel a timed-out task's worker.
func (r *Registry) SetCancelSignal(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.tasks[taskID]
	if !ok {
		return composeerr.NotFound("task %s not found", taskID)
	}
	ts.handle.CancelSignal = true
	return nil
}

// IsCancelled reports whether a task's cancel flag is set. Returns false
// for unknown ids, matching the Facade's is_cancelled contract.
func (r *Registry) IsCancelled(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts, ok := r.tasks[taskID]
	if !ok {
		return false
	}
	return ts.handle.CancelSignal
}

// Remove deletes a task's handle. Idempotent.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, taskID)
}

// ProcessingTaskIDs returns the ids of every task currently in the
// processing state, for the stale-task sweeper to scan.
func (r *Registry) ProcessingTaskIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0)
	for id, ts := range r.tasks {
		if ts.handle.Status == progress.StatusProcessing {
			ids = append(ids, id)
		}
	}
	return ids
}

// Exists reports whether task_id is present, used by the Facade to keep
// I1 (existence duality between registry and progress store) trivially
// checkable by callers composing both stores.
func (r *Registry) Exists(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[taskID]
	return ok
}
