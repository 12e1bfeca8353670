// Package dispatcher implements the Worker Dispatcher (C3): spawns one
// goroutine per task, caps how many run at once with a buffered-channel
// semaphore, and enforces I6 (one worker per task_id, ever) by going
// through the registry's atomic Dispatch before spawning anything.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/videocompose/composer/pkg/common/logging"
	"github.com/videocompose/composer/pkg/progress"
	"github.com/videocompose/composer/pkg/registry"
)

// WorkerFunc is the unit of work a worker runs for one task. It receives a
// context cancelled at process shutdown, independent of any per-task
// cancel signal (which workers observe via is_cancelled polling, not ctx).
type WorkerFunc func(ctx context.Context, taskID string)

// Dispatcher is the Worker Dispatcher (C3).
type Dispatcher struct {
	reg  *registry.Registry
	prog *progress.Store
	log  *logging.Logger
	wg   sync.WaitGroup

	semMu sync.RWMutex
	sem   chan struct{}
}

// New builds a Dispatcher. maxConcurrent <= 0 means unbounded, matching
// the spec's default.
func New(reg *registry.Registry, prog *progress.Store, maxConcurrent int, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	d := &Dispatcher{
		reg:  reg,
		prog: prog,
		log:  log.WithComponent("composer.dispatcher"),
	}
	if maxConcurrent > 0 {
		d.sem = make(chan struct{}, maxConcurrent)
	}
	return d
}

// Dispatch attempts to start a worker for task_id. It returns false
// without spawning anything if the task isn't pending, already has a
// worker (I6), or the concurrency bound is currently exhausted. Callers
// (the Facade) are expected to hold whatever lock serializes C1/C2
// mutations around this call so status transitions stay atomic with
// registration.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string, workerFn WorkerFunc) bool {
	if err := d.reg.Dispatch(taskID); err != nil {
		d.log.Warn("dispatch rejected", map[string]interface{}{"task_id": taskID, "reason": err.Error()})
		return false
	}

	d.semMu.RLock()
	sem := d.sem
	d.semMu.RUnlock()

	if sem != nil {
		select {
		case sem <- struct{}{}:
		default:
			d.markSpawnFailure(taskID)
			return false
		}
	}

	started := time.Now()
	processing := progress.StatusProcessing
	if err := d.prog.Update(taskID, progress.Update{Status: &processing, StartedAt: &started}); err != nil {
		d.log.Error("failed to record worker start", map[string]interface{}{"task_id": taskID, "error": err.Error()})
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if sem != nil {
			defer func() { <-sem }()
		}
		workerFn(ctx, taskID)
	}()

	return true
}

// SetMaxConcurrent replaces the dispatcher's concurrency bound. Only
// dispatches issued after this call observe the new limit — workers
// already in flight keep holding a slot on the semaphore that was live
// when they started, so resizing never double-counts or leaks a slot.
func (d *Dispatcher) SetMaxConcurrent(maxConcurrent int) {
	d.semMu.Lock()
	defer d.semMu.Unlock()
	if maxConcurrent > 0 {
		d.sem = make(chan struct{}, maxConcurrent)
	} else {
		d.sem = nil
	}
	d.log.Info("worker concurrency limit updated", map[string]interface{}{"max_concurrent_workers": maxConcurrent})
}

// markSpawnFailure implements the spec's spawn-failure path: status ->
// failed, error_message = "failed to start worker".
func (d *Dispatcher) markSpawnFailure(taskID string) {
	if err := d.reg.MarkDispatchFailed(taskID); err != nil {
		d.log.Error("failed to mark dispatch failure in registry", map[string]interface{}{"task_id": taskID, "error": err.Error()})
	}
	failed := progress.StatusFailed
	msg := "failed to start worker"
	if err := d.prog.Update(taskID, progress.Update{Status: &failed, ErrorMessage: &msg}); err != nil {
		d.log.Error("failed to record spawn failure", map[string]interface{}{"task_id": taskID, "error": err.Error()})
	}
	d.log.Warn("worker spawn failed: concurrency limit exhausted", map[string]interface{}{"task_id": taskID})
}

// Wait blocks until every in-flight worker goroutine has returned. Used at
// shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
