// Package sweeper implements the stale-task sweeper described in §5
// "Timeouts": a background ticker that marks any task that has been
// processing for longer than a configured timeout, with no progress
// increase, as failed — and signals the worker's cancel flag so it
// unwinds promptly instead of running forever.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/videocompose/composer/pkg/common/logging"
	"github.com/videocompose/composer/pkg/facade"
	"github.com/videocompose/composer/pkg/progress"
	"github.com/videocompose/composer/pkg/registry"
)

// Sweeper periodically scans for stale processing tasks.
type Sweeper struct {
	reg     *registry.Registry
	prog    *progress.Store
	fac     *facade.Facade
	timeout time.Duration
	log     *logging.Logger

	intervalMu sync.Mutex
	interval   time.Duration

	mu           sync.Mutex
	lastProgSeen map[string]progressWatermark
}

type progressWatermark struct {
	progress int
	seenAt   time.Time
}

// New builds a Sweeper. timeout is WORKER_TIMEOUT_SECONDS, interval is
// STALE_SWEEP_INTERVAL_SECONDS.
func New(reg *registry.Registry, prog *progress.Store, fac *facade.Facade, timeout, interval time.Duration, log *logging.Logger) *Sweeper {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Sweeper{
		reg:          reg,
		prog:         prog,
		fac:          fac,
		timeout:      timeout,
		interval:     interval,
		log:          log.WithComponent("composer.sweeper"),
		lastProgSeen: make(map[string]progressWatermark),
	}
}

// Run ticks until ctx is cancelled. Meant to run in its own goroutine for
// the process lifetime. Checks for an interval change (see SetInterval)
// once per tick, resetting the ticker when one is found.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.currentInterval())
	defer ticker.Stop()

	current := s.currentInterval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
			if next := s.currentInterval(); next != current {
				current = next
				ticker.Reset(current)
			}
		}
	}
}

// SetInterval changes the sweep cadence; it takes effect at the next
// tick rather than a hard-reset of the Run loop.
func (s *Sweeper) SetInterval(interval time.Duration) {
	s.intervalMu.Lock()
	defer s.intervalMu.Unlock()
	s.interval = interval
}

func (s *Sweeper) currentInterval() time.Duration {
	s.intervalMu.Lock()
	defer s.intervalMu.Unlock()
	return s.interval
}

func (s *Sweeper) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	seen := make(map[string]bool)

	for taskID, rec := range s.snapshotProcessingTasks() {
		seen[taskID] = true

		watermark, tracked := s.lastProgSeen[taskID]
		if !tracked || watermark.progress != rec.Progress {
			s.lastProgSeen[taskID] = progressWatermark{progress: rec.Progress, seenAt: now}
			continue
		}

		if now.Sub(watermark.seenAt) < s.timeout {
			continue
		}

		s.log.Warn("marking stale task as failed", map[string]interface{}{
			"task_id": taskID, "stalled_progress": rec.Progress, "since": watermark.seenAt,
		})

		msg := "task timeout"
		failed := progress.StatusFailed
		if err := s.fac.UpdateProgress(taskID, rec.Progress, &failed, nil, &msg, nil); err != nil {
			s.log.Error("failed to mark stale task as failed", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		}
		_ = s.reg.SetCancelSignal(taskID)
	}

	for taskID := range s.lastProgSeen {
		if !seen[taskID] {
			delete(s.lastProgSeen, taskID)
		}
	}
}

func (s *Sweeper) snapshotProcessingTasks() map[string]progress.Record {
	out := make(map[string]progress.Record)
	for _, taskID := range s.reg.ProcessingTaskIDs() {
		if rec, ok := s.prog.Get(taskID); ok && rec.Status == progress.StatusProcessing {
			out[taskID] = rec
		}
	}
	return out
}
