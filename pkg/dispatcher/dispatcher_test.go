package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/videocompose/composer/pkg/progress"
	"github.com/videocompose/composer/pkg/registry"
)

func newHarness(t *testing.T, maxConcurrent int) (*Dispatcher, *registry.Registry, *progress.Store) {
	t.Helper()
	reg := registry.New(nil)
	prog := progress.New(nil)
	d := New(reg, prog, maxConcurrent, nil)
	return d, reg, prog
}

func TestDispatcher_SpawnSuccess(t *testing.T) {
	d, reg, prog := newHarness(t, 0)
	reg.Create("t1", 1, []int64{1, 2}, "")
	prog.Create("t1", progress.StatusPending, time.Now())

	var ran int32
	done := make(chan struct{})
	ok := d.Dispatch(context.Background(), "t1", func(ctx context.Context, taskID string) {
		atomic.StoreInt32(&ran, 1)
		close(done)
	})
	if !ok {
		t.Fatal("expected dispatch to succeed")
	}
	<-done
	d.Wait()

	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("worker function did not run")
	}

	h, _ := reg.Get("t1")
	if h.Status != progress.StatusProcessing {
		t.Fatalf("expected processing, got %s", h.Status)
	}
	rec, _ := prog.Get("t1")
	if rec.Status != progress.StatusProcessing || rec.StartedAt == nil {
		t.Fatalf("expected progress store to record start: %+v", rec)
	}
}

func TestDispatcher_RejectsDoubleDispatch(t *testing.T) {
	d, reg, prog := newHarness(t, 0)
	reg.Create("t1", 1, []int64{1, 2}, "")
	prog.Create("t1", progress.StatusPending, time.Now())

	block := make(chan struct{})
	d.Dispatch(context.Background(), "t1", func(ctx context.Context, taskID string) {
		<-block
	})

	if d.Dispatch(context.Background(), "t1", func(ctx context.Context, taskID string) {}) {
		t.Fatal("second dispatch for the same task must fail")
	}

	close(block)
	d.Wait()
}

func TestDispatcher_ConcurrencyCapCausesSpawnFailure(t *testing.T) {
	d, reg, prog := newHarness(t, 1)
	reg.Create("t1", 1, []int64{1, 2}, "")
	prog.Create("t1", progress.StatusPending, time.Now())
	reg.Create("t2", 1, []int64{1, 2}, "")
	prog.Create("t2", progress.StatusPending, time.Now())

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	if !d.Dispatch(context.Background(), "t1", func(ctx context.Context, taskID string) {
		defer wg.Done()
		<-block
	}) {
		t.Fatal("expected first dispatch to succeed")
	}

	if d.Dispatch(context.Background(), "t2", func(ctx context.Context, taskID string) {}) {
		t.Fatal("expected second dispatch to fail under the concurrency cap")
	}

	h, _ := reg.Get("t2")
	rec, _ := prog.Get("t2")
	if h.Status != progress.StatusFailed || rec.Status != progress.StatusFailed {
		t.Fatalf("expected t2 failed after spawn failure, registry=%s progress=%s", h.Status, rec.Status)
	}
	if rec.ErrorMessage != "failed to start worker" {
		t.Fatalf("unexpected error message: %s", rec.ErrorMessage)
	}

	close(block)
	wg.Wait()
	d.Wait()
}
