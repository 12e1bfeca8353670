package sweeper

import (
	"testing"
	"time"

	"github.com/videocompose/composer/pkg/dispatcher"
	"github.com/videocompose/composer/pkg/facade"
	"github.com/videocompose/composer/pkg/progress"
	"github.com/videocompose/composer/pkg/registry"
)

func TestSweeper_MarksStalledTaskFailed(t *testing.T) {
	reg := registry.New(nil)
	prog := progress.New(nil)
	disp := dispatcher.New(reg, prog, 0, nil)
	fac := facade.New(reg, prog, disp, nil, nil)

	taskID, err := fac.Register(1, []int64{1, 2}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg.Dispatch(taskID)
	started := progress.StatusProcessing
	pct := 10
	prog.Update(taskID, progress.Update{Status: &started, Progress: &pct})

	s := New(reg, prog, fac, 10*time.Millisecond, time.Millisecond, nil)

	// First sweep only establishes the watermark.
	s.sweep()
	rec, _ := fac.Query(taskID)
	if rec.Status != progress.StatusProcessing {
		t.Fatalf("expected still processing after first sweep, got %s", rec.Status)
	}

	time.Sleep(20 * time.Millisecond)
	s.sweep()

	rec, err = fac.Query(taskID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != progress.StatusFailed {
		t.Fatalf("expected failed after timeout, got %s", rec.Status)
	}
	if rec.ErrorMessage != "task timeout" {
		t.Fatalf("unexpected error message: %s", rec.ErrorMessage)
	}
	if !reg.IsCancelled(taskID) {
		t.Fatal("expected cancel signal to be set")
	}
}

func TestSweeper_ProgressResetsWatermark(t *testing.T) {
	reg := registry.New(nil)
	prog := progress.New(nil)
	disp := dispatcher.New(reg, prog, 0, nil)
	fac := facade.New(reg, prog, disp, nil, nil)

	taskID, _ := fac.Register(1, []int64{1, 2}, "")
	reg.Dispatch(taskID)
	started := progress.StatusProcessing
	pct := 10
	prog.Update(taskID, progress.Update{Status: &started, Progress: &pct})

	s := New(reg, prog, fac, 10*time.Millisecond, time.Millisecond, nil)
	s.sweep()

	time.Sleep(5 * time.Millisecond)
	higher := 20
	prog.Update(taskID, progress.Update{Progress: &higher})
	s.sweep()

	time.Sleep(5 * time.Millisecond)
	s.sweep()

	rec, _ := fac.Query(taskID)
	if rec.Status != progress.StatusProcessing {
		t.Fatalf("expected progress advance to reset the watermark, got %s", rec.Status)
	}
}
