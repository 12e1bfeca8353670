package progress

import (
	"testing"
	"time"
)

func TestStore_CreateGet(t *testing.T) {
	s := New(nil)

	rec, err := s.Create("t1", StatusPending, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusPending || rec.Progress != 0 {
		t.Fatalf("unexpected initial record: %+v", rec)
	}

	if _, err := s.Create("t1", StatusPending, time.Now()); err == nil {
		t.Fatal("expected error on double-create")
	}

	got, ok := s.Get("t1")
	if !ok {
		t.Fatal("expected task to be found")
	}
	if got.TaskID != "t1" {
		t.Fatalf("unexpected task id: %s", got.TaskID)
	}
}

func TestStore_MonotonicProgressClamp(t *testing.T) {
	s := New(nil)
	s.Create("t1", StatusPending, time.Now())

	status := StatusProcessing
	progress := 50
	if err := s.Update("t1", Update{Status: &status, Progress: &progress}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lower := 10
	if err := s.Update("t1", Update{Progress: &lower}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := s.Get("t1")
	if rec.Progress != 50 {
		t.Fatalf("expected progress to stay clamped at 50, got %d", rec.Progress)
	}
}

func TestStore_TerminalImmutability(t *testing.T) {
	s := New(nil)
	s.Create("t1", StatusPending, time.Now())

	completed := StatusCompleted
	output := "out.mp4"
	progress := 100
	if err := s.Update("t1", Update{Status: &completed, OutputFile: &output, Progress: &progress}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newProgress := 10
	if err := s.Update("t1", Update{Progress: &newProgress}); err == nil {
		t.Fatal("expected error writing to a terminal task")
	}

	rec, _ := s.Get("t1")
	if rec.Progress != 100 || rec.Status != StatusCompleted {
		t.Fatalf("terminal record mutated: %+v", rec)
	}
}

func TestStore_CompletionRequiresOutputFile(t *testing.T) {
	s := New(nil)
	s.Create("t1", StatusPending, time.Now())

	completed := StatusCompleted
	if err := s.Update("t1", Update{Status: &completed}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := s.Get("t1")
	if rec.Status != StatusFailed {
		t.Fatalf("expected demotion to failed, got %s", rec.Status)
	}
	if rec.ErrorMessage != "output file missing" {
		t.Fatalf("unexpected error message: %s", rec.ErrorMessage)
	}
}

func TestStore_RemoveIdempotent(t *testing.T) {
	s := New(nil)
	s.Create("t1", StatusPending, time.Now())
	s.Remove("t1")
	s.Remove("t1")

	if _, ok := s.Get("t1"); ok {
		t.Fatal("expected task to be gone after remove")
	}
}
