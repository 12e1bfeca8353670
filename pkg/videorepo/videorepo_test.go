package videorepo

import (
	"context"
	"testing"
)

func TestRepository_LookupKnownAndUnknown(t *testing.T) {
	r := New(16, 0.01)
	r.Seed([]Entry{
		{VideoID: 1, Path: "/videos/1.mp4", Duration: 12.5},
		{VideoID: 2, Path: "/videos/2.mp4", Duration: 8},
	})

	src, err := r.Lookup(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.Path != "/videos/1.mp4" {
		t.Fatalf("unexpected source: %+v", src)
	}

	if !r.MightExist(2) {
		t.Fatal("expected video 2 to probably exist")
	}

	if _, err := r.Lookup(context.Background(), 999); err == nil {
		t.Fatal("expected NotFound for an unseeded video id")
	}
}

func TestRepository_SeedReplacesPriorEntries(t *testing.T) {
	r := New(16, 0.01)
	r.Seed([]Entry{{VideoID: 1, Path: "/a.mp4", Duration: 1}})
	r.Seed([]Entry{{VideoID: 2, Path: "/b.mp4", Duration: 2}})

	if _, err := r.Lookup(context.Background(), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
