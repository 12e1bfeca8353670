// Package videorepo is the Video Repository Adapter: the out-of-scope
// collaborator the worker's S1 verify_inputs stage looks source videos up
// through. Source-video metadata lookup internals are an explicit
// non-goal, so this package is a narrow interface plus a single
// in-memory implementation (seeded by whatever owns the real catalog)
// fronted by a refreshable Bloom filter that lets a `register` call
// fast-reject an obviously-unknown video_id before paying for the full
// lookup.
package videorepo

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/videocompose/composer/pkg/composeerr"
	"github.com/videocompose/composer/pkg/worker"
)

// Entry is one known video's catalog metadata.
type Entry struct {
	VideoID  int64
	Path     string
	Duration float64
}

// Repository is an in-memory video catalog fronted by a Bloom filter.
type Repository struct {
	mu      sync.RWMutex
	entries map[int64]Entry
	filter  *bloom.BloomFilter
}

// New builds an empty Repository sized for expectedItems entries at the
// given target false-positive rate.
func New(expectedItems uint, falsePositiveRate float64) *Repository {
	return &Repository{
		entries: make(map[int64]Entry),
		filter:  bloom.NewWithEstimates(expectedItems, falsePositiveRate),
	}
}

// Seed (re)populates the catalog and rebuilds the Bloom filter from
// scratch. Called whenever the owning catalog refreshes — the filter is
// never mutated incrementally, since composition task video_ids live for
// the whole catalog lifetime and an append-only filter would eventually
// saturate.
func (r *Repository) Seed(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[int64]Entry, len(entries))
	filter := bloom.NewWithEstimates(uint(len(entries))+1, 0.01)
	for _, e := range entries {
		r.entries[e.VideoID] = e
		filter.Add(idKey(e.VideoID))
	}
	r.filter = filter
}

// MightExist is the Bloom filter's O(1) fast-reject check: false means
// definitely absent; true means probably present (subject to the
// configured false-positive rate) and worth a real lookup.
func (r *Repository) MightExist(videoID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter.Test(idKey(videoID))
}

// Lookup resolves a video_id to its source file, satisfying
// worker.SourceLookup. Consults the Bloom filter first so a definitely-
// unknown id never touches the backing map under lock contention.
func (r *Repository) Lookup(ctx context.Context, videoID int64) (worker.Source, error) {
	if !r.MightExist(videoID) {
		return worker.Source{}, composeerr.NotFound("video %d not found", videoID)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[videoID]
	if !ok {
		return worker.Source{}, composeerr.NotFound("video %d not found", videoID)
	}
	return worker.Source{VideoID: e.VideoID, Path: e.Path, Duration: e.Duration}, nil
}

func idKey(videoID int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(videoID >> (8 * i))
	}
	return b
}
