// Package diagnostics provides an asynchronous, best-effort full-text
// index over terminal task records, serving the operator-facing
// GET /videos/composition/_diagnostics/search?q=... endpoint. Indexing
// never blocks a task's state transition: IndexTask enqueues and
// returns immediately, and a failed or dropped write is logged and
// counted, never surfaced to the caller.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/videocompose/composer/pkg/common/logging"
)

// Config controls the diagnostics indexer.
type Config struct {
	IndexPath        string        `json:"index_path"`
	Workers          int           `json:"workers"`
	QueueSize        int           `json:"queue_size"`
	OptimizeInterval time.Duration `json:"optimize_interval"`
	DefaultResults   int           `json:"default_results"`
	MaxResults       int           `json:"max_results"`
}

// DefaultConfig returns sane defaults for the diagnostics index.
func DefaultConfig() Config {
	return Config{
		IndexPath:        "~/.composer/diagnostics",
		Workers:          2,
		QueueSize:        256,
		OptimizeInterval: 6 * time.Hour,
		DefaultResults:   20,
		MaxResults:       200,
	}
}

// TaskRecord is the terminal-state projection indexed for diagnostics.
// It deliberately carries only the fields an operator would search or
// filter on — not the full progress.Record.
type TaskRecord struct {
	TaskID       string
	UserID       int64
	Status       string
	CurrentStage string
	ErrorMessage string
	CompletedAt  time.Time
}

type indexRequest struct {
	operation string // "index" or "delete"
	record    TaskRecord
}

// Metrics tracks indexer throughput for operator visibility.
type Metrics struct {
	mutex         sync.RWMutex
	IndexedTasks  int64
	IndexErrors   int64
	SearchQueries int64
	LastIndexTime time.Time
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() Metrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return Metrics{IndexedTasks: m.IndexedTasks, IndexErrors: m.IndexErrors, SearchQueries: m.SearchQueries, LastIndexTime: m.LastIndexTime}
}

// Index is the diagnostics search index (supplemental — never a
// dependency of task-manager correctness).
type Index struct {
	config Config
	index  bleve.Index
	log    *logging.Logger

	queue   chan indexRequest
	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.RWMutex
	started   bool
	indexPath string

	metrics Metrics
}

// New builds an Index. Callers must call Start before IndexTask/Search.
func New(config Config, log *logging.Logger) (*Index, error) {
	if config.IndexPath == "" {
		config = DefaultConfig()
	}
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}

	indexPath := config.IndexPath
	if len(indexPath) >= 2 && indexPath[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		indexPath = filepath.Join(home, indexPath[2:])
	}

	if err := os.MkdirAll(filepath.Dir(indexPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create diagnostics index directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Index{
		config:    config,
		log:       log.WithComponent("composer.diagnostics"),
		queue:     make(chan indexRequest, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		indexPath: indexPath,
	}, nil
}

// Start opens the underlying bleve index and launches indexing workers.
func (d *Index) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("diagnostics index already started")
	}

	idx, err := d.openOrCreate()
	if err != nil {
		return fmt.Errorf("failed to open diagnostics index: %w", err)
	}
	d.index = idx

	for i := 0; i < d.config.Workers; i++ {
		d.workers.Add(1)
		go d.worker(i)
	}
	if d.config.OptimizeInterval > 0 {
		go d.maintenanceLoop()
	}

	d.started = true
	return nil
}

// Stop drains the queue and closes the index.
func (d *Index) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.cancel()
	close(d.queue)
	d.workers.Wait()

	if d.index != nil {
		if err := d.index.Close(); err != nil {
			return fmt.Errorf("failed to close diagnostics index: %w", err)
		}
	}

	d.started = false
	return nil
}

func (d *Index) openOrCreate() (bleve.Index, error) {
	idx, err := bleve.Open(d.indexPath)
	if err == nil {
		return idx, nil
	}
	if err == bleve.ErrorIndexPathDoesNotExist {
		return bleve.New(d.indexPath, d.buildMapping())
	}
	return nil, err
}

func (d *Index) buildMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	taskMapping := bleve.NewDocumentMapping()

	keyword := bleve.NewTextFieldMapping()
	keyword.Store = true
	keyword.Index = true
	keyword.Analyzer = "keyword"

	prose := bleve.NewTextFieldMapping()
	prose.Store = true
	prose.Index = true
	prose.Analyzer = standard.Name

	taskMapping.AddFieldMappingsAt("task_id", keyword)
	taskMapping.AddFieldMappingsAt("status", keyword)
	taskMapping.AddFieldMappingsAt("current_stage", prose)
	taskMapping.AddFieldMappingsAt("error_message", prose)

	dateField := bleve.NewDateTimeFieldMapping()
	dateField.Store = true
	dateField.Index = true
	taskMapping.AddFieldMappingsAt("completed_at", dateField)

	indexMapping.AddDocumentMapping("task", taskMapping)
	indexMapping.DefaultType = "task"
	return indexMapping
}

// IndexTask enqueues a terminal task record for indexing. Non-blocking:
// if the queue is full, the record is dropped and logged rather than
// stalling the caller (the facade, on a terminal transition).
func (d *Index) IndexTask(rec TaskRecord) {
	select {
	case d.queue <- indexRequest{operation: "index", record: rec}:
	default:
		d.log.Warn("diagnostics index queue full, dropping record", map[string]interface{}{"task_id": rec.TaskID})
		d.incrementErrors()
	}
}

// RemoveTask enqueues removal of a task's diagnostics entry, e.g. after
// the repository adapter garbage-collects its row.
func (d *Index) RemoveTask(taskID string) {
	select {
	case d.queue <- indexRequest{operation: "delete", record: TaskRecord{TaskID: taskID}}:
	default:
		d.log.Warn("diagnostics index queue full, dropping delete", map[string]interface{}{"task_id": taskID})
	}
}

func (d *Index) worker(id int) {
	defer d.workers.Done()
	for {
		select {
		case req, ok := <-d.queue:
			if !ok {
				return
			}
			if err := d.process(req); err != nil {
				d.log.Warn("diagnostics indexing failed", map[string]interface{}{"error": err.Error()})
				d.incrementErrors()
			}
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Index) process(req indexRequest) error {
	switch req.operation {
	case "index":
		return d.indexDocument(req.record)
	case "delete":
		return d.index.Delete(req.record.TaskID)
	default:
		return fmt.Errorf("unknown diagnostics operation: %s", req.operation)
	}
}

func (d *Index) indexDocument(rec TaskRecord) error {
	doc := map[string]interface{}{
		"task_id":       rec.TaskID,
		"user_id":       rec.UserID,
		"status":        rec.Status,
		"current_stage": rec.CurrentStage,
		"error_message": rec.ErrorMessage,
		"completed_at":  rec.CompletedAt,
	}
	if err := d.index.Index(rec.TaskID, doc); err != nil {
		return fmt.Errorf("failed to index task %s: %w", rec.TaskID, err)
	}
	d.incrementIndexed()
	return nil
}

func (d *Index) maintenanceLoop() {
	ticker := time.NewTicker(d.config.OptimizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// bleve has no direct compaction hook; this is a log-only
			// checkpoint for operators watching index growth.
			d.log.Info("diagnostics index maintenance checkpoint", map[string]interface{}{"indexed": d.metrics.Snapshot().IndexedTasks})
		case <-d.ctx.Done():
			return
		}
	}
}

// SearchResult is a single matched task record.
type SearchResult struct {
	TaskID string
	Score  float64
	Fields map[string]interface{}
}

// Search runs a free-text query over indexed terminal task records,
// matching error_message/current_stage/status. An empty query matches
// everything, most recent first.
func (d *Index) Search(queryStr string, limit int) ([]SearchResult, error) {
	d.mu.RLock()
	started := d.started
	d.mu.RUnlock()
	if !started {
		return nil, fmt.Errorf("diagnostics index not started")
	}

	if limit <= 0 || limit > d.config.MaxResults {
		limit = d.config.DefaultResults
	}

	var q bleve.Query
	if queryStr == "" {
		q = bleve.NewMatchAllQuery()
	} else {
		q = bleve.NewQueryStringQuery(queryStr)
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"status", "current_stage", "error_message", "completed_at"}
	req.SortBy([]string{"-completed_at"})

	d.incrementSearches()

	res, err := d.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("diagnostics search failed: %w", err)
	}

	out := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, SearchResult{TaskID: hit.ID, Score: hit.Score, Fields: hit.Fields})
	}
	return out, nil
}

func (d *Index) incrementIndexed() {
	d.metrics.mutex.Lock()
	defer d.metrics.mutex.Unlock()
	d.metrics.IndexedTasks++
	d.metrics.LastIndexTime = time.Now()
}

func (d *Index) incrementErrors() {
	d.metrics.mutex.Lock()
	defer d.metrics.mutex.Unlock()
	d.metrics.IndexErrors++
}

func (d *Index) incrementSearches() {
	d.metrics.mutex.Lock()
	defer d.metrics.mutex.Unlock()
	d.metrics.SearchQueries++
}

// Metrics returns a snapshot of indexer throughput counters.
func (d *Index) Metrics() Metrics {
	return d.metrics.Snapshot()
}
