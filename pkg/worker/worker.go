// Package worker implements the Composition Worker Protocol (C4): the
// five-stage pipeline (verify_inputs, load_clips, merge, encode, finalize)
// that turns a registered task's video_ids into one output file, reporting
// progress through the Facade at every sub-step and obeying cooperative
// cancellation at every blocking point.
//
// The frame-level merge/encode algorithm and the source-video metadata
// lookup are external collaborators (see spec Non-goals): this package
// defines the narrow interfaces it needs from them (SourceLookup, Encoder)
// and leaves concrete implementations to the caller.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/videocompose/composer/pkg/common/logging"
	"github.com/videocompose/composer/pkg/progress"
	"github.com/videocompose/composer/pkg/repository/postgres"
)

// ErrCancelled is returned by Encoder.Encode when it observes cancellation
// mid-write, distinguishing a cooperative stop from an encoding failure.
var ErrCancelled = errors.New("composition cancelled")

// Source describes one input video resolved from its video_id.
type Source struct {
	VideoID  int64
	Path     string
	Duration float64
}

// SourceLookup resolves a video_id to its source file. An external
// collaborator (source-video metadata lookup is out of scope).
type SourceLookup interface {
	Lookup(ctx context.Context, videoID int64) (Source, error)
}

// Clip is one opened source clip, closed unconditionally by the worker's
// finalizer regardless of exit path.
type Clip interface {
	Close() error
}

// Timeline is an opaque merged sequence of clips ready for encoding.
type Timeline interface{}

// Encoder is the external collaborator doing the actual frame-level work
// (out of scope per the spec; a narrow interface drives and tests the
// protocol around it). onProgress reports a 0..1 fraction through the
// encode stage; isCancelled is polled at least once per second during the
// write loop, per §4.4's cancellation-polling requirement.
type Encoder interface {
	OpenClip(ctx context.Context, path string) (Clip, error)
	Merge(ctx context.Context, clips []Clip) (Timeline, error)
	Encode(ctx context.Context, timeline Timeline, outputPath string, onProgress func(fraction float64), isCancelled func() bool) error
}

// Facade is the narrow slice of the Task Manager Facade (C5) a worker
// needs. Satisfied structurally by *facade.Facade; declared here (rather
// than imported) so this package has no dependency on pkg/facade.
type Facade interface {
	UpdateProgress(taskID string, progressPct int, status *progress.Status, outputFile, errorMessage, currentStage *string) error
	IsCancelled(taskID string) bool
	Cleanup(taskID string)
	TaskInputs(taskID string) (videoIDs []int64, outputFilename string, err error)
}

// Worker runs the composition protocol for one task per invocation of Run.
// A single Worker value is safe to reuse as the worker_fn for every task
// the Dispatcher spawns — it holds no per-task mutable state itself.
type Worker struct {
	facade     Facade
	source     SourceLookup
	encoder    Encoder
	repo       *postgres.TaskDatabase
	outputRoot string
	log        *logging.Logger
}

// New builds a Worker. repo may be nil, in which case the worker skips
// the per-execution-scope DB connection entirely (useful in tests that
// don't exercise C6).
func New(facade Facade, source SourceLookup, encoder Encoder, repo *postgres.TaskDatabase, outputRoot string, log *logging.Logger) *Worker {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	return &Worker{
		facade:     facade,
		source:     source,
		encoder:    encoder,
		repo:       repo,
		outputRoot: outputRoot,
		log:        log.WithComponent("composer.worker"),
	}
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeCompleted
	outcomeCancelled
)

// Run executes the full protocol for task_id. It is the WorkerFunc passed
// to dispatcher.Dispatch.
func (w *Worker) Run(ctx context.Context, taskID string) {
	var clips []Clip
	outputPath := ""
	result := outcomeFailed
	errMsg := ""
	finalPct := 0

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker panicked", map[string]interface{}{"task_id": taskID, "panic": fmt.Sprint(r)})
			result = outcomeFailed
			errMsg = "worker crashed"
		}
		w.finalize(taskID, result, finalPct, outputPath, errMsg, clips)
	}()

	var scope *postgres.WorkerScope
	if w.repo != nil {
		s, err := w.repo.AcquireWorkerScope(ctx)
		if err != nil {
			errMsg = "failed to acquire database connection"
			w.log.Error("worker scope acquisition failed", map[string]interface{}{"task_id": taskID, "error": err.Error()})
			return
		}
		scope = s
		defer scope.Release()
	}

	videoIDs, outputFilename, err := w.facade.TaskInputs(taskID)
	if err != nil {
		errMsg = "failed to load task inputs"
		return
	}
	if outputFilename == "" {
		outputFilename = postgres.DeriveOutputFilename(taskID)
	}

	// S1 verify_inputs: 0 -> 30
	sources := make([]Source, 0, len(videoIDs))
	var totalDuration float64
	for i, vid := range videoIDs {
		if w.facade.IsCancelled(taskID) {
			result = outcomeCancelled
			finalPct = stageProgress(0, 30, i, len(videoIDs))
			return
		}
		src, lookupErr := w.source.Lookup(ctx, vid)
		if lookupErr != nil {
			errMsg = fmt.Sprintf("source video %d not found", vid)
			finalPct = stageProgress(0, 30, i, len(videoIDs))
			return
		}
		sources = append(sources, src)
		totalDuration += src.Duration
		finalPct = stageProgress(0, 30, i+1, len(videoIDs))
		w.report(taskID, finalPct, fmt.Sprintf("验证视频片段 %d/%d", i+1, len(videoIDs)))
	}

	// S2 load_clips: 30 -> 70
	for i, src := range sources {
		if w.facade.IsCancelled(taskID) {
			result = outcomeCancelled
			return
		}
		clip, openErr := w.encoder.OpenClip(ctx, src.Path)
		if openErr != nil {
			errMsg = "failed to open source clip"
			return
		}
		clips = append(clips, clip)
		finalPct = stageProgress(30, 70, i+1, len(sources))
		w.report(taskID, finalPct, fmt.Sprintf("加载视频片段 %d/%d", i+1, len(sources)))
	}

	// S3 merge: 70 -> 80
	if w.facade.IsCancelled(taskID) {
		result = outcomeCancelled
		return
	}
	timeline, mergeErr := w.encoder.Merge(ctx, clips)
	if mergeErr != nil {
		errMsg = "failed to merge clips"
		return
	}
	finalPct = 80
	w.report(taskID, finalPct, "合并视频片段")

	// S4 encode: 80 -> 95
	if w.facade.IsCancelled(taskID) {
		result = outcomeCancelled
		return
	}
	outputPath = w.outputRoot + "/" + outputFilename
	encodeErr := w.encoder.Encode(ctx, timeline, outputPath,
		func(fraction float64) {
			pct := 80 + int(fraction*15)
			finalPct = pct
			w.report(taskID, pct, "编码输出视频")
		},
		func() bool { return w.facade.IsCancelled(taskID) },
	)
	if encodeErr != nil {
		if errors.Is(encodeErr, ErrCancelled) {
			result = outcomeCancelled
		} else {
			errMsg = "encoding failed"
		}
		return
	}
	finalPct = 95
	w.report(taskID, finalPct, "编码输出视频")

	// S5 finalize: 95 -> 100
	if scope != nil {
		if attachErr := scope.AttachOutput(ctx, taskID, postgres.OutputRef{
			OutputFile:     outputPath,
			OutputFilename: outputFilename,
			TotalDuration:  totalDuration,
		}); attachErr != nil {
			w.log.Warn("failed to persist output reference", map[string]interface{}{"task_id": taskID, "error": attachErr.Error()})
		}
	}

	finalPct = 100
	result = outcomeCompleted
}

func stageProgress(low, high, done, total int) int {
	if total == 0 {
		return high
	}
	return low + (high-low)*done/total
}

func (w *Worker) report(taskID string, pct int, stage string) {
	st := progress.StatusProcessing
	s := stage
	if err := w.facade.UpdateProgress(taskID, pct, &st, nil, nil, &s); err != nil {
		w.log.Warn("progress report dropped", map[string]interface{}{"task_id": taskID, "stage": stage, "error": err.Error()})
	}
}

// finalize is the unconditional cleanup phase run on every exit path:
// success, failure, cancellation, or panic (I3/I5 must hold regardless).
func (w *Worker) finalize(taskID string, result outcome, pct int, outputPath string, errMsg string, clips []Clip) {
	for _, c := range clips {
		if c != nil {
			if err := c.Close(); err != nil {
				w.log.Warn("failed to close clip", map[string]interface{}{"task_id": taskID, "error": err.Error()})
			}
		}
	}

	var status progress.Status
	var outputFilePtr *string
	var errMsgPtr *string

	switch result {
	case outcomeCompleted:
		status = progress.StatusCompleted
		pct = 100
		outputFilePtr = &outputPath
	case outcomeCancelled:
		status = progress.StatusCancelled
		if outputPath != "" {
			os.Remove(outputPath)
		}
	default:
		status = progress.StatusFailed
		if errMsg == "" {
			errMsg = "unknown worker failure"
		}
		errMsgPtr = &errMsg
		if outputPath != "" {
			os.Remove(outputPath)
		}
	}

	if err := w.facade.UpdateProgress(taskID, pct, &status, outputFilePtr, errMsgPtr, nil); err != nil {
		w.log.Error("failed to record terminal state", map[string]interface{}{"task_id": taskID, "status": string(status), "error": err.Error()})
	}

	w.facade.Cleanup(taskID)
}
