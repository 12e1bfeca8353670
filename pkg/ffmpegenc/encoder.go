// Package ffmpegenc is the default worker.Encoder: it shells out to the
// ffmpeg binary for the merge/encode step the worker protocol drives.
// The actual frame-level work is an explicit non-goal, so this package
// stays a thin, narrowly-scoped process wrapper rather than a media
// library integration.
package ffmpegenc

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/videocompose/composer/pkg/worker"
)

// Clip is one opened source file, tracked only so the worker's finalizer
// has something uniform to Close regardless of how many clips opened.
type Clip struct {
	Path string
}

// Close satisfies worker.Clip; there is no open file descriptor to
// release since ffmpeg re-opens inputs itself, only a closing point the
// worker protocol can call unconditionally.
func (c *Clip) Close() error { return nil }

// Timeline is the ordered list of input paths ffmpeg concatenates.
type Timeline struct {
	Inputs []string
}

// Encoder drives ffmpeg via os/exec, satisfying worker.Encoder.
type Encoder struct {
	BinPath string
}

// New builds an Encoder. binPath empty defaults to "ffmpeg" on $PATH.
func New(binPath string) *Encoder {
	if binPath == "" {
		binPath = "ffmpeg"
	}
	return &Encoder{BinPath: binPath}
}

// OpenClip satisfies worker.Encoder; ffmpeg takes input paths directly so
// this only verifies the file exists before queuing it for the merge.
func (e *Encoder) OpenClip(ctx context.Context, path string) (worker.Clip, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("source clip not accessible: %w", err)
	}
	return &Clip{Path: path}, nil
}

// Merge builds the concat timeline ffmpeg will encode in one pass, in the
// order the clips were opened.
func (e *Encoder) Merge(ctx context.Context, clips []worker.Clip) (worker.Timeline, error) {
	inputs := make([]string, 0, len(clips))
	for _, c := range clips {
		fc, ok := c.(*Clip)
		if !ok {
			return nil, fmt.Errorf("unexpected clip type %T", c)
		}
		inputs = append(inputs, fc.Path)
	}
	return &Timeline{Inputs: inputs}, nil
}

var progressTimeRe = regexp.MustCompile(`out_time_ms=(\d+)`)

// Encode invokes ffmpeg's concat demuxer against a generated list file,
// streaming -progress output on a pipe to translate ffmpeg's own
// out_time_ms into the 0..1 fraction the worker protocol reports.
// isCancelled is polled once per progress line, comfortably under the
// §4.4 one-second cancellation-latency bound for any clip of meaningful
// length.
func (e *Encoder) Encode(ctx context.Context, timeline worker.Timeline, outputPath string, onProgress func(fraction float64), isCancelled func() bool) error {
	tl, ok := timeline.(*Timeline)
	if !ok {
		return fmt.Errorf("unexpected timeline type %T", timeline)
	}

	listFile, err := writeConcatList(tl.Inputs)
	if err != nil {
		return err
	}
	defer os.Remove(listFile)

	totalDuration, err := probeDuration(ctx, e.BinPath, tl.Inputs)
	if err != nil {
		totalDuration = 0
	}

	cmd := exec.CommandContext(ctx, e.BinPath,
		"-y", "-f", "concat", "-safe", "0", "-i", listFile,
		"-c", "copy", "-progress", "pipe:1", "-nostats",
		outputPath,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach ffmpeg stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	done := make(chan struct{})
	go watchCancellation(cmd, isCancelled, done)
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if isCancelled() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return worker.ErrCancelled
		}
		if m := progressTimeRe.FindStringSubmatch(scanner.Text()); m != nil && totalDuration > 0 {
			ms, _ := strconv.ParseInt(m[1], 10, 64)
			elapsed := time.Duration(ms) * time.Microsecond
			onProgress(clampFraction(elapsed.Seconds() / totalDuration))
		}
	}

	if err := cmd.Wait(); err != nil {
		if isCancelled() {
			return worker.ErrCancelled
		}
		return fmt.Errorf("ffmpeg exited with error: %w", err)
	}

	onProgress(1.0)
	return nil
}

func watchCancellation(cmd *exec.Cmd, isCancelled func() bool, done chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if isCancelled() && cmd.Process != nil {
				_ = cmd.Process.Kill()
				return
			}
		}
	}
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func writeConcatList(inputs []string) (string, error) {
	f, err := os.CreateTemp("", "composer-concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create concat list: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, p := range inputs {
		fmt.Fprintf(w, "file '%s'\n", p)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to write concat list: %w", err)
	}
	return f.Name(), nil
}

func probeDuration(ctx context.Context, ffmpegBin string, inputs []string) (float64, error) {
	var total float64
	for _, path := range inputs {
		cmd := exec.CommandContext(ctx, ffmpegBin, "-i", path, "-f", "null", "-")
		out, _ := cmd.CombinedOutput()
		if d, ok := parseDurationLine(string(out)); ok {
			total += d
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("could not determine total duration")
	}
	return total, nil
}

var durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+\.\d+)`)

func parseDurationLine(output string) (float64, bool) {
	m := durationRe.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mnt, _ := strconv.Atoi(m[2])
	s, _ := strconv.ParseFloat(m[3], 64)
	return float64(h)*3600 + float64(mnt)*60 + s, true
}
