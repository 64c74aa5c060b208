// Package merge combines the separately recorded video and audio files of a
// session into one container by stream copy.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/audiolibrelab/spatialcapture/internal/ffmpeg"
)

// DefaultTimeout bounds a merge when none is configured.
const DefaultTimeout = 2 * time.Minute

// ErrMergeTimeout is reported when the merge did not finish in time.
var ErrMergeTimeout = errors.New("merge timed out")

// Outcome is the terminal state of a merge.
type Outcome string

const (
	Completed Outcome = "completed"
	Failed    Outcome = "failed"
	Cancelled Outcome = "cancelled"
)

// Result describes a finished merge. Err is nil only when Outcome is
// Completed.
type Result struct {
	Outcome Outcome       `json:"outcome" yaml:"outcome"`
	Output  string        `json:"output" yaml:"output"`
	Elapsed time.Duration `json:"elapsed" yaml:"elapsed"`
	Err     error         `json:"-" yaml:"-"`
}

// Message returns the failure message, or "" on success.
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Merger runs ffmpeg to mux one video and one audio track.
type Merger struct {
	Timeout   time.Duration
	logWriter io.Writer
}

// New creates a Merger. A non-positive timeout means DefaultTimeout.
func New(timeout time.Duration, logWriter io.Writer) *Merger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &Merger{Timeout: timeout, logWriter: logWriter}
}

// BuildArgs returns the ffmpeg command line. Both tracks start at zero and
// keep their own durations.
func BuildArgs(videoPath, audioPath, outputPath string) []string {
	return []string{
		"ffmpeg",
		"-hide_banner",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c", "copy",
		"-f", "mov",
		"-y",
		outputPath,
	}
}

// Merge writes outputPath from the first video stream of videoPath and the
// first audio stream of audioPath. Inputs are never modified or removed; a
// partial output is removed when the merge does not complete.
func (m *Merger) Merge(ctx context.Context, videoPath, audioPath, outputPath string) Result {
	start := time.Now()
	result := func(outcome Outcome, err error) Result {
		if outcome != Completed {
			os.Remove(outputPath)
			slog.Warn("Merge did not complete", "outcome", outcome, "output", outputPath, "error", err)
		}
		return Result{Outcome: outcome, Output: outputPath, Elapsed: time.Since(start), Err: err}
	}

	for _, in := range []string{videoPath, audioPath} {
		if _, err := os.Stat(in); err != nil {
			return result(Failed, fmt.Errorf("input file not found: %s", in))
		}
	}
	if err := ctx.Err(); err != nil {
		return result(Cancelled, err)
	}

	os.Remove(outputPath)

	mctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	err := func() error {
		proc, err := ffmpeg.Start(mctx, BuildArgs(videoPath, audioPath, outputPath), ffmpeg.Options{
			LogWriter: m.logWriter,
			Label:     "merge",
		})
		if err != nil {
			return err
		}
		return proc.Wait()
	}()

	switch {
	case ctx.Err() != nil:
		return result(Cancelled, ctx.Err())
	case errors.Is(mctx.Err(), context.DeadlineExceeded):
		return result(Failed, fmt.Errorf("%w after %s", ErrMergeTimeout, m.Timeout))
	case err != nil:
		return result(Failed, fmt.Errorf("ffmpeg merge failed: %w", err))
	}

	if err := ffmpeg.ValidateOutput(outputPath, 1); err != nil {
		return result(Failed, err)
	}

	slog.Info("Merged session tracks", "output", outputPath, "elapsed", time.Since(start).Round(time.Millisecond))
	return result(Completed, nil)
}
