package recording

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrFinalizing       = errors.New("previous recording is still finalizing")
	ErrStarting         = errors.New("recording is still starting")
	ErrEncoderInit      = errors.New("video encoder initialization failed")
	ErrAudioInit        = errors.New("audio capture initialization failed")
)

// Kind classifies recorder failures.
type Kind string

const (
	// KindInit: a session could not be opened. Nothing is recording.
	KindInit Kind = "init"
	// KindBackpressure: the encoder could not take a frame, which was dropped.
	KindBackpressure Kind = "backpressure"
	// KindFrame: the encoder refused a frame (timestamp or format). Dropped.
	KindFrame Kind = "frame"
	// KindFlushIO: a point-cloud window could not be written. Recording goes on.
	KindFlushIO Kind = "flush_io"
	// KindFinalize: a track could not be finalized. The merge is skipped.
	KindFinalize Kind = "finalize"
	// KindMerge: the merge failed, timed out or was cancelled. Sources are kept.
	KindMerge Kind = "merge"
)

// Error is a classified recorder failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a recorder Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
