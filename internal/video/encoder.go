// Package video wraps an encoding sink with the frame acceptance rules the
// recorder relies on: a single anchor, monotonic presentation timestamps and
// frame dropping instead of unbounded buffering.
package video

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrNotConfigured  = errors.New("encoder not configured")
	ErrNotStarted     = errors.New("encoder not started")
	ErrAlreadyStarted = errors.New("encoder already started")
	ErrFinished       = errors.New("encoder finished")
	ErrBackpressure   = errors.New("encoder not ready for more data")
	ErrNonMonotonic   = errors.New("non-monotonic presentation timestamp")
	ErrFrameMismatch  = errors.New("frame does not match encoder settings")
	ErrNoFrames       = errors.New("no frames were encoded")
)

// TimestampPolicy decides what happens to a frame whose presentation time
// would go backwards.
type TimestampPolicy string

const (
	// TimestampClamp raises the timestamp to the previous accepted one.
	TimestampClamp TimestampPolicy = "clamp"
	// TimestampReject refuses the frame with ErrNonMonotonic.
	TimestampReject TimestampPolicy = "reject"
)

// ParseTimestampPolicy validates a configured policy. Empty means clamp.
func ParseTimestampPolicy(s string) (TimestampPolicy, error) {
	switch TimestampPolicy(s) {
	case "", TimestampClamp:
		return TimestampClamp, nil
	case TimestampReject:
		return TimestampReject, nil
	}
	return "", fmt.Errorf("timestamp policy must be %q or %q, got: %s", TimestampClamp, TimestampReject, s)
}

// Sink is the encoding backend fed by the Encoder's writer goroutine.
type Sink interface {
	Open(path string, settings Settings) error
	WriteFrame(buf PixelBuffer, pts time.Duration) error
	Close() error
	Abort() error
}

type encoderState int

const (
	stateIdle encoderState = iota
	stateConfigured
	stateStarted
	stateFinished
)

type queuedFrame struct {
	buf PixelBuffer
	pts time.Duration
}

// Stats are the encoder's frame counters.
type Stats struct {
	Accepted int64
	Dropped  int64
	Clamped  int64
	Rejected int64
	LastPTS  time.Duration
}

// Encoder accepts frames from a single producer and hands them to the sink
// through a bounded queue.
type Encoder struct {
	sink   Sink
	policy TimestampPolicy

	mu       sync.Mutex
	state    encoderState
	settings Settings
	anchor   time.Duration
	stats    Stats
	queue    chan queuedFrame

	writerDone chan struct{}
	writeMu    sync.Mutex
	writeErr   error
}

// NewEncoder creates an encoder over sink.
func NewEncoder(sink Sink, policy TimestampPolicy) *Encoder {
	if policy == "" {
		policy = TimestampClamp
	}
	return &Encoder{sink: sink, policy: policy}
}

// Configure validates settings and opens the sink at path.
func (e *Encoder) Configure(path string, settings Settings) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateIdle {
		return fmt.Errorf("encoder already configured")
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := e.sink.Open(path, settings); err != nil {
		return fmt.Errorf("failed to open video sink: %w", err)
	}

	queueSize := settings.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}

	e.settings = settings
	e.queue = make(chan queuedFrame, queueSize)
	e.writerDone = make(chan struct{})
	e.state = stateConfigured

	go e.writer()

	slog.Debug("Video encoder configured", "path", path, "codec", settings.Codec,
		"size", fmt.Sprintf("%dx%d", settings.Width, settings.Height), "queue", queueSize)
	return nil
}

// Start anchors the session: presentation times are frame timestamps minus
// anchor. It must be called exactly once, before any AppendFrame.
func (e *Encoder) Start(anchor time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateIdle:
		return ErrNotConfigured
	case stateStarted:
		return ErrAlreadyStarted
	case stateFinished:
		return ErrFinished
	}

	e.anchor = anchor
	e.state = stateStarted
	return nil
}

// AppendFrame queues a frame captured at timestamp. A nil error means the
// frame was accepted. ErrBackpressure means it was dropped because the sink
// is behind; the frame is never queued beyond the configured bound.
func (e *Encoder) AppendFrame(buf PixelBuffer, timestamp time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateIdle, stateConfigured:
		return ErrNotStarted
	case stateFinished:
		return ErrFinished
	}

	if err := e.sinkError(); err != nil {
		e.stats.Dropped++
		return fmt.Errorf("video sink failed: %w", err)
	}

	if buf.Width != e.settings.Width || buf.Height != e.settings.Height || buf.Format != e.settings.PixelFormat ||
		len(buf.Data) != e.settings.PixelFormat.FrameSize(e.settings.Width, e.settings.Height) {
		e.stats.Rejected++
		return fmt.Errorf("%w: got %dx%d %s (%d bytes)", ErrFrameMismatch, buf.Width, buf.Height, buf.Format, len(buf.Data))
	}

	pts := timestamp - e.anchor
	floor := e.stats.LastPTS
	if e.stats.Accepted == 0 {
		floor = 0
	}
	if pts < floor {
		if e.policy == TimestampReject {
			e.stats.Rejected++
			return fmt.Errorf("%w: %v before %v", ErrNonMonotonic, pts, floor)
		}
		e.stats.Clamped++
		pts = floor
	}

	select {
	case e.queue <- queuedFrame{buf: buf, pts: pts}:
		e.stats.Accepted++
		e.stats.LastPTS = pts
		return nil
	default:
		e.stats.Dropped++
		return ErrBackpressure
	}
}

// Finish marks the end of input. Queued frames are written, the sink is
// closed and done is called exactly once from another goroutine. Calling
// Finish again, or before Configure, calls done with an error and has no
// other effect.
func (e *Encoder) Finish(done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	e.mu.Lock()
	switch e.state {
	case stateIdle:
		e.mu.Unlock()
		go done(ErrNotConfigured)
		return
	case stateFinished:
		e.mu.Unlock()
		go done(ErrFinished)
		return
	}
	e.state = stateFinished
	close(e.queue)
	accepted := e.stats.Accepted
	e.mu.Unlock()

	go func() {
		<-e.writerDone

		var errs []error
		if err := e.sinkError(); err != nil {
			errs = append(errs, fmt.Errorf("video sink failed: %w", err))
		}
		if err := e.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to finalize video: %w", err))
		}
		if accepted == 0 {
			errs = append(errs, ErrNoFrames)
		}
		done(errors.Join(errs...))
	}()
}

// Abort discards the session without finalizing the output.
func (e *Encoder) Abort() error {
	e.mu.Lock()
	if e.state == stateIdle {
		e.state = stateFinished
		e.mu.Unlock()
		return nil
	}
	wasFinished := e.state == stateFinished
	e.state = stateFinished
	if !wasFinished {
		close(e.queue)
	}
	e.mu.Unlock()

	err := e.sink.Abort()
	<-e.writerDone
	return err
}

// Stats returns a snapshot of the frame counters.
func (e *Encoder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Encoder) writer() {
	defer close(e.writerDone)

	for f := range e.queue {
		if e.sinkError() != nil {
			continue
		}
		if err := e.sink.WriteFrame(f.buf, f.pts); err != nil {
			slog.Error("Video sink write failed", "pts", f.pts, "error", err)
			e.writeMu.Lock()
			e.writeErr = err
			e.writeMu.Unlock()
		}
	}
}

func (e *Encoder) sinkError() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.writeErr
}
