package pointcloud

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrQueueFull is returned when a window arrives while the flush queue is
	// saturated. The window is discarded.
	ErrQueueFull = errors.New("flush queue full")
	// ErrFlusherClosed is returned by Submit after Close.
	ErrFlusherClosed = errors.New("flusher closed")
)

// WindowWriter persists a drained window.
type WindowWriter interface {
	Write(w Window) error
}

// Flusher persists windows on a single background goroutine so the frame
// delivery path never waits on disk I/O.
type Flusher struct {
	writer   WindowWriter
	onResult func(Window, error)

	mu     sync.Mutex
	closed bool
	jobs   chan Window
	done   chan struct{}
}

// NewFlusher starts the worker. onResult is called from the worker for every
// window with the write error (nil on success); it may be nil.
func NewFlusher(writer WindowWriter, queueSize int, onResult func(Window, error)) *Flusher {
	if queueSize <= 0 {
		queueSize = 4
	}
	if onResult == nil {
		onResult = func(Window, error) {}
	}

	f := &Flusher{
		writer:   writer,
		onResult: onResult,
		jobs:     make(chan Window, queueSize),
		done:     make(chan struct{}),
	}
	go f.run()
	return f
}

// Submit queues a window without blocking.
func (f *Flusher) Submit(w Window) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrFlusherClosed
	}

	select {
	case f.jobs <- w:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting windows and waits until queued ones are written.
// Safe to call more than once.
func (f *Flusher) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.jobs)
	}
	f.mu.Unlock()

	<-f.done
}

func (f *Flusher) run() {
	defer close(f.done)

	for w := range f.jobs {
		err := f.writer.Write(w)
		if err != nil {
			slog.Warn("Point cloud flush failed, window dropped", "seq", w.Seq, "points", len(w.Points), "error", err)
		} else {
			slog.Debug("Point cloud window flushed", "seq", w.Seq, "points", len(w.Points))
		}
		f.onResult(w, err)
	}
}
