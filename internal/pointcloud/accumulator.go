// Package pointcloud buffers feature points between periodic flushes and
// persists each flushed window next to the latest pose.
package pointcloud

import (
	"fmt"
	"sync"
	"time"

	"github.com/audiolibrelab/spatialcapture/internal/spatial"
)

// DefaultFlushInterval is the window length used when none is configured.
const DefaultFlushInterval = time.Second

// FlushOrder decides whether the sample that triggers a flush belongs to the
// window being flushed or starts the next one.
type FlushOrder string

const (
	OrderPostAppend FlushOrder = "post-append"
	OrderPreAppend  FlushOrder = "pre-append"
)

// ParseFlushOrder validates a configured flush order. Empty means post-append.
func ParseFlushOrder(s string) (FlushOrder, error) {
	switch FlushOrder(s) {
	case "", OrderPostAppend:
		return OrderPostAppend, nil
	case OrderPreAppend:
		return OrderPreAppend, nil
	}
	return "", fmt.Errorf("flush order must be %q or %q, got: %s", OrderPostAppend, OrderPreAppend, s)
}

// Options configures an Accumulator.
type Options struct {
	Interval time.Duration
	Order    FlushOrder
}

// Window is one drained accumulation window.
type Window struct {
	Seq     int
	At      time.Time
	Points  []spatial.Point
	Pose    spatial.Pose
	HasPose bool
}

// Accumulator is the point buffer shared between the frame delivery
// goroutine (Append) and the flush worker (which only ever receives drained
// windows). All access goes through mu.
type Accumulator struct {
	mu        sync.Mutex
	opts      Options
	points    []spatial.Point
	pose      spatial.Pose
	hasPose   bool
	lastFlush time.Time
	seq       int
}

// New creates an accumulator. Call Reset before the first Append to anchor
// the flush clock.
func New(opts Options) *Accumulator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultFlushInterval
	}
	if opts.Order == "" {
		opts.Order = OrderPostAppend
	}
	return &Accumulator{opts: opts}
}

// Reset discards buffered data and restarts the flush clock at now.
func (a *Accumulator) Reset(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.points = nil
	a.pose = spatial.Pose{}
	a.hasPose = false
	a.lastFlush = now
	a.seq = 0
}

// Append adds the sample's points and records pose as the latest pose. When
// more than the flush interval has elapsed since the previous flush, the
// buffer is drained and returned as a window; the caller owns persisting it.
func (a *Accumulator) Append(sample spatial.PointSample, pose spatial.Pose, now time.Time) (Window, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	due := now.Sub(a.lastFlush) > a.opts.Interval

	if due && a.opts.Order == OrderPreAppend {
		w := a.drainLocked(now)
		a.appendLocked(sample, pose)
		return w, true
	}

	a.appendLocked(sample, pose)
	if due {
		return a.drainLocked(now), true
	}
	return Window{}, false
}

// Drain empties the buffer regardless of the flush clock. It reports false
// when nothing was recorded since the previous flush.
func (a *Accumulator) Drain(now time.Time) (Window, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.points) == 0 && !a.hasPose {
		return Window{}, false
	}
	return a.drainLocked(now), true
}

// Len returns the number of buffered points.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.points)
}

func (a *Accumulator) appendLocked(sample spatial.PointSample, pose spatial.Pose) {
	a.points = append(a.points, sample...)
	a.pose = pose
	a.hasPose = true
}

func (a *Accumulator) drainLocked(now time.Time) Window {
	a.seq++
	w := Window{
		Seq:     a.seq,
		At:      now,
		Points:  a.points,
		Pose:    a.pose,
		HasPose: a.hasPose,
	}
	a.points = nil
	a.hasPose = false
	a.lastFlush = now
	return w
}
