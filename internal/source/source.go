// Package source defines the frame delivery contract between a tracking
// session and the recorder.
package source

import (
	"context"
	"time"

	"github.com/audiolibrelab/spatialcapture/internal/spatial"
	"github.com/audiolibrelab/spatialcapture/internal/video"
)

// Frame is one tracking update. Timestamp is on the source's monotonic
// clock. Ownership of Image and Points passes to the handler.
type Frame struct {
	Image     video.PixelBuffer
	Timestamp time.Duration
	Pose      spatial.Pose
	Points    spatial.PointSample
	Tracking  string
}

// Handler receives frames in delivery order from a single goroutine.
type Handler interface {
	OnFrame(Frame)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Frame)

func (f HandlerFunc) OnFrame(fr Frame) { f(fr) }

// Source delivers frames until ctx is done or it fails.
type Source interface {
	Run(ctx context.Context, h Handler) error
}

// Tracking states reported by sources.
const (
	TrackingInitializing = "Initializing"
	TrackingNormal       = "Normal"
	TrackingLimited      = "Limited: excessive motion"
)
