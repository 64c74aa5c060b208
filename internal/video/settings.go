package video

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedFormat is returned when a codec, resolution, container or
// pixel format combination cannot be encoded.
var ErrUnsupportedFormat = errors.New("unsupported video format")

// PixelFormat names the memory layout of a PixelBuffer.
type PixelFormat string

const (
	PixelRGBA    PixelFormat = "rgba"
	PixelBGRA    PixelFormat = "bgra"
	PixelYUV420P PixelFormat = "yuv420p"
	PixelNV12    PixelFormat = "nv12"
)

// FrameSize returns the byte size of one frame, or 0 for unknown formats.
func (f PixelFormat) FrameSize(width, height int) int {
	switch f {
	case PixelRGBA, PixelBGRA:
		return width * height * 4
	case PixelYUV420P, PixelNV12:
		return width * height * 3 / 2
	}
	return 0
}

// PixelBuffer is one captured video frame.
type PixelBuffer struct {
	Data   []byte
	Width  int
	Height int
	Format PixelFormat
}

// Settings describes the encoded output.
type Settings struct {
	Codec       string      `mapstructure:"codec" yaml:"codec"`
	Width       int         `mapstructure:"width" yaml:"width"`
	Height      int         `mapstructure:"height" yaml:"height"`
	Container   string      `mapstructure:"container" yaml:"container"`
	FPS         float64     `mapstructure:"fps" yaml:"fps"`
	PixelFormat PixelFormat `mapstructure:"pixel_format" yaml:"pixel_format"`
	QueueSize   int         `mapstructure:"queue_size" yaml:"queue_size"`
}

// DefaultSettings match a landscape 720p capture.
var DefaultSettings = Settings{
	Codec:       "h264",
	Width:       1280,
	Height:      720,
	Container:   "mp4",
	FPS:         30,
	PixelFormat: PixelRGBA,
	QueueSize:   8,
}

const (
	minDimension = 16
	maxDimension = 8192
)

// Validate rejects combinations the encoder cannot produce.
func (s Settings) Validate() error {
	if strings.ToLower(s.Codec) != "h264" {
		return fmt.Errorf("%w: codec %q (supported: h264)", ErrUnsupportedFormat, s.Codec)
	}
	switch strings.ToLower(s.Container) {
	case "mp4", "mov":
	default:
		return fmt.Errorf("%w: container %q (supported: mp4, mov)", ErrUnsupportedFormat, s.Container)
	}
	if s.Width < minDimension || s.Width > maxDimension || s.Height < minDimension || s.Height > maxDimension {
		return fmt.Errorf("%w: resolution %dx%d out of range %d..%d", ErrUnsupportedFormat, s.Width, s.Height, minDimension, maxDimension)
	}
	// yuv420 output needs even dimensions
	if s.Width%2 != 0 || s.Height%2 != 0 {
		return fmt.Errorf("%w: resolution %dx%d must be even", ErrUnsupportedFormat, s.Width, s.Height)
	}
	if s.PixelFormat.FrameSize(s.Width, s.Height) == 0 {
		return fmt.Errorf("%w: pixel format %q", ErrUnsupportedFormat, s.PixelFormat)
	}
	if s.FPS <= 0 || s.FPS > 240 {
		return fmt.Errorf("%w: fps %.2f", ErrUnsupportedFormat, s.FPS)
	}
	return nil
}

// Extension returns the file extension for the container, with the dot.
func (s Settings) Extension() string {
	return "." + strings.ToLower(s.Container)
}
