package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/spatialcapture/internal/ffmpeg"
)

const finalizeTimeout = 30 * time.Second

// FFmpegSink encodes raw frames by piping them into an ffmpeg process.
// ffmpeg reads the pipe at a constant rate, so frames are placed on the
// frame rate grid by their presentation time: gaps left by dropped frames
// are filled with the previous frame. The time of every written frame is
// recorded in a timecode file next to the output.
type FFmpegSink struct {
	logWriter io.Writer

	path     string
	proc     *ffmpeg.Process
	out      io.Writer
	pts      *os.File
	ptsW     *bufio.Writer
	frameLen int
	fps      float64

	last     []byte
	written  int64
	repeated int64
	skipped  int64
}

// NewFFmpegSink creates a sink that logs ffmpeg output to logWriter.
func NewFFmpegSink(logWriter io.Writer) *FFmpegSink {
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &FFmpegSink{logWriter: logWriter}
}

// TimecodePath returns the sidecar path for a video output.
func TimecodePath(videoPath string) string {
	if i := strings.LastIndexByte(videoPath, '.'); i > strings.LastIndexByte(videoPath, '/') {
		videoPath = videoPath[:i]
	}
	return videoPath + ".pts.txt"
}

// BuildArgs returns the ffmpeg command line for encoding raw frames read
// from stdin into path.
func BuildArgs(path string, s Settings) []string {
	return []string{
		"ffmpeg",
		"-hide_banner",
		"-f", "rawvideo",
		"-pixel_format", string(s.PixelFormat),
		"-video_size", fmt.Sprintf("%dx%d", s.Width, s.Height),
		"-framerate", strconv.FormatFloat(s.FPS, 'f', -1, 64),
		"-thread_queue_size", "512",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-f", strings.ToLower(s.Container),
		"-y",
		path,
	}
}

func (f *FFmpegSink) Open(path string, s Settings) error {
	pts, err := os.Create(TimecodePath(path))
	if err != nil {
		return fmt.Errorf("failed to create timecode file: %w", err)
	}

	proc, err := ffmpeg.Start(context.Background(), BuildArgs(path, s), ffmpeg.Options{
		Stdin:     true,
		LogWriter: f.logWriter,
		Label:     "video encoder",
	})
	if err != nil {
		pts.Close()
		os.Remove(pts.Name())
		return err
	}

	f.path = path
	f.proc = proc
	f.out = proc.Stdin()
	f.pts = pts
	f.ptsW = bufio.NewWriter(pts)
	f.frameLen = s.PixelFormat.FrameSize(s.Width, s.Height)
	f.fps = s.FPS
	f.last = nil
	f.written, f.repeated, f.skipped = 0, 0, 0
	fmt.Fprintln(f.ptsW, "# timecode format v2")
	return nil
}

// WriteFrame writes buf into the grid slot nearest to pts. Slots between
// the previous frame and this one repeat the previous frame. A frame whose
// slot is already written is skipped.
func (f *FFmpegSink) WriteFrame(buf PixelBuffer, pts time.Duration) error {
	if f.out == nil {
		return fmt.Errorf("sink not open")
	}
	if len(buf.Data) != f.frameLen {
		return fmt.Errorf("frame size %d, expected %d", len(buf.Data), f.frameLen)
	}

	slot := int64(math.Round(pts.Seconds() * f.fps))
	if slot < f.written {
		f.skipped++
		return nil
	}

	fill := f.last
	if fill == nil {
		fill = buf.Data
	}
	for f.written < slot {
		if err := f.writeSlot(fill, f.slotTime(f.written)); err != nil {
			return err
		}
		f.repeated++
	}

	if err := f.writeSlot(buf.Data, pts); err != nil {
		return err
	}
	f.last = buf.Data
	return nil
}

func (f *FFmpegSink) writeSlot(data []byte, at time.Duration) error {
	if _, err := f.out.Write(data); err != nil {
		return fmt.Errorf("error writing to ffmpeg stdin: %w", err)
	}
	f.written++
	// milliseconds, three decimals
	_, err := fmt.Fprintf(f.ptsW, "%.3f\n", float64(at)/float64(time.Millisecond))
	return err
}

func (f *FFmpegSink) slotTime(n int64) time.Duration {
	return time.Duration(float64(n) / f.fps * float64(time.Second))
}

// Duration is the length of the written track.
func (f *FFmpegSink) Duration() time.Duration {
	return f.slotTime(f.written)
}

// Close ends the input stream and waits for ffmpeg to write the container.
func (f *FFmpegSink) Close() error {
	if f.proc == nil {
		return nil
	}

	var errs []error
	if err := f.ptsW.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("timecode file: %w", err))
	}
	if err := f.pts.Close(); err != nil {
		errs = append(errs, fmt.Errorf("timecode file: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- f.proc.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-time.After(finalizeTimeout):
		slog.Warn("Video encoder did not finish in time, stopping", "path", f.path)
		if err := f.proc.Stop(ffmpeg.DefaultStopTimeout); err != nil {
			errs = append(errs, err)
		}
		<-done
	}
	f.proc = nil
	f.out = nil

	if len(errs) == 0 && f.written > 0 {
		if err := ffmpeg.ValidateOutput(f.path, 1); err != nil {
			errs = append(errs, err)
		}
	}

	slog.Debug("Video encoder closed", "path", f.path, "frames", f.written,
		"repeated", f.repeated, "skipped", f.skipped, "duration", f.Duration())
	return errors.Join(errs...)
}

// Abort kills ffmpeg and removes the partial output.
func (f *FFmpegSink) Abort() error {
	if f.proc == nil {
		return nil
	}
	f.proc.Stdin().Close()
	f.proc.Kill()
	f.proc = nil
	f.out = nil
	f.pts.Close()

	os.Remove(f.path)
	os.Remove(f.pts.Name())
	return nil
}
