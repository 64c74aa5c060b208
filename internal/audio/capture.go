// Package audio records the microphone track with ffmpeg. The pipewire
// backend runs ffmpeg as a JACK client through pw-jack and links the
// configured source ports to it.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/audiolibrelab/spatialcapture/internal/ffmpeg"
)

// JACKClientName is the client name ffmpeg registers under pw-jack.
const JACKClientName = "spatialcapture"

const (
	startupGrace   = 300 * time.Millisecond
	portWait       = 5 * time.Second
	minOutputBytes = 1024
)

// ErrNotRunning is returned by Stop when no capture is active.
var ErrNotRunning = errors.New("audio capture not running")

// FFmpegCapture records one audio file at a time.
type FFmpegCapture struct {
	logWriter   io.Writer
	pipewire    *PipeWire
	StopTimeout time.Duration

	mu          sync.Mutex
	proc        *ffmpeg.Process
	path        string
	stopConnect chan struct{}
}

// NewFFmpegCapture creates a capture that logs ffmpeg output to logWriter.
func NewFFmpegCapture(logWriter io.Writer) *FFmpegCapture {
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &FFmpegCapture{
		logWriter:   logWriter,
		pipewire:    NewPipeWire(),
		StopTimeout: ffmpeg.DefaultStopTimeout,
	}
}

// BuildArgs returns the command line and extra environment for recording
// AAC into path.
func BuildArgs(path string, s Settings) (args []string, env []string, err error) {
	backend, err := ParseBackend(s.Backend)
	if err != nil {
		return nil, nil, err
	}

	channels := strconv.Itoa(s.Channels)
	switch backend {
	case BackendPipeWire:
		rate := strconv.Itoa(s.SampleRate)
		env = []string{"PIPEWIRE_QUANTUM=256/" + rate, "PIPEWIRE_LATENCY=256/" + rate}
		args = []string{"pw-jack", "ffmpeg", "-hide_banner", "-f", "jack", "-channels", channels, "-i", JACKClientName}
	case BackendPulse, BackendALSA:
		device := s.Source
		if device == "" {
			device = "default"
		}
		args = []string{"ffmpeg", "-hide_banner", "-f", string(backend), "-ac", channels, "-i", device}
	}

	args = append(args,
		"-ar", strconv.Itoa(s.SampleRate),
		"-ac", channels,
		"-c:a", "aac",
		"-b:a", s.Quality.Bitrate(),
		"-f", "ipod",
		"-y",
		path,
	)
	return args, env, nil
}

// Start begins recording into path.
func (c *FFmpegCapture) Start(path string, s Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc != nil {
		return fmt.Errorf("%w: capture already running", ErrAudioSession)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrAudioSession, err)
	}

	args, env, err := BuildArgs(path, s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAudioSession, err)
	}
	if err := c.validateSources(s); err != nil {
		return fmt.Errorf("%w: %v", ErrAudioSession, err)
	}

	os.Remove(path)

	proc, err := ffmpeg.Start(context.Background(), args, ffmpeg.Options{
		Env:       env,
		LogWriter: c.logWriter,
		Label:     "audio capture",
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAudioSession, err)
	}

	select {
	case <-proc.Done():
		err := proc.Wait()
		if err == nil {
			err = errors.New("capture process exited during startup")
		}
		return fmt.Errorf("%w: %v", ErrAudioSession, err)
	case <-time.After(startupGrace):
	}

	c.proc = proc
	c.path = path
	c.stopConnect = make(chan struct{})

	backend, _ := ParseBackend(s.Backend)
	if backend == BackendPipeWire {
		go c.connectSources(s, c.stopConnect)
	}

	slog.Info("Audio capture started", "backend", backend, "source", s.Source, "output", path)
	return nil
}

// validateSources checks that every configured PipeWire source port exists
// exactly once. Application ports may appear after the capture starts and
// are left to the connect retry.
func (c *FFmpegCapture) validateSources(s Settings) error {
	if backend, _ := ParseBackend(s.Backend); backend != BackendPipeWire {
		return nil
	}
	for _, port := range s.SourcePorts() {
		if isEphemeralPort(port) {
			slog.Debug("Skipping validation of application port", "port", port)
			continue
		}
		if err := c.pipewire.ValidatePort(port); err != nil {
			return fmt.Errorf("audio source %s: %w", port, err)
		}
	}
	return nil
}

// connectSources links the configured ports to ffmpeg's JACK inputs. A
// single source feeds every input.
func (c *FFmpegCapture) connectSources(s Settings, stop <-chan struct{}) {
	ports := s.SourcePorts()
	if len(ports) == 0 {
		slog.Warn("No audio source configured, JACK inputs left unconnected", "client", JACKClientName)
		return
	}

	for i := 0; i < s.Channels; i++ {
		source := ports[0]
		if i < len(ports) {
			source = ports[i]
		}
		dest := fmt.Sprintf("%s:input_%d", JACKClientName, i+1)

		if err := c.pipewire.WaitForPort(dest, portWait, stop); err != nil {
			slog.Error("FFmpeg JACK port did not appear", "port", dest, "error", err)
			return
		}
		if err := c.pipewire.ConnectPortsWithRetry(source, dest); err != nil {
			slog.Error("Failed to connect audio source", "source", source, "dest", dest, "error", err)
			continue
		}
		slog.Info("Connected audio source", "source", source, "dest", dest)
	}
}

// Stop ends the recording and validates the file. The process is gone
// afterwards even when an error is returned.
func (c *FFmpegCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc == nil {
		return ErrNotRunning
	}

	close(c.stopConnect)

	err := c.proc.Stop(c.StopTimeout)
	c.proc = nil
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAudioSession, err)
	}

	if err := ffmpeg.ValidateOutput(c.path, minOutputBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrAudioSession, err)
	}

	slog.Debug("Audio capture completed", "output", c.path)
	return nil
}

// Running reports whether a capture is active.
func (c *FFmpegCapture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil
}
