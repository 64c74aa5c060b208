package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/spatialcapture/internal/audio"
	"github.com/audiolibrelab/spatialcapture/internal/config"
	"github.com/audiolibrelab/spatialcapture/internal/merge"
	"github.com/audiolibrelab/spatialcapture/internal/play"
	"github.com/audiolibrelab/spatialcapture/internal/recording"
	"github.com/audiolibrelab/spatialcapture/internal/source"
	"github.com/audiolibrelab/spatialcapture/internal/video"
)

// Service represents the core SpatialCapture service interface
type Service interface {
	// Recording operations
	StartRecording() (*recording.Session, error)
	StopRecording() (recording.Result, error)
	Toggle() (recording.State, error)
	Status() Status

	// Session operations
	ListSessions() ([]SessionInfo, error)
	SessionFile(id, name string) (string, error)
	Info(ctx context.Context, id string) (*SessionDetails, error)
	Merge(ctx context.Context, id string) (merge.Result, error)
	Play(id string) error

	// Pipeline operations
	RunPipeline(ctx context.Context, steps string, duration time.Duration) error

	// Configuration operations
	LoadProfile(profile string) error
	ApplyConfig(cfg *config.Config) error
	GetConfig() *config.Config

	// Events and errors
	Subscribe(buffer int) (<-chan recording.Event, func())
	GetLastError() string
}

// Status is the controller snapshot plus service-level details.
type Status struct {
	recording.Status
	Profile   string `json:"profile"`
	OutputDir string `json:"output_dir"`
}

// FileInfo describes one artifact of a session.
type FileInfo struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	URL       string `json:"url"`
}

// SessionInfo contains information about a recorded session
type SessionInfo struct {
	*recording.Session
	StartedHuman string     `json:"started_human"`
	Active       bool       `json:"active"`
	Merged       bool       `json:"merged"`
	Files        []FileInfo `json:"files"`
}

// SessionDetails is the manifest and the inspected media of a session.
type SessionDetails struct {
	Session  *recording.Session  `json:"session"`
	Manifest *recording.Manifest `json:"manifest,omitempty"`
	Assets   []merge.Asset       `json:"assets"`
}

// Player plays a media file.
type Player interface {
	Play(path string) error
}

// DepsFunc builds the recording collaborators for a configuration.
type DepsFunc func(cfg *config.Config, logWriter io.Writer) recording.Deps

// Option customizes a CaptureService.
type Option func(*CaptureService)

// WithDeps replaces the ffmpeg-backed encoder, capture and merger.
func WithDeps(fn DepsFunc) Option {
	return func(s *CaptureService) { s.newDeps = fn }
}

// WithSource replaces the synthetic frame source.
func WithSource(src source.Source) Option {
	return func(s *CaptureService) {
		s.source = src
		s.customSource = true
	}
}

// WithOutputOverride pins the output directory. It survives profile
// switches and reloads of the config file.
func WithOutputOverride(dir string) Option {
	return func(s *CaptureService) { s.outputOverride = dir }
}

// WithPlayer replaces the external media player.
func WithPlayer(p Player) Option {
	return func(s *CaptureService) { s.player = p }
}

// CaptureService is the main service implementation
type CaptureService struct {
	configFile string
	logWriter  io.Writer
	newDeps    DepsFunc
	player     Player
	events     *recording.Notifier
	watch      <-chan recording.Event
	unwatch    func()

	outputOverride string

	// lifecycle serializes session start/stop with controller swaps.
	lifecycle sync.Mutex
	pending   *config.Config

	mu         sync.RWMutex
	cfg        *config.Config
	controller *recording.Controller
	merger     recording.Merger

	source       source.Source
	customSource bool
	reload       chan struct{}

	cancel context.CancelFunc
	group  *errgroup.Group

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new SpatialCapture service instance
func New(cfg *config.Config, configFile string, logWriter io.Writer, opts ...Option) (*CaptureService, error) {
	if logWriter == nil {
		logWriter = io.Discard
	}

	s := &CaptureService{
		configFile: configFile,
		logWriter:  logWriter,
		newDeps:    DefaultDeps,
		player:     play.New(),
		events:     recording.NewNotifier(),
		reload:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.watch, s.unwatch = s.events.Subscribe(64)

	if err := s.install(s.withOverrides(cfg)); err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultDeps wires the ffmpeg encoder, capture and merger.
func DefaultDeps(cfg *config.Config, logWriter io.Writer) recording.Deps {
	policy, _ := video.ParseTimestampPolicy(cfg.Timestamps)
	return recording.Deps{
		NewEncoder: func() recording.Encoder {
			return video.NewEncoder(video.NewFFmpegSink(logWriter), policy)
		},
		Audio:  audio.NewFFmpegCapture(logWriter),
		Merger: merge.New(cfg.Merge.Timeout, logWriter),
	}
}

// withOverrides returns cfg with the pinned output directory applied.
func (s *CaptureService) withOverrides(cfg *config.Config) *config.Config {
	if s.outputOverride == "" || cfg.Output.Directory == s.outputOverride {
		return cfg
	}
	c := *cfg
	c.Output.Directory = s.outputOverride
	return &c
}

// install replaces the controller with one built from cfg. Callers hold
// lifecycle and have checked that no session is active.
func (s *CaptureService) install(cfg *config.Config) error {
	settings, err := cfg.RecordingSettings()
	if err != nil {
		return fmt.Errorf("invalid recording settings: %w", err)
	}

	var src source.Source
	if !s.customSource {
		if src, err = source.NewSynthetic(SyntheticConfig(cfg)); err != nil {
			return fmt.Errorf("failed to create frame source: %w", err)
		}
	}

	deps := s.newDeps(cfg, s.logWriter)
	deps.Events = s.events

	s.mu.Lock()
	old := s.controller
	s.cfg = cfg
	s.controller = recording.NewController(settings, deps)
	s.merger = deps.Merger
	if src != nil {
		s.source = src
	}
	s.mu.Unlock()

	if old != nil {
		old.Close()
		if src != nil {
			select {
			case s.reload <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

// SyntheticConfig returns the synthetic source settings for cfg. Frames
// take the size, pixel format and rate of the video track.
func SyntheticConfig(cfg *config.Config) source.SyntheticConfig {
	sc := cfg.Source
	sc.Width = cfg.Video.Width
	sc.Height = cfg.Video.Height
	sc.PixelFormat = cfg.Video.PixelFormat
	sc.FPS = cfg.Video.FPS
	return sc
}

func (s *CaptureService) current() (*recording.Controller, *config.Config) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controller, s.cfg
}

// Run delivers frames from the source to the controller and tracks
// controller events until ctx is done.
func (s *CaptureService) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.group = g
	s.mu.Unlock()

	g.Go(func() error {
		return s.runSource(ctx)
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-s.watch:
				if !ok {
					return nil
				}
				s.handleEvent(e)
			}
		}
	})

	return g.Wait()
}

// runSource runs the frame source, restarting it when a configuration
// change replaced it.
func (s *CaptureService) runSource(ctx context.Context) error {
	handler := source.HandlerFunc(func(f source.Frame) {
		ctrl, _ := s.current()
		ctrl.OnFrame(f)
	})

	for {
		s.mu.RLock()
		src := s.source
		s.mu.RUnlock()

		srcCtx, stop := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() { errc <- src.Run(srcCtx, handler) }()

		select {
		case <-ctx.Done():
			stop()
			return <-errc
		case <-s.reload:
			stop()
			if err := <-errc; err != nil {
				return err
			}
			slog.Debug("Frame source restarted")
		case err := <-errc:
			stop()
			return err
		}
	}
}

func (s *CaptureService) handleEvent(e recording.Event) {
	switch e.Type {
	case recording.EventStarted:
		s.clearLastError()
	case recording.EventError:
		if e.Kind != recording.KindBackpressure {
			s.setLastError(e.Message)
		}
	case recording.EventFinished:
		s.lifecycle.Lock()
		defer s.lifecycle.Unlock()

		pending := s.pending
		s.pending = nil
		if pending != nil {
			if err := s.applyLocked(pending); err != nil {
				slog.Warn("Failed to apply deferred configuration", "error", err)
			}
		}
	}
}

// Close stops an active recording, waits for it to finalize and stops
// the frame loop.
func (s *CaptureService) Close() error {
	var err error
	ctrl, _ := s.current()
	if ctrl.State() == recording.StateRecording {
		_, err = s.StopRecording()
	}

	s.mu.RLock()
	cancel, group := s.cancel, s.group
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
		if gerr := group.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
			err = errors.Join(err, gerr)
		}
	}

	s.unwatch()
	ctrl, _ = s.current()
	ctrl.Close()
	return err
}

// StartRecording opens a new session (IDLE -> RECORDING)
func (s *CaptureService) StartRecording() (*recording.Session, error) {
	slog.Debug("Service.StartRecording called")
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.startLocked()
}

func (s *CaptureService) startLocked() (*recording.Session, error) {
	ctrl, _ := s.current()

	sess, err := ctrl.Start()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, err
	}
	s.clearLastError()
	return sess, nil
}

// StopRecording stops the current session and waits until it is finalized
// and merged.
func (s *CaptureService) StopRecording() (recording.Result, error) {
	s.lifecycle.Lock()
	results, err := s.stopLocked()
	s.lifecycle.Unlock()
	if err != nil {
		return recording.Result{}, err
	}

	res := <-results
	if res.Err != nil {
		s.setLastError(fmt.Sprintf("Recording finished with errors: %v", res.Err))
	}
	return res, res.Err
}

func (s *CaptureService) stopLocked() (<-chan recording.Result, error) {
	ctrl, _ := s.current()

	results, err := ctrl.Stop()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return nil, err
	}
	return results, nil
}

// Toggle starts a session when idle and stops it when recording. Stopping
// does not wait for the merge; the outcome is published as an event.
func (s *CaptureService) Toggle() (recording.State, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	ctrl, _ := s.current()
	switch state := ctrl.State(); state {
	case recording.StateIdle:
		if _, err := s.startLocked(); err != nil {
			return ctrl.State(), err
		}
	case recording.StateRecording:
		results, err := s.stopLocked()
		if err != nil {
			return ctrl.State(), err
		}
		go func() {
			if res := <-results; res.Err != nil {
				s.setLastError(fmt.Sprintf("Recording finished with errors: %v", res.Err))
			}
		}()
	case recording.StateStarting:
		return state, recording.ErrStarting
	default:
		return state, recording.ErrFinalizing
	}
	return ctrl.State(), nil
}

// Status returns the current recording status
func (s *CaptureService) Status() Status {
	ctrl, cfg := s.current()

	st := Status{
		Status:    ctrl.Status(),
		Profile:   cfg.Profile,
		OutputDir: cfg.Output.Directory,
	}
	if msg := s.GetLastError(); msg != "" {
		st.LastError = msg
	}
	return st
}

// ListSessions returns the recorded sessions, newest first
func (s *CaptureService) ListSessions() ([]SessionInfo, error) {
	ctrl, cfg := s.current()

	sessions, err := recording.ListSessions(cfg.Output.Directory)
	if err != nil {
		return nil, err
	}

	var active string
	if st := ctrl.Status(); st.Session != nil {
		active = st.Session.Name
	}

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		info := SessionInfo{
			Session:      sess,
			StartedHuman: sess.Started.Format("2006-01-02 15:04:05"),
			Active:       sess.Name == active,
		}
		for _, name := range sess.Files() {
			fi, err := os.Stat(filepath.Join(sess.Dir, name))
			if err != nil {
				slog.Warn("Failed to get file info", "session", sess.Name, "file", name, "error", err)
				continue
			}
			info.Files = append(info.Files, FileInfo{
				Name:      name,
				Size:      fi.Size(),
				SizeHuman: formatBytes(fi.Size()),
				URL:       fmt.Sprintf("/sessions/%s/files/%s", sess.Name, name),
			})
			if name == recording.MergedFile {
				info.Merged = true
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// SessionFile resolves an artifact of a session to its path. Only files
// that belong to the session layout are served.
func (s *CaptureService) SessionFile(id, name string) (string, error) {
	sess, err := s.openSession(id)
	if err != nil {
		return "", err
	}
	if !slices.Contains(sess.Files(), name) {
		return "", fmt.Errorf("file %s not found in session %s", name, sess.Name)
	}
	return filepath.Join(sess.Dir, name), nil
}

// Info returns the manifest and the inspected media of a session
func (s *CaptureService) Info(ctx context.Context, id string) (*SessionDetails, error) {
	sess, err := s.openSession(id)
	if err != nil {
		return nil, err
	}

	details := &SessionDetails{Session: sess}
	if m, err := recording.ReadManifest(sess.ManifestPath()); err == nil {
		details.Manifest = m
	} else if !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to read session manifest", "session", sess.Name, "error", err)
	}

	for _, path := range []string{sess.VideoPath, sess.AudioPath, sess.MergedPath} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		asset, err := merge.Inspect(ctx, path)
		if err != nil {
			slog.Warn("Failed to inspect media file", "file", path, "error", err)
			continue
		}
		details.Assets = append(details.Assets, asset)
	}
	return details, nil
}

// Merge re-runs the merge stage for a finished session and records the
// outcome in its manifest.
func (s *CaptureService) Merge(ctx context.Context, id string) (merge.Result, error) {
	sess, err := s.openSession(id)
	if err != nil {
		return merge.Result{}, err
	}

	s.mu.RLock()
	ctrl, merger := s.controller, s.merger
	s.mu.RUnlock()

	if st := ctrl.Status(); st.Session != nil && st.Session.Name == sess.Name {
		return merge.Result{}, fmt.Errorf("session %s is still being recorded", sess.Name)
	}

	slog.Info("Merging session", "session", sess.Name)
	res := merger.Merge(ctx, sess.VideoPath, sess.AudioPath, sess.MergedPath)

	if m, err := recording.ReadManifest(sess.ManifestPath()); err == nil {
		m.Merge = &res
		if err := recording.WriteManifest(sess.ManifestPath(), m); err != nil {
			slog.Warn("Failed to update session manifest", "session", sess.Name, "error", err)
		}
	}

	if res.Outcome != merge.Completed {
		s.setLastError(fmt.Sprintf("Merge %s: %s", res.Outcome, res.Message()))
	}
	return res, res.Err
}

// Play plays the merged file of a session, or its video when the merge
// has not produced one.
func (s *CaptureService) Play(id string) error {
	sess, err := s.openSession(id)
	if err != nil {
		return err
	}

	path := sess.MergedPath
	if _, err := os.Stat(path); err != nil {
		path = sess.VideoPath
	}
	return s.player.Play(path)
}

// RunPipeline executes a sequence of operations (r=record, m=merge, p=play).
// The record step lasts for duration, or until ctx is done when duration
// is zero. Later steps operate on the latest session.
func (s *CaptureService) RunPipeline(ctx context.Context, steps string, duration time.Duration) error {
	for _, step := range steps {
		switch step {
		case 'r':
			if err := s.record(ctx, duration); err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
		case 'm':
			id, err := s.latestSession()
			if err != nil {
				return fmt.Errorf("pipeline merge failed: %w", err)
			}
			if _, err := s.Merge(context.WithoutCancel(ctx), id); err != nil {
				return fmt.Errorf("pipeline merge failed: %w", err)
			}
		case 'p':
			id, err := s.latestSession()
			if err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
			if err := s.Play(id); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: r=record, m=merge, p=play)", step)
		}
	}
	return nil
}

func (s *CaptureService) record(ctx context.Context, duration time.Duration) error {
	if _, err := s.StartRecording(); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	}

	_, err := s.StopRecording()
	return err
}

func (s *CaptureService) latestSession() (string, error) {
	_, cfg := s.current()
	sessions, err := recording.ListSessions(cfg.Output.Directory)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", fmt.Errorf("no sessions in %s", cfg.Output.Directory)
	}
	return sessions[0].Name, nil
}

func (s *CaptureService) openSession(id string) (*recording.Session, error) {
	_, cfg := s.current()
	return recording.OpenSession(cfg.Output.Directory, id)
}

// LoadProfile loads a new configuration profile
func (s *CaptureService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	return s.ApplyConfig(newCfg)
}

// ApplyConfig switches to cfg. While a session is active the switch is
// deferred until it finishes.
func (s *CaptureService) ApplyConfig(cfg *config.Config) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.applyLocked(cfg)
}

func (s *CaptureService) applyLocked(cfg *config.Config) error {
	cfg = s.withOverrides(cfg)

	ctrl, _ := s.current()
	if ctrl.State() != recording.StateIdle {
		s.pending = cfg
		slog.Info("Configuration change deferred until the session ends", "profile", cfg.Profile)
		return nil
	}

	if err := s.install(cfg); err != nil {
		return err
	}
	slog.Info("Configuration applied", "profile", cfg.Profile, "output", cfg.Output.Directory)
	return nil
}

// GetConfig returns the current configuration
func (s *CaptureService) GetConfig() *config.Config {
	_, cfg := s.current()
	return cfg
}

// Subscribe returns controller events; call the returned function to stop.
func (s *CaptureService) Subscribe(buffer int) (<-chan recording.Event, func()) {
	return s.events.Subscribe(buffer)
}

// GetLastError returns the last error message (thread-safe)
func (s *CaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *CaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *CaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

var _ Service = (*CaptureService)(nil)
