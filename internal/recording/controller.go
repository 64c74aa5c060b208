// Package recording coordinates one capture session at a time: it opens the
// video and audio tracks, feeds frames and point samples while recording,
// and finalizes and merges the tracks when the session stops.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/audiolibrelab/spatialcapture/internal/audio"
	"github.com/audiolibrelab/spatialcapture/internal/merge"
	"github.com/audiolibrelab/spatialcapture/internal/pointcloud"
	"github.com/audiolibrelab/spatialcapture/internal/source"
	"github.com/audiolibrelab/spatialcapture/internal/video"
)

// State of the controller.
type State string

const (
	StateIdle       State = "IDLE"
	StateStarting   State = "STARTING"
	StateRecording  State = "RECORDING"
	StateFinalizing State = "FINALIZING"
)

// Encoder is the video track of one session. A new one is used per session.
type Encoder interface {
	Configure(path string, settings video.Settings) error
	Start(anchor time.Duration) error
	AppendFrame(buf video.PixelBuffer, timestamp time.Duration) error
	Finish(done func(error))
	Abort() error
}

// AudioCapture records the audio track.
type AudioCapture interface {
	Start(path string, settings audio.Settings) error
	Stop() error
}

// Merger muxes the finished tracks.
type Merger interface {
	Merge(ctx context.Context, videoPath, audioPath, outputPath string) merge.Result
}

// PointCloudSettings control the point-cloud flush policy.
type PointCloudSettings struct {
	FlushInterval time.Duration         `mapstructure:"flush_interval" yaml:"flush_interval"`
	Order         pointcloud.FlushOrder `mapstructure:"order" yaml:"order"`
	Policy        pointcloud.Policy     `mapstructure:"policy" yaml:"policy"`
	FlushOnStop   bool                  `mapstructure:"flush_on_stop" yaml:"flush_on_stop"`
	QueueSize     int                   `mapstructure:"queue_size" yaml:"queue_size"`
}

// Settings for every session started by a Controller.
type Settings struct {
	OutputDir  string                `yaml:"-"`
	Video      video.Settings        `yaml:"video"`
	Audio      audio.Settings        `yaml:"audio"`
	PointCloud PointCloudSettings    `yaml:"pointcloud"`
	Timestamps video.TimestampPolicy `yaml:"timestamps"`
}

// Deps are the collaborators of a Controller. Clock and Events are optional.
type Deps struct {
	NewEncoder func() Encoder
	Audio      AudioCapture
	Merger     Merger
	Clock      func() time.Time
	Events     *Notifier
}

// Result is delivered once per stopped session. Merge is nil when the merge
// was skipped. Err is the first failure, Errors all of them.
type Result struct {
	Session *Session
	Merge   *merge.Result
	Err     error
	Errors  []error
}

// Status is a snapshot for display.
type Status struct {
	State          State    `json:"state"`
	Session        *Session `json:"session,omitempty"`
	Elapsed        string   `json:"elapsed,omitempty"`
	FPS            float64  `json:"fps"`
	FeaturePoints  int      `json:"feature_points"`
	Tracking       string   `json:"tracking"`
	FramesAccepted int64    `json:"frames_accepted"`
	FramesDropped  int64    `json:"frames_dropped"`
	FramesRejected int64    `json:"frames_rejected"`
	Flushes        int64    `json:"flushes"`
	FlushErrors    int64    `json:"flush_errors"`
	LastError      string   `json:"last_error,omitempty"`
}

type frameCounters struct {
	accepted int64
	dropped  int64
	rejected int64
}

// Controller is the recording state machine. OnFrame may be called from
// the frame delivery goroutine while Start and Stop are called from others.
type Controller struct {
	settings   Settings
	newEncoder func() Encoder
	audio      AudioCapture
	merger     Merger
	clock      func() time.Time
	events     *Notifier

	ctx    context.Context
	cancel context.CancelFunc

	// mu gates the state and everything fed by OnFrame.
	mu            sync.Mutex
	state         State
	session       *Session
	encoder       Encoder
	anchored      bool
	acc           *pointcloud.Accumulator
	store         *pointcloud.Store
	flusher       *pointcloud.Flusher
	frames        frameCounters
	lastDropEvent time.Time

	// statsMu guards values also written from the flush worker and frames
	// delivered while idle. Never acquire mu while holding statsMu.
	statsMu     sync.Mutex
	fps         float64
	lastFrameTS time.Duration
	haveFrame   bool
	features    int
	tracking    string
	flushes     int64
	flushErrors int64
	lastError   string
}

// NewController creates an idle controller.
func NewController(settings Settings, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Events == nil {
		deps.Events = NewNotifier()
	}
	if settings.PointCloud.FlushInterval <= 0 {
		settings.PointCloud.FlushInterval = pointcloud.DefaultFlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		settings:   settings,
		newEncoder: deps.NewEncoder,
		audio:      deps.Audio,
		merger:     deps.Merger,
		clock:      deps.Clock,
		events:     deps.Events,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
	}
}

// Events returns the notifier the controller publishes to.
func (c *Controller) Events() *Notifier {
	return c.events
}

// Start opens a new session. It is rejected unless the controller is idle.
// The encoder and audio capture are opened without holding mu, so frames
// keep flowing (unrecorded) while the adapters start.
func (c *Controller) Start() (*Session, error) {
	c.mu.Lock()
	switch c.state {
	case StateStarting:
		c.mu.Unlock()
		return nil, ErrStarting
	case StateRecording:
		c.mu.Unlock()
		return nil, ErrAlreadyRecording
	case StateFinalizing:
		c.mu.Unlock()
		return nil, ErrFinalizing
	}
	c.state = StateStarting
	c.mu.Unlock()

	now := c.clock()
	sess, err := NewSession(c.settings.OutputDir, now, c.settings.Video.Extension())
	if err != nil {
		return nil, c.fail("", &Error{Kind: KindInit, Op: "create session", Err: err})
	}

	enc := c.newEncoder()
	if err := enc.Configure(sess.VideoPath, c.settings.Video); err != nil {
		os.RemoveAll(sess.Dir)
		return nil, c.fail(sess.Name, &Error{Kind: KindInit, Op: "configure video", Err: fmt.Errorf("%w: %w", ErrEncoderInit, err)})
	}

	if err := c.audio.Start(sess.AudioPath, c.settings.Audio); err != nil {
		if abortErr := enc.Abort(); abortErr != nil {
			slog.Warn("Failed to abort video encoder", "error", abortErr)
		}
		os.RemoveAll(sess.Dir)
		return nil, c.fail(sess.Name, &Error{Kind: KindInit, Op: "start audio", Err: fmt.Errorf("%w: %w", ErrAudioInit, err)})
	}

	pc := c.settings.PointCloud
	acc := pointcloud.New(pointcloud.Options{Interval: pc.FlushInterval, Order: pc.Order})
	acc.Reset(now)
	store := pointcloud.NewStore(sess.PointCloudPath, sess.PosePath, pc.Policy)
	flusher := pointcloud.NewFlusher(store, pc.QueueSize, c.flushResult(sess.Name))

	c.mu.Lock()
	c.acc = acc
	c.store = store
	c.flusher = flusher
	c.session = sess
	c.encoder = enc
	c.anchored = false
	c.frames = frameCounters{}
	c.lastDropEvent = time.Time{}
	c.state = StateRecording
	c.mu.Unlock()

	c.statsMu.Lock()
	c.flushes, c.flushErrors = 0, 0
	c.lastError = ""
	c.statsMu.Unlock()

	slog.Info("Recording started", "session", sess.Name, "dir", sess.Dir)
	c.publish(Event{Type: EventStarted, Session: sess.Name, Message: "Recording started"})
	return sess, nil
}

// OnFrame handles one tracking update. Display stats are updated for every
// frame; the frame is recorded only while a session is recording.
func (c *Controller) OnFrame(f source.Frame) {
	c.updateStats(f)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRecording {
		return
	}
	now := c.clock()

	if !c.anchored {
		if err := c.encoder.Start(f.Timestamp); err != nil {
			slog.Error("Failed to anchor video encoder", "error", err)
		}
		c.anchored = true
	}

	if err := c.encoder.AppendFrame(f.Image, f.Timestamp); err != nil {
		c.frameDropped(err, now)
	} else {
		c.frames.accepted++
	}

	if w, ok := c.acc.Append(f.Points, f.Pose, now); ok {
		c.submit(w)
	}
}

func (c *Controller) frameDropped(err error, now time.Time) {
	kind := KindFrame
	if errors.Is(err, video.ErrBackpressure) {
		kind = KindBackpressure
		c.frames.dropped++
	} else {
		c.frames.rejected++
	}

	// at most one notification per second
	if !c.lastDropEvent.IsZero() && now.Sub(c.lastDropEvent) < time.Second {
		return
	}
	c.lastDropEvent = now

	slog.Debug("Frame dropped", "kind", kind, "dropped", c.frames.dropped, "rejected", c.frames.rejected, "error", err)
	c.publish(Event{
		Type:    EventError,
		Kind:    kind,
		Session: c.session.Name,
		Message: fmt.Sprintf("Frame dropped: %v", err),
	})
}

func (c *Controller) submit(w pointcloud.Window) {
	if err := c.flusher.Submit(w); err != nil {
		c.flushResult(c.session.Name)(w, err)
	}
}

// flushResult is called from the flush worker, or under mu from submit.
// It must not take mu.
func (c *Controller) flushResult(session string) func(pointcloud.Window, error) {
	return func(w pointcloud.Window, err error) {
		if err != nil {
			e := &Error{Kind: KindFlushIO, Op: fmt.Sprintf("flush window %d", w.Seq), Err: err}
			c.setLastError(e)
			c.publish(Event{Type: EventError, Kind: KindFlushIO, Session: session, Message: e.Error()})
		}

		c.statsMu.Lock()
		if err != nil {
			c.flushErrors++
		} else {
			c.flushes++
		}
		c.statsMu.Unlock()
	}
}

// Stop ends the session. The returned channel delivers the Result once the
// tracks are finalized and merged, then closes.
func (c *Controller) Stop() (<-chan Result, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return nil, ErrNotRecording
	case StateStarting:
		c.mu.Unlock()
		return nil, ErrStarting
	case StateFinalizing:
		c.mu.Unlock()
		return nil, ErrFinalizing
	}

	c.state = StateFinalizing
	sess, enc, acc, flusher, store := c.session, c.encoder, c.acc, c.flusher, c.store
	c.mu.Unlock()

	slog.Info("Stopping recording", "session", sess.Name)
	c.publish(Event{Type: EventStopping, Session: sess.Name, Message: "Finalizing recording"})

	stopped := c.clock()
	results := make(chan Result, 1)

	var audioErr error
	if err := c.audio.Stop(); err != nil {
		audioErr = &Error{Kind: KindFinalize, Op: "stop audio", Err: err}
		c.report(sess.Name, audioErr)
	}

	enc.Finish(func(encErr error) {
		res := c.finalize(sess, acc, flusher, store, stopped, audioErr, encErr)
		results <- res
		close(results)
	})

	return results, nil
}

func (c *Controller) finalize(sess *Session, acc *pointcloud.Accumulator, flusher *pointcloud.Flusher,
	store *pointcloud.Store, stopped time.Time, audioErr, encErr error) Result {

	flusher.Close()

	if c.settings.PointCloud.FlushOnStop {
		if w, ok := acc.Drain(stopped); ok {
			c.flushResult(sess.Name)(w, store.Write(w))
		}
	}

	res := Result{Session: sess}
	if audioErr != nil {
		res.Errors = append(res.Errors, audioErr)
	}

	if encErr != nil {
		e := &Error{Kind: KindFinalize, Op: "finish video", Err: encErr}
		c.report(sess.Name, e)
		res.Errors = append(res.Errors, e)
	}

	if len(res.Errors) == 0 {
		mr := c.merger.Merge(c.ctx, sess.VideoPath, sess.AudioPath, sess.MergedPath)
		res.Merge = &mr
		if mr.Outcome != merge.Completed {
			e := &Error{Kind: KindMerge, Op: "merge " + string(mr.Outcome), Err: mr.Err}
			c.report(sess.Name, e)
			res.Errors = append(res.Errors, e)
		}
	} else {
		slog.Warn("Merge skipped", "session", sess.Name)
	}
	if len(res.Errors) > 0 {
		res.Err = res.Errors[0]
	}

	c.mu.Lock()
	frames := c.frames
	c.state = StateIdle
	c.session = nil
	c.encoder = nil
	c.acc = nil
	c.flusher = nil
	c.store = nil
	c.mu.Unlock()

	if err := WriteManifest(sess.ManifestPath(), c.manifest(sess, stopped, frames, res)); err != nil {
		slog.Warn("Failed to write session manifest", "session", sess.Name, "error", err)
	}

	msg := "Recording saved"
	if res.Merge != nil && res.Merge.Outcome == merge.Completed {
		msg = "Recording saved: " + sess.MergedPath
	} else if res.Err != nil {
		msg = "Recording finished with errors: " + res.Err.Error()
	}
	slog.Info("Recording finished", "session", sess.Name, "frames", frames.accepted, "dropped", frames.dropped, "error", res.Err)
	c.publish(Event{Type: EventFinished, Session: sess.Name, Message: msg})

	return res
}

func (c *Controller) manifest(sess *Session, stopped time.Time, frames frameCounters, res Result) *Manifest {
	m := &Manifest{
		ID:       sess.ID,
		Name:     sess.Name,
		Started:  sess.Started,
		Stopped:  stopped,
		Settings: c.settings,
		Merge:    res.Merge,
	}
	m.Frames.Accepted = frames.accepted
	m.Frames.Dropped = frames.dropped
	m.Frames.Rejected = frames.rejected

	c.statsMu.Lock()
	m.Flushes, m.FlushErrors = c.flushes, c.flushErrors
	c.statsMu.Unlock()

	for _, err := range res.Errors {
		m.Errors = append(m.Errors, err.Error())
	}
	return m
}

// Close cancels an in-flight merge. A recording in progress is not stopped.
func (c *Controller) Close() {
	c.cancel()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:          c.state,
		FramesAccepted: c.frames.accepted,
		FramesDropped:  c.frames.dropped,
		FramesRejected: c.frames.rejected,
	}
	if c.session != nil {
		sess := *c.session
		st.Session = &sess
		st.Elapsed = c.clock().Sub(sess.Started).Round(time.Second).String()
	}
	c.mu.Unlock()

	c.statsMu.Lock()
	st.FPS = c.fps
	st.FeaturePoints = c.features
	st.Tracking = c.tracking
	st.Flushes = c.flushes
	st.FlushErrors = c.flushErrors
	st.LastError = c.lastError
	c.statsMu.Unlock()

	return st
}

func (c *Controller) updateStats(f source.Frame) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	if c.haveFrame {
		if dt := f.Timestamp - c.lastFrameTS; dt > 0 {
			inst := float64(time.Second) / float64(dt)
			if c.fps == 0 {
				c.fps = inst
			} else {
				c.fps = 0.9*c.fps + 0.1*inst
			}
		}
	}
	c.lastFrameTS = f.Timestamp
	c.haveFrame = true
	c.features = len(f.Points)
	c.tracking = f.Tracking
}

// fail returns a starting controller to idle, then records and publishes
// the init error.
func (c *Controller) fail(session string, err *Error) error {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()

	slog.Error("Failed to start recording", "op", err.Op, "error", err.Err)
	c.setLastError(err)
	c.publish(Event{Type: EventError, Kind: err.Kind, Session: session, Message: err.Error()})
	return err
}

func (c *Controller) report(session string, err error) {
	slog.Error("Recording error", "session", session, "error", err)
	c.setLastError(err)

	var kind Kind
	var e *Error
	if errors.As(err, &e) {
		kind = e.Kind
	}
	c.publish(Event{Type: EventError, Kind: kind, Session: session, Message: err.Error()})
}

func (c *Controller) setLastError(err error) {
	c.statsMu.Lock()
	c.lastError = err.Error()
	c.statsMu.Unlock()
}

func (c *Controller) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = c.clock()
	}
	c.events.Publish(e)
}
