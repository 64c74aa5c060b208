package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/spatialcapture/internal/audio"
	"github.com/audiolibrelab/spatialcapture/internal/config"
	"github.com/audiolibrelab/spatialcapture/internal/merge"
	"github.com/audiolibrelab/spatialcapture/internal/recording"
	"github.com/audiolibrelab/spatialcapture/internal/source"
	"github.com/audiolibrelab/spatialcapture/internal/video"
)

type fakeEncoder struct {
	mu   sync.Mutex
	path string
}

func (e *fakeEncoder) Configure(path string, s video.Settings) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.path = path
	return nil
}

func (e *fakeEncoder) Start(anchor time.Duration) error { return nil }

func (e *fakeEncoder) AppendFrame(buf video.PixelBuffer, ts time.Duration) error { return nil }

func (e *fakeEncoder) Finish(done func(error)) {
	e.mu.Lock()
	path := e.path
	e.mu.Unlock()
	go done(os.WriteFile(path, []byte("video"), 0644))
}

func (e *fakeEncoder) Abort() error { return nil }

type fakeAudio struct {
	mu       sync.Mutex
	startErr error
}

func (a *fakeAudio) Start(path string, s audio.Settings) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	return os.WriteFile(path, []byte("audio"), 0644)
}

func (a *fakeAudio) Stop() error { return nil }

type fakeMerger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *fakeMerger) Merge(ctx context.Context, v, a, out string) merge.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return merge.Result{Outcome: merge.Failed, Output: out, Err: m.err}
	}
	if err := os.WriteFile(out, []byte("merged"), 0644); err != nil {
		return merge.Result{Outcome: merge.Failed, Output: out, Err: err}
	}
	return merge.Result{Outcome: merge.Completed, Output: out}
}

func (m *fakeMerger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakePlayer struct {
	played []string
}

func (p *fakePlayer) Play(path string) error {
	p.played = append(p.played, path)
	return nil
}

// manualSource delivers the frames pushed to it.
type manualSource struct {
	frames chan source.Frame
}

func (s *manualSource) Run(ctx context.Context, h source.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.frames:
			h.OnFrame(f)
		}
	}
}

type fixture struct {
	svc    *CaptureService
	cfg    *config.Config
	audio  *fakeAudio
	merger *fakeMerger
	player *fakePlayer
	source *manualSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		cfg:    config.Default(),
		audio:  &fakeAudio{},
		merger: &fakeMerger{},
		player: &fakePlayer{},
		source: &manualSource{frames: make(chan source.Frame)},
	}
	f.cfg.Output.Directory = t.TempDir()

	deps := func(cfg *config.Config, logWriter io.Writer) recording.Deps {
		return recording.Deps{
			NewEncoder: func() recording.Encoder { return &fakeEncoder{} },
			Audio:      f.audio,
			Merger:     f.merger,
		}
	}

	svc, err := New(f.cfg, "", io.Discard, WithDeps(deps), WithSource(f.source), WithPlayer(f.player))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) record(t *testing.T) *recording.Session {
	t.Helper()
	sess, err := f.svc.StartRecording()
	require.NoError(t, err)
	_, err = f.svc.StopRecording()
	require.NoError(t, err)
	return sess
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestStartStopRecording(t *testing.T) {
	f := newFixture(t)

	sess, err := f.svc.StartRecording()
	require.NoError(t, err)
	assert.Equal(t, recording.StateRecording, f.svc.Status().State)

	res, err := f.svc.StopRecording()
	require.NoError(t, err)
	require.NotNil(t, res.Merge)
	assert.Equal(t, merge.Completed, res.Merge.Outcome)

	st := f.svc.Status()
	assert.Equal(t, recording.StateIdle, st.State)
	assert.Equal(t, "default", st.Profile)
	assert.Equal(t, f.cfg.Output.Directory, st.OutputDir)

	sessions, err := f.svc.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	info := sessions[0]
	assert.Equal(t, sess.Name, info.Name)
	assert.True(t, info.Merged)
	assert.False(t, info.Active)

	var names []string
	for _, file := range info.Files {
		names = append(names, file.Name)
		assert.Equal(t, "/sessions/"+sess.Name+"/files/"+file.Name, file.URL)
	}
	assert.Contains(t, names, recording.MergedFile)
	assert.Contains(t, names, recording.ManifestFile)
	assert.Contains(t, names, recording.AudioFile)
}

func TestStopWhileIdleSetsLastError(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StopRecording()
	assert.ErrorIs(t, err, recording.ErrNotRecording)
	assert.Contains(t, f.svc.GetLastError(), "Failed to stop recording")
}

func TestStartFailureSetsLastError(t *testing.T) {
	f := newFixture(t)
	f.audio.startErr = errors.New("no such device")

	_, err := f.svc.StartRecording()
	assert.ErrorIs(t, err, recording.ErrAudioInit)
	assert.Contains(t, f.svc.GetLastError(), "no such device")
	assert.Contains(t, f.svc.Status().LastError, "no such device")
	assert.Equal(t, recording.StateIdle, f.svc.Status().State)
}

func TestToggle(t *testing.T) {
	f := newFixture(t)
	events, unsubscribe := f.svc.Subscribe(16)
	defer unsubscribe()

	state, err := f.svc.Toggle()
	require.NoError(t, err)
	assert.Equal(t, recording.StateRecording, state)

	_, err = f.svc.Toggle()
	require.NoError(t, err)

	timeout := time.After(2 * time.Second)
	for finished := false; !finished; {
		select {
		case e := <-events:
			finished = e.Type == recording.EventFinished
		case <-timeout:
			t.Fatal("session did not finish")
		}
	}
	assert.Equal(t, recording.StateIdle, f.svc.Status().State)
	assert.Equal(t, 1, f.merger.callCount())
}

func TestSessionFile(t *testing.T) {
	f := newFixture(t)
	sess := f.record(t)

	path, err := f.svc.SessionFile(sess.Name, recording.MergedFile)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sess.Dir, recording.MergedFile), path)

	_, err = f.svc.SessionFile(sess.Name, "other.txt")
	assert.Error(t, err)

	_, err = f.svc.SessionFile("..", recording.MergedFile)
	assert.Error(t, err)

	_, err = f.svc.SessionFile("missing", recording.MergedFile)
	assert.Error(t, err)
}

func TestMergeRerunUpdatesManifest(t *testing.T) {
	f := newFixture(t)
	sess := f.record(t)

	res, err := f.svc.Merge(context.Background(), sess.Name)
	require.NoError(t, err)
	assert.Equal(t, merge.Completed, res.Outcome)
	assert.Equal(t, 2, f.merger.callCount())

	f.merger.err = errors.New("corrupt input")
	res, err = f.svc.Merge(context.Background(), sess.Name)
	assert.Error(t, err)
	assert.Equal(t, merge.Failed, res.Outcome)
	assert.Contains(t, f.svc.GetLastError(), "corrupt input")

	m, err := recording.ReadManifest(sess.ManifestPath())
	require.NoError(t, err)
	require.NotNil(t, m.Merge)
	assert.Equal(t, merge.Failed, m.Merge.Outcome)
}

func TestMergeRejectsActiveSession(t *testing.T) {
	f := newFixture(t)

	sess, err := f.svc.StartRecording()
	require.NoError(t, err)
	defer f.svc.StopRecording()

	_, err = f.svc.Merge(context.Background(), sess.Name)
	assert.ErrorContains(t, err, "still being recorded")
	assert.Equal(t, 0, f.merger.callCount())
}

func TestPlayPrefersMergedFile(t *testing.T) {
	f := newFixture(t)
	sess := f.record(t)

	require.NoError(t, f.svc.Play(sess.Name))
	require.NoError(t, os.Remove(sess.MergedPath))
	require.NoError(t, f.svc.Play(sess.Name))

	assert.Equal(t, []string{sess.MergedPath, sess.VideoPath}, f.player.played)
}

func TestRunPipeline(t *testing.T) {
	f := newFixture(t)

	err := f.svc.RunPipeline(context.Background(), "rmp", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, f.merger.callCount())
	require.Len(t, f.player.played, 1)

	sessions, err := f.svc.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, sessions[0].MergedPath, f.player.played[0])
}

func TestRunPipelineErrors(t *testing.T) {
	f := newFixture(t)

	err := f.svc.RunPipeline(context.Background(), "x", 0)
	assert.ErrorContains(t, err, "unknown pipeline step")

	err = f.svc.RunPipeline(context.Background(), "m", 0)
	assert.ErrorContains(t, err, "no sessions")
}

func TestRunDeliversFrames(t *testing.T) {
	f := newFixture(t)
	f.run(t)

	f.source.frames <- source.Frame{
		Timestamp: time.Second,
		Points:    []r3.Vector{{X: 1}, {Y: 1}},
		Tracking:  source.TrackingNormal,
	}

	assert.Eventually(t, func() bool {
		st := f.svc.Status()
		return st.FeaturePoints == 2 && st.Tracking == source.TrackingNormal
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApplyConfigDeferredWhileRecording(t *testing.T) {
	f := newFixture(t)
	f.run(t)

	_, err := f.svc.StartRecording()
	require.NoError(t, err)

	next := config.Default()
	next.Profile = "outdoor"
	next.Output.Directory = t.TempDir()
	require.NoError(t, f.svc.ApplyConfig(next))
	assert.Equal(t, "default", f.svc.GetConfig().Profile)

	_, err = f.svc.StopRecording()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return f.svc.GetConfig().Profile == "outdoor"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, next.Output.Directory, f.svc.Status().OutputDir)
}

func TestApplyConfigWhileIdle(t *testing.T) {
	f := newFixture(t)

	next := config.Default()
	next.Profile = "studio"
	next.Output.Directory = t.TempDir()
	require.NoError(t, f.svc.ApplyConfig(next))
	assert.Equal(t, "studio", f.svc.GetConfig().Profile)

	sess := f.record(t)
	assert.Equal(t, next.Output.Directory, filepath.Dir(sess.Dir))
}

func TestCloseStopsActiveRecording(t *testing.T) {
	f := newFixture(t)
	f.run(t)

	_, err := f.svc.StartRecording()
	require.NoError(t, err)

	require.NoError(t, f.svc.Close())
	assert.Equal(t, recording.StateIdle, f.svc.Status().State)
	assert.Equal(t, 1, f.merger.callCount())
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestSyntheticConfigFollowsVideo(t *testing.T) {
	cfg := config.Default()
	cfg.Video.Width, cfg.Video.Height, cfg.Video.FPS = 640, 480, 24
	cfg.Source.Width, cfg.Source.Height = 16, 16
	cfg.Source.PointsPerFrame = 12

	sc := SyntheticConfig(cfg)
	assert.Equal(t, 640, sc.Width)
	assert.Equal(t, 480, sc.Height)
	assert.Equal(t, float64(24), sc.FPS)
	assert.Equal(t, cfg.Video.PixelFormat, sc.PixelFormat)
	assert.Equal(t, 12, sc.PointsPerFrame)

	_, err := source.NewSynthetic(sc)
	assert.NoError(t, err)
}

func TestStartDuringConfigSwapUsesNewController(t *testing.T) {
	f := newFixture(t)

	type startResult struct {
		sess *recording.Session
		err  error
	}
	started := make(chan startResult, 1)

	deps := f.svc.newDeps
	var once sync.Once
	f.svc.newDeps = func(cfg *config.Config, logWriter io.Writer) recording.Deps {
		once.Do(func() {
			go func() {
				sess, err := f.svc.StartRecording()
				started <- startResult{sess, err}
			}()
			// let the start reach the service while the swap is in progress
			time.Sleep(50 * time.Millisecond)
		})
		return deps(cfg, logWriter)
	}

	next := config.Default()
	next.Profile = "studio"
	next.Output.Directory = t.TempDir()
	require.NoError(t, f.svc.ApplyConfig(next))

	res := <-started
	require.NoError(t, res.err)
	assert.Equal(t, next.Output.Directory, filepath.Dir(res.sess.Dir))

	st := f.svc.Status()
	assert.Equal(t, recording.StateRecording, st.State)
	require.NotNil(t, st.Session)
	assert.Equal(t, res.sess.Name, st.Session.Name)

	_, err := f.svc.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, recording.StateIdle, f.svc.Status().State)
}

func TestOutputOverrideSurvivesConfigChanges(t *testing.T) {
	pinned := t.TempDir()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()

	deps := func(cfg *config.Config, logWriter io.Writer) recording.Deps {
		return recording.Deps{
			NewEncoder: func() recording.Encoder { return &fakeEncoder{} },
			Audio:      &fakeAudio{},
			Merger:     &fakeMerger{},
		}
	}
	svc, err := New(cfg, "", io.Discard, WithDeps(deps),
		WithSource(&manualSource{frames: make(chan source.Frame)}), WithOutputOverride(pinned))
	require.NoError(t, err)
	assert.Equal(t, pinned, svc.GetConfig().Output.Directory)

	next := config.Default()
	next.Profile = "studio"
	next.Output.Directory = t.TempDir()
	require.NoError(t, svc.ApplyConfig(next))

	assert.Equal(t, "studio", svc.GetConfig().Profile)
	assert.Equal(t, pinned, svc.GetConfig().Output.Directory)
	assert.NotEqual(t, pinned, next.Output.Directory, "the caller's config is not modified")

	sess, err := svc.StartRecording()
	require.NoError(t, err)
	assert.Equal(t, pinned, filepath.Dir(sess.Dir))
	_, err = svc.StopRecording()
	require.NoError(t, err)
}
