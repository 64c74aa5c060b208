package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/spatialcapture/internal/audio"
	"github.com/audiolibrelab/spatialcapture/internal/config"
	"github.com/audiolibrelab/spatialcapture/internal/merge"
	"github.com/audiolibrelab/spatialcapture/internal/recording"
	"github.com/audiolibrelab/spatialcapture/internal/service"
)

type fakeBackend struct {
	mu       sync.Mutex
	state    recording.State
	startErr error
	cfg      *config.Config
	events   *recording.Notifier
	sessions []service.SessionInfo
	files    map[string]string
	merged   []string
}

func newFakeBackend() *fakeBackend {
	cfg := config.Default()
	cfg.Output.Directory = "/tmp/sessions"
	return &fakeBackend{
		state:  recording.StateIdle,
		cfg:    cfg,
		events: recording.NewNotifier(),
		files:  map[string]string{},
	}
}

func (f *fakeBackend) StartRecording() (*recording.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.state != recording.StateIdle {
		return nil, recording.ErrAlreadyRecording
	}
	f.state = recording.StateRecording
	return &recording.Session{Name: "20240501-120000-abcdef12"}, nil
}

func (f *fakeBackend) StopRecording() (recording.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != recording.StateRecording {
		return recording.Result{}, recording.ErrNotRecording
	}
	f.state = recording.StateIdle
	return recording.Result{
		Session: &recording.Session{Name: "20240501-120000-abcdef12"},
		Merge:   &merge.Result{Outcome: merge.Completed},
	}, nil
}

func (f *fakeBackend) Toggle() (recording.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == recording.StateIdle {
		f.state = recording.StateRecording
	} else {
		f.state = recording.StateIdle
	}
	return f.state, nil
}

func (f *fakeBackend) Status() service.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return service.Status{
		Status:    recording.Status{State: f.state, FPS: 30},
		Profile:   f.cfg.Profile,
		OutputDir: f.cfg.Output.Directory,
	}
}

func (f *fakeBackend) ListSessions() ([]service.SessionInfo, error) { return f.sessions, nil }

func (f *fakeBackend) SessionFile(id, name string) (string, error) {
	if p, ok := f.files[id+"/"+name]; ok {
		return p, nil
	}
	return "", errors.New("file not found")
}

func (f *fakeBackend) Info(ctx context.Context, id string) (*service.SessionDetails, error) {
	return nil, errors.New("session not found: " + id)
}

func (f *fakeBackend) Merge(ctx context.Context, id string) (merge.Result, error) {
	f.merged = append(f.merged, id)
	if id == "broken" {
		err := errors.New("corrupt input")
		return merge.Result{Outcome: merge.Failed, Err: err}, err
	}
	return merge.Result{Outcome: merge.Completed, Output: id + "/merged.mov"}, nil
}

func (f *fakeBackend) Play(id string) error { return nil }

func (f *fakeBackend) RunPipeline(ctx context.Context, steps string, d time.Duration) error {
	return nil
}

func (f *fakeBackend) LoadProfile(profile string) error { return nil }

func (f *fakeBackend) ApplyConfig(cfg *config.Config) error { return nil }

func (f *fakeBackend) GetConfig() *config.Config { return f.cfg }

func (f *fakeBackend) Subscribe(buffer int) (<-chan recording.Event, func()) {
	return f.events.Subscribe(buffer)
}

func (f *fakeBackend) GetLastError() string { return "" }

func (f *fakeBackend) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	return NewWithBackend(backend, "", "0"), backend
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestIndex(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := do(t, s, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<title>SpatialCapture</title>")
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := do(t, s, http.MethodGet, "/status")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "IDLE", body["state"])
	assert.Equal(t, "Ready to record", body["message"])
	assert.Equal(t, "default", body["profile"])

	cfg, ok := body["resolved_config"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1280x720@30 h264/mp4", cfg["video"])
	assert.Equal(t, "/tmp/sessions", cfg["output_dir"])
}

func TestToggle(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodPost, "/toggle")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "RECORDING", body["state"])

	_, body = do(t, s, http.MethodGet, "/status")
	assert.Contains(t, body["message"], "Recording")

	_, body = do(t, s, http.MethodPost, "/toggle")
	assert.Equal(t, "IDLE", body["state"])
}

func TestStartStop(t *testing.T) {
	s, _ := newTestServer(t)

	rec, _ := do(t, s, http.MethodPost, "/start")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := do(t, s, http.MethodPost, "/start")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, body = do(t, s, http.MethodPost, "/stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Recording stopped and merged successfully", body["message"])

	rec, _ = do(t, s, http.MethodPost, "/stop")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartFailure(t *testing.T) {
	s, backend := newTestServer(t)
	backend.startErr = errors.New("encoder initialization failed")

	rec, body := do(t, s, http.MethodPost, "/start")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "encoder initialization failed")
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := do(t, s, http.MethodGet, "/toggle")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method not allowed", body["error"])
}

func TestSessions(t *testing.T) {
	s, backend := newTestServer(t)

	_, body := do(t, s, http.MethodGet, "/sessions")
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, []interface{}{}, body["sessions"])

	backend.sessions = []service.SessionInfo{
		{Session: &recording.Session{Name: "b"}, Merged: true},
		{Session: &recording.Session{Name: "a"}},
	}
	_, body = do(t, s, http.MethodGet, "/sessions")
	assert.Equal(t, float64(2), body["count"])
	first := body["sessions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "b", first["name"])
	assert.Equal(t, true, first["merged"])
}

func TestSessionFile(t *testing.T) {
	s, backend := newTestServer(t)

	path := filepath.Join(t.TempDir(), "pose.txt")
	require.NoError(t, os.WriteFile(path, []byte("1,0,0,0\n"), 0644))
	backend.files["s1/pose.txt"] = path

	rec, _ := do(t, s, http.MethodGet, "/sessions/s1/files/pose.txt")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1,0,0,0\n", rec.Body.String())

	rec, _ = do(t, s, http.MethodGet, "/sessions/s1/files/pose.txt?download=1")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	rec, _ = do(t, s, http.MethodGet, "/sessions/s1/files/missing.txt")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionInfoNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := do(t, s, http.MethodGet, "/sessions/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], "nope")
}

func TestMerge(t *testing.T) {
	s, backend := newTestServer(t)

	rec, body := do(t, s, http.MethodPost, "/sessions/s1/merge")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])

	rec, body = do(t, s, http.MethodPost, "/sessions/broken/merge")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "corrupt input")

	assert.Equal(t, []string{"s1", "broken"}, backend.merged)
}

func TestProfilesWithoutConfigFile(t *testing.T) {
	s, _ := newTestServer(t)

	_, body := do(t, s, http.MethodGet, "/config/profiles")
	assert.Equal(t, "default", body["active"])

	req := httptest.NewRequest(http.MethodPost, "/config/select", strings.NewReader("profile=studio"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSources(t *testing.T) {
	s, _ := newTestServer(t)
	s.listSources = func(b audio.Backend) ([]string, error) {
		return []string{"USB Mic:capture_FL"}, nil
	}

	_, body := do(t, s, http.MethodGet, "/sources")
	assert.Equal(t, "pipewire", body["backend"])
	assert.Equal(t, []interface{}{"USB Mic:capture_FL"}, body["sources"])
}

func TestEventsWebsocket(t *testing.T) {
	s, backend := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first EventMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Nil(t, first.Event)
	assert.Equal(t, recording.StateIdle, first.Status.State)

	backend.events.Publish(recording.Event{Type: recording.EventStarted, Session: "s1", Message: "Recording started"})

	var second EventMessage
	require.NoError(t, conn.ReadJSON(&second))
	require.NotNil(t, second.Event)
	assert.Equal(t, recording.EventStarted, second.Event.Type)
	assert.Equal(t, "s1", second.Event.Session)
}

func TestStartShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
