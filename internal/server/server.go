package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/spatialcapture/internal/audio"
	"github.com/audiolibrelab/spatialcapture/internal/config"
	"github.com/audiolibrelab/spatialcapture/internal/recording"
	"github.com/audiolibrelab/spatialcapture/internal/service"
)

const (
	shutdownTimeout = 5 * time.Second
	pingInterval    = 30 * time.Second
	writeTimeout    = 10 * time.Second
)

// Backend is the service the server drives.
type Backend interface {
	service.Service
	Run(ctx context.Context) error
	Close() error
}

// Server represents the web remote for controlling SpatialCapture
type Server struct {
	service    Backend
	configFile string
	port       string
	router     *mux.Router
	upgrader   websocket.Upgrader

	listSources func(audio.Backend) ([]string, error)
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	service.Status
	Message string              `json:"message"`
	Config  *ResolvedConfigInfo `json:"resolved_config"`
}

// ResolvedConfigInfo contains configuration information for the UI
type ResolvedConfigInfo struct {
	ActiveProfile string                  `json:"active_profile"`
	OutputDir     string                  `json:"output_dir"`
	Video         string                  `json:"video"`
	Audio         string                  `json:"audio"`
	FlushInterval string                  `json:"flush_interval"`
	Inheritance   *config.InheritanceInfo `json:"inheritance,omitempty"`
}

// EventMessage is pushed to websocket clients.
type EventMessage struct {
	Event  *recording.Event `json:"event,omitempty"`
	Status StatusResponse   `json:"status"`
}

// New creates a new web server instance
func New(cfg *config.Config, configFile, port string, logWriter io.Writer, opts ...service.Option) (*Server, error) {
	svc, err := service.New(cfg, configFile, logWriter, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return NewWithBackend(svc, configFile, port), nil
}

// NewWithBackend creates a server around an existing backend.
func NewWithBackend(svc Backend, configFile, port string) *Server {
	s := &Server{
		service:     svc,
		configFile:  configFile,
		port:        port,
		listSources: audio.ListSources,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/toggle", s.handleToggle).Methods(http.MethodPost)
	r.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleSessionInfo).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/merge", s.handleMerge).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/files/{name}", s.handleSessionFile).Methods(http.MethodGet)
	r.HandleFunc("/config/profiles", s.handleProfiles).Methods(http.MethodGet)
	r.HandleFunc("/config/select", s.handleSelectProfile).Methods(http.MethodPost)
	r.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
	})
	return r
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the frame loop and the web server until ctx is done, then
// stops an active recording and shuts down.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.configFile != "" {
		if _, err := os.Stat(s.configFile); err == nil {
			config.Watch(s.configFile, "", func(cfg *config.Config) {
				if err := s.service.ApplyConfig(cfg); err != nil {
					slog.Warn("Failed to apply reloaded configuration", "error", err)
				}
			})
		}
	}

	httpServer := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		return s.service.Run(ctx)
	})

	g.Go(func() error {
		localIP := getLocalIP()
		slog.Info("Starting SpatialCapture Web Server",
			"port", s.port,
			"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
			"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down web server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		return errors.Join(err, s.service.Close())
	})

	return g.Wait()
}

// handleIndex serves the main web UI
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	io.WriteString(w, indexHTML)
}

// handleToggle starts or stops a recording; a stop returns before the merge
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.Toggle()
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Toggle failed: %v", err),
			"operation", "toggle")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"state":   state,
		"message": stateMessage(state),
	})
}

// handleStart transitions IDLE -> RECORDING
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.StartRecording()
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start recording: %v", err),
			"operation", "start_recording")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Recording started",
		"session": sess,
	})
}

// handleStop stops the session and waits until it is merged
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.StopRecording()
	if err != nil && res.Session == nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}

	response := map[string]interface{}{
		"success": err == nil,
		"message": "Recording stopped",
		"session": res.Session,
	}
	if res.Merge != nil {
		response["merge"] = res.Merge
		if res.Merge.Err == nil {
			response["message"] = "Recording stopped and merged successfully"
		}
	}
	if err != nil {
		response["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) statusResponse() StatusResponse {
	st := s.service.Status()
	return StatusResponse{
		Status:  st,
		Message: s.generateStatusMessage(st),
		Config:  s.getResolvedConfigInfo(),
	}
}

func (s *Server) generateStatusMessage(st service.Status) string {
	switch st.State {
	case recording.StateRecording:
		if st.Session != nil {
			return fmt.Sprintf("Recording %s (%s)", st.Session.Name, st.Elapsed)
		}
		return "Recording"
	case recording.StateStarting:
		return "Starting recording"
	case recording.StateFinalizing:
		return "Finalizing recording"
	}
	if st.LastError != "" {
		return "Error: " + st.LastError
	}
	return "Ready to record"
}

func stateMessage(state recording.State) string {
	switch state {
	case recording.StateRecording:
		return "Recording started"
	case recording.StateFinalizing:
		return "Finalizing recording"
	}
	return "Recording stopped"
}

// getResolvedConfigInfo builds configuration information for the UI
func (s *Server) getResolvedConfigInfo() *ResolvedConfigInfo {
	cfg := s.service.GetConfig()
	if cfg == nil {
		return nil
	}
	return &ResolvedConfigInfo{
		ActiveProfile: cfg.Profile,
		OutputDir:     cfg.Output.Directory,
		Video: fmt.Sprintf("%dx%d@%g %s/%s", cfg.Video.Width, cfg.Video.Height,
			cfg.Video.FPS, cfg.Video.Codec, cfg.Video.Container),
		Audio: fmt.Sprintf("%s %d Hz %dch %s", cfg.Audio.Backend, cfg.Audio.SampleRate,
			cfg.Audio.Channels, cfg.Audio.Quality),
		FlushInterval: cfg.PointCloud.FlushInterval.String(),
		Inheritance:   cfg.Inheritance,
	}
}

// handleEvents streams controller events and status snapshots over a websocket
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.service.Subscribe(32)
	defer unsubscribe()

	// the read pump only detects the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg EventMessage) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg)
	}

	if err := send(EventMessage{Status: s.statusResponse()}); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := send(EventMessage{Event: &e, Status: s.statusResponse()}); err != nil {
				slog.Debug("Websocket client gone", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// handleSessions lists recorded sessions, newest first
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.ListSessions()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list sessions: %v", err), "operation", "list_sessions")
		return
	}
	if sessions == nil {
		sessions = []service.SessionInfo{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleSessionInfo returns the manifest and inspected media of a session
func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	details, err := s.service.Info(r.Context(), id)
	if err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, err.Error(), "operation", "session_info", "session", id)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// handleMerge re-runs the merge of a finished session
func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.service.Merge(r.Context(), id)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Merge failed: %v", err), "operation", "merge", "session", id)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Merge completed",
		"merge":   res,
	})
}

// handleSessionFile streams one artifact of a session with range support
func (s *Server) handleSessionFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	path, err := s.service.SessionFile(vars["id"], vars["name"])
	if err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, err.Error(),
			"operation", "session_file", "session", vars["id"], "file", vars["name"])
		return
	}

	if r.URL.Query().Get("download") != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", vars["name"]))
	}
	http.ServeFile(w, r, path)
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if s.configFile == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"profiles": []string{s.service.GetConfig().Profile},
			"active":   s.service.GetConfig().Profile,
		})
		return
	}

	profiles, active, err := config.Profiles(s.configFile)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to read profiles: %v", err), "operation", "profiles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": profiles,
		"active":   active,
	})
}

// handleSelectProfile makes a profile active in the config file and loads it
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid form data", "operation", "select_profile")
		return
	}
	profile := r.FormValue("profile")
	if profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name is required", "operation", "select_profile")
		return
	}
	if s.configFile == "" {
		s.sendErrorResponse(w, http.StatusConflict, "No config file in use", "operation", "select_profile")
		return
	}

	if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("Failed to select profile: %v", err), "operation", "select_profile", "profile", profile)
		return
	}
	if err := s.service.LoadProfile(profile); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to load profile: %v", err), "operation", "select_profile", "profile", profile)
		return
	}

	slog.Info("Profile selected", "profile", profile)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile '%s' selected", profile),
	})
}

// handleSources lists the capture sources of the configured audio backend
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	backend, err := audio.ParseBackend(s.service.GetConfig().Audio.Backend)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "sources")
		return
	}

	sources, err := s.listSources(backend)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list sources: %v", err), "operation", "sources", "backend", backend)
		return
	}
	if sources == nil {
		sources = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend": backend,
		"sources": sources,
	})
}

// statusFor maps controller rejections to HTTP conflicts.
func statusFor(err error) int {
	switch {
	case errors.Is(err, recording.ErrAlreadyRecording),
		errors.Is(err, recording.ErrNotRecording),
		errors.Is(err, recording.ErrStarting),
		errors.Is(err, recording.ErrFinalizing):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

// sendErrorResponse sends a JSON error response with logging
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
