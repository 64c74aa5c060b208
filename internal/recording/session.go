package recording

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/spatialcapture/internal/merge"
	"github.com/audiolibrelab/spatialcapture/internal/pointcloud"
	"github.com/audiolibrelab/spatialcapture/internal/video"
)

// Artifact file names inside a session directory.
const (
	AudioFile      = "audio.m4a"
	PointCloudFile = "pointcloud.txt"
	PoseFile       = "pose.txt"
	MergedFile     = "merged.mov"
	ManifestFile   = "session.yaml"
	videoBase      = "video"
)

const sessionTimeLayout = "20060102-150405"

// Session is one recording's directory and artifact paths.
type Session struct {
	ID      string    `json:"id" yaml:"id"`
	Name    string    `json:"name" yaml:"name"`
	Dir     string    `json:"dir" yaml:"-"`
	Started time.Time `json:"started" yaml:"started"`

	VideoPath      string `json:"video" yaml:"-"`
	AudioPath      string `json:"audio" yaml:"-"`
	PointCloudPath string `json:"pointcloud" yaml:"-"`
	PosePath       string `json:"pose" yaml:"-"`
	MergedPath     string `json:"merged" yaml:"-"`
}

// NewSession creates a fresh directory under root named after the start
// time and a random id. Creation fails rather than reuse an existing
// directory.
func NewSession(root string, now time.Time, videoExt string) (*Session, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	id := uuid.NewString()
	name := now.Format(sessionTimeLayout) + "-" + id[:8]
	dir := filepath.Join(root, name)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	s := sessionAt(dir, videoExt)
	s.ID = id
	s.Started = now
	return s, nil
}

func sessionAt(dir, videoExt string) *Session {
	return &Session{
		Name:           filepath.Base(dir),
		Dir:            dir,
		VideoPath:      filepath.Join(dir, videoBase+videoExt),
		AudioPath:      filepath.Join(dir, AudioFile),
		PointCloudPath: filepath.Join(dir, PointCloudFile),
		PosePath:       filepath.Join(dir, PoseFile),
		MergedPath:     filepath.Join(dir, MergedFile),
	}
}

// OpenSession loads an existing session directory by name.
func OpenSession(root, name string) (*Session, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid session name: %q", name)
	}
	dir := filepath.Join(root, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("session not found: %s", name)
	}

	ext := ".mp4"
	if _, err := os.Stat(filepath.Join(dir, videoBase+".mov")); err == nil {
		ext = ".mov"
	}
	s := sessionAt(dir, ext)

	if m, err := ReadManifest(filepath.Join(dir, ManifestFile)); err == nil {
		s.ID = m.ID
		s.Started = m.Started
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	} else if t, err := time.ParseInLocation(sessionTimeLayout, prefix(name, len(sessionTimeLayout)), time.Local); err == nil {
		s.Started = t
	}
	return s, nil
}

func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

// ManifestPath is where the session summary is written.
func (s *Session) ManifestPath() string {
	return filepath.Join(s.Dir, ManifestFile)
}

// Files lists the artifacts that exist on disk, by file name.
func (s *Session) Files() []string {
	var files []string
	for _, p := range []string{s.VideoPath, video.TimecodePath(s.VideoPath), s.AudioPath, s.PointCloudPath, s.PosePath, s.MergedPath, s.ManifestPath()} {
		if _, err := os.Stat(p); err == nil {
			files = append(files, filepath.Base(p))
		}
	}
	return files
}

// ListSessions returns the sessions under root, newest first.
func ListSessions(root string) ([]*Session, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	var sessions []*Session
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s, err := OpenSession(root, e.Name())
		if err != nil {
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].Started.Equal(sessions[j].Started) {
			return sessions[i].Started.After(sessions[j].Started)
		}
		return sessions[i].Name > sessions[j].Name
	})
	return sessions, nil
}

// Manifest is the session summary stored as session.yaml.
type Manifest struct {
	ID      string    `yaml:"id"`
	Name    string    `yaml:"name"`
	Started time.Time `yaml:"started"`
	Stopped time.Time `yaml:"stopped"`

	Settings Settings `yaml:"settings"`

	Frames struct {
		Accepted int64 `yaml:"accepted"`
		Dropped  int64 `yaml:"dropped"`
		Rejected int64 `yaml:"rejected"`
	} `yaml:"frames"`
	Flushes     int64 `yaml:"flushes"`
	FlushErrors int64 `yaml:"flush_errors"`

	Merge  *merge.Result `yaml:"merge,omitempty"`
	Errors []string      `yaml:"errors,omitempty"`
}

// WriteManifest stores m at path atomically.
func WriteManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return pointcloud.WriteFileAtomic(path, data, 0644)
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}
