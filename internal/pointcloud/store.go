package pointcloud

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/audiolibrelab/spatialcapture/internal/spatial"
)

// Policy decides what a flush does with the previous file content.
type Policy string

const (
	// PolicyOverwrite keeps only the latest window.
	PolicyOverwrite Policy = "overwrite"
	// PolicyAppend keeps every window, separated by a blank line.
	PolicyAppend Policy = "append"
)

// ParsePolicy validates a configured persistence policy. Empty means overwrite.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyOverwrite:
		return PolicyOverwrite, nil
	case PolicyAppend:
		return PolicyAppend, nil
	}
	return "", fmt.Errorf("persist policy must be %q or %q, got: %s", PolicyOverwrite, PolicyAppend, s)
}

// Store writes flushed windows to the point-cloud and pose files.
type Store struct {
	PointsPath string
	PosePath   string
	Policy     Policy
}

// NewStore creates a store for the given files.
func NewStore(pointsPath, posePath string, policy Policy) *Store {
	if policy == "" {
		policy = PolicyOverwrite
	}
	return &Store{PointsPath: pointsPath, PosePath: posePath, Policy: policy}
}

// Write persists a window. Both files are attempted even if the first fails.
func (s *Store) Write(w Window) error {
	var errs []error

	if err := s.writeBlock(s.PointsPath, []byte(spatial.FormatPoints(w.Points))); err != nil {
		errs = append(errs, fmt.Errorf("point cloud: %w", err))
	}

	if w.HasPose {
		if err := s.writeBlock(s.PosePath, []byte(w.Pose.String()+"\n")); err != nil {
			errs = append(errs, fmt.Errorf("pose: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (s *Store) writeBlock(path string, block []byte) error {
	if s.Policy == PolicyAppend {
		existing, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if len(existing) > 0 {
			block = append(append(existing, '\n'), block...)
		}
	}
	return WriteFileAtomic(path, block, 0644)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
