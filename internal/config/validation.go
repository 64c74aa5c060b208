package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/audiolibrelab/spatialcapture/internal/audio"
	"github.com/audiolibrelab/spatialcapture/internal/pointcloud"
	"github.com/audiolibrelab/spatialcapture/internal/recording"
	"github.com/audiolibrelab/spatialcapture/internal/source"
	"github.com/audiolibrelab/spatialcapture/internal/video"
)

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seen := make(map[string]bool)
	for i, input := range definitions.Inputs {
		if input.ID == "" {
			return fmt.Errorf("input %d: id is required", i)
		}
		if seen[input.ID] {
			return fmt.Errorf("duplicate input id '%s'", input.ID)
		}
		seen[input.ID] = true

		if err := validateInputDefinition(input); err != nil {
			return fmt.Errorf("input '%s': %w", input.ID, err)
		}
	}

	return nil
}

func validateInputDefinition(input InputDefinition) error {
	if _, err := audio.ParseBackend(input.Backend); err != nil {
		return err
	}
	if input.Channels != 1 && input.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got: %d", input.Channels)
	}
	for _, port := range strings.Split(input.Source, ",") {
		if !isValidAudioSource(strings.TrimSpace(port)) {
			return fmt.Errorf("invalid source '%s'", port)
		}
	}
	return nil
}

// isValidAudioSource accepts empty (backend default), the disabled marker,
// PipeWire "client:port" names and plain device names.
func isValidAudioSource(source string) bool {
	if source == "" || source == "disabled" {
		return true
	}
	if strings.ContainsAny(source, "\n\r\t") {
		return false
	}
	if i := strings.Index(source, ":"); i == 0 || i == len(source)-1 {
		return false
	}
	return true
}

// validateInputReference validates that a profile's audio input exists
func validateInputReference(profile *ConfigProfile, definitions *DefinitionsConfig) error {
	if profile == nil {
		return fmt.Errorf("profile cannot be empty")
	}
	ref := profile.Audio.Input
	if ref == "" {
		return nil
	}
	if definitions == nil {
		return fmt.Errorf("definitions section is required for audio input '%s'", ref)
	}
	if findInput(definitions, ref) == nil {
		return fmt.Errorf("audio input '%s' not found in definitions", ref)
	}
	return nil
}

// Validate checks a resolved configuration.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Output.Directory == "" {
		errs = append(errs, fmt.Errorf("output: directory is required"))
	}
	if err := cfg.Video.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("video: %w", err))
	}
	if err := cfg.Audio.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if cfg.PointCloud.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("pointcloud: flush_interval must be positive, got: %s", cfg.PointCloud.FlushInterval))
	}
	if _, err := pointcloud.ParseFlushOrder(string(cfg.PointCloud.Order)); err != nil {
		errs = append(errs, fmt.Errorf("pointcloud: %w", err))
	}
	if _, err := pointcloud.ParsePolicy(string(cfg.PointCloud.Policy)); err != nil {
		errs = append(errs, fmt.Errorf("pointcloud: %w", err))
	}
	if cfg.PointCloud.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pointcloud: queue_size must not be negative"))
	}
	if cfg.Merge.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("merge: timeout must be positive, got: %s", cfg.Merge.Timeout))
	}
	if _, err := video.ParseTimestampPolicy(cfg.Timestamps); err != nil {
		errs = append(errs, fmt.Errorf("timestamps: %w", err))
	}
	sc := cfg.Source
	sc.Width, sc.Height, sc.PixelFormat, sc.FPS = cfg.Video.Width, cfg.Video.Height, cfg.Video.PixelFormat, cfg.Video.FPS
	if _, err := source.NewSynthetic(sc); err != nil {
		errs = append(errs, fmt.Errorf("source: %w", err))
	}
	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxBackups < 0 || cfg.Logging.MaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("logging: rotation limits must not be negative"))
	}

	return errors.Join(errs...)
}

// RecordingSettings converts the configuration into controller settings.
func (c *Config) RecordingSettings() (recording.Settings, error) {
	policy, err := video.ParseTimestampPolicy(c.Timestamps)
	if err != nil {
		return recording.Settings{}, err
	}
	order, err := pointcloud.ParseFlushOrder(string(c.PointCloud.Order))
	if err != nil {
		return recording.Settings{}, err
	}
	persist, err := pointcloud.ParsePolicy(string(c.PointCloud.Policy))
	if err != nil {
		return recording.Settings{}, err
	}

	pc := c.PointCloud
	pc.Order = order
	pc.Policy = persist
	return recording.Settings{
		OutputDir:  c.Output.Directory,
		Video:      c.Video,
		Audio:      c.Audio,
		PointCloud: pc,
		Timestamps: policy,
	}, nil
}
