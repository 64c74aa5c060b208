package audio

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAudioSession is returned when the capture session cannot be opened or
// the capture process dies.
var ErrAudioSession = errors.New("audio session failed")

// Quality selects the AAC bitrate.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// Bitrate returns the ffmpeg bitrate argument for q.
func (q Quality) Bitrate() string {
	switch q {
	case QualityLow:
		return "96k"
	case QualityHigh:
		return "256k"
	default:
		return "160k"
	}
}

// Settings describe the audio track.
type Settings struct {
	Backend    string  `mapstructure:"backend" yaml:"backend"`
	Source     string  `mapstructure:"source" yaml:"source"`
	SampleRate int     `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   int     `mapstructure:"channels" yaml:"channels"`
	Quality    Quality `mapstructure:"quality" yaml:"quality"`
}

// DefaultSettings record the default PipeWire input in stereo.
var DefaultSettings = Settings{
	Backend:    string(BackendPipeWire),
	Source:     "",
	SampleRate: 48000,
	Channels:   2,
	Quality:    QualityMedium,
}

// Validate checks the settings against what the capture backends accept.
func (s Settings) Validate() error {
	if _, err := ParseBackend(s.Backend); err != nil {
		return err
	}
	switch s.SampleRate {
	case 22050, 44100, 48000, 96000:
	default:
		return fmt.Errorf("sample_rate must be 22050, 44100, 48000 or 96000, got: %d", s.SampleRate)
	}
	if s.Channels != 1 && s.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got: %d", s.Channels)
	}
	switch s.Quality {
	case QualityLow, QualityMedium, QualityHigh:
	default:
		return fmt.Errorf("quality must be low, medium or high, got: %s", s.Quality)
	}
	return nil
}

// SourcePorts splits a comma-separated source into port names.
func (s Settings) SourcePorts() []string {
	var ports []string
	for _, p := range strings.Split(s.Source, ",") {
		if p = strings.TrimSpace(p); p != "" && p != "disabled" {
			ports = append(ports, p)
		}
	}
	return ports
}
