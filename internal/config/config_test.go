package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/spatialcapture/internal/audio"
	"github.com/audiolibrelab/spatialcapture/internal/pointcloud"
	"github.com/audiolibrelab/spatialcapture/internal/recording"
	"github.com/audiolibrelab/spatialcapture/internal/video"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	// Create base (default) config
	base := Default()
	base.Output.Directory = "~/Videos/Default"
	base.Audio.Source = "system:capture_1"

	// Create profile config that only overrides some settings
	profile := &Config{
		Audio: audio.Settings{
			SampleRate: 44100,
		},
		Video: video.Settings{
			Width:  1920,
			Height: 1080,
		},
		PointCloud: recording.PointCloudSettings{
			FlushInterval: 500 * time.Millisecond,
			Order:         pointcloud.OrderPreAppend,
		},
		Output: OutputConfig{
			Directory: "~/Videos/Studio",
		},
	}

	result := mergeConfigs(base, profile)

	if result.Audio.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %d", result.Audio.SampleRate)
	}
	if result.Audio.Source != "system:capture_1" || result.Audio.Channels != 2 {
		t.Errorf("Expected inherited audio input, got %+v", result.Audio)
	}
	if result.Video.Width != 1920 || result.Video.Height != 1080 {
		t.Errorf("Expected 1920x1080, got %dx%d", result.Video.Width, result.Video.Height)
	}
	if result.Video.FPS != base.Video.FPS || result.Video.Container != base.Video.Container {
		t.Errorf("Expected inherited fps and container, got %+v", result.Video)
	}
	if result.PointCloud.FlushInterval != 500*time.Millisecond || result.PointCloud.Order != pointcloud.OrderPreAppend {
		t.Errorf("Point cloud settings incorrect: %+v", result.PointCloud)
	}
	if result.PointCloud.Policy != pointcloud.PolicyOverwrite {
		t.Errorf("Expected inherited policy, got %s", result.PointCloud.Policy)
	}
	if result.Output.Directory != "~/Videos/Studio" {
		t.Errorf("Expected directory override, got %s", result.Output.Directory)
	}

	inh := result.Inheritance
	if inh == nil {
		t.Fatal("Expected inheritance info")
	}
	if inh.Audio.SampleRate != ProfileSpecific || inh.Audio.Input != Inherited || inh.Audio.Quality != Inherited {
		t.Errorf("Audio inheritance incorrect: %+v", inh.Audio)
	}
	if inh.Video.Size != ProfileSpecific || inh.Video.FPS != Inherited {
		t.Errorf("Video inheritance incorrect: %+v", inh.Video)
	}
	if inh.PointCloud.FlushInterval != ProfileSpecific || inh.PointCloud.Policy != Inherited {
		t.Errorf("Point cloud inheritance incorrect: %+v", inh.PointCloud)
	}
	if inh.Output.Directory != ProfileSpecific || inh.Merge.Timeout != Inherited {
		t.Errorf("Output/merge inheritance incorrect: %+v %+v", inh.Output, inh.Merge)
	}
}

func TestMergeConfigs_AudioInputTravelsAsUnit(t *testing.T) {
	base := Default()
	base.Audio.Source = "system:capture_1,system:capture_2"

	profile := &Config{
		Audio: audio.Settings{Backend: "alsa", Channels: 1},
	}

	result := mergeConfigs(base, profile)
	if result.Audio.Backend != "alsa" || result.Audio.Channels != 1 {
		t.Errorf("Expected alsa mono input, got %+v", result.Audio)
	}
	if result.Audio.Source != "" {
		t.Errorf("Expected source not to leak from the base input, got %q", result.Audio.Source)
	}
	if result.Inheritance.Audio.Input != ProfileSpecific {
		t.Errorf("Expected profile-specific input, got %s", result.Inheritance.Audio.Input)
	}
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := Default()
	result := mergeConfigs(base, &Config{})

	if result.Video != base.Video || result.Audio != base.Audio {
		t.Errorf("Expected base settings, got %+v", result)
	}
	if result.Merge.Timeout != base.Merge.Timeout {
		t.Errorf("Expected base merge timeout, got %s", result.Merge.Timeout)
	}
	if result.Inheritance.Video.Size != Inherited {
		t.Errorf("Expected inherited video size, got %s", result.Inheritance.Video.Size)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Errorf("Expected built-in defaults to validate, got: %v", err)
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Video.Width = 15
	cfg.Audio.Channels = 6
	cfg.PointCloud.FlushInterval = 0
	cfg.Merge.Timeout = -time.Second
	cfg.Timestamps = "drop"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"video:", "audio:", "flush_interval", "merge:", "timestamps:"} {
		if !containsSubstring(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestRecordingSettings(t *testing.T) {
	cfg := Default()
	cfg.Output.Directory = "/tmp/sessions"
	cfg.Timestamps = ""
	cfg.PointCloud.Order = ""

	settings, err := cfg.RecordingSettings()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if settings.OutputDir != "/tmp/sessions" {
		t.Errorf("Expected output dir, got %s", settings.OutputDir)
	}
	if settings.Timestamps != video.TimestampClamp {
		t.Errorf("Expected clamp policy, got %s", settings.Timestamps)
	}
	if settings.PointCloud.Order != pointcloud.OrderPostAppend {
		t.Errorf("Expected post-append order, got %s", settings.PointCloud.Order)
	}

	cfg.Timestamps = "later"
	if _, err := cfg.RecordingSettings(); err == nil {
		t.Error("Expected error for unknown timestamp policy")
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Videos/Test", filepath.Join(homeDir, "Videos/Test")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"},
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%s) = %s, expected %s", test.input, result, test.expected)
		}
	}
}

func containsSubstring(s, substr string) bool {
	return strings.Contains(s, substr)
}

func TestGlobalsOutputDirectory(t *testing.T) {
	configContent := `
active_config: test
globals:
    output:
        directory: /global/sessions
definitions:
    inputs:
        - id: mic
          name: USB microphone
          backend: pipewire
          source: "USB Mic:capture_FL,USB Mic:capture_FR"
          channels: 2
configs:
    test:
        audio:
            input: mic
        output:
            directory: /profile/sessions
`
	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	cfg, err := LoadWithProfile(configFile, "test")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Output.Directory != "/global/sessions" {
		t.Errorf("Expected directory '/global/sessions' from globals, got '%s'", cfg.Output.Directory)
	}
	if cfg.Audio.Source != "USB Mic:capture_FL,USB Mic:capture_FR" {
		t.Errorf("Expected source from definition, got '%s'", cfg.Audio.Source)
	}
	if cfg.Profile != "test" {
		t.Errorf("Expected profile 'test', got '%s'", cfg.Profile)
	}
}

func TestLoadWithProfile_FallsBackToDefaultProfile(t *testing.T) {
	configContent := `
active_config: studio
definitions:
    inputs:
        - id: mic
          name: mic
          backend: pulse
          source: alsa_input.usb
          channels: 1
configs:
    default:
        audio:
            input: mic
            quality: high
        video:
            fps: 24
        pointcloud:
            flush_interval: 2s
            policy: append
        merge:
            timeout: 30s
        output:
            directory: /default/sessions
    studio:
        video:
            width: 1920
            height: 1080
        timestamps: reject
`
	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Profile != "studio" {
		t.Errorf("Expected active profile 'studio', got '%s'", cfg.Profile)
	}
	if cfg.Audio.Backend != "pulse" || cfg.Audio.Channels != 1 || cfg.Audio.Quality != audio.QualityHigh {
		t.Errorf("Expected audio from default profile, got %+v", cfg.Audio)
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("Expected built-in sample rate, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Video.Width != 1920 || cfg.Video.FPS != 24 || cfg.Video.Codec != "h264" {
		t.Errorf("Video settings incorrect: %+v", cfg.Video)
	}
	if cfg.PointCloud.FlushInterval != 2*time.Second || cfg.PointCloud.Policy != pointcloud.PolicyAppend {
		t.Errorf("Point cloud settings incorrect: %+v", cfg.PointCloud)
	}
	if cfg.Merge.Timeout != 30*time.Second {
		t.Errorf("Expected merge timeout 30s, got %s", cfg.Merge.Timeout)
	}
	if cfg.Timestamps != "reject" {
		t.Errorf("Expected reject policy, got %s", cfg.Timestamps)
	}
	if cfg.Output.Directory != "/default/sessions" {
		t.Errorf("Expected inherited directory, got %s", cfg.Output.Directory)
	}
}

func TestLoadWithProfile_FlushOnStopInheritance(t *testing.T) {
	configContent := `
configs:
    default:
        pointcloud:
            flush_on_stop: true
    studio:
        video:
            fps: 24
    field:
        pointcloud:
            flush_on_stop: false
`
	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	tests := []struct {
		profile string
		want    bool
		origin  string
	}{
		{"default", true, ProfileSpecific},
		{"studio", true, Inherited},
		{"field", false, ProfileSpecific},
	}

	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			cfg, err := LoadWithProfile(configFile, tt.profile)
			if err != nil {
				t.Fatalf("Failed to load configuration: %v", err)
			}
			if cfg.PointCloud.FlushOnStop != tt.want {
				t.Errorf("Expected flush_on_stop %t, got %t", tt.want, cfg.PointCloud.FlushOnStop)
			}
			if cfg.Inheritance.PointCloud.FlushOnStop != tt.origin {
				t.Errorf("Expected origin %s, got %s", tt.origin, cfg.Inheritance.PointCloud.FlushOnStop)
			}
		})
	}

	cfg, err := LoadWithProfile(configFile, "studio")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	settings, err := cfg.RecordingSettings()
	if err != nil {
		t.Fatalf("Failed to build recording settings: %v", err)
	}
	if !settings.PointCloud.FlushOnStop {
		t.Error("Expected inherited flush_on_stop to reach the recorder settings")
	}
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	configFile := createTempConfig(t, `
configs:
    default:
        output:
            directory: /tmp/sessions
`)
	defer os.Remove(configFile)

	_, err := LoadWithProfile(configFile, "missing")
	if err == nil || !containsSubstring(err.Error(), "'missing' not found") {
		t.Errorf("Expected profile not found error, got: %v", err)
	}
}

func TestLoadWithProfile_InvalidValues(t *testing.T) {
	configFile := createTempConfig(t, `
configs:
    default:
        video:
            width: 1281
        output:
            directory: /tmp/sessions
`)
	defer os.Remove(configFile)

	_, err := LoadWithProfile(configFile, "")
	if err == nil || !containsSubstring(err.Error(), "config validation failed") {
		t.Errorf("Expected validation error, got: %v", err)
	}
}

func TestUpdateActiveConfigAndProfiles(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "spatialcapture.yaml")
	content := `
active_config: default
configs:
    default:
        output:
            directory: /tmp/a
    outdoor:
        output:
            directory: /tmp/b
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if err := UpdateActiveConfig(configFile, "outdoor"); err != nil {
		t.Fatalf("UpdateActiveConfig failed: %v", err)
	}

	names, active, err := Profiles(configFile)
	if err != nil {
		t.Fatalf("Profiles failed: %v", err)
	}
	if active != "outdoor" {
		t.Errorf("Expected active profile 'outdoor', got '%s'", active)
	}
	if len(names) != 2 || names[0] != "default" || names[1] != "outdoor" {
		t.Errorf("Unexpected profile names: %v", names)
	}

	if err := UpdateActiveConfig(configFile, "nope"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}
