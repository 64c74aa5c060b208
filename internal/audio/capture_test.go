package audio

import (
	"errors"
	"strings"
	"testing"
)

func TestSettingsValidate(t *testing.T) {
	if err := DefaultSettings.Validate(); err != nil {
		t.Fatalf("Default settings should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"backend", func(s *Settings) { s.Backend = "coreaudio" }},
		{"sample rate", func(s *Settings) { s.SampleRate = 12345 }},
		{"channels", func(s *Settings) { s.Channels = 6 }},
		{"quality", func(s *Settings) { s.Quality = "lossless" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestSourcePorts(t *testing.T) {
	s := Settings{Source: "system:capture_1, system:capture_2,,disabled"}
	ports := s.SourcePorts()
	if len(ports) != 2 || ports[0] != "system:capture_1" || ports[1] != "system:capture_2" {
		t.Errorf("Unexpected ports: %v", ports)
	}
	if got := (Settings{}).SourcePorts(); len(got) != 0 {
		t.Errorf("Expected no ports, got %v", got)
	}
}

func TestQualityBitrate(t *testing.T) {
	if QualityLow.Bitrate() != "96k" || QualityMedium.Bitrate() != "160k" || QualityHigh.Bitrate() != "256k" {
		t.Error("Unexpected bitrate mapping")
	}
}

func TestBuildArgs_PipeWire(t *testing.T) {
	args, env, err := BuildArgs("/out/audio.m4a", DefaultSettings)
	if err != nil {
		t.Fatal(err)
	}
	cmd := strings.Join(args, " ")
	if !strings.HasPrefix(cmd, "pw-jack ffmpeg") {
		t.Errorf("Expected pw-jack wrapper, got: %s", cmd)
	}
	if !strings.Contains(cmd, "-f jack -channels 2 -i spatialcapture") {
		t.Errorf("Expected JACK input, got: %s", cmd)
	}
	if !strings.Contains(cmd, "-c:a aac -b:a 160k") {
		t.Errorf("Expected AAC encoding, got: %s", cmd)
	}
	if args[len(args)-1] != "/out/audio.m4a" {
		t.Errorf("Expected output path last, got: %s", args[len(args)-1])
	}
	if len(env) != 2 || env[0] != "PIPEWIRE_QUANTUM=256/48000" {
		t.Errorf("Unexpected env: %v", env)
	}
}

func TestBuildArgs_Pulse(t *testing.T) {
	s := DefaultSettings
	s.Backend = "pulse"
	s.Channels = 1
	args, env, err := BuildArgs("/out/audio.m4a", s)
	if err != nil {
		t.Fatal(err)
	}
	cmd := strings.Join(args, " ")
	if !strings.HasPrefix(cmd, "ffmpeg -hide_banner -f pulse -ac 1 -i default") {
		t.Errorf("Unexpected pulse command: %s", cmd)
	}
	if len(env) != 0 {
		t.Errorf("Expected no env for pulse, got: %v", env)
	}
}

func TestBuildArgs_UnknownBackend(t *testing.T) {
	s := DefaultSettings
	s.Backend = "oss"
	if _, _, err := BuildArgs("/out/audio.m4a", s); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestStartRejectsInvalidSettings(t *testing.T) {
	c := NewFFmpegCapture(nil)
	s := DefaultSettings
	s.Channels = 0
	if err := c.Start(t.TempDir()+"/audio.m4a", s); !errors.Is(err, ErrAudioSession) {
		t.Errorf("Expected ErrAudioSession, got: %v", err)
	}
	if c.Running() {
		t.Error("Capture should not be running")
	}
}

func TestStartRejectsMissingSourcePort(t *testing.T) {
	c := NewFFmpegCapture(nil)
	c.pipewire, _ = fakePipeWire(pwLinkOutput)

	s := DefaultSettings
	s.Source = "system:capture_1,usb:capture_9"
	err := c.Start(t.TempDir()+"/audio.m4a", s)
	if !errors.Is(err, ErrAudioSession) {
		t.Fatalf("Expected ErrAudioSession, got: %v", err)
	}
	if !strings.Contains(err.Error(), "usb:capture_9") || !strings.Contains(err.Error(), "port not found") {
		t.Errorf("Expected the missing port in the error, got: %v", err)
	}
	if c.Running() {
		t.Error("Capture should not be running")
	}
}

func TestValidateSources(t *testing.T) {
	c := NewFFmpegCapture(nil)
	c.pipewire, _ = fakePipeWire(pwLinkOutput)

	tests := []struct {
		name    string
		backend string
		source  string
		wantErr bool
	}{
		{"existing port", "pipewire", "system:capture_1", false},
		{"no source", "pipewire", "", false},
		{"disabled", "pipewire", "disabled", false},
		{"application port appears later", "pipewire", "Spotify:output_FL", false},
		{"missing port", "pipewire", "system:capture_7", true},
		{"pulse is not checked", "pulse", "system:capture_7", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings
			s.Backend = tt.backend
			s.Source = tt.source
			err := c.validateSources(s)
			if tt.wantErr && err == nil {
				t.Error("Expected an error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestStopWithoutStart(t *testing.T) {
	c := NewFFmpegCapture(nil)
	if err := c.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got: %v", err)
	}
}

func TestParseBackend(t *testing.T) {
	for in, want := range map[string]Backend{"": BackendPipeWire, "auto": BackendPipeWire, "PulseAudio": BackendPulse, "alsa": BackendALSA} {
		got, err := ParseBackend(in)
		if err != nil || got != want {
			t.Errorf("ParseBackend(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestListSourcesParsers(t *testing.T) {
	pulse := "0\talsa_input.usb-mic.analog-stereo\tmodule-alsa-card.c\ts16le 2ch 48000Hz\tSUSPENDED\n1\talsa_output.monitor\tmodule-alsa-card.c\ts16le 2ch 48000Hz\tIDLE\n"
	got := parsePulseSources(pulse)
	if len(got) != 2 || got[0] != "alsa_input.usb-mic.analog-stereo" {
		t.Errorf("Unexpected pulse sources: %v", got)
	}

	alsa := "null\n    Discard all samples\ndefault\n    Default ALSA device\nhw:CARD=Mic,DEV=0\n    USB Mic\n"
	devices := parseALSADevices(alsa)
	if len(devices) != 3 || devices[2] != "hw:CARD=Mic,DEV=0" {
		t.Errorf("Unexpected ALSA devices: %v", devices)
	}
}

func TestListSourcesPulseRunner(t *testing.T) {
	run := func(name string, args ...string) ([]byte, error) {
		if name != "pactl" {
			return nil, errors.New("unexpected command")
		}
		return []byte("0\tmic\tmodule\tspec\tIDLE\n"), nil
	}
	got, err := listSources(BackendPulse, run)
	if err != nil || len(got) != 1 || got[0] != "mic" {
		t.Errorf("Unexpected result: %v, %v", got, err)
	}
}
