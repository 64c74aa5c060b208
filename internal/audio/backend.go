package audio

import (
	"fmt"
	"os/exec"
	"strings"
)

// Backend names the system audio stack ffmpeg records from.
type Backend string

const (
	BackendPipeWire Backend = "pipewire"
	BackendPulse    Backend = "pulse"
	BackendALSA     Backend = "alsa"
)

// ParseBackend validates a configured backend name. Empty and "auto" pick
// PipeWire.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(s) {
	case "", "auto", "pipewire":
		return BackendPipeWire, nil
	case "pulse", "pulseaudio":
		return BackendPulse, nil
	case "alsa":
		return BackendALSA, nil
	}
	return "", fmt.Errorf("audio backend must be pipewire, pulse or alsa, got: %s", s)
}

// Runner runs an external command and returns its standard output.
type Runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// ListSources returns the capture sources the backend can see.
func ListSources(b Backend) ([]string, error) {
	return listSources(b, execRunner)
}

func listSources(b Backend, run Runner) ([]string, error) {
	switch b {
	case BackendPipeWire:
		return NewPipeWire().ListPorts()
	case BackendPulse:
		out, err := run("pactl", "list", "short", "sources")
		if err != nil {
			return nil, fmt.Errorf("failed to list PulseAudio sources: %w", err)
		}
		return parsePulseSources(string(out)), nil
	case BackendALSA:
		out, err := run("arecord", "-L")
		if err != nil {
			return nil, fmt.Errorf("failed to list ALSA devices: %w", err)
		}
		return parseALSADevices(string(out)), nil
	}
	return nil, fmt.Errorf("unknown audio backend: %s", b)
}

// parsePulseSources extracts the source name column of `pactl list short sources`.
func parsePulseSources(output string) []string {
	var sources []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			sources = append(sources, fields[1])
		}
	}
	return sources
}

// parseALSADevices keeps the unindented device lines of `arecord -L`.
func parseALSADevices(output string) []string {
	var devices []string
	for _, line := range strings.Split(output, "\n") {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		devices = append(devices, strings.TrimSpace(line))
	}
	return devices
}
