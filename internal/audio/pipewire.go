package audio

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// PipeWire manages PipeWire/JACK port operations through pw-link.
type PipeWire struct {
	run   Runner
	sleep func(time.Duration)
}

// NewPipeWire creates a PipeWire helper backed by the pw-link binary.
func NewPipeWire() *PipeWire {
	return &PipeWire{
		run:   execRunner,
		sleep: time.Sleep,
	}
}

// ListPorts returns all available JACK ports via PipeWire
func (pw *PipeWire) ListPorts() ([]string, error) {
	output, err := pw.run("pw-link", "-io")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePorts(string(output)), nil
}

func parsePorts(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// ValidatePort checks that a port exists exactly once.
func (pw *PipeWire) ValidatePort(portName string) error {
	if portName == "" || portName == "disabled" {
		return nil
	}

	ports, err := pw.ListPorts()
	if err != nil {
		return err
	}
	return validatePortInList(portName, ports)
}

func validatePortInList(portName string, ports []string) error {
	if portName == "" || portName == "disabled" {
		return nil
	}

	duplicates := findPortDuplicatesInList(portName, ports)
	if len(duplicates) == 0 {
		return fmt.Errorf("port not found: %s", portName)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("duplicate sources detected for '%s': %v. Please close conflicting applications", portName, duplicates)
	}
	return nil
}

// findPortDuplicatesInList finds all ports with exactly the same name
func findPortDuplicatesInList(portName string, ports []string) []string {
	var duplicates []string
	for _, port := range ports {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

func (pw *PipeWire) portExists(portName string) bool {
	ports, err := pw.ListPorts()
	if err != nil {
		slog.Debug("Failed to check port existence", "port", portName, "error", err)
		return false
	}
	return len(findPortDuplicatesInList(portName, ports)) > 0
}

// WaitForPort polls until portName appears or timeout expires.
func (pw *PipeWire) WaitForPort(portName string, timeout time.Duration, stop <-chan struct{}) error {
	const poll = 100 * time.Millisecond
	for waited := time.Duration(0); waited < timeout; waited += poll {
		if pw.portExists(portName) {
			slog.Debug("JACK port found", "port", portName)
			return nil
		}
		select {
		case <-stop:
			return fmt.Errorf("stopped waiting for JACK port: %s", portName)
		default:
		}
		pw.sleep(poll)
	}
	return fmt.Errorf("timeout waiting for JACK port: %s", portName)
}

// ConnectPortsWithRetry connects two JACK ports, retrying longer for
// application ports that come and go.
func (pw *PipeWire) ConnectPortsWithRetry(sourcePort, destPort string) error {
	maxRetries := 5
	retryDelay := 500 * time.Millisecond
	if isEphemeralPort(sourcePort) {
		maxRetries = 15
		retryDelay = time.Second
	}
	slog.Debug("Connecting ports", "source", sourcePort, "dest", destPort, "retries", maxRetries)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if pw.portExists(sourcePort) {
			err := pw.ConnectPorts(sourcePort, destPort)
			if err == nil {
				slog.Debug("Successfully connected ports", "source", sourcePort, "dest", destPort, "attempt", attempt)
				return nil
			}
			slog.Debug("Connection attempt failed", "source", sourcePort, "dest", destPort, "attempt", attempt, "error", err)
		} else {
			slog.Debug("Source port not yet available", "source", sourcePort, "attempt", attempt)
		}

		if attempt < maxRetries {
			pw.sleep(retryDelay)
		}
	}

	return fmt.Errorf("failed to connect %s to %s after %d attempts", sourcePort, destPort, maxRetries)
}

// ConnectPorts links sourcePort to destPort.
func (pw *PipeWire) ConnectPorts(sourcePort, destPort string) error {
	if output, err := pw.run("pw-link", sourcePort, destPort); err != nil {
		return fmt.Errorf("failed to connect ports: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// isEphemeralPort reports ports owned by applications that may appear late.
func isEphemeralPort(portName string) bool {
	lower := strings.ToLower(portName)
	for _, app := range []string{"chrome", "firefox", "spotify", "discord", "obs", "vlc", "mpv", "zoom", "teams", "slack"} {
		if strings.Contains(lower, app) {
			return true
		}
	}
	return false
}
