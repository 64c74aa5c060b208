// Package ffmpeg runs the ffmpeg family of tools as child processes and
// stops them the way ffmpeg expects: an interrupt first so containers get
// their trailer written, a kill when that takes too long.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultStopTimeout is how long Stop waits after the interrupt.
const DefaultStopTimeout = 5 * time.Second

// ErrNotFound is returned when the binary is not on PATH.
var ErrNotFound = errors.New("executable not found")

// Options configure a Process.
type Options struct {
	Env       []string
	Stdin     bool
	LogWriter io.Writer
	Label     string
}

// Process is a running ffmpeg-style command.
type Process struct {
	label string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	outMu  sync.Mutex
	stderr strings.Builder

	readers sync.WaitGroup
	exited  chan struct{}
	exitErr error
}

// LookPath reports whether name is installed.
func LookPath(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// Start launches args[0] with the remaining arguments. A canceled ctx kills
// the process.
func Start(ctx context.Context, args []string, opts Options) (*Process, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if err := LookPath(args[0]); err != nil {
		return nil, err
	}
	if opts.LogWriter == nil {
		opts.LogWriter = io.Discard
	}
	if opts.Label == "" {
		opts.Label = args[0]
	}

	slog.Info("Starting process", "label", opts.Label, "command", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	p := &Process{label: opts.Label, cmd: cmd, exited: make(chan struct{})}

	if opts.Stdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		p.stdin = stdin
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", args[0], err)
	}

	p.readers.Add(2)
	go p.readOutput(stdout, opts.LogWriter, nil, "stdout")
	go p.readOutput(stderr, opts.LogWriter, &p.stderr, "stderr")
	go func() {
		p.readers.Wait()
		p.exitErr = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

// Stdin is the process input, or nil when Options.Stdin was false.
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Stderr returns everything the process wrote to stderr so far.
func (p *Process) Stderr() string {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	return p.stderr.String()
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// Wait blocks until the process exits on its own.
func (p *Process) Wait() error {
	if p.stdin != nil {
		p.stdin.Close()
	}
	<-p.exited
	return p.result(p.exitErr, false)
}

// Stop interrupts the process and waits up to timeout before killing it.
// Exits caused by the interrupt are not errors.
func (p *Process) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	if p.cmd.Process != nil {
		slog.Debug("Sending SIGINT", "label", p.label)
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to send interrupt, falling back to SIGKILL", "label", p.label, "error", err)
			p.cmd.Process.Kill()
		}
	}

	select {
	case <-p.exited:
		return p.result(p.exitErr, true)
	case <-time.After(timeout):
		slog.Warn("Process did not exit within timeout, force killing", "label", p.label)
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		<-p.exited
		return nil
	}
}

// Kill terminates the process immediately.
func (p *Process) Kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	<-p.exited
}

func (p *Process) result(err error, interrupted bool) error {
	if err == nil {
		slog.Debug("Process exited successfully", "label", p.label)
		return nil
	}
	var exitErr *exec.ExitError
	if interrupted && errors.As(err, &exitErr) {
		// 255 is ffmpeg's exit code after a handled interrupt
		if exitErr.ExitCode() == 255 {
			return nil
		}
		if exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				return nil
			}
		}
	}
	slog.Debug("Process stderr", "label", p.label, "output", p.Stderr())
	return fmt.Errorf("%s failed: %w%s", p.label, err, lastLine(p.Stderr()))
}

func (p *Process) readOutput(pipe io.ReadCloser, logWriter io.Writer, buf *strings.Builder, stream string) {
	defer p.readers.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(logWriter, line)
		if buf != nil {
			p.outMu.Lock()
			buf.WriteString(line + "\n")
			p.outMu.Unlock()
		}
		slog.Debug("Process output", "label", p.label, "stream", stream, "line", line)
	}
	// drain whatever the scanner gave up on
	io.Copy(io.Discard, pipe)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return ": " + s
}

// ValidateOutput checks that path exists and holds at least minSize bytes.
func ValidateOutput(path string, minSize int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output file not found: %s", path)
	}
	if info.Size() < minSize {
		return fmt.Errorf("output file too small: %s (%d bytes)", path, info.Size())
	}
	return nil
}
