package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Process is a started external command
type Process interface {
	// Pid returns the OS process id
	Pid() int
	// Stderr streams the process error output; it reaches EOF when the process exits
	Stderr() io.Reader
	// Wait blocks until exit. Call it only after Stderr has been drained.
	Wait() error
	// Terminate asks the process to exit
	Terminate() error
	// Kill forces the process to exit
	Kill() error
}

// Launcher starts ffmpeg with a given argument list
type Launcher interface {
	Launch(ctx context.Context, args []string) (Process, error)
}

// ExecLauncher starts the real ffmpeg binary
type ExecLauncher struct {
	Binary string
}

// NewExecLauncher returns a launcher for binary, defaulting to "ffmpeg" on PATH
func NewExecLauncher(binary string) *ExecLauncher {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &ExecLauncher{Binary: binary}
}

// Launch starts the process with stderr piped back to the caller
func (l *ExecLauncher) Launch(ctx context.Context, args []string) (Process, error) {
	cmd := exec.CommandContext(ctx, l.Binary, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execProcess{cmd: cmd, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr io.ReadCloser
}

func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }
func (p *execProcess) Kill() error       { return p.cmd.Process.Kill() }

func (p *execProcess) Terminate() error {
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// ExitCode maps a Wait error to a process exit code: 0 for success,
// the real code for a normal non-zero exit and -1 for signals or I/O failures.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}
