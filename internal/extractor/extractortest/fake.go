// Package extractortest provides an in-memory ffmpeg stand-in for tests.
package extractortest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/bdougie/lobbycam/internal/extractor"
)

// ExitStatus is a Wait error carrying a non-zero exit code
type ExitStatus int

func (e ExitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// ExitCode satisfies the interface extractor.ExitCode looks for
func (e ExitStatus) ExitCode() int { return int(e) }

// Process is a fake running process controlled by the test
type Process struct {
	pid    int
	Args   []string
	stderr *io.PipeReader
	w      *io.PipeWriter

	once       sync.Once
	done       chan struct{}
	err        error
	mu         sync.Mutex
	terminated bool

	// OnTerminate, when set from a launch hook, replaces the immediate exit on
	// Terminate. The test then ends the process with Exit.
	OnTerminate func()
}

func newProcess(pid int, args []string) *Process {
	r, w := io.Pipe()
	return &Process{pid: pid, Args: args, stderr: r, w: w, done: make(chan struct{})}
}

func (p *Process) Pid() int          { return p.pid }
func (p *Process) Stderr() io.Reader { return p.stderr }

// Wait blocks until Exit has been called
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// WriteStderr emits a line on the process's stderr. It blocks until read.
func (p *Process) WriteStderr(line string) {
	_, _ = p.w.Write([]byte(line + "\n"))
}

// Exit ends the process with code. Later calls are ignored.
func (p *Process) Exit(code int) {
	p.once.Do(func() {
		if code != 0 {
			p.err = ExitStatus(code)
		}
		_ = p.w.Close()
		close(p.done)
	})
}

// Terminate mimics ffmpeg's reaction to SIGTERM (exit 255)
func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	if p.OnTerminate != nil {
		p.OnTerminate()
		return nil
	}
	p.Exit(255)
	return nil
}

func (p *Process) Kill() error {
	p.Exit(-1)
	return nil
}

// Terminated reports whether Terminate was called
func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Exited reports whether the process has ended
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Launcher records launches and hands out fake processes
type Launcher struct {
	// OnLaunch, when set, runs synchronously for every launch after the process is created.
	// Returning an error makes the launch fail.
	OnLaunch func(p *Process) error

	mu    sync.Mutex
	procs []*Process
	fails int
}

var _ extractor.Launcher = (*Launcher)(nil)

// Launch creates a new running fake process
func (l *Launcher) Launch(_ context.Context, args []string) (extractor.Process, error) {
	l.mu.Lock()
	p := newProcess(1000+len(l.procs)+l.fails, args)
	hook := l.OnLaunch
	l.mu.Unlock()

	if hook != nil {
		if err := hook(p); err != nil {
			l.mu.Lock()
			l.fails++
			l.mu.Unlock()
			return nil, err
		}
	}

	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

// Launches returns the number of successful launches
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Failures returns the number of launches rejected by OnLaunch
func (l *Launcher) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fails
}

// Last returns the most recently launched process, or nil
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}
