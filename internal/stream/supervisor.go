// Package stream supervises the long-running RTSP to HLS transcoder.
//
// The Supervisor owns exactly one ffmpeg process at a time. A process that
// exits with a non-zero code, or that reported an error on stderr while it was
// running, is restarted after a fixed delay up to MaxRestartAttempts times.
// A manual Stop is a sticky latch that suppresses any restart until the next
// Start.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/bdougie/lobbycam/internal/extractor"
	"github.com/bdougie/lobbycam/internal/metrics"
)

// ErrNotRunning is returned by Stop when no transcoder is running
var ErrNotRunning = errors.New("no stream running")

// State is the supervisor's lifecycle state
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
	StateDisabled   State = "disabled"
)

const (
	DefaultMaxRestartAttempts = 10
	DefaultRestartDelay       = 5 * time.Second
	DefaultStopTimeout        = 5 * time.Second
)

// Config controls where output goes and how restarts behave
type Config struct {
	// StreamDir receives the HLS playlist and segments
	StreamDir string
	// PublicPath is the URL prefix the stream directory is served under
	PublicPath         string
	MaxRestartAttempts int
	RestartDelay       time.Duration
	// StopTimeout bounds how long Stop waits after SIGTERM before killing
	StopTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.PublicPath == "" {
		c.PublicPath = "/stream"
	}
}

// Status is a point-in-time snapshot of the supervised session
type Status struct {
	State                  State          `json:"state"`
	IsRunning              bool           `json:"isRunning"`
	AutoRestartEnabled     bool           `json:"autoRestartEnabled"`
	RestartAttempts        int            `json:"restartAttempts"`
	MaxRestartAttempts     int            `json:"maxRestartAttempts"`
	SourceURL              string         `json:"sourceUrl"`
	StreamURL              string         `json:"streamUrl,omitempty"`
	HadErrorSinceLastStart bool           `json:"hadErrorSinceLastStart"`
	ManualStopRequested    bool           `json:"manualStopRequested"`
	LastExitCode           *int           `json:"lastExitCode,omitempty"`
	PID                    int            `json:"pid,omitempty"`
	StderrErrors           map[string]int `json:"stderrErrors,omitempty"`
}

// Supervisor runs and restarts the transcoder
type Supervisor struct {
	launcher extractor.Launcher
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu              sync.Mutex
	state           State
	sourceURL       string
	baseCtx         context.Context
	proc            extractor.Process
	exited          chan struct{}
	generation      uint64
	restartAttempts int
	hadError        bool
	manualStop      bool
	autoRestart     bool
	lastExitCode    *int
	stderrErrors    map[string]int
	timer           *time.Timer
	// stopped is closed once an in-flight Stop has finished
	stopped chan struct{}
}

// NewSupervisor creates an idle supervisor
func NewSupervisor(launcher extractor.Launcher, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		launcher:     launcher,
		cfg:          cfg,
		logger:       logger.With("component", "stream"),
		metrics:      m,
		state:        StateIdle,
		baseCtx:      context.Background(),
		stderrErrors: make(map[string]int),
	}
}

// Start launches the transcoder for sourceURL. It is a no-op when a process is
// already running. A Start that arrives while Stop is waiting for the old
// process to exit waits for it, then launches a fresh one. A failed spawn is
// retried like a crashed process and its error is returned.
func (s *Supervisor) Start(ctx context.Context, sourceURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.state == StateStopping {
		stopped := s.stopped
		s.mu.Unlock()
		select {
		case <-stopped:
			s.mu.Lock()
		case <-ctx.Done():
			s.mu.Lock()
			return ctx.Err()
		}
	}

	if s.state == StateRunning {
		s.logger.Info("stream already running", "source", s.sourceURL)
		return nil
	}

	if err := extractor.EnsureDir(s.cfg.StreamDir); err != nil {
		return err
	}

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	// The process must outlive the request that started it
	s.baseCtx = context.WithoutCancel(ctx)
	s.sourceURL = sourceURL
	s.restartAttempts = 0
	s.manualStop = false
	s.autoRestart = true
	s.stderrErrors = make(map[string]int)

	return s.spawnLocked()
}

// Stop terminates the transcoder and suppresses restarts until the next Start.
// Cancelling a pending restart counts as a stop. ErrNotRunning is returned when
// there was nothing to stop.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state == StateStopping {
		stopped := s.stopped
		s.mu.Unlock()
		<-stopped
		return nil
	}
	s.manualStop = true
	s.autoRestart = false

	pending := s.timer != nil
	if pending {
		s.timer.Stop()
		s.timer = nil
	}

	proc, done := s.proc, s.exited
	if proc == nil {
		s.restartAttempts = 0
		s.hadError = false
		s.state = StateIdle
		s.mu.Unlock()
		if pending {
			s.logger.Info("pending stream restart cancelled")
			return nil
		}
		return ErrNotRunning
	}
	s.state = StateStopping
	stopped := make(chan struct{})
	s.stopped = stopped
	s.mu.Unlock()
	defer close(stopped)

	s.logger.Info("stopping stream", "pid", proc.Pid())
	if err := proc.Terminate(); err != nil {
		s.logger.Warn("failed to signal ffmpeg", "error", err)
	}

	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("ffmpeg did not exit after SIGTERM, killing", "pid", proc.Pid())
		_ = proc.Kill()
		select {
		case <-done:
		case <-time.After(s.cfg.StopTimeout):
			s.logger.Error("ffmpeg exit not observed after kill", "pid", proc.Pid())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStopping:
		// Exit never observed; detach so a late exit is ignored
		s.generation++
		s.proc = nil
		s.state = StateIdle
		s.metrics.StreamUp(false)
		fallthrough
	case StateIdle:
		s.restartAttempts = 0
		s.hadError = false
	}
	return nil
}

// IsRunning reports whether a transcoder process is currently alive
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning && s.proc != nil
}

// Status returns a snapshot of the session
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:                  s.state,
		IsRunning:              s.state == StateRunning && s.proc != nil,
		AutoRestartEnabled:     s.autoRestart,
		RestartAttempts:        s.restartAttempts,
		MaxRestartAttempts:     s.cfg.MaxRestartAttempts,
		SourceURL:              s.sourceURL,
		HadErrorSinceLastStart: s.hadError,
		ManualStopRequested:    s.manualStop,
		LastExitCode:           s.lastExitCode,
	}
	if st.IsRunning {
		st.StreamURL = path.Join(s.cfg.PublicPath, extractor.PlaylistName)
		st.PID = s.proc.Pid()
	}
	if len(s.stderrErrors) > 0 {
		st.StderrErrors = make(map[string]int, len(s.stderrErrors))
		for k, v := range s.stderrErrors {
			st.StderrErrors[k] = v
		}
	}
	return st
}

func (s *Supervisor) spawnLocked() error {
	s.hadError = false

	args := extractor.TranscodeArgs(s.sourceURL, s.cfg.StreamDir)
	proc, err := s.launcher.Launch(s.baseCtx, args)
	if err != nil {
		s.logger.Error("failed to start ffmpeg", "source", s.sourceURL, "error", err)
		s.proc = nil
		s.scheduleRestartLocked()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s.generation++
	s.proc = proc
	s.exited = make(chan struct{})
	s.state = StateRunning
	s.metrics.StreamUp(true)

	s.logger.Info("stream started", "pid", proc.Pid(), "source", s.sourceURL, "attempt", s.restartAttempts)
	go s.watch(s.generation, proc, s.exited)
	return nil
}

// scheduleRestartLocked arms the restart timer, or disables auto-restart once
// the attempt budget is spent.
func (s *Supervisor) scheduleRestartLocked() {
	if s.restartAttempts >= s.cfg.MaxRestartAttempts {
		s.state = StateDisabled
		s.autoRestart = false
		s.logger.Error("max restart attempts reached, auto-restart disabled",
			"attempts", s.restartAttempts, "source", s.sourceURL)
		return
	}

	s.restartAttempts++
	s.state = StateRestarting
	s.metrics.StreamRestarted()

	s.logger.Warn("scheduling stream restart",
		"attempt", s.restartAttempts,
		"max", s.cfg.MaxRestartAttempts,
		"delay", s.cfg.RestartDelay)

	gen := s.generation
	s.timer = time.AfterFunc(s.cfg.RestartDelay, func() { s.restart(gen) })
}

func (s *Supervisor) restart(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A Start or Stop happened after the timer was armed
	if s.state != StateRestarting || s.manualStop || !s.autoRestart || gen != s.generation {
		return
	}
	s.timer = nil
	_ = s.spawnLocked()
}

// watch scans stderr until EOF, then reaps the process
func (s *Supervisor) watch(gen uint64, proc extractor.Process, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(proc.Stderr())
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	scanner.Split(scanLogLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case isErrorLine(line):
			s.recordError(gen, line)
		case strings.Contains(line, "Connection"):
			s.logger.Info("ffmpeg connection", "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("stderr scan stopped", "error", err)
		_, _ = io.Copy(io.Discard, proc.Stderr())
	}

	s.handleExit(gen, extractor.ExitCode(proc.Wait()))
}

func (s *Supervisor) recordError(gen uint64, line string) {
	category := Classify(line).String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.hadError = true
	s.stderrErrors[category]++
	s.metrics.StreamStderrError(category)
	s.logger.Warn("ffmpeg error", "category", category, "line", line)
}

func (s *Supervisor) handleExit(gen uint64, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		s.logger.Debug("ignoring exit of replaced process", "code", code)
		return
	}

	s.proc = nil
	s.lastExitCode = &code
	s.metrics.StreamUp(false)

	switch {
	case s.manualStop:
		s.state = StateIdle
		s.logger.Info("stream stopped", "code", code)
	case code != 0 || s.hadError:
		s.logger.Warn("ffmpeg exited with errors", "code", code, "had_error", s.hadError)
		if !s.autoRestart {
			s.state = StateIdle
			return
		}
		s.scheduleRestartLocked()
	default:
		s.state = StateIdle
		s.logger.Info("stream ended normally")
	}
}

// scanLogLines splits on either '\n' or '\r'. ffmpeg rewrites its progress
// line in place with carriage returns.
func scanLogLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
