package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/lobbycam/internal/extractor/extractortest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestSupervisor(t *testing.T, launcher *extractortest.Launcher, delay time.Duration) *Supervisor {
	t.Helper()
	return NewSupervisor(launcher, Config{
		StreamDir:          t.TempDir(),
		MaxRestartAttempts: 3,
		RestartDelay:       delay,
		StopTimeout:        time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestStartIsIdempotent(t *testing.T) {
	launcher := &extractortest.Launcher{}
	s := newTestSupervisor(t, launcher, time.Millisecond)

	require.NoError(t, s.Start(context.Background(), "rtsp://cam/live"))
	require.NoError(t, s.Start(context.Background(), "rtsp://cam/live"))

	assert.Equal(t, 1, launcher.Launches())
	assert.True(t, s.IsRunning())

	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "/stream/stream.m3u8", st.StreamURL)
	assert.True(t, st.AutoRestartEnabled)
	assert.Equal(t, "rtsp://cam/live", st.SourceURL)
	assert.Contains(t, launcher.Last().Args, "rtsp://cam/live")
}

func TestStopWhenIdle(t *testing.T) {
	s := newTestSupervisor(t, &extractortest.Launcher{}, time.Millisecond)

	err := s.Stop()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, s.IsRunning())
}

func TestCleanExitDoesNotRestart(t *testing.T) {
	launcher := &extractortest.Launcher{}
	s := newTestSupervisor(t, launcher, time.Millisecond)
	require.NoError(t, s.Start(context.Background(), "rtsp://cam/live"))

	launcher.Last().Exit(0)

	require.Eventually(t, func() bool { return s.Status().State == StateIdle }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, launcher.Launches())
	assert.Equal(t, 0, s.Status().RestartAttempts)
}

func TestNonZeroExitRestarts(t *testing.T) {
	launcher := &extractortest.Launcher{}
	s := newTestSupervisor(t, launcher, time.Millisecond)
	require.NoError(t, s.Start(context.Background(), "rtsp://cam/live"))

	launcher.Last().Exit(1)

	require.Eventually(t, func() bool { return launcher.Launches() == 2 }, waitFor, tick)
	require.Eventually(t, s.IsRunning, waitFor, tick)
	st := s.Status()
	assert.Equal(t, 1, st.RestartAttempts)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 1, *st.LastExitCode)
}

func TestStderrErrorRestartsAfterCleanExit(t *testing.T) {
	launcher := &extractortest.Launcher{}
	s := newTestSupervisor(t, launcher, time.Millisecond)
	require.NoError(t, s.Start(context.Background(), "rtsp://cam/live"))

	first := launcher.Last()
	first.WriteStderr("[rtsp @ 0x55] Error: Connection refused")
	require.Eventually(t, func() bool { return s.Status().HadErrorSinceLastStart }, waitFor, tick)
	first.Exit(0)

	require.Eventually(t, func() bool { return launcher.Launches() == 2 }, waitFor, tick)
	require.Eventually(t, s.IsRunning, waitFor, tick)

	st := s.Status()
	assert.False(t, st.HadErrorSinceLastStart, "flag resets for each attempt")
	assert.Equal(t, 1, st.StderrErrors["network"])
}

func TestRestartsAreBounded(t *testing.T) {
	launcher := &extractortest.Launcher{
		OnLaunch: func(*extractortest.Process) error { return errors.New("executable file not found") },
	}
	s := newTestSupervisor(t, launcher, time.Millisecond)

	err := s.Start(context.Background(), "rtsp://cam/live")
	require.ErrorContains(t, err, "failed to start ffmpeg")

	require.Eventually(t, func() bool { return s.Status().State == StateDisabled }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	st := s.Status()
	assert.Equal(t, 3, st.RestartAttempts)
	assert.False(t, st.AutoRestartEnabled)
	assert.Equal(t, 4, launcher.Failures(), "initial spawn plus three restarts")

	// A new manual start resets the budget
	launcher.OnLaunch = nil
	require.NoError(t, s.Start(context.Background(), "rtsp://cam/live"))
	assert.Equal(t, 0, s.Status().RestartAttempts)
	assert.True(t, s.IsRunning())
}

func TestManualStopSuppressesRestart(t *testing.T) {
	launcher := &extractortest.Launcher{}
	s := newTestSupervisor(t, launcher, time.Millisecond)
	require.NoError(t, s.Start(context.Background(), "rtsp://cam/live"))

	proc := launcher.Last()
	require.NoError(t, s.Stop())

	assert.True(t, proc.Terminated())
	time.Sleep(20 * time.Millisecond)

	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, st.ManualStopRequested)
	assert.False(t, st.AutoRestartEnabled)
	assert.False(t, st.IsRunning)
	assert.Equal(t, 1, launcher.Launches())

	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
}

func TestStopCancelsPendingRestart(t *testing.T) {
	launcher := &extractortest.Launcher{}
	s := newTestSupervisor(t, launcher, time.Hour)
	require.NoError(t, s.Start(context.Background(), "rtsp://cam/live"))

	launcher.Last().Exit(1)
	require.Eventually(t, func() bool { return s.Status().State == StateRestarting }, waitFor, tick)

	require.NoError(t, s.Stop())
	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 0, st.RestartAttempts)
	assert.Equal(t, 1, launcher.Launches())
}

func TestStartDuringStopWaitsForExit(t *testing.T) {
	launcher := &extractortest.Launcher{}
	terminated := make(chan struct{})
	launcher.OnLaunch = func(p *extractortest.Process) error {
		if launcher.Launches() == 0 {
			p.OnTerminate = func() { close(terminated) }
		}
		return nil
	}
	s := newTestSupervisor(t, launcher, time.Millisecond)
	require.NoError(t, s.Start(context.Background(), "rtsp://cam/live"))
	first := launcher.Last()

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	<-terminated

	assert.Equal(t, StateStopping, s.Status().State)
	assert.False(t, s.IsRunning())

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background(), "rtsp://cam/live") }()

	select {
	case err := <-started:
		t.Fatalf("start returned %v while the old process was still exiting", err)
	case <-time.After(20 * time.Millisecond):
	}

	first.Exit(255)
	require.NoError(t, <-stopped)
	require.NoError(t, <-started)

	assert.Equal(t, 2, launcher.Launches())
	assert.True(t, s.IsRunning())
	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.False(t, st.ManualStopRequested)
	assert.True(t, st.AutoRestartEnabled)
}

func TestStartDuringStopHonoursContext(t *testing.T) {
	launcher := &extractortest.Launcher{}
	terminated := make(chan struct{})
	launcher.OnLaunch = func(p *extractortest.Process) error {
		p.OnTerminate = func() { close(terminated) }
		return nil
	}
	s := newTestSupervisor(t, launcher, time.Millisecond)
	require.NoError(t, s.Start(context.Background(), "rtsp://cam/live"))
	proc := launcher.Last()

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	<-terminated

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Start(ctx, "rtsp://cam/live"), context.DeadlineExceeded)

	proc.Exit(255)
	require.NoError(t, <-stopped)
	assert.Equal(t, StateIdle, s.Status().State)
	assert.Equal(t, 1, launcher.Launches())
}

func TestStaleExitIsIgnored(t *testing.T) {
	launcher := &extractortest.Launcher{}
	s := newTestSupervisor(t, launcher, time.Millisecond)
	require.NoError(t, s.Start(context.Background(), "rtsp://cam/live"))

	s.mu.Lock()
	stale := s.generation - 1
	s.mu.Unlock()

	s.handleExit(stale, 1)

	assert.True(t, s.IsRunning())
	assert.Equal(t, 0, s.Status().RestartAttempts)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want ErrorCategory
	}{
		{"rtsp://cam: Connection timed out", CategoryNetwork},
		{"method DESCRIBE failed: 401 Unauthorized", CategoryAuth},
		{"[h264 @ 0x1] error while decoding MB 3 4", CategoryCodec},
		{"something odd happened: error", CategoryUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.line), tt.line)
	}
}

func TestScanLogLines(t *testing.T) {
	adv, tok, err := scanLogLines([]byte("frame=1\rframe=2\n"), false)
	require.NoError(t, err)
	assert.Equal(t, 8, adv)
	assert.Equal(t, "frame=1", string(tok))

	adv, tok, _ = scanLogLines([]byte("tail"), true)
	assert.Equal(t, 4, adv)
	assert.Equal(t, "tail", string(tok))
}
