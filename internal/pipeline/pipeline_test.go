package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/lobbycam/internal/analyzer"
	"github.com/bdougie/lobbycam/internal/config"
	"github.com/bdougie/lobbycam/internal/extractor/extractortest"
	"github.com/bdougie/lobbycam/internal/models"
	"github.com/bdougie/lobbycam/internal/scenario"
)

// snapshotsFail makes single-frame captures exit 1 while transcoders keep running
func snapshotsFail(p *extractortest.Process) error {
	if slices.Contains(p.Args, "-frames:v") {
		p.Exit(1)
	}
	return nil
}

func newTestPipeline(t *testing.T, launcher *extractortest.Launcher) *Pipeline {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Paths.StreamDir = filepath.Join(dir, "stream")
	cfg.Paths.CaptureDir = filepath.Join(dir, "captures")
	cfg.Capture.IntervalMs = 3600000
	cfg.Stream.StopTimeoutMs = 1000
	require.NoError(t, config.Validate(cfg))

	p, err := New(cfg, launcher, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestStartAndStop(t *testing.T) {
	launcher := &extractortest.Launcher{OnLaunch: snapshotsFail}
	p := newTestPipeline(t, launcher)

	res, err := p.Start(context.Background(), "rtsp://cam/live")
	require.NoError(t, err)
	assert.True(t, res.Stream.Success)
	assert.True(t, res.Capture.Success)
	assert.True(t, p.Stream.IsRunning())
	assert.True(t, p.Capture.IsCapturing())

	res, err = p.Start(context.Background(), "rtsp://cam/live")
	require.NoError(t, err)
	assert.True(t, res.Stream.Success, "second start is a no-op")

	st := p.Status()
	assert.True(t, st.Stream.IsRunning)
	assert.True(t, st.Capture.IsCapturing)
	assert.Equal(t, models.ModeCloud, st.Model.Mode)

	stop := p.Stop()
	assert.True(t, stop.Stream.Success)
	assert.True(t, stop.Capture.Success)
	assert.False(t, p.Stream.IsRunning())

	stop = p.Stop()
	assert.False(t, stop.Stream.Success)
	assert.Equal(t, "No stream running", stop.Stream.Message)
	assert.False(t, stop.Capture.Success)
	assert.Equal(t, "No capture is running", stop.Capture.Message)
}

func TestSwitchScenarioClearsFrames(t *testing.T) {
	p := newTestPipeline(t, &extractortest.Launcher{})
	p.Frames.Push(models.AnalyzedFrameRecord{CapturedFrame: models.CapturedFrame{ID: 1}})
	require.Equal(t, 1, p.Frames.Len())

	sc, err := p.SwitchScenario("safety")
	require.NoError(t, err)
	assert.Equal(t, "safety", sc.ID)
	assert.Equal(t, "safety", p.Scenarios.Active().ID)
	assert.Equal(t, 0, p.Frames.Len())

	_, err = p.SwitchScenario("parking")
	assert.ErrorIs(t, err, scenario.ErrUnknownScenario)
	assert.Equal(t, "safety", p.Scenarios.Active().ID)
}

func TestSetMode(t *testing.T) {
	edge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer edge.Close()

	p := newTestPipeline(t, &extractortest.Launcher{})

	_, err := p.SetMode("hybrid", "")
	assert.ErrorIs(t, err, analyzer.ErrInvalidMode)
	assert.Equal(t, models.ModeCloud, p.Analyzer.Mode())

	ms, err := p.SetMode("edge", edge.URL)
	require.NoError(t, err)
	assert.Equal(t, models.ModeEdge, ms.Mode)
	assert.Equal(t, edge.URL, ms.SLMURL)

	require.Eventually(t, func() bool { return p.Analyzer.Health().Healthy }, 2*time.Second, 5*time.Millisecond)
}

func TestAnalyzeImageNotConfigured(t *testing.T) {
	p := newTestPipeline(t, &extractortest.Launcher{})

	res, result := p.AnalyzeImage(context.Background(), "frame.jpg")
	assert.Equal(t, models.OutcomeNotConfigured, res.Outcome)
	assert.Nil(t, result)
}
