package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/lobbycam/internal/config"
	"github.com/bdougie/lobbycam/internal/extractor/extractortest"
	"github.com/bdougie/lobbycam/internal/metrics"
	"github.com/bdougie/lobbycam/internal/models"
	"github.com/bdougie/lobbycam/internal/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	srv      *Server
	pipeline *pipeline.Pipeline
	cfg      *config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Paths.StreamDir = filepath.Join(dir, "stream")
	cfg.Paths.CaptureDir = filepath.Join(dir, "captures")
	cfg.Capture.IntervalMs = 3600000
	cfg.Stream.StopTimeoutMs = 1000
	require.NoError(t, config.Validate(cfg))

	launcher := &extractortest.Launcher{OnLaunch: func(p *extractortest.Process) error {
		if slices.Contains(p.Args, "-frames:v") {
			p.Exit(1)
		}
		return nil
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := pipeline.New(cfg, launcher, nil, logger, metrics.New())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	return &testServer{
		srv:      New(p, Config{StreamDir: cfg.Paths.StreamDir, CaptureDir: cfg.Paths.CaptureDir}, logger),
		pipeline: p,
		cfg:      cfg,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ok", body["status"])
}

func TestStartRequiresURL(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/stream/start", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "RTSP URL is required", body["message"])

	rec, _ = ts.do(t, http.MethodPost, "/api/stream/start", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartStatusStop(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 2; i++ {
		rec, body := ts.do(t, http.MethodPost, "/api/stream/start", map[string]string{"rtspUrl": "rtsp://cam/live"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, true, body["stream"].(map[string]any)["success"])
	}

	rec, body := ts.do(t, http.MethodGet, "/api/stream/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stream := body["stream"].(map[string]any)
	assert.Equal(t, true, stream["isRunning"])
	assert.Equal(t, "rtsp://cam/live", stream["sourceUrl"])
	assert.Equal(t, "/stream/stream.m3u8", stream["streamUrl"])
	assert.Equal(t, true, body["capture"].(map[string]any)["isCapturing"])
	assert.Equal(t, "cloud", body["model"].(map[string]any)["mode"])

	rec, body = ts.do(t, http.MethodPost, "/api/stream/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["stream"].(map[string]any)["success"])
	assert.Equal(t, true, body["capture"].(map[string]any)["success"])

	rec, body = ts.do(t, http.MethodPost, "/api/stream/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, "stopping twice is not an error")
	assert.Equal(t, false, body["stream"].(map[string]any)["success"])
	assert.Equal(t, "No stream running", body["stream"].(map[string]any)["message"])
}

func TestFrames(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodGet, "/api/analysis/frames", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, []any{}, body["frames"])

	ts.pipeline.Frames.Push(models.AnalyzedFrameRecord{
		CapturedFrame: models.CapturedFrame{ID: 1700000000000, Filename: "frame_1700000000000.jpg", URLPath: "/captures/frame_1700000000000.jpg"},
		Timestamp:     1700000000000,
		Scenario:      "lobby",
		Mode:          models.ModeCloud,
		Outcome:       models.OutcomeOK,
		Analysis:      &models.AnalysisResult{TotalPersons: 2, Counts: map[string]int{"persons_near_doors": 2}},
	})

	rec, body = ts.do(t, http.MethodGet, "/api/analysis/frames", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, body = ts.do(t, http.MethodGet, "/api/analysis/frames/1700000000000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	frame := body["frame"].(map[string]any)
	assert.Equal(t, "/captures/frame_1700000000000.jpg", frame["filepath"])
	analysis := frame["analysis"].(map[string]any)
	assert.Equal(t, float64(2), analysis["total_persons"])
	assert.Equal(t, float64(2), analysis["persons_near_doors"])

	rec, body = ts.do(t, http.MethodGet, "/api/analysis/frames/42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Frame not found", body["message"])

	rec, _ = ts.do(t, http.MethodGet, "/api/analysis/frames/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenarios(t *testing.T) {
	ts := newTestServer(t)
	ts.pipeline.Frames.Push(models.AnalyzedFrameRecord{CapturedFrame: models.CapturedFrame{ID: 1}})

	rec, body := ts.do(t, http.MethodGet, "/api/analysis/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lobby", body["active"])
	assert.Len(t, body["scenarios"], 2)

	rec, body = ts.do(t, http.MethodPost, "/api/analysis/scenarios/switch", map[string]string{"scenarioId": "parking"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, 1, ts.pipeline.Frames.Len())

	rec, _ = ts.do(t, http.MethodPost, "/api/analysis/scenarios/switch", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = ts.do(t, http.MethodPost, "/api/analysis/scenarios/switch", map[string]string{"scenarioId": "safety"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 0, ts.pipeline.Frames.Len())

	rec, body = ts.do(t, http.MethodGet, "/api/analysis/scenarios/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "safety", body["scenario"].(map[string]any)["id"])
}

func TestModelMode(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodGet, "/api/analysis/model-mode", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cloud", body["mode"])
	assert.Equal(t, "http://localhost:8080", body["slmUrl"])

	rec, body = ts.do(t, http.MethodPost, "/api/analysis/model-mode", map[string]string{"mode": "hybrid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["message"], "must be 'cloud' or 'edge'")

	rec, body = ts.do(t, http.MethodPost, "/api/analysis/model-mode", map[string]string{"mode": "edge", "slmUrl": "http://jetson:8080"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "edge", body["mode"])
	assert.Equal(t, "http://jetson:8080", body["slmUrl"])
	assert.Equal(t, models.ModeEdge, ts.pipeline.Analyzer.Mode())
}

func TestStaticCaptures(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, os.MkdirAll(ts.cfg.Paths.CaptureDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ts.cfg.Paths.CaptureDir, "frame_1.jpg"), []byte("jpeg"), 0644))

	rec, _ := ts.do(t, http.MethodGet, "/captures/frame_1.jpg", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lobbycam_frames_stored")
}

func TestPanicIsRecovered(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.engine.GET("/boom", func(*gin.Context) { panic("kaboom") })

	rec, body := ts.do(t, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "kaboom", body["message"])
}
