// Package capture periodically grabs a still frame from the live source and
// runs it through analysis into the frame store.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/lobbycam/internal/analyzer"
	"github.com/bdougie/lobbycam/internal/extractor"
	"github.com/bdougie/lobbycam/internal/metrics"
	"github.com/bdougie/lobbycam/internal/models"
	"github.com/bdougie/lobbycam/internal/scenario"
)

// ErrNotCapturing is returned by Stop when no capture is running
var ErrNotCapturing = errors.New("no capture running")

const (
	DefaultInterval               = time.Minute
	DefaultMaxConsecutiveFailures = 5
	DefaultExtractTimeout         = 30 * time.Second
)

// State of the capture session
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
)

// LiveFeed reports whether the source is currently being transcoded
type LiveFeed interface {
	IsRunning() bool
}

// Analyzer sends one frame to the active vision backend
type Analyzer interface {
	Analyze(ctx context.Context, imagePath string, sc scenario.Scenario) analyzer.Result
}

// Normalizer turns raw backend text into a structured result
type Normalizer interface {
	Normalize(raw string, sc scenario.Scenario, edge bool) *models.AnalysisResult
}

// Scenarios supplies the scenario frames are analyzed under
type Scenarios interface {
	Active() scenario.Scenario
}

// Store receives finished records
type Store interface {
	Push(rec models.AnalyzedFrameRecord)
}

// Publisher fans finished records out. Optional.
type Publisher interface {
	Publish(rec models.AnalyzedFrameRecord)
}

// Config controls capture cadence and failure handling
type Config struct {
	CaptureDir string
	// PublicPath is the URL prefix the capture directory is served under
	PublicPath             string
	Interval               time.Duration
	MaxConsecutiveFailures int
	ExtractTimeout         time.Duration
	// StoreFailedAnalyses keeps records whose analysis failed. When false the
	// frame file is removed instead.
	StoreFailedAnalyses bool
}

// Deps are the collaborators a capture cycle runs through
type Deps struct {
	Launcher   extractor.Launcher
	Feed       LiveFeed
	Analyzer   Analyzer
	Normalizer Normalizer
	Scenarios  Scenarios
	Store      Store
	Publisher  Publisher
}

// Status is a snapshot of the capture session
type Status struct {
	State                  State      `json:"state"`
	IsCapturing            bool       `json:"isCapturing"`
	SourceURL              string     `json:"rtspUrl,omitempty"`
	IntervalMs             int64      `json:"intervalMs"`
	ConsecutiveFailures    int        `json:"consecutiveFailures"`
	MaxConsecutiveFailures int        `json:"maxConsecutiveFailures"`
	FrameCount             int        `json:"frameCount"`
	LastCaptureAt          *time.Time `json:"lastCaptureAt,omitempty"`
	LastError              string     `json:"lastError,omitempty"`
}

// Scheduler captures a frame immediately on Start and then on every tick
type Scheduler struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu            sync.Mutex
	state         State
	sourceURL     string
	gen           uint64
	stop          chan struct{}
	baseCtx       context.Context
	failures      int
	frameCount    int
	lastCaptureAt *time.Time
	lastError     string
	lastID        int64
}

func NewScheduler(cfg Config, deps Deps, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.PublicPath == "" {
		cfg.PublicPath = "/captures"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = DefaultExtractTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "capture"),
		metrics: m,
		now:     time.Now,
		state:   StateIdle,
		baseCtx: context.Background(),
	}
}

// Start begins capturing from sourceURL. It is a no-op while running.
func (s *Scheduler) Start(ctx context.Context, sourceURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		s.logger.Info("frame capture already running", "source", s.sourceURL)
		return nil
	}
	if err := extractor.EnsureDir(s.cfg.CaptureDir); err != nil {
		return err
	}

	s.baseCtx = context.WithoutCancel(ctx)
	s.sourceURL = sourceURL
	s.state = StateRunning
	s.failures = 0
	s.lastError = ""
	s.gen++
	s.stop = make(chan struct{})

	go s.loop(s.gen, s.stop)

	s.logger.Info("frame capture started", "interval", s.cfg.Interval)
	return nil
}

func (s *Scheduler) loop(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	go s.tick(gen)
	for {
		select {
		case <-ticker.C:
			go s.tick(gen)
		case <-stop:
			return
		}
	}
}

// Stop cancels the ticker and clears the failure count. Cycles already in
// flight run to completion.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = 0
	if s.state != StateRunning {
		s.state = StateIdle
		return ErrNotCapturing
	}

	s.haltLocked(StateIdle)
	s.logger.Info("frame capture stopped")
	return nil
}

func (s *Scheduler) haltLocked(next State) {
	close(s.stop)
	s.stop = nil
	s.gen++
	s.state = next
}

// IsCapturing reports whether the ticker is active
func (s *Scheduler) IsCapturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:                  s.state,
		IsCapturing:            s.state == StateRunning,
		SourceURL:              s.sourceURL,
		IntervalMs:             s.cfg.Interval.Milliseconds(),
		ConsecutiveFailures:    s.failures,
		MaxConsecutiveFailures: s.cfg.MaxConsecutiveFailures,
		FrameCount:             s.frameCount,
		LastError:              s.lastError,
	}
	if s.lastCaptureAt != nil {
		at := *s.lastCaptureAt
		st.LastCaptureAt = &at
	}
	return st
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if s.state != StateRunning || s.gen != gen {
		s.mu.Unlock()
		return
	}
	ctx, url := s.baseCtx, s.sourceURL
	s.mu.Unlock()

	if s.deps.Feed != nil && !s.deps.Feed.IsRunning() {
		s.logger.Debug("stream not running, skipping capture")
		s.metrics.CaptureResult("skipped")
		return
	}

	s.runCycle(ctx, gen, url)
}

// runCycle extracts one frame, records the extraction result and, on
// success, analyzes and stores it.
func (s *Scheduler) runCycle(ctx context.Context, gen uint64, sourceURL string) {
	frame := s.newFrame()
	logger := s.logger.With("frame_id", frame.ID, "trace_id", frame.TraceID)

	extractCtx, cancel := context.WithTimeout(ctx, s.cfg.ExtractTimeout)
	err := extractor.CaptureFrame(extractCtx, s.deps.Launcher, sourceURL, frame.FilePath)
	cancel()

	s.recordExtraction(gen, frame, err)
	if err != nil {
		logger.Error("failed to capture frame", "error", err)
		return
	}
	logger.Info("frame captured", "file", frame.Filename)

	s.analyze(ctx, frame, logger)
}

func (s *Scheduler) recordExtraction(gen uint64, frame models.CapturedFrame, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.metrics.CaptureResult("success")
		s.failures = 0
		s.frameCount++
		s.lastError = ""
		at := frame.CapturedAt
		s.lastCaptureAt = &at
		return
	}

	s.metrics.CaptureResult("failure")
	s.lastError = err.Error()

	// A stop or restart since this cycle began owns the counter now
	if s.gen != gen || s.state != StateRunning {
		return
	}
	s.failures++
	if s.failures >= s.cfg.MaxConsecutiveFailures {
		s.haltLocked(StateDisabled)
		s.logger.Error("frame capture disabled after consecutive failures",
			"failures", s.failures, "last_error", s.lastError)
	}
}

func (s *Scheduler) analyze(ctx context.Context, frame models.CapturedFrame, logger *slog.Logger) {
	sc := s.deps.Scenarios.Active()
	res := s.deps.Analyzer.Analyze(ctx, frame.FilePath, sc)

	rec := models.AnalyzedFrameRecord{
		CapturedFrame: frame,
		Timestamp:     frame.ID,
		Scenario:      sc.ID,
		Mode:          res.Mode,
		Outcome:       res.Outcome,
	}

	// The store was cleared for the new scenario while this call was in flight
	if active := s.deps.Scenarios.Active(); active.ID != sc.ID {
		logger.Info("scenario switched during analysis, discarding frame", "scenario", sc.ID, "active", active.ID)
		discard(frame, logger)
		return
	}

	if res.Outcome.Failed() {
		rec.Error = res.Text
		if !s.cfg.StoreFailedAnalyses {
			logger.Warn("analysis failed, discarding frame", "outcome", res.Outcome)
			discard(frame, logger)
			return
		}
		logger.Warn("analysis failed", "outcome", res.Outcome, "error", res.Text)
	} else {
		rec.Analysis = s.deps.Normalizer.Normalize(res.Text, sc, res.Mode == models.ModeEdge)
	}

	s.deps.Store.Push(rec)
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(rec)
	}
	logger.Info("frame analyzed", "scenario", sc.ID, "mode", res.Mode, "outcome", res.Outcome)
}

func discard(frame models.CapturedFrame, logger *slog.Logger) {
	if err := os.Remove(frame.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove frame", "error", err)
	}
}

// newFrame allocates a strictly increasing id from the wall clock
func (s *Scheduler) newFrame() models.CapturedFrame {
	s.mu.Lock()
	id := s.now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	s.mu.Unlock()

	name := fmt.Sprintf("frame_%d.jpg", id)
	return models.CapturedFrame{
		ID:         id,
		Filename:   name,
		FilePath:   filepath.Join(s.cfg.CaptureDir, name),
		URLPath:    path.Join(s.cfg.PublicPath, name),
		CapturedAt: time.UnixMilli(id),
		TraceID:    uuid.NewString(),
	}
}
