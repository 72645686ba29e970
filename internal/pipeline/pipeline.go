// Package pipeline wires the stream supervisor, capture scheduler, analysis
// dispatcher and frame store into one unit the HTTP layer drives.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bdougie/lobbycam/internal/analyzer"
	"github.com/bdougie/lobbycam/internal/capture"
	"github.com/bdougie/lobbycam/internal/config"
	"github.com/bdougie/lobbycam/internal/emitter"
	"github.com/bdougie/lobbycam/internal/extractor"
	"github.com/bdougie/lobbycam/internal/metrics"
	"github.com/bdougie/lobbycam/internal/models"
	"github.com/bdougie/lobbycam/internal/normalizer"
	"github.com/bdougie/lobbycam/internal/scenario"
	"github.com/bdougie/lobbycam/internal/stream"
	"github.com/bdougie/lobbycam/internal/storage"
)

const healthRefreshTimeout = 10 * time.Second

// ComponentResult reports what a start or stop did to one component
type ComponentResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Result pairs the stream and capture outcomes of Start or Stop
type Result struct {
	Stream  ComponentResult `json:"stream"`
	Capture ComponentResult `json:"capture"`
}

// ModeStatus describes the analysis backend selection
type ModeStatus struct {
	Mode   models.Mode     `json:"mode"`
	SLMURL string          `json:"slmUrl"`
	Health analyzer.Health `json:"health"`
}

// Status is the combined best-known state
type Status struct {
	Stream  stream.Status  `json:"stream"`
	Capture capture.Status `json:"capture"`
	Model   ModeStatus     `json:"model"`
	Frames  int            `json:"frames"`
	Emitter emitter.Stats  `json:"emitter"`
}

// Pipeline owns every long-lived component
type Pipeline struct {
	Stream     *stream.Supervisor
	Capture    *capture.Scheduler
	Analyzer   *analyzer.Dispatcher
	Normalizer *normalizer.Normalizer
	Scenarios  *scenario.Registry
	Frames     *storage.FrameStore
	Emitter    *emitter.Emitter
	Metrics    *metrics.Metrics

	logger  *slog.Logger
	refresh singleflight.Group
}

// New builds the pipeline from cfg. launcher runs ffmpeg and client carries
// backend requests; nil selects the defaults.
func New(cfg *config.Config, launcher extractor.Launcher, client *http.Client, logger *slog.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if launcher == nil {
		launcher = extractor.NewExecLauncher(cfg.FFmpeg.Binary)
	}

	registry, err := scenario.Load(cfg.Scenarios.File)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		Scenarios:  registry,
		Normalizer: normalizer.New(logger),
		Frames:     storage.NewFrameStore(cfg.Capture.MaxFrames, logger, m),
		Metrics:    m,
		logger:     logger.With("component", "pipeline"),
	}

	p.Analyzer = analyzer.NewDispatcher(analyzer.Config{
		Mode: models.Mode(cfg.Analysis.Mode),
		Cloud: analyzer.CloudConfig{
			Endpoint:    cfg.Analysis.Cloud.Endpoint,
			APIKey:      cfg.Analysis.Cloud.APIKey,
			Deployment:  cfg.Analysis.Cloud.Deployment,
			APIVersion:  cfg.Analysis.Cloud.APIVersion,
			MaxTokens:   cfg.Analysis.Cloud.MaxTokens,
			Temperature: analyzer.Float(cfg.Analysis.Cloud.Temperature),
			Timeout:     cfg.Analysis.Cloud.Timeout(),
		},
		Edge: analyzer.EdgeConfig{
			URL:           cfg.Analysis.Edge.URL,
			Model:         cfg.Analysis.Edge.Model,
			MaxTokens:     cfg.Analysis.Edge.MaxTokens,
			Temperature:   analyzer.Float(cfg.Analysis.Edge.Temperature),
			HealthTimeout: cfg.Analysis.Edge.HealthTimeout(),
			Timeout:       cfg.Analysis.Edge.Timeout(),
		},
	}, client, logger, m)

	p.Emitter = emitter.New(emitter.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Encoding:    cfg.MQTT.Encoding,
		QoS:         cfg.MQTT.QoS,
	}, logger, m)

	p.Stream = stream.NewSupervisor(launcher, stream.Config{
		StreamDir:          cfg.Paths.StreamDir,
		MaxRestartAttempts: cfg.Stream.MaxRestartAttempts,
		RestartDelay:       cfg.Stream.RestartDelay(),
		StopTimeout:        cfg.Stream.StopTimeout(),
	}, logger, m)

	deps := capture.Deps{
		Launcher:   launcher,
		Feed:       p.Stream,
		Analyzer:   p.Analyzer,
		Normalizer: p.Normalizer,
		Scenarios:  registry,
		Store:      p.Frames,
	}
	if p.Emitter.Enabled() {
		deps.Publisher = p.Emitter
	}
	p.Capture = capture.NewScheduler(capture.Config{
		CaptureDir:             cfg.Paths.CaptureDir,
		Interval:               cfg.Capture.Interval(),
		MaxConsecutiveFailures: cfg.Capture.MaxConsecutiveFailures,
		ExtractTimeout:         cfg.Capture.ExtractTimeout(),
		StoreFailedAnalyses:    cfg.Capture.StoreFailedAnalyses,
	}, deps, logger, m)

	// Records from another scenario carry other count keys
	registry.OnSwitch(func(sc scenario.Scenario) {
		p.Frames.Clear()
		p.logger.Info("scenario switched, frames cleared", "scenario", sc.ID)
	})

	return p, nil
}

// Connect dials the optional MQTT broker
func (p *Pipeline) Connect(ctx context.Context) error {
	return p.Emitter.Connect(ctx)
}

// Start launches transcoding and frame capture for sourceURL. Both are
// idempotent. The capture scheduler starts even when the first spawn fails
// because the supervisor keeps retrying it.
func (p *Pipeline) Start(ctx context.Context, sourceURL string) (Result, error) {
	var res Result
	var errs []error

	if err := p.Stream.Start(ctx, sourceURL); err != nil {
		res.Stream = ComponentResult{Message: err.Error()}
		errs = append(errs, err)
	} else {
		res.Stream = ComponentResult{Success: true, Message: "Stream started"}
	}

	if err := p.Capture.Start(ctx, sourceURL); err != nil {
		res.Capture = ComponentResult{Message: err.Error()}
		errs = append(errs, err)
	} else {
		res.Capture = ComponentResult{Success: true, Message: "Frame capture started"}
	}

	p.logger.Info("pipeline started", "source", sourceURL,
		"stream_ok", res.Stream.Success, "capture_ok", res.Capture.Success)
	return res, errors.Join(errs...)
}

// Stop halts transcoding and capture. Stopping an idle component is reported
// in its result, not as an error.
func (p *Pipeline) Stop() Result {
	var res Result

	switch err := p.Stream.Stop(); {
	case err == nil:
		res.Stream = ComponentResult{Success: true, Message: "Stream stopped"}
	case errors.Is(err, stream.ErrNotRunning):
		res.Stream = ComponentResult{Message: "No stream running"}
	default:
		res.Stream = ComponentResult{Message: err.Error()}
	}

	switch err := p.Capture.Stop(); {
	case err == nil:
		res.Capture = ComponentResult{Success: true, Message: "Frame capture stopped"}
	case errors.Is(err, capture.ErrNotCapturing):
		res.Capture = ComponentResult{Message: "No capture is running"}
	default:
		res.Capture = ComponentResult{Message: err.Error()}
	}

	p.logger.Info("pipeline stopped", "stream_ok", res.Stream.Success, "capture_ok", res.Capture.Success)
	return res
}

// Status reports cached state and schedules a backend health refresh. It
// never waits on the network.
func (p *Pipeline) Status() Status {
	p.RefreshHealthAsync()
	return Status{
		Stream:  p.Stream.Status(),
		Capture: p.Capture.Status(),
		Model:   p.ModeStatus(),
		Frames:  p.Frames.Len(),
		Emitter: p.Emitter.Stats(),
	}
}

// RefreshHealthAsync probes the active backend in the background. Concurrent
// calls share one probe.
func (p *Pipeline) RefreshHealthAsync() {
	go func() {
		_, _, _ = p.refresh.Do("health", func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), healthRefreshTimeout)
			defer cancel()
			return p.Analyzer.RefreshHealth(ctx), nil
		})
	}()
}

func (p *Pipeline) ModeStatus() ModeStatus {
	return ModeStatus{
		Mode:   p.Analyzer.Mode(),
		SLMURL: p.Analyzer.EdgeURL(),
		Health: p.Analyzer.Health(),
	}
}

// SetMode switches the analysis backend for later captures
func (p *Pipeline) SetMode(mode, edgeURL string) (ModeStatus, error) {
	if err := p.Analyzer.SetMode(mode, edgeURL); err != nil {
		return ModeStatus{}, err
	}
	p.RefreshHealthAsync()
	return p.ModeStatus(), nil
}

// SwitchScenario activates id and clears stored frames
func (p *Pipeline) SwitchScenario(id string) (scenario.Scenario, error) {
	return p.Scenarios.Switch(id)
}

// AnalyzeImage runs one image through the active backend and normalizer
// without storing it.
func (p *Pipeline) AnalyzeImage(ctx context.Context, imagePath string) (analyzer.Result, *models.AnalysisResult) {
	sc := p.Scenarios.Active()
	res := p.Analyzer.Analyze(ctx, imagePath, sc)
	if res.Outcome.Failed() {
		return res, nil
	}
	return res, p.Normalizer.Normalize(res.Text, sc, res.Mode == models.ModeEdge)
}

// Close stops everything and disconnects the emitter
func (p *Pipeline) Close() {
	p.Stop()
	p.Emitter.Disconnect()
}
