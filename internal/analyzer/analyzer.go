package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bdougie/lobbycam/internal/metrics"
	"github.com/bdougie/lobbycam/internal/models"
	"github.com/bdougie/lobbycam/internal/scenario"
)

var (
	// ErrInvalidMode is returned by SetMode for anything but cloud or edge
	ErrInvalidMode = errors.New("invalid mode")

	errMalformed = errors.New("malformed response")
)

// Request is one frame to analyze
type Request struct {
	ImagePath      string
	Prompt         string
	RefusalPhrases []string
}

// Result is the tagged outcome of one analysis. On failure Text carries the
// error description instead of model output.
type Result struct {
	Mode     models.Mode    `json:"mode"`
	Outcome  models.Outcome `json:"outcome"`
	Text     string         `json:"text"`
	Attempts int            `json:"attempts"`
	Latency  time.Duration  `json:"latency"`
}

// Backend is one of the interchangeable vision services
type Backend interface {
	Analyze(ctx context.Context, req Request) Result
}

// Health is the last known backend health
type Health struct {
	Mode      models.Mode `json:"mode"`
	Healthy   bool        `json:"healthy"`
	Message   string      `json:"message,omitempty"`
	CheckedAt time.Time   `json:"checkedAt,omitempty"`
}

// Config selects the initial mode and both backends
type Config struct {
	Mode  models.Mode
	Cloud CloudConfig
	Edge  EdgeConfig
}

// Dispatcher routes frames to the active backend
type Dispatcher struct {
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	mode   models.Mode
	cloud  *CloudBackend
	edge   *EdgeBackend
	edgeCf EdgeConfig
	health Health
}

// NewDispatcher creates a dispatcher. An unknown initial mode falls back to cloud.
func NewDispatcher(cfg Config, client *http.Client, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "analyzer")

	mode := cfg.Mode
	if mode != models.ModeEdge {
		mode = models.ModeCloud
	}

	return &Dispatcher{
		client:  client,
		logger:  logger,
		metrics: m,
		mode:    mode,
		cloud:   NewCloudBackend(cfg.Cloud, client),
		edge:    NewEdgeBackend(cfg.Edge, client, logger),
		edgeCf:  cfg.Edge,
		health:  Health{Mode: mode},
	}
}

// Mode returns the active mode
func (d *Dispatcher) Mode() models.Mode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mode
}

// EdgeURL returns the local server base URL
func (d *Dispatcher) EdgeURL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.edge.URL()
}

// SetMode switches the backend used by later Analyze calls. edgeURL, when
// set, replaces the local server address. Calls already running keep the
// backend they started with.
func (d *Dispatcher) SetMode(mode, edgeURL string) error {
	m := models.Mode(mode)
	if m != models.ModeCloud && m != models.ModeEdge {
		return fmt.Errorf("%w '%s': must be 'cloud' or 'edge'", ErrInvalidMode, mode)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if edgeURL != "" && edgeURL != d.edge.URL() {
		cfg := d.edgeCf
		cfg.URL = edgeURL
		d.edgeCf = cfg
		d.edge = NewEdgeBackend(cfg, d.client, d.logger)
	}
	if d.mode != m {
		d.health = Health{Mode: m}
	}
	d.mode = m
	d.logger.Info("analysis mode changed", "mode", m, "edge_url", d.edge.URL())
	return nil
}

func (d *Dispatcher) active() (models.Mode, Backend) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.mode == models.ModeEdge {
		return d.mode, d.edge
	}
	return d.mode, d.cloud
}

// Analyze sends the image to the active backend using the scenario's prompt
func (d *Dispatcher) Analyze(ctx context.Context, imagePath string, sc scenario.Scenario) Result {
	mode, backend := d.active()

	start := time.Now()
	res := backend.Analyze(ctx, Request{
		ImagePath:      imagePath,
		Prompt:         sc.PromptFor(mode == models.ModeEdge),
		RefusalPhrases: sc.RefusalPhrases,
	})
	res.Latency = time.Since(start)

	d.metrics.AnalysisDone(string(mode), string(res.Outcome), res.Latency)
	d.observe(mode, res)

	if res.Outcome.Failed() {
		d.logger.Warn("analysis failed", "mode", mode, "outcome", res.Outcome, "error", res.Text)
	} else {
		d.logger.Info("analysis complete", "mode", mode, "attempts", res.Attempts, "latency", res.Latency)
	}
	return res
}

// observe folds a call outcome into the cached health
func (d *Dispatcher) observe(mode models.Mode, res Result) {
	h := Health{Mode: mode, Healthy: true, CheckedAt: time.Now()}
	switch res.Outcome {
	case models.OutcomeNotConfigured, models.OutcomeUnavailable:
		h.Healthy, h.Message = false, res.Text
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode == mode {
		d.health = h
	}
}

// Health returns the last known health without probing
func (d *Dispatcher) Health() Health {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

// RefreshHealth probes the active backend and caches the result
func (d *Dispatcher) RefreshHealth(ctx context.Context) Health {
	d.mu.RLock()
	mode, cloud, edge := d.mode, d.cloud, d.edge
	d.mu.RUnlock()

	h := Health{Mode: mode, CheckedAt: time.Now()}
	if mode == models.ModeEdge {
		if err := edge.Probe(ctx); err != nil {
			h.Message = err.Error()
		} else {
			h.Healthy = true
		}
	} else {
		h.Healthy = cloud.Configured()
		if !h.Healthy {
			h.Message = NotConfiguredMessage
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode == mode {
		d.health = h
	}
	return h
}
