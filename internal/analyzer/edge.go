package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bdougie/lobbycam/internal/models"
)

// maxEdgeAttempts is the first request plus one retry on refusal
const maxEdgeAttempts = 2

// DefaultRefusalPhrases mark a reply where the model declined to look at the image
var DefaultRefusalPhrases = []string{
	"cannot view images",
	"can't view images",
	"unable to view images",
	"text-based model",
	"cannot see images",
	"unable to see images",
	"don't have the ability to see",
	"cannot analyze images",
}

// EdgeConfig points at a local OpenAI-compatible inference server
type EdgeConfig struct {
	URL           string
	Model         string
	MaxTokens     int
	Temperature   *float64 // nil means DefaultTemperature
	HealthTimeout time.Duration
	Timeout       time.Duration
}

func (c *EdgeConfig) setDefaults() {
	c.URL = strings.TrimRight(c.URL, "/")
	if c.URL == "" {
		c.URL = "http://localhost:8080"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 500
	}
	if c.Temperature == nil {
		c.Temperature = Float(DefaultTemperature)
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
}

// EdgeBackend calls the local model. It probes /health before every request.
type EdgeBackend struct {
	cfg    EdgeConfig
	client *http.Client
	logger *slog.Logger
}

func NewEdgeBackend(cfg EdgeConfig, client *http.Client, logger *slog.Logger) *EdgeBackend {
	cfg.setDefaults()
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EdgeBackend{cfg: cfg, client: client, logger: logger}
}

// URL returns the base URL of the local server
func (e *EdgeBackend) URL() string {
	return e.cfg.URL
}

// Probe checks GET {url}/health within the health timeout
func (e *EdgeBackend) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.URL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Analyze probes the server, then requests an analysis. A refusal is retried
// exactly once.
func (e *EdgeBackend) Analyze(ctx context.Context, req Request) Result {
	res := Result{Mode: models.ModeEdge}

	if err := e.Probe(ctx); err != nil {
		res.Outcome = models.OutcomeUnavailable
		res.Text = fmt.Sprintf("Edge model at %s is unavailable: %v", e.cfg.URL, err)
		return res
	}

	image, err := encodeImage(req.ImagePath)
	if err != nil {
		res.Outcome, res.Text = models.OutcomeTransportError, fmt.Sprintf("Error analyzing frame: %v", err)
		return res
	}

	phrases := req.RefusalPhrases
	if len(phrases) == 0 {
		phrases = DefaultRefusalPhrases
	}
	chat := visionRequest(e.cfg.Model, req.Prompt, image, e.cfg.MaxTokens, *e.cfg.Temperature)

	var last string
	for res.Attempts < maxEdgeAttempts {
		res.Attempts++

		text, err := e.complete(ctx, chat)
		if err != nil {
			res.Outcome, res.Text = classifyEdgeError(err, e.cfg.Timeout)
			return res
		}
		if strings.TrimSpace(text) == "" {
			res.Outcome, res.Text = models.OutcomeMalformed, "Error analyzing frame: edge model returned an empty reply"
			return res
		}
		if !IsRefusal(text, phrases) {
			res.Outcome, res.Text = models.OutcomeOK, text
			return res
		}

		last = text
		e.logger.Warn("edge model refused the image", "attempt", res.Attempts, "reply", truncate(text, 120))
	}

	res.Outcome = models.OutcomeRefused
	res.Text = fmt.Sprintf("Error analyzing frame: edge model refused to analyze the image after %d attempts: %s",
		res.Attempts, truncate(last, 200))
	return res
}

func (e *EdgeBackend) complete(ctx context.Context, chat chatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return postChat(ctx, e.client, e.cfg.URL+"/v1/chat/completions", nil, chat)
}

func classifyEdgeError(err error, timeout time.Duration) (models.Outcome, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.OutcomeTimedOut, fmt.Sprintf("Error analyzing frame: edge model timed out after %s", timeout)
	case errors.Is(err, errMalformed):
		return models.OutcomeMalformed, fmt.Sprintf("Error analyzing frame: %v", err)
	default:
		return models.OutcomeTransportError, fmt.Sprintf("Error analyzing frame: %v", err)
	}
}

// IsRefusal reports whether text contains any of phrases, ignoring case
func IsRefusal(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
