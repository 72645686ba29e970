package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bdougie/lobbycam/internal/models"
)

// NotConfiguredMessage is the result text when cloud credentials are missing
const NotConfiguredMessage = "Azure OpenAI is not configured. Please set AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_API_KEY environment variables."

// CloudConfig points at an Azure OpenAI chat completions deployment
type CloudConfig struct {
	Endpoint    string
	APIKey      string
	Deployment  string
	APIVersion  string
	MaxTokens   int
	Temperature *float64 // nil means DefaultTemperature
	Timeout     time.Duration
}

func (c *CloudConfig) setDefaults() {
	if c.Deployment == "" {
		c.Deployment = "gpt-4o"
	}
	if c.APIVersion == "" {
		c.APIVersion = "2024-02-15-preview"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 800
	}
	if c.Temperature == nil {
		c.Temperature = Float(DefaultTemperature)
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// CloudBackend calls Azure OpenAI
type CloudBackend struct {
	cfg    CloudConfig
	client *http.Client
}

func NewCloudBackend(cfg CloudConfig, client *http.Client) *CloudBackend {
	cfg.setDefaults()
	if client == nil {
		client = &http.Client{}
	}
	return &CloudBackend{cfg: cfg, client: client}
}

// Configured reports whether both endpoint and key are set
func (c *CloudBackend) Configured() bool {
	return c.cfg.Endpoint != "" && c.cfg.APIKey != ""
}

func (c *CloudBackend) url() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(c.cfg.Endpoint, "/"), c.cfg.Deployment, c.cfg.APIVersion)
}

// Analyze sends one request. Failures come back as tagged results, never errors.
func (c *CloudBackend) Analyze(ctx context.Context, req Request) Result {
	res := Result{Mode: models.ModeCloud, Attempts: 1}
	if !c.Configured() {
		res.Outcome, res.Text, res.Attempts = models.OutcomeNotConfigured, NotConfiguredMessage, 0
		return res
	}

	image, err := encodeImage(req.ImagePath)
	if err != nil {
		res.Outcome, res.Text = models.OutcomeTransportError, fmt.Sprintf("Error analyzing frame: %v", err)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	text, err := postChat(ctx, c.client, c.url(),
		map[string]string{"api-key": c.cfg.APIKey},
		visionRequest("", req.Prompt, image, c.cfg.MaxTokens, *c.cfg.Temperature))
	switch {
	case err == nil && strings.TrimSpace(text) == "":
		res.Outcome, res.Text = models.OutcomeMalformed, "No analysis available"
	case err == nil:
		res.Outcome, res.Text = models.OutcomeOK, text
	case errors.Is(err, context.DeadlineExceeded):
		res.Outcome, res.Text = models.OutcomeTimedOut, fmt.Sprintf("Error analyzing frame: request timed out after %s", c.cfg.Timeout)
	case errors.Is(err, errMalformed):
		res.Outcome, res.Text = models.OutcomeMalformed, fmt.Sprintf("Error analyzing frame: %v", err)
	default:
		res.Outcome, res.Text = models.OutcomeTransportError, fmt.Sprintf("Error analyzing frame: %v", err)
	}
	return res
}
