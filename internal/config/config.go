package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete lobbycam configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Paths     PathsConfig     `yaml:"paths"`
	FFmpeg    FFmpegConfig    `yaml:"ffmpeg"`
	Stream    StreamConfig    `yaml:"stream"`
	Capture   CaptureConfig   `yaml:"capture"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Scenarios ScenariosConfig `yaml:"scenarios"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeoutS bounds graceful HTTP shutdown
	ShutdownTimeoutS int `yaml:"shutdown_timeout_s"`
}

// PathsConfig holds the directories served as static files
type PathsConfig struct {
	StreamDir  string `yaml:"stream_dir"`
	CaptureDir string `yaml:"capture_dir"`
}

type FFmpegConfig struct {
	Binary string `yaml:"binary"`
}

// StreamConfig controls transcoder supervision
type StreamConfig struct {
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
	RestartDelayMs     int `yaml:"restart_delay_ms"`
	StopTimeoutMs      int `yaml:"stop_timeout_ms"`
}

// CaptureConfig controls periodic frame capture
type CaptureConfig struct {
	IntervalMs             int  `yaml:"interval_ms"`
	MaxConsecutiveFailures int  `yaml:"max_consecutive_failures"`
	MaxFrames              int  `yaml:"max_frames"`
	ExtractTimeoutMs       int  `yaml:"extract_timeout_ms"`
	StoreFailedAnalyses    bool `yaml:"store_failed_analyses"`
}

type AnalysisConfig struct {
	Mode  string      `yaml:"mode"` // cloud or edge
	Cloud CloudConfig `yaml:"cloud"`
	Edge  EdgeConfig  `yaml:"edge"`
}

// CloudConfig points at an Azure OpenAI deployment
type CloudConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Deployment  string  `yaml:"deployment"`
	APIVersion  string  `yaml:"api_version"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutS    int     `yaml:"timeout_s"`
}

// EdgeConfig points at a local OpenAI-compatible server
type EdgeConfig struct {
	URL            string  `yaml:"url"`
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	HealthTimeoutS int     `yaml:"health_timeout_s"`
	TimeoutS       int     `yaml:"timeout_s"`
}

type ScenariosConfig struct {
	// File replaces the built-in scenarios when set
	File string `yaml:"file"`
}

// MQTTConfig enables the record emitter when Broker is set
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Encoding    string `yaml:"encoding"` // json or msgpack
	QoS         byte   `yaml:"qos"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 3001, ShutdownTimeoutS: 5},
		Paths:  PathsConfig{StreamDir: "stream", CaptureDir: "captures"},
		FFmpeg: FFmpegConfig{Binary: "ffmpeg"},
		Stream: StreamConfig{
			MaxRestartAttempts: 10,
			RestartDelayMs:     5000,
			StopTimeoutMs:      5000,
		},
		Capture: CaptureConfig{
			IntervalMs:             60000,
			MaxConsecutiveFailures: 5,
			MaxFrames:              10,
			ExtractTimeoutMs:       30000,
			StoreFailedAnalyses:    true,
		},
		Analysis: AnalysisConfig{
			Mode: "cloud",
			Cloud: CloudConfig{
				Deployment:  "gpt-4o",
				APIVersion:  "2024-02-15-preview",
				MaxTokens:   800,
				Temperature: 0.1,
				TimeoutS:    60,
			},
			Edge: EdgeConfig{
				URL:            "http://localhost:8080",
				MaxTokens:      500,
				Temperature:    0.1,
				HealthTimeoutS: 5,
				TimeoutS:       120,
			},
		},
		MQTT: MQTTConfig{ClientID: "lobbycam", TopicPrefix: "lobbycam", Encoding: "json"},
		Log:  LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment variables the dashboard
// deployment has always used.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got '%s'", key, v)
		}
		*dst = n
		return nil
	}

	if err := num("PORT", &c.Server.Port); err != nil {
		return err
	}
	if err := num("MAX_ANALYZED_FRAMES", &c.Capture.MaxFrames); err != nil {
		return err
	}
	str("AZURE_OPENAI_ENDPOINT", &c.Analysis.Cloud.Endpoint)
	str("AZURE_OPENAI_API_KEY", &c.Analysis.Cloud.APIKey)
	str("AZURE_OPENAI_DEPLOYMENT_NAME", &c.Analysis.Cloud.Deployment)
	str("SLM_URL", &c.Analysis.Edge.URL)
	str("MODEL_MODE", &c.Analysis.Mode)
	str("MQTT_BROKER", &c.MQTT.Broker)
	str("LOG_LEVEL", &c.Log.Level)
	return nil
}

// Addr is the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

func (c StreamConfig) RestartDelay() time.Duration { return ms(c.RestartDelayMs) }
func (c StreamConfig) StopTimeout() time.Duration { return ms(c.StopTimeoutMs) }
func (c CaptureConfig) Interval() time.Duration { return ms(c.IntervalMs) }
func (c CaptureConfig) ExtractTimeout() time.Duration { return ms(c.ExtractTimeoutMs) }
func (c CloudConfig) Timeout() time.Duration { return sec(c.TimeoutS) }
func (c EdgeConfig) Timeout() time.Duration { return sec(c.TimeoutS) }
func (c EdgeConfig) HealthTimeout() time.Duration { return sec(c.HealthTimeoutS) }
func (c ServerConfig) ShutdownTimeout() time.Duration { return sec(c.ShutdownTimeoutS) }
