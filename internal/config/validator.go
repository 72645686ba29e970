package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration and fills in values left at zero
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeoutS <= 0 {
		cfg.Server.ShutdownTimeoutS = 5
	}

	if cfg.Paths.StreamDir == "" {
		return fmt.Errorf("paths.stream_dir is required")
	}
	if cfg.Paths.CaptureDir == "" {
		return fmt.Errorf("paths.capture_dir is required")
	}
	if cfg.Paths.StreamDir == cfg.Paths.CaptureDir {
		return fmt.Errorf("paths.stream_dir and paths.capture_dir must differ")
	}

	if cfg.Stream.MaxRestartAttempts <= 0 {
		return fmt.Errorf("stream.max_restart_attempts must be > 0")
	}
	if cfg.Stream.RestartDelayMs <= 0 {
		return fmt.Errorf("stream.restart_delay_ms must be > 0")
	}

	if cfg.Capture.IntervalMs <= 0 {
		return fmt.Errorf("capture.interval_ms must be > 0")
	}
	if cfg.Capture.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("capture.max_consecutive_failures must be > 0")
	}
	if cfg.Capture.MaxFrames <= 0 {
		return fmt.Errorf("capture.max_frames must be > 0, got %d", cfg.Capture.MaxFrames)
	}
	if cfg.Capture.ExtractTimeoutMs <= 0 {
		cfg.Capture.ExtractTimeoutMs = 30000
	}

	cfg.Analysis.Mode = strings.ToLower(cfg.Analysis.Mode)
	switch cfg.Analysis.Mode {
	case "cloud", "edge":
	default:
		return fmt.Errorf("analysis.mode must be 'cloud' or 'edge', got '%s'", cfg.Analysis.Mode)
	}
	if cfg.Analysis.Edge.URL == "" {
		return fmt.Errorf("analysis.edge.url is required")
	}
	if t := cfg.Analysis.Cloud.Temperature; t < 0 || t > 2 {
		return fmt.Errorf("analysis.cloud.temperature must be between 0 and 2, got %g", t)
	}
	if t := cfg.Analysis.Edge.Temperature; t < 0 || t > 2 {
		return fmt.Errorf("analysis.edge.temperature must be between 0 and 2, got %g", t)
	}

	switch cfg.MQTT.Encoding {
	case "":
		cfg.MQTT.Encoding = "json"
	case "json", "msgpack":
	default:
		return fmt.Errorf("mqtt.encoding must be 'json' or 'msgpack', got '%s'", cfg.MQTT.Encoding)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	return nil
}
