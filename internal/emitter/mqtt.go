// Package emitter fans stored analysis records out to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bdougie/lobbycam/internal/metrics"
	"github.com/bdougie/lobbycam/internal/models"
)

const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"

	publishTimeout = 2 * time.Second
)

var errNotConnected = errors.New("mqtt not connected")

// Config selects the broker and payload format. An empty Broker disables the emitter.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Encoding    string
	QoS         byte
}

// client is the subset of mqtt.Client the emitter uses
type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Message is the payload published for every stored record
type Message struct {
	FrameID    int64          `json:"frameId" msgpack:"frame_id"`
	TraceID    string         `json:"traceId,omitempty" msgpack:"trace_id,omitempty"`
	CapturedAt int64          `json:"capturedAt" msgpack:"captured_at"`
	Image      string         `json:"image" msgpack:"image"`
	Scenario   string         `json:"scenario" msgpack:"scenario"`
	Mode       string         `json:"mode" msgpack:"mode"`
	Outcome    string         `json:"outcome" msgpack:"outcome"`
	Analysis   map[string]any `json:"analysis,omitempty" msgpack:"analysis,omitempty"`
	Alert      string         `json:"alert,omitempty" msgpack:"alert,omitempty"`
	Error      string         `json:"error,omitempty" msgpack:"error,omitempty"`
}

// NewMessage flattens a record into its published form
func NewMessage(rec models.AnalyzedFrameRecord) Message {
	msg := Message{
		FrameID:    rec.ID,
		TraceID:    rec.TraceID,
		CapturedAt: rec.CapturedAt.UnixMilli(),
		Image:      rec.URLPath,
		Scenario:   rec.Scenario,
		Mode:       string(rec.Mode),
		Outcome:    string(rec.Outcome),
		Error:      rec.Error,
	}
	if rec.Analysis != nil {
		msg.Analysis = rec.Analysis.Fields()
		if rec.Analysis.HasAlert() {
			msg.Alert = *rec.Analysis.AlertMessage
		}
	}
	return msg
}

// Stats reports publish counters
type Stats struct {
	Enabled   bool              `json:"enabled"`
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Emitter publishes records to <prefix>/analysis and alerts to <prefix>/alerts
type Emitter struct {
	cfg     Config
	client  client
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Emitter {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "lobbycam"
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "lobbycam"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		cfg:       cfg,
		logger:    logger.With("component", "emitter"),
		metrics:   m,
		published: make(map[string]uint64),
	}
}

// Enabled reports whether a broker is configured
func (e *Emitter) Enabled() bool {
	return e != nil && e.cfg.Broker != ""
}

// Connect dials the broker with auto-reconnect. It is a no-op when disabled.
func (e *Emitter) Connect(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}

	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established", "broker", broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", broker)
	}

	return e.connect(ctx, mqtt.NewClient(opts))
}

func (e *Emitter) connect(ctx context.Context, c client) error {
	e.client = c
	e.logger.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := c.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		// ConnectRetry keeps trying in the background
		e.logger.Warn("mqtt broker not reachable yet, retrying in background", "broker", e.cfg.Broker)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Publish sends rec and, when it carries an alert, a copy to the alerts topic.
// Failures are logged and counted.
func (e *Emitter) Publish(rec models.AnalyzedFrameRecord) {
	if !e.Enabled() {
		return
	}

	msg := NewMessage(rec)
	payload, err := e.encode(msg)
	if err != nil {
		e.fail("analysis", fmt.Errorf("failed to encode message: %w", err))
		return
	}

	e.publish("analysis", payload)
	if msg.Alert != "" {
		e.publish("alerts", payload)
	}
}

func (e *Emitter) encode(msg Message) ([]byte, error) {
	if e.cfg.Encoding == EncodingMsgpack {
		return msgpack.Marshal(msg)
	}
	return json.Marshal(msg)
}

func (e *Emitter) publish(kind string, payload []byte) {
	topic := e.cfg.TopicPrefix + "/" + kind

	if !e.isConnected() {
		e.fail(kind, errNotConnected)
		return
	}

	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.fail(kind, errors.New("publish timeout"))
		return
	}
	if err := token.Error(); err != nil {
		e.fail(kind, fmt.Errorf("publish failed: %w", err))
		return
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	e.metrics.Published(kind, nil)
	e.logger.Debug("record published", "topic", topic, "size", len(payload))
}

func (e *Emitter) fail(kind string, err error) {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
	e.metrics.Published(kind, err)
	e.logger.Warn("mqtt publish failed", "kind", kind, "error", err)
}

// Disconnect closes the broker connection
func (e *Emitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats returns a copy of the publish counters
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Enabled:   e.cfg.Broker != "",
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Emitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}
