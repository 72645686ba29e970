package models

import (
	"encoding/json"
	"time"
)

// Mode selects which vision backend analyzes a frame
type Mode string

const (
	ModeCloud Mode = "cloud"
	ModeEdge  Mode = "edge"
)

// Outcome classifies a single backend call
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeNotConfigured  Outcome = "not_configured"
	OutcomeUnavailable    Outcome = "unavailable"
	OutcomeRefused        Outcome = "refused"
	OutcomeTimedOut       Outcome = "timed_out"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeMalformed      Outcome = "malformed"
)

// Failed reports whether the outcome carries no usable model output
func (o Outcome) Failed() bool {
	return o != OutcomeOK
}

// CapturedFrame is a still image extracted from the live source
type CapturedFrame struct {
	ID         int64     `json:"id"`
	Filename   string    `json:"filename"`
	FilePath   string    `json:"-"`
	URLPath    string    `json:"filepath"`
	CapturedAt time.Time `json:"capturedAt"`
	TraceID    string    `json:"traceId,omitempty"`
}

// AnalysisResult is the canonical shape every backend reply is normalized into.
// Counts holds the scenario-defined sub-counts (or alert flags as 0/1).
type AnalysisResult struct {
	Timestamp        time.Time
	TotalKey         string
	TotalPersons     int
	Counts           map[string]int
	SceneDescription string
	AlertMessage     *string
	EdgeMode         bool
	Source           string
}

// Fields flattens the result into the wire layout the dashboard reads:
// counts sit next to the total under their own keys.
func (r *AnalysisResult) Fields() map[string]any {
	totalKey := r.TotalKey
	if totalKey == "" {
		totalKey = "total_persons"
	}

	out := make(map[string]any, len(r.Counts)+6)
	for k, v := range r.Counts {
		out[k] = v
	}
	out[totalKey] = r.TotalPersons
	out["scene_description"] = r.SceneDescription
	if r.AlertMessage != nil {
		out["alert_message"] = *r.AlertMessage
	} else {
		out["alert_message"] = nil
	}
	out["edge_mode"] = r.EdgeMode
	out["timestamp"] = r.Timestamp.UTC().Format(time.RFC3339)
	if r.Source != "" {
		out["parsed_from"] = r.Source
	}
	return out
}

// MarshalJSON encodes the flattened field layout
func (r AnalysisResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields())
}

// HasAlert reports whether an alert message is attached
func (r *AnalysisResult) HasAlert() bool {
	return r != nil && r.AlertMessage != nil && *r.AlertMessage != ""
}

// AnalyzedFrameRecord is the unit kept in the frame store
type AnalyzedFrameRecord struct {
	CapturedFrame
	Timestamp int64           `json:"timestamp"`
	Scenario  string          `json:"scenario"`
	Mode      Mode            `json:"mode"`
	Outcome   Outcome         `json:"outcome"`
	Analysis  *AnalysisResult `json:"analysis"`
	Error     string          `json:"error,omitempty"`
}
