// Package scenario loads the named analysis scenarios and tracks the active one.
package scenario

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed scenarios.yaml
var defaultScenarios []byte

// ErrUnknownScenario is returned when switching to an id that was never loaded
var ErrUnknownScenario = errors.New("unknown scenario")

// Metric is a named count the backend is asked to report
type Metric struct {
	Key   string `yaml:"key" json:"key"`
	Label string `yaml:"label" json:"label"`
}

// Section is one labelled block of the scene description
type Section struct {
	Key     string   `yaml:"key" json:"key"`
	Emoji   string   `yaml:"emoji" json:"emoji"`
	Title   string   `yaml:"title" json:"title"`
	Aliases []string `yaml:"aliases" json:"aliases,omitempty"`
}

// AlertRules decide when a result carries an alert
type AlertRules struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	TriggerKeys []string `yaml:"trigger_keys" json:"triggerKeys,omitempty"`
	// Threshold is exclusive: a trigger fires when its count is above it
	Threshold int    `yaml:"threshold" json:"threshold"`
	Title     string `yaml:"title" json:"title,omitempty"`
	Template  string `yaml:"template" json:"template,omitempty"`
	EmailNote string `yaml:"email_note" json:"emailNote,omitempty"`

	tmpl *template.Template
}

// Scenario bundles the prompt, expected output shape and alert rules
type Scenario struct {
	ID             string     `yaml:"id" json:"id"`
	Name           string     `yaml:"name" json:"name"`
	Description    string     `yaml:"description" json:"description"`
	Prompt         string     `yaml:"prompt" json:"prompt"`
	EdgePrompt     string     `yaml:"edge_prompt" json:"edgePrompt,omitempty"`
	TotalMetric    Metric     `yaml:"total_metric" json:"totalMetric"`
	Metrics        []Metric   `yaml:"metrics" json:"metrics"`
	SceneSections  []Section  `yaml:"scene_sections" json:"sceneSections"`
	Alerts         AlertRules `yaml:"alerts" json:"alerts"`
	RefusalPhrases []string   `yaml:"refusal_phrases" json:"refusalPhrases,omitempty"`
}

// DefaultSections is the section layout used when a scenario defines none
var DefaultSections = []Section{
	{Key: "location", Emoji: "🏢", Title: "Location & Environment", Aliases: []string{"environment", "location", "scene", "setting"}},
	{Key: "people", Emoji: "👥", Title: "People & Activities", Aliases: []string{"people", "persons", "activities"}},
	{Key: "notable", Emoji: "🔍", Title: "Notable Elements", Aliases: []string{"details", "notable", "objects"}},
	{Key: "overall", Emoji: "📊", Title: "Overall Status", Aliases: []string{"status", "overall", "summary"}},
}

// PromptFor returns the prompt to send in the given backend mode
func (s Scenario) PromptFor(edge bool) string {
	if edge && s.EdgePrompt != "" {
		return s.EdgePrompt
	}
	return s.Prompt
}

// MetricKeys lists the sub-count keys, excluding the total
func (s Scenario) MetricKeys() []string {
	keys := make([]string, len(s.Metrics))
	for i, m := range s.Metrics {
		keys[i] = m.Key
	}
	return keys
}

func (s Scenario) label(key string) string {
	for _, m := range s.Metrics {
		if m.Key == key && m.Label != "" {
			return m.Label
		}
	}
	return strings.ReplaceAll(key, "_", " ")
}

// AlertData is what alert templates render against
type AlertData struct {
	Title     string
	Total     int
	Counts    map[string]int
	Triggered []string
}

// Alert evaluates the alert rules against a set of counts. It returns false when
// alerts are disabled or no trigger is above the threshold.
func (s Scenario) Alert(total int, counts map[string]int) (string, bool) {
	if !s.Alerts.Enabled || len(s.Alerts.TriggerKeys) == 0 {
		return "", false
	}

	var triggered []string
	for _, key := range s.Alerts.TriggerKeys {
		if counts[key] > s.Alerts.Threshold {
			triggered = append(triggered, s.label(key))
		}
	}
	if len(triggered) == 0 {
		return "", false
	}

	title := s.Alerts.Title
	if title == "" {
		title = "Alert"
	}
	data := AlertData{Title: title, Total: total, Counts: counts, Triggered: triggered}

	if s.Alerts.tmpl != nil {
		var buf bytes.Buffer
		if err := s.Alerts.tmpl.Execute(&buf, data); err == nil {
			return buf.String(), true
		}
	}
	return fmt.Sprintf("%s: %s", title, strings.Join(triggered, ", ")), true
}

func (s *Scenario) prepare() error {
	if s.ID == "" {
		return errors.New("scenario id is required")
	}
	if strings.TrimSpace(s.Prompt) == "" {
		return fmt.Errorf("scenario '%s': prompt is required", s.ID)
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.TotalMetric.Key == "" {
		s.TotalMetric = Metric{Key: "total_persons", Label: "Total persons"}
	}
	if len(s.SceneSections) == 0 {
		s.SceneSections = DefaultSections
	}
	if s.Alerts.Template != "" {
		tmpl, err := template.New(s.ID).
			Funcs(template.FuncMap{"join": strings.Join}).
			Parse(s.Alerts.Template)
		if err != nil {
			return fmt.Errorf("scenario '%s': invalid alert template: %w", s.ID, err)
		}
		s.Alerts.tmpl = tmpl
	}
	return nil
}

type file struct {
	Default   string     `yaml:"default"`
	Scenarios []Scenario `yaml:"scenarios"`
}

// Registry holds the loaded scenarios and the active selection
type Registry struct {
	mu        sync.RWMutex
	order     []string
	byID      map[string]Scenario
	active    string
	listeners []func(Scenario)
}

// Parse builds a registry from YAML
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse scenarios: %w", err)
	}
	if len(f.Scenarios) == 0 {
		return nil, errors.New("no scenarios defined")
	}

	r := &Registry{byID: make(map[string]Scenario, len(f.Scenarios))}
	for i := range f.Scenarios {
		sc := f.Scenarios[i]
		if err := sc.prepare(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[sc.ID]; dup {
			return nil, fmt.Errorf("duplicate scenario id '%s'", sc.ID)
		}
		r.byID[sc.ID] = sc
		r.order = append(r.order, sc.ID)
	}

	r.active = r.order[0]
	if f.Default != "" {
		if _, ok := r.byID[f.Default]; !ok {
			return nil, fmt.Errorf("default scenario '%s' is not defined", f.Default)
		}
		r.active = f.Default
	}
	return r, nil
}

// Load reads scenarios from path, or the built-in set when path is empty
func Load(path string) (*Registry, error) {
	if path == "" {
		return Parse(defaultScenarios)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenarios file '%s': %v", path, err)
	}
	return Parse(data)
}

// List returns all scenarios in file order
func (r *Registry) List() []Scenario {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scenario, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Active returns the currently selected scenario
func (r *Registry) Active() Scenario {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[r.active]
}

func (r *Registry) Get(id string) (Scenario, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.byID[id]
	return sc, ok
}

// OnSwitch registers fn to run after every successful Switch
func (r *Registry) OnSwitch(fn func(Scenario)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Switch makes id the active scenario and notifies listeners. Switching to the
// already active scenario still notifies, so callers get a fresh store.
func (r *Registry) Switch(id string) (Scenario, error) {
	r.mu.Lock()
	sc, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return Scenario{}, fmt.Errorf("%w: '%s'", ErrUnknownScenario, id)
	}
	r.active = id
	listeners := append([]func(Scenario){}, r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(sc)
	}
	return sc, nil
}
