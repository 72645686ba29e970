// Package normalizer turns free-form vision model replies into one canonical
// AnalysisResult.
//
// Replies are tried against an ordered chain of parsers: the full counting
// JSON schema, the compact title/scene/alerts schema, regex extraction from
// truncated JSON, labelled free-form sections, and finally a fallback that
// wraps the whole text. The first parser that recognises the reply wins.
package normalizer

import (
	"log/slog"
	"strings"
	"time"

	"github.com/bdougie/lobbycam/internal/models"
	"github.com/bdougie/lobbycam/internal/scenario"
)

// parsed is the intermediate form produced by every parser
type parsed struct {
	total    int
	hasTotal bool
	counts   map[string]int
	// title is a caption candidate found ahead of the body
	title string
	// body is the scene markup, possibly already carrying a caption element
	body  string
	alert *string
}

type parser struct {
	name  string
	parse func(text string, sc scenario.Scenario) (*parsed, bool)
}

// chain is tried in order; fallback always succeeds
var chain = []parser{
	{"schemaA", parseSchemaA},
	{"schemaB", parseSchemaB},
	{"partialJSON", parsePartialJSON},
	{"sections", parseSections},
	{"fallback", parseFallback},
}

// Normalizer applies the parser chain and post-processing
type Normalizer struct {
	logger *slog.Logger
	now    func() time.Time
}

func New(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger.With("component", "normalizer"), now: time.Now}
}

// Normalize parses raw backend text for the given scenario. It never fails:
// text with no recognisable structure becomes the scene body with zero counts.
func (n *Normalizer) Normalize(raw string, sc scenario.Scenario, edge bool) *models.AnalysisResult {
	text := strings.TrimSpace(raw)

	var (
		p      *parsed
		source string
	)
	for _, ps := range chain {
		if res, ok := ps.parse(text, sc); ok {
			p, source = res, ps.name
			break
		}
	}
	n.logger.Debug("normalized reply", "parser", source, "scenario", sc.ID, "length", len(text))

	return n.finalize(p, source, sc, edge)
}

func (n *Normalizer) finalize(p *parsed, source string, sc scenario.Scenario, edge bool) *models.AnalysisResult {
	counts := make(map[string]int, len(sc.Metrics))
	for _, key := range sc.MetricKeys() {
		counts[key] = p.counts[key]
	}

	total := p.total
	if !p.hasTotal {
		// Only degraded parses land here; re-derive from what was found
		for _, v := range counts {
			total += v
		}
	}

	res := &models.AnalysisResult{
		Timestamp:        n.now(),
		TotalKey:         sc.TotalMetric.Key,
		TotalPersons:     total,
		Counts:           counts,
		SceneDescription: withCaption(p.title, p.body, total, counts, sc),
		EdgeMode:         edge,
		Source:           source,
	}

	if p.alert != nil && strings.TrimSpace(*p.alert) != "" {
		res.AlertMessage = p.alert
	} else if msg, ok := sc.Alert(total, counts); ok {
		res.AlertMessage = &msg
	}
	return res
}

func parseFallback(text string, _ scenario.Scenario) (*parsed, bool) {
	if text == "" {
		text = "No analysis available"
	}
	return &parsed{body: text}, true
}
