package normalizer

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bdougie/lobbycam/internal/scenario"
)

var (
	fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)(?:```|$)")

	// totalAliases are accepted in place of the scenario's total key
	totalAliases = []string{"total_persons", "people", "persons", "people_count", "person_count"}
)

// jsonCandidate returns the JSON-looking part of text: the contents of a code
// fence when present, otherwise the span from the first '{' to the last '}'.
func jsonCandidate(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil && strings.Contains(m[1], "{") {
		text = m[1]
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return text[start:]
	}
	return text[start : end+1]
}

func decodeObject(text string) (map[string]any, bool) {
	candidate := jsonCandidate(text)
	if candidate == "" {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// parseSchemaA handles the full counting schema:
// {"total_persons": n, "<metric>": n, ..., "scene_description": "...", "alert_message": ...}
func parseSchemaA(text string, sc scenario.Scenario) (*parsed, bool) {
	obj, ok := decodeObject(text)
	if !ok {
		return nil, false
	}
	scene, hasScene := obj["scene_description"].(string)
	_, hasTotal := obj[sc.TotalMetric.Key]
	if !hasScene && !hasTotal {
		return nil, false
	}
	// A bare total alongside compact keys belongs to schema B
	if !hasScene && (obj["scene"] != nil || obj["alerts"] != nil) {
		return nil, false
	}

	p := &parsed{body: strings.TrimSpace(scene), counts: make(map[string]int)}
	p.total, p.hasTotal = lookupTotal(obj, sc)
	for _, key := range sc.MetricKeys() {
		if v, ok := obj[key]; ok {
			p.counts[key] = toInt(v)
		}
	}
	if title, ok := obj["title"].(string); ok {
		p.title = strings.TrimSpace(title)
	}
	p.alert = stringPtr(obj["alert_message"])
	return p, true
}

// parseSchemaB handles the compact schema:
// {"title": "...", "scene": "...", "people": n, "alerts": {"<flag>": bool, ...}}
// Alert flags become 0/1 counts.
func parseSchemaB(text string, sc scenario.Scenario) (*parsed, bool) {
	obj, ok := decodeObject(text)
	if !ok {
		return nil, false
	}
	title, hasTitle := obj["title"].(string)
	scene, hasScene := obj["scene"].(string)
	alerts, hasAlerts := obj["alerts"].(map[string]any)
	if !hasTitle && !hasScene && !hasAlerts {
		return nil, false
	}

	p := &parsed{
		title:  strings.TrimSpace(title),
		counts: make(map[string]int),
	}
	p.total, p.hasTotal = lookupTotal(obj, sc)

	for key, v := range alerts {
		p.counts[key] = flagValue(v)
	}
	for _, key := range sc.MetricKeys() {
		if v, ok := obj[key]; ok {
			p.counts[key] = toInt(v)
		}
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(scene))
	if active := activeFlags(alerts, sc); len(active) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("**⚠️ Alerts:**\n")
		for i, label := range active {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString("- " + label)
		}
	}
	p.body = b.String()
	p.alert = stringPtr(obj["alert_message"])
	return p, true
}

// stringFieldRe matches a string value up to its closing quote or the end of input
func stringFieldRe(key string) *regexp.Regexp {
	return regexp.MustCompile(`"` + regexp.QuoteMeta(key) + `"\s*:\s*"((?:[^"\\]|\\.)*)`)
}

func numberFieldRe(key string) *regexp.Regexp {
	return regexp.MustCompile(`"` + regexp.QuoteMeta(key) + `"\s*:\s*(-?\d+(?:\.\d+)?|true|false)`)
}

// parsePartialJSON extracts known fields one by one from JSON that failed to
// decode, typically because the reply was cut off at the token limit.
func parsePartialJSON(text string, sc scenario.Scenario) (*parsed, bool) {
	candidate := jsonCandidate(text)
	if candidate == "" {
		return nil, false
	}

	p := &parsed{counts: make(map[string]int)}
	found := false

	for _, key := range []string{"scene_description", "scene"} {
		if s, ok := partialString(candidate, key); ok {
			p.body = s
			found = true
			break
		}
	}
	if s, ok := partialString(candidate, "title"); ok {
		p.title = s
		found = true
	}
	if s, ok := partialString(candidate, "alert_message"); ok && s != "" {
		p.alert = &s
	}

	for _, key := range append([]string{sc.TotalMetric.Key}, totalAliases...) {
		if v, ok := partialNumber(candidate, key); ok {
			p.total, p.hasTotal = v, true
			found = true
			break
		}
	}
	for _, key := range sc.MetricKeys() {
		if v, ok := partialNumber(candidate, key); ok {
			p.counts[key] = v
			found = true
		}
	}

	return p, found
}

func partialString(text, key string) (string, bool) {
	m := stringFieldRe(key).FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &s); err != nil {
		// Cut inside an escape sequence; fall back to the common escapes
		s = strings.NewReplacer(`\n`, "\n", `\"`, `"`, `\\`, `\`, `\t`, "\t").Replace(m[1])
		s = strings.TrimSuffix(s, `\`)
	}
	return strings.TrimSpace(s), true
}

func partialNumber(text, key string) (int, bool) {
	m := numberFieldRe(key).FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	switch m[1] {
	case "true":
		return 1, true
	case "false":
		return 0, true
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return int(math.Round(f)), true
}

func lookupTotal(obj map[string]any, sc scenario.Scenario) (int, bool) {
	for _, key := range append([]string{sc.TotalMetric.Key}, totalAliases...) {
		if v, ok := obj[key]; ok {
			return toInt(v), true
		}
	}
	return 0, false
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(math.Round(t))
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return 0
}

// flagValue reads an alert flag that may be a bool, a number, a yes/no string
// or an object such as {"detected": true, "details": "..."}.
func flagValue(v any) int {
	switch t := v.(type) {
	case map[string]any:
		for _, key := range []string{"detected", "present", "active", "value"} {
			if inner, ok := t[key]; ok {
				return flagValue(inner)
			}
		}
		return 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "detected":
			return 1
		}
		return toInt(t)
	default:
		if toInt(v) > 0 {
			return 1
		}
		return 0
	}
}

// activeFlags returns the labels of raised flags, scenario metrics first
func activeFlags(alerts map[string]any, sc scenario.Scenario) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range sc.Metrics {
		if v, ok := alerts[m.Key]; ok && flagValue(v) > 0 {
			out = append(out, m.Label)
			seen[m.Key] = true
		}
	}
	var rest []string
	for key, v := range alerts {
		if !seen[key] && flagValue(v) > 0 {
			rest = append(rest, strings.ReplaceAll(key, "_", " "))
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func stringPtr(v any) *string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" && !strings.EqualFold(s, "null") && !strings.EqualFold(s, "none") {
			return &s
		}
	}
	return nil
}
