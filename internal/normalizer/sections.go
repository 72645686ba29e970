package normalizer

import (
	"regexp"
	"strings"

	"github.com/bdougie/lobbycam/internal/scenario"
)

var (
	// headingRe matches "Label: text" lines with optional list markers, bold
	// markers and a leading emoji, e.g. "- **👥 People:** two visitors".
	headingRe = regexp.MustCompile(`^\s*(?:#{1,6}\s*|\d+[.)]\s*|[-*•]\s+)?(?:\*\*|__)?\s*(?:[^\p{L}\p{N}\s*#_]+\s*)?([\p{L}][\p{L} &/]{0,40}?)\s*(?:\*\*|__)?\s*:\s*(?:\*\*|__)?\s*(.*)$`)
	// bareHeadingRe matches a label alone on its line, e.g. "### Status"
	bareHeadingRe = regexp.MustCompile(`^\s*(?:#{1,6}\s*)?(?:\*\*|__)?\s*(?:[^\p{L}\p{N}\s*#_]+\s*)?([\p{L}][\p{L} &/]{0,40}?)\s*(?:\*\*|__)?\s*$`)

	titlePrefixRe = regexp.MustCompile(`(?i)^(?:title|caption)\s*:\s*`)
)

// matchSection returns the index of the section label names, or -1. Unless
// exact is set, a label that starts with an alias word also matches.
func matchSection(label string, sections []scenario.Section, exact bool) int {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return -1
	}
	for i, sec := range sections {
		if l == strings.ToLower(sec.Title) || l == sec.Key {
			return i
		}
		for _, alias := range sec.Aliases {
			if l == alias {
				return i
			}
			if !exact && (strings.HasPrefix(l, alias+" ") || strings.HasPrefix(l, alias+"&")) {
				return i
			}
		}
	}
	return -1
}

// heading reports whether line opens a known section, returning the section
// index and any text that followed the label on the same line.
func heading(line string, sections []scenario.Section) (int, string, bool) {
	if m := headingRe.FindStringSubmatch(line); m != nil {
		if i := matchSection(m[1], sections, false); i >= 0 {
			return i, strings.TrimSpace(m[2]), true
		}
	}
	if m := bareHeadingRe.FindStringSubmatch(line); m != nil {
		if i := matchSection(m[1], sections, true); i >= 0 {
			return i, "", true
		}
	}
	return -1, "", false
}

// parseSections handles free-form replies made of a title line followed by
// labelled sections. At least one known section label must be present.
func parseSections(text string, sc scenario.Scenario) (*parsed, bool) {
	sections := sc.SceneSections
	if len(sections) == 0 {
		sections = scenario.DefaultSections
	}

	content := make([][]string, len(sections))
	var intro []string
	current := -1
	found := false

	for _, line := range strings.Split(text, "\n") {
		if i, rest, ok := heading(line, sections); ok {
			current, found = i, true
			if rest != "" {
				content[i] = append(content[i], rest)
			}
			continue
		}
		if current >= 0 {
			content[current] = append(content[current], strings.TrimRight(line, " \t"))
		} else {
			intro = append(intro, strings.TrimSpace(line))
		}
	}
	if !found {
		return nil, false
	}

	p := &parsed{}

	// The first plain intro line is the title; anything after it is kept
	var rest []string
	for _, line := range intro {
		if line == "" {
			continue
		}
		if p.title == "" && !strings.Contains(line, "ai-caption") {
			p.title = cleanTitle(line)
			continue
		}
		rest = append(rest, line)
	}

	var blocks []string
	if len(rest) > 0 {
		blocks = append(blocks, strings.Join(rest, "\n"))
	}
	for i, sec := range sections {
		body := strings.TrimSpace(strings.Join(content[i], "\n"))
		if body == "" {
			continue
		}
		blocks = append(blocks, renderSection(sec, body))
	}
	p.body = strings.Join(blocks, "\n\n")
	return p, true
}

func renderSection(sec scenario.Section, body string) string {
	label := sec.Title
	if sec.Emoji != "" {
		label = sec.Emoji + " " + sec.Title
	}
	return "**" + label + ":**\n" + body
}

func cleanTitle(line string) string {
	line = strings.TrimSpace(strings.TrimLeft(line, "#>*_- \t"))
	line = strings.TrimSpace(strings.TrimRight(line, "*_ \t"))
	line = titlePrefixRe.ReplaceAllString(line, "")
	return strings.Trim(line, `"'`)
}
