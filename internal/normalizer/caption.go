package normalizer

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bdougie/lobbycam/internal/scenario"
)

const (
	captionOpen  = `<span class="ai-caption">`
	captionClose = `</span>`

	// MaxCaptionLength bounds synthesized captions, ellipsis included
	MaxCaptionLength = 150

	genericCaption = "Camera frame analyzed"
)

var (
	captionRe  = regexp.MustCompile(`(?s)<span\s+class=["']ai-caption["']\s*>.*?</span>`)
	tagRe      = regexp.MustCompile(`<[^>]+>`)
	boldHeadRe = regexp.MustCompile(`\*\*[^*\n]*:\*\*`)
	sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]?`)
)

// withCaption guarantees the markup starts with exactly one caption element.
// A caption supplied by the backend is kept verbatim and any duplicates are
// dropped; otherwise one is synthesized.
func withCaption(title, body string, total int, counts map[string]int, sc scenario.Scenario) string {
	body = strings.TrimSpace(body)

	if existing := captionRe.FindString(body); existing != "" {
		rest := strings.TrimSpace(captionRe.ReplaceAllString(body, ""))
		return join(existing, rest)
	}

	caption := title
	if caption == "" {
		caption = firstSentence(body)
	}
	if caption == "" {
		caption = countSummary(total, counts, sc)
	}
	if caption == "" {
		caption = genericCaption
	}
	return join(captionOpen+html.EscapeString(truncate(caption, MaxCaptionLength))+captionClose, body)
}

func join(caption, rest string) string {
	if rest == "" {
		return caption
	}
	return caption + "\n\n" + rest
}

// firstSentence returns the first sentence of at least four words from the
// body, ignoring section labels and markup.
func firstSentence(body string) string {
	plain := boldHeadRe.ReplaceAllString(body, "\n")
	plain = tagRe.ReplaceAllString(plain, "")
	plain = strings.NewReplacer("**", "", "__", "", "#", "").Replace(plain)

	for _, s := range sentenceRe.FindAllString(plain, -1) {
		s = strings.TrimSpace(strings.TrimLeft(s, "-*• \t"))
		if len(strings.Fields(s)) >= 4 {
			return s
		}
	}
	return ""
}

// countSummary describes the non-zero counts, e.g. "3 people: Near doors 2, At reception 1"
func countSummary(total int, counts map[string]int, sc scenario.Scenario) string {
	var parts []string
	for _, m := range sc.Metrics {
		if n := counts[m.Key]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", m.Label, n))
		}
	}
	if total <= 0 && len(parts) == 0 {
		return ""
	}
	summary := fmt.Sprintf("%d %s", total, noun(total))
	if len(parts) > 0 {
		summary += ": " + strings.Join(parts, ", ")
	}
	return summary
}

func noun(n int) string {
	if n == 1 {
		return "person"
	}
	return "people"
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max-3])) + "..."
}
