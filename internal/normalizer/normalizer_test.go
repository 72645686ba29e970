package normalizer

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/lobbycam/internal/scenario"
)

func scenarios(t *testing.T) (lobby, safety scenario.Scenario) {
	t.Helper()
	r, err := scenario.Load("")
	require.NoError(t, err)
	lobby, ok := r.Get("lobby")
	require.True(t, ok)
	safety, ok = r.Get("safety")
	require.True(t, ok)
	return lobby, safety
}

func captionOf(t *testing.T, markup string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(markup, captionOpen), "markup must start with a caption: %q", markup)
	end := strings.Index(markup, captionClose)
	require.Greater(t, end, 0)
	return markup[len(captionOpen):end]
}

func TestSchemaARoundTrip(t *testing.T) {
	lobby, _ := scenarios(t)
	raw := "Here is the analysis:\n```json\n" + `{
  "total_persons": 5,
  "persons_near_doors": 2,
  "persons_at_reception": 2,
  "persons_in_other_areas": 1,
  "scene_description": "<span class=\"ai-caption\">Busy check-in</span>\n\n**👥 People & Activities:**\nTwo guests at the desk.",
  "alert_message": null
}` + "\n```"

	res := New(nil).Normalize(raw, lobby, false)

	assert.Equal(t, "schemaA", res.Source)
	assert.Equal(t, 5, res.TotalPersons)
	assert.Equal(t, 2, res.Counts["persons_near_doors"])
	assert.Equal(t, 2, res.Counts["persons_at_reception"])
	assert.Equal(t, 1, res.Counts["persons_in_other_areas"])
	assert.Equal(t, "Busy check-in", captionOf(t, res.SceneDescription))
	assert.Contains(t, res.SceneDescription, "Two guests at the desk.")
	assert.Nil(t, res.AlertMessage)
	assert.False(t, res.EdgeMode)
}

func TestTruncatedJSON(t *testing.T) {
	lobby, _ := scenarios(t)

	res := New(nil).Normalize(`{"scene_description": "calm lobby", "total_pers`, lobby, false)

	assert.Equal(t, "partialJSON", res.Source)
	assert.Contains(t, res.SceneDescription, "calm lobby")
	assert.Equal(t, 0, res.TotalPersons)
	for key, v := range res.Counts {
		assert.Zero(t, v, key)
	}
	assert.Len(t, res.Counts, 3)
}

func TestTruncatedJSONKeepsCounts(t *testing.T) {
	lobby, _ := scenarios(t)

	res := New(nil).Normalize(`{"persons_near_doors": 1, "persons_at_reception": 2, "scene_description": "Two at the desk and one by the door, all`, lobby, false)

	assert.Equal(t, "partialJSON", res.Source)
	assert.Equal(t, 3, res.TotalPersons, "total re-derived when missing")
	assert.Equal(t, 2, res.Counts["persons_at_reception"])
	assert.Contains(t, res.SceneDescription, "Two at the desk")
}

func TestSchemaB(t *testing.T) {
	_, safety := scenarios(t)
	raw := `{"title": "Person on the floor", "scene": "An adult lies next to the bench.", "people": 2,
"alerts": {"fall_detected": true, "unattended_object": false, "crowding": {"detected": false}}}`

	res := New(nil).Normalize(raw, safety, false)

	assert.Equal(t, "schemaB", res.Source)
	assert.Equal(t, 2, res.TotalPersons)
	assert.Equal(t, 1, res.Counts["fall_detected"])
	assert.Equal(t, 0, res.Counts["unattended_object"])
	assert.Equal(t, 0, res.Counts["crowding"])
	assert.Equal(t, "Person on the floor", captionOf(t, res.SceneDescription))
	assert.Contains(t, res.SceneDescription, "**⚠️ Alerts:**\n- Fall detected")

	require.NotNil(t, res.AlertMessage)
	assert.Equal(t, "Safety alert: Fall detected (2 people in view)", *res.AlertMessage)
}

func TestSchemaBWithTotalPersons(t *testing.T) {
	_, safety := scenarios(t)
	raw := `{"title":"Corridor","scene":"A person lies on the floor near the exit.","total_persons":1,"alerts":{"fall_detected":true,"crowding":false}}`

	res := New(nil).Normalize(raw, safety, false)

	assert.Equal(t, "schemaB", res.Source)
	assert.Equal(t, 1, res.TotalPersons)
	assert.Equal(t, 1, res.Counts["fall_detected"])
	assert.Equal(t, 0, res.Counts["crowding"])
	assert.Contains(t, res.SceneDescription, "A person lies on the floor near the exit.")
	assert.Contains(t, res.SceneDescription, "- Fall detected")

	require.NotNil(t, res.AlertMessage)
	assert.Contains(t, *res.AlertMessage, "Fall detected")
}

func TestBackendAlertIsNeverOverwritten(t *testing.T) {
	_, safety := scenarios(t)
	raw := `{"title": "Fall", "scene": "Someone fell.", "people": 1, "alerts": {"fall_detected": true}, "alert_message": "Send help to the east entrance"}`

	res := New(nil).Normalize(raw, safety, false)

	require.NotNil(t, res.AlertMessage)
	assert.Equal(t, "Send help to the east entrance", *res.AlertMessage)
}

func TestSections(t *testing.T) {
	lobby, _ := scenarios(t)
	raw := `## Quiet morning in the lobby

**Environment:** Bright lobby with glass doors.
- People: Two visitors are waiting near the reception desk.
One is reading.
Status: Normal.`

	res := New(nil).Normalize(raw, lobby, true)

	assert.Equal(t, "sections", res.Source)
	assert.True(t, res.EdgeMode)
	assert.Equal(t, "Quiet morning in the lobby", captionOf(t, res.SceneDescription))
	assert.Contains(t, res.SceneDescription, "**🏢 Location & Environment:**\nBright lobby with glass doors.")
	assert.Contains(t, res.SceneDescription, "**👥 People & Activities:**\nTwo visitors are waiting near the reception desk.\nOne is reading.")
	assert.Contains(t, res.SceneDescription, "**📊 Overall Status:**\nNormal.")
	assert.NotContains(t, res.SceneDescription, "Notable Elements")
	assert.Equal(t, 0, res.TotalPersons)
}

func TestSectionsRequireKnownLabel(t *testing.T) {
	lobby, _ := scenarios(t)
	_, ok := parseSections("People are waiting near the desk\nNothing else", lobby)
	assert.False(t, ok)
}

func TestFallback(t *testing.T) {
	lobby, _ := scenarios(t)

	res := New(nil).Normalize("I'm unable to view images attached", lobby, true)

	assert.Equal(t, "fallback", res.Source)
	assert.Contains(t, res.SceneDescription, "I'm unable to view images attached")
	assert.Contains(t, captionOf(t, res.SceneDescription), "unable to view images")
	assert.Equal(t, 0, res.TotalPersons)
}

func TestDuplicateCaptionsAreRemoved(t *testing.T) {
	lobby, _ := scenarios(t)
	raw := `{"total_persons": 0, "scene_description": "<span class=\"ai-caption\">First</span>\n\nEmpty hall. <span class=\"ai-caption\">Second</span>"}`

	res := New(nil).Normalize(raw, lobby, false)

	assert.Equal(t, 1, strings.Count(res.SceneDescription, "ai-caption"))
	assert.Equal(t, "First", captionOf(t, res.SceneDescription))
	assert.Contains(t, res.SceneDescription, "Empty hall.")
}

func TestCaptionFallbacks(t *testing.T) {
	lobby, _ := scenarios(t)
	n := New(nil)

	t.Run("count summary", func(t *testing.T) {
		res := n.Normalize(`{"total_persons": 3, "persons_near_doors": 2, "persons_at_reception": 1}`, lobby, false)
		assert.Equal(t, "3 people: Near doors 2, At reception 1", captionOf(t, res.SceneDescription))
	})

	t.Run("generic", func(t *testing.T) {
		res := n.Normalize("", lobby, false)
		assert.Equal(t, genericCaption, captionOf(t, res.SceneDescription))
	})

	t.Run("truncated", func(t *testing.T) {
		title := strings.Repeat("long caption ", 20)
		res := n.Normalize(title+"\nStatus: ok", lobby, false)
		caption := captionOf(t, res.SceneDescription)
		assert.True(t, strings.HasSuffix(caption, "..."))
		assert.LessOrEqual(t, utf8.RuneCountInString(caption), MaxCaptionLength)
	})

	t.Run("escaped", func(t *testing.T) {
		res := n.Normalize("Lobby <empty> tonight\nStatus: ok", lobby, false)
		assert.Equal(t, "Lobby &lt;empty&gt; tonight", captionOf(t, res.SceneDescription))
	})
}
