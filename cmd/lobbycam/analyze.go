package main

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/bdougie/lobbycam/internal/analyzer"
	"github.com/bdougie/lobbycam/internal/metrics"
	"github.com/bdougie/lobbycam/internal/models"
	"github.com/bdougie/lobbycam/internal/pipeline"
	"github.com/bdougie/lobbycam/internal/scenario"
)

var (
	analyzeMode     string
	analyzeEdgeURL  string
	analyzeScenario string
	analyzeJSON     bool
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0A0A0"))
	valueStyle   = lipgloss.NewStyle().Bold(true)
	alertStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F5F"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
)

var tagRe = regexp.MustCompile(`<[^>]+>`)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image>",
	Short: "Analyze a single image with the configured vision backend",
	Long: `analyze sends one JPEG through the same backend and normalizer the capture
loop uses and prints the structured result. Nothing is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeMode, "mode", "", "override the analysis mode (cloud or edge)")
	analyzeCmd.Flags().StringVar(&analyzeEdgeURL, "slm-url", "", "override the edge server URL")
	analyzeCmd.Flags().StringVar(&analyzeScenario, "scenario", "", "scenario id to analyze under")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print the result as JSON")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg, nil, nil, logger, metrics.New())
	if err != nil {
		return err
	}

	if analyzeMode != "" || analyzeEdgeURL != "" {
		mode := analyzeMode
		if mode == "" {
			mode = string(p.Analyzer.Mode())
		}
		if _, err := p.SetMode(mode, analyzeEdgeURL); err != nil {
			return err
		}
	}
	if analyzeScenario != "" {
		if _, err := p.SwitchScenario(analyzeScenario); err != nil {
			return err
		}
	}

	sc := p.Scenarios.Active()
	res, result := p.AnalyzeImage(cmd.Context(), args[0])

	out := cmd.OutOrStdout()
	if analyzeJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Scenario string                 `json:"scenario"`
			Result   analyzer.Result        `json:"result"`
			Analysis *models.AnalysisResult `json:"analysis"`
		}{sc.ID, res, result}); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, renderAnalysis(sc, res, result))
	}

	if res.Outcome.Failed() {
		return fmt.Errorf("analysis %s", res.Outcome)
	}
	return nil
}

// renderAnalysis formats a result for the terminal
func renderAnalysis(sc scenario.Scenario, res analyzer.Result, result *models.AnalysisResult) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("lobbycam · %s", sc.Name)))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-20s", label)))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	row("Mode", string(res.Mode))
	outcome := successStyle.Render(string(res.Outcome))
	if res.Outcome.Failed() {
		outcome = errorStyle.Render(string(res.Outcome))
	}
	b.WriteString(labelStyle.Render(fmt.Sprintf("%-20s", "Outcome")) + outcome + "\n")
	row("Latency", res.Latency.Round(time.Millisecond).String())

	if result == nil {
		b.WriteString("\n")
		b.WriteString(boxStyle.Render(errorStyle.Render(res.Text)))
		return b.String()
	}

	b.WriteString("\n")
	total := sc.TotalMetric.Label
	if total == "" {
		total = "Total persons"
	}
	row(total, fmt.Sprintf("%d", result.TotalPersons))
	for _, m := range sc.Metrics {
		row(m.Label, fmt.Sprintf("%d", result.Counts[m.Key]))
	}

	if result.HasAlert() {
		b.WriteString("\n")
		b.WriteString(alertStyle.Render("⚠ " + *result.AlertMessage))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(boxStyle.Render(plainText(result.SceneDescription)))
	return b.String()
}

func plainText(markup string) string {
	text := tagRe.ReplaceAllString(markup, "")
	text = strings.ReplaceAll(text, "**", "")
	return strings.TrimSpace(html.UnescapeString(text))
}
