// Package ui renders pipeline run output for the terminal.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redpilot/redpilot/pkg/finding"
	"github.com/redpilot/redpilot/pkg/pipeline"
)

// badge renders a bracketed, styled tag like the scanners do.
func badge(text string, style func(...string) string) string {
	return BracketStyle.Render("[") + style(text) + BracketStyle.Render("]")
}

func kv(label, value string) string {
	return LabelStyle.Render(label) + ValueStyle.Render(value)
}

// RenderSummary formats a completed run for the console.
func RenderSummary(out *pipeline.Output) string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("Assessment Summary"))
	b.WriteString("\n")
	b.WriteString(kv("Target", out.Target) + "\n")
	b.WriteString(kv("Run", out.RunID) + "\n")
	b.WriteString(kv("Duration", out.CompletedAt.Sub(out.StartedAt).Round(time.Millisecond).String()) + "\n")

	if out.Attacks != nil {
		b.WriteString(SectionStyle.Render("Attack Simulation") + "\n")
		b.WriteString(kv("Vectors run", fmt.Sprintf("%d", len(out.Attacks.Results))) + "\n")
		b.WriteString(kv("Succeeded", SuccessStyle.Render(fmt.Sprintf("%d", out.Attacks.Succeeded))) + "\n")
		b.WriteString(kv("Blocked", fmt.Sprintf("%d", out.Attacks.Failed)) + "\n")
	}

	if corr := out.Correlation; corr != nil {
		b.WriteString(SectionStyle.Render("Correlation") + "\n")
		b.WriteString(kv("Risk score", RiskStyle(corr.RiskScore).Render(fmt.Sprintf("%d/100", corr.RiskScore))) + "\n")
		b.WriteString(kv("Signals", fmt.Sprintf("%d", corr.TotalSignals)) + "\n")
		b.WriteString(kv("Findings", fmt.Sprintf("%d", len(corr.Findings))) + "\n")
		if corr.FilteredEvents > 0 {
			b.WriteString(kv("Filtered", MutedStyle.Render(fmt.Sprintf("%d likely false positives", corr.FilteredEvents))) + "\n")
		}
		for _, f := range corr.Findings {
			b.WriteString("  " + badge(string(f.Severity), SeverityStyle(f.Severity).Render))
			b.WriteString(" " + ValueStyle.Render(f.Name))
			b.WriteString(" " + MutedStyle.Render(f.Phase) + "\n")
		}
		for _, ch := range corr.Chains {
			b.WriteString("  " + WarningStyle.Render("attack chain: "+ch.Name) + "\n")
		}
	}

	if rem := out.Remediation; rem != nil {
		b.WriteString(SectionStyle.Render("Remediation") + "\n")
		b.WriteString(kv("Actions", fmt.Sprintf("%d", len(rem.Items))) + "\n")
		b.WriteString(kv("Effort", fmt.Sprintf("%dh estimated", rem.TotalEffortHours)) + "\n")
		for _, sev := range []finding.Severity{finding.Critical, finding.High, finding.Medium, finding.Low} {
			if h := rem.EffortBySeverity[sev]; h > 0 {
				b.WriteString("  " + badge(string(sev), SeverityStyle(sev).Render))
				b.WriteString(MutedStyle.Render(fmt.Sprintf(" %dh", h)) + "\n")
			}
		}
	}

	if sum := out.Learning; sum != nil {
		b.WriteString(SectionStyle.Render("Learning") + "\n")
		for _, line := range sum.Insights {
			b.WriteString("  " + MutedStyle.Render(line) + "\n")
		}
	}

	return b.String()
}

// RenderWeights formats the learned model for the inspection command.
func RenderWeights(weights map[string]ModelView) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Learned Attack Model"))
	b.WriteString("\n")
	for _, id := range sortedKeys(weights) {
		w := weights[id]
		style := SuccessStyle
		if w.SuccessRate < 0.3 {
			style = ErrorStyle
		}
		b.WriteString(LabelStyle.Render(id))
		b.WriteString(style.Render(fmt.Sprintf("%5.1f%%", w.SuccessRate*100)))
		b.WriteString(MutedStyle.Render(fmt.Sprintf("  %d attempts", w.Attempts)))
		if w.LastSuccess != "" {
			b.WriteString(MutedStyle.Render("  last success " + w.LastSuccess))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ModelView is the display form of one learned weight.
type ModelView struct {
	SuccessRate float64
	Attempts    int
	LastSuccess string
}

func sortedKeys(m map[string]ModelView) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
