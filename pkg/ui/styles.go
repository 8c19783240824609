package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/redpilot/redpilot/pkg/finding"
)

// Color palette. Severity colors follow the conventions of the common
// security scanners so operators read them at a glance.
var (
	Primary   = lipgloss.Color("#7D56F4")
	Secondary = lipgloss.Color("#00D4AA")

	Critical = lipgloss.Color("#FF0000")
	High     = lipgloss.Color("#FF6B6B")
	Medium   = lipgloss.Color("#FFD93D")
	Low      = lipgloss.Color("#6BCB77")

	Success = lipgloss.Color("#00D26A")
	Error   = lipgloss.Color("#FF3838")
	Warning = lipgloss.Color("#FFB800")
	Muted   = lipgloss.Color("#6B7280")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(Primary).
			Padding(0, 1)

	SectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Bold(true).
			MarginTop(1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(Muted).
			Width(18)

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA"))

	SuccessStyle = lipgloss.NewStyle().Foreground(Success)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Error)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	MutedStyle   = lipgloss.NewStyle().Foreground(Muted)
	BracketStyle = lipgloss.NewStyle().Foreground(Muted)
)

var severityStyles = map[finding.Severity]lipgloss.Style{
	finding.Critical: lipgloss.NewStyle().Foreground(Critical).Bold(true),
	finding.High:     lipgloss.NewStyle().Foreground(High).Bold(true),
	finding.Medium:   lipgloss.NewStyle().Foreground(Medium),
	finding.Low:      lipgloss.NewStyle().Foreground(Low),
}

// SeverityStyle returns the display style for a severity level.
func SeverityStyle(sev finding.Severity) lipgloss.Style {
	if s, ok := severityStyles[sev]; ok {
		return s
	}
	return MutedStyle
}

// RiskStyle maps a 0-100 risk score to a color band.
func RiskStyle(score int) lipgloss.Style {
	switch {
	case score >= 75:
		return lipgloss.NewStyle().Foreground(Critical).Bold(true)
	case score >= 50:
		return lipgloss.NewStyle().Foreground(High).Bold(true)
	case score >= 25:
		return lipgloss.NewStyle().Foreground(Medium)
	default:
		return lipgloss.NewStyle().Foreground(Low)
	}
}
