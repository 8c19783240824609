// Package finding defines severity semantics shared by every stage of the
// assessment pipeline.
package finding

import "strings"

// Severity represents the severity level of a security finding.
// All values are lowercase strings; inputs are normalized via Parse.
type Severity string

const (
	// Critical represents immediate system compromise (RCE, auth bypass).
	Critical Severity = "critical"

	// High represents significant impact requiring prompt fix (SQLi, priv-esc).
	High Severity = "high"

	// Medium represents moderate impact (reflected XSS, weak ciphers).
	Medium Severity = "medium"

	// Low represents limited impact (verbose errors, minor info leak).
	Low Severity = "low"
)

// Parse normalizes s into a known Severity. Unknown values map to Low so
// malformed input degrades instead of failing downstream stages.
func Parse(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case Critical:
		return Critical
	case High:
		return High
	case Medium:
		return Medium
	case Low:
		return Low
	}
	return Low
}

// IsValid reports whether s is a recognized severity level.
func (s Severity) IsValid() bool {
	switch s {
	case Critical, High, Medium, Low:
		return true
	}
	return false
}

// Score returns a numeric score for comparison.
// Critical=4, High=3, Medium=2, Low=1, Unknown=0.
func (s Severity) Score() int {
	switch s {
	case Critical:
		return 4
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// Rank returns the sort position for severity-ordered output:
// Critical=0, High=1, Medium=2, Low=3. Unknown severities sort last.
func (s Severity) Rank() int {
	if !s.IsValid() {
		return 4
	}
	return 4 - s.Score()
}

// String returns the severity as a string.
func (s Severity) String() string {
	return string(s)
}
