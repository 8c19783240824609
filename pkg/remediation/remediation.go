// Package remediation turns correlated findings into a prioritized,
// compliance-mapped remediation plan with three-tier guidance and effort
// estimates.
package remediation

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/redpilot/redpilot/pkg/catalog"
	"github.com/redpilot/redpilot/pkg/correlator"
	"github.com/redpilot/redpilot/pkg/finding"
	"github.com/redpilot/redpilot/pkg/scan"
)

// ComplianceMapping ties a remediation item to one framework.
type ComplianceMapping struct {
	FrameworkID   string   `json:"framework_id"`
	FrameworkName string   `json:"framework_name"`
	Controls      []string `json:"controls,omitempty"`
	Relevance     string   `json:"relevance"`
}

// Item is one remediation work item derived from a correlated finding.
type Item struct {
	ID             string              `json:"id"`
	FindingID      string              `json:"finding_id"`
	Name           string              `json:"name"`
	Severity       finding.Severity    `json:"severity"`
	Phase          string              `json:"phase"`
	Immediate      string              `json:"immediate"`
	ShortTerm      string              `json:"short_term"`
	LongTerm       string              `json:"long_term"`
	Snippet        string              `json:"snippet,omitempty"`
	References     []string            `json:"references,omitempty"`
	AffectedAssets []scan.Asset        `json:"affected_assets,omitempty"`
	Compliance     []ComplianceMapping `json:"compliance,omitempty"`
	EffortHours    int                 `json:"effort_hours"`
}

// Result is the full remediation plan for one run.
type Result struct {
	Target           string                   `json:"target"`
	Timestamp        time.Time                `json:"timestamp"`
	Items            []Item                   `json:"items"`
	TotalEffortHours int                      `json:"total_effort_hours"`
	EffortBySeverity map[finding.Severity]int `json:"effort_by_severity"`
	ByFramework      map[string][]string      `json:"by_framework,omitempty"`
}

// effortHours is the fixed estimate per severity.
var effortHours = map[finding.Severity]int{
	finding.Critical: 8,
	finding.High:     4,
	finding.Medium:   2,
	finding.Low:      1,
}

// Generator maps findings to remediation guidance. Stateless.
type Generator struct {
	cat    *catalog.Catalog
	logger *slog.Logger
}

// New creates a Generator over the given catalog. A nil logger uses
// slog.Default.
func New(cat *catalog.Catalog, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{cat: cat, logger: logger}
}

// Generate builds the remediation plan. Total: unknown finding names fall
// back to the Default template rather than failing.
func (g *Generator) Generate(corr *correlator.Result, sr *scan.Result) *Result {
	sr.Normalize()

	res := &Result{
		Target:           sr.Target,
		Timestamp:        time.Now(),
		EffortBySeverity: make(map[finding.Severity]int),
		ByFramework:      make(map[string][]string),
	}

	for _, f := range corr.Findings {
		tpl := g.templateFor(f.Name)

		item := Item{
			ID:          uuid.NewString(),
			FindingID:   f.ID,
			Name:        tpl.Name,
			Severity:    f.Severity,
			Phase:       f.Phase,
			Immediate:   tpl.Immediate,
			ShortTerm:   tpl.ShortTerm,
			LongTerm:    tpl.LongTerm,
			Snippet:     tpl.Snippet,
			References:  tpl.References,
			Compliance:  g.complianceFor(f.Severity),
			EffortHours: effortHours[f.Severity],
		}
		item.AffectedAssets = g.affectedAssets(f, sr)

		res.Items = append(res.Items, item)
		res.TotalEffortHours += item.EffortHours
		res.EffortBySeverity[f.Severity] += item.EffortHours

		for _, cm := range item.Compliance {
			res.ByFramework[cm.FrameworkID] = append(res.ByFramework[cm.FrameworkID], item.Name)
		}
	}

	// Severity rank is the only sort key; ties keep finding order.
	sort.SliceStable(res.Items, func(i, j int) bool {
		return res.Items[i].Severity.Rank() < res.Items[j].Severity.Rank()
	})

	g.logger.Debug("remediation plan generated",
		"target", res.Target,
		"items", len(res.Items),
		"effort_hours", res.TotalEffortHours)

	return res
}

// templateFor resolves a finding name to a remediation template by
// case-insensitive substring match. Templates are matched in catalog file
// order, which fixes the lookup deterministically; the Default entry is
// reserved as the fallback and never matched by substring.
func (g *Generator) templateFor(name string) *catalog.Template {
	lower := strings.ToLower(name)
	var fallback *catalog.Template
	for i := range g.cat.Templates {
		t := &g.cat.Templates[i]
		if t.Key == "Default" {
			if fallback == nil {
				fallback = t
			}
			continue
		}
		if strings.Contains(lower, strings.ToLower(t.Key)) {
			return t
		}
	}
	if fallback != nil {
		return fallback
	}
	return &catalog.Template{Key: "Default", Name: "General Hardening"}
}

// complianceFor attaches every framework at High relevance for critical
// findings and Medium for high findings. Lower severities carry no
// compliance burden.
func (g *Generator) complianceFor(sev finding.Severity) []ComplianceMapping {
	var relevance string
	switch sev {
	case finding.Critical:
		relevance = "High"
	case finding.High:
		relevance = "Medium"
	default:
		return nil
	}

	mappings := make([]ComplianceMapping, 0, len(g.cat.Frameworks))
	for _, fw := range g.cat.Frameworks {
		mappings = append(mappings, ComplianceMapping{
			FrameworkID:   fw.ID,
			FrameworkName: fw.Name,
			Controls:      fw.Controls,
			Relevance:     relevance,
		})
	}
	return mappings
}

// affectedAssets resolves the finding's originating vulnerabilities to
// their assets, deduplicated.
func (g *Generator) affectedAssets(f correlator.Event, sr *scan.Result) []scan.Asset {
	seen := make(map[string]bool)
	var assets []scan.Asset
	for _, vulnID := range f.VulnerabilityIDs {
		v := sr.VulnerabilityByID(vulnID)
		if v == nil {
			continue
		}
		if a := sr.AssetByID(v.AssetID); a != nil && !seen[a.ID] {
			seen[a.ID] = true
			assets = append(assets, *a)
		}
	}
	return assets
}
