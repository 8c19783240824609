// Package correlator merges vulnerability and attack-outcome signals into
// higher-confidence correlated events: it enriches signals with threat
// intelligence, applies substring correlation rules, resolves kill-chain
// phases, scores aggregate risk, eliminates likely false positives, and
// assembles attack chains from the surviving critical events.
package correlator

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/redpilot/redpilot/pkg/catalog"
	"github.com/redpilot/redpilot/pkg/finding"
	"github.com/redpilot/redpilot/pkg/scan"
	"github.com/redpilot/redpilot/pkg/simulator"
)

// SignalType tags the origin of a signal.
type SignalType string

const (
	SignalVulnerability SignalType = "vulnerability"
	SignalAttack        SignalType = "attack"
)

// Signal is the unifying wrapper over a vulnerability or an attack result.
// Signals live for a single correlation run.
type Signal struct {
	ID          string           `json:"id"`
	Type        SignalType       `json:"type"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Severity    finding.Severity `json:"severity"`
	CVE         string           `json:"cve,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	SourceID    string           `json:"source_id"`
}

// Event is one correlated finding: either a rule match over two or more
// signals, or a singleton carrying a single unclaimed signal.
type Event struct {
	ID          string           `json:"id"`
	RuleID      string           `json:"rule_id,omitempty"`
	RuleName    string           `json:"rule_name,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Severity    finding.Severity `json:"severity"`
	SignalIDs   []string         `json:"signal_ids"`
	// VulnerabilityIDs are the scanner records behind the contributing
	// signals, used downstream to resolve affected assets.
	VulnerabilityIDs []string  `json:"vulnerability_ids,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Phase            string    `json:"phase"`
}

// Chain is a narrative bundle of related critical events.
type Chain struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Events      []Event `json:"events"`
	Complexity  string  `json:"complexity"`
	Likelihood  string  `json:"likelihood"`
	Description string  `json:"description"`
}

// Result is the output of one correlation run.
type Result struct {
	Target         string                   `json:"target"`
	Timestamp      time.Time                `json:"timestamp"`
	TotalSignals   int                      `json:"total_signals"`
	TotalEvents    int                      `json:"total_events"`
	FilteredEvents int                      `json:"filtered_events"`
	RiskScore      int                      `json:"risk_score"`
	BySeverity     map[finding.Severity]int `json:"by_severity"`
	Findings       []Event                  `json:"findings"`
	Chains         []Chain                  `json:"chains,omitempty"`
}

// intelCacheSize bounds the CVE lookup cache. Feeds are replaced wholesale
// on catalog reload, so the cache belongs to the Correlator instance.
const intelCacheSize = 512

// Correlator is a stateless transform over scan and attack results; the
// only instance state is the catalog and a bounded feed-lookup cache.
type Correlator struct {
	cat    *catalog.Catalog
	logger *slog.Logger
	intel  *lru.Cache[string, *catalog.IntelEntry]
}

// New creates a Correlator over the given catalog. A nil logger uses
// slog.Default.
func New(cat *catalog.Catalog, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, *catalog.IntelEntry](intelCacheSize)
	return &Correlator{cat: cat, logger: logger, intel: cache}
}

// Correlate runs the full correlation pass. It is total: any well-formed
// input yields a result and there are no error paths.
func (c *Correlator) Correlate(sr *scan.Result, attacks *simulator.ResultSet) *Result {
	sr.Normalize()

	signals := c.collectSignals(sr, attacks)
	c.enrich(signals)

	events := c.applyRules(signals)

	for i := range events {
		events[i].Phase = c.cat.PhaseFor(events[i].Name)
	}

	riskScore := scoreRisk(events)
	filtered := eliminateFalsePositives(events)
	chains := buildChains(filtered)

	res := &Result{
		Target:         sr.Target,
		Timestamp:      time.Now(),
		TotalSignals:   len(signals),
		TotalEvents:    len(events),
		FilteredEvents: len(filtered),
		RiskScore:      riskScore,
		BySeverity:     make(map[finding.Severity]int),
		Findings:       filtered,
		Chains:         chains,
	}
	for _, e := range filtered {
		res.BySeverity[e.Severity]++
	}

	c.logger.Debug("correlation complete",
		"target", res.Target,
		"signals", res.TotalSignals,
		"events", res.TotalEvents,
		"kept", res.FilteredEvents,
		"risk_score", res.RiskScore)

	return res
}

// collectSignals produces one signal per vulnerability and one per attack
// result. Attack signals carry the evidence on success, the blocking
// reason on failure.
func (c *Correlator) collectSignals(sr *scan.Result, attacks *simulator.ResultSet) []Signal {
	var signals []Signal

	for _, v := range sr.Vulnerabilities {
		signals = append(signals, Signal{
			ID:          uuid.NewString(),
			Type:        SignalVulnerability,
			Name:        v.Name,
			Description: v.Description,
			Severity:    v.Severity,
			CVE:         v.CVE,
			Timestamp:   sr.Timestamp,
			SourceID:    v.ID,
		})
	}

	if attacks != nil {
		for _, a := range attacks.Results {
			desc := a.Evidence
			if !a.Success {
				desc = a.Error
			}
			signals = append(signals, Signal{
				ID:          uuid.NewString(),
				Type:        SignalAttack,
				Name:        a.VectorName,
				Description: desc,
				Severity:    a.Severity,
				Timestamp:   a.Timestamp,
				SourceID:    a.ID,
			})
		}
	}

	return signals
}

// enrich escalates signal severity from the threat-intel feed. Only a
// feed entry marked critical escalates; lower feed severities are looked
// up and recorded but deliberately leave scoring untouched.
func (c *Correlator) enrich(signals []Signal) {
	for i := range signals {
		entry := c.lookupIntel(signals[i].CVE)
		if entry == nil {
			continue
		}
		if entry.Severity == finding.Critical && signals[i].Severity != finding.Critical {
			c.logger.Debug("severity escalated by threat intel",
				"cve", entry.CVE,
				"signal", signals[i].Name,
				"from", signals[i].Severity)
			signals[i].Severity = finding.Critical
		}
	}
}

func (c *Correlator) lookupIntel(cve string) *catalog.IntelEntry {
	if cve == "" {
		return nil
	}
	key := strings.ToUpper(cve)
	if entry, ok := c.intel.Get(key); ok {
		return entry
	}
	entry := c.cat.IntelFor(cve)
	c.intel.Add(key, entry)
	return entry
}

// applyRules matches each correlation rule against all signals. A rule
// fires only when at least two signals match any of its name substrings;
// matched signals are claimed and cannot seed singletons. Unclaimed
// signals each become a singleton finding at their own severity.
func (c *Correlator) applyRules(signals []Signal) []Event {
	var events []Event
	claimed := make(map[string]bool)

	for _, rule := range c.cat.Rules {
		var matched, vulnIDs []string
		for _, s := range signals {
			if matchesRule(s.Name, rule.Patterns) {
				matched = append(matched, s.ID)
				if s.Type == SignalVulnerability {
					vulnIDs = append(vulnIDs, s.SourceID)
				}
			}
		}
		if len(matched) < 2 {
			continue
		}
		events = append(events, Event{
			ID:               uuid.NewString(),
			RuleID:           rule.ID,
			RuleName:         rule.Name,
			Name:             rule.Name,
			Description:      rule.Description,
			Severity:         rule.Severity,
			SignalIDs:        matched,
			VulnerabilityIDs: vulnIDs,
			Timestamp:        time.Now(),
		})
		for _, id := range matched {
			claimed[id] = true
		}
	}

	for _, s := range signals {
		if claimed[s.ID] {
			continue
		}
		e := Event{
			ID:          uuid.NewString(),
			Name:        s.Name,
			Description: fmt.Sprintf("Single finding: %s", s.Name),
			Severity:    s.Severity,
			SignalIDs:   []string{s.ID},
			Timestamp:   time.Now(),
		}
		if s.Type == SignalVulnerability {
			e.VulnerabilityIDs = []string{s.SourceID}
		}
		events = append(events, e)
	}

	return events
}

func matchesRule(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// scoreRisk aggregates pre-filter events into a 0-100 score:
// min(100, 25*critical + 10*high + 5*medium).
func scoreRisk(events []Event) int {
	score := 0
	for _, e := range events {
		switch e.Severity {
		case finding.Critical:
			score += 25
		case finding.High:
			score += 10
		case finding.Medium:
			score += 5
		}
	}
	if score > 100 {
		return 100
	}
	return score
}

// eliminateFalsePositives drops low-severity events outright, always
// keeps critical and high, and keeps medium only when the event
// aggregates more than one signal.
func eliminateFalsePositives(events []Event) []Event {
	kept := make([]Event, 0, len(events))
	for _, e := range events {
		switch e.Severity {
		case finding.Critical, finding.High:
			kept = append(kept, e)
		case finding.Medium:
			if len(e.SignalIDs) > 1 {
				kept = append(kept, e)
			}
		}
	}
	return kept
}

// buildChains bundles all surviving critical events into a single attack
// chain. No critical events, no chain.
func buildChains(events []Event) []Chain {
	var critical []Event
	for _, e := range events {
		if e.Severity == finding.Critical {
			critical = append(critical, e)
		}
	}
	if len(critical) == 0 {
		return nil
	}

	names := make([]string, len(critical))
	for i, e := range critical {
		names[i] = e.Name
	}

	return []Chain{{
		ID:         uuid.NewString(),
		Name:       "Critical Attack Chain",
		Events:     critical,
		Complexity: "High",
		Likelihood: "Likely",
		Description: fmt.Sprintf("%d critical events form a viable compromise path: %s",
			len(critical), strings.Join(names, " -> ")),
	}}
}
