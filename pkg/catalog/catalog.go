// Package catalog loads the static data the assessment pipeline is driven
// by: the attack-vector catalog, correlation rules, kill-chain phase table,
// remediation templates, compliance frameworks, and the threat-intel feed.
//
// Catalogs are data, not code. Embedded JSON defaults ship with the binary
// so the pipeline works with zero configuration; operators can replace any
// table with a JSON or YAML file of the same shape.
package catalog

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/redpilot/redpilot/pkg/finding"
)

//go:embed data/*.json
var defaultFS embed.FS

// DefaultBaseProbability is used for any vector whose catalog entry does
// not carry its own base success probability.
const DefaultBaseProbability = 0.40

// DefaultPhase is the kill-chain phase assigned when no pattern matches.
const DefaultPhase = "Reconnaissance"

// Vector is one catalogued attack technique.
type Vector struct {
	ID              string           `json:"id" yaml:"id"`
	Name            string           `json:"name" yaml:"name"`
	Category        string           `json:"category" yaml:"category"`
	Severity        finding.Severity `json:"severity" yaml:"severity"`
	Technique       string           `json:"technique" yaml:"technique"`
	Description     string           `json:"description" yaml:"description"`
	BaseProbability float64          `json:"base_probability" yaml:"base_probability"`
	Evidence        string           `json:"evidence" yaml:"evidence"`
	BlockedReason   string           `json:"blocked_reason" yaml:"blocked_reason"`
}

// Rule is a correlation rule: a set of signal-name substrings that, when
// matched by two or more signals, promotes them to one correlated event.
type Rule struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Patterns    []string         `json:"patterns" yaml:"patterns"`
	Severity    finding.Severity `json:"severity" yaml:"severity"`
	Description string           `json:"description" yaml:"description"`
}

// PhaseMapping maps a name substring to a kill-chain phase.
type PhaseMapping struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Phase   string `json:"phase" yaml:"phase"`
}

// Template is the remediation guidance attached to findings whose name
// matches Key (case-insensitive substring).
type Template struct {
	Key        string   `json:"key" yaml:"key"`
	Name       string   `json:"name" yaml:"name"`
	Immediate  string   `json:"immediate" yaml:"immediate"`
	ShortTerm  string   `json:"short_term" yaml:"short_term"`
	LongTerm   string   `json:"long_term" yaml:"long_term"`
	Snippet    string   `json:"snippet,omitempty" yaml:"snippet,omitempty"`
	References []string `json:"references,omitempty" yaml:"references,omitempty"`
}

// Framework is one compliance framework findings are mapped to.
type Framework struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Controls    []string `json:"controls" yaml:"controls"`
	Description string   `json:"description" yaml:"description"`
}

// IntelEntry is one threat-intelligence feed record for a CVE.
type IntelEntry struct {
	CVE      string           `json:"cve" yaml:"cve"`
	Severity finding.Severity `json:"severity" yaml:"severity"`
	Active   bool             `json:"active" yaml:"active"`
}

// Catalog bundles every static table the pipeline consumes.
type Catalog struct {
	Vectors    []Vector
	Rules      []Rule
	Phases     []PhaseMapping
	Templates  []Template
	Frameworks []Framework
	Intel      []IntelEntry
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// Default returns the embedded catalog. The embedded data is parsed once;
// a parse failure here is a packaging bug and is returned every call.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = loadEmbedded()
	})
	return defaultCatalog, defaultErr
}

func loadEmbedded() (*Catalog, error) {
	c := &Catalog{}
	for name, dst := range map[string]any{
		"vectors.json":    &c.Vectors,
		"rules.json":      &c.Rules,
		"phases.json":     &c.Phases,
		"templates.json":  &c.Templates,
		"frameworks.json": &c.Frameworks,
		"intel.json":      &c.Intel,
	} {
		data, err := defaultFS.ReadFile("data/" + name)
		if err != nil {
			return nil, fmt.Errorf("embedded catalog %s: %w", name, err)
		}
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, fmt.Errorf("embedded catalog %s: %w", name, err)
		}
	}
	return c, nil
}

// Load returns the embedded catalog with any override files found in dir
// applied on top. Override files are named after the table they replace
// (vectors, rules, phases, templates, frameworks, intel) with a .json,
// .yaml, or .yml extension. A missing dir yields the pure defaults.
func Load(dir string) (*Catalog, error) {
	base, err := Default()
	if err != nil {
		return nil, err
	}
	c := *base // shallow copy; overrides replace whole tables

	if dir == "" {
		return &c, nil
	}

	for table, dst := range map[string]any{
		"vectors":    &c.Vectors,
		"rules":      &c.Rules,
		"phases":     &c.Phases,
		"templates":  &c.Templates,
		"frameworks": &c.Frameworks,
		"intel":      &c.Intel,
	} {
		if err := loadOverride(dir, table, dst); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// loadOverride replaces dst with the first matching override file, if any.
func loadOverride(dir, table string, dst any) error {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(dir, table+ext)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("catalog override %s: %w", path, err)
		}
		if ext == ".json" {
			if err := json.Unmarshal(data, dst); err != nil {
				return fmt.Errorf("catalog override %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, dst); err != nil {
				return fmt.Errorf("catalog override %s: %w", path, err)
			}
		}
		return nil
	}
	return nil
}

// VectorByID returns the vector with the given id, or nil.
func (c *Catalog) VectorByID(id string) *Vector {
	for i := range c.Vectors {
		if c.Vectors[i].ID == id {
			return &c.Vectors[i]
		}
	}
	return nil
}

// BaseProbabilityOrDefault returns the vector's catalogued success
// probability, falling back to DefaultBaseProbability when the entry
// carries none.
func (v *Vector) BaseProbabilityOrDefault() float64 {
	if v.BaseProbability <= 0 || v.BaseProbability > 1 {
		return DefaultBaseProbability
	}
	return v.BaseProbability
}

// IntelFor returns the feed entry for a CVE, or nil when the feed has none.
func (c *Catalog) IntelFor(cve string) *IntelEntry {
	if cve == "" {
		return nil
	}
	for i := range c.Intel {
		if strings.EqualFold(c.Intel[i].CVE, cve) {
			return &c.Intel[i]
		}
	}
	return nil
}

// PhaseFor resolves a finding name to a kill-chain phase by substring
// match, defaulting to DefaultPhase.
func (c *Catalog) PhaseFor(name string) string {
	for _, m := range c.Phases {
		if strings.Contains(strings.ToLower(name), strings.ToLower(m.Pattern)) {
			return m.Phase
		}
	}
	return DefaultPhase
}
