package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/redpilot/redpilot/pkg/finding"
)

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	if len(c.Vectors) == 0 {
		t.Fatal("default catalog has no vectors")
	}
	if len(c.Rules) == 0 {
		t.Fatal("default catalog has no rules")
	}
	if len(c.Templates) == 0 {
		t.Fatal("default catalog has no templates")
	}
	if len(c.Frameworks) != 4 {
		t.Errorf("expected 4 frameworks, got %d", len(c.Frameworks))
	}
}

func TestVectorTableIsWellFormed(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	seen := map[string]bool{}
	for _, v := range c.Vectors {
		if v.ID == "" || v.Name == "" {
			t.Errorf("vector missing id/name: %+v", v)
		}
		if seen[v.ID] {
			t.Errorf("duplicate vector id %s", v.ID)
		}
		seen[v.ID] = true
		if !v.Severity.IsValid() {
			t.Errorf("vector %s has invalid severity %q", v.ID, v.Severity)
		}
		p := v.BaseProbabilityOrDefault()
		if p <= 0 || p > 1 {
			t.Errorf("vector %s probability out of range: %f", v.ID, p)
		}
		if v.Evidence == "" || v.BlockedReason == "" {
			t.Errorf("vector %s missing canned evidence/blocked strings", v.ID)
		}
	}
}

func TestKnownBaseProbabilities(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	if v := c.VectorByID("vec-sqli"); v == nil || v.BaseProbability != 0.65 {
		t.Error("SQL Injection base probability should be 0.65")
	}
	if v := c.VectorByID("vec-privesc"); v == nil || v.BaseProbability != 0.25 {
		t.Error("Privilege Escalation base probability should be 0.25")
	}
}

func TestBaseProbabilityFallback(t *testing.T) {
	v := Vector{ID: "vec-x", Name: "Unknown Technique"}
	if got := v.BaseProbabilityOrDefault(); got != DefaultBaseProbability {
		t.Errorf("fallback probability = %f, want %f", got, DefaultBaseProbability)
	}
}

func TestPhaseFor(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	cases := map[string]string{
		"SQL Injection on billing DB": "Exploitation",
		"Privilege Escalation":        "Privilege Escalation",
		"Lateral Movement via SMB":    "Lateral Movement",
		"Something Unmapped":          DefaultPhase,
	}
	for name, want := range cases {
		if got := c.PhaseFor(name); got != want {
			t.Errorf("PhaseFor(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestIntelFor(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	if e := c.IntelFor("CVE-2021-44228"); e == nil || e.Severity != finding.Critical {
		t.Error("log4shell should be in the feed as critical")
	}
	if e := c.IntelFor("cve-2021-44228"); e == nil {
		t.Error("feed lookup should be case-insensitive")
	}
	if c.IntelFor("CVE-0000-0000") != nil {
		t.Error("unknown CVE should miss")
	}
	if c.IntelFor("") != nil {
		t.Error("empty CVE should miss")
	}
}

func TestLoadWithYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	override := `
- id: vec-custom
  name: Custom Vector
  category: injection
  severity: high
  technique: T0000
  base_probability: 0.8
  evidence: worked
  blocked_reason: stopped
`
	if err := os.WriteFile(filepath.Join(dir, "vectors.yaml"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Vectors) != 1 || c.Vectors[0].ID != "vec-custom" {
		t.Errorf("override should replace vector table, got %+v", c.Vectors)
	}
	// Other tables keep their defaults.
	if len(c.Rules) == 0 {
		t.Error("rules table should still hold defaults")
	}

	// The shared default catalog must not be mutated by overrides.
	d, _ := Default()
	if len(d.Vectors) == 1 {
		t.Error("Load must not mutate the shared default catalog")
	}
}

func TestLoadMissingDirYieldsDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d, _ := Default()
	if len(c.Vectors) != len(d.Vectors) {
		t.Error("empty dir should yield pure defaults")
	}
}
