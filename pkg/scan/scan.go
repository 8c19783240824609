// Package scan defines the structured scan-result input consumed by the
// assessment pipeline. The raw mechanics of network and port scanning live
// in an external collaborator; this package only models its output.
package scan

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redpilot/redpilot/pkg/finding"
)

// Asset is a discovered host/service pair. Immutable once produced by the
// scanning collaborator.
type Asset struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	Service      string    `json:"service"`
	Version      string    `json:"version,omitempty"`
	State        string    `json:"state"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Vulnerability is a scanner-reported weakness on an asset. Input-only.
type Vulnerability struct {
	ID          string           `json:"id"`
	AssetID     string           `json:"asset_id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Severity    finding.Severity `json:"severity"`
	CVE         string           `json:"cve,omitempty"`
	CVSS        float64          `json:"cvss,omitempty"`
	Remediation string           `json:"remediation,omitempty"`
}

// Result is the full output of one external scan run.
type Result struct {
	Target          string          `json:"target"`
	Timestamp       time.Time       `json:"timestamp"`
	Assets          []Asset         `json:"assets"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Summary         string          `json:"summary,omitempty"`
}

// Normalize repairs a malformed result so downstream stages stay total:
// nil collections become empty slices and severities are normalized to
// known levels. Safe to call on nil.
func (r *Result) Normalize() {
	if r == nil {
		return
	}
	if r.Assets == nil {
		r.Assets = []Asset{}
	}
	if r.Vulnerabilities == nil {
		r.Vulnerabilities = []Vulnerability{}
	}
	for i := range r.Vulnerabilities {
		if !r.Vulnerabilities[i].Severity.IsValid() {
			r.Vulnerabilities[i].Severity = finding.Parse(string(r.Vulnerabilities[i].Severity))
		}
	}
}

// AssetByID returns the asset with the given id, or nil.
func (r *Result) AssetByID(id string) *Asset {
	for i := range r.Assets {
		if r.Assets[i].ID == id {
			return &r.Assets[i]
		}
	}
	return nil
}

// VulnerabilityByID returns the vulnerability with the given id, or nil.
func (r *Result) VulnerabilityByID(id string) *Vulnerability {
	for i := range r.Vulnerabilities {
		if r.Vulnerabilities[i].ID == id {
			return &r.Vulnerabilities[i]
		}
	}
	return nil
}

// Parse decodes a JSON scan result and normalizes it.
func Parse(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse scan result: %w", err)
	}
	r.Normalize()
	return &r, nil
}

// Load reads a JSON scan result from disk.
func Load(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scan result: %w", err)
	}
	return Parse(data)
}
