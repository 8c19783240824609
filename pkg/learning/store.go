package learning

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redpilot/redpilot/pkg/catalog"
	"github.com/redpilot/redpilot/pkg/finding"
	"github.com/redpilot/redpilot/pkg/simulator"
)

// ModelWeight is the persisted effectiveness estimate for one attack
// vector. SuccessRate is an exponential moving average in [0, 1].
type ModelWeight struct {
	SuccessRate float64    `json:"success_rate"`
	Attempts    int        `json:"attempts"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
}

// Environment snapshots the scan surface an attack ran against, for
// later analysis of how surface size affects outcomes.
type Environment struct {
	Assets          int `json:"assets"`
	Vulnerabilities int `json:"vulnerabilities"`
}

// Record is one learning observation appended to the durable history.
type Record struct {
	ID                 string           `json:"id"`
	VectorID           string           `json:"vector_id"`
	VectorName         string           `json:"vector_name"`
	Success            bool             `json:"success"`
	Timestamp          time.Time        `json:"timestamp"`
	Target             string           `json:"target"`
	Severity           finding.Severity `json:"severity"`
	VulnerabilityCount int              `json:"vulnerability_count"`
	Environment        Environment      `json:"environment"`
	Reward             float64          `json:"reward"`
}

// state is the on-disk layout: the weight table and the full history in
// a single document so a snapshot is always self-consistent.
type state struct {
	Version   string                 `json:"version"`
	UpdatedAt time.Time              `json:"updated_at"`
	Weights   map[string]ModelWeight `json:"weights"`
	History   []Record               `json:"history"`
}

const stateVersion = "1.0"

// Store owns the process-wide learning state: the per-vector weight
// table and the append-only record history. All access goes through the
// internal mutex so concurrent pipeline runs cannot lose updates.
type Store struct {
	mu      sync.RWMutex
	path    string
	weights map[string]ModelWeight
	history []Record
	logger  *slog.Logger
}

// Open loads the store from path, or seeds a fresh one from the catalog
// base probabilities when no state file exists yet. An empty path keeps
// the store memory-only.
func Open(path string, cat *catalog.Catalog, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:    path,
		weights: make(map[string]ModelWeight),
		history: nil,
		logger:  logger,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var st state
			if err := json.Unmarshal(data, &st); err != nil {
				return nil, fmt.Errorf("parse learning state %s: %w", path, err)
			}
			if st.Weights != nil {
				s.weights = st.Weights
			}
			s.history = st.History
			logger.Info("learning state loaded",
				"path", path,
				"vectors", len(s.weights),
				"records", len(s.history))
			return s, nil
		case errors.Is(err, os.ErrNotExist):
			// Fall through to seeding.
		default:
			return nil, fmt.Errorf("read learning state %s: %w", path, err)
		}
	}

	for _, v := range cat.Vectors {
		s.weights[v.ID] = ModelWeight{SuccessRate: v.BaseProbabilityOrDefault()}
	}
	logger.Info("learning state seeded from catalog", "vectors", len(s.weights))
	return s, nil
}

// Weight reports the learned weight for a vector. It satisfies the
// simulator's weight source so blended probabilities pick up learning.
func (s *Store) Weight(vectorID string) (simulator.VectorWeight, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.weights[vectorID]
	if !ok {
		return simulator.VectorWeight{}, false
	}
	return simulator.VectorWeight{SuccessRate: w.SuccessRate, Attempts: w.Attempts}, true
}

// Weights returns a copy of the full weight table.
func (s *Store) Weights() map[string]ModelWeight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ModelWeight, len(s.weights))
	for id, w := range s.weights {
		out[id] = w
	}
	return out
}

// History returns a copy of the record history, oldest first.
func (s *Store) History() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.history))
	copy(out, s.history)
	return out
}

// save writes the full state atomically: marshal to a temp file in the
// same directory, then rename over the target so a crash never leaves a
// half-written store. Caller holds s.mu.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}

	st := state{
		Version:   stateVersion,
		UpdatedAt: time.Now(),
		Weights:   s.weights,
		History:   s.history,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal learning state: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
