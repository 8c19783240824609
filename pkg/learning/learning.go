// Package learning maintains the persisted attack-effectiveness model.
// Every pipeline run feeds its attack outcomes back through the engine,
// which converts each outcome into a bounded reward, folds it into a
// per-vector exponential moving average, and derives aggregate views of
// what the model has picked up so far.
package learning

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/redpilot/redpilot/pkg/correlator"
	"github.com/redpilot/redpilot/pkg/finding"
	"github.com/redpilot/redpilot/pkg/scan"
	"github.com/redpilot/redpilot/pkg/simulator"
)

// alpha is the EMA learning rate: each observation moves the estimate
// one tenth of the way toward the observed outcome.
const alpha = 0.1

// Reward shaping bounds and terms.
const (
	rewardSuccess       = 1.0
	rewardFailure       = -0.2
	rewardCriticalBonus = 0.5
	rewardCorrelated    = 0.3
	rewardMin           = -1.0
	rewardMax           = 1.5

	failureGraceCount = 3
	failurePenalty    = 0.1
)

// Convergence and weakness thresholds for the derived views.
const (
	needsImprovementBelow = 0.3
	wellTrainedAttempts   = 10
)

// VectorStanding is one vector's position in a derived view.
type VectorStanding struct {
	VectorID    string  `json:"vector_id"`
	SuccessRate float64 `json:"success_rate"`
	Attempts    int     `json:"attempts"`
}

// Summary reports what one run taught the model.
type Summary struct {
	Target            string           `json:"target"`
	Timestamp         time.Time        `json:"timestamp"`
	Records           int              `json:"records"`
	RunSuccessRate    float64          `json:"run_success_rate"`
	MeanReward        float64          `json:"mean_reward"`
	CriticalSuccesses int              `json:"critical_successes"`
	MostSuccessful    *VectorStanding  `json:"most_successful,omitempty"`
	NeedsImprovement  []VectorStanding `json:"needs_improvement,omitempty"`
	WellTrained       bool             `json:"well_trained"`
	Insights          []string         `json:"insights"`
}

// Engine owns the learn step. It is safe for concurrent use; all state
// lives in the shared Store and is mutated under its lock.
type Engine struct {
	store  *Store
	logger *slog.Logger
}

// NewEngine binds an engine to its backing store.
func NewEngine(store *Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Learn folds one run's attack outcomes into the model. The whole
// read-modify-write happens under the store lock so priorFailures is
// counted against a snapshot no concurrent run can interleave with.
// Persistence failures are logged and swallowed; the updated state stays
// live in memory and the next successful save writes the full snapshot.
func (e *Engine) Learn(attacks *simulator.ResultSet, sr *scan.Result, corr *correlator.Result) *Summary {
	sr.Normalize()

	env := Environment{
		Assets:          len(sr.Assets),
		Vulnerabilities: len(sr.Vulnerabilities),
	}
	findingNames := make(map[string]bool)
	if corr != nil {
		for _, f := range corr.Findings {
			findingNames[f.Name] = true
		}
	}

	s := e.store
	s.mu.Lock()

	// Prior failures per vector, counted before this run's appends.
	priorFailures := make(map[string]int)
	for _, r := range s.history {
		if !r.Success {
			priorFailures[r.VectorID]++
		}
	}

	summary := &Summary{
		Target:    sr.Target,
		Timestamp: time.Now(),
	}
	var rewardSum float64
	var successes int

	var results []simulator.Result
	if attacks != nil {
		results = attacks.Results
	}
	for _, ar := range results {
		reward := computeReward(ar, findingNames[ar.VectorName], priorFailures[ar.VectorID])

		rec := Record{
			ID:                 uuid.NewString(),
			VectorID:           ar.VectorID,
			VectorName:         ar.VectorName,
			Success:            ar.Success,
			Timestamp:          time.Now(),
			Target:             sr.Target,
			Severity:           ar.Severity,
			VulnerabilityCount: len(ar.VulnerabilityIDs),
			Environment:        env,
			Reward:             reward,
		}
		s.history = append(s.history, rec)

		w := s.weights[ar.VectorID]
		observation := 0.0
		if ar.Success {
			observation = 1.0
		}
		w.SuccessRate = (1-alpha)*w.SuccessRate + alpha*observation
		w.Attempts++
		if ar.Success {
			now := rec.Timestamp
			w.LastSuccess = &now
		} else {
			w.LastSuccess = nil
		}
		s.weights[ar.VectorID] = w

		rewardSum += reward
		if ar.Success {
			successes++
			if ar.Severity == finding.Critical {
				summary.CriticalSuccesses++
			}
		}
	}

	summary.Records = len(results)
	if len(results) > 0 {
		summary.RunSuccessRate = float64(successes) / float64(len(results))
		summary.MeanReward = rewardSum / float64(len(results))
	}
	summary.MostSuccessful = mostSuccessful(s.weights)
	summary.NeedsImprovement = needsImprovement(s.weights)
	summary.WellTrained = wellTrained(s.weights)
	summary.Insights = insights(summary)

	saveErr := s.save()
	s.mu.Unlock()

	if saveErr != nil {
		e.logger.Error("learning state not persisted, keeping in memory", "error", saveErr)
	}

	e.logger.Info("learning pass complete",
		"target", summary.Target,
		"records", summary.Records,
		"run_success_rate", summary.RunSuccessRate,
		"mean_reward", summary.MeanReward,
		"well_trained", summary.WellTrained)

	return summary
}

// computeReward shapes the scalar learning signal for one outcome and
// clamps it to [rewardMin, rewardMax].
func computeReward(ar simulator.Result, correlated bool, priorFailures int) float64 {
	reward := rewardFailure
	if ar.Success {
		reward = rewardSuccess
		if ar.Severity == finding.Critical {
			reward += rewardCriticalBonus
		}
	}
	if correlated {
		reward += rewardCorrelated
	}
	if priorFailures > failureGraceCount {
		reward -= failurePenalty * float64(priorFailures-failureGraceCount)
	}

	if reward < rewardMin {
		return rewardMin
	}
	if reward > rewardMax {
		return rewardMax
	}
	return reward
}

// mostSuccessful picks the vector with the highest success rate. Ties
// break on the lexically smaller vector id so the view is stable.
func mostSuccessful(weights map[string]ModelWeight) *VectorStanding {
	var best *VectorStanding
	for _, id := range sortedIDs(weights) {
		w := weights[id]
		if best == nil || w.SuccessRate > best.SuccessRate {
			best = &VectorStanding{VectorID: id, SuccessRate: w.SuccessRate, Attempts: w.Attempts}
		}
	}
	return best
}

func needsImprovement(weights map[string]ModelWeight) []VectorStanding {
	var out []VectorStanding
	for _, id := range sortedIDs(weights) {
		w := weights[id]
		if w.SuccessRate < needsImprovementBelow {
			out = append(out, VectorStanding{VectorID: id, SuccessRate: w.SuccessRate, Attempts: w.Attempts})
		}
	}
	return out
}

// wellTrained reports convergence: the mean attempt count across all
// vectors has passed the training threshold.
func wellTrained(weights map[string]ModelWeight) bool {
	if len(weights) == 0 {
		return false
	}
	total := 0
	for _, w := range weights {
		total += w.Attempts
	}
	return float64(total)/float64(len(weights)) > wellTrainedAttempts
}

func sortedIDs(weights map[string]ModelWeight) []string {
	ids := make([]string, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func insights(sum *Summary) []string {
	out := []string{
		fmt.Sprintf("run success rate %.0f%% across %d attacks", sum.RunSuccessRate*100, sum.Records),
		fmt.Sprintf("mean reward %.2f", sum.MeanReward),
	}
	if sum.CriticalSuccesses > 0 {
		out = append(out, fmt.Sprintf("%d critical-severity attacks succeeded this run", sum.CriticalSuccesses))
	}
	if sum.MostSuccessful != nil {
		out = append(out, fmt.Sprintf("most effective vector so far: %s (%.0f%% success)",
			sum.MostSuccessful.VectorID, sum.MostSuccessful.SuccessRate*100))
	}
	if n := len(sum.NeedsImprovement); n > 0 {
		out = append(out, fmt.Sprintf("%d vectors remain below the %.0f%% effectiveness floor",
			n, needsImprovementBelow*100))
	}
	if sum.WellTrained {
		out = append(out, "model is well trained for this environment")
	}
	return out
}
