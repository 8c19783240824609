package learning

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redpilot/redpilot/pkg/catalog"
	"github.com/redpilot/redpilot/pkg/correlator"
	"github.com/redpilot/redpilot/pkg/finding"
	"github.com/redpilot/redpilot/pkg/scan"
	"github.com/redpilot/redpilot/pkg/simulator"
)

func memStore(weights map[string]ModelWeight) *Store {
	if weights == nil {
		weights = make(map[string]ModelWeight)
	}
	return &Store{weights: weights}
}

func attack(vectorID, name string, success bool, sev finding.Severity) simulator.Result {
	r := simulator.Result{
		ID:         "ar-" + vectorID,
		VectorID:   vectorID,
		VectorName: name,
		Severity:   sev,
		Success:    success,
		Timestamp:  time.Now(),
	}
	if success {
		r.Evidence = "observed"
	} else {
		r.Error = "blocked"
	}
	return r
}

func resultSet(results ...simulator.Result) *simulator.ResultSet {
	return &simulator.ResultSet{RunID: "run-1", Target: "t", Results: results}
}

func TestEMAUpdateOnSuccess(t *testing.T) {
	store := memStore(map[string]ModelWeight{
		"vec-sqli": {SuccessRate: 0.65, Attempts: 20},
	})
	eng := NewEngine(store, nil)

	eng.Learn(resultSet(attack("vec-sqli", "SQL Injection", true, finding.Critical)),
		&scan.Result{Target: "t"}, &correlator.Result{})

	w := store.Weights()["vec-sqli"]
	if math.Abs(w.SuccessRate-0.685) > 1e-9 {
		t.Errorf("success rate = %v, want 0.685", w.SuccessRate)
	}
	if w.Attempts != 21 {
		t.Errorf("attempts = %d, want 21", w.Attempts)
	}
	if w.LastSuccess == nil {
		t.Error("last success should be set after a successful attack")
	}
}

func TestLastSuccessClearedOnFailure(t *testing.T) {
	now := time.Now()
	store := memStore(map[string]ModelWeight{
		"vec-xss": {SuccessRate: 0.5, Attempts: 3, LastSuccess: &now},
	})
	eng := NewEngine(store, nil)

	eng.Learn(resultSet(attack("vec-xss", "Cross-Site Scripting", false, finding.High)),
		&scan.Result{Target: "t"}, &correlator.Result{})

	if store.Weights()["vec-xss"].LastSuccess != nil {
		t.Error("last success should clear after a failed attack")
	}
}

func TestRewardClampUpper(t *testing.T) {
	// Critical success with a matching correlated finding and no prior
	// failures sums to 1.8 before clamping.
	ar := attack("vec-sqli", "SQL Injection", true, finding.Critical)
	if got := computeReward(ar, true, 0); got != rewardMax {
		t.Errorf("reward = %v, want clamp to %v", got, rewardMax)
	}
}

func TestRewardClampLower(t *testing.T) {
	ar := attack("vec-dos", "Denial of Service", false, finding.Medium)
	if got := computeReward(ar, false, 20); got != rewardMin {
		t.Errorf("reward = %v, want clamp to %v", got, rewardMin)
	}
}

func TestRewardBreakdown(t *testing.T) {
	cases := []struct {
		name          string
		success       bool
		sev           finding.Severity
		correlated    bool
		priorFailures int
		want          float64
	}{
		{"plain success", true, finding.Medium, false, 0, 1.0},
		{"plain failure", false, finding.Medium, false, 0, -0.2},
		{"critical success", true, finding.Critical, false, 0, 1.5},
		{"correlated failure", false, finding.High, true, 0, 0.1},
		{"failure streak penalty", false, finding.Low, false, 5, -0.4},
		{"penalty at grace boundary", false, finding.Low, false, 3, -0.2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ar := attack("vec-x", "X", tc.success, tc.sev)
			got := computeReward(ar, tc.correlated, tc.priorFailures)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("reward = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRewardAlwaysWithinBounds(t *testing.T) {
	for _, success := range []bool{true, false} {
		for _, sev := range []finding.Severity{finding.Low, finding.Medium, finding.High, finding.Critical} {
			for _, correlated := range []bool{true, false} {
				for pf := 0; pf <= 30; pf += 5 {
					ar := attack("v", "n", success, sev)
					r := computeReward(ar, correlated, pf)
					if r < rewardMin || r > rewardMax {
						t.Fatalf("reward %v out of bounds (success=%v sev=%s correlated=%v pf=%d)",
							r, success, sev, correlated, pf)
					}
				}
			}
		}
	}
}

func TestEMAStaysWithinUnitInterval(t *testing.T) {
	store := memStore(map[string]ModelWeight{"v": {SuccessRate: 0.5}})
	eng := NewEngine(store, nil)

	outcomes := []bool{true, true, true, false, true, false, false, true, true, true}
	for i := 0; i < 10; i++ {
		for _, success := range outcomes {
			eng.Learn(resultSet(attack("v", "V", success, finding.High)),
				&scan.Result{Target: "t"}, &correlator.Result{})
			rate := store.Weights()["v"].SuccessRate
			if rate < 0 || rate > 1 {
				t.Fatalf("success rate %v left [0, 1]", rate)
			}
		}
	}
}

func TestPriorFailuresCountedBeforeAppend(t *testing.T) {
	// Four persisted failures put the vector one past the grace count, so
	// each outcome in this run is penalized 0.1. The two failures inside
	// the run itself must not raise the penalty mid-run.
	store := memStore(nil)
	for i := 0; i < 4; i++ {
		store.history = append(store.history, Record{VectorID: "v", Success: false})
	}
	eng := NewEngine(store, nil)

	eng.Learn(resultSet(
		attack("v", "V", false, finding.Low),
		attack("v", "V", false, finding.Low),
	), &scan.Result{Target: "t"}, &correlator.Result{})

	hist := store.History()
	recs := hist[len(hist)-2:]
	for i, rec := range recs {
		if math.Abs(rec.Reward-(-0.3)) > 1e-9 {
			t.Errorf("record %d reward = %v, want -0.3 from the pre-run snapshot", i, rec.Reward)
		}
	}
}

func TestCorrelatedFindingBonusMatchesByName(t *testing.T) {
	store := memStore(nil)
	eng := NewEngine(store, nil)

	corr := &correlator.Result{Findings: []correlator.Event{
		{ID: "f1", Name: "SQL Injection", Severity: finding.Critical},
	}}
	eng.Learn(resultSet(
		attack("vec-sqli", "SQL Injection", true, finding.Medium),
		attack("vec-xss", "Cross-Site Scripting", true, finding.Medium),
	), &scan.Result{Target: "t"}, corr)

	hist := store.History()
	if math.Abs(hist[0].Reward-1.3) > 1e-9 {
		t.Errorf("correlated attack reward = %v, want 1.3", hist[0].Reward)
	}
	if math.Abs(hist[1].Reward-1.0) > 1e-9 {
		t.Errorf("uncorrelated attack reward = %v, want 1.0", hist[1].Reward)
	}
}

func TestDerivedViews(t *testing.T) {
	store := memStore(map[string]ModelWeight{
		"vec-a": {SuccessRate: 0.8, Attempts: 15},
		"vec-b": {SuccessRate: 0.2, Attempts: 12},
		"vec-c": {SuccessRate: 0.1, Attempts: 9},
	})
	eng := NewEngine(store, nil)

	sum := eng.Learn(resultSet(), &scan.Result{Target: "t"}, &correlator.Result{})

	if sum.MostSuccessful == nil || sum.MostSuccessful.VectorID != "vec-a" {
		t.Errorf("most successful = %+v, want vec-a", sum.MostSuccessful)
	}
	if len(sum.NeedsImprovement) != 2 {
		t.Fatalf("needs improvement = %+v, want vec-b and vec-c", sum.NeedsImprovement)
	}
	if sum.NeedsImprovement[0].VectorID != "vec-b" || sum.NeedsImprovement[1].VectorID != "vec-c" {
		t.Errorf("needs improvement order not stable: %+v", sum.NeedsImprovement)
	}
	if !sum.WellTrained {
		t.Error("mean attempts 12 should flag the model well trained")
	}
}

func TestWellTrainedRequiresMeanAttempts(t *testing.T) {
	store := memStore(map[string]ModelWeight{
		"vec-a": {Attempts: 30},
		"vec-b": {Attempts: 0},
		"vec-c": {Attempts: 0},
	})
	if wellTrained(store.weights) {
		t.Error("mean attempts 10 does not exceed the threshold")
	}
	store.weights["vec-b"] = ModelWeight{Attempts: 1}
	if !wellTrained(store.weights) {
		t.Error("mean attempts above 10 should flag well trained")
	}
}

func TestRunSummaryAggregates(t *testing.T) {
	store := memStore(nil)
	eng := NewEngine(store, nil)

	sum := eng.Learn(resultSet(
		attack("a", "A", true, finding.Critical),
		attack("b", "B", true, finding.Medium),
		attack("c", "C", false, finding.High),
		attack("d", "D", false, finding.Low),
	), &scan.Result{Target: "t"}, &correlator.Result{})

	if sum.Records != 4 {
		t.Errorf("records = %d, want 4", sum.Records)
	}
	if math.Abs(sum.RunSuccessRate-0.5) > 1e-9 {
		t.Errorf("run success rate = %v, want 0.5", sum.RunSuccessRate)
	}
	if sum.CriticalSuccesses != 1 {
		t.Errorf("critical successes = %d, want 1", sum.CriticalSuccesses)
	}
	if len(sum.Insights) == 0 {
		t.Error("summary should carry insights")
	}
}

func TestOpenSeedsFromCatalogWhenMissing(t *testing.T) {
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.json")

	store, err := Open(path, cat, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(store.Weights()) != len(cat.Vectors) {
		t.Fatalf("seeded %d weights, want %d", len(store.Weights()), len(cat.Vectors))
	}
	w, ok := store.Weight("vec-sqli")
	if !ok {
		t.Fatal("seeded store should know vec-sqli")
	}
	if w.SuccessRate != 0.65 || w.Attempts != 0 {
		t.Errorf("seed weight = %+v, want base probability 0.65 with zero attempts", w)
	}
	if len(store.History()) != 0 {
		t.Error("fresh store should have no history")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	path := filepath.Join(t.TempDir(), "state", "model.json")

	store, err := Open(path, cat, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	eng := NewEngine(store, nil)
	eng.Learn(resultSet(attack("vec-sqli", "SQL Injection", true, finding.Critical)),
		&scan.Result{Target: "t"}, &correlator.Result{})

	reopened, err := Open(path, cat, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	w := reopened.Weights()["vec-sqli"]
	if w.Attempts != 1 {
		t.Errorf("reopened attempts = %d, want 1", w.Attempts)
	}
	if len(reopened.History()) != 1 {
		t.Errorf("reopened history length = %d, want 1", len(reopened.History()))
	}

	// The file on disk must be a well-formed snapshot.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("state file not valid JSON: %v", err)
	}
	if st.Version != stateVersion {
		t.Errorf("state version = %q, want %q", st.Version, stateVersion)
	}
}

func TestOpenRejectsCorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if _, err := Open(path, cat, nil); err == nil {
		t.Error("corrupt state file should fail to open")
	}
}

func TestSaveFailureDoesNotAbortLearning(t *testing.T) {
	// Pointing the state path at a directory makes the rename fail, which
	// must be swallowed: learning still lands in memory.
	dir := t.TempDir()
	store := memStore(nil)
	store.path = dir
	eng := NewEngine(store, nil)

	sum := eng.Learn(resultSet(attack("v", "V", true, finding.High)),
		&scan.Result{Target: "t"}, &correlator.Result{})

	if sum == nil || sum.Records != 1 {
		t.Fatal("learning should complete despite the failed write")
	}
	if store.Weights()["v"].Attempts != 1 {
		t.Error("in-memory state should keep the update")
	}
}

func TestConcurrentLearnIsSerialized(t *testing.T) {
	store := memStore(nil)
	eng := NewEngine(store, nil)

	const runs = 8
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.Learn(resultSet(attack("v", "V", true, finding.Medium)),
				&scan.Result{Target: "t"}, &correlator.Result{})
		}()
	}
	wg.Wait()

	if got := store.Weights()["v"].Attempts; got != runs {
		t.Errorf("attempts = %d, want %d (lost update under concurrency)", got, runs)
	}
	if got := len(store.History()); got != runs {
		t.Errorf("history length = %d, want %d", got, runs)
	}
}
