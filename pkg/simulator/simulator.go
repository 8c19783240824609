// Package simulator executes the attack-vector catalog against a scan
// result. No real exploitation happens: outcomes are Bernoulli draws over
// per-vector success probabilities, optionally blended with learned
// weights from previous runs.
package simulator

import (
	"context"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/redpilot/redpilot/pkg/catalog"
	"github.com/redpilot/redpilot/pkg/finding"
	"github.com/redpilot/redpilot/pkg/scan"
)

// Result is the outcome of one simulated attack. Exactly one of Evidence
// and Error is populated: Evidence when Success, Error otherwise.
type Result struct {
	ID               string           `json:"id"`
	VectorID         string           `json:"vector_id"`
	VectorName       string           `json:"vector_name"`
	Category         string           `json:"category"`
	Severity         finding.Severity `json:"severity"`
	Success          bool             `json:"success"`
	Timestamp        time.Time        `json:"timestamp"`
	Evidence         string           `json:"evidence,omitempty"`
	Error            string           `json:"error,omitempty"`
	VulnerabilityIDs []string         `json:"vulnerability_ids,omitempty"`
	Urgency          string           `json:"urgency"`
}

// ResultSet is the full output of one simulation run.
type ResultSet struct {
	RunID       string    `json:"run_id"`
	Target      string    `json:"target"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Results     []Result  `json:"results"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
}

// VectorWeight is the learned success estimate for one vector, as exposed
// by the learning store.
type VectorWeight struct {
	SuccessRate float64
	Attempts    int
}

// WeightSource supplies learned weights. Implemented by learning.Store;
// a nil source means every vector runs on its catalog base probability.
type WeightSource interface {
	Weight(vectorID string) (VectorWeight, bool)
}

// Sleeper abstracts the simulated per-vector latency so tests run
// instantly. The context lets a caller-supplied deadline cut waits short.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Config holds simulator tuning.
type Config struct {
	Concurrency  int           // parallel vector executions
	RateLimit    float64       // vector executions per second
	MinLatency   time.Duration // simulated latency range per vector
	MaxLatency   time.Duration
	HistoryLimit int   // bounded retention of past results
	Seed         int64 // 0 means time-seeded
}

// DefaultConfig returns sensible defaults for simulation.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:  4,
		RateLimit:    50,
		MinLatency:   10 * time.Millisecond,
		MaxLatency:   150 * time.Millisecond,
		HistoryLimit: 1000,
	}
}

// Simulator runs the catalog against scan results. Safe for concurrent use.
type Simulator struct {
	cat     *catalog.Catalog
	cfg     *Config
	limiter *rate.Limiter
	logger  *slog.Logger
	sleeper Sleeper

	// rng is not goroutine safe; history is append-only. Both share mu.
	mu      sync.Mutex
	rng     *rand.Rand
	history []Result
}

// New creates a Simulator over the given catalog. A nil config uses
// DefaultConfig; a nil logger uses slog.Default. Non-positive
// Concurrency is clamped to GOMAXPROCS and non-positive RateLimit to
// unlimited, so a zero-valued config can never stall the run.
func New(cat *catalog.Catalog, cfg *Config, logger *slog.Logger) *Simulator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Concurrency <= 0 {
		c.Concurrency = runtime.GOMAXPROCS(0)
	}
	limit := rate.Inf
	burst := 1
	if c.RateLimit > 0 {
		limit = rate.Limit(c.RateLimit)
		burst = max(1, int(c.RateLimit))
	}
	if logger == nil {
		logger = slog.Default()
	}
	seed := c.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		cat:     cat,
		cfg:     &c,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		sleeper: timerSleeper{},
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// SetSleeper replaces the latency source. Tests inject a no-op sleeper.
func (s *Simulator) SetSleeper(sl Sleeper) {
	if sl != nil {
		s.sleeper = sl
	}
}

// Run executes every catalog vector against the scan result. The full
// catalog is treated as relevant to every target; vector relevance
// filtering is a product decision that has not landed. Individual vectors
// never fail; the only error is context cancellation, in which case the
// partial set produced so far is returned alongside it.
func (s *Simulator) Run(ctx context.Context, sr *scan.Result, weights WeightSource) (*ResultSet, error) {
	sr.Normalize()

	set := &ResultSet{
		RunID:     uuid.NewString(),
		Target:    sr.Target,
		StartedAt: time.Now(),
	}

	vectors := s.cat.Vectors
	results := make([]Result, len(vectors))
	done := make([]bool, len(vectors))

	taskChan := make(chan int, s.cfg.Concurrency*2)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range taskChan {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if err := s.limiter.Wait(ctx); err != nil {
					return
				}
				results[idx] = s.execute(ctx, &vectors[idx], sr, weights)
				done[idx] = true
			}
		}()
	}

	var runErr error
dispatch:
	for i := range vectors {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break dispatch
		case taskChan <- i:
		}
	}
	close(taskChan)
	wg.Wait()

	if runErr == nil {
		runErr = ctx.Err()
	}

	for i := range results {
		if !done[i] {
			continue
		}
		set.Results = append(set.Results, results[i])
		if results[i].Success {
			set.Succeeded++
		} else {
			set.Failed++
		}
	}
	set.CompletedAt = time.Now()

	s.mu.Lock()
	s.history = append(s.history, set.Results...)
	if s.cfg.HistoryLimit > 0 && len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[len(s.history)-s.cfg.HistoryLimit:]
	}
	s.mu.Unlock()

	s.logger.Debug("simulation complete",
		"run_id", set.RunID,
		"target", set.Target,
		"vectors", len(set.Results),
		"succeeded", set.Succeeded)

	return set, runErr
}

// execute runs a single vector. It is total: every call yields a Result.
func (s *Simulator) execute(ctx context.Context, v *catalog.Vector, sr *scan.Result, weights WeightSource) Result {
	prob := v.BaseProbabilityOrDefault()
	if weights != nil {
		if w, ok := weights.Weight(v.ID); ok {
			blend := blendWeight(w.Attempts)
			prob = prob*(1-blend) + w.SuccessRate*blend
		}
	}

	s.mu.Lock()
	latency := s.cfg.MinLatency
	if d := s.cfg.MaxLatency - s.cfg.MinLatency; d > 0 {
		latency += time.Duration(s.rng.Int63n(int64(d)))
	}
	success := s.rng.Float64() < prob
	s.mu.Unlock()

	// Cancellation mid-sleep still yields a deterministic outcome; the
	// draw above already happened.
	_ = s.sleeper.Sleep(ctx, latency)

	r := Result{
		ID:         uuid.NewString(),
		VectorID:   v.ID,
		VectorName: v.Name,
		Category:   v.Category,
		Severity:   v.Severity,
		Success:    success,
		Timestamp:  time.Now(),
		Urgency:    urgency(success, v.Severity),
	}
	if success {
		r.Evidence = v.Evidence
	} else {
		r.Error = v.BlockedReason
	}

	// Position-based association: the first two vulnerabilities are
	// treated as targeted. Known-weak heuristic kept until category/CVE
	// matching lands.
	for i := 0; i < len(sr.Vulnerabilities) && i < 2; i++ {
		r.VulnerabilityIDs = append(r.VulnerabilityIDs, sr.Vulnerabilities[i].ID)
	}

	return r
}

// blendWeight grows with observation count and caps at 0.5 so the learned
// estimate never fully swamps the catalog prior.
func blendWeight(attempts int) float64 {
	w := float64(attempts) * 0.1
	if w > 0.5 {
		return 0.5
	}
	return w
}

func urgency(success bool, sev finding.Severity) string {
	if !success {
		return "routine"
	}
	switch sev {
	case finding.Critical:
		return "immediate"
	case finding.High:
		return "24-hours"
	default:
		return "7-days"
	}
}

// History returns a copy of the retained attack history.
func (s *Simulator) History() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, len(s.history))
	copy(out, s.history)
	return out
}
