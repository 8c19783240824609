// Package pipeline sequences the assessment stages: simulate attacks
// against the scan surface, correlate the combined signals, generate a
// remediation plan, and feed the outcomes back into the learning store.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/redpilot/redpilot/pkg/catalog"
	"github.com/redpilot/redpilot/pkg/correlator"
	"github.com/redpilot/redpilot/pkg/learning"
	"github.com/redpilot/redpilot/pkg/remediation"
	"github.com/redpilot/redpilot/pkg/scan"
	"github.com/redpilot/redpilot/pkg/simulator"
	"github.com/redpilot/redpilot/pkg/telemetry"
)

// Stage names as reported to telemetry hooks.
const (
	StageSimulate  = "simulate"
	StageCorrelate = "correlate"
	StageRemediate = "remediate"
	StageLearn     = "learn"
)

// Config holds pipeline construction options.
type Config struct {
	Simulator *simulator.Config
}

// DefaultConfig returns the standard pipeline configuration.
func DefaultConfig() *Config {
	return &Config{Simulator: simulator.DefaultConfig()}
}

// Output collects everything a run produced. When Run returns an error,
// the fields for stages that completed before the fault are still
// populated so callers can inspect partial results.
type Output struct {
	RunID       string               `json:"run_id"`
	Target      string               `json:"target"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
	Scan        *scan.Result         `json:"scan"`
	Attacks     *simulator.ResultSet `json:"attacks,omitempty"`
	Correlation *correlator.Result   `json:"correlation,omitempty"`
	Remediation *remediation.Result  `json:"remediation,omitempty"`
	Learning    *learning.Summary    `json:"learning,omitempty"`
}

// Pipeline owns the stage components and the shared learning store.
type Pipeline struct {
	sim    *simulator.Simulator
	corr   *correlator.Correlator
	gen    *remediation.Generator
	engine *learning.Engine
	store  *learning.Store
	hooks  telemetry.Hooks
	logger *slog.Logger
}

// New assembles a pipeline. The store is owned by the caller and may be
// shared across pipelines; hooks and logger may be nil.
func New(cat *catalog.Catalog, store *learning.Store, cfg *Config, hooks telemetry.Hooks, logger *slog.Logger) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		sim:    simulator.New(cat, cfg.Simulator, logger),
		corr:   correlator.New(cat, logger),
		gen:    remediation.New(cat, logger),
		engine: learning.NewEngine(store, logger),
		store:  store,
		hooks:  hooks,
		logger: logger,
	}
}

// Simulator exposes the attack simulator, mainly so callers can swap the
// latency sleeper in tests.
func (p *Pipeline) Simulator() *simulator.Simulator {
	return p.sim
}

// Run executes one full assessment. A fault in any stage aborts the
// remaining stages and is returned to the caller; stages already
// completed stay in the output for diagnostics. The learning store is
// only touched by the final stage, so an aborted run never commits a
// partial model update.
func (p *Pipeline) Run(ctx context.Context, sr *scan.Result) (*Output, error) {
	sr.Normalize()

	out := &Output{
		RunID:     uuid.NewString(),
		Target:    sr.Target,
		StartedAt: time.Now(),
		Scan:      sr,
	}
	p.logger.Info("pipeline run starting",
		"run_id", out.RunID,
		"target", out.Target,
		"assets", len(sr.Assets),
		"vulnerabilities", len(sr.Vulnerabilities))
	p.hooks.OnRunStart(ctx, telemetry.RunStart{RunID: out.RunID, Target: out.Target, Time: out.StartedAt})

	err := p.runStages(ctx, sr, out)

	out.CompletedAt = time.Now()
	p.hooks.OnRunEnd(ctx, p.runEnd(out, err))
	if err != nil {
		p.logger.Error("pipeline run aborted", "run_id", out.RunID, "error", err)
		return out, err
	}
	p.logger.Info("pipeline run complete",
		"run_id", out.RunID,
		"duration", out.CompletedAt.Sub(out.StartedAt),
		"risk_score", out.Correlation.RiskScore,
		"findings", len(out.Correlation.Findings),
		"effort_hours", out.Remediation.TotalEffortHours)
	return out, nil
}

func (p *Pipeline) runStages(ctx context.Context, sr *scan.Result, out *Output) error {
	attacks, err := p.stageSimulate(ctx, sr, out)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("before %s: %w", StageCorrelate, err)
	}

	p.stage(ctx, out.RunID, StageCorrelate, func() {
		out.Correlation = p.corr.Correlate(sr, attacks)
	})
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("before %s: %w", StageRemediate, err)
	}

	p.stage(ctx, out.RunID, StageRemediate, func() {
		out.Remediation = p.gen.Generate(out.Correlation, sr)
	})
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("before %s: %w", StageLearn, err)
	}

	p.stage(ctx, out.RunID, StageLearn, func() {
		out.Learning = p.engine.Learn(attacks, sr, out.Correlation)
	})
	return nil
}

func (p *Pipeline) stageSimulate(ctx context.Context, sr *scan.Result, out *Output) (*simulator.ResultSet, error) {
	start := time.Now()
	attacks, err := p.sim.Run(ctx, sr, p.store)
	out.Attacks = attacks
	p.hooks.OnStage(ctx, telemetry.StageResult{
		RunID:    out.RunID,
		Stage:    StageSimulate,
		Duration: time.Since(start),
		Err:      err,
	})
	if err != nil {
		return nil, fmt.Errorf("%s stage: %w", StageSimulate, err)
	}
	return attacks, nil
}

// stage times a total (non-failing) transform and reports it to hooks.
func (p *Pipeline) stage(ctx context.Context, runID, name string, fn func()) {
	start := time.Now()
	fn()
	d := time.Since(start)
	p.hooks.OnStage(ctx, telemetry.StageResult{RunID: runID, Stage: name, Duration: d})
	p.logger.Debug("stage complete", "run_id", runID, "stage", name, "duration", d)
}

func (p *Pipeline) runEnd(out *Output, err error) telemetry.RunEnd {
	e := telemetry.RunEnd{
		RunID:    out.RunID,
		Target:   out.Target,
		Duration: out.CompletedAt.Sub(out.StartedAt),
		Err:      err,
	}
	if out.Attacks != nil {
		e.AttacksRun = len(out.Attacks.Results)
		e.AttacksSucceeded = out.Attacks.Succeeded
	}
	if out.Correlation != nil {
		e.RiskScore = out.Correlation.RiskScore
		e.Findings = len(out.Correlation.Findings)
		e.BySeverity = out.Correlation.BySeverity
	}
	if out.Remediation != nil {
		e.EffortHours = out.Remediation.TotalEffortHours
	}
	return e
}
