// Package telemetry carries pipeline observability hooks. Hooks receive
// run lifecycle events and must never block or fail a run: errors stay
// inside the hook.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/redpilot/redpilot/pkg/finding"
)

// RunStart announces a pipeline run beginning.
type RunStart struct {
	RunID  string
	Target string
	Time   time.Time
}

// StageResult reports one completed (or failed) pipeline stage.
type StageResult struct {
	RunID    string
	Stage    string
	Duration time.Duration
	Err      error
}

// RunEnd summarizes a finished run.
type RunEnd struct {
	RunID            string
	Target           string
	Duration         time.Duration
	RiskScore        int
	Findings         int
	BySeverity       map[finding.Severity]int
	AttacksRun       int
	AttacksSucceeded int
	EffortHours      int
	Err              error
}

// Hook observes pipeline runs.
type Hook interface {
	OnRunStart(ctx context.Context, e RunStart)
	OnStage(ctx context.Context, e StageResult)
	OnRunEnd(ctx context.Context, e RunEnd)
	Close(ctx context.Context) error
}

// Hooks fans events out to every registered hook.
type Hooks []Hook

func (hs Hooks) OnRunStart(ctx context.Context, e RunStart) {
	for _, h := range hs {
		h.OnRunStart(ctx, e)
	}
}

func (hs Hooks) OnStage(ctx context.Context, e StageResult) {
	for _, h := range hs {
		h.OnStage(ctx, e)
	}
}

func (hs Hooks) OnRunEnd(ctx context.Context, e RunEnd) {
	for _, h := range hs {
		h.OnRunEnd(ctx, e)
	}
}

// Close shuts every hook down, returning the first error.
func (hs Hooks) Close(ctx context.Context) error {
	var first error
	for _, h := range hs {
		if err := h.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
