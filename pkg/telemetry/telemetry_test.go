package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/redpilot/redpilot/pkg/finding"
)

func newRegistryOnlyHook(t *testing.T) *PrometheusHook {
	t.Helper()
	h, err := NewPrometheusHook(PrometheusOptions{}, nil)
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}
	return h
}

func gatherMetric(t *testing.T, h *PrometheusHook, name string) *dto.MetricFamily {
	t.Helper()
	families, err := h.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func sampleRunEnd(err error) RunEnd {
	return RunEnd{
		RunID:            "run-1",
		Target:           "staging",
		Duration:         2 * time.Second,
		RiskScore:        55,
		Findings:         3,
		BySeverity:       map[finding.Severity]int{finding.Critical: 1, finding.High: 2},
		AttacksRun:       8,
		AttacksSucceeded: 3,
		EffortHours:      16,
		Err:              err,
	}
}

func TestPrometheusHookCountsRuns(t *testing.T) {
	h := newRegistryOnlyHook(t)
	defer h.Close(context.Background())

	h.OnRunEnd(context.Background(), sampleRunEnd(nil))
	h.OnRunEnd(context.Background(), sampleRunEnd(errors.New("boom")))

	mf := gatherMetric(t, h, "redpilot_runs_total")
	if mf == nil {
		t.Fatal("runs counter not registered")
	}
	byStatus := map[string]float64{}
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "status" {
				byStatus[l.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	if byStatus["completed"] != 1 || byStatus["failed"] != 1 {
		t.Errorf("run counts = %v, want one completed and one failed", byStatus)
	}
}

func TestPrometheusHookRecordsSeverityBreakdown(t *testing.T) {
	h := newRegistryOnlyHook(t)
	defer h.Close(context.Background())

	h.OnRunEnd(context.Background(), sampleRunEnd(nil))

	mf := gatherMetric(t, h, "redpilot_findings_total")
	bySev := map[string]float64{}
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "severity" {
				bySev[l.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	if bySev["critical"] != 1 || bySev["high"] != 2 {
		t.Errorf("severity counts = %v", bySev)
	}
}

func TestPrometheusHookRecordsStageDurations(t *testing.T) {
	h := newRegistryOnlyHook(t)
	defer h.Close(context.Background())

	h.OnStage(context.Background(), StageResult{RunID: "r", Stage: "simulate", Duration: 120 * time.Millisecond})
	h.OnStage(context.Background(), StageResult{RunID: "r", Stage: "simulate", Duration: 80 * time.Millisecond})

	mf := gatherMetric(t, h, "redpilot_stage_duration_seconds")
	if mf == nil {
		t.Fatal("stage histogram not registered")
	}
	if got := mf.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("histogram sample count = %d, want 2", got)
	}
}

func TestPrometheusHookIgnoresEventsAfterClose(t *testing.T) {
	h := newRegistryOnlyHook(t)
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}

	h.OnRunEnd(context.Background(), sampleRunEnd(nil))
	mf := gatherMetric(t, h, "redpilot_runs_total")
	if len(mf.GetMetric()) != 0 {
		t.Error("closed hook should drop events")
	}
}

// newTestOTelHook wires the hook to an in-memory exporter so span
// assertions need no collector.
func newTestOTelHook(exp *tracetest.InMemoryExporter) *OTelHook {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	return &OTelHook{
		tracerProvider: tp,
		tracer:         tp.Tracer("redpilot/pipeline"),
		spans:          make(map[string]trace.Span),
	}
}

func TestOTelHookSpanPerRun(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	h := newTestOTelHook(exp)

	ctx := context.Background()
	h.OnRunStart(ctx, RunStart{RunID: "run-1", Target: "staging", Time: time.Now()})
	h.OnStage(ctx, StageResult{RunID: "run-1", Stage: "simulate", Duration: 50 * time.Millisecond})
	h.OnStage(ctx, StageResult{RunID: "run-1", Stage: "correlate", Duration: 5 * time.Millisecond})
	h.OnRunEnd(ctx, sampleRunEnd(nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected one span per run, got %d", len(spans))
	}
	if spans[0].Name != "pipeline.run" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if len(spans[0].Events) != 2 {
		t.Errorf("expected a span event per stage, got %d", len(spans[0].Events))
	}
}

func TestOTelHookRecordsRunError(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	h := newTestOTelHook(exp)

	ctx := context.Background()
	h.OnRunStart(ctx, RunStart{RunID: "run-1", Target: "staging"})
	h.OnRunEnd(ctx, sampleRunEnd(errors.New("stage failed")))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if spans[0].Status.Description != "stage failed" {
		t.Errorf("span status = %+v, want the run error recorded", spans[0].Status)
	}
}

func TestOTelHookIgnoresUnknownRun(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	h := newTestOTelHook(exp)

	h.OnStage(context.Background(), StageResult{RunID: "ghost", Stage: "simulate"})
	h.OnRunEnd(context.Background(), RunEnd{RunID: "ghost"})

	if len(exp.GetSpans()) != 0 {
		t.Error("events for unknown runs should be dropped")
	}
}

type recordingHook struct {
	starts, stages, ends int
	closed               bool
}

func (r *recordingHook) OnRunStart(context.Context, RunStart) { r.starts++ }
func (r *recordingHook) OnStage(context.Context, StageResult) { r.stages++ }
func (r *recordingHook) OnRunEnd(context.Context, RunEnd)     { r.ends++ }
func (r *recordingHook) Close(context.Context) error          { r.closed = true; return nil }

func TestHooksFanOut(t *testing.T) {
	a, b := &recordingHook{}, &recordingHook{}
	hs := Hooks{a, b}

	ctx := context.Background()
	hs.OnRunStart(ctx, RunStart{})
	hs.OnStage(ctx, StageResult{})
	hs.OnRunEnd(ctx, RunEnd{})
	if err := hs.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	for i, h := range []*recordingHook{a, b} {
		if h.starts != 1 || h.stages != 1 || h.ends != 1 || !h.closed {
			t.Errorf("hook %d missed events: %+v", i, h)
		}
	}
}
