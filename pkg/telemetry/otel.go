package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Compile-time interface check.
var _ Hook = (*OTelHook)(nil)

// OTelHook exports run traces to an OpenTelemetry collector over
// OTLP/gRPC: one span per pipeline run, a span event per stage.
type OTelHook struct {
	opts           OTelOptions
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	mu     sync.Mutex
	spans  map[string]trace.Span
	closed bool
}

// OTelOptions configures the trace hook.
type OTelOptions struct {
	// Endpoint is the OTLP endpoint (e.g. "localhost:4317").
	Endpoint string

	// ServiceName for exported traces (default: "redpilot").
	ServiceName string

	// Insecure disables TLS on the exporter connection.
	Insecure bool

	// Headers are attached to every export request.
	Headers map[string]string

	// ConnectionTimeout bounds the initial exporter dial (default: 10s).
	ConnectionTimeout time.Duration

	// ShutdownTimeout bounds the final flush (default: 5s).
	ShutdownTimeout time.Duration
}

// NewOTelHook connects the exporter. Connection failures after startup
// are handled by the batch processor and never block a run.
func NewOTelHook(opts OTelOptions, logger *slog.Logger) (*OTelHook, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "redpilot"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "localhost:4317"
	}
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	var grpcOpts []grpc.DialOption
	if opts.Insecure {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithDialOption(grpcOpts...),
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(opts.Headers))
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectionTimeout)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		attribute.String("service.component", "pipeline"),
	)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	return &OTelHook{
		opts:           opts,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer("redpilot/pipeline"),
		logger:         orDefault(logger),
		spans:          make(map[string]trace.Span),
	}, nil
}

func (h *OTelHook) OnRunStart(ctx context.Context, e RunStart) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	_, span := h.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", e.RunID),
			attribute.String("run.target", e.Target),
		))
	h.spans[e.RunID] = span
}

func (h *OTelHook) OnStage(ctx context.Context, e StageResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.spans[e.RunID]
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("stage.name", e.Stage),
		attribute.Int64("stage.duration_ms", e.Duration.Milliseconds()),
	}
	if e.Err != nil {
		attrs = append(attrs, attribute.String("stage.error", e.Err.Error()))
	}
	span.AddEvent("stage.completed", trace.WithAttributes(attrs...))
}

func (h *OTelHook) OnRunEnd(ctx context.Context, e RunEnd) {
	h.mu.Lock()
	span, ok := h.spans[e.RunID]
	delete(h.spans, e.RunID)
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.Int("run.risk_score", e.RiskScore),
		attribute.Int("run.findings", e.Findings),
		attribute.Int("run.attacks_succeeded", e.AttacksSucceeded),
		attribute.Int("run.effort_hours", e.EffortHours),
	)
	if e.Err != nil {
		span.RecordError(e.Err)
		span.SetStatus(codes.Error, e.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Close ends any spans still open and flushes the exporter.
func (h *OTelHook) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for id, span := range h.spans {
		span.End()
		delete(h.spans, id)
	}
	h.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, h.opts.ShutdownTimeout)
	defer cancel()
	return h.tracerProvider.Shutdown(shutdownCtx)
}
