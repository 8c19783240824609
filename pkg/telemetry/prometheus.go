package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Compile-time interface check.
var _ Hook = (*PrometheusHook)(nil)

// PrometheusHook exposes run metrics for Prometheus scraping. Metrics
// live in a private registry so the process default stays clean; when
// ListenAddr is set the hook also serves them over HTTP.
type PrometheusHook struct {
	registry *prometheus.Registry
	server   *http.Server
	logger   *slog.Logger

	runsTotal       *prometheus.CounterVec
	findingsTotal   *prometheus.CounterVec
	attacksTotal    *prometheus.CounterVec
	riskScore       *prometheus.GaugeVec
	effortHours     *prometheus.GaugeVec
	stageDuration   *prometheus.HistogramVec
	runDurationSecs *prometheus.HistogramVec

	mu     sync.Mutex
	closed bool
}

// PrometheusOptions configures the Prometheus hook.
type PrometheusOptions struct {
	// ListenAddr is the metrics server address (e.g. ":9090"). Empty
	// keeps the hook registry-only, which tests rely on.
	ListenAddr string

	// Path for the metrics endpoint (default: "/metrics").
	Path string

	// ReadTimeout for the HTTP server (default: 5s).
	ReadTimeout time.Duration

	// WriteTimeout for the HTTP server (default: 10s).
	WriteTimeout time.Duration
}

// NewPrometheusHook creates the hook and, when an address is configured,
// starts the metrics server.
func NewPrometheusHook(opts PrometheusOptions, logger *slog.Logger) (*PrometheusHook, error) {
	if opts.Path == "" {
		opts.Path = "/metrics"
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	h := &PrometheusHook{
		registry: prometheus.NewRegistry(),
		logger:   orDefault(logger),
	}
	if err := h.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	if opts.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(opts.Path, promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
		h.server = &http.Server{
			Addr:         opts.ListenAddr,
			Handler:      mux,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
		}
		go func() {
			if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				h.logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	return h, nil
}

func (h *PrometheusHook) initMetrics() error {
	h.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redpilot_runs_total",
			Help: "Total pipeline runs by outcome",
		},
		[]string{"target", "status"},
	)
	h.findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redpilot_findings_total",
			Help: "Correlated findings produced, by severity",
		},
		[]string{"target", "severity"},
	)
	h.attacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redpilot_attacks_total",
			Help: "Simulated attacks executed, by outcome",
		},
		[]string{"target", "outcome"},
	)
	h.riskScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redpilot_risk_score",
			Help: "Risk score of the most recent run (0-100)",
		},
		[]string{"target"},
	)
	h.effortHours = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redpilot_remediation_effort_hours",
			Help: "Estimated remediation effort of the most recent run",
		},
		[]string{"target"},
	)
	h.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redpilot_stage_duration_seconds",
			Help:    "Pipeline stage duration distribution",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"stage"},
	)
	h.runDurationSecs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redpilot_run_duration_seconds",
			Help:    "Full pipeline run duration distribution",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"target"},
	)

	for _, c := range []prometheus.Collector{
		h.runsTotal,
		h.findingsTotal,
		h.attacksTotal,
		h.riskScore,
		h.effortHours,
		h.stageDuration,
		h.runDurationSecs,
	} {
		if err := h.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Registry exposes the private registry for embedding into an existing
// metrics endpoint.
func (h *PrometheusHook) Registry() *prometheus.Registry {
	return h.registry
}

func (h *PrometheusHook) OnRunStart(ctx context.Context, e RunStart) {}

func (h *PrometheusHook) OnStage(ctx context.Context, e StageResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.stageDuration.WithLabelValues(e.Stage).Observe(e.Duration.Seconds())
}

func (h *PrometheusHook) OnRunEnd(ctx context.Context, e RunEnd) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	status := "completed"
	if e.Err != nil {
		status = "failed"
	}
	h.runsTotal.WithLabelValues(e.Target, status).Inc()
	h.runDurationSecs.WithLabelValues(e.Target).Observe(e.Duration.Seconds())

	for sev, n := range e.BySeverity {
		h.findingsTotal.WithLabelValues(e.Target, string(sev)).Add(float64(n))
	}
	h.attacksTotal.WithLabelValues(e.Target, "succeeded").Add(float64(e.AttacksSucceeded))
	h.attacksTotal.WithLabelValues(e.Target, "failed").Add(float64(e.AttacksRun - e.AttacksSucceeded))
	h.riskScore.WithLabelValues(e.Target).Set(float64(e.RiskScore))
	h.effortHours.WithLabelValues(e.Target).Set(float64(e.EffortHours))
}

// Close stops the metrics server if one is running.
func (h *PrometheusHook) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	server := h.server
	h.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}
