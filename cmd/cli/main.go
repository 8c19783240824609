// Command redpilot runs the assessment pipeline from the terminal.
//
// Subcommands:
//
//	run      execute the full pipeline against a scan result file
//	model    inspect the learned attack model
//	catalog  list the attack vectors and correlation rules in use
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redpilot/redpilot/pkg/catalog"
	"github.com/redpilot/redpilot/pkg/learning"
	"github.com/redpilot/redpilot/pkg/pipeline"
	"github.com/redpilot/redpilot/pkg/scan"
	"github.com/redpilot/redpilot/pkg/telemetry"
	"github.com/redpilot/redpilot/pkg/ui"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run", "assess":
		runPipeline()
	case "model", "weights":
		runModel()
	case "catalog", "vectors":
		runCatalog()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `redpilot - autonomous security assessment pipeline

Usage:
  redpilot run -scan <file> [options]    run the full assessment pipeline
  redpilot model [options]               inspect the learned attack model
  redpilot catalog [options]             list attack vectors and rules

Run 'redpilot <command> -h' for command options.
`)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadCatalog(dir string) (*catalog.Catalog, error) {
	if dir != "" {
		return catalog.Load(dir)
	}
	return catalog.Default()
}

func runPipeline() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	scanFile := fs.String("scan", "", "scan result JSON file (required)")
	statePath := fs.String("state", "redpilot-model.json", "learning state file")
	catalogDir := fs.String("catalog", "", "catalog override directory")
	concurrency := fs.Int("concurrency", 4, "parallel attack vector executions")
	seed := fs.Int64("seed", 0, "RNG seed, 0 for time-based")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall run timeout")
	jsonOut := fs.Bool("json", false, "emit the full run output as JSON")
	metricsAddr := fs.String("metrics", "", "Prometheus listen address (e.g. :9090)")
	otlpEndpoint := fs.String("otlp", "", "OTLP trace endpoint (e.g. localhost:4317)")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Parse(os.Args[2:])

	if *scanFile == "" {
		fmt.Fprintln(os.Stderr, "error: -scan is required")
		fs.Usage()
		os.Exit(1)
	}

	logger := newLogger(*verbose)

	sr, err := scan.Load(*scanFile)
	if err != nil {
		fatal(logger, "load scan result", err)
	}
	cat, err := loadCatalog(*catalogDir)
	if err != nil {
		fatal(logger, "load catalog", err)
	}
	store, err := learning.Open(*statePath, cat, logger)
	if err != nil {
		fatal(logger, "open learning state", err)
	}

	var hooks telemetry.Hooks
	if *metricsAddr != "" {
		h, err := telemetry.NewPrometheusHook(telemetry.PrometheusOptions{ListenAddr: *metricsAddr}, logger)
		if err != nil {
			fatal(logger, "start metrics", err)
		}
		hooks = append(hooks, h)
	}
	if *otlpEndpoint != "" {
		h, err := telemetry.NewOTelHook(telemetry.OTelOptions{Endpoint: *otlpEndpoint, Insecure: true}, logger)
		if err != nil {
			fatal(logger, "start tracing", err)
		}
		hooks = append(hooks, h)
	}

	cfg := pipeline.DefaultConfig()
	cfg.Simulator.Concurrency = *concurrency
	cfg.Simulator.Seed = *seed

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	p := pipeline.New(cat, store, cfg, hooks, logger)
	out, runErr := p.Run(ctx, sr)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := hooks.Close(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}

	if out != nil {
		if *jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				fatal(logger, "encode output", err)
			}
		} else {
			fmt.Print(ui.RenderSummary(out))
		}
	}
	if runErr != nil {
		fatal(logger, "pipeline run", runErr)
	}
}

func runModel() {
	fs := flag.NewFlagSet("model", flag.ExitOnError)
	statePath := fs.String("state", "redpilot-model.json", "learning state file")
	catalogDir := fs.String("catalog", "", "catalog override directory")
	jsonOut := fs.Bool("json", false, "emit the model as JSON")
	fs.Parse(os.Args[2:])

	logger := newLogger(false)

	cat, err := loadCatalog(*catalogDir)
	if err != nil {
		fatal(logger, "load catalog", err)
	}
	store, err := learning.Open(*statePath, cat, logger)
	if err != nil {
		fatal(logger, "open learning state", err)
	}

	weights := store.Weights()
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(weights); err != nil {
			fatal(logger, "encode model", err)
		}
		return
	}

	views := make(map[string]ui.ModelView, len(weights))
	for id, w := range weights {
		v := ui.ModelView{SuccessRate: w.SuccessRate, Attempts: w.Attempts}
		if w.LastSuccess != nil {
			v.LastSuccess = w.LastSuccess.Format(time.RFC3339)
		}
		views[id] = v
	}
	fmt.Print(ui.RenderWeights(views))
}

func runCatalog() {
	fs := flag.NewFlagSet("catalog", flag.ExitOnError)
	catalogDir := fs.String("catalog", "", "catalog override directory")
	jsonOut := fs.Bool("json", false, "emit the catalog as JSON")
	fs.Parse(os.Args[2:])

	logger := newLogger(false)

	cat, err := loadCatalog(*catalogDir)
	if err != nil {
		fatal(logger, "load catalog", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cat); err != nil {
			fatal(logger, "encode catalog", err)
		}
		return
	}

	fmt.Println("Attack vectors:")
	for _, v := range cat.Vectors {
		fmt.Printf("  %-14s %-28s %-10s base %.2f\n", v.ID, v.Name, v.Severity, v.BaseProbabilityOrDefault())
	}
	fmt.Println("\nCorrelation rules:")
	for _, r := range cat.Rules {
		fmt.Printf("  %-18s %-30s %s\n", r.ID, r.Name, r.Severity)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
