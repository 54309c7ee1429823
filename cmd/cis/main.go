// Command cis drives the task-execution engine: it loads a run definition,
// wires the scheduler, decision engine, cluster executor, and skill
// executor together, and runs a DAG to completion.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ciscore/cis/internal/bus"
	"github.com/ciscore/cis/internal/config"
	"github.com/ciscore/cis/internal/contextstore"
	"github.com/ciscore/cis/internal/dag"
	"github.com/ciscore/cis/internal/decision"
	"github.com/ciscore/cis/internal/doctor"
	"github.com/ciscore/cis/internal/engine"
	"github.com/ciscore/cis/internal/executor"
	otelpkg "github.com/ciscore/cis/internal/otel"
	"github.com/ciscore/cis/internal/persistence"
	"github.com/ciscore/cis/internal/policy"
	"github.com/ciscore/cis/internal/sandbox/wasi"
	"github.com/ciscore/cis/internal/sandbox/wasm"
	"github.com/ciscore/cis/internal/scheduler"
	"github.com/ciscore/cis/internal/sessionmgr"
	"github.com/ciscore/cis/internal/skillexec"
	"github.com/ciscore/cis/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

COMMANDS:
  run <spec.json>      Load a run definition and drive it to completion
  doctor                Run startup diagnostics and print a report

`, os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runCommand(os.Args[2:]))
	case "doctor":
		os.Exit(doctorCommand(os.Args[2:]))
	case "-h", "--help", "help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func doctorCommand(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "print the diagnosis as JSON")
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	diag := doctor.Run(ctx, &cfg, Version)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(diag)
		return 0
	}

	status := 0
	for _, r := range diag.Results {
		fmt.Printf("[%-4s] %-16s %s\n", r.Status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Printf("         %s\n", r.Detail)
		}
		if r.Status == "FAIL" {
			status = 1
		}
	}
	return status
}

func runCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to the run database (default: <home>/cis.db)")
	maxWorkers := fs.Int("workers", 0, "max concurrently running tasks (default: config worker_count, else 8)")
	skillsDir := fs.String("skills-dir", "", "directory skill manifests are resolved from (default: config skills.project_dir)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error (default: config log_level, else info)")
	quiet := fs.Bool("quiet", false, "suppress mirrored logs on stderr; system.jsonl still gets everything")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: cis run <spec.json>")
		return 2
	}
	specPath := fs.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if *maxWorkers <= 0 {
		*maxWorkers = cfg.WorkerCount
	}
	if *skillsDir == "" {
		*skillsDir = cfg.Skills.ProjectDir
	}
	level := *logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, level, *quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	specData, err := os.ReadFile(specPath)
	if err != nil {
		logger.Error("read run spec", "err", err)
		return 1
	}
	model, err := dag.LoadSpec(specData)
	if err != nil {
		logger.Error("load run spec", "err", err)
		return 1
	}

	if *dbPath == "" {
		*dbPath = filepath.Join(cfg.HomeDir, "cis.db")
	}
	eventBus := bus.New()
	store, err := persistence.Open(*dbPath, eventBus)
	if err != nil {
		logger.Error("open store", "err", err)
		return 1
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		logger.Error("init otel", "err", err)
		return 1
	}
	defer otelProvider.Shutdown(context.Background())

	pol := policy.NewLivePolicy(policy.Default(), "")

	llmProvider, llmModel, llmAPIKey := cfg.ResolveLLMConfig()
	brain := engine.NewGenkitBrain(ctx, store, engine.BrainConfig{
		Provider:        llmProvider,
		Model:           llmModel,
		APIKey:          llmAPIKey,
		AgentName:       cfg.AgentName,
		AgentEmoji:      cfg.AgentEmoji,
		Policy:          pol,
		APIKeys:         cfg.APIKeys,
		PreferredSearch: cfg.PreferredSearch,
	})

	fsPolicy := wasi.New()
	if *skillsDir != "" {
		fsPolicy.AddReadonlyPath(*skillsDir)
	}

	wasmHost, err := wasm.NewHost(ctx, wasm.Config{
		Store:    store,
		Policy:   pol,
		Logger:   logger,
		Brain:    brain,
		FSPolicy: fsPolicy,
	})
	if err != nil {
		logger.Error("init wasm host", "err", err)
		return 1
	}
	brain.SetWASMHost(wasmHost)

	sched := scheduler.New()
	runID, err := sched.CreateRun(model)
	if err != nil {
		logger.Error("create run", "err", err)
		return 1
	}

	decisions := decision.New(decision.Config{Logger: logger})
	ctxStore := contextstore.New(store)

	sessions := sessionmgr.New(sessionmgr.Config{Bus: eventBus, Logger: logger})
	sessions.Init(ctx)
	defer sessions.Shutdown()

	resolver := newManifestResolver(*skillsDir)

	skills := skillexec.New(skillexec.Config{
		Decisions: decisions,
		WasmHost:  wasmHost,
		Resolver:  skillResolver{resolver},
		Logger:    logger,
	})

	exec := executor.New(executor.Config{
		Scheduler:  sched,
		Sessions:   sessions,
		Decisions:  decisions,
		Context:    ctxStore,
		Resolver:   resolver,
		Skills:     skills,
		MaxWorkers: *maxWorkers,
		Logger:     logger,
	})

	runCtx, span := otelProvider.Tracer.Start(ctx, "cis.run")
	span.SetAttributes(attribute.String("cis.run_id", runID))
	status, err := exec.RunToCompletion(runCtx, runID)
	span.End()
	if err != nil {
		logger.Error("run failed", "run", runID, "err", err)
		return 1
	}

	logger.Info("run finished", "run", runID, "status", status)
	if status != scheduler.RunCompleted {
		return 1
	}
	return 0
}

