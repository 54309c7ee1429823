// Package skillexec implements the skill executor: permission-gated
// dispatch of a skill invocation to its Native (binary), Wasm, or Dag
// (recursive sub-run) backend, folding the result into the debt taxonomy.
package skillexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ciscore/cis/internal/ciserr"
	"github.com/ciscore/cis/internal/dag"
	"github.com/ciscore/cis/internal/decision"
	"github.com/ciscore/cis/internal/sandbox/wasm"
	"github.com/ciscore/cis/internal/scheduler"
)

// Type is a SkillType value.
type Type string

const (
	TypeNative Type = "Native"
	TypeWasm   Type = "Wasm"
	TypeDag    Type = "Dag"
)

// Manifest is the resolved definition of one skill, however it was loaded.
type Manifest struct {
	Name       string
	Type       Type
	BinaryPath string   // Native
	WasmPath   string   // Wasm
	WasmExport string   // Wasm, default "run"
	DagDef     *dag.Model // Dag: the sub-graph template to run
}

// Resolver resolves a skill name to its manifest.
type Resolver interface {
	Resolve(name string) (Manifest, error)
}

// Result is the outcome of one skill invocation.
type Result struct {
	Success  bool
	Output   json.RawMessage
	Error    string
	Duration time.Duration
}

// DefaultBinaryTimeout bounds a Native skill's execution.
const DefaultBinaryTimeout = 5 * time.Minute

// SubRunner executes a Dag-type skill's sub-graph to completion and
// returns its aggregated status, so skillexec never has to import
// internal/executor directly (avoiding an import cycle with the cluster
// executor, which itself may dispatch skill tasks).
type SubRunner interface {
	RunSubDag(ctx context.Context, d *dag.Model, inputs json.RawMessage) (json.RawMessage, error)
}

// Config configures an Executor.
type Config struct {
	Decisions      *decision.Engine
	WasmHost       *wasm.Host
	Resolver       Resolver
	SubRunner      SubRunner
	BinaryTimeout  time.Duration
	Logger         *slog.Logger
}

// Executor dispatches skill invocations by type.
type Executor struct {
	cfg Config
}

// New constructs an Executor.
func New(cfg Config) *Executor {
	if cfg.BinaryTimeout <= 0 {
		cfg.BinaryTimeout = DefaultBinaryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{cfg: cfg}
}

// Invoke checks permission for the node, then dispatches to the skill's
// backend. perm must already have been computed by the caller's DAG (the
// same four-tier gate the cluster executor uses for agent tasks). Callers
// that are themselves iterating DAG-ready tasks and have already gated the
// task through C6 (the cluster executor does, for every node kind) should
// call Dispatch directly instead, to avoid gating the same task id twice.
func (e *Executor) Invoke(ctx context.Context, runID, taskID string, perm dag.PermissionResult, skillName string, inputs json.RawMessage) (Result, error) {
	verdict, err := e.cfg.Decisions.ProcessDecision(ctx, runID, perm, taskID)
	if err != nil {
		return Result{}, err
	}
	switch verdict {
	case decision.Skip:
		return Result{Success: false, Error: "skipped by decision"}, nil
	case decision.Abort:
		return Result{}, fmt.Errorf("skill %q: %w: aborted by decision", skillName, ciserr.InvalidStateTransition)
	}

	return e.Dispatch(ctx, skillName, inputs)
}

// Dispatch resolves skillName's manifest and runs it, without any
// permission gating of its own.
func (e *Executor) Dispatch(ctx context.Context, skillName string, inputs json.RawMessage) (Result, error) {
	manifest, err := e.cfg.Resolver.Resolve(skillName)
	if err != nil {
		return Result{}, fmt.Errorf("resolve skill %q: %w", skillName, err)
	}

	start := time.Now()
	var out json.RawMessage
	var execErr error

	switch manifest.Type {
	case TypeNative:
		out, execErr = e.executeBinary(ctx, manifest.BinaryPath, inputs)
	case TypeWasm:
		out, execErr = e.executeWasm(ctx, manifest, inputs)
	case TypeDag:
		out, execErr = e.executeDag(ctx, manifest, inputs)
	default:
		execErr = fmt.Errorf("skill %q: %w: unknown skill type %q", skillName, ciserr.InvalidInput, manifest.Type)
	}

	duration := time.Since(start)
	if execErr != nil {
		return Result{Success: false, Error: execErr.Error(), Duration: duration}, nil
	}
	return Result{Success: true, Output: out, Duration: duration}, nil
}

// executeBinary writes inputs to a temp JSON file, runs the binary with
// that file as its sole argument under a timeout, and reads its stdout as
// the result payload.
func (e *Executor) executeBinary(ctx context.Context, binaryPath string, inputs json.RawMessage) (json.RawMessage, error) {
	tmp, err := os.CreateTemp("", "skill-input-*.json")
	if err != nil {
		return nil, fmt.Errorf("create input temp file: %w: %v", ciserr.IoFailure, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(inputs); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write input temp file: %w: %v", ciserr.IoFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close input temp file: %w: %v", ciserr.IoFailure, err)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.BinaryTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, binaryPath, tmp.Name())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if execCtx.Err() != nil {
			return nil, fmt.Errorf("binary execution timeout: %w", ciserr.Timeout)
		}
		return nil, fmt.Errorf("execute binary: %w: %s", ciserr.AgentFailure, stderr.String())
	}

	return json.RawMessage(stdout.Bytes()), nil
}

// executeWasm loads (if not already loaded) and invokes the skill's wasm
// module via C8's host, passing inputs through guest memory.
func (e *Executor) executeWasm(ctx context.Context, manifest Manifest, inputs json.RawMessage) (json.RawMessage, error) {
	if e.cfg.WasmHost == nil {
		return nil, fmt.Errorf("execute wasm skill %q: %w: no wasm host configured", manifest.Name, ciserr.InvalidInput)
	}
	if !e.cfg.WasmHost.HasModule(manifest.Name) {
		wasmBytes, err := os.ReadFile(manifest.WasmPath)
		if err != nil {
			return nil, fmt.Errorf("read wasm module %q: %w: %v", manifest.Name, ciserr.IoFailure, err)
		}
		if err := e.cfg.WasmHost.LoadModuleFromBytes(ctx, manifest.Name, wasmBytes, manifest.WasmPath); err != nil {
			return nil, fmt.Errorf("load wasm module %q: %w", manifest.Name, err)
		}
	}
	eventType := manifest.WasmExport
	if eventType == "" {
		eventType = "run"
	}
	result, err := e.cfg.WasmHost.InvokeSkillEvent(ctx, manifest.Name, eventType, []byte(inputs))
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(result), nil
}

// executeDag recurses into a Dag-type skill's sub-graph via the injected
// SubRunner, so the sub-run shares the same scheduler/executor machinery
// as a top-level run.
func (e *Executor) executeDag(ctx context.Context, manifest Manifest, inputs json.RawMessage) (json.RawMessage, error) {
	if e.cfg.SubRunner == nil {
		return nil, fmt.Errorf("execute dag skill %q: %w: no sub-runner configured", manifest.Name, ciserr.InvalidInput)
	}
	if manifest.DagDef == nil {
		return nil, fmt.Errorf("execute dag skill %q: %w: no dag definition", manifest.Name, ciserr.InvalidInput)
	}
	return e.cfg.SubRunner.RunSubDag(ctx, manifest.DagDef, inputs)
}

// ClassifyFailure decides whether a skill's terminal error blocks
// downstream work: timeout and rate-limit errors are treated as
// transient and Ignorable, everything else is Blocking.
func ClassifyFailure(errMsg string) dag.FailureType {
	lower := strings.ToLower(errMsg)
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "rate limit") {
		return dag.Ignorable
	}
	return dag.Blocking
}

// ApplyResult folds a skill Result back into the run's DAG/debt ledger.
func ApplyResult(sched *scheduler.Scheduler, runID, taskID string, res Result) error {
	if res.Success {
		return nil
	}
	kind := ClassifyFailure(res.Error)
	return sched.MarkTaskFailed(runID, taskID, kind, res.Error)
}
