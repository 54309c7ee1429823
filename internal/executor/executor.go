// Package executor implements the concurrent agent-cluster executor: the
// main run loop that drives a scheduler run to completion by checking
// permission, spawning sessions, and reacting to their outcomes.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ciscore/cis/internal/contextstore"
	"github.com/ciscore/cis/internal/dag"
	"github.com/ciscore/cis/internal/decision"
	"github.com/ciscore/cis/internal/scheduler"
	"github.com/ciscore/cis/internal/session"
	"github.com/ciscore/cis/internal/sessionmgr"
	"github.com/ciscore/cis/internal/skillexec"
)

// AgentSpawnSpec resolves a task id to the binary and arguments its agent
// type should run with. Callers supply this; the executor has no opinion
// on agent binaries.
type AgentSpawnSpec struct {
	BinaryPath string
	SpawnArgs  []string
	AgentType  string
	Persistent bool
}

// AgentResolver maps a task id to its spawn spec.
type AgentResolver interface {
	Resolve(taskID string) (AgentSpawnSpec, error)
}

// Config configures an Executor.
type Config struct {
	Scheduler   *scheduler.Scheduler
	Sessions    *sessionmgr.Manager
	Decisions   *decision.Engine
	Context     *contextstore.Store
	Resolver    AgentResolver
	Skills      *skillexec.Executor // optional; required only if the DAG has KindSkill nodes
	MaxWorkers  int                 // default 8
	Logger      *slog.Logger
	MonitorPoll time.Duration // default 200ms
}

// ExecutionStats is a point-in-time snapshot of one run's progress.
type ExecutionStats struct {
	RunID       string
	Completed   int
	Failed      int
	Skipped     int
	Running     int
	DebtCount   int
	RunStatus   scheduler.RunStatus
}

// Executor drives runs registered with its Scheduler to completion.
type Executor struct {
	cfg Config

	mu          sync.Mutex
	activeCount map[string]int // runID -> currently running task count
	inflight    map[string]bool // runID/taskID -> being processed, dedupe guard
}

// New constructs an Executor.
func New(cfg Config) *Executor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MonitorPoll <= 0 {
		cfg.MonitorPoll = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		cfg:         cfg,
		activeCount: make(map[string]int),
		inflight:    make(map[string]bool),
	}
}

// RunToCompletion drives one run's DAG to a terminal aggregate status
// (Completed or Failed), or until ctx is cancelled. Paused runs (awaiting
// debt resolution on an Arbitrated node) return with RunPaused; the caller
// resumes by calling RunToCompletion again after resolving the debt.
func (e *Executor) RunToCompletion(ctx context.Context, runID string) (scheduler.RunStatus, error) {
	run, err := e.cfg.Scheduler.GetRun(runID)
	if err != nil {
		return "", err
	}

	var wg sync.WaitGroup
	ticker := time.NewTicker(e.cfg.MonitorPoll)
	defer ticker.Stop()

	for {
		status := e.cfg.Scheduler.RecomputeStatus(runID)
		if status == scheduler.RunCompleted || status == scheduler.RunFailed || status == scheduler.RunPaused {
			wg.Wait()
			return status, nil
		}

		ready := run.DAG.GetReadyTasks()
		for _, taskID := range ready {
			if !e.tryClaim(runID, taskID) {
				continue
			}
			if e.currentLoad(runID) >= e.cfg.MaxWorkers {
				e.release(runID, taskID)
				continue
			}
			e.incLoad(runID)
			wg.Add(1)
			go func(taskID string) {
				defer wg.Done()
				defer e.decLoad(runID)
				defer e.release(runID, taskID)
				e.runOneTask(ctx, runID, run, taskID)
			}(taskID)
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return e.cfg.Scheduler.RecomputeStatus(runID), ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) tryClaim(runID, taskID string) bool {
	key := runID + "/" + taskID
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[key] {
		return false
	}
	e.inflight[key] = true
	return true
}

func (e *Executor) release(runID, taskID string) {
	key := runID + "/" + taskID
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}

func (e *Executor) incLoad(runID string) {
	e.mu.Lock()
	e.activeCount[runID]++
	e.mu.Unlock()
}

func (e *Executor) decLoad(runID string) {
	e.mu.Lock()
	e.activeCount[runID]--
	e.mu.Unlock()
}

func (e *Executor) currentLoad(runID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeCount[runID]
}

// runOneTask checks permission, spawns a session, waits for it to reach a
// terminal state, and folds the outcome back into the DAG.
func (e *Executor) runOneTask(ctx context.Context, runID string, run *scheduler.Run, taskID string) {
	logger := e.cfg.Logger.With("run", runID, "task", taskID)

	perm, err := run.DAG.CheckTaskPermission(taskID)
	if err != nil {
		logger.Error("permission check failed", "err", err)
		_ = e.cfg.Scheduler.MarkTaskFailed(runID, taskID, dag.Blocking, err.Error())
		return
	}

	verdict, err := e.cfg.Decisions.ProcessDecision(ctx, runID, perm, taskID)
	if err != nil {
		logger.Warn("decision aborted", "err", err)
		_ = e.cfg.Scheduler.MarkTaskFailed(runID, taskID, dag.Blocking, err.Error())
		return
	}

	switch verdict {
	case decision.Skip:
		if err := run.DAG.MarkSkipped(taskID); err != nil {
			logger.Warn("mark skipped failed", "err", err)
		}
		return
	case decision.Abort:
		if err := run.DAG.MarkSkipped(taskID); err != nil {
			logger.Warn("mark skipped failed", "err", err)
		}
		return
	}

	if err := run.DAG.MarkRunning(taskID); err != nil {
		logger.Warn("mark running failed", "err", err)
		return
	}

	node, err := run.DAG.Node(taskID)
	if err != nil {
		_ = e.cfg.Scheduler.MarkTaskFailed(runID, taskID, dag.Blocking, err.Error())
		return
	}

	prompt, err := e.cfg.Context.PrepareUpstreamContext(ctx, runID, taskID, node.Dependencies)
	if err != nil {
		_ = e.cfg.Scheduler.MarkTaskFailed(runID, taskID, dag.Blocking, err.Error())
		return
	}

	if node.Kind == dag.KindSkill {
		e.runSkillTask(ctx, runID, run, taskID, prompt, logger)
		return
	}

	spec, err := e.cfg.Resolver.Resolve(taskID)
	if err != nil {
		_ = e.cfg.Scheduler.MarkTaskFailed(runID, taskID, dag.Blocking, err.Error())
		return
	}

	sid := session.ID{RunID: runID, TaskID: taskID}
	sess, err := e.cfg.Sessions.CreateSession(ctx, sid, session.Config{
		AgentType:  spec.AgentType,
		Prompt:     prompt,
		Persistent: spec.Persistent,
	}, spec.BinaryPath, spec.SpawnArgs, 80, 24)
	if err != nil {
		_ = e.cfg.Scheduler.MarkTaskFailed(runID, taskID, dag.Blocking, fmt.Errorf("%w", err).Error())
		return
	}

	sess.Wait(ctx)

	switch sess.GetState() {
	case session.StateCompleted:
		exitCode, _ := sess.ExitInfo()
		output := sess.GetOutput()
		if err := e.cfg.Context.Save(ctx, runID, taskID, output, &exitCode); err != nil {
			logger.Error("save context failed", "err", err)
		}
		if _, err := run.DAG.MarkCompleted(taskID); err != nil {
			logger.Error("mark completed failed", "err", err)
		}
	case session.StateFailed, session.StateKilled:
		_, errMsg := sess.ExitInfo()
		kind := classifyFailure(errMsg)
		if err := e.cfg.Scheduler.MarkTaskFailed(runID, taskID, kind, errMsg); err != nil {
			logger.Error("mark failed failed", "err", err)
		}
	default:
		logger.Warn("session ended in non-terminal state", "state", sess.GetState())
		_ = e.cfg.Scheduler.MarkTaskFailed(runID, taskID, dag.Blocking, "session ended without a terminal state")
	}
}

// runSkillTask dispatches a KindSkill node through C9, having already been
// gated through the same CheckTaskPermission/ProcessDecision call every
// other ready task goes through in runOneTask.
func (e *Executor) runSkillTask(ctx context.Context, runID string, run *scheduler.Run, taskID, prompt string, logger *slog.Logger) {
	if e.cfg.Skills == nil {
		_ = e.cfg.Scheduler.MarkTaskFailed(runID, taskID, dag.Blocking, "no skill executor configured")
		return
	}

	inputs, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		_ = e.cfg.Scheduler.MarkTaskFailed(runID, taskID, dag.Blocking, err.Error())
		return
	}

	res, err := e.cfg.Skills.Dispatch(ctx, taskID, inputs)
	if err != nil {
		logger.Error("skill dispatch failed", "err", err)
		_ = e.cfg.Scheduler.MarkTaskFailed(runID, taskID, dag.Blocking, err.Error())
		return
	}

	if !res.Success {
		if err := e.cfg.Scheduler.MarkTaskFailed(runID, taskID, skillexec.ClassifyFailure(res.Error), res.Error); err != nil {
			logger.Error("mark failed failed", "err", err)
		}
		return
	}

	if err := e.cfg.Context.Save(ctx, runID, taskID, string(res.Output), nil); err != nil {
		logger.Error("save skill output failed", "err", err)
	}
	if _, err := run.DAG.MarkCompleted(taskID); err != nil {
		logger.Error("mark completed failed", "err", err)
	}
}

// classifyFailure decides whether a task failure blocks its descendants.
// Transient, retryable-sounding failures (timeouts, rate limits) are
// Ignorable; anything else defaults to Blocking.
func classifyFailure(errMsg string) dag.FailureType {
	lower := toLower(errMsg)
	for _, needle := range []string{"timeout", "timed out", "rate limit", "rate-limited", "429"} {
		if contains(lower, needle) {
			return dag.Ignorable
		}
	}
	return dag.Blocking
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func contains(haystack, needle string) bool {
	if len(needle) == 0 {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Stats returns a point-in-time execution snapshot for one run.
func (e *Executor) Stats(runID string) (ExecutionStats, error) {
	run, err := e.cfg.Scheduler.GetRun(runID)
	if err != nil {
		return ExecutionStats{}, fmt.Errorf("stats %q: %w", runID, err)
	}
	nodes := run.DAG.Nodes()

	stats := ExecutionStats{RunID: runID, RunStatus: run.Status}
	for _, n := range nodes {
		switch n.Status {
		case dag.StatusCompleted:
			stats.Completed++
		case dag.StatusFailed:
			stats.Failed++
		case dag.StatusSkipped:
			stats.Skipped++
		case dag.StatusRunning:
			stats.Running++
		case dag.StatusDebt:
			stats.DebtCount++
		}
	}
	return stats, nil
}

// KillRun terminates every session belonging to a run, used on cancellation
// or explicit abort.
func (e *Executor) KillRun(runID, reason string) int {
	return e.cfg.Sessions.KillAllByDag(runID, reason)
}
