// Package scheduler is the thin owner of multiple DagRuns: run-status
// aggregation and debt resolution entry points on top of internal/dag.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/ciscore/cis/internal/ciserr"
	"github.com/ciscore/cis/internal/dag"
	"github.com/google/uuid"
)

// RunStatus is the coarse, aggregated status of a DagRun.
type RunStatus string

const (
	RunRunning   RunStatus = "Running"
	RunPaused    RunStatus = "Paused"
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
)

// Run is a DagRun: a graph plus its accumulated debts and coarse status.
type Run struct {
	RunID     string
	DAG       *dag.Model
	Status    RunStatus
	Debts     []dag.DebtEntry
	StartTime time.Time
}

// Scheduler owns a registry of Runs, keyed by run id.
type Scheduler struct {
	mu   sync.Mutex
	runs map[string]*Run
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{runs: make(map[string]*Run)}
}

// CreateRun mints a fresh UUID-class run id for the given DAG.
func (s *Scheduler) CreateRun(d *dag.Model) (string, error) {
	return s.CreateRunWithID(uuid.NewString(), d)
}

// CreateRunWithID registers a run under the supplied id. Fails with
// AlreadyExists on collision.
func (s *Scheduler) CreateRunWithID(runID string, d *dag.Model) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[runID]; exists {
		return "", fmt.Errorf("create run %q: %w", runID, ciserr.AlreadyExists)
	}
	s.runs[runID] = &Run{
		RunID:     runID,
		DAG:       d,
		Status:    RunRunning,
		StartTime: time.Now(),
	}
	return runID, nil
}

// GetRun returns the live Run for a run id.
func (s *Scheduler) GetRun(runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("get run %q: %w", runID, ciserr.NotFound)
	}
	return r, nil
}

// ListRuns returns every registered run.
func (s *Scheduler) ListRuns() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out
}

// MarkTaskFailed forwards to the run's DAG and appends a debt entry.
func (s *Scheduler) MarkTaskFailed(runID, taskID string, kind dag.FailureType, errMsg string) error {
	r, err := s.GetRun(runID)
	if err != nil {
		return err
	}
	debt, _, err := r.DAG.MarkFailedWithType(taskID, kind, errMsg)
	if err != nil {
		return err
	}
	debt.RunID = runID

	s.mu.Lock()
	r.Debts = append(r.Debts, debt)
	s.mu.Unlock()

	s.RecomputeStatus(runID)
	return nil
}

// ResolveRunDebt forwards to the run's DAG and marks the matching debt
// resolved.
func (s *Scheduler) ResolveRunDebt(runID, taskID string, resume bool) ([]string, error) {
	r, err := s.GetRun(runID)
	if err != nil {
		return nil, err
	}
	promoted, err := r.DAG.ResolveDebt(taskID, resume)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for i := range r.Debts {
		if r.Debts[i].TaskID == taskID && !r.Debts[i].Resolved {
			r.Debts[i].Resolved = true
		}
	}
	s.mu.Unlock()

	s.RecomputeStatus(runID)
	return promoted, nil
}

// RecomputeStatus recomputes and stores a run's aggregated status. Safe to
// call after every DAG transition affecting the run.
func (s *Scheduler) RecomputeStatus(runID string) RunStatus {
	r, err := s.GetRun(runID)
	if err != nil {
		return RunFailed
	}

	nodes := r.DAG.Nodes()

	hasArbitrated := false
	hasUnresolvedBlocking := false
	hasNonTerminal := false
	hasFailedNode := false

	s.mu.Lock()
	unresolved := make(map[string]dag.FailureType)
	for _, d := range r.Debts {
		if !d.Resolved {
			unresolved[d.TaskID] = d.FailureType
		}
	}
	s.mu.Unlock()

	for _, n := range nodes {
		switch n.Status {
		case dag.StatusArbitrated:
			hasArbitrated = true
			hasNonTerminal = true
		case dag.StatusDebt:
			hasNonTerminal = true
			if unresolved[n.TaskID] == dag.Blocking {
				hasUnresolvedBlocking = true
			}
		case dag.StatusFailed:
			hasFailedNode = true
		case dag.StatusCompleted, dag.StatusSkipped:
			// terminal, no-op
		default:
			hasNonTerminal = true
		}
	}

	var status RunStatus
	switch {
	case hasUnresolvedBlocking || hasFailedNode:
		status = RunFailed
	case hasArbitrated:
		status = RunPaused
	case hasNonTerminal:
		status = RunRunning
	default:
		status = RunCompleted
	}

	s.mu.Lock()
	r.Status = status
	s.mu.Unlock()
	return status
}
