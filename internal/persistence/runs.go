package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunRecord is the durable row backing a DagRun's coarse status. The graph
// shape and per-node state live in dag_nodes; this table exists mainly so a
// crash can recover which runs were in flight without replaying every node.
type RunRecord struct {
	RunID     string
	Status    string
	StartedAt time.Time
	UpdatedAt time.Time
}

// NodeRecord is the durable row backing one DagNode.
type NodeRecord struct {
	RunID        string
	TaskID       string
	Dependencies []string
	LevelKind    string
	LevelData    json.RawMessage
	Status       string
	UpdatedAt    time.Time
}

// DebtRecord is the durable row backing one DebtEntry.
type DebtRecord struct {
	RunID       string
	TaskID      string
	FailureType string
	Error       string
	CreatedAt   time.Time
	Resolved    bool
}

// ErrRunNotFound is returned by run-scoped queries when no row matches.
var ErrRunNotFound = errors.New("persistence: run not found")

// CreateRun inserts a new run row. Fails if run_id already exists.
func (s *Store) CreateRun(ctx context.Context, runID, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dag_runs (run_id, status) VALUES (?, ?);
		`, runID, status)
		return err
	})
}

// UpdateRunStatus overwrites the run's coarse status.
func (s *Store) UpdateRunStatus(ctx context.Context, runID, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE dag_runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE run_id = ?;
		`, status, runID)
		return err
	})
}

// GetRun loads a run's coarse record.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, status, started_at, updated_at FROM dag_runs WHERE run_id = ?;
	`, runID).Scan(&rec.RunID, &rec.Status, &rec.StartedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &rec, nil
}

// ListRuns returns every run's coarse record, most recently started first.
func (s *Store) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, status, started_at, updated_at FROM dag_runs ORDER BY started_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.RunID, &rec.Status, &rec.StartedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertNode writes or overwrites a node's durable state.
func (s *Store) UpsertNode(ctx context.Context, n NodeRecord) error {
	deps, err := json.Marshal(n.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	levelData := n.LevelData
	if levelData == nil {
		levelData = json.RawMessage("{}")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dag_nodes (run_id, task_id, dependencies, level_kind, level_data, status)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, task_id) DO UPDATE SET
				dependencies = excluded.dependencies,
				level_kind = excluded.level_kind,
				level_data = excluded.level_data,
				status = excluded.status,
				updated_at = CURRENT_TIMESTAMP;
		`, n.RunID, n.TaskID, string(deps), n.LevelKind, string(levelData), n.Status)
		return err
	})
}

// ListNodes returns every node belonging to a run.
func (s *Store) ListNodes(ctx context.Context, runID string) ([]NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, dependencies, level_kind, level_data, status, updated_at
		FROM dag_nodes WHERE run_id = ? ORDER BY task_id ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		var n NodeRecord
		var deps string
		var levelData string
		if err := rows.Scan(&n.RunID, &n.TaskID, &deps, &n.LevelKind, &levelData, &n.Status, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &n.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies: %w", err)
		}
		n.LevelData = json.RawMessage(levelData)
		out = append(out, n)
	}
	return out, rows.Err()
}

// RecordDebt inserts or replaces a debt entry for (run_id, task_id).
func (s *Store) RecordDebt(ctx context.Context, d DebtRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dag_debts (run_id, task_id, failure_type, error, resolved)
			VALUES (?, ?, ?, ?, 0)
			ON CONFLICT(run_id, task_id) DO UPDATE SET
				failure_type = excluded.failure_type,
				error = excluded.error,
				resolved = excluded.resolved;
		`, d.RunID, d.TaskID, d.FailureType, d.Error)
		return err
	})
}

// ResolveDebt marks a debt entry resolved.
func (s *Store) ResolveDebt(ctx context.Context, runID, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE dag_debts SET resolved = 1 WHERE run_id = ? AND task_id = ?;
		`, runID, taskID)
		return err
	})
}

// ListDebts returns every debt entry for a run.
func (s *Store) ListDebts(ctx context.Context, runID string) ([]DebtRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, failure_type, error, created_at, resolved
		FROM dag_debts WHERE run_id = ? ORDER BY created_at ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list debts: %w", err)
	}
	defer rows.Close()

	var out []DebtRecord
	for rows.Next() {
		var d DebtRecord
		var resolved int
		if err := rows.Scan(&d.RunID, &d.TaskID, &d.FailureType, &d.Error, &d.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan debt: %w", err)
		}
		d.Resolved = resolved != 0
		out = append(out, d)
	}
	return out, rows.Err()
}
