package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrContextNotFound is returned by LoadContext when no record exists for
// (run_id, task_id). Callers implementing upstream-context concatenation
// must treat this as "empty string", never surface it to the caller.
var ErrContextNotFound = errors.New("persistence: context record not found")

// SaveContext writes or overwrites the output for (run_id, task_id). Legal to
// call more than once for the same key (debt-resolution replays).
func (s *Store) SaveContext(ctx context.Context, runID, taskID, output string, exitCode *int) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO context_records (run_id, task_id, output, exit_code)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, task_id) DO UPDATE SET
				output = excluded.output,
				exit_code = excluded.exit_code,
				written_at = CURRENT_TIMESTAMP;
		`, runID, taskID, output, exitCode)
		return err
	})
}

// LoadContext returns the stored output and exit code for (run_id, task_id).
func (s *Store) LoadContext(ctx context.Context, runID, taskID string) (output string, exitCode *int, err error) {
	var code sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT output, exit_code FROM context_records WHERE run_id = ? AND task_id = ?;
	`, runID, taskID)
	if err := row.Scan(&output, &code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, ErrContextNotFound
		}
		return "", nil, fmt.Errorf("load context: %w", err)
	}
	if code.Valid {
		v := int(code.Int64)
		exitCode = &v
	}
	return output, exitCode, nil
}
