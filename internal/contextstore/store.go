// Package contextstore implements the content-addressed (run_id, task_id) ->
// output mapping used to propagate a task's output to its dependents.
package contextstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ciscore/cis/internal/persistence"
)

// Store backs every read/write with the durable context_records table so a
// crash mid-run never loses a completed upstream output.
type Store struct {
	db *persistence.Store
}

// New wraps a persistence.Store.
func New(db *persistence.Store) *Store {
	return &Store{db: db}
}

// Save persists output for (run, task), overwriting any prior value. Legal
// to call more than once for the same key (debt-resolution replays).
func (s *Store) Save(ctx context.Context, run, task, output string, exitCode *int) error {
	if err := s.db.SaveContext(ctx, run, task, output, exitCode); err != nil {
		return fmt.Errorf("save context (%s/%s): %w", run, task, err)
	}
	return nil
}

// Load returns the stored output for (run, task), or "" if nothing was ever
// written — missing entries are never an error at this layer (callers that
// need to distinguish "missing" from "empty" use LoadRecord).
func (s *Store) Load(ctx context.Context, run, task string) (string, error) {
	output, _, err := s.db.LoadContext(ctx, run, task)
	if errors.Is(err, persistence.ErrContextNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load context (%s/%s): %w", run, task, err)
	}
	return output, nil
}

// Record is the full stored value for a key, including the exit code.
type Record struct {
	Output   string
	ExitCode *int
	Found    bool
}

// LoadRecord is like Load but also reports the exit code and whether a
// record exists at all.
func (s *Store) LoadRecord(ctx context.Context, run, task string) (Record, error) {
	output, exitCode, err := s.db.LoadContext(ctx, run, task)
	if errors.Is(err, persistence.ErrContextNotFound) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("load context record (%s/%s): %w", run, task, err)
	}
	return Record{Output: output, ExitCode: exitCode, Found: true}, nil
}

// PrepareUpstreamContext concatenates the stored outputs of deps, in the
// order given, each preceded by a header naming the dependency's task id
// and exit code. A dep with no stored output contributes an empty body but
// still emits its header block, never an error.
func (s *Store) PrepareUpstreamContext(ctx context.Context, run, task string, deps []string) (string, error) {
	var b strings.Builder
	for i, d := range deps {
		rec, err := s.LoadRecord(ctx, run, d)
		if err != nil {
			return "", err
		}
		exit := "none"
		if rec.ExitCode != nil {
			exit = fmt.Sprintf("%d", *rec.ExitCode)
		}
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "<<< task=%s exit=%s >>>\n", d, exit)
		b.WriteString(rec.Output)
	}
	return b.String(), nil
}
