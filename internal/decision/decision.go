// Package decision implements the four-tier task permission mechanism: it
// turns a dag.PermissionResult into an Allow/Skip/Abort verdict, waiting on
// human input for the tiers that require it.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ciscore/cis/internal/ciserr"
	"github.com/ciscore/cis/internal/dag"
)

// Verdict is the outcome ProcessDecision returns. Pending is deliberately
// absent: a request awaiting input blocks inside ProcessDecision rather
// than returning a sentinel value the caller would have to poll.
type Verdict string

const (
	Allow Verdict = "Allow"
	Skip  Verdict = "Skip"
	Abort Verdict = "Abort"
)

// Vote is one stakeholder's input to an Arbitrated decision.
type Vote struct {
	Stakeholder string
	Approve     bool
}

// Action is a human's explicit response to a Countdown or Confirmed
// request. The three responses are not interchangeable: Skip and Cancel
// both decline the task, but the Confirmed tier routes them to different
// verdicts, and collapsing them into a single bool would make the
// Confirmed tier's Cancel-to-Abort path unreachable.
type Action string

const (
	ActionApprove Action = "Approve"
	ActionSkip    Action = "Skip"
	ActionCancel  Action = "Cancel"
)

// Input is a message addressed to one in-flight decision request. Engine
// matches it to a pending request by TaskID; a message whose Generation
// does not match the request's current generation is dropped with a
// warning rather than applied, closing the late-Confirm race described in
// the scheduling notes: a Confirmed response for a task that has already
// timed out or been answered once must never retroactively flip the
// verdict.
type Input struct {
	TaskID     string
	Generation uint64
	Action     Action // Countdown/Confirmed: the human's explicit response
	Vote       *Vote  // Arbitrated: one stakeholder vote
}

// Engine resolves permission decisions for tasks in one run.
type Engine struct {
	mu         sync.Mutex
	generation map[string]uint64 // taskID -> current generation
	waiters    map[string]chan Input
	logger     *slog.Logger

	confirmTimeout     time.Duration // default for Confirmed tier, default-to-Allow on expiry
	arbitrationTimeout time.Duration // deadline for Arbitrated tier votes
}

// Config configures an Engine.
type Config struct {
	Logger             *slog.Logger
	ConfirmTimeout     time.Duration // default 5m
	ArbitrationTimeout time.Duration // default 600s, per decision.arbitration_timeout_secs
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	arbTimeout := cfg.ArbitrationTimeout
	if arbTimeout <= 0 {
		arbTimeout = 600 * time.Second
	}
	return &Engine{
		generation:         make(map[string]uint64),
		waiters:            make(map[string]chan Input),
		logger:             logger,
		confirmTimeout:     timeout,
		arbitrationTimeout: arbTimeout,
	}
}

// SubmitInput delivers a human response to a pending decision request. It is
// dropped (with a logged warning) if no request for taskID is currently
// pending, or if its Generation is stale.
func (e *Engine) SubmitInput(in Input) {
	e.mu.Lock()
	curGen := e.generation[in.TaskID]
	ch, waiting := e.waiters[in.TaskID]
	e.mu.Unlock()

	if !waiting {
		e.logger.Warn("decision input dropped: no pending request", "task", in.TaskID)
		return
	}
	if in.Generation != curGen {
		e.logger.Warn("decision input dropped: stale generation", "task", in.TaskID, "got", in.Generation, "want", curGen)
		return
	}

	select {
	case ch <- in:
	default:
		e.logger.Warn("decision input dropped: channel full", "task", in.TaskID)
	}
}

// ProcessDecision resolves permission for a node's TaskLevel, blocking on
// human input where the tier demands it. retryRemaining is the Mechanical
// tier's current retry budget (decremented by the caller on Skip/Abort,
// not here).
func (e *Engine) ProcessDecision(ctx context.Context, runID string, perm dag.PermissionResult, taskID string) (Verdict, error) {
	switch perm.Kind {
	case dag.AutoApprove:
		return Allow, nil

	case dag.Countdown:
		return e.processCountdown(ctx, taskID, perm)

	case dag.NeedsConfirmation:
		return e.processConfirmed(ctx, taskID)

	case dag.NeedsArbitration:
		return e.processArbitrated(ctx, taskID, perm.Stakeholders)

	default:
		return Abort, fmt.Errorf("process decision %q: %w: unknown permission kind %q", taskID, ciserr.InvalidInput, perm.Kind)
	}
}

// openWaiter registers a new generation and input channel for taskID,
// returning the channel and a closer that unregisters it.
func (e *Engine) openWaiter(taskID string) (chan Input, func()) {
	e.mu.Lock()
	e.generation[taskID]++
	ch := make(chan Input, 4)
	e.waiters[taskID] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		delete(e.waiters, taskID)
		e.mu.Unlock()
	}
}

// processCountdown implements the Recommended tier: wait up to
// perm.Timeout seconds for a user override, otherwise apply the
// configured default action. ActionApprove means "execute now", ActionSkip
// and ActionCancel both short-circuit the countdown but resolve to their
// own verdicts rather than falling through to the default-action table.
func (e *Engine) processCountdown(ctx context.Context, taskID string, perm dag.PermissionResult) (Verdict, error) {
	ch, closeWaiter := e.openWaiter(taskID)
	defer closeWaiter()

	timer := time.NewTimer(time.Duration(perm.Timeout) * time.Second)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Abort, ctx.Err()
	case in := <-ch:
		switch in.Action {
		case ActionApprove:
			return Allow, nil
		case ActionSkip:
			return Skip, nil
		case ActionCancel:
			return Abort, nil
		default:
			return actionToVerdict(perm.DefaultAction), nil
		}
	case <-timer.C:
		return actionToVerdict(perm.DefaultAction), nil
	}
}

func actionToVerdict(a dag.RecommendedAction) Verdict {
	switch a {
	case dag.ActionExecute:
		return Allow
	case dag.ActionSkip:
		return Skip
	case dag.ActionAbort:
		return Abort
	default:
		return Skip
	}
}

// processConfirmed implements the Confirmed tier: block until the user
// answers or confirmTimeout elapses, at which point the default is Allow
// (per the spec's blocking-wait-with-default-timeout-allow rule). Confirm
// and Skip both decline without aborting the run; Cancel is the user
// explicitly calling off the task, which must reach Abort rather than the
// softer Skip.
func (e *Engine) processConfirmed(ctx context.Context, taskID string) (Verdict, error) {
	ch, closeWaiter := e.openWaiter(taskID)
	defer closeWaiter()

	timer := time.NewTimer(e.confirmTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Abort, ctx.Err()
	case in := <-ch:
		switch in.Action {
		case ActionApprove:
			return Allow, nil
		case ActionCancel:
			return Abort, nil
		default:
			return Skip, nil
		}
	case <-timer.C:
		return Allow, nil
	}
}

// processArbitrated implements the Arbitrated tier: collect a vote from
// every named stakeholder (in any order) and apply majority rule, ties
// resolving to Allow. It exits as soon as the outcome is mathematically
// settled rather than waiting on every stakeholder, and enforces
// arbitrationTimeout as the deadline for the remaining votes, applying
// the same majority rule to whatever votes arrived in time.
func (e *Engine) processArbitrated(ctx context.Context, taskID string, stakeholders []string) (Verdict, error) {
	if len(stakeholders) == 0 {
		return Allow, nil
	}
	ch, closeWaiter := e.openWaiter(taskID)
	defer closeWaiter()

	timer := time.NewTimer(e.arbitrationTimeout)
	defer timer.Stop()

	total := len(stakeholders)
	votes := make(map[string]bool)
	approve, reject := 0, 0

	for len(votes) < total {
		select {
		case <-ctx.Done():
			return Abort, ctx.Err()
		case in := <-ch:
			if in.Vote == nil {
				continue
			}
			if _, seen := votes[in.Vote.Stakeholder]; seen {
				continue
			}
			votes[in.Vote.Stakeholder] = in.Vote.Approve
			if in.Vote.Approve {
				approve++
			} else {
				reject++
			}

			remaining := total - len(votes)
			if approve >= reject+remaining {
				return Allow, nil
			}
			if reject > approve+remaining {
				return Abort, nil
			}
		case <-timer.C:
			if reject > approve {
				return Abort, nil
			}
			return Allow, nil
		}
	}

	if reject > approve {
		return Abort, nil
	}
	return Allow, nil
}
