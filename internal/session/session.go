// Package session implements one PTY-backed agent process: the state
// machine, bounded output ring, input sink, and blockage-detector hook
// described by the Session component. A Session is driven by its owning
// manager (internal/sessionmgr); it never reaches out to the DAG or
// scheduler directly.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/ciscore/cis/internal/ciserr"
)

// State is a SessionState value.
type State string

const (
	StateSpawning        State = "Spawning"
	StateIdle            State = "Idle"
	StateRunningDetached State = "RunningDetached"
	StateAttached        State = "Attached"
	StatePaused          State = "Paused"
	StateBlocked         State = "Blocked"
	StateCompleted       State = "Completed"
	StateFailed          State = "Failed"
	StateKilled          State = "Killed"
)

func isTerminal(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateKilled:
		return true
	default:
		return false
	}
}

// allowedTransitions enumerates the state machine from spec §4.2. The
// Attached variant carries a user, but for transition-legality purposes it
// is treated as a single state reachable from Idle and RunningDetached.
var allowedTransitions = map[State]map[State]bool{
	StateSpawning:        {StateIdle: true, StateRunningDetached: true},
	StateIdle:            {StateAttached: true, StatePaused: true, StateCompleted: true, StateFailed: true, StateKilled: true},
	StateAttached:        {StateIdle: true, StateRunningDetached: true},
	StateRunningDetached:  {StateAttached: true, StatePaused: true, StateBlocked: true, StateCompleted: true, StateFailed: true, StateKilled: true},
	StateBlocked:         {StateIdle: true, StateKilled: true},
	StatePaused:          {StateRunningDetached: true, StateKilled: true},
}

func canTransition(from, to State) bool {
	if isTerminal(from) {
		return false
	}
	m, ok := allowedTransitions[from]
	return ok && m[to]
}

// ID is a SessionId: structurally equal to another ID iff both fields match.
type ID struct {
	RunID  string
	TaskID string
}

// String renders "{dag_run_id}/{task_id}".
func (id ID) String() string {
	return id.RunID + "/" + id.TaskID
}

// Config holds construction-time parameters for a Session.
type Config struct {
	ID             ID
	AgentType      string
	BinaryPath     string
	SpawnArgs      []string
	WorkDir        string
	Prompt         string
	Persistent     bool
	MaxBufferLines int           // default 10000
	IdleTimeout    time.Duration // default 5s, only meaningful for Persistent
	Logger         *slog.Logger
}

// Session models one PTY-backed agent process.
type Session struct {
	id         ID
	agentType  string
	workDir    string
	createdAt  time.Time
	persistent bool
	maxLines   int
	idleTO     time.Duration
	logger     *slog.Logger

	mu             sync.RWMutex
	state          State
	attachedUser   string
	preAttachState State
	exitCode       int
	failErr        string

	ring     *ring
	pty      *ptyHandle
	lastIO   time.Time
	doneOnce sync.Once
	done     chan struct{}
}

type ptyHandle struct {
	cmd *exec.Cmd
	f   ptyFile
}

// ptyFile is the minimal surface of *os.File this package needs from the
// pty package, kept as an interface seam so tests can substitute a fake.
type ptyFile interface {
	io.Reader
	io.Writer
	io.Closer
}

// New constructs a Session in the Spawning state. Start must be called to
// actually spawn the child process.
func New(cfg Config) *Session {
	maxLines := cfg.MaxBufferLines
	if maxLines <= 0 {
		maxLines = 10000
	}
	idleTO := cfg.IdleTimeout
	if idleTO <= 0 {
		idleTO = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:         cfg.ID,
		agentType:  cfg.AgentType,
		workDir:    cfg.WorkDir,
		createdAt:  time.Now(),
		persistent: cfg.Persistent,
		maxLines:   maxLines,
		idleTO:     idleTO,
		logger:     logger,
		state:      StateSpawning,
		ring:       newRing(maxLines),
		done:       make(chan struct{}),
	}
}

// ID returns the session's identity.
func (s *Session) ID() ID { return s.id }

// GetState returns the current state under the session's own lock, never
// blocking on anything external.
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// transition performs a guarded state change. Callers hold no external lock;
// this method takes the session's write lock for the duration of the check
// and mutation only (never across I/O).
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return fmt.Errorf("session %s: %w: %s -> %s", s.id, ciserr.InvalidStateTransition, s.state, to)
	}
	s.state = to
	return nil
}

// Start spawns the agent binary in WorkDir, feeds it the initial prompt,
// and transitions Spawning -> Idle (or RunningDetached for a
// fire-and-forget agent type). The returned prompt write happens before
// Start returns so S4/S1 scenarios observe a fully-initialized session.
func (s *Session) Start(ctx context.Context, binaryPath string, spawnArgs []string, prompt string, cols, rows int) error {
	cmd := exec.CommandContext(ctx, binaryPath, spawnArgs...)
	cmd.Dir = s.workDir

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return fmt.Errorf("session %s: spawn: %w", s.id, ciserr.IoFailure)
	}

	s.mu.Lock()
	s.pty = &ptyHandle{cmd: cmd, f: f}
	s.lastIO = time.Now()
	s.mu.Unlock()

	go s.pumpOutput(f)

	if prompt != "" {
		if _, err := f.Write([]byte(prompt)); err != nil {
			s.logger.Warn("session initial prompt write failed", "session", s.id.String(), "err", err)
		}
	}

	next := StateIdle
	if !s.persistent {
		next = StateRunningDetached
	}
	return s.transition(next)
}

// pumpOutput reads PTY bytes, splits on newline, and appends lines to the
// ring buffer until the PTY closes (process exit) or Shutdown closes it
// first. It then classifies the exit and performs the terminal transition
// itself, matching the teacher's pattern of a single goroutine owning a
// child's lifecycle end-to-end.
func (s *Session) pumpOutput(f ptyFile) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		s.ring.push(line)
		s.lastIO = time.Now()
		s.mu.Unlock()
	}

	s.mu.Lock()
	cmd := s.pty.cmd
	s.mu.Unlock()

	err := cmd.Wait()
	s.doneOnce.Do(func() { close(s.done) })

	if err != nil {
		s.mu.Lock()
		s.failErr = err.Error()
		s.mu.Unlock()
		if terr := s.transition(StateFailed); terr != nil {
			s.logger.Warn("session failed-transition rejected", "session", s.id.String(), "err", terr)
		}
		return
	}

	s.mu.Lock()
	s.exitCode = cmd.ProcessState.ExitCode()
	s.mu.Unlock()
	if terr := s.transition(StateCompleted); terr != nil {
		s.logger.Warn("session completed-transition rejected", "session", s.id.String(), "err", terr)
	}
}

// SendInput appends bytes to the input sink. Fails only when the session is
// in a terminal state. The session never interprets the payload.
func (s *Session) SendInput(data []byte) error {
	s.mu.RLock()
	if isTerminal(s.state) {
		s.mu.RUnlock()
		return fmt.Errorf("session %s: %w: terminal state %s", s.id, ciserr.InvalidStateTransition, s.state)
	}
	f := s.pty
	s.mu.RUnlock()

	if f == nil {
		return fmt.Errorf("session %s: %w: not started", s.id, ciserr.InvalidStateTransition)
	}
	if _, err := f.f.Write(data); err != nil {
		return fmt.Errorf("session %s: send input: %w", s.id, ciserr.IoFailure)
	}
	s.mu.Lock()
	s.lastIO = time.Now()
	s.mu.Unlock()
	return nil
}

// TryReceiveOutput returns any newly produced output since the last call,
// or nil if none. Non-blocking.
func (s *Session) TryReceiveOutput() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.ring.drainNew()
	if len(out) == 0 {
		return nil
	}
	return []byte(strings.Join(out, "\n"))
}

// GetOutput returns the full concatenation of the ring buffer.
func (s *Session) GetOutput() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.Join(s.ring.lines(), "\n")
}

// CheckBlockage pattern-matches the tail of the ring against keywords,
// returning the first match. This is the only pattern-matching the core
// ever performs on agent output, and it is entirely configuration-driven.
func (s *Session) CheckBlockage(keywords []string) (string, bool) {
	s.mu.RLock()
	tail := s.ring.tail(50)
	s.mu.RUnlock()

	for _, line := range tail {
		lower := strings.ToLower(line)
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return kw, true
			}
		}
	}
	return "", false
}

// IdleFor reports how long since the last PTY I/O — used by the manager's
// idle-completion heuristic for persistent agent types.
func (s *Session) IdleFor() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastIO)
}

// MarkBlocked transitions to Blocked{reason}.
func (s *Session) MarkBlocked(reason string) error {
	if err := s.transition(StateBlocked); err != nil {
		return err
	}
	s.mu.Lock()
	s.failErr = reason
	s.mu.Unlock()
	return nil
}

// MarkRecovered transitions Blocked -> Idle.
func (s *Session) MarkRecovered() error {
	return s.transition(StateIdle)
}

// MarkIdle transitions RunningDetached -> Idle for a persistent agent whose
// output has gone quiet (the idle-completion heuristic). This does not kill
// the underlying process.
func (s *Session) MarkIdle() error {
	s.mu.Lock()
	cur := s.state
	s.mu.Unlock()
	if cur == StateRunningDetached {
		// Idle is not in allowedTransitions[RunningDetached] because the
		// general state machine models Idle as the resting state of a
		// not-yet-started or attached session; persistent-agent
		// idle-completion is a distinct, explicitly allowed shortcut.
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return nil
	}
	return s.transition(StateIdle)
}

// Attach marks the session attached to user. Fails if already attached by a
// different user.
func (s *Session) Attach(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachedUser != "" && s.attachedUser != user {
		return fmt.Errorf("session %s: %w: already attached to %s", s.id, ciserr.InvalidStateTransition, s.attachedUser)
	}
	if !canTransition(s.state, StateAttached) {
		return fmt.Errorf("session %s: %w: %s -> Attached", s.id, ciserr.InvalidStateTransition, s.state)
	}
	s.preAttachState = s.state
	s.attachedUser = user
	s.state = StateAttached
	return nil
}

// Detach clears the attached user and returns to whichever state the
// session was attached from: a persistent agent still running in the
// background goes back to RunningDetached, not Idle.
func (s *Session) Detach(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachedUser != user {
		return fmt.Errorf("session %s: %w: not attached to %s", s.id, ciserr.InvalidStateTransition, user)
	}
	s.attachedUser = ""
	if s.preAttachState == StateRunningDetached {
		s.state = StateRunningDetached
	} else {
		s.state = StateIdle
	}
	return nil
}

// Shutdown terminates the child, drains I/O, and transitions to Killed.
func (s *Session) Shutdown(reason string) error {
	s.mu.Lock()
	already := isTerminal(s.state)
	h := s.pty
	s.mu.Unlock()
	if already {
		return nil
	}

	if h != nil {
		_ = h.cmd.Process.Kill()
		_ = h.f.Close()
	}

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
	}

	s.mu.Lock()
	s.state = StateKilled
	s.failErr = reason
	s.mu.Unlock()
	return nil
}

// Wait blocks until the session reaches a terminal state or ctx is done.
func (s *Session) Wait(ctx context.Context) {
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// ExitInfo returns the final exit code (for Completed) or error (for
// Failed/Killed). Only meaningful once the session is terminal.
func (s *Session) ExitInfo() (exitCode int, errMsg string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode, s.failErr
}
