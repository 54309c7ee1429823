// Package sessionmgr implements the Session Manager: a process-wide
// registry of Sessions with creation/kill/attach/detach, event broadcast,
// and a background blockage-scan loop.
//
// Deprecated: GlobalManager is a compatibility shim only. New code must
// receive a *Manager via dependency injection (constructor argument), never
// call GlobalManager from within the core.
package sessionmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ciscore/cis/internal/bus"
	"github.com/ciscore/cis/internal/ciserr"
	"github.com/ciscore/cis/internal/session"
)

// DefaultBlockageKeywords mirrors the original implementation's default
// keyword list for human-input prompts a coding agent might block on.
var DefaultBlockageKeywords = []string{
	"password:",
	"y/n",
	"yes/no",
	"merge conflict",
	"are you sure",
	"[sudo]",
}

// Config holds Manager construction parameters.
type Config struct {
	Bus                      *bus.Bus
	MaxSessions              int           // default 100
	BlockageCheckInterval    time.Duration // default 500ms
	BlockageKeywords         []string      // default DefaultBlockageKeywords
	IdleCompletionTimeout    time.Duration // default 5s
	Logger                   *slog.Logger
}

// Manager is the process-wide session registry.
type Manager struct {
	mu       sync.Mutex
	sessions map[session.ID]*session.Session
	byDag    map[string]map[session.ID]bool

	bus             *bus.Bus
	maxSessions     int
	checkInterval   time.Duration
	keywords        []string
	idleTimeout     time.Duration
	logger          *slog.Logger

	seq       int64 // monotonic broadcast sequence, guarded by mu

	shutdownCh chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

var (
	globalMu  sync.Mutex
	globalMgr *Manager
)

// GlobalManager returns the process-wide singleton, if one has been
// installed via SetGlobalManager.
//
// Deprecated: use dependency injection. Retained only as a compatibility
// shim for callers that predate this package's constructor-injection
// convention.
func GlobalManager() *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalMgr
}

// SetGlobalManager installs the process-wide singleton.
//
// Deprecated: see GlobalManager.
func SetGlobalManager(m *Manager) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMgr = m
}

// New constructs a Manager. Call Init to start the blockage-scan loop.
func New(cfg Config) *Manager {
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 100
	}
	interval := cfg.BlockageCheckInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	keywords := cfg.BlockageKeywords
	if keywords == nil {
		keywords = DefaultBlockageKeywords
	}
	idleTO := cfg.IdleCompletionTimeout
	if idleTO <= 0 {
		idleTO = 5 * time.Second
	}
	b := cfg.Bus
	if b == nil {
		b = bus.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:      make(map[session.ID]*session.Session),
		byDag:         make(map[string]map[session.ID]bool),
		bus:           b,
		maxSessions:   maxSessions,
		checkInterval: interval,
		keywords:      keywords,
		idleTimeout:   idleTO,
		logger:        logger,
		shutdownCh:    make(chan struct{}),
	}
}

// Init starts the background blockage-scan loop. Safe to call once.
func (m *Manager) Init(ctx context.Context) {
	m.wg.Add(1)
	go m.blockageScanLoop(ctx)
}

// Shutdown stops the blockage-scan loop and waits for it to exit.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.shutdownCh) })
	m.wg.Wait()
}

func (m *Manager) blockageScanLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdownCh:
			return
		case <-ticker.C:
			m.scanOnce()
		}
	}
}

func (m *Manager) scanOnce() {
	m.mu.Lock()
	candidates := make([]*session.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.GetState() == session.StateRunningDetached || sess.GetState() == session.StateAttached {
			candidates = append(candidates, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range candidates {
		if reason, hit := sess.CheckBlockage(m.keywords); hit {
			if err := sess.MarkBlocked(reason); err != nil {
				continue
			}
			m.broadcast(bus.TopicSessionBlocked, sess.ID(), bus.SessionEventPayload{Reason: reason})
			continue
		}
		if sess.GetState() == session.StateRunningDetached && sess.IdleFor() >= m.idleTimeout {
			// Idle-completion heuristic applies only to persistent agents;
			// MarkIdle is a no-op error for non-persistent sessions since
			// they reach Completed/Failed via process exit instead.
			_ = sess.MarkIdle()
		}
	}
}

func (m *Manager) nextSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

func (m *Manager) broadcast(topic string, id session.ID, payload bus.SessionEventPayload) {
	payload.RunID = id.RunID
	payload.TaskID = id.TaskID
	payload.Seq = m.nextSeq()
	payload.Timestamp = time.Now().UnixNano()
	m.bus.Publish(topic, payload)
}

// CreateSession creates and starts a new session. Fails with AlreadyExists
// if the id is already registered, CapacityExceeded if the registry is at
// capacity.
func (m *Manager) CreateSession(ctx context.Context, id session.ID, cfg session.Config, binaryPath string, spawnArgs []string, cols, rows int) (*session.Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("create session %s: %w", id, ciserr.AlreadyExists)
	}
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("create session %s: %w", id, ciserr.CapacityExceeded)
	}
	cfg.ID = id
	sess := session.New(cfg)
	m.sessions[id] = sess
	if m.byDag[id.RunID] == nil {
		m.byDag[id.RunID] = make(map[session.ID]bool)
	}
	m.byDag[id.RunID][id] = true
	m.mu.Unlock()

	if err := sess.Start(ctx, binaryPath, spawnArgs, cfg.Prompt, cols, rows); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		delete(m.byDag[id.RunID], id)
		m.mu.Unlock()
		return nil, fmt.Errorf("create session %s: start: %w", id, err)
	}

	m.broadcast(bus.TopicSessionCreated, id, bus.SessionEventPayload{})
	go m.awaitTerminal(sess)
	return sess, nil
}

// awaitTerminal watches a session for its terminal transition and
// broadcasts the corresponding event, then removes the entry from the
// registry — matching §4.2's "the manager removes the entry" contract.
func (m *Manager) awaitTerminal(sess *session.Session) {
	sess.Wait(context.Background())
	id := sess.ID()

	switch sess.GetState() {
	case session.StateCompleted:
		exitCode, _ := sess.ExitInfo()
		output := sess.GetOutput()
		m.broadcast(bus.TopicSessionCompleted, id, bus.SessionEventPayload{ExitCode: &exitCode, Output: output})
	case session.StateFailed:
		_, errMsg := sess.ExitInfo()
		m.broadcast(bus.TopicSessionFailed, id, bus.SessionEventPayload{Error: errMsg})
	case session.StateKilled:
		_, reason := sess.ExitInfo()
		m.broadcast(bus.TopicSessionKilled, id, bus.SessionEventPayload{Reason: reason})
	}

	m.mu.Lock()
	delete(m.sessions, id)
	if dagSet, ok := m.byDag[id.RunID]; ok {
		delete(dagSet, id)
		if len(dagSet) == 0 {
			delete(m.byDag, id.RunID)
		}
	}
	m.mu.Unlock()
}

// KillSession terminates one session.
func (m *Manager) KillSession(id session.ID, reason string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("kill session %s: %w", id, ciserr.NotFound)
	}
	return sess.Shutdown(reason)
}

// KillAllByDag kills every session belonging to a run and returns the count
// killed.
func (m *Manager) KillAllByDag(runID, reason string) int {
	m.mu.Lock()
	ids := make([]session.ID, 0, len(m.byDag[runID]))
	for id := range m.byDag[runID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.KillSession(id, reason)
	}
	return len(ids)
}

// ListSessions returns a summary of every registered session.
func (m *Manager) ListSessions() []session.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session.ID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// ListSessionsByDag returns a summary of sessions belonging to one run.
func (m *Manager) ListSessionsByDag(runID string) []session.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	dagSet := m.byDag[runID]
	out := make([]session.ID, 0, len(dagSet))
	for id := range dagSet {
		out = append(out, id)
	}
	return out
}

// ActiveCount returns the number of sessions currently registered for a run.
func (m *Manager) ActiveCount(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byDag[runID])
}

// SendInput delegates to the named session.
func (m *Manager) SendInput(id session.ID, data []byte) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	return sess.SendInput(data)
}

// GetOutput delegates to the named session.
func (m *Manager) GetOutput(id session.ID) (string, error) {
	sess, err := m.get(id)
	if err != nil {
		return "", err
	}
	return sess.GetOutput(), nil
}

// GetState delegates to the named session.
func (m *Manager) GetState(id session.ID) (session.State, error) {
	sess, err := m.get(id)
	if err != nil {
		return "", err
	}
	return sess.GetState(), nil
}

func (m *Manager) get(id session.ID) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ciserr.NotFound)
	}
	return sess, nil
}

// SubscribeEvents returns a bus subscription matching every session.* topic,
// buffered to 1024 events per spec's capacity requirement.
func (m *Manager) SubscribeEvents() *bus.Subscription {
	return m.bus.SubscribeWithBuffer("session.", 1024)
}

// Stats is a registry-wide snapshot.
type Stats struct {
	SessionCount int
	ByState      map[session.State]int
}

// Stats returns a point-in-time snapshot of the registry.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	byState := make(map[session.State]int)
	for _, sess := range sessions {
		byState[sess.GetState()]++
	}
	return Stats{SessionCount: len(sessions), ByState: byState}
}
