// Package dag implements the graph of task nodes that a cluster run drives:
// status tracking, readiness computation, cycle detection, and the status
// transitions the cluster executor and decision engine call into.
package dag

import (
	"fmt"
	"sync"

	"github.com/ciscore/cis/internal/ciserr"
)

// Status is a DagNodeStatus value.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusReady     Status = "Ready"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusSkipped   Status = "Skipped"
	StatusDebt      Status = "Debt"
	StatusArbitrated Status = "Arbitrated"
)

// FailureType classifies whether a task's failure blocks downstream work.
type FailureType string

const (
	Ignorable FailureType = "Ignorable"
	Blocking  FailureType = "Blocking"
)

// LevelKind identifies which TaskLevel variant a node carries.
type LevelKind string

const (
	LevelMechanical  LevelKind = "Mechanical"
	LevelRecommended LevelKind = "Recommended"
	LevelConfirmed   LevelKind = "Confirmed"
	LevelArbitrated  LevelKind = "Arbitrated"
)

// RecommendedAction is the default action applied when a Recommended
// countdown expires without user input.
type RecommendedAction string

const (
	ActionExecute RecommendedAction = "Execute"
	ActionSkip    RecommendedAction = "Skip"
	ActionAbort   RecommendedAction = "Abort"
)

// TaskLevel is the sum type gating how a node transitions from Ready to
// Running. Exactly one of the level-specific fields is meaningful,
// determined by Kind.
type TaskLevel struct {
	Kind                LevelKind
	Retry               uint16            // Mechanical
	DefaultAction       RecommendedAction // Recommended
	RecommendedTimeout  uint16            // Recommended, seconds
	ArbitrationStakehld []string          // Arbitrated
}

// Mechanical builds a Mechanical TaskLevel.
func Mechanical(retry uint16) TaskLevel {
	return TaskLevel{Kind: LevelMechanical, Retry: retry}
}

// Recommended builds a Recommended TaskLevel.
func Recommended(action RecommendedAction, timeoutSecs uint16) TaskLevel {
	return TaskLevel{Kind: LevelRecommended, DefaultAction: action, RecommendedTimeout: timeoutSecs}
}

// Confirmed builds a Confirmed TaskLevel.
func Confirmed() TaskLevel {
	return TaskLevel{Kind: LevelConfirmed}
}

// Arbitrated builds an Arbitrated TaskLevel.
func Arbitrated(stakeholders []string) TaskLevel {
	return TaskLevel{Kind: LevelArbitrated, ArbitrationStakehld: stakeholders}
}

// NodeKind distinguishes what a ready node actually hands off to: an agent
// session (C3) or a skill invocation (C9). The zero value is KindAgent, so
// every existing AddNode/AddNodeWithLevel call site is unaffected.
type NodeKind string

const (
	KindAgent NodeKind = ""
	KindSkill NodeKind = "Skill"
)

// Node is one DagNode: identity, edges, level, kind, and live status.
type Node struct {
	TaskID       string
	Dependencies []string
	Level        TaskLevel
	Status       Status
	Kind         NodeKind
}

// DebtEntry is a recorded failure the run carries until explicit resolution.
type DebtEntry struct {
	TaskID      string
	RunID       string
	FailureType FailureType
	Error       string
	Resolved    bool
}

// PermissionKind is the verdict CheckTaskPermission returns, mirroring the
// four TaskLevel variants.
type PermissionKind string

const (
	AutoApprove       PermissionKind = "AutoApprove"
	Countdown         PermissionKind = "Countdown"
	NeedsConfirmation PermissionKind = "NeedsConfirmation"
	NeedsArbitration  PermissionKind = "NeedsArbitration"
)

// PermissionResult is what CheckTaskPermission returns for a node.
type PermissionResult struct {
	Kind          PermissionKind
	Timeout       uint16
	DefaultAction RecommendedAction
	Stakeholders  []string
}

// Model is a graph of nodes. Edges are immutable after Initialize(); only
// node status mutates thereafter. A Model is safe for concurrent use.
type Model struct {
	mu          sync.Mutex
	nodes       map[string]*Node
	order       []string // insertion order, for deterministic GetReadyTasks
	initialized bool
}

// New returns an empty Model.
func New() *Model {
	return &Model{nodes: make(map[string]*Node)}
}

// AddNode registers a node with no explicit level (defaults to Mechanical
// with zero retries).
func (m *Model) AddNode(taskID string, deps []string) error {
	return m.AddNodeWithLevel(taskID, deps, Mechanical(0))
}

// AddNodeWithLevel registers a node with an explicit TaskLevel. Must be
// called before Initialize.
func (m *Model) AddNodeWithLevel(taskID string, deps []string, level TaskLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return fmt.Errorf("add node %q: %w: graph already initialized", taskID, ciserr.InvalidStateTransition)
	}
	if _, exists := m.nodes[taskID]; exists {
		return fmt.Errorf("add node %q: %w", taskID, ciserr.DuplicateNode)
	}
	for _, d := range deps {
		if d == taskID {
			return fmt.Errorf("add node %q: %w", taskID, ciserr.SelfDependency)
		}
	}
	depsCopy := append([]string(nil), deps...)
	m.nodes[taskID] = &Node{
		TaskID:       taskID,
		Dependencies: depsCopy,
		Level:        level,
		Status:       StatusPending,
	}
	m.order = append(m.order, taskID)
	return nil
}

// SetNodeKind marks a node as backed by a skill invocation (C9) rather than
// an agent session (C3). Must be called before Initialize.
func (m *Model) SetNodeKind(taskID string, kind NodeKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return fmt.Errorf("set node kind %q: %w: graph already initialized", taskID, ciserr.InvalidStateTransition)
	}
	n, ok := m.nodes[taskID]
	if !ok {
		return fmt.Errorf("set node kind %q: %w", taskID, ciserr.NotFound)
	}
	n.Kind = kind
	return nil
}

// Initialize verifies acyclicity and marks every zero-dependency node Ready.
// No nodes or edges may be added afterward.
func (m *Model) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.nodes {
		for _, d := range n.Dependencies {
			if _, ok := m.nodes[d]; !ok {
				return fmt.Errorf("node %q depends on %q: %w", n.TaskID, d, ciserr.MissingDependency)
			}
		}
	}

	if _, err := m.topoSortLocked(); err != nil {
		return err
	}

	for _, id := range m.order {
		n := m.nodes[id]
		if len(n.Dependencies) == 0 {
			n.Status = StatusReady
		}
	}
	m.initialized = true
	return nil
}

// topoSortLocked returns nodes in dependency order or CycleDetected. Caller
// must hold m.mu.
func (m *Model) topoSortLocked() ([]string, error) {
	indegree := make(map[string]int, len(m.nodes))
	children := make(map[string][]string, len(m.nodes))
	for _, id := range m.order {
		indegree[id] = 0
	}
	for _, id := range m.order {
		for _, d := range m.nodes[id].Dependencies {
			indegree[id]++
			children[d] = append(children[d], id)
		}
	}

	var queue []string
	for _, id := range m.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, c := range children[id] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}

	if len(sorted) != len(m.nodes) {
		return nil, ciserr.CycleDetected
	}
	return sorted, nil
}

// GetReadyTasks returns node ids currently Ready, in insertion order.
func (m *Model) GetReadyTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, id := range m.order {
		if m.nodes[id].Status == StatusReady {
			out = append(out, id)
		}
	}
	return out
}

// Node returns a copy of a node's current state.
func (m *Model) Node(taskID string) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[taskID]
	if !ok {
		return Node{}, fmt.Errorf("node %q: %w", taskID, ciserr.NotFound)
	}
	return *n, nil
}

// Nodes returns a copy of every node, in insertion order.
func (m *Model) Nodes() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Node, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.nodes[id])
	}
	return out
}

// MarkRunning transitions Ready -> Running.
func (m *Model) MarkRunning(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[taskID]
	if !ok {
		return fmt.Errorf("mark running %q: %w", taskID, ciserr.NotFound)
	}
	if n.Status != StatusReady {
		return fmt.Errorf("mark running %q from %s: %w", taskID, n.Status, ciserr.InvalidStateTransition)
	}
	n.Status = StatusRunning
	return nil
}

// MarkCompleted transitions Running -> Completed and promotes any child
// whose dependencies are all Completed (or resolved-Ignorable-debt) to
// Ready. Returns the ids of newly-ready children.
func (m *Model) MarkCompleted(taskID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[taskID]
	if !ok {
		return nil, fmt.Errorf("mark completed %q: %w", taskID, ciserr.NotFound)
	}
	if n.Status != StatusRunning {
		return nil, fmt.Errorf("mark completed %q from %s: %w", taskID, n.Status, ciserr.InvalidStateTransition)
	}
	n.Status = StatusCompleted
	return m.recomputeReadinessLocked(), nil
}

// depSatisfiedLocked reports whether a dependency's status counts as
// "completed enough" for readiness purposes: Completed outright, or a
// resolved Ignorable debt (which MarkCompleted-on-resolve turns into
// Completed directly, so in practice this is just a Completed check, kept
// as a named helper because readiness monotonicity (invariant 2) hinges on
// this exact definition).
func depSatisfiedLocked(n *Node) bool {
	return n.Status == StatusCompleted
}

// recomputeReadinessLocked promotes every Pending node whose dependencies
// are all satisfied to Ready. Caller must hold m.mu.
func (m *Model) recomputeReadinessLocked() []string {
	var promoted []string
	for _, id := range m.order {
		n := m.nodes[id]
		if n.Status != StatusPending {
			continue
		}
		allSatisfied := true
		for _, d := range n.Dependencies {
			dep, ok := m.nodes[d]
			if !ok || !depSatisfiedLocked(dep) {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			n.Status = StatusReady
			promoted = append(promoted, id)
		}
	}
	return promoted
}

// descendantsLocked returns every transitive descendant of taskID. Caller
// must hold m.mu.
func (m *Model) descendantsLocked(taskID string) []string {
	children := make(map[string][]string, len(m.nodes))
	for _, id := range m.order {
		for _, d := range m.nodes[id].Dependencies {
			children[d] = append(children[d], id)
		}
	}

	seen := make(map[string]bool)
	var out []string
	var visit func(string)
	visit = func(id string) {
		for _, c := range children[id] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			visit(c)
		}
	}
	visit(taskID)
	return out
}

// MarkFailedWithType transitions Running -> Debt(kind). If kind is Blocking,
// every transitive descendant is marked Skipped; if Ignorable, none are.
func (m *Model) MarkFailedWithType(taskID string, kind FailureType, errMsg string) (DebtEntry, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[taskID]
	if !ok {
		return DebtEntry{}, nil, fmt.Errorf("mark failed %q: %w", taskID, ciserr.NotFound)
	}
	if n.Status != StatusRunning {
		return DebtEntry{}, nil, fmt.Errorf("mark failed %q from %s: %w", taskID, n.Status, ciserr.InvalidStateTransition)
	}
	n.Status = StatusDebt
	debt := DebtEntry{TaskID: taskID, FailureType: kind, Error: errMsg}

	var skipped []string
	if kind == Blocking {
		for _, d := range m.descendantsLocked(taskID) {
			dn := m.nodes[d]
			if dn.Status == StatusCompleted || dn.Status == StatusSkipped {
				continue
			}
			dn.Status = StatusSkipped
			skipped = append(skipped, d)
		}
	}
	return debt, skipped, nil
}

// MarkSkipped transitions any non-terminal node to Skipped.
func (m *Model) MarkSkipped(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[taskID]
	if !ok {
		return fmt.Errorf("mark skipped %q: %w", taskID, ciserr.NotFound)
	}
	if isTerminal(n.Status) {
		return fmt.Errorf("mark skipped %q from %s: %w", taskID, n.Status, ciserr.InvalidStateTransition)
	}
	n.Status = StatusSkipped
	return nil
}

// MarkArbitrated transitions Running -> Arbitrated.
func (m *Model) MarkArbitrated(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[taskID]
	if !ok {
		return fmt.Errorf("mark arbitrated %q: %w", taskID, ciserr.NotFound)
	}
	if n.Status != StatusRunning {
		return fmt.Errorf("mark arbitrated %q from %s: %w", taskID, n.Status, ciserr.InvalidStateTransition)
	}
	n.Status = StatusArbitrated
	return nil
}

// ResolveDebt resolves a Debt(_) node. With resume=true it becomes Completed
// and readiness is recomputed; with resume=false it becomes Failed and every
// descendant is marked Skipped. Returns newly-ready task ids (resume=true
// only).
func (m *Model) ResolveDebt(taskID string, resume bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[taskID]
	if !ok {
		return nil, fmt.Errorf("resolve debt %q: %w", taskID, ciserr.NotFound)
	}
	if n.Status != StatusDebt {
		return nil, fmt.Errorf("resolve debt %q from %s: %w", taskID, n.Status, ciserr.InvalidStateTransition)
	}

	if resume {
		n.Status = StatusCompleted
		return m.recomputeReadinessLocked(), nil
	}

	n.Status = StatusFailed
	for _, d := range m.descendantsLocked(taskID) {
		dn := m.nodes[d]
		if dn.Status == StatusCompleted || dn.Status == StatusSkipped {
			continue
		}
		dn.Status = StatusSkipped
	}
	return nil, nil
}

// CheckTaskPermission translates a node's TaskLevel into a PermissionResult.
func (m *Model) CheckTaskPermission(taskID string) (PermissionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[taskID]
	if !ok {
		return PermissionResult{}, fmt.Errorf("check permission %q: %w", taskID, ciserr.NotFound)
	}

	switch n.Level.Kind {
	case LevelMechanical:
		return PermissionResult{Kind: AutoApprove}, nil
	case LevelRecommended:
		return PermissionResult{
			Kind:          Countdown,
			Timeout:       n.Level.RecommendedTimeout,
			DefaultAction: n.Level.DefaultAction,
		}, nil
	case LevelConfirmed:
		return PermissionResult{Kind: NeedsConfirmation}, nil
	case LevelArbitrated:
		return PermissionResult{Kind: NeedsArbitration, Stakeholders: n.Level.ArbitrationStakehld}, nil
	default:
		return PermissionResult{}, fmt.Errorf("check permission %q: %w: unknown level kind %q", taskID, ciserr.InvalidInput, n.Level.Kind)
	}
}

func isTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// AllTerminal reports whether every node is in a terminal status
// (Completed, Failed, or Skipped) — Debt and Arbitrated are not terminal,
// they require explicit resolution.
func (m *Model) AllTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		if !isTerminal(m.nodes[id].Status) {
			return false
		}
	}
	return true
}
