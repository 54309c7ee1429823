package dag

import (
	"encoding/json"
	"fmt"
)

// NodeSpec is the JSON/YAML-serializable description of one node, used to
// load a run's graph from a file rather than building it with AddNode
// calls in Go. The zero value for Level/Kind matches a Mechanical,
// agent-backed node, so a minimal spec only needs task_id and deps.
type NodeSpec struct {
	TaskID string   `json:"task_id"`
	Deps   []string `json:"deps,omitempty"`
	Kind   NodeKind `json:"kind,omitempty"`

	Level LevelSpec `json:"level,omitempty"`
}

// LevelSpec is the JSON-serializable form of TaskLevel.
type LevelSpec struct {
	Kind                LevelKind         `json:"kind,omitempty"`
	Retry               uint16            `json:"retry,omitempty"`
	DefaultAction       RecommendedAction `json:"default_action,omitempty"`
	RecommendedTimeout  uint16            `json:"recommended_timeout_secs,omitempty"`
	ArbitrationStakehld []string          `json:"arbitration_stakeholders,omitempty"`
}

func (s LevelSpec) toTaskLevel() TaskLevel {
	switch s.Kind {
	case LevelRecommended:
		return Recommended(s.DefaultAction, s.RecommendedTimeout)
	case LevelConfirmed:
		return Confirmed()
	case LevelArbitrated:
		return Arbitrated(s.ArbitrationStakehld)
	default:
		return Mechanical(s.Retry)
	}
}

// Spec is a whole run definition: an ordered node list (dependency order
// is not required, AddNode tolerates forward references resolved at
// Initialize time).
type Spec struct {
	Nodes []NodeSpec `json:"nodes"`
}

// LoadSpec parses a run definition and builds an initialized Model from
// it. Returns the built model or the first construction error encountered.
func LoadSpec(data []byte) (*Model, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse dag spec: %w", err)
	}

	m := New()
	for _, n := range spec.Nodes {
		if n.TaskID == "" {
			return nil, fmt.Errorf("parse dag spec: node missing task_id")
		}
		level := n.Level.toTaskLevel()
		if err := m.AddNodeWithLevel(n.TaskID, n.Deps, level); err != nil {
			return nil, fmt.Errorf("add node %q: %w", n.TaskID, err)
		}
		if n.Kind != "" && n.Kind != KindAgent {
			if err := m.SetNodeKind(n.TaskID, n.Kind); err != nil {
				return nil, fmt.Errorf("set node kind %q: %w", n.TaskID, err)
			}
		}
	}
	if err := m.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize dag: %w", err)
	}
	return m, nil
}
