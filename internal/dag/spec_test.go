package dag

import "testing"

func TestLoadSpecLinear(t *testing.T) {
	data := []byte(`{
		"nodes": [
			{"task_id": "A"},
			{"task_id": "B", "deps": ["A"]},
			{"task_id": "C", "deps": ["A"], "kind": "Skill"}
		]
	}`)

	m, err := LoadSpec(data)
	if err != nil {
		t.Fatalf("load spec: %v", err)
	}

	ready := m.GetReadyTasks()
	if len(ready) != 1 || ready[0] != "A" {
		t.Fatalf("expected only A ready, got %v", ready)
	}

	c, err := m.Node("C")
	if err != nil {
		t.Fatal(err)
	}
	if c.Kind != KindSkill {
		t.Fatalf("expected C to be KindSkill, got %q", c.Kind)
	}
}

func TestLoadSpecMissingTaskID(t *testing.T) {
	data := []byte(`{"nodes": [{"deps": ["A"]}]}`)
	if _, err := LoadSpec(data); err == nil {
		t.Fatal("expected error for missing task_id")
	}
}

func TestLoadSpecRecommendedLevel(t *testing.T) {
	data := []byte(`{
		"nodes": [
			{"task_id": "A", "level": {"kind": "Recommended", "default_action": "Skip", "recommended_timeout_secs": 30}}
		]
	}`)
	m, err := LoadSpec(data)
	if err != nil {
		t.Fatalf("load spec: %v", err)
	}
	a, err := m.Node("A")
	if err != nil {
		t.Fatal(err)
	}
	if a.Level.Kind != LevelRecommended || a.Level.DefaultAction != ActionSkip || a.Level.RecommendedTimeout != 30 {
		t.Fatalf("unexpected level: %+v", a.Level)
	}
}

func TestLoadSpecInvalidJSON(t *testing.T) {
	if _, err := LoadSpec([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}
