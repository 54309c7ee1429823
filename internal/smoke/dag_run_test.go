package smoke

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ciscore/cis/internal/contextstore"
	"github.com/ciscore/cis/internal/dag"
	"github.com/ciscore/cis/internal/decision"
	"github.com/ciscore/cis/internal/executor"
	"github.com/ciscore/cis/internal/persistence"
	"github.com/ciscore/cis/internal/scheduler"
	"github.com/ciscore/cis/internal/sessionmgr"
	"github.com/ciscore/cis/internal/skillexec"
)

// fanResolver spawns /bin/sh -c <script>, looking the script up by task id.
// Standing in for the on-disk manifestResolver that cmd/cis uses in
// production, exercising the same AgentResolver contract end to end.
type fanResolver struct {
	scripts map[string]string
}

func (r fanResolver) Resolve(taskID string) (executor.AgentSpawnSpec, error) {
	return executor.AgentSpawnSpec{
		BinaryPath: "/bin/sh",
		SpawnArgs:  []string{"-c", r.scripts[taskID]},
	}, nil
}

// catSkillResolver routes every skill node to /bin/cat, echoing its input
// context back out as the skill's result.
type catSkillResolver struct{}

func (catSkillResolver) Resolve(name string) (skillexec.Manifest, error) {
	return skillexec.Manifest{Name: name, Type: skillexec.TypeNative, BinaryPath: "/bin/cat"}, nil
}

// TestDAGRun_FanOutFanIn loads a run definition the way cis run does —
// from a JSON spec file, via dag.LoadSpec — rather than building the graph
// with AddNode calls, and drives it through the full scheduler/executor
// pipeline: two independent roots fan out from "start", a skill node waits
// on both, and a final agent node consumes the skill's output.
func TestDAGRun_FanOutFanIn(t *testing.T) {
	spec := []byte(`{
		"nodes": [
			{"task_id": "start"},
			{"task_id": "left", "deps": ["start"]},
			{"task_id": "right", "deps": ["start"]},
			{"task_id": "merge", "deps": ["left", "right"], "kind": "Skill"},
			{"task_id": "final", "deps": ["merge"]}
		]
	}`)

	model, err := dag.LoadSpec(spec)
	if err != nil {
		t.Fatalf("load spec: %v", err)
	}

	dbPath := filepath.Join(t.TempDir(), "cis.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cs := contextstore.New(store)
	sched := scheduler.New()
	runID, err := sched.CreateRun(model)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	sessions := sessionmgr.New(sessionmgr.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sessions.Init(ctx)
	defer sessions.Shutdown()

	resolver := fanResolver{scripts: map[string]string{
		"start": "echo start",
		"left":  "echo left",
		"right": "echo right",
		"final": "echo final",
	}}

	exec := executor.New(executor.Config{
		Scheduler:   sched,
		Sessions:    sessions,
		Decisions:   decision.New(decision.Config{}),
		Context:     cs,
		Resolver:    resolver,
		Skills:      skillexec.New(skillexec.Config{Decisions: decision.New(decision.Config{}), Resolver: catSkillResolver{}}),
		MaxWorkers:  4,
		MonitorPoll: 20 * time.Millisecond,
	})

	status, err := exec.RunToCompletion(ctx, runID)
	if err != nil {
		t.Fatalf("run to completion: %v", err)
	}
	if status != scheduler.RunCompleted {
		t.Fatalf("expected run to complete, got %s", status)
	}

	merged, err := cs.Load(ctx, runID, "merge")
	if err != nil {
		t.Fatalf("load merge context: %v", err)
	}
	for _, want := range []string{"left", "right"} {
		if !strings.Contains(merged, "task="+want) {
			t.Fatalf("expected merge context to include output from %q, got %q", want, merged)
		}
	}
}
