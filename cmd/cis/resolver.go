package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ciscore/cis/internal/executor"
	"github.com/ciscore/cis/internal/skillexec"
)

// taskDescriptor is the on-disk shape of one task's dispatch definition,
// loaded from <dir>/<task_id>.json. A task resolves either as an agent
// spawn (fields under the top level) or a skill invocation (fields under
// "skill"), matching whichever kind its dag.NodeKind was set to.
type taskDescriptor struct {
	BinaryPath string   `json:"binary_path"`
	SpawnArgs  []string `json:"spawn_args"`
	AgentType  string   `json:"agent_type"`
	Persistent bool     `json:"persistent"`

	Skill *skillDescriptor `json:"skill,omitempty"`
}

type skillDescriptor struct {
	Type       skillexec.Type `json:"type"`
	BinaryPath string         `json:"binary_path,omitempty"`
	WasmPath   string         `json:"wasm_path,omitempty"`
	WasmExport string         `json:"wasm_export,omitempty"`
}

// manifestResolver resolves both agent spawn specs and skill manifests
// from the same directory of per-task JSON descriptors, so a run spec's
// dag.json and its <task_id>.json dispatch files live side by side.
type manifestResolver struct {
	dir string
}

func newManifestResolver(dir string) *manifestResolver {
	return &manifestResolver{dir: dir}
}

func (r *manifestResolver) load(taskID string) (taskDescriptor, error) {
	var desc taskDescriptor
	path := filepath.Join(r.dir, taskID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return desc, fmt.Errorf("resolve task %q: %w", taskID, err)
	}
	if err := json.Unmarshal(data, &desc); err != nil {
		return desc, fmt.Errorf("resolve task %q: parse %s: %w", taskID, path, err)
	}
	return desc, nil
}

// Resolve satisfies executor.AgentResolver.
func (r *manifestResolver) Resolve(taskID string) (executor.AgentSpawnSpec, error) {
	desc, err := r.load(taskID)
	if err != nil {
		return executor.AgentSpawnSpec{}, err
	}
	return executor.AgentSpawnSpec{
		BinaryPath: desc.BinaryPath,
		SpawnArgs:  desc.SpawnArgs,
		AgentType:  desc.AgentType,
		Persistent: desc.Persistent,
	}, nil
}

// skillResolver adapts manifestResolver to skillexec.Resolver, whose
// Resolve signature returns a skillexec.Manifest rather than an
// executor.AgentSpawnSpec and so cannot share a method with it on the
// same type.
type skillResolver struct {
	*manifestResolver
}

func (r skillResolver) Resolve(name string) (skillexec.Manifest, error) {
	desc, err := r.load(name)
	if err != nil {
		return skillexec.Manifest{}, err
	}
	if desc.Skill == nil {
		return skillexec.Manifest{}, fmt.Errorf("resolve skill %q: no \"skill\" section in descriptor", name)
	}
	return skillexec.Manifest{
		Name:       name,
		Type:       desc.Skill.Type,
		BinaryPath: desc.Skill.BinaryPath,
		WasmPath:   desc.Skill.WasmPath,
		WasmExport: desc.Skill.WasmExport,
	}, nil
}
