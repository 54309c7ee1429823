package wasm_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ciscore/cis/internal/persistence"
	"github.com/ciscore/cis/internal/policy"
	"github.com/ciscore/cis/internal/sandbox/wasm"
)

type stubBrain struct {
	reply string
	err   error
}

func (b stubBrain) Respond(ctx context.Context, sessionID, content string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return b.reply, nil
}

func TestHost_RegistersExtendedHostFunctions(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "cis.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	h, err := wasm.NewHost(context.Background(), wasm.Config{
		Store:  store,
		Policy: policy.Default(),
		Brain:  stubBrain{reply: "hello"},
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	for _, name := range []string{
		"host.memory.save", "host.memory.load", "host.memory.search",
		"host.ai.chat", "host.storage.get", "host.storage.put", "host.storage.delete",
		"host.fs.read", "host.fs.write",
	} {
		if !h.HasHostFunction(name) {
			t.Fatalf("missing host function: %s", name)
		}
	}
}

func TestHost_LoadModuleFromBytesRejectsOversized(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "cis.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	h, err := wasm.NewHost(context.Background(), wasm.Config{
		Store:  store,
		Policy: policy.Default(),
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer func() { _ = h.Close(context.Background()) }()

	oversized := make([]byte, wasm.MaxWasmModuleSize+1)
	copy(oversized, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})
	if err := h.LoadModuleFromBytes(context.Background(), "huge", oversized, "test"); err == nil {
		t.Fatal("expected oversized module to be rejected")
	}
}
