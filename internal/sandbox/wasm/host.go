package wasm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ciscore/cis/internal/audit"
	"github.com/ciscore/cis/internal/persistence"
	"github.com/ciscore/cis/internal/policy"
	"github.com/ciscore/cis/internal/sandbox/wasi"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// GC-SPEC-SKL-005: Deterministic fault reason codes for skill invocations.
const (
	FaultModuleNotFound = "WASM_MODULE_NOT_FOUND"
	FaultTimeout        = "WASM_TIMEOUT"
	FaultMemoryExceeded = "WASM_MEMORY_EXCEEDED"
	FaultNoExport       = "WASM_NO_EXPORT"
	FaultExecError      = "WASM_FAULT"
	FaultQuarantined    = "WASM_QUARANTINED" // GC-SPEC-SKL-007
)

// SkillFault is a structured error emitted by skill invocations (GC-SPEC-SKL-005).
type SkillFault struct {
	Reason string // one of the Fault* constants
	Module string
	Detail string
}

func (e *SkillFault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

// DefaultAggregateMemoryLimitPages is 640 pages = 40MB total across all modules.
const DefaultAggregateMemoryLimitPages uint32 = 640

// FaultMemoryExhausted is returned when aggregate WASM memory is exhausted.
const FaultMemoryExhausted = "WASM_HOST_MEMORY_EXHAUSTED"

// DefaultInvokeTimeout is the wall-clock limit for a single skill invocation.
const DefaultInvokeTimeout = 30 * time.Second

// MaxWasmModuleSize caps the size of any module accepted by validateWasmBytes.
const MaxWasmModuleSize = 100 * 1024 * 1024

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d} // "\0asm"
var wasmVersion1 = []byte{0x01, 0x00, 0x00, 0x00}

// ChatBrain is the minimal LLM abstraction a skill's host.ai.chat call is
// dispatched through. Satisfied structurally by engine.Brain without an
// import of internal/engine, which already imports this package.
type ChatBrain interface {
	Respond(ctx context.Context, sessionID, content string) (string, error)
}

type Config struct {
	Store    *persistence.Store
	Policy   policy.Checker
	Logger   *slog.Logger
	Brain    ChatBrain
	FSPolicy *wasi.Policy

	// GC-SPEC-SKL-005: Resource limits for WASM invocations.
	// MemoryLimitPages caps memory per module (1 page = 64KB). 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
	// AggregateMemoryLimitPages caps total memory across all loaded modules. 0 uses DefaultAggregateMemoryLimitPages.
	AggregateMemoryLimitPages uint32
	// InvokeTimeout caps wall-clock time per invocation. 0 uses DefaultInvokeTimeout.
	InvokeTimeout time.Duration
}

type Host struct {
	store    *persistence.Store
	policy   policy.Checker
	logger   *slog.Logger
	brain    ChatBrain
	fsPolicy *wasi.Policy

	runtime       wazero.Runtime
	invokeTimeout time.Duration

	hostFunctions map[string]struct{}

	modulesMu            sync.Mutex
	modules              map[string]api.Module
	moduleMemoryPages    map[string]uint32
	aggregateMemoryLimit uint32
}

func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}

	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	// GC-SPEC-SKL-005: Configure runtime with memory limits and context-driven
	// termination. CoreFeaturesV2 enables every finished-proposal feature
	// (SIMD, bulk-memory, reference-types, multi-value) while leaving
	// proposal-stage features (memory64, exception-handling, threads,
	// multi-memory) disabled, matching the original's validate_wasm flag set.
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true).
		WithCoreFeatures(api.CoreFeaturesV2)

	h := &Host{
		store:                cfg.Store,
		policy:               cfg.Policy,
		logger:               cfg.Logger,
		brain:                cfg.Brain,
		fsPolicy:             cfg.FSPolicy,
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout:        invokeTimeout,
		hostFunctions:        map[string]struct{}{},
		modules:              map[string]api.Module{},
		moduleMemoryPages:    map[string]uint32{},
		aggregateMemoryLimit: aggLimit,
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostHTTPGet).Export("host.http.get")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("host.log")
	builder.NewFunctionBuilder().WithFunc(h.hostKVSet).Export("host.kv.set")
	builder.NewFunctionBuilder().WithFunc(h.hostMemorySave).Export("host.memory.save")
	builder.NewFunctionBuilder().WithFunc(h.hostMemoryLoad).Export("host.memory.load")
	builder.NewFunctionBuilder().WithFunc(h.hostMemorySearch).Export("host.memory.search")
	builder.NewFunctionBuilder().WithFunc(h.hostAIChat).Export("host.ai.chat")
	builder.NewFunctionBuilder().WithFunc(h.hostStorageGet).Export("host.storage.get")
	builder.NewFunctionBuilder().WithFunc(h.hostStoragePut).Export("host.storage.put")
	builder.NewFunctionBuilder().WithFunc(h.hostStorageDelete).Export("host.storage.delete")
	builder.NewFunctionBuilder().WithFunc(h.hostFSRead).Export("host.fs.read")
	builder.NewFunctionBuilder().WithFunc(h.hostFSWrite).Export("host.fs.write")

	for _, name := range []string{
		"host.http.get", "host.log", "host.kv.set",
		"host.memory.save", "host.memory.load", "host.memory.search",
		"host.ai.chat", "host.storage.get", "host.storage.put", "host.storage.delete",
		"host.fs.read", "host.fs.write",
	} {
		h.hostFunctions[name] = struct{}{}
	}

	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

// validateWasmBytes checks the module header and size cap before it ever
// reaches the compiler, mirroring cis-core/src/wasm/runtime.rs's
// validate_wasm: reject anything over MaxWasmModuleSize or missing the
// "\0asm" magic / version-1 header up front, rather than letting wazero's
// own parser surface a less specific error.
func validateWasmBytes(wasmBytes []byte) error {
	if len(wasmBytes) > MaxWasmModuleSize {
		return fmt.Errorf("wasm module size %d exceeds limit %d", len(wasmBytes), MaxWasmModuleSize)
	}
	if len(wasmBytes) < 8 {
		return fmt.Errorf("wasm module too small to contain a header")
	}
	if !bytesEqual(wasmBytes[0:4], wasmMagic) {
		return fmt.Errorf("wasm module missing magic header")
	}
	if !bytesEqual(wasmBytes[4:8], wasmVersion1) {
		return fmt.Errorf("wasm module version not supported")
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (h *Host) HasHostFunction(name string) bool {
	_, ok := h.hostFunctions[name]
	return ok
}

func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, module := range h.modules {
		_ = module.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

func (h *Host) HasModule(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	_, ok := h.modules[name]
	return ok
}

// MemoryStats returns aggregate memory pages, per-module breakdown, and the configured limit.
func (h *Host) MemoryStats() (aggregatePages uint32, perModule map[string]uint32, limit uint32) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	perModule = make(map[string]uint32, len(h.moduleMemoryPages))
	for name, pages := range h.moduleMemoryPages {
		aggregatePages += pages
		perModule[name] = pages
	}
	limit = h.aggregateMemoryLimit
	return
}

func (h *Host) InvokeModuleRandom(ctx context.Context, moduleName string) (int32, error) {
	// GC-SPEC-SKL-007: Check quarantine before invocation.
	if h.store != nil {
		if quarantined, err := h.store.IsSkillQuarantined(ctx, moduleName); err == nil && quarantined {
			h.logger.Warn("skill quarantined, invocation denied", "module", moduleName)
			return 0, &SkillFault{Reason: FaultQuarantined, Module: moduleName, Detail: "skill quarantined due to repeated faults"}
		}
	}

	h.modulesMu.Lock()
	module, ok := h.modules[moduleName]
	h.modulesMu.Unlock()
	if !ok {
		return 0, &SkillFault{Reason: FaultModuleNotFound, Module: moduleName, Detail: "module not loaded"}
	}

	// GC-SPEC-SKL-005: Enforce per-invocation time limit.
	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	exports := []string{"random", "Random", "run", "main"}
	for _, fnName := range exports {
		fn := module.ExportedFunction(fnName)
		if fn == nil {
			continue
		}
		results, err := fn.Call(invokeCtx)
		if err != nil {
			if fault := classifyFault(moduleName, err); fault != nil {
				h.logger.Warn("skill invocation fault", "module", moduleName, "fn", fnName, "reason", fault.Reason)
				// GC-SPEC-SKL-007: Record fault and possibly quarantine.
				h.recordSkillFault(ctx, moduleName)
				return 0, fault
			}
			continue
		}
		if len(results) == 0 {
			return 0, nil
		}
		return int32(results[0]), nil
	}
	return 0, &SkillFault{Reason: FaultNoExport, Module: moduleName, Detail: "no callable random export found"}
}

// writeInputToGuest allocates dataLen bytes via the module's exported
// "alloc" function and writes data into guest memory at the returned
// pointer. Every skill ABI call (skill_on_event's event_type and data
// arguments) goes through this rather than the result-writing fallback in
// writeGuestResult, because an ABI argument has nowhere to fall back to: the
// guest must receive a real pointer or the call cannot proceed.
func writeInputToGuest(ctx context.Context, module api.Module, data []byte) (uint32, uint32, error) {
	dataLen := uint32(len(data))
	if dataLen == 0 {
		return 0, 0, nil
	}
	allocFn := module.ExportedFunction("alloc")
	if allocFn == nil {
		return 0, 0, fmt.Errorf("module does not export alloc")
	}
	results, err := allocFn.Call(ctx, uint64(dataLen))
	if err != nil || len(results) == 0 {
		return 0, 0, fmt.Errorf("alloc call failed: %w", err)
	}
	ptr := uint32(results[0])
	if !module.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("write to guest memory at %d failed", ptr)
	}
	return ptr, dataLen, nil
}

// InvokeSkillEvent drives a skill module through the event ABI: skill_init
// (if exported) once, skill_on_event with the event type and JSON-encoded
// data written into guest memory, then skill_shutdown (if exported).
// skill_on_event is expected to return two values, a pointer and a length
// into its own linear memory, holding the JSON-encoded result; wazero's
// multi-value support (enabled via CoreFeaturesV2) makes that a plain
// two-result export rather than a packed 64-bit return.
func (h *Host) InvokeSkillEvent(ctx context.Context, moduleName, eventType string, data []byte) ([]byte, error) {
	if h.store != nil {
		if quarantined, err := h.store.IsSkillQuarantined(ctx, moduleName); err == nil && quarantined {
			h.logger.Warn("skill quarantined, invocation denied", "module", moduleName)
			return nil, &SkillFault{Reason: FaultQuarantined, Module: moduleName, Detail: "skill quarantined due to repeated faults"}
		}
	}

	h.modulesMu.Lock()
	module, ok := h.modules[moduleName]
	h.modulesMu.Unlock()
	if !ok {
		return nil, &SkillFault{Reason: FaultModuleNotFound, Module: moduleName, Detail: "module not loaded"}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	if initFn := module.ExportedFunction("skill_init"); initFn != nil {
		if _, err := initFn.Call(invokeCtx); err != nil {
			if fault := classifyFault(moduleName, err); fault != nil {
				h.recordSkillFault(ctx, moduleName)
				return nil, fault
			}
		}
	}

	onEvent := module.ExportedFunction("skill_on_event")
	if onEvent == nil {
		return nil, &SkillFault{Reason: FaultNoExport, Module: moduleName, Detail: "no skill_on_event export found"}
	}

	eventPtr, eventLen, err := writeInputToGuest(invokeCtx, module, []byte(eventType))
	if err != nil {
		return nil, &SkillFault{Reason: FaultExecError, Module: moduleName, Detail: fmt.Sprintf("write event type: %v", err)}
	}
	dataPtr, dataLen, err := writeInputToGuest(invokeCtx, module, data)
	if err != nil {
		return nil, &SkillFault{Reason: FaultExecError, Module: moduleName, Detail: fmt.Sprintf("write event data: %v", err)}
	}

	results, err := onEvent.Call(invokeCtx, uint64(eventPtr), uint64(eventLen), uint64(dataPtr), uint64(dataLen))
	if err != nil {
		if fault := classifyFault(moduleName, err); fault != nil {
			h.logger.Warn("skill invocation fault", "module", moduleName, "fn", "skill_on_event", "reason", fault.Reason)
			h.recordSkillFault(ctx, moduleName)
			return nil, fault
		}
		return nil, fmt.Errorf("call skill_on_event: %w", err)
	}

	var resultBytes []byte
	if len(results) >= 2 {
		resultPtr, resultLen := uint32(results[0]), uint32(results[1])
		if resultLen > 0 {
			resultBytes, ok = module.Memory().Read(resultPtr, resultLen)
			if !ok {
				return nil, &SkillFault{Reason: FaultExecError, Module: moduleName, Detail: "failed to read skill_on_event result from guest memory"}
			}
		}
	}

	if shutdownFn := module.ExportedFunction("skill_shutdown"); shutdownFn != nil {
		if _, err := shutdownFn.Call(invokeCtx); err != nil {
			h.logger.Warn("skill_shutdown failed", "module", moduleName, "error", err)
		}
	}

	return resultBytes, nil
}

// recordSkillFault increments the fault counter and logs quarantine events (GC-SPEC-SKL-007).
func (h *Host) recordSkillFault(ctx context.Context, moduleName string) {
	if h.store == nil {
		return
	}
	quarantined, err := h.store.IncrementSkillFault(ctx, moduleName, 0)
	if err != nil {
		h.logger.Error("failed to record skill fault", "module", moduleName, "error", err)
		return
	}
	if quarantined {
		h.logger.Warn("skill auto-quarantined due to repeated faults", "module", moduleName)
		audit.Record("quarantine", "skill.invoke", "fault_threshold_exceeded", "", moduleName)
	}
}

// classifyFault maps a WASM execution error to a deterministic SkillFault (GC-SPEC-SKL-005).
func classifyFault(moduleName string, err error) *SkillFault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SkillFault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &SkillFault{Reason: FaultTimeout, Module: moduleName, Detail: "canceled"}
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &SkillFault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	errMsg := err.Error()
	if strings.Contains(errMsg, "memory") {
		return &SkillFault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: errMsg}
	}
	return &SkillFault{Reason: FaultExecError, Module: moduleName, Detail: errMsg}
}

func (h *Host) HTTPGet(ctx context.Context, rawURL string) (string, error) {
	if h.policy == nil || !h.policy.AllowCapability("wasm.http.get") {
		pv := ""
		if h.policy != nil {
			pv = h.policy.PolicyVersion()
		}
		audit.Record("deny", "wasm.http.get", "missing_capability", pv, rawURL)
		return "", fmt.Errorf("policy denied capability %q", "wasm.http.get")
	}
	audit.Record("allow", "wasm.http.get", "capability_granted", h.policy.PolicyVersion(), rawURL)
	if !h.policy.AllowHTTPURL(rawURL) {
		audit.Record("deny", "wasm.http.get", "url_denied", h.policy.PolicyVersion(), rawURL)
		return "", fmt.Errorf("policy denied host.http.get for url %q", rawURL)
	}
	audit.Record("allow", "wasm.http.get", "url_allowed", h.policy.PolicyVersion(), rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (h *Host) LoadModuleFromFile(ctx context.Context, srcPath string) error {
	wasmBytes, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	name := moduleNameFromPath(srcPath)
	return h.LoadModuleFromBytes(ctx, name, wasmBytes, srcPath)
}

func (h *Host) LoadModuleFromBytes(ctx context.Context, name string, wasmBytes []byte, source string) error {
	if err := validateWasmBytes(wasmBytes); err != nil {
		return fmt.Errorf("validate wasm module %s: %w", name, err)
	}

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}

	// Pre-check: estimate memory from compiled module's memory section.
	// Min() returns the initial page count declared in the module.
	var estimatedPages uint32
	for _, def := range compiled.ImportedMemories() {
		estimatedPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		estimatedPages += def.Min()
	}
	// Each module uses at least 1 page for tracking purposes.
	if estimatedPages == 0 {
		estimatedPages = 1
	}

	h.modulesMu.Lock()
	// Calculate current aggregate, excluding the module being replaced.
	var currentAggregate uint32
	for n, pages := range h.moduleMemoryPages {
		if n != name {
			currentAggregate += pages
		}
	}
	if currentAggregate+estimatedPages > h.aggregateMemoryLimit {
		h.modulesMu.Unlock()
		return &SkillFault{
			Reason: FaultMemoryExhausted,
			Module: name,
			Detail: fmt.Sprintf("WASM Host Memory Exhausted: aggregate=%d pages, new=%d pages, limit=%d pages",
				currentAggregate, estimatedPages, h.aggregateMemoryLimit),
		}
	}
	// Close existing module before instantiating replacement (wazero tracks names).
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}

	// Query actual memory pages after instantiation.
	// Use Grow(0) which safely returns current pages without overflow risk.
	actualPages := estimatedPages
	func() {
		defer func() { recover() }() // guard against nil memory interface
		if mem := module.Memory(); mem != nil {
			if pages, ok := mem.Grow(0); ok {
				actualPages = pages
			}
		}
	}()
	if actualPages == 0 {
		actualPages = 1
	}

	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	h.modules[name] = module
	h.moduleMemoryPages[name] = actualPages

	// Recalculate aggregate for logging.
	var aggregate uint32
	for _, pages := range h.moduleMemoryPages {
		aggregate += pages
	}
	h.logger.Info("wasm module loaded", "module", name, "path", source,
		"memory_pages", actualPages, "aggregate_pages", aggregate, "limit_pages", h.aggregateMemoryLimit)
	return nil
}

func moduleNameFromPath(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}

// readWASMString reads a string from WASM linear memory at the given pointer and length.
func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func (h *Host) hostHTTPGet(ctx context.Context, module api.Module, ptr uint32, length uint32) uint32 {
	rawURL, ok := readWASMString(module, ptr, length)
	if !ok {
		h.logger.Error("host.http.get: failed to read URL from wasm memory", "ptr", ptr, "len", length)
		return 0
	}

	body, err := h.HTTPGet(ctx, rawURL)
	if err != nil {
		h.logger.Error("host.http.get failed", "url", rawURL, "error", err)
		return 0
	}

	bodyBytes := []byte(body)
	bodyLen := uint32(len(bodyBytes))

	// Try to write body to guest memory via exported alloc function.
	allocFn := module.ExportedFunction("alloc")
	if allocFn != nil {
		results, err := allocFn.Call(ctx, uint64(bodyLen))
		if err == nil && len(results) > 0 {
			destPtr := uint32(results[0])
			if module.Memory().Write(destPtr, bodyBytes) {
				h.logger.Info("host.http.get: body written to guest memory", "url", rawURL, "body_len", bodyLen, "ptr", destPtr)
				return destPtr
			}
		}
		h.logger.Warn("host.http.get: alloc/write failed, falling back to KV store", "url", rawURL)
	}

	// Fallback: store body in KV store if guest doesn't export alloc.
	if h.store != nil {
		kvKey := fmt.Sprintf("http_response:%s:%d", rawURL, time.Now().UnixNano())
		if err := h.store.KVSet(ctx, kvKey, body); err != nil {
			h.logger.Error("host.http.get: KV store fallback failed", "url", rawURL, "error", err)
			return 0
		}
		h.logger.Info("host.http.get: body stored in KV", "url", rawURL, "key", kvKey, "body_len", bodyLen)
	}

	return bodyLen
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr uint32, levelLen uint32, msgPtr uint32, msgLen uint32) {
	level, ok := readWASMString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("host.log: failed to read message from wasm memory")
		return
	}

	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("wasm guest log", "msg", msg)
	case "warn":
		h.logger.Warn("wasm guest log", "msg", msg)
	case "debug":
		h.logger.Debug("wasm guest log", "msg", msg)
	default:
		h.logger.Info("wasm guest log", "msg", msg)
	}
}

func (h *Host) hostKVSet(ctx context.Context, module api.Module, keyPtr uint32, keyLen uint32, valPtr uint32, valLen uint32) uint32 {
	if h.policy == nil || !h.policy.AllowCapability("wasm.kv.set") {
		pv := ""
		if h.policy != nil {
			pv = h.policy.PolicyVersion()
		}
		audit.Record("deny", "wasm.kv.set", "missing_capability", pv, "")
		h.logger.Error("host.kv.set denied", "reason", "missing capability", "capability", "wasm.kv.set")
		return 0
	}
	audit.Record("allow", "wasm.kv.set", "capability_granted", h.policy.PolicyVersion(), "")
	key, ok := readWASMString(module, keyPtr, keyLen)
	if !ok {
		h.logger.Error("host.kv.set: failed to read key from wasm memory")
		return 0
	}
	val, ok := readWASMString(module, valPtr, valLen)
	if !ok {
		h.logger.Error("host.kv.set: failed to read value from wasm memory")
		return 0
	}

	if err := h.store.KVSet(ctx, key, val); err != nil {
		h.logger.Error("host.kv.set failed", "key", key, "error", err)
		return 0
	}
	h.logger.Info("host.kv.set completed", "key", key)
	return 1
}

// writeGuestResult writes result into the guest's exported "alloc" buffer
// if one exists, falling back to a KV-store entry the guest can fetch via
// host.storage.get with the returned key logged for it. Returns the pointer
// (or 0 on failure) written into guest memory, matching hostHTTPGet's
// original alloc/fallback shape.
func (h *Host) writeGuestResult(ctx context.Context, module api.Module, op, label, result string) uint32 {
	data := []byte(result)
	dataLen := uint32(len(data))

	if allocFn := module.ExportedFunction("alloc"); allocFn != nil {
		results, err := allocFn.Call(ctx, uint64(dataLen))
		if err == nil && len(results) > 0 {
			destPtr := uint32(results[0])
			if module.Memory().Write(destPtr, data) {
				return destPtr
			}
		}
		h.logger.Warn(op+": alloc/write failed, falling back to KV store", "label", label)
	}

	if h.store != nil {
		kvKey := fmt.Sprintf("%s_result:%s:%d", op, label, time.Now().UnixNano())
		if err := h.store.KVSet(ctx, kvKey, result); err != nil {
			h.logger.Error(op+": KV store fallback failed", "label", label, "error", err)
			return 0
		}
		h.logger.Info(op+": result stored in KV", "label", label, "key", kvKey, "len", dataLen)
	}
	return dataLen
}

// hostMemorySave persists a key/value fact scoped to the calling module,
// using the module's name as its agent identity in the memory store.
func (h *Host) hostMemorySave(ctx context.Context, module api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
	if h.policy == nil || !h.policy.AllowCapability("wasm.memory.save") {
		h.logger.Error("host.memory.save denied", "reason", "missing capability")
		return 0
	}
	key, ok := readWASMString(module, keyPtr, keyLen)
	if !ok {
		h.logger.Error("host.memory.save: failed to read key")
		return 0
	}
	val, ok := readWASMString(module, valPtr, valLen)
	if !ok {
		h.logger.Error("host.memory.save: failed to read value")
		return 0
	}
	if h.store == nil {
		return 0
	}
	if err := h.store.SetMemory(ctx, module.Name(), key, val, "wasm_skill"); err != nil {
		h.logger.Error("host.memory.save failed", "key", key, "error", err)
		return 0
	}
	return 1
}

// hostMemoryLoad loads a previously saved fact for the calling module and
// writes its value into guest memory.
func (h *Host) hostMemoryLoad(ctx context.Context, module api.Module, keyPtr, keyLen uint32) uint32 {
	key, ok := readWASMString(module, keyPtr, keyLen)
	if !ok {
		h.logger.Error("host.memory.load: failed to read key")
		return 0
	}
	if h.store == nil {
		return 0
	}
	mem, err := h.store.GetMemory(ctx, module.Name(), key)
	if err != nil {
		h.logger.Error("host.memory.load failed", "key", key, "error", err)
		return 0
	}
	return h.writeGuestResult(ctx, module, "host.memory.load", key, mem.Value)
}

// hostMemorySearch runs a substring search over the calling module's saved
// facts and writes a newline-joined "key: value" listing into guest memory.
func (h *Host) hostMemorySearch(ctx context.Context, module api.Module, queryPtr, queryLen uint32) uint32 {
	query, ok := readWASMString(module, queryPtr, queryLen)
	if !ok {
		h.logger.Error("host.memory.search: failed to read query")
		return 0
	}
	if h.store == nil {
		return 0
	}
	matches, err := h.store.SearchMemories(ctx, module.Name(), query)
	if err != nil {
		h.logger.Error("host.memory.search failed", "query", query, "error", err)
		return 0
	}
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		lines = append(lines, m.Key+": "+m.Value)
	}
	return h.writeGuestResult(ctx, module, "host.memory.search", query, strings.Join(lines, "\n"))
}

// hostAIChat routes a skill's chat request through the engine's LLM
// abstraction (wired in via Config.Brain) and writes the reply to guest
// memory.
func (h *Host) hostAIChat(ctx context.Context, module api.Module, sessionPtr, sessionLen, contentPtr, contentLen uint32) uint32 {
	if h.policy == nil || !h.policy.AllowCapability("wasm.ai.chat") {
		h.logger.Error("host.ai.chat denied", "reason", "missing capability")
		return 0
	}
	if h.brain == nil {
		h.logger.Error("host.ai.chat: no brain configured")
		return 0
	}
	sessionID, ok := readWASMString(module, sessionPtr, sessionLen)
	if !ok {
		h.logger.Error("host.ai.chat: failed to read session id")
		return 0
	}
	content, ok := readWASMString(module, contentPtr, contentLen)
	if !ok {
		h.logger.Error("host.ai.chat: failed to read content")
		return 0
	}
	reply, err := h.brain.Respond(ctx, sessionID, content)
	if err != nil {
		h.logger.Error("host.ai.chat failed", "session", sessionID, "error", err)
		return 0
	}
	return h.writeGuestResult(ctx, module, "host.ai.chat", sessionID, reply)
}

// hostStorageGet reads a raw key/value entry and writes it to guest memory.
func (h *Host) hostStorageGet(ctx context.Context, module api.Module, keyPtr, keyLen uint32) uint32 {
	key, ok := readWASMString(module, keyPtr, keyLen)
	if !ok {
		h.logger.Error("host.storage.get: failed to read key")
		return 0
	}
	if h.store == nil {
		return 0
	}
	val, err := h.store.KVGet(ctx, key)
	if err != nil {
		h.logger.Error("host.storage.get failed", "key", key, "error", err)
		return 0
	}
	return h.writeGuestResult(ctx, module, "host.storage.get", key, val)
}

// hostStoragePut sets a raw key/value entry.
func (h *Host) hostStoragePut(ctx context.Context, module api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
	if h.policy == nil || !h.policy.AllowCapability("wasm.storage.put") {
		h.logger.Error("host.storage.put denied", "reason", "missing capability")
		return 0
	}
	key, ok := readWASMString(module, keyPtr, keyLen)
	if !ok {
		h.logger.Error("host.storage.put: failed to read key")
		return 0
	}
	val, ok := readWASMString(module, valPtr, valLen)
	if !ok {
		h.logger.Error("host.storage.put: failed to read value")
		return 0
	}
	if h.store == nil {
		return 0
	}
	if err := h.store.KVSet(ctx, key, val); err != nil {
		h.logger.Error("host.storage.put failed", "key", key, "error", err)
		return 0
	}
	return 1
}

// hostStorageDelete removes a raw key/value entry.
func (h *Host) hostStorageDelete(ctx context.Context, module api.Module, keyPtr, keyLen uint32) uint32 {
	if h.policy == nil || !h.policy.AllowCapability("wasm.storage.delete") {
		h.logger.Error("host.storage.delete denied", "reason", "missing capability")
		return 0
	}
	key, ok := readWASMString(module, keyPtr, keyLen)
	if !ok {
		h.logger.Error("host.storage.delete: failed to read key")
		return 0
	}
	if h.store == nil {
		return 0
	}
	if err := h.store.KVDelete(ctx, key); err != nil {
		h.logger.Error("host.storage.delete failed", "key", key, "error", err)
		return 0
	}
	return 1
}

// hostFSRead reads a whitelisted file and writes its contents to guest
// memory. Every path is checked against fsPolicy before the filesystem is
// ever touched; a nil fsPolicy denies all filesystem access.
func (h *Host) hostFSRead(ctx context.Context, module api.Module, pathPtr, pathLen uint32) uint32 {
	path, ok := readWASMString(module, pathPtr, pathLen)
	if !ok {
		h.logger.Error("host.fs.read: failed to read path argument")
		return 0
	}
	if h.fsPolicy == nil {
		h.logger.Error("host.fs.read denied", "reason", "no filesystem policy configured", "path", path)
		return 0
	}
	safePath, err := h.fsPolicy.ValidatePath(path, wasi.AccessRead)
	if err != nil {
		h.logger.Error("host.fs.read denied", "path", path, "error", err)
		return 0
	}
	guard, err := h.fsPolicy.TryAllocateFD()
	if err != nil {
		h.logger.Error("host.fs.read: fd budget exceeded", "path", path, "error", err)
		return 0
	}
	defer guard.Close()

	info, err := os.Stat(safePath)
	if err != nil {
		h.logger.Error("host.fs.read: stat failed", "path", safePath, "error", err)
		return 0
	}
	if err := h.fsPolicy.ValidateFileSize(uint64(info.Size())); err != nil {
		h.logger.Error("host.fs.read denied", "path", safePath, "error", err)
		return 0
	}

	data, err := os.ReadFile(safePath)
	if err != nil {
		h.logger.Error("host.fs.read failed", "path", safePath, "error", err)
		return 0
	}
	return h.writeGuestResult(ctx, module, "host.fs.read", safePath, string(data))
}

// hostFSWrite writes to a whitelisted, writable file. Requires the
// "wasm.fs.write" capability in addition to fsPolicy's whitelist.
func (h *Host) hostFSWrite(ctx context.Context, module api.Module, pathPtr, pathLen, dataPtr, dataLen uint32) uint32 {
	if h.policy == nil || !h.policy.AllowCapability("wasm.fs.write") {
		h.logger.Error("host.fs.write denied", "reason", "missing capability")
		return 0
	}
	path, ok := readWASMString(module, pathPtr, pathLen)
	if !ok {
		h.logger.Error("host.fs.write: failed to read path argument")
		return 0
	}
	data, ok := readWASMString(module, dataPtr, dataLen)
	if !ok {
		h.logger.Error("host.fs.write: failed to read data argument")
		return 0
	}
	if h.fsPolicy == nil {
		h.logger.Error("host.fs.write denied", "reason", "no filesystem policy configured", "path", path)
		return 0
	}
	if err := h.fsPolicy.ValidateFileSize(uint64(len(data))); err != nil {
		h.logger.Error("host.fs.write denied", "path", path, "error", err)
		return 0
	}
	safePath, err := h.fsPolicy.ValidatePath(path, wasi.AccessWrite)
	if err != nil {
		h.logger.Error("host.fs.write denied", "path", path, "error", err)
		return 0
	}
	guard, err := h.fsPolicy.TryAllocateFD()
	if err != nil {
		h.logger.Error("host.fs.write: fd budget exceeded", "path", path, "error", err)
		return 0
	}
	defer guard.Close()

	if err := os.WriteFile(safePath, []byte(data), 0o644); err != nil {
		h.logger.Error("host.fs.write failed", "path", safePath, "error", err)
		return 0
	}
	return uint32(len(data))
}
