// Package wasi implements the capability-based path and file-descriptor
// policy a skill's WASM module runs under: a whitelist of readable and
// writable directories, traversal and symlink-escape rejection, and an FD
// budget enforced by a guard the caller must close.
package wasi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/ciscore/cis/internal/ciserr"
)

// Access is the kind of access a path check is performed for.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExecute
)

// DefaultMaxFD is the default file-descriptor budget per skill invocation.
const DefaultMaxFD = 32

// DefaultMaxFileSize is the default per-file size quota (100MB).
const DefaultMaxFileSize = 100 * 1024 * 1024

// DefaultMaxSymlinkDepth bounds symlink-chain resolution during path checks.
const DefaultMaxSymlinkDepth = 8

// Policy is a capability-based sandbox: only paths added via AddReadonlyPath
// or AddWritablePath are ever resolvable, and every resolution rejects
// traversal and symlink escapes.
type Policy struct {
	readonlyPaths   map[string]bool
	writablePaths   map[string]bool
	maxFD           uint32
	maxFileSize     uint64
	allowSymlinks   bool
	maxSymlinkDepth int
	fdCount         atomic.Int32
}

// New returns a Policy with no paths whitelisted; AddReadonlyPath/
// AddWritablePath must be called before it will permit anything.
func New() *Policy {
	return &Policy{
		readonlyPaths:   make(map[string]bool),
		writablePaths:   make(map[string]bool),
		maxFD:           DefaultMaxFD,
		maxFileSize:     DefaultMaxFileSize,
		maxSymlinkDepth: DefaultMaxSymlinkDepth,
	}
}

// AddReadonlyPath whitelists a directory for read/execute access.
func (p *Policy) AddReadonlyPath(path string) *Policy {
	p.readonlyPaths[normalize(path)] = true
	return p
}

// AddWritablePath whitelists a directory for read/write/execute access.
func (p *Policy) AddWritablePath(path string) *Policy {
	p.writablePaths[normalize(path)] = true
	return p
}

// WithMaxFD overrides the file-descriptor budget.
func (p *Policy) WithMaxFD(n uint32) *Policy {
	p.maxFD = n
	return p
}

// WithMaxFileSize overrides the per-file size quota.
func (p *Policy) WithMaxFileSize(n uint64) *Policy {
	p.maxFileSize = n
	return p
}

// WithAllowSymlinks toggles whether symlinks are permitted at all (false by
// default: any symlink encountered during resolution is rejected unless its
// target also resolves inside the whitelist).
func (p *Policy) WithAllowSymlinks(allow bool) *Policy {
	p.allowSymlinks = allow
	return p
}

// WithMaxSymlinkDepth overrides the symlink resolution depth bound.
func (p *Policy) WithMaxSymlinkDepth(depth int) *Policy {
	p.maxSymlinkDepth = depth
	return p
}

// Validate checks the policy is internally consistent: at least one
// whitelisted path, and non-zero resource budgets.
func (p *Policy) Validate() error {
	if len(p.readonlyPaths) == 0 && len(p.writablePaths) == 0 {
		return fmt.Errorf("wasi policy: %w: no whitelisted paths", ciserr.InvalidInput)
	}
	if p.maxFD == 0 {
		return fmt.Errorf("wasi policy: %w: max_fd must be nonzero", ciserr.InvalidInput)
	}
	if p.maxFileSize == 0 {
		return fmt.Errorf("wasi policy: %w: max_file_size must be nonzero", ciserr.InvalidInput)
	}
	return nil
}

// ValidateFileSize rejects sizes over the configured quota.
func (p *Policy) ValidateFileSize(size uint64) error {
	if size > p.maxFileSize {
		return fmt.Errorf("wasi policy: %w: file size %d exceeds limit %d", ciserr.SandboxViolation, size, p.maxFileSize)
	}
	return nil
}

// ValidatePath checks a path against the whitelist for the given access
// kind, rejecting traversal sequences and symlink escapes. Returns the
// normalized absolute path on success.
func (p *Policy) ValidatePath(path string, access Access) (string, error) {
	if containsTraversal(path) {
		return "", &ciserr.SandboxViolationError{Path: path, Reason: "path traversal"}
	}

	normalized := normalize(path)

	if !p.allowSymlinks {
		if err := p.checkSymlinkChain(normalized, 0); err != nil {
			return "", err
		}
	}

	switch access {
	case AccessWrite:
		if !p.inWritable(normalized) {
			return "", &ciserr.SandboxViolationError{Path: normalized, Reason: "write access denied: not in writable whitelist"}
		}
	default: // Read, Execute
		if !p.inReadonly(normalized) && !p.inWritable(normalized) {
			return "", &ciserr.SandboxViolationError{Path: normalized, Reason: "access denied: not in whitelist"}
		}
	}

	return normalized, nil
}

// CreateSafePath joins sub onto base (which must itself be whitelisted) and
// re-validates the joined result, rejecting anything that escapes base.
func (p *Policy) CreateSafePath(base, sub string, access Access) (string, error) {
	if _, err := p.ValidatePath(base, access); err != nil {
		return "", err
	}

	full := filepath.Join(base, sub)
	normalizedFull := normalize(full)
	normalizedBase := normalize(base)

	if !strings.HasPrefix(normalizedFull, normalizedBase) {
		return "", &ciserr.SandboxViolationError{Path: full, Reason: "subpath escaped base directory"}
	}

	return p.ValidatePath(normalizedFull, access)
}

func (p *Policy) inReadonly(path string) bool {
	for allowed := range p.readonlyPaths {
		if hasPathPrefix(path, allowed) {
			return true
		}
	}
	return false
}

func (p *Policy) inWritable(path string) bool {
	for allowed := range p.writablePaths {
		if hasPathPrefix(path, allowed) {
			return true
		}
	}
	return false
}

func (p *Policy) checkSymlinkChain(path string, depth int) error {
	if depth > p.maxSymlinkDepth {
		return &ciserr.SandboxViolationError{Path: path, Reason: "symlink depth exceeds limit"}
	}

	info, err := os.Lstat(path)
	if err != nil {
		return nil // non-existent paths are validated against the whitelist only
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("wasi policy: %w: cannot read symlink %s: %v", ciserr.IoFailure, path, err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		normalizedTarget := normalize(target)
		if !p.inReadonly(normalizedTarget) && !p.inWritable(normalizedTarget) {
			return &ciserr.SandboxViolationError{Path: path, Reason: "symlink escapes sandbox: " + normalizedTarget}
		}
		return p.checkSymlinkChain(normalizedTarget, depth+1)
	}

	if parent := filepath.Dir(path); parent != path {
		return p.checkSymlinkChain(parent, depth)
	}
	return nil
}

// FDGuard represents one allocated file descriptor slot; Close releases it.
// Safe to call Close more than once.
type FDGuard struct {
	policy   *Policy
	released atomic.Bool
}

// TryAllocateFD claims one FD slot, returning an error if the budget is
// exhausted. The caller must Close the returned guard when done.
func (p *Policy) TryAllocateFD() (*FDGuard, error) {
	for {
		cur := p.fdCount.Load()
		if uint32(cur) >= p.maxFD {
			return nil, fmt.Errorf("wasi policy: %w: fd limit %d exceeded", ciserr.CapacityExceeded, p.maxFD)
		}
		if p.fdCount.CompareAndSwap(cur, cur+1) {
			return &FDGuard{policy: p}, nil
		}
	}
}

// Close releases the FD slot. Idempotent.
func (g *FDGuard) Close() {
	if g.released.CompareAndSwap(false, true) {
		g.policy.fdCount.Add(-1)
	}
}

// CurrentFDCount reports the number of currently allocated FD slots.
func (p *Policy) CurrentFDCount() uint32 {
	return uint32(p.fdCount.Load())
}

// IsSafeFilename reports whether filename is free of path separators and
// filesystem-hostile characters, and isn't "." or "..".
func IsSafeFilename(filename string) bool {
	if strings.ContainsAny(filename, `/\`) {
		return false
	}
	for _, ch := range []string{"\x00", "?", "*", ":", "<", ">", "|", `"`} {
		if strings.Contains(filename, ch) {
			return false
		}
	}
	return filename != "." && filename != ".."
}

func normalize(path string) string {
	abs := path
	if !filepath.IsAbs(abs) {
		if cwd, err := os.Getwd(); err == nil {
			abs = filepath.Join(cwd, abs)
		}
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return filepath.Clean(abs)
}

func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

func containsTraversal(path string) bool {
	if strings.Contains(path, "../") || strings.Contains(path, "..\\") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.HasPrefix(part, "..") && part != "" {
			return true
		}
	}
	return false
}
