package wasm

import (
	"context"
	"reflect"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/ir"
)

// PageSize is the size, in bytes, of one unit of linear memory growth.
const PageSize = 65536

// DefaultCallDepthLimit is the call-depth ceiling applied when nothing more specific is configured (spec.md
// §4.7's stack-size option). It bounds how deep a chain of Wasm function calls may recurse before the engine
// traps with TrapCallStackExhausted, so a runaway recursive export fails predictably instead of overflowing the
// host's goroutine stack.
const DefaultCallDepthLimit = 8192

// FunctionInstance is a function in an Instance's function index space: either compiled from a Module's
// CodeSection, or a host function supplied through Imports.
type FunctionInstance struct {
	Type *ir.FuncType

	// Owner is the Instance this function belongs to; for an imported function this is the *exporting*
	// instance, not the importer, matching how Wasm function identity works across module boundaries.
	Owner *Instance

	// Body and LocalTypes are set for Wasm-defined functions; both are nil/empty for host functions.
	Body       []byte
	LocalTypes []api.ValueType

	// HostFn is set for host functions: either a GoFunction/GoModuleFunction wrapper or a reflect-based
	// function registered via HostFunctionBuilder.WithFunc.
	HostFn *HostFunction

	// DebugName is a human-readable "module.name" label for this function. Trap messages and CLI output do not
	// include it.
	DebugName string
}

// IsHost reports whether this function is implemented in Go rather than compiled from Wasm bytecode.
func (f *FunctionInstance) IsHost() bool { return f.HostFn != nil }

// HostFunction wraps the three ways a host can supply a function body, mirroring the three builder methods on
// HostFunctionBuilder (WithGoFunction, WithGoModuleFunction, WithFunc).
type HostFunction struct {
	Go       api.GoFunction
	GoModule api.GoModuleFunction
	Reflect  *reflect.Value // non-nil when defined via WithFunc; first param may be context.Context, second api.Module
}

// MemoryInstance is a linear memory allocated for an Instance.
type MemoryInstance struct {
	Buffer []byte
	Min    uint32  // pages
	Max    *uint32 // pages, nil means unbounded up to Ceiling

	// Ceiling is the engine-wide page limit from the active Config (spec.md §2's memory max pages option),
	// applied even when the module itself declares no Max.
	Ceiling uint32
}

// Size returns the current size in bytes.
func (m *MemoryInstance) Size() uint32 { return uint32(len(m.Buffer)) }

// PageCount returns the current size in pages.
func (m *MemoryInstance) PageCount() uint32 { return uint32(len(m.Buffer)) / PageSize }

// Grow implements "memory.grow": atomically increases the memory by delta pages, returning the previous page
// count, or ok=false (leaving the memory untouched) if the grow would exceed Max or Ceiling.
func (m *MemoryInstance) Grow(delta uint32) (previous uint32, ok bool) {
	previous = m.PageCount()
	newPages := previous + delta
	if newPages < previous { // overflow
		return previous, false
	}
	if m.Ceiling != 0 && newPages > m.Ceiling {
		return previous, false
	}
	if m.Max != nil && newPages > *m.Max {
		return previous, false
	}
	grown := make([]byte, newPages*PageSize)
	copy(grown, m.Buffer)
	m.Buffer = grown
	return previous, true
}

// TableInstance is a table of function references allocated for an Instance. A nil entry is the "null"
// reference; calling through it traps with TrapUninitializedElement.
type TableInstance struct {
	References []*FunctionInstance
	Min        uint32
	Max        *uint32
}

// Grow increases the table by delta elements, returning the previous length, or ok=false if doing so would
// exceed Max.
func (t *TableInstance) Grow(delta uint32) (previous uint32, ok bool) {
	previous = uint32(len(t.References))
	newLen := previous + delta
	if newLen < previous {
		return previous, false
	}
	if t.Max != nil && newLen > *t.Max {
		return previous, false
	}
	grown := make([]*FunctionInstance, newLen)
	copy(grown, t.References)
	t.References = grown
	return previous, true
}

// GlobalInstance is a single mutable-or-not global cell allocated for an Instance.
type GlobalInstance struct {
	Type GlobalType
	Val  uint64
}

// ExportInstance is one resolved export, looked up by name from an Instance.
type ExportInstance struct {
	Name string
	Type api.ExternType

	Function *FunctionInstance
	Memory   *MemoryInstance
	Table    *TableInstance
	Global   *GlobalInstance
}

// Instance is the live, linked result of instantiating a Module against a set of Imports. It owns its memory,
// table, and global storage exclusively; nothing else may mutate them concurrently while an invocation runs.
type Instance struct {
	Module *Module
	Name   string

	// Functions, Tables, Memories, Globals hold imported entries first, followed by this instance's own
	// defined entries, exactly mirroring the Wasm index-space convention the Module's FunctionTypeIndex and
	// friends rely on.
	Functions []*FunctionInstance
	Tables    []*TableInstance
	Memories  []*MemoryInstance
	Globals   []*GlobalInstance

	Exports map[string]*ExportInstance

	// Engine executes this instance's defined functions. It is set once, at the start of instantiation, to
	// whichever back-end (internal/interp/high or internal/interp/low) matches Module.Backend. Kept as an
	// interface here, rather than importing either interpreter package directly, so wasm stays a leaf
	// dependency both interpreters can build on without a cycle.
	Engine Engine

	// CallDepthLimit bounds how many nested Wasm function calls an invocation of this instance's functions may
	// make before the engine traps with TrapCallStackExhausted, rather than crashing the host process with a
	// native stack overflow. Zero means no limit is enforced, mirroring MemoryInstance.Ceiling's "zero means no
	// additional ceiling" convention; internal/instantiate always sets this to a safe nonzero value (defaulting
	// to DefaultCallDepthLimit) unless a caller explicitly configures otherwise.
	CallDepthLimit uint32
}

// Engine executes a compiled function against the Instance that owns it. internal/interp/high and
// internal/interp/low both implement this.
type Engine interface {
	Call(ctx context.Context, fn *FunctionInstance, args []uint64) ([]uint64, error)
}

// Memory returns the first memory defined or imported by this instance, or nil if it has none.
func (i *Instance) Memory() *MemoryInstance {
	if len(i.Memories) == 0 {
		return nil
	}
	return i.Memories[0]
}

// ExportedFunction looks up a function export by name.
func (i *Instance) ExportedFunction(name string) *FunctionInstance {
	if e, ok := i.Exports[name]; ok {
		return e.Function
	}
	return nil
}

// ExportedMemory looks up a memory export by name.
func (i *Instance) ExportedMemory(name string) *MemoryInstance {
	if e, ok := i.Exports[name]; ok {
		return e.Memory
	}
	return nil
}

// ExportedTable looks up a table export by name.
func (i *Instance) ExportedTable(name string) *TableInstance {
	if e, ok := i.Exports[name]; ok {
		return e.Table
	}
	return nil
}

// ExportedGlobal looks up a global export by name.
func (i *Instance) ExportedGlobal(name string) *GlobalInstance {
	if e, ok := i.Exports[name]; ok {
		return e.Global
	}
	return nil
}

// ImportKey addresses a host-provided entity by the (module, field) pair a Wasm import names.
type ImportKey struct {
	Module, Name string
}

// Imports is the keyed collection of host-provided functions, tables, memories, and globals a module links
// against. Exactly one of the four fields on a given entry is populated.
type Imports struct {
	entries map[ImportKey]*ImportEntry
}

// ImportEntry is one resolvable import target.
type ImportEntry struct {
	Function *FunctionInstance
	Table    *TableInstance
	Memory   *MemoryInstance
	Global   *GlobalInstance
}

// NewImports creates an empty Imports collection.
func NewImports() *Imports {
	return &Imports{entries: map[ImportKey]*ImportEntry{}}
}

// Define registers an entry under (module, name). A later Define for the same key replaces the earlier one.
func (im *Imports) Define(module, name string, entry *ImportEntry) {
	im.entries[ImportKey{module, name}] = entry
}

// Lookup resolves (module, name), returning ok=false if nothing was registered under that key.
func (im *Imports) Lookup(module, name string) (*ImportEntry, bool) {
	e, ok := im.entries[ImportKey{module, name}]
	return e, ok
}
