// Package wasm holds the core data model described in the engine's specification: the assembled, immutable
// Module, its compiled function bodies, and the Instance that results from linking a Module against host
// imports. Nothing here performs code generation or interpretation; those live in internal/hlc, internal/llc,
// internal/interp, and internal/instantiate, all of which operate on the types defined in this package.
package wasm

import (
	"fmt"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/ir"
)

// Backend selects which of the two compiled-code shapes a Module's function bodies and initializer bytecodes
// were emitted in. Every body in a given Module uses the same Backend; the two are never mixed.
type Backend int

const (
	// BackendHighLevel bodies are a self-describing structured byte stream (internal/hlc), read by
	// internal/interp/high.
	BackendHighLevel Backend = iota
	// BackendLowLevel bodies are a flat stream of absolute jumps (internal/llc), read by internal/interp/low.
	BackendLowLevel
)

// ByteOrder selects how the low-level compiler (internal/llc) writes multi-byte immediates. Memory contents
// are always little-endian per the Wasm spec regardless of this setting; this only affects the *compiled
// instruction stream* itself, never memory.
type ByteOrder int

const (
	ByteOrderBig ByteOrder = iota
	ByteOrderLittle
	ByteOrderNative
)

// Limits bounds a table or memory's element/page count.
type Limits struct {
	Min uint32
	Max *uint32 // nil means unbounded (up to the implementation ceiling)
}

// TableType describes a table import or definition. Its element type is always funcref in the MVP (byte 0x70),
// so it is not stored; reference-types proposals that add more element kinds are out of scope.
type TableType struct {
	Limits Limits
}

// MemoryType describes a memory import or definition, in pages (65536 bytes each).
type MemoryType struct {
	Limits Limits
}

// GlobalType describes a global's value type and mutability.
type GlobalType struct {
	ValType api.ValueType
	Mutable bool
}

// Import is a single entry of the import section. Exactly one of Table/Memory/Global is non-nil, or
	// TypeIndex is meaningful, depending on Type.
type Import struct {
	Module, Name string
	Type         api.ExternType

	TypeIndex uint32 // valid when Type == api.ExternTypeFunc: index into the module's type section
	Table     *TableType
	Memory    *MemoryType
	Global    *GlobalType
}

// Export is a single entry of the export section.
type Export struct {
	Name  string
	Type  api.ExternType
	Index uint32 // index into the relevant index space (funcs, tables, mems, globals)
}

// Global is a defined (non-imported) global. InitExpr is the already-compiled constant initializer bytecode,
// in whichever Backend the owning Module uses.
type Global struct {
	Type     GlobalType
	InitExpr []byte
}

// ElementSegment initializes a slice of a table with function indices, evaluated in source-declared order
// during instantiation.
type ElementSegment struct {
	TableIndex uint32
	OffsetExpr []byte // compiled i32 constant expression
	Init       []uint32
}

// DataSegment initializes a slice of linear memory with raw bytes, evaluated in source-declared order during
// instantiation.
type DataSegment struct {
	MemoryIndex uint32
	OffsetExpr []byte // compiled i32 constant expression
	Init        []byte
}

// CustomSection is an opaque, name-addressed payload that the core never interprets.
type CustomSection struct {
	Name string
	Data []byte
}

// CompiledFunction is one defined function's signature, expanded local types, and compiled body.
//
// LocalTypes holds only the declared locals (not the parameters); a frame's full local array is
// params followed by LocalTypes, every declared local zero-initialized. Body's byte offsets are
// interpreted according to the owning Module's Backend: self-describing size prefixes for
// BackendHighLevel, or absolute byte offsets for BackendLowLevel.
type CompiledFunction struct {
	Type       *ir.FuncType
	LocalTypes []api.ValueType
	Body       []byte
}

// Module is the result of folding a decoded section stream (internal/section) and eagerly compiling every
// function body and initializer bytecode. It is immutable once built and may be instantiated any number of
// times, concurrently, without interference.
type Module struct {
	TypeSection []*ir.FuncType

	ImportSection []*Import
	// ImportFuncCount, etc. are the counts of ImportSection entries of each kind, precomputed so that function,
	// table, memory, and global index spaces (imports first, then defined) can be addressed without rescanning
	// ImportSection.
	ImportFuncCount, ImportTableCount, ImportMemoryCount, ImportGlobalCount uint32

	FunctionSection []uint32 // type index of each defined function, parallel to CodeSection
	CodeSection     []*CompiledFunction

	TableSection   []*TableType
	MemorySection  []*MemoryType
	GlobalSection  []*Global
	ExportSection  []*Export
	StartSection   *uint32
	ElementSection []*ElementSegment
	DataSection    []*DataSegment
	CustomSections []*CustomSection

	Backend   Backend
	ByteOrder ByteOrder
}

// FunctionTypeIndex returns the type index of the function at the given position in the function index space
// (imports first, then defined functions).
func (m *Module) FunctionTypeIndex(funcIdx uint32) (uint32, error) {
	if funcIdx < m.ImportFuncCount {
		imp := m.importedFuncAt(funcIdx)
		return imp.TypeIndex, nil
	}
	defined := funcIdx - m.ImportFuncCount
	if int(defined) >= len(m.FunctionSection) {
		return 0, fmt.Errorf("function index %d out of range", funcIdx)
	}
	return m.FunctionSection[defined], nil
}

// FunctionType resolves the *ir.FuncType of the function at the given index.
func (m *Module) FunctionType(funcIdx uint32) (*ir.FuncType, error) {
	typeIdx, err := m.FunctionTypeIndex(funcIdx)
	if err != nil {
		return nil, err
	}
	if int(typeIdx) >= len(m.TypeSection) {
		return nil, fmt.Errorf("type index %d out of range", typeIdx)
	}
	return m.TypeSection[typeIdx], nil
}

func (m *Module) importedFuncAt(idx uint32) *Import {
	var seen uint32
	for _, imp := range m.ImportSection {
		if imp.Type != api.ExternTypeFunc {
			continue
		}
		if seen == idx {
			return imp
		}
		seen++
	}
	return nil
}

// ImportedFuncs returns, in order, the Import entries that declare a function.
func (m *Module) ImportedFuncs() []*Import {
	out := make([]*Import, 0, m.ImportFuncCount)
	for _, imp := range m.ImportSection {
		if imp.Type == api.ExternTypeFunc {
			out = append(out, imp)
		}
	}
	return out
}

// ImportedTables returns, in order, the Import entries that declare a table.
func (m *Module) ImportedTables() []*Import {
	out := make([]*Import, 0, m.ImportTableCount)
	for _, imp := range m.ImportSection {
		if imp.Type == api.ExternTypeTable {
			out = append(out, imp)
		}
	}
	return out
}

// ImportedMemories returns, in order, the Import entries that declare a memory.
func (m *Module) ImportedMemories() []*Import {
	out := make([]*Import, 0, m.ImportMemoryCount)
	for _, imp := range m.ImportSection {
		if imp.Type == api.ExternTypeMemory {
			out = append(out, imp)
		}
	}
	return out
}

// ImportedGlobals returns, in order, the Import entries that declare a global.
func (m *Module) ImportedGlobals() []*Import {
	out := make([]*Import, 0, m.ImportGlobalCount)
	for _, imp := range m.ImportSection {
		if imp.Type == api.ExternTypeGlobal {
			out = append(out, imp)
		}
	}
	return out
}
