// Package section implements the Section Assembler: it folds a lazily-ordered sequence of decoded Section
// records into a Module-under-construction, compiling every function body and initializer bytecode eagerly so
// that instantiation performs no further code generation.
package section

import (
	"fmt"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/wasm"
)

// RawGlobal is a global section entry before its initializer has been compiled.
type RawGlobal struct {
	Type GlobalType
	Init []ir.Inst
}

// GlobalType is a local alias kept distinct from wasm.GlobalType only to avoid importing wasm in decoder code
// that doesn't otherwise need it; the assembler converts 1:1.
type GlobalType = wasm.GlobalType

// RawElement is an element section entry before its offset expression has been compiled.
type RawElement struct {
	TableIndex uint32
	Offset     []ir.Inst
	Init       []uint32
}

// RawData is a data section entry before its offset expression has been compiled.
type RawData struct {
	MemoryIndex uint32
	Offset      []ir.Inst
	Init        []byte
}

// RawFuncBody is a code section entry before it has been compiled.
type RawFuncBody struct {
	Locals []api.ValueType
	Body   []ir.Inst
}

// Section is one decoded, structured record the decoder hands to the assembler. It is a closed set matching
// the Wasm MVP's section kinds (see spec.md §6); the decoder contract never invents a new variant.
type Section interface{ isSection() }

type TypesSection struct{ Types []*ir.FuncType }
type ImportsSection struct{ Imports []*wasm.Import }
type FunctionsSection struct{ TypeIndices []uint32 }
type TablesSection struct{ Tables []*wasm.TableType }
type MemoriesSection struct{ Memories []*wasm.MemoryType }
type GlobalsSection struct{ Globals []RawGlobal }
type ExportsSection struct{ Exports []*wasm.Export }
type StartSection struct{ FuncIndex uint32 }
type ElementsSection struct{ Elements []RawElement }
type CodeSection struct{ Bodies []RawFuncBody }
type DataSection struct{ Data []RawData }
type CustomSectionRecord struct {
	Name string
	Data []byte
}

func (TypesSection) isSection()        {}
func (ImportsSection) isSection()      {}
func (FunctionsSection) isSection()    {}
func (TablesSection) isSection()       {}
func (MemoriesSection) isSection()     {}
func (GlobalsSection) isSection()      {}
func (ExportsSection) isSection()      {}
func (StartSection) isSection()        {}
func (ElementsSection) isSection()     {}
func (CodeSection) isSection()         {}
func (DataSection) isSection()         {}
func (CustomSectionRecord) isSection() {}

// Backend is the compiler the assembler uses to turn structured instruction trees into compiled bodies. Both
// internal/hlc and internal/llc implement it; the assembler is oblivious to which.
type Backend interface {
	CompileFunc(sig *ir.FuncType, locals []api.ValueType, body []ir.Inst, funcs ir.FuncResolver) ([]byte, error)
	CompileConstExpr(expr []ir.Inst, funcs ir.FuncResolver) ([]byte, error)
	Kind() wasm.Backend
	ByteOrder() wasm.ByteOrder
}

// Assembler accumulates a section stream into a Module-under-construction. Each section kind is folded at
// most once, except Custom, which may repeat. Neither this assembler nor internal/wasmbin's decoder checks Wasm's
// per-spec section ordering.
type Assembler struct {
	types     []*ir.FuncType
	imports   []*wasm.Import
	functions []uint32
	tables    []*wasm.TableType
	memories  []*wasm.MemoryType
	globals   []RawGlobal
	exports   []*wasm.Export
	start     *uint32
	elements  []RawElement
	code      []RawFuncBody
	data      []RawData
	customs   []*wasm.CustomSection

	seenTypes, seenImports, seenFunctions, seenTables bool
	seenMemories, seenGlobals, seenExports, seenStart bool
	seenElements, seenCode, seenData                  bool
}

// New creates an empty Assembler.
func New() *Assembler { return &Assembler{} }

// Fold appends one decoded Section to the accumulator. It returns a *wasm.ValidationError if a non-Custom
// section kind is folded more than once.
func (a *Assembler) Fold(sec Section) error {
	switch s := sec.(type) {
	case TypesSection:
		if a.seenTypes {
			return dup("type")
		}
		a.seenTypes = true
		a.types = s.Types
	case ImportsSection:
		if a.seenImports {
			return dup("import")
		}
		a.seenImports = true
		a.imports = s.Imports
	case FunctionsSection:
		if a.seenFunctions {
			return dup("function")
		}
		a.seenFunctions = true
		a.functions = s.TypeIndices
	case TablesSection:
		if a.seenTables {
			return dup("table")
		}
		a.seenTables = true
		a.tables = s.Tables
	case MemoriesSection:
		if a.seenMemories {
			return dup("memory")
		}
		a.seenMemories = true
		a.memories = s.Memories
	case GlobalsSection:
		if a.seenGlobals {
			return dup("global")
		}
		a.seenGlobals = true
		a.globals = s.Globals
	case ExportsSection:
		if a.seenExports {
			return dup("export")
		}
		a.seenExports = true
		a.exports = s.Exports
	case StartSection:
		if a.seenStart {
			return dup("start")
		}
		a.seenStart = true
		idx := s.FuncIndex
		a.start = &idx
	case ElementsSection:
		if a.seenElements {
			return dup("element")
		}
		a.seenElements = true
		a.elements = s.Elements
	case CodeSection:
		if a.seenCode {
			return dup("code")
		}
		a.seenCode = true
		a.code = s.Bodies
	case DataSection:
		if a.seenData {
			return dup("data")
		}
		a.seenData = true
		a.data = s.Data
	case CustomSectionRecord:
		a.customs = append(a.customs, &wasm.CustomSection{Name: s.Name, Data: s.Data})
	default:
		return &wasm.ValidationError{Reason: fmt.Sprintf("unknown section record %T", sec)}
	}
	return nil
}

func dup(kind string) error {
	return &wasm.ValidationError{Reason: fmt.Sprintf("duplicate %s section", kind)}
}

// Finish compiles every accumulated function body and initializer bytecode through backend and returns the
// resulting immutable Module. After Finish, the Assembler must not be reused.
func (a *Assembler) Finish(backend Backend) (*wasm.Module, error) {
	if len(a.code) != len(a.functions) {
		return nil, &wasm.ValidationError{Reason: fmt.Sprintf(
			"function section declares %d functions but code section has %d bodies", len(a.functions), len(a.code))}
	}

	m := &wasm.Module{
		TypeSection:    a.types,
		ImportSection:  a.imports,
		TableSection:   a.tables,
		MemorySection:  a.memories,
		ExportSection:  a.exports,
		StartSection:   a.start,
		CustomSections: a.customs,
		Backend:        backend.Kind(),
		ByteOrder:      backend.ByteOrder(),
	}

	for _, imp := range a.imports {
		switch imp.Type {
		case api.ExternTypeFunc:
			m.ImportFuncCount++
		case api.ExternTypeTable:
			m.ImportTableCount++
		case api.ExternTypeMemory:
			m.ImportMemoryCount++
		case api.ExternTypeGlobal:
			m.ImportGlobalCount++
		}
	}

	resolver := &typeResolver{m: m}

	m.FunctionSection = a.functions
	m.CodeSection = make([]*wasm.CompiledFunction, len(a.code))
	for i, body := range a.code {
		typeIdx := a.functions[i]
		if int(typeIdx) >= len(a.types) {
			return nil, &wasm.ValidationError{Reason: fmt.Sprintf("function %d: type index %d out of range", i, typeIdx)}
		}
		sig := a.types[typeIdx]
		compiled, err := backend.CompileFunc(sig, body.Locals, body.Body, resolver)
		if err != nil {
			return nil, err
		}
		m.CodeSection[i] = &wasm.CompiledFunction{Type: sig, LocalTypes: body.Locals, Body: compiled}
	}

	m.GlobalSection = make([]*wasm.Global, len(a.globals))
	for i, g := range a.globals {
		init, err := backend.CompileConstExpr(g.Init, resolver)
		if err != nil {
			return nil, err
		}
		m.GlobalSection[i] = &wasm.Global{Type: g.Type, InitExpr: init}
	}

	m.ElementSection = make([]*wasm.ElementSegment, len(a.elements))
	for i, e := range a.elements {
		off, err := backend.CompileConstExpr(e.Offset, resolver)
		if err != nil {
			return nil, err
		}
		m.ElementSection[i] = &wasm.ElementSegment{TableIndex: e.TableIndex, OffsetExpr: off, Init: e.Init}
	}

	m.DataSection = make([]*wasm.DataSegment, len(a.data))
	for i, d := range a.data {
		off, err := backend.CompileConstExpr(d.Offset, resolver)
		if err != nil {
			return nil, err
		}
		m.DataSection[i] = &wasm.DataSegment{MemoryIndex: d.MemoryIndex, OffsetExpr: off, Init: d.Init}
	}

	return m, nil
}

// typeResolver implements ir.FuncResolver against a Module-under-construction. It is only valid once
// FunctionSection has been assigned (immediately before the CodeSection loop in Finish), since FunctionTypeIndex
// indexes into it.
type typeResolver struct{ m *wasm.Module }

func (r *typeResolver) FuncType(funcIdx uint32) (*ir.FuncType, error) { return r.m.FunctionType(funcIdx) }

func (r *typeResolver) TypeAt(typeIdx uint32) (*ir.FuncType, error) {
	if int(typeIdx) >= len(r.m.TypeSection) {
		return nil, fmt.Errorf("type index %d out of range", typeIdx)
	}
	return r.m.TypeSection[typeIdx], nil
}
