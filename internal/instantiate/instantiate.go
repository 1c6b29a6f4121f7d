// Package instantiate is the Instantiator: it links a compiled Module against host-provided Imports, allocates
// and initializes its memories/tables/globals, and invokes its start function (spec.md §4.4). Instantiation
// writes exclusively to the freshly allocated Instance it returns; nothing here mutates the Module.
package instantiate

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/interp/high"
	"github.com/gowazen/gowazen/internal/interp/low"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/wasm"
)

// Options carries the allocation choices spec.md §4.7 leaves to the engine facade's configuration.
type Options struct {
	// MemoryCeiling caps every memory's page count regardless of the module's own declared max (spec.md §2's
	// memory max pages option). Zero means no additional ceiling beyond what the module itself declares.
	MemoryCeiling uint32

	// CallDepthLimit bounds how deep a chain of nested Wasm calls may recurse before the engine traps with
	// TrapCallStackExhausted (spec.md §4.7's stack-size option). Zero selects wasm.DefaultCallDepthLimit; unlike
	// MemoryCeiling there is no way to request "unlimited", since that would let a runaway recursive export
	// crash the host process instead of surfacing a typed trap.
	CallDepthLimit uint32
}

// Instantiate links mod against imports under name, allocates its memories/tables/globals, runs its element and
// data segments, and invokes its start function if declared. On any failure it returns a non-nil error and a nil
// Instance; since nothing is published until every step succeeds, a partially built Instance is simply dropped
// and reclaimed by the garbage collector.
func Instantiate(ctx context.Context, mod *wasm.Module, imports *wasm.Imports, name string, opts Options) (*wasm.Instance, error) {
	callDepthLimit := opts.CallDepthLimit
	if callDepthLimit == 0 {
		callDepthLimit = wasm.DefaultCallDepthLimit
	}
	inst := &wasm.Instance{
		Module: mod, Name: name, Exports: map[string]*wasm.ExportInstance{}, CallDepthLimit: callDepthLimit,
	}

	if mod.Backend == wasm.BackendLowLevel {
		inst.Engine = low.New(inst)
	} else {
		inst.Engine = high.New(inst)
	}

	if err := linkImports(mod, imports, inst); err != nil {
		return nil, err
	}
	allocateMemories(mod, inst, opts)
	allocateTables(mod, inst)
	defineFunctions(mod, inst, name)

	if err := initGlobals(ctx, mod, inst); err != nil {
		return nil, err
	}
	if err := applyElements(ctx, mod, inst); err != nil {
		return nil, err
	}
	if err := applyData(ctx, mod, inst); err != nil {
		return nil, err
	}
	buildExports(mod, inst)

	if mod.StartSection != nil {
		start := inst.Functions[*mod.StartSection]
		if _, err := inst.Engine.Call(ctx, start, nil); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// linkImports walks mod's import descriptors in declared order, resolving each against imports and checking
// type compatibility (spec.md §4.4 step 1), appending the resolved entity to the matching per-kind index space
// on inst so that later steps (element/data segments, start, exports) can address it uniformly alongside this
// instance's own defined entities.
func linkImports(mod *wasm.Module, imports *wasm.Imports, inst *wasm.Instance) error {
	for _, imp := range mod.ImportSection {
		entry, ok := imports.Lookup(imp.Module, imp.Name)
		if !ok {
			return &wasm.LinkError{Module: imp.Module, Name: imp.Name, Reason: "not provided"}
		}
		switch imp.Type {
		case api.ExternTypeFunc:
			if entry.Function == nil {
				return &wasm.LinkError{Module: imp.Module, Name: imp.Name, Reason: "not a function"}
			}
			want := mod.TypeSection[imp.TypeIndex]
			if !entry.Function.Type.Equal(want) {
				return &wasm.LinkError{Module: imp.Module, Name: imp.Name, Reason: fmt.Sprintf(
					"function signature mismatch: want %s, have %s", want, entry.Function.Type)}
			}
			inst.Functions = append(inst.Functions, entry.Function)

		case api.ExternTypeTable:
			if entry.Table == nil {
				return &wasm.LinkError{Module: imp.Module, Name: imp.Name, Reason: "not a table"}
			}
			if err := checkLimits(entry.Table.Min, entry.Table.Max, imp.Table.Limits); err != nil {
				return &wasm.LinkError{Module: imp.Module, Name: imp.Name, Reason: err.Error()}
			}
			inst.Tables = append(inst.Tables, entry.Table)

		case api.ExternTypeMemory:
			if entry.Memory == nil {
				return &wasm.LinkError{Module: imp.Module, Name: imp.Name, Reason: "not a memory"}
			}
			if err := checkLimits(entry.Memory.Min, entry.Memory.Max, imp.Memory.Limits); err != nil {
				return &wasm.LinkError{Module: imp.Module, Name: imp.Name, Reason: err.Error()}
			}
			inst.Memories = append(inst.Memories, entry.Memory)

		case api.ExternTypeGlobal:
			if entry.Global == nil {
				return &wasm.LinkError{Module: imp.Module, Name: imp.Name, Reason: "not a global"}
			}
			if entry.Global.Type.ValType != imp.Global.ValType || entry.Global.Type.Mutable != imp.Global.Mutable {
				return &wasm.LinkError{Module: imp.Module, Name: imp.Name, Reason: "global type or mutability mismatch"}
			}
			inst.Globals = append(inst.Globals, entry.Global)
		}
	}
	return nil
}

// checkLimits enforces spec.md §4.4 step 1's table/memory rule: the host entity must be at least as large as
// required (host.Min >= required.Min) and, if the import declares a max, no less bounded than required
// (host.Max present and <= required.Max).
func checkLimits(hostMin uint32, hostMax *uint32, required wasm.Limits) error {
	if hostMin < required.Min {
		return errors.Errorf("minimum size %d is below the required %d", hostMin, required.Min)
	}
	if required.Max != nil {
		if hostMax == nil || *hostMax > *required.Max {
			return errors.Errorf("maximum size exceeds the required bound of %d", *required.Max)
		}
	}
	return nil
}

func allocateMemories(mod *wasm.Module, inst *wasm.Instance, opts Options) {
	for _, mt := range mod.MemorySection {
		inst.Memories = append(inst.Memories, &wasm.MemoryInstance{
			Buffer:  make([]byte, uint64(mt.Limits.Min)*wasm.PageSize),
			Min:     mt.Limits.Min,
			Max:     mt.Limits.Max,
			Ceiling: opts.MemoryCeiling,
		})
	}
}

func allocateTables(mod *wasm.Module, inst *wasm.Instance) {
	for _, tt := range mod.TableSection {
		inst.Tables = append(inst.Tables, &wasm.TableInstance{
			References: make([]*wasm.FunctionInstance, tt.Limits.Min),
			Min:        tt.Limits.Min,
			Max:        tt.Limits.Max,
		})
	}
}

func defineFunctions(mod *wasm.Module, inst *wasm.Instance, name string) {
	for i, code := range mod.CodeSection {
		idx := mod.ImportFuncCount + uint32(i)
		inst.Functions = append(inst.Functions, &wasm.FunctionInstance{
			Type:       code.Type,
			Owner:      inst,
			Body:       code.Body,
			LocalTypes: code.LocalTypes,
			DebugName:  fmt.Sprintf("%s.function[%d]", name, idx),
		})
	}
}

// initGlobals evaluates each defined global's initializer (spec.md §4.4 step 3). When it starts, only imported
// globals are on inst.Globals; each defined global is appended right after its own initializer runs, so an
// initializer's global.get instructions can reach the imported globals and any defined global declared before
// it, but never itself or a later one. The restriction is enforced by index-space ordering rather than a
// separate evaluator.
func initGlobals(ctx context.Context, mod *wasm.Module, inst *wasm.Instance) error {
	for _, g := range mod.GlobalSection {
		val, err := evalConstExpr(ctx, inst, g.InitExpr, g.Type.ValType)
		if err != nil {
			return err
		}
		inst.Globals = append(inst.Globals, &wasm.GlobalInstance{Type: g.Type, Val: val})
	}
	return nil
}

// applyElements evaluates each element segment's offset and writes its function indices into the target table
// (spec.md §4.4 step 4), trapping on an out-of-bounds write.
func applyElements(ctx context.Context, mod *wasm.Module, inst *wasm.Instance) error {
	for _, seg := range mod.ElementSection {
		offVal, err := evalConstExpr(ctx, inst, seg.OffsetExpr, api.ValueTypeI32)
		if err != nil {
			return err
		}
		off := uint32(int32(offVal))
		table := inst.Tables[seg.TableIndex]
		for j, funcIdx := range seg.Init {
			idx := off + uint32(j)
			if idx >= uint32(len(table.References)) {
				return wasm.NewTrap(wasm.TrapOutOfBoundsTableAccess, "element segment write out of range")
			}
			table.References[idx] = inst.Functions[funcIdx]
		}
	}
	return nil
}

// applyData evaluates each data segment's offset and copies its bytes into the target memory (spec.md §4.4 step
// 5), trapping on an out-of-bounds write.
func applyData(ctx context.Context, mod *wasm.Module, inst *wasm.Instance) error {
	for _, seg := range mod.DataSection {
		offVal, err := evalConstExpr(ctx, inst, seg.OffsetExpr, api.ValueTypeI32)
		if err != nil {
			return err
		}
		off := uint64(uint32(int32(offVal)))
		mem := inst.Memories[seg.MemoryIndex]
		end := off + uint64(len(seg.Init))
		if end > uint64(len(mem.Buffer)) {
			return wasm.NewTrap(wasm.TrapOutOfBoundsMemoryAccess, "data segment write out of range")
		}
		copy(mem.Buffer[off:end], seg.Init)
	}
	return nil
}

func buildExports(mod *wasm.Module, inst *wasm.Instance) {
	for _, exp := range mod.ExportSection {
		ei := &wasm.ExportInstance{Name: exp.Name, Type: exp.Type}
		switch exp.Type {
		case api.ExternTypeFunc:
			ei.Function = inst.Functions[exp.Index]
		case api.ExternTypeTable:
			ei.Table = inst.Tables[exp.Index]
		case api.ExternTypeMemory:
			ei.Memory = inst.Memories[exp.Index]
		case api.ExternTypeGlobal:
			ei.Global = inst.Globals[exp.Index]
		}
		inst.Exports[exp.Name] = ei
	}
}

// evalConstExpr runs a compiled constant initializer expression (global init, element/data offset) through
// inst's own engine, wrapped as a zero-local, zero-param function returning a single value of resultType. This
// reuses the exact back-end (internal/interp/high or internal/interp/low) the instance already executes defined
// functions with, rather than standing up a separate restricted evaluator.
func evalConstExpr(ctx context.Context, inst *wasm.Instance, expr []byte, resultType api.ValueType) (uint64, error) {
	fn := &wasm.FunctionInstance{
		Type:  &ir.FuncType{Results: []api.ValueType{resultType}},
		Owner: inst,
		Body:  expr,
	}
	results, err := inst.Engine.Call(ctx, fn, nil)
	if err != nil {
		return 0, err
	}
	return results[0], nil
}
