package instantiate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/hlc"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/wasm"
)

var addSig = &ir.FuncType{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}

func moduleImportingAdd() *wasm.Module {
	return &wasm.Module{
		TypeSection:     []*ir.FuncType{addSig},
		ImportSection:   []*wasm.Import{{Module: "env", Name: "add", Type: api.ExternTypeFunc, TypeIndex: 0}},
		ImportFuncCount: 1,
		Backend:         wasm.BackendHighLevel,
		ByteOrder:       wasm.ByteOrderBig,
	}
}

func TestInstantiateMissingImportIsLinkError(t *testing.T) {
	mod := moduleImportingAdd()
	_, err := Instantiate(context.Background(), mod, wasm.NewImports(), "m", Options{})
	var linkErr *wasm.LinkError
	require.ErrorAs(t, err, &linkErr)
	require.Equal(t, "env", linkErr.Module)
	require.Equal(t, "add", linkErr.Name)
}

func TestInstantiateSignatureMismatchIsLinkError(t *testing.T) {
	mod := moduleImportingAdd()
	imports := wasm.NewImports()
	wrongSig := &ir.FuncType{Results: []api.ValueType{api.ValueTypeI32}} // no params, doesn't match addSig
	imports.Define("env", "add", &wasm.ImportEntry{Function: &wasm.FunctionInstance{Type: wrongSig}})

	_, err := Instantiate(context.Background(), mod, imports, "m", Options{})
	var linkErr *wasm.LinkError
	require.ErrorAs(t, err, &linkErr)
}

func TestInstantiateLinksMatchingImport(t *testing.T) {
	mod := moduleImportingAdd()
	imports := wasm.NewImports()
	hostFn := &wasm.FunctionInstance{Type: addSig, DebugName: "env.add"}
	imports.Define("env", "add", &wasm.ImportEntry{Function: hostFn})

	inst, err := Instantiate(context.Background(), mod, imports, "m", Options{})
	require.NoError(t, err)
	require.Len(t, inst.Functions, 1)
	require.Same(t, hostFn, inst.Functions[0])
}

// TestInstantiateRunsStartFunction builds a module with a single defined function (no locals) declared as the
// start function, which stores 42 at memory address 0, and confirms instantiation invokes it by reading that
// byte back afterwards.
func TestInstantiateRunsStartFunction(t *testing.T) {
	sig := &ir.FuncType{}
	body, err := hlc.New().CompileFunc(sig, nil, []ir.Inst{
		{Op: ir.OpI32Const, I32: 0},
		{Op: ir.OpI32Const, I32: 42},
		{Op: ir.OpI32Store, Mem: ir.MemArg{Offset: 0}},
	}, nil)
	require.NoError(t, err)
	startIdx := uint32(0)
	mod := &wasm.Module{
		TypeSection:     []*ir.FuncType{sig},
		FunctionSection: []uint32{0},
		CodeSection:     []*wasm.CompiledFunction{{Type: sig, Body: body}},
		MemorySection:   []*wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		StartSection:    &startIdx,
		Backend:         wasm.BackendHighLevel,
		ByteOrder:       wasm.ByteOrderBig,
	}
	inst, err := Instantiate(context.Background(), mod, wasm.NewImports(), "m", Options{})
	require.NoError(t, err)
	require.Equal(t, byte(42), inst.Memory().Buffer[0], "the start function's store must be visible after instantiation")
}

func TestInstantiateMemoryCeilingCapsGrowth(t *testing.T) {
	mod := &wasm.Module{
		MemorySection: []*wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}, // no module-declared max
		Backend:       wasm.BackendHighLevel,
		ByteOrder:     wasm.ByteOrderBig,
	}
	inst, err := Instantiate(context.Background(), mod, wasm.NewImports(), "m", Options{MemoryCeiling: 1})
	require.NoError(t, err)
	mem := inst.Memory()
	_, ok := mem.Grow(1)
	require.False(t, ok, "growth beyond the engine-wide ceiling must fail even with no module-declared max")
}
