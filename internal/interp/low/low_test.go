package low

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/llc"
	"github.com/gowazen/gowazen/internal/wasm"
)

var addSig = &ir.FuncType{
	Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
	Results: []api.ValueType{api.ValueTypeI32},
}

// selfResolver resolves every index to sig, enough for the self-recursive calls these tests compile.
type selfResolver struct{ sig *ir.FuncType }

func (r selfResolver) FuncType(uint32) (*ir.FuncType, error) { return r.sig, nil }
func (r selfResolver) TypeAt(uint32) (*ir.FuncType, error)   { return r.sig, nil }

func compileLow(t *testing.T, order wasm.ByteOrder, sig *ir.FuncType, body []ir.Inst) []byte {
	t.Helper()
	b, err := llc.New(order).CompileFunc(sig, nil, body, selfResolver{sig})
	require.NoError(t, err)
	return b
}

func instanceWithFunc(t *testing.T, order wasm.ByteOrder, sig *ir.FuncType, body []ir.Inst, memPages uint32) (*wasm.Instance, *wasm.FunctionInstance) {
	t.Helper()
	inst := &wasm.Instance{
		Module: &wasm.Module{Backend: wasm.BackendLowLevel, ByteOrder: order},
	}
	if memPages > 0 {
		inst.Memories = []*wasm.MemoryInstance{{Buffer: make([]byte, memPages*wasm.PageSize), Min: memPages}}
	}
	m := New(inst)
	inst.Engine = m
	fn := &wasm.FunctionInstance{Type: sig, Owner: inst, Body: compileLow(t, order, sig, body)}
	inst.Functions = []*wasm.FunctionInstance{fn}
	return inst, fn
}

// TestMachineCallTrapsOnCallStackExhaustion mirrors the High-Level Interpreter's equivalent test: a
// self-recursive call that never terminates must trip TrapCallStackExhausted once Instance.CallDepthLimit is
// reached, rather than recursing through Go's call stack until the host process crashes.
func TestMachineCallTrapsOnCallStackExhaustion(t *testing.T) {
	sig := &ir.FuncType{}
	body := []ir.Inst{{Op: ir.OpCall, FuncIndex: 0}}
	inst, fn := instanceWithFunc(t, wasm.ByteOrderBig, sig, body, 0)
	inst.CallDepthLimit = 8

	_, err := fn.Owner.Engine.Call(context.Background(), fn, nil)
	var trap *wasm.TrapError
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapCallStackExhausted, trap.Kind)
}

func TestMachineCallAdd(t *testing.T) {
	for _, order := range []wasm.ByteOrder{wasm.ByteOrderBig, wasm.ByteOrderLittle, wasm.ByteOrderNative} {
		body := []ir.Inst{
			{Op: ir.OpLocalGet, Index: 0},
			{Op: ir.OpLocalGet, Index: 1},
			{Op: ir.OpI32Add},
		}
		_, fn := instanceWithFunc(t, order, addSig, body, 0)
		results, err := fn.Owner.Engine.Call(context.Background(), fn, []uint64{api.EncodeI32(7), api.EncodeI32(5)})
		require.NoError(t, err)
		require.Equal(t, int32(12), api.DecodeI32(results[0]))
	}
}

// TestMachineCallMemoryStoreThenLoad exercises the flat bytecode's load/store opcodes, whose immediates are
// encoded in the configured byte order while the memory buffer itself always stays little-endian.
func TestMachineCallMemoryStoreThenLoad(t *testing.T) {
	sig := &ir.FuncType{Results: []api.ValueType{api.ValueTypeI32}}
	body := []ir.Inst{
		{Op: ir.OpI32Const, I32: 8},
		{Op: ir.OpI32Const, I32: 99},
		{Op: ir.OpI32Store, Mem: ir.MemArg{Offset: 0}},
		{Op: ir.OpI32Const, I32: 4},
		{Op: ir.OpI32Load, Mem: ir.MemArg{Offset: 4}},
	}
	_, fn := instanceWithFunc(t, wasm.ByteOrderBig, sig, body, 1)
	results, err := fn.Owner.Engine.Call(context.Background(), fn, nil)
	require.NoError(t, err)
	require.Equal(t, int32(99), api.DecodeI32(results[0]))
}

func TestMachineCallTrapOnDivideByZero(t *testing.T) {
	sig := &ir.FuncType{Results: []api.ValueType{api.ValueTypeI32}}
	body := []ir.Inst{
		{Op: ir.OpI32Const, I32: 1},
		{Op: ir.OpI32Const, I32: 0},
		{Op: ir.OpI32DivS},
	}
	_, fn := instanceWithFunc(t, wasm.ByteOrderBig, sig, body, 0)

	_, err := fn.Owner.Engine.Call(context.Background(), fn, nil)
	var trap *wasm.TrapError
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapIntegerDivideByZero, trap.Kind)

	_, err = fn.Owner.Engine.Call(context.Background(), fn, nil)
	require.ErrorAs(t, err, &trap)
}

// TestMachineCallBrTableDispatchesToSelectedTarget exercises the already-fixed-up absolute jump targets
// internal/llc resolved at compile time, confirming the threaded dispatcher follows them without recomputing
// any depth/arity bookkeeping at run time.
func TestMachineCallBrTableDispatchesToSelectedTarget(t *testing.T) {
	sig := &ir.FuncType{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}
	body := []ir.Inst{
		{Op: ir.OpBlock, BlockType: ir.BlockTypeEmpty, Then: []ir.Inst{
			{Op: ir.OpBlock, BlockType: ir.BlockTypeEmpty, Then: []ir.Inst{
				{Op: ir.OpBlock, BlockType: ir.BlockTypeEmpty, Then: []ir.Inst{
					{Op: ir.OpLocalGet, Index: 0},
					{Op: ir.OpBrTable, Labels: []uint32{0, 1}, Default: 2},
				}},
				{Op: ir.OpI32Const, I32: 10}, {Op: ir.OpBr, Label: 2},
			}},
			{Op: ir.OpI32Const, I32: 20}, {Op: ir.OpBr, Label: 1},
		}},
		{Op: ir.OpI32Const, I32: 99},
	}
	_, fn := instanceWithFunc(t, wasm.ByteOrderBig, sig, body, 0)

	for sel, want := range map[int32]int32{0: 10, 1: 20, 5: 99} {
		results, err := fn.Owner.Engine.Call(context.Background(), fn, []uint64{api.EncodeI32(sel)})
		require.NoError(t, err)
		require.Equal(t, want, api.DecodeI32(results[0]), "selector %d", sel)
	}
}
