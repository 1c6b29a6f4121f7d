package high

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/hlc"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/wasm"
)

var addSig = &ir.FuncType{
	Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
	Results: []api.ValueType{api.ValueTypeI32},
}

func compileHigh(t *testing.T, sig *ir.FuncType, body []ir.Inst) []byte {
	t.Helper()
	b, err := hlc.New().CompileFunc(sig, nil, body, nil)
	require.NoError(t, err)
	return b
}

func instanceWithFunc(t *testing.T, sig *ir.FuncType, body []ir.Inst, memPages uint32) (*wasm.Instance, *wasm.FunctionInstance) {
	t.Helper()
	inst := &wasm.Instance{
		Module: &wasm.Module{Backend: wasm.BackendHighLevel, ByteOrder: wasm.ByteOrderBig},
	}
	if memPages > 0 {
		inst.Memories = []*wasm.MemoryInstance{{Buffer: make([]byte, memPages*wasm.PageSize), Min: memPages}}
	}
	m := New(inst)
	inst.Engine = m
	fn := &wasm.FunctionInstance{Type: sig, Owner: inst, Body: compileHigh(t, sig, body)}
	inst.Functions = []*wasm.FunctionInstance{fn}
	return inst, fn
}

// TestMachineCallTrapsOnCallStackExhaustion confirms a self-recursive function that never terminates trips
// TrapCallStackExhausted once Instance.CallDepthLimit is reached, rather than recursing through Go's call stack
// until the host process crashes.
func TestMachineCallTrapsOnCallStackExhaustion(t *testing.T) {
	sig := &ir.FuncType{}
	body := []ir.Inst{{Op: ir.OpCall, FuncIndex: 0}}
	inst, fn := instanceWithFunc(t, sig, body, 0)
	inst.CallDepthLimit = 8

	_, err := fn.Owner.Engine.Call(context.Background(), fn, nil)
	var trap *wasm.TrapError
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapCallStackExhausted, trap.Kind)
}

func TestMachineCallAdd(t *testing.T) {
	body := []ir.Inst{
		{Op: ir.OpLocalGet, Index: 0},
		{Op: ir.OpLocalGet, Index: 1},
		{Op: ir.OpI32Add},
	}
	_, fn := instanceWithFunc(t, addSig, body, 0)
	results, err := fn.Owner.Engine.Call(context.Background(), fn, []uint64{api.EncodeI32(7), api.EncodeI32(5)})
	require.NoError(t, err)
	require.Equal(t, int32(12), api.DecodeI32(results[0]))
}

// TestMachineCallMemoryStoreThenLoad exercises the load/store opcodes against a live MemoryInstance, confirming
// effective address computation (addr + static offset) round-trips a value.
func TestMachineCallMemoryStoreThenLoad(t *testing.T) {
	sig := &ir.FuncType{Results: []api.ValueType{api.ValueTypeI32}}
	body := []ir.Inst{
		{Op: ir.OpI32Const, I32: 8},
		{Op: ir.OpI32Const, I32: 99},
		{Op: ir.OpI32Store, Mem: ir.MemArg{Offset: 0}},
		{Op: ir.OpI32Const, I32: 4},
		{Op: ir.OpI32Load, Mem: ir.MemArg{Offset: 4}},
	}
	_, fn := instanceWithFunc(t, sig, body, 1)
	results, err := fn.Owner.Engine.Call(context.Background(), fn, nil)
	require.NoError(t, err)
	require.Equal(t, int32(99), api.DecodeI32(results[0]))
}

// TestMachineCallTrapOnDivideByZero confirms the interpreter returns a *wasm.TrapError rather than panicking,
// and that the owning Instance is left usable for a subsequent call.
func TestMachineCallTrapOnDivideByZero(t *testing.T) {
	sig := &ir.FuncType{Results: []api.ValueType{api.ValueTypeI32}}
	body := []ir.Inst{
		{Op: ir.OpI32Const, I32: 1},
		{Op: ir.OpI32Const, I32: 0},
		{Op: ir.OpI32DivS},
	}
	_, fn := instanceWithFunc(t, sig, body, 0)

	_, err := fn.Owner.Engine.Call(context.Background(), fn, nil)
	var trap *wasm.TrapError
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapIntegerDivideByZero, trap.Kind)

	// The Machine and its Instance must still be usable after a trap.
	_, err = fn.Owner.Engine.Call(context.Background(), fn, nil)
	require.ErrorAs(t, err, &trap)
}

// TestMachineCallBlockBranchCarriesResult confirms Block's catch-at-depth-0 logic preserves the branch's operand
// values while discarding anything else pushed since the block was entered.
func TestMachineCallBlockBranchCarriesResult(t *testing.T) {
	sig := &ir.FuncType{Results: []api.ValueType{api.ValueTypeI32}}
	body := []ir.Inst{
		{Op: ir.OpBlock, BlockType: byte(api.ValueTypeI32), Then: []ir.Inst{
			{Op: ir.OpI32Const, I32: 42},
			{Op: ir.OpBr, Label: 0},
			{Op: ir.OpI32Const, I32: 1}, // unreachable, never pushed
		}},
	}
	_, fn := instanceWithFunc(t, sig, body, 0)
	results, err := fn.Owner.Engine.Call(context.Background(), fn, nil)
	require.NoError(t, err)
	require.Equal(t, int32(42), api.DecodeI32(results[0]))
}
