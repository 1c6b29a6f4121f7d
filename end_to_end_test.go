package gowazen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/hlc"
	"github.com/gowazen/gowazen/internal/instantiate"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/llc"
	"github.com/gowazen/gowazen/internal/wasm"
)

// backends enumerates the two compiler/interpreter pairs every scenario below runs against, proving they agree
// on the observable result of the same instruction tree (spec.md §8's testable-properties oracle).
var backends = []struct {
	name    string
	backend wasm.Backend
}{
	{"high-level", wasm.BackendHighLevel},
	{"low-level", wasm.BackendLowLevel},
}

// selfResolver lets a test function call itself; it's the only shape these scenarios need from
// ir.FuncResolver, since none of them imports or calls a different function.
type selfResolver struct{ sig *ir.FuncType }

func (r selfResolver) FuncType(uint32) (*ir.FuncType, error) { return r.sig, nil }
func (r selfResolver) TypeAt(uint32) (*ir.FuncType, error)   { return r.sig, nil }

func instantiateSingleFunc(t *testing.T, backend wasm.Backend, sig *ir.FuncType, body []ir.Inst, opts instantiate.Options) *wasm.Instance {
	t.Helper()
	var c interface {
		CompileFunc(sig *ir.FuncType, locals []api.ValueType, body []ir.Inst, funcs ir.FuncResolver) ([]byte, error)
	}
	if backend == wasm.BackendHighLevel {
		c = hlc.New()
	} else {
		c = llc.New(wasm.ByteOrderBig)
	}
	compiledBody, err := c.CompileFunc(sig, nil, body, selfResolver{sig: sig})
	require.NoError(t, err)

	mod := &wasm.Module{
		TypeSection:     []*ir.FuncType{sig},
		FunctionSection: []uint32{0},
		CodeSection:     []*wasm.CompiledFunction{{Type: sig, Body: compiledBody}},
		ExportSection:   []*wasm.Export{{Name: "f", Type: api.ExternTypeFunc, Index: 0}},
		Backend:         backend,
		ByteOrder:       wasm.ByteOrderBig,
	}
	inst, err := instantiate.Instantiate(context.Background(), mod, wasm.NewImports(), "m", opts)
	require.NoError(t, err)
	return inst
}

func TestEndToEndAdd(t *testing.T) {
	sig := &ir.FuncType{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}
	body := []ir.Inst{
		{Op: ir.OpLocalGet, Index: 0},
		{Op: ir.OpLocalGet, Index: 1},
		{Op: ir.OpI32Add},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			inst := instantiateSingleFunc(t, b.backend, sig, body, instantiate.Options{})
			fn := inst.ExportedFunction("f")
			require.NotNil(t, fn)
			results, err := inst.Engine.Call(context.Background(), fn, []uint64{api.EncodeI32(7), api.EncodeI32(5)})
			require.NoError(t, err)
			require.Equal(t, []uint64{api.EncodeI32(12)}, results)
		})
	}
}

// fib(n) = n <= 1 ? n : fib(n-1) + fib(n-2), expressed as a single self-recursive export. Exercises call-frame
// setup/teardown and the If's arity-1 result.
func fibBody() []ir.Inst {
	return []ir.Inst{
		{Op: ir.OpLocalGet, Index: 0},
		{Op: ir.OpI32Const, I32: 1},
		{Op: ir.OpI32LeS},
		{
			Op:        ir.OpIf,
			BlockType: api.ValueTypeI32,
			Then: []ir.Inst{
				{Op: ir.OpLocalGet, Index: 0},
			},
			Else: []ir.Inst{
				{Op: ir.OpLocalGet, Index: 0},
				{Op: ir.OpI32Const, I32: 1},
				{Op: ir.OpI32Sub},
				{Op: ir.OpCall, FuncIndex: 0},
				{Op: ir.OpLocalGet, Index: 0},
				{Op: ir.OpI32Const, I32: 2},
				{Op: ir.OpI32Sub},
				{Op: ir.OpCall, FuncIndex: 0},
				{Op: ir.OpI32Add},
			},
		},
	}
}

func TestEndToEndFibonacci(t *testing.T) {
	sig := &ir.FuncType{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			inst := instantiateSingleFunc(t, b.backend, sig, fibBody(), instantiate.Options{})
			fn := inst.ExportedFunction("f")
			results, err := inst.Engine.Call(context.Background(), fn, []uint64{api.EncodeI32(10)})
			require.NoError(t, err)
			require.Equal(t, int32(55), api.DecodeI32(results[0]))
		})
	}
}

func TestEndToEndTrapOnDivide(t *testing.T) {
	sig := &ir.FuncType{Results: []api.ValueType{api.ValueTypeI32}}
	body := []ir.Inst{
		{Op: ir.OpI32Const, I32: 1},
		{Op: ir.OpI32Const, I32: 0},
		{Op: ir.OpI32DivS},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			inst := instantiateSingleFunc(t, b.backend, sig, body, instantiate.Options{})
			fn := inst.ExportedFunction("f")
			ctx := context.Background()

			_, err := inst.Engine.Call(ctx, fn, nil)
			var trap *wasm.TrapError
			require.ErrorAs(t, err, &trap)
			require.Equal(t, wasm.TrapIntegerDivideByZero, trap.Kind)

			// the instance survives a trap; a later call against the same instance still runs.
			results, err := inst.Engine.Call(ctx, fn, nil)
			require.ErrorAs(t, err, &trap)
			require.Equal(t, wasm.TrapIntegerDivideByZero, trap.Kind)
			require.Nil(t, results)
		})
	}
}

// sel(n) picks among four outcomes via br_table: 0->10, 1->20, 2->30, default->99. Each case is a cascading
// enclosing block around the br_table site; branching to depth k exits exactly k+1 of them, landing on that
// case's push+branch-to-result code. Exercises fixup of multiple forward branch targets in the low-level
// compiler, and the high-level compiler's matching semantics for the same tree.
func TestEndToEndBrTable(t *testing.T) {
	sig := &ir.FuncType{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}
	// sel(n): 0->10, 1->20, 2->30, anything else->99, using a 4-target br_table with an explicit default arm.
	body := []ir.Inst{
		{
			Op: ir.OpBlock, BlockType: api.ValueTypeI32,
			Then: []ir.Inst{
				{
					Op: ir.OpBlock, BlockType: ir.BlockTypeEmpty,
					Then: []ir.Inst{
						{
							Op: ir.OpBlock, BlockType: ir.BlockTypeEmpty,
							Then: []ir.Inst{
								{
									Op: ir.OpBlock, BlockType: ir.BlockTypeEmpty,
									Then: []ir.Inst{
										{
											Op: ir.OpBlock, BlockType: ir.BlockTypeEmpty,
											Then: []ir.Inst{
												{Op: ir.OpLocalGet, Index: 0},
												{Op: ir.OpBrTable, Labels: []uint32{0, 1, 2}, Default: 3},
											},
										},
										{Op: ir.OpI32Const, I32: 10},
										{Op: ir.OpBr, Label: 3},
									},
								},
								{Op: ir.OpI32Const, I32: 20},
								{Op: ir.OpBr, Label: 2},
							},
						},
						{Op: ir.OpI32Const, I32: 30},
						{Op: ir.OpBr, Label: 1},
					},
				},
				{Op: ir.OpI32Const, I32: 99},
			},
		},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			inst := instantiateSingleFunc(t, b.backend, sig, body, instantiate.Options{})
			fn := inst.ExportedFunction("f")
			ctx := context.Background()
			for n, want := range map[int32]int32{0: 10, 1: 20, 2: 30, 7: 99} {
				results, err := inst.Engine.Call(ctx, fn, []uint64{api.EncodeI32(n)})
				require.NoError(t, err)
				require.Equal(t, want, api.DecodeI32(results[0]), "sel(%d)", n)
			}
		})
	}
}

// TestEndToEndMemoryInitAndGrow covers both the "Memory init" and "Grow" scenarios against a module with a
// single min=1/max=2 memory and a data segment writing "Hello" at offset 100.
func TestEndToEndMemoryInitAndGrow(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			var c interface {
				CompileConstExpr(expr []ir.Inst, funcs ir.FuncResolver) ([]byte, error)
			}
			if b.backend == wasm.BackendHighLevel {
				c = hlc.New()
			} else {
				c = llc.New(wasm.ByteOrderBig)
			}
			offsetExpr, err := c.CompileConstExpr([]ir.Inst{{Op: ir.OpI32Const, I32: 100}}, nil)
			require.NoError(t, err)

			maxPages := uint32(2)
			mod := &wasm.Module{
				MemorySection: []*wasm.MemoryType{{Limits: wasm.Limits{Min: 1, Max: &maxPages}}},
				DataSection: []*wasm.DataSegment{
					{MemoryIndex: 0, OffsetExpr: offsetExpr, Init: []byte("Hello")},
				},
				ExportSection: []*wasm.Export{{Name: "mem", Type: api.ExternTypeMemory, Index: 0}},
				Backend:       b.backend,
				ByteOrder:     wasm.ByteOrderBig,
			}
			inst, err := instantiate.Instantiate(context.Background(), mod, wasm.NewImports(), "m", instantiate.Options{})
			require.NoError(t, err)

			mem := inst.ExportedMemory("mem")
			require.NotNil(t, mem)
			require.Equal(t, "Hello", string(mem.Buffer[100:105]))
			require.Equal(t, []byte{0, 0, 0, 0, 0}, mem.Buffer[0:5])

			prev, ok := mem.Grow(1)
			require.True(t, ok)
			require.Equal(t, uint32(1), prev)
			require.Equal(t, uint32(2), mem.PageCount())

			_, ok = mem.Grow(1)
			require.False(t, ok)
			require.Equal(t, uint32(2), mem.PageCount())
		})
	}
}
