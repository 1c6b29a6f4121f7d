package interp

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/wasm"
)

var addSig = &ir.FuncType{
	Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
	Results: []api.ValueType{api.ValueTypeI32},
}

// TestCallHostGoFunction exercises the lowest-level host function shape: a function that operates directly on
// the operand stack passed in as args, writing its result over the first slot.
func TestCallHostGoFunction(t *testing.T) {
	fn := &wasm.FunctionInstance{
		Type: addSig,
		HostFn: &wasm.HostFunction{Go: func(ctx context.Context, stack []uint64) {
			x, y := api.DecodeI32(stack[0]), api.DecodeI32(stack[1])
			stack[0] = api.EncodeI32(x + y)
		}},
	}
	results, err := CallHost(context.Background(), fn, []uint64{api.EncodeI32(7), api.EncodeI32(5)})
	require.NoError(t, err)
	require.Equal(t, int32(12), api.DecodeI32(results[0]))
}

// TestCallHostGoModuleFunction confirms the calling Instance is reachable as an api.Module, e.g. to read its
// memory from within the host function.
func TestCallHostGoModuleFunction(t *testing.T) {
	owner := &wasm.Instance{
		Name:     "env",
		Memories: []*wasm.MemoryInstance{{Buffer: make([]byte, wasm.PageSize), Min: 1}},
	}
	sig := &ir.FuncType{Results: []api.ValueType{api.ValueTypeI32}}
	fn := &wasm.FunctionInstance{
		Type:  sig,
		Owner: owner,
		HostFn: &wasm.HostFunction{GoModule: func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(int32(mod.Memory().Size()))
		}},
	}
	results, err := CallHost(context.Background(), fn, nil)
	require.NoError(t, err)
	require.Equal(t, int32(wasm.PageSize), api.DecodeI32(results[0]))
}

// TestCallHostReflectedFunc exercises the reflection-based path (HostFunctionBuilder.WithFunc), including its
// leading context.Context parameter.
func TestCallHostReflectedFunc(t *testing.T) {
	goFn := func(ctx context.Context, x, y int32) int32 { return x + y }
	reflected := reflect.ValueOf(goFn)
	fn := &wasm.FunctionInstance{Type: addSig, HostFn: &wasm.HostFunction{Reflect: &reflected}}

	results, err := CallHost(context.Background(), fn, []uint64{api.EncodeI32(3), api.EncodeI32(4)})
	require.NoError(t, err)
	require.Equal(t, int32(7), api.DecodeI32(results[0]))
}

// TestCallHostRecoversPanic confirms a panicking host function surfaces as a TrapError rather than crashing the
// calling Machine.
func TestCallHostRecoversPanic(t *testing.T) {
	fn := &wasm.FunctionInstance{
		Type: &ir.FuncType{},
		HostFn: &wasm.HostFunction{Go: func(ctx context.Context, stack []uint64) {
			panic("boom")
		}},
	}
	_, err := CallHost(context.Background(), fn, nil)
	var trap *wasm.TrapError
	require.ErrorAs(t, err, &trap)
}
