package interp

import (
	"context"
	"reflect"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/wasm"
)

// HostEngine is the wasm.Engine for an Instance whose functions are all host-defined (built via
// HostModuleBuilder rather than compiled from a Module): every call dispatches straight to CallHost, since
// there is no compiled body and no Backend to pick high vs low for.
type HostEngine struct{}

// Call implements wasm.Engine.
func (HostEngine) Call(ctx context.Context, fn *wasm.FunctionInstance, args []uint64) ([]uint64, error) {
	return CallHost(ctx, fn, args)
}

// CallHost invokes a host-defined function by whichever of the three shapes HostFunctionBuilder registered it
// as (api.GoFunction, api.GoModuleFunction, or a reflected Go func). Shared by internal/interp/high and
// internal/interp/low so neither back-end duplicates host-call plumbing.
func CallHost(ctx context.Context, fn *wasm.FunctionInstance, args []uint64) (results []uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wasm.NewTrap(wasm.TrapUnreachable, "host function panicked")
		}
	}()
	switch {
	case fn.HostFn.Go != nil:
		stack := make([]uint64, max(len(args), len(fn.Type.Results)))
		copy(stack, args)
		fn.HostFn.Go(ctx, stack)
		return stack[:len(fn.Type.Results)], nil
	case fn.HostFn.GoModule != nil:
		stack := make([]uint64, max(len(args), len(fn.Type.Results)))
		copy(stack, args)
		fn.HostFn.GoModule(ctx, wasm.AsAPIModule(fn.Owner), stack)
		return stack[:len(fn.Type.Results)], nil
	default:
		return callReflect(ctx, fn, args)
	}
}

// callReflect invokes a host function registered via HostFunctionBuilder.WithFunc. Its reflect.Value may
// optionally take a leading context.Context and/or api.Module parameter before the Wasm-visible ones, mirroring
// the convention documented on HostFunctionBuilder.WithFunc.
func callReflect(ctx context.Context, fn *wasm.FunctionInstance, args []uint64) ([]uint64, error) {
	rv := *fn.HostFn.Reflect
	rt := rv.Type()
	in := make([]reflect.Value, rt.NumIn())
	argIdx := 0
	typeIdx := 0
	for i := 0; i < rt.NumIn(); i++ {
		pt := rt.In(i)
		switch {
		case pt == contextType:
			in[i] = reflect.ValueOf(ctx)
		case pt == moduleType:
			in[i] = reflect.ValueOf(wasm.AsAPIModule(fn.Owner))
		default:
			in[i] = decodeArg(pt, fn.Type.Params[typeIdx], args[argIdx])
			argIdx++
			typeIdx++
		}
	}
	out := rv.Call(in)
	results := make([]uint64, len(out))
	for i, v := range out {
		results[i] = encodeResult(fn.Type.Results[i], v)
	}
	return results, nil
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	moduleType  = reflect.TypeOf((*api.Module)(nil)).Elem()
)

func decodeArg(paramType reflect.Type, vt api.ValueType, raw uint64) reflect.Value {
	switch vt {
	case api.ValueTypeI32:
		return reflect.ValueOf(api.DecodeI32(raw)).Convert(paramType)
	case api.ValueTypeI64:
		return reflect.ValueOf(api.DecodeI64(raw)).Convert(paramType)
	case api.ValueTypeF32:
		return reflect.ValueOf(api.DecodeF32(raw)).Convert(paramType)
	default:
		return reflect.ValueOf(api.DecodeF64(raw)).Convert(paramType)
	}
}

func encodeResult(vt api.ValueType, v reflect.Value) uint64 {
	switch vt {
	case api.ValueTypeI32:
		if v.CanUint() {
			return uint64(uint32(v.Uint()))
		}
		return api.EncodeI32(int32(v.Int()))
	case api.ValueTypeI64:
		if v.CanUint() {
			return v.Uint()
		}
		return api.EncodeI64(v.Int())
	case api.ValueTypeF32:
		return api.EncodeF32(float32(v.Float()))
	default:
		return api.EncodeF64(v.Float())
	}
}
