package gowazen

import (
	"context"
	"fmt"
	"reflect"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/interp"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/wasm"
)

// HostFunctionBuilder defines one host function (implemented in Go) for export from a HostModuleBuilder, so
// that a compiled Wasm module can import and call it.
//
// Ex.
//
//	hostModuleBuilder.NewFunctionBuilder().
//		WithFunc(func(ctx context.Context, x, y uint32) uint32 { return x + y }).
//		Export("add")
type HostFunctionBuilder interface {
	// WithGoFunction is the lowest-level way to define a host function, operating directly on the operand
	// stack. See api.GoFunction.
	WithGoFunction(fn api.GoFunction, params, results []api.ValueType) HostFunctionBuilder

	// WithGoModuleFunction is like WithGoFunction but also receives the calling api.Module, e.g. to read its
	// exported memory.
	WithGoModuleFunction(fn api.GoModuleFunction, params, results []api.ValueType) HostFunctionBuilder

	// WithFunc maps an arbitrary Go func to a Wasm signature via reflection. Besides an optional leading
	// context.Context and/or api.Module parameter, every parameter and result must be one of uint32, int32,
	// uint64, int64, float32, or float64.
	WithFunc(fn interface{}) HostFunctionBuilder

	// WithName sets the function's module-local name, recorded as its debug name. Defaults to the export name.
	WithName(name string) HostFunctionBuilder

	// Export registers the function under name and returns the owning builder for chaining.
	Export(name string) HostModuleBuilder
}

// HostModuleBuilder defines a set of host functions (implemented in Go) as a named module that compiled Wasm
// modules can import from, once instantiated under the same Runtime.
type HostModuleBuilder interface {
	// NewFunctionBuilder begins defining one exported function.
	NewFunctionBuilder() HostFunctionBuilder

	// Instantiate builds and registers the host module, making its exports available to any module
	// InstantiateModule-d afterward in the same Runtime.
	Instantiate(ctx context.Context) (api.Module, error)
}

// NewHostModuleBuilder starts building a host module named moduleName.
func (r *Runtime) NewHostModuleBuilder(moduleName string) HostModuleBuilder {
	return &hostModuleBuilder{r: r, moduleName: moduleName, byName: map[string]*wasm.FunctionInstance{}}
}

type hostModuleBuilder struct {
	r          *Runtime
	moduleName string
	order      []string
	byName     map[string]*wasm.FunctionInstance
}

func (b *hostModuleBuilder) NewFunctionBuilder() HostFunctionBuilder {
	return &hostFunctionBuilder{b: b}
}

func (b *hostModuleBuilder) Instantiate(ctx context.Context) (api.Module, error) {
	inst := &wasm.Instance{
		Name:    b.moduleName,
		Exports: map[string]*wasm.ExportInstance{},
		Engine:  interp.HostEngine{},
	}
	for _, name := range b.order {
		fn := b.byName[name]
		fn.Owner = inst
		inst.Functions = append(inst.Functions, fn)
		inst.Exports[name] = &wasm.ExportInstance{Name: name, Type: api.ExternTypeFunc, Function: fn}
	}
	if err := b.r.register(b.moduleName, inst); err != nil {
		return nil, err
	}
	return wasm.AsAPIModule(inst), nil
}

type hostFunctionBuilder struct {
	b    *hostModuleBuilder
	fn   *wasm.FunctionInstance
	name string
}

func (h *hostFunctionBuilder) WithGoFunction(fn api.GoFunction, params, results []api.ValueType) HostFunctionBuilder {
	h.fn = &wasm.FunctionInstance{Type: &ir.FuncType{Params: params, Results: results}, HostFn: &wasm.HostFunction{Go: fn}}
	return h
}

func (h *hostFunctionBuilder) WithGoModuleFunction(fn api.GoModuleFunction, params, results []api.ValueType) HostFunctionBuilder {
	h.fn = &wasm.FunctionInstance{Type: &ir.FuncType{Params: params, Results: results}, HostFn: &wasm.HostFunction{GoModule: fn}}
	return h
}

func (h *hostFunctionBuilder) WithFunc(fn interface{}) HostFunctionBuilder {
	rv := reflect.ValueOf(fn)
	params, results := reflectSignature(rv.Type())
	h.fn = &wasm.FunctionInstance{Type: &ir.FuncType{Params: params, Results: results}, HostFn: &wasm.HostFunction{Reflect: &rv}}
	return h
}

func (h *hostFunctionBuilder) WithName(name string) HostFunctionBuilder {
	h.name = name
	return h
}

func (h *hostFunctionBuilder) Export(name string) HostModuleBuilder {
	localName := name
	if h.name != "" {
		localName = h.name
	}
	h.fn.DebugName = fmt.Sprintf("%s.%s", h.b.moduleName, localName)
	if _, exists := h.b.byName[name]; !exists {
		h.b.order = append(h.b.order, name)
	}
	h.b.byName[name] = h.fn
	return h.b
}

var (
	reflectContextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	reflectModuleType  = reflect.TypeOf((*api.Module)(nil)).Elem()
)

// reflectSignature derives a Wasm signature from a Go func type, skipping any leading context.Context and/or
// api.Module parameters that callReflect (internal/interp/host.go) will supply at call time.
func reflectSignature(rt reflect.Type) (params, results []api.ValueType) {
	for i := 0; i < rt.NumIn(); i++ {
		pt := rt.In(i)
		if pt == reflectContextType || pt == reflectModuleType {
			continue
		}
		params = append(params, valueTypeOf(pt))
	}
	for i := 0; i < rt.NumOut(); i++ {
		results = append(results, valueTypeOf(rt.Out(i)))
	}
	return params, results
}

func valueTypeOf(t reflect.Type) api.ValueType {
	switch t.Kind() {
	case reflect.Int32, reflect.Uint32:
		return api.ValueTypeI32
	case reflect.Int64, reflect.Uint64:
		return api.ValueTypeI64
	case reflect.Float32:
		return api.ValueTypeF32
	case reflect.Float64:
		return api.ValueTypeF64
	default:
		panic(fmt.Sprintf("gowazen: unsupported host function parameter/result type %s", t))
	}
}
