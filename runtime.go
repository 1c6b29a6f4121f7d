// Package gowazen is the facade: it wires the binary decoder, the Section Assembler, the two compiler
// back-ends, and the Instantiator behind a small Runtime/CompiledModule/Module API, mirroring how wazero
// structures its own top-level package (spec.md §4.7).
package gowazen

import (
	"context"
	"fmt"
	"sync"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/hlc"
	"github.com/gowazen/gowazen/internal/instantiate"
	"github.com/gowazen/gowazen/internal/llc"
	"github.com/gowazen/gowazen/internal/section"
	"github.com/gowazen/gowazen/internal/wasm"
	"github.com/gowazen/gowazen/internal/wasmbin"
)

// CompiledModule is a decoded, assembled, and compiled module, ready to be instantiated any number of times by
// Runtime.InstantiateModule. wazero avoids overloading "Module" for both the pre- and post-instantiation shape;
// gowazen follows the same naming split (spec.md §4.7).
type CompiledModule struct {
	module *wasm.Module
}

// Runtime owns every module it instantiates and the shared import namespace they resolve against: a module
// instantiated under a given Runtime can import from any module instantiated earlier under the same Runtime,
// addressed by the instance name it was given.
type Runtime struct {
	cfg *RuntimeConfig

	mu      sync.Mutex
	imports *wasm.Imports
	modules map[string]*wasm.Instance
}

// NewRuntime creates a Runtime with the given configuration. Pass NewRuntimeConfig() for the defaults.
func NewRuntime(cfg *RuntimeConfig) *Runtime {
	if cfg == nil {
		cfg = NewRuntimeConfig()
	}
	return &Runtime{cfg: cfg, imports: wasm.NewImports(), modules: map[string]*wasm.Instance{}}
}

// CompileModule decodes, assembles, and compiles a %.wasm binary against the Runtime's configured back-end.
// The result may be instantiated multiple times via InstantiateModule.
func (r *Runtime) CompileModule(ctx context.Context, binary []byte) (*CompiledModule, error) {
	asm := section.New()
	if err := wasmbin.Decode(binary, asm); err != nil {
		return nil, err
	}

	var backend section.Backend
	if r.cfg.backend == wasm.BackendLowLevel {
		backend = llc.New(r.cfg.byteOrder)
	} else {
		backend = hlc.New()
	}

	mod, err := asm.Finish(backend)
	if err != nil {
		return nil, err
	}
	return &CompiledModule{module: mod}, nil
}

// InstantiateModule links compiled against every module already instantiated in this Runtime, allocates its
// memories/tables/globals, runs its initializers, and invokes its start function, per spec.md §4.4. The result
// is registered under its instance name so that later InstantiateModule calls in the same Runtime can import
// from it.
func (r *Runtime) InstantiateModule(ctx context.Context, compiled *CompiledModule, mcfg *ModuleConfig) (api.Module, error) {
	if mcfg == nil {
		mcfg = NewModuleConfig()
	}
	name := mcfg.name

	r.mu.Lock()
	imports := r.imports
	r.mu.Unlock()

	inst, err := instantiate.Instantiate(r.ctxOrDefault(ctx), compiled.module, imports, name,
		instantiate.Options{MemoryCeiling: r.cfg.memoryMaxPages, CallDepthLimit: r.cfg.stackSize})
	if err != nil {
		return nil, err
	}

	if err := r.register(name, inst); err != nil {
		return nil, err
	}
	return wasm.AsAPIModule(inst), nil
}

// register publishes inst's exports into the Runtime's shared import namespace under name, and remembers inst
// for Close. A duplicate name is rejected: re-instantiating the same logical module under one name would
// otherwise silently shadow the first instance's exports for everyone who imports from it.
func (r *Runtime) register(name string, inst *wasm.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("gowazen: a module named %q is already instantiated in this runtime", name)
	}
	r.modules[name] = inst

	for exportName, exp := range inst.Exports {
		entry := &wasm.ImportEntry{Function: exp.Function, Table: exp.Table, Memory: exp.Memory, Global: exp.Global}
		r.imports.Define(name, exportName, entry)
	}
	return nil
}

func (r *Runtime) ctxOrDefault(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return r.cfg.ctx
}

// Close releases every module this Runtime instantiated. Instances hold no OS resources, so this exists
// primarily to satisfy the api.Module.Close contract transitively and to free the Runtime's bookkeeping.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = map[string]*wasm.Instance{}
	r.imports = wasm.NewImports()
	return nil
}
