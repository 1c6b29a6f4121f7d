package gowazen

import (
	"context"

	"github.com/gowazen/gowazen/internal/wasm"
)

// RuntimeConfig controls how a Runtime compiles and instantiates modules: which compiler back-end to target,
// how that back-end orders its compiled immediates, and what ceiling to impose on every memory regardless of
// what a module itself declares.
type RuntimeConfig struct {
	ctx            context.Context
	backend        wasm.Backend
	byteOrder      wasm.ByteOrder
	memoryMaxPages uint32
	stackSize      uint32
}

// NewRuntimeConfig returns the default configuration: the High-Level Compiler/Interpreter pair, no additional
// memory ceiling beyond what modules declare themselves.
func NewRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		ctx:     context.Background(),
		backend: wasm.BackendHighLevel,
	}
}

// clone copies every field, so that each With* method can return a new value without mutating the receiver.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// WithHighLevelCompiler selects the High-Level Compiler and High-Level Interpreter: function bodies compile to
// a self-describing structured byte stream, walked by a recursive-descent interpreter. This is the default.
func (c *RuntimeConfig) WithHighLevelCompiler() *RuntimeConfig {
	ret := c.clone()
	ret.backend = wasm.BackendHighLevel
	return ret
}

// WithLowLevelCompiler selects the Low-Level Compiler and Low-Level Interpreter: function bodies compile to a
// flat bytecode stream with every branch resolved to an absolute jump target at compile time, walked by a
// threaded-dispatch loop with no recursion.
func (c *RuntimeConfig) WithLowLevelCompiler() *RuntimeConfig {
	ret := c.clone()
	ret.backend = wasm.BackendLowLevel
	return ret
}

// WithLowLevelByteOrder selects how the Low-Level Compiler writes multi-byte immediates (jump targets, local
// indices, constants) in its compiled stream. Has no effect when paired with the High-Level Compiler. Linear
// memory contents are always little-endian regardless of this setting. Defaults to ByteOrderBig.
func (c *RuntimeConfig) WithLowLevelByteOrder(order wasm.ByteOrder) *RuntimeConfig {
	ret := c.clone()
	ret.byteOrder = order
	return ret
}

// WithMemoryMaxPages caps every memory instantiated under this config at the given page count (65536 bytes per
// page), regardless of what the module itself declares as its max. Zero (the default) applies no additional
// ceiling.
func (c *RuntimeConfig) WithMemoryMaxPages(pages uint32) *RuntimeConfig {
	ret := c.clone()
	ret.memoryMaxPages = pages
	return ret
}

// WithStackSize caps how many nested Wasm calls an invocation may recurse through before the engine traps with
// a "call stack exhausted" error, instead of letting a runaway recursive export overflow the host's goroutine
// stack (spec.md §4.7's stack-size option). Zero (the default) selects the engine's built-in
// wasm.DefaultCallDepthLimit; there is no way to request an unbounded call stack.
func (c *RuntimeConfig) WithStackSize(depth uint32) *RuntimeConfig {
	ret := c.clone()
	ret.stackSize = depth
	return ret
}

// WithContext sets the default context used to invoke a module's start function during instantiation, when
// Runtime.InstantiateModule is passed a nil context. Defaults to context.Background. It does not apply to
// api.Function.Call, which uses context.Background when its caller passes nil.
func (c *RuntimeConfig) WithContext(ctx context.Context) *RuntimeConfig {
	if ctx == nil {
		ctx = context.Background()
	}
	ret := c.clone()
	ret.ctx = ctx
	return ret
}

// ModuleConfig configures a single instantiation: its module-local name. Imports are resolved automatically
// against every module already instantiated in the same Runtime (see Runtime.InstantiateModule).
type ModuleConfig struct {
	name string
}

// NewModuleConfig returns an empty ModuleConfig. The name defaults to the empty string.
func NewModuleConfig() *ModuleConfig {
	return &ModuleConfig{}
}

// WithName overrides the module's instance name, used to qualify its exports for later imports and in its
// functions' debug names.
func (c *ModuleConfig) WithName(name string) *ModuleConfig {
	ret := *c
	ret.name = name
	return &ret
}
