package interp

import (
	"context"

	"github.com/gowazen/gowazen/internal/wasm"
)

// callDepthKey is the context key under which EnterCall threads the current call depth. Using ctx rather than a
// field on Machine is necessary because internal/interp/high and internal/interp/low both construct a fresh
// Machine for every nested call (spec.md §4.5/§4.6's Owner-per-call-frame design), so no single Go value
// survives across the whole call chain except the context passed down through it.
type callDepthKey struct{}

// EnterCall increments ctx's call-depth counter and returns the context carrying the new value, or a
// TrapCallStackExhausted trap if doing so would exceed limit (spec.md §4.7's stack-size ceiling, checked here so
// a deeply recursive Wasm export fails with a typed trap rather than overflowing the host goroutine's stack).
// limit == 0 means no limit is enforced, mirroring MemoryInstance.Ceiling's convention.
func EnterCall(ctx context.Context, limit uint32) (context.Context, *wasm.TrapError) {
	depth, _ := ctx.Value(callDepthKey{}).(uint32)
	depth++
	if limit != 0 && depth > limit {
		return ctx, wasm.NewTrap(wasm.TrapCallStackExhausted, "call stack exhausted")
	}
	return context.WithValue(ctx, callDepthKey{}, depth), nil
}
