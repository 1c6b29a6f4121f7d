// Package high is the High-Level Interpreter: a recursive-descent evaluator over the self-describing byte
// stream internal/hlc produces (spec.md §4.5). It tracks no compile-time stack heights; every branch's drop is
// computed dynamically from the live operand stack height recorded when each block/loop/if was entered.
package high

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/gowazen/gowazen/internal/interp"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/wasm"
)

// order is fixed: internal/hlc always writes big-endian immediates regardless of the engine-wide byte order
// setting, which only governs internal/llc's output (spec.md §4.2).
var order binary.ByteOrder = binary.BigEndian

type sigKind int

const (
	sigNone sigKind = iota
	sigBranch
	sigReturn
)

// signal is how a Br/BrIf/BrTable/Return instruction communicates an unwind up through the recursive calls
// that mirror the byte stream's block nesting. depth is only meaningful when kind is sigBranch.
type signal struct {
	kind  sigKind
	depth int
}

// Machine executes compiled high-level function bodies belonging to a single Instance. It implements
// wasm.Engine.
type Machine struct {
	inst *wasm.Instance
}

// New returns a Machine bound to inst. Wasm-defined functions it calls are always looked up by their own
// Owner, so a single Machine safely drives cross-instance calls too.
func New(inst *wasm.Instance) *Machine { return &Machine{inst: inst} }

// Call invokes fn (host or Wasm-defined) with args encoded per the api uint64 convention, returning results the
// same way, or a *wasm.TrapError.
func (m *Machine) Call(ctx context.Context, fn *wasm.FunctionInstance, args []uint64) ([]uint64, error) {
	if fn.IsHost() {
		return interp.CallHost(ctx, fn, args)
	}

	owner := fn.Owner
	ctx, depthTrap := interp.EnterCall(ctx, owner.CallDepthLimit)
	if depthTrap != nil {
		return nil, depthTrap
	}

	locals := make([]uint64, len(args)+len(fn.LocalTypes))
	copy(locals, args)

	st := &interp.Stack{}
	sub := &Machine{inst: owner}
	_, _, trap := sub.run(ctx, fn.Body, 0, locals, st)
	if trap != nil {
		return nil, trap
	}

	// The function body is itself the outermost implicit label: a bare Return and a Br/BrTable escaping every
	// nested construct both land here and are handled identically — take the top `arity` values, discarding
	// anything validation allowed to remain below them.
	arity := len(fn.Type.Results)
	vals := st.PeekN(arity)
	st.Truncate(0)
	st.PushAll(vals)
	return st.PeekN(arity), nil
}

// run executes the flat instruction sequence starting at pos, stopping when it consumes a boundary marker
// (End or Else — used for nested block/loop/if bodies) or, for a top-level function body, when a Return fires
// or the buffer is exhausted. It returns the position immediately after whatever stopped it (meaningful only
// when sig.kind == sigNone; a propagating signal's position is unused by every level except the one that
// finally catches it, which always recomputes its own "resume after me" position independently).
func (m *Machine) run(ctx context.Context, body []byte, pos int, locals []uint64, st *interp.Stack) (int, signal, *wasm.TrapError) {
	for pos < len(body) {
		op := ir.Op(body[pos])
		switch op {
		case ir.OpEnd, ir.OpElse:
			return pos + 1, signal{}, nil

		case ir.OpBlock:
			arity := int(body[pos+1])
			size := int(order.Uint32(body[pos+2 : pos+6]))
			bodyStart := pos + 6
			afterPos := bodyStart + size + 1
			entryHeight := st.Len()
			_, sig, trap := m.run(ctx, body, bodyStart, locals, st)
			if trap != nil {
				return 0, signal{}, trap
			}
			newPos, sig, trap := finishLabel(st, entryHeight, arity, sig, afterPos)
			if trap != nil {
				return 0, signal{}, trap
			}
			if sig.kind != sigNone {
				return 0, sig, nil
			}
			pos = newPos

		case ir.OpLoop:
			bodyStart := pos + 2
			entryHeight := st.Len()
			var afterPos int
			var sig signal
			for {
				var trap *wasm.TrapError
				afterPos, sig, trap = m.run(ctx, body, bodyStart, locals, st)
				if trap != nil {
					return 0, signal{}, trap
				}
				if sig.kind == sigBranch && sig.depth == 0 {
					st.Truncate(entryHeight)
					continue
				}
				break
			}
			if sig.kind == sigBranch {
				return 0, signal{kind: sigBranch, depth: sig.depth - 1}, nil
			}
			if sig.kind == sigReturn {
				return 0, sig, nil
			}
			pos = afterPos

		case ir.OpIf:
			arity := int(body[pos+1])
			thenSize := int(order.Uint32(body[pos+2 : pos+6]))
			elseSize := int(order.Uint32(body[pos+6 : pos+10]))
			thenStart := pos + 10
			elseStart := thenStart + thenSize + 5 // Else opcode (1) + repeated elseSize field (4)
			afterPos := elseStart + elseSize + 1  // past the closing End
			cond := st.PopI32()
			entryHeight := st.Len()

			var sig signal
			var trap *wasm.TrapError
			if cond != 0 {
				_, sig, trap = m.run(ctx, body, thenStart, locals, st)
			} else {
				_, sig, trap = m.run(ctx, body, elseStart, locals, st)
			}
			if trap != nil {
				return 0, signal{}, trap
			}
			newPos, sig, trap := finishLabel(st, entryHeight, arity, sig, afterPos)
			if trap != nil {
				return 0, signal{}, trap
			}
			if sig.kind != sigNone {
				return 0, sig, nil
			}
			pos = newPos

		case ir.OpBr:
			label := int(order.Uint32(body[pos+1 : pos+5]))
			return 0, signal{kind: sigBranch, depth: label}, nil

		case ir.OpBrIf:
			label := int(order.Uint32(body[pos+1 : pos+5]))
			if st.PopI32() != 0 {
				return 0, signal{kind: sigBranch, depth: label}, nil
			}
			pos += 5

		case ir.OpBrTable:
			count := int(order.Uint32(body[pos+1 : pos+5]))
			idx := int(st.PopU32())
			base := pos + 5
			var label uint32
			if idx >= 0 && idx < count {
				label = order.Uint32(body[base+idx*4 : base+idx*4+4])
			} else {
				label = order.Uint32(body[base+count*4 : base+count*4+4])
			}
			return 0, signal{kind: sigBranch, depth: int(label)}, nil

		case ir.OpReturn:
			return 0, signal{kind: sigReturn}, nil

		case ir.OpUnreachable:
			return 0, signal{}, wasm.NewTrap(wasm.TrapUnreachable, "unreachable instruction executed")

		case ir.OpLocalGet:
			idx := order.Uint32(body[pos+1 : pos+5])
			st.Push(locals[idx])
			pos += 5
		case ir.OpLocalSet:
			idx := order.Uint32(body[pos+1 : pos+5])
			locals[idx] = st.Pop()
			pos += 5
		case ir.OpLocalTee:
			idx := order.Uint32(body[pos+1 : pos+5])
			locals[idx] = st.Peek()
			pos += 5
		case ir.OpGlobalGet:
			idx := order.Uint32(body[pos+1 : pos+5])
			st.Push(m.inst.Globals[idx].Val)
			pos += 5
		case ir.OpGlobalSet:
			idx := order.Uint32(body[pos+1 : pos+5])
			m.inst.Globals[idx].Val = st.Pop()
			pos += 5

		case ir.OpCall:
			idx := order.Uint32(body[pos+1 : pos+5])
			pos += 5
			callee := m.inst.Functions[idx]
			args := st.PeekN(len(callee.Type.Params))
			st.Truncate(st.Len() - len(args))
			results, err := m.inst.Engine.Call(ctx, callee, args)
			if err != nil {
				return 0, signal{}, asTrap(err)
			}
			st.PushAll(results)

		case ir.OpCallIndirect:
			typeIdx := order.Uint32(body[pos+1 : pos+5])
			pos += 5
			tableIdx := st.PopU32()
			table := m.inst.Tables[0]
			if tableIdx >= uint32(len(table.References)) {
				return 0, signal{}, wasm.NewTrap(wasm.TrapOutOfBoundsTableAccess, "call_indirect index out of range")
			}
			callee := table.References[tableIdx]
			if callee == nil {
				return 0, signal{}, wasm.NewTrap(wasm.TrapUninitializedElement, "call_indirect to uninitialized element")
			}
			wantType := m.inst.Module.TypeSection[typeIdx]
			if !callee.Type.Equal(wantType) {
				return 0, signal{}, wasm.NewTrap(wasm.TrapIndirectCallTypeMismatch, "call_indirect signature mismatch")
			}
			args := st.PeekN(len(callee.Type.Params))
			st.Truncate(st.Len() - len(args))
			results, err := m.inst.Engine.Call(ctx, callee, args)
			if err != nil {
				return 0, signal{}, asTrap(err)
			}
			st.PushAll(results)

		case ir.OpI32Load, ir.OpI64Load, ir.OpF32Load, ir.OpF64Load,
			ir.OpI32Load8S, ir.OpI32Load8U, ir.OpI32Load16S, ir.OpI32Load16U,
			ir.OpI64Load8S, ir.OpI64Load8U, ir.OpI64Load16S, ir.OpI64Load16U, ir.OpI64Load32S, ir.OpI64Load32U:
			offset := order.Uint32(body[pos+1 : pos+5])
			pos += 5
			addr := st.PopU32()
			trap := execLoad(op, m.inst.Memory(), addr, offset, st)
			if trap != nil {
				return 0, signal{}, trap
			}

		case ir.OpI32Store, ir.OpI64Store, ir.OpF32Store, ir.OpF64Store,
			ir.OpI32Store8, ir.OpI32Store16, ir.OpI64Store8, ir.OpI64Store16, ir.OpI64Store32:
			offset := order.Uint32(body[pos+1 : pos+5])
			pos += 5
			val := st.Pop()
			addr := st.PopU32()
			trap := execStore(op, m.inst.Memory(), addr, offset, val)
			if trap != nil {
				return 0, signal{}, trap
			}

		case ir.OpMemorySize:
			pos++
			st.PushU32(m.inst.Memory().PageCount())
		case ir.OpMemoryGrow:
			pos++
			delta := st.PopU32()
			prev, ok := m.inst.Memory().Grow(delta)
			if !ok {
				st.PushI32(-1)
			} else {
				st.PushU32(prev)
			}

		case ir.OpI32Const:
			st.PushI32(int32(order.Uint32(body[pos+1 : pos+5])))
			pos += 5
		case ir.OpI64Const:
			st.PushI64(int64(order.Uint64(body[pos+1 : pos+9])))
			pos += 9
		case ir.OpF32Const:
			st.PushF32(math.Float32frombits(order.Uint32(body[pos+1 : pos+5])))
			pos += 5
		case ir.OpF64Const:
			st.PushF64(math.Float64frombits(order.Uint64(body[pos+1 : pos+9])))
			pos += 9

		default:
			handled, trap := interp.ExecNumeric(op, st)
			if trap != nil {
				return 0, signal{}, trap
			}
			if !handled {
				return 0, signal{}, &wasm.TrapError{Kind: wasm.TrapUnreachable, Context: "unrecognized opcode in compiled high-level stream"}
			}
			pos++
		}
	}
	return pos, signal{}, nil
}

// finishLabel applies Block/If's catch-or-propagate logic: a branch targeting depth 0 is this construct's own
// label, so the top `arity` operand values survive and everything else pushed since entry is discarded; any
// other outcome (deeper branch, return, normal fallthrough) is reported to the caller unchanged (less a depth
// decrement for a propagating branch).
func finishLabel(st *interp.Stack, entryHeight, arity int, sig signal, afterPos int) (int, signal, *wasm.TrapError) {
	switch sig.kind {
	case sigNone:
		return afterPos, signal{}, nil
	case sigReturn:
		return 0, sig, nil
	case sigBranch:
		if sig.depth == 0 {
			vals := st.PeekN(arity)
			st.Truncate(entryHeight)
			st.PushAll(vals)
			return afterPos, signal{}, nil
		}
		return 0, signal{kind: sigBranch, depth: sig.depth - 1}, nil
	}
	return afterPos, signal{}, nil
}

func asTrap(err error) *wasm.TrapError {
	if t, ok := err.(*wasm.TrapError); ok {
		return t
	}
	return wasm.NewTrap(wasm.TrapUnreachable, err.Error())
}

func execLoad(op ir.Op, mem *wasm.MemoryInstance, addr, offset uint32, st *interp.Stack) *wasm.TrapError {
	eff := uint64(addr) + uint64(offset)
	read := func(n uint64) ([]byte, *wasm.TrapError) {
		if eff+n > uint64(len(mem.Buffer)) {
			return nil, wasm.NewTrap(wasm.TrapOutOfBoundsMemoryAccess, "out of bounds memory access")
		}
		return mem.Buffer[eff : eff+n], nil
	}
	switch op {
	case ir.OpI32Load:
		b, trap := read(4)
		if trap != nil {
			return trap
		}
		st.PushU32(binary.LittleEndian.Uint32(b))
	case ir.OpI64Load:
		b, trap := read(8)
		if trap != nil {
			return trap
		}
		st.PushU64(binary.LittleEndian.Uint64(b))
	case ir.OpF32Load:
		b, trap := read(4)
		if trap != nil {
			return trap
		}
		st.PushF32(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case ir.OpF64Load:
		b, trap := read(8)
		if trap != nil {
			return trap
		}
		st.PushF64(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	case ir.OpI32Load8S:
		b, trap := read(1)
		if trap != nil {
			return trap
		}
		st.PushI32(int32(int8(b[0])))
	case ir.OpI32Load8U:
		b, trap := read(1)
		if trap != nil {
			return trap
		}
		st.PushU32(uint32(b[0]))
	case ir.OpI32Load16S:
		b, trap := read(2)
		if trap != nil {
			return trap
		}
		st.PushI32(int32(int16(binary.LittleEndian.Uint16(b))))
	case ir.OpI32Load16U:
		b, trap := read(2)
		if trap != nil {
			return trap
		}
		st.PushU32(uint32(binary.LittleEndian.Uint16(b)))
	case ir.OpI64Load8S:
		b, trap := read(1)
		if trap != nil {
			return trap
		}
		st.PushI64(int64(int8(b[0])))
	case ir.OpI64Load8U:
		b, trap := read(1)
		if trap != nil {
			return trap
		}
		st.PushU64(uint64(b[0]))
	case ir.OpI64Load16S:
		b, trap := read(2)
		if trap != nil {
			return trap
		}
		st.PushI64(int64(int16(binary.LittleEndian.Uint16(b))))
	case ir.OpI64Load16U:
		b, trap := read(2)
		if trap != nil {
			return trap
		}
		st.PushU64(uint64(binary.LittleEndian.Uint16(b)))
	case ir.OpI64Load32S:
		b, trap := read(4)
		if trap != nil {
			return trap
		}
		st.PushI64(int64(int32(binary.LittleEndian.Uint32(b))))
	case ir.OpI64Load32U:
		b, trap := read(4)
		if trap != nil {
			return trap
		}
		st.PushU64(uint64(binary.LittleEndian.Uint32(b)))
	}
	return nil
}

func execStore(op ir.Op, mem *wasm.MemoryInstance, addr, offset uint32, val uint64) *wasm.TrapError {
	eff := uint64(addr) + uint64(offset)
	write := func(n uint64) ([]byte, *wasm.TrapError) {
		if eff+n > uint64(len(mem.Buffer)) {
			return nil, wasm.NewTrap(wasm.TrapOutOfBoundsMemoryAccess, "out of bounds memory access")
		}
		return mem.Buffer[eff : eff+n], nil
	}
	switch op {
	case ir.OpI32Store, ir.OpF32Store:
		b, trap := write(4)
		if trap != nil {
			return trap
		}
		binary.LittleEndian.PutUint32(b, uint32(val))
	case ir.OpI64Store, ir.OpF64Store:
		b, trap := write(8)
		if trap != nil {
			return trap
		}
		binary.LittleEndian.PutUint64(b, val)
	case ir.OpI32Store8, ir.OpI64Store8:
		b, trap := write(1)
		if trap != nil {
			return trap
		}
		b[0] = byte(val)
	case ir.OpI32Store16, ir.OpI64Store16:
		b, trap := write(2)
		if trap != nil {
			return trap
		}
		binary.LittleEndian.PutUint16(b, uint16(val))
	case ir.OpI64Store32:
		b, trap := write(4)
		if trap != nil {
			return trap
		}
		binary.LittleEndian.PutUint32(b, uint32(val))
	}
	return nil
}

