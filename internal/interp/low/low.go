// Package low is the Low-Level Interpreter: a threaded dispatcher over the flat, fixed-up byte stream
// internal/llc produces (spec.md §4.6). Every branch's arity/drop/target was already resolved at compile time,
// so dispatch here is a single linear loop with no recursive descent and no dynamic stack-height bookkeeping —
// the interpreter just follows the program counter.
package low

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/gowazen/gowazen/internal/interp"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/llc"
	"github.com/gowazen/gowazen/internal/wasm"
)

// Machine executes compiled low-level function bodies belonging to a single Instance. It implements wasm.Engine.
type Machine struct {
	inst *wasm.Instance
}

// New returns a Machine bound to inst.
func New(inst *wasm.Instance) *Machine { return &Machine{inst: inst} }

func byteOrderFor(order wasm.ByteOrder) binary.ByteOrder {
	switch order {
	case wasm.ByteOrderLittle:
		return binary.LittleEndian
	case wasm.ByteOrderNative:
		return nativeByteOrder
	default:
		return binary.BigEndian
	}
}

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
	order := byteOrderFor(owner.Module.ByteOrder)
	results, trap := sub.run(ctx, fn.Body, locals, st, order, len(fn.Type.Results))
	if trap != nil {
		return nil, trap
	}
	return results, nil
}

// run threads a program counter straight through body. Every Br/BrIf/BrTable target is an absolute offset
// internal/llc already resolved; a target pointing at the function's own trailing Return (real or implicit) is
// how a branch out of every enclosing construct doubles as a return, with no special-casing needed here.
func (m *Machine) run(ctx context.Context, body []byte, locals []uint64, st *interp.Stack, order binary.ByteOrder, resultArity int) ([]uint64, *wasm.TrapError) {
	pos := 0
	for {
		op := ir.Op(body[pos])
		pos++
		switch op {
		case ir.OpReturn:
			return st.PeekN(resultArity), nil

		case ir.OpUnreachable:
			return nil, wasm.NewTrap(wasm.TrapUnreachable, "unreachable instruction executed")

		case llc.OpJump:
			target := order.Uint32(body[pos : pos+4])
			pos = int(target)

		case llc.OpJumpIfTrue:
			target := order.Uint32(body[pos : pos+4])
			pos += 4
			if st.PopI32() != 0 {
				pos = int(target)
			}

		case llc.OpBr:
			arity := int(body[pos])
			drop := int(order.Uint32(body[pos+1 : pos+5]))
			target := order.Uint32(body[pos+5 : pos+9])
			doBranch(st, arity, drop)
			pos = int(target)

		case llc.OpBrIf:
			arity := int(body[pos])
			drop := int(order.Uint32(body[pos+1 : pos+5]))
			target := order.Uint32(body[pos+5 : pos+9])
			pos += 9
			if st.PopI32() != 0 {
				doBranch(st, arity, drop)
				pos = int(target)
			}

		case llc.OpBrTable:
			count := int(order.Uint32(body[pos : pos+4]))
			base := pos + 4
			idx := int(st.PopU32())
			if idx < 0 || idx >= count {
				idx = count // the default entry follows the count real targets
			}
			entry := base + idx*9
			arity := int(body[entry])
			drop := int(order.Uint32(body[entry+1 : entry+5]))
			target := order.Uint32(body[entry+5 : entry+9])
			doBranch(st, arity, drop)
			pos = int(target)

		case ir.OpLocalGet:
			idx := order.Uint32(body[pos : pos+4])
			pos += 4
			st.Push(locals[idx])
		case ir.OpLocalSet:
			idx := order.Uint32(body[pos : pos+4])
			pos += 4
			locals[idx] = st.Pop()
		case ir.OpLocalTee:
			idx := order.Uint32(body[pos : pos+4])
			pos += 4
			locals[idx] = st.Peek()
		case ir.OpGlobalGet:
			idx := order.Uint32(body[pos : pos+4])
			pos += 4
			st.Push(m.inst.Globals[idx].Val)
		case ir.OpGlobalSet:
			idx := order.Uint32(body[pos : pos+4])
			pos += 4
			m.inst.Globals[idx].Val = st.Pop()

		case ir.OpCall:
			idx := order.Uint32(body[pos : pos+4])
			pos += 4
			callee := m.inst.Functions[idx]
			args := st.PeekN(len(callee.Type.Params))
			st.Truncate(st.Len() - len(args))
			results, err := m.inst.Engine.Call(ctx, callee, args)
			if err != nil {
				return nil, asTrap(err)
			}
			st.PushAll(results)

		case ir.OpCallIndirect:
			typeIdx := order.Uint32(body[pos : pos+4])
			pos += 4
			tableIdx := st.PopU32()
			table := m.inst.Tables[0]
			if tableIdx >= uint32(len(table.References)) {
				return nil, wasm.NewTrap(wasm.TrapOutOfBoundsTableAccess, "call_indirect index out of range")
			}
			callee := table.References[tableIdx]
			if callee == nil {
				return nil, wasm.NewTrap(wasm.TrapUninitializedElement, "call_indirect to uninitialized element")
			}
			wantType := m.inst.Module.TypeSection[typeIdx]
			if !callee.Type.Equal(wantType) {
				return nil, wasm.NewTrap(wasm.TrapIndirectCallTypeMismatch, "call_indirect signature mismatch")
			}
			args := st.PeekN(len(callee.Type.Params))
			st.Truncate(st.Len() - len(args))
			results, err := m.inst.Engine.Call(ctx, callee, args)
			if err != nil {
				return nil, asTrap(err)
			}
			st.PushAll(results)

		case ir.OpI32Load, ir.OpI64Load, ir.OpF32Load, ir.OpF64Load,
			ir.OpI32Load8S, ir.OpI32Load8U, ir.OpI32Load16S, ir.OpI32Load16U,
			ir.OpI64Load8S, ir.OpI64Load8U, ir.OpI64Load16S, ir.OpI64Load16U, ir.OpI64Load32S, ir.OpI64Load32U:
			offset := order.Uint32(body[pos : pos+4])
			pos += 4
			addr := st.PopU32()
			if trap := execLoad(op, m.inst.Memory(), addr, offset, st); trap != nil {
				return nil, trap
			}

		case ir.OpI32Store, ir.OpI64Store, ir.OpF32Store, ir.OpF64Store,
			ir.OpI32Store8, ir.OpI32Store16, ir.OpI64Store8, ir.OpI64Store16, ir.OpI64Store32:
			offset := order.Uint32(body[pos : pos+4])
			pos += 4
			val := st.Pop()
			addr := st.PopU32()
			if trap := execStore(op, m.inst.Memory(), addr, offset, val); trap != nil {
				return nil, trap
			}

		case ir.OpMemorySize:
			st.PushU32(m.inst.Memory().PageCount())
		case ir.OpMemoryGrow:
			delta := st.PopU32()
			prev, ok := m.inst.Memory().Grow(delta)
			if !ok {
				st.PushI32(-1)
			} else {
				st.PushU32(prev)
			}

		case ir.OpI32Const:
			st.PushI32(int32(order.Uint32(body[pos : pos+4])))
			pos += 4
		case ir.OpI64Const:
			st.PushI64(int64(order.Uint64(body[pos : pos+8])))
			pos += 8
		case ir.OpF32Const:
			st.PushF32(math.Float32frombits(order.Uint32(body[pos : pos+4])))
			pos += 4
		case ir.OpF64Const:
			st.PushF64(math.Float64frombits(order.Uint64(body[pos : pos+8])))
			pos += 8

		default:
			handled, trap := interp.ExecNumeric(op, st)
			if trap != nil {
				return nil, trap
			}
			if !handled {
				return nil, &wasm.TrapError{Kind: wasm.TrapUnreachable, Context: "unrecognized opcode in compiled low-level stream"}
			}
		}
	}
}

// doBranch applies a structured branch: the top arity values survive, the drop values just beneath them (left
// behind by whatever was evaluated inside the construct being exited) are discarded.
func doBranch(st *interp.Stack, arity, drop int) {
	vals := st.PeekN(arity)
	st.Truncate(st.Len() - arity - drop)
	st.PushAll(vals)
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
