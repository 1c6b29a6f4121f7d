// Package hlc is the High-Level Compiler: it emits, per function, a compact self-describing byte array of
// structured opcodes with precomputed arities and body sizes (spec.md §4.2). No operand-stack accounting is
// performed here — the interpreter (internal/interp/high) follows the size prefixes to skip branches
// structurally and tracks stack heights dynamically at runtime.
package hlc

import (
	"encoding/binary"
	"math"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/wasm"
)

// Header byte layout constants, exported so internal/interp/high decodes exactly what this package encodes.
const (
	// SizeFieldBytes is the width, in bytes, of every body-size / count / label-index immediate this format
	// writes. All such immediates are fixed-width big-endian uint32, independent of internal/llc's
	// configurable byte order (that setting only governs the low-level back-end).
	SizeFieldBytes = 4
)

var byteOrder = binary.BigEndian

// Compiler implements section.Backend for the high-level back-end.
type Compiler struct{}

// New returns a high-level Compiler.
func New() *Compiler { return &Compiler{} }

func (c *Compiler) Kind() wasm.Backend        { return wasm.BackendHighLevel }
func (c *Compiler) ByteOrder() wasm.ByteOrder { return wasm.ByteOrderBig }

// CompileFunc emits sig's body as a structured byte stream, appending an implicit Return if the body doesn't
// already end with one. The high-level back-end resolves call targets at runtime from the Instance, so it has
// no use for funcs; it is accepted only to satisfy section.Backend.
func (c *Compiler) CompileFunc(sig *ir.FuncType, _ []api.ValueType, body []ir.Inst, _ ir.FuncResolver) ([]byte, error) {
	buf := &encoder{}
	endedInReturn, err := buf.sequence(body)
	if err != nil {
		return nil, err
	}
	if !endedInReturn {
		buf.writeByte(byte(ir.OpReturn))
	}
	return buf.bytes(), nil
}

// CompileConstExpr compiles a constant initializer expression (global init, element/data offset) the same way
// as a zero-local, zero-param function body.
func (c *Compiler) CompileConstExpr(expr []ir.Inst, _ ir.FuncResolver) ([]byte, error) {
	buf := &encoder{}
	endedInReturn, err := buf.sequence(expr)
	if err != nil {
		return nil, err
	}
	if !endedInReturn {
		buf.writeByte(byte(ir.OpReturn))
	}
	return buf.bytes(), nil
}

type encoder struct {
	out []byte
}

func (e *encoder) bytes() []byte { return e.out }

func (e *encoder) writeByte(b byte) { e.out = append(e.out, b) }

func (e *encoder) writeU32(v uint32) {
	var b [4]byte
	byteOrder.PutUint32(b[:], v)
	e.out = append(e.out, b[:]...)
}

func (e *encoder) writeI32(v int32) { e.writeU32(uint32(v)) }

func (e *encoder) writeU64(v uint64) {
	var b [8]byte
	byteOrder.PutUint64(b[:], v)
	e.out = append(e.out, b[:]...)
}

// sequence emits each instruction of body in order, stopping early (dropping the unreachable remainder) once a
// terminal instruction (Br, BrTable, Return, Unreachable — BrIf is conditional, not terminal) has been emitted,
// mirroring the low-level compiler's terminal handling so that both back-ends observe the same dead-code
// trimming. It reports whether the sequence's last emitted instruction was specifically a Return, which is the
// only case where CompileFunc/CompileConstExpr should skip appending an implicit one.
func (e *encoder) sequence(body []ir.Inst) (endedInReturn bool, err error) {
	for _, inst := range body {
		terminal, isReturn, err := e.inst(inst)
		if err != nil {
			return false, err
		}
		if terminal {
			return isReturn, nil
		}
	}
	return false, nil
}

// inst emits one instruction and reports whether it unconditionally ends control flow for the rest of the
// enclosing sequence (Br, BrTable, Return, Unreachable), and if so whether it was specifically a Return.
func (e *encoder) inst(inst ir.Inst) (terminal, isReturn bool, err error) {
	switch inst.Op {
	case ir.OpBlock:
		e.writeByte(byte(ir.OpBlock))
		e.writeByte(byte(ir.Arity(inst.BlockType)))
		sizeAt := e.reserveSize()
		if _, err := e.sequence(inst.Then); err != nil {
			return false, false, err
		}
		e.patchSize(sizeAt)
		e.writeByte(byte(ir.OpEnd))
		return false, false, nil
	case ir.OpLoop:
		e.writeByte(byte(ir.OpLoop))
		e.writeByte(byte(ir.Arity(inst.BlockType))) // always 0 per spec, but we preserve the declared arity
		if _, err := e.sequence(inst.Then); err != nil {
			return false, false, err
		}
		e.writeByte(byte(ir.OpEnd))
		return false, false, nil
	case ir.OpIf:
		// Layout: opcode, arity, thenSize, elseSize, then-body, Else, elseSize (repeated), else-body, End.
		// elseSize is written twice (spec.md §4.2) so a reader positioned right after the header can skip the
		// whole construct, and a reader that already took the then-branch can skip the else-body alone. Both
		// reserved fields sit before then-body is compiled, so their lengths must be computed from tracked
		// start offsets rather than from each field's own position (which would double-count the other field).
		e.writeByte(byte(ir.OpIf))
		e.writeByte(byte(ir.Arity(inst.BlockType)))
		thenSizeAt := e.reserveSize()
		elseSizeAt := e.reserveSize()
		thenStart := len(e.out)
		if _, err := e.sequence(inst.Then); err != nil {
			return false, false, err
		}
		e.patchAt(thenSizeAt, uint32(len(e.out)-thenStart))
		e.writeByte(byte(ir.OpElse))
		elseSizeAt2 := e.reserveSize()
		elseStart := len(e.out)
		if _, err := e.sequence(inst.Else); err != nil {
			return false, false, err
		}
		elseLen := uint32(len(e.out) - elseStart)
		e.patchAt(elseSizeAt, elseLen)
		e.patchAt(elseSizeAt2, elseLen)
		e.writeByte(byte(ir.OpEnd))
		return false, false, nil
	case ir.OpBr:
		e.writeByte(byte(ir.OpBr))
		e.writeU32(inst.Label)
		return true, false, nil
	case ir.OpBrIf:
		e.writeByte(byte(ir.OpBrIf))
		e.writeU32(inst.Label)
		return false, false, nil
	case ir.OpBrTable:
		e.writeByte(byte(ir.OpBrTable))
		e.writeU32(uint32(len(inst.Labels)))
		for _, l := range inst.Labels {
			e.writeU32(l)
		}
		e.writeU32(inst.Default)
		return true, false, nil
	case ir.OpReturn:
		e.writeByte(byte(ir.OpReturn))
		return true, true, nil
	case ir.OpUnreachable:
		e.writeByte(byte(ir.OpUnreachable))
		return true, false, nil
	case ir.OpNop, ir.OpDrop, ir.OpSelect:
		e.writeByte(byte(inst.Op))
	case ir.OpLocalGet, ir.OpLocalSet, ir.OpLocalTee, ir.OpGlobalGet, ir.OpGlobalSet:
		e.writeByte(byte(inst.Op))
		e.writeU32(inst.Index)
	case ir.OpCall:
		e.writeByte(byte(inst.Op))
		e.writeU32(inst.FuncIndex)
	case ir.OpCallIndirect:
		e.writeByte(byte(inst.Op))
		e.writeU32(inst.TypeIndex)
	case ir.OpI32Load, ir.OpI64Load, ir.OpF32Load, ir.OpF64Load,
		ir.OpI32Load8S, ir.OpI32Load8U, ir.OpI32Load16S, ir.OpI32Load16U,
		ir.OpI64Load8S, ir.OpI64Load8U, ir.OpI64Load16S, ir.OpI64Load16U, ir.OpI64Load32S, ir.OpI64Load32U,
		ir.OpI32Store, ir.OpI64Store, ir.OpF32Store, ir.OpF64Store,
		ir.OpI32Store8, ir.OpI32Store16, ir.OpI64Store8, ir.OpI64Store16, ir.OpI64Store32:
		e.writeByte(byte(inst.Op))
		e.writeU32(inst.Mem.Offset)
	case ir.OpMemorySize, ir.OpMemoryGrow:
		e.writeByte(byte(inst.Op))
	case ir.OpI32Const:
		e.writeByte(byte(inst.Op))
		e.writeI32(inst.I32)
	case ir.OpI64Const:
		e.writeByte(byte(inst.Op))
		e.writeU64(uint64(inst.I64))
	case ir.OpF32Const:
		e.writeByte(byte(inst.Op))
		e.writeU32(math.Float32bits(inst.F32))
	case ir.OpF64Const:
		e.writeByte(byte(inst.Op))
		e.writeU64(math.Float64bits(inst.F64))
	default:
		// Every remaining opcode (numeric ops, comparisons, conversions) has no immediate.
		e.writeByte(byte(inst.Op))
	}
	return false, false, nil
}

// reserveSize writes a placeholder 4-byte size field and returns its offset for later patchSize.
func (e *encoder) reserveSize() int {
	at := len(e.out)
	e.out = append(e.out, 0, 0, 0, 0)
	return at
}

// patchSize fills in the size field at offset `at`, measuring from just after the field to the current end of
// the buffer. Valid only when the field's content starts immediately at at+SizeFieldBytes (true for Block, not
// for If's two back-to-back header fields; use patchAt there instead).
func (e *encoder) patchSize(at int) {
	size := uint32(len(e.out) - at - SizeFieldBytes)
	byteOrder.PutUint32(e.out[at:at+SizeFieldBytes], size)
}

// patchAt writes an already-computed size value into the field reserved at offset at.
func (e *encoder) patchAt(at int, size uint32) {
	byteOrder.PutUint32(e.out[at:at+SizeFieldBytes], size)
}
