// Package llc is the Low-Level Compiler: a single forward pass that lowers structured Wasm control flow to a
// flat instruction stream with absolute jump targets (spec.md §4.3). Forward references (a `block`'s break
// target, an `if`'s then-branch, …) are not known until the referencing construct has been fully emitted, so
// every such reference is recorded in an errata table and patched in one pass once the function body is done.
//
// This is the centerpiece of the engine: internal/interp/low threads a dispatcher straight over the byte stream
// this package produces, with no further structural interpretation required at run time.
package llc

import (
	"encoding/binary"
	"math"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/wasm"
)

// Synthetic opcodes used only by the compiled low-level stream, never by the decoder. They live above the Wasm
// MVP opcode range (which tops out at 0xbf, f64.reinterpret_i64) so a byte read from the stream is unambiguous.
const (
	// OpJump unconditionally jumps to an absolute offset. Used internally to lower `if`/`else`; never a target
	// of a structured Br (those use OpBr/OpBrIf/OpBrTable, which additionally carry arity/drop).
	OpJump ir.Op = 0xd0
	// OpJumpIfTrue pops an i32 condition and jumps to an absolute offset when it is nonzero, otherwise falls
	// through. Used internally to lower `if`.
	OpJumpIfTrue ir.Op = 0xd1
	// OpBr is a structured, unconditional branch: arity(1) drop(u32) target(u32).
	OpBr ir.Op = 0xd2
	// OpBrIf is a structured, conditional branch (pops an i32 condition; falls through on zero): arity(1)
	// drop(u32) target(u32).
	OpBrIf ir.Op = 0xd3
	// OpBrTable is a structured multi-way branch: count(u32), count*(arity(1) drop(u32) target(u32)), then one
	// more (arity(1) drop(u32) target(u32)) for the default.
	OpBrTable ir.Op = 0xd4
)

// Compiler implements section.Backend for the low-level back-end. ByteOrder controls how every multi-byte
// immediate (including OpBr's drop/target fields) is written; memory contents are unaffected and remain
// little-endian per the Wasm spec regardless of this setting.
type Compiler struct {
	Order wasm.ByteOrder
}

// New returns a low-level Compiler using the given immediate byte order. Per spec.md §9's resolved Open
// Question, the engine defaults to big-endian.
func New(order wasm.ByteOrder) *Compiler { return &Compiler{Order: order} }

func (c *Compiler) Kind() wasm.Backend        { return wasm.BackendLowLevel }
func (c *Compiler) ByteOrder() wasm.ByteOrder { return c.Order }

func (c *Compiler) byteOrder() binary.ByteOrder {
	switch c.Order {
	case wasm.ByteOrderLittle:
		return binary.LittleEndian
	case wasm.ByteOrderNative:
		return nativeByteOrder
	default:
		return binary.BigEndian
	}
}

// CompileFunc lowers sig's body to a flat, fixed-up instruction stream.
func (c *Compiler) CompileFunc(sig *ir.FuncType, _ []api.ValueType, body []ir.Inst, funcs ir.FuncResolver) ([]byte, error) {
	return c.compileTop(body, len(sig.Results), funcs)
}

// CompileConstExpr compiles a constant initializer expression the same way as a zero-param function body; its
// implicit trailing Return always carries arity matching the one value a const expr produces (or zero for an
// empty expression, which never occurs in valid input but is handled gracefully).
func (c *Compiler) CompileConstExpr(expr []ir.Inst, funcs ir.FuncResolver) ([]byte, error) {
	arity := 0
	if len(expr) > 0 {
		arity = 1
	}
	return c.compileTop(expr, arity, funcs)
}

// frame is one entry of the label stack, held as a plain vector per spec.md §9's design note preferring indices
// over a parent-pointer chain.
type frame struct {
	label       int
	arity       int
	entryHeight int
}

// erratum is one forward reference awaiting a resolved absolute offset.
type erratum struct {
	offset int
	label  int
}

type compiler struct {
	order binary.ByteOrder
	funcs ir.FuncResolver

	out    []byte
	labels []frame

	nextLabel int
	offsets   map[int]int
	errata    []erratum

	height int // virtual operand-stack height at the current point of compilation
}

func (c *Compiler) compileTop(body []ir.Inst, resultArity int, funcs ir.FuncResolver) ([]byte, error) {
	cc := &compiler{
		order:   c.byteOrder(),
		funcs:   funcs,
		offsets: map[int]int{},
	}

	fnLabel := cc.newLabel()
	cc.pushFrame(fnLabel, resultArity)

	terminal, returnOffset, err := cc.sequence(body)
	if err != nil {
		return nil, err
	}
	if terminal && returnOffset >= 0 {
		cc.offsets[fnLabel] = returnOffset
	} else {
		cc.offsets[fnLabel] = len(cc.out)
		cc.emitByte(byte(ir.OpReturn))
	}
	cc.popFrame()

	if err := cc.fixup(); err != nil {
		return nil, err
	}
	return cc.out, nil
}

func (c *compiler) newLabel() int {
	l := c.nextLabel
	c.nextLabel++
	return l
}

func (c *compiler) pushFrame(label, arity int) {
	c.labels = append(c.labels, frame{label: label, arity: arity, entryHeight: c.height})
}

func (c *compiler) popFrame() { c.labels = c.labels[:len(c.labels)-1] }

func (c *compiler) emitByte(b byte) { c.out = append(c.out, b) }

func (c *compiler) emitU32(v uint32) {
	var b [4]byte
	c.order.PutUint32(b[:], v)
	c.out = append(c.out, b[:]...)
}

func (c *compiler) emitI32(v int32) { c.emitU32(uint32(v)) }

func (c *compiler) emitU64(v uint64) {
	var b [8]byte
	c.order.PutUint64(b[:], v)
	c.out = append(c.out, b[:]...)
}

// reserveTarget writes a zero placeholder and registers it against label, to be overwritten during fixup.
func (c *compiler) reserveTarget(label int) {
	c.errata = append(c.errata, erratum{offset: len(c.out), label: label})
	c.out = append(c.out, 0, 0, 0, 0)
}

// sequence emits each instruction of body in order over the CURRENT label frame (the caller must have already
// pushed one for Block/Loop/If bodies, or this may be the implicit outermost function frame). It reports
// whether control cannot fall off the end of this exact sequence (terminal), and if the terminal cause was a
// bare Return emitted directly in this sequence (not inside a nested block), the byte offset where it begins —
// the only case the top-level caller needs to special-case the implicit trailing Return.
func (c *compiler) sequence(body []ir.Inst) (terminal bool, returnOffset int, err error) {
	returnOffset = -1
	for _, inst := range body {
		instStart := len(c.out)
		term, isReturn, ierr := c.inst(inst)
		if ierr != nil {
			return false, -1, ierr
		}
		if term {
			if isReturn {
				returnOffset = instStart
			}
			return true, returnOffset, nil
		}
	}
	return false, -1, nil
}

// inst emits one instruction, reporting whether it unconditionally terminates the enclosing sequence, and
// whether that termination was specifically a bare Return.
func (c *compiler) inst(inst ir.Inst) (terminal, isReturn bool, err error) {
	switch inst.Op {
	case ir.OpBlock:
		l := c.newLabel()
		c.pushFrame(l, ir.Arity(inst.BlockType))
		if _, _, err := c.sequence(inst.Then); err != nil {
			return false, false, err
		}
		c.offsets[l] = len(c.out)
		// the block leaves exactly its arity above its entry height, even when its body ended in a branch
		c.height = c.labels[len(c.labels)-1].entryHeight + ir.Arity(inst.BlockType)
		c.popFrame()
		return false, false, nil

	case ir.OpLoop:
		l := c.newLabel()
		c.offsets[l] = len(c.out)
		c.pushFrame(l, 0) // loop continuations consume no values from the stack
		if _, _, err := c.sequence(inst.Then); err != nil {
			return false, false, err
		}
		c.height = c.labels[len(c.labels)-1].entryHeight + ir.Arity(inst.BlockType)
		c.popFrame()
		return false, false, nil

	case ir.OpIf:
		arity := ir.Arity(inst.BlockType)
		c.height-- // the condition, already on the stack, is consumed here
		entry := c.height
		c.emitByte(byte(OpJumpIfTrue))
		thenTarget := c.newLabel()
		c.reserveTarget(thenTarget)

		endLabel := c.newLabel()
		c.pushFrame(endLabel, arity)
		if _, _, err := c.sequence(inst.Else); err != nil {
			return false, false, err
		}
		c.emitByte(byte(OpJump))
		c.reserveTarget(endLabel)

		c.height = entry // the then-branch starts from the same height the else-branch did
		c.offsets[thenTarget] = len(c.out)
		if _, _, err := c.sequence(inst.Then); err != nil {
			return false, false, err
		}
		c.offsets[endLabel] = len(c.out)
		c.height = entry + arity
		c.popFrame()
		return false, false, nil

	case ir.OpBr:
		arity, drop, target, err := c.branchTarget(inst.Label)
		if err != nil {
			return false, false, err
		}
		c.emitByte(byte(OpBr))
		c.emitByte(byte(arity))
		c.emitU32(uint32(drop))
		c.reserveTarget(target)
		return true, false, nil

	case ir.OpBrIf:
		c.height--
		arity, drop, target, err := c.branchTarget(inst.Label)
		if err != nil {
			return false, false, err
		}
		c.emitByte(byte(OpBrIf))
		c.emitByte(byte(arity))
		c.emitU32(uint32(drop))
		c.reserveTarget(target)
		return false, false, nil

	case ir.OpBrTable:
		c.height--
		c.emitByte(byte(OpBrTable))
		c.emitU32(uint32(len(inst.Labels)))
		for _, lbl := range inst.Labels {
			arity, drop, target, err := c.branchTarget(lbl)
			if err != nil {
				return false, false, err
			}
			c.emitByte(byte(arity))
			c.emitU32(uint32(drop))
			c.reserveTarget(target)
		}
		arity, drop, target, err := c.branchTarget(inst.Default)
		if err != nil {
			return false, false, err
		}
		c.emitByte(byte(arity))
		c.emitU32(uint32(drop))
		c.reserveTarget(target)
		return true, false, nil

	case ir.OpReturn:
		c.emitByte(byte(ir.OpReturn))
		return true, true, nil

	case ir.OpUnreachable:
		c.emitByte(byte(ir.OpUnreachable))
		return true, false, nil

	case ir.OpNop:
		c.emitByte(byte(inst.Op))
	case ir.OpDrop:
		c.emitByte(byte(inst.Op))
		c.height--
	case ir.OpSelect:
		c.emitByte(byte(inst.Op))
		c.height -= 2

	case ir.OpLocalGet, ir.OpGlobalGet:
		c.emitByte(byte(inst.Op))
		c.emitU32(inst.Index)
		c.height++
	case ir.OpLocalSet, ir.OpGlobalSet:
		c.emitByte(byte(inst.Op))
		c.emitU32(inst.Index)
		c.height--
	case ir.OpLocalTee:
		c.emitByte(byte(inst.Op))
		c.emitU32(inst.Index)
		// net zero: pops then pushes the same value back

	case ir.OpCall:
		sig, err := c.funcs.FuncType(inst.FuncIndex)
		if err != nil {
			return false, false, err
		}
		c.emitByte(byte(inst.Op))
		c.emitU32(inst.FuncIndex)
		c.height += len(sig.Results) - len(sig.Params)
	case ir.OpCallIndirect:
		sig, err := c.funcs.TypeAt(inst.TypeIndex)
		if err != nil {
			return false, false, err
		}
		c.emitByte(byte(inst.Op))
		c.emitU32(inst.TypeIndex)
		c.height += len(sig.Results) - len(sig.Params) - 1 // -1 for the popped table index

	case ir.OpI32Load, ir.OpI64Load, ir.OpF32Load, ir.OpF64Load,
		ir.OpI32Load8S, ir.OpI32Load8U, ir.OpI32Load16S, ir.OpI32Load16U,
		ir.OpI64Load8S, ir.OpI64Load8U, ir.OpI64Load16S, ir.OpI64Load16U, ir.OpI64Load32S, ir.OpI64Load32U:
		c.emitByte(byte(inst.Op))
		c.emitU32(inst.Mem.Offset)
		// net zero: pops the address, pushes the loaded value
	case ir.OpI32Store, ir.OpI64Store, ir.OpF32Store, ir.OpF64Store,
		ir.OpI32Store8, ir.OpI32Store16, ir.OpI64Store8, ir.OpI64Store16, ir.OpI64Store32:
		c.emitByte(byte(inst.Op))
		c.emitU32(inst.Mem.Offset)
		c.height -= 2

	case ir.OpMemorySize:
		c.emitByte(byte(inst.Op))
		c.height++
	case ir.OpMemoryGrow:
		c.emitByte(byte(inst.Op))
		// net zero: pops delta, pushes previous page count

	case ir.OpI32Const:
		c.emitByte(byte(inst.Op))
		c.emitI32(inst.I32)
		c.height++
	case ir.OpI64Const:
		c.emitByte(byte(inst.Op))
		c.emitU64(uint64(inst.I64))
		c.height++
	case ir.OpF32Const:
		c.emitByte(byte(inst.Op))
		c.emitU32(math.Float32bits(inst.F32))
		c.height++
	case ir.OpF64Const:
		c.emitByte(byte(inst.Op))
		c.emitU64(math.Float64bits(inst.F64))
		c.height++

	case ir.OpI32Eqz, ir.OpI64Eqz,
		ir.OpI32Clz, ir.OpI32Ctz, ir.OpI32Popcnt,
		ir.OpI64Clz, ir.OpI64Ctz, ir.OpI64Popcnt,
		ir.OpF32Abs, ir.OpF32Neg, ir.OpF32Ceil, ir.OpF32Floor, ir.OpF32Trunc, ir.OpF32Nearest, ir.OpF32Sqrt,
		ir.OpF64Abs, ir.OpF64Neg, ir.OpF64Ceil, ir.OpF64Floor, ir.OpF64Trunc, ir.OpF64Nearest, ir.OpF64Sqrt,
		ir.OpI32WrapI64, ir.OpI64ExtendI32S, ir.OpI64ExtendI32U,
		ir.OpI32TruncF32S, ir.OpI32TruncF32U, ir.OpI32TruncF64S, ir.OpI32TruncF64U,
		ir.OpI64TruncF32S, ir.OpI64TruncF32U, ir.OpI64TruncF64S, ir.OpI64TruncF64U,
		ir.OpF32ConvertI32S, ir.OpF32ConvertI32U, ir.OpF32ConvertI64S, ir.OpF32ConvertI64U, ir.OpF32DemoteF64,
		ir.OpF64ConvertI32S, ir.OpF64ConvertI32U, ir.OpF64ConvertI64S, ir.OpF64ConvertI64U, ir.OpF64PromoteF32,
		ir.OpI32ReinterpretF32, ir.OpI64ReinterpretF64, ir.OpF32ReinterpretI32, ir.OpF64ReinterpretI64:
		// unary: net zero
		c.emitByte(byte(inst.Op))

	default:
		// Every remaining opcode is a binary numeric op or comparison: pops 2, pushes 1.
		c.emitByte(byte(inst.Op))
		c.height--
	}
	return false, false, nil
}

// branchTarget computes the (arity, drop, label) triple for a Br/BrIf/BrTable entry targeting the label k
// frames up from the innermost (k+1 frames walked, per spec.md §4.3).
func (c *compiler) branchTarget(k uint32) (arity, drop, label int, err error) {
	idx := len(c.labels) - 1 - int(k)
	if idx < 0 {
		return 0, 0, 0, &wasm.CompileError{Reason: "branch target depth exceeds label stack (invariant violated by upstream validation)"}
	}
	target := c.labels[idx]
	drop = c.height - target.entryHeight - target.arity
	if drop < 0 {
		drop = 0
	}
	return target.arity, drop, target.label, nil
}

// fixup resolves every recorded errata entry against the offsets map.
func (c *compiler) fixup() error {
	for _, e := range c.errata {
		off, ok := c.offsets[e.label]
		if !ok {
			return &wasm.CompileError{Reason: "unresolved branch target label (orphan label; validation should have ruled this out)"}
		}
		c.order.PutUint32(c.out[e.offset:e.offset+4], uint32(off))
	}
	return nil
}
