// Package interp holds the numeric and memory-access semantics shared by both back-end interpreters
// (internal/interp/high and internal/interp/low). Everything here is pure stack-in, stack-out logic with no
// opinion on how control flow (blocks, branches, calls) is dispatched — that's each back-end's own job.
package interp

import (
	"math"
	"math/bits"

	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/wasm"
)

// Stack is the operand stack: a dense array of 64-bit slots. i32/f32 values live in the low 32 bits; i64/f64
// fill the whole slot. This is exactly the representation spec.md §9 prescribes.
type Stack struct {
	vals []uint64
}

func (s *Stack) Push(v uint64) { s.vals = append(s.vals, v) }

func (s *Stack) Pop() uint64 {
	top := len(s.vals) - 1
	v := s.vals[top]
	s.vals = s.vals[:top]
	return v
}

func (s *Stack) Peek() uint64 { return s.vals[len(s.vals)-1] }

func (s *Stack) Len() int { return len(s.vals) }

// Truncate drops the stack back to height n, discarding everything above it.
func (s *Stack) Truncate(n int) { s.vals = s.vals[:n] }

// PeekN returns a copy of the top n values, in their original (bottom-to-top) order.
func (s *Stack) PeekN(n int) []uint64 {
	if n == 0 {
		return nil
	}
	out := make([]uint64, n)
	copy(out, s.vals[len(s.vals)-n:])
	return out
}

// PushAll pushes each value of vs in order.
func (s *Stack) PushAll(vs []uint64) {
	s.vals = append(s.vals, vs...)
}

func (s *Stack) PopI32() int32   { return int32(uint32(s.Pop())) }
func (s *Stack) PopU32() uint32  { return uint32(s.Pop()) }
func (s *Stack) PopI64() int64   { return int64(s.Pop()) }
func (s *Stack) PopU64() uint64  { return s.Pop() }
func (s *Stack) PopF32() float32 { return math.Float32frombits(uint32(s.Pop())) }
func (s *Stack) PopF64() float64 { return math.Float64frombits(s.Pop()) }

func (s *Stack) PushI32(v int32)   { s.Push(uint64(uint32(v))) }
func (s *Stack) PushU32(v uint32)  { s.Push(uint64(v)) }
func (s *Stack) PushI64(v int64)   { s.Push(uint64(v)) }
func (s *Stack) PushU64(v uint64)  { s.Push(v) }
func (s *Stack) PushF32(v float32) { s.Push(uint64(math.Float32bits(v))) }
func (s *Stack) PushF64(v float64) { s.Push(math.Float64bits(v)) }
func (s *Stack) PushBool(v bool) {
	if v {
		s.PushI32(1)
	} else {
		s.PushI32(0)
	}
}

// ExecNumeric executes any pure numeric/parametric instruction (everything except control flow, locals,
// globals, memory, and calls). It returns false for an opcode it doesn't recognize, so a caller can fall
// through to its own handling of the remaining families.
func ExecNumeric(op ir.Op, s *Stack) (handled bool, trap *wasm.TrapError) {
	switch op {
	case ir.OpDrop:
		s.Pop()
	case ir.OpSelect:
		cond := s.PopI32()
		b := s.Pop()
		a := s.Pop()
		if cond != 0 {
			s.Push(a)
		} else {
			s.Push(b)
		}
	case ir.OpI32Const, ir.OpI64Const, ir.OpF32Const, ir.OpF64Const:
		// Handled by the caller, which knows how to read the immediate for its own wire format.
		return false, nil

	case ir.OpI32Eqz:
		s.PushBool(s.PopI32() == 0)
	case ir.OpI32Eq:
		b, a := s.PopI32(), s.PopI32()
		s.PushBool(a == b)
	case ir.OpI32Ne:
		b, a := s.PopI32(), s.PopI32()
		s.PushBool(a != b)
	case ir.OpI32LtS:
		b, a := s.PopI32(), s.PopI32()
		s.PushBool(a < b)
	case ir.OpI32LtU:
		b, a := s.PopU32(), s.PopU32()
		s.PushBool(a < b)
	case ir.OpI32GtS:
		b, a := s.PopI32(), s.PopI32()
		s.PushBool(a > b)
	case ir.OpI32GtU:
		b, a := s.PopU32(), s.PopU32()
		s.PushBool(a > b)
	case ir.OpI32LeS:
		b, a := s.PopI32(), s.PopI32()
		s.PushBool(a <= b)
	case ir.OpI32LeU:
		b, a := s.PopU32(), s.PopU32()
		s.PushBool(a <= b)
	case ir.OpI32GeS:
		b, a := s.PopI32(), s.PopI32()
		s.PushBool(a >= b)
	case ir.OpI32GeU:
		b, a := s.PopU32(), s.PopU32()
		s.PushBool(a >= b)

	case ir.OpI64Eqz:
		s.PushBool(s.PopI64() == 0)
	case ir.OpI64Eq:
		b, a := s.PopI64(), s.PopI64()
		s.PushBool(a == b)
	case ir.OpI64Ne:
		b, a := s.PopI64(), s.PopI64()
		s.PushBool(a != b)
	case ir.OpI64LtS:
		b, a := s.PopI64(), s.PopI64()
		s.PushBool(a < b)
	case ir.OpI64LtU:
		b, a := s.PopU64(), s.PopU64()
		s.PushBool(a < b)
	case ir.OpI64GtS:
		b, a := s.PopI64(), s.PopI64()
		s.PushBool(a > b)
	case ir.OpI64GtU:
		b, a := s.PopU64(), s.PopU64()
		s.PushBool(a > b)
	case ir.OpI64LeS:
		b, a := s.PopI64(), s.PopI64()
		s.PushBool(a <= b)
	case ir.OpI64LeU:
		b, a := s.PopU64(), s.PopU64()
		s.PushBool(a <= b)
	case ir.OpI64GeS:
		b, a := s.PopI64(), s.PopI64()
		s.PushBool(a >= b)
	case ir.OpI64GeU:
		b, a := s.PopU64(), s.PopU64()
		s.PushBool(a >= b)

	case ir.OpF32Eq:
		b, a := s.PopF32(), s.PopF32()
		s.PushBool(a == b)
	case ir.OpF32Ne:
		b, a := s.PopF32(), s.PopF32()
		s.PushBool(a != b)
	case ir.OpF32Lt:
		b, a := s.PopF32(), s.PopF32()
		s.PushBool(a < b)
	case ir.OpF32Gt:
		b, a := s.PopF32(), s.PopF32()
		s.PushBool(a > b)
	case ir.OpF32Le:
		b, a := s.PopF32(), s.PopF32()
		s.PushBool(a <= b)
	case ir.OpF32Ge:
		b, a := s.PopF32(), s.PopF32()
		s.PushBool(a >= b)

	case ir.OpF64Eq:
		b, a := s.PopF64(), s.PopF64()
		s.PushBool(a == b)
	case ir.OpF64Ne:
		b, a := s.PopF64(), s.PopF64()
		s.PushBool(a != b)
	case ir.OpF64Lt:
		b, a := s.PopF64(), s.PopF64()
		s.PushBool(a < b)
	case ir.OpF64Gt:
		b, a := s.PopF64(), s.PopF64()
		s.PushBool(a > b)
	case ir.OpF64Le:
		b, a := s.PopF64(), s.PopF64()
		s.PushBool(a <= b)
	case ir.OpF64Ge:
		b, a := s.PopF64(), s.PopF64()
		s.PushBool(a >= b)

	case ir.OpI32Clz:
		s.PushI32(int32(bits.LeadingZeros32(s.PopU32())))
	case ir.OpI32Ctz:
		s.PushI32(int32(bits.TrailingZeros32(s.PopU32())))
	case ir.OpI32Popcnt:
		s.PushI32(int32(bits.OnesCount32(s.PopU32())))
	case ir.OpI32Add:
		b, a := s.PopU32(), s.PopU32()
		s.PushU32(a + b)
	case ir.OpI32Sub:
		b, a := s.PopU32(), s.PopU32()
		s.PushU32(a - b)
	case ir.OpI32Mul:
		b, a := s.PopU32(), s.PopU32()
		s.PushU32(a * b)
	case ir.OpI32DivS:
		b, a := s.PopI32(), s.PopI32()
		if b == 0 {
			return true, wasm.NewTrap(wasm.TrapIntegerDivideByZero, "i32.div_s")
		}
		if a == math.MinInt32 && b == -1 {
			return true, wasm.NewTrap(wasm.TrapIntegerOverflow, "i32.div_s")
		}
		s.PushI32(a / b)
	case ir.OpI32DivU:
		b, a := s.PopU32(), s.PopU32()
		if b == 0 {
			return true, wasm.NewTrap(wasm.TrapIntegerDivideByZero, "i32.div_u")
		}
		s.PushU32(a / b)
	case ir.OpI32RemS:
		b, a := s.PopI32(), s.PopI32()
		if b == 0 {
			return true, wasm.NewTrap(wasm.TrapIntegerDivideByZero, "i32.rem_s")
		}
		if a == math.MinInt32 && b == -1 {
			s.PushI32(0)
		} else {
			s.PushI32(a % b)
		}
	case ir.OpI32RemU:
		b, a := s.PopU32(), s.PopU32()
		if b == 0 {
			return true, wasm.NewTrap(wasm.TrapIntegerDivideByZero, "i32.rem_u")
		}
		s.PushU32(a % b)
	case ir.OpI32And:
		b, a := s.PopU32(), s.PopU32()
		s.PushU32(a & b)
	case ir.OpI32Or:
		b, a := s.PopU32(), s.PopU32()
		s.PushU32(a | b)
	case ir.OpI32Xor:
		b, a := s.PopU32(), s.PopU32()
		s.PushU32(a ^ b)
	case ir.OpI32Shl:
		b, a := s.PopU32(), s.PopU32()
		s.PushU32(a << (b % 32))
	case ir.OpI32ShrS:
		b, a := s.PopU32(), s.PopI32()
		s.PushI32(a >> (b % 32))
	case ir.OpI32ShrU:
		b, a := s.PopU32(), s.PopU32()
		s.PushU32(a >> (b % 32))
	case ir.OpI32Rotl:
		b, a := s.PopU32(), s.PopU32()
		s.PushU32(bits.RotateLeft32(a, int(b)))
	case ir.OpI32Rotr:
		b, a := s.PopU32(), s.PopU32()
		s.PushU32(bits.RotateLeft32(a, -int(b)))

	case ir.OpI64Clz:
		s.PushI64(int64(bits.LeadingZeros64(s.PopU64())))
	case ir.OpI64Ctz:
		s.PushI64(int64(bits.TrailingZeros64(s.PopU64())))
	case ir.OpI64Popcnt:
		s.PushI64(int64(bits.OnesCount64(s.PopU64())))
	case ir.OpI64Add:
		b, a := s.PopU64(), s.PopU64()
		s.PushU64(a + b)
	case ir.OpI64Sub:
		b, a := s.PopU64(), s.PopU64()
		s.PushU64(a - b)
	case ir.OpI64Mul:
		b, a := s.PopU64(), s.PopU64()
		s.PushU64(a * b)
	case ir.OpI64DivS:
		b, a := s.PopI64(), s.PopI64()
		if b == 0 {
			return true, wasm.NewTrap(wasm.TrapIntegerDivideByZero, "i64.div_s")
		}
		if a == math.MinInt64 && b == -1 {
			return true, wasm.NewTrap(wasm.TrapIntegerOverflow, "i64.div_s")
		}
		s.PushI64(a / b)
	case ir.OpI64DivU:
		b, a := s.PopU64(), s.PopU64()
		if b == 0 {
			return true, wasm.NewTrap(wasm.TrapIntegerDivideByZero, "i64.div_u")
		}
		s.PushU64(a / b)
	case ir.OpI64RemS:
		b, a := s.PopI64(), s.PopI64()
		if b == 0 {
			return true, wasm.NewTrap(wasm.TrapIntegerDivideByZero, "i64.rem_s")
		}
		if a == math.MinInt64 && b == -1 {
			s.PushI64(0)
		} else {
			s.PushI64(a % b)
		}
	case ir.OpI64RemU:
		b, a := s.PopU64(), s.PopU64()
		if b == 0 {
			return true, wasm.NewTrap(wasm.TrapIntegerDivideByZero, "i64.rem_u")
		}
		s.PushU64(a % b)
	case ir.OpI64And:
		b, a := s.PopU64(), s.PopU64()
		s.PushU64(a & b)
	case ir.OpI64Or:
		b, a := s.PopU64(), s.PopU64()
		s.PushU64(a | b)
	case ir.OpI64Xor:
		b, a := s.PopU64(), s.PopU64()
		s.PushU64(a ^ b)
	case ir.OpI64Shl:
		b, a := s.PopU64(), s.PopU64()
		s.PushU64(a << (b % 64))
	case ir.OpI64ShrS:
		b, a := s.PopU64(), s.PopI64()
		s.PushI64(a >> (b % 64))
	case ir.OpI64ShrU:
		b, a := s.PopU64(), s.PopU64()
		s.PushU64(a >> (b % 64))
	case ir.OpI64Rotl:
		b, a := s.PopU64(), s.PopU64()
		s.PushU64(bits.RotateLeft64(a, int(b)))
	case ir.OpI64Rotr:
		b, a := s.PopU64(), s.PopU64()
		s.PushU64(bits.RotateLeft64(a, -int(b)))

	case ir.OpF32Abs:
		s.PushF32(float32(math.Abs(float64(s.PopF32()))))
	case ir.OpF32Neg:
		s.PushF32(-s.PopF32())
	case ir.OpF32Ceil:
		s.PushF32(float32(math.Ceil(float64(s.PopF32()))))
	case ir.OpF32Floor:
		s.PushF32(float32(math.Floor(float64(s.PopF32()))))
	case ir.OpF32Trunc:
		s.PushF32(float32(math.Trunc(float64(s.PopF32()))))
	case ir.OpF32Nearest:
		s.PushF32(float32(math.RoundToEven(float64(s.PopF32()))))
	case ir.OpF32Sqrt:
		s.PushF32(float32(math.Sqrt(float64(s.PopF32()))))
	case ir.OpF32Add:
		b, a := s.PopF32(), s.PopF32()
		s.PushF32(a + b)
	case ir.OpF32Sub:
		b, a := s.PopF32(), s.PopF32()
		s.PushF32(a - b)
	case ir.OpF32Mul:
		b, a := s.PopF32(), s.PopF32()
		s.PushF32(a * b)
	case ir.OpF32Div:
		b, a := s.PopF32(), s.PopF32()
		s.PushF32(a / b)
	case ir.OpF32Min:
		b, a := s.PopF32(), s.PopF32()
		s.PushF32(float32(math.Min(float64(a), float64(b))))
	case ir.OpF32Max:
		b, a := s.PopF32(), s.PopF32()
		s.PushF32(float32(math.Max(float64(a), float64(b))))
	case ir.OpF32Copysign:
		b, a := s.PopF32(), s.PopF32()
		s.PushF32(float32(math.Copysign(float64(a), float64(b))))

	case ir.OpF64Abs:
		s.PushF64(math.Abs(s.PopF64()))
	case ir.OpF64Neg:
		s.PushF64(-s.PopF64())
	case ir.OpF64Ceil:
		s.PushF64(math.Ceil(s.PopF64()))
	case ir.OpF64Floor:
		s.PushF64(math.Floor(s.PopF64()))
	case ir.OpF64Trunc:
		s.PushF64(math.Trunc(s.PopF64()))
	case ir.OpF64Nearest:
		s.PushF64(math.RoundToEven(s.PopF64()))
	case ir.OpF64Sqrt:
		s.PushF64(math.Sqrt(s.PopF64()))
	case ir.OpF64Add:
		b, a := s.PopF64(), s.PopF64()
		s.PushF64(a + b)
	case ir.OpF64Sub:
		b, a := s.PopF64(), s.PopF64()
		s.PushF64(a - b)
	case ir.OpF64Mul:
		b, a := s.PopF64(), s.PopF64()
		s.PushF64(a * b)
	case ir.OpF64Div:
		b, a := s.PopF64(), s.PopF64()
		s.PushF64(a / b)
	case ir.OpF64Min:
		b, a := s.PopF64(), s.PopF64()
		s.PushF64(math.Min(a, b))
	case ir.OpF64Max:
		b, a := s.PopF64(), s.PopF64()
		s.PushF64(math.Max(a, b))
	case ir.OpF64Copysign:
		b, a := s.PopF64(), s.PopF64()
		s.PushF64(math.Copysign(a, b))

	case ir.OpI32WrapI64:
		s.PushI32(int32(s.PopI64()))
	case ir.OpI64ExtendI32S:
		s.PushI64(int64(s.PopI32()))
	case ir.OpI64ExtendI32U:
		s.PushI64(int64(uint64(s.PopU32())))
	case ir.OpI32TruncF32S:
		v := s.PopF32()
		if math.IsNaN(float64(v)) || v < math.MinInt32 || v >= 1<<31 {
			return true, wasm.NewTrap(wasm.TrapIntegerOverflow, "i32.trunc_f32_s")
		}
		s.PushI32(int32(v))
	case ir.OpI32TruncF32U:
		v := s.PopF32()
		if math.IsNaN(float64(v)) || v < 0 || v >= 1<<32 {
			return true, wasm.NewTrap(wasm.TrapIntegerOverflow, "i32.trunc_f32_u")
		}
		s.PushU32(uint32(v))
	case ir.OpI32TruncF64S:
		v := s.PopF64()
		if math.IsNaN(v) || v < math.MinInt32 || v >= 1<<31 {
			return true, wasm.NewTrap(wasm.TrapIntegerOverflow, "i32.trunc_f64_s")
		}
		s.PushI32(int32(v))
	case ir.OpI32TruncF64U:
		v := s.PopF64()
		if math.IsNaN(v) || v < 0 || v >= 1<<32 {
			return true, wasm.NewTrap(wasm.TrapIntegerOverflow, "i32.trunc_f64_u")
		}
		s.PushU32(uint32(v))
	case ir.OpI64TruncF32S:
		v := s.PopF32()
		if math.IsNaN(float64(v)) || v < math.MinInt64 || v >= 1<<63 {
			return true, wasm.NewTrap(wasm.TrapIntegerOverflow, "i64.trunc_f32_s")
		}
		s.PushI64(int64(v))
	case ir.OpI64TruncF32U:
		v := s.PopF32()
		if math.IsNaN(float64(v)) || v < 0 || v >= 1<<64 {
			return true, wasm.NewTrap(wasm.TrapIntegerOverflow, "i64.trunc_f32_u")
		}
		s.PushU64(uint64(v))
	case ir.OpI64TruncF64S:
		v := s.PopF64()
		if math.IsNaN(v) || v < math.MinInt64 || v >= 1<<63 {
			return true, wasm.NewTrap(wasm.TrapIntegerOverflow, "i64.trunc_f64_s")
		}
		s.PushI64(int64(v))
	case ir.OpI64TruncF64U:
		v := s.PopF64()
		if math.IsNaN(v) || v < 0 || v >= 1<<64 {
			return true, wasm.NewTrap(wasm.TrapIntegerOverflow, "i64.trunc_f64_u")
		}
		s.PushU64(uint64(v))
	case ir.OpF32ConvertI32S:
		s.PushF32(float32(s.PopI32()))
	case ir.OpF32ConvertI32U:
		s.PushF32(float32(s.PopU32()))
	case ir.OpF32ConvertI64S:
		s.PushF32(float32(s.PopI64()))
	case ir.OpF32ConvertI64U:
		s.PushF32(float32(s.PopU64()))
	case ir.OpF32DemoteF64:
		s.PushF32(float32(s.PopF64()))
	case ir.OpF64ConvertI32S:
		s.PushF64(float64(s.PopI32()))
	case ir.OpF64ConvertI32U:
		s.PushF64(float64(s.PopU32()))
	case ir.OpF64ConvertI64S:
		s.PushF64(float64(s.PopI64()))
	case ir.OpF64ConvertI64U:
		s.PushF64(float64(s.PopU64()))
	case ir.OpF64PromoteF32:
		s.PushF64(float64(s.PopF32()))
	case ir.OpI32ReinterpretF32:
		s.PushU32(math.Float32bits(s.PopF32()))
	case ir.OpI64ReinterpretF64:
		s.PushU64(math.Float64bits(s.PopF64()))
	case ir.OpF32ReinterpretI32:
		s.PushF32(math.Float32frombits(s.PopU32()))
	case ir.OpF64ReinterpretI64:
		s.PushF64(math.Float64frombits(s.PopU64()))

	default:
		return false, nil
	}
	return true, nil
}
