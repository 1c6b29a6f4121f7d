package interp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/wasm"
)

func TestExecNumericArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   ir.Op
		push []uint64
		want uint64
	}{
		{"i32.add", ir.OpI32Add, []uint64{1, 2}, 3},
		{"i32.sub", ir.OpI32Sub, []uint64{5, 2}, 3},
		{"i32.mul", ir.OpI32Mul, []uint64{4, 5}, 20},
		{"i64.add", ir.OpI64Add, []uint64{1, 2}, 3},
		{"i32.eq true", ir.OpI32Eq, []uint64{7, 7}, 1},
		{"i32.eq false", ir.OpI32Eq, []uint64{7, 8}, 0},
		{"i32.lt_s negative", ir.OpI32LtS, []uint64{uint64(uint32(int32(-1))), 1}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &Stack{}
			s.PushAll(tc.push)
			handled, trap := ExecNumeric(tc.op, s)
			require.True(t, handled)
			require.Nil(t, trap)
			require.Equal(t, 1, s.Len())
			require.Equal(t, tc.want, s.Peek())
		})
	}
}

func TestExecNumericTraps(t *testing.T) {
	t.Run("i32.div_s by zero", func(t *testing.T) {
		s := &Stack{}
		s.PushAll([]uint64{10, 0})
		_, trap := ExecNumeric(ir.OpI32DivS, s)
		require.NotNil(t, trap)
		require.Equal(t, wasm.TrapIntegerDivideByZero, trap.Kind)
	})

	t.Run("i32.div_s overflow", func(t *testing.T) {
		s := &Stack{}
		s.PushI32(-2147483648)
		s.PushI32(-1)
		_, trap := ExecNumeric(ir.OpI32DivS, s)
		require.NotNil(t, trap)
		require.Equal(t, wasm.TrapIntegerOverflow, trap.Kind)
	})

	t.Run("i32.rem_s overflow wraps to zero, no trap", func(t *testing.T) {
		s := &Stack{}
		s.PushI32(-2147483648)
		s.PushI32(-1)
		handled, trap := ExecNumeric(ir.OpI32RemS, s)
		require.True(t, handled)
		require.Nil(t, trap)
		require.Equal(t, int32(0), s.PopI32())
	})
}

func TestExecNumericUnrecognizedOpcode(t *testing.T) {
	s := &Stack{}
	handled, trap := ExecNumeric(ir.OpLocalGet, s)
	require.False(t, handled)
	require.Nil(t, trap)
}

func TestStackTruncateAndPeekN(t *testing.T) {
	s := &Stack{}
	s.PushAll([]uint64{1, 2, 3, 4})
	top2 := s.PeekN(2)
	require.Equal(t, []uint64{3, 4}, top2)
	s.Truncate(1)
	require.Equal(t, 1, s.Len())
	s.PushAll(top2)
	require.Equal(t, []uint64{1, 3, 4}, s.PeekN(3))
}
