package hlc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gowazen/gowazen/internal/ir"
)

// TestCompileBlockSizePrefix verifies a Block is encoded as opcode, arity, a 4-byte big-endian body size, the
// body itself, then OpEnd — letting a reader skip the whole construct without walking its instructions.
func TestCompileBlockSizePrefix(t *testing.T) {
	body := []ir.Inst{
		{
			Op: ir.OpBlock, BlockType: 0x7f,
			Then: []ir.Inst{
				{Op: ir.OpI32Const, I32: 7},
			},
		},
	}
	out, err := New().CompileFunc(&ir.FuncType{Results: []byte{0x7f}}, nil, body, nil)
	require.NoError(t, err)

	require.Equal(t, byte(ir.OpBlock), out[0])
	require.Equal(t, byte(1), out[1]) // i32 result => arity 1
	size := binary.BigEndian.Uint32(out[2:6])
	bodyStart := 6
	require.Equal(t, uint32(5), size) // i32.const: 1 opcode byte + 4 immediate bytes
	require.Equal(t, byte(ir.OpI32Const), out[bodyStart])
	require.Equal(t, int32(7), int32(binary.BigEndian.Uint32(out[bodyStart+1:bodyStart+5])))
	require.Equal(t, byte(ir.OpEnd), out[bodyStart+int(size)])

	// the implicit trailing Return follows the block's OpEnd, since the body didn't already end in one.
	require.Equal(t, byte(ir.OpReturn), out[bodyStart+int(size)+1])
	require.Len(t, out, bodyStart+int(size)+2)
}

// TestCompileIfDualSizePrefix verifies an If writes its else-size twice (once right after the then-size, once
// again right before the else-body), so a reader can skip either branch independently.
func TestCompileIfDualSizePrefix(t *testing.T) {
	body := []ir.Inst{
		{
			Op: ir.OpIf, BlockType: 0x7f,
			Then: []ir.Inst{{Op: ir.OpI32Const, I32: 1}},
			Else: []ir.Inst{{Op: ir.OpI32Const, I32: 2}, {Op: ir.OpI32Const, I32: 3}},
		},
	}
	out, err := New().CompileFunc(&ir.FuncType{Results: []byte{0x7f}}, nil, body, nil)
	require.NoError(t, err)

	require.Equal(t, byte(ir.OpIf), out[0])
	require.Equal(t, byte(1), out[1])
	thenSize := binary.BigEndian.Uint32(out[2:6])
	elseSizeHeader := binary.BigEndian.Uint32(out[6:10])
	require.Equal(t, uint32(5), thenSize) // one i32.const

	thenStart := 10
	require.Equal(t, byte(ir.OpI32Const), out[thenStart])
	elseMarkerAt := thenStart + int(thenSize)
	require.Equal(t, byte(ir.OpElse), out[elseMarkerAt])

	elseSizeAt2 := elseMarkerAt + 1
	elseSizeRepeated := binary.BigEndian.Uint32(out[elseSizeAt2 : elseSizeAt2+4])
	require.Equal(t, elseSizeHeader, elseSizeRepeated) // both copies agree
	require.Equal(t, uint32(10), elseSizeRepeated)     // two i32.const: 2*(1+4)

	elseStart := elseSizeAt2 + 4
	require.Equal(t, byte(ir.OpI32Const), out[elseStart])
	endAt := elseStart + int(elseSizeRepeated)
	require.Equal(t, byte(ir.OpEnd), out[endAt])
}

// TestCompileImplicitReturnSkippedWhenBodyEndsInReturn confirms CompileFunc doesn't append a redundant trailing
// Return when the body already ends in one.
func TestCompileImplicitReturnSkippedWhenBodyEndsInReturn(t *testing.T) {
	body := []ir.Inst{{Op: ir.OpI32Const, I32: 1}, {Op: ir.OpReturn}}
	out, err := New().CompileFunc(&ir.FuncType{Results: []byte{0x7f}}, nil, body, nil)
	require.NoError(t, err)
	require.Equal(t, byte(ir.OpReturn), out[len(out)-1])
	// exactly one Return: i32.const(5 bytes) + return(1 byte)
	require.Len(t, out, 6)
}
