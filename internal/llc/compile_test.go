package llc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/wasm"
)

// noResolver satisfies ir.FuncResolver for bodies that never call/call_indirect.
type noResolver struct{}

func (noResolver) FuncType(uint32) (*ir.FuncType, error) { return nil, nil }
func (noResolver) TypeAt(uint32) (*ir.FuncType, error)   { return nil, nil }

// TestCompileForwardBranchFixup exercises the errata mechanism's simplest case: a Br whose target (the end of
// its enclosing Block) is not known until the Block itself finishes compiling, so the target bytes are
// reserved as a placeholder and only patched once fixup runs.
func TestCompileForwardBranchFixup(t *testing.T) {
	sig := &ir.FuncType{Results: []byte{0x7f}} // i32
	body := []ir.Inst{
		{
			Op: ir.OpBlock, BlockType: 0x7f,
			Then: []ir.Inst{
				{Op: ir.OpI32Const, I32: 42},
				{Op: ir.OpBr, Label: 0},
			},
		},
	}
	out, err := New(wasm.ByteOrderBig).CompileFunc(sig, nil, body, noResolver{})
	require.NoError(t, err)

	// i32.const 42: opcode + 4-byte immediate
	require.Equal(t, byte(ir.OpI32Const), out[0])
	require.Equal(t, int32(42), int32(binary.BigEndian.Uint32(out[1:5])))

	// br: opcode, arity, drop(u32), target(u32)
	require.Equal(t, byte(OpBr), out[5])
	require.Equal(t, byte(1), out[6]) // the block yields one value
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(out[7:11]))
	target := binary.BigEndian.Uint32(out[11:15])

	// the block has nothing after it, so its end coincides with the function's implicit trailing Return, at
	// the first byte the errata couldn't have known about until now.
	require.Equal(t, uint32(15), target)
	require.Equal(t, byte(ir.OpReturn), out[target])
	require.Len(t, out, 16)
}

// TestCompileLoopBackBranchResolvesToLoopStart confirms a Loop's own label is recorded at its start, before its
// body compiles, so fixup patches a Br back to it with the loop's first byte (offset 0 here).
func TestCompileLoopBackBranchResolvesToLoopStart(t *testing.T) {
	sig := &ir.FuncType{}
	body := []ir.Inst{
		{
			Op: ir.OpLoop, BlockType: 0x40,
			Then: []ir.Inst{
				{Op: ir.OpBr, Label: 0},
			},
		},
	}
	out, err := New(wasm.ByteOrderBig).CompileFunc(sig, nil, body, noResolver{})
	require.NoError(t, err)

	require.Equal(t, byte(OpBr), out[0])
	require.Equal(t, byte(0), out[1]) // loop continuations carry no value
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(out[2:6]))
	target := binary.BigEndian.Uint32(out[6:10])
	require.Equal(t, uint32(0), target) // the loop's own start, offset 0
}

// TestCompileBrTableFixupMultipleTargets builds a br_table with 3 explicit labels plus a default, each pointing
// at a distinct cascading block's end, and verifies fixup resolves all 4 targets to 4 distinct, increasing
// offsets rather than leaving any placeholder zeroed or aliased to another.
func TestCompileBrTableFixupMultipleTargets(t *testing.T) {
	sig := &ir.FuncType{Params: []byte{0x7f}, Results: []byte{0x7f}}
	body := []ir.Inst{
		{
			Op: ir.OpBlock, BlockType: 0x7f,
			Then: []ir.Inst{
				{
					Op: ir.OpBlock, BlockType: 0x40,
					Then: []ir.Inst{
						{
							Op: ir.OpBlock, BlockType: 0x40,
							Then: []ir.Inst{
								{
									Op: ir.OpBlock, BlockType: 0x40,
									Then: []ir.Inst{
										{
											Op: ir.OpBlock, BlockType: 0x40,
											Then: []ir.Inst{
												{Op: ir.OpLocalGet, Index: 0},
												{Op: ir.OpBrTable, Labels: []uint32{0, 1, 2}, Default: 3},
											},
										},
										{Op: ir.OpI32Const, I32: 10},
										{Op: ir.OpBr, Label: 3},
									},
								},
								{Op: ir.OpI32Const, I32: 20},
								{Op: ir.OpBr, Label: 2},
							},
						},
						{Op: ir.OpI32Const, I32: 30},
						{Op: ir.OpBr, Label: 1},
					},
				},
				{Op: ir.OpI32Const, I32: 99},
			},
		},
	}
	out, err := New(wasm.ByteOrderBig).CompileFunc(sig, nil, body, noResolver{})
	require.NoError(t, err)

	// local.get 0: opcode + u32 index
	require.Equal(t, byte(ir.OpLocalGet), out[0])
	require.Equal(t, byte(OpBrTable), out[5])
	count := binary.BigEndian.Uint32(out[6:10])
	require.Equal(t, uint32(3), count)

	pos := 10
	var targets []uint32
	for i := 0; i < 4; i++ { // 3 labels + 1 default, each (arity byte, drop u32, target u32)
		pos++ // arity byte
		pos += 4 // drop
		targets = append(targets, binary.BigEndian.Uint32(out[pos:pos+4]))
		pos += 4
	}

	require.Len(t, targets, 4)
	seen := map[uint32]bool{}
	for _, off := range targets {
		require.False(t, seen[off], "target %d resolved more than once", off)
		seen[off] = true
		require.Less(t, int(off), len(out))
	}
	// targets must strictly increase: label 0 (innermost block) resolves to the earliest offset, default (the
	// outermost of the four) to the latest.
	for i := 1; i < len(targets); i++ {
		require.Greater(t, targets[i], targets[i-1])
	}
}
