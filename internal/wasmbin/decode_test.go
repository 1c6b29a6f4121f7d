package wasmbin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/hlc"
	"github.com/gowazen/gowazen/internal/instantiate"
	"github.com/gowazen/gowazen/internal/llc"
	"github.com/gowazen/gowazen/internal/section"
	"github.com/gowazen/gowazen/internal/wasm"
)

// addModuleBinary is a hand-assembled %.wasm module exporting add(i32,i32)->i32 with body
// `local.get 0; local.get 1; i32.add`. Every count/index here fits in one LEB128 byte, so the bytes below are
// also its unsigned values.
var addModuleBinary = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // preamble: \0asm, version 1

	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, // type section: (i32,i32)->i32

	0x03, 0x02, 0x01, 0x00, // function section: func 0 uses type 0

	0x07, 0x07, 0x01, 0x03, 'a', 'd', 'd', 0x00, 0x00, // export section: "add" -> func 0

	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b, // code section
}

func decodeInto(t *testing.T, backend section.Backend) *wasm.Module {
	t.Helper()
	asm := section.New()
	require.NoError(t, Decode(addModuleBinary, asm))
	mod, err := asm.Finish(backend)
	require.NoError(t, err)
	return mod
}

func TestDecodeAddModuleBothBackends(t *testing.T) {
	for _, tc := range []struct {
		name    string
		backend section.Backend
	}{
		{"high-level", hlc.New()},
		{"low-level", llc.New(wasm.ByteOrderBig)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mod := decodeInto(t, tc.backend)
			require.Len(t, mod.TypeSection, 1)
			require.Equal(t, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, mod.TypeSection[0].Params)
			require.Equal(t, []api.ValueType{api.ValueTypeI32}, mod.TypeSection[0].Results)
			require.Len(t, mod.CodeSection, 1)
			require.Len(t, mod.ExportSection, 1)
			require.Equal(t, "add", mod.ExportSection[0].Name)

			inst, err := instantiate.Instantiate(context.Background(), mod, wasm.NewImports(), "m", instantiate.Options{})
			require.NoError(t, err)
			fn := inst.ExportedFunction("add")
			require.NotNil(t, fn)
			results, err := inst.Engine.Call(context.Background(), fn, []uint64{api.EncodeI32(7), api.EncodeI32(5)})
			require.NoError(t, err)
			require.Equal(t, int32(12), api.DecodeI32(results[0]))
		})
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	bad := append([]byte(nil), addModuleBinary...)
	bad[1] = 0xff
	asm := section.New()
	err := Decode(bad, asm)
	var decodeErr *wasm.DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	bad := append([]byte(nil), addModuleBinary...)
	bad[4] = 2 // version
	asm := section.New()
	err := Decode(bad, asm)
	var decodeErr *wasm.DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	asm := section.New()
	err := Decode(addModuleBinary[:len(addModuleBinary)-3], asm)
	require.Error(t, err)
}
