package low

import (
	"encoding/binary"
	"unsafe"
)

// nativeByteOrder resolves wasm.ByteOrderNative to whichever of binary.BigEndian/LittleEndian matches the host
// CPU. Detected independently of internal/llc's own copy of this probe (spec.md §9) since the two packages have
// no dependency relationship that would let one lend the other an unexported helper.
var nativeByteOrder binary.ByteOrder = detectNativeByteOrder()

func detectNativeByteOrder() binary.ByteOrder {
	var x uint16 = 1
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
