package llc

import (
	"encoding/binary"
	"unsafe"
)

// nativeByteOrder resolves wasm.ByteOrderNative to whichever of binary.BigEndian/LittleEndian matches the host
// CPU, detected once at package init via a classic byte-at-address probe.
var nativeByteOrder binary.ByteOrder = detectNativeByteOrder()

func detectNativeByteOrder() binary.ByteOrder {
	var x uint16 = 1
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
