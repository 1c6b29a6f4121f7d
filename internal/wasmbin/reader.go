// Package wasmbin is a deliberately small, non-validating binary decoder for the WebAssembly MVP module format
// (SPEC_FULL.md §4.1). It recognizes the module preamble and the section kinds needed to drive gowazen end to
// end, feeding internal/section.Section records straight into an *section.Assembler. It never checks that a
// decoded module is well-typed — that is the Validator's job, out of this package's scope — so running decoded
// output through anything but a validated pipeline is unsafe.
package wasmbin

import "github.com/gowazen/gowazen/internal/wasm"

// reader is a forward-only cursor over a byte slice, shared by the module-level and per-section/per-body
// decoders (each section's payload is sliced off and read with its own reader, so a section can never read past
// its declared size).
type reader struct {
	data []byte
	pos  int
}

func (r *reader) eof() bool { return r.pos >= len(r.data) }

func (r *reader) u8() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, &wasm.DecodeError{Reason: "unexpected end of input"}
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, &wasm.DecodeError{Reason: "unexpected end of input"}
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) read(buf []byte) error {
	b, err := r.bytes(len(buf))
	if err != nil {
		return err
	}
	copy(buf, b)
	return nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (r *reader) u64() (uint64, error) {
	lo, err := r.u32()
	if err != nil {
		return 0, err
	}
	hi, err := r.u32()
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

// uvarintN decodes an unsigned LEB128 value, rejecting one that would need more than bits bits.
func (r *reader) uvarintN(bits int) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			if bits < 64 && result>>uint(bits) != 0 {
				return 0, &wasm.DecodeError{Reason: "leb128 varuint overflow"}
			}
			return result, nil
		}
		shift += 7
		if shift >= uint(bits)+7 {
			return 0, &wasm.DecodeError{Reason: "leb128 varuint overflow"}
		}
	}
}

// varintN decodes a signed LEB128 value, sign-extending the final group per the encoding's own sign bit.
func (r *reader) varintN(bits int) (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.u8()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= uint(bits) {
			return 0, &wasm.DecodeError{Reason: "leb128 varint overflow"}
		}
	}
	if shift < uint(bits) && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func (r *reader) uvarint32() (uint32, error) {
	v, err := r.uvarintN(32)
	return uint32(v), err
}

func (r *reader) uvarint64() (uint64, error) { return r.uvarintN(64) }

func (r *reader) varint32() (int32, error) {
	v, err := r.varintN(32)
	return int32(v), err
}

func (r *reader) varint64() (int64, error) { return r.varintN(64) }

func (r *reader) name() (string, error) {
	n, err := r.uvarint32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) limits() (wasm.Limits, error) {
	flag, err := r.u8()
	if err != nil {
		return wasm.Limits{}, err
	}
	min, err := r.uvarint32()
	if err != nil {
		return wasm.Limits{}, err
	}
	lim := wasm.Limits{Min: min}
	if flag == 1 {
		max, err := r.uvarint32()
		if err != nil {
			return wasm.Limits{}, err
		}
		lim.Max = &max
	}
	return lim, nil
}

func (r *reader) valueTypeVector() ([]byte, error) {
	n, err := r.uvarint32()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}
