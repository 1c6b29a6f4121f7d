// Package api includes constants and interfaces used by both end-users and internal implementations.
package api

import (
	"context"
	"fmt"
	"math"
	"reflect"
)

// ExternType classifies imports and exports with their respective types.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

// ExternTypeName returns the name of the WebAssembly 1.0 Text Format field of the given type.
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return "func"
	case ExternTypeTable:
		return "table"
	case ExternTypeMemory:
		return "memory"
	case ExternTypeGlobal:
		return "global"
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType describes a numeric type used in WebAssembly 1.0 (MVP). Function parameters, results, and globals
// are only definable as a value type.
//
// The following describes how to convert between Wasm and Go types:
//
//   - ValueTypeI32 - uint64(uint32,int32)
//   - ValueTypeI64 - uint64(int64)
//   - ValueTypeF32 - EncodeF32 DecodeF32 from float32
//   - ValueTypeF64 - EncodeF64 DecodeF64 from float64
//
// Note: This is a type alias as it is easier to encode and decode in the binary format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-valtype
type ValueType = byte

const (
	// ValueTypeI32 is a 32-bit integer.
	ValueTypeI32 ValueType = 0x7f
	// ValueTypeI64 is a 64-bit integer.
	ValueTypeI64 ValueType = 0x7e
	// ValueTypeF32 is a 32-bit floating point number.
	ValueTypeF32 ValueType = 0x7d
	// ValueTypeF64 is a 64-bit floating point number.
	ValueTypeF64 ValueType = 0x7c
)

// ValueTypeName returns the type name of the given ValueType as used in the WebAssembly text format.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	}
	return "unknown"
}

// Module return functions exported in a module, post-instantiation.
//
// Note: This is an interface for decoupling, not third-party implementations. All implementations are in gowazen.
type Module interface {
	fmt.Stringer

	// Name is the name this module was instantiated with.
	Name() string

	// Memory returns the first memory defined in this module, or nil if it has none.
	Memory() Memory

	// ExportedFunction returns a function exported from this module or nil if it wasn't.
	ExportedFunction(name string) Function

	// ExportedMemory returns a memory exported from this module or nil if it wasn't.
	ExportedMemory(name string) Memory

	// ExportedTable returns a table exported from this module or nil if it wasn't.
	ExportedTable(name string) Table

	// ExportedGlobal returns a global exported from this module or nil if it wasn't.
	ExportedGlobal(name string) Global

	// Close releases resources allocated for this Module. Calling this more than once has no effect.
	Close(ctx context.Context) error
}

// FunctionDefinition is metadata about a WebAssembly function available before or after instantiation.
type FunctionDefinition interface {
	// ModuleName is the possibly empty name of the module defining this function.
	ModuleName() string

	// Index is the position in the module's function index namespace, imports first.
	Index() uint32

	// Name is the module-defined name of the function, which may differ from its export name.
	Name() string

	// Import returns true with the module and function name when this function is imported.
	Import() (moduleName, name string, isImport bool)

	// ExportNames includes all export names for the given function.
	ExportNames() []string

	// ParamTypes are the possibly empty sequence of value types accepted by a function with this signature.
	ParamTypes() []ValueType

	// ResultTypes are the results of the function. WebAssembly 1.0 allows at most one.
	ResultTypes() []ValueType
}

// Function is a WebAssembly function exported from an instantiated module.
type Function interface {
	// Definition is metadata about this function from its defining module.
	Definition() FunctionDefinition

	// Call invokes the function with parameters encoded per ParamTypes and returns results encoded per ResultTypes.
	// When the context is nil, it defaults to context.Background.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Global is a WebAssembly global exported from an instantiated module.
type Global interface {
	fmt.Stringer

	// Type describes the numeric type of the global.
	Type() ValueType

	// Get returns the current value of this global.
	Get() uint64
}

// MutableGlobal is a Global whose value can be updated at runtime (a mutable global).
type MutableGlobal interface {
	Global

	// Set updates the value of this global.
	Set(v uint64)
}

// Table allows restricted access to a module's table of function references.
type Table interface {
	// Size returns the current count of elements in the table.
	Size() uint32

	// Grow increases the table by the delta in elements. Returns the previous size, or false if the delta was
	// ignored because it would exceed the table's maximum.
	Grow(delta uint32) (previous uint32, ok bool)
}

// Memory allows restricted access to a module's linear memory: reading its size and growing it.
//
// All values are encoded little-endian, per the WebAssembly Core Specification.
type Memory interface {
	// Size returns the size in bytes available. Ex. If the underlying memory has 1 page: 65536
	Size() uint32

	// Grow increases memory by the delta in pages (65536 bytes per page).
	// The return value is the previous memory size in pages, or false if the delta was ignored as it exceeds
	// the memory's maximum.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)

	// ReadByte reads a single byte from the underlying buffer at the offset or returns false if out of range.
	ReadByte(offset uint32) (byte, bool)

	// ReadUint32Le reads a uint32 in little-endian encoding at the offset, or false if out of range.
	ReadUint32Le(offset uint32) (uint32, bool)

	// Read reads byteCount bytes from the underlying buffer at the offset, or false if out of range.
	//
	// This returns a view of the underlying memory, not a copy: writes to the returned slice are visible to Wasm
	// and vice-versa, until the buffer is reallocated by Grow.
	Read(offset, byteCount uint32) ([]byte, bool)

	// WriteByte writes a single byte to the underlying buffer at the offset, or false if out of range.
	WriteByte(offset uint32, v byte) bool

	// WriteUint32Le writes the value in little-endian encoding at the offset, or false if out of range.
	WriteUint32Le(offset, v uint32) bool

	// Write writes the slice to the underlying buffer at the offset, or false if out of range.
	Write(offset uint32, v []byte) bool
}

// GoFunction is the lowest-level mechanism to define a host function, operating directly on the operand stack.
//
// Ex.
//
//	builder.WithGoFunction(api.GoFunction(func(ctx context.Context, stack []uint64) {
//		x, y := uint32(stack[0]), uint32(stack[1])
//		stack[0] = uint64(x + y)
//	}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32})
type GoFunction func(ctx context.Context, stack []uint64)

// GoModuleFunction is a GoFunction that also receives the calling Module, e.g. to access its Memory.
type GoModuleFunction func(ctx context.Context, mod Module, stack []uint64)

// ReflectedGoFunc returns the reflect.Value backing a function defined via reflection (HostFunctionBuilder.WithFunc).
// Returns nil when fn isn't backed by reflection.
func ReflectedGoFunc(fn interface{}) *reflect.Value {
	if rv, ok := fn.(*reflect.Value); ok {
		return rv
	}
	return nil
}

// EncodeI32 encodes the input as a ValueTypeI32.
func EncodeI32(input int32) uint64 {
	return uint64(uint32(input))
}

// DecodeI32 decodes the input as a ValueTypeI32.
func DecodeI32(input uint64) int32 {
	return int32(uint32(input))
}

// EncodeI64 encodes the input as a ValueTypeI64.
func EncodeI64(input int64) uint64 {
	return uint64(input)
}

// DecodeI64 decodes the input as a ValueTypeI64.
func DecodeI64(input uint64) int64 {
	return int64(input)
}

// EncodeF32 encodes the input as a ValueTypeF32.
func EncodeF32(input float32) uint64 {
	return uint64(math.Float32bits(input))
}

// DecodeF32 decodes the input as a ValueTypeF32.
func DecodeF32(input uint64) float32 {
	return math.Float32frombits(uint32(input))
}

// EncodeF64 encodes the input as a ValueTypeF64.
func EncodeF64(input float64) uint64 {
	return math.Float64bits(input)
}

// DecodeF64 decodes the input as a ValueTypeF64.
func DecodeF64(input uint64) float64 {
	return math.Float64frombits(input)
}
