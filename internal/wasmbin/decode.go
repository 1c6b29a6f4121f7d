package wasmbin

import (
	"math"

	"github.com/gowazen/gowazen/api"
	"github.com/gowazen/gowazen/internal/ir"
	"github.com/gowazen/gowazen/internal/section"
	"github.com/gowazen/gowazen/internal/wasm"
)

var preambleMagic = [4]byte{0x00, 0x61, 0x73, 0x6d}

const mvpVersion = 1

const (
	secCustom   = 0
	secType     = 1
	secImport   = 2
	secFunction = 3
	secTable    = 4
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secStart    = 8
	secElement  = 9
	secCode     = 10
	secData     = 11
)

// Decode reads a %.wasm module's preamble and section stream, folding each recognized section into asm in file
// order. Sections are read in whatever order they appear; the decoder itself enforces no ordering (that is the
// Validator's job) beyond what reading a flat byte stream already implies.
func Decode(data []byte, asm *section.Assembler) error {
	r := &reader{data: data}

	var magic [4]byte
	if err := r.read(magic[:]); err != nil {
		return &wasm.DecodeError{Reason: "truncated module preamble"}
	}
	if magic != preambleMagic {
		return &wasm.DecodeError{Reason: "not a wasm module: bad magic bytes"}
	}
	version, err := r.u32()
	if err != nil {
		return &wasm.DecodeError{Reason: "truncated module preamble"}
	}
	if version != mvpVersion {
		return &wasm.DecodeError{Reason: "unsupported wasm binary version"}
	}

	for !r.eof() {
		id, err := r.u8()
		if err != nil {
			return err
		}
		size, err := r.uvarint32()
		if err != nil {
			return err
		}
		payload, err := r.bytes(int(size))
		if err != nil {
			return err
		}
		sr := &reader{data: payload}

		sec, err := decodeSection(id, sr)
		if err != nil {
			return err
		}
		if sec != nil {
			if err := asm.Fold(sec); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeSection(id byte, r *reader) (section.Section, error) {
	switch id {
	case secCustom:
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		data, err := r.bytes(len(r.data) - r.pos)
		if err != nil {
			return nil, err
		}
		return section.CustomSectionRecord{Name: name, Data: append([]byte(nil), data...)}, nil
	case secType:
		return decodeTypeSection(r)
	case secImport:
		return decodeImportSection(r)
	case secFunction:
		return decodeFunctionSection(r)
	case secTable:
		return decodeTableSection(r)
	case secMemory:
		return decodeMemorySection(r)
	case secGlobal:
		return decodeGlobalSection(r)
	case secExport:
		return decodeExportSection(r)
	case secStart:
		idx, err := r.uvarint32()
		if err != nil {
			return nil, err
		}
		return section.StartSection{FuncIndex: idx}, nil
	case secElement:
		return decodeElementSection(r)
	case secCode:
		return decodeCodeSection(r)
	case secData:
		return decodeDataSection(r)
	default:
		return nil, &wasm.DecodeError{Reason: "unknown section id"}
	}
}

func decodeTypeSection(r *reader) (section.Section, error) {
	n, err := r.uvarint32()
	if err != nil {
		return nil, err
	}
	types := make([]*ir.FuncType, n)
	for i := range types {
		form, err := r.u8()
		if err != nil {
			return nil, err
		}
		if form != 0x60 {
			return nil, &wasm.DecodeError{Reason: "type section entry is not a func type"}
		}
		params, err := r.valueTypeVector()
		if err != nil {
			return nil, err
		}
		results, err := r.valueTypeVector()
		if err != nil {
			return nil, err
		}
		types[i] = &ir.FuncType{Params: params, Results: results}
	}
	return section.TypesSection{Types: types}, nil
}

func decodeImportSection(r *reader) (section.Section, error) {
	n, err := r.uvarint32()
	if err != nil {
		return nil, err
	}
	imports := make([]*wasm.Import, n)
	for i := range imports {
		mod, err := r.name()
		if err != nil {
			return nil, err
		}
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		kind, err := r.u8()
		if err != nil {
			return nil, err
		}
		imp := &wasm.Import{Module: mod, Name: name, Type: api.ExternType(kind)}
		switch api.ExternType(kind) {
		case api.ExternTypeFunc:
			imp.TypeIndex, err = r.uvarint32()
		case api.ExternTypeTable:
			var tt *wasm.TableType
			tt, err = decodeTableType(r)
			imp.Table = tt
		case api.ExternTypeMemory:
			var mt *wasm.MemoryType
			mt, err = decodeMemoryType(r)
			imp.Memory = mt
		case api.ExternTypeGlobal:
			var gt wasm.GlobalType
			gt, err = decodeGlobalType(r)
			imp.Global = &gt
		default:
			err = &wasm.DecodeError{Reason: "unknown import kind"}
		}
		if err != nil {
			return nil, err
		}
		imports[i] = imp
	}
	return section.ImportsSection{Imports: imports}, nil
}

func decodeFunctionSection(r *reader) (section.Section, error) {
	n, err := r.uvarint32()
	if err != nil {
		return nil, err
	}
	idxs := make([]uint32, n)
	for i := range idxs {
		if idxs[i], err = r.uvarint32(); err != nil {
			return nil, err
		}
	}
	return section.FunctionsSection{TypeIndices: idxs}, nil
}

func decodeTableType(r *reader) (*wasm.TableType, error) {
	elemType, err := r.u8()
	if err != nil {
		return nil, err
	}
	if elemType != 0x70 {
		return nil, &wasm.DecodeError{Reason: "unsupported table element type"}
	}
	lim, err := r.limits()
	if err != nil {
		return nil, err
	}
	return &wasm.TableType{Limits: lim}, nil
}

func decodeMemoryType(r *reader) (*wasm.MemoryType, error) {
	lim, err := r.limits()
	if err != nil {
		return nil, err
	}
	return &wasm.MemoryType{Limits: lim}, nil
}

func decodeGlobalType(r *reader) (wasm.GlobalType, error) {
	vt, err := r.u8()
	if err != nil {
		return wasm.GlobalType{}, err
	}
	mut, err := r.u8()
	if err != nil {
		return wasm.GlobalType{}, err
	}
	return wasm.GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

func decodeTableSection(r *reader) (section.Section, error) {
	n, err := r.uvarint32()
	if err != nil {
		return nil, err
	}
	tables := make([]*wasm.TableType, n)
	for i := range tables {
		if tables[i], err = decodeTableType(r); err != nil {
			return nil, err
		}
	}
	return section.TablesSection{Tables: tables}, nil
}

func decodeMemorySection(r *reader) (section.Section, error) {
	n, err := r.uvarint32()
	if err != nil {
		return nil, err
	}
	mems := make([]*wasm.MemoryType, n)
	for i := range mems {
		if mems[i], err = decodeMemoryType(r); err != nil {
			return nil, err
		}
	}
	return section.MemoriesSection{Memories: mems}, nil
}

func decodeGlobalSection(r *reader) (section.Section, error) {
	n, err := r.uvarint32()
	if err != nil {
		return nil, err
	}
	globals := make([]section.RawGlobal, n)
	for i := range globals {
		gt, err := decodeGlobalType(r)
		if err != nil {
			return nil, err
		}
		init, err := decodeConstExpr(r)
		if err != nil {
			return nil, err
		}
		globals[i] = section.RawGlobal{Type: gt, Init: init}
	}
	return section.GlobalsSection{Globals: globals}, nil
}

func decodeExportSection(r *reader) (section.Section, error) {
	n, err := r.uvarint32()
	if err != nil {
		return nil, err
	}
	exports := make([]*wasm.Export, n)
	for i := range exports {
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		kind, err := r.u8()
		if err != nil {
			return nil, err
		}
		idx, err := r.uvarint32()
		if err != nil {
			return nil, err
		}
		exports[i] = &wasm.Export{Name: name, Type: api.ExternType(kind), Index: idx}
	}
	return section.ExportsSection{Exports: exports}, nil
}

func decodeElementSection(r *reader) (section.Section, error) {
	n, err := r.uvarint32()
	if err != nil {
		return nil, err
	}
	elems := make([]section.RawElement, n)
	for i := range elems {
		tableIdx, err := r.uvarint32()
		if err != nil {
			return nil, err
		}
		offset, err := decodeConstExpr(r)
		if err != nil {
			return nil, err
		}
		count, err := r.uvarint32()
		if err != nil {
			return nil, err
		}
		init := make([]uint32, count)
		for j := range init {
			if init[j], err = r.uvarint32(); err != nil {
				return nil, err
			}
		}
		elems[i] = section.RawElement{TableIndex: tableIdx, Offset: offset, Init: init}
	}
	return section.ElementsSection{Elements: elems}, nil
}

func decodeDataSection(r *reader) (section.Section, error) {
	n, err := r.uvarint32()
	if err != nil {
		return nil, err
	}
	data := make([]section.RawData, n)
	for i := range data {
		memIdx, err := r.uvarint32()
		if err != nil {
			return nil, err
		}
		offset, err := decodeConstExpr(r)
		if err != nil {
			return nil, err
		}
		count, err := r.uvarint32()
		if err != nil {
			return nil, err
		}
		bytes, err := r.bytes(int(count))
		if err != nil {
			return nil, err
		}
		data[i] = section.RawData{MemoryIndex: memIdx, Offset: offset, Init: append([]byte(nil), bytes...)}
	}
	return section.DataSection{Data: data}, nil
}

func decodeCodeSection(r *reader) (section.Section, error) {
	n, err := r.uvarint32()
	if err != nil {
		return nil, err
	}
	bodies := make([]section.RawFuncBody, n)
	for i := range bodies {
		size, err := r.uvarint32()
		if err != nil {
			return nil, err
		}
		payload, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		br := &reader{data: payload}

		groupCount, err := br.uvarint32()
		if err != nil {
			return nil, err
		}
		var locals []api.ValueType
		for g := uint32(0); g < groupCount; g++ {
			count, err := br.uvarint32()
			if err != nil {
				return nil, err
			}
			vt, err := br.u8()
			if err != nil {
				return nil, err
			}
			for c := uint32(0); c < count; c++ {
				locals = append(locals, vt)
			}
		}
		body, err := decodeInstSeqToEnd(br)
		if err != nil {
			return nil, err
		}
		bodies[i] = section.RawFuncBody{Locals: locals, Body: body}
	}
	return section.CodeSection{Bodies: bodies}, nil
}

// decodeConstExpr decodes a constant initializer expression: an instruction sequence terminated by End, exactly
// like a function body but restricted (by the Validator, not enforced here) to constant ops and global.get.
func decodeConstExpr(r *reader) ([]ir.Inst, error) { return decodeInstSeqToEnd(r) }

type terminator int

const (
	termEnd terminator = iota
	termElse
)

func decodeInstSeqToEnd(r *reader) ([]ir.Inst, error) {
	insts, term, err := decodeInstSeq(r)
	if err != nil {
		return nil, err
	}
	if term != termEnd {
		return nil, &wasm.DecodeError{Reason: "expected end opcode"}
	}
	return insts, nil
}

// decodeInstSeq decodes instructions until it consumes a terminating End or Else, reporting which.
func decodeInstSeq(r *reader) ([]ir.Inst, terminator, error) {
	var out []ir.Inst
	for {
		b, err := r.u8()
		if err != nil {
			return nil, 0, err
		}
		op := ir.Op(b)
		switch op {
		case ir.OpEnd:
			return out, termEnd, nil
		case ir.OpElse:
			return out, termElse, nil
		}
		inst, err := decodeInst(r, op)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inst)
	}
}

func decodeInst(r *reader, op ir.Op) (ir.Inst, error) {
	switch op {
	case ir.OpBlock, ir.OpLoop:
		bt, err := r.u8()
		if err != nil {
			return ir.Inst{}, err
		}
		body, err := decodeInstSeqToEnd(r)
		if err != nil {
			return ir.Inst{}, err
		}
		return ir.Inst{Op: op, BlockType: bt, Then: body}, nil

	case ir.OpIf:
		bt, err := r.u8()
		if err != nil {
			return ir.Inst{}, err
		}
		then, term, err := decodeInstSeq(r)
		if err != nil {
			return ir.Inst{}, err
		}
		var els []ir.Inst
		if term == termElse {
			if els, err = decodeInstSeqToEnd(r); err != nil {
				return ir.Inst{}, err
			}
		}
		return ir.Inst{Op: ir.OpIf, BlockType: bt, Then: then, Else: els}, nil

	case ir.OpBr, ir.OpBrIf:
		label, err := r.uvarint32()
		if err != nil {
			return ir.Inst{}, err
		}
		return ir.Inst{Op: op, Label: label}, nil

	case ir.OpBrTable:
		n, err := r.uvarint32()
		if err != nil {
			return ir.Inst{}, err
		}
		labels := make([]uint32, n)
		for i := range labels {
			if labels[i], err = r.uvarint32(); err != nil {
				return ir.Inst{}, err
			}
		}
		def, err := r.uvarint32()
		if err != nil {
			return ir.Inst{}, err
		}
		return ir.Inst{Op: op, Labels: labels, Default: def}, nil

	case ir.OpCall:
		idx, err := r.uvarint32()
		if err != nil {
			return ir.Inst{}, err
		}
		return ir.Inst{Op: op, FuncIndex: idx}, nil

	case ir.OpCallIndirect:
		typeIdx, err := r.uvarint32()
		if err != nil {
			return ir.Inst{}, err
		}
		if _, err := r.uvarint32(); err != nil { // reserved table index, always 0 in the MVP
			return ir.Inst{}, err
		}
		return ir.Inst{Op: op, TypeIndex: typeIdx}, nil

	case ir.OpLocalGet, ir.OpLocalSet, ir.OpLocalTee, ir.OpGlobalGet, ir.OpGlobalSet:
		idx, err := r.uvarint32()
		if err != nil {
			return ir.Inst{}, err
		}
		return ir.Inst{Op: op, Index: idx}, nil

	case ir.OpI32Load, ir.OpI64Load, ir.OpF32Load, ir.OpF64Load,
		ir.OpI32Load8S, ir.OpI32Load8U, ir.OpI32Load16S, ir.OpI32Load16U,
		ir.OpI64Load8S, ir.OpI64Load8U, ir.OpI64Load16S, ir.OpI64Load16U, ir.OpI64Load32S, ir.OpI64Load32U,
		ir.OpI32Store, ir.OpI64Store, ir.OpF32Store, ir.OpF64Store,
		ir.OpI32Store8, ir.OpI32Store16, ir.OpI64Store8, ir.OpI64Store16, ir.OpI64Store32:
		align, err := r.uvarint32()
		if err != nil {
			return ir.Inst{}, err
		}
		offset, err := r.uvarint32()
		if err != nil {
			return ir.Inst{}, err
		}
		return ir.Inst{Op: op, Mem: ir.MemArg{Align: align, Offset: offset}}, nil

	case ir.OpMemorySize, ir.OpMemoryGrow:
		if _, err := r.uvarint32(); err != nil { // reserved memory index, always 0 in the MVP
			return ir.Inst{}, err
		}
		return ir.Inst{Op: op}, nil

	case ir.OpI32Const:
		v, err := r.varint32()
		if err != nil {
			return ir.Inst{}, err
		}
		return ir.Inst{Op: op, I32: v}, nil

	case ir.OpI64Const:
		v, err := r.varint64()
		if err != nil {
			return ir.Inst{}, err
		}
		return ir.Inst{Op: op, I64: v}, nil

	case ir.OpF32Const:
		bits, err := r.u32()
		if err != nil {
			return ir.Inst{}, err
		}
		return ir.Inst{Op: op, F32: math.Float32frombits(bits)}, nil

	case ir.OpF64Const:
		bits, err := r.u64()
		if err != nil {
			return ir.Inst{}, err
		}
		return ir.Inst{Op: op, F64: math.Float64frombits(bits)}, nil

	default:
		// Every remaining opcode (numeric ops, comparisons, conversions, drop, select, nop, unreachable,
		// return) has no immediate.
		return ir.Inst{Op: op}, nil
	}
}
