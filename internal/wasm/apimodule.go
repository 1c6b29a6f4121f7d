package wasm

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gowazen/gowazen/api"
)

// apiModule adapts an *Instance to api.Module, the host-facing surface returned from instantiation. It is kept
// separate from Instance itself so the internal/wasm data model stays free of fmt.Stringer/Close plumbing that
// only matters once a module is handed to a caller.
type apiModule struct{ inst *Instance }

// AsAPIModule wraps inst as an api.Module.
func AsAPIModule(inst *Instance) api.Module { return &apiModule{inst: inst} }

func (m *apiModule) String() string { return "module[" + m.inst.Name + "]" }

func (m *apiModule) Name() string { return m.inst.Name }

func (m *apiModule) Memory() api.Memory {
	if mem := m.inst.Memory(); mem != nil {
		return &apiMemory{mem}
	}
	return nil
}

func (m *apiModule) ExportedFunction(name string) api.Function {
	if fn := m.inst.ExportedFunction(name); fn != nil {
		return &apiFunction{inst: m.inst, fn: fn, name: name}
	}
	return nil
}

func (m *apiModule) ExportedMemory(name string) api.Memory {
	if mem := m.inst.ExportedMemory(name); mem != nil {
		return &apiMemory{mem}
	}
	return nil
}

func (m *apiModule) ExportedTable(name string) api.Table {
	if t := m.inst.ExportedTable(name); t != nil {
		return &apiTable{t}
	}
	return nil
}

func (m *apiModule) ExportedGlobal(name string) api.Global {
	if g := m.inst.ExportedGlobal(name); g != nil {
		return &apiGlobal{g}
	}
	return nil
}

// Close is a no-op: instances hold no OS resources, only Go heap memory reclaimed by the garbage collector.
func (m *apiModule) Close(context.Context) error { return nil }

type apiFunction struct {
	inst *Instance
	fn   *FunctionInstance
	name string
}

func (f *apiFunction) Definition() api.FunctionDefinition { return &apiFuncDef{f.fn, f.name} }

func (f *apiFunction) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return f.inst.Engine.Call(ctx, f.fn, params)
}

type apiFuncDef struct {
	fn   *FunctionInstance
	name string
}

func (d *apiFuncDef) ModuleName() string {
	if d.fn.Owner != nil {
		return d.fn.Owner.Name
	}
	return ""
}
func (d *apiFuncDef) Index() uint32 { return 0 } // not tracked post-link; exports are looked up by name
func (d *apiFuncDef) Name() string  { return d.name }
func (d *apiFuncDef) Import() (moduleName, name string, isImport bool) {
	return "", "", false
}
func (d *apiFuncDef) ExportNames() []string  { return []string{d.name} }
func (d *apiFuncDef) ParamTypes() []api.ValueType  { return d.fn.Type.Params }
func (d *apiFuncDef) ResultTypes() []api.ValueType { return d.fn.Type.Results }

type apiGlobal struct{ g *GlobalInstance }

func (g *apiGlobal) String() string       { return fmt.Sprintf("global(%#x)", g.g.Val) }
func (g *apiGlobal) Type() api.ValueType  { return g.g.Type.ValType }
func (g *apiGlobal) Get() uint64          { return g.g.Val }
func (g *apiGlobal) Set(v uint64)         { g.g.Val = v }

type apiTable struct{ t *TableInstance }

func (t *apiTable) Size() uint32 { return uint32(len(t.t.References)) }
func (t *apiTable) Grow(delta uint32) (uint32, bool) { return t.t.Grow(delta) }

// apiMemory adapts a *MemoryInstance to api.Memory. Every access is bounds-checked against the live buffer;
// Wasm linear memory is always little-endian regardless of the low-level compiler's configurable immediate
// byte order (spec.md §9), so this type hardcodes binary.LittleEndian rather than taking it as a parameter.
type apiMemory struct{ m *MemoryInstance }

func (m *apiMemory) Size() uint32 { return m.m.Size() }

func (m *apiMemory) Grow(deltaPages uint32) (uint32, bool) { return m.m.Grow(deltaPages) }

func (m *apiMemory) ReadByte(offset uint32) (byte, bool) {
	if uint64(offset) >= uint64(len(m.m.Buffer)) {
		return 0, false
	}
	return m.m.Buffer[offset], true
}

func (m *apiMemory) ReadUint32Le(offset uint32) (uint32, bool) {
	b, ok := m.Read(offset, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (m *apiMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m.m.Buffer)) {
		return nil, false
	}
	return m.m.Buffer[offset:end], true
}

func (m *apiMemory) WriteByte(offset uint32, v byte) bool {
	if uint64(offset) >= uint64(len(m.m.Buffer)) {
		return false
	}
	m.m.Buffer[offset] = v
	return true
}

func (m *apiMemory) WriteUint32Le(offset, v uint32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(offset, b[:])
}

func (m *apiMemory) Write(offset uint32, v []byte) bool {
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(m.m.Buffer)) {
		return false
	}
	copy(m.m.Buffer[offset:end], v)
	return true
}
