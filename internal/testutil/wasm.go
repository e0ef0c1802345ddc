package testutil

import "encoding/binary"

// WasmFunc is one exported function of a hand-assembled test module. All
// parameters and results are i32.
type WasmFunc struct {
	Name    string
	Params  int
	Results int
	// Body holds the instructions without the closing end opcode.
	Body []byte
}

// WasmData is an active data segment in memory 0.
type WasmData struct {
	Offset uint32
	Bytes  []byte
}

// WasmModule assembles a minimal WebAssembly binary: one memory, optional
// mutable i32 globals initialised to zero, exported functions and data.
//
// It exists so capsule tests can run real modules without a toolchain.
type WasmModule struct {
	Funcs        []WasmFunc
	Data         []WasmData
	Globals      int
	MemoryPages  uint32
	ExportMemory bool
}

// Instruction encodings used by test modules.
var (
	OpI32Eqz = []byte{0x45}
	OpI32Eq  = []byte{0x46}
	OpI32Add = []byte{0x6a}
	OpIfI32  = []byte{0x04, 0x7f}
	OpElse   = []byte{0x05}
	OpEnd    = []byte{0x0b}
)

// I32Const encodes i32.const v.
func I32Const(v int32) []byte { return append([]byte{0x41}, sleb(int64(v))...) }

// LocalGet encodes local.get i.
func LocalGet(i uint32) []byte { return append([]byte{0x20}, uleb(uint64(i))...) }

// GlobalGet encodes global.get i.
func GlobalGet(i uint32) []byte { return append([]byte{0x23}, uleb(uint64(i))...) }

// GlobalSet encodes global.set i.
func GlobalSet(i uint32) []byte { return append([]byte{0x24}, uleb(uint64(i))...) }

// Seq concatenates instruction sequences.
func Seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Bytes returns the encoded module.
func (m WasmModule) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// type section: one signature per function
	var types [][]byte
	for _, f := range m.Funcs {
		sig := []byte{0x60}
		sig = append(sig, uleb(uint64(f.Params))...)
		for i := 0; i < f.Params; i++ {
			sig = append(sig, 0x7f)
		}
		sig = append(sig, uleb(uint64(f.Results))...)
		for i := 0; i < f.Results; i++ {
			sig = append(sig, 0x7f)
		}
		types = append(types, sig)
	}
	out = appendSection(out, 1, types)

	var funcs [][]byte
	for i := range m.Funcs {
		funcs = append(funcs, uleb(uint64(i)))
	}
	out = appendSection(out, 3, funcs)

	pages := m.MemoryPages
	if pages == 0 {
		pages = 1
	}
	out = appendSection(out, 5, [][]byte{append([]byte{0x00}, uleb(uint64(pages))...)})

	if m.Globals > 0 {
		var globals [][]byte
		for i := 0; i < m.Globals; i++ {
			globals = append(globals, []byte{0x7f, 0x01, 0x41, 0x00, 0x0b})
		}
		out = appendSection(out, 6, globals)
	}

	var exports [][]byte
	if m.ExportMemory {
		exports = append(exports, exportEntry("memory", 0x02, 0))
	}
	for i, f := range m.Funcs {
		exports = append(exports, exportEntry(f.Name, 0x00, uint32(i)))
	}
	out = appendSection(out, 7, exports)

	var code [][]byte
	for _, f := range m.Funcs {
		body := append([]byte{0x00}, f.Body...)
		body = append(body, 0x0b)
		code = append(code, append(uleb(uint64(len(body))), body...))
	}
	out = appendSection(out, 10, code)

	if len(m.Data) > 0 {
		var data [][]byte
		for _, d := range m.Data {
			seg := []byte{0x00}
			seg = append(seg, I32Const(int32(d.Offset))...)
			seg = append(seg, 0x0b)
			seg = append(seg, uleb(uint64(len(d.Bytes)))...)
			seg = append(seg, d.Bytes...)
			data = append(data, seg)
		}
		out = appendSection(out, 11, data)
	}
	return out
}

func appendSection(out []byte, id byte, items [][]byte) []byte {
	content := uleb(uint64(len(items)))
	for _, it := range items {
		content = append(content, it...)
	}
	out = append(out, id)
	out = append(out, uleb(uint64(len(content)))...)
	return append(out, content...)
}

func exportEntry(name string, kind byte, index uint32) []byte {
	e := uleb(uint64(len(name)))
	e = append(e, name...)
	e = append(e, kind)
	return append(e, uleb(uint64(index))...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// frame wraps payload as MSGB + u32 LE length + payload.
func frame(payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	copy(out, "MSGB")
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[8:], payload)
	return out
}
