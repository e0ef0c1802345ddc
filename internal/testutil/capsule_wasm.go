package testutil

// Guest memory layout of fixture capsules.
const (
	fixtureRequestAddr   = 1024
	fixtureInfoAddr      = 4096
	fixtureRelayInfoAddr = 6144
	fixtureReplyBase     = 8192
	fixturePages         = 2
)

// CapsuleFixture describes a test capsule assembled by Wasm.
type CapsuleFixture struct {
	// Replies are returned by successive send calls on one instance.
	Replies []string
	// RepeatLast keeps returning the last reply after Replies is exhausted.
	// Otherwise send returns address 0.
	RepeatLast bool
	// Legacy writes replies zero-terminated instead of MSGB framed.
	Legacy bool
	// Echo makes send return the request frame unchanged.
	Echo bool
	// Info, when set, is served by an info export.
	Info string
	// InfoAfterRelayInfo is served by info once set_relay_info was called.
	// Setting it adds a set_relay_info export.
	InfoAfterRelayInfo string
	// AllocFails makes the allocator return 0.
	AllocFails bool
	// ReplyOutOfRange makes send return an address past guest memory.
	ReplyOutOfRange bool
	// AllocExport and DeallocExport override the allocator export names.
	AllocExport   string
	DeallocExport string
	OmitSend      bool
	OmitMemory    bool
}

// Wasm assembles the fixture into a module binary.
func (f CapsuleFixture) Wasm() []byte {
	m := WasmModule{Globals: 2, MemoryPages: fixturePages, ExportMemory: !f.OmitMemory}

	allocName := f.AllocExport
	if allocName == "" {
		allocName = "alloc_string"
	}
	deallocName := f.DeallocExport
	if deallocName == "" {
		deallocName = "dealloc_string"
	}
	allocAddr := int32(fixtureRequestAddr)
	if f.AllocFails {
		allocAddr = 0
	}
	m.Funcs = append(m.Funcs,
		WasmFunc{Name: allocName, Params: 1, Results: 1, Body: I32Const(allocAddr)},
		WasmFunc{Name: deallocName, Params: 2},
	)

	if !f.OmitSend {
		m.Funcs = append(m.Funcs, WasmFunc{Name: "send", Params: 2, Results: 1, Body: f.sendBody(&m)})
	}

	if f.Info != "" {
		m.Data = append(m.Data, WasmData{Offset: fixtureInfoAddr, Bytes: frame([]byte(f.Info))})
		body := I32Const(fixtureInfoAddr)
		if f.InfoAfterRelayInfo != "" {
			m.Data = append(m.Data, WasmData{Offset: fixtureRelayInfoAddr, Bytes: frame([]byte(f.InfoAfterRelayInfo))})
			body = Seq(GlobalGet(1), OpIfI32, I32Const(fixtureRelayInfoAddr), OpElse, I32Const(fixtureInfoAddr), OpEnd)
			m.Funcs = append(m.Funcs, WasmFunc{
				Name: "set_relay_info", Params: 2, Results: 1,
				Body: Seq(I32Const(1), GlobalSet(1), I32Const(0)),
			})
		}
		m.Funcs = append(m.Funcs, WasmFunc{Name: "info", Results: 1, Body: body})
	}
	return m.Bytes()
}

func (f CapsuleFixture) sendBody(m *WasmModule) []byte {
	switch {
	case f.Echo:
		return LocalGet(0)
	case f.ReplyOutOfRange:
		return I32Const(1 << 20)
	}

	addrs := make([]int32, len(f.Replies))
	next := uint32(fixtureReplyBase)
	for i, r := range f.Replies {
		var b []byte
		if f.Legacy {
			b = append([]byte(r), 0)
		} else {
			b = frame([]byte(r))
		}
		addrs[i] = int32(next)
		m.Data = append(m.Data, WasmData{Offset: next, Bytes: b})
		next += uint32(len(b))
	}

	fallback := I32Const(0)
	if f.RepeatLast && len(addrs) > 0 {
		fallback = I32Const(addrs[len(addrs)-1])
	}

	// counter++ then select the reply for this call
	inc := Seq(GlobalGet(0), I32Const(1), OpI32Add, GlobalSet(0))
	return Seq(inc, replyChain(addrs, 0, fallback))
}

func replyChain(addrs []int32, i int, fallback []byte) []byte {
	if i == len(addrs) {
		return fallback
	}
	return Seq(
		GlobalGet(0), I32Const(int32(i+1)), OpI32Eq,
		OpIfI32, I32Const(addrs[i]), OpElse, replyChain(addrs, i+1, fallback), OpEnd,
	)
}
