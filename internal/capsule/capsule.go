package capsule

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Export names of the calling convention.
const (
	ExportMemory      = "memory"
	ExportSend        = "send"
	ExportInfo        = "info"
	ExportDescribe    = "describe"
	ExportRelayInfo   = "set_relay_info"
	ExportAllocSize   = "get_allocation_size"
	exportAllocString = "alloc_string"
	exportAllocBuffer = "alloc_buffer"
	exportFreeString  = "dealloc_string"
	exportFreeBuffer  = "dealloc_buffer"
)

// Capsule is a compiled, immutable capsule module.
//
// Thread-safety: a Capsule is safe for concurrent use. Each query runs in
// its own module instance.
type Capsule struct {
	name     string
	path     string
	rt       *Runtime
	compiled wazero.CompiledModule

	alloc   string
	dealloc string

	hasInfo      bool
	hasDescribe  bool
	hasRelayInfo bool
	hasAllocSize bool
}

// Name returns the capsule name.
func (c *Capsule) Name() string { return c.name }

// Path returns the file the capsule was loaded from, or "" for capsules
// loaded from memory.
func (c *Capsule) Path() string { return c.path }

// Close releases the compiled module.
func (c *Capsule) Close(ctx context.Context) error {
	return c.compiled.Close(ctx)
}

func (c *Capsule) resolveExports() error {
	funcs := c.compiled.ExportedFunctions()

	if _, ok := c.compiled.ExportedMemories()[ExportMemory]; !ok {
		return c.missing(ExportMemory)
	}
	if _, ok := funcs[ExportSend]; !ok {
		return c.missing(ExportSend)
	}

	switch {
	case funcs[exportAllocString] != nil:
		c.alloc = exportAllocString
	case funcs[exportAllocBuffer] != nil:
		c.alloc = exportAllocBuffer
	default:
		return c.missing(exportAllocString)
	}
	switch {
	case funcs[exportFreeString] != nil:
		c.dealloc = exportFreeString
	case funcs[exportFreeBuffer] != nil:
		c.dealloc = exportFreeBuffer
	default:
		return c.missing(exportFreeString)
	}

	_, c.hasInfo = funcs[ExportInfo]
	_, c.hasDescribe = funcs[ExportDescribe]
	_, c.hasRelayInfo = funcs[ExportRelayInfo]
	_, c.hasAllocSize = funcs[ExportAllocSize]
	return nil
}

func (c *Capsule) missing(export string) *CallError {
	return &CallError{
		Code:    ErrCodeMissingExport,
		Message: "required export not found",
		Capsule: c.name,
		Export:  export,
	}
}

// instance is one isolated execution context of a capsule.
type instance struct {
	c   *Capsule
	mod api.Module
	mem api.Memory
}

// open instantiates a fresh module instance and hands it relay metadata.
func (c *Capsule) open(ctx context.Context) (*instance, error) {
	cfg := wazero.NewModuleConfig().WithName(c.rt.nextInstanceName(c.name))
	mod, err := c.rt.rt.InstantiateModule(ctx, c.compiled, cfg)
	if err != nil {
		return nil, &CallError{Code: ErrCodeTrap, Message: "instantiate failed", Capsule: c.name, Err: err}
	}

	in := &instance{c: c, mod: mod, mem: mod.Memory()}
	if in.mem == nil {
		_ = mod.Close(ctx)
		return nil, c.missing(ExportMemory)
	}

	if c.hasRelayInfo && len(c.rt.relayInfo) > 0 {
		if err := in.setRelayInfo(ctx, c.rt.relayInfo); err != nil {
			slog.Warn("set_relay_info rejected", "capsule", c.name, "error", err)
		}
	}
	return in, nil
}

func (in *instance) close(ctx context.Context) {
	if err := in.mod.Close(ctx); err != nil {
		slog.Debug("close capsule instance", "capsule", in.c.name, "error", err)
	}
}

func (in *instance) fn(name string) (api.Function, error) {
	f := in.mod.ExportedFunction(name)
	if f == nil {
		return nil, in.c.missing(name)
	}
	return f, nil
}

func (in *instance) invoke(ctx context.Context, name string, params ...uint64) (uint32, error) {
	f, err := in.fn(name)
	if err != nil {
		return 0, err
	}
	res, err := f.Call(ctx, params...)
	if err != nil {
		return 0, &CallError{Code: ErrCodeTrap, Message: "call failed", Capsule: in.c.name, Export: name, Err: err}
	}
	if len(res) == 0 {
		return 0, nil
	}
	return uint32(res[0]), nil
}

// write copies data into freshly allocated guest memory.
func (in *instance) write(ctx context.Context, data []byte) (uint32, error) {
	ptr, err := in.invoke(ctx, in.c.alloc, uint64(len(data)))
	if err != nil {
		return 0, err
	}
	if ptr == 0 {
		return 0, &CallError{Code: ErrCodeAllocFailed, Message: fmt.Sprintf("allocator returned 0 for %d bytes", len(data)), Capsule: in.c.name, Export: in.c.alloc}
	}
	if !in.mem.Write(ptr, data) {
		return 0, &CallError{Code: ErrCodeAllocFailed, Message: fmt.Sprintf("allocation at %d out of range", ptr), Capsule: in.c.name, Export: in.c.alloc}
	}
	return ptr, nil
}

// read decodes the message at ptr and returns a copy of its payload along
// with the number of bytes to release.
func (in *instance) read(ptr uint32) ([]byte, uint32, error) {
	size := in.mem.Size()
	if ptr >= size {
		return nil, 0, &CallError{Code: ErrCodeDecodeFailed, Message: fmt.Sprintf("result address %d outside memory of %d bytes", ptr, size), Capsule: in.c.name}
	}
	view, ok := in.mem.Read(ptr, size-ptr)
	if !ok {
		return nil, 0, &CallError{Code: ErrCodeDecodeFailed, Message: "result not readable", Capsule: in.c.name}
	}
	payload, framed := DecodeFrame(view)
	n := uint32(len(payload))
	if framed {
		n += frameHeaderLen
	}
	return append([]byte(nil), payload...), n, nil
}

func (in *instance) free(ctx context.Context, ptr, n uint32) {
	if in.c.hasAllocSize {
		if size, err := in.invoke(ctx, ExportAllocSize, uint64(ptr)); err == nil && size > 0 {
			n = size
		}
	}
	if _, err := in.invoke(ctx, in.c.dealloc, uint64(ptr), uint64(n)); err != nil {
		slog.Debug("dealloc failed", "capsule", in.c.name, "error", err)
	}
}

// call sends one framed request through export and returns the decoded
// reply. A nil reply with ok=false means the capsule returned address 0.
func (in *instance) call(ctx context.Context, export string, request []byte) (reply []byte, ok bool, err error) {
	frame := EncodeFrame(request)
	ptr, err := in.write(ctx, frame)
	if err != nil {
		return nil, false, err
	}
	out, err := in.invoke(ctx, export, uint64(ptr), uint64(len(frame)))
	in.free(ctx, ptr, uint32(len(frame)))
	if err != nil {
		return nil, false, err
	}
	return in.result(ctx, out)
}

// call0 invokes a parameterless export returning an address.
func (in *instance) call0(ctx context.Context, export string) ([]byte, bool, error) {
	out, err := in.invoke(ctx, export)
	if err != nil {
		return nil, false, err
	}
	return in.result(ctx, out)
}

func (in *instance) result(ctx context.Context, out uint32) ([]byte, bool, error) {
	if out == 0 {
		return nil, false, nil
	}
	payload, n, err := in.read(out)
	if err != nil {
		return nil, false, err
	}
	in.free(ctx, out, n)
	return payload, true, nil
}

func (in *instance) setRelayInfo(ctx context.Context, doc []byte) error {
	ptr, err := in.write(ctx, doc)
	if err != nil {
		return err
	}
	status, err := in.invoke(ctx, ExportRelayInfo, uint64(ptr), uint64(len(doc)))
	in.free(ctx, ptr, uint32(len(doc)))
	if err != nil {
		return err
	}
	if int32(status) != 0 {
		return fmt.Errorf("set_relay_info status %d", int32(status))
	}
	return nil
}
