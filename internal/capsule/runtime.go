package capsule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// DefaultMaxCalls bounds the number of send calls made for one query.
const DefaultMaxCalls = 1 << 20

// Runtime compiles and instantiates capsules. One Runtime is shared by the
// whole process.
//
// Thread-safety: all methods are safe for concurrent use.
type Runtime struct {
	rt        wazero.Runtime
	relayInfo []byte
	maxCalls  int
	seq       atomic.Uint64
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	relayInfo   []byte
	maxCalls    int
	memoryPages uint32
}

// WithRelayInfo sets the relay metadata document passed to set_relay_info
// on every fresh instance of capsules that export it.
func WithRelayInfo(doc []byte) RuntimeOption {
	return func(o *runtimeOptions) {
		o.relayInfo = doc
	}
}

// WithMaxCalls sets the hard ceiling on send calls per query.
func WithMaxCalls(n int) RuntimeOption {
	return func(o *runtimeOptions) {
		if n > 0 {
			o.maxCalls = n
		}
	}
}

// WithMemoryLimitPages caps guest memory (64KiB pages) per instance.
func WithMemoryLimitPages(pages uint32) RuntimeOption {
	return func(o *runtimeOptions) {
		o.memoryPages = pages
	}
}

// NewRuntime creates a wazero runtime. Calls observe context cancellation.
// WASI preview1 is instantiated so capsules built against a WASI target
// still link.
func NewRuntime(ctx context.Context, opts ...RuntimeOption) (*Runtime, error) {
	o := runtimeOptions{maxCalls: DefaultMaxCalls}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if o.memoryPages > 0 {
		cfg = cfg.WithMemoryLimitPages(o.memoryPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	return &Runtime{rt: rt, relayInfo: o.relayInfo, maxCalls: o.maxCalls}, nil
}

// Close releases every compiled module and instance.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// Load reads and compiles the capsule at path. The capsule is named after
// the file name without its extension.
func (r *Runtime) Load(ctx context.Context, path string) (*Capsule, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capsule: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	c, err := r.LoadBytes(ctx, name, wasm)
	if err != nil {
		return nil, err
	}
	c.path = path
	return c, nil
}

// LoadBytes compiles a capsule from memory and verifies its exports.
func (r *Runtime) LoadBytes(ctx context.Context, name string, wasm []byte) (*Capsule, error) {
	compiled, err := r.rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile capsule %s: %w", name, err)
	}

	c := &Capsule{name: name, rt: r, compiled: compiled}
	if err := c.resolveExports(); err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}
	return c, nil
}

func (r *Runtime) nextInstanceName(capsule string) string {
	return fmt.Sprintf("%s#%d", capsule, r.seq.Add(1))
}
