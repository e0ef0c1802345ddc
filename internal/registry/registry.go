// Package registry keeps the ordered, append-only list of loaded capsules.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/deck/internal/nostr"
)

// Capsule is a queryable, immutable event source.
type Capsule interface {
	Name() string
	Req(ctx context.Context, subID string, filters nostr.Filters) ([]nostr.Event, error)
	Count(ctx context.Context, subID string, filters nostr.Filters) (int64, error)
	HasID(ctx context.Context, id string) (bool, error)
	HasInfo() bool
	Info(ctx context.Context) (json.RawMessage, error)
}

// Registry is the append-only capsule list.
//
// Thread-safety: writers take the write lock only to append; readers copy
// the handle list under the read lock and query outside it.
type Registry struct {
	mu       sync.RWMutex
	capsules []Capsule
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Append adds a capsule. Capsules are never removed.
func (r *Registry) Append(c Capsule) {
	r.mu.Lock()
	r.capsules = append(r.capsules, c)
	n := len(r.capsules)
	r.mu.Unlock()

	slog.Info("capsule registered", "capsule", c.Name(), "total", n)
}

// Snapshot returns the current capsule handles in registration order.
func (r *Registry) Snapshot() []Capsule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Capsule(nil), r.capsules...)
}

// Len returns the number of registered capsules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.capsules)
}

// LoadFunc compiles the capsule file at path.
type LoadFunc func(ctx context.Context, path string) (Capsule, error)

// Bootstrap loads every *.wasm file in dir, sorted by name, and appends the
// ones that load. Unloadable files are logged and skipped. A missing dir is
// created.
func (r *Registry) Bootstrap(ctx context.Context, dir string, load LoadFunc) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create capsule dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read capsule dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".wasm") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	loaded := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		c, err := load(ctx, path)
		if err != nil {
			slog.Warn("skipping capsule", "path", path, "error", err)
			continue
		}
		r.Append(c)
		loaded++
	}
	return loaded, nil
}
