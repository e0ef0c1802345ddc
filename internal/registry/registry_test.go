package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deck/internal/testutil"
)

func TestRegistry_AppendAndSnapshot(t *testing.T) {
	r := New()
	r.Append(testutil.NewFakeCapsule("one"))
	snap := r.Snapshot()
	r.Append(testutil.NewFakeCapsule("two"))

	assert.Len(t, snap, 1, "snapshot is not affected by later appends")
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, "two", r.Snapshot()[1].Name())
}

func TestRegistry_ConcurrentAppend(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Append(testutil.NewFakeCapsule("c"))
			_ = r.Snapshot()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, r.Len())
}

func TestRegistry_BootstrapSortedAndSkipsFailures(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.wasm", "a.wasm", "broken.wasm", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	var seen []string
	load := func(ctx context.Context, path string) (Capsule, error) {
		base := filepath.Base(path)
		seen = append(seen, base)
		if base == "broken.wasm" {
			return nil, errors.New("bad module")
		}
		return testutil.NewFakeCapsule(base), nil
	}

	r := New()
	n, err := r.Bootstrap(context.Background(), dir, load)
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a.wasm", "b.wasm", "broken.wasm"}, seen)
	assert.Equal(t, "a.wasm", r.Snapshot()[0].Name())
}

func TestRegistry_BootstrapCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "capsules")

	n, err := New().Bootstrap(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.DirExists(t, dir)
}
