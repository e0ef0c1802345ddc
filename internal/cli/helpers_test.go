package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/deck/internal/testutil"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeCapsule writes a fixture capsule to dir/name.wasm.
func writeCapsule(t *testing.T, dir, name string, fixture testutil.CapsuleFixture) string {
	t.Helper()
	path := filepath.Join(dir, name+".wasm")
	require.NoError(t, os.WriteFile(path, fixture.Wasm(), 0o644))
	return path
}

type deckDirs struct {
	Config   string
	Capsules string
	Catalog  string
}

// writeDeckConfig writes a deck.yaml whose build copies a prebuilt fixture
// capsule instead of running a real toolchain.
func writeDeckConfig(t *testing.T) deckDirs {
	t.Helper()
	root := t.TempDir()
	tmpl := filepath.Join(root, "template")
	require.NoError(t, os.MkdirAll(tmpl, 0o755))
	writeCapsule(t, tmpl, "prebuilt", testutil.CapsuleFixture{
		Info:    `{"name":"built"}`,
		Replies: []string{`["EOSE","s"]`},
	})

	dirs := deckDirs{
		Config:   filepath.Join(root, "deck.yaml"),
		Capsules: filepath.Join(root, "capsules"),
		Catalog:  filepath.Join(root, "deck.db"),
	}
	body := fmt.Sprintf(`
listen: 127.0.0.1:0
output_dir: %q
catalog: %q
validation: none
metrics: false
rotation:
  max_events: 1000
  check_interval: 50ms
relay_info:
  name: test deck
compiler:
  command: sh
  args: ["-c", "mkdir -p out && cp prebuilt.wasm out/capsule.wasm"]
  template_dir: %q
  artifact: out/*.wasm
  timeout: 30s
`, dirs.Capsules, dirs.Catalog, tmpl)
	require.NoError(t, os.WriteFile(dirs.Config, []byte(body), 0o644))
	return dirs
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
