package compiler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deck/internal/capsule"
	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/testutil"
)

// writeTemplate creates a project template whose "build" copies a prebuilt
// fixture module into place.
func writeTemplate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	fixture := testutil.CapsuleFixture{Info: `{"name":"built"}`, Replies: []string{`["EOSE","s"]`}}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prebuilt.wasm"), fixture.Wasm(), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml.tmpl"),
		[]byte("[package]\nname = \"{{.Name}}\"\nfeatures = \"{{.FeatureList}}\"\nevents = {{.EventCount}}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "lib.rs"), []byte("// static\n"), 0o644))
	return dir
}

func newToolchain(t *testing.T, cfg ToolchainConfig) *Toolchain {
	t.Helper()
	ctx := context.Background()
	rt, err := capsule.NewRuntime(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(ctx) })

	if cfg.TemplateDir == "" {
		cfg.TemplateDir = writeTemplate(t)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	tc := NewToolchain(cfg, rt)
	tc.now = func() time.Time { return time.Unix(1700000000, 0) }
	return tc
}

func TestToolchain_Compile(t *testing.T) {
	script := strings.Join([]string{
		`test -f events.json`,
		`test -f src/lib.rs`,
		`grep -q 'name = "my_notes"' Cargo.toml`,
		`grep -q 'features = "nip11,nip50"' Cargo.toml`,
		`grep -q 'events = 2' Cargo.toml`,
		`test "$1" = "nip11,nip50"`,
		`mkdir -p target/out`,
		`cp prebuilt.wasm target/out/my_notes.wasm`,
	}, " && ")
	tc := newToolchain(t, ToolchainConfig{
		Command:  "sh",
		Args:     []string{"-c", script, "build", "{{.FeatureList}}"},
		Artifact: "target/*/{{.Name}}.wasm",
	})

	events := []nostr.Event{testutil.Event("a", "p", 1, 1), testutil.Event("b", "p", 1, 2)}
	res, err := tc.Compile(context.Background(), events, Extensions{NIP11: true, NIP50: true}, Metadata{Name: "My Notes"})
	require.NoError(t, err)

	assert.Equal(t, tc.cfg.OutputDir, filepath.Dir(res.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(res.Path), "my_notes-1700000000-"))
	assert.Equal(t, ".wasm", filepath.Ext(res.Path))
	assert.Positive(t, res.Size)
	assert.True(t, strings.HasPrefix(res.Capsule.Name(), "my_notes-1700000000-"))

	doc, err := res.Capsule.Info(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"built"}`, string(doc))

	entries, err := os.ReadDir(tc.cfg.OutputDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no partial files left behind")
}

func TestToolchain_BuildFailure(t *testing.T) {
	tc := newToolchain(t, ToolchainConfig{
		Command:  "sh",
		Args:     []string{"-c", "echo boom >&2; exit 3"},
		Artifact: "*.wasm",
	})

	_, err := tc.Compile(context.Background(), nil, Extensions{}, Metadata{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestToolchain_MissingArtifact(t *testing.T) {
	tc := newToolchain(t, ToolchainConfig{
		Command:  "sh",
		Args:     []string{"-c", "true"},
		Artifact: "target/{{.Name}}.wasm",
	})

	_, err := tc.Compile(context.Background(), nil, Extensions{}, Metadata{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target/deck.wasm")
}

func TestToolchain_Timeout(t *testing.T) {
	tc := newToolchain(t, ToolchainConfig{
		Command:  "sleep",
		Args:     []string{"5"},
		Artifact: "*.wasm",
		Timeout:  50 * time.Millisecond,
	})

	start := time.Now()
	_, err := tc.Compile(context.Background(), nil, Extensions{}, Metadata{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestToolchain_BadTemplate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.tmpl"), []byte("{{.Nope}}"), 0o644))
	tc := newToolchain(t, ToolchainConfig{TemplateDir: dir, Command: "true", Artifact: "*.wasm"})

	_, err := tc.Compile(context.Background(), nil, Extensions{}, Metadata{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render x.tmpl")
}

func TestToolchain_Unconfigured(t *testing.T) {
	tc := NewToolchain(ToolchainConfig{}, nil)
	_, err := tc.Compile(context.Background(), nil, Extensions{}, Metadata{})
	assert.Error(t, err)
}
