package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/store"
	"github.com/roach88/deck/internal/testutil"
)

func writeEvents(t *testing.T, events ...nostr.Event) string {
	t.Helper()
	data, err := json.Marshal(events)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDub(t *testing.T) {
	dirs := writeDeckConfig(t)
	events := writeEvents(t,
		testutil.Event("n1", "alice", 1, 100),
		testutil.Event("n2", "alice", 1, 101),
		testutil.Event("n2", "alice", 1, 101),
		testutil.Event("p1", "alice", 0, 50),
		testutil.Event("p2", "alice", 0, 60),
		testutil.Event("r1", "bob", 7, 70),
	)

	out, err := execute(t, "dub", events, "--config", dirs.Config, "--name", "My Notes", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   DubResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 4, resp.Data.Events, "duplicate dropped, profile replaced")
	assert.Equal(t, 0, resp.Data.Skipped)
	assert.True(t, strings.HasPrefix(resp.Data.Capsule, "my_notes-"))
	assert.Equal(t, dirs.Capsules, filepath.Dir(resp.Data.Path))
	assert.Positive(t, resp.Data.Size)
	assert.Equal(t, []store.KindCount{{Kind: 1, Count: 2}, {Kind: 0, Count: 1}, {Kind: 7, Count: 1}}, resp.Data.Kinds)

	_, err = os.Stat(resp.Data.Path)
	assert.NoError(t, err)
	_, err = os.Stat(dirs.Catalog)
	assert.True(t, os.IsNotExist(err), "catalog untouched without --record")
}

func TestDubTextAndRecord(t *testing.T) {
	dirs := writeDeckConfig(t)
	events := writeEvents(t, testutil.Event("n1", "alice", 1, 100), testutil.Event("n2", "alice", 1, 200))

	out, err := execute(t, "dub", events, "--config", dirs.Config, "--record")
	require.NoError(t, err)
	assert.Contains(t, out, "Dubbed test_deck-")
	assert.Contains(t, out, "(2 events, ")
	assert.Contains(t, out, "kind 1: 2")

	st, err := store.Open(dirs.Catalog)
	require.NoError(t, err)
	defer st.Close()
	recs, err := st.Capsules(t.Context())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].EventCount)
	assert.Equal(t, int64(100), recs[0].OldestCreatedAt)
	assert.Equal(t, int64(200), recs[0].NewestCreatedAt)
}

func TestDubSkipsInvalidEvents(t *testing.T) {
	dirs := writeDeckConfig(t)
	events := writeEvents(t, testutil.Event("n1", "alice", 1, 100))

	// Short test ids never hash correctly.
	_, err := execute(t, "dub", events, "--config", dirs.Config, "--validation", "id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid events")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDubBuildFailure(t *testing.T) {
	dirs := writeDeckConfig(t)
	events := writeEvents(t, testutil.Event("n1", "alice", 1, 100))
	t.Setenv("DECK_COMPILER_ARTIFACT", "missing/*.wasm")

	_, err := execute(t, "dub", events, "--config", dirs.Config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build failed")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestDecodeEvents(t *testing.T) {
	jsonl := []byte(`{"id":"a","pubkey":"p","created_at":1,"kind":1,"tags":[],"content":"x","sig":""}

{"id":"b","pubkey":"p","created_at":2,"kind":1,"tags":[],"content":"y","sig":""}
`)
	events, err := decodeEvents(jsonl)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, testutil.IDs(events))

	events, err = decodeEvents([]byte(`[{"id":"c","kind":1}]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, testutil.IDs(events))

	_, err = decodeEvents([]byte("{\"id\":\"a\"}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	events, err = decodeEvents([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, events)
}
