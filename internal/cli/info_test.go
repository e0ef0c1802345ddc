package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deck/internal/testutil"
)

func TestInfoWithDocument(t *testing.T) {
	path := writeCapsule(t, t.TempDir(), "notes", testutil.CapsuleFixture{
		Info:    `{"name":"Notes","description":"a test capsule","supported_nips":[1,11]}`,
		Replies: []string{`["EOSE","s"]`},
	})

	out, err := execute(t, "info", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Notes: a test capsule (NIPs [1 11])\n")
	assert.Contains(t, out, "path: "+path)
	assert.Contains(t, out, `"description": "a test capsule"`)
}

func TestInfoWithoutDocument(t *testing.T) {
	path := writeCapsule(t, t.TempDir(), "bare", testutil.CapsuleFixture{Replies: []string{`["EOSE","s"]`}})

	out, err := execute(t, "info", path)
	require.NoError(t, err)
	assert.Contains(t, out, "bare\n")
	assert.Contains(t, out, "no information document")
}

func TestInfoJSON(t *testing.T) {
	path := writeCapsule(t, t.TempDir(), "notes", testutil.CapsuleFixture{
		Info:    `{"name":"Notes"}`,
		Replies: []string{`["EOSE","s"]`},
	})

	out, err := execute(t, "info", path, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   InfoResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "notes", resp.Data.Capsule)
	assert.Equal(t, "Notes", resp.Data.Description)
	assert.JSONEq(t, `{"name":"Notes"}`, string(resp.Data.Info))
}

func TestInfoMissingCapsule(t *testing.T) {
	_, err := execute(t, "info", "/nonexistent/notes.wasm")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
