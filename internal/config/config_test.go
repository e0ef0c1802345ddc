package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deck/internal/buffer"
	"github.com/roach88/deck/internal/engine"
	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/registry"
	"github.com/roach88/deck/internal/testutil"
	"github.com/roach88/deck/internal/validate"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Check())
}

func TestDefaultsLeaveReqUnbounded(t *testing.T) {
	cfg := Default()
	assert.Zero(t, cfg.Limits.MaxLimit)

	events := make([]nostr.Event, 6000)
	for i := range events {
		events[i] = testutil.Event(fmt.Sprintf("e%05d", i), "p1", 1, int64(i+1))
	}
	reg := registry.New()
	reg.Append(testutil.NewFakeCapsule("c", events...))
	eng := engine.New(buffer.New(), reg,
		engine.WithValidator(validate.None{}),
		engine.WithMaxLimit(cfg.Limits.MaxLimit),
	)

	got, err := eng.Req(context.Background(), "all", nostr.Filters{{}})
	require.NoError(t, err)
	assert.Len(t, got, len(events))
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen: 0.0.0.0:8080
output_dir: /var/lib/deck
validation: id
rotation:
  max_events: 50
  max_age: 90s
relay_info:
  name: Notes Deck
  pubkey: 3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d
extensions:
  nip50: true
upstream:
  relays: [wss://relay.example.com]
  filters:
    - kinds: [1, 6]
      "#t": [nostr]
  idle_timeout: 2m
limits:
  max_limit: 100
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Listen)
	assert.Equal(t, "/var/lib/deck", cfg.OutputDir)
	assert.Equal(t, "id", cfg.Validation)
	assert.Equal(t, 50, cfg.Rotation.MaxEvents)
	assert.Equal(t, 90*time.Second, cfg.Rotation.MaxAge)
	assert.Equal(t, int64(16<<20), cfg.Rotation.MaxBytes, "unset fields keep defaults")
	assert.Equal(t, "Notes Deck", cfg.RelayInfo.Name)
	assert.True(t, cfg.Extensions.NIP50)
	assert.True(t, cfg.Extensions.NIP11)
	assert.Equal(t, 2*time.Minute, cfg.Upstream.IdleTimeout)
	assert.Equal(t, 100, cfg.Limits.MaxLimit)

	up, err := cfg.UpstreamConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://relay.example.com"}, up.Relays)
	require.Len(t, up.Filters, 1)
	assert.Equal(t, []int{1, 6}, up.Filters[0].Kinds)
	assert.Equal(t, []string{"nostr"}, up.Filters[0].Tags["t"])
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "listen: 0.0.0.0:8080\n")
	t.Setenv("DECK_LISTEN", "127.0.0.1:9999")
	t.Setenv("DECK_ROTATION_MAX_EVENTS", "7")
	t.Setenv("DECK_ROTATION_MAX_AGE", "5m")
	t.Setenv("DECK_UPSTREAM_RELAYS", "wss://a.example,wss://b.example")
	t.Setenv("DECK_EXT_NIP42", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
	assert.Equal(t, 7, cfg.Rotation.MaxEvents)
	assert.Equal(t, 5*time.Minute, cfg.Rotation.MaxAge)
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.Upstream.Relays)
	assert.True(t, cfg.Extensions.NIP42)
}

func TestSchemaRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "lisen: x\n"},
		{"validation mode", "validation: paranoid\n"},
		{"negative threshold", "rotation:\n  max_events: -1\n"},
		{"duration", "rotation:\n  max_age: forever\n"},
		{"pubkey", "relay_info:\n  pubkey: npub1xyz\n"},
		{"relay url", "upstream:\n  relays: [http://relay.example]\n"},
		{"workers", "rotation:\n  compile_workers: 0\n"},
		{"wrong type", "metrics: sometimes\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestCheck(t *testing.T) {
	cfg := Default()
	cfg.Rotation = Rotation{}
	cfg.OutputDir = ""
	err := cfg.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output_dir")
	assert.Contains(t, err.Error(), "threshold")
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	cfg.Rotation.MaxEvents = 3
	cfg.Extensions = Extensions{NIP11: true, NIP50: true}

	rot := cfg.RotationConfig()
	assert.Equal(t, 3, rot.MaxEvents)
	assert.Equal(t, []string{"nip11", "nip50"}, rot.Extensions.Features())
	assert.Equal(t, "deck", rot.Metadata.Name)

	tc := cfg.ToolchainConfig()
	assert.Equal(t, cfg.OutputDir, tc.OutputDir)
	assert.Equal(t, "cargo", tc.Command)

	rc := cfg.RelayConfig()
	assert.Equal(t, cfg.Limits.MaxFilters, rc.MaxFilters)
}

func TestInfoDocument(t *testing.T) {
	cfg := Default()
	cfg.Extensions = Extensions{NIP11: true, NIP45: true}
	assert.JSONEq(t, `{
		"name": "deck",
		"description": "continuous capture over compiled capsules",
		"software": "deck",
		"supported_nips": [1, 11, 45]
	}`, string(cfg.InfoDocument()))
}
