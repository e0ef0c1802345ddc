package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/deck/internal/nostr"
)

// createTestStore opens a catalog under t.TempDir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEvent fills only the fields the catalog indexes.
func createTestEvent(id string, kind int, createdAt int64) nostr.Event {
	return nostr.Event{ID: id, Kind: kind, CreatedAt: createdAt}
}
