package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deck/internal/nostr"
)

func TestRecordCapsule_IndexesEvents(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	events := []nostr.Event{
		createTestEvent("a", 1, 30),
		createTestEvent("b", 1, 10),
		createTestEvent("c", 0, 20),
	}
	err := s.RecordCapsule(ctx, CapsuleRecord{Name: "notes-1", Path: "/x/notes-1.wasm", ByteSize: 99}, events)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		ok, err := s.HasEvent(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
	ok, err := s.HasEvent(ctx, "zzz")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, s.Covers("notes-1"))
	assert.False(t, s.Covers("notes-2"))

	recs, err := s.Capsules(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].EventCount)
	assert.Equal(t, int64(10), recs[0].OldestCreatedAt)
	assert.Equal(t, int64(30), recs[0].NewestCreatedAt)
	assert.Equal(t, int64(99), recs[0].ByteSize)
	assert.NotEmpty(t, recs[0].ID)
}

func TestRecordCapsule_SameNameIsNoop(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordCapsule(ctx, CapsuleRecord{Name: "n"}, []nostr.Event{createTestEvent("a", 1, 1)}))
	require.NoError(t, s.RecordCapsule(ctx, CapsuleRecord{Name: "n"}, []nostr.Event{createTestEvent("b", 1, 1)}))

	ok, err := s.HasEvent(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	recs, err := s.Capsules(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestCapsules_EmptyIsNotNil(t *testing.T) {
	recs, err := createTestStore(t).Capsules(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestCapsules_Ordered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	require.NoError(t, s.RecordCapsule(ctx, CapsuleRecord{Name: "late", RotatedAt: base.Add(time.Hour)}, nil))
	require.NoError(t, s.RecordCapsule(ctx, CapsuleRecord{Name: "early", RotatedAt: base}, nil))

	recs, err := s.Capsules(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "early", recs[0].Name)
	assert.Equal(t, base.Unix(), recs[0].RotatedAt.Unix())
}

func TestKindStats(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordCapsule(ctx, CapsuleRecord{Name: "n"}, []nostr.Event{
		createTestEvent("a", 1, 1),
		createTestEvent("b", 1, 2),
		createTestEvent("c", 7, 3),
	}))

	stats, err := s.KindStats(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, []KindCount{{Kind: 1, Count: 2}, {Kind: 7, Count: 1}}, stats)
}

func TestCovers_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordCapsule(context.Background(), CapsuleRecord{Name: "kept"}, nil))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.Covers("kept"))
}
