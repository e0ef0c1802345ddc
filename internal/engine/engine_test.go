package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deck/internal/buffer"
	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/registry"
	"github.com/roach88/deck/internal/store"
	"github.com/roach88/deck/internal/testutil"
	"github.com/roach88/deck/internal/validate"
)

type fixture struct {
	buf *buffer.Buffer
	reg *registry.Registry
	eng *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{buf: buffer.New(), reg: registry.New()}
	opts = append([]Option{WithValidator(validate.None{})}, opts...)
	f.eng = New(f.buf, f.reg, opts...)
	return f
}

func (f *fixture) buffer(t *testing.T, events ...nostr.Event) {
	t.Helper()
	for _, ev := range events {
		require.True(t, f.buf.Ingest(ev).Accepted, "buffer %s", ev.ID)
	}
}

func openCatalog(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func all(limit ...int) nostr.Filters {
	f := nostr.Filter{}
	if len(limit) > 0 {
		f.Limit = nostr.Int(limit[0])
	}
	return nostr.Filters{f}
}

func TestReqMergesBufferAndCapsules(t *testing.T) {
	f := newFixture(t)
	f.reg.Append(testutil.NewFakeCapsule("c1",
		testutil.Event("a", "p1", 1, 10),
		testutil.Event("b", "p1", 1, 30),
	))
	f.reg.Append(testutil.NewFakeCapsule("c2",
		testutil.Event("c", "p2", 1, 20),
	))
	f.buffer(t, testutil.Event("d", "p2", 1, 40))

	got, err := f.eng.Req(context.Background(), "s", all())
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "b", "c", "a"}, testutil.IDs(got))
}

func TestReqCollapsesIdenticalIDsAcrossSources(t *testing.T) {
	f := newFixture(t)
	shared := testutil.Event("x", "p1", 1, 10)
	f.reg.Append(testutil.NewFakeCapsule("c1", shared))
	f.reg.Append(testutil.NewFakeCapsule("c2", shared))
	f.buffer(t, shared)

	got, err := f.eng.Req(context.Background(), "s", all())
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, testutil.IDs(got))
}

func TestReqReplaceableNewestWinsGlobally(t *testing.T) {
	f := newFixture(t)
	f.reg.Append(testutil.NewFakeCapsule("old",
		testutil.Event("m-old", "p1", 0, 10),
		testutil.Event("list-a-old", "p1", 30000, 10, nostr.Tag{"d", "a"}),
		testutil.Event("list-b", "p1", 30000, 10, nostr.Tag{"d", "b"}),
	))
	f.buffer(t,
		testutil.Event("m-new", "p1", 0, 20),
		testutil.Event("list-a-new", "p1", 30000, 20, nostr.Tag{"d", "a"}),
	)

	got, err := f.eng.Req(context.Background(), "s", all())
	require.NoError(t, err)
	assert.Equal(t, []string{"list-a-new", "m-new", "list-b"}, testutil.IDs(got))
}

func TestReqTieBreakKeepsFirstByID(t *testing.T) {
	f := newFixture(t)
	f.reg.Append(testutil.NewFakeCapsule("c1", testutil.Event("m2", "p1", 0, 10)))
	f.buffer(t, testutil.Event("m1", "p1", 0, 10))

	got, err := f.eng.Req(context.Background(), "s", all())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, testutil.IDs(got))
}

func TestReqLimitIsMaxAcrossFilters(t *testing.T) {
	f := newFixture(t)
	f.reg.Append(testutil.NewFakeCapsule("c1",
		testutil.Event("a", "p1", 1, 10),
		testutil.Event("b", "p1", 1, 20),
		testutil.Event("c", "p1", 1, 30),
	))
	f.buffer(t, testutil.Event("d", "p1", 1, 40), testutil.Event("e", "p1", 1, 50))

	filters := nostr.Filters{
		{Kinds: []int{1}, Limit: nostr.Int(1)},
		{Authors: []string{"p1"}, Limit: nostr.Int(3)},
	}
	got, err := f.eng.Req(context.Background(), "s", filters)
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d", "c"}, testutil.IDs(got))
}

func TestReqLimitZeroSkipsSources(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewFakeCapsule("c1", testutil.Event("a", "p1", 1, 10))
	f.reg.Append(c)
	f.buffer(t, testutil.Event("b", "p1", 1, 20))

	got, err := f.eng.Req(context.Background(), "s", all(0))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
	assert.Equal(t, 0, c.ReqCalls())
}

func TestReqMaxLimitCap(t *testing.T) {
	f := newFixture(t, WithMaxLimit(2))
	f.buffer(t,
		testutil.Event("a", "p1", 1, 10),
		testutil.Event("b", "p1", 1, 20),
		testutil.Event("c", "p1", 1, 30),
	)

	got, err := f.eng.Req(context.Background(), "s", all())
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, testutil.IDs(got))

	got, err = f.eng.Req(context.Background(), "s", all(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, testutil.IDs(got))
}

func TestReqSkipsFailingCapsule(t *testing.T) {
	f := newFixture(t)
	f.reg.Append(&testutil.FakeCapsule{CapsuleName: "broken", Err: errors.New("trap")})
	f.reg.Append(testutil.NewFakeCapsule("ok", testutil.Event("a", "p1", 1, 10)))

	got, err := f.eng.Req(context.Background(), "s", all())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, testutil.IDs(got))
}

func TestReqCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.eng.Req(ctx, "s", all())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCountDoesNotDedupAcrossSources(t *testing.T) {
	f := newFixture(t)
	shared := testutil.Event("x", "p1", 1, 10)
	f.reg.Append(testutil.NewFakeCapsule("c1", shared, testutil.Event("y", "p1", 1, 11)))
	f.buffer(t, shared)

	n, err := f.eng.Count(context.Background(), "s", nostr.Filters{{IDs: []string{"x"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = f.eng.Count(context.Background(), "s", all())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCountSkipsFailingCapsule(t *testing.T) {
	f := newFixture(t)
	f.reg.Append(&testutil.FakeCapsule{CapsuleName: "broken", Err: errors.New("trap")})
	f.buffer(t, testutil.Event("a", "p1", 1, 10))

	n, err := f.eng.Count(context.Background(), "s", all())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIngestRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inCapsule := testutil.NewFakeCapsule("c1", testutil.Event("cap", "p1", 1, 5))
	f.reg.Append(inCapsule)

	res := f.eng.Ingest(ctx, testutil.Event("a", "p1", 1, 10))
	require.True(t, res.Accepted)
	assert.Empty(t, res.Reason)

	res = f.eng.Ingest(ctx, testutil.Event("a", "p1", 1, 10))
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.True(t, res.Duplicate())

	res = f.eng.Ingest(ctx, testutil.Event("cap", "p1", 1, 5))
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Equal(t, 1, f.buf.Len(), "capsule duplicate must not reach the buffer")
}

func TestIngestReplacement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.True(t, f.eng.Ingest(ctx, testutil.Event("p100", "pk", 0, 100)).Accepted)

	res := f.eng.Ingest(ctx, testutil.Event("p50", "pk", 0, 50))
	assert.False(t, res.Accepted)
	assert.Equal(t, buffer.ReasonStale, res.Reason)
	assert.Equal(t, 1, f.buf.Len())

	res = f.eng.Ingest(ctx, testutil.Event("p150", "pk", 0, 150))
	require.True(t, res.Accepted)
	assert.Equal(t, "p100", res.ReplacedID)
	assert.Equal(t, []string{"p150"}, testutil.IDs(f.buf.Events()))
}

func TestIngestInvalid(t *testing.T) {
	f := newFixture(t, WithValidator(validate.Func(func(*nostr.Event) error {
		return errors.New("bad signature")
	})))

	res := f.eng.Ingest(context.Background(), testutil.Event("a", "p1", 1, 10))
	assert.False(t, res.Accepted)
	assert.Equal(t, "invalid: bad signature", res.Reason)
	assert.False(t, res.Duplicate())
	assert.Equal(t, 0, f.buf.Len())
}

func TestIngestRejectsIncompleteEventsWithoutValidation(t *testing.T) {
	f := newFixture(t)

	res := f.eng.Ingest(context.Background(), nostr.Event{})
	assert.False(t, res.Accepted)
	assert.Equal(t, "invalid: missing event id", res.Reason)

	res = f.eng.Ingest(context.Background(), nostr.Event{ID: "a", Kind: 1})
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, "invalid: missing pubkey")
	assert.Equal(t, 0, f.buf.Len())
}

func TestIngestSkipsFailingProbe(t *testing.T) {
	f := newFixture(t)
	f.reg.Append(&testutil.FakeCapsule{CapsuleName: "broken", Err: errors.New("trap")})

	res := f.eng.Ingest(context.Background(), testutil.Event("a", "p1", 1, 10))
	assert.True(t, res.Accepted)
}

func TestIngestCancelledProbe(t *testing.T) {
	f := newFixture(t)
	f.reg.Append(&testutil.FakeCapsule{CapsuleName: "broken", Err: context.Canceled})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.eng.Ingest(ctx, testutil.Event("a", "p1", 1, 10))
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, PrefixError)
}

func TestIngestUsesCatalogForCoveredCapsules(t *testing.T) {
	ctx := context.Background()
	cat := openCatalog(t)
	f := newFixture(t, WithCatalog(cat))

	covered := testutil.NewFakeCapsule("covered", testutil.Event("old", "p1", 1, 5))
	require.NoError(t, cat.RecordCapsule(ctx, store.CapsuleRecord{Name: "covered"}, covered.Events))
	f.reg.Append(covered)

	res := f.eng.Ingest(ctx, testutil.Event("old", "p1", 1, 5))
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonDuplicate, res.Reason)

	res = f.eng.Ingest(ctx, testutil.Event("new", "p1", 1, 6))
	assert.True(t, res.Accepted)
	assert.Equal(t, 0, covered.ProbeCalls())
}

func TestBackfillIndexesUncoveredCapsules(t *testing.T) {
	ctx := context.Background()
	cat := openCatalog(t)
	f := newFixture(t, WithCatalog(cat))

	c := testutil.NewFakeCapsule("legacy", testutil.Event("a", "p1", 1, 5), testutil.Event("b", "p1", 1, 6))
	f.reg.Append(c)

	n, err := f.eng.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, cat.Covers("legacy"))

	n, err = f.eng.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	res := f.eng.Ingest(ctx, testutil.Event("b", "p1", 1, 6))
	assert.False(t, res.Accepted)
	assert.Equal(t, 0, c.ProbeCalls())
}

func TestBackfillWithoutCatalog(t *testing.T) {
	f := newFixture(t)
	f.reg.Append(testutil.NewFakeCapsule("c1"))
	n, err := f.eng.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubscribeReceivesAcceptedEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var mu sync.Mutex
	var seen []string
	cancel := f.eng.Subscribe(func(ev nostr.Event) {
		mu.Lock()
		seen = append(seen, ev.ID)
		mu.Unlock()
	})

	f.eng.Ingest(ctx, testutil.Event("a", "p1", 1, 10))
	f.eng.Ingest(ctx, testutil.Event("a", "p1", 1, 10))
	cancel()
	f.eng.Ingest(ctx, testutil.Event("b", "p1", 1, 11))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, seen)
}

func TestInfo(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	_, err := f.eng.Info(ctx)
	assert.ErrorIs(t, err, ErrNoInfo)

	fallback := json.RawMessage(`{"name":"deck"}`)
	f = newFixture(t, WithInfo(fallback))
	f.reg.Append(testutil.NewFakeCapsule("no-info"))
	doc, err := f.eng.Info(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"deck"}`, string(doc))

	withInfo := testutil.NewFakeCapsule("with-info")
	withInfo.InfoDoc = json.RawMessage(`{"name":"capsule"}`)
	f.reg.Append(withInfo)
	doc, err = f.eng.Info(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"capsule"}`, string(doc))
}
