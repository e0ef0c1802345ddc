package wire

import (
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deck/internal/nostr"
)

func TestParseClientMessage_Req(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`["REQ","sub1",{"kinds":[1]},{"authors":["ab"],"limit":3}]`))
	require.NoError(t, err)

	assert.Equal(t, VerbReq, msg.Verb)
	assert.Equal(t, "sub1", msg.SubID)
	require.Len(t, msg.Filters, 2)
	assert.Equal(t, []int{1}, msg.Filters[0].Kinds)
	assert.Equal(t, 3, *msg.Filters[1].Limit)
}

func TestParseClientMessage_Event(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`["EVENT",{"id":"x","pubkey":"p","created_at":1,"kind":1,"tags":[["t","a"]],"content":"c","sig":"s"}]`))
	require.NoError(t, err)

	require.NotNil(t, msg.Event)
	assert.Equal(t, "x", msg.Event.ID)
	assert.Equal(t, nostr.Tags{{"t", "a"}}, msg.Event.Tags)
}

func TestParseClientMessage_CloseAndCount(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`["CLOSE","s"]`))
	require.NoError(t, err)
	assert.Equal(t, "s", msg.SubID)

	msg, err = ParseClientMessage([]byte(`["COUNT","c",{}]`))
	require.NoError(t, err)
	assert.Equal(t, VerbCount, msg.Verb)
	assert.Len(t, msg.Filters, 1)
}

func TestParseClientMessage_Malformed(t *testing.T) {
	inputs := []string{
		`not json`,
		`{}`,
		`[]`,
		`[1]`,
		`["PING"]`,
		`["REQ","s"]`,
		`["REQ",5,{}]`,
		`["REQ","",{}]`,
		`["REQ","s","filter"]`,
		`["EVENT"]`,
		`["EVENT","nope"]`,
		`["CLOSE"]`,
	}
	for _, in := range inputs {
		_, err := ParseClientMessage([]byte(in))
		assert.True(t, errors.Is(err, ErrMalformed), in)
	}
}

func TestRelayEncodings_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	ev := &nostr.Event{ID: "e1", PubKey: "p1", CreatedAt: 10, Kind: 1, Content: "hi", Sig: "s1"}
	eventMsg, err := Event("sub", ev)
	require.NoError(t, err)

	g.Assert(t, "event", eventMsg)
	g.Assert(t, "eose", EOSE("sub"))
	g.Assert(t, "ok", OK("e1", false, "duplicate: already have this event"))
	g.Assert(t, "notice", Notice("invalid: bad message"))
	g.Assert(t, "count", CountResult("c", 42))
	g.Assert(t, "closed", Closed("sub", "error: too many subscriptions"))
}

func TestReq_Encoding(t *testing.T) {
	data, err := Req("s", nostr.Filters{{Kinds: []int{1}}, {Limit: nostr.Int(2)}})
	require.NoError(t, err)
	assert.Equal(t, `["REQ","s",{"kinds":[1]},{"limit":2}]`, string(data))

	data, err = Count("c", nostr.Filters{{}})
	require.NoError(t, err)
	assert.Equal(t, `["COUNT","c",{}]`, string(data))

	assert.Equal(t, `["CLOSE","s"]`, string(CloseSub("s")))
}

func TestParseRelayMessage(t *testing.T) {
	msg, err := ParseRelayMessage([]byte(`["EVENT","s",{"id":"a","kind":1,"created_at":3}]`))
	require.NoError(t, err)
	assert.Equal(t, "s", msg.SubID)
	assert.Equal(t, "a", msg.Event.ID)

	msg, err = ParseRelayMessage([]byte(`["COUNT","s",{"count":7}]`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), msg.Count)

	msg, err = ParseRelayMessage([]byte(`["OK","a",false,"error: relay is read-only"]`))
	require.NoError(t, err)
	assert.False(t, msg.OK)
	assert.Equal(t, "error: relay is read-only", msg.Message)

	msg, err = ParseRelayMessage([]byte(`["CLOSED","s"]`))
	require.NoError(t, err)
	assert.Equal(t, VerbClosed, msg.Verb)

	msg, err = ParseRelayMessage([]byte(`["NOTICE","hello"]`))
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Message)

	_, err = ParseRelayMessage([]byte(`["EVENT","s"]`))
	assert.Error(t, err)
	_, err = ParseRelayMessage([]byte(`["AUTH","challenge"]`))
	assert.Error(t, err)
}

func TestSplitMessages(t *testing.T) {
	parts := SplitMessages([]byte("[\"EOSE\",\"a\"]\n\n  [\"EOSE\",\"b\"]  \n"))
	require.Len(t, parts, 2)
	assert.Equal(t, `["EOSE","b"]`, string(parts[1]))
}
