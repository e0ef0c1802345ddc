package nostr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseFilter(t *testing.T, s string) Filter {
	t.Helper()
	var f Filter
	require.NoError(t, json.Unmarshal([]byte(s), &f))
	return f
}

func TestFilter_Matches(t *testing.T) {
	ev := Event{
		ID:        "abcdef",
		PubKey:    "123456",
		CreatedAt: 100,
		Kind:      1,
		Tags:      Tags{{"t", "go"}, {"t", "wasm"}, {"e", "root"}},
	}

	tests := []struct {
		filter string
		want   bool
	}{
		{`{}`, true},
		{`{"ids":["abc"]}`, true},
		{`{"ids":["abd"]}`, false},
		{`{"ids":[]}`, false},
		{`{"authors":["1234"]}`, true},
		{`{"authors":["9"]}`, false},
		{`{"kinds":[0,1]}`, true},
		{`{"kinds":[0]}`, false},
		{`{"since":100}`, true},
		{`{"since":101}`, false},
		{`{"until":100}`, true},
		{`{"until":99}`, false},
		{`{"#t":["rust","go"]}`, true},
		{`{"#t":["rust"]}`, false},
		{`{"#t":["go"],"#e":["root"]}`, true},
		{`{"#t":["go"],"#e":["other"]}`, false},
		{`{"&t":["go","wasm"]}`, true},
		{`{"&t":["go","rust"]}`, false},
		{`{"kinds":[1],"authors":["12"],"since":50,"until":150}`, true},
		{`{"unknown":true,"kinds":[1]}`, true},
		{`{"#tag":["go"]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			f := parseFilter(t, tt.filter)
			assert.Equal(t, tt.want, f.Matches(&ev))
		})
	}
}

func TestFilter_UnmarshalErrors(t *testing.T) {
	for _, s := range []string{`[]`, `{"kinds":"x"}`, `{"limit":-1}`, `{"#e":[1]}`, `{"since":"yesterday"}`} {
		var f Filter
		assert.Error(t, json.Unmarshal([]byte(s), &f), s)
	}
}

func TestFilter_MarshalStableOrder(t *testing.T) {
	f := parseFilter(t, `{"limit":5,"#p":["b"],"kinds":[1],"#e":["a"],"&t":["x"],"since":3}`)

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Equal(t, `{"kinds":[1],"#e":["a"],"#p":["b"],"&t":["x"],"since":3,"limit":5}`, string(data))
}

func TestFilter_MarshalKeepsEmptyLists(t *testing.T) {
	data, err := json.Marshal(Filter{IDs: []string{}})
	require.NoError(t, err)
	assert.Equal(t, `{"ids":[]}`, string(data))
}

func TestFilters_Match(t *testing.T) {
	fs := Filters{{Kinds: []int{0}}, {Authors: []string{"p"}}}

	assert.True(t, fs.Match(&Event{Kind: 0, PubKey: "x"}))
	assert.True(t, fs.Match(&Event{Kind: 1, PubKey: "p"}))
	assert.False(t, fs.Match(&Event{Kind: 1, PubKey: "x"}))
	assert.False(t, Filters{}.Match(&Event{}))
}

func TestFilters_MaxLimit(t *testing.T) {
	_, ok := Filters{{}, {}}.MaxLimit()
	assert.False(t, ok)

	limit, ok := Filters{{Limit: Int(2)}, {}, {Limit: Int(7)}}.MaxLimit()
	assert.True(t, ok)
	assert.Equal(t, 7, limit)

	limit, ok = Filters{{Limit: Int(0)}}.MaxLimit()
	assert.True(t, ok)
	assert.Equal(t, 0, limit)
}

func TestParseFilters(t *testing.T) {
	fs, err := ParseFilters([]byte(` {"kinds":[1]} `))
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, []int{1}, fs[0].Kinds)

	fs, err = ParseFilters([]byte(`[{"kinds":[1]},{"limit":2}]`))
	require.NoError(t, err)
	assert.Len(t, fs, 2)

	_, err = ParseFilters([]byte(`nope`))
	assert.Error(t, err)
}
