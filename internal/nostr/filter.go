package nostr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Filter selects events. A nil slice means the predicate is absent; an empty
// non-nil slice is present and matches nothing.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	// Tags holds "#x" constraints keyed by the tag letter: any listed value
	// must appear on an x tag.
	Tags map[string][]string
	// AllTags holds "&x" constraints: every listed value must appear.
	AllTags map[string][]string
	Since   *int64
	Until   *int64
	Limit   *int
	// Search is carried for capsules that implement full-text search. The
	// deck itself does not interpret it.
	Search string
}

// Matches reports whether every predicate of the filter holds for ev.
// Limit plays no part in matching.
func (f *Filter) Matches(ev *Event) bool {
	if f.IDs != nil && !hasPrefixIn(f.IDs, ev.ID) {
		return false
	}
	if f.Authors != nil && !hasPrefixIn(f.Authors, ev.PubKey) {
		return false
	}
	if f.Kinds != nil && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, want := range f.Tags {
		if !hasAnyTagValue(ev.Tags, name, want) {
			return false
		}
	}
	for name, want := range f.AllTags {
		for _, v := range want {
			if !hasAnyTagValue(ev.Tags, name, []string{v}) {
				return false
			}
		}
	}
	return true
}

func hasPrefixIn(prefixes []string, s string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasAnyTagValue(tags Tags, name string, values []string) bool {
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		if slices.Contains(values, tag[1]) {
			return true
		}
	}
	return false
}

// UnmarshalJSON decodes a NIP-01 filter object. Unknown keys are ignored.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("filter must be an object: %w", err)
	}

	*f = Filter{}
	for key, val := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(val, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(val, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(val, &f.Kinds)
		case key == "since":
			err = json.Unmarshal(val, &f.Since)
		case key == "until":
			err = json.Unmarshal(val, &f.Until)
		case key == "limit":
			err = json.Unmarshal(val, &f.Limit)
			if err == nil && f.Limit != nil && *f.Limit < 0 {
				err = fmt.Errorf("must not be negative")
			}
		case key == "search":
			err = json.Unmarshal(val, &f.Search)
		case isTagKey(key, '#'):
			f.Tags, err = decodeTagValues(f.Tags, key[1:], val)
		case isTagKey(key, '&'):
			f.AllTags, err = decodeTagValues(f.AllTags, key[1:], val)
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}
	return nil
}

func isTagKey(key string, prefix byte) bool {
	if len(key) != 2 || key[0] != prefix {
		return false
	}
	c := key[1]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func decodeTagValues(m map[string][]string, name string, val json.RawMessage) (map[string][]string, error) {
	var values []string
	if err := json.Unmarshal(val, &values); err != nil {
		return m, err
	}
	if values == nil {
		return m, nil
	}
	if m == nil {
		m = make(map[string][]string)
	}
	m[name] = values
	return m, nil
}

// MarshalJSON encodes the filter with a stable key order so forwarded
// requests are byte-identical for identical filters.
func (f Filter) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	field := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		keyData, _ := json.Marshal(key)
		buf.Write(keyData)
		buf.WriteByte(':')
		buf.Write(data)
		return nil
	}

	var err error
	add := func(key string, v any) {
		if err == nil {
			err = field(key, v)
		}
	}
	if f.IDs != nil {
		add("ids", f.IDs)
	}
	if f.Authors != nil {
		add("authors", f.Authors)
	}
	if f.Kinds != nil {
		add("kinds", f.Kinds)
	}
	for _, name := range sortedKeys(f.Tags) {
		add("#"+name, f.Tags[name])
	}
	for _, name := range sortedKeys(f.AllTags) {
		add("&"+name, f.AllTags[name])
	}
	if f.Since != nil {
		add("since", *f.Since)
	}
	if f.Until != nil {
		add("until", *f.Until)
	}
	if f.Limit != nil {
		add("limit", *f.Limit)
	}
	if f.Search != "" {
		add("search", f.Search)
	}
	if err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Filters is the filter list of one request.
type Filters []Filter

// Match reports whether any filter matches ev.
func (fs Filters) Match(ev *Event) bool {
	for i := range fs {
		if fs[i].Matches(ev) {
			return true
		}
	}
	return false
}

// MaxLimit returns the largest limit set on any filter. ok is false when no
// filter sets a limit.
func (fs Filters) MaxLimit() (limit int, ok bool) {
	for i := range fs {
		if fs[i].Limit == nil {
			continue
		}
		if !ok || *fs[i].Limit > limit {
			limit = *fs[i].Limit
		}
		ok = true
	}
	return limit, ok
}

// ParseFilters decodes a JSON filter object or an array of filter objects.
func ParseFilters(data []byte) (Filters, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var fs Filters
		if err := json.Unmarshal(trimmed, &fs); err != nil {
			return nil, err
		}
		return fs, nil
	}
	var f Filter
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, err
	}
	return Filters{f}, nil
}

// Int64 returns a pointer to v, for building filters in code.
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v, for building filters in code.
func Int(v int) *int { return &v }
