package nostr

import "fmt"

// IsReplaceable reports whether only the newest event per (pubkey, kind) is
// kept.
func IsReplaceable(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000)
}

// IsAddressable reports whether only the newest event per
// (pubkey, kind, d-tag) is kept.
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// Key identifies the slot a replaceable or addressable event occupies.
// Key is comparable and used directly as a map key.
type Key struct {
	PubKey string
	Kind   int
	D      string
}

// String renders the key the way NIP-01 "a" tags do.
func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%s", k.Kind, k.PubKey, k.D)
}

// KeyOf returns the replacement key of an event. The second result is false
// for regular events, whose identity is their id.
//
// For addressable kinds the d value comes from the first tag named "d";
// a missing tag or a tag without a value yields "".
func KeyOf(ev *Event) (Key, bool) {
	switch {
	case IsReplaceable(ev.Kind):
		return Key{PubKey: ev.PubKey, Kind: ev.Kind}, true
	case IsAddressable(ev.Kind):
		var d string
		if tag, ok := ev.Tags.Find("d"); ok {
			d = tag.Value()
		}
		return Key{PubKey: ev.PubKey, Kind: ev.Kind, D: d}, true
	default:
		return Key{}, false
	}
}
