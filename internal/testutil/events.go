package testutil

import (
	"encoding/json"

	"github.com/roach88/deck/internal/nostr"
)

// Event builds an unsigned event for tests. Ids are taken verbatim so
// scenarios can use short readable ids.
func Event(id, pubkey string, kind int, createdAt int64, tags ...nostr.Tag) nostr.Event {
	return nostr.Event{
		ID:        id,
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      nostr.Tags(tags),
		Content:   "content of " + id,
	}
}

// EventReply encodes ["EVENT", subID, ev] as a capsule reply string.
func EventReply(subID string, ev nostr.Event) string {
	data, err := json.Marshal([]any{"EVENT", subID, ev})
	if err != nil {
		panic(err)
	}
	return string(data)
}

// IDs returns the ids of events in order.
func IDs(events []nostr.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}
