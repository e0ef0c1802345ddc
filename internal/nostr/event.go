package nostr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tag is a single event tag: a name followed by its values.
type Tag []string

// Name returns the tag name or "" for an empty tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value after the name or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is the ordered tag list of an event.
type Tags []Tag

// MarshalJSON encodes a nil tag list as [] so encoded events always carry
// the tags field as an array.
func (t Tags) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Tag(t))
}

// Find returns the first tag with the given name.
func (t Tags) Find(name string) (Tag, bool) {
	for _, tag := range t {
		if tag.Name() == name {
			return tag, true
		}
	}
	return nil, false
}

// Values returns the first value of every tag with the given name.
func (t Tags) Values(name string) []string {
	var out []string
	for _, tag := range t {
		if tag.Name() == name && len(tag) > 1 {
			out = append(out, tag[1])
		}
	}
	return out
}

// Event is a signed Nostr event.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Size returns the length of the event's JSON encoding. This is the unit the
// buffer uses for its byte threshold.
func (e *Event) Size() int {
	data, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(data)
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	if e.Tags != nil {
		tags := make(Tags, len(e.Tags))
		for i, tag := range e.Tags {
			tags[i] = append(Tag(nil), tag...)
		}
		e.Tags = tags
	}
	return e
}

// String implements fmt.Stringer for log output.
func (e *Event) String() string {
	return fmt.Sprintf("event(id=%s kind=%d created_at=%d)", shortID(e.ID), e.Kind, e.CreatedAt)
}

// ParseEvent decodes a single JSON event and checks the fields every event
// must carry.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if err := ev.CheckShape(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// CheckRequired verifies the fields every stored event needs, whatever
// validation is configured: an id, an author and a non-negative kind.
func (e *Event) CheckRequired() error {
	switch {
	case e.ID == "":
		return errors.New("missing event id")
	case e.PubKey == "":
		return fmt.Errorf("missing pubkey for event %s", shortID(e.ID))
	case e.Kind < 0:
		return fmt.Errorf("negative kind %d", e.Kind)
	}
	return nil
}

// CheckShape verifies hex lengths of id, pubkey and sig.
func (e *Event) CheckShape() error {
	if !isHex(e.ID, 64) {
		return fmt.Errorf("bad event id %q", e.ID)
	}
	if !isHex(e.PubKey, 64) {
		return fmt.Errorf("bad pubkey %q", e.PubKey)
	}
	if !isHex(e.Sig, 128) {
		return fmt.Errorf("bad signature for event %s", shortID(e.ID))
	}
	if e.Kind < 0 {
		return fmt.Errorf("negative kind %d", e.Kind)
	}
	return nil
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
