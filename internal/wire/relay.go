package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/deck/internal/nostr"
)

// Event encodes ["EVENT", subID, ev].
func Event(subID string, ev *nostr.Event) ([]byte, error) {
	data, err := json.Marshal([]any{VerbEvent, subID, ev})
	if err != nil {
		return nil, fmt.Errorf("encode EVENT: %w", err)
	}
	return data, nil
}

// EOSE encodes ["EOSE", subID].
func EOSE(subID string) []byte {
	return mustEncode(VerbEOSE, subID)
}

// OK encodes ["OK", eventID, accepted, reason].
func OK(eventID string, accepted bool, reason string) []byte {
	return mustEncode(VerbOK, eventID, accepted, reason)
}

// Notice encodes ["NOTICE", message].
func Notice(message string) []byte {
	return mustEncode(VerbNotice, message)
}

// Closed encodes ["CLOSED", subID, reason].
func Closed(subID, reason string) []byte {
	return mustEncode(VerbClosed, subID, reason)
}

// CountResult encodes ["COUNT", subID, {"count": n}].
func CountResult(subID string, n int64) []byte {
	return mustEncode(VerbCount, subID, countBody{Count: n})
}

type countBody struct {
	Count int64 `json:"count"`
}

func mustEncode(parts ...any) []byte {
	data, err := json.Marshal(parts)
	if err != nil {
		// Only strings, bools and ints reach here.
		panic(fmt.Sprintf("wire: encode %v: %v", parts[0], err))
	}
	return data
}

// RelayMessage is a decoded relay to client message.
type RelayMessage struct {
	Verb    string
	SubID   string
	Event   *nostr.Event
	EventID string
	OK      bool
	Message string
	Count   int64
}

// ParseRelayMessage decodes one relay to client message.
func ParseRelayMessage(data []byte) (*RelayMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("%w: expected a JSON array", ErrMalformed)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformed)
	}

	msg := &RelayMessage{}
	if err := json.Unmarshal(arr[0], &msg.Verb); err != nil {
		return nil, fmt.Errorf("%w: first element must be a string", ErrMalformed)
	}

	need := map[string]int{
		VerbEvent: 3, VerbEOSE: 2, VerbOK: 4, VerbNotice: 2, VerbClosed: 2, VerbCount: 3,
	}
	n, known := need[msg.Verb]
	if !known {
		return nil, fmt.Errorf("%w: unknown verb %q", ErrMalformed, msg.Verb)
	}
	if len(arr) < n {
		return nil, fmt.Errorf("%w: %s has %d elements, want %d", ErrMalformed, msg.Verb, len(arr), n)
	}

	var err error
	switch msg.Verb {
	case VerbEvent:
		if err = json.Unmarshal(arr[1], &msg.SubID); err == nil {
			var ev nostr.Event
			if err = json.Unmarshal(arr[2], &ev); err == nil {
				msg.Event = &ev
			}
		}
	case VerbEOSE:
		err = json.Unmarshal(arr[1], &msg.SubID)
	case VerbOK:
		if err = json.Unmarshal(arr[1], &msg.EventID); err == nil {
			if err = json.Unmarshal(arr[2], &msg.OK); err == nil {
				err = json.Unmarshal(arr[3], &msg.Message)
			}
		}
	case VerbNotice:
		err = json.Unmarshal(arr[1], &msg.Message)
	case VerbClosed:
		if err = json.Unmarshal(arr[1], &msg.SubID); err == nil && len(arr) > 2 {
			err = json.Unmarshal(arr[2], &msg.Message)
		}
	case VerbCount:
		if err = json.Unmarshal(arr[1], &msg.SubID); err == nil {
			var body countBody
			if err = json.Unmarshal(arr[2], &body); err == nil {
				msg.Count = body.Count
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.Verb, err)
	}
	return msg, nil
}

// SplitMessages splits a payload that may hold several newline-separated
// messages. Blank lines are dropped.
func SplitMessages(payload []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(payload, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out
}
