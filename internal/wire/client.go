package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/deck/internal/nostr"
)

// Verbs of the relay protocol.
const (
	VerbReq    = "REQ"
	VerbEvent  = "EVENT"
	VerbClose  = "CLOSE"
	VerbCount  = "COUNT"
	VerbEOSE   = "EOSE"
	VerbOK     = "OK"
	VerbNotice = "NOTICE"
	VerbClosed = "CLOSED"
)

// ErrMalformed is wrapped by every ParseClientMessage error.
var ErrMalformed = errors.New("malformed message")

// ClientMessage is a decoded client to relay message.
type ClientMessage struct {
	Verb    string
	SubID   string
	Filters nostr.Filters
	Event   *nostr.Event
}

// ParseClientMessage decodes one text frame from a client.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("%w: expected a JSON array", ErrMalformed)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformed)
	}

	var verb string
	if err := json.Unmarshal(arr[0], &verb); err != nil {
		return nil, fmt.Errorf("%w: first element must be a string", ErrMalformed)
	}

	msg := &ClientMessage{Verb: verb}
	switch verb {
	case VerbReq, VerbCount:
		if len(arr) < 3 {
			return nil, fmt.Errorf("%w: %s needs a subscription id and at least one filter", ErrMalformed, verb)
		}
		if err := decodeSubID(arr[1], &msg.SubID); err != nil {
			return nil, err
		}
		msg.Filters = make(nostr.Filters, len(arr)-2)
		for i, raw := range arr[2:] {
			if err := json.Unmarshal(raw, &msg.Filters[i]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
	case VerbEvent:
		if len(arr) != 2 {
			return nil, fmt.Errorf("%w: EVENT needs exactly one event", ErrMalformed)
		}
		var ev nostr.Event
		if err := json.Unmarshal(arr[1], &ev); err != nil {
			return nil, fmt.Errorf("%w: bad event: %v", ErrMalformed, err)
		}
		msg.Event = &ev
	case VerbClose:
		if len(arr) != 2 {
			return nil, fmt.Errorf("%w: CLOSE needs a subscription id", ErrMalformed)
		}
		if err := decodeSubID(arr[1], &msg.SubID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown verb %q", ErrMalformed, verb)
	}
	return msg, nil
}

func decodeSubID(raw json.RawMessage, out *string) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: subscription id must be a string", ErrMalformed)
	}
	if *out == "" || len(*out) > 64 {
		return fmt.Errorf("%w: subscription id must be 1-64 characters", ErrMalformed)
	}
	return nil
}

// Req encodes ["REQ", subID, filters...].
func Req(subID string, filters nostr.Filters) ([]byte, error) {
	return encodeWithFilters(VerbReq, subID, filters)
}

// Count encodes ["COUNT", subID, filters...].
func Count(subID string, filters nostr.Filters) ([]byte, error) {
	return encodeWithFilters(VerbCount, subID, filters)
}

// CloseSub encodes ["CLOSE", subID].
func CloseSub(subID string) []byte {
	return mustEncode(VerbClose, subID)
}

// Publish encodes ["EVENT", ev] as a client would send it.
func Publish(ev *nostr.Event) ([]byte, error) {
	return json.Marshal([]any{VerbEvent, ev})
}

func encodeWithFilters(verb, subID string, filters nostr.Filters) ([]byte, error) {
	arr := make([]any, 0, len(filters)+2)
	arr = append(arr, verb, subID)
	for _, f := range filters {
		arr = append(arr, f)
	}
	data, err := json.Marshal(arr)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", verb, err)
	}
	return data, nil
}
