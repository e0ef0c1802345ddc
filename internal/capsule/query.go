package capsule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/wire"
)

// maxIdleCalls is the number of consecutive send calls without a new event
// after which pagination stops even without EOSE.
const maxIdleCalls = 2

// Req runs a REQ against a fresh instance and pages through the capsule's
// replies until it signals EOSE or CLOSED, returns address 0, or yields
// nothing new twice in a row. Repeated event ids are dropped.
//
// A missing EOSE is not an error: the caller sees the events gathered so
// far as a complete result.
func (c *Capsule) Req(ctx context.Context, subID string, filters nostr.Filters) ([]nostr.Event, error) {
	req, err := wire.Req(subID, filters)
	if err != nil {
		return nil, err
	}

	in, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer in.close(ctx)

	seen := make(map[string]struct{})
	var events []nostr.Event
	idle := 0
	for calls := 0; calls < c.rt.maxCalls; calls++ {
		reply, ok, err := in.call(ctx, ExportSend, req)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		fresh, done := 0, false
		for _, line := range wire.SplitMessages(reply) {
			msg, err := wire.ParseRelayMessage(line)
			if err != nil {
				slog.Debug("unparseable capsule reply", "capsule", c.name, "error", err)
				continue
			}
			switch msg.Verb {
			case wire.VerbEvent:
				if _, dup := seen[msg.Event.ID]; dup {
					continue
				}
				seen[msg.Event.ID] = struct{}{}
				events = append(events, *msg.Event)
				fresh++
			case wire.VerbEOSE, wire.VerbClosed:
				done = true
			case wire.VerbNotice:
				slog.Debug("capsule notice", "capsule", c.name, "message", msg.Message)
			}
		}
		if done {
			return events, nil
		}
		if fresh == 0 {
			idle++
			if idle >= maxIdleCalls {
				break
			}
		} else {
			idle = 0
		}
		if calls == c.rt.maxCalls-1 {
			slog.Warn("capsule pagination hit call ceiling", "capsule", c.name, "calls", c.rt.maxCalls)
		}
	}
	return events, nil
}

// Count asks the capsule for a COUNT. Capsules that answer with anything
// other than a COUNT reply are counted through Req.
func (c *Capsule) Count(ctx context.Context, subID string, filters nostr.Filters) (int64, error) {
	req, err := wire.Count(subID, filters)
	if err != nil {
		return 0, err
	}

	reply, err := c.Send(ctx, req)
	if err != nil {
		return 0, err
	}
	for _, line := range wire.SplitMessages(reply) {
		msg, err := wire.ParseRelayMessage(line)
		if err == nil && msg.Verb == wire.VerbCount {
			return msg.Count, nil
		}
	}

	events, err := c.Req(ctx, subID, filters)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

// HasID reports whether the capsule holds the event with the given id.
func (c *Capsule) HasID(ctx context.Context, id string) (bool, error) {
	events, err := c.Req(ctx, "probe", nostr.Filters{{IDs: []string{id}, Limit: nostr.Int(1)}})
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// Send performs one raw send call on a fresh instance. A capsule returning
// address 0 yields an empty reply.
func (c *Capsule) Send(ctx context.Context, request []byte) ([]byte, error) {
	in, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer in.close(ctx)

	reply, _, err := in.call(ctx, ExportSend, request)
	return reply, err
}

// HasInfo reports whether the capsule exports info.
func (c *Capsule) HasInfo() bool { return c.hasInfo }

// Info returns the capsule's capability document.
func (c *Capsule) Info(ctx context.Context) (json.RawMessage, error) {
	if !c.hasInfo {
		return nil, c.missing(ExportInfo)
	}
	in, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer in.close(ctx)

	doc, ok, err := in.call0(ctx, ExportInfo)
	if err != nil {
		return nil, err
	}
	if !ok || !json.Valid(doc) {
		return nil, &CallError{Code: ErrCodeDecodeFailed, Message: "info is not a JSON document", Capsule: c.name, Export: ExportInfo}
	}
	return json.RawMessage(doc), nil
}

// Describe returns the capsule's self-description. Capsules without a
// describe export are described from their info document.
func (c *Capsule) Describe(ctx context.Context) (string, error) {
	if c.hasDescribe {
		in, err := c.open(ctx)
		if err != nil {
			return "", err
		}
		defer in.close(ctx)

		desc, _, err := in.call0(ctx, ExportDescribe)
		if err != nil {
			return "", err
		}
		return string(desc), nil
	}

	if !c.hasInfo {
		return c.name, nil
	}
	doc, err := c.Info(ctx)
	if err != nil {
		return "", err
	}
	var info struct {
		Name          string `json:"name"`
		Description   string `json:"description"`
		SupportedNIPs []int  `json:"supported_nips"`
	}
	if err := json.Unmarshal(doc, &info); err != nil {
		return "", fmt.Errorf("describe %s: %w", c.name, err)
	}
	var b strings.Builder
	b.WriteString(info.Name)
	if b.Len() == 0 {
		b.WriteString(c.name)
	}
	if info.Description != "" {
		b.WriteString(": " + info.Description)
	}
	if len(info.SupportedNIPs) > 0 {
		fmt.Fprintf(&b, " (NIPs %v)", info.SupportedNIPs)
	}
	return b.String(), nil
}
