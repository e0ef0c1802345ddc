// Package wire encodes and decodes the JSON-array envelopes of the relay
// protocol.
//
// Client to relay: REQ, EVENT, CLOSE, COUNT.
// Relay to client: EVENT, EOSE, OK, NOTICE, COUNT, CLOSED.
//
// The same relay-side decoder reads capsule responses and upstream relay
// traffic, so it accepts newline-separated batches of messages.
package wire
