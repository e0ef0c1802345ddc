// Package relay serves the relay protocol over websockets.
//
// Each connection runs a read loop that decodes client messages and
// dispatches them to the engine, and a writer goroutine that drains the
// connection's outbox and sends keepalive pings. All frames for a
// connection go through its outbox, so writes are never concurrent.
// Stored results block the read loop while the outbox is full; a live
// event that finds it full disconnects the client.
//
// Subscriptions stay open after EOSE: events accepted later, from any
// connection or from upstream capture, are pushed to every matching
// subscription.
//
// A plain GET carrying "Accept: application/nostr+json" is answered with
// the relay information document instead of an upgrade.
package relay
