// Package harness replays relay scenarios against a real engine and
// records what happened as a trace.
//
// A scenario seeds capsules, then runs a flow of steps through the same
// buffer, registry, rotation controller and catalog the relay uses.
// Capsules are in-memory fakes, so scenarios run without a WASM toolchain.
//
// # Scenario Format
//
//	name: replaceable_profile
//	description: "A newer profile replaces the buffered one"
//	capsules:
//	  - name: archive
//	    events:
//	      - {id: a1, pubkey: alice, kind: 1, created_at: 10}
//	flow:
//	  - ingest: {id: p1, pubkey: alice, kind: 0, created_at: 100}
//	    expect: {accepted: true}
//	  - req: [{kinds: [0]}]
//	    expect: {ids: [p1]}
//	  - count: [{kinds: [0, 1]}]
//	    expect: {count: 2}
//	  - rotate: {}
//	    expect: {capsule: rotation-1, events: 1}
//	  - advance: 10m
//	  - backfill: true
//	assertions:
//	  - type: buffer_ids
//	    ids: []
//	  - type: capsule_count
//	    count: 2
//	  - type: catalog_has
//	    ids: [p1]
//
// Every flow step holds exactly one action. Expect clauses are checked as
// the step runs; assertions are checked after the flow.
//
// # Golden Traces
//
// RunWithGolden compares the trace with testdata/golden/<name>.golden.
// Regenerate with:
//
//	go test ./internal/harness -update
package harness
