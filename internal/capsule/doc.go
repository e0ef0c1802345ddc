// Package capsule hosts compiled event capsules: immutable WebAssembly
// modules that answer relay protocol messages through an exported send
// function.
//
// # Calling convention
//
// The host allocates guest memory through the capsule's allocator, writes a
// request frame there, calls send(ptr, len) and decodes the frame found at
// the returned address. Both buffers are released through the capsule's
// deallocator. A zero address from send means "no further data".
//
// Frames are "MSGB" + little-endian u32 length + payload. Older capsules
// return a zero-terminated string instead; the host reads those but never
// produces them.
//
// # Instances
//
// A Capsule holds one compiled module. Every query instantiates a fresh
// module instance, because capsules keep a subscription cursor in instance
// state, and closes it when the query finishes. Compiled modules are shared
// and safe for concurrent use.
package capsule
