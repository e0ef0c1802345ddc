package capsule

import (
	"bytes"
	"encoding/binary"
)

// frameMagic prefixes every framed message.
var frameMagic = []byte("MSGB")

const frameHeaderLen = 8

// EncodeFrame wraps payload in an MSGB frame.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, frameHeaderLen+len(payload))
	copy(out, frameMagic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[frameHeaderLen:], payload)
	return out
}

// DecodeFrame decodes the message at the start of mem, where mem is guest
// memory from the result address to the end of memory.
//
// When mem begins with the MSGB signature and the declared length fits, the
// payload is returned with framed=true. Otherwise the bytes up to the first
// zero byte (or the end of mem) are returned as a legacy string.
//
// The returned slice aliases mem.
func DecodeFrame(mem []byte) (payload []byte, framed bool) {
	if len(mem) >= frameHeaderLen && bytes.Equal(mem[:4], frameMagic) {
		n := binary.LittleEndian.Uint32(mem[4:8])
		if uint64(n) <= uint64(len(mem)-frameHeaderLen) {
			return mem[frameHeaderLen : frameHeaderLen+int(n)], true
		}
	}
	if i := bytes.IndexByte(mem, 0); i >= 0 {
		return mem[:i], false
	}
	return mem, false
}
