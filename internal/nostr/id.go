package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Serialize returns the commitment array whose sha256 is the event id:
//
//	[0,<pubkey>,<created_at>,<kind>,<tags>,<content>]
//
// Strings are escaped byte-exactly: only \n " \ \r \t \b \f are escaped and
// every other character is written verbatim. encoding/json cannot be used
// here because it escapes HTML characters and U+2028/U+2029.
func (e *Event) Serialize() []byte {
	buf := make([]byte, 0, 128+len(e.Content))
	buf = append(buf, `[0,"`...)
	buf = append(buf, e.PubKey...)
	buf = append(buf, `",`...)
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(e.Kind), 10)
	buf = append(buf, ",["...)
	for i, tag := range e.Tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, s := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, s)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, "],"...)
	buf = appendString(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

// ComputeID returns the hex sha256 of the serialized event.
func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(sum[:])
}

// CheckID reports whether the event id matches its content.
func (e *Event) CheckID() bool {
	return e.ID == e.ComputeID()
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\n':
			buf = append(buf, `\n`...)
		case '"':
			buf = append(buf, `\"`...)
		case '\\':
			buf = append(buf, `\\`...)
		case '\r':
			buf = append(buf, `\r`...)
		case '\t':
			buf = append(buf, `\t`...)
		case '\b':
			buf = append(buf, `\b`...)
		case '\f':
			buf = append(buf, `\f`...)
		default:
			buf = append(buf, c)
		}
	}
	return append(buf, '"')
}
