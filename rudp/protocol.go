package rudp

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed, big-endian wire header every frame carries
// ahead of its variant payload: a 4-byte id, an 8-byte signed slot,
// and an 8-byte signed generation.
const HeaderSize = 4 + 8 + 8

// ErrShortFrame is returned by DecodeHeader when the input is shorter
// than HeaderSize.
var ErrShortFrame = errors.New("rudp: frame shorter than header")

// Header is the fixed-size prefix of every frame on the wire.
//
// Slot encodes three cases in one signed field: Slot > 0 names reliable
// data held in slot Slot-1 on the sender; Slot == 0 marks unreliable
// data; Slot < 0 is an ACK for slot -Slot-1.
type Header struct {
	ID         uint32
	Slot       int64
	Generation int64
}

// EncodeHeader appends the big-endian encoding of h to out and returns
// the extended slice. It never allocates beyond what out's capacity
// requires, so hot-path callers that reuse a scratch buffer pay no
// allocation cost here.
func EncodeHeader(h Header, out []byte) []byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.ID)
	binary.BigEndian.PutUint64(buf[4:12], uint64(h.Slot))
	binary.BigEndian.PutUint64(buf[12:20], uint64(h.Generation))
	return append(out, buf[:]...)
}

// DecodeHeader parses the header prefix of b, returning the header and
// the payload slice that follows it (an empty slice for an empty
// payload, never an error on an empty-but-present payload).
func DecodeHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, ErrShortFrame
	}
	h := Header{
		ID:         binary.BigEndian.Uint32(b[0:4]),
		Slot:       int64(binary.BigEndian.Uint64(b[4:12])),
		Generation: int64(binary.BigEndian.Uint64(b[12:20])),
	}
	return h, b[HeaderSize:], nil
}

// restamp overwrites only the slot and generation fields of an
// already-framed buffer in place, leaving the id and payload
// untouched. Used for stamping a freshly-put slot; resends write the
// stored frame unchanged and do not call it, since slot and generation
// do not change on resend.
func restamp(frame []byte, slot, generation int64) {
	binary.BigEndian.PutUint64(frame[4:12], uint64(slot))
	binary.BigEndian.PutUint64(frame[12:20], uint64(generation))
}

// newer reports whether b is newer than a under wrapping-signed
// comparison: b is newer iff b-a > 0 computed with wraparound, which
// for Go's fixed-width signed integers is simply ordinary subtraction
// (it already wraps on overflow) compared against zero.
func newer(a, b int64) bool {
	return b-a > 0
}
