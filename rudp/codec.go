package rudp

import "fmt"

// Codec is the capability interface a message type must implement to
// travel over an Engine. There is no derive macro here: implement
// these three methods by hand on each concrete message type, and
// provide a Deserializer that switches on id. See the echo type in
// cmd/rudp-handshake for a worked example.
type Codec interface {
	// ID returns the numeric tag identifying this value's variant.
	ID() uint32

	// Reliable reports whether this particular value must be
	// acknowledged and retransmitted until delivered.
	Reliable() bool

	// Serialize appends this value's payload bytes (not including the
	// frame header) to out and returns the extended slice.
	Serialize(out []byte) []byte
}

// Deserializer parses a payload into a Codec value given the variant
// id carried in the frame header.
type Deserializer func(id uint32, payload []byte) (Codec, error)

// OrderedFunc reports, per variant id, whether the receiver should
// discard any datagram of that id whose generation is not newer than
// the most recently accepted one of the same id.
type OrderedFunc func(id uint32) bool

// ErrDeserialize wraps a payload decode failure with the id that
// failed to parse.
type ErrDeserialize struct {
	ID  uint32
	Err error
}

func (e *ErrDeserialize) Error() string {
	return fmt.Sprintf("rudp: deserialize id %d: %v", e.ID, e.Err)
}

func (e *ErrDeserialize) Unwrap() error { return e.Err }
