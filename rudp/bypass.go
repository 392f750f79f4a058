package rudp

// outcomeKind is the closed set of ways a Bypass classifier may
// dispose of an accepted inbound message.
type outcomeKind uint8

const (
	outcomeToUser outcomeKind = iota
	outcomeToSender
	outcomeDiscard
)

// Outcome is the result of classifying one accepted inbound message.
// Construct one with ToUser, ToSender, or Discard.
type Outcome struct {
	kind outcomeKind
	v    Codec
}

// ToUser forwards v to the host's Deliver channel.
func ToUser(v Codec) Outcome { return Outcome{kind: outcomeToUser, v: v} }

// ToSender reinjects v through the engine's own Submit path: it is
// framed, and if Reliable it is retransmitted until acknowledged,
// exactly like a value the host submitted directly. The canonical use
// is a server turning an inbound Ping into an outbound Pong.
func ToSender(v Codec) Outcome { return Outcome{kind: outcomeToSender, v: v} }

// Discard drops the message silently. The canonical use is an
// acknowledgment-as-application-message (e.g. a Pong) whose only
// purpose was a side effect already applied by the caller before
// returning Discard.
func Discard() Outcome { return Outcome{kind: outcomeDiscard} }

// Bypass classifies every message the receiver accepts (after novelty
// filtering), before it would otherwise reach the host. A nil Bypass
// behaves as the identity ToUser classifier.
type Bypass func(Codec) Outcome

func defaultBypass(v Codec) Outcome { return ToUser(v) }
