package rudp

import (
	"math/rand"
	"net"

	"github.com/charmbracelet/log"

	"github.com/go-rudp/rudp/internal/instrument"
)

// receiver owns the read half of the connection and all inbound
// classification. Exactly one goroutine ever runs its loop; it never
// touches the socket's write side, so it needs no coordination with
// the sender beyond the two channels below.
type receiver struct {
	conn  net.Conn
	cfg   Config
	log   *log.Logger
	table *slotTable

	ackCh      chan<- ackRequest   // forwards ACK writes to the sender
	submitIn   chan<- interface{}  // re-submission path for ToSender bypass outcomes
	deliverOut chan<- interface{}  // delivery path for ToUser bypass outcomes
	fatal      chan<- error

	// retryCount tracks consecutive failed or zero-length reads.
	// Reaching cfg.MaxRetry reports a fatal error and exits run,
	// propagating shutdown through the shared halt channel.
	retryCount int

	// lastReliableGen dedupes a reliable frame that was retransmitted
	// before our ACK reached the sender: index by the sender-side slot
	// named in the frame, value is the last generation already
	// delivered for that slot. Zero means "never seen", since
	// generations start at 1.
	lastReliableGen []int64

	// lastOrderedGen dedupes/orders frames per variant id, for ids
	// where cfg.Ordered reports true — applied to both unreliable
	// frames and, alongside the per-slot check, reliable ones.
	lastOrderedGen map[uint32]int64

	rng *rand.Rand
}

func newReceiver(conn net.Conn, cfg Config, table *slotTable, ackCh chan<- ackRequest, submitIn, deliverOut chan<- interface{}, fatal chan<- error) *receiver {
	return &receiver{
		conn:            conn,
		cfg:             cfg,
		log:             cfg.Logger.With("component", "receiver"),
		table:           table,
		ackCh:           ackCh,
		submitIn:        submitIn,
		deliverOut:      deliverOut,
		fatal:           fatal,
		lastReliableGen: make([]int64, table.capacity()),
		lastOrderedGen:  make(map[uint32]int64),
		rng:             rand.New(rand.NewSource(1)),
	}
}

// run is the receiver goroutine body: read, optionally simulate drop,
// decode, classify, and dispatch. A read error or a zero-length
// datagram counts as a failure; once consecutive failures reach
// cfg.MaxRetry they are reported as fatal and exit the loop, propagating
// shutdown through the shared halt channel. Any successful nonzero
// read resets the count.
func (r *receiver) run(halt <-chan struct{}) {
	buf := make([]byte, 1024)
	for {
		select {
		case <-halt:
			return
		default:
		}

		n, err := r.conn.Read(buf)
		if err != nil || n == 0 {
			select {
			case <-halt:
				return
			default:
			}
			r.retryCount++
			r.log.Warn("socket read failed", "retry", r.retryCount, "err", err)
			if r.retryCount >= r.cfg.MaxRetry {
				select {
				case r.fatal <- &SocketError{Op: "read", Err: ErrMaxRetryExceeded}:
				default:
				}
				return
			}
			continue
		}
		r.retryCount = 0
		instrument.PacketReceived()

		if r.cfg.DropPercentage > 0 && r.rng.Float64()*100 < r.cfg.DropPercentage {
			instrument.PacketDropped(instrument.ReasonSimulated)
			continue
		}

		r.handleFrame(buf[:n])
	}
}

func (r *receiver) handleFrame(frame []byte) {
	hdr, payload, err := DecodeHeader(frame)
	if err != nil {
		instrument.PacketDropped(instrument.ReasonShortFrame)
		r.log.Warn("dropping frame", "err", err)
		return
	}

	switch {
	case hdr.Slot < 0:
		r.handleAck(hdr)
	case hdr.Slot == 0:
		r.handleUnreliable(hdr, payload)
	default:
		r.handleReliable(hdr, payload)
	}
}

func (r *receiver) handleAck(hdr Header) {
	idx := int(-hdr.Slot - 1)
	if idx < 0 || idx >= r.table.capacity() {
		instrument.PacketDropped(instrument.ReasonInvalidSlot)
		r.log.Warn("dropping ack", "err", ErrInvalidSlot, "slot", hdr.Slot)
		return
	}
	if r.table.ack(idx, hdr.Generation) {
		r.table.wake()
	}
}

func (r *receiver) handleReliable(hdr Header, payload []byte) {
	idx := int(hdr.Slot - 1)
	if idx < 0 || idx >= len(r.lastReliableGen) {
		instrument.PacketDropped(instrument.ReasonInvalidSlot)
		r.log.Warn("dropping reliable frame", "err", ErrInvalidSlot, "slot", hdr.Slot)
		return
	}

	// Always ACK, even a duplicate: the sender only stops retransmitting
	// once an ACK lands, so a duplicate most likely means our previous
	// ACK was itself lost.
	select {
	case r.ackCh <- ackRequest{slot: hdr.Slot, generation: hdr.Generation}:
	default:
		r.log.Warn("ack channel full, dropping ack", "slot", idx)
	}

	if r.lastReliableGen[idx] != 0 && !newer(r.lastReliableGen[idx], hdr.Generation) {
		return // stale or duplicate delivery for this slot
	}

	ordered := r.cfg.Ordered != nil && r.cfg.Ordered(hdr.ID)
	if ordered {
		last, seen := r.lastOrderedGen[hdr.ID]
		if seen && !newer(last, hdr.Generation) {
			instrument.PacketDropped(instrument.ReasonStale)
			return
		}
	}

	v, err := r.cfg.Deserialize(hdr.ID, payload)
	if err != nil {
		instrument.PacketDropped(instrument.ReasonDeserialize)
		r.log.Warn("dropping reliable frame", "err", &ErrDeserialize{ID: hdr.ID, Err: err})
		return
	}
	if ordered {
		r.lastOrderedGen[hdr.ID] = hdr.Generation
	}
	r.lastReliableGen[idx] = hdr.Generation
	r.dispatch(v)
}

func (r *receiver) handleUnreliable(hdr Header, payload []byte) {
	if r.cfg.Ordered != nil && r.cfg.Ordered(hdr.ID) {
		last, seen := r.lastOrderedGen[hdr.ID]
		if seen && !newer(last, hdr.Generation) {
			instrument.PacketDropped(instrument.ReasonStale)
			return
		}
		r.lastOrderedGen[hdr.ID] = hdr.Generation
	}

	v, err := r.cfg.Deserialize(hdr.ID, payload)
	if err != nil {
		instrument.PacketDropped(instrument.ReasonDeserialize)
		r.log.Warn("dropping unreliable frame", "err", &ErrDeserialize{ID: hdr.ID, Err: err})
		return
	}
	r.dispatch(v)
}

func (r *receiver) dispatch(v Codec) {
	bypass := r.cfg.Bypass
	if bypass == nil {
		bypass = defaultBypass
	}
	switch out := bypass(v); out.kind {
	case outcomeToUser:
		r.deliverOut <- out.v
	case outcomeToSender:
		r.submitIn <- out.v
	case outcomeDiscard:
	}
}
