package rudp

import (
	"net"
	"time"

	"github.com/charmbracelet/log"

	"github.com/go-rudp/rudp/internal/instrument"
)

// ackRequest is what the receiver goroutine hands to the sender
// goroutine when an inbound frame needs an ACK written back: the
// sender owns the only socket write path, so even ACKs must flow
// through its select loop rather than being written directly.
type ackRequest struct {
	slot       int64
	generation int64
}

// sender owns the write half of the connection, the slot table's
// resend bookkeeping, and the unreliable/reliable submit queue. Exactly
// one goroutine ever runs its loop.
type sender struct {
	conn  net.Conn
	table *slotTable
	cfg   Config
	log   *log.Logger
	buf   []byte

	ackCh    chan ackRequest
	submitCh <-chan interface{}

	fatal chan error

	// retryCount tracks consecutive socket write failures across every
	// kind of send (data, retransmit, ACK). A successful write resets
	// it; reaching cfg.MaxRetry sets halted, which run observes and
	// exits on, propagating shutdown.
	retryCount int
	halted     bool

	// timerArmed tracks whether the resend timer is pending. It is true
	// from the moment rearm sets a deadline until the timer fires and
	// its channel is drained; acknowledging the slot it was armed for
	// does not clear it or stop the timer. This is the only state that
	// decides whether the timer is touched at all: an armed timer is
	// never reset early, since the used-slot FIFO's head is always the
	// earliest deadline outstanding.
	timerArmed bool
}

func newSender(conn net.Conn, cfg Config, table *slotTable, submitCh <-chan interface{}, ackCh chan ackRequest, fatal chan error) *sender {
	return &sender{
		conn:     conn,
		table:    table,
		cfg:      cfg,
		log:      cfg.Logger.With("component", "sender"),
		buf:      make([]byte, 0, 1500),
		ackCh:    ackCh,
		submitCh: submitCh,
		fatal:    fatal,
	}
}

// run is the sender goroutine body. It implements the priority order
// from highest to lowest: a due retransmission, a slot-cleared wakeup
// (which lets findEmpty be retried for a submission that was waiting
// on capacity), a host submission, and an ACK request from the
// receiver. Each is checked non-blocking, in order, before falling
// back to a blocking select over all four plus the halt channel —
// this is what makes the priority "biased"
// rather than fair.
//
// After every event the loop calls rearm, which arms the timer to the
// oldest in-use slot's deadline only if the timer is not already
// armed for one: this is what keeps the timer synced to a single
// slot's own deadline (disarmed entirely once nothing is outstanding)
// instead of free-running as a fixed periodic tick.
func (s *sender) run(halt <-chan struct{}) {
	timer := time.NewTimer(s.cfg.Timeout)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var waiting []interface{} // submissions parked because the slot table was full

	for {
		if s.tryDeadline(timer) {
			s.rearm(timer)
			if s.halted {
				return
			}
			continue
		}
		if s.tryWake(&waiting) {
			s.rearm(timer)
			if s.halted {
				return
			}
			continue
		}
		if s.trySubmit(&waiting) {
			s.rearm(timer)
			if s.halted {
				return
			}
			continue
		}
		if s.tryAck() {
			s.rearm(timer)
			if s.halted {
				return
			}
			continue
		}

		select {
		case <-halt:
			return
		case <-timer.C:
			s.timerArmed = false
			s.onDeadline()
		case <-s.table.notify:
			s.drainWaiting(&waiting)
		case v := <-s.submitCh:
			s.handleSubmit(v, &waiting)
		case req := <-s.ackCh:
			s.writeAck(req)
		}
		s.rearm(timer)
		if s.halted {
			return
		}
	}
}

// write sends frame and updates the consecutive-failure count that
// governs the engine's fatal-socket exit: a success resets it to zero,
// a failure increments it and, once it reaches cfg.MaxRetry, reports a
// fatal error and marks the sender halted so run exits on its next
// check, propagating shutdown through the shared halt channel.
func (s *sender) write(frame []byte) bool {
	if _, err := s.conn.Write(frame); err != nil {
		s.retryCount++
		s.log.Warn("socket write failed", "retry", s.retryCount, "err", err)
		if s.retryCount >= s.cfg.MaxRetry {
			select {
			case s.fatal <- &SocketError{Op: "write", Err: ErrMaxRetryExceeded}:
			default:
			}
			s.halted = true
		}
		return false
	}
	s.retryCount = 0
	instrument.PacketSent()
	return true
}

func (s *sender) tryDeadline(timer *time.Timer) bool {
	select {
	case <-timer.C:
		s.timerArmed = false
		s.onDeadline()
		return true
	default:
		return false
	}
}

func (s *sender) tryWake(waiting *[]interface{}) bool {
	select {
	case <-s.table.notify:
		s.drainWaiting(waiting)
		return true
	default:
		return false
	}
}

func (s *sender) trySubmit(waiting *[]interface{}) bool {
	select {
	case v := <-s.submitCh:
		s.handleSubmit(v, waiting)
		return true
	default:
		return false
	}
}

func (s *sender) tryAck() bool {
	select {
	case req := <-s.ackCh:
		s.writeAck(req)
		return true
	default:
		return false
	}
}

// onDeadline runs once the armed timer has actually reached the
// oldest in-use slot's deadline: it retransmits that slot, stamping
// its last-sent time to now and moving it to the tail of the used
// FIFO. It does not rearm the timer itself — the caller's rearm call
// picks up the new (possibly already-overdue) oldest slot on its next
// check, which is how several slots overdue at once each get resent
// in their own turn rather than only once per fixed tick. A slot is
// retransmitted indefinitely until acknowledged or the socket itself
// starts failing (see write) — there is no per-message give-up.
func (s *sender) onDeadline() {
	idx, ok := s.table.oldest()
	if !ok {
		return
	}
	slotEntry := &s.table.slots[idx]
	slotEntry.lastSent = time.Now()
	s.write(slotEntry.frame)
	instrument.Retransmission()
	s.table.requeue()
}

// rearm arms timer to the oldest in-use slot's own deadline if the
// timer is not already armed for one, and leaves it untouched
// (disarmed) if nothing is outstanding. It never moves an already-
// armed deadline earlier or later: the used-slot FIFO's head is
// always the earliest deadline outstanding, since slots are only ever
// (re)stamped with lastSent = now, so whatever the timer is currently
// armed for remains the earliest until it fires.
func (s *sender) rearm(timer *time.Timer) {
	if s.timerArmed {
		return
	}
	idx, ok := s.table.oldest()
	if !ok {
		return
	}
	d := time.Until(s.table.slots[idx].lastSent.Add(s.cfg.Timeout))
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
	s.timerArmed = true
}

// drainWaiting retries every parked submission against the slot table
// now that at least one slot was freed; any still blocked on capacity
// stay parked in order.
func (s *sender) drainWaiting(waiting *[]interface{}) {
	remaining := (*waiting)[:0]
	for _, v := range *waiting {
		if !s.submitOne(v) {
			remaining = append(remaining, v)
		}
	}
	*waiting = remaining
}

func (s *sender) handleSubmit(v interface{}, waiting *[]interface{}) {
	if !s.submitOne(v) {
		*waiting = append(*waiting, v)
	}
}

// submitOne frames and writes one host-submitted message. Unreliable
// messages are written immediately and never touch the slot table.
// Reliable messages require a free slot; if none is free, submitOne
// returns false and the caller parks the value for later retry.
func (s *sender) submitOne(v interface{}) bool {
	codec, ok := v.(Codec)
	if !ok {
		s.log.Warn("submitted value is not a Codec", "value", v)
		return true
	}

	if !codec.Reliable() {
		gen := s.table.nextGeneration()
		s.buf = s.buf[:0]
		s.buf = EncodeHeader(Header{ID: codec.ID(), Slot: 0, Generation: gen}, s.buf)
		s.buf = codec.Serialize(s.buf)
		s.write(s.buf)
		return true
	}

	idx, ok := s.table.findEmpty()
	if !ok {
		return false
	}

	frame := make([]byte, 0, HeaderSize+64)
	frame = EncodeHeader(Header{ID: codec.ID(), Slot: int64(idx) + 1}, frame)
	frame = codec.Serialize(frame)

	gen := s.table.put(idx, frame, time.Now())
	restamp(frame, int64(idx)+1, gen)

	s.write(frame)
	return true
}

// writeAck answers an inbound frame with a minimal header-only ACK
// datagram, built in a fresh stack array on each call.
func (s *sender) writeAck(req ackRequest) {
	var buf [HeaderSize]byte
	frame := EncodeHeader(Header{ID: 0, Slot: -req.slot, Generation: req.generation}, buf[:0])
	if s.write(frame) {
		instrument.AckSent()
	}
}
