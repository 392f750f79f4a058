package rudp

import (
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// slot is one entry in the sender's bounded outstanding-reliable set.
// inUse and generation are read by both the sender and receiver
// goroutines and are therefore atomics; frame and lastSent are touched
// only by the sender goroutine and need no synchronization.
type slot struct {
	inUse      atomic.Bool
	generation atomic.Int64
	frame      []byte
	lastSent   time.Time
}

// slotTable is the fixed-capacity array of outstanding reliable
// packets shared between the sender and receiver goroutines, plus the
// sender-owned bookkeeping (the used-slot FIFO and the shared
// generation counter) that never needs to be visible to the receiver.
//
// The FIFO is github.com/eapache/queue, a plain ring-buffer queue: it
// has no remove-from-middle operation, so a cleared entry is lazily
// skipped once it reaches the head instead of being removed in place.
type slotTable struct {
	slots  []slot
	fifo   *queue.Queue
	notify chan struct{}
	gen    atomic.Int64
}

func newSlotTable(capacity int) *slotTable {
	return &slotTable{
		slots:  make([]slot, capacity),
		fifo:   queue.New(),
		notify: make(chan struct{}, 1),
	}
}

func (t *slotTable) capacity() int { return len(t.slots) }

// nextGeneration draws the next value from the single counter shared
// by every fresh slot put and every unreliable send. Go's int64
// addition already wraps on overflow, which is all the wraparound
// comparison in newer needs.
func (t *slotTable) nextGeneration() int64 {
	return t.gen.Add(1)
}

// findEmpty linearly scans for a slot that is not in use. Capacity is
// small (tens, not thousands) so a linear scan is simpler and cheaper
// than maintaining a free list.
func (t *slotTable) findEmpty() (int, bool) {
	for i := range t.slots {
		if !t.slots[i].inUse.Load() {
			return i, true
		}
	}
	return 0, false
}

// put fills slot idx with a freshly-framed packet: it assigns a new
// generation, records the frame and send time, publishes generation
// before inUse (release ordering, matching the receiver's acquire load
// of generation before it acts on inUse), and enqueues idx at the tail
// of the resend FIFO.
func (t *slotTable) put(idx int, frame []byte, now time.Time) int64 {
	s := &t.slots[idx]
	gen := t.nextGeneration()
	s.frame = frame
	s.lastSent = now
	s.generation.Store(gen)
	s.inUse.Store(true)
	t.fifo.Add(idx)
	return gen
}

// oldest returns the index of the earliest still-outstanding slot,
// skipping (and discarding) any FIFO entries whose slot was already
// cleared by an ACK. Called only from the sender goroutine.
func (t *slotTable) oldest() (int, bool) {
	for t.fifo.Length() > 0 {
		idx := t.fifo.Peek().(int)
		if t.slots[idx].inUse.Load() {
			return idx, true
		}
		t.fifo.Remove()
	}
	return 0, false
}

// requeue moves the slot at the FIFO head to the tail, used when that
// slot's deadline has passed and it is about to be retransmitted.
func (t *slotTable) requeue() {
	if t.fifo.Length() == 0 {
		return
	}
	idx := t.fifo.Remove().(int)
	t.fifo.Add(idx)
}

// ack attempts to clear slot idx on behalf of a received ACK carrying
// generation. It returns true exactly once per successful put/ack
// pair: a generation mismatch (stale or spurious ACK) or an
// already-cleared slot both return false without effect.
func (t *slotTable) ack(idx int, generation int64) bool {
	if idx < 0 || idx >= len(t.slots) {
		return false
	}
	s := &t.slots[idx]
	if s.generation.Load() != generation {
		return false
	}
	return s.inUse.CompareAndSwap(true, false)
}

// wake performs the idempotent one-permit notification: any number of
// wake calls between two receives of notify collapse into a single
// observable wake.
func (t *slotTable) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// inUseCount reports the number of currently outstanding slots. Used
// by tests to verify the slot capacity bound invariant.
func (t *slotTable) inUseCount() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].inUse.Load() {
			n++
		}
	}
	return n
}
