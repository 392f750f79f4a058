package rudp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-rudp/rudp/internal/netsim"
)

type fakeCodec struct {
	id       uint32
	reliable bool
	payload  []byte
}

func (f fakeCodec) ID() uint32     { return f.id }
func (f fakeCodec) Reliable() bool { return f.reliable }
func (f fakeCodec) Serialize(out []byte) []byte {
	return append(out, f.payload...)
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	buf := make([]byte, 1500)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func newTestSender(t *testing.T, table *slotTable) (*sender, net.Conn) {
	connA, connB := netsim.Pipe(0, 0)
	t.Cleanup(func() { connA.Close(); connB.Close() })

	var cfg Config
	cfg.Timeout = time.Second
	cfg.MaxRetry = 2
	cfg.setDefaults()

	return newSender(connA, cfg, table, nil, make(chan ackRequest, 4), make(chan error, 1)), connB
}

func TestSubmitOneUnreliableWritesImmediately(t *testing.T) {
	table := newSlotTable(4)
	s, peer := newTestSender(t, table)

	ok := s.submitOne(fakeCodec{id: 5, reliable: false, payload: []byte("hi")})
	require.True(t, ok)

	frame := readFrame(t, peer)
	hdr, payload, err := DecodeHeader(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(5), hdr.ID)
	require.EqualValues(t, 0, hdr.Slot)
	require.Equal(t, []byte("hi"), payload)
	require.Equal(t, 0, table.inUseCount(), "unreliable sends never touch the slot table")
}

func TestSubmitOneReliableOccupiesSlot(t *testing.T) {
	table := newSlotTable(1)
	s, peer := newTestSender(t, table)

	ok := s.submitOne(fakeCodec{id: 9, reliable: true, payload: []byte("reliable")})
	require.True(t, ok)
	require.Equal(t, 1, table.inUseCount())

	frame := readFrame(t, peer)
	hdr, payload, err := DecodeHeader(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(9), hdr.ID)
	require.EqualValues(t, 1, hdr.Slot)
	require.Equal(t, []byte("reliable"), payload)
}

func TestSubmitOneReliableReturnsFalseWhenFull(t *testing.T) {
	table := newSlotTable(1)
	s, peer := newTestSender(t, table)

	require.True(t, s.submitOne(fakeCodec{id: 1, reliable: true, payload: []byte("a")}))
	readFrame(t, peer)

	require.False(t, s.submitOne(fakeCodec{id: 2, reliable: true, payload: []byte("b")}),
		"no free slot left, caller must park the value")
}

func TestOnDeadlineRetransmitsIndefinitelyUntilAcked(t *testing.T) {
	table := newSlotTable(1)
	s, peer := newTestSender(t, table)

	require.True(t, s.submitOne(fakeCodec{id: 1, reliable: true, payload: []byte("x")}))
	readFrame(t, peer) // initial send

	// Nothing in the protocol gives up on a single outstanding slot:
	// it is retransmitted every deadline until acked or the socket
	// itself starts failing.
	for i := 0; i < 5; i++ {
		s.onDeadline()
		readFrame(t, peer)
	}
	require.False(t, s.halted)
	require.Equal(t, 1, table.inUseCount())
}

// TestRearmTargetsOldestSlotDeadlineNotFixedPeriod locks in the fix for
// the timer bug a fixed periodic ticker would have: with more than one
// slot outstanding, the timer must be armed to whichever slot's own
// lastSent+cfg.Timeout deadline is soonest, not reset to a fresh
// cfg.Timeout on every fire regardless of slot age.
func TestRearmTargetsOldestSlotDeadlineNotFixedPeriod(t *testing.T) {
	table := newSlotTable(2)
	s, peer := newTestSender(t, table)
	s.cfg.Timeout = 60 * time.Millisecond

	require.True(t, s.submitOne(fakeCodec{id: 1, reliable: true, payload: []byte("a")}))
	readFrame(t, peer)

	time.Sleep(30 * time.Millisecond)

	require.True(t, s.submitOne(fakeCodec{id: 2, reliable: true, payload: []byte("b")}))
	readFrame(t, peer)

	// Disarmed, as it would be on entry to run's blocking select.
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	s.timerArmed = false

	s.rearm(timer)

	select {
	case <-timer.C:
		// id 1's slot is the oldest, submitted ~30ms before this rearm
		// call against a 60ms timeout: the timer must fire ~30ms later,
		// not a fresh 60ms, which is what resetting to cfg.Timeout on
		// every tick (the bug) would produce regardless of slot age.
	case <-time.After(50 * time.Millisecond):
		t.Fatal("timer armed to a fresh cfg.Timeout instead of the oldest slot's own remaining deadline")
	}
}

// TestOnDeadlineAdvancesToNextSlotDeadlineAfterResend guards against the
// round-robin degradation a fixed periodic ticker would cause: once the
// oldest slot is resent and requeued to the FIFO's tail, rearm must
// target the new oldest slot's own remaining deadline, not restart a
// fresh cfg.Timeout that would push every other slot's retransmission
// cadence out to N*cfg.Timeout.
func TestOnDeadlineAdvancesToNextSlotDeadlineAfterResend(t *testing.T) {
	table := newSlotTable(2)
	s, peer := newTestSender(t, table)
	s.cfg.Timeout = 40 * time.Millisecond

	require.True(t, s.submitOne(fakeCodec{id: 1, reliable: true, payload: []byte("a")}))
	readFrame(t, peer)

	time.Sleep(20 * time.Millisecond)

	require.True(t, s.submitOne(fakeCodec{id: 2, reliable: true, payload: []byte("b")}))
	readFrame(t, peer)

	time.Sleep(20 * time.Millisecond) // slot 1's deadline is now due

	s.onDeadline() // resends slot 1 (the oldest) and requeues it to the tail
	readFrame(t, peer)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	s.timerArmed = false

	s.rearm(timer)

	select {
	case <-timer.C:
		// Slot 2 is now the oldest and was submitted ~20ms before this
		// rearm call against a 40ms timeout, so the timer must fire
		// ~20ms later rather than a fresh 40ms.
	case <-time.After(35 * time.Millisecond):
		t.Fatal("rearm restarted a fresh cfg.Timeout instead of targeting the new oldest slot's deadline")
	}
}

func TestWriteHaltsSenderAfterConsecutiveFailures(t *testing.T) {
	table := newSlotTable(1)
	s, _ := newTestSender(t, table)
	require.NoError(t, s.conn.Close()) // every subsequent write on s now fails

	s.submitOne(fakeCodec{id: 1, reliable: false, payload: []byte("x")})
	require.False(t, s.halted, "one failure is still short of MaxRetry=2")

	s.submitOne(fakeCodec{id: 1, reliable: false, payload: []byte("x")})
	require.True(t, s.halted, "a second consecutive failure reaches MaxRetry=2")

	s.submitOne(fakeCodec{id: 1, reliable: false, payload: []byte("x")})
	require.True(t, s.halted, "further failures leave the sender halted")

	select {
	case err := <-s.fatal:
		require.ErrorIs(t, err, ErrMaxRetryExceeded)
	default:
		t.Fatal("expected a fatal error once retryCount reaches MaxRetry")
	}
}

func TestWriteAckSendsNegativeSlot(t *testing.T) {
	table := newSlotTable(1)
	s, peer := newTestSender(t, table)

	s.writeAck(ackRequest{slot: 3, generation: 7})

	frame := readFrame(t, peer)
	hdr, _, err := DecodeHeader(frame)
	require.NoError(t, err)
	require.EqualValues(t, -3, hdr.Slot)
	require.EqualValues(t, 7, hdr.Generation)
}
