// Package netsim provides an in-memory net.Conn pair that simulates an
// unreliable datagram link: configurable packet loss and reordering,
// with no real socket involved. It exists for integration tests that
// need deterministic, fast-running drop/reorder scenarios rather than
// real loopback UDP.
package netsim

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/go-rudp/rudp/internal/worker"
)

// ErrClosed is returned by Read and Write once the conn has been closed.
var ErrClosed = errors.New("netsim: conn closed")

// addr is the net.Addr satisfied by each end of a Pipe.
type addr string

func (a addr) Network() string { return "netsim" }
func (a addr) String() string  { return string(a) }

// Conn is one end of a simulated datagram link.
type Conn struct {
	worker.Worker

	local, remote addr
	peer          *Conn
	in            chan []byte

	dropPercent float64
	maxReorder  time.Duration
	rng         *rand.Rand
	rngMu       sync.Mutex

	mu             sync.Mutex
	readDeadline   time.Time
	writeDeadline  time.Time
	closed         bool
}

// Pipe returns two connected Conns. Every Write on one end is, with
// probability dropPercent (0-100), discarded; otherwise it is
// delivered to the peer's Read after a random delay uniform in
// [0, maxReorder), which lets datagrams written in one order arrive in
// another.
func Pipe(dropPercent float64, maxReorder time.Duration) (net.Conn, net.Conn) {
	a := &Conn{
		local:       "netsim-a",
		remote:      "netsim-b",
		in:          make(chan []byte, 256),
		dropPercent: dropPercent,
		maxReorder:  maxReorder,
		rng:         rand.New(rand.NewSource(1)),
	}
	b := &Conn{
		local:       "netsim-b",
		remote:      "netsim-a",
		in:          make(chan []byte, 256),
		dropPercent: dropPercent,
		maxReorder:  maxReorder,
		rng:         rand.New(rand.NewSource(2)),
	}
	a.peer = b
	b.peer = a
	return a, b
}

// Write copies b and asynchronously delivers it to the peer's Read,
// simulating the fire-and-forget semantics of a UDP send: Write never
// blocks on delivery and always reports success once queued for
// delivery (dropped datagrams are not reported as errors, matching
// real UDP).
func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	payload := make([]byte, len(b))
	copy(payload, b)

	c.rngMu.Lock()
	drop := c.dropPercent > 0 && c.rng.Float64()*100 < c.dropPercent
	var delay time.Duration
	if c.maxReorder > 0 {
		delay = time.Duration(c.rng.Int63n(int64(c.maxReorder)))
	}
	c.rngMu.Unlock()

	if drop {
		return len(b), nil
	}

	c.Go(func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-c.HaltCh():
				return
			}
		}
		select {
		case c.peer.in <- payload:
		case <-c.peer.HaltCh():
		case <-c.HaltCh():
		}
	})
	return len(b), nil
}

// Read blocks until a datagram arrives, the conn's read deadline
// passes, or the conn is closed.
func (c *Conn) Read(b []byte) (int, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case payload := <-c.in:
		return copy(b, payload), nil
	case <-timeoutCh:
		return 0, errTimeout{}
	case <-c.HaltCh():
		return 0, ErrClosed
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.Halt()
	return nil
}

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

func (c *Conn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	c.SetWriteDeadline(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

type errTimeout struct{}

func (errTimeout) Error() string   { return "netsim: i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }
