// Package handshake provides the minimal rendezvous used to turn an
// unconnected UDP socket into a net.Conn pinned to a single peer,
// suitable for handing to rudp.Start.
package handshake

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// retryInterval is how often Connect resends its magic token while
// waiting for the peer to answer, matching the per-round wait the
// design calls for on the client side.
const retryInterval = 100 * time.Millisecond

// HandshakeError wraps a failure during rendezvous, mirroring the rudp
// package's SocketError convention.
type HandshakeError struct {
	Op  string
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake: %s: %v", e.Op, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func newError(op string, err error) error {
	return &HandshakeError{Op: op, Err: err}
}

// Listen waits on laddr for a peer to present magic, then keeps echoing
// it back on every further magic retry from that same peer. It returns
// once the peer's next datagram is no longer the magic token — i.e.
// real traffic has begun — handing back a net.Conn pinned to that peer
// with the triggering datagram already queued for the first Read. It
// ignores non-magic datagrams until some peer has presented magic,
// and datagrams from any other peer once pinned.
func Listen(ctx context.Context, laddr string, magic uint64) (net.Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, newError("resolve", err)
	}
	sock, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, newError("listen", err)
	}

	want := encodeMagic(magic)
	buf := make([]byte, 1500)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sock.Close()
		case <-done:
		}
	}()

	var peer *net.UDPAddr

	for {
		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			sock.Close()
			return nil, newError("accept", err)
		}

		isMagic := n == len(want) && bytes.Equal(buf[:n], want)

		if peer == nil {
			if !isMagic {
				continue
			}
			peer = from
		} else if !from.IP.Equal(peer.IP) || from.Port != peer.Port {
			continue
		}

		if isMagic {
			if _, err := sock.WriteToUDP(want, peer); err != nil {
				sock.Close()
				return nil, newError("accept", err)
			}
			continue
		}

		sock.SetReadDeadline(time.Time{})
		pending := append([]byte(nil), buf[:n]...)
		return &pinnedConn{UDPConn: sock, peer: peer, pending: pending}, nil
	}
}

// Connect resends magic to raddr at retryInterval until the peer's
// echo arrives, then returns a net.Conn pinned to raddr. ctx bounds
// the whole attempt; with a ctx that has no deadline, read timeouts are
// retried indefinitely. Any other failure ends the attempt with an
// error: a failed write, or a read error that is not a timeout (such
// as a connection-refused report when nothing is listening at raddr yet).
func Connect(ctx context.Context, raddr string, magic uint64) (net.Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, newError("resolve", err)
	}
	sock, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, newError("dial", err)
	}

	want := encodeMagic(magic)
	buf := make([]byte, len(want))

	for {
		select {
		case <-ctx.Done():
			sock.Close()
			return nil, newError("connect", ctx.Err())
		default:
		}

		if _, err := sock.Write(want); err != nil {
			sock.Close()
			return nil, newError("connect", err)
		}

		sock.SetReadDeadline(time.Now().Add(retryInterval))
		n, err := sock.Read(buf)
		if err == nil && n == len(want) && bytes.Equal(buf[:n], want) {
			sock.SetReadDeadline(time.Time{})
			return sock, nil
		}
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				sock.Close()
				return nil, newError("connect", err)
			}
		}
	}
}

func encodeMagic(magic uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], magic)
	return buf[:]
}

// pinnedConn adapts an unconnected *net.UDPConn, bound to accept from
// any peer, into a net.Conn fixed to the one peer address confirmed
// during Listen. Datagrams from any other address are silently
// discarded and do not count toward a Read.
type pinnedConn struct {
	*net.UDPConn
	peer *net.UDPAddr

	// pending holds the datagram that ended Listen's rendezvous loop
	// (the peer's first non-magic traffic), already drained off the
	// socket and owed to the first Read before any further socket read.
	pending []byte
}

func (c *pinnedConn) Read(b []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	for {
		n, from, err := c.UDPConn.ReadFromUDP(b)
		if err != nil {
			return n, err
		}
		if from.IP.Equal(c.peer.IP) && from.Port == c.peer.Port {
			return n, nil
		}
	}
}

func (c *pinnedConn) Write(b []byte) (int, error) {
	return c.UDPConn.WriteToUDP(b, c.peer)
}

func (c *pinnedConn) RemoteAddr() net.Addr {
	return c.peer
}
