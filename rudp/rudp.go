// Package rudp implements a reliable-datagram transport layered over an
// unreliable net.Conn (in practice a *net.UDPConn): a bounded set of
// in-flight reliable messages retransmitted on a timeout until
// acknowledged, unreliable messages sent once without retransmission
// and optionally ordered per variant, and a bypass hook letting the host
// intercept inbound traffic before it reaches its Deliver channel.
package rudp

import (
	"fmt"
	"net"
	"time"

	"github.com/charmbracelet/log"
	channels "gopkg.in/eapache/channels.v1"

	"github.com/go-rudp/rudp/internal/worker"
)

// Config tunes one Engine. Zero-value fields are filled with defaults
// by Start except where noted.
type Config struct {
	// Timeout is the retransmission interval: a reliable message is
	// resent once Timeout has passed since it was last sent. The sender
	// arms its timer to the oldest outstanding slot's own deadline
	// rather than ticking at a fixed period. Defaults to 200ms.
	Timeout time.Duration

	// SlotCapacity bounds the number of reliable messages that may be
	// outstanding (sent, unacknowledged) at once. Defaults to 32.
	SlotCapacity int

	// MaxRetry is the number of consecutive failed socket operations
	// (writes for the sender, reads for the receiver) after which that
	// goroutine reports a fatal error and the engine shuts down. It does
	// not limit retransmissions of a reliable message. Defaults to 16.
	MaxRetry int

	// DropPercentage simulates inbound packet loss for testing, as a
	// percentage in [0, 100). Zero disables simulation.
	DropPercentage float64

	// Bypass classifies every accepted inbound message before it would
	// otherwise reach Deliver. Nil means every message goes to Deliver.
	Bypass Bypass

	// Deserialize parses a payload into a Codec given its variant id.
	// Required; Start returns an error if it is nil.
	Deserialize Deserializer

	// Ordered reports, per variant id, whether stale datagrams of that
	// id, reliable or unreliable, should be dropped. Nil means no
	// ordering is enforced for any id.
	Ordered OrderedFunc

	// Logger receives component-scoped loggers via With("component", ...).
	// Defaults to log.Default().
	Logger *log.Logger
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 200 * time.Millisecond
	}
	if c.SlotCapacity <= 0 {
		c.SlotCapacity = 32
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 16
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// ErrNoDeserializer is returned by Start when Config.Deserialize is nil.
var ErrNoDeserializer = fmt.Errorf("rudp: Config.Deserialize is required")

// Engine is one running instance of the transport, wrapping a single
// net.Conn. Submit and Deliver are the only steady-state host-facing
// operations; Halt and Wait manage its lifecycle.
type Engine struct {
	worker.Worker

	conn   net.Conn
	cfg    Config
	table  *slotTable
	submit *channels.InfiniteChannel
	deliver *channels.InfiniteChannel
	fatal  chan error
}

// Start validates cfg, applies its defaults, and launches the sender
// and receiver goroutines over conn. The returned Engine owns conn:
// Halt closes it to unblock the receiver's pending Read.
func Start(conn net.Conn, cfg Config) (*Engine, error) {
	if cfg.Deserialize == nil {
		return nil, ErrNoDeserializer
	}
	cfg.setDefaults()

	e := &Engine{
		conn:    conn,
		cfg:     cfg,
		table:   newSlotTable(cfg.SlotCapacity),
		submit:  channels.NewInfiniteChannel(),
		deliver: channels.NewInfiniteChannel(),
		fatal:   make(chan error, 1),
	}

	ackCh := make(chan ackRequest, cfg.SlotCapacity*2)

	snd := newSender(conn, cfg, e.table, e.submit.Out(), ackCh, e.fatal)
	rcv := newReceiver(conn, cfg, e.table, ackCh, e.submit.In(), e.deliver.In(), e.fatal)

	// Either goroutine exiting (orderly halt or reaching MaxRetry
	// consecutive socket failures) tears down the whole engine: Halt is
	// idempotent, so whichever goroutine finishes first closing the
	// shared halt channel is what the other one (and the watcher below)
	// observes and reacts to.
	e.Go(func() { snd.run(e.HaltCh()); e.Halt() })
	e.Go(func() { rcv.run(e.HaltCh()); e.Halt() })
	e.Go(func() {
		<-e.HaltCh()
		conn.Close()
	})

	// Only close the host-facing channels once every tracked goroutine
	// has actually exited, so neither can panic writing to a closed
	// channel. This runs outside e.Go: Wait would deadlock if called
	// from a goroutine it is itself waiting on.
	go func() {
		e.Worker.Wait()
		e.submit.Close()
		e.deliver.Close()
	}()

	return e, nil
}

// Submit returns the channel the host writes outbound messages to.
func (e *Engine) Submit() chan<- interface{} { return e.submit.In() }

// Deliver returns the channel the host reads inbound messages from.
func (e *Engine) Deliver() <-chan interface{} { return e.deliver.Out() }

// Err reports ErrClosed once the engine has begun tearing down, nil
// otherwise. Submit's own channel still accepts writes for as long as
// it remains open (InfiniteChannel never blocks a send), so Err is a
// best-effort check a host can make before submitting, not a guarantee
// against racing the final close — Deliver closing is still the
// authoritative shutdown signal.
func (e *Engine) Err() error {
	select {
	case <-e.HaltCh():
		return ErrClosed
	default:
		return nil
	}
}

// TryDeliver reads one inbound value, returning ErrClosed once the
// engine has torn down and Deliver has drained rather than blocking on
// a channel that will never yield again.
func (e *Engine) TryDeliver() (interface{}, error) {
	v, ok := <-e.deliver.Out()
	if !ok {
		return nil, ErrClosed
	}
	return v, nil
}

// Fatal returns a channel that yields at most one error if either
// goroutine exits because Config.MaxRetry consecutive socket operations
// failed. This is a diagnostic convenience, not the
// primary shutdown signal: the engine has already begun tearing down by
// the time a value appears here, and Submit/Deliver closing is the
// signal a host can always rely on even if it never reads Fatal.
func (e *Engine) Fatal() <-chan error { return e.fatal }

// Halt signals both goroutines to stop and the underlying connection to
// close; Submit and Deliver close once they have actually exited. It is
// safe to call more than once and from any goroutine, including from
// one of the engine's own goroutines on a fatal error.
func (e *Engine) Halt() {
	e.Worker.Halt()
}
