// Package instrument holds the engine's Prometheus counters. Call sites
// invoke instrument.X() directly at the point of the event rather than
// threading a metrics object through sender and receiver.
package instrument

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	packetsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rudp_packets_sent_total",
		Help: "Total datagrams written to the socket, data and ACKs combined.",
	})
	packetsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rudp_packets_received_total",
		Help: "Total datagrams read from the socket.",
	})
	packetsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rudp_packets_dropped_total",
		Help: "Datagrams discarded by the receiver, labeled by reason.",
	}, []string{"reason"})
	retransmissions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rudp_retransmissions_total",
		Help: "Total resends of a still-unacknowledged reliable packet.",
	})
	acksSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rudp_acks_sent_total",
		Help: "Total ACK datagrams written to the socket.",
	})
)

func init() {
	prometheus.MustRegister(packetsSent, packetsReceived, packetsDropped, retransmissions, acksSent)
}

// Drop reasons, kept as constants so call sites and tests agree on the
// label value.
const (
	ReasonShortFrame  = "short_frame"
	ReasonInvalidSlot = "invalid_slot"
	ReasonStale       = "stale_generation"
	ReasonDeserialize = "deserialize"
	ReasonSimulated   = "simulated"
)

func PacketSent()             { packetsSent.Inc() }
func PacketReceived()         { packetsReceived.Inc() }
func PacketDropped(reason string) { packetsDropped.WithLabelValues(reason).Inc() }
func Retransmission()         { retransmissions.Inc() }
func AckSent()                { acksSent.Inc() }
