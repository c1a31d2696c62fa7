package lib

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bad packet reasons used as the "reason" label.
const (
	reasonChecksum  = "checksum"
	reasonMalformed = "malformed"
	reasonFiltered  = "filtered"
	reasonProtocol  = "unknown_protocol"
	reasonNotForUs  = "not_for_us"
	reasonArpOpcode = "arp_opcode"
)

type Metrics struct {
	BadPackets           *prometheus.CounterVec
	ArpRequestsSent      prometheus.Counter
	ArpRepliesSent       prometheus.Counter
	ArpResolveTimeouts   prometheus.Counter
	FragmentsReceived    prometheus.Counter
	DatagramsReassembled prometheus.Counter
	DatagramsSent        prometheus.Counter
	DatagramsUnresolved  prometheus.Counter
	SegmentsReceived     prometheus.Counter
	SegmentsSent         prometheus.Counter
	RstSent              prometheus.Counter
	Retransmits          prometheus.Counter
	ConnectionsOpened    prometheus.Counter
	ConnectionsClosed    prometheus.Counter
	IcmpEchoReplies      prometheus.Counter
}

// NewMetrics registers the stack counters on reg. A nil reg creates
// unregistered counters.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(subsystem, name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		BadPackets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_packets_total",
			Help:      "Inbound packets dropped as invalid, by reason.",
		}, []string{"layer", "reason"}),
		ArpRequestsSent:      counter("arp", "requests_sent_total", "ARP who-has requests broadcast."),
		ArpRepliesSent:       counter("arp", "replies_sent_total", "ARP replies sent for our address."),
		ArpResolveTimeouts:   counter("arp", "resolve_timeouts_total", "Blocking resolutions that timed out."),
		FragmentsReceived:    counter("ipv4", "fragments_received_total", "IPv4 fragments accepted for reassembly."),
		DatagramsReassembled: counter("ipv4", "datagrams_reassembled_total", "IPv4 datagrams rebuilt from fragments."),
		DatagramsSent:        counter("ipv4", "datagrams_sent_total", "IPv4 datagrams handed to the link."),
		DatagramsUnresolved:  counter("ipv4", "unresolved_drops_total", "Outbound datagrams dropped because the next hop did not resolve."),
		SegmentsReceived:     counter("tcp", "segments_received_total", "TCP segments passed to the state machine."),
		SegmentsSent:         counter("tcp", "segments_sent_total", "TCP segments transmitted."),
		RstSent:              counter("tcp", "rst_sent_total", "TCP resets transmitted."),
		Retransmits:          counter("tcp", "retransmits_total", "TCP segments retransmitted on timeout."),
		ConnectionsOpened:    counter("tcp", "connections_established_total", "Connections that reached ESTABLISHED."),
		ConnectionsClosed:    counter("tcp", "connections_closed_total", "Connections removed after CLOSED."),
		IcmpEchoReplies:      counter("icmp", "echo_replies_total", "ICMP echo replies sent."),
	}
}

func (m *Metrics) badPacket(layer, reason string) {
	m.BadPackets.WithLabelValues(layer, reason).Inc()
}
