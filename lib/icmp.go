package lib

import (
	"net/netip"

	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// datagramSink queues a datagram for the output goroutine. Protocol code
// running on the inbound path must not send directly: resolving the next
// hop could wait on a reply that the same goroutine has to deliver.
type datagramSink interface {
	queueDatagram(dst, src netip.Addr, proto uint8, payload []byte) bool
}

// IcmpEchoHandler answers ICMP echo requests addressed to the interface.
type IcmpEchoHandler struct {
	out     datagramSink
	log     *logrus.Entry
	metrics *Metrics
}

func NewIcmpEchoHandler(out datagramSink, log *logrus.Entry, metrics *Metrics) *IcmpEchoHandler {
	if log == nil {
		log = discardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}
	return &IcmpEchoHandler{out: out, log: log, metrics: metrics}
}

func (h *IcmpEchoHandler) HandleDatagram(iface Interface, hdr *layers.IPv4, payload []byte) {
	if !VerifyChecksum(payload) {
		h.metrics.badPacket("icmp", reasonChecksum)
		return
	}
	msg, err := icmp.ParseMessage(int(ProtocolICMP), payload)
	if err != nil {
		h.metrics.badPacket("icmp", reasonMalformed)
		h.log.Debugf("icmp: %v", err)
		return
	}
	if msg.Type != ipv4.ICMPTypeEcho {
		return
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return
	}

	dst, _ := netip.AddrFromSlice(hdr.DstIP.To4())
	src, _ := netip.AddrFromSlice(hdr.SrcIP.To4())
	if dst != iface.Addr() {
		return
	}

	reply := &icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{ID: echo.ID, Seq: echo.Seq, Data: echo.Data},
	}
	b, err := reply.Marshal(nil)
	if err != nil {
		h.log.Warnf("icmp: marshal echo reply: %v", err)
		return
	}
	if h.out.queueDatagram(src, dst, ProtocolICMP, b) {
		h.metrics.IcmpEchoReplies.Inc()
	}
}
