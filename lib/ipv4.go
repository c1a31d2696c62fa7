package lib

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/Clouded-Sabre/netcore/config"
	"github.com/Clouded-Sabre/netcore/filter"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// maxParkedPerHop bounds the datagrams held for one next hop while its
// hardware address is being resolved.
const maxParkedPerHop = 256

// ProtocolHandler receives datagrams for an IP protocol number. payload is
// the datagram body after the IPv4 header.
type ProtocolHandler interface {
	HandleDatagram(iface Interface, hdr *layers.IPv4, payload []byte)
}

// Ipv4 is the IPv4 layer: route, resolve and frame on the way out; verify,
// filter, reassemble and dispatch on the way in.
type Ipv4 struct {
	router      Router
	arp         *AddressResolver
	reassembler *FragmentReassembler
	filter      filter.Filter
	config      config.IpConfig
	nextId      atomic.Uint32
	handlersMu  sync.RWMutex
	handlers    map[uint8]ProtocolHandler

	// datagrams waiting for next hop resolution, in arrival order
	parkedMu  sync.Mutex
	parked    map[netip.Addr][]outboundDatagram
	resolving sync.WaitGroup

	log     *logrus.Entry
	metrics *Metrics
}

func NewIpv4(cfg config.IpConfig, router Router, arp *AddressResolver, reassembler *FragmentReassembler, f filter.Filter, log *logrus.Entry, metrics *Metrics) *Ipv4 {
	if log == nil {
		log = discardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}
	return &Ipv4{
		router:      router,
		arp:         arp,
		reassembler: reassembler,
		filter:      f,
		config:      cfg,
		handlers:    make(map[uint8]ProtocolHandler),
		parked:      make(map[netip.Addr][]outboundDatagram),
		log:         log,
		metrics:     metrics,
	}
}

func (ip *Ipv4) RegisterProtocol(proto uint8, h ProtocolHandler) {
	ip.handlersMu.Lock()
	ip.handlers[proto] = h
	ip.handlersMu.Unlock()
}

func (ip *Ipv4) getNextId() uint16 {
	return uint16(ip.nextId.Add(1))
}

// Send routes payload to dst. A zero src is replaced by the outgoing
// interface address. Resolving the next hop may block for the ARP timeout.
func (ip *Ipv4) Send(ctx context.Context, dst, src netip.Addr, proto uint8, payload []byte) error {
	iface, nextHop, err := ip.route(dst)
	if err != nil {
		return err
	}
	dstMac := BroadcastHardwareAddr
	if !isBroadcast(iface, dst) {
		dstMac, err = ip.arp.Resolve(ctx, nextHop, true, iface)
		if err != nil {
			return fmt.Errorf("resolving next hop %s: %w", nextHop, err)
		}
	}
	return ip.transmit(iface, dstMac, outboundDatagram{dst: dst, src: src, proto: proto, payload: payload})
}

// Output sends d without waiting for address resolution. A datagram whose
// next hop is not cached is parked while a background resolution runs and
// goes out, in order with later datagrams for that hop, once the reply
// arrives. Parked datagrams are dropped if resolution fails.
func (ip *Ipv4) Output(ctx context.Context, d outboundDatagram) error {
	iface, nextHop, err := ip.route(d.dst)
	if err != nil {
		return err
	}
	if isBroadcast(iface, d.dst) {
		return ip.transmit(iface, BroadcastHardwareAddr, d)
	}

	ip.parkedMu.Lock()
	if queue, ok := ip.parked[nextHop]; ok {
		defer ip.parkedMu.Unlock()
		if len(queue) >= maxParkedPerHop {
			ip.metrics.DatagramsUnresolved.Inc()
			return fmt.Errorf("%d datagrams already waiting for %s", len(queue), nextHop)
		}
		ip.parked[nextHop] = append(queue, d)
		return nil
	}
	if mac, ok := ip.arp.Lookup(nextHop); ok {
		ip.parkedMu.Unlock()
		return ip.transmit(iface, mac, d)
	}
	ip.parked[nextHop] = []outboundDatagram{d}
	ip.parkedMu.Unlock()

	ip.resolving.Add(1)
	go ip.resolveParked(ctx, iface, nextHop)
	return nil
}

// resolveParked resolves nextHop and flushes or drops what is parked for
// it. The parked entry is removed only once it is empty, so datagrams
// queued during the flush keep their order.
func (ip *Ipv4) resolveParked(ctx context.Context, iface Interface, nextHop netip.Addr) {
	defer ip.resolving.Done()
	mac, err := ip.arp.Resolve(ctx, nextHop, true, iface)
	if err != nil {
		ip.log.Debugf("dropping datagrams for %s: %v", nextHop, err)
	}
	for {
		ip.parkedMu.Lock()
		queue := ip.parked[nextHop]
		if len(queue) == 0 {
			delete(ip.parked, nextHop)
			ip.parkedMu.Unlock()
			return
		}
		ip.parked[nextHop] = nil
		ip.parkedMu.Unlock()

		for _, d := range queue {
			if err != nil {
				ip.metrics.DatagramsUnresolved.Inc()
				continue
			}
			if werr := ip.transmit(iface, mac, d); werr != nil {
				ip.log.Debugf("sending to %s: %v", d.dst, werr)
			}
		}
	}
}

// Wait blocks until background resolutions started by Output finish.
func (ip *Ipv4) Wait() {
	ip.resolving.Wait()
}

func (ip *Ipv4) route(dst netip.Addr) (Interface, netip.Addr, error) {
	iface, nextHop, err := ip.router.DetermineRoute(dst)
	if err != nil {
		ip.log.Warnf("couldn't find a route for destination %s", dst)
		return nil, netip.Addr{}, err
	}
	return iface, nextHop, nil
}

func isBroadcast(iface Interface, dst netip.Addr) bool {
	return dst == iface.Broadcast() || dst == limitedBroadcast
}

// transmit frames d for dstMac, fragmenting to the interface MTU.
func (ip *Ipv4) transmit(iface Interface, dstMac net.HardwareAddr, d outboundDatagram) error {
	src, payload := d.src, d.payload
	if !src.IsValid() || src.IsUnspecified() {
		src = iface.Addr()
	}
	hdr := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       ip.getNextId(),
		TTL:      ip.config.DefaultTTL,
		Protocol: layers.IPProtocol(d.proto),
		SrcIP:    src.AsSlice(),
		DstIP:    d.dst.AsSlice(),
	}

	maxPayload := iface.MTU() - IpHeaderLength
	if iface.MTU() <= 0 || len(payload) <= maxPayload {
		return ip.writeDatagram(iface, dstMac, hdr, payload)
	}
	if !ip.config.FragmentOutbound {
		return fmt.Errorf("datagram of %d bytes exceeds MTU %d of %s", len(payload)+IpHeaderLength, iface.MTU(), iface.Name())
	}

	// every fragment but the last carries a multiple of 8 bytes
	chunk := maxPayload &^ 7
	if chunk <= 0 {
		return fmt.Errorf("MTU %d of %s too small to fragment", iface.MTU(), iface.Name())
	}
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		frag := *hdr
		frag.FragOffset = uint16(off / 8)
		if end < len(payload) {
			frag.Flags = layers.IPv4MoreFragments
		}
		if err := ip.writeDatagram(iface, dstMac, &frag, payload[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (ip *Ipv4) writeDatagram(iface Interface, dstMac net.HardwareAddr, hdr *layers.IPv4, payload []byte) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, hdr, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("ipv4 marshal: %w", err)
	}
	ip.metrics.DatagramsSent.Inc()
	return iface.WriteFrame(dstMac, layers.EthernetTypeIPv4, buf.Bytes())
}

// ParseIpv4 decodes and verifies the header of datagram and returns the
// datagram trimmed to its total length.
func ParseIpv4(datagram []byte) (*layers.IPv4, []byte, error) {
	hdr := &layers.IPv4{}
	if err := hdr.DecodeFromBytes(datagram, gopacket.NilDecodeFeedback); err != nil {
		return nil, nil, malformed("ipv4: %v", err)
	}
	if hdr.Version != 4 {
		return nil, nil, malformed("ipv4: version %d", hdr.Version)
	}
	hdrLen := int(hdr.IHL) * 4
	if int(hdr.Length) > len(datagram) || int(hdr.Length) < hdrLen {
		return nil, nil, malformed("ipv4: total length %d with %d bytes present", hdr.Length, len(datagram))
	}
	if !VerifyChecksum(datagram[:hdrLen]) {
		return nil, nil, ErrBadChecksum
	}
	return hdr, datagram[:hdr.Length], nil
}

// Receive handles one inbound datagram from iface.
func (ip *Ipv4) Receive(iface Interface, datagram []byte) error {
	if ip.filter != nil && !ip.filter.Allow(datagram) {
		ip.metrics.badPacket("ipv4", reasonFiltered)
		return nil
	}

	hdr, datagram, err := ParseIpv4(datagram)
	if err != nil {
		if errors.Is(err, ErrBadChecksum) {
			ip.metrics.badPacket("ipv4", reasonChecksum)
		} else {
			ip.metrics.badPacket("ipv4", reasonMalformed)
		}
		ip.log.Debugf("dropping datagram: %v", err)
		return err
	}

	if isFragment(hdr) {
		whole, done, err := ip.reassembler.OnDatagram(hdr, datagram)
		if err != nil || !done {
			return err
		}
		if hdr, datagram, err = ParseIpv4(whole); err != nil {
			return err
		}
	}

	ip.handlersMu.RLock()
	h, ok := ip.handlers[uint8(hdr.Protocol)]
	ip.handlersMu.RUnlock()
	if !ok {
		ip.log.Debugf("unknown packet type %d from %s", hdr.Protocol, hdr.SrcIP)
		ip.metrics.badPacket("ipv4", reasonProtocol)
		return nil
	}
	h.HandleDatagram(iface, hdr, datagram[int(hdr.IHL)*4:])
	return nil
}
