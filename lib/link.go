package lib

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var BroadcastHardwareAddr = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Interface is a network card as seen by the core. Framing is the link
// layer's job: WriteFrame receives the L3 payload and its EtherType.
type Interface interface {
	Name() string
	Addr() netip.Addr
	Broadcast() netip.Addr
	HardwareAddr() net.HardwareAddr
	MTU() int
	WriteFrame(dst net.HardwareAddr, etherType layers.EthernetType, payload []byte) error
}

// Router supplies the outgoing interface and next hop for a destination.
type Router interface {
	DetermineRoute(dst netip.Addr) (Interface, netip.Addr, error)
}

// FrameReceiver accepts raw Ethernet frames from a link.
type FrameReceiver interface {
	DeliverFrame(iface Interface, frame []byte)
}

type route struct {
	prefix  netip.Prefix
	iface   Interface
	gateway netip.Addr
}

// StaticRouter is a longest-prefix-match table. Routes without a gateway are
// on-link: the destination itself is the next hop.
type StaticRouter struct {
	mu     sync.RWMutex
	routes []route
}

func NewStaticRouter() *StaticRouter {
	return &StaticRouter{}
}

func (r *StaticRouter) AddRoute(prefix netip.Prefix, iface Interface, gateway netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{prefix: prefix.Masked(), iface: iface, gateway: gateway})
}

func (r *StaticRouter) DetermineRoute(dst netip.Addr) (Interface, netip.Addr, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := -1
	for i, rt := range r.routes {
		if !rt.prefix.Contains(dst) {
			continue
		}
		if best < 0 || rt.prefix.Bits() > r.routes[best].prefix.Bits() {
			best = i
		}
	}
	if best < 0 {
		return nil, netip.Addr{}, fmt.Errorf("%w: %s", ErrNoRoute, dst)
	}
	rt := r.routes[best]
	if rt.gateway.IsValid() {
		return rt.iface, rt.gateway, nil
	}
	return rt.iface, dst, nil
}

// MemoryLink is an in-process Ethernet segment. Frames written by one
// attached interface are delivered, in order, to every other interface whose
// hardware address matches or to all of them for broadcast.
type MemoryLink struct {
	mu    sync.RWMutex
	ports []*MemoryInterface
	drop  func(frame []byte) bool
	tap   func(from string, frame []byte)
}

func NewMemoryLink() *MemoryLink {
	return &MemoryLink{}
}

// SetDropFunc installs a loss model; frames for which drop returns true are
// discarded.
func (l *MemoryLink) SetDropFunc(drop func(frame []byte) bool) {
	l.mu.Lock()
	l.drop = drop
	l.mu.Unlock()
}

// SetTap installs an observer that sees every frame written to the link.
func (l *MemoryLink) SetTap(tap func(from string, frame []byte)) {
	l.mu.Lock()
	l.tap = tap
	l.mu.Unlock()
}

// Attach adds an interface. addr carries both the address and the prefix
// length used to derive the subnet broadcast.
func (l *MemoryLink) Attach(name string, mac net.HardwareAddr, addr netip.Prefix, mtu int) *MemoryInterface {
	m := &MemoryInterface{
		name:    name,
		mac:     mac,
		prefix:  addr,
		mtu:     mtu,
		link:    l,
		inbound: make(chan []byte, 512),
		done:    make(chan struct{}),
	}
	l.mu.Lock()
	l.ports = append(l.ports, m)
	l.mu.Unlock()
	return m
}

func (l *MemoryLink) transmit(from *MemoryInterface, frame []byte) {
	l.mu.RLock()
	drop, tap := l.drop, l.tap
	ports := append([]*MemoryInterface(nil), l.ports...)
	l.mu.RUnlock()

	if tap != nil {
		tap(from.name, frame)
	}
	if drop != nil && drop(frame) {
		return
	}

	dst := net.HardwareAddr(frame[0:6])
	for _, p := range ports {
		if p == from {
			continue
		}
		if !bytes.Equal(dst, BroadcastHardwareAddr) && !bytes.Equal(dst, p.mac) {
			continue
		}
		p.enqueue(append([]byte(nil), frame...))
	}
}

type MemoryInterface struct {
	name     string
	mac      net.HardwareAddr
	prefix   netip.Prefix
	mtu      int
	link     *MemoryLink
	inbound  chan []byte
	done     chan struct{}
	bindOnce sync.Once
	stopOnce sync.Once
}

func (m *MemoryInterface) Name() string                   { return m.name }
func (m *MemoryInterface) Addr() netip.Addr               { return m.prefix.Addr() }
func (m *MemoryInterface) HardwareAddr() net.HardwareAddr { return m.mac }
func (m *MemoryInterface) MTU() int                       { return m.mtu }
func (m *MemoryInterface) Prefix() netip.Prefix           { return m.prefix.Masked() }

func (m *MemoryInterface) Broadcast() netip.Addr {
	if !m.prefix.Addr().Is4() {
		return netip.Addr{}
	}
	a := m.prefix.Masked().Addr().As4()
	host := 32 - m.prefix.Bits()
	for i := 3; i >= 0 && host > 0; i-- {
		bits := min(host, 8)
		a[i] |= byte(1<<bits - 1)
		host -= bits
	}
	return netip.AddrFrom4(a)
}

// WriteFrame wraps payload in an Ethernet header and puts it on the link.
func (m *MemoryInterface) WriteFrame(dst net.HardwareAddr, etherType layers.EthernetType, payload []byte) error {
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{
		SrcMAC:       m.mac,
		DstMAC:       dst,
		EthernetType: etherType,
	}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("framing for %s: %w", m.name, err)
	}
	m.link.transmit(m, buf.Bytes())
	return nil
}

// Bind starts delivering inbound frames to r. It may be called once.
func (m *MemoryInterface) Bind(r FrameReceiver) {
	m.bindOnce.Do(func() {
		go func() {
			for {
				select {
				case <-m.done:
					return
				case frame := <-m.inbound:
					r.DeliverFrame(m, frame)
				}
			}
		}()
	})
}

func (m *MemoryInterface) Close() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *MemoryInterface) enqueue(frame []byte) {
	select {
	case m.inbound <- frame:
	case <-m.done:
	default:
		// receive queue full: the frame is lost like on a real wire
	}
}
