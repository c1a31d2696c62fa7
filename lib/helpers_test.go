package lib

import (
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Clouded-Sabre/netcore/config"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type writtenFrame struct {
	dst       net.HardwareAddr
	etherType layers.EthernetType
	payload   []byte
}

// testInterface records every frame written to it.
type testInterface struct {
	name   string
	prefix netip.Prefix
	mac    net.HardwareAddr
	mtu    int

	mu     sync.Mutex
	frames []writtenFrame
}

func newTestInterface(prefix string, mac string) *testInterface {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		panic(err)
	}
	return &testInterface{name: "test0", prefix: netip.MustParsePrefix(prefix), mac: hw, mtu: 1500}
}

func (i *testInterface) Name() string                   { return i.name }
func (i *testInterface) Addr() netip.Addr               { return i.prefix.Addr() }
func (i *testInterface) HardwareAddr() net.HardwareAddr { return i.mac }
func (i *testInterface) MTU() int                       { return i.mtu }

func (i *testInterface) Broadcast() netip.Addr {
	a := i.prefix.Masked().Addr().As4()
	a[3] |= 0xff
	return netip.AddrFrom4(a)
}

func (i *testInterface) WriteFrame(dst net.HardwareAddr, etherType layers.EthernetType, payload []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.frames = append(i.frames, writtenFrame{
		dst:       append(net.HardwareAddr(nil), dst...),
		etherType: etherType,
		payload:   append([]byte(nil), payload...),
	})
	return nil
}

func (i *testInterface) written() []writtenFrame {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]writtenFrame(nil), i.frames...)
}

type queuedDatagram struct {
	dst, src netip.Addr
	proto    uint8
	payload  []byte
}

// captureSink stands in for the stack output queue.
type captureSink struct {
	mu   sync.Mutex
	sent []queuedDatagram
}

func (c *captureSink) queueDatagram(dst, src netip.Addr, proto uint8, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, queuedDatagram{dst: dst, src: src, proto: proto, payload: payload})
	return true
}

// take returns the queued TCP segments, decoded, and empties the sink.
func (c *captureSink) take(t *testing.T) []*Segment {
	t.Helper()
	c.mu.Lock()
	sent := c.sent
	c.sent = nil
	c.mu.Unlock()

	var segs []*Segment
	for _, d := range sent {
		if d.proto != ProtocolTCP {
			continue
		}
		require.True(t, VerifyTransportChecksum(d.payload, d.src, d.dst, ProtocolTCP), "emitted segment has a bad checksum")
		seg := &Segment{}
		require.NoError(t, seg.Unmarshal(d.payload, d.src, d.dst))
		segs = append(segs, seg)
	}
	return segs
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testStackConfig() *config.StackConfig {
	cfg := config.DefaultStackConfig()
	cfg.TimerInterval = 10 * time.Millisecond
	cfg.Arp.ResolveTimeout = 2 * time.Second
	cfg.Tcp.ConnectTimeout = 5 * time.Second
	cfg.Tcp.RetransmitTimeout = 300 * time.Millisecond
	cfg.Tcp.TimeWait = 200 * time.Millisecond
	cfg.Pool.Size = 64
	return cfg
}

type testHost struct {
	stack *Stack
	iface *MemoryInterface
	reg   *prometheus.Registry
}

// newTestHost attaches a started stack to link.
func newTestHost(t *testing.T, link *MemoryLink, name, mac, addr string, cfg *config.StackConfig) *testHost {
	t.Helper()
	hw, err := net.ParseMAC(mac)
	require.NoError(t, err)
	iface := link.Attach(name, hw, netip.MustParsePrefix(addr), 1500)

	router := NewStaticRouter()
	router.AddRoute(iface.Prefix(), iface, netip.Addr{})

	reg := prometheus.NewRegistry()
	s, err := NewStack(cfg, router, nil, reg, quietLogger())
	require.NoError(t, err)
	iface.Bind(s)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		s.Close()
		iface.Close()
	})
	return &testHost{stack: s, iface: iface, reg: reg}
}

func newTestPair(t *testing.T) (*MemoryLink, *testHost, *testHost) {
	t.Helper()
	link := NewMemoryLink()
	a := newTestHost(t, link, "eth-a", "02:00:00:00:00:05", "10.0.0.5/24", testStackConfig())
	b := newTestHost(t, link, "eth-b", "02:00:00:00:00:01", "10.0.0.1/24", testStackConfig())
	return link, a, b
}
