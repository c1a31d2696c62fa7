package lib

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/Clouded-Sabre/netcore/config"
	"github.com/Clouded-Sabre/netcore/filter"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const flushTimeout = time.Second

type outboundDatagram struct {
	dst, src netip.Addr
	proto    uint8
	payload  []byte
}

// Stack owns every layer of one network stack instance and the goroutines
// that drive it: the output worker, the timer and the ARP cache janitor.
type Stack struct {
	config      *config.StackConfig
	pool        *BufferPool
	metrics     *Metrics
	arp         *AddressResolver
	reassembler *FragmentReassembler
	ip          *Ipv4
	icmp        *IcmpEchoHandler
	tcp         *TcpManager

	out    chan outboundDatagram
	cancel context.CancelFunc
	group  *errgroup.Group
	mu     sync.Mutex
	closed bool
	log    *logrus.Entry
}

// NewStack builds a stack. A nil filter accepts everything, a nil registry
// gets a fresh one and a nil logger is created from cfg.LogLevel.
func NewStack(cfg *config.StackConfig, router Router, f filter.Filter, reg prometheus.Registerer, logger *logrus.Logger) (*Stack, error) {
	if cfg == nil {
		cfg = config.DefaultStackConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stack config: %w", err)
	}
	if router == nil {
		return nil, fmt.Errorf("stack needs a router")
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = NewLogger(cfg.LogLevel)
	}
	component := func(name string) *logrus.Entry {
		return logger.WithField("component", name)
	}

	s := &Stack{
		config:  cfg,
		pool:    NewBufferPool(cfg.Pool),
		metrics: NewMetrics(cfg.MetricsNamespace, reg),
		out:     make(chan outboundDatagram, cfg.OutputQueueLen),
		log:     component("stack"),
	}
	s.arp = NewAddressResolver(cfg.Arp, component("arp"), s.metrics)
	s.reassembler = NewFragmentReassembler(s.pool, cfg.Ip.ReassemblyTimeout, component("ipv4"), s.metrics)
	s.ip = NewIpv4(cfg.Ip, router, s.arp, s.reassembler, f, component("ipv4"), s.metrics)
	s.icmp = NewIcmpEchoHandler(s, component("icmp"), s.metrics)
	s.tcp = NewTcpManager(cfg.Tcp, router, s, s.pool, component("tcp"), s.metrics)

	s.ip.RegisterProtocol(ProtocolICMP, s.icmp)
	s.ip.RegisterProtocol(ProtocolTCP, s.tcp)
	return s, nil
}

// Start launches the background goroutines.
func (s *Stack) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.group != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = g

	g.Go(func() error { return s.handleOutgoingDatagrams(ctx) })
	g.Go(func() error { return s.runTimers(ctx) })
	g.Go(func() error { return s.arp.Run(ctx) })

	s.log.Info("netcore stack started")
	return nil
}

func (s *Stack) handleOutgoingDatagrams(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.flushOutput()
			return nil
		case d := <-s.out:
			s.send(ctx, d)
		}
	}
}

// flushOutput sends what is still queued at shutdown, typically the resets
// from closing the connection table.
func (s *Stack) flushOutput() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case d := <-s.out:
			s.send(ctx, d)
		default:
			return
		}
	}
}

func (s *Stack) send(ctx context.Context, d outboundDatagram) {
	if err := s.ip.Output(ctx, d); err != nil {
		s.log.Debugf("sending to %s: %v", d.dst, err)
	}
}

func (s *Stack) runTimers(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TimerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.tcp.tick(now)
			s.reassembler.Expire(now)
		}
	}
}

// queueDatagram hands a datagram to the output worker without blocking.
func (s *Stack) queueDatagram(dst, src netip.Addr, proto uint8, payload []byte) bool {
	select {
	case s.out <- outboundDatagram{dst: dst, src: src, proto: proto, payload: payload}:
		return true
	default:
		return false
	}
}

// SendDatagram sends payload to dst from the caller's goroutine, resolving
// the next hop if needed. It is meant for protocols registered with
// RegisterProtocol.
func (s *Stack) SendDatagram(ctx context.Context, dst netip.Addr, proto uint8, payload []byte) error {
	return s.ip.Send(ctx, dst, netip.Addr{}, proto, payload)
}

// DeliverFrame demultiplexes an Ethernet frame. It makes Stack usable as the
// receiver of a MemoryInterface.
func (s *Stack) DeliverFrame(iface Interface, frame []byte) {
	eth := &layers.Ethernet{}
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		s.metrics.badPacket("ethernet", reasonMalformed)
		return
	}
	var err error
	switch eth.EthernetType {
	case layers.EthernetTypeARP:
		err = s.OnArpFrame(iface, eth.Payload)
	case layers.EthernetTypeIPv4:
		err = s.OnIpDatagram(iface, eth.Payload)
	default:
		return
	}
	if err != nil {
		s.log.Debugf("frame from %s on %s: %v", eth.SrcMAC, iface.Name(), err)
	}
}

func (s *Stack) OnArpFrame(iface Interface, b []byte) error {
	return s.arp.OnFrame(iface, b)
}

func (s *Stack) OnIpDatagram(iface Interface, b []byte) error {
	return s.ip.Receive(iface, b)
}

func (s *Stack) RegisterProtocol(proto uint8, h ProtocolHandler) {
	s.ip.RegisterProtocol(proto, h)
}

// NewEndpoint creates an endpoint of the given kind. Connectionless
// endpoints are not provided by this package.
func (s *Stack) NewEndpoint(kind EndpointKind) (Endpoint, error) {
	switch kind {
	case ConnectionBased:
		return s.tcp.NewEndpoint(), nil
	default:
		return nil, fmt.Errorf("%s endpoint: %w", kind, ErrUnsupportedEndpoint)
	}
}

// NewTcpEndpoint is NewEndpoint(ConnectionBased) without the type switch.
func (s *Stack) NewTcpEndpoint() *TcpEndpoint {
	return s.tcp.NewEndpoint()
}

func (s *Stack) Resolver() *AddressResolver { return s.arp }
func (s *Stack) Tcp() *TcpManager            { return s.tcp }
func (s *Stack) Metrics() *Metrics           { return s.metrics }

// Close resets all connections, stops the goroutines and releases buffers.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	s.tcp.Close()
	var err error
	if cancel != nil {
		cancel()
		err = g.Wait()
	}
	s.ip.Wait()
	s.reassembler.Close()
	s.log.Info("netcore stack closed gracefully")
	return err
}
