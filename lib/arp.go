package lib

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Clouded-Sabre/netcore/config"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

type pendingArpRequest struct {
	ip   netip.Addr
	mac  net.HardwareAddr
	done chan struct{}
}

// AddressResolver maps IPv4 addresses to hardware addresses. Blocking
// resolutions wait on a FIFO list of pending requests that inbound replies
// complete.
type AddressResolver struct {
	mu      sync.Mutex
	cache   *ttlcache.Cache[netip.Addr, net.HardwareAddr]
	pending []*pendingArpRequest
	config  config.ArpConfig
	log     *logrus.Entry
	metrics *Metrics
}

func NewAddressResolver(cfg config.ArpConfig, log *logrus.Entry, metrics *Metrics) *AddressResolver {
	opts := []ttlcache.Option[netip.Addr, net.HardwareAddr]{
		ttlcache.WithDisableTouchOnHit[netip.Addr, net.HardwareAddr](),
	}
	if cfg.CacheTTL > 0 {
		opts = append(opts, ttlcache.WithTTL[netip.Addr, net.HardwareAddr](cfg.CacheTTL))
	}
	if log == nil {
		log = discardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}
	return &AddressResolver{
		cache:   ttlcache.New(opts...),
		config:  cfg,
		log:     log,
		metrics: metrics,
	}
}

// Run evicts expired entries until ctx is done. Without a TTL it returns at
// once.
func (a *AddressResolver) Run(ctx context.Context) error {
	if a.config.CacheTTL <= 0 {
		return nil
	}
	go func() {
		<-ctx.Done()
		a.cache.Stop()
	}()
	a.cache.Start()
	return nil
}

// Lookup consults the cache only.
func (a *AddressResolver) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lookupLocked(ip)
}

func (a *AddressResolver) lookupLocked(ip netip.Addr) (net.HardwareAddr, bool) {
	item := a.cache.Get(ip)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Insert adds a mapping unless a valid one already exists. It reports
// whether the cache changed.
func (a *AddressResolver) Insert(ip netip.Addr, mac net.HardwareAddr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.insertLocked(ip, mac)
}

func (a *AddressResolver) insertLocked(ip netip.Addr, mac net.HardwareAddr) bool {
	if _, ok := a.lookupLocked(ip); ok {
		return false
	}
	a.cache.Set(ip, append(net.HardwareAddr(nil), mac...), ttlcache.DefaultTTL)
	return true
}

func (a *AddressResolver) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache.Len()
}

func (a *AddressResolver) pendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Resolve returns the hardware address for ip. On a cache miss it fails with
// ErrNotFound unless block is set, in which case it broadcasts one request
// on iface and waits for the reply, the resolve timeout or ctx.
func (a *AddressResolver) Resolve(ctx context.Context, ip netip.Addr, block bool, iface Interface) (net.HardwareAddr, error) {
	if !ip.Is4() {
		return nil, fmt.Errorf("arp cannot resolve %s: %w", ip, ErrNotFound)
	}

	a.mu.Lock()
	if mac, ok := a.lookupLocked(ip); ok {
		a.mu.Unlock()
		return mac, nil
	}
	if !block {
		a.mu.Unlock()
		return nil, ErrNotFound
	}
	if !iface.Addr().IsValid() || iface.Addr().IsUnspecified() {
		a.mu.Unlock()
		return nil, fmt.Errorf("interface %s has no address to resolve %s from: %w", iface.Name(), ip, ErrNoRoute)
	}
	req := &pendingArpRequest{ip: ip, done: make(chan struct{})}
	a.pending = append(a.pending, req)
	a.mu.Unlock()

	if err := a.sendRequest(ip, iface); err != nil {
		a.removePending(req)
		return nil, err
	}

	var expired <-chan time.Time
	if a.config.ResolveTimeout > 0 {
		timer := time.NewTimer(a.config.ResolveTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-req.done:
		return req.mac, nil
	case <-ctx.Done():
		if a.removePending(req) {
			return nil, &interruptedError{cause: ctx.Err()}
		}
	case <-expired:
		if a.removePending(req) {
			a.metrics.ArpResolveTimeouts.Inc()
			a.log.Debugf("arp who-has %s timed out", ip)
			return nil, ErrTimeout
		}
	}
	// completed while we were giving up
	<-req.done
	return req.mac, nil
}

// removePending drops req from the list. It returns false if a reply already
// completed it.
func (a *AddressResolver) removePending(req *pendingArpRequest) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, p := range a.pending {
		if p == req {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (a *AddressResolver) sendRequest(ip netip.Addr, iface Interface) error {
	src := iface.Addr().As4()
	dst := ip.As4()
	frame, err := marshalArp(&layers.ARP{
		Operation:         arpOpRequest,
		SourceHwAddress:   iface.HardwareAddr(),
		SourceProtAddress: src[:],
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    dst[:],
	})
	if err != nil {
		return err
	}
	a.log.Debugf("arp who-has %s tell %s", ip, iface.Addr())
	a.metrics.ArpRequestsSent.Inc()
	return iface.WriteFrame(BroadcastHardwareAddr, layers.EthernetTypeARP, frame)
}

// OnFrame handles an inbound ARP packet received on iface.
func (a *AddressResolver) OnFrame(iface Interface, frame []byte) error {
	arp := &layers.ARP{}
	if err := arp.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		a.metrics.badPacket("arp", reasonMalformed)
		return malformed("arp: %v", err)
	}
	if arp.HwAddressSize != 6 || arp.ProtAddressSize != 4 {
		a.log.Warn("arp: request for either unknown MAC format or non-IPv4 address")
		a.metrics.badPacket("arp", reasonMalformed)
		return malformed("arp: hardware size %d, protocol size %d", arp.HwAddressSize, arp.ProtAddressSize)
	}

	senderIP := netip.AddrFrom4([4]byte(arp.SourceProtAddress))
	targetIP := netip.AddrFrom4([4]byte(arp.DstProtAddress))
	senderMac := net.HardwareAddr(arp.SourceHwAddress)

	switch arp.Operation {
	case arpOpRequest:
		a.Insert(senderIP, senderMac)
		if targetIP != iface.Addr() {
			return nil
		}
		src := iface.Addr().As4()
		reply, err := marshalArp(&layers.ARP{
			Operation:         arpOpReply,
			SourceHwAddress:   iface.HardwareAddr(),
			SourceProtAddress: src[:],
			DstHwAddress:      senderMac,
			DstProtAddress:    arp.SourceProtAddress,
		})
		if err != nil {
			return err
		}
		a.metrics.ArpRepliesSent.Inc()
		return iface.WriteFrame(senderMac, layers.EthernetTypeARP, reply)

	case arpOpReply:
		a.mu.Lock()
		defer a.mu.Unlock()
		a.insertLocked(senderIP, senderMac)
		for i, req := range a.pending {
			if req.ip == senderIP {
				req.mac = append(net.HardwareAddr(nil), senderMac...)
				a.pending = append(a.pending[:i], a.pending[i+1:]...)
				close(req.done)
				break
			}
		}
		return nil

	default:
		a.log.Warnf("arp: unknown opcode %d", arp.Operation)
		a.metrics.badPacket("arp", reasonArpOpcode)
		return malformed("arp: opcode %d", arp.Operation)
	}
}

func marshalArp(arp *layers.ARP) ([]byte, error) {
	arp.AddrType = layers.LinkTypeEthernet
	arp.Protocol = layers.EthernetTypeIPv4
	arp.HwAddressSize = 6
	arp.ProtAddressSize = 4
	buf := gopacket.NewSerializeBuffer()
	if err := arp.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		return nil, fmt.Errorf("arp marshal: %w", err)
	}
	return buf.Bytes(), nil
}
