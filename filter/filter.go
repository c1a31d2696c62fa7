package filter

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Filter decides whether an inbound IPv4 datagram may enter the stack.
type Filter interface {
	Allow(datagram []byte) bool
}

// Rule matches inbound datagrams. Zero fields match anything.
type Rule struct {
	Source   netip.Prefix // sender address range
	Protocol uint8        // IP protocol number
	DstPort  uint16       // TCP or UDP destination port
	TcpFlags uint8        // all of these TCP flags must be set, e.g. RST
}

func (r Rule) key() string {
	return fmt.Sprintf("%s/%d->%d/%#x", r.Source, r.Protocol, r.DstPort, r.TcpFlags)
}

// RuleFilter drops every datagram that matches one of its rules.
type RuleFilter struct {
	mu      sync.RWMutex
	ruleSet map[string]Rule
}

func NewRuleFilter() *RuleFilter {
	return &RuleFilter{ruleSet: make(map[string]Rule)}
}

func (f *RuleFilter) AddRule(r Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := r.key()
	if _, ok := f.ruleSet[k]; ok {
		return fmt.Errorf("rule already exists: %s", k)
	}
	f.ruleSet[k] = r
	return nil
}

func (f *RuleFilter) RemoveRule(r Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := r.key()
	if _, ok := f.ruleSet[k]; !ok {
		return fmt.Errorf("rule not found: %s", k)
	}
	delete(f.ruleSet, k)
	return nil
}

// FinishFiltering removes all rules.
func (f *RuleFilter) FinishFiltering() {
	f.mu.Lock()
	f.ruleSet = make(map[string]Rule)
	f.mu.Unlock()
}

func (f *RuleFilter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ruleSet)
}

func (f *RuleFilter) Allow(datagram []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.ruleSet) == 0 {
		return true
	}

	packet := gopacket.NewPacket(datagram, layers.LayerTypeIPv4, gopacket.Lazy)
	ipv4Layer := packet.Layer(layers.LayerTypeIPv4)
	if ipv4Layer == nil {
		return true // the IPv4 layer rejects it later
	}
	ipv4, _ := ipv4Layer.(*layers.IPv4)
	src, _ := netip.AddrFromSlice(ipv4.SrcIP.To4())

	var dstPort uint16
	var tcpFlags uint8
	if tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		dstPort = uint16(tcp.DstPort)
		tcpFlags = tcpFlagsOf(tcp)
	} else if udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		dstPort = uint16(udp.DstPort)
	}

	for _, r := range f.ruleSet {
		if r.Source.IsValid() && !r.Source.Contains(src) {
			continue
		}
		if r.Protocol != 0 && r.Protocol != uint8(ipv4.Protocol) {
			continue
		}
		if r.DstPort != 0 && r.DstPort != dstPort {
			continue
		}
		if r.TcpFlags != 0 && tcpFlags&r.TcpFlags != r.TcpFlags {
			continue
		}
		return false
	}
	return true
}

func tcpFlagsOf(tcp *layers.TCP) uint8 {
	var flags uint8
	for i, set := range []bool{tcp.FIN, tcp.SYN, tcp.RST, tcp.PSH, tcp.ACK, tcp.URG, tcp.ECE, tcp.CWR} {
		if set {
			flags |= 1 << i
		}
	}
	return flags
}
