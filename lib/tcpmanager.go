package lib

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/Clouded-Sabre/netcore/config"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// defaultPeerMss applies when the peer's SYN carries no MSS option.
const defaultPeerMss = 536

var errEmptyPayload = errors.New("tcp: empty payload")

// TcpManager is the connection table and state machine of the TCP layer.
// One mutex guards the maps and every StateBlock. Segments are never written
// to the link from here: they go to the stack's output queue.
type TcpManager struct {
	mu        sync.Mutex
	config    config.TcpConfig
	active    map[activeKey]*StateBlock
	listeners map[uint16]*StateBlock
	conns     map[ConnId]*StateBlock
	nextId    ConnId

	ports         *PortPool
	clock         *SequenceClock
	lastClockTick time.Time
	rstLimiter    *rate.Limiter // nil when unlimited

	router  Router
	out     datagramSink
	pool    *BufferPool
	now     func() time.Time
	log     *logrus.Entry
	metrics *Metrics
}

func NewTcpManager(cfg config.TcpConfig, router Router, out datagramSink, pool *BufferPool, log *logrus.Entry, metrics *Metrics) *TcpManager {
	if log == nil {
		log = discardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}
	m := &TcpManager{
		config:        cfg,
		active:        make(map[activeKey]*StateBlock),
		listeners:     make(map[uint16]*StateBlock),
		conns:         make(map[ConnId]*StateBlock),
		ports:         newPortPool(cfg.PortLower, cfg.PortUpper),
		clock:         NewSequenceClock(cfg.ClockIncrement),
		lastClockTick: time.Now(),
		router:        router,
		out:           out,
		pool:          pool,
		now:           time.Now,
		log:           log,
		metrics:       metrics,
	}
	if cfg.RstRateLimit > 0 {
		m.rstLimiter = rate.NewLimiter(rate.Limit(cfg.RstRateLimit), max(cfg.RstBurst, 1))
	}
	return m
}

// NewEndpoint returns a connection-based endpoint bound to this manager.
func (m *TcpManager) NewEndpoint() *TcpEndpoint {
	return newTcpEndpoint(m, m.config)
}

func (m *TcpManager) newId() ConnId {
	m.nextId++
	return m.nextId
}

// register adds sb to the lookup maps. The caller holds m.mu.
func (m *TcpManager) register(sb *StateBlock) {
	sb.id = m.newId()
	m.conns[sb.id] = sb
	if sb.handle.IsListener {
		m.listeners[sb.handle.LocalPort] = sb
	} else {
		m.active[sb.handle.activeKey()] = sb
	}
	if sb.endpoint != nil {
		sb.endpoint.bind(sb.id, sb.handle)
	}
}

// Listen registers ep as the listener on port.
func (m *TcpManager) Listen(ep *TcpEndpoint, port uint16) (ConnId, error) {
	if port == 0 {
		return 0, fmt.Errorf("tcp: cannot listen on port 0: %w", ErrInvalidState)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listeners[port]; ok || m.ports.isAllocated(port) {
		return 0, fmt.Errorf("tcp listen on %d: %w", port, ErrPortInUse)
	}
	sb := &StateBlock{
		handle:   ConnectionHandle{LocalPort: port, IsListener: true},
		state:    StateListen,
		endpoint: ep,
	}
	m.register(sb)
	m.log.Infof("listening on port %d", port)
	return sb.id, nil
}

// Connect opens a connection to remote. A zero localPort takes an ephemeral
// port. With block set it waits for the handshake to finish; giving up the
// wait leaves the connection in place for the caller to close.
func (m *TcpManager) Connect(ctx context.Context, remote netip.AddrPort, localPort uint16, ep *TcpEndpoint, block bool) (ConnId, error) {
	iface, _, err := m.router.DetermineRoute(remote.Addr())
	if err != nil {
		return 0, fmt.Errorf("tcp connect to %s: %w", remote, err)
	}

	m.mu.Lock()
	ephemeral := false
	if localPort == 0 {
		if localPort, err = m.ports.allocatePort(); err != nil {
			m.mu.Unlock()
			return 0, err
		}
		ephemeral = true
	}
	handle := ConnectionHandle{
		LocalAddr:  iface.Addr(),
		LocalPort:  localPort,
		RemoteAddr: remote.Addr(),
		RemotePort: remote.Port(),
	}
	if _, ok := m.active[handle.activeKey()]; ok {
		if ephemeral {
			m.ports.returnPort(localPort)
		}
		m.mu.Unlock()
		return 0, fmt.Errorf("tcp connect %s: %w", handle, ErrPortInUse)
	}

	iss := m.clock.Next()
	sb := &StateBlock{
		handle:    handle,
		state:     StateSynSent,
		iss:       iss,
		sndUna:    iss,
		sndNxt:    SeqIncrement(iss),
		peerMss:   m.config.MSS,
		ephemeral: ephemeral,
		endpoint:  ep,
	}
	m.register(sb)
	id := sb.id
	m.sendSegment(sb, SYNFlag, iss, nil, true)
	m.log.Debugf("connecting %s", handle)
	m.mu.Unlock()

	if !block {
		return id, nil
	}

	var state State
	err = waitUntil(ctx, m.config.ConnectTimeout, ep.signal, func() bool {
		state = m.State(id)
		return state != StateSynSent && state != StateSynReceived
	})
	if err != nil {
		return id, err
	}
	if state == StateClosed || state == StateUnknown {
		return id, fmt.Errorf("tcp connect to %s: %w", remote, ErrConnectionRefused)
	}
	return id, nil
}

// Send queues payload and transmits it in MSS sized segments as far as the
// peer's window allows; the rest follows as acknowledgements open the window.
// With retransmit set every segment is kept until acknowledged.
func (m *TcpManager) Send(id ConnId, payload []byte, push, retransmit bool) (int, error) {
	if len(payload) == 0 {
		return 0, errEmptyPayload
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.conns[id]
	if !ok {
		return 0, ErrNotFound
	}
	if sb.state != StateEstablished && sb.state != StateCloseWait {
		return 0, fmt.Errorf("tcp send in %s: %w", sb.state, ErrInvalidState)
	}

	sb.sendQueue = append(sb.sendQueue, payload...)
	if push {
		sb.sendPush = len(sb.sendQueue)
	}
	sb.retransmit = retransmit
	m.output(sb)
	return len(payload), nil
}

func (m *TcpManager) effectiveMss(sb *StateBlock) int {
	mss := m.config.MSS
	if sb.peerMss > 0 && sb.peerMss < mss {
		mss = sb.peerMss
	}
	return mss
}

// output transmits queued data that fits in the send window, then a pending
// FIN once the queue is empty. With a zero window and nothing in flight one
// byte goes out alone and is retried by the retransmit timer.
// The caller holds m.mu.
func (m *TcpManager) output(sb *StateBlock) {
	mss := m.effectiveMss(sb)
	for len(sb.sendQueue) > 0 {
		inflight := int(sb.sndNxt - sb.sndUna)
		avail := int(sb.sndWnd) - inflight
		zeroWindow := false
		if avail <= 0 {
			if sb.sndWnd != 0 || inflight != 0 {
				break
			}
			avail, zeroWindow = 1, true
		}

		n := min(len(sb.sendQueue), mss, avail)
		if sb.sendPush > 0 {
			n = min(n, sb.sendPush)
		}
		flags := ACKFlag
		if n == sb.sendPush {
			flags |= PSHFlag
		}
		m.sendSegment(sb, flags, sb.sndNxt, sb.sendQueue[:n], sb.retransmit || zeroWindow)
		sb.sndNxt = SeqIncrementBy(sb.sndNxt, uint32(n))
		sb.sendQueue = sb.sendQueue[n:]
		if sb.sendPush > 0 {
			sb.sendPush -= n
		}
		if zeroWindow {
			m.log.Debugf("%s: zero window, sending one byte", sb.handle)
			break
		}
	}
	if len(sb.sendQueue) > 0 {
		return
	}
	sb.sendQueue = nil
	if sb.finPending {
		sb.finPending = false
		sb.finSeq = sb.sndNxt
		sb.finSent = true
		m.sendSegment(sb, FINFlag|ACKFlag, sb.sndNxt, nil, true)
		sb.sndNxt = SeqIncrement(sb.sndNxt)
	}
}

// windowUpdate advertises receive space freed by the application once it
// has grown by at least one segment (or half the buffer, if smaller).
func (m *TcpManager) windowUpdate(id ConnId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.conns[id]
	if !ok {
		return
	}
	switch sb.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return
	}
	threshold := uint32(min(m.config.MSS, m.config.BufferSize/2))
	if sb.rcvWnd() >= sb.rcvAdvertised+threshold {
		m.sendAck(sb)
	}
}

// Disconnect starts an orderly close of the connection.
func (m *TcpManager) Disconnect(id ConnId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	switch sb.state {
	case StateSynReceived, StateEstablished:
		m.sendFin(sb, StateFinWait1)
	case StateCloseWait:
		m.sendFin(sb, StateLastAck)
	case StateListen:
		m.closeListener(sb)
	case StateSynSent:
		m.sendSegment(sb, RSTFlag, sb.sndNxt, nil, false)
		m.setState(sb, StateClosed)
		m.removeLocked(sb)
	}
	return nil
}

// Shutdown closes the sending half. Stopping only the receive half has no
// protocol effect.
func (m *TcpManager) Shutdown(id ConnId, onlyStopReceive bool) error {
	if onlyStopReceive {
		return nil
	}
	return m.Disconnect(id)
}

// sendFin moves to next and sends FIN behind any data still queued.
func (m *TcpManager) sendFin(sb *StateBlock, next State) {
	m.setState(sb, next)
	sb.finPending = true
	m.output(sb)
}

// closeListener drops the listener and resets its half-open children.
func (m *TcpManager) closeListener(l *StateBlock) {
	for _, sb := range m.conns {
		if sb.parent == l && sb.state == StateSynReceived {
			m.sendSegment(sb, RSTFlag, sb.sndNxt, nil, false)
			m.setState(sb, StateClosed)
			m.removeLocked(sb)
		}
	}
	m.setState(l, StateClosed)
	m.removeLocked(l)
	m.log.Infof("stopped listening on port %d", l.handle.LocalPort)
}

// RemoveConnection unlinks a CLOSED connection.
func (m *TcpManager) RemoveConnection(id ConnId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	if sb.state != StateClosed {
		return fmt.Errorf("tcp remove %s in %s: %w", sb.handle, sb.state, ErrInvalidState)
	}
	m.removeLocked(sb)
	return nil
}

func (m *TcpManager) removeLocked(sb *StateBlock) {
	if _, ok := m.conns[sb.id]; !ok {
		return
	}
	delete(m.conns, sb.id)
	if sb.handle.IsListener {
		if m.listeners[sb.handle.LocalPort] == sb {
			delete(m.listeners, sb.handle.LocalPort)
		}
	} else {
		key := sb.handle.activeKey()
		if m.active[key] == sb {
			delete(m.active, key)
		}
		m.metrics.ConnectionsClosed.Inc()
	}
	if sb.ephemeral {
		if err := m.ports.returnPort(sb.handle.LocalPort); err != nil {
			m.log.Warnf("returning port: %v", err)
		}
	}
	sb.clearRetransmitQueue(m.pool)
	sb.sendQueue = nil
	if sb.endpoint != nil {
		sb.endpoint.connectionRemoved()
	}
	m.log.Debugf("removed connection %s", sb.handle)
}

// State returns the state of a connection, StateUnknown once it is gone.
func (m *TcpManager) State(id ConnId) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.conns[id]; ok {
		return sb.state
	}
	return StateUnknown
}

// Connections returns a snapshot of the table ordered by id.
func (m *TcpManager) Connections() []ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]ConnectionInfo, 0, len(m.conns))
	for _, sb := range m.conns {
		infos = append(infos, sb.info())
	}
	slices.SortFunc(infos, func(a, b ConnectionInfo) int {
		return cmp.Compare(a.Id, b.Id)
	})
	return infos
}

func (m *TcpManager) setState(sb *StateBlock, s State) {
	if sb.state == s {
		return
	}
	m.log.Debugf("%s: %s -> %s", sb.handle, sb.state, s)
	sb.state = s
	if s == StateEstablished {
		m.metrics.ConnectionsOpened.Inc()
	}
	if s == StateTimeWait {
		sb.deadline = m.now().Add(m.config.TimeWait)
	}
	if sb.endpoint != nil {
		sb.endpoint.stateChanged()
	}
}

// tick runs the connection timers: retransmission, TIME_WAIT expiry and the
// sequence clock.
func (m *TcpManager) tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastClockTick) >= m.config.ClockTick {
		m.clock.Tick()
		m.lastClockTick = now
	}

	for _, sb := range m.conns {
		if sb.state == StateTimeWait && !now.Before(sb.deadline) {
			m.setState(sb, StateClosed)
			m.removeLocked(sb)
			continue
		}
		if len(sb.rtxQueue) > 0 && !now.Before(sb.rtxDeadline) {
			m.retransmit(sb, sb.rtxQueue[0])
			sb.rtxDeadline = now.Add(m.config.RetransmitTimeout)
		}
	}
}

func (m *TcpManager) retransmit(sb *StateBlock, e *rtxEntry) {
	seg := m.newSegment(sb, e.flags, e.seq, e.buf.Bytes())
	m.log.Debugf("retransmitting %s", seg)
	m.metrics.Retransmits.Inc()
	m.emit(seg)
}

func (m *TcpManager) newSegment(sb *StateBlock, flags uint8, seq uint32, payload []byte) *Segment {
	wnd := sb.rcvWnd()
	if flags&SYNFlag != 0 && sb.parent != nil && m.config.ListenerWindow > 0 {
		wnd = min(wnd, uint32(m.config.ListenerWindow))
	}
	seg := &Segment{
		Src:             sb.handle.LocalAddr,
		Dst:             sb.handle.RemoteAddr,
		SourcePort:      sb.handle.LocalPort,
		DestinationPort: sb.handle.RemotePort,
		SequenceNumber:  seq,
		Flags:           flags,
		WindowSize:      uint16(wnd),
		Payload:         payload,
	}
	if flags&ACKFlag != 0 {
		seg.AcknowledgmentNum = sb.rcvNxt
	}
	sb.rcvAdvertised = wnd
	if flags&SYNFlag != 0 {
		seg.MSS = uint16(m.config.MSS)
	}
	return seg
}

// sendSegment emits a segment for sb and, if queue is set, keeps a copy on
// the retransmit queue. The caller holds m.mu.
func (m *TcpManager) sendSegment(sb *StateBlock, flags uint8, seq uint32, payload []byte, queue bool) {
	m.emit(m.newSegment(sb, flags, seq, payload))
	if !queue {
		return
	}
	if len(sb.rtxQueue) == 0 {
		sb.rtxDeadline = m.now().Add(m.config.RetransmitTimeout)
	}
	sb.rtxQueue = append(sb.rtxQueue, &rtxEntry{seq: seq, flags: flags, buf: m.pool.Copy(payload)})
}

func (m *TcpManager) sendAck(sb *StateBlock) {
	m.sendSegment(sb, ACKFlag, sb.sndNxt, nil, false)
}

// sendReset answers seg with a reset. Resets for segments that match no
// connection go through the rate limiter.
func (m *TcpManager) sendReset(seg *Segment, seq, ack uint32, flags uint8, limited bool) {
	if limited && m.rstLimiter != nil && !m.rstLimiter.Allow() {
		m.log.Debugf("rst to %s:%d suppressed by rate limit", seg.Src, seg.SourcePort)
		return
	}
	m.emit(&Segment{
		Src:               seg.Dst,
		Dst:               seg.Src,
		SourcePort:        seg.DestinationPort,
		DestinationPort:   seg.SourcePort,
		SequenceNumber:    seq,
		AcknowledgmentNum: ack,
		Flags:             RSTFlag | flags,
	})
}

func (m *TcpManager) emit(seg *Segment) {
	b, err := seg.Marshal()
	if err != nil {
		m.log.Warnf("tcp marshal %s: %v", seg, err)
		return
	}
	if !m.out.queueDatagram(seg.Dst, seg.Src, ProtocolTCP, b) {
		m.log.Warnf("output queue full, dropped %s", seg)
		return
	}
	m.metrics.SegmentsSent.Inc()
	if seg.HasFlag(RSTFlag) {
		m.metrics.RstSent.Inc()
	}
}

// HandleDatagram is the IPv4 protocol handler for TCP.
func (m *TcpManager) HandleDatagram(iface Interface, hdr *layers.IPv4, payload []byte) {
	src, _ := netip.AddrFromSlice(hdr.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(hdr.DstIP.To4())
	// unicast only: segments to the subnet or limited broadcast are dropped
	if dst != iface.Addr() {
		m.metrics.badPacket("tcp", reasonNotForUs)
		return
	}
	if !VerifyTransportChecksum(payload, src, dst, ProtocolTCP) {
		m.metrics.badPacket("tcp", reasonChecksum)
		m.log.Debugf("tcp checksum mismatch from %s", src)
		return
	}
	seg := &Segment{}
	if err := seg.Unmarshal(payload, src, dst); err != nil {
		m.metrics.badPacket("tcp", reasonMalformed)
		m.log.Debugf("dropping segment: %v", err)
		return
	}
	m.metrics.SegmentsReceived.Inc()
	m.receive(seg)
}

// Close resets every connection and empties the table.
func (m *TcpManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sb := range m.conns {
		if sb.state.synchronized() && sb.state != StateTimeWait {
			m.sendSegment(sb, RSTFlag, sb.sndNxt, nil, false)
		}
		m.setState(sb, StateClosed)
		m.removeLocked(sb)
	}
}
