package lib

import (
	"fmt"
	"net/netip"
	"time"
)

// State is the RFC 793 connection state.
type State int

const (
	StateListen State = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
	StateClosed
	StateUnknown
)

var stateNames = [...]string{
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateCloseWait:   "CLOSE_WAIT",
	StateClosing:     "CLOSING",
	StateLastAck:     "LAST_ACK",
	StateTimeWait:    "TIME_WAIT",
	StateClosed:      "CLOSED",
	StateUnknown:     "UNKNOWN",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// synchronized reports whether the handshake has completed in at least one
// direction, i.e. the state is past SYN_SENT and not CLOSED.
func (s State) synchronized() bool {
	return s >= StateSynReceived && s <= StateTimeWait
}

// ConnId identifies a connection for as long as it lives in the manager.
type ConnId uint64

// ConnectionHandle is the lookup key of a connection. Listeners are keyed by
// local port alone and carry zero remote fields.
type ConnectionHandle struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
	IsListener bool
}

func (h ConnectionHandle) String() string {
	if h.IsListener {
		return fmt.Sprintf("listen :%d", h.LocalPort)
	}
	return fmt.Sprintf("%s:%d<->%s:%d", h.LocalAddr, h.LocalPort, h.RemoteAddr, h.RemotePort)
}

// activeKey drops the listener flag and local address so inbound lookups
// match on the port tuple plus remote address.
type activeKey struct {
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16
}

func (h ConnectionHandle) activeKey() activeKey {
	return activeKey{localPort: h.LocalPort, remoteAddr: h.RemoteAddr, remotePort: h.RemotePort}
}

// rtxEntry is one unacknowledged segment. Data lives in a pooled buffer.
type rtxEntry struct {
	seq   uint32
	flags uint8
	buf   *Buffer
}

func (e *rtxEntry) seqLen() uint32 {
	n := uint32(e.buf.Len())
	if e.flags&SYNFlag != 0 {
		n++
	}
	if e.flags&FINFlag != 0 {
		n++
	}
	return n
}

// StateBlock holds the RFC 793 variables of one connection. All fields are
// guarded by the TcpManager mutex.
type StateBlock struct {
	id     ConnId
	handle ConnectionHandle
	state  State

	// send sequence variables
	iss    uint32
	sndUna uint32
	sndNxt uint32
	sndWnd uint16
	sndUp  uint16
	sndWl1 uint32
	sndWl2 uint32

	// receive sequence variables
	irs    uint32
	rcvNxt uint32
	rcvUp  uint16

	// current segment
	segSeq uint32
	segAck uint32
	segLen uint32
	segWnd uint16
	segUp  uint16
	segPrc uint8

	peerMss  int
	finSeq   uint32
	finSent  bool
	finAcked bool

	// data accepted by Send but not yet inside the peer's window
	sendQueue  []byte
	sendPush   int // queued bytes up to the last pushed one, 0 for none
	retransmit bool
	finPending bool

	rcvAdvertised uint32 // window carried by our last segment

	rtxQueue    []*rtxEntry
	rtxDeadline time.Time
	deadline    time.Time // TIME_WAIT expiry

	ephemeral bool
	parent    *StateBlock // listener that spawned this block
	endpoint  *TcpEndpoint
}

func (sb *StateBlock) loadSegment(seg *Segment) {
	sb.segSeq = seg.SequenceNumber
	sb.segAck = seg.AcknowledgmentNum
	sb.segLen = seg.SeqLen()
	sb.segWnd = seg.WindowSize
	sb.segUp = seg.UrgentPointer
	sb.segPrc = 0
}

// rcvWnd is the receive window: free space in the shadow stream. A full
// shadow commits itself, so the window reopens as the application reads.
func (sb *StateBlock) rcvWnd() uint32 {
	if sb.endpoint == nil {
		return 0
	}
	return uint32(min(sb.endpoint.shadow.Free(), 0xFFFF))
}

// acceptable runs the four RFC 793 acceptability tests.
func (sb *StateBlock) acceptable(seq, segLen uint32) bool {
	wnd := sb.rcvWnd()
	switch {
	case segLen == 0 && wnd == 0:
		return seq == sb.rcvNxt
	case segLen == 0:
		return seqInWindow(seq, sb.rcvNxt, wnd)
	case wnd == 0:
		return false
	default:
		return seqInWindow(seq, sb.rcvNxt, wnd) || seqInWindow(seq+segLen-1, sb.rcvNxt, wnd)
	}
}

// ackSegment retires queued segments covered by ack and trims a partially
// acknowledged front segment. It returns the number of entries retired.
func (sb *StateBlock) ackSegment(ack uint32, pool *BufferPool) int {
	retired := 0
	for len(sb.rtxQueue) > 0 {
		e := sb.rtxQueue[0]
		end := e.seq + e.seqLen()
		if isLessOrEqual(end, ack) {
			pool.Release(e.buf)
			sb.rtxQueue[0] = nil
			sb.rtxQueue = sb.rtxQueue[1:]
			retired++
			continue
		}
		if isGreater(ack, e.seq) {
			covered := ack - e.seq
			if e.flags&SYNFlag != 0 {
				e.flags &^= SYNFlag
				covered--
			}
			e.buf.Trim(int(covered))
			e.seq = ack
		}
		break
	}
	return retired
}

func (sb *StateBlock) clearRetransmitQueue(pool *BufferPool) {
	for _, e := range sb.rtxQueue {
		pool.Release(e.buf)
	}
	sb.rtxQueue = nil
}

// ConnectionInfo is a read-only view of a connection.
type ConnectionInfo struct {
	Id     ConnId
	Handle ConnectionHandle
	State  State
	SndUna uint32
	SndNxt uint32
	RcvNxt uint32
	Queued int // unacknowledged segments
	Unsent int // bytes waiting for the send window
}

func (sb *StateBlock) info() ConnectionInfo {
	return ConnectionInfo{
		Id:     sb.id,
		Handle: sb.handle,
		State:  sb.state,
		SndUna: sb.sndUna,
		SndNxt: sb.sndNxt,
		RcvNxt: sb.rcvNxt,
		Queued: len(sb.rtxQueue),
		Unsent: len(sb.sendQueue),
	}
}
