package lib

// receive runs one inbound segment through the state machine. Lookup tries
// the active connections, then the listeners; anything else is answered as
// if a CLOSED block existed.
func (m *TcpManager) receive(seg *Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := activeKey{localPort: seg.DestinationPort, remoteAddr: seg.Src, remotePort: seg.SourcePort}
	if sb, ok := m.active[key]; ok {
		if sb.state == StateSynSent {
			m.synSentArrives(sb, seg)
		} else {
			m.synchronizedArrives(sb, seg)
		}
		return
	}
	if l, ok := m.listeners[seg.DestinationPort]; ok {
		m.listenArrives(l, seg)
		return
	}
	m.closedArrives(seg)
}

func (m *TcpManager) closedArrives(seg *Segment) {
	if seg.HasFlag(RSTFlag) {
		return
	}
	if seg.HasFlag(ACKFlag) {
		m.sendReset(seg, seg.AcknowledgmentNum, 0, 0, true)
		return
	}
	m.sendReset(seg, 0, seg.SequenceNumber+seg.SeqLen(), ACKFlag, true)
}

func (m *TcpManager) listenArrives(l *StateBlock, seg *Segment) {
	switch {
	case seg.HasFlag(RSTFlag):
		return
	case seg.HasFlag(ACKFlag):
		m.sendReset(seg, seg.AcknowledgmentNum, 0, 0, false)
		return
	case !seg.HasFlag(SYNFlag):
		return
	}

	iss := m.clock.Next()
	sb := &StateBlock{
		handle: ConnectionHandle{
			LocalAddr:  seg.Dst,
			LocalPort:  seg.DestinationPort,
			RemoteAddr: seg.Src,
			RemotePort: seg.SourcePort,
		},
		state:    StateSynReceived,
		iss:      iss,
		sndUna:   iss,
		sndNxt:   SeqIncrement(iss),
		sndWnd:   seg.WindowSize,
		sndWl1:   seg.SequenceNumber,
		irs:      seg.SequenceNumber,
		rcvNxt:   SeqIncrement(seg.SequenceNumber),
		peerMss:  peerMss(seg),
		parent:   l,
		endpoint: m.NewEndpoint(),
	}
	sb.loadSegment(seg)
	m.register(sb)
	m.log.Debugf("SYN from %s:%d on port %d", seg.Src, seg.SourcePort, seg.DestinationPort)
	m.sendSegment(sb, SYNFlag|ACKFlag, iss, nil, true)
}

func peerMss(seg *Segment) int {
	if seg.MSS == 0 {
		return defaultPeerMss
	}
	return int(seg.MSS)
}

func (m *TcpManager) synSentArrives(sb *StateBlock, seg *Segment) {
	sb.loadSegment(seg)
	ack := seg.AcknowledgmentNum

	if seg.HasFlag(ACKFlag) && (isLessOrEqual(ack, sb.iss) || isGreater(ack, sb.sndNxt)) {
		if !seg.HasFlag(RSTFlag) {
			m.sendReset(seg, ack, 0, 0, false)
		}
		return
	}
	if seg.HasFlag(RSTFlag) {
		if seg.HasFlag(ACKFlag) {
			m.log.Debugf("%s: connection refused", sb.handle)
			m.setState(sb, StateClosed)
			m.removeLocked(sb)
		}
		return
	}
	if !seg.HasFlag(SYNFlag) {
		return
	}

	sb.irs = seg.SequenceNumber
	sb.rcvNxt = SeqIncrement(seg.SequenceNumber)
	sb.peerMss = peerMss(seg)
	if seg.HasFlag(ACKFlag) {
		sb.sndUna = ack
		sb.ackSegment(ack, m.pool)
	}

	if isGreater(sb.sndUna, sb.iss) {
		sb.sndWnd = seg.WindowSize
		sb.sndWl1 = seg.SequenceNumber
		sb.sndWl2 = ack
		m.setState(sb, StateEstablished)
		m.sendAck(sb)
		return
	}

	// simultaneous open
	m.setState(sb, StateSynReceived)
	sb.clearRetransmitQueue(m.pool)
	m.sendSegment(sb, SYNFlag|ACKFlag, sb.iss, nil, true)
}

func (m *TcpManager) synchronizedArrives(sb *StateBlock, seg *Segment) {
	sb.loadSegment(seg)
	seq := seg.SequenceNumber

	// simultaneous open: the peer's SYN|ACK repeats its SYN at irs and only
	// its ACK field is new
	if sb.state == StateSynReceived && seg.HasFlag(SYNFlag) && seg.HasFlag(ACKFlag) &&
		!seg.HasFlag(RSTFlag) && seq == sb.irs {
		m.processAck(sb, seg)
		return
	}

	if !sb.acceptable(seq, sb.segLen) {
		if seg.HasFlag(RSTFlag) {
			return
		}
		if sb.state == StateTimeWait && seg.HasFlag(FINFlag) {
			sb.deadline = m.now().Add(m.config.TimeWait)
		}
		m.sendAck(sb)
		return
	}

	if seg.HasFlag(RSTFlag) {
		m.log.Debugf("%s: reset by peer in %s", sb.handle, sb.state)
		if sb.endpoint != nil {
			sb.endpoint.markReset()
		}
		m.setState(sb, StateClosed)
		m.removeLocked(sb)
		return
	}

	if seg.HasFlag(SYNFlag) {
		m.sendSegment(sb, RSTFlag|ACKFlag, sb.sndNxt, nil, false)
		if sb.endpoint != nil {
			sb.endpoint.markReset()
		}
		m.setState(sb, StateClosed)
		m.removeLocked(sb)
		return
	}

	if !seg.HasFlag(ACKFlag) {
		return
	}
	if !m.processAck(sb, seg) {
		return
	}

	if len(seg.Payload) > 0 {
		m.processPayload(sb, seg)
	}

	if seg.HasFlag(FINFlag) && seq+uint32(len(seg.Payload)) == sb.rcvNxt {
		m.processFin(sb)
	}
}

// processAck handles the ACK field. It returns false when the segment must
// not be processed further.
func (m *TcpManager) processAck(sb *StateBlock, seg *Segment) bool {
	seq := seg.SequenceNumber
	ack := seg.AcknowledgmentNum

	if sb.state == StateSynReceived {
		if isGreater(sb.sndUna, ack) || isGreater(ack, sb.sndNxt) {
			m.sendReset(seg, ack, 0, 0, false)
			return false
		}
		sb.sndWnd = seg.WindowSize
		sb.sndWl1 = seq
		sb.sndWl2 = ack
		sb.sndUna = ack
		sb.ackSegment(ack, m.pool)
		m.setState(sb, StateEstablished)
		if l := sb.parent; l != nil && l.state == StateListen && l.endpoint != nil {
			l.endpoint.enqueueIncoming(sb.endpoint)
		}
	}

	switch {
	case isLess(ack, sb.sndUna):
		// duplicate
	case isGreater(ack, sb.sndNxt):
		m.sendAck(sb)
		return false
	default:
		if isGreater(ack, sb.sndUna) {
			sb.sndUna = ack
			sb.ackSegment(ack, m.pool)
			if len(sb.rtxQueue) > 0 {
				sb.rtxDeadline = m.now().Add(m.config.RetransmitTimeout)
			}
		}
		if isLess(sb.sndWl1, seq) || (sb.sndWl1 == seq && isLessOrEqual(sb.sndWl2, ack)) {
			reopened := sb.sndWnd == 0 && seg.WindowSize > 0
			sb.sndWnd = seg.WindowSize
			sb.sndWl1 = seq
			sb.sndWl2 = ack
			// a byte refused while the window was closed goes again now
			if reopened && len(sb.rtxQueue) > 0 {
				m.retransmit(sb, sb.rtxQueue[0])
				sb.rtxDeadline = m.now().Add(m.config.RetransmitTimeout)
			}
		}
		m.output(sb)
	}

	if sb.finSent && isGreater(ack, sb.finSeq) {
		sb.finAcked = true
	}

	switch sb.state {
	case StateFinWait1:
		if sb.finAcked {
			m.setState(sb, StateFinWait2)
		}
	case StateClosing:
		if sb.finAcked {
			m.setState(sb, StateClosed)
			m.removeLocked(sb)
			return false
		}
	case StateLastAck:
		if sb.finAcked {
			m.setState(sb, StateClosed)
			m.removeLocked(sb)
			return false
		}
	case StateTimeWait:
		sb.deadline = m.now().Add(m.config.TimeWait)
	}
	return true
}

// processPayload deposits in-order data into the shadow stream. Segments
// starting beyond rcv_nxt are dropped.
func (m *TcpManager) processPayload(sb *StateBlock, seg *Segment) {
	switch sb.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return
	}

	seq := seg.SequenceNumber
	data := seg.Payload
	if isGreater(seq, sb.rcvNxt) {
		m.log.Debugf("%s: out of order segment seq=%d, expected %d", sb.handle, seq, sb.rcvNxt)
		return
	}
	if skip := sb.rcvNxt - seq; skip > 0 {
		if int(skip) >= len(data) {
			m.sendAck(sb)
			return
		}
		data = data[skip:]
	}

	n := sb.endpoint.deposit(data, seg.HasFlag(PSHFlag))
	sb.rcvNxt = SeqIncrementBy(sb.rcvNxt, uint32(n))
	m.sendAck(sb)
}

func (m *TcpManager) processFin(sb *StateBlock) {
	if sb.endpoint != nil {
		sb.endpoint.commit()
	}
	sb.rcvNxt = SeqIncrement(sb.rcvNxt)
	m.sendAck(sb)

	switch sb.state {
	case StateSynReceived, StateEstablished:
		m.setState(sb, StateCloseWait)
	case StateFinWait1:
		if sb.finAcked {
			m.setState(sb, StateTimeWait)
		} else {
			m.setState(sb, StateClosing)
		}
	case StateFinWait2:
		m.setState(sb, StateTimeWait)
	case StateTimeWait:
		sb.deadline = m.now().Add(m.config.TimeWait)
	}
}
