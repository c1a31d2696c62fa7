package lib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Clouded-Sabre/netcore/config"
)

type EndpointKind int

const (
	Connectionless EndpointKind = iota
	ConnectionBased
)

func (k EndpointKind) String() string {
	switch k {
	case Connectionless:
		return "connectionless"
	case ConnectionBased:
		return "connection-based"
	default:
		return fmt.Sprintf("EndpointKind(%d)", int(k))
	}
}

type ShutdownType int

const (
	ShutdownReceive ShutdownType = iota
	ShutdownSend
	ShutdownBoth
)

// Endpoint is what applications hold. The only implementation in this
// package is *TcpEndpoint.
type Endpoint interface {
	Kind() EndpointKind
	Close() error
	isEndpoint()
}

// TcpEndpoint is a connection-based endpoint. Received data lands in the
// shadow stream and becomes readable once committed to the stream by a PSH
// or FIN.
type TcpEndpoint struct {
	manager     *TcpManager
	stream      *StreamBuffer
	shadow      *StreamBuffer
	signal      *signal
	recvTimeout time.Duration

	mu        sync.Mutex
	id        ConnId
	bound     bool
	handle    ConnectionHandle
	committed int // shadow bytes already committed but not yet moved
	incoming  []*TcpEndpoint

	reset    atomic.Bool
	released atomic.Bool
	refs     atomic.Int32
}

func newTcpEndpoint(m *TcpManager, cfg config.TcpConfig) *TcpEndpoint {
	e := &TcpEndpoint{
		manager:     m,
		stream:      NewStreamBuffer(cfg.BufferSize),
		shadow:      NewStreamBuffer(cfg.BufferSize),
		signal:      newSignal(),
		recvTimeout: cfg.RecvTimeout,
	}
	e.refs.Store(1)
	return e
}

func (e *TcpEndpoint) Kind() EndpointKind { return ConnectionBased }
func (e *TcpEndpoint) isEndpoint()        {}

// Called by the manager with its lock held.

func (e *TcpEndpoint) bind(id ConnId, h ConnectionHandle) {
	e.mu.Lock()
	e.id = id
	e.bound = true
	e.handle = h
	e.mu.Unlock()
}

func (e *TcpEndpoint) stateChanged() {
	e.signal.notify()
}

func (e *TcpEndpoint) markReset() {
	e.reset.Store(true)
}

// deposit appends in-order data to the shadow stream and commits it when
// push is set or the shadow is full. It returns the number of bytes
// accepted.
func (e *TcpEndpoint) deposit(data []byte, push bool) int {
	e.mu.Lock()
	n := e.shadow.InsertAt(data, e.shadow.Len(), false)
	full := e.shadow.Free() == 0
	e.mu.Unlock()
	if push || full {
		e.commit()
	}
	return n
}

// commit makes everything in the shadow stream readable.
func (e *TcpEndpoint) commit() {
	e.mu.Lock()
	e.committed = e.shadow.Len()
	e.mu.Unlock()
	if e.drain() > 0 {
		e.signal.notify()
	}
}

// drain moves committed shadow bytes into the stream as space allows.
func (e *TcpEndpoint) drain() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.committed == 0 {
		return 0
	}
	n := e.shadow.moveAtMost(e.stream, e.committed)
	e.committed -= n
	return n
}

func (e *TcpEndpoint) enqueueIncoming(child *TcpEndpoint) {
	e.mu.Lock()
	e.incoming = append(e.incoming, child)
	e.mu.Unlock()
	e.signal.notify()
}

func (e *TcpEndpoint) connectionRemoved() {
	if e.released.Load() {
		e.stream.Reset()
		e.shadow.Reset()
	}
	e.signal.notify()
}

func (e *TcpEndpoint) connId() (ConnId, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id, e.bound
}

// Application side.

// State is the state of the underlying connection, StateClosed before the
// endpoint is used and StateUnknown after the connection is gone.
func (e *TcpEndpoint) State() State {
	id, ok := e.connId()
	if !ok {
		return StateClosed
	}
	return e.manager.State(id)
}

func (e *TcpEndpoint) LocalPort() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle.LocalPort
}

func (e *TcpEndpoint) Remote() netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	return netip.AddrPortFrom(e.handle.RemoteAddr, e.handle.RemotePort)
}

func (e *TcpEndpoint) Listen(port uint16) error {
	if _, ok := e.connId(); ok {
		return fmt.Errorf("tcp endpoint already in use: %w", ErrInvalidState)
	}
	_, err := e.manager.Listen(e, port)
	return err
}

// Accept waits for a connection that completed its handshake on this
// listener.
func (e *TcpEndpoint) Accept(ctx context.Context) (*TcpEndpoint, error) {
	if e.State() != StateListen {
		return nil, fmt.Errorf("tcp accept on non-listening endpoint: %w", ErrInvalidState)
	}
	var child *TcpEndpoint
	err := waitUntil(ctx, 0, e.signal, func() bool {
		e.mu.Lock()
		if len(e.incoming) > 0 {
			child = e.incoming[0]
			e.incoming[0] = nil
			e.incoming = e.incoming[1:]
		}
		e.mu.Unlock()
		return child != nil || e.State() != StateListen
	})
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, fmt.Errorf("tcp accept: listener closed: %w", ErrInvalidState)
	}
	return child, nil
}

func (e *TcpEndpoint) Connect(ctx context.Context, remote netip.AddrPort, block bool) error {
	if _, ok := e.connId(); ok {
		return fmt.Errorf("tcp endpoint already in use: %w", ErrInvalidState)
	}
	_, err := e.manager.Connect(ctx, remote, 0, e, block)
	return err
}

func (e *TcpEndpoint) Send(p []byte, push bool) (int, error) {
	id, ok := e.connId()
	if !ok {
		return 0, fmt.Errorf("tcp send on unconnected endpoint: %w", ErrInvalidState)
	}
	n, err := e.manager.Send(id, p, push, true)
	if errors.Is(err, ErrNotFound) {
		if e.reset.Load() {
			return 0, ErrConnectionReset
		}
		return 0, fmt.Errorf("tcp send on closed connection: %w", ErrInvalidState)
	}
	return n, err
}

// Recv reads received data into p. It blocks until data is available, the
// peer has closed its side (io.EOF), ctx is done or the receive timeout
// elapses.
func (e *TcpEndpoint) Recv(ctx context.Context, p []byte, peek bool) (int, error) {
	id, ok := e.connId()
	if !ok {
		return 0, fmt.Errorf("tcp recv on unconnected endpoint: %w", ErrInvalidState)
	}
	err := waitUntil(ctx, e.recvTimeout, e.signal, func() bool {
		e.drain()
		return e.stream.Len() > 0 || e.State() > StateFinWait2
	})
	if err != nil {
		return 0, err
	}
	n := e.stream.Read(p, peek)
	if n == 0 {
		return 0, io.EOF
	}
	if !peek {
		e.drain()
		e.manager.windowUpdate(id)
	}
	return n, nil
}

// DataReady reports whether Recv would return data without blocking.
func (e *TcpEndpoint) DataReady() bool {
	e.drain()
	return e.stream.Len() > 0
}

// Select waits until the endpoint is readable (data, EOF or an incoming
// connection) or, with forWriting, until Send is allowed. It reports false
// on timeout or cancellation.
func (e *TcpEndpoint) Select(ctx context.Context, forWriting bool, timeout time.Duration) bool {
	err := waitUntil(ctx, timeout, e.signal, func() bool {
		state := e.State()
		if forWriting {
			return state == StateEstablished || state == StateCloseWait
		}
		if state == StateListen {
			e.mu.Lock()
			defer e.mu.Unlock()
			return len(e.incoming) > 0
		}
		return e.DataReady() || state > StateFinWait2
	})
	return err == nil
}

func (e *TcpEndpoint) Shutdown(how ShutdownType) error {
	id, ok := e.connId()
	if !ok {
		return fmt.Errorf("tcp shutdown on unconnected endpoint: %w", ErrInvalidState)
	}
	err := e.manager.Shutdown(id, how == ShutdownReceive)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Close starts an orderly close of the connection. On a listener it also
// closes connections that were never accepted.
func (e *TcpEndpoint) Close() error {
	e.mu.Lock()
	pending := e.incoming
	e.incoming = nil
	e.mu.Unlock()
	for _, child := range pending {
		child.Release()
	}
	if _, ok := e.connId(); !ok {
		return nil
	}
	return e.Shutdown(ShutdownBoth)
}

func (e *TcpEndpoint) Retain() {
	e.refs.Add(1)
}

// Release drops a reference. The last release closes the endpoint and hands
// its buffers back once the connection is gone.
func (e *TcpEndpoint) Release() {
	if e.refs.Add(-1) != 0 {
		return
	}
	e.released.Store(true)
	e.Close()
	if e.State() == StateUnknown {
		e.stream.Reset()
		e.shadow.Reset()
	}
}
