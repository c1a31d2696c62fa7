package lib

import (
	"context"
	"io"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Clouded-Sabre/netcore/config"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

func longCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func readFull(t *testing.T, ctx context.Context, ep *TcpEndpoint, n int) []byte {
	t.Helper()
	got := make([]byte, 0, n)
	buf := make([]byte, 4096)
	for len(got) < n {
		k, err := ep.Recv(ctx, buf, false)
		require.NoError(t, err, "after %d of %d bytes", len(got), n)
		got = append(got, buf[:k]...)
	}
	return got
}

// connectPair listens on B port 80 and connects A to it.
func connectPair(t *testing.T, ctx context.Context, a, b *testHost) (client, server *TcpEndpoint) {
	t.Helper()
	ln := b.stack.NewTcpEndpoint()
	require.NoError(t, ln.Listen(80))
	t.Cleanup(func() { ln.Close() })

	client = a.stack.NewTcpEndpoint()
	require.NoError(t, client.Connect(ctx, netip.MustParseAddrPort("10.0.0.1:80"), true))
	server, err := ln.Accept(ctx)
	require.NoError(t, err)
	return client, server
}

func TestStackTcpTransferAndClose(t *testing.T) {
	_, a, b := newTestPair(t)
	ctx := longCtx(t)
	client, server := connectPair(t, ctx, a, b)

	assert.Equal(t, StateEstablished, client.State())
	assert.Equal(t, netip.AddrPortFrom(netip.MustParseAddr("10.0.0.5"), client.LocalPort()), server.Remote())

	payload := testPayload(20000)
	n, err := client.Send(payload, true)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	assert.Equal(t, payload, readFull(t, ctx, server, len(payload)))

	_, err = server.Send(payload[:100], true)
	require.NoError(t, err)
	assert.Equal(t, payload[:100], readFull(t, ctx, client, 100))

	require.NoError(t, client.Close())
	_, err = server.Recv(ctx, make([]byte, 16), false)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, server.Close())

	require.Eventually(t, func() bool {
		return client.State() == StateUnknown && server.State() == StateUnknown
	}, 5*time.Second, 10*time.Millisecond, "client %s, server %s", client.State(), server.State())

	assert.Equal(t, 1.0, testutil.ToFloat64(a.stack.Metrics().ConnectionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.stack.Metrics().ConnectionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.stack.Metrics().ArpRequestsSent))
}

func TestStackTcpRecoversFromLoss(t *testing.T) {
	link, a, b := newTestPair(t)
	ctx := longCtx(t)
	client, server := connectPair(t, ctx, a, b)

	// lose the first full-sized frame
	var dropped atomic.Bool
	link.SetDropFunc(func(frame []byte) bool {
		return len(frame) > 1000 && dropped.CompareAndSwap(false, true)
	})

	payload := testPayload(3000)
	_, err := client.Send(payload, true)
	require.NoError(t, err)
	assert.Equal(t, payload, readFull(t, ctx, server, len(payload)))
	assert.True(t, dropped.Load())
	assert.Positive(t, testutil.ToFloat64(a.stack.Metrics().Retransmits))
}

func TestStackConnectRefusedByPeer(t *testing.T) {
	_, a, _ := newTestPair(t)
	client := a.stack.NewTcpEndpoint()
	err := client.Connect(longCtx(t), netip.MustParseAddrPort("10.0.0.1:81"), true)
	require.ErrorIs(t, err, ErrConnectionRefused)
}

type icmpCapture struct {
	replies chan *icmp.Message
}

func (c *icmpCapture) HandleDatagram(iface Interface, hdr *layers.IPv4, payload []byte) {
	msg, err := icmp.ParseMessage(int(ProtocolICMP), payload)
	if err != nil {
		return
	}
	select {
	case c.replies <- msg:
	default:
	}
}

func TestStackAnswersEcho(t *testing.T) {
	_, a, b := newTestPair(t)
	capture := &icmpCapture{replies: make(chan *icmp.Message, 1)}
	a.stack.RegisterProtocol(ProtocolICMP, capture)

	req := &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: 7, Seq: 1, Data: []byte("ping")},
	}
	raw, err := req.Marshal(nil)
	require.NoError(t, err)
	require.NoError(t, a.stack.SendDatagram(longCtx(t), netip.MustParseAddr("10.0.0.1"), ProtocolICMP, raw))

	select {
	case msg := <-capture.replies:
		assert.Equal(t, ipv4.ICMPTypeEchoReply, msg.Type)
		echo, ok := msg.Body.(*icmp.Echo)
		require.True(t, ok)
		assert.Equal(t, 7, echo.ID)
		assert.Equal(t, 1, echo.Seq)
		assert.Equal(t, []byte("ping"), echo.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("no echo reply")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(b.stack.Metrics().IcmpEchoReplies))
}

func TestStackFragmentsLargeDatagrams(t *testing.T) {
	_, a, b := newTestPair(t)
	h := &recordingHandler{}
	b.stack.RegisterProtocol(ProtocolUDP, h)

	payload := testPayload(4000)
	require.NoError(t, a.stack.SendDatagram(longCtx(t), netip.MustParseAddr("10.0.0.1"), ProtocolUDP, payload))
	require.Eventually(t, func() bool { return len(h.received()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, payload, h.received()[0])
	assert.Equal(t, 3.0, testutil.ToFloat64(b.stack.Metrics().FragmentsReceived))
}

func TestStackEndpointKinds(t *testing.T) {
	s, err := NewStack(testStackConfig(), NewStaticRouter(), nil, nil, quietLogger())
	require.NoError(t, err)

	ep, err := s.NewEndpoint(ConnectionBased)
	require.NoError(t, err)
	assert.Equal(t, ConnectionBased, ep.Kind())
	assert.Equal(t, StateClosed, ep.(*TcpEndpoint).State())
	require.NoError(t, ep.Close())

	_, err = s.NewEndpoint(Connectionless)
	require.ErrorIs(t, err, ErrUnsupportedEndpoint)
}

func TestStackLifecycle(t *testing.T) {
	_, err := NewStack(testStackConfig(), nil, nil, nil, quietLogger())
	require.Error(t, err)

	bad := testStackConfig()
	bad.Tcp.MSS = 0
	_, err = NewStack(bad, NewStaticRouter(), nil, nil, quietLogger())
	require.Error(t, err)

	s, err := NewStack(nil, NewStaticRouter(), nil, nil, quietLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Start(), ErrClosed)
}

func TestStackCloseResetsConnections(t *testing.T) {
	_, a, b := newTestPair(t)
	ctx := longCtx(t)
	client, server := connectPair(t, ctx, a, b)

	require.NoError(t, a.stack.Close())
	assert.Equal(t, StateUnknown, client.State())
	require.Eventually(t, func() bool { return server.State() == StateUnknown }, 5*time.Second, 10*time.Millisecond)

	_, err := server.Send([]byte("x"), true)
	require.ErrorIs(t, err, ErrConnectionReset)
}

func TestLoadedConfigDrivesStack(t *testing.T) {
	cfg, err := config.ParseConfig([]byte("tcp:\n  mss: 512\n"))
	require.NoError(t, err)
	s, err := NewStack(cfg, NewStaticRouter(), nil, nil, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 512, s.Tcp().config.MSS)
}

func TestStackTcpSendLargerThanBuffers(t *testing.T) {
	_, a, b := newTestPair(t)
	ctx := longCtx(t)
	client, server := connectPair(t, ctx, a, b)

	// more than a full receive buffer with a single push at the very end
	payload := testPayload(3*config.StreamBufferSize + 1000)
	n, err := client.Send(payload, true)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	assert.Equal(t, payload, readFull(t, ctx, server, len(payload)))

	require.Eventually(t, func() bool {
		for _, c := range a.stack.Tcp().Connections() {
			if c.Unsent > 0 || c.Queued > 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStackUnresolvedHopDoesNotStallOthers(t *testing.T) {
	_, a, b := newTestPair(t)
	ctx := longCtx(t)
	client, server := connectPair(t, ctx, a, b)

	// nobody answers ARP for 10.0.0.9
	stray := a.stack.NewTcpEndpoint()
	require.NoError(t, stray.Connect(ctx, netip.MustParseAddrPort("10.0.0.9:80"), false))

	start := time.Now()
	_, err := client.Send([]byte("ping"), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), readFull(t, ctx, server, 4))
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(a.stack.Metrics().DatagramsUnresolved) > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateSynSent, stray.State())
}
