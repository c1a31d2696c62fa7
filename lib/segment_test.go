package lib

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	segSrc = netip.MustParseAddr("10.0.0.5")
	segDst = netip.MustParseAddr("10.0.0.1")
)

func TestSegmentMarshalDecodesWithGopacket(t *testing.T) {
	seg := &Segment{
		Src:               segSrc,
		Dst:               segDst,
		SourcePort:        40000,
		DestinationPort:   80,
		SequenceNumber:    1000,
		AcknowledgmentNum: 0,
		Flags:             SYNFlag,
		WindowSize:        32768,
		MSS:               1024,
	}
	b, err := seg.Marshal()
	require.NoError(t, err)
	require.Len(t, b, TcpHeaderLength+4)

	tcp := &layers.TCP{}
	require.NoError(t, tcp.DecodeFromBytes(b, gopacket.NilDecodeFeedback))
	assert.Equal(t, layers.TCPPort(40000), tcp.SrcPort)
	assert.Equal(t, layers.TCPPort(80), tcp.DstPort)
	assert.Equal(t, uint32(1000), tcp.Seq)
	assert.True(t, tcp.SYN)
	assert.False(t, tcp.ACK)
	assert.Equal(t, uint16(32768), tcp.Window)
	require.Len(t, tcp.Options, 1)
	assert.Equal(t, layers.TCPOptionKind(layers.TCPOptionKindMSS), tcp.Options[0].OptionType)
	assert.Equal(t, []byte{0x04, 0x00}, tcp.Options[0].OptionData)

	assert.True(t, VerifyTransportChecksum(b, segSrc, segDst, ProtocolTCP))
	assert.False(t, VerifyTransportChecksum(b, segSrc, netip.MustParseAddr("10.0.0.2"), ProtocolTCP))
}

func TestSegmentChecksumMatchesGopacket(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 5).To4(),
		DstIP:    net.IPv4(10, 0, 0, 1).To4(),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, Seq: 1001, Ack: 77, ACK: true, PSH: true, Window: 1000}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, tcp, gopacket.Payload("hello")))
	wire := buf.Bytes()

	seg := &Segment{}
	require.NoError(t, seg.Unmarshal(wire, segSrc, segDst))
	assert.Equal(t, uint16(40000), seg.SourcePort)
	assert.Equal(t, uint32(1001), seg.SequenceNumber)
	assert.Equal(t, uint32(77), seg.AcknowledgmentNum)
	assert.Equal(t, ACKFlag|PSHFlag, seg.Flags)
	assert.Equal(t, []byte("hello"), seg.Payload)
	assert.Equal(t, uint32(5), seg.SeqLen())
	assert.True(t, VerifyTransportChecksum(wire, segSrc, segDst, ProtocolTCP))

	ours, err := seg.Marshal()
	require.NoError(t, err)
	assert.Equal(t, wire, ours)
}

func TestSegmentUnmarshalRejectsBadHeaders(t *testing.T) {
	seg := &Segment{Src: segSrc, Dst: segDst, Flags: ACKFlag, Payload: []byte("abc")}
	b, err := seg.Marshal()
	require.NoError(t, err)

	var out Segment
	require.ErrorIs(t, out.Unmarshal(b[:10], segSrc, segDst), ErrMalformed)

	badOffset := append([]byte(nil), b...)
	badOffset[12] = 0x40 // 16 byte header
	require.ErrorIs(t, out.Unmarshal(badOffset, segSrc, segDst), ErrMalformed)

	tooLong := append([]byte(nil), b...)
	tooLong[12] = 0xf0
	require.ErrorIs(t, out.Unmarshal(tooLong, segSrc, segDst), ErrMalformed)

	withOpt := &Segment{Src: segSrc, Dst: segDst, Flags: SYNFlag, MSS: 1460}
	b, err = withOpt.Marshal()
	require.NoError(t, err)
	b[TcpHeaderLength+1] = 9 // option length runs past the header
	require.ErrorIs(t, out.Unmarshal(b, segSrc, segDst), ErrMalformed)
}

func TestZeroChecksumRejected(t *testing.T) {
	seg := &Segment{Src: segSrc, Dst: segDst, Flags: ACKFlag}
	b, err := seg.Marshal()
	require.NoError(t, err)
	b[16], b[17] = 0, 0
	assert.False(t, VerifyTransportChecksum(b, segSrc, segDst, ProtocolTCP))
}

func TestSeqLenCountsControlFlags(t *testing.T) {
	testCases := []struct {
		flags   uint8
		payload string
		want    uint32
	}{
		{flags: SYNFlag, want: 1},
		{flags: FINFlag | ACKFlag, want: 1},
		{flags: SYNFlag | FINFlag, payload: "ab", want: 4},
		{flags: ACKFlag, payload: "abc", want: 3},
		{flags: ACKFlag, want: 0},
	}
	for _, tc := range testCases {
		seg := &Segment{Flags: tc.flags, Payload: []byte(tc.payload)}
		if got := seg.SeqLen(); got != tc.want {
			t.Errorf("%s with %d bytes: expected %d, got %d", flagString(tc.flags), len(tc.payload), tc.want, got)
		}
	}
}
