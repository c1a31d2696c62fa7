package lib

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

const (
	tcpOptionEnd = 0
	tcpOptionNop = 1
	tcpOptionMss = 2
)

// Segment is one TCP segment, header fields in host order.
type Segment struct {
	Src, Dst          netip.Addr
	SourcePort        uint16
	DestinationPort   uint16
	SequenceNumber    uint32
	AcknowledgmentNum uint32
	Flags             uint8
	WindowSize        uint16
	Checksum          uint16
	UrgentPointer     uint16
	MSS               uint16 // MSS option, only sent with SYN
	Payload           []byte
}

func (s *Segment) HasFlag(flag uint8) bool {
	return s.Flags&flag != 0
}

// SeqLen is the sequence space the segment occupies.
func (s *Segment) SeqLen() uint32 {
	n := uint32(len(s.Payload))
	if s.HasFlag(SYNFlag) {
		n++
	}
	if s.HasFlag(FINFlag) {
		n++
	}
	return n
}

// Marshal converts the segment to wire format and fills in the checksum.
func (s *Segment) Marshal() ([]byte, error) {
	optionsLength := 0
	if s.MSS > 0 && s.HasFlag(SYNFlag) {
		optionsLength = 4
	}
	headerLength := TcpHeaderLength + optionsLength
	frame := make([]byte, headerLength+len(s.Payload))

	binary.BigEndian.PutUint16(frame[0:2], s.SourcePort)
	binary.BigEndian.PutUint16(frame[2:4], s.DestinationPort)
	binary.BigEndian.PutUint32(frame[4:8], s.SequenceNumber)
	binary.BigEndian.PutUint32(frame[8:12], s.AcknowledgmentNum)
	frame[12] = uint8(headerLength/4) << 4
	frame[13] = s.Flags
	binary.BigEndian.PutUint16(frame[14:16], s.WindowSize)
	binary.BigEndian.PutUint16(frame[18:20], s.UrgentPointer)

	if optionsLength > 0 {
		frame[TcpHeaderLength] = tcpOptionMss
		frame[TcpHeaderLength+1] = 4
		binary.BigEndian.PutUint16(frame[TcpHeaderLength+2:TcpHeaderLength+4], s.MSS)
	}
	copy(frame[headerLength:], s.Payload)

	sum, err := TransportChecksum(frame, s.Src, s.Dst, ProtocolTCP)
	if err != nil {
		return nil, err
	}
	s.Checksum = sum
	binary.BigEndian.PutUint16(frame[16:18], sum)
	return frame, nil
}

// Unmarshal parses data received from src for dst. Payload aliases data.
// The checksum is not verified here.
func (s *Segment) Unmarshal(data []byte, src, dst netip.Addr) error {
	if len(data) < TcpHeaderLength {
		return malformed("tcp: the length(%d) of data is too short to be unmarshalled", len(data))
	}
	s.Src = src
	s.Dst = dst
	s.SourcePort = binary.BigEndian.Uint16(data[0:2])
	s.DestinationPort = binary.BigEndian.Uint16(data[2:4])
	s.SequenceNumber = binary.BigEndian.Uint32(data[4:8])
	s.AcknowledgmentNum = binary.BigEndian.Uint32(data[8:12])
	s.Flags = data[13]
	s.WindowSize = binary.BigEndian.Uint16(data[14:16])
	s.Checksum = binary.BigEndian.Uint16(data[16:18])
	s.UrgentPointer = binary.BigEndian.Uint16(data[18:20])
	s.MSS = 0

	headerLength := int(data[12]>>4) * 4
	if headerLength < TcpHeaderLength || headerLength > len(data) {
		return malformed("tcp: data offset %d with %d bytes present", headerLength, len(data))
	}

	options := data[TcpHeaderLength:headerLength]
	for i := 0; i < len(options); {
		kind := options[i]
		if kind == tcpOptionEnd {
			break
		}
		if kind == tcpOptionNop {
			i++
			continue
		}
		if i+1 >= len(options) || options[i+1] < 2 || i+int(options[i+1]) > len(options) {
			return malformed("tcp: option %d overruns the header", kind)
		}
		length := int(options[i+1])
		if kind == tcpOptionMss && length == 4 {
			s.MSS = binary.BigEndian.Uint16(options[i+2 : i+4])
		}
		i += length
	}

	if headerLength < len(data) {
		s.Payload = data[headerLength:]
	} else {
		s.Payload = nil
	}
	return nil
}

func flagString(flags uint8) string {
	names := []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}
	var set []string
	for i, n := range names {
		if flags&(1<<i) != 0 {
			set = append(set, n)
		}
	}
	return strings.Join(set, "|")
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s:%d->%s:%d [%s] seq=%d ack=%d wnd=%d len=%d",
		s.Src, s.SourcePort, s.Dst, s.DestinationPort, flagString(s.Flags),
		s.SequenceNumber, s.AcknowledgmentNum, s.WindowSize, len(s.Payload))
}
