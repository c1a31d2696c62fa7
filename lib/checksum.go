package lib

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// CalculateChecksum returns the one's complement of the one's complement sum
// of buffer, ready to be written into a header.
func CalculateChecksum(buffer []byte) uint16 {
	return ^checksum.Checksum(buffer, 0)
}

// VerifyChecksum checks a block that carries its own checksum field, such as
// an IPv4 header or an ICMP message.
func VerifyChecksum(header []byte) bool {
	return checksum.Checksum(header, 0) == 0xffff
}

// TransportChecksum computes the TCP/UDP checksum of segment (with its
// checksum field zeroed) covering the pseudo-header. A result of zero is
// sent as 0xffff so that a zero field always means "no checksum".
func TransportChecksum(segment []byte, src, dst netip.Addr, protocolId uint8) (uint16, error) {
	initial, err := pseudoHeaderSum(src, dst, protocolId, len(segment))
	if err != nil {
		return 0, err
	}
	sum := ^checksum.Checksum(segment, initial)
	if sum == 0 {
		sum = 0xffff
	}
	return sum, nil
}

// VerifyTransportChecksum checks a received TCP segment. A zero checksum
// field is rejected.
func VerifyTransportChecksum(segment []byte, src, dst netip.Addr, protocolId uint8) bool {
	if len(segment) < TcpHeaderLength || binary.BigEndian.Uint16(segment[16:18]) == 0 {
		return false
	}
	initial, err := pseudoHeaderSum(src, dst, protocolId, len(segment))
	if err != nil {
		return false
	}
	return checksum.Checksum(segment, initial) == 0xffff
}

func pseudoHeaderSum(src, dst netip.Addr, protocolId uint8, length int) (uint16, error) {
	var buf [TcpPseudoHeaderLength]byte
	if err := assemblePseudoHeader(buf[:], src, dst, protocolId, uint16(length)); err != nil {
		return 0, err
	}
	return checksum.Checksum(buf[:], 0), nil
}

// assemblePseudoHeader assembles the pseudo-header for checksum calculation
func assemblePseudoHeader(buffer []byte, src, dst netip.Addr, protocolId uint8, frameLength uint16) error {
	if len(buffer) != TcpPseudoHeaderLength {
		return fmt.Errorf("tcp pseudo header buffer length(%d) is not TcpPseudoHeaderLength", len(buffer))
	}
	if !src.Is4() || !dst.Is4() {
		return fmt.Errorf("pseudo header needs IPv4 addresses, got %s and %s", src, dst)
	}
	s, d := src.As4(), dst.As4()
	copy(buffer[0:4], s[:])
	copy(buffer[4:8], d[:])
	buffer[8] = 0
	buffer[9] = protocolId
	binary.BigEndian.PutUint16(buffer[10:12], frameLength)
	return nil
}
