package lib

// Flag constants
const (
	CWRFlag uint8 = 1 << 7
	ECEFlag uint8 = 1 << 6
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

// IP protocol numbers dispatched by the IPv4 layer.
const (
	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

const (
	TcpHeaderLength       = 20 //options not included
	TcpPseudoHeaderLength = 12
	IpHeaderLength        = 20 // without options
	MaxDatagramLength     = 0xFFFF
)

// ipFlagMoreFrags is the MF bit of the 3 bit flags field at offset 6.
const ipFlagMoreFrags = 0x1

const (
	arpOpRequest = 1
	arpOpReply   = 2
)
