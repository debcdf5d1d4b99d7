package header

import (
	"encoding/binary"
	"strings"

	tcpip "github.com/qxcheng/ipconv/protocol"
)

const (
	versTCFL   = 0
	payloadLen = 4
	nextHdr    = 6
	hopLimit   = 7
	v6SrcAddr  = 8
	v6DstAddr  = 24
)

const (
	// IPv6MinimumSize is the minimum size of a valid IPv6 packet.
	IPv6MinimumSize = 40

	// IPv6AddressSize is the size, in bytes, of an IPv6 address.
	IPv6AddressSize = 16

	// IPv6ProtocolNumber is IPv6's network protocol number.
	IPv6ProtocolNumber tcpip.NetworkProtocolNumber = 0x86dd

	// IPv6Version is the version of the ipv6 protocol.
	IPv6Version = 6

	// IPv6MinimumMTU is the minimum MTU required by IPv6, per RFC 2460,
	// section 5.
	IPv6MinimumMTU = 1280

	// IPv6Any 全零地址, also the "no address" value of a conversation.
	IPv6Any tcpip.Address = "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"

	// IPv4MappedPrefix is the ::ffff:0:0/96 prefix.
	IPv4MappedPrefix = "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\xff\xff"
)

// IPv6Fields 表示IPv6头部信息的结构体
type IPv6Fields struct {
	TrafficClass  uint8
	FlowLabel     uint32
	PayloadLength uint16
	NextHeader    uint8
	HopLimit      uint8
	SrcAddr       tcpip.Address
	DstAddr       tcpip.Address
}

// IPv6 表示ipv6头
type IPv6 []byte

func (b IPv6) PayloadLength() uint16 {
	return binary.BigEndian.Uint16(b[payloadLen:])
}

func (b IPv6) HopLimit() uint8 {
	return b[hopLimit]
}

func (b IPv6) NextHeader() uint8 {
	return b[nextHdr]
}

// TransportProtocol 返回传输层协议号. Extension headers are not walked.
func (b IPv6) TransportProtocol() tcpip.TransportProtocolNumber {
	return tcpip.TransportProtocolNumber(b.NextHeader())
}

func (b IPv6) Payload() []byte {
	return b[IPv6MinimumSize:][:b.PayloadLength()]
}

// TOS returns the traffic class and flow label.
func (b IPv6) TOS() (uint8, uint32) {
	v := binary.BigEndian.Uint32(b[versTCFL:])
	return uint8(v >> 20), v & 0xfffff
}

func (b IPv6) SourceAddress() tcpip.Address {
	return tcpip.Address(b[v6SrcAddr : v6SrcAddr+IPv6AddressSize])
}

func (b IPv6) DestinationAddress() tcpip.Address {
	return tcpip.Address(b[v6DstAddr : v6DstAddr+IPv6AddressSize])
}

func (b IPv6) SetPayloadLength(v uint16) {
	binary.BigEndian.PutUint16(b[payloadLen:], v)
}

func (b IPv6) SetSourceAddress(addr tcpip.Address) {
	copy(b[v6SrcAddr:v6SrcAddr+IPv6AddressSize], addr)
}

func (b IPv6) SetDestinationAddress(addr tcpip.Address) {
	copy(b[v6DstAddr:v6DstAddr+IPv6AddressSize], addr)
}

// Encode 组装ipv6头
func (b IPv6) Encode(i *IPv6Fields) {
	v := uint32(IPv6Version)<<28 | uint32(i.TrafficClass)<<20 | i.FlowLabel&0xfffff
	binary.BigEndian.PutUint32(b[versTCFL:], v)
	b.SetPayloadLength(i.PayloadLength)
	b[nextHdr] = i.NextHeader
	b[hopLimit] = i.HopLimit
	b.SetSourceAddress(i.SrcAddr)
	b.SetDestinationAddress(i.DstAddr)
}

// IsValid 校验包是否合法
func (b IPv6) IsValid(pktSize int) bool {
	if len(b) < IPv6MinimumSize {
		return false
	}
	dlen := int(b.PayloadLength())
	if dlen > pktSize-IPv6MinimumSize {
		return false
	}
	return true
}

// IsV4MappedAddress determines if the provided address is an IPv4 mapped
// address by checking if its prefix is 0:0:0:0:0:ffff::/96.
func IsV4MappedAddress(addr tcpip.Address) bool {
	if len(addr) != IPv6AddressSize {
		return false
	}

	return strings.HasPrefix(string(addr), IPv4MappedPrefix)
}

// IsV6MulticastAddress determines if the provided address is an IPv6
// multicast address (anything starting with FF).
func IsV6MulticastAddress(addr tcpip.Address) bool {
	if len(addr) != IPv6AddressSize {
		return false
	}
	return addr[0] == 0xff
}

// ToV4Mapped 把地址转换为16字节形式. 4-byte addresses become IPv4-mapped, the
// empty address becomes IPv6Any, 16-byte addresses are returned unchanged.
func ToV4Mapped(addr tcpip.Address) tcpip.Address {
	switch len(addr) {
	case 0:
		return IPv6Any
	case IPv4AddressSize:
		return tcpip.Address(IPv4MappedPrefix) + addr
	}
	return addr
}

// ToV4 返回IPv4-mapped地址的4字节形式; other addresses are returned unchanged.
func ToV4(addr tcpip.Address) tcpip.Address {
	if IsV4MappedAddress(addr) {
		return addr[12:]
	}
	return addr
}

// IsV4 reports whether a 16-byte conversation address denotes IPv4: either it
// is IPv4-mapped or it is the unset address.
func IsV4(addr tcpip.Address) bool {
	return IsV4MappedAddress(addr) || addr == IPv6Any
}
