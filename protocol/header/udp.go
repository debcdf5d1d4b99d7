package header

import (
	"encoding/binary"

	tcpip "github.com/qxcheng/ipconv/protocol"
)

const (
	udpSrcPort  = 0
	udpDstPort  = 2
	udpLength   = 4
	udpChecksum = 6
)

// UDPFields udp首部字段
type UDPFields struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16 // UDP数据包的长度
	Checksum uint16 // UDP数据包的校验和
}

// UDP represents a UDP header stored in a byte array.
type UDP []byte

const (
	UDPMinimumSize                                  = 8  // UDP数据包的最小长度
	UDPProtocolNumber tcpip.TransportProtocolNumber = 17 // UDP的传输层协议号
)

func (b UDP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[udpSrcPort:])
}

func (b UDP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[udpDstPort:])
}

func (b UDP) Length() uint16 {
	return binary.BigEndian.Uint16(b[udpLength:])
}

func (b UDP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[udpChecksum:])
}

func (b UDP) Payload() []byte {
	return b[UDPMinimumSize:]
}

func (b UDP) SetSourcePort(port uint16) {
	binary.BigEndian.PutUint16(b[udpSrcPort:], port)
}

func (b UDP) SetDestinationPort(port uint16) {
	binary.BigEndian.PutUint16(b[udpDstPort:], port)
}

func (b UDP) SetChecksum(checksum uint16) {
	binary.BigEndian.PutUint16(b[udpChecksum:], checksum)
}

// CalculateChecksum calculates the checksum of the udp header, given the
// checksum of the network-layer pseudo-header and the checksum of the
// payload. The checksum field must be zero.
func (b UDP) CalculateChecksum(partialChecksum uint16) uint16 {
	return Checksum(b[:UDPMinimumSize], partialChecksum)
}

// IsChecksumValid reports whether b, the whole datagram as it arrived (header
// plus payload, Length() bytes), sums to all ones together with the
// pseudo-header built from src and dst.
func (b UDP) IsChecksumValid(src, dst tcpip.Address) bool {
	xsum := PseudoHeaderChecksum(UDPProtocolNumber, src, dst, uint16(len(b)))
	return Checksum(b, xsum) == 0xffff
}

func (b UDP) Encode(u *UDPFields) {
	binary.BigEndian.PutUint16(b[udpSrcPort:], u.SrcPort)
	binary.BigEndian.PutUint16(b[udpDstPort:], u.DstPort)
	binary.BigEndian.PutUint16(b[udpLength:], u.Length)
	binary.BigEndian.PutUint16(b[udpChecksum:], u.Checksum)
}
