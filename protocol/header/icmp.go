package header

import (
	"encoding/binary"

	tcpip "github.com/qxcheng/ipconv/protocol"
)

type ICMPv4 []byte

const (
	ICMPv4MinimumSize               = 4                     // ICMP包最小尺寸
	ICMPv4DstUnreachableMinimumSize = ICMPv4MinimumSize + 4 // ICMP目的地不可达包最小尺寸
)

// ICMPv4ProtocolNumber ICMP传输层协议号
const ICMPv4ProtocolNumber tcpip.TransportProtocolNumber = 1

// ICMPv4Type is the ICMP type field described in RFC 792.
type ICMPv4Type byte

const (
	ICMPv4EchoReply      ICMPv4Type = 0
	ICMPv4DstUnreachable ICMPv4Type = 3
	ICMPv4Echo           ICMPv4Type = 8
	ICMPv4TimeExceeded   ICMPv4Type = 11
)

// Values for ICMP code as defined in RFC 792.
const (
	ICMPv4NetUnreachable      = 0
	ICMPv4HostUnreachable     = 1
	ICMPv4ProtoUnreachable    = 2
	ICMPv4PortUnreachable     = 3
	ICMPv4FragmentationNeeded = 4
)

func (b ICMPv4) Type() ICMPv4Type { return ICMPv4Type(b[0]) }

func (b ICMPv4) SetType(t ICMPv4Type) { b[0] = byte(t) }

// Code is the ICMP code field. Its meaning depends on the value of Type.
func (b ICMPv4) Code() byte { return b[1] }

func (b ICMPv4) SetCode(c byte) { b[1] = c }

func (b ICMPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[2:])
}

func (b ICMPv4) SetChecksum(checksum uint16) {
	binary.BigEndian.PutUint16(b[2:], checksum)
}

func (b ICMPv4) Payload() []byte {
	return b[ICMPv4MinimumSize:]
}

// ICMPv6 represents an ICMPv6 header stored in a byte array.
type ICMPv6 []byte

const (
	ICMPv6MinimumSize               = 4
	ICMPv6DstUnreachableMinimumSize = ICMPv6MinimumSize + 4
)

const ICMPv6ProtocolNumber tcpip.TransportProtocolNumber = 58

// ICMPv6Type is the ICMP type field described in RFC 4443.
type ICMPv6Type byte

const (
	ICMPv6DstUnreachable ICMPv6Type = 1
	ICMPv6PacketTooBig   ICMPv6Type = 2
	ICMPv6TimeExceeded   ICMPv6Type = 3
)

// ICMPv6 Destination Unreachable codes, RFC 4443 section 3.1.
const (
	ICMPv6NoRoute         = 0
	ICMPv6AddrUnreachable = 3
	ICMPv6PortUnreachable = 4
)

func (b ICMPv6) Type() ICMPv6Type { return ICMPv6Type(b[0]) }

func (b ICMPv6) SetType(t ICMPv6Type) { b[0] = byte(t) }

func (b ICMPv6) Code() byte { return b[1] }

func (b ICMPv6) SetCode(c byte) { b[1] = c }

func (b ICMPv6) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[2:])
}

func (b ICMPv6) SetChecksum(checksum uint16) {
	binary.BigEndian.PutUint16(b[2:], checksum)
}

func (b ICMPv6) Payload() []byte {
	return b[ICMPv6MinimumSize:]
}
