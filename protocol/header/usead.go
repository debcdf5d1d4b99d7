package header

import (
	"encoding/binary"

	tcpip "github.com/qxcheng/ipconv/protocol"
)

// UDPAddrHeader is the per-datagram address block exchanged with a
// conversation in headers mode. Addresses are always 16 bytes wide with IPv4
// addresses IPv4-mapped; ports are big-endian.
//
//	0       16      32       48      50      52
//	| raddr | laddr | ifcaddr| rport | lport |
type UDPAddrHeader []byte

const (
	uaRemoteAddr = 0
	uaLocalAddr  = 16
	uaIfcAddr    = 32
	uaRemotePort = 48
	uaLocalPort  = 50

	// UDPAddrHeaderSize 扩展地址头的长度
	UDPAddrHeaderSize = 52
)

// UDPAddrFields 扩展地址头的字段
type UDPAddrFields struct {
	RemoteAddr tcpip.Address
	LocalAddr  tcpip.Address
	IfcAddr    tcpip.Address // 接收接口的本地地址; ignored on write
	RemotePort uint16
	LocalPort  uint16
}

func (b UDPAddrHeader) RemoteAddress() tcpip.Address {
	return tcpip.Address(b[uaRemoteAddr : uaRemoteAddr+IPv6AddressSize])
}

func (b UDPAddrHeader) LocalAddress() tcpip.Address {
	return tcpip.Address(b[uaLocalAddr : uaLocalAddr+IPv6AddressSize])
}

func (b UDPAddrHeader) InterfaceAddress() tcpip.Address {
	return tcpip.Address(b[uaIfcAddr : uaIfcAddr+IPv6AddressSize])
}

func (b UDPAddrHeader) RemotePort() uint16 {
	return binary.BigEndian.Uint16(b[uaRemotePort:])
}

func (b UDPAddrHeader) LocalPort() uint16 {
	return binary.BigEndian.Uint16(b[uaLocalPort:])
}

// Encode 组装扩展地址头
func (b UDPAddrHeader) Encode(f *UDPAddrFields) {
	copy(b[uaRemoteAddr:uaRemoteAddr+IPv6AddressSize], ToV4Mapped(f.RemoteAddr))
	copy(b[uaLocalAddr:uaLocalAddr+IPv6AddressSize], ToV4Mapped(f.LocalAddr))
	copy(b[uaIfcAddr:uaIfcAddr+IPv6AddressSize], ToV4Mapped(f.IfcAddr))
	binary.BigEndian.PutUint16(b[uaRemotePort:], f.RemotePort)
	binary.BigEndian.PutUint16(b[uaLocalPort:], f.LocalPort)
}

// Decode 解析扩展地址头
func (b UDPAddrHeader) Decode() UDPAddrFields {
	return UDPAddrFields{
		RemoteAddr: b.RemoteAddress(),
		LocalAddr:  b.LocalAddress(),
		IfcAddr:    b.InterfaceAddress(),
		RemotePort: b.RemotePort(),
		LocalPort:  b.LocalPort(),
	}
}
