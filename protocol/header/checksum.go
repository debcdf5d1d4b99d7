package header

import (
	"encoding/binary"

	tcpip "github.com/qxcheng/ipconv/protocol"
)

// Checksum 校验和的计算
// It returns the folded one's complement sum of buf added to initial. An
// odd trailing byte is padded with zero, so only the last chunk of a
// checksummed region may have odd length.
func Checksum(buf []byte, initial uint16) uint16 {
	v := uint32(initial)

	l := len(buf)
	if l&1 != 0 {
		l--
		v += uint32(buf[l]) << 8
	}

	for i := 0; i < l; i += 2 {
		v += (uint32(buf[i]) << 8) + uint32(buf[i+1])
	}

	return ChecksumCombine(uint16(v), uint16(v>>16))
}

func ChecksumCombine(a, b uint16) uint16 {
	v := uint32(a) + uint32(b)
	return uint16(v + v>>16)
}

// PseudoHeaderChecksum 计算伪首部的校验和
// src and dst must both be 4 or both be 16 bytes long. The IPv6 pseudo-header
// carries a 32-bit length, which sums to the same value as the 16-bit IPv4
// one for any length a UDP header can express.
func PseudoHeaderChecksum(protocol tcpip.TransportProtocolNumber, src, dst tcpip.Address, totalLen uint16) uint16 {
	xsum := Checksum([]byte(src), 0)
	xsum = Checksum([]byte(dst), xsum)

	var tail [4]byte
	tail[1] = uint8(protocol)
	binary.BigEndian.PutUint16(tail[2:], totalLen)
	return Checksum(tail[:], xsum)
}
