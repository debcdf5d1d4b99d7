// Package hash 提供会话表使用的哈希函数
package hash

import (
	"crypto/rand"
	"encoding/binary"

	tcpip "github.com/qxcheng/ipconv/protocol"
)

var hashIV = RandN32(1)[0]

// RandN32 generates a slice of n cryptographic random 32-bit numbers.
func RandN32(n int) []uint32 {
	b := make([]byte, 4*n)
	if _, err := rand.Read(b); err != nil {
		panic("unable to get random numbers: " + err.Error())
	}
	r := make([]uint32, n)
	for i := range r {
		r[i] = binary.LittleEndian.Uint32(b[4*i : (4*i + 4)])
	}
	return r
}

// Hash3Words calculates the Jenkins hash of 3 32-bit words. This is adapted
// from linux.
func Hash3Words(a, b, c, initval uint32) uint32 {
	const iv = 0xdeadbeef + (3 << 2)
	initval += iv

	a += initval
	b += initval
	c += initval

	c ^= b
	c -= rol32(b, 14)
	a ^= c
	a -= rol32(c, 11)
	b ^= a
	b -= rol32(a, 25)
	c ^= b
	c -= rol32(b, 16)
	a ^= c
	a -= rol32(c, 4)
	b ^= a
	b -= rol32(a, 14)
	c ^= b
	c -= rol32(b, 24)

	return c
}

// ConvHash 根据远端地址、远端端口和本地端口得到会话表的hash值
// The local address is left out so that a listener stored with an unset
// local address lands in the same bucket as the exact tuple probe.
func ConvHash(raddr tcpip.Address, rport, lport uint16) uint32 {
	return Hash3Words(foldAddress(raddr), uint32(rport), uint32(lport), hashIV)
}

// foldAddress xors the address down to one word.
func foldAddress(a tcpip.Address) uint32 {
	var v uint32
	for i := 0; i+4 <= len(a); i += 4 {
		v ^= binary.BigEndian.Uint32([]byte(a[i : i+4]))
	}
	return v
}

func rol32(v, shift uint32) uint32 {
	return (v << shift) | (v >> ((-shift) & 31))
}
