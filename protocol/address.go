package tcpip

import (
	"net/netip"
	"strconv"
	"strings"
)

// ParseAddress 解析文本形式的IP地址, returning its 16-byte form with IPv4
// addresses IPv4-mapped. "" and "*" give the unset address.
func ParseAddress(s string) (Address, *Error) {
	if s == "" || s == "*" {
		b := netip.IPv6Unspecified().As16()
		return Address(b[:]), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return "", ErrBadAddress
	}
	b := a.As16()
	return Address(b[:]), nil
}

// ParseFullAddress 解析 "addr!port" 或 "port" 形式的地址, "*" standing for an
// unset address or port.
func ParseFullAddress(s string) (FullAddress, *Error) {
	host, port, found := strings.Cut(s, "!")
	if !found {
		host, port = "", host
	}
	addr, err := ParseAddress(host)
	if err != nil {
		return FullAddress{}, err
	}
	if port == "*" {
		return FullAddress{Addr: addr}, nil
	}
	p, perr := strconv.ParseUint(port, 10, 16)
	if perr != nil {
		return FullAddress{}, ErrBadArgument
	}
	return FullAddress{Addr: addr, Port: uint16(p)}, nil
}
