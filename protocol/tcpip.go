package tcpip

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
)

// Error 自定义错误相关 ///////////////

// Error is the error type returned by the stack and its protocols. Errors are
// compared by identity against the sentinels below.
type Error struct {
	msg string
}

// NewError returns an Error carrying msg. It never compares equal to a
// sentinel; hangups use it to carry the advisory text to the reader.
func NewError(msg string) *Error {
	return &Error{msg: msg}
}

func (e *Error) String() string {
	return e.msg
}

// Error implements error.
func (e *Error) Error() string {
	return e.msg
}

var (
	ErrUnknownProtocol       = &Error{msg: "unknown protocol"}
	ErrUnknownProtocolOption = &Error{msg: "unknown option for protocol"}
	ErrUnknownControl        = &Error{msg: "unknown control request"}
	ErrDuplicateAddress      = &Error{msg: "duplicate address"}
	ErrNoRoute               = &Error{msg: "no route"}
	ErrAlreadyBound          = &Error{msg: "endpoint already bound"}
	ErrInvalidEndpointState  = &Error{msg: "endpoint is in invalid state"}
	ErrAlreadyConnected      = &Error{msg: "endpoint is already connected"}
	ErrNoPortAvailable       = &Error{msg: "no ports are available"}
	ErrPortInUse             = &Error{msg: "port is in use"}
	ErrBadLocalAddress       = &Error{msg: "bad local address"}
	ErrClosedForSend         = &Error{msg: "endpoint is closed for send"}
	ErrClosedForReceive      = &Error{msg: "endpoint is closed for receive"}
	ErrWouldBlock            = &Error{msg: "operation would block"}
	ErrConnectionRefused     = &Error{msg: "connection was refused"}
	ErrAborted               = &Error{msg: "operation aborted"}
	ErrDestinationRequired   = &Error{msg: "destination address is required"}
	ErrNotSupported          = &Error{msg: "operation not supported"}
	ErrNotConnected          = &Error{msg: "endpoint not connected"}
	ErrInvalidOptionValue    = &Error{msg: "invalid option value specified"}
	ErrBadAddress            = &Error{msg: "bad address"}
	ErrMessageTooLong        = &Error{msg: "message too long"}
	ErrNoBufferSpace         = &Error{msg: "no buffer space available"}
	ErrNoConversations       = &Error{msg: "no free conversations"}
	ErrBadArgument           = &Error{msg: "bad arg in system call"}
	ErrHungup                = &Error{msg: "i/o on hungup channel"}
)

// 网络层 /////////////////////////////////////////////////////////////

type NICID int32 // NIC网卡唯一标识

type NetworkProtocolNumber uint32 // 网络层协议号

// Address 网络层地址. Conversations keep every address in its 16-byte form,
// IPv4 addresses being IPv4-mapped.
type Address string

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	switch len(a) {
	case 4:
		return fmt.Sprintf("%d.%d.%d.%d", int(a[0]), int(a[1]), int(a[2]), int(a[3]))
	case 16:
		if strings.HasPrefix(string(a), "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\xff\xff") {
			return a[12:].String()
		}
		// Find the longest subsequence of hexadecimal zeros.
		start, end := -1, -1
		for i := 0; i < len(a); i += 2 {
			j := i
			for j < len(a) && a[j] == 0 && a[j+1] == 0 {
				j += 2
			}
			if j > i+2 && j-i > end-start {
				start, end = i, j
			}
		}

		var b strings.Builder
		for i := 0; i < len(a); i += 2 {
			if i == start {
				b.WriteString("::")
				i = end
				if end >= len(a) {
					break
				}
			} else if i > 0 {
				b.WriteByte(':')
			}
			v := uint16(a[i+0])<<8 | uint16(a[i+1])
			if v == 0 {
				b.WriteByte('0')
			} else {
				const digits = "0123456789abcdef"
				for i := uint(3); i < 4; i-- {
					if v := v >> (i * 4); v != 0 {
						b.WriteByte(digits[v&0xf])
					}
				}
			}
		}
		return b.String()
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// 传输层 ////////////////////////////////////////////////////////////

type TransportProtocolNumber uint32 // 传输层协议号

// FullAddress 代表完整的传输层节点地址，用于 Connect() and Announce()
type FullAddress struct {
	NIC  NICID   // This may not be used by all endpoint types.
	Addr Address // 网络层地址
	Port uint16  // 传输层端口
}

func (fa FullAddress) String() string {
	return fmt.Sprintf("%s!%d", fa.Addr, fa.Port)
}

// 统计相关 //////////////////////////////////////////////////////////////////////

// StatCounter is a monotonic counter. Reads never block writers.
type StatCounter struct {
	count atomic.Uint64
}

func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// UDPStats collects UDP-specific stats. The first four are the MIB-II
// counters.
type UDPStats struct {
	// InDatagrams is the number of datagrams handed to the protocol by IP,
	// counted before any validation.
	InDatagrams *StatCounter

	// NoPorts is the number of datagrams for which no conversation matched.
	NoPorts *StatCounter

	// InErrors is the number of datagrams dropped for a bad checksum, a
	// malformed header or a full receive queue.
	InErrors *StatCounter

	// OutDatagrams is the number of datagrams handed to IP output.
	OutDatagrams *StatCounter

	// ChecksumErrors and LengthErrors break out part of InErrors.
	ChecksumErrors *StatCounter
	LengthErrors   *StatCounter
}

// IPStats 网络层收发统计, kept by the IP output collaborator.
type IPStats struct {
	// PacketsSent is the number of packets handed to IP output.
	PacketsSent *StatCounter

	// PacketsReceived is the number of packets taken off the wire.
	PacketsReceived *StatCounter

	// PacketsDelivered is the number of packets handed to a transport
	// protocol or to ICMP.
	PacketsDelivered *StatCounter

	// MalformedPacketsReceived counts packets dropped for a bad IP header.
	MalformedPacketsReceived *StatCounter

	// OutgoingPacketErrors counts packets that could not be sent.
	OutgoingPacketErrors *StatCounter
}

// ICMPStats counts destination unreachable messages.
type ICMPStats struct {
	DstUnreachableSent *StatCounter
	DstUnreachableRcvd *StatCounter
}

// Stats 网络栈的统计数据，所有字段都是可选的
type Stats struct {
	// UnknownProtocolRcvdPackets is the number of packets received by the
	// stack that were for an unknown or unsupported protocol.
	UnknownProtocolRcvdPackets *StatCounter

	IP   IPStats
	ICMP ICMPStats

	// UDP breaks out UDP-specific stats.
	UDP UDPStats
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s Stats) FillIn() Stats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}

func fillIn(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		v := v.Field(i)
		switch v.Kind() {
		case reflect.Ptr:
			if s, ok := v.Addr().Interface().(**StatCounter); ok {
				if *s == nil {
					*s = &StatCounter{}
				}
			}
		case reflect.Struct:
			fillIn(v)
		}
	}
}
