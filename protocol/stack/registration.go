package stack

import (
	"github.com/qxcheng/ipconv/pkg/buffer"
	tcpip "github.com/qxcheng/ipconv/protocol"
)

// ConvState 会话的生命周期状态
type ConvState int

const (
	StateIdle ConvState = iota
	StateAnnounced
	StateConnected
	StateClosed
)

func (s ConvState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAnnounced:
		return "Announced"
	case StateConnected:
		return "Connected"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// TransportEndpointID 会话的标识, the 4-tuple it is stored under in its
// table. Addresses are always 16 bytes, IPv4 addresses IPv4-mapped; an unset
// address is all zeros and an unset port is 0.
type TransportEndpointID struct {
	LocalPort     uint16        // 本地端口
	LocalAddress  tcpip.Address // 本地ip地址
	RemotePort    uint16        // 远程端口
	RemoteAddress tcpip.Address // 远程ip地址
}

// TransportProtocol 由传输层协议实现的接口 (e.g., udp). The conversation
// machinery in this package is written once against it.
type TransportProtocol interface {
	// Number 返回传输层协议号
	Number() tcpip.TransportProtocolNumber

	// Name 返回协议名
	Name() string

	// Create 初始化新会话的队列和控制块. Called with c locked.
	Create(c *Conv)

	// Connect binds c to id and enters it into the table. Called with c
	// unlocked.
	Connect(c *Conv, id TransportEndpointID) *tcpip.Error

	// Announce binds c to the local half of id and enters it into the
	// table. Called with c unlocked.
	Announce(c *Conv, id TransportEndpointID) *tcpip.Error

	// Close 释放会话的协议状态. Called with c locked, after c has left the
	// table.
	Close(c *Conv)

	// Ctl 处理协议自己的控制命令. Called with c locked.
	Ctl(c *Conv, args []string) *tcpip.Error

	// Kick sends one datagram written by the application on c.
	Kick(c *Conv, vv buffer.VectorisedView)

	// Receive 处理IP层交付的包. vv starts at the IP header.
	Receive(r *Route, vv buffer.VectorisedView)

	// Advise 处理ICMP通告. vv starts at the IP header of the offending
	// packet as quoted by the ICMP message.
	Advise(vv buffer.VectorisedView, msg string)

	// Stats 返回统计报告
	Stats() string

	// State returns the state line of c. Called with c locked.
	State(c *Conv) string

	// SetOption allows enabling/disabling protocol specific features.
	SetOption(option interface{}) *tcpip.Error

	// Option allows retrieving protocol specific option values.
	Option(option interface{}) *tcpip.Error
}

// TransportDispatcher 将包发给合适的传输层协议
type TransportDispatcher interface {
	DeliverTransportPacket(r *Route, protocol tcpip.TransportProtocolNumber, vv buffer.VectorisedView)
	DeliverTransportControlPacket(protocol tcpip.TransportProtocolNumber, vv buffer.VectorisedView, msg string)
}

// IPOutput 网络层输出. It owns routing, the IP header checksum and
// identification, and fragmentation; vv starts with a complete IP header.
type IPOutput interface {
	WritePacket(r *Route, vv buffer.VectorisedView, ttl, tos uint8) *tcpip.Error
}

// AddressSelector 本地地址选择
type AddressSelector interface {
	// IsLocalUnicast reports whether addr is a unicast address of this host.
	IsLocalUnicast(addr tcpip.Address) bool

	// FindLocalAddress returns the best local address for reaching remote,
	// or the unset address.
	FindLocalAddress(remote tcpip.Address) tcpip.Address
}

// ICMPReporter 生成ICMP差错报文. pkt starts at the IP header of the packet
// that caused the error; implementations copy what they keep.
type ICMPReporter interface {
	// NoConv reports an IPv4 port unreachable.
	NoConv(r *Route, pkt buffer.VectorisedView)

	// HostUnreachable reports an ICMPv6 destination unreachable with code.
	HostUnreachable(r *Route, pkt buffer.VectorisedView, code uint8)
}

// TransportProtocolFactory functions are used by the stack to instantiate
// transport protocols. table is the conversation table of the new instance.
type TransportProtocolFactory func(s *Stack, table *ConvTable) TransportProtocol

// 传输层协议的注册储存结构
var transportProtocols = make(map[string]TransportProtocolFactory)

// RegisterTransportProtocolFactory 注册一个新的传输层协议工厂
func RegisterTransportProtocolFactory(name string, p TransportProtocolFactory) {
	transportProtocols[name] = p
}
