// Package stack provides the conversation machinery shared by transport
// protocols: the per-protocol conversation table, the conversation
// lifecycle and the dispatch of packets and ICMP advisories coming from the
// network layer.
package stack

import (
	"github.com/sirupsen/logrus"

	"github.com/qxcheng/ipconv/pkg/buffer"
	"github.com/qxcheng/ipconv/pkg/log"
	tcpip "github.com/qxcheng/ipconv/protocol"
	"github.com/qxcheng/ipconv/protocol/header"
	"github.com/qxcheng/ipconv/protocol/ports"
)

const (
	DefaultMaxConversations = 1024
	DefaultBacklog          = 10
	DefaultTTL              = 255
)

type transportProtocolState struct {
	proto TransportProtocol
	table *ConvTable
}

// Options contains optional Stack configuration.
type Options struct {
	// MaxConversations bounds the conversation arena of each protocol.
	MaxConversations int

	// Backlog bounds the calls a listener holds before Accept.
	Backlog int

	// DefaultTTL and DefaultTOS are given to new conversations.
	DefaultTTL uint8
	DefaultTOS uint8

	// Stats are optional statistic counters.
	Stats tcpip.Stats

	// Logger defaults to log.Default().
	Logger *logrus.Entry

	// External collaborators. Output must be set to send; Addresses and
	// ICMP may be nil.
	Output    IPOutput
	Addresses AddressSelector
	ICMP      ICMPReporter
}

// Stack 一个协议栈实例, holding one conversation table per transport
// protocol.
type Stack struct {
	transportProtocols map[tcpip.TransportProtocolNumber]*transportProtocolState

	*ports.PortManager

	opts  Options
	stats tcpip.Stats
	log   *logrus.Entry
}

// New 新建一个协议栈, instantiating the named transport protocols.
func New(transport []string, opts Options) *Stack {
	if opts.MaxConversations <= 0 {
		opts.MaxConversations = DefaultMaxConversations
	}
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	s := &Stack{
		transportProtocols: make(map[tcpip.TransportProtocolNumber]*transportProtocolState),
		PortManager:        ports.NewPortManager(),
		opts:               opts,
		stats:              opts.Stats.FillIn(),
		log:                opts.Logger,
	}

	// 添加传输层协议
	for _, name := range transport {
		factory, ok := transportProtocols[name]
		if !ok {
			s.log.WithField("proto", name).Warn("unknown transport protocol")
			continue
		}
		table := newConvTable(s, opts.MaxConversations, opts.Backlog)
		proto := factory(s, table)
		table.proto = proto
		s.transportProtocols[proto.Number()] = &transportProtocolState{
			proto: proto,
			table: table,
		}
	}

	return s
}

// Stats 返回协议栈的统计数据
func (s *Stack) Stats() tcpip.Stats {
	return s.stats
}

// Logger 返回协议栈的logger
func (s *Stack) Logger() *logrus.Entry {
	return s.log
}

// NewConv 为传输层协议分配一个空闲会话
func (s *Stack) NewConv(transport tcpip.TransportProtocolNumber) (*Conv, *tcpip.Error) {
	state, ok := s.transportProtocols[transport]
	if !ok {
		return nil, tcpip.ErrUnknownProtocol
	}
	return state.table.New()
}

// Table 返回传输层协议的会话表
func (s *Stack) Table(transport tcpip.TransportProtocolNumber) *ConvTable {
	if state, ok := s.transportProtocols[transport]; ok {
		return state.table
	}
	return nil
}

// TransportProtocolStats 返回传输层协议的统计报告
func (s *Stack) TransportProtocolStats(transport tcpip.TransportProtocolNumber) (string, *tcpip.Error) {
	state, ok := s.transportProtocols[transport]
	if !ok {
		return "", tcpip.ErrUnknownProtocol
	}
	return state.proto.Stats(), nil
}

// SetTransportProtocolOption allows configuring transport protocol options.
func (s *Stack) SetTransportProtocolOption(transport tcpip.TransportProtocolNumber, option interface{}) *tcpip.Error {
	state, ok := s.transportProtocols[transport]
	if !ok {
		return tcpip.ErrUnknownProtocol
	}
	return state.proto.SetOption(option)
}

// TransportProtocolOption retrieves a transport protocol option value.
func (s *Stack) TransportProtocolOption(transport tcpip.TransportProtocolNumber, option interface{}) *tcpip.Error {
	state, ok := s.transportProtocols[transport]
	if !ok {
		return tcpip.ErrUnknownProtocol
	}
	return state.proto.Option(option)
}

// DeliverTransportPacket 把IP层交付的包交给传输层协议
func (s *Stack) DeliverTransportPacket(r *Route, protocol tcpip.TransportProtocolNumber, vv buffer.VectorisedView) {
	state, ok := s.transportProtocols[protocol]
	if !ok {
		s.stats.UnknownProtocolRcvdPackets.Increment()
		return
	}
	state.proto.Receive(r, vv)
}

// DeliverTransportControlPacket 把ICMP通告交给传输层协议
func (s *Stack) DeliverTransportControlPacket(protocol tcpip.TransportProtocolNumber, vv buffer.VectorisedView, msg string) {
	state, ok := s.transportProtocols[protocol]
	if !ok {
		return
	}
	state.proto.Advise(vv, msg)
}

// WritePacket 把包交给网络层输出
func (s *Stack) WritePacket(r *Route, vv buffer.VectorisedView, ttl, tos uint8) *tcpip.Error {
	if s.opts.Output == nil {
		return tcpip.ErrNoRoute
	}
	return s.opts.Output.WritePacket(r, vv, ttl, tos)
}

// IsLocalUnicast reports whether addr is a unicast address of this host.
func (s *Stack) IsLocalUnicast(addr tcpip.Address) bool {
	if s.opts.Addresses == nil {
		return false
	}
	return s.opts.Addresses.IsLocalUnicast(addr)
}

// FindLocalAddress 选择到达remote的本地地址, the unset address if none.
func (s *Stack) FindLocalAddress(remote tcpip.Address) tcpip.Address {
	if s.opts.Addresses == nil {
		return header.IPv6Any
	}
	return header.ToV4Mapped(s.opts.Addresses.FindLocalAddress(remote))
}

// NoConv 生成ICMPv4端口不可达
func (s *Stack) NoConv(r *Route, pkt buffer.VectorisedView) {
	if s.opts.ICMP != nil {
		s.opts.ICMP.NoConv(r, pkt)
	}
}

// HostUnreachable 生成ICMPv6目的不可达
func (s *Stack) HostUnreachable(r *Route, pkt buffer.VectorisedView, code uint8) {
	if s.opts.ICMP != nil {
		s.opts.ICMP.HostUnreachable(r, pkt, code)
	}
}
