package loopback

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/qxcheng/ipconv/pkg/buffer"
	tcpip "github.com/qxcheng/ipconv/protocol"
	"github.com/qxcheng/ipconv/protocol/header"
	"github.com/qxcheng/ipconv/protocol/stack"
)

const icmpTTL = 255

var unreachv4 = []string{
	"net unreachable",
	"host unreachable",
	"protocol unreachable",
	"port unreachable",
	"fragmentation needed and DF set",
	"source route failed",
}

var unreachv6 = []string{
	"no route to destination",
	"comm with destination administratively prohibited",
	"icmp unreachable: unassigned error code (2)",
	"address unreachable",
	"port unreachable",
}

func unreachMessage(codes []string, code byte) string {
	if int(code) < len(codes) {
		return codes[code]
	}
	return fmt.Sprintf("icmp unreachable: unknown code (%d)", code)
}

// NoConv 回复ICMPv4端口不可达. pkt is the offending datagram from its IP
// header on; its header and first 8 transport bytes are quoted.
func (e *Endpoint) NoConv(r *stack.Route, pkt buffer.VectorisedView) {
	v := pkt.ToView()
	if len(v) < header.IPv4MinimumSize {
		return
	}
	ip := header.IPv4(v)
	// 不回复发往广播和多播地址的包
	if !e.IsLocalUnicast(ip.DestinationAddress()) {
		return
	}
	n := int(ip.HeaderLength()) + 8
	if n > len(v) {
		n = len(v)
	}

	hdr := buffer.NewPrependable(header.IPv4MinimumSize + header.ICMPv4DstUnreachableMinimumSize)
	icmp := header.ICMPv4(hdr.Prepend(header.ICMPv4DstUnreachableMinimumSize))
	icmp.SetType(header.ICMPv4DstUnreachable)
	icmp.SetCode(header.ICMPv4PortUnreachable)
	data := buffer.NewViewFromBytes(v[:n])
	icmp.SetChecksum(^header.Checksum(icmp, header.Checksum(data, 0)))

	iph := header.IPv4(hdr.Prepend(header.IPv4MinimumSize))
	iph.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(hdr.UsedLength() + len(data)),
		TTL:         icmpTTL,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     ip.DestinationAddress(),
		DstAddr:     ip.SourceAddress(),
	})

	e.sendICMP(r, hdr.Join(data.ToVectorisedView()), header.IPv4ProtocolNumber)
}

// HostUnreachable 回复ICMPv6目的不可达, quoting as much of pkt as fits in the
// minimum IPv6 MTU.
func (e *Endpoint) HostUnreachable(r *stack.Route, pkt buffer.VectorisedView, code uint8) {
	v := pkt.ToView()
	if len(v) < header.IPv6MinimumSize {
		return
	}
	ip := header.IPv6(v)
	if !e.IsLocalUnicast(ip.DestinationAddress()) {
		return
	}
	n := header.IPv6MinimumMTU - header.IPv6MinimumSize - header.ICMPv6DstUnreachableMinimumSize
	if n > len(v) {
		n = len(v)
	}
	data := buffer.NewViewFromBytes(v[:n])
	src, dst := ip.DestinationAddress(), ip.SourceAddress()

	hdr := buffer.NewPrependable(header.IPv6MinimumSize + header.ICMPv6DstUnreachableMinimumSize)
	icmp := header.ICMPv6(hdr.Prepend(header.ICMPv6DstUnreachableMinimumSize))
	icmp.SetType(header.ICMPv6DstUnreachable)
	icmp.SetCode(code)
	length := uint16(header.ICMPv6DstUnreachableMinimumSize + len(data))
	xsum := header.PseudoHeaderChecksum(header.ICMPv6ProtocolNumber, src, dst, length)
	icmp.SetChecksum(^header.Checksum(icmp, header.Checksum(data, xsum)))

	iph := header.IPv6(hdr.Prepend(header.IPv6MinimumSize))
	iph.Encode(&header.IPv6Fields{
		PayloadLength: length,
		NextHeader:    uint8(header.ICMPv6ProtocolNumber),
		HopLimit:      icmpTTL,
		SrcAddr:       src,
		DstAddr:       dst,
	})

	e.sendICMP(r, hdr.Join(data.ToVectorisedView()), header.IPv6ProtocolNumber)
}

func (e *Endpoint) sendICMP(r *stack.Route, vv buffer.VectorisedView, netProto tcpip.NetworkProtocolNumber) {
	out := stack.Route{
		RemoteAddress: r.RemoteAddress,
		LocalAddress:  r.LocalAddress,
		NetProto:      netProto,
	}
	e.stats.ICMP.DstUnreachableSent.Increment()
	if err := e.WritePacket(&out, vv, icmpTTL, 0); err != nil {
		e.log.WithError(err).Debug("icmp send failed")
	}
}

// handleICMPv4 处理ICMPv4报文. Only destination unreachable is acted on: the
// quoted packet goes to the transport protocol that sent it.
func (e *Endpoint) handleICMPv4(v buffer.View) {
	ip := header.IPv4(v)
	icmp := header.ICMPv4(ip.Payload())
	if len(icmp) < header.ICMPv4DstUnreachableMinimumSize || header.Checksum(icmp, 0) != 0xffff {
		e.stats.IP.MalformedPacketsReceived.Increment()
		return
	}
	e.stats.IP.PacketsDelivered.Increment()
	if icmp.Type() != header.ICMPv4DstUnreachable {
		return
	}
	e.stats.ICMP.DstUnreachableRcvd.Increment()

	inner := header.IPv4(icmp[header.ICMPv4DstUnreachableMinimumSize:])
	// 原始包必须是本机发出的第一个分片
	if len(inner) < header.IPv4MinimumSize || !e.IsLocalUnicast(inner.SourceAddress()) ||
		inner.FragmentOffset() != 0 || len(inner) < int(inner.HeaderLength()) {
		return
	}
	e.handleControl(inner.TransportProtocol(), buffer.View(inner), unreachMessage(unreachv4, icmp.Code()))
}

// handleICMPv6 处理ICMPv6报文
func (e *Endpoint) handleICMPv6(v buffer.View) {
	ip := header.IPv6(v)
	icmp := header.ICMPv6(ip.Payload())
	if len(icmp) < header.ICMPv6DstUnreachableMinimumSize {
		e.stats.IP.MalformedPacketsReceived.Increment()
		return
	}
	xsum := header.PseudoHeaderChecksum(header.ICMPv6ProtocolNumber, ip.SourceAddress(), ip.DestinationAddress(), uint16(len(icmp)))
	if header.Checksum(icmp, xsum) != 0xffff {
		e.stats.IP.MalformedPacketsReceived.Increment()
		return
	}
	e.stats.IP.PacketsDelivered.Increment()
	if icmp.Type() != header.ICMPv6DstUnreachable {
		return
	}
	e.stats.ICMP.DstUnreachableRcvd.Increment()

	inner := header.IPv6(icmp[header.ICMPv6DstUnreachableMinimumSize:])
	if len(inner) < header.IPv6MinimumSize || !e.IsLocalUnicast(inner.SourceAddress()) {
		return
	}
	e.handleControl(inner.TransportProtocol(), buffer.View(inner), unreachMessage(unreachv6, icmp.Code()))
}

// handleControl 把被引用的原始包交给传输层协议的advise
func (e *Endpoint) handleControl(proto tcpip.TransportProtocolNumber, quoted buffer.View, msg string) {
	e.log.WithFields(logrus.Fields{"proto": proto, "msg": msg}).Debug("icmp advise")
	if e.dispatcher != nil {
		e.dispatcher.DeliverTransportControlPacket(proto, buffer.NewViewFromBytes(quoted).ToVectorisedView(), msg)
	}
}
