package udp

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/qxcheng/ipconv/pkg/buffer"
	tcpip "github.com/qxcheng/ipconv/protocol"
	"github.com/qxcheng/ipconv/protocol/header"
	"github.com/qxcheng/ipconv/protocol/stack"
)

const maxIPPacketSize = 0xffff

func tupleFields(raddr tcpip.Address, rport uint16, laddr tcpip.Address, lport uint16) logrus.Fields {
	return logrus.Fields{"raddr": raddr, "rport": rport, "laddr": laddr, "lport": lport}
}

// Kick 发送应用写入的一个数据报
//
// In extended addressing mode the datagram starts with a 52-byte address
// block naming the peer and the local address to send from; otherwise the
// conversation's own addresses are used, and a local address chosen here is
// kept by the conversation.
func (p *protocol) Kick(c *stack.Conv, vv buffer.VectorisedView) {
	c.Lock()
	if c.State() == stack.StateClosed {
		c.Unlock()
		return
	}
	ucb := c.PCB().(*udpcb)
	id := c.ID()
	ttl, tos := c.TTL(), c.TOS()
	c.Unlock()

	var (
		raddr, laddr tcpip.Address
		rport        uint16
		r            stack.Route
	)
	if ucb.extendedAddressing() {
		v, ok := vv.PullUp(header.UDPAddrHeaderSize)
		if !ok {
			p.log.WithField("size", vv.Size()).Debug("udp: short address block")
			return
		}
		h := header.UDPAddrHeader(v)
		raddr, laddr = h.RemoteAddress(), h.LocalAddress()
		rport = h.RemotePort()
		vv.TrimFront(header.UDPAddrHeaderSize)

		// pick the interface closest to the destination
		if !p.stack.IsLocalUnicast(laddr) {
			laddr = p.stack.FindLocalAddress(raddr)
		}
	} else {
		raddr, rport, laddr = id.RemoteAddress, id.RemotePort, id.LocalAddress
		if raddr == header.IPv6Any {
			p.log.WithFields(tupleFields(raddr, rport, laddr, id.LocalPort)).Debug("udp: write without destination")
			return
		}
		if laddr == header.IPv6Any {
			laddr = p.stack.FindLocalAddress(raddr)
			c.Lock()
			if c.ID().LocalAddress == header.IPv6Any {
				c.SetLocalAddress(laddr)
			}
			c.Unlock()
		}
		r.Conv = c
	}

	// 地址族在本地地址选定之后决定
	v4 := header.IsV4(raddr) && header.IsV4(laddr)
	ipHdrLen := header.IPv6MinimumSize
	if v4 {
		ipHdrLen = header.IPv4MinimumSize
		raddr, laddr = wireV4(raddr), wireV4(laddr)
	}

	ptclLen := vv.Size() + header.UDPMinimumSize
	if ptclLen > maxIPPacketSize || (v4 && ipHdrLen+ptclLen > maxIPPacketSize) {
		p.log.WithField("size", ptclLen).Debug("udp: datagram too large")
		return
	}
	payload := vv.Coalesce()

	hdr := buffer.NewPrependable(ipHdrLen + header.UDPMinimumSize)
	udp := header.UDP(hdr.Prepend(header.UDPMinimumSize))
	udp.Encode(&header.UDPFields{
		SrcPort: id.LocalPort,
		DstPort: rport,
		Length:  uint16(ptclLen),
	})

	// 伪首部校验和
	xsum := header.PseudoHeaderChecksum(ProtocolNumber, laddr, raddr, uint16(ptclLen))
	xsum = header.Checksum(payload, xsum)
	csum := ^udp.CalculateChecksum(xsum)
	if csum == 0 {
		csum = 0xffff
	}
	udp.SetChecksum(csum)

	if v4 {
		ip := header.IPv4(hdr.Prepend(header.IPv4MinimumSize))
		ip.Encode(&header.IPv4Fields{
			IHL:         header.IPv4MinimumSize,
			TOS:         tos,
			TotalLength: uint16(header.IPv4MinimumSize + ptclLen),
			TTL:         ttl,
			Protocol:    uint8(ProtocolNumber),
			SrcAddr:     laddr,
			DstAddr:     raddr,
		})
		r.NetProto = header.IPv4ProtocolNumber
	} else {
		ip := header.IPv6(hdr.Prepend(header.IPv6MinimumSize))
		ip.Encode(&header.IPv6Fields{
			TrafficClass:  tos,
			PayloadLength: uint16(ptclLen),
			NextHeader:    uint8(ProtocolNumber),
			HopLimit:      ttl,
			SrcAddr:       laddr,
			DstAddr:       raddr,
		})
		r.NetProto = header.IPv6ProtocolNumber
	}
	r.RemoteAddress = raddr
	r.LocalAddress = laddr

	if err := p.stack.WritePacket(&r, hdr.Join(payload.ToVectorisedView()), ttl, tos); err != nil {
		p.log.WithFields(tupleFields(raddr, rport, laddr, id.LocalPort)).WithError(err).Debug("udp: ip output failed")
	}
	p.stats.OutDatagrams.Increment()
}

func wireV4(addr tcpip.Address) tcpip.Address {
	if addr == header.IPv6Any {
		return header.IPv4Any
	}
	return header.ToV4(addr)
}

// Receive 处理IP层交付的数据报. vv starts at the IP header, which is read but
// never modified.
func (p *protocol) Receive(r *stack.Route, vv buffer.VectorisedView) {
	p.stats.InDatagrams.Increment()

	pkt := vv.Coalesce()
	version := 4
	if header.IPVersion(pkt) == header.IPv6Version {
		version = 6
	}

	var (
		hlen     int
		src, dst tcpip.Address
	)
	switch version {
	case 4:
		if len(pkt) < header.IPv4MinimumSize {
			p.lengthError(len(pkt))
			return
		}
		ip := header.IPv4(pkt)
		hlen = int(ip.HeaderLength())
		if hlen < header.IPv4MinimumSize || len(pkt) < hlen+header.UDPMinimumSize {
			p.lengthError(len(pkt))
			return
		}
		src, dst = ip.SourceAddress(), ip.DestinationAddress()
	case 6:
		hlen = header.IPv6MinimumSize
		if len(pkt) < hlen+header.UDPMinimumSize {
			p.lengthError(len(pkt))
			return
		}
		ip := header.IPv6(pkt)
		src, dst = ip.SourceAddress(), ip.DestinationAddress()
	default:
		panic(fmt.Sprintf("udp: receive: version %d", version))
	}

	udp := header.UDP(pkt[hlen:])
	ulen := int(udp.Length())
	if ulen < header.UDPMinimumSize || ulen > len(udp) {
		p.lengthError(len(pkt))
		return
	}
	udp = udp[:ulen]

	raddr, laddr := header.ToV4Mapped(src), header.ToV4Mapped(dst)
	rport, lport := udp.SourcePort(), udp.DestinationPort()

	// 校验和为0表示发送方没有计算
	if udp.Checksum() != 0 && !udp.IsChecksumValid(src, dst) {
		p.stats.InErrors.Increment()
		p.stats.ChecksumErrors.Increment()
		p.log.WithFields(tupleFields(raddr, rport, laddr, lport)).Debug("udp: checksum error")
		return
	}

	id := stack.TransportEndpointID{
		RemoteAddress: raddr,
		RemotePort:    rport,
		LocalAddress:  laddr,
		LocalPort:     lport,
	}

	p.table.Lock()
	c := p.table.LookupLocked(id)
	if c == nil {
		p.stats.NoPorts.Increment()
		p.table.Unlock()
		p.log.WithFields(tupleFields(raddr, rport, laddr, lport)).Debug("udp: no conv")

		switch version {
		case 4:
			p.stack.NoConv(r, pkt.ToVectorisedView())
		case 6:
			p.stack.HostUnreachable(r, pkt.ToVectorisedView(), header.ICMPv6PortUnreachable)
		}
		return
	}

	c.Lock()
	ucb := c.PCB().(*udpcb)
	if c.State() == stack.StateAnnounced && !ucb.headers {
		c.Unlock()
		nc, err := p.spawnLocked(r, c, id)
		if err != nil {
			p.table.Unlock()
			p.log.WithFields(tupleFields(raddr, rport, laddr, lport)).WithError(err).Debug("udp: cannot create conversation")
			return
		}
		c = nc
		c.Lock()
		ucb = c.PCB().(*udpcb)
	}
	p.table.Unlock()

	payload := buffer.NewViewFromBytes(udp.Payload())
	p.log.WithFields(tupleFields(raddr, rport, laddr, lport)).WithField("len", len(payload)).Trace("udp: deliver")

	if ucb.headers {
		v := buffer.NewView(header.UDPAddrHeaderSize + len(payload))
		header.UDPAddrHeader(v).Encode(&header.UDPAddrFields{
			RemoteAddr: raddr,
			LocalAddr:  laddr,
			IfcAddr:    r.InterfaceAddress,
			RemotePort: rport,
			LocalPort:  lport,
		})
		copy(v[header.UDPAddrHeaderSize:], payload)
		payload = v
	}

	rq := c.ReadQueue()
	if rq.Full() {
		p.stats.InErrors.Increment()
		c.Unlock()
		p.log.WithFields(tupleFields(raddr, rport, laddr, lport)).Debug("udp: qfull")
		return
	}
	rq.Pass(payload)
	c.Unlock()
}

// spawnLocked 为监听会话l派生一个绑定到对端的会话. A datagram whose
// destination is not one of our unicast addresses is bound to the address of
// the interface it arrived on. The table lock must be held.
func (p *protocol) spawnLocked(r *stack.Route, l *stack.Conv, id stack.TransportEndpointID) (*stack.Conv, *tcpip.Error) {
	if !p.stack.IsLocalUnicast(id.LocalAddress) && r.InterfaceAddress != "" {
		id.LocalAddress = header.ToV4Mapped(r.InterfaceAddress)
		if c := p.table.LookupLocked(id); c != nil && c != l {
			return c, nil
		}
	}
	return p.table.NewCallLocked(l, id)
}

func (p *protocol) lengthError(size int) {
	p.stats.InErrors.Increment()
	p.stats.LengthErrors.Increment()
	p.log.WithField("size", size).Debug("udp: len err")
}

// Advise 处理ICMP通告. vv holds the offending datagram as quoted by the ICMP
// message: our own outbound packet, so its source is the local half of the
// conversation. A matching conversation that has not opted out of advisories
// is hung up with msg.
func (p *protocol) Advise(vv buffer.VectorisedView, msg string) {
	pkt := vv.Coalesce()
	version := 4
	if header.IPVersion(pkt) == header.IPv6Version {
		version = 6
	}

	var (
		source, dest tcpip.Address
		udp          header.UDP
	)
	switch version {
	case 4:
		if len(pkt) < header.IPv4MinimumSize {
			return
		}
		ip := header.IPv4(pkt)
		hlen := int(ip.HeaderLength())
		if hlen < header.IPv4MinimumSize || len(pkt) < hlen+4 {
			return
		}
		source, dest = ip.SourceAddress(), ip.DestinationAddress()
		udp = header.UDP(pkt[hlen:])
	case 6:
		if len(pkt) < header.IPv6MinimumSize+4 {
			return
		}
		ip := header.IPv6(pkt)
		source, dest = ip.SourceAddress(), ip.DestinationAddress()
		udp = header.UDP(pkt[header.IPv6MinimumSize:])
	default:
		panic(fmt.Sprintf("udp: advise: version %d", version))
	}

	id := stack.TransportEndpointID{
		RemoteAddress: header.ToV4Mapped(dest),
		RemotePort:    udp.DestinationPort(),
		LocalAddress:  header.ToV4Mapped(source),
		LocalPort:     udp.SourcePort(),
	}

	p.table.Lock()
	c := p.table.MatchLocked(id)
	if c == nil {
		p.table.Unlock()
		return
	}
	h := c.Handle()
	p.table.Unlock()

	c.Lock()
	if c.Live(h) && !c.IgnoreAdvice() {
		c.Hangup(msg)
		p.log.WithFields(tupleFields(id.RemoteAddress, id.RemotePort, id.LocalAddress, id.LocalPort)).WithField("msg", msg).Debug("udp: advise hangup")
	}
	c.Unlock()
}
