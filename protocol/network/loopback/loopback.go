// Package loopback is a network layer that answers every packet it is given
// to itself. It provides the IP output, address selection and ICMP
// generation a stack needs when no real interface is present: packets sent to
// one of its addresses come back in on a worker goroutine, the way an
// interrupt would hand them to the stack.
package loopback

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/qxcheng/ipconv/pkg/buffer"
	"github.com/qxcheng/ipconv/pkg/log"
	tcpip "github.com/qxcheng/ipconv/protocol"
	"github.com/qxcheng/ipconv/protocol/header"
	"github.com/qxcheng/ipconv/protocol/network/hash"
	"github.com/qxcheng/ipconv/protocol/stack"
)

const (
	// DefaultQueueLen 待投递包队列的默认长度
	DefaultQueueLen = 256

	buckets = 2048 // IPv4 identification buckets
)

// Options configures an Endpoint.
type Options struct {
	// Addresses are the unicast addresses of the interface, in 4- or
	// 16-byte form. The first address of each family is the default source
	// for that family.
	Addresses []tcpip.Address

	// QueueLen bounds the packets waiting for delivery.
	QueueLen int

	// Capture, when set, receives every packet in pcap format.
	Capture io.Writer

	Logger *logrus.Entry
}

// Endpoint 回环网络层
type Endpoint struct {
	addrs []tcpip.Address // 16-byte form

	dispatcher stack.TransportDispatcher
	stats      tcpip.Stats

	mu     sync.RWMutex
	closed bool
	ch     chan buffer.View

	g      *errgroup.Group
	cancel context.CancelFunc

	pcap *pcapWriter
	log  *logrus.Entry

	ids    []uint32
	hashIV uint32
}

// New 新建一个回环端点. It must be attached to a stack and started before
// packets flow.
func New(opts Options) (*Endpoint, error) {
	if opts.QueueLen <= 0 {
		opts.QueueLen = DefaultQueueLen
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	e := &Endpoint{
		ch:    make(chan buffer.View, opts.QueueLen),
		log:   opts.Logger.WithField("net", "loopback"),
		stats: tcpip.Stats{}.FillIn(),
		ids:   make([]uint32, buckets),
	}
	for _, a := range opts.Addresses {
		e.addrs = append(e.addrs, header.ToV4Mapped(a))
	}

	r := hash.RandN32(1 + buckets)
	copy(e.ids, r)
	e.hashIV = r[buckets]

	if opts.Capture != nil {
		w, err := newPcapWriter(opts.Capture)
		if err != nil {
			return nil, err
		}
		e.pcap = w
	}
	return e, nil
}

// Attach 设置接收包的协议栈, whose counters the endpoint then updates.
func (e *Endpoint) Attach(s *stack.Stack) {
	e.dispatcher = s
	e.stats = s.Stats()
}

// Start 启动投递goroutine. It runs until ctx is done or Close is called.
func (e *Endpoint) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.g, ctx = errgroup.WithContext(ctx)
	e.g.Go(func() error {
		return e.deliverLoop(ctx)
	})
}

// Close 停止投递并关闭抓包输出. Packets still queued are dropped.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.ch)
	e.mu.Unlock()

	var err error
	if e.g != nil {
		e.cancel()
		err = e.g.Wait()
	}
	if err == context.Canceled {
		err = nil
	}
	if e.pcap != nil {
		if cerr := e.pcap.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (e *Endpoint) deliverLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-e.ch:
			if !ok {
				return nil
			}
			e.handlePacket(v)
		}
	}
}

// IsLocalUnicast 判断addr是否是本接口的地址
func (e *Endpoint) IsLocalUnicast(addr tcpip.Address) bool {
	addr = header.ToV4Mapped(addr)
	if addr == header.IPv6Any {
		return false
	}
	for _, a := range e.addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// FindLocalAddress 选择到达remote的源地址: remote itself when it is ours,
// else the first address of its family.
func (e *Endpoint) FindLocalAddress(remote tcpip.Address) tcpip.Address {
	remote = header.ToV4Mapped(remote)
	if e.IsLocalUnicast(remote) {
		return remote
	}
	v4 := header.IsV4(remote)
	for _, a := range e.addrs {
		if header.IsV4MappedAddress(a) == v4 {
			return a
		}
	}
	return header.IPv6Any
}

// hashRoute calculates a hash value for the given route. It uses the source &
// destination address, the transport protocol number, and a random initial
// value to generate the hash.
func (e *Endpoint) hashRoute(src, dst tcpip.Address, protocol uint8) uint32 {
	t := src
	a := uint32(t[0]) | uint32(t[1])<<8 | uint32(t[2])<<16 | uint32(t[3])<<24
	t = dst
	b := uint32(t[0]) | uint32(t[1])<<8 | uint32(t[2])<<16 | uint32(t[3])<<24
	return hash.Hash3Words(a, b, uint32(protocol), e.hashIV)
}

// WritePacket 输出一个完整的IP包. The IPv4 identification and header checksum
// are filled in here; the packet is then captured and, when addressed to
// this interface, queued for delivery.
func (e *Endpoint) WritePacket(r *stack.Route, vv buffer.VectorisedView, ttl, tos uint8) *tcpip.Error {
	v := vv.ToView()
	var dst tcpip.Address
	switch header.IPVersion(v) {
	case header.IPv4Version:
		if len(v) < header.IPv4MinimumSize {
			e.stats.IP.OutgoingPacketErrors.Increment()
			return tcpip.ErrBadArgument
		}
		ip := header.IPv4(v)
		// Packets of 68 bytes or less are required by RFC 791 to not be
		// fragmented, so we only assign ids to larger packets.
		if len(v) > header.IPv4MaximumHeaderSize+8 {
			id := atomic.AddUint32(&e.ids[e.hashRoute(ip.SourceAddress(), ip.DestinationAddress(), ip.Protocol())%buckets], 1)
			ip.SetID(uint16(id))
		}
		ip.SetChecksum(0)
		ip.SetChecksum(^ip.CalculateChecksum())
		dst = ip.DestinationAddress()
	case header.IPv6Version:
		if len(v) < header.IPv6MinimumSize {
			e.stats.IP.OutgoingPacketErrors.Increment()
			return tcpip.ErrBadArgument
		}
		dst = header.IPv6(v).DestinationAddress()
	default:
		e.stats.IP.OutgoingPacketErrors.Increment()
		return tcpip.ErrBadArgument
	}

	e.stats.IP.PacketsSent.Increment()
	if e.pcap != nil {
		if err := e.pcap.WritePacket(v); err != nil {
			e.log.WithError(err).Debug("pcap write failed")
		}
	}

	if !e.accepts(dst) {
		e.stats.IP.OutgoingPacketErrors.Increment()
		return tcpip.ErrNoRoute
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return tcpip.ErrClosedForSend
	}
	select {
	case e.ch <- v:
		return nil
	default:
		e.stats.IP.OutgoingPacketErrors.Increment()
		return tcpip.ErrNoBufferSpace
	}
}

// accepts reports whether a packet sent to dst comes back in.
func (e *Endpoint) accepts(dst tcpip.Address) bool {
	if dst == header.IPv4Broadcast || header.IsV4MulticastAddress(dst) || header.IsV6MulticastAddress(dst) {
		return true
	}
	return e.IsLocalUnicast(dst)
}

// handlePacket 收到ip包的处理
func (e *Endpoint) handlePacket(v buffer.View) {
	e.stats.IP.PacketsReceived.Increment()

	var (
		src, dst tcpip.Address
		proto    tcpip.TransportProtocolNumber
	)
	switch header.IPVersion(v) {
	case header.IPv4Version:
		h := header.IPv4(v)
		if !h.IsValid(len(v)) {
			e.stats.IP.MalformedPacketsReceived.Increment()
			return
		}
		// 不做分片重组
		if h.Flags()&header.IPv4FlagMoreFragments != 0 || h.FragmentOffset() != 0 {
			e.stats.IP.MalformedPacketsReceived.Increment()
			return
		}
		v.CapLength(int(h.TotalLength()))
		src, dst, proto = h.SourceAddress(), h.DestinationAddress(), h.TransportProtocol()
	case header.IPv6Version:
		h := header.IPv6(v)
		if !h.IsValid(len(v)) {
			e.stats.IP.MalformedPacketsReceived.Increment()
			return
		}
		v.CapLength(header.IPv6MinimumSize + int(h.PayloadLength()))
		src, dst, proto = h.SourceAddress(), h.DestinationAddress(), h.TransportProtocol()
	default:
		e.stats.IP.MalformedPacketsReceived.Increment()
		return
	}

	ifc := dst
	if !e.IsLocalUnicast(dst) {
		ifc = e.FindLocalAddress(src)
	}
	r := &stack.Route{
		RemoteAddress:    src,
		LocalAddress:     dst,
		InterfaceAddress: wireAddress(ifc, len(src)),
	}
	if header.IPVersion(v) == header.IPv4Version {
		r.NetProto = header.IPv4ProtocolNumber
	} else {
		r.NetProto = header.IPv6ProtocolNumber
	}

	switch proto {
	case header.ICMPv4ProtocolNumber:
		if r.NetProto == header.IPv4ProtocolNumber {
			e.handleICMPv4(v)
			return
		}
	case header.ICMPv6ProtocolNumber:
		if r.NetProto == header.IPv6ProtocolNumber {
			e.handleICMPv6(v)
			return
		}
	}

	e.stats.IP.PacketsDelivered.Increment()
	e.log.WithFields(logrus.Fields{"src": src, "dst": dst, "proto": proto, "len": len(v)}).Trace("deliver")
	if e.dispatcher != nil {
		e.dispatcher.DeliverTransportPacket(r, proto, v.ToVectorisedView())
	}
}

// wireAddress 返回size字节形式的地址
func wireAddress(addr tcpip.Address, size int) tcpip.Address {
	if size == header.IPv4AddressSize {
		if addr == header.IPv6Any {
			return header.IPv4Any
		}
		return header.ToV4(addr)
	}
	return addr
}
