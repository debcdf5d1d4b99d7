package udp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
	gvtcpip "gvisor.dev/gvisor/pkg/tcpip"
	gvchecksum "gvisor.dev/gvisor/pkg/tcpip/checksum"
	gvheader "gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/qxcheng/ipconv/pkg/buffer"
	"github.com/qxcheng/ipconv/pkg/log"
	tcpip "github.com/qxcheng/ipconv/protocol"
	"github.com/qxcheng/ipconv/protocol/header"
	"github.com/qxcheng/ipconv/protocol/stack"
)

var (
	localV4  = net.ParseIP("10.0.0.1").To4()
	peerV4   = net.ParseIP("10.0.0.2").To4()
	otherV4  = net.ParseIP("10.0.0.3").To4()
	bcastV4  = net.ParseIP("10.0.0.255").To4()
	localV6  = net.ParseIP("2001:db8::1")
	peerV6   = net.ParseIP("2001:db8::2")
	unusedV4 = net.ParseIP("192.168.1.1").To4()
)

type sent struct {
	route    stack.Route
	pkt      []byte
	ttl, tos uint8
}

type unreach struct {
	pkt  []byte
	code uint8
}

// testEnv 记录协议交给网络层的一切
type testEnv struct {
	mu      sync.Mutex
	sent    []sent
	noconv  [][]byte
	unreach []unreach
}

func (e *testEnv) WritePacket(r *stack.Route, vv buffer.VectorisedView, ttl, tos uint8) *tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, sent{route: *r, pkt: append([]byte(nil), vv.ToView()...), ttl: ttl, tos: tos})
	return nil
}

func (e *testEnv) IsLocalUnicast(addr tcpip.Address) bool {
	addr = header.ToV4Mapped(addr)
	return addr == v4mapped(localV4) || addr == tcpip.Address(localV6)
}

func (e *testEnv) FindLocalAddress(remote tcpip.Address) tcpip.Address {
	if header.IsV4(header.ToV4Mapped(remote)) {
		return tcpip.Address(localV4)
	}
	return tcpip.Address(localV6)
}

func (e *testEnv) NoConv(r *stack.Route, pkt buffer.VectorisedView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.noconv = append(e.noconv, append([]byte(nil), pkt.ToView()...))
}

func (e *testEnv) HostUnreachable(r *stack.Route, pkt buffer.VectorisedView, code uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unreach = append(e.unreach, unreach{pkt: append([]byte(nil), pkt.ToView()...), code: code})
}

func (e *testEnv) lastSent(t *testing.T) sent {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.sent)
	return e.sent[len(e.sent)-1]
}

func (e *testEnv) sentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

func v4mapped(ip net.IP) tcpip.Address {
	return header.ToV4Mapped(tcpip.Address(ip.To4()))
}

func newTestStack(t *testing.T, opts stack.Options) (*stack.Stack, *testEnv) {
	t.Helper()
	env := &testEnv{}
	opts.Logger = log.Discard()
	opts.Output = env
	opts.Addresses = env
	opts.ICMP = env
	return stack.New([]string{ProtocolName}, opts), env
}

func newConv(t *testing.T, s *stack.Stack) *stack.Conv {
	t.Helper()
	c, err := s.NewConv(ProtocolNumber)
	require.Nil(t, err)
	t.Cleanup(c.Close)
	return c
}

func serialize(t *testing.T, ip gopacket.SerializableLayer, nl gopacket.NetworkLayer, sport, dport uint16, payload string) []byte {
	t.Helper()
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(nl))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	return append([]byte(nil), buf.Bytes()...)
}

func inboundV4(t *testing.T, src, dst net.IP, sport, dport uint16, payload string) []byte {
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src, DstIP: dst}
	return serialize(t, ip, ip, sport, dport, payload)
}

func inboundV6(t *testing.T, src, dst net.IP, sport, dport uint16, payload string) []byte {
	ip := &layers.IPv6{Version: 6, NextHeader: layers.IPProtocolUDP, HopLimit: 64, SrcIP: src, DstIP: dst}
	return serialize(t, ip, ip, sport, dport, payload)
}

// deliver hands pkt to the stack as if it arrived on the interface ifc.
func deliver(s *stack.Stack, pkt []byte, ifc net.IP) {
	var src, dst tcpip.Address
	if header.IPVersion(pkt) == header.IPv6Version {
		ip := header.IPv6(pkt)
		src, dst = ip.SourceAddress(), ip.DestinationAddress()
	} else {
		ip := header.IPv4(pkt)
		src, dst = ip.SourceAddress(), ip.DestinationAddress()
	}
	if ip4 := ifc.To4(); ip4 != nil {
		ifc = ip4
	}
	r := &stack.Route{RemoteAddress: src, LocalAddress: dst, InterfaceAddress: tcpip.Address(ifc)}
	s.DeliverTransportPacket(r, ProtocolNumber, buffer.NewViewFromBytes(pkt).ToVectorisedView())
}

// decodeUDP parses an outbound packet and checks its UDP checksum with
// gvisor.
func decodeUDP(t *testing.T, pkt []byte) (*layers.UDP, net.IP, net.IP) {
	t.Helper()
	first := layers.LayerTypeIPv4
	if header.IPVersion(pkt) == header.IPv6Version {
		first = layers.LayerTypeIPv6
	}
	p := gopacket.NewPacket(pkt, first, gopacket.Default)
	require.Nil(t, p.ErrorLayer())

	var src, dst net.IP
	switch nl := p.NetworkLayer().(type) {
	case *layers.IPv4:
		src, dst = nl.SrcIP.To4(), nl.DstIP.To4()
	case *layers.IPv6:
		src, dst = nl.SrcIP, nl.DstIP
	default:
		t.Fatalf("no network layer in %x", pkt)
	}
	udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)

	gv := gvheader.UDP(append(append([]byte(nil), udp.Contents...), udp.Payload...))
	assert.True(t, gv.IsChecksumValid(gvtcpip.AddrFromSlice(src), gvtcpip.AddrFromSlice(dst),
		gvchecksum.Checksum(udp.Payload, 0)), "udp checksum")
	return udp, src, dst
}

func write(t *testing.T, c *stack.Conv, data string) {
	t.Helper()
	require.Nil(t, c.Write(buffer.View(data).ToVectorisedView()))
}

func read(t *testing.T, c *stack.Conv) string {
	t.Helper()
	v, err := c.Read()
	require.Nil(t, err)
	return string(v)
}

func TestConnectedRoundTrip(t *testing.T) {
	s, env := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	require.Nil(t, c.Ctl("connect 10.0.0.2!6000 5000"))

	id, state := c.Snapshot()
	assert.Equal(t, stack.StateConnected, state)
	assert.Equal(t, v4mapped(localV4), id.LocalAddress)

	write(t, c, "hello")
	out := env.lastSent(t)
	assert.Equal(t, header.IPv4ProtocolNumber, out.route.NetProto)
	assert.Same(t, c, out.route.Conv)
	assert.EqualValues(t, stack.DefaultTTL, out.ttl)

	iph, err := ipv4.ParseHeader(out.pkt)
	require.NoError(t, err)
	assert.Equal(t, stack.DefaultTTL, iph.TTL)
	assert.Equal(t, 17, iph.Protocol)
	assert.True(t, iph.Src.Equal(localV4))
	assert.True(t, iph.Dst.Equal(peerV4))

	udp, _, _ := decodeUDP(t, out.pkt)
	assert.EqualValues(t, 5000, udp.SrcPort)
	assert.EqualValues(t, 6000, udp.DstPort)
	assert.EqualValues(t, 13, udp.Length)
	assert.Equal(t, "hello", string(udp.Payload))
	assert.EqualValues(t, 1, s.Stats().UDP.OutDatagrams.Value())

	deliver(s, inboundV4(t, peerV4, localV4, 6000, 5000, "world"), localV4)
	assert.Equal(t, "world", read(t, c))
	assert.EqualValues(t, 1, s.Stats().UDP.InDatagrams.Value())

	// a different peer port is not this conversation
	deliver(s, inboundV4(t, peerV4, localV4, 6001, 5000, "stray"), localV4)
	_, rerr := c.Read()
	assert.Equal(t, tcpip.ErrWouldBlock, rerr)
	assert.EqualValues(t, 1, s.Stats().UDP.NoPorts.Value())
}

func TestConnectedRoundTripV6(t *testing.T) {
	s, env := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	require.Nil(t, c.Ctl("connect 2001:db8::2!6000"))

	write(t, c, "over six")
	out := env.lastSent(t)
	assert.Equal(t, header.IPv6ProtocolNumber, out.route.NetProto)

	p := gopacket.NewPacket(out.pkt, layers.LayerTypeIPv6, gopacket.Default)
	ip6, ok := p.NetworkLayer().(*layers.IPv6)
	require.True(t, ok)
	assert.EqualValues(t, stack.DefaultTTL, ip6.HopLimit)
	assert.Equal(t, layers.IPProtocolUDP, ip6.NextHeader)
	assert.True(t, ip6.SrcIP.Equal(localV6))

	udp, _, _ := decodeUDP(t, out.pkt)
	assert.GreaterOrEqual(t, int(udp.SrcPort), 16384, "ephemeral port")
	assert.Equal(t, "over six", string(udp.Payload))

	deliver(s, inboundV6(t, peerV6, localV6, 6000, uint16(udp.SrcPort), "back"), localV6)
	assert.Equal(t, "back", read(t, c))
}

func TestTTLAndTOS(t *testing.T) {
	s, env := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	require.Nil(t, c.Ctl("connect 10.0.0.2!6000"))
	require.Nil(t, c.Ctl("ttl 64"))
	require.Nil(t, c.Ctl("tos 16"))

	write(t, c, "x")
	out := env.lastSent(t)
	assert.EqualValues(t, 64, out.ttl)
	assert.EqualValues(t, 16, out.tos)

	iph, err := ipv4.ParseHeader(out.pkt)
	require.NoError(t, err)
	assert.Equal(t, 64, iph.TTL)
	assert.Equal(t, 16, iph.TOS)
}

func TestAnnounceSpawnsConversation(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	l := newConv(t, s)
	require.Nil(t, l.Ctl("announce *!7"))

	deliver(s, inboundV4(t, peerV4, localV4, 4000, 7, "first"), localV4)
	deliver(s, inboundV4(t, peerV4, localV4, 4000, 7, "second"), localV4)

	_, err := l.Read()
	assert.Equal(t, tcpip.ErrWouldBlock, err, "listener queue stays empty")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	nc, aerr := l.Accept(ctx)
	require.NoError(t, aerr)
	t.Cleanup(nc.Close)

	id, state := nc.Snapshot()
	assert.Equal(t, stack.StateConnected, state)
	assert.Equal(t, stack.TransportEndpointID{
		RemoteAddress: v4mapped(peerV4), RemotePort: 4000,
		LocalAddress: v4mapped(localV4), LocalPort: 7,
	}, id)
	assert.Equal(t, "first", read(t, nc))
	assert.Equal(t, "second", read(t, nc))
	assert.Equal(t, 2, s.Table(ProtocolNumber).Len())
}

func TestAnnounceSpawnsConversationV6(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	l := newConv(t, s)
	require.Nil(t, l.Ctl("announce 7"))

	remote, local := net.ParseIP("2001:db8::1"), net.ParseIP("2001:db8::2")
	deliver(s, inboundV6(t, remote, local, 4000, 7, "hello"), local)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	nc, err := l.Accept(ctx)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	id, state := nc.Snapshot()
	assert.Equal(t, stack.StateConnected, state)
	assert.Equal(t, stack.TransportEndpointID{
		RemoteAddress: tcpip.Address(remote), RemotePort: 4000,
		LocalAddress: tcpip.Address(local), LocalPort: 7,
	}, id)
	assert.Equal(t, "hello", read(t, nc))
	assert.EqualValues(t, 1, s.Stats().UDP.InDatagrams.Value())
	assert.Equal(t, 2, s.Table(ProtocolNumber).Len())
}

func TestSpawnBindsInterfaceAddress(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	l := newConv(t, s)
	require.Nil(t, l.Ctl("announce 7"))

	// a broadcast is answered from the address of the receiving interface
	deliver(s, inboundV4(t, peerV4, bcastV4, 4000, 7, "who"), localV4)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	nc, err := l.Accept(ctx)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	id, _ := nc.Snapshot()
	assert.Equal(t, v4mapped(localV4), id.LocalAddress)
	assert.Equal(t, "who", read(t, nc))
}

func TestSpawnConcurrent(t *testing.T) {
	const peers = 32
	s, _ := newTestStack(t, stack.Options{Backlog: peers})
	l := newConv(t, s)
	require.Nil(t, l.Ctl("announce 7"))

	var g errgroup.Group
	for i := 0; i < peers; i++ {
		port := uint16(20000 + i)
		pkt := inboundV4(t, peerV4, localV4, port, 7, "hi")
		g.Go(func() error {
			deliver(s, pkt, localV4)
			deliver(s, pkt, localV4)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, peers+1, s.Table(ProtocolNumber).Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	seen := make(map[uint16]bool)
	for i := 0; i < peers; i++ {
		nc, err := l.Accept(ctx)
		require.NoError(t, err)
		id, _ := nc.Snapshot()
		assert.False(t, seen[id.RemotePort], "port %d spawned twice", id.RemotePort)
		seen[id.RemotePort] = true
		assert.Equal(t, "hi", read(t, nc))
		assert.Equal(t, "hi", read(t, nc))
		nc.Close()
	}
}

func TestSpawnConcurrentSamePeer(t *testing.T) {
	const senders = 8
	for round := 0; round < 50; round++ {
		s, _ := newTestStack(t, stack.Options{})
		l := newConv(t, s)
		require.Nil(t, l.Ctl("announce 7"))

		pkt := inboundV4(t, peerV4, localV4, 4000, 7, "hi")
		var g errgroup.Group
		for i := 0; i < senders; i++ {
			own := append([]byte(nil), pkt...)
			g.Go(func() error {
				deliver(s, own, localV4)
				return nil
			})
		}
		require.NoError(t, g.Wait())
		require.Equal(t, 2, s.Table(ProtocolNumber).Len(), "round %d", round)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		nc, err := l.Accept(ctx)
		cancel()
		require.NoError(t, err)
		for i := 0; i < senders; i++ {
			assert.Equal(t, "hi", read(t, nc))
		}
		nc.Close()
	}
}

func TestBacklogFull(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{Backlog: 1})
	l := newConv(t, s)
	require.Nil(t, l.Ctl("announce 7"))

	deliver(s, inboundV4(t, peerV4, localV4, 4000, 7, "a"), localV4)
	deliver(s, inboundV4(t, peerV4, localV4, 4001, 7, "b"), localV4)
	assert.Equal(t, 2, s.Table(ProtocolNumber).Len())
}

func TestHeadersInbound(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	l := newConv(t, s)
	require.Nil(t, l.Ctl("announce 7"))
	require.Nil(t, l.Ctl("headers"))

	deliver(s, inboundV4(t, peerV4, localV4, 4000, 7, "payload"), localV4)
	assert.Equal(t, 1, s.Table(ProtocolNumber).Len(), "no spawn in headers mode")

	v, err := l.Read()
	require.Nil(t, err)
	require.Len(t, v, header.UDPAddrHeaderSize+len("payload"))
	f := header.UDPAddrHeader(v).Decode()
	assert.Equal(t, header.UDPAddrFields{
		RemoteAddr: v4mapped(peerV4),
		LocalAddr:  v4mapped(localV4),
		IfcAddr:    v4mapped(localV4),
		RemotePort: 4000,
		LocalPort:  7,
	}, f)
	assert.Equal(t, "payload", string(v[header.UDPAddrHeaderSize:]))
}

func TestHeadersOutbound(t *testing.T) {
	s, env := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	require.Nil(t, c.Ctl("announce 7"))
	require.Nil(t, c.Ctl("headers"))

	block := header.UDPAddrHeader(make([]byte, header.UDPAddrHeaderSize))
	block.Encode(&header.UDPAddrFields{
		RemoteAddr: tcpip.Address(otherV4),
		LocalAddr:  tcpip.Address(unusedV4), // not ours, replaced
		RemotePort: 9000,
	})
	vv := buffer.View(block).ToVectorisedView()
	vv.AppendView(buffer.View("reply"))
	require.Nil(t, c.Write(vv))

	out := env.lastSent(t)
	assert.Nil(t, out.route.Conv)
	udp, src, dst := decodeUDP(t, out.pkt)
	assert.True(t, src.Equal(localV4))
	assert.True(t, dst.Equal(otherV4))
	assert.EqualValues(t, 7, udp.SrcPort)
	assert.EqualValues(t, 9000, udp.DstPort)
	assert.Equal(t, "reply", string(udp.Payload))

	// short address blocks are dropped
	write(t, c, "short")
	assert.Equal(t, 1, env.sentCount())
	assert.EqualValues(t, 1, s.Stats().UDP.OutDatagrams.Value())
}

func TestWriteWithoutDestination(t *testing.T) {
	s, env := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	require.Nil(t, c.Ctl("announce 7"))

	write(t, c, "nowhere")
	assert.Zero(t, env.sentCount())
}

func TestOversizedDatagramDropped(t *testing.T) {
	s, env := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	require.Nil(t, c.Ctl("connect 10.0.0.2!6000"))

	require.Nil(t, c.Write(buffer.NewView(0xffff-header.IPv4MinimumSize-header.UDPMinimumSize+1).ToVectorisedView()))
	assert.Zero(t, env.sentCount())

	require.Nil(t, c.Write(buffer.NewView(0xffff-header.IPv4MinimumSize-header.UDPMinimumSize).ToVectorisedView()))
	assert.Equal(t, 1, env.sentCount())
}

func TestNoConversation(t *testing.T) {
	s, env := newTestStack(t, stack.Options{})

	pkt := inboundV4(t, peerV4, localV4, 4000, 9, "nobody")
	deliver(s, pkt, localV4)
	require.Len(t, env.noconv, 1)
	assert.Equal(t, pkt, env.noconv[0])

	pkt6 := inboundV6(t, peerV6, localV6, 4000, 9, "nobody")
	deliver(s, pkt6, localV6)
	require.Len(t, env.unreach, 1)
	assert.Equal(t, pkt6, env.unreach[0].pkt)
	assert.EqualValues(t, header.ICMPv6PortUnreachable, env.unreach[0].code)

	assert.EqualValues(t, 2, s.Stats().UDP.NoPorts.Value())
	assert.EqualValues(t, 2, s.Stats().UDP.InDatagrams.Value())
	assert.Zero(t, s.Stats().UDP.InErrors.Value())
}

func TestChecksum(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	require.Nil(t, c.Ctl("connect 10.0.0.2!6000 5000"))

	bad := inboundV4(t, peerV4, localV4, 6000, 5000, "corrupt")
	bad[len(bad)-1] ^= 0x01
	deliver(s, bad, localV4)
	_, err := c.Read()
	assert.Equal(t, tcpip.ErrWouldBlock, err)
	assert.EqualValues(t, 1, s.Stats().UDP.InErrors.Value())
	assert.EqualValues(t, 1, s.Stats().UDP.ChecksumErrors.Value())

	// a zero checksum was never computed by the sender
	none := inboundV4(t, peerV4, localV4, 6000, 5000, "unchecked")
	none[header.IPv4MinimumSize+6], none[header.IPv4MinimumSize+7] = 0, 0
	deliver(s, none, localV4)
	assert.Equal(t, "unchecked", read(t, c))
}

func TestChecksumListener(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	l := newConv(t, s)
	require.Nil(t, l.Ctl("announce 7"))

	bad := inboundV4(t, peerV4, localV4, 4000, 7, "flipped")
	bad[header.IPv4MinimumSize+header.UDPMinimumSize] ^= 0x04
	deliver(s, bad, localV4)

	// nothing is spawned for a corrupt datagram
	assert.Equal(t, 1, s.Table(ProtocolNumber).Len())
	_, err := l.Read()
	assert.Equal(t, tcpip.ErrWouldBlock, err)
	assert.EqualValues(t, 1, s.Stats().UDP.InErrors.Value())
	assert.EqualValues(t, 1, s.Stats().UDP.ChecksumErrors.Value())
	assert.Zero(t, s.Stats().UDP.NoPorts.Value())
}

func TestLengthErrors(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	require.Nil(t, c.Ctl("connect 10.0.0.2!6000 5000"))

	long := inboundV4(t, peerV4, localV4, 6000, 5000, "abc")
	long[header.IPv4MinimumSize+4], long[header.IPv4MinimumSize+5] = 0xff, 0xff
	deliver(s, long, localV4)

	short := inboundV4(t, peerV4, localV4, 6000, 5000, "abc")
	deliver(s, short[:header.IPv4MinimumSize+4], localV4)

	assert.EqualValues(t, 2, s.Stats().UDP.LengthErrors.Value())
	assert.EqualValues(t, 2, s.Stats().UDP.InErrors.Value())
	assert.EqualValues(t, 2, s.Stats().UDP.InDatagrams.Value())
}

func TestReceiveLeavesPacketIntact(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	require.Nil(t, c.Ctl("connect 10.0.0.2!6000 5000"))

	pkt := inboundV4(t, peerV4, localV4, 6000, 5000, "keep me")
	want := append([]byte(nil), pkt...)
	r := &stack.Route{
		RemoteAddress:    tcpip.Address(peerV4),
		LocalAddress:     tcpip.Address(localV4),
		InterfaceAddress: tcpip.Address(localV4),
	}
	s.DeliverTransportPacket(r, ProtocolNumber, buffer.View(pkt).ToVectorisedView())
	assert.Equal(t, want, pkt)
	assert.Equal(t, "keep me", read(t, c))
}

func TestReceiveLeavesCorruptPacketIntact(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	require.Nil(t, c.Ctl("connect 10.0.0.2!6000 5000"))

	pkt := inboundV4(t, peerV4, localV4, 6000, 5000, "bad sum")
	pkt[len(pkt)-1] ^= 0x80
	want := append([]byte(nil), pkt...)
	r := &stack.Route{
		RemoteAddress:    tcpip.Address(peerV4),
		LocalAddress:     tcpip.Address(localV4),
		InterfaceAddress: tcpip.Address(localV4),
	}
	s.DeliverTransportPacket(r, ProtocolNumber, buffer.View(pkt).ToVectorisedView())
	assert.Equal(t, want, pkt)
	assert.EqualValues(t, 1, s.Stats().UDP.ChecksumErrors.Value())
	_, err := c.Read()
	assert.Equal(t, tcpip.ErrWouldBlock, err)
}

func TestQueueFull(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	require.Nil(t, s.SetTransportProtocolOption(ProtocolNumber, QueueLimitOption(8)))
	var limit QueueLimitOption
	require.Nil(t, s.TransportProtocolOption(ProtocolNumber, &limit))
	assert.EqualValues(t, 8, limit)
	assert.Equal(t, tcpip.ErrInvalidOptionValue, s.SetTransportProtocolOption(ProtocolNumber, QueueLimitOption(0)))

	c := newConv(t, s)
	require.Nil(t, c.Ctl("connect 10.0.0.2!6000 5000"))

	deliver(s, inboundV4(t, peerV4, localV4, 6000, 5000, "12345678"), localV4)
	deliver(s, inboundV4(t, peerV4, localV4, 6000, 5000, "dropped"), localV4)
	assert.EqualValues(t, 1, s.Stats().UDP.InErrors.Value())

	assert.Equal(t, "12345678", read(t, c))
	_, err := c.Read()
	assert.Equal(t, tcpip.ErrWouldBlock, err)
}

func TestAdviseHangsUp(t *testing.T) {
	s, env := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	require.Nil(t, c.Ctl("connect 10.0.0.2!6000 5000"))
	write(t, c, "probe")
	quoted := env.lastSent(t).pkt

	// only the first 8 bytes of the transport header are quoted
	s.DeliverTransportControlPacket(ProtocolNumber, buffer.NewViewFromBytes(quoted[:header.IPv4MinimumSize+8]).ToVectorisedView(), "port unreachable")

	_, err := c.Read()
	require.NotNil(t, err)
	assert.Equal(t, "port unreachable", err.Error())
	werr := c.Write(buffer.View("again").ToVectorisedView())
	require.NotNil(t, werr)
	assert.Equal(t, "port unreachable", werr.Error())
}

func TestAdviseIgnored(t *testing.T) {
	s, env := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	require.Nil(t, c.Ctl("connect 10.0.0.2!6000 5000"))
	require.Nil(t, c.Ctl("ignoreadvise"))
	write(t, c, "probe")

	s.DeliverTransportControlPacket(ProtocolNumber, buffer.NewViewFromBytes(env.lastSent(t).pkt).ToVectorisedView(), "port unreachable")
	write(t, c, "still open")
	assert.Equal(t, 2, env.sentCount())

	// no conversation, nothing happens
	s.DeliverTransportControlPacket(ProtocolNumber, buffer.NewViewFromBytes(inboundV4(t, otherV4, peerV4, 1, 2, "")).ToVectorisedView(), "x")
	// truncated advisories are ignored
	s.DeliverTransportControlPacket(ProtocolNumber, buffer.View{0x45, 0x00}.ToVectorisedView(), "x")
}

func TestCtl(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	c := newConv(t, s)
	assert.Equal(t, tcpip.ErrUnknownControl, c.Ctl("bogus"))
	assert.Nil(t, c.Ctl("headers"))
}

func TestStatsText(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	deliver(s, inboundV4(t, peerV4, localV4, 4000, 9, "x"), localV4)

	text, err := s.TransportProtocolStats(ProtocolNumber)
	require.Nil(t, err)
	assert.Equal(t, "InDatagrams: 1\nNoPorts: 1\nInErrors: 0\nOutDatagrams: 0\n"+
		"ChecksumErrors: 0\nLengthErrors: 0\n", text)
}

func TestStateString(t *testing.T) {
	s, _ := newTestStack(t, stack.Options{})
	c, err := s.NewConv(ProtocolNumber)
	require.Nil(t, err)
	require.Nil(t, c.Ctl("connect 10.0.0.2!6000 5000"))

	deliver(s, inboundV4(t, peerV4, localV4, 6000, 5000, "hello"), localV4)
	assert.Equal(t, "Open qin 5 qout 0\n", c.StateString())

	c.Close()
	assert.Equal(t, "Closed qin 0 qout 0\n", c.StateString())
}
