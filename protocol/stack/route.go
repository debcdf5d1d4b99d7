package stack

import tcpip "github.com/qxcheng/ipconv/protocol"

// Route 描述一个包的路由. On input it carries the addresses seen on the wire
// and the address of the interface the packet arrived on; on output the
// addresses the packet is sent with.
type Route struct {
	RemoteAddress    tcpip.Address               // 远端网络层地址
	LocalAddress     tcpip.Address               // 本地网络层地址
	InterfaceAddress tcpip.Address               // 接收接口的本地地址
	NetProto         tcpip.NetworkProtocolNumber // 网络层协议号

	// Conv is the conversation a connected send belongs to, nil for
	// raw-addressed sends.
	Conv *Conv
}
