package stack

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/qxcheng/ipconv/pkg/buffer"
	"github.com/qxcheng/ipconv/pkg/ilist"
	"github.com/qxcheng/ipconv/pkg/queue"
	"github.com/qxcheng/ipconv/pkg/waiter"
	tcpip "github.com/qxcheng/ipconv/protocol"
	"github.com/qxcheng/ipconv/protocol/header"
)

// Conv 会话: one protocol flow and its queues. Fields below mu are guarded
// by it; key and inTable are guarded by the table lock.
//
// A Conv must not be used after Close.
type Conv struct {
	stack  *Stack
	table  *ConvTable
	proto  TransportProtocol
	handle Handle

	key     TransportEndpointID
	inTable bool

	mu           sync.Mutex
	id           TransportEndpointID
	state        ConvState
	rq           *queue.Queue // 接收队列
	wq           *queue.Queue // 发送队列, a bypass to the protocol's Kick
	ttl          uint8
	tos          uint8
	ignoreAdvice bool
	portReserved bool
	pcb          interface{} // 协议控制块
	incall       ilist.List[*Conv]

	listenQ waiter.Queue
}

func newConv(t *ConvTable, h Handle) *Conv {
	return &Conv{
		stack:  t.stack,
		table:  t,
		proto:  t.proto,
		handle: h,
		id:     TransportEndpointID{LocalAddress: header.IPv6Any, RemoteAddress: header.IPv6Any},
		ttl:    t.stack.opts.DefaultTTL,
		tos:    t.stack.opts.DefaultTOS,
	}
}

// Lock 获取会话锁. Never call it while holding another conversation's lock,
// and never take the table lock while holding it.
func (c *Conv) Lock() {
	c.mu.Lock()
}

func (c *Conv) Unlock() {
	c.mu.Unlock()
}

func (c *Conv) Stack() *Stack {
	return c.stack
}

func (c *Conv) Handle() Handle {
	return c.handle
}

// The accessors below require c to be locked.

// ID 返回会话的4元组
func (c *Conv) ID() TransportEndpointID {
	return c.id
}

// SetLocalAddress records a local address chosen after the conversation
// was bound. The table key is left as stored.
func (c *Conv) SetLocalAddress(addr tcpip.Address) {
	c.id.LocalAddress = addr
}

func (c *Conv) State() ConvState {
	return c.state
}

// Live reports whether c is still the conversation h refers to and has not
// been closed.
func (c *Conv) Live(h Handle) bool {
	return c.handle == h && c.state != StateClosed
}

func (c *Conv) ReadQueue() *queue.Queue {
	return c.rq
}

func (c *Conv) WriteQueue() *queue.Queue {
	return c.wq
}

// SetQueues installs the queues built by the protocol's Create.
func (c *Conv) SetQueues(rq, wq *queue.Queue) {
	c.rq, c.wq = rq, wq
}

func (c *Conv) PCB() interface{} {
	return c.pcb
}

func (c *Conv) SetPCB(pcb interface{}) {
	c.pcb = pcb
}

func (c *Conv) TTL() uint8 {
	return c.ttl
}

func (c *Conv) TOS() uint8 {
	return c.tos
}

func (c *Conv) IgnoreAdvice() bool {
	return c.ignoreAdvice
}

// Hangup 挂断会话的两个队列, waking readers and failing later writes with
// msg.
func (c *Conv) Hangup(msg string) {
	c.rq.Hangup(msg)
	c.wq.Hangup(msg)
}

// Establish 把空闲会话以id插入会话表并进入state. It takes the table lock
// and then c's lock.
func (c *Conv) Establish(id TransportEndpointID, state ConvState) *tcpip.Error {
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle:
	case StateConnected:
		return tcpip.ErrAlreadyConnected
	default:
		return tcpip.ErrInvalidEndpointState
	}
	if err := c.table.InsertLocked(c, id); err != nil {
		return err
	}
	c.id = id
	c.state = state
	c.portReserved = true
	return nil
}

// Connect 主动打开: binds c to remote. An unset local address is chosen by
// the stack's address selection, an unset local port is ephemeral.
func (c *Conv) Connect(remote, local tcpip.FullAddress) *tcpip.Error {
	id := TransportEndpointID{
		RemoteAddress: header.ToV4Mapped(remote.Addr),
		RemotePort:    remote.Port,
		LocalAddress:  header.ToV4Mapped(local.Addr),
		LocalPort:     local.Port,
	}
	if id.RemoteAddress == header.IPv6Any {
		return tcpip.ErrDestinationRequired
	}
	if id.LocalAddress == header.IPv6Any {
		id.LocalAddress = header.ToV4Mapped(c.stack.FindLocalAddress(id.RemoteAddress))
	}
	return c.bind(id, c.proto.Connect)
}

// Announce 被动打开: binds c to local and waits for traffic from any peer.
func (c *Conv) Announce(local tcpip.FullAddress) *tcpip.Error {
	id := TransportEndpointID{
		LocalAddress:  header.ToV4Mapped(local.Addr),
		LocalPort:     local.Port,
		RemoteAddress: header.IPv6Any,
	}
	return c.bind(id, c.proto.Announce)
}

func (c *Conv) bind(id TransportEndpointID, fn func(*Conv, TransportEndpointID) *tcpip.Error) *tcpip.Error {
	num := c.proto.Number()
	if id.LocalPort == 0 {
		port, err := c.stack.ReserveEphemeral(num)
		if err != nil {
			return err
		}
		id.LocalPort = port
	} else {
		c.stack.Reserve(num, id.LocalPort)
	}

	if err := fn(c, id); err != nil {
		c.stack.Release(num, id.LocalPort)
		return err
	}

	c.stack.log.WithFields(logrus.Fields{
		"proto": c.proto.Name(),
		"laddr": id.LocalAddress,
		"lport": id.LocalPort,
		"raddr": id.RemoteAddress,
		"rport": id.RemotePort,
	}).Debug("conversation bound")
	return nil
}

// Close 关闭会话. The conversation leaves the table and turns Closed under
// the table lock and its own lock together, so no lookup or Establish sees
// it in between. Calls still waiting on a listener are closed with it.
func (c *Conv) Close() {
	c.table.mu.Lock()
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.table.mu.Unlock()
		return
	}
	c.table.removeLocked(c)
	c.proto.Close(c)
	lport := c.id.LocalPort
	reserved := c.portReserved
	c.state = StateClosed
	c.id = TransportEndpointID{LocalAddress: header.IPv6Any, RemoteAddress: header.IPv6Any}
	c.portReserved = false
	c.ignoreAdvice = false
	var calls []*Conv
	for nc, ok := c.incall.PopFront(); ok; nc, ok = c.incall.PopFront() {
		calls = append(calls, nc)
	}
	c.mu.Unlock()
	c.table.mu.Unlock()

	c.listenQ.Notify(waiter.EventIn | waiter.EventHUp)
	if reserved {
		c.stack.Release(c.proto.Number(), lport)
	}
	c.table.release(c)
	for _, nc := range calls {
		nc.Close()
	}
}

// Ctl 执行控制命令. The generic verbs are connect, announce, ttl, tos and
// ignoreadvise; anything else goes to the protocol.
func (c *Conv) Ctl(cmd string) *tcpip.Error {
	args := strings.Fields(cmd)
	if len(args) == 0 {
		return tcpip.ErrBadArgument
	}

	switch args[0] {
	case "connect":
		return c.ctlConnect(args)
	case "announce":
		if len(args) != 2 {
			return tcpip.ErrBadArgument
		}
		local, err := tcpip.ParseFullAddress(args[1])
		if err != nil {
			return err
		}
		return c.Announce(local)
	case "ttl", "tos":
		if len(args) != 2 {
			return tcpip.ErrBadArgument
		}
		v, err := strconv.ParseUint(args[1], 0, 8)
		if err != nil {
			return tcpip.ErrBadArgument
		}
		c.mu.Lock()
		if args[0] == "ttl" {
			c.ttl = uint8(v)
		} else {
			c.tos = uint8(v)
		}
		c.mu.Unlock()
		return nil
	case "ignoreadvise":
		c.mu.Lock()
		c.ignoreAdvice = true
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proto.Ctl(c, args)
}

// connect addr!port [lport]
func (c *Conv) ctlConnect(args []string) *tcpip.Error {
	if len(args) < 2 || len(args) > 3 {
		return tcpip.ErrBadArgument
	}
	remote, err := tcpip.ParseFullAddress(args[1])
	if err != nil {
		return err
	}
	var local tcpip.FullAddress
	if len(args) == 3 {
		if local, err = tcpip.ParseFullAddress(args[2]); err != nil {
			return err
		}
	}
	return c.Connect(remote, local)
}

// Write 发送一个数据报. The protocol's Kick runs on the caller's goroutine.
func (c *Conv) Write(vv buffer.VectorisedView) *tcpip.Error {
	return c.wq.Write(vv)
}

// Read 非阻塞地读取一个数据报
func (c *Conv) Read() (buffer.View, *tcpip.Error) {
	return c.rq.Read()
}

// ReadContext 阻塞读取一个数据报
func (c *Conv) ReadContext(ctx context.Context) (buffer.View, error) {
	return c.rq.ReadContext(ctx)
}

// Accept 取出监听会话派生的下一个会话, blocking until one arrives, the
// listener closes or ctx is done.
func (c *Conv) Accept(ctx context.Context) (*Conv, error) {
	e, ch := waiter.NewChannelEntry(nil)
	c.listenQ.EventRegister(&e, waiter.EventIn|waiter.EventHUp)
	defer c.listenQ.EventUnregister(&e)

	for {
		c.mu.Lock()
		if c.state != StateAnnounced {
			c.mu.Unlock()
			return nil, tcpip.ErrInvalidEndpointState
		}
		nc, ok := c.incall.PopFront()
		c.mu.Unlock()
		if ok {
			return nc, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// StateString 返回会话的状态行
func (c *Conv) StateString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proto.State(c)
}

// Snapshot returns the identity and state of c.
func (c *Conv) Snapshot() (TransportEndpointID, ConvState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id, c.state
}
