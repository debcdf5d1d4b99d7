// Package udp contains the implementation of the UDP transport protocol. To
// use it in the networking stack, this package must be added to the project,
// and activated on the stack by passing udp.ProtocolName as one of the
// transport protocols when calling stack.New(). Then conversations can be
// created by passing udp.ProtocolNumber to stack.NewConv().
package udp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/qxcheng/ipconv/pkg/buffer"
	"github.com/qxcheng/ipconv/pkg/queue"
	tcpip "github.com/qxcheng/ipconv/protocol"
	"github.com/qxcheng/ipconv/protocol/header"
	"github.com/qxcheng/ipconv/protocol/stack"
)

const (
	ProtocolName   = "udp"
	ProtocolNumber = header.UDPProtocolNumber

	// DefaultQueueLimit 接收队列的默认容量（字节）
	DefaultQueueLimit = 128 * 1024
)

// QueueLimitOption sets the byte capacity of the receive queue of
// conversations created afterwards.
type QueueLimitOption int

// udpcb UDP控制块
type udpcb struct {
	mu sync.Mutex
	// headers selects extended addressing: every datagram crossing the
	// application boundary carries a 52-byte address block. It is written
	// with both the conversation lock and mu held, so either one is enough
	// to read it.
	headers bool
}

func (u *udpcb) extendedAddressing() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.headers
}

type protocol struct {
	stack *stack.Stack
	table *stack.ConvTable
	stats tcpip.UDPStats
	log   *logrus.Entry

	queueLimit atomic.Int64
}

func init() {
	stack.RegisterTransportProtocolFactory(ProtocolName, func(s *stack.Stack, t *stack.ConvTable) stack.TransportProtocol {
		return newProtocol(s, t)
	})
}

func newProtocol(s *stack.Stack, t *stack.ConvTable) *protocol {
	p := &protocol{
		stack: s,
		table: t,
		stats: s.Stats().UDP,
		log:   s.Logger().WithField("proto", ProtocolName),
	}
	p.queueLimit.Store(DefaultQueueLimit)
	return p
}

func (*protocol) Number() tcpip.TransportProtocolNumber {
	return ProtocolNumber
}

func (*protocol) Name() string {
	return ProtocolName
}

// Create 新建会话的接收队列和发送队列. The receive queue keeps message
// boundaries; the send queue is a bypass straight into Kick.
func (p *protocol) Create(c *stack.Conv) {
	c.SetPCB(&udpcb{})
	c.SetQueues(
		queue.New(int(p.queueLimit.Load())),
		queue.NewBypass(func(vv buffer.VectorisedView) { p.Kick(c, vv) }),
	)
}

func (p *protocol) Connect(c *stack.Conv, id stack.TransportEndpointID) *tcpip.Error {
	return c.Establish(id, stack.StateConnected)
}

func (p *protocol) Announce(c *stack.Conv, id stack.TransportEndpointID) *tcpip.Error {
	return c.Establish(id, stack.StateAnnounced)
}

// Close 关闭队列并清除控制块
func (p *protocol) Close(c *stack.Conv) {
	c.ReadQueue().Close()
	c.WriteQueue().Close()

	ucb := c.PCB().(*udpcb)
	ucb.mu.Lock()
	ucb.headers = false
	ucb.mu.Unlock()
}

// Ctl 只识别 "headers"
func (p *protocol) Ctl(c *stack.Conv, args []string) *tcpip.Error {
	if len(args) == 1 && args[0] == "headers" {
		ucb := c.PCB().(*udpcb)
		ucb.mu.Lock()
		ucb.headers = true
		ucb.mu.Unlock()
		return nil
	}
	return tcpip.ErrUnknownControl
}

// Stats 格式化统计计数器
func (p *protocol) Stats() string {
	return fmt.Sprintf("InDatagrams: %d\nNoPorts: %d\nInErrors: %d\nOutDatagrams: %d\n"+
		"ChecksumErrors: %d\nLengthErrors: %d\n",
		p.stats.InDatagrams.Value(),
		p.stats.NoPorts.Value(),
		p.stats.InErrors.Value(),
		p.stats.OutDatagrams.Value(),
		p.stats.ChecksumErrors.Value(),
		p.stats.LengthErrors.Value())
}

// State 返回会话的状态行
func (p *protocol) State(c *stack.Conv) string {
	state := "Open"
	if c.State() == stack.StateClosed {
		state = "Closed"
	}
	qin, qout := 0, 0
	if rq := c.ReadQueue(); rq != nil {
		qin = rq.Len()
	}
	if wq := c.WriteQueue(); wq != nil {
		qout = wq.Len()
	}
	return fmt.Sprintf("%s qin %d qout %d\n", state, qin, qout)
}

// SetOption implements stack.TransportProtocol.SetOption.
func (p *protocol) SetOption(option interface{}) *tcpip.Error {
	switch v := option.(type) {
	case QueueLimitOption:
		if v <= 0 {
			return tcpip.ErrInvalidOptionValue
		}
		p.queueLimit.Store(int64(v))
		return nil
	}
	return tcpip.ErrUnknownProtocolOption
}

// Option implements stack.TransportProtocol.Option.
func (p *protocol) Option(option interface{}) *tcpip.Error {
	switch v := option.(type) {
	case *QueueLimitOption:
		*v = QueueLimitOption(p.queueLimit.Load())
		return nil
	}
	return tcpip.ErrUnknownProtocolOption
}
