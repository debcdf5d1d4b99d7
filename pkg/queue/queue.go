// Package queue implements the conversation queues: a bounded,
// message-preserving inbound queue and a bypass outbound queue that hands
// each write straight to the protocol.
package queue

import (
	"context"
	"sync"

	"github.com/qxcheng/ipconv/pkg/buffer"
	"github.com/qxcheng/ipconv/pkg/ilist"
	"github.com/qxcheng/ipconv/pkg/waiter"
	tcpip "github.com/qxcheng/ipconv/protocol"
)

// KickFunc 接收写入bypass队列的数据
type KickFunc func(vv buffer.VectorisedView)

// Queue is a conversation queue. Inbound queues hold whole messages up to a
// byte limit; bypass queues hold nothing and pass every write to their kick
// function.
type Queue struct {
	waiter.Queue

	mu     sync.Mutex
	list   ilist.List[buffer.View]
	size   int // 已排队的字节数
	limit  int
	closed bool
	err    *tcpip.Error // 挂断时的错误
	kick   KickFunc
}

// New 新建一个容量为limit字节的消息队列
func New(limit int) *Queue {
	return &Queue{limit: limit}
}

// NewBypass 新建一个bypass队列
func NewBypass(kick KickFunc) *Queue {
	return &Queue{kick: kick}
}

// SetLimit 修改队列的容量
func (q *Queue) SetLimit(limit int) {
	q.mu.Lock()
	q.limit = limit
	q.mu.Unlock()
}

// Full reports whether the queued bytes have reached the limit.
func (q *Queue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.kick == nil && q.size >= q.limit
}

// Len 返回已排队的字节数
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Pass 把一条消息放入队列, taking ownership of v. It returns false and drops
// v when the queue has been closed or hung up.
func (q *Queue) Pass(v buffer.View) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.list.PushBack(v)
	q.size += len(v)
	q.mu.Unlock()

	q.Notify(waiter.EventIn)
	return true
}

// Read 非阻塞地读取一条消息
// Queued messages are still returned after a hangup; once the queue is empty
// the hangup error is. An open empty queue returns ErrWouldBlock.
func (q *Queue) Read() (buffer.View, *tcpip.Error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.list.Empty() {
		if q.closed {
			if q.err != nil {
				return nil, q.err
			}
			return nil, tcpip.ErrClosedForReceive
		}
		return nil, tcpip.ErrWouldBlock
	}

	v, _ := q.list.PopFront()
	q.size -= len(v)
	return v, nil
}

// ReadContext 阻塞读取一条消息, 直到有数据、队列挂断或者ctx结束
func (q *Queue) ReadContext(ctx context.Context) (buffer.View, error) {
	e, ch := waiter.NewChannelEntry(nil)
	q.EventRegister(&e, waiter.EventIn|waiter.EventHUp)
	defer q.EventUnregister(&e)

	for {
		v, err := q.Read()
		if err == nil {
			return v, nil
		}
		if err != tcpip.ErrWouldBlock {
			return nil, err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Write 写入数据. A bypass queue calls its kick function with vv outside the
// queue lock; an ordinary queue behaves like Pass.
func (q *Queue) Write(vv buffer.VectorisedView) *tcpip.Error {
	q.mu.Lock()
	if q.closed {
		err := q.err
		q.mu.Unlock()
		if err == nil {
			err = tcpip.ErrClosedForSend
		}
		return err
	}
	kick := q.kick
	q.mu.Unlock()

	if kick == nil {
		if !q.Pass(vv.ToView()) {
			return tcpip.ErrClosedForSend
		}
		return nil
	}
	kick(vv)
	return nil
}

// Hangup 异常关闭队列, waking every waiter. Readers drain what is queued and
// then get an error carrying msg.
func (q *Queue) Hangup(msg string) {
	q.mu.Lock()
	q.closed = true
	if msg != "" {
		q.err = tcpip.NewError(msg)
	} else {
		q.err = tcpip.ErrHungup
	}
	q.mu.Unlock()

	q.Notify(waiter.EventIn | waiter.EventHUp)
}

// Close 关闭队列并丢弃所有数据
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.list.Reset()
	q.size = 0
	q.mu.Unlock()

	q.Notify(waiter.EventIn | waiter.EventHUp)
}

// Readiness returns the events of mask that are currently ready.
func (q *Queue) Readiness(mask waiter.EventMask) waiter.EventMask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result waiter.EventMask
	if mask&waiter.EventIn != 0 && (!q.list.Empty() || q.closed) {
		result |= waiter.EventIn
	}
	if mask&waiter.EventHUp != 0 && q.closed {
		result |= waiter.EventHUp
	}
	return result
}
