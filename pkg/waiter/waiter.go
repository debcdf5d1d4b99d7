// Package waiter provides the wait/notify mechanism used by conversation
// queues to wake readers blocked at the application boundary.
package waiter

import (
	"sync"

	"github.com/qxcheng/ipconv/pkg/ilist"
)

// EventMask represents io events as used in the poll() syscall.
type EventMask uint16

// Events that waiters can wait on.
const (
	EventIn  EventMask = 0x01 // 可读
	EventPri EventMask = 0x02
	EventOut EventMask = 0x04 // 可写
	EventErr EventMask = 0x08
	EventHUp EventMask = 0x10 // 挂断
)

// EntryCallback provides a notify callback.
type EntryCallback interface {
	// Callback is called when the entry's queue is notified. It is called
	// with the queue's read lock held and must not block.
	Callback(e *Entry)
}

// Entry represents a waiter that can be registered with a Queue.
type Entry struct {
	Context  interface{}
	Callback EntryCallback

	mask EventMask
	elem *ilist.Element[*Entry]
}

type channelCallback struct{}

// Callback performs a non-blocking send on the channel stored in e.Context.
func (*channelCallback) Callback(e *Entry) {
	ch := e.Context.(chan struct{})
	select {
	case ch <- struct{}{}:
	default:
	}
}

// NewChannelEntry initializes a new Entry that does a non-blocking write to a
// struct{} channel when the callback is called. It returns the new Entry
// instance and the channel being used.
//
// If a channel isn't specified (i.e., if "c" is nil), then NewChannelEntry
// allocates a new channel.
func NewChannelEntry(c chan struct{}) (Entry, chan struct{}) {
	if c == nil {
		c = make(chan struct{}, 1)
	}
	return Entry{Context: c, Callback: &channelCallback{}}, c
}

// Queue represents the wait queue where waiters can be added and notifiers
// can notify them when events happen.
//
// The zero value for waiter.Queue is an empty queue ready for use.
type Queue struct {
	list ilist.List[*Entry]
	mu   sync.RWMutex
}

// EventRegister adds a waiter to the wait queue; the waiter will be notified
// when at least one of the events specified in mask happens.
func (q *Queue) EventRegister(e *Entry, mask EventMask) {
	q.mu.Lock()
	e.mask = mask
	e.elem = q.list.PushBack(e)
	q.mu.Unlock()
}

// EventUnregister removes the given waiter entry from the wait queue.
func (q *Queue) EventUnregister(e *Entry) {
	q.mu.Lock()
	q.list.Remove(e.elem)
	e.elem = nil
	q.mu.Unlock()
}

// Notify notifies all waiters in the queue whose masks have at least one bit
// in common with the notification mask.
func (q *Queue) Notify(mask EventMask) {
	q.mu.RLock()
	for it := q.list.Front(); it != nil; it = it.Next() {
		if e := it.Value; mask&e.mask != 0 {
			e.Callback.Callback(e)
		}
	}
	q.mu.RUnlock()
}

// Events returns the set of events being waited on. It is the union of the
// masks of all registered entries.
func (q *Queue) Events() EventMask {
	ret := EventMask(0)

	q.mu.RLock()
	for it := q.list.Front(); it != nil; it = it.Next() {
		ret |= it.Value.mask
	}
	q.mu.RUnlock()

	return ret
}

// IsEmpty returns if the wait queue is empty or not.
func (q *Queue) IsEmpty() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.list.Empty()
}
