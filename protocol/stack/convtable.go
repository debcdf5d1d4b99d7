package stack

import (
	"slices"
	"sync"

	"github.com/qxcheng/ipconv/pkg/waiter"
	tcpip "github.com/qxcheng/ipconv/protocol"
	"github.com/qxcheng/ipconv/protocol/header"
	"github.com/qxcheng/ipconv/protocol/network/hash"
)

// 会话表的桶数
const tableBuckets = 521

// Handle 会话在arena中的位置. Gen changes every time a slot is reused, so a
// stale handle never resolves to a newer conversation.
type Handle struct {
	Index int
	Gen   uint32
}

type tableEntry struct {
	id TransportEndpointID
	h  Handle
}

type slot struct {
	c   *Conv
	gen uint32
}

// ConvTable 一个传输层协议的会话表. Its lock is the table lock: it serializes
// lookups, insertions and removals, and is always taken before any
// conversation lock.
type ConvTable struct {
	stack *Stack
	proto TransportProtocol

	mu      sync.Mutex
	buckets [tableBuckets][]tableEntry
	entries int

	// arena
	slots   []slot
	free    []int
	max     int
	backlog int
}

func newConvTable(s *Stack, max, backlog int) *ConvTable {
	return &ConvTable{stack: s, max: max, backlog: backlog}
}

// Lock 获取表锁
func (t *ConvTable) Lock() {
	t.mu.Lock()
}

// Unlock 释放表锁
func (t *ConvTable) Unlock() {
	t.mu.Unlock()
}

func bucketOf(id TransportEndpointID) int {
	return int(hash.ConvHash(id.RemoteAddress, id.RemotePort, id.LocalPort) % tableBuckets)
}

func (t *ConvTable) resolveLocked(h Handle) *Conv {
	if h.Index < 0 || h.Index >= len(t.slots) {
		return nil
	}
	s := t.slots[h.Index]
	if s.c == nil || s.gen != h.Gen {
		return nil
	}
	return s.c
}

// getLocked 精确匹配
func (t *ConvTable) getLocked(id TransportEndpointID) *Conv {
	for _, e := range t.buckets[bucketOf(id)] {
		if e.id == id {
			return t.resolveLocked(e.h)
		}
	}
	return nil
}

// LookupLocked 根据4元组找到会话. The probes are, in order: the exact tuple,
// the tuple with the local address unset, the tuple with the remote half
// unset, and the local port alone. Each probe is an exact comparison against
// a stored key. The table lock must be held.
func (t *ConvTable) LookupLocked(id TransportEndpointID) *Conv {
	if c := t.getLocked(id); c != nil {
		return c
	}

	// 监听时可能没有绑定本地地址
	nid := id
	nid.LocalAddress = header.IPv6Any
	if c := t.getLocked(nid); c != nil {
		return c
	}

	// Try to find a match with the id minus the remote part.
	nid.LocalAddress = id.LocalAddress
	nid.RemoteAddress = header.IPv6Any
	nid.RemotePort = 0
	if c := t.getLocked(nid); c != nil {
		return c
	}

	// Try to find a match with only the local port.
	nid.LocalAddress = header.IPv6Any
	return t.getLocked(nid)
}

// Lookup is LookupLocked taking the table lock itself. The result is only a
// hint once the lock is dropped.
func (t *ConvTable) Lookup(id TransportEndpointID) *Conv {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.LookupLocked(id)
}

// MatchLocked 找到ICMP通告所指的会话: the conversation stored under id, or
// under id with the local address unset.
func (t *ConvTable) MatchLocked(id TransportEndpointID) *Conv {
	if c := t.getLocked(id); c != nil {
		return c
	}
	nid := id
	nid.LocalAddress = header.IPv6Any
	return t.getLocked(nid)
}

// InsertLocked 以id为key插入会话. It fails with ErrPortInUse if the key is
// already taken and with ErrAlreadyBound if c is already in the table.
func (t *ConvTable) InsertLocked(c *Conv, id TransportEndpointID) *tcpip.Error {
	if c.inTable {
		return tcpip.ErrAlreadyBound
	}
	if t.getLocked(id) != nil {
		return tcpip.ErrPortInUse
	}
	b := bucketOf(id)
	t.buckets[b] = append(t.buckets[b], tableEntry{id: id, h: c.handle})
	c.key = id
	c.inTable = true
	t.entries++
	return nil
}

// Insert is InsertLocked taking the table lock itself.
func (t *ConvTable) Insert(c *Conv, id TransportEndpointID) *tcpip.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.InsertLocked(c, id)
}

// Remove 从表中删除会话; removing an absent conversation does nothing.
func (t *ConvTable) Remove(c *Conv) {
	t.mu.Lock()
	t.removeLocked(c)
	t.mu.Unlock()
}

func (t *ConvTable) removeLocked(c *Conv) {
	if !c.inTable {
		return
	}
	b := bucketOf(c.key)
	t.buckets[b] = slices.DeleteFunc(t.buckets[b], func(e tableEntry) bool {
		return e.h == c.handle
	})
	c.inTable = false
	t.entries--
}

// Len 返回表中的会话数
func (t *ConvTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries
}

// Conversations returns every allocated conversation, in arena order.
func (t *ConvTable) Conversations() []*Conv {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := make([]*Conv, 0, len(t.slots))
	for _, s := range t.slots {
		if s.c != nil {
			cs = append(cs, s.c)
		}
	}
	return cs
}

// allocLocked 从arena中分配一个会话
func (t *ConvTable) allocLocked() (*Conv, *tcpip.Error) {
	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else if len(t.slots) < t.max {
		idx = len(t.slots)
		t.slots = append(t.slots, slot{})
	} else {
		return nil, tcpip.ErrNoConversations
	}

	s := &t.slots[idx]
	s.gen++
	s.c = newConv(t, Handle{Index: idx, Gen: s.gen})
	return s.c, nil
}

// New 分配并初始化一个空闲会话
func (t *ConvTable) New() (*Conv, *tcpip.Error) {
	t.mu.Lock()
	c, err := t.allocLocked()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	t.proto.Create(c)
	c.mu.Unlock()
	return c, nil
}

// release 把会话的slot还给arena
func (t *ConvTable) release(c *Conv) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolveLocked(c.handle) == c {
		t.slots[c.handle.Index].c = nil
		t.free = append(t.free, c.handle.Index)
	}
}

// NewCallLocked 为监听会话l创建一个绑定到id的新会话, enters it into the table
// and queues it on l for Accept. It fails when l's backlog is full or the
// arena is exhausted. The table lock must be held and l must not be locked.
func (t *ConvTable) NewCallLocked(l *Conv, id TransportEndpointID) (*Conv, *tcpip.Error) {
	l.mu.Lock()
	full := l.incall.Len() >= t.backlog
	ttl, tos, ignoreAdvice := l.ttl, l.tos, l.ignoreAdvice
	l.mu.Unlock()
	if full {
		return nil, tcpip.ErrNoBufferSpace
	}

	nc, err := t.allocLocked()
	if err != nil {
		return nil, err
	}
	if err := t.InsertLocked(nc, id); err != nil {
		t.slots[nc.handle.Index].c = nil
		t.free = append(t.free, nc.handle.Index)
		return nil, err
	}

	nc.mu.Lock()
	t.proto.Create(nc)
	nc.id = id
	nc.state = StateConnected
	nc.ttl, nc.tos, nc.ignoreAdvice = ttl, tos, ignoreAdvice
	nc.portReserved = true
	nc.mu.Unlock()
	t.stack.Reserve(t.proto.Number(), id.LocalPort)

	l.mu.Lock()
	l.incall.PushBack(nc)
	l.mu.Unlock()
	l.listenQ.Notify(waiter.EventIn)
	return nc, nil
}
