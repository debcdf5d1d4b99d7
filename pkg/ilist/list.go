// Package ilist provides a doubly linked list whose elements can be removed
// in constant time by the holder of the element.
package ilist

// Element 链表中的一个节点
type Element[T any] struct {
	next  *Element[T]
	prev  *Element[T]
	list  *List[T]
	Value T
}

// Next returns the next element or nil.
func (e *Element[T]) Next() *Element[T] {
	return e.next
}

// Prev returns the previous element or nil.
func (e *Element[T]) Prev() *Element[T] {
	return e.prev
}

// List is a doubly linked list. The zero value is an empty list ready to use.
// List is not safe for concurrent use; callers guard it with their own lock.
type List[T any] struct {
	head *Element[T]
	tail *Element[T]
	len  int
}

// Reset 清空链表
func (l *List[T]) Reset() {
	l.head = nil
	l.tail = nil
	l.len = 0
}

func (l *List[T]) Empty() bool {
	return l.head == nil
}

func (l *List[T]) Len() int {
	return l.len
}

func (l *List[T]) Front() *Element[T] {
	return l.head
}

func (l *List[T]) Back() *Element[T] {
	return l.tail
}

// PushFront 在表头插入
func (l *List[T]) PushFront(v T) *Element[T] {
	e := &Element[T]{next: l.head, list: l, Value: v}
	if l.head != nil {
		l.head.prev = e
	} else {
		l.tail = e
	}
	l.head = e
	l.len++
	return e
}

// PushBack 在表尾插入
func (l *List[T]) PushBack(v T) *Element[T] {
	e := &Element[T]{prev: l.tail, list: l, Value: v}
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.len++
	return e
}

// Remove unlinks e. Removing an element that is not in l is a no-op.
func (l *List[T]) Remove(e *Element[T]) {
	if e == nil || e.list != l {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.next = nil
	e.prev = nil
	e.list = nil
	l.len--
}

// PopFront removes and returns the first value.
func (l *List[T]) PopFront() (T, bool) {
	e := l.head
	if e == nil {
		var zero T
		return zero, false
	}
	l.Remove(e)
	return e.Value, true
}
