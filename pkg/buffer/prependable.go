package buffer

// Prependable is a header buffer that grows towards the front: each protocol
// layer prepends its header in front of the ones already written.
type Prependable struct {
	buf     View
	usedIdx int // usedIdx 已使用的buffer的起始索引
}

func NewPrependable(size int) Prependable {
	return Prependable{buf: NewView(size), usedIdx: size}
}

// View 返回已使用的buf切片
func (p Prependable) View() View {
	return p.buf[p.usedIdx:]
}

// UsedLength 返回已使用的字节数
func (p Prependable) UsedLength() int {
	return len(p.buf) - p.usedIdx
}

// AvailableLength returns the number of bytes that can still be prepended.
func (p Prependable) AvailableLength() int {
	return p.usedIdx
}

// Prepend 在前面返回size大小的切片[p.usedIdx-size:p.usedIdx] 用于添加协议头
// It returns nil when fewer than size bytes are available.
func (p *Prependable) Prepend(size int) []byte {
	if size > p.usedIdx {
		return nil
	}
	p.usedIdx -= size
	return p.View()[:size:size]
}

// Join puts the used headers in front of payload and returns the result,
// transferring ownership of payload to it.
func (p Prependable) Join(payload VectorisedView) VectorisedView {
	payload.Prepend(p.View())
	return payload
}
