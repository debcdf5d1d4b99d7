package loopback

import (
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65536

// pcapWriter 以LINKTYPE_RAW格式记录IP包
type pcapWriter struct {
	mu sync.Mutex
	w  *pcapgo.Writer
	c  io.Closer // nil unless the destination is closable
}

func newPcapWriter(dst io.Writer) (*pcapWriter, error) {
	w := pcapgo.NewWriter(dst)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, err
	}
	p := &pcapWriter{w: w}
	if c, ok := dst.(io.Closer); ok {
		p.c = c
	}
	return p, nil
}

func (p *pcapWriter) WritePacket(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return io.ErrClosedPipe
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	return p.w.WritePacket(ci, data)
}

func (p *pcapWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.w = nil
	if p.c != nil {
		return p.c.Close()
	}
	return nil
}
