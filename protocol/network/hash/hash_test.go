package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"

	tcpip "github.com/qxcheng/ipconv/protocol"
)

func TestHash3WordsDeterministic(t *testing.T) {
	assert.Equal(t, Hash3Words(1, 2, 3, 7), Hash3Words(1, 2, 3, 7))
	assert.NotEqual(t, Hash3Words(1, 2, 3, 7), Hash3Words(1, 2, 4, 7))
}

func TestConvHashIgnoresLocalAddress(t *testing.T) {
	var raddr tcpip.Address = "\x20\x01\x0d\xb8\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01"
	h := ConvHash(raddr, 4000, 7)
	assert.Equal(t, h, ConvHash(raddr, 4000, 7))
	assert.NotEqual(t, h, ConvHash(raddr, 4001, 7))
}

func TestRandN32(t *testing.T) {
	assert.Len(t, RandN32(4), 4)
}
