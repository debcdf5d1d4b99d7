package waiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyMatchesMask(t *testing.T) {
	var q Queue
	in, inCh := NewChannelEntry(nil)
	hup, hupCh := NewChannelEntry(nil)

	q.EventRegister(&in, EventIn)
	q.EventRegister(&hup, EventHUp|EventErr)
	assert.Equal(t, EventIn|EventHUp|EventErr, q.Events())

	q.Notify(EventIn)
	assert.Len(t, inCh, 1)
	assert.Len(t, hupCh, 0)

	q.Notify(EventErr)
	assert.Len(t, hupCh, 1)
}

func TestNotifyDoesNotBlockOnFullChannel(t *testing.T) {
	var q Queue
	e, ch := NewChannelEntry(nil)
	q.EventRegister(&e, EventIn)

	q.Notify(EventIn)
	q.Notify(EventIn)
	assert.Len(t, ch, 1)
}

func TestUnregister(t *testing.T) {
	var q Queue
	e, ch := NewChannelEntry(nil)
	q.EventRegister(&e, EventIn)
	q.EventUnregister(&e)

	q.Notify(EventIn)
	assert.Len(t, ch, 0)
	assert.True(t, q.IsEmpty())
}
