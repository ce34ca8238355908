package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotsAdmitAndRelease(t *testing.T) {
	s := newSlots()
	c := newClient(-1)
	require.NoError(t, s.admit(c))

	count := 0
	s.each(func(*client) { count++ })
	assert.Equal(t, 1, count)

	s.release(c)
	count = 0
	s.each(func(*client) { count++ })
	assert.Equal(t, 0, count)
}

func TestSlotsExhaustionIsFatal(t *testing.T) {
	s := newSlots()
	for i := 0; i < maxClientSlots; i++ {
		require.NoError(t, s.admit(newClient(-1)))
	}
	err := s.admit(newClient(-1))
	require.Error(t, err)
	storeErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindSlotExhaustion, storeErr.Kind)
}

func TestOldestBufferBeingWritten(t *testing.T) {
	c := newChain(Mode{Separator: '\n'})
	b1 := newBuffer()
	copy(b1.data, []byte("a\n"))
	b1.size = 2
	c.append(b1)

	b2 := newBuffer()
	copy(b2.data, []byte("b\n"))
	b2.size = 2
	c.append(b2)

	s := newSlots()
	client1 := newClient(-1)
	client1.state = stateSendingResponse
	client1.writeBegin = cursor{buf: b2}
	require.NoError(t, s.admit(client1))

	client2 := newClient(-1)
	client2.state = stateSendingResponse
	client2.writeBegin = cursor{buf: b1}
	require.NoError(t, s.admit(client2))

	assert.Equal(t, b1, s.oldestBufferBeingWritten(c))
}
