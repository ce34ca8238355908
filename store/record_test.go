package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSeparatorCurrentRecord(t *testing.T) {
	c := newChain(Mode{Separator: '\n'})
	b := newBuffer()
	data := []byte("a\nbb\ncc")
	copy(b.data, data)
	b.size = len(data)
	c.append(b)

	begin, end, ok := c.currentRecord(0, 1)
	require.True(t, ok)
	assert.Equal(t, "bb\n", string(bytesBetween(begin, end)))
}

func TestFixedLengthCurrentRecord(t *testing.T) {
	c := newChain(Mode{FixedLength: 4})
	b := newBuffer()
	data := []byte("AAAABBBBCC")
	copy(b.data, data)
	b.size = len(data)
	c.append(b)

	begin, end, ok := c.currentRecord(0, 1)
	require.True(t, ok)
	assert.Equal(t, "BBBB", string(bytesBetween(begin, end)))
}

func TestLastRecordAfterEOF(t *testing.T) {
	c := newChain(Mode{Separator: '\n'})
	b := newBuffer()
	data := []byte("x\ny\n")
	copy(b.data, data)
	b.size = len(data)
	c.append(b)

	c.installEOF()
	begin, end, ok := c.lastRecord()
	require.True(t, ok)
	assert.Equal(t, "y\n", string(bytesBetween(begin, end)))
}

func TestLastRecordWithNoTrailingSeparatorTreatsWholeChainAsOneRecord(t *testing.T) {
	c := newChain(Mode{Separator: '\n'})
	b := newBuffer()
	data := []byte("partial-no-newline")
	copy(b.data, data)
	b.size = len(data)
	c.append(b)

	c.installEOF()
	begin, end, ok := c.lastRecord()
	require.True(t, ok)
	assert.Equal(t, "partial-no-newline", string(bytesBetween(begin, end)))
}

func TestLastRecordWithNoInputIsEmpty(t *testing.T) {
	c := newChain(Mode{Separator: '\n'})
	c.installEOF()
	begin, end, ok := c.lastRecord()
	require.True(t, ok)
	assert.Equal(t, "", string(bytesBetween(begin, end)))
}

func TestCurrentRecordUnavailableBeforeEnoughRecords(t *testing.T) {
	c := newChain(Mode{Separator: '\n'})
	b := newBuffer()
	data := []byte("onlyonerecord\n")
	copy(b.data, data)
	b.size = len(data)
	c.append(b)

	_, _, ok := c.currentRecord(1, 2)
	assert.False(t, ok)
}

func TestRecordCountMonotonicityAcrossBuffers(t *testing.T) {
	c := newChain(Mode{Separator: '\n'})
	first := newBuffer()
	copy(first.data, []byte("aaa\nbbb\n"))
	first.size = 8
	c.append(first)

	second := newBuffer()
	copy(second.data, []byte("ccc\n"))
	second.size = 4
	c.append(second)

	assert.LessOrEqual(t, first.recordCount, second.recordCount)
	assert.LessOrEqual(t, first.byteCount, second.byteCount)
}

func TestTrimStopsAtCurrentRecordBegin(t *testing.T) {
	c := newChain(Mode{Separator: '\n'})
	first := newBuffer()
	copy(first.data, []byte("aaa\n"))
	first.size = 4
	c.append(first)

	second := newBuffer()
	copy(second.data, []byte("bbb\n"))
	second.size = 4
	c.append(second)

	begin, _, ok := c.currentRecord(0, 1)
	require.True(t, ok)
	assert.Equal(t, second, begin.buf)

	c.trim(begin.buf, nil)
	assert.Equal(t, second, c.head)
}
