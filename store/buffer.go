package store

import "time"

// buffer is one fixed-capacity link in the input chain. recordCount and
// byteCount are cumulative totals through and including this buffer, so
// that locating "the Nth record from the start" or "absolute byte
// offset N" only ever needs a forward walk comparing against these
// running totals, never a full rescan of everything read so far.
type buffer struct {
	data []byte // data[:size] is populated; cap(data) == bufferCapacity
	size int

	timestamp time.Time

	recordCount int64 // complete records whose terminator lies at or before this buffer's end
	byteCount   int64 // bytes read through and including this buffer

	prev, next *buffer
}

func newBuffer() *buffer {
	return &buffer{data: make([]byte, bufferCapacity)}
}

// chain is the doubly linked sequence of buffers the store ingests
// input into. It is mutated by exactly one goroutine (the event loop),
// matching the single-threaded cooperative model: no locking.
type chain struct {
	mode       Mode
	head, tail *buffer

	reachedEOF bool
	eofBegin   cursor
	eofEnd     cursor
}

func newChain(mode Mode) *chain {
	return &chain{mode: mode}
}

// append links a freshly filled buffer b at the tail, computing its
// cumulative counts from whatever buffer (if any) preceded it.
func (c *chain) append(b *buffer) {
	b.timestamp = time.Now()
	var prevRecords, prevBytes int64
	if c.tail != nil {
		prevRecords, prevBytes = c.tail.recordCount, c.tail.byteCount
		c.tail.next = b
		b.prev = c.tail
	} else {
		c.head = b
	}
	c.tail = b

	b.byteCount = prevBytes + int64(b.size)
	if c.mode.fixed() {
		b.recordCount = b.byteCount / int64(c.mode.FixedLength)
	} else {
		var n int64
		for i := 0; i < b.size; i++ {
			if b.data[i] == c.mode.Separator {
				n++
			}
		}
		b.recordCount = prevRecords + n
	}
}

// trim frees buffers from the head while the head precedes both stop
// points, stopping at whichever of the two is reached first -- the
// earlier of current_record_begin and the oldest buffer any client in
// sending_response still references.
func (c *chain) trim(currentBegin, oldestWriting *buffer) {
	for c.head != nil && c.head != currentBegin && c.head != oldestWriting {
		next := c.head.next
		c.head.next = nil
		if next != nil {
			next.prev = nil
		} else {
			c.tail = nil
		}
		c.head = next
	}
}

// posAfterNthSeparator returns the position immediately after the n-th
// separator byte counting from the start of the chain (n is 1-based).
// n <= 0 denotes the very start of the chain. A position at the end of
// a buffer that has a successor is returned as the successor's start.
func (c *chain) posAfterNthSeparator(n int64) (buf *buffer, idx int) {
	if n <= 0 {
		return c.head, 0
	}
	var prevCount int64
	for b := c.head; b != nil; b = b.next {
		if b.recordCount >= n {
			need := n - prevCount
			var count int64
			for i := 0; i < b.size; i++ {
				if b.data[i] == c.mode.Separator {
					count++
					if count == need {
						if i+1 == b.size && b.next != nil {
							return b.next, 0
						}
						return b, i + 1
					}
				}
			}
		}
		prevCount = b.recordCount
	}
	return c.tail, c.tail.size
}

// posAtByteOffset returns the position at absolute byte offset n from
// the start of the chain (fixed-length mode's cursor arithmetic).
func (c *chain) posAtByteOffset(n int64) (buf *buffer, idx int) {
	if n <= 0 {
		return c.head, 0
	}
	var prevBytes int64
	for b := c.head; b != nil; b = b.next {
		if b.byteCount >= n {
			return b, int(n - prevBytes)
		}
		prevBytes = b.byteCount
	}
	return c.tail, c.tail.size
}
