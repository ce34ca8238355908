package store

// cursor designates one byte position in the chain: the buffer it
// falls in, plus the offset within that buffer's populated bytes. A
// cursor at the very end of a buffer (offset == buf.size) denotes the
// boundary between that buffer and the next.
type cursor struct {
	buf    *buffer
	offset int
}

// bytesBetween copies out the bytes from begin (inclusive) to end
// (exclusive), which may span several linked buffers.
func bytesBetween(begin, end cursor) []byte {
	if begin.buf == nil || end.buf == nil {
		return nil
	}
	var out []byte
	b := begin.buf
	off := begin.offset
	for b != nil {
		stop := b.size
		if b == end.buf {
			stop = end.offset
		}
		if off < stop {
			out = append(out, b.data[off:stop]...)
		}
		if b == end.buf {
			break
		}
		b = b.next
		off = 0
	}
	return out
}

// recordLength returns the byte span from begin to end without copying
// anything out, the same arithmetic as content_length: if both cursors
// fall in the same buffer it's a plain subtraction, otherwise the first
// buffer's tail, every whole buffer in between, and the last buffer's
// head.
func recordLength(begin, end cursor) int {
	if begin.buf == end.buf {
		return end.offset - begin.offset
	}
	n := begin.buf.size - begin.offset
	for b := begin.buf.next; b != nil && b != end.buf; b = b.next {
		n += b.size
	}
	n += end.offset
	return n
}

// currentRecord computes the [begin, end) range for the range query
// (rbegin, rend), per the two record modes. ok is false when fewer than
// rend complete records are available yet.
func (c *chain) currentRecord(rbegin, rend int) (begin, end cursor, ok bool) {
	if c.tail == nil {
		return cursor{}, cursor{}, false
	}

	if c.mode.fixed() {
		length := int64(c.mode.FixedLength)
		available := c.tail.byteCount / length
		if available < int64(rend) {
			return cursor{}, cursor{}, false
		}
		endOffset := c.tail.byteCount - c.tail.byteCount%length - int64(rbegin)*length
		beginOffset := endOffset - int64(rend-rbegin)*length
		eb, ei := c.posAtByteOffset(endOffset)
		bb, bi := c.posAtByteOffset(beginOffset)
		return cursor{bb, bi}, cursor{eb, ei}, true
	}

	if c.tail.recordCount < int64(rend) {
		return cursor{}, cursor{}, false
	}
	targetEnd := c.tail.recordCount - int64(rbegin)
	targetBegin := c.tail.recordCount - int64(rend)
	eb, ei := c.posAfterNthSeparator(targetEnd)
	bb, bi := c.posAfterNthSeparator(targetBegin)
	return cursor{bb, bi}, cursor{eb, ei}, true
}

// installEOF is called exactly once, when input ingestion observes EOF,
// to decide what the "last" record is:
//   - if a complete record is already available under the default
//     range, that's it (the trailing empty read is simply discarded);
//   - otherwise, if no buffer exists at all, the last record is empty;
//   - otherwise, the entire chain collapses into a single record.
func (c *chain) installEOF() {
	if begin, end, ok := c.currentRecord(0, 1); ok {
		c.eofBegin, c.eofEnd = begin, end
	} else if c.head == nil {
		c.eofBegin, c.eofEnd = cursor{}, cursor{}
	} else {
		c.eofBegin, c.eofEnd = cursor{c.head, 0}, cursor{c.tail, c.tail.size}
	}
	c.reachedEOF = true
}

// lastRecord returns the record installEOF computed. ok is false until
// EOF has actually been observed.
func (c *chain) lastRecord() (begin, end cursor, ok bool) {
	if !c.reachedEOF {
		return cursor{}, cursor{}, false
	}
	return c.eofBegin, c.eofEnd, true
}
