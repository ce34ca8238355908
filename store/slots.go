package store

import "github.com/pkg/errors"

// slots is the fixed pool of client connections, adapted from the
// teacher's group: a collection the event loop joins a member into on
// accept and releases on close, plus an aggregate query (here, "which
// member is the oldest buffer-holder" rather than "every member",
// because each client's write progress -- not its membership -- is what
// the trimmer cares about).
type slots struct {
	members [maxClientSlots]*client
}

func newSlots() *slots {
	return &slots{}
}

// admit places c in the first free slot. A full pool is a fatal
// slot-exhaustion error per spec.
func (s *slots) admit(c *client) error {
	for i := range s.members {
		if s.members[i] == nil {
			s.members[i] = c
			return nil
		}
	}
	return NewError(KindSlotExhaustion, errors.Errorf("all %d client slots are in use", maxClientSlots))
}

// release frees c's slot.
func (s *slots) release(c *client) {
	for i := range s.members {
		if s.members[i] == c {
			s.members[i] = nil
			return
		}
	}
}

// each calls fn for every occupied slot.
func (s *slots) each(fn func(*client)) {
	for _, c := range s.members {
		if c != nil {
			fn(c)
		}
	}
}

// oldestBufferBeingWritten is the earliest (closest-to-head) buffer any
// client currently in sendingResponse still references, recomputed
// whenever a client enters or leaves that state. Trimming must never
// free this buffer or anything still ahead of it in the chain.
func (s *slots) oldestBufferBeingWritten(c *chain) *buffer {
	var oldest *buffer
	s.each(func(cl *client) {
		if cl.state != stateSendingResponse || cl.writeBegin.buf == nil {
			return
		}
		if oldest == nil || bufferPrecedes(cl.writeBegin.buf, oldest) {
			oldest = cl.writeBegin.buf
		}
	})
	return oldest
}

// bufferPrecedes reports whether a occurs at or before b when walking
// forward from a (a and b are assumed to belong to the same chain).
func bufferPrecedes(a, b *buffer) bool {
	for cur := a; cur != nil; cur = cur.next {
		if cur == b {
			return true
		}
	}
	return false
}
