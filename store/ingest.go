package store

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// readInput services one readable event on the input descriptor: it
// allocates a fresh buffer, reads up to its capacity, links it at the
// tail (computing cumulative counts), and on EOF installs the last
// record per installEOF's three cases. ok reports whether the chain
// changed in a way the caller should recompute the current record for;
// it is true both for an ordinary read and for the terminal EOF event.
func (c *chain) readInput(fd int) (ok bool, err error) {
	b := newBuffer()
	n, rerr := unix.Read(fd, b.data)
	if rerr == unix.EAGAIN {
		return false, nil
	}
	if rerr != nil {
		return false, NewError(KindIOFatal, errors.Wrap(rerr, "reading input stream"))
	}
	if n == 0 {
		c.installEOF()
		return true, nil
	}
	b.size = n
	c.append(b)
	return true, nil
}
