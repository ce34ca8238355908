package store

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// clientState is the per-client FSM from the wire-protocol table: a
// client only ever reads while waiting for its command or waiting for
// the peer to close, and only ever writes while it has a response in
// flight.
type clientState int

const (
	stateInactive clientState = iota
	stateReadCommand
	stateSendLast
	stateSendCurrent
	stateSendingResponse
	stateWaitClose
)

func (s clientState) String() string {
	switch s {
	case stateInactive:
		return "inactive"
	case stateReadCommand:
		return "read_command"
	case stateSendLast:
		return "send_last"
	case stateSendCurrent:
		return "send_current"
	case stateSendingResponse:
		return "sending_response"
	case stateWaitClose:
		return "wait_close"
	default:
		return "unknown"
	}
}

// client is one slot in the fixed pool: a socket descriptor and the
// cursors bracketing the record currently being streamed to it.
// Response bytes are never materialized into one buffer; flush writes
// straight out of the chain's own buffers via writev, one buffer's
// worth per call, exactly as write_record does.
type client struct {
	debugID uuid.UUID // adapted from the teacher's peer identity; log correlation only
	fd      int
	state   clientState

	writeBegin, writeEnd cursor

	header []byte // remaining length-header bytes; drained before any payload byte is counted written
}

func newClient(fd int) *client {
	return &client{debugID: uuid.New(), fd: fd, state: stateReadCommand}
}

func (c *client) wantsRead() bool {
	switch c.state {
	case stateReadCommand, stateWaitClose:
		return true
	default:
		return false
	}
}

func (c *client) wantsWrite() bool {
	return c.state == stateSendingResponse
}

// readCommand consumes the single command byte and transitions per the
// wire protocol. ok=false with err=nil means EAGAIN: try again next
// ready event.
func (c *client) readCommand() (cmd Command, ok bool, err error) {
	var b [1]byte
	n, rerr := unix.Read(c.fd, b[:])
	if rerr == unix.EAGAIN {
		return 0, false, nil
	}
	if rerr != nil {
		return 0, false, NewError(KindIOFatal, errors.Wrap(rerr, "reading client command"))
	}
	if n == 0 {
		// Peer closed before sending anything: treat like Q-less hangup.
		c.state = stateInactive
		return 0, false, nil
	}
	switch Command(b[0]) {
	case CommandLast:
		c.state = stateSendLast
	case CommandCurrent:
		c.state = stateSendCurrent
	case CommandQuit:
		// handled by the caller, which owns process-wide teardown
	default:
		return 0, false, NewError(KindProtocolViolation, errors.Errorf("unrecognized command byte %q", b[0]))
	}
	return Command(b[0]), true, nil
}

// prepareResponse snapshots the given record range as this client's
// pending response: the fixed-width length header, taken from the
// record's length computed without copying it, followed by the payload
// bytes streamed later straight out of the chain.
func (c *client) prepareResponse(begin, end cursor) {
	c.writeBegin, c.writeEnd = begin, end
	c.header = formatContentLength(recordLength(begin, end))
	c.state = stateSendingResponse
}

// flush writes one writev's worth of the pending response: the length
// header (if not yet sent) plus whatever of the current buffer lies
// between writeBegin and writeEnd, advancing writeBegin by however much
// the kernel actually accepted. EAGAIN is not an error: the caller
// retries on the next writable event. Any other error is returned and
// ends the server's event loop.
func (c *client) flush() (done bool, err error) {
	for {
		if len(c.header) == 0 && c.writeBegin == c.writeEnd {
			c.state = stateWaitClose
			return true, nil
		}

		var payload []byte
		if c.writeBegin.buf != nil {
			var towrite int
			if c.writeBegin.buf == c.writeEnd.buf {
				towrite = c.writeEnd.offset - c.writeBegin.offset
			} else {
				towrite = c.writeBegin.buf.size - c.writeBegin.offset
			}
			payload = c.writeBegin.buf.data[c.writeBegin.offset : c.writeBegin.offset+towrite]
		}

		n, werr := unix.Writev(c.fd, [][]byte{c.header, payload})
		if werr == unix.EAGAIN {
			return false, nil
		}
		if werr != nil {
			return false, NewError(KindIOFatal, errors.Wrap(werr, "writing client response"))
		}

		if len(c.header) > 0 {
			if n < len(c.header) {
				return false, NewError(KindIOFatal, errors.Errorf("short content length header write: %d", n))
			}
			n -= len(c.header)
			c.header = nil
		}
		c.writeBegin.offset += n

		if c.writeBegin.buf != c.writeEnd.buf && c.writeBegin.offset >= c.writeBegin.buf.size {
			c.writeBegin.buf = c.writeBegin.buf.next
			c.writeBegin.offset = 0
		}
	}
}

// waitForClose drains and discards bytes until the peer closes, then
// frees the slot. Any payload the client sends here is protocol noise
// and ignored, matching the spec's "server awaits peer close".
func (c *client) waitForClose() (closed bool, err error) {
	var b [256]byte
	n, rerr := unix.Read(c.fd, b[:])
	if rerr == unix.EAGAIN {
		return false, nil
	}
	if rerr != nil && rerr != unix.ECONNRESET {
		return false, NewError(KindIOFatal, errors.Wrap(rerr, "waiting for client close"))
	}
	if n == 0 || rerr == unix.ECONNRESET {
		c.state = stateInactive
		return true, nil
	}
	return false, nil
}

func (c *client) close() {
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	c.state = stateInactive
}

func formatContentLength(n int) []byte {
	return []byte(fmt.Sprintf("%0*d", contentLengthDigits, n))
}
