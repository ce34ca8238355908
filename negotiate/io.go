package negotiate

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/dspinellis/sgsh/negotiate/mb"
	"github.com/pkg/errors"
)

// transport is the pair of stream descriptors a tool negotiates over.
// In production these are the process's real stdin/stdout (which the
// host shell has already wired into the sgsh graph, per spec §1's
// excluded "mechanism by which the host shell launches children"); in
// tests they are ends of UNIX socketpairs strung together into whatever
// graph the test wants to exercise.
type transport struct {
	stdin  *os.File
	stdout *os.File
}

func newTransport(stdin, stdout *os.File) (*transport, error) {
	t := &transport{stdin: stdin, stdout: stdout}
	for _, f := range []*os.File{stdin, stdout} {
		if f == nil {
			continue
		}
		if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
			return nil, NewError(KindIOFatal, errors.Wrap(err, "setting stream side non-blocking"))
		}
	}
	return t, nil
}

func (t *transport) fd(side mb.Side) int {
	if side == mb.SideStdout {
		return int(t.stdout.Fd())
	}
	return int(t.stdin.Fd())
}

// readBlockSize is one page, matching the C original's getpagesize()
// sizing of its read buffer.
const readBlockSize = 4096

// tryReadSide attempts a single non-blocking read on one side. ok=false
// with err=nil means EAGAIN: no data yet, try again (possibly the other
// side first). A zero-length successful read never happens for a
// stream of message blocks in this protocol; an actual EOF (n==0,
// err==nil) is treated as a fatal disconnection, since the negotiation
// phase assumes the other end is still alive until it sends END.
func tryReadSide(fd int) (data []byte, ok bool, err error) {
	buf := make([]byte, readBlockSize)
	n, rerr := unix.Read(fd, buf)
	if rerr == unix.EAGAIN {
		return nil, false, nil
	}
	if rerr != nil {
		return nil, false, NewError(KindIOFatal, errors.Wrap(rerr, "reading message block"))
	}
	if n == 0 {
		return nil, false, NewError(KindIOFatal, errors.New("unexpected EOF while negotiating"))
	}
	return buf[:n], true, nil
}

// readMB reads a message block from whichever of the two sides becomes
// readable first, alternating attempts while both return EAGAIN (there
// is no select()/poll() here, deliberately -- the C original busy-polls
// both fds in sequence because negotiation traffic is tiny and
// latency-sensitive; runtime.Gosched gives other goroutines/processes a
// chance to make progress between spins instead of pegging a core).
func (t *transport) readMB() (*mb.MB, mb.Side, error) {
	sides := []mb.Side{mb.SideStdin, mb.SideStdout}
	for {
		for _, side := range sides {
			fd := t.fd(side)
			data, ok, err := tryReadSide(fd)
			if err != nil {
				return nil, side, err
			}
			if ok {
				parsed, perr := mb.Unmarshal(data)
				if perr != nil {
					return nil, side, NewError(KindProtocolViolation, perr)
				}
				return parsed, side, nil
			}
		}
		runtime.Gosched()
	}
}

// writeMB writes m in full to the given side, retrying on EAGAIN. A
// single message block easily fits a pipe's buffer for any realistic
// sgsh graph, but we still loop to be correct if it doesn't.
func (t *transport) writeMB(side mb.Side, m *mb.MB) error {
	data, err := m.Marshal()
	if err != nil {
		return NewError(KindAllocation, err)
	}
	fd := t.fd(side)
	for len(data) > 0 {
		n, werr := unix.Write(fd, data)
		if werr == unix.EAGAIN {
			runtime.Gosched()
			continue
		}
		if werr != nil {
			return NewError(KindIOFatal, errors.Wrap(werr, "writing message block"))
		}
		data = data[n:]
	}
	return nil
}
