package store

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Server is the value-store process: single-threaded, cooperative,
// driven entirely by one multiplexed wait over the input descriptor,
// the listening socket, and every active client's socket -- adapted
// from the teacher's node.handler() select loop, restructured around
// unix.Poll since the descriptors here are raw UNIX sockets and a pipe
// fd rather than zmq sockets.
type Server struct {
	socketPath string
	inputFd    int
	listenFd   int

	chain *chain
	slots *slots

	log *logrus.Entry
}

// NewServer builds a Server listening on socketPath (removing any stale
// socket first) and reading records from inputFd in the given mode.
func NewServer(socketPath string, mode Mode, inputFd int) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, NewError(KindIOFatal, errors.Wrap(err, "removing stale socket path"))
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, NewError(KindIOFatal, errors.Wrap(err, "creating listening socket"))
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: socketPath}); err != nil {
		unix.Close(fd)
		return nil, NewError(KindIOFatal, errors.Wrap(err, "binding socket path"))
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, NewError(KindIOFatal, errors.Wrap(err, "listening on socket"))
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, NewError(KindIOFatal, errors.Wrap(err, "setting listen socket non-blocking"))
	}
	if err := unix.SetNonblock(inputFd, true); err != nil {
		unix.Close(fd)
		return nil, NewError(KindIOFatal, errors.Wrap(err, "setting input non-blocking"))
	}

	return &Server{
		socketPath: socketPath,
		inputFd:    inputFd,
		listenFd:   fd,
		chain:      newChain(mode),
		slots:      newSlots(),
		log:        logrus.WithField("socket", socketPath),
	}, nil
}

// Run drives the event loop until a client sends Q or a fatal error
// occurs. On a clean Q shutdown it returns nil having already unlinked
// the socket path; the caller is expected to exit 0.
func (s *Server) Run() error {
	for {
		quit, err := s.poll()
		if err != nil {
			return err
		}
		if quit {
			return s.shutdown()
		}
	}
}

func (s *Server) shutdown() error {
	s.slots.each(func(c *client) { c.close() })
	unix.Close(s.listenFd)
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return NewError(KindIOFatal, errors.Wrap(err, "unlinking socket path on quit"))
	}
	return nil
}

// poll runs one iteration of the central multiplexed wait: build the
// pollset from current interest, block, then dispatch every ready
// descriptor. quit is true once a client has sent Q.
func (s *Server) poll() (quit bool, err error) {
	var fds []unix.PollFd
	var clients []*client

	inputIdx, listenIdx := -1, -1
	if !s.chain.reachedEOF {
		inputIdx = len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(s.inputFd), Events: unix.POLLIN})
	}
	listenIdx = len(fds)
	fds = append(fds, unix.PollFd{Fd: int32(s.listenFd), Events: unix.POLLIN})

	s.slots.each(func(c *client) {
		var events int16
		if c.wantsRead() {
			events |= unix.POLLIN
		}
		if c.wantsWrite() {
			events |= unix.POLLOUT
		}
		if events == 0 {
			return
		}
		clients = append(clients, c)
		fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: events})
	})

	if _, perr := unix.Poll(fds, -1); perr != nil {
		if perr == unix.EINTR {
			return false, nil
		}
		return false, NewError(KindIOFatal, errors.Wrap(perr, "polling descriptors"))
	}

	if inputIdx >= 0 && fds[inputIdx].Revents&unix.POLLIN != 0 {
		if _, ierr := s.chain.readInput(s.inputFd); ierr != nil {
			return false, ierr
		}
		s.recomputeCurrentRecord()
	}

	if fds[listenIdx].Revents&unix.POLLIN != 0 {
		if aerr := s.accept(); aerr != nil {
			return false, aerr
		}
	}

	for i, c := range clients {
		fd := fds[len(fds)-len(clients)+i]
		q, cerr := s.serviceClient(c, fd.Revents)
		if cerr != nil {
			return false, cerr
		}
		if q {
			quit = true
		}
	}
	if quit {
		return true, nil
	}
	return false, nil
}

func (s *Server) accept() error {
	fd, _, err := unix.Accept(s.listenFd)
	if err == unix.EAGAIN {
		return nil
	}
	if err != nil {
		return NewError(KindIOFatal, errors.Wrap(err, "accepting client connection"))
	}
	if serr := unix.SetNonblock(fd, true); serr != nil {
		unix.Close(fd)
		return NewError(KindIOFatal, errors.Wrap(serr, "setting client socket non-blocking"))
	}
	c := newClient(fd)
	if aerr := s.slots.admit(c); aerr != nil {
		c.close()
		return aerr
	}
	return nil
}

// serviceClient advances one client's state machine by exactly one
// step in response to the poll event it was woken for. quit reports
// whether this client just issued Q.
func (s *Server) serviceClient(c *client, revents int16) (quit bool, err error) {
	switch c.state {
	case stateReadCommand:
		if revents&unix.POLLIN == 0 {
			return false, nil
		}
		cmd, ok, rerr := c.readCommand()
		if rerr != nil {
			return false, rerr
		}
		if !ok {
			if c.state == stateInactive {
				s.releaseClient(c)
			}
			return false, nil
		}
		if cmd == CommandQuit {
			return true, nil
		}
		return false, s.tryServeRecord(c)

	case stateSendLast, stateSendCurrent:
		return false, s.tryServeRecord(c)

	case stateSendingResponse:
		if revents&unix.POLLOUT == 0 {
			return false, nil
		}
		done, ferr := c.flush()
		if ferr != nil {
			return false, ferr
		}
		if done {
			s.recomputeCurrentRecord()
		}
		return false, nil

	case stateWaitClose:
		if revents&unix.POLLIN == 0 {
			return false, nil
		}
		closed, werr := c.waitForClose()
		if werr != nil {
			return false, werr
		}
		if closed {
			s.releaseClient(c)
		}
		return false, nil
	}
	return false, nil
}

// tryServeRecord checks whether the record this client is waiting for
// (current or last) is available yet, and if so snapshots it and moves
// the client into sendingResponse.
func (s *Server) tryServeRecord(c *client) error {
	var begin, end cursor
	var ok bool
	switch c.state {
	case stateSendCurrent:
		begin, end, ok = s.chain.currentRecord(0, 1)
	case stateSendLast:
		begin, end, ok = s.chain.lastRecord()
	default:
		return nil
	}
	if !ok {
		return nil
	}
	c.prepareResponse(begin, end)
	return nil
}

func (s *Server) releaseClient(c *client) {
	c.close()
	s.slots.release(c)
}

// recomputeCurrentRecord re-derives the default current-record cursors
// and trims the chain to whatever is now safe to free: everything
// before the earlier of current_record_begin and the oldest buffer any
// sendingResponse client still references. While no complete record is
// available nothing is freed.
func (s *Server) recomputeCurrentRecord() {
	begin, _, ok := s.chain.currentRecord(0, 1)
	oldest := s.slots.oldestBufferBeingWritten(s.chain)

	currentBegin := s.chain.head
	if ok {
		currentBegin = begin.buf
	}
	s.chain.trim(currentBegin, oldest)

	s.slots.each(func(c *client) {
		if c.state == stateSendCurrent {
			_ = s.tryServeRecord(c)
		}
		if c.state == stateSendLast {
			_ = s.tryServeRecord(c)
		}
	})
}
