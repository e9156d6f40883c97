//go:build linux || darwin

package stream

import (
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/hostloop"
	"github.com/wippyai/capbridge/reactor"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// maxIovecs bounds one writev call; the kernel rejects more than IOV_MAX.
const maxIovecs = 1024

type readOp struct {
	r    *reactor.Resolver[int]
	buf  []byte
	min  int
	n    int
	full bool
}

type writeOp struct {
	r      *reactor.Resolver[struct{}]
	pieces [][]byte
}

// Stream is a bidirectional byte stream over an owned descriptor.
// At most one read and one write may be outstanding at a time.
type Stream struct {
	loop       *hostloop.Loop
	events     *reactor.EventLoop
	fd         *FD
	watcher    *hostloop.Watcher
	reading    *readOp
	writing    *writeOp
	connecting *reactor.Resolver[struct{}]
	closed     bool
}

// New wraps fd, taking ownership of it.
func New(loop *hostloop.Loop, events *reactor.EventLoop, fd int) (*Stream, error) {
	owned, err := NewFD(fd)
	if err != nil {
		return nil, err
	}
	return newStream(loop, events, owned)
}

func newStream(loop *hostloop.Loop, events *reactor.EventLoop, fd *FD) (*Stream, error) {
	s := &Stream{loop: loop, events: events, fd: fd}
	w, err := loop.Watch(fd.Int(), 0, s.onReady)
	if err != nil {
		return nil, fd.CloseWith(err)
	}
	s.watcher = w
	return s, nil
}

// Events returns the event loop the stream settles its futures on.
func (s *Stream) Events() *reactor.EventLoop {
	return s.events
}

// Fd returns the underlying descriptor, or -1 once closed.
func (s *Stream) Fd() int {
	return s.fd.Int()
}

// Read reads into buf until at least min bytes arrived or the stream ended.
// The future yields the byte count, which is below min only at end of stream.
func (s *Stream) Read(buf []byte, min int) *reactor.Future[int] {
	return s.startRead(buf, min, false)
}

// ReadFull fills buf completely and fails with "Premature EOF" if the stream
// ends first.
func (s *Stream) ReadFull(buf []byte) *reactor.Future[int] {
	return s.startRead(buf, len(buf), true)
}

func (s *Stream) startRead(buf []byte, min int, full bool) *reactor.Future[int] {
	if s.closed {
		return reactor.Rejected[int](s.events, errors.InvalidState(errors.PhaseIO, "stream closed"))
	}
	if s.reading != nil {
		return reactor.Rejected[int](s.events, errors.InvalidState(errors.PhaseIO, "read already in progress"))
	}
	if min > len(buf) {
		min = len(buf)
	}
	if min < 0 {
		min = 0
	}

	f, r := reactor.NewPromise[int](s.events)
	op := &readOp{r: r, buf: buf, min: min, full: full}
	if min == 0 {
		r.Fulfill(0)
		return f
	}
	s.reading = op
	s.continueRead()
	return f
}

// continueRead performs one read attempt. A short read waits for readiness
// before trying again, so a zero-byte result always follows readiness and
// means end of stream.
func (s *Stream) continueRead() {
	op := s.reading
	for {
		n, err := unix.Read(s.fd.Int(), op.buf[op.n:])
		if err == unix.EINTR {
			continue
		}
		if isWouldBlock(err) {
			s.updateInterest()
			return
		}
		if err != nil {
			s.finishRead(errors.Syscall("read", err))
			return
		}
		if n == 0 {
			if op.full && op.n < op.min {
				s.finishRead(errors.PrematureEOF(op.min, op.n))
				return
			}
			s.finishRead(nil)
			return
		}
		op.n += n
		if op.n >= op.min {
			s.finishRead(nil)
			return
		}
		s.updateInterest()
		return
	}
}

func (s *Stream) finishRead(err error) {
	op := s.reading
	s.reading = nil
	s.updateInterest()
	if err != nil {
		op.r.Reject(err)
		return
	}
	op.r.Fulfill(op.n)
}

// Write writes every piece in order. The caller must not modify the pieces
// until the future settles.
func (s *Stream) Write(pieces ...[]byte) *reactor.Future[struct{}] {
	if s.closed {
		return reactor.Rejected[struct{}](s.events, errors.InvalidState(errors.PhaseIO, "stream closed"))
	}
	if s.writing != nil {
		return reactor.Rejected[struct{}](s.events, errors.InvalidState(errors.PhaseIO, "write already in progress"))
	}

	f, r := reactor.NewPromise[struct{}](s.events)
	op := &writeOp{r: r, pieces: make([][]byte, 0, len(pieces))}
	for _, p := range pieces {
		if len(p) > 0 {
			op.pieces = append(op.pieces, p)
		}
	}
	if len(op.pieces) == 0 {
		r.Fulfill(struct{}{})
		return f
	}
	s.writing = op
	s.continueWrite()
	return f
}

func (s *Stream) continueWrite() {
	op := s.writing
	for len(op.pieces) > 0 {
		iov := op.pieces
		if len(iov) > maxIovecs {
			iov = iov[:maxIovecs]
		}
		n, err := unix.Writev(s.fd.Int(), iov)
		if err == unix.EINTR {
			continue
		}
		if isWouldBlock(err) {
			s.updateInterest()
			return
		}
		if err != nil {
			s.finishWrite(errors.Syscall("write", err))
			return
		}
		op.pieces = advance(op.pieces, n)
	}
	s.finishWrite(nil)
}

// advance drops n written bytes from the front of pieces. A partially
// written piece is trimmed in place; later pieces are untouched.
func advance(pieces [][]byte, n int) [][]byte {
	for n > 0 && len(pieces) > 0 {
		if n >= len(pieces[0]) {
			n -= len(pieces[0])
			pieces = pieces[1:]
			continue
		}
		pieces[0] = pieces[0][n:]
		n = 0
	}
	return pieces
}

func (s *Stream) finishWrite(err error) {
	op := s.writing
	s.writing = nil
	s.updateInterest()
	if err != nil {
		op.r.Reject(err)
		return
	}
	op.r.Fulfill(struct{}{})
}

// ShutdownWrite half-closes the stream; the peer reads end of stream.
func (s *Stream) ShutdownWrite() error {
	if s.closed {
		return errors.InvalidState(errors.PhaseIO, "stream closed")
	}
	if err := unix.Shutdown(s.fd.Int(), unix.SHUT_WR); err != nil {
		return errors.Syscall("shutdown", err)
	}
	return nil
}

// Close fails outstanding operations and closes the descriptor.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.watcher.Stop()

	closedErr := errors.New(errors.PhaseIO, errors.KindClosed).
		Nature(errors.NatureOther).
		Detail("stream closed").
		Build()
	if op := s.reading; op != nil {
		s.reading = nil
		op.r.Reject(closedErr)
	}
	if op := s.writing; op != nil {
		s.writing = nil
		op.r.Reject(closedErr)
	}
	if r := s.connecting; r != nil {
		s.connecting = nil
		r.Reject(closedErr)
	}
	return s.fd.Close()
}

// closeWith closes on a failure path; a close error only surfaces when
// there is no primary error to report.
func (s *Stream) closeWith(primary error) error {
	err := s.Close()
	if err == nil {
		return primary
	}
	if primary != nil {
		Logger().Warn("close failed while another error was pending",
			zap.Error(err), zap.NamedError("pending", primary))
		return primary
	}
	return err
}

// whenWritable settles once the descriptor becomes writable. Used to finish
// a non-blocking connect.
func (s *Stream) whenWritable() *reactor.Future[struct{}] {
	f, r := reactor.NewPromise[struct{}](s.events)
	s.connecting = r
	s.updateInterest()
	return f
}

func (s *Stream) updateInterest() {
	if s.closed {
		return
	}
	var ev hostloop.Events
	if s.reading != nil {
		ev |= hostloop.Readable
	}
	if s.writing != nil || s.connecting != nil {
		ev |= hostloop.Writable
	}
	s.watcher.Modify(ev)
}

func (s *Stream) onReady(ev hostloop.Events) {
	if ev&hostloop.Writable != 0 && s.connecting != nil {
		r := s.connecting
		s.connecting = nil
		s.updateInterest()
		r.Fulfill(struct{}{})
	}
	if ev&hostloop.Readable != 0 && s.reading != nil {
		s.continueRead()
	}
	if ev&hostloop.Writable != 0 && s.writing != nil && !s.closed {
		s.continueWrite()
	}
}
