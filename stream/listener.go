//go:build linux || darwin

package stream

import (
	"strconv"

	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/hostloop"
	"github.com/wippyai/capbridge/reactor"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// Listener accepts stream connections on a bound socket.
type Listener struct {
	loop      *hostloop.Loop
	events    *reactor.EventLoop
	fd        *FD
	watcher   *hostloop.Watcher
	accepting *reactor.Resolver[*Stream]
	accept    func(fd int) (int, unix.Sockaddr, error)
	network   string
	address   string
	closed    bool
}

// Listen binds and listens on address. Host names are not resolved; listen
// addresses must be literal IPs, "*" for all interfaces, or unix paths.
func Listen(loop *hostloop.Loop, events *reactor.EventLoop, address string) (*Listener, error) {
	network, addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	sa, domain, err := listenSockaddr(network, addr)
	if err != nil {
		return nil, err
	}

	raw, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Syscall("socket", err)
	}
	fd, err := NewFD(raw)
	if err != nil {
		return nil, err
	}
	if domain != unix.AF_UNIX {
		if err := unix.SetsockoptInt(raw, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return nil, fd.CloseWith(errors.Syscall("setsockopt", err))
		}
	}
	if err := unix.Bind(raw, sa); err != nil {
		return nil, fd.CloseWith(errors.Syscall("bind "+address, err))
	}
	if err := unix.Listen(raw, listenBacklog); err != nil {
		return nil, fd.CloseWith(errors.Syscall("listen", err))
	}

	l := &Listener{
		loop:    loop,
		events:  events,
		fd:      fd,
		accept:  unix.Accept,
		network: network,
		address: addr,
	}
	w, err := loop.Watch(raw, 0, l.onReady)
	if err != nil {
		return nil, fd.CloseWith(err)
	}
	l.watcher = w
	return l, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept() *reactor.Future[*Stream] {
	if l.closed {
		return reactor.Rejected[*Stream](l.events, errors.InvalidState(errors.PhaseIO, "listener closed"))
	}
	if l.accepting != nil {
		return reactor.Rejected[*Stream](l.events, errors.InvalidState(errors.PhaseIO, "accept already in progress"))
	}
	f, r := reactor.NewPromise[*Stream](l.events)
	l.accepting = r
	l.tryAccept()
	return f
}

func (l *Listener) tryAccept() {
	for {
		nfd, _, err := l.accept(l.fd.Int())
		if err != nil {
			if isWouldBlock(err) {
				l.watcher.Modify(hostloop.Readable)
				return
			}
			if isTransientAccept(err) {
				Logger().Debug("retrying accept", zap.Error(err))
				continue
			}
			l.finish(nil, errors.Syscall("accept", err))
			return
		}

		fd, err := NewFD(nfd)
		if err != nil {
			l.finish(nil, err)
			return
		}
		s, err := newStream(l.loop, l.events, fd)
		l.finish(s, err)
		return
	}
}

func (l *Listener) finish(s *Stream, err error) {
	r := l.accepting
	l.accepting = nil
	l.watcher.Modify(0)
	if err != nil {
		r.Reject(err)
		return
	}
	r.Fulfill(s)
}

func (l *Listener) onReady(ev hostloop.Events) {
	if l.accepting != nil && ev&hostloop.Readable != 0 {
		l.tryAccept()
	}
}

// Port returns the bound TCP port, or 0 for unix sockets.
func (l *Listener) Port() (int, error) {
	sa, err := unix.Getsockname(l.fd.Int())
	if err != nil {
		return 0, errors.Syscall("getsockname", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, nil
	}
}

// Addr returns a dialable address for the listener.
func (l *Listener) Addr() string {
	if l.network == "unix" {
		return "unix:" + l.address
	}
	port, err := l.Port()
	if err != nil {
		return l.address
	}
	host, _, _ := splitHostPort(l.address)
	if host == "" || host == "*" {
		host = "127.0.0.1"
	}
	if isIPv6Literal(host) {
		return "[" + host + "]:" + strconv.Itoa(port)
	}
	return host + ":" + strconv.Itoa(port)
}

// Close stops accepting and closes the socket.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.watcher.Stop()
	if r := l.accepting; r != nil {
		l.accepting = nil
		r.Reject(errors.InvalidState(errors.PhaseIO, "listener closed"))
	}
	err := l.fd.Close()
	if l.network == "unix" {
		_ = unix.Unlink(l.address)
	}
	return err
}
