//go:build linux || darwin

package stream

import (
	"context"
	"net"

	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/hostloop"
	"github.com/wippyai/capbridge/reactor"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Dial connects to address without blocking the loop. Host names are
// resolved on a separate goroutine and the result is posted back.
func Dial(loop *hostloop.Loop, events *reactor.EventLoop, address string) *reactor.Future[*Stream] {
	network, addr, err := ParseAddress(address)
	if err != nil {
		return reactor.Rejected[*Stream](events, err)
	}
	if network == "unix" {
		return connect(loop, events, &unix.SockaddrUnix{Name: addr}, unix.AF_UNIX, address)
	}

	host, port, err := splitHostPort(addr)
	if err != nil {
		return reactor.Rejected[*Stream](events, err)
	}
	if host == "" || host == "localhost" {
		host = "127.0.0.1"
	}
	if ip := net.ParseIP(host); ip != nil {
		sa, domain := ipSockaddr(ip, port)
		return connect(loop, events, sa, domain, address)
	}

	f, r := reactor.NewPromise[*Stream](events)
	loop.Go(func() func() {
		addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
		return func() {
			if err != nil {
				r.Reject(mapResolveError(host, err))
				return
			}
			ip := pickIP(addrs, network)
			if ip == nil {
				r.Reject(errors.NotFound(errors.PhaseIO, "address for", host))
				return
			}
			Logger().Debug("resolved", zap.String("host", host), zap.Stringer("ip", ip))
			sa, domain := ipSockaddr(ip, port)
			reactor.Forward(connect(loop, events, sa, domain, address), r)
		}
	})
	return f
}

func connect(loop *hostloop.Loop, events *reactor.EventLoop, sa unix.Sockaddr, domain int, address string) *reactor.Future[*Stream] {
	raw, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return reactor.Rejected[*Stream](events, errors.Syscall("socket", err))
	}
	fd, err := NewFD(raw)
	if err != nil {
		return reactor.Rejected[*Stream](events, err)
	}
	s, err := newStream(loop, events, fd)
	if err != nil {
		return reactor.Rejected[*Stream](events, err)
	}

	err = unix.Connect(raw, sa)
	switch {
	case err == nil:
		return reactor.Resolved(events, s)
	case err == unix.EINPROGRESS || err == unix.EINTR:
		return reactor.Chain(s.whenWritable(), func(struct{}) *reactor.Future[*Stream] {
			soerr, err := unix.GetsockoptInt(raw, unix.SOL_SOCKET, unix.SO_ERROR)
			if err != nil {
				return reactor.Rejected[*Stream](events, s.closeWith(errors.Syscall("getsockopt", err)))
			}
			if soerr != 0 {
				return reactor.Rejected[*Stream](events, s.closeWith(errors.Syscall("connect "+address, unix.Errno(soerr))))
			}
			return reactor.Resolved(events, s)
		})
	default:
		return reactor.Rejected[*Stream](events, s.closeWith(errors.Syscall("connect "+address, err)))
	}
}

// Pair returns two connected streams backed by a socketpair.
func Pair(loop *hostloop.Loop, events *reactor.EventLoop) (*Stream, *Stream, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, errors.Syscall("socketpair", err)
	}
	a, err := New(loop, events, fds[0])
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := New(loop, events, fds[1])
	if err != nil {
		return nil, nil, a.closeWith(err)
	}
	return a, b, nil
}
