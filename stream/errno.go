//go:build linux || darwin

package stream

import (
	stderrors "errors"
	"net"

	"github.com/wippyai/capbridge/errors"
	"golang.org/x/sys/unix"
)

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// isTransientAccept reports accept errors caused by the network or by one
// aborted client, which must not stop the listener.
func isTransientAccept(err error) bool {
	switch err {
	case unix.EINTR, unix.ENETDOWN, unix.EPROTO, unix.EHOSTDOWN, unix.EHOSTUNREACH,
		unix.ENETUNREACH, unix.ECONNABORTED, unix.ETIMEDOUT:
		return true
	default:
		return false
	}
}

// mapResolveError classifies a host name lookup failure.
func mapResolveError(host string, err error) *errors.Error {
	b := errors.New(errors.PhaseIO, errors.KindNotFound).
		Nature(errors.NatureNetworkFailure).
		Detail("resolve %s", host).
		Cause(err)

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsTemporary, dnsErr.IsTimeout:
			b.Durability(errors.DurabilityTemporary)
		default:
			b.Durability(errors.DurabilityPermanent)
		}
	}
	return b.Build()
}
