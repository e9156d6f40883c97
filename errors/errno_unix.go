//go:build unix

package errors

import (
	"golang.org/x/sys/unix"
)

// Syscall wraps an errno returned by a descriptor operation.
func Syscall(op string, errno error) *Error {
	e := &Error{
		Phase:      PhaseIO,
		Kind:       KindSyscall,
		Nature:     NatureOSError,
		Durability: errnoDurability(errno),
		Detail:     op,
		Cause:      errno,
	}
	if errnoIsNetwork(errno) {
		e.Nature = NatureNetworkFailure
	}
	return e
}

func errnoDurability(err error) Durability {
	switch err {
	case unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return DurabilityTemporary
	case unix.ENOMEM, unix.ENOBUFS, unix.EMFILE, unix.ENFILE:
		return DurabilityOverloaded
	default:
		return DurabilityPermanent
	}
}

func errnoIsNetwork(err error) bool {
	switch err {
	case unix.ECONNRESET, unix.ECONNREFUSED, unix.ECONNABORTED, unix.EPIPE,
		unix.ENETDOWN, unix.ENETUNREACH, unix.EHOSTDOWN, unix.EHOSTUNREACH,
		unix.ETIMEDOUT, unix.ENOTCONN:
		return true
	default:
		return false
	}
}
