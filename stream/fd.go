//go:build linux || darwin

package stream

import (
	"github.com/wippyai/capbridge/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// FD is an owned descriptor that is closed exactly once.
type FD struct {
	fd     int
	closed bool
}

// NewFD takes ownership of fd and switches it to non-blocking, close-on-exec mode.
// On failure the descriptor is closed.
func NewFD(fd int) (*FD, error) {
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Syscall("set nonblock", err)
	}
	return &FD{fd: fd}, nil
}

// Int returns the raw descriptor, or -1 after Close.
func (f *FD) Int() int {
	if f.closed {
		return -1
	}
	return f.fd
}

// Close closes the descriptor. Later calls return nil.
func (f *FD) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	err := unix.Close(f.fd)
	// The descriptor is released even when close is interrupted.
	if err != nil && err != unix.EINTR {
		return errors.Syscall("close", err)
	}
	return nil
}

// CloseWith closes the descriptor on a teardown path. A close failure is
// returned only when primary is nil; otherwise it is logged and primary wins.
func (f *FD) CloseWith(primary error) error {
	err := f.Close()
	if err == nil {
		return primary
	}
	if primary != nil {
		Logger().Warn("close failed while another error was pending",
			zap.Int("fd", f.fd), zap.Error(err), zap.NamedError("pending", primary))
		return primary
	}
	return err
}
