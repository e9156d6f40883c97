package reactor

import (
	"context"

	"github.com/wippyai/capbridge/errors"
)

// EventLoop is a queue of continuations run in FIFO order.
type EventLoop struct {
	port    EventPort
	queue   []func()
	head    int
	running bool
}

// NewEventLoop creates an EventLoop reporting runnability to port.
func NewEventLoop(port EventPort) *EventLoop {
	return &EventLoop{port: port}
}

// Post queues fn.
func (l *EventLoop) Post(fn func()) {
	wasEmpty := l.Len() == 0
	l.queue = append(l.queue, fn)
	if wasEmpty && !l.running {
		l.port.SetRunnable(true)
	}
}

// Len returns the number of queued continuations.
func (l *EventLoop) Len() int {
	return len(l.queue) - l.head
}

// Runnable reports whether work is queued.
func (l *EventLoop) Runnable() bool {
	return l.Len() > 0
}

// Run drains the queue, including work queued while running, and returns
// the number of continuations executed.
func (l *EventLoop) Run() int {
	return l.RunTurns(0)
}

// RunTurns runs at most max continuations; max <= 0 means no limit.
// Work left over keeps the loop runnable.
func (l *EventLoop) RunTurns(max int) int {
	if l.running {
		return 0
	}
	l.running = true
	count := 0
	for l.head < len(l.queue) && (max <= 0 || count < max) {
		fn := l.queue[l.head]
		l.queue[l.head] = nil
		l.head++
		fn()
		count++
	}
	if l.head == len(l.queue) {
		l.queue = l.queue[:0]
	} else {
		l.queue = append(l.queue[:0], l.queue[l.head:]...)
	}
	l.head = 0
	l.running = false
	l.port.SetRunnable(l.Len() > 0)
	return count
}

// Wait blocks the calling goroutine until done reports true, alternating
// between draining the queue and turning the port. It cannot be called
// from inside a continuation.
func (l *EventLoop) Wait(ctx context.Context, done func() bool) error {
	if l.running {
		return errors.InvalidState(errors.PhaseReactor, "cannot wait from inside the event loop")
	}
	if w, ok := l.port.(wakeOnDone); ok {
		stop := w.WakeOnDone(ctx)
		defer stop()
	}

	for {
		if l.Runnable() {
			l.Run()
		}
		if done() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.PhaseReactor, errors.KindCanceled, err, "wait abandoned")
		}
		if err := l.port.Wait(); err != nil {
			return err
		}
	}
}

// Poll drains queued work and ready port events without blocking.
func (l *EventLoop) Poll() error {
	if l.running {
		return errors.InvalidState(errors.PhaseReactor, "cannot poll from inside the event loop")
	}
	if err := l.port.Poll(); err != nil {
		return err
	}
	l.Run()
	return nil
}
