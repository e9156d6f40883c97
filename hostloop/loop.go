//go:build linux || darwin

package hostloop

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/wippyai/capbridge/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Events is a set of descriptor readiness conditions.
type Events uint8

const (
	Readable Events = 1 << iota
	Writable
)

// Watcher delivers readiness events for one descriptor.
type Watcher struct {
	loop   *Loop
	fn     func(Events)
	fd     int
	events Events
	active bool
}

// Modify changes the set of events the watcher waits for. Zero pauses it.
func (w *Watcher) Modify(events Events) {
	w.events = events
}

// Events returns the current interest set.
func (w *Watcher) Events() Events {
	return w.events
}

// Stop unregisters the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	if !w.active {
		return
	}
	w.active = false
	w.events = 0
	delete(w.loop.watchers, w.fd)
}

// Loop multiplexes timers and descriptor readiness on one goroutine.
type Loop struct {
	now      func() time.Time
	watchers map[int]*Watcher
	posted   []func()
	timers   timerHeap
	pollfds  []unix.PollFd
	ready    []*Watcher
	seq      uint64
	mu       sync.Mutex
	pending  int
	wakeR    int
	wakeW    int
	woken    bool
	closed   bool
	running  bool
}

// New creates a loop with its wakeup pipe.
func New() (*Loop, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, errors.Syscall("pipe", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, errors.Syscall("set nonblock", err)
		}
	}
	return &Loop{
		now:      time.Now,
		watchers: make(map[int]*Watcher),
		wakeR:    p[0],
		wakeW:    p[1],
	}, nil
}

// AfterFunc calls fn on the loop goroutine once d has elapsed.
// A zero delay fires on the next loop iteration, never synchronously.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	l.seq++
	t := &timer{
		when:   l.now().Add(d),
		fn:     fn,
		heap:   &l.timers,
		seq:    l.seq,
		active: true,
	}
	heap.Push(&l.timers, t)
	return t
}

// Watch registers fn for readiness events on fd. One watcher per descriptor.
func (l *Loop) Watch(fd int, events Events, fn func(Events)) (*Watcher, error) {
	if l.closed {
		return nil, errors.InvalidState(errors.PhaseReactor, "loop closed")
	}
	if _, ok := l.watchers[fd]; ok {
		return nil, errors.InvalidInput(errors.PhaseReactor, "descriptor already watched")
	}
	w := &Watcher{loop: l, fn: fn, fd: fd, events: events, active: true}
	l.watchers[fd] = w
	return w, nil
}

// Post schedules fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.posted = append(l.posted, fn)
	wake := !l.woken
	l.woken = true
	l.mu.Unlock()

	if wake {
		l.wake()
	}
}

// Go runs work on a new goroutine and posts the continuation it returns
// back to the loop. The loop stays alive until the continuation ran.
func (l *Loop) Go(work func() func()) {
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()

	go func() {
		cont := work()
		l.Post(func() {
			l.mu.Lock()
			l.pending--
			l.mu.Unlock()
			if cont != nil {
				cont()
			}
		})
	}()
}

// Alive reports whether anything could still make the loop dispatch a callback.
func (l *Loop) Alive() bool {
	if len(l.timers) > 0 {
		return true
	}
	for _, w := range l.watchers {
		if w.events != 0 {
			return true
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.posted) > 0 || l.pending > 0
}

// RunOnce polls for events, blocking until at least one callback ran,
// and dispatches everything that became ready.
func (l *Loop) RunOnce() error {
	if !l.Alive() {
		return nil
	}
	return l.iterate(true)
}

// RunNoWait dispatches whatever is ready without blocking.
func (l *Loop) RunNoWait() error {
	return l.iterate(false)
}

// Run drives the loop until nothing is left to do or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.Post(func() {}) })
	defer stop()

	for l.Alive() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.iterate(true); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Close stops every timer and watcher and releases the wakeup pipe.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.posted = nil
	l.mu.Unlock()

	for _, t := range l.timers {
		t.active = false
	}
	l.timers = nil
	for _, w := range l.watchers {
		w.active = false
	}
	l.watchers = map[int]*Watcher{}

	err1 := unix.Close(l.wakeR)
	err2 := unix.Close(l.wakeW)
	if err1 != nil {
		return errors.Syscall("close", err1)
	}
	if err2 != nil {
		return errors.Syscall("close", err2)
	}
	return nil
}

func (l *Loop) iterate(block bool) error {
	if l.closed {
		return errors.InvalidState(errors.PhaseReactor, "loop closed")
	}
	if l.running {
		return errors.InvalidState(errors.PhaseReactor, "loop is already running on this goroutine")
	}
	l.running = true
	defer func() { l.running = false }()

	timeout := 0
	if block && !l.hasPosted() {
		timeout = l.pollTimeout()
	}

	l.pollfds = l.pollfds[:0]
	l.pollfds = append(l.pollfds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	l.ready = l.ready[:0]
	for _, w := range l.watchers {
		if w.events == 0 {
			continue
		}
		var ev int16
		if w.events&Readable != 0 {
			ev |= unix.POLLIN
		}
		if w.events&Writable != 0 {
			ev |= unix.POLLOUT
		}
		l.pollfds = append(l.pollfds, unix.PollFd{Fd: int32(w.fd), Events: ev})
		l.ready = append(l.ready, w)
	}

	n, err := unix.Poll(l.pollfds, timeout)
	if err != nil && err != unix.EINTR {
		return errors.Syscall("poll", err)
	}

	if n > 0 {
		if l.pollfds[0].Revents != 0 {
			l.drainWake()
		}
		for i, w := range l.ready {
			rev := l.pollfds[i+1].Revents
			if rev == 0 || !w.active || w.events == 0 {
				continue
			}
			var got Events
			if rev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				got |= Readable
			}
			if rev&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
				got |= Writable
			}
			if rev&unix.POLLNVAL != 0 {
				Logger().Warn("poll reported invalid descriptor", zap.Int("fd", w.fd))
				got = w.events
			}
			got &= w.events
			if got != 0 {
				w.fn(got)
			}
		}
	}

	l.runPosted()
	l.runTimers()
	return nil
}

func (l *Loop) hasPosted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.posted) > 0
}

// pollTimeout returns milliseconds until the next timer, or -1 to block indefinitely.
func (l *Loop) pollTimeout() int {
	if len(l.timers) == 0 {
		return -1
	}
	d := l.timers[0].when.Sub(l.now())
	if d <= 0 {
		return 0
	}
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	return ms
}

func (l *Loop) runTimers() {
	now := l.now()
	limit := l.seq
	for len(l.timers) > 0 {
		t := l.timers[0]
		if t.when.After(now) || t.seq > limit {
			return
		}
		heap.Pop(&l.timers)
		t.active = false
		t.fn()
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.woken = false
	l.mu.Unlock()

	for _, fn := range posted {
		fn()
	}
}

func (l *Loop) wake() {
	var b = [1]byte{1}
	for {
		_, err := unix.Write(l.wakeW, b[:])
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means the pipe is full and the loop will wake anyway.
		return
	}
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
