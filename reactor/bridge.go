package reactor

import (
	"context"
	"time"

	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/hostloop"
)

// EventPort is how an EventLoop talks to the scheduler it is embedded in.
type EventPort interface {
	// Wait blocks until the host scheduler dispatched at least one event.
	Wait() error
	// Poll dispatches ready host events without blocking.
	Poll() error
	// SetRunnable reports whether the EventLoop has queued work.
	SetRunnable(runnable bool)
}

// HostLoop is the part of the host event loop the bridge needs.
type HostLoop interface {
	AfterFunc(d time.Duration, fn func()) hostloop.Timer
	Post(fn func())
	Alive() bool
	RunOnce() error
	RunNoWait() error
}

// wakeOnDone is implemented by ports that can interrupt a blocked Wait.
type wakeOnDone interface {
	WakeOnDone(ctx context.Context) (stop func() bool)
}

// DefaultTurnLimit bounds how many continuations one wake runs before the
// host loop gets to poll descriptors again.
const DefaultTurnLimit = 1024

// Bridge is an EventPort that runs the EventLoop from host loop timers.
type Bridge struct {
	host      HostLoop
	loop      *EventLoop
	timer     hostloop.Timer
	turns     int
	runnable  bool
	scheduled bool
}

// NewBridge creates a bridge and the EventLoop it drives.
func NewBridge(host HostLoop) *Bridge {
	b := &Bridge{host: host, turns: DefaultTurnLimit}
	b.loop = NewEventLoop(b)
	return b
}

// SetTurnLimit changes how many continuations run per wake; n <= 0 removes the bound.
func (b *Bridge) SetTurnLimit(n int) {
	b.turns = n
}

// EventLoop returns the loop driven by this bridge.
func (b *Bridge) EventLoop() *EventLoop {
	return b.loop
}

// Wait turns the host loop once, blocking for events. It fails instead of
// spinning when neither loop has anything left that could fire.
func (b *Bridge) Wait() error {
	if !b.runnable && !b.host.Alive() {
		return errors.New(errors.PhaseReactor, errors.KindInvalidState).
			Nature(errors.NatureLocalBug).
			Detail("wait can never complete: no pending events").
			Build()
	}
	return b.host.RunOnce()
}

// WakeOnDone interrupts a blocked Wait when ctx ends.
func (b *Bridge) WakeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { b.host.Post(func() {}) })
}

// Poll turns the host loop once without blocking.
func (b *Bridge) Poll() error {
	return b.host.RunNoWait()
}

// SetRunnable schedules a wake on the false-to-true transition.
// Going back to false leaves a scheduled wake in place; it fires and does nothing.
func (b *Bridge) SetRunnable(runnable bool) {
	if runnable == b.runnable {
		return
	}
	b.runnable = runnable
	if runnable && !b.scheduled {
		b.schedule()
	}
}

func (b *Bridge) schedule() {
	b.scheduled = true
	b.timer = b.host.AfterFunc(0, b.run)
}

func (b *Bridge) run() {
	b.timer = nil
	if b.runnable {
		b.loop.RunTurns(b.turns)
	}
	b.scheduled = false
	if b.runnable {
		b.schedule()
	}
}

// Close cancels a pending wake.
func (b *Bridge) Close() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.scheduled = false
}
