// Package reactor runs asynchronous work cooperatively on top of a host loop.
//
// Two schedulers share one goroutine. The host loop (package hostloop) owns
// descriptors and timers; the EventLoop here owns continuations. Bridge
// connects them: whenever the EventLoop gains work it asks the host loop for
// a zero-delay timer, and the timer callback drains the EventLoop. Blocking
// waits go the other way and turn the host loop until the awaited future
// settles.
//
// Futures settle once. Continuations registered with Then always run from
// the EventLoop queue, never inside Fulfill or Reject, so settling a future
// from a descriptor callback cannot re-enter user code.
package reactor
