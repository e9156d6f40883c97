// Package hostloop is the host event loop: one-shot timers, descriptor
// readiness watchers and cross-goroutine wakeups, multiplexed with poll(2).
//
// A Loop is driven by exactly one goroutine through Run, RunOnce or
// RunNoWait. Timers and watchers must be created and stopped from that
// goroutine. Post and Go are the only methods safe to call from elsewhere;
// both wake a blocked poll through a self-pipe.
//
// RunOnce blocks until at least one callback ran, but returns immediately
// when nothing can ever fire (no timers, no active watchers, no outstanding
// Go work), mirroring a libuv run in ONCE mode.
package hostloop
