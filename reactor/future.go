package reactor

import (
	"context"
)

type state uint8

const (
	statePending state = iota
	stateFulfilled
	stateRejected
)

// Future is the eventual result of an asynchronous operation.
type Future[T any] struct {
	loop    *EventLoop
	value   T
	err     error
	waiters []func(T, error)
	state   state
}

// Resolver settles the Future it was created with.
type Resolver[T any] struct {
	f *Future[T]
}

// NewPromise returns a pending future and its resolver.
func NewPromise[T any](loop *EventLoop) (*Future[T], *Resolver[T]) {
	f := &Future[T]{loop: loop}
	return f, &Resolver[T]{f: f}
}

// Resolved returns a future already fulfilled with v.
func Resolved[T any](loop *EventLoop, v T) *Future[T] {
	return &Future[T]{loop: loop, value: v, state: stateFulfilled}
}

// Rejected returns a future already rejected with err.
func Rejected[T any](loop *EventLoop, err error) *Future[T] {
	return &Future[T]{loop: loop, err: err, state: stateRejected}
}

// Fulfill settles the future with v. It reports false when the future was
// already settled, in which case v is ignored.
func (r *Resolver[T]) Fulfill(v T) bool {
	return r.f.settle(v, nil, stateFulfilled)
}

// Reject settles the future with err. It reports false when the future was
// already settled.
func (r *Resolver[T]) Reject(err error) bool {
	var zero T
	return r.f.settle(zero, err, stateRejected)
}

// Settle fulfills when err is nil and rejects otherwise.
func (r *Resolver[T]) Settle(v T, err error) bool {
	if err != nil {
		return r.Reject(err)
	}
	return r.Fulfill(v)
}

// Settled reports whether the future has been settled.
func (r *Resolver[T]) Settled() bool {
	return r.f.state != statePending
}

// Future returns the future this resolver settles.
func (r *Resolver[T]) Future() *Future[T] {
	return r.f
}

func (f *Future[T]) settle(v T, err error, s state) bool {
	if f.state != statePending {
		return false
	}
	f.value, f.err, f.state = v, err, s
	waiters := f.waiters
	f.waiters = nil
	for _, w := range waiters {
		f.deliver(w)
	}
	return true
}

func (f *Future[T]) deliver(fn func(T, error)) {
	v, err := f.value, f.err
	f.loop.Post(func() { fn(v, err) })
}

// Then registers fn to run with the result once the future settles.
// fn always runs from the event loop queue.
func (f *Future[T]) Then(fn func(T, error)) {
	if f.state != statePending {
		f.deliver(fn)
		return
	}
	f.waiters = append(f.waiters, fn)
}

// Settled reports whether the result is available.
func (f *Future[T]) Settled() bool {
	return f.state != statePending
}

// Result returns the settled value and error. Before settlement it returns
// zero values and a nil error; check Settled first.
func (f *Future[T]) Result() (T, error) {
	return f.value, f.err
}

// Loop returns the event loop continuations run on.
func (f *Future[T]) Loop() *EventLoop {
	return f.loop
}

// Forward settles r with the result of f.
func Forward[T any](f *Future[T], r *Resolver[T]) {
	f.Then(func(v T, err error) { r.Settle(v, err) })
}

// Map transforms a successful result. Errors pass through unchanged.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out, r := NewPromise[U](f.loop)
	f.Then(func(v T, err error) {
		if err != nil {
			r.Reject(err)
			return
		}
		r.Settle(fn(v))
	})
	return out
}

// Chain continues with another asynchronous step after a successful result.
func Chain[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out, r := NewPromise[U](f.loop)
	f.Then(func(v T, err error) {
		if err != nil {
			r.Reject(err)
			return
		}
		Forward(fn(v), r)
	})
	return out
}

// Await blocks until f settles, turning the event loop and its port.
func Await[T any](ctx context.Context, f *Future[T]) (T, error) {
	if !f.Settled() {
		if err := f.loop.Wait(ctx, f.Settled); err != nil {
			var zero T
			return zero, err
		}
	}
	return f.Result()
}
