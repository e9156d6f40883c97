package capability

import (
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/reactor"
)

// Promise is the answer side of one call. The hook carrying the call
// settles it; pipelines and pipelined clients read from it.
type Promise struct {
	loop     *reactor.EventLoop
	future   *reactor.Future[*Response]
	resolver *reactor.Resolver[*Response]

	resp *Response
	err  error

	// pipeliner builds hooks that reach the promised answer before it
	// settles, such as calls targeting a question on the wire.
	pipeliner func(ops []uint16) Hook
	waiting   []*promiseHook

	refs      int
	onRelease func()
}

// NewPromise creates an unsettled promise delivering on loop.
func NewPromise(loop *reactor.EventLoop) *Promise {
	f, r := reactor.NewPromise[*Response](loop)
	return &Promise{loop: loop, future: f, resolver: r}
}

// Future settles with the call's results.
func (p *Promise) Future() *reactor.Future[*Response] {
	return p.future
}

// Settled reports whether Resolve or Reject was called.
func (p *Promise) Settled() bool {
	return p.resolver.Settled()
}

// SetPipeliner installs the function used to send pipelined calls ahead
// of resolution. Without one, pipelined calls queue until the promise
// settles.
func (p *Promise) SetPipeliner(fn func(ops []uint16) Hook) {
	p.pipeliner = fn
}

// OnRelease registers fn to run when nobody is interested in the answer
// any more while it is still unsettled.
func (p *Promise) OnRelease(fn func()) {
	p.onRelease = fn
}

// Interested reports whether a pipeline or pipelined client still waits
// for the answer.
func (p *Promise) Interested() bool {
	return p.refs > 0
}

// AddInterest records one more party waiting for the answer.
func (p *Promise) AddInterest() {
	p.refs++
}

// DropInterest undoes AddInterest. When the last interest goes away before
// the promise settles, the OnRelease function runs.
func (p *Promise) DropInterest() {
	p.refs--
	if p.refs == 0 && !p.Settled() && p.onRelease != nil {
		p.onRelease()
	}
}

// Resolve settles the promise with resp. Pipelined clients switch to the
// capabilities in resp before any continuation of the future runs. The
// promise does not take ownership of resp: whoever consumes the future
// releases it.
func (p *Promise) Resolve(resp *Response) {
	if p.Settled() {
		resp.Release()
		return
	}
	p.resp = resp
	p.settleWaiting()
	p.resolver.Fulfill(resp)
}

// Reject settles the promise with err.
func (p *Promise) Reject(err error) {
	if p.Settled() {
		return
	}
	p.err = errors.Describe(errors.PhaseRPC, err)
	p.settleWaiting()
	p.resolver.Reject(p.err)
}

func (p *Promise) settleWaiting() {
	waiting := p.waiting
	p.waiting = nil
	for _, h := range waiting {
		h.resolve()
	}
}

// PipelineHook returns a hook for the capability found by following ops
// through the eventual results.
func (p *Promise) PipelineHook(ops []uint16) Hook {
	ops = append([]uint16(nil), ops...)
	h := &promiseHook{promise: p, ops: ops}
	if p.Settled() {
		h.resolve()
		return h
	}
	if p.pipeliner != nil {
		h.eager = p.pipeliner(ops)
	}
	p.AddInterest()
	h.held = true
	p.waiting = append(p.waiting, h)
	return h
}

// follow resolves ops against the settled promise into a new client
// reference.
func (p *Promise) follow(ops []uint16) *Client {
	if p.err != nil {
		return ErrorClient(p.loop, p.err, nil)
	}
	c, err := p.resp.Struct().Follow(ops)
	if err != nil {
		return ErrorClient(p.loop, err, nil)
	}
	if c == nil {
		return ErrorClient(p.loop, errors.InvalidData(errors.PhaseRPC, nil, "pipelined field holds no capability"), nil)
	}
	client, ok := c.(*Client)
	if !ok {
		return ErrorClient(p.loop, errors.Internal(errors.PhaseRPC, "capability table entry is not a client"), nil)
	}
	return client.Dup()
}

// promiseHook is the hook of a client derived from a call that has not
// returned yet. Calls go to the eager hook when there is one and queue
// otherwise; after resolution they go to the resolved capability.
type promiseHook struct {
	promise  *Promise
	ops      []uint16
	eager    Hook
	queue    []*Call
	resolved *Client
	held     bool
	shut     bool
}

func (h *promiseHook) current() Hook {
	if h.resolved != nil {
		return h.resolved.ref.hook
	}
	return h.eager
}

func (h *promiseHook) Send(call *Call) {
	switch {
	case h.resolved != nil:
		h.resolved.send(call)
	case h.eager != nil:
		h.eager.Send(call)
	default:
		h.queue = append(h.queue, call)
	}
}

func (h *promiseHook) resolve() {
	h.resolved = h.promise.follow(h.ops)
	queue := h.queue
	h.queue = nil
	for _, call := range queue {
		h.resolved.send(call)
	}
	h.detach()
	if h.shut {
		h.resolved.Close()
	}
}

// detach drops the eager hook and the interest in the promise.
func (h *promiseHook) detach() {
	if h.eager != nil {
		h.eager.Shutdown()
		h.eager = nil
	}
	if h.held {
		h.held = false
		h.promise.DropInterest()
	}
}

func (h *promiseHook) Shutdown() {
	if h.shut {
		return
	}
	h.shut = true
	if h.resolved != nil {
		h.resolved.Close()
		return
	}
	if len(h.queue) > 0 {
		// Queued calls still go out once the promise settles.
		return
	}
	p := h.promise
	for i, w := range p.waiting {
		if w == h {
			p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
			break
		}
	}
	h.detach()
}
