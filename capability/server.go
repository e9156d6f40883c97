package capability

import (
	"fmt"

	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/reactor"
	"github.com/wippyai/capbridge/schema"
)

// Server implements a capability in Go.
type Server interface {
	// Dispatch handles one call. Returning an error fails the call. To
	// answer later, call ServerCall.Defer before returning.
	Dispatch(call *ServerCall) error
}

// Shutdowner is implemented by servers that want to know when the last
// client referencing them is gone.
type Shutdowner interface {
	Shutdown()
}

// ServerCall is an incoming call on a local server.
type ServerCall struct {
	Interface *schema.Node
	Method    *schema.Method

	params   dynamic.StructReader
	results  *dynamic.StructBuilder
	call     *Call
	deferred bool
	done     bool
}

// Params returns the call parameters.
func (c *ServerCall) Params() dynamic.StructReader {
	return c.params
}

// Results returns the results struct, allocating it on first use.
func (c *ServerCall) Results() (dynamic.StructBuilder, error) {
	if c.results != nil {
		return *c.results, nil
	}
	node, err := c.Method.Results()
	if err != nil {
		return dynamic.StructBuilder{}, err
	}
	b, err := dynamic.NewStruct(node)
	if err != nil {
		return dynamic.StructBuilder{}, err
	}
	c.results = &b
	return b, nil
}

// Canceled reports whether the caller lost interest in the answer.
func (c *ServerCall) Canceled() bool {
	return !c.call.Promise.Interested()
}

// Defer detaches the answer from Dispatch's return. The returned function
// completes the call; only its first invocation counts.
func (c *ServerCall) Defer() func(error) {
	c.deferred = true
	return c.finish
}

func (c *ServerCall) finish(err error) {
	if c.done {
		return
	}
	c.done = true
	c.call.releaseParams()
	if err != nil {
		c.call.Promise.Reject(err)
		return
	}
	results, err := c.Results()
	if err != nil {
		c.call.Promise.Reject(err)
		return
	}
	c.call.Promise.Resolve(NewResponse(results.Reader()))
}

// Methods dispatches by method name.
type Methods map[string]func(call *ServerCall) error

// Dispatch implements Server.
func (m Methods) Dispatch(call *ServerCall) error {
	fn, ok := m[call.Method.Name]
	if !ok {
		return errors.New(errors.PhaseRPC, errors.KindUnsupported).
			Nature(errors.NaturePrecondition).
			Detail("method not implemented: %s.%s", call.Interface.Name, call.Method.Name).
			Build()
	}
	return fn(call)
}

// localHook delivers calls to a Server on the event loop.
type localHook struct {
	loop   *reactor.EventLoop
	server Server
}

// NewLocalClient exports server as a capability of type iface.
func NewLocalClient(loop *reactor.EventLoop, iface *schema.Node, server Server) (*Client, error) {
	if !iface.IsInterface() {
		return nil, schema.NotInterface(iface)
	}
	return NewClient(loop, &localHook{loop: loop, server: server}, iface), nil
}

// Send queues the call so servers never run inside the caller's stack.
func (h *localHook) Send(call *Call) {
	h.loop.Post(func() { h.dispatch(call) })
}

func (h *localHook) dispatch(call *Call) {
	sc := &ServerCall{
		Interface: call.Interface,
		Method:    call.Method,
		params:    call.Params,
		call:      call,
	}
	err := h.invoke(sc)
	if err != nil || !sc.deferred {
		sc.finish(err)
	}
}

func (h *localHook) invoke(sc *ServerCall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Internal(errors.PhaseRPC, fmt.Sprintf("server panicked in %s: %v", sc.Method.Name, r))
		}
	}()
	return h.server.Dispatch(sc)
}

func (h *localHook) Shutdown() {
	if s, ok := h.server.(Shutdowner); ok {
		s.Shutdown()
	}
}
