package capability

import (
	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/schema"
)

// Hook carries calls for a capability. A hook is shared by every Client
// duplicated from the same reference and is shut down once, when the last
// of them is closed.
type Hook interface {
	// Send starts call. The hook takes ownership of the call's parameter
	// message and must eventually settle call.Promise.
	Send(call *Call)
	// Shutdown releases whatever the hook holds.
	Shutdown()
}

// Call is one method invocation on its way to a hook.
type Call struct {
	// Interface is the interface that declares Method.
	Interface *schema.Node
	Method    *schema.Method
	Params    dynamic.StructReader
	Promise   *Promise
}

// releaseParams drops the capabilities referenced by the parameters.
func (c *Call) releaseParams() {
	if m := c.Params.Message(); m != nil {
		m.Release()
	}
}

// Fail rejects the call and releases its parameters.
func (c *Call) Fail(err error) {
	c.releaseParams()
	c.Promise.Reject(err)
}

// brokenHook fails every call with the same error.
type brokenHook struct {
	err error
}

func (h *brokenHook) Send(call *Call) { call.Fail(h.err) }

func (h *brokenHook) Shutdown() {}

// BrokenHook returns a hook that fails every call with err.
func BrokenHook(err error) Hook {
	return &brokenHook{err: errors.Describe(errors.PhaseRPC, err)}
}

// BrokenError returns the error a broken hook fails calls with, or nil
// when h is not broken.
func BrokenError(h Hook) error {
	if b, ok := h.(*brokenHook); ok {
		return b.err
	}
	return nil
}

// hookRef is the reference count shared by the clients of one hook.
type hookRef struct {
	hook Hook
	refs int
}

func (r *hookRef) release() {
	r.refs--
	if r.refs == 0 {
		r.hook.Shutdown()
	}
}
