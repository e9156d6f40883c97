package capability

import (
	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/schema"
)

// Request is a call being built. Fill Params, then Send it once.
type Request struct {
	client *Client
	owner  *schema.Node
	method *schema.Method
	params dynamic.StructBuilder
	sent   bool
}

// Params returns the parameter struct.
func (r *Request) Params() dynamic.StructBuilder {
	return r.params
}

// Method returns the method being called.
func (r *Request) Method() *schema.Method {
	return r.method
}

// Interface returns the interface declaring the method.
func (r *Request) Interface() *schema.Node {
	return r.owner
}

// Send dispatches the call. The parameter message belongs to the call from
// here on.
func (r *Request) Send() (*Pipeline, error) {
	if r.sent {
		return nil, errors.InvalidState(errors.PhaseRPC, "request already sent")
	}
	r.sent = true

	results, err := r.method.Results()
	if err != nil {
		return nil, err
	}
	promise := NewPromise(r.client.loop)
	p := newPipeline(promise, results)
	r.client.send(&Call{
		Interface: r.owner,
		Method:    r.method,
		Params:    r.params.Reader(),
		Promise:   promise,
	})
	return p, nil
}
