package capability

import (
	"context"

	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/reactor"
	"github.com/wippyai/capbridge/schema"
)

// Response holds the results of a call. The receiver owns it and must
// Release it to drop the capabilities it references.
type Response struct {
	results dynamic.StructReader
}

// NewResponse wraps a results struct.
func NewResponse(results dynamic.StructReader) *Response {
	return &Response{results: results}
}

// Struct returns the results struct.
func (r *Response) Struct() dynamic.StructReader {
	return r.results
}

// Decode converts the results to host values. Capabilities in the result
// are new references owned by the caller.
func (r *Response) Decode() (map[string]any, error) {
	return dynamic.Decode(r.results)
}

// Client returns a new reference to the capability in the named
// interface-typed result field, typed with the field's interface.
func (r *Response) Client(name string) (*Client, error) {
	node := r.results.Schema()
	if node == nil {
		return nil, errors.InvalidState(errors.PhaseRPC, "response has no schema")
	}
	f, ok := node.Field(name)
	if !ok {
		return nil, errors.FieldUnknown(errors.PhaseDecode, nil, name)
	}
	it, ok := f.Type.(schema.Interface)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseDecode, []string{name}, "capability", f.Type.String())
	}
	iface, err := node.Registry().Node(it.ID)
	if err != nil {
		return nil, err
	}
	v, err := r.results.Get(f)
	if err != nil {
		return nil, err
	}
	cv, ok := v.(dynamic.CapabilityValue)
	if !ok || cv.Cap == nil {
		return nil, errors.InvalidData(errors.PhaseDecode, []string{name}, "field holds no capability")
	}
	c, ok := cv.Cap.(*Client)
	if !ok {
		return nil, errors.Internal(errors.PhaseDecode, "capability table entry is not a client")
	}
	d := c.Dup()
	d.iface = iface
	return d, nil
}

// Release drops the capabilities referenced by the results.
func (r *Response) Release() {
	if m := r.results.Message(); m != nil {
		m.Release()
	}
}

// Pipeline is a call in flight. It resolves once, through Await or Wait,
// and can derive clients for capabilities in the results before then.
type Pipeline struct {
	loop     *reactor.EventLoop
	promise  *Promise
	results  *schema.Node
	out      *reactor.Future[*Response]
	resolver *reactor.Resolver[*Response]
	consumed bool
	canceled bool
	held     bool
}

func newPipeline(promise *Promise, results *schema.Node) *Pipeline {
	out, r := reactor.NewPromise[*Response](promise.loop)
	p := &Pipeline{
		loop:     promise.loop,
		promise:  promise,
		results:  results,
		out:      out,
		resolver: r,
		held:     true,
	}
	promise.AddInterest()
	promise.Future().Then(func(resp *Response, err error) {
		p.drop()
		if err != nil {
			r.Reject(err)
			return
		}
		if !r.Fulfill(resp) {
			resp.Release()
		}
	})
	return p
}

func (p *Pipeline) drop() {
	if p.held {
		p.held = false
		p.promise.DropInterest()
	}
}

// Schema returns the results struct type.
func (p *Pipeline) Schema() *schema.Node {
	return p.results
}

// Future settles with the response, or with the cancellation error after
// Cancel. It does not count as a resolution.
func (p *Pipeline) Future() *reactor.Future[*Response] {
	return p.out
}

func (p *Pipeline) consume() error {
	if p.consumed {
		return errors.InvalidState(errors.PhaseRPC, "pipeline already awaited")
	}
	p.consumed = true
	return nil
}

// Await registers the continuations. Exactly one of them runs, from the
// event loop. A pipeline may be awaited once.
func (p *Pipeline) Await(onSuccess func(*Response), onFailure func(error)) error {
	if onSuccess == nil || onFailure == nil {
		return errors.InvalidInput(errors.PhaseRPC, "Callbacks must be functions.")
	}
	if err := p.consume(); err != nil {
		return err
	}
	p.out.Then(func(resp *Response, err error) {
		if err != nil {
			onFailure(err)
			return
		}
		onSuccess(resp)
	})
	return nil
}

// Wait blocks until the call resolves. When ctx ends first the call is
// canceled and the context's error is returned.
func (p *Pipeline) Wait(ctx context.Context) (*Response, error) {
	if err := p.consume(); err != nil {
		return nil, err
	}
	resp, err := reactor.Await(ctx, p.out)
	if err != nil && ctx.Err() != nil && !p.out.Settled() {
		p.Cancel()
	}
	return resp, err
}

// Cancel abandons the call. If the result has not been decided yet the
// pipeline fails with "Request canceled by caller.". If the success
// continuation is already scheduled, success is still delivered: the race
// is inherent and callers must handle both outcomes. The peer is told to
// finish the call once no pipelined client depends on it.
func (p *Pipeline) Cancel() {
	if p.canceled {
		return
	}
	p.canceled = true
	if !p.promise.Settled() {
		p.resolver.Reject(errors.Canceled())
	}
	p.drop()
}

// Field navigates to a struct or group field of the results.
func (p *Pipeline) Field(name string) (*Promised, error) {
	return p.root().Field(name)
}

// Client returns a client for an interface-typed result field. Calls made
// on it before the results arrive are pipelined.
func (p *Pipeline) Client(name string) (*Client, error) {
	return p.root().Client(name)
}

func (p *Pipeline) root() *Promised {
	return &Promised{pipeline: p, node: p.results}
}

// Promised is a path into the results of a pipeline.
type Promised struct {
	pipeline *Pipeline
	node     *schema.Node
	ops      []uint16
}

func (pr *Promised) field(name string) (*schema.Field, error) {
	f, ok := pr.node.Field(name)
	if !ok {
		return nil, errors.FieldUnknown(errors.PhaseRPC, nil, name)
	}
	return f, nil
}

// Field navigates to a struct or group field.
func (pr *Promised) Field(name string) (*Promised, error) {
	f, err := pr.field(name)
	if err != nil {
		return nil, err
	}
	reg := pr.node.Registry()
	if f.Kind == schema.FieldGroup {
		g, err := reg.Node(f.GroupID)
		if err != nil {
			return nil, err
		}
		return &Promised{pipeline: pr.pipeline, node: g, ops: pr.ops}, nil
	}
	st, ok := f.Type.(schema.Struct)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseRPC, []string{name}, "struct", f.Type.String())
	}
	n, err := reg.Node(st.ID)
	if err != nil {
		return nil, err
	}
	return &Promised{pipeline: pr.pipeline, node: n, ops: appendOp(pr.ops, f.Offset)}, nil
}

// Client returns a pipelined client for an interface-typed field.
func (pr *Promised) Client(name string) (*Client, error) {
	f, err := pr.field(name)
	if err != nil {
		return nil, err
	}
	it, ok := f.Type.(schema.Interface)
	if !ok || f.Kind != schema.FieldSlot {
		return nil, errors.TypeMismatch(errors.PhaseRPC, []string{name}, "capability", f.Type.String())
	}
	iface, err := pr.node.Registry().Node(it.ID)
	if err != nil {
		return nil, err
	}
	p := pr.pipeline
	hook := p.promise.PipelineHook(appendOp(pr.ops, f.Offset))
	return NewClient(p.loop, hook, iface), nil
}

func appendOp(ops []uint16, offset uint32) []uint16 {
	out := make([]uint16, len(ops)+1)
	copy(out, ops)
	out[len(ops)] = uint16(offset)
	return out
}
