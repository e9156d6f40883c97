package capability

import (
	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/reactor"
	"github.com/wippyai/capbridge/schema"
)

// Client is one reference to a capability. Clients are not safe for
// concurrent use; they belong to the event loop they were created on.
//
// Every Client must be closed exactly once. Closing releases this
// reference only: other clients duplicated from it keep working.
type Client struct {
	loop   *reactor.EventLoop
	ref    *hookRef
	iface  *schema.Node
	closed bool
}

// NewClient wraps hook in a client holding its first reference. iface may
// be nil for capabilities received without a schema; Cast gives them one.
func NewClient(loop *reactor.EventLoop, hook Hook, iface *schema.Node) *Client {
	return &Client{loop: loop, ref: &hookRef{hook: hook, refs: 1}, iface: iface}
}

// ErrorClient returns a client whose calls all fail with err.
func ErrorClient(loop *reactor.EventLoop, err error, iface *schema.Node) *Client {
	return NewClient(loop, BrokenHook(err), iface)
}

func closedRef() *hookRef {
	return &hookRef{hook: &brokenHook{err: errors.Closed()}, refs: 1}
}

// Schema returns the client's interface, or nil when it has none.
func (c *Client) Schema() *schema.Node {
	return c.iface
}

// Loop returns the event loop the client's results are delivered on.
func (c *Client) Loop() *reactor.EventLoop {
	return c.loop
}

// Hook returns the hook calls would currently go to, looking through
// promises that have already resolved.
func (c *Client) Hook() Hook {
	h := c.ref.hook
	for {
		p, ok := h.(*promiseHook)
		if !ok {
			return h
		}
		next := p.current()
		if next == nil {
			return p
		}
		h = next
	}
}

// Err returns the error calls fail with when the client is broken or closed.
func (c *Client) Err() error {
	return BrokenError(c.Hook())
}

// IsClosed reports whether Close was called on this client.
func (c *Client) IsClosed() bool {
	return c.closed
}

// Dup returns a new reference to the same capability.
func (c *Client) Dup() *Client {
	c.ref.refs++
	return &Client{loop: c.loop, ref: c.ref, iface: c.iface}
}

// Close releases this reference. The client stays usable as a broken
// client that fails calls with "Capability has been closed.". Closing
// twice does nothing.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.closed = true
	ref := c.ref
	c.ref = closedRef()
	ref.release()
}

// Replace makes c refer to the capability src refers to, like dup2. The
// new reference is taken before the old one is released, so replacing a
// client with itself is safe.
func (c *Client) Replace(src *Client) {
	src.ref.refs++
	old := c.ref
	c.ref = src.ref
	c.iface = src.iface
	c.closed = false
	old.release()
}

// Cast returns a new reference typed as iface. The capability is not
// asked whether it implements iface; calls it does not know fail remotely.
func (c *Client) Cast(iface *schema.Node) (*Client, error) {
	if iface == nil {
		return nil, errors.InvalidInput(errors.PhaseRPC, "cast to a nil interface")
	}
	if !iface.IsInterface() {
		return nil, schema.NotInterface(iface)
	}
	d := c.Dup()
	d.iface = iface
	return d, nil
}

// Retain implements dynamic.Capability so clients can be stored in
// message capability tables.
func (c *Client) Retain() dynamic.Capability {
	return c.Dup()
}

// Release implements dynamic.Capability.
func (c *Client) Release() {
	c.Close()
}

// NewRequest starts building a call to the named method. The method may be
// declared by the client's interface or any interface it extends.
func (c *Client) NewRequest(method string) (*Request, error) {
	if c.iface == nil {
		return nil, errors.InvalidState(errors.PhaseRPC, "client has no interface schema; cast it first")
	}
	owner, m, err := c.iface.FindMethod(method)
	if err != nil {
		return nil, err
	}
	params, err := m.Params()
	if err != nil {
		return nil, err
	}
	b, err := dynamic.NewStruct(params)
	if err != nil {
		return nil, err
	}
	return &Request{client: c, owner: owner, method: m, params: b}, nil
}

// send dispatches a call through the client's current hook.
func (c *Client) send(call *Call) {
	c.ref.hook.Send(call)
}
