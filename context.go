//go:build linux || darwin

package capbridge

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/wippyai/capbridge/capability"
	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/hostloop"
	"github.com/wippyai/capbridge/reactor"
	"github.com/wippyai/capbridge/rpc"
	"github.com/wippyai/capbridge/schema"
	"github.com/wippyai/capbridge/stream"
	"go.uber.org/zap"
)

// Context is one session: a host loop, the reactor bridged onto it, a schema
// registry and every connection and listener opened through it. Nothing is
// shared between contexts unless passed in with options.
type Context struct {
	host     *hostloop.Loop
	bridge   *reactor.Bridge
	events   *reactor.EventLoop
	registry *schema.Registry
	search   []string
	log      *zap.Logger
	metrics  *rpc.Metrics
	limits   dynamic.Limits

	methods map[*schema.Node]*capability.MethodSet
	conns   map[*rpc.Conn]struct{}
	servers []*rpc.Server
	closed  bool
}

// New creates a context with its own host loop.
func New(opts ...Option) (*Context, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.registry == nil {
		cfg.registry = schema.NewRegistry(cfg.loader)
	}

	host, err := hostloop.New()
	if err != nil {
		return nil, err
	}
	bridge := reactor.NewBridge(host)
	return &Context{
		host:     host,
		bridge:   bridge,
		events:   bridge.EventLoop(),
		registry: cfg.registry,
		search:   cfg.search,
		log:      cfg.logger,
		metrics:  cfg.metrics,
		limits:   cfg.limits,
		methods:  make(map[*schema.Node]*capability.MethodSet),
		conns:    make(map[*rpc.Conn]struct{}),
	}, nil
}

// Loop returns the host loop driving the context.
func (c *Context) Loop() *hostloop.Loop { return c.host }

// Events returns the reactor event loop futures settle on.
func (c *Context) Events() *reactor.EventLoop { return c.events }

// Registry returns the schema registry.
func (c *Context) Registry() *schema.Registry { return c.registry }

// Logger returns the context logger.
func (c *Context) Logger() *zap.Logger { return c.log }

// ResolveSchema looks up "file.yaml:Outer.Inner". A nil search uses the
// context's search path. Results are memoized by the registry.
func (c *Context) ResolveSchema(id string, search []string) (*schema.Node, error) {
	if search == nil {
		search = c.search
	}
	return c.registry.Resolve(id, search)
}

// Methods lists the methods callable on iface, own methods first.
func (c *Context) Methods(iface *schema.Node) (*capability.MethodSet, error) {
	if iface == nil {
		return nil, typeError("methods", "schema")
	}
	if ms, ok := c.methods[iface]; ok {
		return ms, nil
	}
	ms, err := capability.MethodsOf(iface)
	if err != nil {
		return nil, err
	}
	c.methods[iface] = ms
	return ms, nil
}

// NewBuilder starts a new message whose root is a struct of type n.
func (c *Context) NewBuilder(n *schema.Node) (dynamic.StructBuilder, error) {
	if n == nil {
		return dynamic.StructBuilder{}, typeError("newBuilder", "schema")
	}
	if !n.IsStruct() {
		return dynamic.StructBuilder{}, schema.NotStruct(n)
	}
	return dynamic.NewStruct(n)
}

// Encode writes a host value into b.
func (c *Context) Encode(b dynamic.StructBuilder, v any) error {
	return dynamic.Encode(b, v)
}

// Decode converts r into host values. Capabilities in the result are new
// references; release them with dynamic.ReleaseHost.
func (c *Context) Decode(r dynamic.StructReader) (map[string]any, error) {
	return dynamic.Decode(r)
}

func (c *Context) connOptions(restorer rpc.Restorer) rpc.Options {
	return rpc.Options{
		Restorer: restorer,
		Registry: c.registry,
		Logger:   c.log,
		Metrics:  c.metrics,
		Limits:   c.limits,
	}
}

// Connect dials addr. The connection is returned right away in the
// Connecting state; restores and calls made on it are sent once it is up.
func (c *Context) Connect(addr string) *rpc.Conn {
	conn := rpc.Dial(c.host, c.events, addr, c.connOptions(nil))
	c.track(conn)
	return conn
}

func (c *Context) track(conn *rpc.Conn) {
	c.conns[conn] = struct{}{}
	conn.Done().Then(func(struct{}, error) {
		delete(c.conns, conn)
	})
}

// Restore asks the peer for the capability published as objectID, typed as
// iface.
func (c *Context) Restore(conn *rpc.Conn, objectID string, iface *schema.Node) (*capability.Client, error) {
	if conn == nil {
		return nil, typeError("restore", "connection")
	}
	if iface == nil {
		return nil, typeError("restore", "schema")
	}
	return conn.Restore(objectID, iface)
}

// Cast returns a new reference to client typed as iface.
func (c *Context) Cast(client *capability.Client, iface *schema.Node) (*capability.Client, error) {
	if client == nil {
		return nil, typeError("castAs", "capability")
	}
	return client.Cast(iface)
}

// SchemaFor returns the interface a client is typed as, or nil.
func (c *Context) SchemaFor(client *capability.Client) *schema.Node {
	if client == nil {
		return nil
	}
	return client.Schema()
}

// NewRequest starts a call of method on client.
func (c *Context) NewRequest(client *capability.Client, method string) (*capability.Request, error) {
	if client == nil {
		return nil, typeError("request", "capability")
	}
	return client.NewRequest(method)
}

// Send sends req and arranges for exactly one of the callbacks to run on
// the event loop.
func (c *Context) Send(req *capability.Request, onSuccess func(*capability.Response), onFailure func(error)) (*capability.Pipeline, error) {
	if req == nil {
		return nil, typeError("send", "request")
	}
	if onSuccess == nil || onFailure == nil {
		return nil, errors.InvalidInput(errors.PhaseHost, "Callbacks must be functions.")
	}
	p, err := req.Send()
	if err != nil {
		return nil, err
	}
	if err := p.Await(onSuccess, onFailure); err != nil {
		return nil, err
	}
	return p, nil
}

// Cancel cancels a call in flight. See capability.Pipeline.Cancel for how
// it races with a return that already arrived.
func (c *Context) Cancel(p *capability.Pipeline) {
	if p != nil {
		p.Cancel()
	}
}

// Dup returns a new reference to the capability client points to.
func (c *Context) Dup(client *capability.Client) (*capability.Client, error) {
	if client == nil {
		return nil, typeError("dup", "capability")
	}
	return client.Dup(), nil
}

// Dup2 makes dst point to the capability src points to, releasing what dst
// held before.
func (c *Context) Dup2(src, dst *capability.Client) error {
	if src == nil {
		return typeError("dup2", "source")
	}
	if dst == nil {
		return typeError("dup2", "target")
	}
	dst.Replace(src)
	return nil
}

// CloseClient releases client's reference. Further calls on it fail.
func (c *Context) CloseClient(client *capability.Client) {
	if client != nil {
		client.Close()
	}
}

// NewLocalClient exports a Go implementation of iface.
func (c *Context) NewLocalClient(iface *schema.Node, server capability.Server) (*capability.Client, error) {
	return capability.NewLocalClient(c.events, iface, server)
}

// Listen serves restorer on addr. Accepted connections resolve incoming
// interface ids with the context registry.
func (c *Context) Listen(addr string, restorer rpc.Restorer) (*rpc.Server, error) {
	l, err := stream.Listen(c.host, c.events, addr)
	if err != nil {
		return nil, err
	}
	s := rpc.Serve(l, c.connOptions(restorer))
	c.servers = append(c.servers, s)
	return s, nil
}

// Run drives the host loop until nothing is pending or ctx ends.
func (c *Context) Run(ctx context.Context) error {
	return c.host.Run(ctx)
}

// RunOnce blocks until at least one event was dispatched.
func (c *Context) RunOnce() error {
	return c.host.RunOnce()
}

// Poll dispatches whatever is ready without blocking.
func (c *Context) Poll() error {
	return c.host.RunNoWait()
}

// Conns returns the connections opened with Connect that are still open.
func (c *Context) Conns() []*rpc.Conn {
	out := make([]*rpc.Conn, 0, len(c.conns))
	for conn := range c.conns {
		out = append(out, conn)
	}
	return out
}

// Close closes every connection and server, then the host loop.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var result *multierror.Error
	for conn := range c.conns {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.conns = make(map[*rpc.Conn]struct{})
	for _, s := range c.servers {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.servers = nil
	c.bridge.Close()
	if err := c.host.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		c.log.Warn("context closed with errors", zap.Error(err))
		return err
	}
	return nil
}

func typeError(op, param string) *errors.Error {
	return errors.New(errors.PhaseHost, errors.KindTypeMismatch).
		Detail("%s(): Type error in parameter '%s'", op, param).
		Build()
}
