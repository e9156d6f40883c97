package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/reactor"
	"github.com/wippyai/capbridge/schema"
)

const calcSchema = `
types:
  - name: Counter
    interface:
      methods:
        - name: add
          params: [{name: n, type: s64}]
          results: [{name: total, type: s64}]
  - name: Named
    interface:
      methods:
        - name: name
          results: [{name: name, type: string}]
  - name: Factory
    interface:
      extends: [Named]
      methods:
        - name: make
          params: [{name: start, type: s64}]
          results:
            - {name: counter, type: Counter}
            - name: info
              group:
                fields: [{name: label, type: string}]
        - name: slow
          results: [{name: ok, type: bool}]
        - name: boom
  - name: Plain
    struct:
      fields: [{name: x, type: u8}]
`

// queuePort is an EventPort with nothing behind it: every result must come
// from the event loop queue.
type queuePort struct{}

func (queuePort) Wait() error {
	return errors.InvalidState(errors.PhaseReactor, "nothing left to wait for")
}

func (queuePort) Poll() error { return nil }

func (queuePort) SetRunnable(bool) {}

type env struct {
	loop *reactor.EventLoop
	file *schema.Node
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := schema.NewRegistry(nil)
	file, err := reg.Parse("calc.yaml", []byte(calcSchema))
	require.NoError(t, err)
	return &env{loop: reactor.NewEventLoop(queuePort{}), file: file}
}

func (e *env) node(t *testing.T, name string) *schema.Node {
	t.Helper()
	n, err := e.file.Lookup(name)
	require.NoError(t, err)
	return n
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

type counterServer struct {
	total    int64
	shutdown int
}

func (s *counterServer) Dispatch(call *ServerCall) error {
	return Methods{
		"add": func(call *ServerCall) error {
			v, err := call.Params().GetByName("n")
			if err != nil {
				return err
			}
			s.total += int64(v.(dynamic.IntValue))
			res, err := call.Results()
			if err != nil {
				return err
			}
			return res.SetByName("total", dynamic.IntValue(s.total))
		},
	}.Dispatch(call)
}

func (s *counterServer) Shutdown() { s.shutdown++ }

type factoryServer struct {
	e       *env
	t       *testing.T
	pending func(error)
	slow    *ServerCall
	fail    error
}

func (s *factoryServer) Dispatch(call *ServerCall) error {
	return Methods{
		"name": func(call *ServerCall) error {
			res, err := call.Results()
			if err != nil {
				return err
			}
			return res.SetByName("name", dynamic.TextValue("factory"))
		},
		"make": func(call *ServerCall) error {
			if s.fail != nil {
				return s.fail
			}
			v, err := call.Params().GetByName("start")
			if err != nil {
				return err
			}
			counter, err := NewLocalClient(s.e.loop, s.e.node(s.t, "Counter"), &counterServer{total: int64(v.(dynamic.IntValue))})
			if err != nil {
				return err
			}
			defer counter.Close()

			res, err := call.Results()
			if err != nil {
				return err
			}
			if err := res.SetByName("counter", dynamic.CapabilityValue{Cap: counter}); err != nil {
				return err
			}
			info, _ := res.Schema().Field("info")
			g, err := res.Group(info)
			if err != nil {
				return err
			}
			return g.SetByName("label", dynamic.TextValue("made"))
		},
		"slow": func(call *ServerCall) error {
			s.slow = call
			s.pending = call.Defer()
			return nil
		},
		"boom": func(call *ServerCall) error {
			panic("boom")
		},
	}.Dispatch(call)
}

func (e *env) factory(t *testing.T) (*Client, *factoryServer) {
	t.Helper()
	srv := &factoryServer{e: e, t: t}
	c, err := NewLocalClient(e.loop, e.node(t, "Factory"), srv)
	require.NoError(t, err)
	return c, srv
}

func send(t *testing.T, c *Client, method string, params map[string]any) *Pipeline {
	t.Helper()
	req, err := c.NewRequest(method)
	require.NoError(t, err)
	if params != nil {
		require.NoError(t, dynamic.Encode(req.Params(), params))
	}
	p, err := req.Send()
	require.NoError(t, err)
	return p
}

func decode(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	out, err := resp.Decode()
	require.NoError(t, err)
	dynamic.ReleaseHost(out)
	return out
}

func TestLocalCall_InheritedMethod(t *testing.T) {
	e := newEnv(t)
	f, _ := e.factory(t)
	defer f.Close()

	resp, err := send(t, f, "name", nil).Wait(ctx(t))
	require.NoError(t, err)
	defer resp.Release()
	assert.Equal(t, map[string]any{"name": "factory"}, decode(t, resp))
}

func TestPipelining(t *testing.T) {
	e := newEnv(t)
	f, _ := e.factory(t)
	defer f.Close()

	made := send(t, f, "make", map[string]any{"start": 10})
	counter, err := made.Client("counter")
	require.NoError(t, err)
	defer counter.Close()
	assert.Equal(t, e.node(t, "Counter"), counter.Schema())

	first := send(t, counter, "add", map[string]any{"n": 5})
	second := send(t, counter, "add", map[string]any{"n": 1})

	r1, err := first.Wait(ctx(t))
	require.NoError(t, err)
	defer r1.Release()
	r2, err := second.Wait(ctx(t))
	require.NoError(t, err)
	defer r2.Release()
	assert.Equal(t, "15", decode(t, r1)["total"])
	assert.Equal(t, "16", decode(t, r2)["total"])

	resp, err := made.Wait(ctx(t))
	require.NoError(t, err)
	defer resp.Release()
	assert.Equal(t, map[string]any{"label": "made"}, decode(t, resp)["info"])

	// After resolution the client forwards to the capability in the results.
	third, err := send(t, counter, "add", map[string]any{"n": 4}).Wait(ctx(t))
	require.NoError(t, err)
	defer third.Release()
	assert.Equal(t, "20", decode(t, third)["total"])
}

func TestPipeline_FieldNavigation(t *testing.T) {
	e := newEnv(t)
	f, _ := e.factory(t)
	defer f.Close()

	made := send(t, f, "make", map[string]any{"start": 0})
	info, err := made.Field("info")
	require.NoError(t, err)

	_, err = info.Client("label")
	assert.True(t, errors.Is(err, &errors.Error{Phase: errors.PhaseRPC, Kind: errors.KindTypeMismatch}))
	_, err = made.Field("counter")
	assert.Error(t, err, "an interface field is not a struct")
	_, err = made.Client("missing")
	assert.True(t, errors.Is(err, &errors.Error{Phase: errors.PhaseRPC, Kind: errors.KindFieldUnknown}))

	made.Cancel()
}

func TestResponse_Client(t *testing.T) {
	e := newEnv(t)
	f, _ := e.factory(t)
	defer f.Close()

	resp, err := send(t, f, "make", map[string]any{"start": 1}).Wait(ctx(t))
	require.NoError(t, err)

	counter, err := resp.Client("counter")
	require.NoError(t, err)
	resp.Release()
	defer counter.Close()

	out, err := send(t, counter, "add", map[string]any{"n": 1}).Wait(ctx(t))
	require.NoError(t, err)
	defer out.Release()
	assert.Equal(t, "2", decode(t, out)["total"])

	_, err = resp.Client("info")
	assert.Error(t, err)
}

func TestPipeline_ResolvesOnce(t *testing.T) {
	e := newEnv(t)
	f, _ := e.factory(t)
	defer f.Close()

	p := send(t, f, "name", nil)
	assert.True(t, errors.Is(p.Await(nil, func(error) {}), &errors.Error{Phase: errors.PhaseRPC, Kind: errors.KindInvalidInput}))

	var got []string
	require.NoError(t, p.Await(func(r *Response) {
		got = append(got, "success")
		r.Release()
	}, func(error) {
		got = append(got, "failure")
	}))

	_, err := p.Wait(ctx(t))
	require.Error(t, err)
	assert.Equal(t, errors.NaturePrecondition, errors.NatureOf(err))

	e.loop.Run()
	assert.Equal(t, []string{"success"}, got)
}

func TestPipeline_CancelBeforeDecision(t *testing.T) {
	e := newEnv(t)
	f, srv := e.factory(t)
	defer f.Close()

	p := send(t, f, "slow", nil)
	e.loop.Run()
	require.NotNil(t, srv.pending, "server received the call")
	assert.False(t, srv.slow.Canceled())

	p.Cancel()
	assert.True(t, srv.slow.Canceled())

	_, err := p.Wait(ctx(t))
	require.Error(t, err)
	e2, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.MsgCanceled, e2.Message())
	assert.Equal(t, errors.NatureOther, errors.NatureOf(err))
	assert.Equal(t, errors.DurabilityPermanent, errors.DurabilityOf(err))

	// The late answer is dropped without a second delivery.
	srv.pending(nil)
	e.loop.Run()
}

func TestPipeline_CancelAfterSuccessScheduled(t *testing.T) {
	e := newEnv(t)
	f, _ := e.factory(t)
	defer f.Close()

	p := send(t, f, "name", nil)
	// One turn runs the server, which settles the answer and schedules
	// the pipeline's continuation.
	require.Equal(t, 1, e.loop.RunTurns(1))
	p.Cancel()

	resp, err := p.Wait(ctx(t))
	require.NoError(t, err, "success was already decided")
	defer resp.Release()
	assert.Equal(t, "factory", decode(t, resp)["name"])
}

func TestDeferredAnswer(t *testing.T) {
	e := newEnv(t)
	f, srv := e.factory(t)
	defer f.Close()

	var results []*Response
	p := send(t, f, "slow", nil)
	require.NoError(t, p.Await(func(r *Response) { results = append(results, r) }, func(err error) {
		t.Errorf("unexpected failure: %v", err)
	}))
	e.loop.Run()
	require.Empty(t, results)

	res, err := srv.slow.Results()
	require.NoError(t, err)
	require.NoError(t, res.SetByName("ok", dynamic.BoolValue(true)))
	srv.pending(nil)
	srv.pending(errors.Internal(errors.PhaseRPC, "ignored"))
	e.loop.Run()

	require.Len(t, results, 1)
	assert.Equal(t, map[string]any{"ok": true}, decode(t, results[0]))
	results[0].Release()
}

func TestServerErrors(t *testing.T) {
	e := newEnv(t)
	f, srv := e.factory(t)
	defer f.Close()

	t.Run("returned error", func(t *testing.T) {
		srv.fail = errors.Remote("no counters today", errors.NatureOther, errors.DurabilityOverloaded)
		defer func() { srv.fail = nil }()

		p := send(t, f, "make", map[string]any{"start": 1})
		counter, err := p.Client("counter")
		require.NoError(t, err)
		defer counter.Close()
		pipelined := send(t, counter, "add", map[string]any{"n": 1})

		_, err = p.Wait(ctx(t))
		require.Error(t, err)
		assert.Equal(t, errors.DurabilityOverloaded, errors.DurabilityOf(err))

		_, err = pipelined.Wait(ctx(t))
		require.Error(t, err, "calls pipelined on a failed answer fail too")
		assert.Equal(t, errors.DurabilityOverloaded, errors.DurabilityOf(err))
	})

	t.Run("panic", func(t *testing.T) {
		_, err := send(t, f, "boom", nil).Wait(ctx(t))
		require.Error(t, err)
		assert.True(t, errors.Is(err, &errors.Error{Phase: errors.PhaseRPC, Kind: errors.KindInternal}))
	})

	t.Run("unimplemented", func(t *testing.T) {
		c, err := NewLocalClient(e.loop, e.node(t, "Factory"), Methods{})
		require.NoError(t, err)
		defer c.Close()
		_, err = send(t, c, "slow", nil).Wait(ctx(t))
		require.Error(t, err)
		assert.True(t, errors.Is(err, &errors.Error{Phase: errors.PhaseRPC, Kind: errors.KindUnsupported}))
		assert.Contains(t, err.Error(), "calc.yaml:Factory.slow")
	})
}

func TestRefcounting(t *testing.T) {
	e := newEnv(t)
	srv := &counterServer{}
	c, err := NewLocalClient(e.loop, e.node(t, "Counter"), srv)
	require.NoError(t, err)

	d := c.Dup()
	c.Close()
	c.Close()
	assert.Equal(t, 0, srv.shutdown, "the duplicate still holds a reference")
	assert.True(t, c.IsClosed())

	_, err = send(t, c, "add", map[string]any{"n": 1}).Wait(ctx(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrClosed))
	assert.Contains(t, err.Error(), errors.MsgClosed)

	resp, err := send(t, d, "add", map[string]any{"n": 2}).Wait(ctx(t))
	require.NoError(t, err)
	resp.Release()

	d.Close()
	assert.Equal(t, 1, srv.shutdown)
}

func TestReplace(t *testing.T) {
	e := newEnv(t)
	counter := e.node(t, "Counter")
	srvA, srvB := &counterServer{total: 100}, &counterServer{}
	a, err := NewLocalClient(e.loop, counter, srvA)
	require.NoError(t, err)
	b, err := NewLocalClient(e.loop, counter, srvB)
	require.NoError(t, err)

	a.Replace(a)
	assert.Equal(t, 0, srvA.shutdown, "replacing with itself keeps the capability alive")

	a.Replace(b)
	assert.Equal(t, 1, srvA.shutdown)

	resp, err := send(t, a, "add", map[string]any{"n": 3}).Wait(ctx(t))
	require.NoError(t, err)
	resp.Release()
	assert.Equal(t, int64(3), srvB.total)

	b.Close()
	assert.Equal(t, 0, srvB.shutdown)
	a.Close()
	assert.Equal(t, 1, srvB.shutdown)

	closed := b
	fresh, err := NewLocalClient(e.loop, counter, &counterServer{})
	require.NoError(t, err)
	closed.Replace(fresh)
	assert.False(t, closed.IsClosed(), "a replaced client is usable again")
	closed.Close()
	fresh.Close()
}

func TestCast(t *testing.T) {
	e := newEnv(t)
	f, _ := e.factory(t)
	defer f.Close()

	_, err := f.Cast(e.node(t, "Plain"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not an interface type: calc.yaml:Plain")

	named, err := f.Cast(e.node(t, "Named"))
	require.NoError(t, err)
	defer named.Close()
	assert.Equal(t, e.node(t, "Named"), named.Schema())

	_, err = named.NewRequest("make")
	assert.True(t, errors.Is(err, &errors.Error{Phase: errors.PhaseSchema, Kind: errors.KindNotFound}))

	resp, err := send(t, named, "name", nil).Wait(ctx(t))
	require.NoError(t, err)
	resp.Release()
}

func TestRequest_SendOnce(t *testing.T) {
	e := newEnv(t)
	f, _ := e.factory(t)
	defer f.Close()

	req, err := f.NewRequest("name")
	require.NoError(t, err)
	p, err := req.Send()
	require.NoError(t, err)
	_, err = req.Send()
	assert.True(t, errors.Is(err, &errors.Error{Phase: errors.PhaseRPC, Kind: errors.KindInvalidState}))
	p.Cancel()
}

func TestErrorClient(t *testing.T) {
	e := newEnv(t)
	cause := errors.Disconnected(nil)
	c := ErrorClient(e.loop, cause, e.node(t, "Counter"))
	defer c.Close()

	assert.Equal(t, cause, c.Err())
	_, err := send(t, c, "add", map[string]any{"n": 1}).Wait(ctx(t))
	assert.True(t, errors.Is(err, errors.ErrDisconnected))

	untyped := ErrorClient(e.loop, cause, nil)
	_, err = untyped.NewRequest("add")
	assert.Error(t, err)
}

func TestMethodsOf(t *testing.T) {
	e := newEnv(t)
	ms, err := MethodsOf(e.node(t, "Factory"))
	require.NoError(t, err)
	assert.Equal(t, []string{"make", "slow", "boom", "name"}, ms.Names())

	entry, ok := ms.Lookup("name")
	require.True(t, ok)
	assert.Equal(t, e.node(t, "Named"), entry.Owner)

	_, ok = ms.Lookup("missing")
	assert.False(t, ok)

	_, err = MethodsOf(e.node(t, "Plain"))
	assert.Error(t, err)
}

func TestPromise_InterestAndRelease(t *testing.T) {
	e := newEnv(t)
	p := NewPromise(e.loop)
	released := 0
	p.OnRelease(func() { released++ })

	p.AddInterest()
	h := p.PipelineHook([]uint16{0})
	p.DropInterest()
	assert.Equal(t, 0, released, "the pipelined hook still waits")

	h.Shutdown()
	assert.Equal(t, 1, released)
	assert.False(t, p.Interested())

	p.Reject(errors.Canceled())
	assert.True(t, p.Settled())
}

func TestPromise_EagerHook(t *testing.T) {
	e := newEnv(t)
	p := NewPromise(e.loop)

	var sent []*Call
	shut := 0
	p.SetPipeliner(func(ops []uint16) Hook {
		assert.Equal(t, []uint16{2}, ops)
		return &recordingHook{sent: &sent, shut: &shut}
	})
	h := p.PipelineHook([]uint16{2})

	call := &Call{Promise: NewPromise(e.loop)}
	h.Send(call)
	assert.Len(t, sent, 1, "calls go out before resolution")

	p.Reject(errors.Disconnected(nil))
	assert.Equal(t, 1, shut, "the eager hook is dropped on resolution")

	late := &Call{Promise: NewPromise(e.loop)}
	h.Send(late)
	assert.Len(t, sent, 1)
	assert.True(t, late.Promise.Settled())
}

type recordingHook struct {
	sent *[]*Call
	shut *int
}

func (h *recordingHook) Send(call *Call) { *h.sent = append(*h.sent, call) }

func (h *recordingHook) Shutdown() { *h.shut++ }
