//go:build linux || darwin

package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wippyai/capbridge/capability"
	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/hostloop"
	"github.com/wippyai/capbridge/reactor"
	"github.com/wippyai/capbridge/schema"
	"github.com/wippyai/capbridge/stream"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	capnp "zombiezen.com/go/capnproto2"
	rpccapnp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

const factorySchema = `
types:
  - name: Counter
    interface:
      methods:
        - name: add
          params: [{name: n, type: s64}]
          results: [{name: total, type: s64}]
  - name: Factory
    interface:
      methods:
        - name: make
          params: [{name: start, type: s64}]
          results: [{name: counter, type: Counter}]
        - name: slow
          results: [{name: ok, type: bool}]
        - name: ping
          results: [{name: n, type: u32}]
        - name: boom
        - name: give
          params: [{name: counter, type: Counter}, {name: n, type: s64}]
          results: [{name: total, type: s64}]
`

type env struct {
	host   *hostloop.Loop
	events *reactor.EventLoop
	file   *schema.Node
}

func newEnv(t *testing.T) *env {
	t.Helper()
	host, err := hostloop.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })
	file, err := schema.NewRegistry(nil).Parse("factory.yaml", []byte(factorySchema))
	require.NoError(t, err)
	return &env{host: host, events: reactor.NewBridge(host).EventLoop(), file: file}
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

func (s *counterServer) Dispatch(call *capability.ServerCall) error {
	return capability.Methods{
		"add": func(call *capability.ServerCall) error {
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
	e        *env
	t        *testing.T
	hold     bool
	held     []func(error)
	made     []*counterServer
	slow     *capability.ServerCall
	slowDone func(error)
}

func (s *factoryServer) Dispatch(call *capability.ServerCall) error {
	return capability.Methods{
		"make": func(call *capability.ServerCall) error {
			v, err := call.Params().GetByName("start")
			if err != nil {
				return err
			}
			cs := &counterServer{total: int64(v.(dynamic.IntValue))}
			s.made = append(s.made, cs)
			counter, err := capability.NewLocalClient(s.e.events, s.e.node(s.t, "Counter"), cs)
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
			if s.hold {
				s.held = append(s.held, call.Defer())
			}
			return nil
		},
		"slow": func(call *capability.ServerCall) error {
			s.slow = call
			s.slowDone = call.Defer()
			return nil
		},
		"ping": func(call *capability.ServerCall) error {
			res, err := call.Results()
			if err != nil {
				return err
			}
			return res.SetByName("n", dynamic.UintValue(1))
		},
		"boom": func(call *capability.ServerCall) error {
			return errors.New(errors.PhaseRPC, errors.KindLimit).
				Durability(errors.DurabilityOverloaded).
				Detail("too busy").
				Build()
		},
		"give": func(call *capability.ServerCall) error {
			v, err := call.Params().GetByName("counter")
			if err != nil {
				return err
			}
			n, err := call.Params().GetByName("n")
			if err != nil {
				return err
			}
			received, ok := v.(dynamic.CapabilityValue).Cap.(*capability.Client)
			if !ok {
				return errors.InvalidInput(errors.PhaseRPC, "no counter")
			}
			counter, err := received.Cast(s.e.node(s.t, "Counter"))
			if err != nil {
				return err
			}
			defer counter.Close()
			req, err := counter.NewRequest("add")
			if err != nil {
				return err
			}
			if err := req.Params().SetByName("n", n); err != nil {
				return err
			}
			p, err := req.Send()
			if err != nil {
				return err
			}
			done := call.Defer()
			return p.Await(func(resp *capability.Response) {
				defer resp.Release()
				total, err := resp.Struct().GetByName("total")
				if err != nil {
					done(err)
					return
				}
				res, err := call.Results()
				if err != nil {
					done(err)
					return
				}
				done(res.SetByName("total", total))
			}, done)
		},
	}.Dispatch(call)
}

func (e *env) factory(t *testing.T) *factoryServer {
	return &factoryServer{e: e, t: t}
}

func (e *env) restorer(t *testing.T, fs *factoryServer) Restorer {
	return func(objectID string) (*capability.Client, error) {
		if objectID != "factory" {
			return nil, errors.NotFound(errors.PhaseRPC, "object", objectID)
		}
		return capability.NewLocalClient(e.events, e.node(t, "Factory"), fs)
	}
}

// pair connects a client and a server over a socketpair.
func (e *env) pair(t *testing.T, client, server Options) (*Conn, *Conn) {
	t.Helper()
	a, b, err := stream.Pair(e.host, e.events)
	require.NoError(t, err)
	srv := NewConn(b, server)
	cli := NewConn(a, client)
	t.Cleanup(func() {
		_ = cli.Close()
		_ = srv.Close()
	})
	return cli, srv
}

func (e *env) restore(t *testing.T, c *Conn, iface string) *capability.Client {
	t.Helper()
	f, err := c.Restore("factory", e.node(t, iface))
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

func call(t *testing.T, c *capability.Client, method string, params map[string]any) *capability.Pipeline {
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

func wait(t *testing.T, p *capability.Pipeline) *capability.Response {
	t.Helper()
	resp, err := p.Wait(ctx(t))
	require.NoError(t, err)
	return resp
}

func waitErr(t *testing.T, p *capability.Pipeline) error {
	t.Helper()
	_, err := p.Wait(ctx(t))
	require.Error(t, err)
	return err
}

func get(t *testing.T, resp *capability.Response, name string) dynamic.Value {
	t.Helper()
	v, err := resp.Struct().GetByName(name)
	require.NoError(t, err)
	return v
}

// ping makes a round trip. Frames are handled in order on both ends, so
// everything sent before the ping has been processed once it returns.
func ping(t *testing.T, f *capability.Client) {
	t.Helper()
	wait(t, call(t, f, "ping", nil)).Release()
}

func TestConn_RestoreAndCall(t *testing.T) {
	e := newEnv(t)
	fs := e.factory(t)
	cli, _ := e.pair(t, Options{}, Options{Restorer: e.restorer(t, fs)})
	f := e.restore(t, cli, "Factory")

	resp := wait(t, call(t, f, "make", map[string]any{"start": 10}))
	counter, err := resp.Client("counter")
	require.NoError(t, err)
	resp.Release()
	defer counter.Close()

	out := wait(t, call(t, counter, "add", map[string]any{"n": 5}))
	defer out.Release()
	assert.Equal(t, dynamic.IntValue(15), get(t, out, "total"))
	assert.Equal(t, Established, cli.State())
}

func TestConn_PipelinedCallsGoOutBeforeReturn(t *testing.T) {
	e := newEnv(t)
	fs := e.factory(t)
	fs.hold = true
	metrics := NewMetrics(prometheus.NewRegistry())
	cli, srv := e.pair(t, Options{Metrics: metrics}, Options{Restorer: e.restorer(t, fs)})
	f := e.restore(t, cli, "Factory")

	made := call(t, f, "make", map[string]any{"start": 10})
	counter, err := made.Client("counter")
	require.NoError(t, err)
	defer counter.Close()
	first := call(t, counter, "add", map[string]any{"n": 5})
	second := call(t, counter, "add", map[string]any{"n": 1})
	ping(t, f)

	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.frames.WithLabelValues("out", "call")))
	assert.False(t, first.Future().Settled())
	assert.GreaterOrEqual(t, srv.Stats().Answers, 3, "make and both adds wait on the server")
	require.Len(t, fs.held, 1)

	fs.held[0](nil)
	r1 := wait(t, first)
	defer r1.Release()
	r2 := wait(t, second)
	defer r2.Release()
	assert.Equal(t, dynamic.IntValue(15), get(t, r1, "total"))
	assert.Equal(t, dynamic.IntValue(16), get(t, r2, "total"))
	wait(t, made).Release()

	r3 := wait(t, call(t, counter, "add", map[string]any{"n": 4}))
	defer r3.Release()
	assert.Equal(t, dynamic.IntValue(20), get(t, r3, "total"))
}

func TestConn_CallsBeforeRestoreReturns(t *testing.T) {
	e := newEnv(t)
	fs := e.factory(t)
	cli, _ := e.pair(t, Options{}, Options{Restorer: e.restorer(t, fs)})
	f := e.restore(t, cli, "Factory")

	// Both calls target the restore question and arrive in order.
	made := call(t, f, "make", map[string]any{"start": 1})
	p := call(t, f, "ping", nil)

	wait(t, p).Release()
	resp := wait(t, made)
	defer resp.Release()
	assert.Len(t, fs.made, 1)
}

func TestConn_CancelSendsFinish(t *testing.T) {
	e := newEnv(t)
	fs := e.factory(t)
	cli, _ := e.pair(t, Options{}, Options{Restorer: e.restorer(t, fs)})
	f := e.restore(t, cli, "Factory")

	p := call(t, f, "slow", nil)
	ping(t, f)
	require.NotNil(t, fs.slow)
	assert.False(t, fs.slow.Canceled())

	p.Cancel()
	err := waitErr(t, p)
	assert.True(t, errors.Is(err, errors.ErrCanceled))
	e2, _ := errors.As(err)
	assert.Equal(t, errors.MsgCanceled, e2.Message())

	ping(t, f)
	assert.True(t, fs.slow.Canceled())

	// The late return is dropped and the question id freed.
	fs.slowDone(nil)
	ping(t, f)
	assert.Equal(t, 0, cli.Stats().Questions)
}

func TestConn_CancelAfterReturnDeliversSuccess(t *testing.T) {
	e := newEnv(t)
	fs := e.factory(t)
	cli, _ := e.pair(t, Options{}, Options{Restorer: e.restorer(t, fs)})
	f := e.restore(t, cli, "Factory")

	p := call(t, f, "ping", nil)
	_, err := reactor.Await(ctx(t), p.Future())
	require.NoError(t, err)

	p.Cancel()
	resp, err := p.Wait(ctx(t))
	require.NoError(t, err)
	defer resp.Release()
	assert.Equal(t, dynamic.UintValue(1), get(t, resp, "n"))
}

func TestConn_ReleaseAfterLastReference(t *testing.T) {
	e := newEnv(t)
	fs := e.factory(t)
	cli, srv := e.pair(t, Options{}, Options{Restorer: e.restorer(t, fs)})
	f := e.restore(t, cli, "Factory")

	resp := wait(t, call(t, f, "make", map[string]any{"start": 1}))
	counter, err := resp.Client("counter")
	require.NoError(t, err)
	resp.Release()
	ping(t, f)
	assert.Equal(t, 2, srv.Stats().Exports, "factory and counter")
	assert.Equal(t, 2, cli.Stats().Imports)

	dup := counter.Dup()
	counter.Close()
	ping(t, f)
	assert.Equal(t, 2, srv.Stats().Exports)

	dup.Close()
	ping(t, f)
	assert.Equal(t, 1, srv.Stats().Exports)
	assert.Equal(t, 1, cli.Stats().Imports)
	require.Len(t, fs.made, 1)
	assert.Equal(t, 1, fs.made[0].shutdown)
}

func TestConn_CapabilitiesInParams(t *testing.T) {
	e := newEnv(t)
	fs := e.factory(t)
	cli, _ := e.pair(t, Options{}, Options{Restorer: e.restorer(t, fs)})
	f := e.restore(t, cli, "Factory")

	t.Run("sender hosted", func(t *testing.T) {
		local := &counterServer{total: 100}
		lc, err := capability.NewLocalClient(e.events, e.node(t, "Counter"), local)
		require.NoError(t, err)

		resp := wait(t, call(t, f, "give", map[string]any{"counter": lc, "n": 1}))
		assert.Equal(t, dynamic.IntValue(101), get(t, resp, "total"))
		resp.Release()
		assert.Equal(t, 1, cli.Stats().Exports)

		lc.Close()
		ping(t, f)
		assert.Equal(t, 0, cli.Stats().Exports)
		assert.Equal(t, 1, local.shutdown)
	})

	t.Run("receiver hosted", func(t *testing.T) {
		resp := wait(t, call(t, f, "make", map[string]any{"start": 5}))
		counter, err := resp.Client("counter")
		require.NoError(t, err)
		resp.Release()
		defer counter.Close()

		out := wait(t, call(t, f, "give", map[string]any{"counter": counter, "n": 2}))
		defer out.Release()
		assert.Equal(t, dynamic.IntValue(7), get(t, out, "total"))
		assert.Equal(t, 0, cli.Stats().Exports, "the server's own counter is not re-exported")
	})

	t.Run("receiver answer", func(t *testing.T) {
		made := call(t, f, "make", map[string]any{"start": 20})
		counter, err := made.Client("counter")
		require.NoError(t, err)
		defer counter.Close()

		out := wait(t, call(t, f, "give", map[string]any{"counter": counter, "n": 3}))
		defer out.Release()
		assert.Equal(t, dynamic.IntValue(23), get(t, out, "total"))
		wait(t, made).Release()
	})
}

func TestConn_RemoteErrors(t *testing.T) {
	e := newEnv(t)
	fs := e.factory(t)
	cli, _ := e.pair(t, Options{}, Options{Restorer: e.restorer(t, fs)})
	f := e.restore(t, cli, "Factory")

	err := waitErr(t, call(t, f, "boom", nil))
	assert.True(t, errors.Is(err, errors.ErrRemote))
	remote, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "too busy", remote.Message())
	assert.Equal(t, errors.DurabilityOverloaded, errors.DurabilityOf(err))

	missing, err := cli.Restore("nope", e.node(t, "Factory"))
	require.NoError(t, err)
	defer missing.Close()
	err = waitErr(t, call(t, missing, "ping", nil))
	assert.True(t, errors.Is(err, errors.ErrRemote))
	assert.Contains(t, err.Error(), "nope")
	assert.Equal(t, errors.NaturePrecondition, errors.NatureOf(err))
}

func TestConn_RestoreWithoutRestorer(t *testing.T) {
	e := newEnv(t)
	cli, _ := e.pair(t, Options{}, Options{})
	f := e.restore(t, cli, "Factory")

	err := waitErr(t, call(t, f, "ping", nil))
	assert.Contains(t, err.Error(), "does not serve restore requests")
}

func TestConn_RestoreRejectsNonInterface(t *testing.T) {
	e := newEnv(t)
	cli, _ := e.pair(t, Options{}, Options{})
	file := e.file

	_, err := cli.Restore("factory", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not an interface type: ")
}

func TestConn_DisconnectBreaksEverything(t *testing.T) {
	e := newEnv(t)
	fs := e.factory(t)
	cli, srv := e.pair(t, Options{}, Options{Restorer: e.restorer(t, fs)})
	f := e.restore(t, cli, "Factory")

	resp := wait(t, call(t, f, "make", map[string]any{"start": 1}))
	counter, err := resp.Client("counter")
	require.NoError(t, err)
	resp.Release()
	defer counter.Close()

	pending := call(t, f, "slow", nil)
	ping(t, f)

	require.NoError(t, srv.Close())
	_, err = reactor.Await(ctx(t), cli.Done())
	require.NoError(t, err)
	assert.Equal(t, Closed, cli.State())
	assert.True(t, errors.Is(cli.Err(), errors.ErrDisconnected))

	assert.True(t, errors.Is(waitErr(t, pending), errors.ErrDisconnected))
	assert.True(t, errors.Is(waitErr(t, call(t, counter, "add", map[string]any{"n": 1})), errors.ErrDisconnected))
	assert.Equal(t, errors.NatureNetworkFailure, errors.NatureOf(waitErr(t, call(t, f, "ping", nil))))
	assert.Equal(t, Stats{}, cli.Stats())

	// The server's deferred call sees the caller is gone.
	assert.True(t, fs.slow.Canceled())
}

// readRawFrame reads one frame off s the way a plain Cap'n Proto peer
// would.
func readRawFrame(t *testing.T, s *stream.Stream) rpccapnp.Message {
	t.Helper()
	var first [frameHeaderSize]byte
	_, err := reactor.Await(ctx(t), s.ReadFull(first[:]))
	require.NoError(t, err)
	count := binary.LittleEndian.Uint32(first[:]) + 1
	header := append(first[:], make([]byte, segmentTableSize(count))...)
	if len(header) > frameHeaderSize {
		_, err = reactor.Await(ctx(t), s.ReadFull(header[frameHeaderSize:]))
		require.NoError(t, err)
	}
	body := make([]byte, frameWords(header, count)*8)
	_, err = reactor.Await(ctx(t), s.ReadFull(body))
	require.NoError(t, err)

	msg, err := capnp.NewDecoder(bytes.NewReader(append(header, body...))).Decode()
	require.NoError(t, err)
	m, err := rpccapnp.ReadRootMessage(msg)
	require.NoError(t, err)
	return m
}

func TestConn_OversizedFrameAborts(t *testing.T) {
	e := newEnv(t)
	raw, b, err := stream.Pair(e.host, e.events)
	require.NoError(t, err)
	defer raw.Close()

	core, logs := observer.New(zap.WarnLevel)
	metrics := NewMetrics(prometheus.NewRegistry())
	c := NewConn(b, Options{MaxFrameSize: 16, Logger: zap.New(core), Metrics: metrics})

	// One segment of 1000 words.
	header := binary.LittleEndian.AppendUint32([]byte{0, 0, 0, 0}, 1000)
	_, err = reactor.Await(ctx(t), raw.Write(header))
	require.NoError(t, err)

	_, err = reactor.Await(ctx(t), c.Done())
	require.NoError(t, err)
	assert.True(t, errors.Is(c.Err(), &errors.Error{Phase: errors.PhaseRPC, Kind: errors.KindLimit}))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.aborts))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.connections))
	assert.Equal(t, 1, logs.FilterMessage("aborting connection").Len())

	m := readRawFrame(t, raw)
	require.Equal(t, rpccapnp.Message_Which_abort, m.Which())
	x, err := m.Abort()
	require.NoError(t, err)
	reason, err := x.Reason()
	require.NoError(t, err)
	assert.Contains(t, reason, "frame size")
}

func TestConn_TooManySegmentsAborts(t *testing.T) {
	e := newEnv(t)
	raw, b, err := stream.Pair(e.host, e.events)
	require.NoError(t, err)
	defer raw.Close()
	c := NewConn(b, Options{})

	header := binary.LittleEndian.AppendUint32(nil, maxSegments)
	header = binary.LittleEndian.AppendUint32(header, 1)
	_, err = reactor.Await(ctx(t), raw.Write(header))
	require.NoError(t, err)

	_, err = reactor.Await(ctx(t), c.Done())
	require.NoError(t, err)
	assert.True(t, errors.Is(c.Err(), &errors.Error{Phase: errors.PhaseRPC, Kind: errors.KindLimit}))
	assert.Equal(t, rpccapnp.Message_Which_abort, readRawFrame(t, raw).Which())
}

func TestConn_PeerAbortClosesWithRemoteError(t *testing.T) {
	e := newEnv(t)
	raw, b, err := stream.Pair(e.host, e.events)
	require.NoError(t, err)
	defer raw.Close()
	c := NewConn(b, Options{})

	frame, err := encodeFrame(func(m rpccapnp.Message) error {
		x, err := m.NewAbort()
		if err != nil {
			return err
		}
		return (&exception{reason: "bye", nature: errors.NatureOther}).write(x)
	})
	require.NoError(t, err)
	_, err = reactor.Await(ctx(t), raw.Write(frame))
	require.NoError(t, err)

	_, err = reactor.Await(ctx(t), c.Done())
	require.NoError(t, err)
	assert.True(t, errors.Is(c.Err(), errors.ErrRemote))
	assert.Equal(t, "bye", errors.Describe(errors.PhaseRPC, c.Err()).Message())
}

func TestConn_RestoreSendsBootstrap(t *testing.T) {
	e := newEnv(t)
	raw, b, err := stream.Pair(e.host, e.events)
	require.NoError(t, err)
	defer raw.Close()
	c := NewConn(b, Options{})
	defer c.Close()

	_, err = c.Restore("factory", nil)
	require.NoError(t, err)

	m := readRawFrame(t, raw)
	require.Equal(t, rpccapnp.Message_Which_bootstrap, m.Which())
	boot, err := m.Bootstrap()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), boot.QuestionId())
	ptr, err := boot.DeprecatedObjectIdPtr()
	require.NoError(t, err)
	assert.Equal(t, "factory", ptr.Text())
}

func TestConn_AnswersPlainBootstrap(t *testing.T) {
	e := newEnv(t)
	fs := e.factory(t)
	raw, b, err := stream.Pair(e.host, e.events)
	require.NoError(t, err)
	defer raw.Close()
	c := NewConn(b, Options{Restorer: e.restorer(t, fs)})
	defer c.Close()

	frame, err := encodeFrame(func(m rpccapnp.Message) error {
		boot, err := m.NewBootstrap()
		if err != nil {
			return err
		}
		boot.SetQuestionId(5)
		text, err := capnp.NewText(m.Segment(), "factory")
		if err != nil {
			return err
		}
		return boot.SetDeprecatedObjectIdPtr(text.ToPtr())
	})
	require.NoError(t, err)
	_, err = reactor.Await(ctx(t), raw.Write(frame))
	require.NoError(t, err)

	m := readRawFrame(t, raw)
	require.Equal(t, rpccapnp.Message_Which_return, m.Which())
	ret, err := m.Return()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), ret.AnswerId())
	require.Equal(t, rpccapnp.Return_Which_results, ret.Which())
	results, err := ret.Results()
	require.NoError(t, err)
	descs, err := results.CapTable()
	require.NoError(t, err)
	require.Equal(t, 1, descs.Len())
	assert.Equal(t, rpccapnp.CapDescriptor_Which_senderHosted, descs.At(0).Which())
	content, err := results.ContentPtr()
	require.NoError(t, err)
	iface, err := content.Struct().Ptr(0)
	require.NoError(t, err)
	assert.Equal(t, capnp.CapabilityID(0), iface.Interface().Capability())
}

func TestConn_UnknownMessageGetsUnimplemented(t *testing.T) {
	e := newEnv(t)
	raw, b, err := stream.Pair(e.host, e.events)
	require.NoError(t, err)
	defer raw.Close()
	c := NewConn(b, Options{})
	defer c.Close()

	frame, err := encodeFrame(func(m rpccapnp.Message) error {
		_, err := m.NewResolve()
		return err
	})
	require.NoError(t, err)
	_, err = reactor.Await(ctx(t), raw.Write(frame))
	require.NoError(t, err)

	m := readRawFrame(t, raw)
	require.Equal(t, rpccapnp.Message_Which_unimplemented, m.Which())
	echo, err := m.Unimplemented()
	require.NoError(t, err)
	assert.Equal(t, rpccapnp.Message_Which_resolve, echo.Which())
	assert.Equal(t, Established, c.State())
}

func TestConn_Metrics(t *testing.T) {
	e := newEnv(t)
	fs := e.factory(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	cli, srv := e.pair(t, Options{Metrics: metrics}, Options{Metrics: metrics, Restorer: e.restorer(t, fs)})
	f := e.restore(t, cli, "Factory")
	ping(t, f)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.exports))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.imports))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.frames.WithLabelValues("out", "bootstrap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.frames.WithLabelValues("in", "bootstrap")))
	assert.Greater(t, testutil.ToFloat64(metrics.bytes.WithLabelValues("out")), 0.0)

	require.NoError(t, srv.Close())
	_, err := reactor.Await(ctx(t), cli.Done())
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.connections))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.questions))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.exports))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.imports))
}

func TestDialAndServe(t *testing.T) {
	e := newEnv(t)
	fs := e.factory(t)
	l, err := stream.Listen(e.host, e.events, "127.0.0.1:0")
	require.NoError(t, err)
	srv := Serve(l, Options{Restorer: e.restorer(t, fs)})
	defer srv.Close()
	port, err := srv.Port()
	require.NoError(t, err)

	c := Dial(e.host, e.events, "127.0.0.1:"+strconv.Itoa(port), Options{})
	defer c.Close()
	assert.Equal(t, Connecting, c.State())

	// Queued until the connection is up.
	f, err := c.Restore("factory", e.node(t, "Factory"))
	require.NoError(t, err)
	defer f.Close()
	ping(t, f)

	assert.Equal(t, Established, c.State())
	assert.Len(t, srv.Conns(), 1)

	require.NoError(t, srv.Close())
	_, err = reactor.Await(ctx(t), c.Done())
	require.NoError(t, err)
	assert.Empty(t, srv.Conns())
}

func TestDial_FailureRejectsQueuedWork(t *testing.T) {
	e := newEnv(t)
	c := Dial(e.host, e.events, "unix:"+t.TempDir()+"/missing.sock", Options{})

	f, err := c.Restore("factory", e.node(t, "Factory"))
	require.NoError(t, err)
	defer f.Close()

	_, err = reactor.Await(ctx(t), c.Ready())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDisconnected))
	assert.True(t, errors.Is(waitErr(t, call(t, f, "ping", nil)), errors.ErrDisconnected))
	assert.Equal(t, Closed, c.State())
}
