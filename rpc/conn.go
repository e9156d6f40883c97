//go:build linux || darwin

package rpc

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/wippyai/capbridge/capability"
	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/hostloop"
	"github.com/wippyai/capbridge/reactor"
	"github.com/wippyai/capbridge/resource"
	"github.com/wippyai/capbridge/schema"
	"github.com/wippyai/capbridge/stream"
	"go.uber.org/zap"
	capnp "zombiezen.com/go/capnproto2"
	rpccapnp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// State is the lifecycle stage of a connection.
type State int

const (
	Connecting State = iota
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Stats is a snapshot of a connection's tables.
type Stats struct {
	Questions int
	Answers   int
	Imports   int
	Exports   int
}

// question is an outgoing call or restore waiting for its return. Its id
// is reused only after the return arrived and Finish was sent.
type question struct {
	promise  *capability.Promise
	results  *schema.Node
	restore  bool
	returned bool
	finished bool
}

// answer is an incoming call. It holds the results until the peer sends
// Finish, so pipelined calls can still reach capabilities inside them.
type answer struct {
	promise  *capability.Promise
	resp     *capability.Response
	returned bool
	finished bool
}

type export struct {
	client *capability.Client
	hook   capability.Hook
	refs   uint32
}

func (e *export) Drop() {
	e.client.Close()
}

// Conn is one end of a two-party capability connection. Like everything
// else on the event loop it is not safe for concurrent use.
type Conn struct {
	id     string
	events *reactor.EventLoop
	opts   Options
	log    *zap.Logger

	stream   *stream.Stream
	state    State
	err      error
	abortErr error

	ready *reactor.Resolver[struct{}]
	done  *reactor.Resolver[struct{}]

	questions    *resource.Table[*question]
	answers      map[uint32]*answer
	exports      *resource.Table[*export]
	exportByHook map[capability.Hook]resource.ID
	imports      map[uint32]*importEntry
	learned      *schema.Registry

	out         frameQueue
	writing     bool
	flushPosted bool
	header      [frameHeaderSize]byte
}

func newConn(events *reactor.EventLoop, opts Options) *Conn {
	opts = opts.withDefaults()
	id := uuid.New().String()
	_, ready := reactor.NewPromise[struct{}](events)
	_, done := reactor.NewPromise[struct{}](events)
	c := &Conn{
		id:           id,
		events:       events,
		opts:         opts,
		log:          opts.Logger.With(zap.String("conn_id", id)),
		ready:        ready,
		done:         done,
		questions:    resource.NewTable[*question](0),
		answers:      make(map[uint32]*answer),
		exports:      resource.NewTable[*export](0),
		exportByHook: make(map[capability.Hook]resource.ID),
		imports:      make(map[uint32]*importEntry),
	}
	if m := opts.Metrics; m != nil {
		c.questions.Subscribe(tableGauge[*question]{gauge: m.questions})
		c.exports.Subscribe(tableGauge[*export]{gauge: m.exports})
	}
	return c
}

// Dial connects to address. The connection starts out Connecting; calls
// and restores made before it is established are queued and sent once the
// stream is up, or fail if it never comes up.
func Dial(loop *hostloop.Loop, events *reactor.EventLoop, address string, opts Options) *Conn {
	c := newConn(events, opts)
	c.log.Debug("dialing", zap.String("address", address))
	stream.Dial(loop, events, address).Then(func(s *stream.Stream, err error) {
		if err != nil {
			c.log.Warn("dial failed", zap.String("address", address), zap.Error(err))
			_ = c.shutdown(err)
			return
		}
		if c.state == Closed {
			_ = s.Close()
			return
		}
		c.attach(s)
	})
	return c
}

// NewConn runs the protocol over an established stream, taking ownership
// of it.
func NewConn(s *stream.Stream, opts Options) *Conn {
	c := newConn(s.Events(), opts)
	c.attach(s)
	return c
}

func (c *Conn) attach(s *stream.Stream) {
	c.stream = s
	c.state = Established
	c.opts.Metrics.connected(1)
	c.log.Info("connection established")
	c.ready.Fulfill(struct{}{})
	c.readFrame()
	c.scheduleFlush()
}

// ID returns the connection's log correlation id.
func (c *Conn) ID() string {
	return c.id
}

// State returns the lifecycle stage.
func (c *Conn) State() State {
	return c.state
}

// Ready settles when the connection is established, or fails if it is
// closed first.
func (c *Conn) Ready() *reactor.Future[struct{}] {
	return c.ready.Future()
}

// Done settles when the connection is closed.
func (c *Conn) Done() *reactor.Future[struct{}] {
	return c.done.Future()
}

// Err returns why the connection closed. It is nil while the connection
// is open and after a local Close.
func (c *Conn) Err() error {
	return c.err
}

// Stats returns the current table sizes.
func (c *Conn) Stats() Stats {
	return Stats{
		Questions: c.questions.Len(),
		Answers:   len(c.answers),
		Imports:   len(c.imports),
		Exports:   c.exports.Len(),
	}
}

// Restore asks the peer for the capability published as objectID. The
// client is returned at once; calls on it are pipelined on the restore.
// iface may be nil, in which case the client must be cast before use.
func (c *Conn) Restore(objectID string, iface *schema.Node) (*capability.Client, error) {
	if iface != nil && !iface.IsInterface() {
		return nil, schema.NotInterface(iface)
	}
	if err := c.usable(); err != nil {
		return capability.ErrorClient(c.events, err, iface), nil
	}
	q := &question{promise: capability.NewPromise(c.events), restore: true}
	id, err := c.questions.Insert(q)
	if err != nil {
		return nil, errors.Describe(errors.PhaseRPC, err)
	}
	c.track(id, q)
	hook := q.promise.PipelineHook([]uint16{0})
	c.log.Debug("restore", zap.String("object", objectID), zap.Uint32("question", uint32(id)))
	_ = c.send(MsgBootstrap, func(m rpccapnp.Message) error {
		b, err := m.NewBootstrap()
		if err != nil {
			return err
		}
		b.SetQuestionId(uint32(id))
		if objectID == "" {
			return nil
		}
		text, err := capnp.NewText(m.Segment(), objectID)
		if err != nil {
			return err
		}
		return b.SetDeprecatedObjectIdPtr(text.ToPtr())
	})
	return capability.NewClient(c.events, hook, iface), nil
}

// Close tears the connection down. Pending calls fail with a
// disconnection error and imported capabilities become broken.
func (c *Conn) Close() error {
	return c.shutdown(nil)
}

func (c *Conn) usable() error {
	if c.state == Closed {
		return errors.Disconnected(c.err)
	}
	if c.abortErr != nil {
		return errors.Disconnected(c.abortErr)
	}
	return nil
}

// track lets pipelined calls target the question and sends Finish once
// nobody waits for it any more.
func (c *Conn) track(id resource.ID, q *question) {
	q.promise.SetPipeliner(func(ops []uint16) capability.Hook {
		return &pipelineHook{conn: c, question: uint32(id), transform: ops}
	})
	q.promise.OnRelease(func() {
		c.finishQuestion(id, q)
	})
}

func (c *Conn) finishQuestion(id resource.ID, q *question) {
	if q.finished {
		return
	}
	q.finished = true
	_ = c.send(MsgFinish, func(m rpccapnp.Message) error {
		f, err := m.NewFinish()
		if err != nil {
			return err
		}
		f.SetQuestionId(uint32(id))
		// Result capabilities are released with explicit Release messages.
		f.SetReleaseResultCaps(false)
		return nil
	})
	if q.returned {
		c.dropQuestion(id, q)
	}
}

func (c *Conn) dropQuestion(id resource.ID, q *question) {
	if cur, ok := c.questions.Get(id); ok && cur == q {
		c.questions.Remove(id)
	}
}

func (c *Conn) sendCall(t target, call *capability.Call) {
	if err := c.usable(); err != nil {
		call.Fail(err)
		return
	}
	if !call.Promise.Interested() {
		call.Fail(errors.Canceled())
		return
	}
	results, err := call.Method.Results()
	if err != nil {
		call.Fail(err)
		return
	}

	q := &question{promise: call.Promise, results: results}
	id, err := c.questions.Insert(q)
	if err != nil {
		call.Fail(err)
		return
	}
	params := call.Params.Message()
	err = c.send(MsgCall, func(m rpccapnp.Message) error {
		msg, err := m.NewCall()
		if err != nil {
			return err
		}
		msg.SetQuestionId(uint32(id))
		mt, err := msg.NewTarget()
		if err != nil {
			return err
		}
		if err := t.write(mt); err != nil {
			return err
		}
		msg.SetInterfaceId(call.Interface.ID)
		msg.SetMethodId(call.Method.Ordinal)
		p, err := msg.NewParams()
		if err != nil {
			return err
		}
		return c.writePayload(p, params)
	})
	params.Release()
	if err != nil {
		c.questions.Remove(id)
		call.Promise.Reject(err)
		return
	}
	c.track(id, q)
}

// writePayload copies the root of msg into p and describes the capabilities
// it references. Exports take their own references, so the caller may
// release msg afterwards.
func (c *Conn) writePayload(p rpccapnp.Payload, msg *dynamic.Message) error {
	root, err := msg.Root()
	if err != nil {
		return err
	}
	// Copying into the frame appends every referenced capability to the
	// frame's table, which becomes the payload's capability table.
	if err := p.SetContentPtr(root); err != nil {
		return err
	}
	table := p.Segment().Message().CapTable
	descs, err := p.NewCapTable(int32(len(table)))
	if err != nil {
		return err
	}
	for i, entry := range table {
		d := capDescriptor{kind: descNone}
		if client, ok := dynamic.FromTable(entry).(*capability.Client); ok && client != nil {
			d = c.describe(client)
		}
		if err := d.write(descs.At(i)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) describe(client *capability.Client) capDescriptor {
	h := client.Hook()
	switch h := h.(type) {
	case *importHook:
		if h.conn == c {
			return capDescriptor{kind: descReceiverHosted, id: h.entry.id}
		}
	case *pipelineHook:
		if h.conn == c {
			return capDescriptor{kind: descReceiverAnswer, id: h.question, transform: h.transform}
		}
	}
	if id, ok := c.exportByHook[h]; ok {
		if e, ok := c.exports.Get(id); ok {
			e.refs++
			return capDescriptor{kind: descSenderHosted, id: uint32(id)}
		}
	}
	c.learn(client)
	e := &export{client: client.Dup(), hook: h, refs: 1}
	id, err := c.exports.Insert(e)
	if err != nil {
		e.client.Close()
		return capDescriptor{kind: descNone}
	}
	c.exportByHook[h] = id
	return capDescriptor{kind: descSenderHosted, id: uint32(id)}
}

// readPayload turns a received payload into a message whose capability
// table holds new client references. The message takes over frame.
func (c *Conn) readPayload(frame *capnp.Message, p rpccapnp.Payload) (*dynamic.Message, error) {
	content, err := p.ContentPtr()
	if err != nil {
		return nil, malformed(err)
	}
	descs, err := p.CapTable()
	if err != nil {
		return nil, malformed(err)
	}
	caps := make([]dynamic.Capability, 0, descs.Len())
	release := func() {
		for _, prev := range caps {
			if prev != nil {
				prev.Release()
			}
		}
	}
	for i := 0; i < descs.Len(); i++ {
		d, err := readDescriptor(descs.At(i))
		if err != nil {
			release()
			return nil, err
		}
		cp, err := c.importCap(d)
		if err != nil {
			release()
			return nil, err
		}
		caps = append(caps, cp)
	}
	msg := dynamic.Wrap(frame, content)
	msg.SetLimits(c.opts.Limits)
	msg.SetCapTable(caps)
	return msg, nil
}

func (c *Conn) importCap(d capDescriptor) (dynamic.Capability, error) {
	switch d.kind {
	case descSenderHosted:
		e := c.imports[d.id]
		if e == nil {
			e = &importEntry{id: d.id}
			c.imports[d.id] = e
			c.opts.Metrics.imported(1)
		}
		e.received++
		e.hooks++
		return capability.NewClient(c.events, &importHook{conn: c, entry: e}, nil), nil
	case descReceiverHosted:
		e, ok := c.exports.Get(resource.ID(d.id))
		if !ok {
			return nil, errors.Protocol(fmt.Sprintf("capability descriptor names unknown export %d", d.id))
		}
		return e.client.Dup(), nil
	case descReceiverAnswer:
		a, ok := c.answers[d.id]
		if !ok {
			return nil, errors.Protocol(fmt.Sprintf("capability descriptor names unknown question %d", d.id))
		}
		return capability.NewClient(c.events, a.promise.PipelineHook(d.transform), nil), nil
	default:
		return nil, nil
	}
}

func (c *Conn) releaseImport(e *importEntry) {
	e.hooks--
	if e.hooks > 0 || c.state == Closed {
		return
	}
	if c.imports[e.id] == e {
		delete(c.imports, e.id)
		c.opts.Metrics.imported(-1)
	}
	_ = c.send(MsgRelease, func(m rpccapnp.Message) error {
		r, err := m.NewRelease()
		if err != nil {
			return err
		}
		r.SetId(e.id)
		r.SetReferenceCount(e.received)
		return nil
	})
}

// send builds a message of type typ and queues its frame. Once the
// connection is aborting only the Abort itself goes out.
func (c *Conn) send(typ MessageType, build func(rpccapnp.Message) error) error {
	if c.state == Closed || (c.abortErr != nil && typ != MsgAbort) {
		return nil
	}
	frame, err := encodeFrame(build)
	if err != nil {
		c.log.Error("cannot encode message", zap.Stringer("type", typ), zap.Error(err))
		return err
	}
	c.out.push(frame)
	c.opts.Metrics.frame("out", typ, len(frame))
	c.scheduleFlush()
	return nil
}

// scheduleFlush batches every frame queued during the current turn into
// one write.
func (c *Conn) scheduleFlush() {
	if c.flushPosted || c.stream == nil {
		return
	}
	c.flushPosted = true
	c.events.Post(func() {
		c.flushPosted = false
		c.flush()
	})
}

func (c *Conn) flush() {
	if c.state == Closed || c.writing {
		return
	}
	if c.out.empty() {
		if c.abortErr != nil {
			_ = c.shutdown(c.abortErr)
		}
		return
	}
	pieces := c.out.take()
	c.writing = true
	c.stream.Write(pieces...).Then(func(_ struct{}, err error) {
		c.writing = false
		if err != nil {
			if c.state != Closed {
				c.log.Warn("write failed", zap.Error(err))
			}
			_ = c.shutdown(err)
			return
		}
		c.flush()
	})
}

// abort tells the peer why the connection ends and closes it once the
// message is written.
func (c *Conn) abort(err error) {
	if c.state == Closed || c.abortErr != nil {
		return
	}
	c.log.Warn("aborting connection", zap.Error(err))
	c.opts.Metrics.aborted()
	c.abortErr = err
	ex := exceptionFrom(err)
	if c.send(MsgAbort, func(m rpccapnp.Message) error {
		x, err := m.NewAbort()
		if err != nil {
			return err
		}
		return ex.write(x)
	}) != nil || c.stream == nil {
		_ = c.shutdown(err)
	}
}

// readFrame reads one frame in three steps: the first eight header bytes,
// the rest of the segment table and the segments.
func (c *Conn) readFrame() {
	c.stream.Read(c.header[:], frameHeaderSize).Then(func(n int, err error) {
		if c.state == Closed || c.abortErr != nil {
			return
		}
		if err != nil {
			_ = c.shutdown(err)
			return
		}
		if n == 0 {
			c.log.Debug("peer closed the connection")
			_ = c.shutdown(errors.New(errors.PhaseRPC, errors.KindDisconnected).
				Nature(errors.NatureNetworkFailure).
				Durability(errors.DurabilityTemporary).
				Detail("peer closed the connection").
				Build())
			return
		}
		if n < frameHeaderSize {
			_ = c.shutdown(errors.PrematureEOF(frameHeaderSize, n))
			return
		}
		count := uint64(binary.LittleEndian.Uint32(c.header[:])) + 1
		if count > maxSegments {
			c.abort(errors.Limit(errors.PhaseRPC, nil, "segment count", maxSegments))
			return
		}
		header := make([]byte, frameHeaderSize+segmentTableSize(uint32(count)))
		copy(header, c.header[:])
		c.readFull(header[frameHeaderSize:], func() {
			words := frameWords(header, uint32(count))
			if words*8 > uint64(c.opts.MaxFrameSize) {
				c.abort(errors.Limit(errors.PhaseRPC, nil, "frame size", c.opts.MaxFrameSize))
				return
			}
			frame := make([]byte, len(header)+int(words*8))
			copy(frame, header)
			c.readFull(frame[len(header):], func() {
				if err := c.handle(frame); err != nil {
					c.abort(err)
					return
				}
				if c.state == Established && c.abortErr == nil {
					c.readFrame()
				}
			})
		})
	})
}

// readFull fills buf and then runs next, unless the connection went away
// in the meantime.
func (c *Conn) readFull(buf []byte, next func()) {
	if len(buf) == 0 {
		next()
		return
	}
	c.stream.ReadFull(buf).Then(func(_ int, err error) {
		if c.state == Closed || c.abortErr != nil {
			return
		}
		if err != nil {
			_ = c.shutdown(err)
			return
		}
		next()
	})
}

func (c *Conn) handle(data []byte) error {
	frame, err := capnp.Unmarshal(data)
	if err != nil {
		return malformed(err)
	}
	frame.ReadLimiter().Reset(uint64(c.opts.Limits.TraversalWords) * 8)
	m, err := rpccapnp.ReadRootMessage(frame)
	if err != nil {
		return malformed(err)
	}
	typ := m.Which()
	c.opts.Metrics.frame("in", typ, len(data))
	c.log.Debug("frame received", zap.Stringer("type", typ), zap.Int("size", len(data)))

	switch typ {
	case MsgAbort:
		x, err := m.Abort()
		if err != nil {
			return malformed(err)
		}
		ex, err := readException(x)
		if err != nil {
			return err
		}
		remote := ex.toError()
		c.log.Warn("peer aborted the connection", zap.Error(remote))
		_ = c.shutdown(remote)
		return nil
	case MsgBootstrap:
		b, err := m.Bootstrap()
		if err != nil {
			return malformed(err)
		}
		return c.handleRestore(b)
	case MsgCall:
		call, err := m.Call()
		if err != nil {
			return malformed(err)
		}
		return c.handleCall(frame, call)
	case MsgReturn:
		ret, err := m.Return()
		if err != nil {
			return malformed(err)
		}
		return c.handleReturn(frame, ret)
	case MsgFinish:
		f, err := m.Finish()
		if err != nil {
			return malformed(err)
		}
		c.handleFinish(f.QuestionId())
		return nil
	case MsgRelease:
		r, err := m.Release()
		if err != nil {
			return malformed(err)
		}
		return c.handleRelease(r.Id(), r.ReferenceCount())
	case MsgUnimplemented:
		c.log.Debug("peer did not understand a message")
		return nil
	default:
		// Echo what we do not implement, as the protocol asks.
		return c.send(MsgUnimplemented, func(out rpccapnp.Message) error {
			return out.SetUnimplemented(m)
		})
	}
}

func (c *Conn) newAnswer(id uint32) (*answer, error) {
	if _, dup := c.answers[id]; dup {
		return nil, errors.Protocol(fmt.Sprintf("question %d is already active", id))
	}
	a := &answer{promise: capability.NewPromise(c.events)}
	a.promise.AddInterest()
	c.answers[id] = a
	a.promise.Future().Then(func(resp *capability.Response, err error) {
		c.sendReturn(id, a, resp, err)
	})
	return a, nil
}

func (c *Conn) sendReturn(id uint32, a *answer, resp *capability.Response, err error) {
	if c.state == Closed || c.answers[id] != a {
		if resp != nil {
			resp.Release()
		}
		return
	}
	a.returned = true
	if err == nil {
		a.resp = resp
		err = c.send(MsgReturn, func(m rpccapnp.Message) error {
			ret, err := returnFor(m, id)
			if err != nil {
				return err
			}
			p, err := ret.NewResults()
			if err != nil {
				return err
			}
			return c.writePayload(p, resp.Struct().Message())
		})
	}
	if err != nil {
		ex := exceptionFrom(err)
		_ = c.send(MsgReturn, func(m rpccapnp.Message) error {
			ret, err := returnFor(m, id)
			if err != nil {
				return err
			}
			x, err := ret.NewException()
			if err != nil {
				return err
			}
			return ex.write(x)
		})
	}
	if a.finished {
		c.dropAnswer(id, a)
	}
}

func returnFor(m rpccapnp.Message, id uint32) (rpccapnp.Return, error) {
	ret, err := m.NewReturn()
	if err != nil {
		return rpccapnp.Return{}, err
	}
	ret.SetAnswerId(id)
	// Parameter capabilities are released with explicit Release messages.
	ret.SetReleaseParamCaps(false)
	return ret, nil
}

func (c *Conn) dropAnswer(id uint32, a *answer) {
	delete(c.answers, id)
	if a.resp != nil {
		a.resp.Release()
		a.resp = nil
	}
}

func (c *Conn) handleRestore(b rpccapnp.Bootstrap) error {
	a, err := c.newAnswer(b.QuestionId())
	if err != nil {
		return err
	}
	ptr, err := b.DeprecatedObjectIdPtr()
	if err != nil {
		a.promise.Reject(malformed(err))
		return nil
	}
	objectID := ptr.Text()
	if c.opts.Restorer == nil {
		a.promise.Reject(errors.New(errors.PhaseRPC, errors.KindUnsupported).
			Detail("connection does not serve restore requests").
			Build())
		return nil
	}
	client, err := c.opts.Restorer(objectID)
	if err != nil {
		c.log.Debug("restore failed", zap.String("object", objectID), zap.Error(err))
		a.promise.Reject(err)
		return nil
	}
	if client == nil {
		a.promise.Reject(errors.NotFound(errors.PhaseRPC, "object", objectID))
		return nil
	}
	c.learn(client)
	msg := dynamic.NewCapStruct(client)
	client.Close()
	root, err := dynamic.ReadUntyped(msg)
	if err != nil {
		msg.Release()
		a.promise.Reject(err)
		return nil
	}
	a.promise.Resolve(capability.NewResponse(root))
	return nil
}

func (c *Conn) handleCall(frame *capnp.Message, m rpccapnp.Call) error {
	a, err := c.newAnswer(m.QuestionId())
	if err != nil {
		return err
	}
	if m.SendResultsTo().Which() != rpccapnp.Call_sendResultsTo_Which_caller {
		a.promise.Reject(errors.Unsupported(errors.PhaseRPC, "results sent elsewhere than the caller"))
		return nil
	}
	params, err := m.Params()
	if err != nil {
		err = malformed(err)
		a.promise.Reject(err)
		return err
	}
	msg, err := c.readPayload(frame, params)
	if err != nil {
		a.promise.Reject(err)
		return err
	}
	mt, err := m.Target()
	if err != nil {
		err = malformed(err)
		msg.Release()
		a.promise.Reject(err)
		return err
	}
	t, err := readTarget(mt)
	if err != nil {
		msg.Release()
		a.promise.Reject(err)
		return err
	}
	target, err := c.callTarget(t)
	if err != nil {
		msg.Release()
		a.promise.Reject(err)
		return nil
	}
	defer target.Close()

	call, err := c.incomingCall(m.InterfaceId(), m.MethodId(), target, msg)
	if err != nil {
		msg.Release()
		a.promise.Reject(err)
		return nil
	}
	call.Promise = a.promise
	target.Hook().Send(call)
	return nil
}

// callTarget returns a new reference to the capability a call addresses.
func (c *Conn) callTarget(t target) (*capability.Client, error) {
	if t.promised {
		a, ok := c.answers[t.id]
		if !ok {
			return nil, errors.NotFound(errors.PhaseRPC, "question", strconv.FormatUint(uint64(t.id), 10))
		}
		return capability.NewClient(c.events, a.promise.PipelineHook(t.transform), nil), nil
	}
	e, ok := c.exports.Get(resource.ID(t.id))
	if !ok {
		return nil, errors.NotFound(errors.PhaseRPC, "export", strconv.FormatUint(uint64(t.id), 10))
	}
	return e.client.Dup(), nil
}

func (c *Conn) incomingCall(ifaceID uint64, methodID uint16, target *capability.Client, msg *dynamic.Message) (*capability.Call, error) {
	iface, err := c.lookupInterface(target, ifaceID)
	if err != nil {
		return nil, err
	}
	if int(methodID) >= len(iface.Methods) {
		return nil, errors.NotFound(errors.PhaseRPC, "method", fmt.Sprintf("%s@%d", iface.Name, methodID))
	}
	method := iface.Methods[methodID]
	node, err := method.Params()
	if err != nil {
		return nil, err
	}
	params, err := dynamic.ReadRoot(msg, node)
	if err != nil {
		return nil, err
	}
	return &capability.Call{Interface: iface, Method: method, Params: params}, nil
}

// learn remembers the registry of the first typed capability handed to the
// peer. Calls addressed to promised answers carry no schema until the
// answer resolves.
func (c *Conn) learn(client *capability.Client) {
	if c.learned == nil {
		c.learned = registryOf(client)
	}
}

// lookupInterface resolves an interface id with the target's own registry
// first, then the configured one, then the one learned from exports.
func (c *Conn) lookupInterface(target *capability.Client, id uint64) (*schema.Node, error) {
	var lastErr error
	for _, reg := range []*schema.Registry{registryOf(target), c.opts.Registry, c.learned} {
		if reg == nil {
			continue
		}
		n, err := reg.Node(id)
		if err != nil {
			lastErr = err
			continue
		}
		if !n.IsInterface() {
			return nil, schema.NotInterface(n)
		}
		return n, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New(errors.PhaseRPC, errors.KindUnsupported).
		Detail("no schema registry to resolve interface %016x", id).
		Build()
}

func registryOf(c *capability.Client) *schema.Registry {
	if s := c.Schema(); s != nil {
		return s.Registry()
	}
	return nil
}

func (c *Conn) handleReturn(frame *capnp.Message, ret rpccapnp.Return) error {
	id := resource.ID(ret.AnswerId())
	q, ok := c.questions.Get(id)
	if !ok || q.returned {
		return errors.Protocol(fmt.Sprintf("return for unknown question %d", ret.AnswerId()))
	}
	q.returned = true

	var protoErr error
	switch ret.Which() {
	case rpccapnp.Return_Which_results:
		p, err := ret.Results()
		if err == nil {
			err = c.resolveQuestion(q, frame, p)
		} else {
			err = malformed(err)
		}
		if err != nil {
			q.promise.Reject(err)
			if errors.Is(err, &errors.Error{Phase: errors.PhaseRPC, Kind: errors.KindProtocol}) {
				protoErr = err
			}
		}
	case rpccapnp.Return_Which_exception:
		x, err := ret.Exception()
		if err != nil {
			protoErr = malformed(err)
			q.promise.Reject(protoErr)
			break
		}
		ex, err := readException(x)
		if err != nil {
			protoErr = err
			q.promise.Reject(err)
			break
		}
		q.promise.Reject(ex.toError())
	case rpccapnp.Return_Which_canceled:
		q.promise.Reject(errors.Canceled())
	default:
		protoErr = errors.Protocol(fmt.Sprintf("unsupported return %s", ret.Which()))
		q.promise.Reject(protoErr)
	}
	if protoErr != nil {
		return protoErr
	}
	c.finishQuestion(id, q)
	c.dropQuestion(id, q)
	return nil
}

func (c *Conn) resolveQuestion(q *question, frame *capnp.Message, p rpccapnp.Payload) error {
	msg, err := c.readPayload(frame, p)
	if err != nil {
		return err
	}
	var root dynamic.StructReader
	if q.restore {
		root, err = dynamic.ReadUntyped(msg)
	} else {
		root, err = dynamic.ReadRoot(msg, q.results)
	}
	if err != nil {
		msg.Release()
		return err
	}
	resp := capability.NewResponse(root)
	q.promise.Resolve(resp)
	if q.restore {
		// Nobody consumes a restore answer except the pipelined client,
		// which took its own reference while the promise resolved.
		resp.Release()
	}
	return nil
}

func (c *Conn) handleFinish(question uint32) {
	a, ok := c.answers[question]
	if !ok {
		c.log.Debug("finish for unknown question", zap.Uint32("question", question))
		return
	}
	if a.finished {
		return
	}
	a.finished = true
	if a.returned {
		c.dropAnswer(question, a)
		return
	}
	a.promise.DropInterest()
}

func (c *Conn) handleRelease(exportID, count uint32) error {
	id := resource.ID(exportID)
	e, ok := c.exports.Get(id)
	if !ok {
		return errors.Protocol(fmt.Sprintf("release of unknown export %d", exportID))
	}
	if count < e.refs {
		e.refs -= count
		return nil
	}
	delete(c.exportByHook, e.hook)
	c.exports.Drop(id)
	return nil
}

// shutdown moves the connection to Closed. Questions fail, imports break,
// exports and answers are released.
func (c *Conn) shutdown(cause error) error {
	if c.state == Closed {
		return nil
	}
	prev := c.state
	c.state = Closed
	c.err = cause

	var lost *errors.Error
	if errors.Is(cause, errors.ErrDisconnected) {
		lost = errors.Describe(errors.PhaseRPC, cause)
	} else {
		lost = errors.Disconnected(cause)
	}

	var pending []*question
	c.questions.Each(func(_ resource.ID, q *question) bool {
		pending = append(pending, q)
		return true
	})
	_ = c.questions.Close()

	answers := c.answers
	c.answers = make(map[uint32]*answer)
	c.opts.Metrics.imported(-float64(len(c.imports)))
	c.imports = make(map[uint32]*importEntry)
	c.exportByHook = make(map[capability.Hook]resource.ID)
	_ = c.exports.Close()

	for _, a := range answers {
		if a.resp != nil {
			a.resp.Release()
			a.resp = nil
		}
		if !a.returned && !a.finished {
			a.finished = true
			a.promise.DropInterest()
		}
	}
	for _, q := range pending {
		q.promise.Reject(lost)
	}

	var err error
	if c.stream != nil {
		err = c.stream.Close()
	}
	c.out.take()

	if prev == Established {
		c.opts.Metrics.connected(-1)
	} else {
		c.ready.Reject(lost)
	}
	if cause != nil {
		c.log.Info("connection closed", zap.Error(cause))
	} else {
		c.log.Info("connection closed")
	}
	c.done.Fulfill(struct{}{})
	return err
}
