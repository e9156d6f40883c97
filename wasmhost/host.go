//go:build linux || darwin

package wasmhost

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/wippyai/capbridge"
	"github.com/wippyai/capbridge/capability"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/resource"
	"github.com/wippyai/capbridge/rpc"
	"github.com/wippyai/capbridge/schema"
	"go.uber.org/zap"
)

// ModuleName is the import module guests link against.
const ModuleName = "capbridge"

// DefaultWaitTimeout bounds a guest "wait" operation.
const DefaultWaitTimeout = 30 * time.Second

// capKey marks a capability handle inside params and results:
// {"$cap": 3}.
const capKey = "$cap"

var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

// Host exposes a capbridge.Context to wasm guests. Guests pass JSON
// arguments and receive JSON replies; schemas, connections, capabilities
// and calls in flight are referred to by handles, and 0 is never a valid
// handle.
//
// The guest ABI is two functions:
//
//	call(op_ptr, op_len, args_ptr, args_len i32) i32
//	take(ptr i32) i32
//
// call runs an operation and returns the size of its reply, which take
// then copies to ptr. A reply is {"ok": {...}} or {"error": {...}}.
//
// A Host is driven from the goroutine that owns the Context.
type Host struct {
	cb      *capbridge.Context
	log     *zap.Logger
	timeout time.Duration

	schemas   *resource.Table[*schema.Node]
	schemaIDs map[*schema.Node]resource.ID
	conns     *resource.Table[connHandle]
	caps      *resource.Table[capHandle]
	pipelines *resource.Table[pipelineHandle]

	pending []byte
}

// Option configures a Host.
type Option func(*Host)

// WithWaitTimeout changes how long "wait" drives the loop before failing.
func WithWaitTimeout(d time.Duration) Option {
	return func(h *Host) {
		h.timeout = d
	}
}

// WithLogger sets the host logger; it defaults to the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) {
		h.log = l
	}
}

// New creates a host over cb. The host does not own cb.
func New(cb *capbridge.Context, opts ...Option) *Host {
	h := &Host{
		cb:        cb,
		log:       Logger(),
		timeout:   DefaultWaitTimeout,
		schemas:   resource.NewTable[*schema.Node](1),
		schemaIDs: make(map[*schema.Node]resource.ID),
		conns:     resource.NewTable[connHandle](1),
		caps:      resource.NewTable[capHandle](1),
		pipelines: resource.NewTable[pipelineHandle](1),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Instantiate registers the host module with rt.
func (h *Host) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	i32 := api.ValueTypeI32
	mod, err := rt.NewHostModuleBuilder(ModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.call), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		Export("call").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.take), []api.ValueType{i32}, []api.ValueType{i32}).
		Export("take").
		Instantiate(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseHost, errors.KindInternal, err, "instantiate host module")
	}
	h.log.Debug("host module instantiated", zap.String("module", ModuleName))
	return mod, nil
}

func (h *Host) call(ctx context.Context, mod api.Module, stack []uint64) {
	opPtr, opLen := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	argPtr, argLen := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])

	mem := mod.Memory()
	var reply []byte
	switch {
	case mem == nil:
		reply = h.fail(errors.InvalidState(errors.PhaseHost, "guest exports no memory"))
	default:
		op, ok1 := mem.Read(opPtr, opLen)
		args, ok2 := mem.Read(argPtr, argLen)
		if !ok1 || !ok2 {
			reply = h.fail(errors.New(errors.PhaseHost, errors.KindOutOfBounds).
				Detail("arguments outside guest memory").
				Build())
			break
		}
		// Memory views alias guest memory, which the operation may grow.
		reply = h.Invoke(ctx, string(op), append([]byte(nil), args...))
	}
	h.pending = reply
	stack[0] = api.EncodeU32(uint32(len(reply)))
}

func (h *Host) take(_ context.Context, mod api.Module, stack []uint64) {
	ptr := api.DecodeU32(stack[0])
	reply := h.pending
	h.pending = nil
	if mem := mod.Memory(); mem == nil || !mem.Write(ptr, reply) {
		h.log.Warn("reply does not fit guest memory", zap.Uint32("ptr", ptr), zap.Int("size", len(reply)))
		stack[0] = api.EncodeI32(-1)
		return
	}
	stack[0] = api.EncodeU32(uint32(len(reply)))
}

// Close releases every handle. Connections opened through the host are
// closed; the Context itself is left alone.
func (h *Host) Close() {
	_ = h.pipelines.Close()
	_ = h.caps.Close()
	_ = h.conns.Close()
	_ = h.schemas.Close()
	h.schemaIDs = nil
	h.pending = nil
}

// Stats reports live handle counts by kind.
func (h *Host) Stats() map[string]int {
	return map[string]int{
		"schemas":   h.schemas.Len(),
		"conns":     h.conns.Len(),
		"caps":      h.caps.Len(),
		"pipelines": h.pipelines.Len(),
	}
}

type connHandle struct {
	conn *rpc.Conn
}

func (c connHandle) Drop() {
	_ = c.conn.Close()
}

type capHandle struct {
	client *capability.Client
}

func (c capHandle) Drop() {
	c.client.Close()
}

type pipelineHandle struct {
	p *capability.Pipeline
}

// Drop cancels the call. A response that already arrived is released.
func (p pipelineHandle) Drop() {
	p.p.Cancel()
	_ = p.p.Await(func(resp *capability.Response) { resp.Release() }, func(error) {})
}
