//go:build linux || darwin

package wasmhost

import (
	"context"

	"github.com/wippyai/capbridge/capability"
	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/resource"
	"github.com/wippyai/capbridge/schema"
	"go.uber.org/zap"
)

// args is the union of every operation's arguments.
type args struct {
	ID       string         `json:"id"`
	Search   []string       `json:"search"`
	Schema   resource.ID    `json:"schema"`
	Conn     resource.ID    `json:"conn"`
	Cap      resource.ID    `json:"cap"`
	Target   resource.ID    `json:"target"`
	Pipeline resource.ID    `json:"pipeline"`
	Address  string         `json:"address"`
	Object   string         `json:"object"`
	Method   string         `json:"method"`
	Field    string         `json:"field"`
	Params   map[string]any `json:"params"`
}

type operation func(h *Host, ctx context.Context, a *args) (map[string]any, error)

var operations = map[string]operation{
	"resolve":    (*Host).resolve,
	"methods":    (*Host).methods,
	"schema_for": (*Host).schemaFor,
	"connect":    (*Host).connect,
	"disconnect": (*Host).disconnect,
	"restore":    (*Host).restore,
	"cast":       (*Host).cast,
	"dup":        (*Host).dup,
	"dup2":       (*Host).dup2,
	"close":      (*Host).closeCap,
	"send":       (*Host).send,
	"client":     (*Host).pipelineClient,
	"wait":       (*Host).wait,
	"cancel":     (*Host).cancel,
	"release":    (*Host).release,
}

// Invoke runs one operation with JSON arguments and returns the JSON reply.
// It is what the guest's call import ends up in.
func (h *Host) Invoke(ctx context.Context, op string, data []byte) []byte {
	fn, ok := operations[op]
	if !ok {
		return h.fail(errors.NotFound(errors.PhaseHost, "operation", op))
	}
	var a args
	if len(data) > 0 {
		if err := json.Unmarshal(data, &a); err != nil {
			return h.fail(errors.Wrap(errors.PhaseHost, errors.KindInvalidInput, err, op+"(): malformed arguments"))
		}
	}
	out, err := fn(h, ctx, &a)
	if err != nil {
		h.log.Debug("operation failed", zap.String("op", op), zap.Error(err))
		return h.fail(err)
	}
	if out == nil {
		out = map[string]any{}
	}
	reply, err := json.Marshal(map[string]any{"ok": out})
	if err != nil {
		return h.fail(errors.Wrap(errors.PhaseHost, errors.KindInternal, err, op+"(): encode reply"))
	}
	return reply
}

func (h *Host) fail(err error) []byte {
	e := errors.Describe(errors.PhaseHost, err)
	reply, mErr := json.Marshal(map[string]any{"error": map[string]any{
		"message":    e.Message(),
		"phase":      e.Phase,
		"kind":       e.Kind,
		"nature":     e.EffectiveNature(),
		"durability": e.EffectiveDurability(),
	}})
	if mErr != nil {
		return []byte(`{"error":{"message":"unencodable error"}}`)
	}
	return reply
}

func badHandle(op, param string, id resource.ID) *errors.Error {
	return errors.New(errors.PhaseHost, errors.KindNotFound).
		Value(id).
		Detail("%s(): Type error in parameter '%s'", op, param).
		Build()
}

func (h *Host) schemaHandle(n *schema.Node) (resource.ID, error) {
	if id, ok := h.schemaIDs[n]; ok {
		return id, nil
	}
	id, err := h.schemas.Insert(n)
	if err != nil {
		return 0, err
	}
	h.schemaIDs[n] = id
	return id, nil
}

func (h *Host) schemaArg(op string, id resource.ID) (*schema.Node, error) {
	n, ok := h.schemas.Get(id)
	if !ok {
		return nil, badHandle(op, "schema", id)
	}
	return n, nil
}

func (h *Host) capArg(op string, id resource.ID) (*capability.Client, error) {
	c, ok := h.caps.Get(id)
	if !ok {
		return nil, badHandle(op, "capability", id)
	}
	return c.client, nil
}

func (h *Host) pipelineArg(op string, id resource.ID) (*capability.Pipeline, error) {
	p, ok := h.pipelines.Get(id)
	if !ok {
		return nil, badHandle(op, "pipeline", id)
	}
	return p.p, nil
}

// addCap takes ownership of c and returns its handle.
func (h *Host) addCap(c *capability.Client) (map[string]any, error) {
	id, err := h.caps.Insert(capHandle{client: c})
	if err != nil {
		c.Close()
		return nil, err
	}
	return map[string]any{"cap": id}, nil
}

func (h *Host) resolve(_ context.Context, a *args) (map[string]any, error) {
	n, err := h.cb.ResolveSchema(a.ID, a.Search)
	if err != nil {
		return nil, err
	}
	id, err := h.schemaHandle(n)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schema": id, "name": n.Name, "kind": n.Kind.String()}, nil
}

func (h *Host) methods(_ context.Context, a *args) (map[string]any, error) {
	n, err := h.schemaArg("methods", a.Schema)
	if err != nil {
		return nil, err
	}
	ms, err := h.cb.Methods(n)
	if err != nil {
		return nil, err
	}
	return map[string]any{"methods": ms.Names()}, nil
}

func (h *Host) schemaFor(_ context.Context, a *args) (map[string]any, error) {
	c, err := h.capArg("schemaFor", a.Cap)
	if err != nil {
		return nil, err
	}
	n := h.cb.SchemaFor(c)
	if n == nil {
		return map[string]any{"schema": 0}, nil
	}
	id, err := h.schemaHandle(n)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schema": id}, nil
}

func (h *Host) connect(_ context.Context, a *args) (map[string]any, error) {
	if a.Address == "" {
		return nil, errors.InvalidInput(errors.PhaseHost, "connect(): Type error in parameter 'address'")
	}
	conn := h.cb.Connect(a.Address)
	id, err := h.conns.Insert(connHandle{conn: conn})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return map[string]any{"conn": id}, nil
}

func (h *Host) disconnect(_ context.Context, a *args) (map[string]any, error) {
	if !h.conns.Drop(a.Conn) {
		return nil, badHandle("disconnect", "connection", a.Conn)
	}
	return nil, nil
}

func (h *Host) restore(_ context.Context, a *args) (map[string]any, error) {
	conn, ok := h.conns.Get(a.Conn)
	if !ok {
		return nil, badHandle("restore", "connection", a.Conn)
	}
	iface, err := h.schemaArg("restore", a.Schema)
	if err != nil {
		return nil, err
	}
	c, err := h.cb.Restore(conn.conn, a.Object, iface)
	if err != nil {
		return nil, err
	}
	return h.addCap(c)
}

func (h *Host) cast(_ context.Context, a *args) (map[string]any, error) {
	c, err := h.capArg("castAs", a.Cap)
	if err != nil {
		return nil, err
	}
	iface, err := h.schemaArg("castAs", a.Schema)
	if err != nil {
		return nil, err
	}
	cast, err := h.cb.Cast(c, iface)
	if err != nil {
		return nil, err
	}
	return h.addCap(cast)
}

func (h *Host) dup(_ context.Context, a *args) (map[string]any, error) {
	c, err := h.capArg("dup", a.Cap)
	if err != nil {
		return nil, err
	}
	dup, err := h.cb.Dup(c)
	if err != nil {
		return nil, err
	}
	return h.addCap(dup)
}

func (h *Host) dup2(_ context.Context, a *args) (map[string]any, error) {
	src, err := h.capArg("dup2", a.Cap)
	if err != nil {
		return nil, err
	}
	dst, err := h.capArg("dup2", a.Target)
	if err != nil {
		return nil, err
	}
	return nil, h.cb.Dup2(src, dst)
}

func (h *Host) closeCap(_ context.Context, a *args) (map[string]any, error) {
	if !h.caps.Drop(a.Cap) {
		return nil, badHandle("close", "capability", a.Cap)
	}
	return nil, nil
}

func (h *Host) send(_ context.Context, a *args) (map[string]any, error) {
	c, err := h.capArg("request", a.Cap)
	if err != nil {
		return nil, err
	}
	req, err := h.cb.NewRequest(c, a.Method)
	if err != nil {
		return nil, err
	}
	if a.Params != nil {
		params, err := h.importValue(a.Params)
		if err != nil {
			return nil, err
		}
		if err := h.cb.Encode(req.Params(), params); err != nil {
			return nil, err
		}
	}
	p, err := req.Send()
	if err != nil {
		return nil, err
	}
	id, err := h.pipelines.Insert(pipelineHandle{p: p})
	if err != nil {
		pipelineHandle{p: p}.Drop()
		return nil, err
	}
	return map[string]any{"pipeline": id}, nil
}

func (h *Host) pipelineClient(_ context.Context, a *args) (map[string]any, error) {
	p, err := h.pipelineArg("client", a.Pipeline)
	if err != nil {
		return nil, err
	}
	c, err := p.Client(a.Field)
	if err != nil {
		return nil, err
	}
	return h.addCap(c)
}

// wait drives the loop until the call resolves, then frees the pipeline
// handle. Capabilities in the results become new handles.
func (h *Host) wait(ctx context.Context, a *args) (map[string]any, error) {
	p, err := h.pipelineArg("wait", a.Pipeline)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	resp, err := p.Wait(ctx)
	h.pipelines.Drop(a.Pipeline)
	if err != nil {
		return nil, err
	}
	defer resp.Release()

	out, err := h.cb.Decode(resp.Struct())
	if err != nil {
		return nil, err
	}
	results, err := h.exportValue(out)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

func (h *Host) cancel(_ context.Context, a *args) (map[string]any, error) {
	p, err := h.pipelineArg("cancel", a.Pipeline)
	if err != nil {
		return nil, err
	}
	h.cb.Cancel(p)
	return nil, nil
}

func (h *Host) release(_ context.Context, a *args) (map[string]any, error) {
	if !h.pipelines.Drop(a.Pipeline) {
		return nil, badHandle("release", "pipeline", a.Pipeline)
	}
	return nil, nil
}

// importValue replaces {"$cap": n} objects with the clients they name. The
// clients are borrowed; encoding takes its own references.
func (h *Host) importValue(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if ref, ok := x[capKey]; ok && len(x) == 1 {
			id, err := handleOf(ref)
			if err != nil {
				return nil, err
			}
			return h.capArg("send", id)
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			iv, err := h.importValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = iv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			iv, err := h.importValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	default:
		return v, nil
	}
}

// exportValue turns decoded capabilities into handles. It takes ownership
// of every capability in v.
func (h *Host) exportValue(v any) (any, error) {
	switch x := v.(type) {
	case *capability.Client:
		ref, err := h.addCap(x)
		if err != nil {
			return nil, err
		}
		return map[string]any{capKey: ref["cap"]}, nil
	case dynamic.Capability:
		x.Release()
		return nil, nil
	case map[string]any:
		var firstErr error
		for k, item := range x {
			ev, err := h.exportValue(item)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			x[k] = ev
		}
		return x, firstErr
	case []any:
		var firstErr error
		for i, item := range x {
			ev, err := h.exportValue(item)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			x[i] = ev
		}
		return x, firstErr
	default:
		return v, nil
	}
}

func handleOf(v any) (resource.ID, error) {
	n, ok := v.(interface{ Int64() (int64, error) })
	if !ok {
		return 0, errors.TypeMismatch(errors.PhaseHost, []string{capKey}, "", "handle")
	}
	i, err := n.Int64()
	if err != nil || i <= 0 || i > int64(^uint32(0)) {
		return 0, errors.New(errors.PhaseHost, errors.KindInvalidInput).
			Path(capKey).
			Value(v).
			Detail("not a handle").
			Build()
	}
	return resource.ID(i), nil
}
