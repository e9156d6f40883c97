//go:build linux || darwin

package wasmhost

import (
	"context"
	stdjson "encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/wippyai/capbridge"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/internal/demo"
)

// guestWasm imports capbridge.call and capbridge.take and wraps them as
// the exports run and fetch, with one page of exported memory.
var guestWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i32 i32 i32 i32) -> i32, (i32) -> i32
	0x01, 0x0e, 0x02,
	0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
	0x60, 0x01, 0x7f, 0x01, 0x7f,
	// import: capbridge.call (type 0), capbridge.take (type 1)
	0x02, 0x23, 0x02,
	0x09, 'c', 'a', 'p', 'b', 'r', 'i', 'd', 'g', 'e', 0x04, 'c', 'a', 'l', 'l', 0x00, 0x00,
	0x09, 'c', 'a', 'p', 'b', 'r', 'i', 'd', 'g', 'e', 0x04, 't', 'a', 'k', 'e', 0x00, 0x01,
	// function: run (type 0), fetch (type 1)
	0x03, 0x03, 0x02, 0x00, 0x01,
	// memory: min 1 page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export: memory, run = func 2, fetch = func 3
	0x07, 0x18, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x03, 'r', 'u', 'n', 0x00, 0x02,
	0x05, 'f', 'e', 't', 'c', 'h', 0x00, 0x03,
	// code
	0x0a, 0x15, 0x02,
	0x0c, 0x00, 0x20, 0x00, 0x20, 0x01, 0x20, 0x02, 0x20, 0x03, 0x10, 0x00, 0x0b,
	0x06, 0x00, 0x20, 0x00, 0x10, 0x01, 0x0b,
}

const (
	opOffset    = 0x100
	argsOffset  = 0x400
	replyOffset = 0x4000
)

type guest struct {
	t    *testing.T
	ctx  context.Context
	mod  api.Module
	addr string
}

func (g *guest) invoke(op string, args any) map[string]any {
	g.t.Helper()
	data, err := json.Marshal(args)
	require.NoError(g.t, err)
	mem := g.mod.Memory()
	require.True(g.t, mem.Write(opOffset, []byte(op)))
	require.True(g.t, mem.Write(argsOffset, data))

	res, err := g.mod.ExportedFunction("run").Call(g.ctx, opOffset, uint64(len(op)), argsOffset, uint64(len(data)))
	require.NoError(g.t, err)
	size := api.DecodeU32(res[0])

	res, err = g.mod.ExportedFunction("fetch").Call(g.ctx, replyOffset)
	require.NoError(g.t, err)
	require.Equal(g.t, size, api.DecodeU32(res[0]))
	reply, ok := mem.Read(replyOffset, size)
	require.True(g.t, ok)

	var out map[string]any
	require.NoError(g.t, json.Unmarshal(reply, &out))
	return out
}

func (g *guest) ok(op string, args any) map[string]any {
	g.t.Helper()
	out := g.invoke(op, args)
	require.Contains(g.t, out, "ok", "%s failed: %v", op, out["error"])
	return out["ok"].(map[string]any)
}

func handle(t *testing.T, v any) int64 {
	t.Helper()
	n, ok := v.(stdjson.Number)
	require.True(t, ok, "not a number: %v", v)
	i, err := n.Int64()
	require.NoError(t, err)
	return i
}

// setup serves the demo store on loopback and instantiates the guest.
func setup(t *testing.T) (*Host, *guest, *demo.Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	cb, err := capbridge.New(capbridge.WithLoader(demo.Loader()), capbridge.WithSearchPath("schema"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cb.Close() })

	file, err := cb.ResolveSchema(demo.SchemaFile, nil)
	require.NoError(t, err)
	store, client, err := demo.NewStore(cb.Events(), file, nil)
	require.NoError(t, err)
	objects := capbridge.Objects{demo.ObjectID: client}
	t.Cleanup(objects.Close)
	srv, err := cb.Listen("127.0.0.1:0", objects.Restore)
	require.NoError(t, err)
	port, err := srv.Port()
	require.NoError(t, err)

	h := New(cb, WithWaitTimeout(5*time.Second))
	t.Cleanup(h.Close)

	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	_, err = h.Instantiate(ctx, rt)
	require.NoError(t, err)
	mod, err := rt.Instantiate(ctx, guestWasm)
	require.NoError(t, err)

	return h, &guest{t: t, ctx: ctx, mod: mod, addr: "127.0.0.1:" + strconv.Itoa(port)}, store
}

func connectStore(t *testing.T, g *guest) int64 {
	t.Helper()
	iface := g.ok("resolve", map[string]any{"id": "store.yaml:Store"})
	assert.Equal(t, "interface", iface["kind"])
	conn := g.ok("connect", map[string]any{"address": g.addr})
	c := g.ok("restore", map[string]any{
		"conn":   handle(t, conn["conn"]),
		"object": demo.ObjectID,
		"schema": handle(t, iface["schema"]),
	})
	return handle(t, c["cap"])
}

func TestGuest_CallStore(t *testing.T) {
	h, g, store := setup(t)
	storeCap := connectStore(t, g)

	p := g.ok("send", map[string]any{
		"cap":    storeCap,
		"method": "put",
		"params": map[string]any{"key": "greeting", "value": "hello"},
	})
	res := g.ok("wait", map[string]any{"pipeline": handle(t, p["pipeline"])})
	assert.Equal(t, map[string]any{"version": "1"}, res["results"])
	assert.Equal(t, 1, store.Len())

	p = g.ok("send", map[string]any{"cap": storeCap, "method": "get", "params": map[string]any{"key": "greeting"}})
	res = g.ok("wait", map[string]any{"pipeline": handle(t, p["pipeline"])})
	assert.Equal(t, map[string]any{
		"entry": map[string]any{"key": "greeting", "value": "hello", "version": "1"},
		"found": true,
	}, res["results"])

	methods := g.ok("methods", map[string]any{"schema": handle(t, g.ok("schema_for", map[string]any{"cap": storeCap})["schema"])})
	assert.Equal(t, []any{"put", "get", "delete", "list", "counter"}, methods["methods"])
	assert.Equal(t, 0, h.Stats()["pipelines"])
}

func TestGuest_PipelinedCapability(t *testing.T) {
	h, g, _ := setup(t)
	storeCap := connectStore(t, g)

	made := g.ok("send", map[string]any{"cap": storeCap, "method": "counter", "params": map[string]any{"name": "hits"}})
	madeID := handle(t, made["pipeline"])
	counter := g.ok("client", map[string]any{"pipeline": madeID, "field": "counter"})
	counterCap := handle(t, counter["cap"])

	// json.Number arguments encode into s64 params.
	add := g.ok("send", map[string]any{"cap": counterCap, "method": "add", "params": map[string]any{"n": 5}})
	res := g.ok("wait", map[string]any{"pipeline": handle(t, add["pipeline"])})
	assert.Equal(t, map[string]any{"total": "5"}, res["results"])

	res = g.ok("wait", map[string]any{"pipeline": madeID})
	results := res["results"].(map[string]any)
	ref, ok := results["counter"].(map[string]any)
	require.True(t, ok, "counter is a capability reference: %v", results)
	returned := handle(t, ref[capKey])
	assert.NotEqual(t, counterCap, returned)

	get := g.ok("send", map[string]any{"cap": returned, "method": "get"})
	res = g.ok("wait", map[string]any{"pipeline": handle(t, get["pipeline"])})
	assert.Equal(t, map[string]any{"total": "5"}, res["results"])

	before := h.Stats()["caps"]
	g.ok("close", map[string]any{"cap": returned})
	assert.Equal(t, before-1, h.Stats()["caps"])
	assert.Contains(t, g.invoke("close", map[string]any{"cap": returned}), "error")
}

func TestGuest_DupCastAndCancel(t *testing.T) {
	h, g, _ := setup(t)
	storeCap := connectStore(t, g)

	dup := handle(t, g.ok("dup", map[string]any{"cap": storeCap})["cap"])
	g.ok("close", map[string]any{"cap": storeCap})
	p := g.ok("send", map[string]any{"cap": dup, "method": "list"})
	g.ok("wait", map[string]any{"pipeline": handle(t, p["pipeline"])})

	counterSchema := handle(t, g.ok("resolve", map[string]any{"id": "store.yaml:Counter"})["schema"])
	cast := handle(t, g.ok("cast", map[string]any{"cap": dup, "schema": counterSchema})["cap"])
	g.ok("dup2", map[string]any{"cap": dup, "target": cast})
	p = g.ok("send", map[string]any{"cap": cast, "method": "list"})
	g.ok("wait", map[string]any{"pipeline": handle(t, p["pipeline"])})

	entry := handle(t, g.ok("resolve", map[string]any{"id": "store.yaml:Entry"})["schema"])
	failed := g.invoke("cast", map[string]any{"cap": dup, "schema": entry})
	require.Contains(t, failed, "error")
	assert.Contains(t, failed["error"].(map[string]any)["message"], "Not an interface type: store.yaml:Entry")

	p = g.ok("send", map[string]any{"cap": dup, "method": "list"})
	id := handle(t, p["pipeline"])
	g.ok("cancel", map[string]any{"pipeline": id})
	failed = g.invoke("wait", map[string]any{"pipeline": id})
	require.Contains(t, failed, "error")
	assert.Equal(t, errors.MsgCanceled, failed["error"].(map[string]any)["message"])
	assert.Equal(t, 0, h.Stats()["pipelines"])
}

func TestInvoke_Errors(t *testing.T) {
	h, g, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		op      string
		args    string
		kind    string
		message string
	}{
		{"unknown op", "explode", `{}`, "not_found", `operation "explode" not found`},
		{"malformed", "resolve", `{"id":`, "invalid_input", "resolve(): malformed arguments"},
		{"bad schema handle", "methods", `{"schema": 42}`, "not_found", "methods(): Type error in parameter 'schema'"},
		{"bad cap handle", "send", `{"cap": 0, "method": "put"}`, "not_found", "request(): Type error in parameter 'capability'"},
		{"missing address", "connect", `{}`, "invalid_input", "connect(): Type error in parameter 'address'"},
		{"missing schema", "resolve", `{"id": "store.yaml:Nope"}`, "not_found", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out map[string]any
			require.NoError(t, json.Unmarshal(h.Invoke(ctx, tt.op, []byte(tt.args)), &out))
			e, ok := out["error"].(map[string]any)
			require.True(t, ok, "expected an error reply: %v", out)
			assert.Equal(t, tt.kind, e["kind"])
			if tt.message != "" {
				assert.Equal(t, tt.message, e["message"])
			}
		})
	}

	storeCap := connectStore(t, g)
	out := g.invoke("send", map[string]any{
		"cap":    storeCap,
		"method": "put",
		"params": map[string]any{"key": map[string]any{capKey: 99}},
	})
	require.Contains(t, out, "error")
	assert.Equal(t, "send(): Type error in parameter 'capability'", out["error"].(map[string]any)["message"])
}

func TestHost_CloseReleasesHandles(t *testing.T) {
	h, g, _ := setup(t)
	storeCap := connectStore(t, g)
	g.ok("dup", map[string]any{"cap": storeCap})
	g.ok("send", map[string]any{"cap": storeCap, "method": "list"})

	stats := h.Stats()
	assert.Equal(t, 1, stats["conns"])
	assert.Equal(t, 2, stats["caps"])
	assert.Equal(t, 1, stats["pipelines"])

	h.Close()
	assert.Equal(t, map[string]int{"schemas": 0, "conns": 0, "caps": 0, "pipelines": 0}, h.Stats())
}
