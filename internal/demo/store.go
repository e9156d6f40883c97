// Package demo is a small key/value service used by capcall serve and the
// end-to-end tests.
package demo

import (
	"embed"
	"sort"

	"github.com/wippyai/capbridge/capability"
	"github.com/wippyai/capbridge/dynamic"
	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/reactor"
	"github.com/wippyai/capbridge/schema"
	"go.uber.org/zap"
)

// SchemaFile is the descriptor file the service is described by.
const SchemaFile = "store.yaml"

// ObjectID is the id the store is published under.
const ObjectID = "store"

//go:embed schema/store.yaml
var files embed.FS

// Schema registers the store descriptor with reg and returns the file node.
// Node ids only depend on the file name, so a peer that loads store.yaml from
// disk sees the same ids.
func Schema(reg *schema.Registry) (*schema.Node, error) {
	data, err := files.ReadFile("schema/" + SchemaFile)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSchema, errors.KindNotFound, err, "embedded "+SchemaFile)
	}
	return reg.Parse(SchemaFile, data)
}

// Loader reads the embedded descriptors. Use it with the search path "schema".
func Loader() schema.Loader {
	return schema.FSLoader{FS: files}
}

type entry struct {
	value   string
	version uint64
}

// Store keeps entries in memory and hands out named counters.
type Store struct {
	events   *reactor.EventLoop
	file     *schema.Node
	log      *zap.Logger
	entries  map[string]*entry
	counters map[string]*capability.Client
	version  uint64
}

// NewStore creates a store and a client for it typed as Store.
func NewStore(events *reactor.EventLoop, file *schema.Node, log *zap.Logger) (*Store, *capability.Client, error) {
	iface, err := file.Nested("Store")
	if err != nil {
		return nil, nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		events:   events,
		file:     file,
		log:      log,
		entries:  make(map[string]*entry),
		counters: make(map[string]*capability.Client),
	}
	c, err := capability.NewLocalClient(events, iface, s)
	if err != nil {
		return nil, nil, err
	}
	return s, c, nil
}

// Len returns the number of stored entries.
func (s *Store) Len() int { return len(s.entries) }

func (s *Store) Dispatch(call *capability.ServerCall) error {
	return capability.Methods{
		"put":     s.put,
		"get":     s.get,
		"delete":  s.remove,
		"list":    s.list,
		"counter": s.counter,
	}.Dispatch(call)
}

// Shutdown drops the counters once the last client is gone.
func (s *Store) Shutdown() {
	for name, c := range s.counters {
		c.Close()
		delete(s.counters, name)
	}
	s.log.Debug("store shut down")
}

func params(call *capability.ServerCall) (map[string]any, error) {
	return dynamic.Decode(call.Params())
}

func text(m map[string]any, name string) string {
	s, _ := m[name].(string)
	return s
}

func (s *Store) put(call *capability.ServerCall) error {
	p, err := params(call)
	if err != nil {
		return err
	}
	key := text(p, "key")
	if key == "" {
		return errors.InvalidInput(errors.PhaseRPC, "key must not be empty")
	}
	s.version++
	s.entries[key] = &entry{value: text(p, "value"), version: s.version}
	s.log.Debug("put", zap.String("key", key), zap.Uint64("version", s.version))

	res, err := call.Results()
	if err != nil {
		return err
	}
	return res.SetByName("version", dynamic.UintValue(s.version))
}

func (s *Store) get(call *capability.ServerCall) error {
	p, err := params(call)
	if err != nil {
		return err
	}
	res, err := call.Results()
	if err != nil {
		return err
	}
	key := text(p, "key")
	e, ok := s.entries[key]
	if !ok {
		return res.SetByName("found", dynamic.BoolValue(false))
	}
	return dynamic.Encode(res, map[string]any{
		"entry": map[string]any{"key": key, "value": e.value, "version": e.version},
		"found": true,
	})
}

func (s *Store) remove(call *capability.ServerCall) error {
	p, err := params(call)
	if err != nil {
		return err
	}
	key := text(p, "key")
	_, ok := s.entries[key]
	delete(s.entries, key)

	res, err := call.Results()
	if err != nil {
		return err
	}
	return res.SetByName("removed", dynamic.BoolValue(ok))
}

func (s *Store) list(call *capability.ServerCall) error {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]any, len(keys))
	for i, k := range keys {
		e := s.entries[k]
		entries[i] = map[string]any{"key": k, "value": e.value, "version": e.version}
	}
	res, err := call.Results()
	if err != nil {
		return err
	}
	return dynamic.Encode(res, map[string]any{"entries": entries})
}

func (s *Store) counter(call *capability.ServerCall) error {
	p, err := params(call)
	if err != nil {
		return err
	}
	name := text(p, "name")
	c, ok := s.counters[name]
	if !ok {
		iface, err := s.file.Nested("Counter")
		if err != nil {
			return err
		}
		c, err = capability.NewLocalClient(s.events, iface, &Counter{})
		if err != nil {
			return err
		}
		s.counters[name] = c
	}
	res, err := call.Results()
	if err != nil {
		return err
	}
	return res.SetByName("counter", dynamic.CapabilityValue{Cap: c})
}

// Counter is a running total.
type Counter struct {
	total int64
}

func (c *Counter) Dispatch(call *capability.ServerCall) error {
	return capability.Methods{
		"add": func(call *capability.ServerCall) error {
			v, err := call.Params().GetByName("n")
			if err != nil {
				return err
			}
			n, ok := v.(dynamic.IntValue)
			if !ok {
				return errors.TypeMismatch(errors.PhaseRPC, []string{"n"}, "", "Int64")
			}
			c.total += int64(n)
			return c.result(call)
		},
		"get": c.result,
	}.Dispatch(call)
}

func (c *Counter) result(call *capability.ServerCall) error {
	res, err := call.Results()
	if err != nil {
		return err
	}
	return res.SetByName("total", dynamic.IntValue(c.total))
}
