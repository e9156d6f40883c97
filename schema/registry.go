package schema

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/wippyai/capbridge/errors"
	"golang.org/x/sync/singleflight"
)

// Registry owns every node loaded in a session and memoizes them by id, so
// one id always maps to the same *Node.
type Registry struct {
	loader Loader
	flight singleflight.Group

	mu       sync.RWMutex
	nodes    map[uint64]*Node
	files    map[string]*Node
	resolved map[string]*Node
}

// NewRegistry creates an empty registry. A nil loader reads from disk.
func NewRegistry(loader Loader) *Registry {
	if loader == nil {
		loader = DirLoader{}
	}
	return &Registry{
		loader:   loader,
		nodes:    make(map[uint64]*Node),
		files:    make(map[string]*Node),
		resolved: make(map[string]*Node),
	}
}

// Node returns the node registered under id.
func (r *Registry) Node(id uint64) (*Node, error) {
	r.mu.RLock()
	n, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseSchema, "node", "@0x"+strconv.FormatUint(id, 16))
	}
	return n, nil
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Import loads a descriptor file and returns its file node. Loading the same
// file again returns the memoized node; concurrent imports of one file share
// a single load.
func (r *Registry) Import(file string, search []string) (*Node, error) {
	return r.importFile(file, search, nil)
}

// Parse registers a descriptor held in memory under name.
func (r *Registry) Parse(name string, data []byte) (*Node, error) {
	return r.load(name, data, nil, nil)
}

// Resolve looks up "file.yaml:Outer.Inner". Without a colon the whole file
// node is returned. Results are memoized per identifier and search path.
func (r *Registry) Resolve(id string, search []string) (*Node, error) {
	key := id + "\x00" + strings.Join(search, "\x00")
	r.mu.RLock()
	n, ok := r.resolved[key]
	r.mu.RUnlock()
	if ok {
		return n, nil
	}

	file, path := id, ""
	if i := strings.LastIndexByte(id, ':'); i >= 0 {
		file, path = id[:i], id[i+1:]
	}
	if file == "" {
		return nil, errors.InvalidInput(errors.PhaseSchema, "missing file in "+quote(id))
	}

	root, err := r.importFile(file, search, nil)
	if err != nil {
		return nil, err
	}
	n = root
	if path != "" {
		if n, err = root.Lookup(path); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.resolved[key] = n
	r.mu.Unlock()
	return n, nil
}

func (r *Registry) importFile(file string, search, stack []string) (*Node, error) {
	path, data, err := r.loader.Load(file, search)
	if err != nil {
		return nil, err
	}
	for _, p := range stack {
		if p == path {
			return nil, errors.InvalidInput(errors.PhaseSchema, "import cycle through "+path)
		}
	}
	return r.load(path, data, search, stack)
}

func (r *Registry) load(path string, data []byte, search, stack []string) (*Node, error) {
	r.mu.RLock()
	n, ok := r.files[path]
	r.mu.RUnlock()
	if ok {
		return n, nil
	}

	v, err, _ := r.flight.Do(path, func() (any, error) {
		r.mu.RLock()
		n, ok := r.files[path]
		r.mu.RUnlock()
		if ok {
			return n, nil
		}
		return r.build(path, data, search, append(stack, path))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Node), nil
}

func (r *Registry) build(path string, data []byte, search, stack []string) (*Node, error) {
	fd, err := parseDescriptor(path, data)
	if err != nil {
		return nil, err
	}

	b := &builder{
		reg:     r,
		file:    filepath.Base(path),
		imports: fd.Imports,
		search:  search,
		stack:   stack,
		byPath:  make(map[string]*Node),
	}
	file, err := b.build(fd)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	local := make(map[uint64]*Node, len(b.nodes))
	for _, n := range b.nodes {
		prev, ok := r.nodes[n.ID]
		if !ok {
			prev, ok = local[n.ID]
		}
		if ok {
			return nil, errors.InvalidInput(errors.PhaseSchema,
				"id @0x"+strconv.FormatUint(n.ID, 16)+" of "+n.Name+" already used by "+prev.Name)
		}
		local[n.ID] = n
	}
	for _, n := range b.nodes {
		r.nodes[n.ID] = n
	}
	r.files[path] = file
	return file, nil
}
