package capability

import (
	"github.com/wippyai/capbridge/schema"
)

// MethodEntry is one callable method and the interface declaring it.
type MethodEntry struct {
	Owner  *schema.Node
	Method *schema.Method
}

// MethodSet lists every method callable on an interface, own methods first
// and then those inherited from superclasses breadth first. A name declared
// more than once resolves to the nearest declaration.
type MethodSet struct {
	Interface *schema.Node
	Entries   []MethodEntry
	byName    map[string]int
}

// MethodsOf builds the method set of iface.
func MethodsOf(iface *schema.Node) (*MethodSet, error) {
	if !iface.IsInterface() {
		return nil, schema.NotInterface(iface)
	}
	reg := iface.Registry()
	ms := &MethodSet{Interface: iface, byName: map[string]int{}}
	seen := map[uint64]bool{iface.ID: true}
	queue := []*schema.Node{iface}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range n.Methods {
			if _, dup := ms.byName[m.Name]; dup {
				continue
			}
			ms.byName[m.Name] = len(ms.Entries)
			ms.Entries = append(ms.Entries, MethodEntry{Owner: n, Method: m})
		}
		for _, id := range n.Superclasses {
			if seen[id] {
				continue
			}
			seen[id] = true
			super, err := reg.Node(id)
			if err != nil {
				return nil, err
			}
			queue = append(queue, super)
		}
	}
	return ms, nil
}

// Lookup finds a method by name.
func (ms *MethodSet) Lookup(name string) (MethodEntry, bool) {
	i, ok := ms.byName[name]
	if !ok {
		return MethodEntry{}, false
	}
	return ms.Entries[i], true
}

// Names returns method names in set order.
func (ms *MethodSet) Names() []string {
	names := make([]string, len(ms.Entries))
	for i, e := range ms.Entries {
		names[i] = e.Method.Name
	}
	return names
}
