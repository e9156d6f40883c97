package schema

import (
	"strings"

	"github.com/wippyai/capbridge/errors"
)

// NodeKind is the kind of a schema node.
type NodeKind uint8

const (
	KindFile NodeKind = iota
	KindStruct
	KindInterface
	KindEnum
)

func (k NodeKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindStruct:
		return "struct"
	case KindInterface:
		return "interface"
	case KindEnum:
		return "enum"
	default:
		return "unknown"
	}
}

// FieldKind tells a plain slot field from a group.
type FieldKind uint8

const (
	FieldSlot FieldKind = iota
	FieldGroup
)

// NoDiscriminant marks a field that is not a union member.
const NoDiscriminant uint16 = 0xffff

// Field is one field of a struct or group, in code order.
type Field struct {
	Name    string
	Ordinal int
	Kind    FieldKind
	Type    Type

	// Offset is in units of the slot width for data fields and the pointer
	// index for pointer fields. Void fields have no slot.
	Offset uint32

	// GroupID is the node describing the group when Kind is FieldGroup.
	GroupID uint64

	DiscriminantValue uint16
}

// InUnion reports whether the field is a member of its scope's union.
func (f *Field) InUnion() bool {
	return f.DiscriminantValue != NoDiscriminant
}

// Method is one method of an interface. Ordinal is the method id on the wire.
type Method struct {
	Name             string
	Ordinal          uint16
	ParamStructType  uint64
	ResultStructType uint64

	reg *Registry
}

// Params returns the parameter struct.
func (m *Method) Params() (*Node, error) {
	return m.reg.Node(m.ParamStructType)
}

// Results returns the result struct.
func (m *Method) Results() (*Node, error) {
	return m.reg.Node(m.ResultStructType)
}

// Node is an immutable descriptor for one file, struct, interface or enum.
// Nodes are shared by pointer and never modified after registration.
type Node struct {
	ID           uint64
	ScopeID      uint64
	Name         string // qualified display name, e.g. "demo.yaml:Store.Entry"
	Short        string
	Kind         NodeKind
	IsGroup      bool
	Fields       []*Field
	Methods      []*Method
	Enumerants   []string
	Superclasses []uint64

	DataWords          uint16
	PointerCount       uint16
	DiscriminantCount  uint16
	DiscriminantOffset uint32 // in 16-bit units

	nested      map[string]uint64
	nestedOrder []string
	fieldIndex  map[string]int
	methodIndex map[string]int
	reg         *Registry
}

// Registry returns the registry that owns the node.
func (n *Node) Registry() *Registry {
	return n.reg
}

// IsStruct reports whether the node describes a struct or a group.
func (n *Node) IsStruct() bool { return n.Kind == KindStruct }

// IsInterface reports whether the node describes an interface.
func (n *Node) IsInterface() bool { return n.Kind == KindInterface }

// Field returns the field called name.
func (n *Node) Field(name string) (*Field, bool) {
	i, ok := n.fieldIndex[name]
	if !ok {
		return nil, false
	}
	return n.Fields[i], true
}

// HasUnion reports whether the struct has an unnamed union.
func (n *Node) HasUnion() bool {
	return n.DiscriminantCount > 0
}

// Method returns the method declared directly on this interface.
func (n *Node) Method(name string) (*Method, bool) {
	i, ok := n.methodIndex[name]
	if !ok {
		return nil, false
	}
	return n.Methods[i], true
}

// FindMethod looks name up on the interface and then on its superclasses,
// breadth first. It returns the interface that declares the method.
func (n *Node) FindMethod(name string) (*Node, *Method, error) {
	if n.Kind != KindInterface {
		return nil, nil, NotInterface(n)
	}
	seen := map[uint64]bool{}
	queue := []*Node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur.ID] {
			continue
		}
		seen[cur.ID] = true
		if m, ok := cur.Method(name); ok {
			return cur, m, nil
		}
		for _, id := range cur.Superclasses {
			sup, err := n.reg.Node(id)
			if err != nil {
				return nil, nil, err
			}
			queue = append(queue, sup)
		}
	}
	return nil, nil, errors.NotFound(errors.PhaseSchema, "method", n.Short+"."+name)
}

// Extends reports whether the interface is other or inherits from it.
func (n *Node) Extends(other *Node) bool {
	seen := map[uint64]bool{}
	queue := []uint64{n.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == other.ID {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		cur, err := n.reg.Node(id)
		if err != nil {
			continue
		}
		queue = append(queue, cur.Superclasses...)
	}
	return false
}

// Nested returns the child node declared under this one.
func (n *Node) Nested(name string) (*Node, error) {
	id, ok := n.nested[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseSchema, "nested node", n.Name+"."+name)
	}
	return n.reg.Node(id)
}

// NestedNames lists child node names in declaration order.
func (n *Node) NestedNames() []string {
	return append([]string(nil), n.nestedOrder...)
}

// Lookup resolves a dotted path of nested names relative to this node.
func (n *Node) Lookup(path string) (*Node, error) {
	cur := n
	for _, part := range strings.Split(path, ".") {
		next, err := cur.Nested(part)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// Enumerant returns the ordinal of the named enumerant.
func (n *Node) Enumerant(name string) (uint16, bool) {
	for i, e := range n.Enumerants {
		if e == name {
			return uint16(i), true
		}
	}
	return 0, false
}

// NotInterface is the error for an interface-kind check that failed.
func NotInterface(n *Node) *errors.Error {
	return errors.New(errors.PhaseSchema, errors.KindTypeMismatch).
		SchemaType(n.Kind.String()).
		Detail("Not an interface type: %s", n.Name).
		Build()
}

// NotStruct is the error for a struct-kind check that failed.
func NotStruct(n *Node) *errors.Error {
	return errors.New(errors.PhaseSchema, errors.KindTypeMismatch).
		SchemaType(n.Kind.String()).
		Detail("Not a struct type: %s", n.Name).
		Build()
}
