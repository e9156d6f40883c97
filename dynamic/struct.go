package dynamic

import (
	"encoding/binary"

	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/schema"
	capnp "zombiezen.com/go/capnproto2"
)

// StructReader reads a struct or group in place.
type StructReader struct {
	s     capnp.Struct
	msg   *Message
	node  *schema.Node
	depth int
}

// ReadRoot returns a reader for the message's root struct.
func ReadRoot(m *Message, node *schema.Node) (StructReader, error) {
	if node.Kind != schema.KindStruct || node.IsGroup {
		return StructReader{}, schema.NotStruct(node)
	}
	st, err := m.rootStruct()
	if err != nil {
		return StructReader{}, err
	}
	return StructReader{s: st, msg: m, node: node}, nil
}

// Schema returns the struct's node.
func (r StructReader) Schema() *schema.Node { return r.node }

// Message returns the arena the reader points into.
func (r StructReader) Message() *Message { return r.msg }

// Which returns the active union member.
func (r StructReader) Which() (*schema.Field, bool) {
	if r.node == nil || !r.node.HasUnion() {
		return nil, false
	}
	disc := r.s.Uint16(capnp.DataOffset(r.node.DiscriminantOffset) * 2)
	for _, f := range r.node.Fields {
		if f.DiscriminantValue == disc {
			return f, true
		}
	}
	return nil, false
}

// Has reports whether f counts as present: the active union member, a data
// slot with non-zero bits, a non-null pointer, or a group with a present
// member. Void fields outside a union are never present.
func (r StructReader) Has(f *schema.Field) bool {
	if f.InUnion() {
		which, ok := r.Which()
		return ok && which == f
	}
	if f.Kind == schema.FieldGroup {
		g, err := r.group(f)
		if err != nil {
			return false
		}
		if _, ok := g.Which(); ok {
			return true
		}
		for _, gf := range g.node.Fields {
			if g.Has(gf) {
				return true
			}
		}
		return false
	}
	if schema.IsPointer(f.Type) {
		return f.Offset <= 0xffff && hasPtr(r.s, uint16(f.Offset))
	}
	width := schema.DataBits(f.Type)
	if width == 0 {
		return false
	}
	return fieldSlot(r.msg, r.s, f).bits(width) != 0
}

// hasPtr reports whether pointer i of s is non-null without following it,
// so it does not consume the read budget. capnproto2 v2 has no
// Struct.HasPtr.
func hasPtr(s capnp.Struct, i uint16) bool {
	if s.Segment() == nil || i >= s.Size().PointerCount {
		return false
	}
	off := int(s.Address()) + int(s.Size().DataSize) + int(i)*8
	data := s.Segment().Data()
	return off+8 <= len(data) && binary.LittleEndian.Uint64(data[off:]) != 0
}

func (r StructReader) group(f *schema.Field) (StructReader, error) {
	g, err := r.node.Registry().Node(f.GroupID)
	if err != nil {
		return StructReader{}, err
	}
	return StructReader{s: r.s, msg: r.msg, node: g, depth: r.depth}, nil
}

// Get reads field f.
func (r StructReader) Get(f *schema.Field) (Value, error) {
	if f.Kind == schema.FieldGroup {
		g, err := r.group(f)
		if err != nil {
			return nil, err
		}
		return StructValue{Struct: g}, nil
	}
	return readValue(fieldSlot(r.msg, r.s, f), f.Type, r.node.Registry(), r.depth)
}

// GetByName reads the field called name.
func (r StructReader) GetByName(name string) (Value, error) {
	f, ok := r.node.Field(name)
	if !ok {
		return nil, errors.FieldUnknown(errors.PhaseDecode, nil, name)
	}
	return r.Get(f)
}

// Follow walks pointer indices from this struct through nested structs and
// returns the capability at the end. It is how promised answers resolve
// pipelined calls without a schema.
func (r StructReader) Follow(ops []uint16) (Capability, error) {
	if len(ops) == 0 {
		return nil, errors.InvalidInput(errors.PhaseRPC, "empty pointer path")
	}
	st := r.s
	for i, op := range ops {
		p, err := st.Ptr(op)
		if err != nil {
			return nil, r.msg.readErr(err)
		}
		if !p.IsValid() {
			return nil, nil
		}
		if i == len(ops)-1 {
			return r.msg.readCap(p)
		}
		if st, err = r.msg.readStruct(p); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// StructBuilder builds a struct or group in place.
type StructBuilder struct {
	s    capnp.Struct
	msg  *Message
	node *schema.Node
}

// NewStruct creates a message whose root is a new struct of type node.
func NewStruct(node *schema.Node) (StructBuilder, error) {
	if node.Kind != schema.KindStruct || node.IsGroup {
		return StructBuilder{}, schema.NotStruct(node)
	}
	m := NewMessage()
	seg, err := m.segment()
	if err != nil {
		return StructBuilder{}, errors.Wrap(errors.PhaseEncode, errors.KindInternal, err, "first segment")
	}
	st, err := capnp.NewRootStruct(seg, structSize(node.DataWords, node.PointerCount))
	if err != nil {
		return StructBuilder{}, errors.Wrap(errors.PhaseEncode, errors.KindInternal, err, "allocate root struct")
	}
	return StructBuilder{s: st, msg: m, node: node}, nil
}

// Schema returns the struct's node.
func (b StructBuilder) Schema() *schema.Node { return b.node }

// Message returns the arena the builder writes into.
func (b StructBuilder) Message() *Message { return b.msg }

// Reader returns a read-only view of the builder. Nothing is copied.
func (b StructBuilder) Reader() StructReader {
	return StructReader{s: b.s, msg: b.msg, node: b.node}
}

func (b StructBuilder) setWhich(f *schema.Field) {
	if !f.InUnion() {
		return
	}
	b.s.SetUint16(capnp.DataOffset(b.node.DiscriminantOffset)*2, f.DiscriminantValue)
}

// Set stores a primitive, text, data, enum or capability value in f.
func (b StructBuilder) Set(f *schema.Field, v Value) error {
	if f.Kind == schema.FieldGroup {
		return errors.TypeMismatch(errors.PhaseEncode, []string{f.Name}, valueName(v), "group")
	}
	if err := writeValue(fieldSlot(b.msg, b.s, f), f.Type, v); err != nil {
		if e, ok := errors.As(err); ok && len(e.Path) == 0 {
			e.Path = []string{f.Name}
		}
		return err
	}
	b.setWhich(f)
	return nil
}

// SetByName stores v in the field called name.
func (b StructBuilder) SetByName(name string, v Value) error {
	f, ok := b.node.Field(name)
	if !ok {
		return errors.FieldUnknown(errors.PhaseEncode, nil, name)
	}
	return b.Set(f, v)
}

// SetNull clears a pointer field. For a union member it still selects f.
func (b StructBuilder) SetNull(f *schema.Field) {
	if f.Kind == schema.FieldSlot && schema.IsPointer(f.Type) && f.Offset < uint32(b.s.Size().PointerCount) {
		_ = b.s.SetPtr(uint16(f.Offset), capnp.Ptr{})
	}
	b.setWhich(f)
}

// InitStruct allocates a new struct for a struct-typed field.
func (b StructBuilder) InitStruct(f *schema.Field) (StructBuilder, error) {
	st, ok := f.Type.(schema.Struct)
	if !ok || f.Kind != schema.FieldSlot {
		return StructBuilder{}, errors.TypeMismatch(errors.PhaseEncode, []string{f.Name}, "struct", f.Type.String())
	}
	n, err := b.node.Registry().Node(st.ID)
	if err != nil {
		return StructBuilder{}, err
	}
	ns, err := capnp.NewStruct(b.s.Segment(), structSize(n.DataWords, n.PointerCount))
	if err != nil {
		return StructBuilder{}, errors.Wrap(errors.PhaseEncode, errors.KindInternal, err, "allocate struct")
	}
	if err := fieldSlot(b.msg, b.s, f).setPtr(ns.ToPtr()); err != nil {
		return StructBuilder{}, err
	}
	b.setWhich(f)
	return StructBuilder{s: ns, msg: b.msg, node: n}, nil
}

// Group returns a builder for group field f, selecting it if it is a union
// member.
func (b StructBuilder) Group(f *schema.Field) (StructBuilder, error) {
	if f.Kind != schema.FieldGroup {
		return StructBuilder{}, errors.TypeMismatch(errors.PhaseEncode, []string{f.Name}, "group", f.Type.String())
	}
	g, err := b.node.Registry().Node(f.GroupID)
	if err != nil {
		return StructBuilder{}, err
	}
	b.setWhich(f)
	return StructBuilder{s: b.s, msg: b.msg, node: g}, nil
}

// InitList allocates a list of n elements for a list-typed field.
func (b StructBuilder) InitList(f *schema.Field, n int) (ListBuilder, error) {
	lt, ok := f.Type.(schema.List)
	if !ok || f.Kind != schema.FieldSlot {
		return ListBuilder{}, errors.TypeMismatch(errors.PhaseEncode, []string{f.Name}, "list", f.Type.String())
	}
	lb, err := newListAt(fieldSlot(b.msg, b.s, f), lt.Elem, n, b.node.Registry())
	if err != nil {
		return ListBuilder{}, err
	}
	b.setWhich(f)
	return lb, nil
}
