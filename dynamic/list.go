package dynamic

import (
	"strconv"

	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/schema"
	capnp "zombiezen.com/go/capnproto2"
)

// ListReader reads a list in place.
type ListReader struct {
	l     capnp.List
	msg   *Message
	elem  schema.Type
	reg   *schema.Registry
	depth int
}

// Len returns the element count.
func (r ListReader) Len() int { return r.l.Len() }

// Elem returns the declared element type.
func (r ListReader) Elem() schema.Type { return r.elem }

// check verifies the stored element shape can hold the declared type.
func (r ListReader) check() error {
	if r.l.Len() == 0 {
		return nil
	}
	sz := r.l.Struct(0).Size()
	ok := true
	switch t := r.elem.(type) {
	case schema.Void, schema.Struct:
	case schema.Bool:
		ok = sz == capnp.ObjectSize{}
	case schema.Text, schema.Data, schema.List, schema.Interface:
		ok = sz.PointerCount > 0
	case schema.AnyPointer:
		return errors.Unsupported(errors.PhaseDecode, "list of AnyPointer")
	default:
		ok = sz.PointerCount == 0 && uint32(sz.DataSize)*8 == schema.DataBits(t)
	}
	if !ok {
		return errors.InvalidData(errors.PhaseDecode, nil, "list of "+r.elem.String()+" stored with "+
			strconv.Itoa(int(sz.DataSize))+" data bytes and "+strconv.Itoa(int(sz.PointerCount))+" pointers per element")
	}
	return nil
}

// Get reads element i.
func (r ListReader) Get(i int) (Value, error) {
	if i < 0 || i >= r.l.Len() {
		return nil, errors.OutOfBounds(errors.PhaseDecode, nil, i, r.l.Len())
	}
	if st, ok := r.elem.(schema.Struct); ok {
		n, err := r.reg.Node(st.ID)
		if err != nil {
			return nil, err
		}
		return StructValue{Struct: StructReader{s: r.l.Struct(i), msg: r.msg, node: n, depth: r.depth}}, nil
	}
	return readValue(elemSlot(r.msg, r.l, i), r.elem, r.reg, r.depth)
}

// ListBuilder builds a list in place.
type ListBuilder struct {
	l    capnp.List
	msg  *Message
	elem schema.Type
	node *schema.Node // element struct, for struct lists
	reg  *schema.Registry
}

// newList allocates a list of n elements shaped for elem.
func newList(seg *capnp.Segment, elem schema.Type, n int32, node *schema.Node) (capnp.List, error) {
	switch elem.(type) {
	case schema.Void:
		return capnp.NewCompositeList(seg, capnp.ObjectSize{}, n)
	case schema.Struct:
		return capnp.NewCompositeList(seg, structSize(node.DataWords, node.PointerCount), n)
	case schema.Text, schema.Data, schema.List, schema.Interface:
		l, err := capnp.NewPointerList(seg, n)
		return l.List, err
	case schema.AnyPointer:
		return capnp.List{}, errors.Unsupported(errors.PhaseEncode, "list of AnyPointer")
	}
	switch schema.DataBits(elem) {
	case 1:
		l, err := capnp.NewBitList(seg, n)
		return l.List, err
	case 8:
		l, err := capnp.NewUInt8List(seg, n)
		return l.List, err
	case 16:
		l, err := capnp.NewUInt16List(seg, n)
		return l.List, err
	case 32:
		l, err := capnp.NewUInt32List(seg, n)
		return l.List, err
	case 64:
		l, err := capnp.NewUInt64List(seg, n)
		return l.List, err
	}
	return capnp.List{}, errors.Internal(errors.PhaseEncode, "unhandled list element type "+elem.String())
}

// newListAt allocates a list and stores the pointer to it in s.
func newListAt(s slot, elem schema.Type, n int, reg *schema.Registry) (ListBuilder, error) {
	if n < 0 {
		return ListBuilder{}, errors.InvalidInput(errors.PhaseEncode, "negative list length")
	}
	if n > 1<<29-1 {
		return ListBuilder{}, errors.Limit(errors.PhaseEncode, nil, "list length", 1<<29-1)
	}

	lb := ListBuilder{msg: s.msg, elem: elem, reg: reg}
	if st, ok := elem.(schema.Struct); ok {
		node, err := reg.Node(st.ID)
		if err != nil {
			return ListBuilder{}, err
		}
		lb.node = node
	}
	l, err := newList(s.segment(), elem, int32(n), lb.node)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return ListBuilder{}, err
		}
		return ListBuilder{}, errors.Wrap(errors.PhaseEncode, errors.KindInternal, err, "allocate list")
	}
	if err := s.setPtr(l.ToPtr()); err != nil {
		return ListBuilder{}, err
	}
	lb.l = l
	return lb, nil
}

// Len returns the element count.
func (b ListBuilder) Len() int { return b.l.Len() }

// Reader returns a read-only view of the list.
func (b ListBuilder) Reader() ListReader {
	return ListReader{l: b.l, msg: b.msg, elem: b.elem, reg: b.reg}
}

func (b ListBuilder) bounds(i int) error {
	if i < 0 || i >= b.l.Len() {
		return errors.OutOfBounds(errors.PhaseEncode, nil, i, b.l.Len())
	}
	return nil
}

// Set stores a primitive, text, data, enum or capability element.
func (b ListBuilder) Set(i int, v Value) error {
	if err := b.bounds(i); err != nil {
		return err
	}
	return writeValue(elemSlot(b.msg, b.l, i), b.elem, v)
}

// Struct returns a builder for struct element i. Struct elements live in
// the list itself.
func (b ListBuilder) Struct(i int) (StructBuilder, error) {
	if err := b.bounds(i); err != nil {
		return StructBuilder{}, err
	}
	if b.node == nil {
		return StructBuilder{}, errors.TypeMismatch(errors.PhaseEncode, nil, "struct", b.elem.String())
	}
	return StructBuilder{s: b.l.Struct(i), msg: b.msg, node: b.node}, nil
}

// InitList allocates a nested list of n elements at index i.
func (b ListBuilder) InitList(i, n int) (ListBuilder, error) {
	if err := b.bounds(i); err != nil {
		return ListBuilder{}, err
	}
	lt, ok := b.elem.(schema.List)
	if !ok {
		return ListBuilder{}, errors.TypeMismatch(errors.PhaseEncode, nil, "list", b.elem.String())
	}
	return newListAt(elemSlot(b.msg, b.l, i), lt.Elem, n, b.reg)
}
