package dynamic

import (
	"math"

	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/schema"
	capnp "zombiezen.com/go/capnproto2"
)

// slot addresses a value: a field of a struct, with its offset in units of
// the field's width, or an element of a list.
type slot struct {
	msg    *Message
	st     capnp.Struct
	offset uint32
	list   capnp.List
	index  int // -1 for struct fields
}

func fieldSlot(msg *Message, st capnp.Struct, f *schema.Field) slot {
	return slot{msg: msg, st: st, offset: f.Offset, index: -1}
}

func elemSlot(msg *Message, l capnp.List, i int) slot {
	return slot{msg: msg, list: l, index: i}
}

func (s slot) segment() *capnp.Segment {
	if s.index >= 0 {
		return s.list.Segment()
	}
	return s.st.Segment()
}

// bits reads a width-bit data value. Reads past a struct's data section
// return zero, which is how structs written with an older, smaller layout
// read.
func (s slot) bits(width uint32) uint64 {
	if s.index >= 0 {
		i := s.index
		switch width {
		case 1:
			if (capnp.BitList{List: s.list}).At(i) {
				return 1
			}
			return 0
		case 8:
			return uint64(capnp.UInt8List{List: s.list}.At(i))
		case 16:
			return uint64(capnp.UInt16List{List: s.list}.At(i))
		case 32:
			return uint64(capnp.UInt32List{List: s.list}.At(i))
		case 64:
			return capnp.UInt64List{List: s.list}.At(i)
		}
		return 0
	}

	switch width {
	case 1:
		if s.st.Bit(capnp.BitOffset(s.offset)) {
			return 1
		}
		return 0
	case 8:
		return uint64(s.st.Uint8(capnp.DataOffset(s.offset)))
	case 16:
		return uint64(s.st.Uint16(capnp.DataOffset(s.offset * 2)))
	case 32:
		return uint64(s.st.Uint32(capnp.DataOffset(s.offset * 4)))
	case 64:
		return s.st.Uint64(capnp.DataOffset(s.offset * 8))
	}
	return 0
}

func (s slot) setBits(width uint32, v uint64) error {
	if s.index >= 0 {
		i := s.index
		switch width {
		case 1:
			capnp.BitList{List: s.list}.Set(i, v != 0)
		case 8:
			capnp.UInt8List{List: s.list}.Set(i, uint8(v))
		case 16:
			capnp.UInt16List{List: s.list}.Set(i, uint16(v))
		case 32:
			capnp.UInt32List{List: s.list}.Set(i, uint32(v))
		case 64:
			capnp.UInt64List{List: s.list}.Set(i, v)
		}
		return nil
	}

	if (uint64(s.offset)+1)*uint64(width) > uint64(s.st.Size().DataSize)*8 {
		return errors.Internal(errors.PhaseEncode, "data slot outside the struct")
	}
	switch width {
	case 1:
		s.st.SetBit(capnp.BitOffset(s.offset), v != 0)
	case 8:
		s.st.SetUint8(capnp.DataOffset(s.offset), uint8(v))
	case 16:
		s.st.SetUint16(capnp.DataOffset(s.offset*2), uint16(v))
	case 32:
		s.st.SetUint32(capnp.DataOffset(s.offset*4), uint32(v))
	case 64:
		s.st.SetUint64(capnp.DataOffset(s.offset*8), v)
	}
	return nil
}

// ptr reads the pointer in the slot. A struct field past the pointer
// section reads as null.
func (s slot) ptr() (capnp.Ptr, error) {
	var (
		p   capnp.Ptr
		err error
	)
	if s.index >= 0 {
		p, err = capnp.PointerList{List: s.list}.PtrAt(s.index)
	} else {
		p, err = s.st.Ptr(uint16(s.offset))
	}
	if err != nil {
		return capnp.Ptr{}, s.msg.readErr(err)
	}
	return p, nil
}

func (s slot) setPtr(p capnp.Ptr) error {
	var err error
	if s.index >= 0 {
		err = capnp.PointerList{List: s.list}.SetPtr(s.index, p)
	} else {
		if s.offset >= uint32(s.st.Size().PointerCount) {
			return errors.Internal(errors.PhaseEncode, "missing pointer slot")
		}
		err = s.st.SetPtr(uint16(s.offset), p)
	}
	if err != nil {
		return errors.Wrap(errors.PhaseEncode, errors.KindInternal, err, "store pointer")
	}
	return nil
}

func descend(m *Message, depth int) error {
	if depth > m.limits.Depth {
		return errors.Limit(errors.PhaseDecode, nil, "nesting depth", m.limits.Depth)
	}
	return nil
}

// readValue reads the value of type t in s. depth is the depth of the
// containing struct or list.
func readValue(s slot, t schema.Type, reg *schema.Registry, depth int) (Value, error) {
	width := schema.DataBits(t)
	switch t := t.(type) {
	case schema.Void:
		return VoidValue{}, nil
	case schema.Bool:
		return BoolValue(s.bits(width) != 0), nil
	case schema.Int8:
		return IntValue(int8(s.bits(width))), nil
	case schema.Int16:
		return IntValue(int16(s.bits(width))), nil
	case schema.Int32:
		return IntValue(int32(s.bits(width))), nil
	case schema.Int64:
		return IntValue(int64(s.bits(width))), nil
	case schema.Uint8, schema.Uint16, schema.Uint32, schema.Uint64:
		return UintValue(s.bits(width)), nil
	case schema.Float32:
		return FloatValue(math.Float32frombits(uint32(s.bits(width)))), nil
	case schema.Float64:
		return FloatValue(math.Float64frombits(s.bits(width))), nil
	case schema.Enum:
		n, err := reg.Node(t.ID)
		if err != nil {
			n = nil
		}
		return EnumValue{Raw: uint16(s.bits(width)), Node: n}, nil

	case schema.Text, schema.Data:
		p, err := s.ptr()
		if err != nil {
			return nil, err
		}
		_, text := t.(schema.Text)
		b, err := s.msg.readBlob(p, text)
		if err != nil {
			return nil, err
		}
		if text {
			return TextValue(b), nil
		}
		return DataValue(b), nil

	case schema.List:
		if err := descend(s.msg, depth+1); err != nil {
			return nil, err
		}
		p, err := s.ptr()
		if err != nil {
			return nil, err
		}
		l, err := s.msg.readList(p)
		if err != nil {
			return nil, err
		}
		lr := ListReader{l: l, msg: s.msg, elem: t.Elem, reg: reg, depth: depth + 1}
		if err := lr.check(); err != nil {
			return nil, err
		}
		return ListValue{List: lr}, nil

	case schema.Struct:
		if err := descend(s.msg, depth+1); err != nil {
			return nil, err
		}
		n, err := reg.Node(t.ID)
		if err != nil {
			return nil, err
		}
		p, err := s.ptr()
		if err != nil {
			return nil, err
		}
		st, err := s.msg.readStruct(p)
		if err != nil {
			return nil, err
		}
		return StructValue{Struct: StructReader{s: st, msg: s.msg, node: n, depth: depth + 1}}, nil

	case schema.Interface:
		p, err := s.ptr()
		if err != nil {
			return nil, err
		}
		c, err := s.msg.readCap(p)
		if err != nil {
			return nil, err
		}
		return CapabilityValue{Cap: c}, nil

	case schema.AnyPointer:
		return UnknownPointerValue{}, nil

	default:
		return nil, errors.Internal(errors.PhaseDecode, "unhandled type "+t.String())
	}
}

// writeValue stores a primitive, text, data, enum or capability value.
// Struct and list values are built in place through InitStruct and InitList.
func writeValue(s slot, t schema.Type, v Value) error {
	mismatch := func() error {
		return errors.TypeMismatch(errors.PhaseEncode, nil, valueName(v), t.String())
	}

	width := schema.DataBits(t)
	switch t := t.(type) {
	case schema.Void:
		if _, ok := v.(VoidValue); !ok {
			return mismatch()
		}
		return nil

	case schema.Bool:
		b, ok := v.(BoolValue)
		if !ok {
			return mismatch()
		}
		var bit uint64
		if b {
			bit = 1
		}
		return s.setBits(width, bit)

	case schema.Int8, schema.Int16, schema.Int32, schema.Int64,
		schema.Uint8, schema.Uint16, schema.Uint32, schema.Uint64:
		switch x := v.(type) {
		case IntValue:
			return s.setBits(width, uint64(x))
		case UintValue:
			return s.setBits(width, uint64(x))
		default:
			return mismatch()
		}

	case schema.Float32, schema.Float64:
		var f float64
		switch x := v.(type) {
		case FloatValue:
			f = float64(x)
		case IntValue:
			f = float64(x)
		case UintValue:
			f = float64(x)
		default:
			return mismatch()
		}
		if _, ok := t.(schema.Float32); ok {
			return s.setBits(width, uint64(math.Float32bits(float32(f))))
		}
		return s.setBits(width, math.Float64bits(f))

	case schema.Enum:
		e, ok := v.(EnumValue)
		if !ok {
			return mismatch()
		}
		return s.setBits(width, uint64(e.Raw))

	case schema.Text:
		x, ok := v.(TextValue)
		if !ok {
			return mismatch()
		}
		l, err := capnp.NewText(s.segment(), string(x))
		if err != nil {
			return errors.Wrap(errors.PhaseEncode, errors.KindInternal, err, "allocate text")
		}
		return s.setPtr(l.ToPtr())

	case schema.Data:
		x, ok := v.(DataValue)
		if !ok {
			return mismatch()
		}
		l, err := capnp.NewData(s.segment(), x)
		if err != nil {
			return errors.Wrap(errors.PhaseEncode, errors.KindInternal, err, "allocate data")
		}
		return s.setPtr(l.ToPtr())

	case schema.Interface:
		x, ok := v.(CapabilityValue)
		if !ok {
			return mismatch()
		}
		if x.Cap == nil {
			return s.setPtr(capnp.Ptr{})
		}
		return s.setPtr(s.msg.capPointer(s.segment(), x.Cap))

	case schema.AnyPointer:
		return errors.Unsupported(errors.PhaseEncode, "AnyPointer field")

	case schema.List, schema.Struct:
		return mismatch()

	default:
		return errors.Internal(errors.PhaseEncode, "unhandled type "+t.String())
	}
}

func valueName(v Value) string {
	switch v.(type) {
	case AbsentValue:
		return "absent"
	case VoidValue:
		return "void"
	case BoolValue:
		return "bool"
	case IntValue:
		return "int"
	case UintValue:
		return "uint"
	case FloatValue:
		return "float"
	case TextValue:
		return "text"
	case DataValue:
		return "data"
	case ListValue:
		return "list"
	case EnumValue:
		return "enum"
	case StructValue:
		return "struct"
	case CapabilityValue:
		return "capability"
	case UnknownPointerValue:
		return "unknown pointer"
	default:
		return "unknown"
	}
}
