package dynamic

import (
	"sort"
	"strconv"

	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/schema"
)

// Encode fills b from a host value: a map[string]any keyed by field name,
// or a []any holding fields in code order. On failure the fields written so
// far stay in place; the message remains valid.
func Encode(b StructBuilder, v any) error {
	return encodeStruct(b, v, nil)
}

func with(path []string, name string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = name
	return out
}

func encodeStruct(b StructBuilder, v any, path []string) error {
	switch hv := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(hv))
		for k := range hv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			f, ok := b.node.Field(k)
			if !ok {
				return errors.FieldUnknown(errors.PhaseEncode, path, k)
			}
			if err := encodeField(b, f, hv[k], with(path, k)); err != nil {
				return err
			}
		}
		return nil

	case []any:
		n := len(hv)
		if n > len(b.node.Fields) {
			n = len(b.node.Fields)
		}
		for i := 0; i < n; i++ {
			f := b.node.Fields[i]
			if err := encodeField(b, f, hv[i], with(path, f.Name)); err != nil {
				return err
			}
		}
		return nil

	default:
		return errors.TypeMismatch(errors.PhaseEncode, path, hostType(v), b.node.Name)
	}
}

func encodeField(b StructBuilder, f *schema.Field, v any, path []string) error {
	if f.Kind == schema.FieldGroup {
		g, err := b.Group(f)
		if err != nil {
			return err
		}
		if v == nil {
			return nil
		}
		return encodeStruct(g, v, path)
	}

	switch t := f.Type.(type) {
	case schema.Struct:
		if v == nil {
			b.SetNull(f)
			return nil
		}
		child, err := b.InitStruct(f)
		if err != nil {
			return err
		}
		return encodeStruct(child, v, path)

	case schema.List:
		if v == nil {
			b.SetNull(f)
			return nil
		}
		items, ok := asSlice(v)
		if !ok {
			return errors.TypeMismatch(errors.PhaseEncode, path, hostType(v), t.String())
		}
		lb, err := b.InitList(f, len(items))
		if err != nil {
			return err
		}
		return encodeList(lb, items, path)

	case schema.Text, schema.Data, schema.Interface:
		if v == nil {
			b.SetNull(f)
			return nil
		}
	}

	val, err := hostScalar(f.Type, v, b.node.Registry(), path)
	if err != nil {
		return err
	}
	return b.Set(f, val)
}

func encodeList(lb ListBuilder, items []any, path []string) error {
	for i, item := range items {
		p := with(path, strconv.Itoa(i))
		switch et := lb.elem.(type) {
		case schema.Struct:
			if item == nil {
				return errors.TypeMismatch(errors.PhaseEncode, p, "nil", et.String())
			}
			sb, err := lb.Struct(i)
			if err != nil {
				return err
			}
			if err := encodeStruct(sb, item, p); err != nil {
				return err
			}

		case schema.List:
			sub, ok := asSlice(item)
			if !ok {
				return errors.TypeMismatch(errors.PhaseEncode, p, hostType(item), et.String())
			}
			nested, err := lb.InitList(i, len(sub))
			if err != nil {
				return err
			}
			if err := encodeList(nested, sub, p); err != nil {
				return err
			}

		default:
			// A null capability is a valid list element.
			if _, ok := et.(schema.Interface); ok && item == nil {
				continue
			}
			val, err := hostScalar(et, item, lb.reg, p)
			if err != nil {
				return err
			}
			if err := lb.Set(i, val); err != nil {
				return err
			}
		}
	}
	return nil
}

// hostScalar converts a host value for every type that is not built in
// place: primitives, enums, text, data and capabilities.
func hostScalar(t schema.Type, v any, reg *schema.Registry, path []string) (Value, error) {
	mismatch := func() (Value, error) {
		return nil, errors.TypeMismatch(errors.PhaseEncode, path, hostType(v), t.String())
	}

	switch t := t.(type) {
	case schema.Void:
		if !isFalsy(v) {
			return mismatch()
		}
		return VoidValue{}, nil

	case schema.Bool:
		b, ok := v.(bool)
		if !ok {
			return mismatch()
		}
		return BoolValue(b), nil

	case schema.Int8, schema.Int16, schema.Int32:
		i, ok := coerceInt(v)
		if !ok {
			return mismatch()
		}
		return IntValue(i), nil

	case schema.Uint8, schema.Uint16, schema.Uint32:
		u, ok := coerceUint(v)
		if !ok {
			return mismatch()
		}
		return UintValue(u), nil

	case schema.Int64:
		if s, ok := v.(string); ok {
			i, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, errors.New(errors.PhaseEncode, errors.KindInvalidInput).
					Path(path...).HostType("string").SchemaType(t.String()).
					Value(s).Cause(err).Detail("not a decimal integer").Build()
			}
			return IntValue(i), nil
		}
		i, ok := coerceInt(v)
		if !ok {
			return mismatch()
		}
		return IntValue(i), nil

	case schema.Uint64:
		if s, ok := v.(string); ok {
			u, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return nil, errors.New(errors.PhaseEncode, errors.KindInvalidInput).
					Path(path...).HostType("string").SchemaType(t.String()).
					Value(s).Cause(err).Detail("not a decimal integer").Build()
			}
			return UintValue(u), nil
		}
		u, ok := coerceUint(v)
		if !ok {
			return mismatch()
		}
		return UintValue(u), nil

	case schema.Float32, schema.Float64:
		f, ok := coerceFloat(v)
		if !ok {
			return mismatch()
		}
		return FloatValue(f), nil

	case schema.Text:
		s, ok := v.(string)
		if !ok {
			return mismatch()
		}
		return TextValue(s), nil

	case schema.Data:
		b, ok := v.([]byte)
		if !ok {
			return mismatch()
		}
		return DataValue(b), nil

	case schema.Enum:
		node, err := reg.Node(t.ID)
		if err != nil {
			return nil, err
		}
		if name, ok := v.(string); ok {
			raw, found := node.Enumerant(name)
			if !found {
				return nil, errors.InvalidEnum(errors.PhaseEncode, path, name, node.Name)
			}
			return EnumValue{Raw: raw, Node: node}, nil
		}
		u, ok := coerceUint(v)
		if !ok {
			return mismatch()
		}
		return EnumValue{Raw: uint16(u), Node: node}, nil

	case schema.Interface:
		c, ok := v.(Capability)
		if !ok {
			return mismatch()
		}
		return CapabilityValue{Cap: c}, nil

	case schema.AnyPointer:
		return nil, errors.New(errors.PhaseEncode, errors.KindUnsupported).
			Path(path...).SchemaType("AnyPointer").
			Detail("AnyPointer fields are not supported").Build()

	case schema.Struct, schema.List:
		return mismatch()

	default:
		return nil, errors.Internal(errors.PhaseEncode, "unhandled type "+t.String())
	}
}
