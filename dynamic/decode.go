package dynamic

import (
	"strconv"

	"github.com/wippyai/capbridge/errors"
	"github.com/wippyai/capbridge/schema"
)

// Decode converts a struct to a host value tree. Fields are emitted when
// present (see StructReader.Has). 64-bit integers become decimal strings,
// smaller numbers float64, enums their symbol name. Capabilities in the
// result are retained and must be released by the caller, for example with
// ReleaseHost.
func Decode(r StructReader) (map[string]any, error) {
	out, err := decodeStruct(r, nil)
	if err != nil {
		ReleaseHost(out)
		return nil, err
	}
	return out, nil
}

// DecodeList converts a list to host values.
func DecodeList(r ListReader) ([]any, error) {
	out, err := decodeList(r, nil)
	if err != nil {
		ReleaseHost(out)
		return nil, err
	}
	return out, nil
}

func decodeStruct(r StructReader, path []string) (map[string]any, error) {
	out := make(map[string]any)
	if r.node == nil {
		return out, nil
	}
	for _, f := range r.node.Fields {
		if !r.Has(f) {
			continue
		}
		p := with(path, f.Name)
		v, err := r.Get(f)
		if err != nil {
			return out, withPath(err, p)
		}
		hv, ok, err := toHost(f.Type, v, p)
		if ok {
			out[f.Name] = hv
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func decodeList(r ListReader, path []string) ([]any, error) {
	out := make([]any, r.Len())
	for i := range out {
		p := with(path, strconv.Itoa(i))
		v, err := r.Get(i)
		if err != nil {
			return out, withPath(err, p)
		}
		hv, _, err := toHost(r.elem, v, p)
		out[i] = hv
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// toHost converts one value. The boolean is false for values that have no
// host form and are omitted.
func toHost(t schema.Type, v Value, path []string) (any, bool, error) {
	switch x := v.(type) {
	case AbsentValue, UnknownPointerValue:
		return nil, false, nil
	case VoidValue:
		return nil, true, nil
	case BoolValue:
		return bool(x), true, nil
	case IntValue:
		if schema.Is64Bit(t) {
			return strconv.FormatInt(int64(x), 10), true, nil
		}
		return float64(x), true, nil
	case UintValue:
		if schema.Is64Bit(t) {
			return strconv.FormatUint(uint64(x), 10), true, nil
		}
		return float64(x), true, nil
	case FloatValue:
		return float64(x), true, nil
	case TextValue:
		return string(x), true, nil
	case DataValue:
		return append([]byte{}, x...), true, nil
	case EnumValue:
		if name, ok := x.Name(); ok {
			return name, true, nil
		}
		return float64(x.Raw), true, nil
	case ListValue:
		items, err := decodeList(x.List, path)
		return items, true, err
	case StructValue:
		m, err := decodeStruct(x.Struct, path)
		return m, true, err
	case CapabilityValue:
		if x.Cap == nil {
			return nil, true, nil
		}
		return x.Cap.Retain(), true, nil
	default:
		return nil, false, errors.Internal(errors.PhaseDecode, "unhandled value "+valueName(v))
	}
}

func withPath(err error, path []string) error {
	if e, ok := errors.As(err); ok && len(e.Path) == 0 {
		cp := *e
		cp.Path = path
		return &cp
	}
	return err
}

// ReleaseHost releases every capability found in a decoded host value.
func ReleaseHost(v any) {
	switch x := v.(type) {
	case Capability:
		x.Release()
	case map[string]any:
		for _, item := range x {
			ReleaseHost(item)
		}
	case []any:
		for _, item := range x {
			ReleaseHost(item)
		}
	}
}
