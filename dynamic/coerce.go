package dynamic

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
)

// Numeric values convert the way a Go conversion would: narrowing truncates
// to the slot width instead of failing.

func coerceInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float32:
		return floatToInt(float64(v)), true
	case float64:
		return floatToInt(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if u, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			return int64(u), true
		}
		if f, err := v.Float64(); err == nil {
			return floatToInt(f), true
		}
	}
	return 0, false
}

func coerceUint(value any) (uint64, bool) {
	switch v := value.(type) {
	case uint64:
		return v, true
	case json.Number:
		if u, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			return u, true
		}
	case float32:
		return floatToUint(float64(v)), true
	case float64:
		return floatToUint(v), true
	}
	i, ok := coerceInt(value)
	return uint64(i), ok
}

func coerceFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

func floatToInt(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	default:
		return int64(f)
	}
}

func floatToUint(f float64) uint64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f < 0:
		return uint64(floatToInt(f))
	case f >= math.MaxUint64:
		return math.MaxUint64
	default:
		return uint64(f)
	}
}

// isFalsy reports whether v is an acceptable host value for a Void slot.
func isFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		return x == ""
	}
	if f, ok := coerceFloat(v); ok {
		return f == 0
	}
	return false
}

// asSlice returns the elements of any slice or array. Strings are not lists.
func asSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

func hostType(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
