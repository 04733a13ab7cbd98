package filter

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid is the zero Kind.
	KindInvalid Kind = iota
	KindNull
	KindInt
	KindFloat
	KindString
	KindBool
	KindArray
	KindObject
)

// String returns the lower-case kind name
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// Value is a small typed value used for filter values and chunk metadata.
//
// It is persisted as msgpack; keep the field tags stable.
type Value struct {
	Kind Kind             `msgpack:"k"`
	I64  int64            `msgpack:"i,omitempty"`
	F64  float64          `msgpack:"f,omitempty"`
	S    string           `msgpack:"s,omitempty"`
	B    bool             `msgpack:"b,omitempty"`
	A    []Value          `msgpack:"a,omitempty"`
	O    map[string]Value `msgpack:"o,omitempty"`
}

// Null returns a null Value.
func Null() Value { return Value{Kind: KindNull} }

// Int returns an int64 Value.
func Int(v int64) Value { return Value{Kind: KindInt, I64: v} }

// Float returns a float64 Value.
func Float(v float64) Value { return Value{Kind: KindFloat, F64: v} }

// String returns a string Value.
func String(v string) Value { return Value{Kind: KindString, S: v} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{Kind: KindBool, B: v} }

// Array returns an array Value.
func Array(v ...Value) Value { return Value{Kind: KindArray, A: v} }

// Object returns an object Value.
func Object(v map[string]Value) Value { return Value{Kind: KindObject, O: v} }

// Key returns a stable string representation used for equality filtering.
//
// The encoding is written to the filter slot columns; it must remain stable
// across versions.
func (v Value) Key() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindInt:
		return "i:" + strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return "f:" + strconv.FormatUint(math.Float64bits(v.F64), 16)
	case KindString:
		return "s:" + v.S
	case KindBool:
		if v.B {
			return "b:1"
		}
		return "b:0"
	case KindArray:
		parts := make([]string, len(v.A))
		for i := range v.A {
			parts[i] = v.A[i].Key()
		}
		return "a:[" + strings.Join(parts, "\x1f") + "]"
	case KindObject:
		keys := make([]string, 0, len(v.O))
		for k := range v.O {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + v.O[k].Key()
		}
		return "o:{" + strings.Join(parts, "\x1f") + "}"
	default:
		return "invalid"
	}
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(other Value) bool {
	return v.Kind == other.Kind && v.Key() == other.Key()
}

// Interface converts the value back into plain Go types.
func (v Value) Interface() any {
	switch v.Kind {
	case KindInt:
		return v.I64
	case KindFloat:
		return v.F64
	case KindString:
		return v.S
	case KindBool:
		return v.B
	case KindArray:
		out := make([]any, len(v.A))
		for i := range v.A {
			out[i] = v.A[i].Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.O))
		for k, item := range v.O {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts decoded JSON/YAML style values into a Value.
func FromAny(in any) (Value, error) {
	switch x := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return Int(int64(x)), nil
		}
		return Float(x), nil
	case []any:
		items := make([]Value, len(x))
		for i := range x {
			item, err := FromAny(x[i])
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		return Array(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(x))
		for k, raw := range x {
			item, err := FromAny(raw)
			if err != nil {
				return Value{}, err
			}
			fields[k] = item
		}
		return Object(fields), nil
	default:
		return Value{}, fmt.Errorf("unsupported filter value type %T", in)
	}
}
