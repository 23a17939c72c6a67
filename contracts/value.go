package contracts

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ValueKind discriminates the variants of Value.
type ValueKind int

const (
	NullValue ValueKind = iota
	BoolValue
	NumberValue
	StringValue
	ListValue
	MapValue
)

// Value is the tagged representation for arbitrary context data:
// null | bool | number | string | list<Value> | map<string,Value>.
// Error context maps, LLM metadata, and report metadata all use it instead
// of interface{} so the shape is explicit at every boundary.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	list []Value
	obj  map[string]Value
}

func Null() Value            { return Value{kind: NullValue} }
func Bool(v bool) Value      { return Value{kind: BoolValue, b: v} }
func Number(v float64) Value { return Value{kind: NumberValue, n: v} }
func Int(v int) Value        { return Value{kind: NumberValue, n: float64(v)} }
func String(v string) Value  { return Value{kind: StringValue, s: v} }
func List(vs ...Value) Value { return Value{kind: ListValue, list: vs} }
func Object(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: MapValue, obj: m}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == NullValue }

// AsBool returns the boolean variant, false otherwise.
func (v Value) AsBool() bool { return v.kind == BoolValue && v.b }

// AsNumber returns the numeric variant, 0 otherwise.
func (v Value) AsNumber() float64 {
	if v.kind == NumberValue {
		return v.n
	}
	return 0
}

// AsInt returns the numeric variant truncated to int, 0 otherwise.
func (v Value) AsInt() int { return int(v.AsNumber()) }

// AsString returns the string variant, "" otherwise.
func (v Value) AsString() string {
	if v.kind == StringValue {
		return v.s
	}
	return ""
}

// AsList returns the list variant, nil otherwise.
func (v Value) AsList() []Value {
	if v.kind == ListValue {
		return v.list
	}
	return nil
}

// AsMap returns the map variant, nil otherwise.
func (v Value) AsMap() map[string]Value {
	if v.kind == MapValue {
		return v.obj
	}
	return nil
}

// Get looks up a key on a map value; Null when absent or not a map.
func (v Value) Get(key string) Value {
	if v.kind != MapValue {
		return Null()
	}
	child, ok := v.obj[key]
	if !ok {
		return Null()
	}
	return child
}

// MarshalJSON writes the natural JSON form of each variant. Map keys are
// emitted sorted so serialization is deterministic.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case NullValue:
		return []byte("null"), nil
	case BoolValue:
		return json.Marshal(v.b)
	case NumberValue:
		return json.Marshal(v.n)
	case StringValue:
		return json.Marshal(v.s)
	case ListValue:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case MapValue:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := json.Marshal(v.obj[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON reads any JSON document into the tagged form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromInterface(raw)
	return nil
}

// FromInterface converts a decoded JSON value (or plain Go scalars and
// containers) into the tagged form. Unrepresentable types become strings.
func FromInterface(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case int:
		return Int(t)
	case int64:
		return Number(float64(t))
	case string:
		return String(t)
	case []interface{}:
		list := make([]Value, 0, len(t))
		for _, item := range t {
			list = append(list, FromInterface(item))
		}
		return Value{kind: ListValue, list: list}
	case map[string]interface{}:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			obj[k] = FromInterface(item)
		}
		return Object(obj)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}
