package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"
	"unicode/utf16"

	"github.com/roach88/usersync/internal/codec"
)

// Value is a sealed interface over the value types the pipeline can carry.
// Only Null, String, Int, Float, Bool, Array and Object implement it.
type Value interface {
	irValue()
}

// Null represents an explicit JSON null. Setting a property to Null is how
// removals (alias removal, tag deletion) are expressed in a delta.
type Null struct{}

func (Null) irValue() {}

// String is a string value.
type String string

func (String) irValue() {}

// Int is an integer value.
type Int int64

func (Int) irValue() {}

// Float is a finite floating point value. NaN and ±Inf are rejected by
// FromAny because they have no JSON representation.
type Float float64

func (Float) irValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) irValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) irValue() {}

// Object is a map of string keys to values.
// Use SortedKeys() for deterministic iteration.
type Object map[string]Value

func (Object) irValue() {}

// ValidationError reports a Go value that cannot be represented as a Value.
type ValidationError struct {
	// Path locates the offending value, e.g. "payload.when" or "items[2]".
	Path string

	// Type is the Go type that was rejected.
	Type string

	// Reason explains the rejection.
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("ir: unsupported value of type %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("ir: unsupported value at %s (type %s): %s", e.Path, e.Type, e.Reason)
}

// FromAny converts an arbitrary Go value into a Value.
//
// Supported inputs are nil, Value, string, bool, every signed and unsigned
// integer kind, finite floats, json.Number, slices and string-keyed maps of
// supported inputs. Everything else fails with a *ValidationError.
func FromAny(v any) (Value, error) {
	return fromAny("", v)
}

func fromAny(path string, v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return fromUint(path, uint64(val))
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint64:
		return fromUint(path, val)
	case float32:
		return fromFloat(path, float64(val))
	case float64:
		return fromFloat(path, val)
	case json.Number:
		return fromNumber(path, val)
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := fromAny(fmt.Sprintf("%s[%d]", path, i), elem)
			if err != nil {
				return nil, err
			}
			arr[i] = conv
		}
		return arr, nil
	case []string:
		arr := make(Array, len(val))
		for i, elem := range val {
			arr[i] = String(elem)
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			conv, err := fromAny(joinPath(path, k), elem)
			if err != nil {
				return nil, err
			}
			obj[k] = conv
		}
		return obj, nil
	case map[string]string:
		obj := make(Object, len(val))
		for k, elem := range val {
			obj[k] = String(elem)
		}
		return obj, nil
	default:
		return nil, &ValidationError{
			Path:   path,
			Type:   reflect.TypeOf(v).String(),
			Reason: "no JSON representation",
		}
	}
}

func fromUint(path string, n uint64) (Value, error) {
	if n > math.MaxInt64 {
		return nil, &ValidationError{Path: path, Type: "uint64", Reason: "exceeds int64 range"}
	}
	return Int(n), nil
}

func fromFloat(path string, f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &ValidationError{Path: path, Type: "float64", Reason: "NaN and Inf have no JSON representation"}
	}
	return Float(f), nil
}

func fromNumber(path string, n json.Number) (Value, error) {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return Int(i), nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return nil, &ValidationError{Path: path, Type: "json.Number", Reason: err.Error()}
	}
	return fromFloat(path, f)
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// ToAny converts a Value back into plain Go values (string, int64,
// float64, bool, []any, map[string]any, nil). Used at encoding boundaries.
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case Object:
		if val == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	switch v.(type) {
	case nil, Null:
		return true
	}
	return false
}

// Equal reports whether two values have the same canonical encoding.
func Equal(a, b Value) bool {
	ca, errA := MarshalCanonical(a)
	cb, errB := MarshalCanonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// Clone returns a shallow copy of obj. Nested arrays and objects are
// shared, which is safe because values are never mutated in place.
func (obj Object) Clone() Object {
	if obj == nil {
		return nil
	}
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}

// Merge returns a copy of obj with every key of other written over it.
func (obj Object) Merge(other Object) Object {
	out := make(Object, len(obj)+len(other))
	for k, v := range obj {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// GetString returns the string stored at key, if any.
func (obj Object) GetString(key string) (string, bool) {
	s, ok := obj[key].(String)
	return string(s), ok
}

// GetObject returns the nested object stored at key, if any.
func (obj Object) GetObject(key string) (Object, bool) {
	o, ok := obj[key].(Object)
	return o, ok
}

// GetArray returns the array stored at key, if any.
func (obj Object) GetArray(key string) (Array, bool) {
	a, ok := obj[key].(Array)
	return a, ok
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering
// as required by RFC 8785. Go's native string order is UTF-8 based and
// differs for supplementary-plane characters.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// MarshalJSON implements json.Marshaler with sorted keys and without
// HTML escaping. Strings are not NFC normalized; use MarshalCanonical for
// traces.
func (obj Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := marshalString(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalValue(data)
	if err != nil {
		return err
	}
	o, ok := v.(Object)
	if !ok {
		return fmt.Errorf("ir: expected JSON object, got %T", v)
	}
	*obj = o
	return nil
}

// MarshalCBOR implements cbor.Marshaler so Objects can be embedded in
// persisted records.
func (obj Object) MarshalCBOR() ([]byte, error) {
	return codec.Marshal(ToAny(obj))
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (obj *Object) UnmarshalCBOR(data []byte) error {
	var raw map[string]any
	if err := codec.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*obj = nil
		return nil
	}
	v, err := FromAny(raw)
	if err != nil {
		return err
	}
	*obj = v.(Object)
	return nil
}

// MarshalValue marshals a Value to JSON bytes.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return marshalString(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Float:
		return json.Marshal(float64(val))
	case Bool:
		return json.Marshal(bool(val))
	case Array:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			elemBytes, err := MarshalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(elemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case Object:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown Value type: %T", v)
	}
}

// marshalString encodes s as a JSON string. Only control characters,
// backslash and quote are escaped.
func marshalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// UnmarshalValue decodes JSON into a Value. Integers that fit in int64
// become Int; every other number becomes Float.
func UnmarshalValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}
