package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the parameter variants a request may carry.
// Only Null, String, Int, Decimal, Bool, Array, and Object implement it.
//
// There is no float variant. Non-integer numbers are held as Decimal, a
// pre-rendered decimal literal, so that serialization never depends on
// float formatting.
type Value interface {
	value() // sealed
}

// Null represents a JSON null inside a structured parameter.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a string parameter. Strings are rendered literally in the
// signing string and the form body.
type String string

func (String) value() {}

// Int is an integer parameter.
type Int int64

func (Int) value() {}

// Bool is a boolean parameter.
type Bool bool

func (Bool) value() {}

// Decimal is a non-integer number held as its canonical decimal literal
// (e.g. "0.99"). Construct with NewDecimal or ParseDecimal.
type Decimal string

func (Decimal) value() {}

// Array is an ordered list of values.
type Array []Value

func (Array) value() {}

// Object is a string-keyed map of values.
// Use SortedKeys() for deterministic iteration.
type Object map[string]Value

func (Object) value() {}

// NewDecimal renders f as a Decimal using the shortest representation that
// round-trips. NaN and infinities are rejected.
func NewDecimal(f float64) (Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("decimal: %v is not a finite number", f)
	}
	return Decimal(strconv.FormatFloat(f, 'f', -1, 64)), nil
}

// ParseDecimal validates s as a JSON number literal and returns it as a Decimal.
func ParseDecimal(s string) (Decimal, error) {
	if !json.Valid([]byte(s)) || s == "" || !isNumberLiteral(s) {
		return "", fmt.Errorf("decimal: %q is not a number literal", s)
	}
	return Decimal(s), nil
}

func isNumberLiteral(s string) bool {
	c := s[0]
	return c == '-' || (c >= '0' && c <= '9')
}

// Clone returns a shallow copy of obj. Nested arrays and objects are shared,
// which is safe because parameter bags are never mutated in place after
// construction.
func (obj Object) Clone() Object {
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Used by the canonical serializer for nested objects.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// ByteSortedKeys returns keys in byte-wise order. The signer uses this order
// for top-level parameters.
func (obj Object) ByteSortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// compareUTF16 compares strings by UTF-16 code units.
// Go string comparison is by UTF-8 bytes, which orders supplementary-plane
// characters differently.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
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

// FromGo converts plain Go values (as produced by encoding/json or yaml.v3)
// into a Value. float64 values become Decimal; integral floats become Int.
func FromGo(v any) (Value, error) {
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
	case int64:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Int(val), nil
	case float32:
		return fromFloat(float64(val))
	case float64:
		return fromFloat(val)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return Int(n), nil
		}
		return ParseDecimal(string(val))
	case []byte:
		return nil, fmt.Errorf("binary values are not parameters; attach them instead")
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported parameter type %T", v)
	}
}

// ObjectFromGo converts a plain map into an Object.
func ObjectFromGo(m map[string]any) (Object, error) {
	if m == nil {
		return Object{}, nil
	}
	v, err := FromGo(m)
	if err != nil {
		return nil, err
	}
	return v.(Object), nil
}

func fromFloat(f float64) (Value, error) {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f)), nil
	}
	return NewDecimal(f)
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalValue(data)
	if err != nil {
		return err
	}
	o, ok := v.(Object)
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	*obj = o
	return nil
}

// UnmarshalValue decodes JSON into a Value. Numbers keep their literal form:
// integers become Int, everything else Decimal.
func UnmarshalValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return FromGo(raw)
}

// MarshalJSON implements json.Marshaler for Object. Output is the canonical
// form, so stored parameter bags re-serialize byte-for-byte.
func (obj Object) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(obj)
}

// MarshalJSON implements json.Marshaler for Array.
func (arr Array) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(arr)
}

// MarshalJSON implements json.Marshaler for Decimal. The literal is emitted
// unquoted.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(d)
}

// Text returns v as a Go string when it is a String variant.
func Text(v Value) (string, bool) {
	s, ok := v.(String)
	return string(s), ok
}

// Describe renders v for logs and CLI output. Strings are shown unquoted.
func Describe(v Value) string {
	if s, ok := v.(String); ok {
		return string(s)
	}
	b, err := MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return strings.TrimSpace(string(b))
}
