package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"unicode/utf16"
)

// Value is a sealed interface representing an opaque JSON document.
// Only Null, Bool, Number, String, Array, and Object implement this.
type Value interface {
	jsonValue() // Sealed - only these types implement it
}

// Null represents a JSON null value.
// Using an explicit type keeps "present but null" distinct from "absent".
type Null struct{}

func (Null) jsonValue() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// Bool represents a JSON boolean.
type Bool bool

func (Bool) jsonValue() {}

// Number represents a JSON number as its decimal text.
// Keeping the text avoids float64 precision loss for large integers.
type Number string

func (Number) jsonValue() {}

// MarshalJSON implements json.Marshaler for Number.
func (n Number) MarshalJSON() ([]byte, error) {
	if !json.Valid([]byte(n)) {
		return nil, fmt.Errorf("invalid JSON number %q", string(n))
	}
	return []byte(n), nil
}

// Float64 returns the number as a float64.
func (n Number) Float64() (float64, error) {
	return strconv.ParseFloat(string(n), 64)
}

// Int64 returns the number as an int64, failing for fractional values.
func (n Number) Int64() (int64, error) {
	return strconv.ParseInt(string(n), 10, 64)
}

// String represents a JSON string.
type String string

func (String) jsonValue() {}

// Array represents a JSON array.
type Array []Value

func (Array) jsonValue() {}

// Object represents a JSON object.
// Use SortedKeys() for deterministic iteration.
type Object map[string]Value

func (Object) jsonValue() {}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 byte order, which differs outside the BMP.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// compareKeysUTF16 compares strings using UTF-16 code unit ordering.
func compareKeysUTF16(a, b string) int {
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

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := ParseValue(data)
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

// ParseValue decodes a single JSON document into a Value.
// Numbers are kept as text (json.Number); trailing data is rejected.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse json value: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse json value: unexpected trailing data")
	}

	return fromDecoded(raw)
}

// fromDecoded converts the output of a UseNumber decoder into a Value.
func fromDecoded(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		return Number(val), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			e, err := fromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = e
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			e, err := fromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = e
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported decoded type: %T", v)
	}
}

// FromAny converts an arbitrary Go value into a Value.
// Values that are not JSON primitives, slices or maps are round-tripped
// through encoding/json, so any json.Marshaler or tagged struct works.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case JSON:
		if val.v == nil {
			return Null{}, nil
		}
		return val.v, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Number(strconv.FormatInt(int64(val), 10)), nil
	case int64:
		return Number(strconv.FormatInt(val, 10)), nil
	case json.Number:
		return Number(val), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("convert %T to json value: %w", v, err)
	}
	return ParseValue(data)
}

// JSON holds an optional opaque JSON document for struct fields.
// The zero value means "absent" and is omitted by `omitzero` tags;
// a present JSON null is represented by Null.
type JSON struct {
	v Value
}

// NewJSON wraps a Value.
func NewJSON(v Value) JSON {
	return JSON{v: v}
}

// ToJSON converts an arbitrary Go value into a present JSON document.
func ToJSON(v any) (JSON, error) {
	val, err := FromAny(v)
	if err != nil {
		return JSON{}, err
	}
	return JSON{v: val}, nil
}

// MustJSON is like ToJSON but panics on error.
// Use only in tests or with literal inputs.
func MustJSON(v any) JSON {
	j, err := ToJSON(v)
	if err != nil {
		panic(err)
	}
	return j
}

// Value returns the wrapped value, or nil when absent.
func (j JSON) Value() Value {
	return j.v
}

// IsZero reports whether the document is absent.
func (j JSON) IsZero() bool {
	return j.v == nil
}

// MarshalJSON implements json.Marshaler. Absent documents encode as null.
func (j JSON) MarshalJSON() ([]byte, error) {
	if j.v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(j.v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSON) UnmarshalJSON(data []byte) error {
	v, err := ParseValue(data)
	if err != nil {
		return err
	}
	j.v = v
	return nil
}

// Canonical returns the canonical JSON text of the document and whether it
// is present. Absent documents are stored as SQL NULL.
func (j JSON) Canonical() (string, bool, error) {
	if j.v == nil {
		return "", false, nil
	}
	data, err := MarshalCanonical(j.v)
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}
