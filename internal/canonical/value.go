package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"unicode/utf16"
)

// Value is a sealed interface over the canonical value types.
type Value interface {
	canonicalValue()
}

// Null is the JSON null.
type Null struct{}

func (Null) canonicalValue() {}

// Bool is a JSON boolean.
type Bool bool

func (Bool) canonicalValue() {}

// Number holds an already-normalized decimal rendition of a JSON number.
// Construct it through ParseNumber, Int or Float so equal numbers share text.
type Number string

func (Number) canonicalValue() {}

// String is a JSON string.
type String string

func (String) canonicalValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) canonicalValue() {}

// Object maps string keys to values. Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) canonicalValue() {}

// Int returns the canonical number for n.
func Int(n int64) Number {
	return Number(strconv.FormatInt(n, 10))
}

// Float returns the canonical number for f.
// NaN and infinities have no JSON form and are rejected.
func Float(f float64) (Number, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("non-finite number %v has no canonical form", f)
	}
	if f == 0 {
		return "0", nil // folds -0 into 0
	}
	abs := math.Abs(f)
	if f == math.Trunc(f) && abs < 1e21 {
		return Number(strconv.FormatFloat(f, 'f', -1, 64)), nil
	}
	format := byte('f')
	if abs < 1e-6 || abs >= 1e21 {
		format = 'e'
	}
	b := strconv.AppendFloat(nil, f, format, -1, 64)
	if format == 'e' {
		// e-09 -> e-9, matching ECMAScript number serialization
		n := len(b)
		if n >= 4 && b[n-4] == 'e' && b[n-3] == '-' && b[n-2] == '0' {
			b[n-2] = b[n-1]
			b = b[:n-1]
		}
	}
	return Number(b), nil
}

// ParseNumber normalizes a decimal literal (as produced by json.Number).
func ParseNumber(s string) (Number, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(n), nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Number(strconv.FormatUint(u, 10)), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Float(f)
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's native string order compares UTF-8 bytes and differs for
// characters outside the BMP.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// FromJSON decodes a single JSON document into a canonical value.
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return fromDecoded(raw)
}

func fromDecoded(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		return ParseNumber(string(val))
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			cv, err := fromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = cv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			cv, err := fromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = cv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported decoded type: %T", v)
	}
}

// FromGo converts an arbitrary Go value into a canonical value.
//
// Scalars take a fast path. Everything else goes through encoding/json, so
// struct tags and json.Marshaler implementations decide the shape, and map
// keys of any kind become strings.
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
		return Int(int64(val)), nil
	case int8:
		return Int(int64(val)), nil
	case int16:
		return Int(int64(val)), nil
	case int32:
		return Int(int64(val)), nil
	case int64:
		return Int(val), nil
	case uint:
		return ParseNumber(strconv.FormatUint(uint64(val), 10))
	case uint8:
		return Int(int64(val)), nil
	case uint16:
		return Int(int64(val)), nil
	case uint32:
		return Int(int64(val)), nil
	case uint64:
		return ParseNumber(strconv.FormatUint(val, 10))
	case float32:
		return Float(float64(val))
	case float64:
		return Float(val)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return FromJSON(data)
}
