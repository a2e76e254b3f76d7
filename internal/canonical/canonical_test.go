package canonical

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int", int64(-100), "-100"},
		{"zero", 0, "0"},
		{"max int64", int64(math.MaxInt64), "9223372036854775807"},
		{"max uint64", uint64(math.MaxUint64), "18446744073709551615"},
		{"integral float", 1.0, "1"},
		{"negative zero", math.Copysign(0, -1), "0"},
		{"fraction", 0.5, "0.5"},
		{"tiny float", 1e-7, "1e-7"},
		{"huge float", 1e21, "1e+21"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"nil", nil, "null"},
		{"empty slice", []int{}, "[]"},
		{"empty map", map[string]int{}, "{}"},
		{"slice of ints", []int{1, 2, 3}, "[1,2,3]"},
		{"simple map", map[string]int{"a": 1}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalGo(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalSortsKeysRecursively(t *testing.T) {
	in := map[string]any{
		"z": map[string]any{"b": 1, "a": 2},
		"a": 3,
	}

	result, err := MarshalGo(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(result))
}

func TestMarshalUTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates D83D DE00, which sort before U+FF5E in UTF-16
	// but after it in UTF-8.
	obj := Object{
		"\uFF5E":     Int(1),
		"\U0001F600": Int(2),
	}

	result, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uFF5E\":1}", string(result))
}

func TestMarshalStringEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"html stays literal", "<a&b>", `"<a&b>"`},
		{"quote and backslash", `"\`, `"\"\\"`},
		{"newline and tab", "a\nb\tc", `"a\nb\tc"`},
		{"control char", "\x01", `"\u0001"`},
		{"line separator literal", "\u2028", "\"\u2028\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Marshal(String(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalNFC(t *testing.T) {
	// "e" + combining acute accent normalizes to the precomposed U+00E9.
	decomposed, err := MarshalGo("e\u0301")
	require.NoError(t, err)
	precomposed, err := MarshalGo("\u00e9")
	require.NoError(t, err)

	assert.Equal(t, string(precomposed), string(decomposed))
}

func TestFromGoStructUsesJSONTags(t *testing.T) {
	type point struct {
		X int    `json:"x"`
		Y int    `json:"y"`
		L string `json:"label,omitempty"`
	}

	result, err := MarshalGo(point{Y: 2, X: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"x":1,"y":2}`, string(result))
}

func TestFromGoIntAndFloatCollide(t *testing.T) {
	a, err := MarshalGo(map[string]any{"n": 3})
	require.NoError(t, err)
	b, err := MarshalGo(map[string]any{"n": 3.0})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
}

func TestFromGoNonFinite(t *testing.T) {
	_, err := FromGo(math.NaN())
	assert.Error(t, err)

	_, err = FromGo(math.Inf(1))
	assert.Error(t, err)
}

func TestFromJSONRejectsTrailingData(t *testing.T) {
	_, err := FromJSON([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestParseNumberNormalizes(t *testing.T) {
	tests := []struct {
		input    string
		expected Number
	}{
		{"1", "1"},
		{"1.0", "1"},
		{"1.50", "1.5"},
		{"1e2", "100"},
		{"-0.0", "0"},
		{"123456789012345678901234", "1.2345678901234568e+23"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			n, err := ParseNumber(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, n)
		})
	}
}

func TestHashWithDomainSeparatesDomains(t *testing.T) {
	data := []byte(`"same"`)

	key := HashWithDomain(DomainKey, data)
	fn := HashWithDomain(DomainFunction, data)

	assert.Len(t, key, 64)
	assert.NotEqual(t, key, fn)
	assert.Equal(t, key, HashWithDomain(DomainKey, data))
}
