package fingerprint

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

func doubleA(x int) int {
	// doubles its input
	return x * 2
}

func doubleB(x int) int {
	return x * 2 // same logic, different comment
}

func triple(x int) int {
	return x * 3
}

type labeled func(int) int

func (labeled) FunctionVersion() string { return "v2" }

type counter struct{ n int }

func (c *counter) Inc(x int) int {
	c.n++
	return x + c.n
}

func TestOfSourceIsStable(t *testing.T) {
	v1, tier := Of(triple)
	require.Equal(t, TierSource, tier)
	assert.Regexp(t, hex64, string(v1))

	v2, _ := Of(triple)
	assert.Equal(t, v1, v2)
}

func TestOfIgnoresCommentsAndName(t *testing.T) {
	a, _ := Of(doubleA)
	b, _ := Of(doubleB)
	assert.Equal(t, a, b)
}

func TestOfDetectsLogicChange(t *testing.T) {
	a, _ := Of(doubleA)
	c, _ := Of(triple)
	assert.NotEqual(t, a, c)
}

func TestOfClosures(t *testing.T) {
	plusOne := func(x int) int { return x + 1 }
	plusTwo := func(x int) int { return x + 2 }

	v1, tier := Of(plusOne)
	require.Equal(t, TierSource, tier)
	v2, _ := Of(plusTwo)
	assert.NotEqual(t, v1, v2)
}

func TestOfClosuresOnOneLineShareVersion(t *testing.T) {
	plusOne, timesTwo := func(x int) int { return x + 1 }, func(x int) int { return x * 2 }

	v1, tier := Of(plusOne)
	require.Equal(t, TierSource, tier)
	v2, _ := Of(timesTwo)
	assert.Equal(t, v1, v2)
}

func TestOfDeclared(t *testing.T) {
	var fn labeled = func(x int) int { return x }

	v, tier := Of(fn)
	assert.Equal(t, TierDeclared, tier)
	assert.Equal(t, Declared("v2"), v)
	assert.Regexp(t, hex64, string(v))
}

func TestDeclaredDiffersFromSource(t *testing.T) {
	assert.NotEqual(t, Declared("v1"), Declared("v2"))
}

func TestOfUnknown(t *testing.T) {
	tests := []struct {
		name string
		fn   any
	}{
		{"nil", nil},
		{"not a func", 42},
		{"nil func", (func(int) int)(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, tier := Of(tt.fn)
			assert.Equal(t, Unknown, v)
			assert.Equal(t, TierUnknown, tier)
			assert.True(t, v.IsUnknown())
		})
	}
}

func TestOfMethodValueNeverPanics(t *testing.T) {
	c := &counter{}
	v, tier := Of(c.Inc)
	if tier == TierSource {
		assert.Regexp(t, hex64, string(v))
	} else {
		assert.Equal(t, Unknown, v)
	}
}

func TestIsClosure(t *testing.T) {
	assert.True(t, isClosure("example.com/p.TestX.func1"))
	assert.True(t, isClosure("example.com/p.init.func3.2"))
	assert.False(t, isClosure("example.com/p.function"))
	assert.False(t, isClosure("example.com/p.doubleA"))
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "declared", TierDeclared.String())
	assert.Equal(t, "source", TierSource.String())
	assert.Equal(t, "unknown", TierUnknown.String())
}
