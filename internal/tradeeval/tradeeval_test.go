package tradeeval

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rat(s string) *big.Rat {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		panic("bad rat literal: " + s)
	}
	return r
}

func TestNilExitAlwaysNil(t *testing.T) {
	assert.Nil(t, Evaluate(Up, rat("100"), nil, rat("5")))
}

func TestNonPositiveEntryAlwaysNil(t *testing.T) {
	assert.Nil(t, Evaluate(Up, rat("0"), rat("110"), rat("5")))
	assert.Nil(t, Evaluate(Up, rat("-1"), rat("110"), rat("5")))
}

func TestEqualEntryExitZeroThresholdIsNil(t *testing.T) {
	assert.Nil(t, Evaluate(Up, rat("100"), rat("100"), rat("0")))
	assert.Nil(t, Evaluate(Down, rat("100"), rat("100"), rat("0")))
	assert.Nil(t, Evaluate(Flat, rat("100"), rat("100"), rat("0")))
}

func TestUpThresholdBoundary(t *testing.T) {
	// exit*10000 > entry*(10000+100*5) => exit > entry*1.05
	result := Evaluate(Up, rat("100"), rat("105.01"), rat("5"))
	require.NotNil(t, result)
	assert.True(t, *result)

	result = Evaluate(Up, rat("100"), rat("105"), rat("5"))
	require.NotNil(t, result)
	assert.False(t, *result, "exactly at the boundary is not strictly up")
}

func TestDownThresholdBoundary(t *testing.T) {
	result := Evaluate(Down, rat("100"), rat("94.99"), rat("5"))
	require.NotNil(t, result)
	assert.True(t, *result)

	result = Evaluate(Down, rat("100"), rat("95"), rat("5"))
	require.NotNil(t, result)
	assert.False(t, *result)
}

func TestFlatWithinBand(t *testing.T) {
	result := Evaluate(Flat, rat("100"), rat("102"), rat("5"))
	require.NotNil(t, result)
	assert.True(t, *result)

	result = Evaluate(Flat, rat("100"), rat("106"), rat("5"))
	require.NotNil(t, result)
	assert.False(t, *result)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	entry, exit, threshold := rat("123.456789"), rat("129.1"), rat("2.5")
	first := Evaluate(Up, entry, exit, threshold)
	for i := 0; i < 50; i++ {
		again := Evaluate(Up, entry, exit, threshold)
		require.NotNil(t, again)
		assert.Equal(t, *first, *again)
	}
}
