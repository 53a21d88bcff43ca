package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocknity/fault"
	"stocknity/models"
)

func TestCacheKeyScheme(t *testing.T) {
	key, err := models.CacheKey(models.DataTypeScreenerRows, models.Dimensions{Index: "S&P 500", Sector: "Energy"})
	require.NoError(t, err)
	assert.Equal(t, "screener:S&P 500:Energy", key)

	key, err = models.CacheKey(models.DataTypeTimeSeriesReturns, models.Dimensions{Index: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "timeseries-returns", key)

	key, err = models.CacheKey(models.DataTypeSectorAverages, models.Dimensions{})
	require.NoError(t, err)
	assert.Equal(t, "sector-averages", key)

	key, err = models.CacheKey(models.DataTypeDerivedScore, models.Dimensions{ScoreKind: "strength", Sector: "Energy", Index: "DJIA"})
	require.NoError(t, err)
	assert.Equal(t, "derived-score:strength:Energy:DJIA", key)

	_, err = models.CacheKey(models.DataTypeScreenerRows, models.Dimensions{Index: "DJIA"})
	assert.ErrorIs(t, err, fault.ErrInvalidDimensions)

	_, err = models.CacheKey("bogus", models.Dimensions{})
	assert.ErrorIs(t, err, fault.ErrInvalidDimensions)
}

func TestCacheKeyRejectsAmbiguousDimensions(t *testing.T) {
	cases := []struct {
		name     string
		dataType models.DataType
		dims     models.Dimensions
	}{
		{"separator in index", models.DataTypeScreenerRows, models.Dimensions{Index: "DJIA:Energy", Sector: "Any"}},
		{"separator in sector", models.DataTypeScreenerRows, models.Dimensions{Index: "DJIA", Sector: "Energy:Any"}},
		{"blank sector", models.DataTypeScreenerRows, models.Dimensions{Index: "DJIA", Sector: "   "}},
		{"separator in kind", models.DataTypeDerivedScore, models.Dimensions{ScoreKind: "a:b", Sector: "Energy", Index: "DJIA"}},
		{"blank index", models.DataTypeDerivedScore, models.Dimensions{ScoreKind: "strength", Sector: "Energy", Index: " "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := models.CacheKey(tc.dataType, tc.dims)
			assert.ErrorIs(t, err, fault.ErrInvalidDimensions)
		})
	}

	// every accepted key parses back to the same dimensions
	for _, dims := range models.Combinations() {
		key, err := models.CacheKey(models.DataTypeScreenerRows, dims)
		require.NoError(t, err)
		_, parsed, ok := models.ParseKey(key)
		require.True(t, ok, key)
		assert.Equal(t, dims, parsed)
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	for _, dims := range models.Combinations() {
		key := models.ScreenerKey(dims.Index, dims.Sector)
		dataType, parsed, ok := models.ParseKey(key)
		require.True(t, ok, key)
		assert.Equal(t, models.DataTypeScreenerRows, dataType)
		assert.Equal(t, dims, parsed)
	}

	dataType, dims, ok := models.ParseKey("derived-score:strength:Energy:DJIA")
	require.True(t, ok)
	assert.Equal(t, models.DataTypeDerivedScore, dataType)
	assert.Equal(t, models.Dimensions{ScoreKind: "strength", Sector: "Energy", Index: "DJIA"}, dims)

	_, _, ok = models.ParseKey("screener:DJIA")
	assert.False(t, ok)
	_, _, ok = models.ParseKey("unknown:thing")
	assert.False(t, ok)
}

func TestCombinations(t *testing.T) {
	combos := models.Combinations()
	assert.Len(t, combos, 24)
	assert.Equal(t, models.Dimensions{Index: "DJIA", Sector: "Basic Materials"}, combos[0])
	assert.Equal(t, models.Dimensions{Index: "S&P 500", Sector: "Any"}, combos[23])
}

func TestTTLPolicyDefaults(t *testing.T) {
	p := models.DefaultTTLPolicy()
	assert.Equal(t, 7*24*time.Hour, p.For(models.DataTypeScreenerRows))
	assert.Equal(t, 24*time.Hour, p.For(models.DataTypeTimeSeriesReturns))
	assert.Equal(t, 24*time.Hour, p.For(models.DataTypeSectorAverages))
	assert.Equal(t, 24*time.Hour, p.For(models.DataTypeDerivedScore))
	assert.Equal(t, 24*time.Hour, models.TTLPolicy{}.For(models.DataTypeScreenerRows))
}

func TestPriorityAndStatus(t *testing.T) {
	assert.True(t, models.PriorityUrgent > models.PriorityHigh)
	assert.True(t, models.PriorityHigh > models.PriorityNormal)
	assert.True(t, models.PriorityNormal > models.PriorityLow)

	p, err := models.ParsePriority("URGENT")
	require.NoError(t, err)
	assert.Equal(t, models.PriorityUrgent, p)
	_, err = models.ParsePriority("critical")
	assert.ErrorIs(t, err, fault.ErrInvalidPriority)

	assert.True(t, models.TaskCompleted.IsTerminal())
	assert.True(t, models.TaskFailed.IsTerminal())
	assert.False(t, models.TaskRetry.IsTerminal())
	assert.False(t, models.TaskPending.IsTerminal())
}
