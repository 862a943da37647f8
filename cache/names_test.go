package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLTableLookup(t *testing.T) {
	table, err := NewTTLTable(time.Minute, map[Name]time.Duration{
		NutritionAdvice: 6 * time.Hour,
		Leaderboard:     0,
	})
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, table.Lookup(NutritionAdvice))
	assert.Equal(t, time.Minute, table.Lookup(Leaderboard), "zero falls back")
	assert.Equal(t, time.Minute, table.Lookup("unknown"))
	assert.Equal(t, time.Minute, table.Fallback())
	assert.Equal(t, []Name{Leaderboard, NutritionAdvice}, table.Names())
}

func TestTTLTableRejects(t *testing.T) {
	_, err := NewTTLTable(0, nil)
	assert.Error(t, err)
	_, err = NewTTLTable(time.Minute, map[Name]time.Duration{"": time.Minute})
	assert.Error(t, err)
	_, err = NewTTLTable(time.Minute, map[Name]time.Duration{Recipes: -time.Second})
	assert.Error(t, err)
	assert.Panics(t, func() { MustTTLTable(-1, nil) })
}

func TestTTLTableZeroValue(t *testing.T) {
	var table TTLTable
	assert.Equal(t, DefaultExpires, table.Lookup(Workouts))
	assert.Equal(t, DefaultExpires, table.Fallback())
	assert.Empty(t, table.Names())
}

func TestDefaultTTLs(t *testing.T) {
	table := MustTTLTable(DefaultExpires, DefaultTTLs())
	for _, name := range []Name{NutritionAdvice, FoodSearch, FoodItem, UpstreamNutrition, Leaderboard, Workouts, Recipes} {
		assert.Positive(t, table.Lookup(name), name)
	}
	assert.Equal(t, 6*time.Hour, table.Lookup(NutritionAdvice))
	assert.Equal(t, 15*time.Minute, table.Lookup(Leaderboard))
}
