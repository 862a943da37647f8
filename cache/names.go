package cache

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
)

// Name identifies a logical cache region. Each region has one default TTL.
type Name string

const (
	NutritionAdvice   Name = "nutritionAdvice"
	FoodSearch        Name = "foodSearch"
	FoodItem          Name = "foodItem"
	UpstreamNutrition Name = "upstreamNutrition"
	Leaderboard       Name = "leaderboard"
	Workouts          Name = "workouts"
	Recipes           Name = "recipes"
)

func (n Name) String() string {
	return string(n)
}

// DefaultTTLs is the stock TTL policy per region.
func DefaultTTLs() map[Name]time.Duration {
	return map[Name]time.Duration{
		NutritionAdvice:   6 * time.Hour,
		FoodSearch:        30 * time.Minute,
		FoodItem:          2 * time.Hour,
		UpstreamNutrition: 24 * time.Hour,
		Leaderboard:       15 * time.Minute,
		Workouts:          time.Hour,
		Recipes:           time.Hour,
	}
}

// TTLTable maps regions to their default TTL. It is built once at startup
// and passed to the facade; it is never mutated afterwards.
type TTLTable struct {
	fallback time.Duration
	ttls     map[Name]time.Duration
}

// NewTTLTable builds a table. fallback is returned for regions that are not
// listed or are listed with zero; it must be positive. Negative TTLs are rejected.
func NewTTLTable(fallback time.Duration, ttls map[Name]time.Duration) (TTLTable, error) {
	if fallback <= 0 {
		return TTLTable{}, errors.Newf("cache: fallback ttl must be positive, got %s", fallback)
	}
	out := make(map[Name]time.Duration, len(ttls))
	for name, ttl := range ttls {
		if name == "" {
			return TTLTable{}, errors.New("cache: ttl table has an empty cache name")
		}
		if ttl < 0 {
			return TTLTable{}, errors.Newf("cache: ttl for %q must not be negative, got %s", name, ttl)
		}
		out[name] = ttl
	}
	return TTLTable{fallback: fallback, ttls: out}, nil
}

// MustTTLTable is NewTTLTable that panics on error, for static tables.
func MustTTLTable(fallback time.Duration, ttls map[Name]time.Duration) TTLTable {
	t, err := NewTTLTable(fallback, ttls)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the TTL for name, or the fallback when name has none.
func (t TTLTable) Lookup(name Name) time.Duration {
	if ttl, ok := t.ttls[name]; ok && ttl > 0 {
		return ttl
	}
	if t.fallback > 0 {
		return t.fallback
	}
	return DefaultExpires
}

// Fallback returns the TTL used for unlisted regions.
func (t TTLTable) Fallback() time.Duration {
	if t.fallback > 0 {
		return t.fallback
	}
	return DefaultExpires
}

// Names returns the configured region names in sorted order.
func (t TTLTable) Names() []Name {
	names := make([]Name, 0, len(t.ttls))
	for n := range t.ttls {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
