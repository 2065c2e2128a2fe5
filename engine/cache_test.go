package engine

import (
	"context"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyar/librecur/storage"
	"github.com/halcyar/librecur/storage/memory"
)

func TestMaterializeCache_GetSet(t *testing.T) {
	c := newMaterializeCache(CacheConfig{TTL: time.Minute, MaxEntries: 10, CleanupInterval: time.Minute})
	defer c.Close()

	ws, we := anchor, twoWeeks
	_, ok := c.Get("s1", ws, we)
	assert.False(t, ok)

	instances := []Instance{{SeriesID: "s1", Start: anchor, Extra: map[string]string{"k": "v"}}}
	c.Set("s1", ws, we, instances)

	got, ok := c.Get("s1", ws, we)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.True(t, got[0].Start.Equal(anchor))

	// Different windows are different entries.
	_, ok = c.Get("s1", ws, we.Add(time.Hour))
	assert.False(t, ok)
	_, ok = c.Get("s2", ws, we)
	assert.False(t, ok)
}

func TestMaterializeCache_CloneOnRead(t *testing.T) {
	c := newMaterializeCache(CacheConfig{TTL: time.Minute, MaxEntries: 10, CleanupInterval: time.Minute})
	defer c.Close()

	c.Set("s1", anchor, twoWeeks, []Instance{{SeriesID: "s1", Title: "orig", Extra: map[string]string{"k": "v"}}})

	got, ok := c.Get("s1", anchor, twoWeeks)
	require.True(t, ok)
	got[0].Title = "mutated"
	got[0].Extra["k"] = "mutated"

	fresh, ok := c.Get("s1", anchor, twoWeeks)
	require.True(t, ok)
	assert.Equal(t, "orig", fresh[0].Title)
	assert.Equal(t, "v", fresh[0].Extra["k"])
}

func TestMaterializeCache_Expiry(t *testing.T) {
	c := newMaterializeCache(CacheConfig{TTL: 10 * time.Millisecond, MaxEntries: 10, CleanupInterval: time.Minute})
	defer c.Close()

	c.Set("s1", anchor, twoWeeks, []Instance{{SeriesID: "s1"}})
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("s1", anchor, twoWeeks)
	assert.False(t, ok)
}

func TestMaterializeCache_InvalidateSeries(t *testing.T) {
	c := newMaterializeCache(CacheConfig{TTL: time.Minute, MaxEntries: 10, CleanupInterval: time.Minute})
	defer c.Close()

	c.Set("s1", anchor, twoWeeks, []Instance{{SeriesID: "s1"}})
	c.Set("s1", anchor, twoWeeks.AddDate(0, 0, 7), []Instance{{SeriesID: "s1"}})
	c.Set("s2", anchor, twoWeeks, []Instance{{SeriesID: "s2"}})

	c.InvalidateSeries("s1")

	_, ok := c.Get("s1", anchor, twoWeeks)
	assert.False(t, ok)
	_, ok = c.Get("s1", anchor, twoWeeks.AddDate(0, 0, 7))
	assert.False(t, ok)
	_, ok = c.Get("s2", anchor, twoWeeks)
	assert.True(t, ok, "other series stay cached")
}

func TestMaterializeCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newMaterializeCache(CacheConfig{TTL: time.Minute, MaxEntries: 2, CleanupInterval: time.Minute})
	defer c.Close()

	c.Set("s1", anchor, twoWeeks, []Instance{{SeriesID: "s1"}})
	c.Set("s2", anchor, twoWeeks, []Instance{{SeriesID: "s2"}})

	// Touch s1 so s2 becomes the eviction victim.
	_, ok := c.Get("s1", anchor, twoWeeks)
	require.True(t, ok)

	c.Set("s3", anchor, twoWeeks, []Instance{{SeriesID: "s3"}})

	_, ok = c.Get("s1", anchor, twoWeeks)
	assert.True(t, ok)
	_, ok = c.Get("s3", anchor, twoWeeks)
	assert.True(t, ok)
	_, ok = c.Get("s2", anchor, twoWeeks)
	assert.False(t, ok)
}

func TestEngine_CacheInvalidatedByMutation(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := NewWithConfig(store, Config{CacheEnabled: true, CacheConfig: DefaultCacheConfig})
	t.Cleanup(e.Close)

	rule := mustRule(t, time.Monday, time.Wednesday)
	id, err := e.CreateSeries(ctx, storage.Template{Title: "standup", Start: anchor, Duration: duration}, rule)
	require.NoError(t, err)

	before, err := e.Materialize(ctx, id, anchor, twoWeeks)
	require.NoError(t, err)
	require.Len(t, before, 4)

	// An instance-level edit must not be masked by a cached window, even
	// though it bumps no series version.
	require.NoError(t, e.DeleteInstance(ctx, id, jan8, ScopeInstance))

	after, err := e.Materialize(ctx, id, anchor, twoWeeks)
	require.NoError(t, err)
	assertStarts(t, after, anchor, jan13, jan15)
}

func TestEngine_CacheInvalidatedOnBothSplitSeries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := NewWithConfig(store, Config{CacheEnabled: true, CacheConfig: DefaultCacheConfig})
	t.Cleanup(e.Close)

	rule := mustRule(t, time.Monday, time.Wednesday)
	id, err := e.CreateSeries(ctx, storage.Template{Title: "standup", Start: anchor, Duration: duration}, rule)
	require.NoError(t, err)

	_, err = e.Materialize(ctx, id, anchor, twoWeeks)
	require.NoError(t, err)

	require.NoError(t, e.EditInstance(ctx, id, jan13, ScopeFollowing, Changes{
		Overrides: storage.FieldOverrides{Title: mo.Some("part two")},
	}))

	after, err := e.Materialize(ctx, id, anchor, twoWeeks)
	require.NoError(t, err)
	assertStarts(t, after, anchor, jan8)
}
