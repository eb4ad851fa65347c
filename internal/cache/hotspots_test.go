package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// setupMiniredis creates a new miniredis server and returns a Redis client connected to it
func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type countingLister struct {
	hs    []models.Hotspot
	err   error
	calls int
}

func (c *countingLister) ListHotspots(context.Context) ([]models.Hotspot, error) {
	c.calls++
	return c.hs, c.err
}

func TestHotspotCache_GetSetInvalidate(t *testing.T) {
	mr, client := setupMiniredis(t)
	c := NewHotspotCache(client, time.Minute)
	ctx := context.Background()

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	_, ok, err := c.Get(ctx, v)
	require.NoError(t, err)
	assert.False(t, ok)

	hs := []models.Hotspot{{ID: "hotspot_0", Center: geo.Point{Lat: 1, Lng: 2}, TripCount: 4, Intensity: models.IntensityLow}}
	require.NoError(t, c.Set(ctx, v, hs))
	assert.Equal(t, time.Minute, mr.TTL(entryKey(v)))

	got, ok, err := c.Get(ctx, v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, hs[0].ID, got[0].ID)
	assert.Equal(t, 4, got[0].TripCount)

	require.NoError(t, c.Invalidate(ctx))
	v, err = c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	_, ok, err = c.Get(ctx, v)
	require.NoError(t, err)
	assert.False(t, ok, "a new version starts empty")

	require.NoError(t, c.Set(ctx, v, hs))
	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, v)
	require.NoError(t, err)
	assert.False(t, ok, "entry expires after the ttl")
}

// publishingLister returns the set it holds, then runs onRead, mimicking a
// publish that lands between the store read and the cache fill.
type publishingLister struct {
	hs     []models.Hotspot
	calls  int
	onRead func()
}

func (p *publishingLister) ListHotspots(context.Context) ([]models.Hotspot, error) {
	p.calls++
	hs := p.hs
	if p.onRead != nil {
		p.onRead()
		p.onRead = nil
	}
	return hs, nil
}

func TestReadThrough_FillRacingPublishIsNotServed(t *testing.T) {
	_, client := setupMiniredis(t)
	c := NewHotspotCache(client, time.Hour)
	ctx := context.Background()
	store := &publishingLister{hs: []models.Hotspot{{ID: "hotspot_0", TripCount: 1}}}
	store.onRead = func() {
		store.hs = []models.Hotspot{{ID: "hotspot_0", TripCount: 9}}
		require.NoError(t, c.Invalidate(ctx))
	}
	rt := NewReadThrough(store, c, nil)

	hs, err := rt.ListHotspots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, hs[0].TripCount)

	hs, err = rt.ListHotspots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, hs[0].TripCount, "the stale fill must not survive the publish")
	assert.Equal(t, 2, store.calls)

	_, err = rt.ListHotspots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}

func TestReadThrough_FillsOnMiss(t *testing.T) {
	_, client := setupMiniredis(t)
	store := &countingLister{hs: []models.Hotspot{{ID: "hotspot_0"}}}
	rt := NewReadThrough(store, NewHotspotCache(client, 0), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		hs, err := rt.ListHotspots(ctx)
		require.NoError(t, err)
		require.Len(t, hs, 1)
	}
	assert.Equal(t, 1, store.calls)
}

func TestReadThrough_CachesEmptySet(t *testing.T) {
	_, client := setupMiniredis(t)
	store := &countingLister{hs: []models.Hotspot{}}
	rt := NewReadThrough(store, NewHotspotCache(client, 0), nil)

	hs, err := rt.ListHotspots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hs)
	hs, err = rt.ListHotspots(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, hs)
	assert.Equal(t, 1, store.calls)
}

func TestReadThrough_FallsBackWhenRedisIsDown(t *testing.T) {
	mr, client := setupMiniredis(t)
	mr.Close()
	store := &countingLister{hs: []models.Hotspot{{ID: "hotspot_0"}}}
	rt := NewReadThrough(store, NewHotspotCache(client, 0), nil)

	hs, err := rt.ListHotspots(context.Background())
	require.NoError(t, err)
	assert.Len(t, hs, 1)
}

func TestReadThrough_StoreError(t *testing.T) {
	_, client := setupMiniredis(t)
	boom := errors.New("firestore unavailable")
	rt := NewReadThrough(&countingLister{err: boom}, NewHotspotCache(client, 0), nil)

	_, err := rt.ListHotspots(context.Background())
	assert.ErrorIs(t, err, boom)
}
