package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	hotspotsKeyPrefix = "hotspots:current:"
	versionKey        = "hotspots:version"
	DefaultTTL        = 5 * time.Minute
)

// HotspotCache stores the published hotspot list as one JSON value per
// cache version. Invalidate bumps the version, so a fill that read the
// store before a publish lands under a version nobody reads any more.
type HotspotCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewHotspotCache(client *redis.Client, ttl time.Duration) *HotspotCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &HotspotCache{client: client, ttl: ttl}
}

func entryKey(version int64) string {
	return hotspotsKeyPrefix + strconv.FormatInt(version, 10)
}

// Version returns the current cache version, 0 before the first Invalidate.
func (c *HotspotCache) Version(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, versionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get hotspot version: %w", err)
	}
	return v, nil
}

// Get returns ok=false on a miss.
func (c *HotspotCache) Get(ctx context.Context, version int64) ([]models.Hotspot, bool, error) {
	b, err := c.client.Get(ctx, entryKey(version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get hotspots: %w", err)
	}
	var hs []models.Hotspot
	if err := json.Unmarshal(b, &hs); err != nil {
		return nil, false, fmt.Errorf("decode cached hotspots: %w", err)
	}
	return hs, true, nil
}

func (c *HotspotCache) Set(ctx context.Context, version int64, hs []models.Hotspot) error {
	b, err := json.Marshal(hs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entryKey(version), b, c.ttl).Err()
}

func (c *HotspotCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, versionKey).Err()
}

type hotspotLister interface {
	ListHotspots(ctx context.Context) ([]models.Hotspot, error)
}

// ReadThrough serves hotspot reads from the cache and fills it from the
// store on a miss. Cache failures fall back to the store.
type ReadThrough struct {
	store  hotspotLister
	cache  *HotspotCache
	logger *slog.Logger
}

func NewReadThrough(store hotspotLister, c *HotspotCache, logger *slog.Logger) *ReadThrough {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadThrough{store: store, cache: c, logger: logger}
}

func (r *ReadThrough) ListHotspots(ctx context.Context) ([]models.Hotspot, error) {
	version, err := r.cache.Version(ctx)
	if err != nil {
		r.logger.Warn("hotspot cache read failed", "error", err)
		return r.store.ListHotspots(ctx)
	}
	hs, ok, err := r.cache.Get(ctx, version)
	if err != nil {
		r.logger.Warn("hotspot cache read failed", "error", err)
	}
	if ok {
		return hs, nil
	}
	hs, err = r.store.ListHotspots(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, version, hs); err != nil {
		r.logger.Warn("hotspot cache write failed", "error", err)
	}
	return hs, nil
}
