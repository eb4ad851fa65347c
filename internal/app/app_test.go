package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func memoryConfig() config.ServerConfig {
	return config.ServerConfig{
		StoreBackend:          config.StoreMemory,
		Notifier:              config.NotifierWS,
		MatchRadiusKm:         5,
		MatchExpiresInSeconds: 20,
		HotspotGridSize:       0.01,
		HotspotMinTrips:       1,
		HotspotRadiusM:        2000,
		HotspotLookback:       24 * time.Hour,
		HotspotCacheTTL:       time.Minute,
		LogLevel:              "error",
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestApp_ChangeFeedDrivesTriggers(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), quietLogger())
	require.NoError(t, err)
	defer a.Close()

	loc := models.NewPlace(40.0, -74.0, "")
	require.NoError(t, a.Store.PutWorker(ctx, &models.Worker{ID: "w1", IsOnline: true, IsAvailable: true, Location: &loc, DisplayName: "Ana"}))

	require.NoError(t, a.Store.PutRequest(ctx, &models.Request{
		ID: "t1", Status: models.StatusSearching, Pickup: models.NewPlace(40.001, -74.0, ""), CreatedAt: time.Now(),
	}))
	a.Drain()

	trip, err := a.Store.GetRequest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDriverNotified, trip.Status)
	assert.Equal(t, "w1", trip.NotifiedWorkerID)
	require.Len(t, trip.NearbyWorkers, 1)
	assert.Equal(t, "Ana", trip.NearbyWorkers[0].DisplayName)

	trip.Status = models.StatusCompleted
	trip.WorkerID = "w1"
	require.NoError(t, a.Store.PutRequest(ctx, trip))
	a.Drain()

	rated := trip.Clone()
	r := 4
	rated.UserRating = &r
	require.NoError(t, a.Store.PutRequest(ctx, rated))
	a.Drain()

	w, err := a.Store.(*storage.MemoryStore).GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, w.Rating)
	assert.Equal(t, 4.0, *w.Rating)
	assert.Equal(t, 1, w.RatingCount)

	trip, err = a.Store.GetRequest(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, trip.RatingProcessed)
}

func TestApp_HotspotsThroughCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.RedisAddr = mr.Addr()

	ctx := context.Background()
	a, err := New(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Ready(ctx))

	require.NoError(t, a.Store.PutRequest(ctx, &models.Request{
		ID: "t1", Status: models.StatusCompleted, Pickup: models.NewPlace(10.005, 20.005, ""), CreatedAt: time.Now(),
	}))
	a.Drain()

	res, err := a.Aggregator.Recompute(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.HotspotsCount)

	srv := httptest.NewServer(a.Handler)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/v1/hotspots")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Hotspots []models.Hotspot `json:"hotspots"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, models.IntensityLow, body.Hotspots[0].Intensity)
	assert.True(t, mr.Exists("hotspots:current:1"), "publish bumped the cache version")
}

func TestApp_NewConsumerNeedsBrokers(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), quietLogger())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.NewConsumer()
	assert.ErrorContains(t, err, "KAFKA_BROKERS")
}
