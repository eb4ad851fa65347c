package hotspot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	DefaultLookback = 30 * 24 * time.Hour
	DefaultRadiusM  = 2000.0

	geohashPrecision = 6
)

type Store interface {
	CompletedRequestsSince(ctx context.Context, since time.Time) ([]models.Request, error)
	ReplaceHotspots(ctx context.Context, generation string, hs []models.Hotspot) error
}

// Invalidator drops cached hotspot reads after a new generation is published.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Result mirrors what the job endpoint reports.
type Result struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	HotspotsCount int    `json:"hotspotsCount"`
	Generation    string `json:"generation,omitempty"`
	Error         string `json:"error,omitempty"`
}

type Aggregator struct {
	Store    Store
	Cache    Invalidator
	GridSize float64
	MinTrips int
	RadiusM  float64
	Lookback time.Duration
	// NewGeneration mints generation ids; uuid by default.
	NewGeneration func() string
	Logger        *slog.Logger
}

func (a *Aggregator) defaults() {
	if a.GridSize <= 0 {
		a.GridSize = DefaultGridSize
	}
	if a.MinTrips <= 0 {
		a.MinTrips = DefaultMinTrips
	}
	if a.RadiusM <= 0 {
		a.RadiusM = DefaultRadiusM
	}
	if a.Lookback <= 0 {
		a.Lookback = DefaultLookback
	}
	if a.NewGeneration == nil {
		a.NewGeneration = uuid.NewString
	}
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
}

// Recompute rebuilds the hotspot set from completed trips created in the
// lookback window ending at now. When there is nothing to cluster the
// published set is left as it is.
func (a *Aggregator) Recompute(ctx context.Context, now time.Time) (Result, error) {
	a.defaults()
	since := now.Add(-a.Lookback)
	trips, err := a.Store.CompletedRequestsSince(ctx, since)
	if err != nil {
		observability.HotspotRunsTotal.WithLabelValues("error").Inc()
		return Result{Error: err.Error()}, fmt.Errorf("load completed trips: %w", err)
	}
	a.Logger.Info("loaded completed trips", "count", len(trips), "since", since)
	if len(trips) == 0 {
		observability.HotspotRunsTotal.WithLabelValues("empty").Inc()
		return Result{Success: true, Message: "No trips found"}, nil
	}

	points := make([]geo.Point, 0, len(trips))
	for _, t := range trips {
		if p, ok := t.Pickup.Coords(); ok {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		observability.HotspotRunsTotal.WithLabelValues("empty").Inc()
		return Result{Success: true, Message: "No valid pickup locations"}, nil
	}

	cells := Cluster(points, a.GridSize, a.MinTrips)
	hs := make([]models.Hotspot, len(cells))
	for i, c := range cells {
		hs[i] = models.Hotspot{
			ID:          fmt.Sprintf("hotspot_%d", i),
			GridX:       c.GridX,
			GridY:       c.GridY,
			Center:      c.Center,
			Radius:      a.RadiusM,
			TripCount:   c.Count,
			Intensity:   c.Intensity,
			Geohash:     geo.Geohash(c.Center, geohashPrecision),
			LastUpdated: now,
		}
	}

	gen := a.NewGeneration()
	if err := a.Store.ReplaceHotspots(ctx, gen, hs); err != nil {
		observability.HotspotRunsTotal.WithLabelValues("error").Inc()
		return Result{Error: err.Error()}, fmt.Errorf("replace hotspots: %w", err)
	}
	observability.HotspotRunsTotal.WithLabelValues("published").Inc()
	observability.HotspotsCurrent.Set(float64(len(hs)))
	a.Logger.Info("published hotspots", "generation", gen, "points", len(points), "hotspots", len(hs))

	if a.Cache != nil {
		if err := a.Cache.Invalidate(ctx); err != nil {
			a.Logger.Warn("hotspot cache invalidation failed", "error", err)
		}
	}
	return Result{Success: true, HotspotsCount: len(hs), Generation: gen}, nil
}
