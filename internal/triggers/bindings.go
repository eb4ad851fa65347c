package triggers

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/hotspot"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/reputation"
)

const (
	FindNearbyWorkers          = "findNearbyWorkers"
	RefreshNearbyWorkersSearch = "refreshNearbyWorkersSearch"
	UpdateWorkerRating         = "updateWorkerRating"
	CalculateHotspots          = "calculateHotspots"
)

// BindTrips registers the trip lifecycle handlers.
func BindTrips(r *Registry, m *matcher.Service, rep *reputation.Service) {
	r.On(TripCreated, FindNearbyWorkers, func(ctx context.Context, ev TripEvent) error {
		_, err := m.Match(ctx, ev.TripID, ev.After)
		return err
	})
	r.On(TripUpdated, RefreshNearbyWorkersSearch, func(ctx context.Context, ev TripEvent) error {
		_, err := m.Refresh(ctx, ev.TripID, ev.Before, ev.After)
		return err
	})
	r.On(TripUpdated, UpdateWorkerRating, func(ctx context.Context, ev TripEvent) error {
		_, err := rep.ApplyRating(ctx, ev.TripID, ev.Before, ev.After)
		return err
	})
}

// RunHotspotTimer recomputes hotspots every interval until ctx is done.
func RunHotspotTimer(ctx context.Context, r *Registry, agg *hotspot.Aggregator, interval time.Duration) {
	r.RunTimer(ctx, CalculateHotspots, interval, func(ctx context.Context, now time.Time) error {
		_, err := agg.Recompute(ctx, now)
		return err
	})
}
