package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/hotspot"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/reputation"
	"github.com/example/ride-dispatch/internal/storage"
)

func TestTripEvent_Validate(t *testing.T) {
	trip := &models.Request{ID: "t1"}
	testCases := []struct {
		name string
		ev   TripEvent
		ok   bool
	}{
		{"created", TripEvent{Kind: TripCreated, TripID: "t1", After: trip}, true},
		{"updated", TripEvent{Kind: TripUpdated, TripID: "t1", Before: trip, After: trip}, true},
		{"unknown kind", TripEvent{Kind: "deleted", TripID: "t1", After: trip}, false},
		{"no id", TripEvent{Kind: TripCreated, After: trip}, false},
		{"no after", TripEvent{Kind: TripCreated, TripID: "t1"}, false},
		{"update without before", TripEvent{Kind: TripUpdated, TripID: "t1", After: trip}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedEvent)
			}
		})
	}
}

func TestTripEvent_JSONShape(t *testing.T) {
	raw := `{"kind":"created","tripId":"t1","after":{"id":"t1","status":"searching","pickup":{"lat":1,"lng":2},"dropoff":{},"createdAt":"2026-01-01T00:00:00Z"},"occurredAt":"2026-01-01T00:00:01Z"}`
	var ev TripEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	require.NoError(t, ev.Validate())
	assert.Equal(t, models.StatusSearching, ev.After.Status)
	assert.Nil(t, ev.Before)
}

func TestRegistry_ContainsErrorsAndPanics(t *testing.T) {
	r := NewRegistry(nil)
	var ran []string
	r.On(TripUpdated, "fails", func(context.Context, TripEvent) error {
		ran = append(ran, "fails")
		return errors.New("store unavailable")
	})
	r.On(TripUpdated, "panics", func(context.Context, TripEvent) error {
		ran = append(ran, "panics")
		panic("nil map")
	})
	r.On(TripUpdated, "ok", func(context.Context, TripEvent) error {
		ran = append(ran, "ok")
		return nil
	})
	r.On(TripCreated, "other", func(context.Context, TripEvent) error {
		ran = append(ran, "other")
		return nil
	})

	assert.NotPanics(t, func() {
		r.Dispatch(context.Background(), TripEvent{Kind: TripUpdated, TripID: "t1"})
	})
	assert.Equal(t, []string{"fails", "panics", "ok"}, ran)
}

func TestRegistry_InvokeReturnsError(t *testing.T) {
	r := NewRegistry(nil)
	boom := errors.New("boom")
	assert.ErrorIs(t, r.Invoke(context.Background(), "job", func(context.Context) error { return boom }), boom)
	err := r.Invoke(context.Background(), "job", func(context.Context) error { panic("x") })
	assert.ErrorContains(t, err, "panic in job")
}

func TestRegistry_RunTimerStopsOnCancel(t *testing.T) {
	r := NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan struct{})
	go func() {
		r.RunTimer(ctx, "tick", 5*time.Millisecond, func(context.Context, time.Time) error {
			if ticks.Add(1) == 2 {
				return errors.New("one bad run")
			}
			return nil
		})
		close(done)
	}()
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestBindTrips_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	loc := models.NewPlace(37.001, -122.0, "")
	require.NoError(t, store.PutWorker(ctx, &models.Worker{ID: "w1", IsOnline: true, IsAvailable: true, Location: &loc}))

	r := NewRegistry(nil)
	BindTrips(r, &matcher.Service{Store: store, Notify: nopNotifier{}}, reputation.NewService(store, nil))

	trip := &models.Request{ID: "t1", Status: models.StatusSearching, Pickup: models.NewPlace(37, -122, "")}
	require.NoError(t, store.PutRequest(ctx, trip))
	r.Dispatch(ctx, TripEvent{Kind: TripCreated, TripID: "t1", After: trip})

	got, err := store.GetRequest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDriverNotified, got.Status)
	assert.Equal(t, "w1", got.NotifiedWorkerID)

	// complete and rate it
	before := got.Clone()
	before.Status = models.StatusCompleted
	before.WorkerID = "w1"
	after := before.Clone()
	rating := 3
	after.UserRating = &rating
	require.NoError(t, store.PutRequest(ctx, after))
	r.Dispatch(ctx, TripEvent{Kind: TripUpdated, TripID: "t1", Before: before, After: after})

	w, err := store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.RatingCount)
	assert.Equal(t, 3.0, *w.Rating)
}

func TestRunHotspotTimer(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.PutRequest(context.Background(), &models.Request{
		ID: "t1", Status: models.StatusCompleted, Pickup: models.NewPlace(1.005, 1.005, ""), CreatedAt: time.Now(),
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunHotspotTimer(ctx, NewRegistry(nil), &hotspot.Aggregator{Store: store}, 5*time.Millisecond)

	require.Eventually(t, func() bool { return store.HotspotGeneration() != "" }, time.Second, 5*time.Millisecond)
}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, string, string, string, map[string]string) error { return nil }
