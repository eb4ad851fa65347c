package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	DefaultRadiusKm         = 5.0
	DefaultExpiresInSeconds = 20
	defaultDisplayName      = "Driver"
)

// ErrInvalidPickup is returned when the request has no usable pickup point.
var ErrInvalidPickup = errors.New("matcher: request has no valid pickup coordinates")

// Store is the slice of the document store a matching pass touches.
type Store interface {
	AvailableWorkers(ctx context.Context) ([]models.Worker, error)
	MarkNoWorkersAvailable(ctx context.Context, id string, at time.Time) error
	RecordMatch(ctx context.Context, id string, rec models.MatchRecord) error
}

// Notifier delivers one push message to a device token.
type Notifier interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeNoWorkers Outcome = "no_workers"
	OutcomeNotified  Outcome = "driver_notified"
)

// Result describes what a matching pass did.
type Result struct {
	Outcome          Outcome
	Candidates       []models.Candidate
	NotifiedWorkerID string
	// Delivered is false when the closest candidate had no token or the
	// push failed. The request state has advanced either way.
	Delivered bool
}

type Service struct {
	Store            Store
	Notify           Notifier
	RadiusKm         float64
	ExpiresInSeconds int
	Now              func() time.Time
	Logger           *slog.Logger
}

func (s *Service) defaults() {
	if s.RadiusKm <= 0 {
		s.RadiusKm = DefaultRadiusKm
	}
	if s.ExpiresInSeconds <= 0 {
		s.ExpiresInSeconds = DefaultExpiresInSeconds
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
}

// Match runs one matching pass for request id using the given snapshot.
// Requests that are not searching are left untouched. At most one
// candidate, the closest, is notified.
func (s *Service) Match(ctx context.Context, id string, req *models.Request) (Result, error) {
	s.defaults()
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	log := s.Logger.With("trip_id", id)
	if req == nil || req.Status != models.StatusSearching {
		status := ""
		if req != nil {
			status = string(req.Status)
		}
		log.Debug("trip not in searching status", "status", status)
		observability.MatchPassesTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		return Result{Outcome: OutcomeSkipped}, nil
	}
	pickup, ok := req.Pickup.Coords()
	if !ok {
		return Result{}, fmt.Errorf("trip %s: %w", id, ErrInvalidPickup)
	}

	workers, err := s.Store.AvailableWorkers(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("query available workers: %w", err)
	}
	candidates := rank(pickup, workers, s.RadiusKm)
	log.Info("ranked nearby workers", "available", len(workers), "nearby", len(candidates))

	if len(candidates) == 0 {
		if err := s.Store.MarkNoWorkersAvailable(ctx, id, s.Now()); err != nil {
			return Result{}, fmt.Errorf("mark no workers available: %w", err)
		}
		observability.MatchPassesTotal.WithLabelValues(string(OutcomeNoWorkers)).Inc()
		return Result{Outcome: OutcomeNoWorkers}, nil
	}

	closest := candidates[0]
	if err := s.Store.RecordMatch(ctx, id, models.MatchRecord{
		Candidates:       candidates,
		NotifiedWorkerID: closest.WorkerID,
		NotificationTime: s.Now(),
	}); err != nil {
		return Result{}, fmt.Errorf("record match: %w", err)
	}
	observability.MatchPassesTotal.WithLabelValues(string(OutcomeNotified)).Inc()

	res := Result{Outcome: OutcomeNotified, Candidates: candidates, NotifiedWorkerID: closest.WorkerID}
	if closest.NotificationToken == "" {
		log.Warn("closest worker has no notification token", "worker_id", closest.WorkerID)
		return res, nil
	}
	msg := buildNotification(id, req, pickup, closest, s.ExpiresInSeconds)
	if err := s.Notify.Send(ctx, closest.NotificationToken, msg.Title, msg.Body, msg.Data); err != nil {
		observability.NotificationFailuresTotal.Inc()
		log.Warn("notification delivery failed", "worker_id", closest.WorkerID, "error", err)
		return res, nil
	}
	res.Delivered = true
	log.Info("notification sent", "worker_id", closest.WorkerID)
	return res, nil
}

// Refresh re-runs matching when the update is an explicit search refresh.
func (s *Service) Refresh(ctx context.Context, id string, before, after *models.Request) (Result, error) {
	s.defaults()
	if !ShouldRefresh(before, after) {
		return Result{Outcome: OutcomeSkipped}, nil
	}
	s.Logger.Info("refreshing worker search", "trip_id", id, "search_attempts", after.SearchAttempts)
	return s.Match(ctx, id, after)
}

// ShouldRefresh reports whether an update moved searchRefreshedAt forward
// on a request that is still searching.
func ShouldRefresh(before, after *models.Request) bool {
	if after == nil || after.Status != models.StatusSearching || after.SearchRefreshedAt == nil {
		return false
	}
	if before == nil || before.SearchRefreshedAt == nil {
		return true
	}
	return after.SearchRefreshedAt.After(*before.SearchRefreshedAt)
}

// rank keeps workers within radiusKm of pickup, closest first. Equal
// distances keep query order.
func rank(pickup geo.Point, workers []models.Worker, radiusKm float64) []models.Candidate {
	var out []models.Candidate
	for _, w := range workers {
		if w.Location == nil {
			continue
		}
		loc, ok := w.Location.Coords()
		if !ok {
			continue
		}
		d := geo.DistanceKm(pickup, loc)
		if d > radiusKm {
			continue
		}
		name := w.DisplayName
		if name == "" {
			name = defaultDisplayName
		}
		out = append(out, models.Candidate{
			WorkerID:          w.ID,
			Distance:          d,
			NotificationToken: w.NotificationToken,
			DisplayName:       name,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}
