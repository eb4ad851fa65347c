package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	MinRating     = 1
	MaxRating     = 5
	DefaultRating = 5.0
)

var (
	ErrInvalidRating = errors.New("reputation: rating out of range")
	ErrMissingWorker = errors.New("reputation: trip has no worker")
)

type Store interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error
}

type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeApplied   Outcome = "applied"
)

type Result struct {
	Outcome     Outcome
	WorkerID    string
	Rating      float64
	RatingCount int
}

type Service struct {
	Store  Store
	Now    func() time.Time
	Logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{Store: store, Now: time.Now, Logger: logger}
}

// Round1 rounds to one decimal place, halves away from zero.
func Round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// NewRating folds one more rating into a running mean.
func NewRating(current float64, count, userRating int) (float64, int) {
	total := current*float64(count) + float64(userRating)
	n := count + 1
	return Round1(total / float64(n)), n
}

// ratingAttached reports whether this update is the one that first put a
// rating on a completed trip.
func ratingAttached(before, after *models.Request) bool {
	if after == nil || after.Status != models.StatusCompleted || after.UserRating == nil {
		return false
	}
	return before == nil || before.UserRating == nil
}

// ApplyRating folds the trip's new user rating into its worker's score.
// The worker update and the trip's ratingProcessed flag commit together;
// a redelivered event finds the flag set and changes nothing.
func (s *Service) ApplyRating(ctx context.Context, tripID string, before, after *models.Request) (Result, error) {
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if !ratingAttached(before, after) {
		return Result{Outcome: OutcomeSkipped}, nil
	}
	userRating := *after.UserRating
	if userRating < MinRating || userRating > MaxRating {
		observability.RatingsAppliedTotal.WithLabelValues("invalid").Inc()
		return Result{}, fmt.Errorf("trip %s rating %d: %w", tripID, userRating, ErrInvalidRating)
	}
	workerID := after.WorkerID
	if workerID == "" {
		observability.RatingsAppliedTotal.WithLabelValues("invalid").Inc()
		return Result{}, fmt.Errorf("trip %s: %w", tripID, ErrMissingWorker)
	}

	var res Result
	err := s.Store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		trip, err := tx.GetRequest(ctx, tripID)
		if err != nil {
			return err
		}
		if trip.RatingProcessed {
			res = Result{Outcome: OutcomeDuplicate, WorkerID: workerID}
			return nil
		}
		w, err := tx.GetWorker(ctx, workerID)
		if err != nil {
			return err
		}
		current := DefaultRating
		if w.Rating != nil {
			current = *w.Rating
		}
		rating, count := NewRating(current, w.RatingCount, userRating)
		now := s.Now()
		if err := tx.UpdateWorkerRating(ctx, workerID, models.RatingUpdate{Rating: rating, RatingCount: count, RatedAt: now}); err != nil {
			return err
		}
		if err := tx.MarkRatingProcessed(ctx, tripID, now); err != nil {
			return err
		}
		s.Logger.Info("updated worker rating",
			"trip_id", tripID, "worker_id", workerID,
			"from", current, "to", rating, "rating_count", count)
		res = Result{Outcome: OutcomeApplied, WorkerID: workerID, Rating: rating, RatingCount: count}
		return nil
	})
	if err != nil {
		observability.RatingsAppliedTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("apply rating for trip %s: %w", tripID, err)
	}
	observability.RatingsAppliedTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}
