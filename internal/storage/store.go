package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned when a referenced document does not exist.
var ErrNotFound = errors.New("document not found")

// Store is the document-store contract shared by every backend.
type Store interface {
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	PutRequest(ctx context.Context, r *models.Request) error
	// MarkNoWorkersAvailable sets noWorkersAvailable=true and lastUpdated=at.
	MarkNoWorkersAvailable(ctx context.Context, id string, at time.Time) error
	// RecordMatch writes the candidate ranking, the notified worker and
	// moves the request to driver_notified. Last writer wins.
	RecordMatch(ctx context.Context, id string, rec models.MatchRecord) error
	// CompletedRequestsSince returns completed requests with createdAt >= since.
	CompletedRequestsSince(ctx context.Context, since time.Time) ([]models.Request, error)

	PutWorker(ctx context.Context, w *models.Worker) error
	// AvailableWorkers returns workers with isOnline && isAvailable in a
	// stable order.
	AvailableWorkers(ctx context.Context) ([]models.Worker, error)

	// RunInTransaction runs fn as one serializable read-modify-write. If fn
	// returns an error nothing it wrote is committed.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ReplaceHotspots publishes hs as the new current set under generation.
	// Readers observe either the previous or the new set, never a mix.
	ReplaceHotspots(ctx context.Context, generation string, hs []models.Hotspot) error
	ListHotspots(ctx context.Context) ([]models.Hotspot, error)

	Close() error
}

// Tx is the view of the store inside RunInTransaction. All reads must
// happen before the first write.
type Tx interface {
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	UpdateWorkerRating(ctx context.Context, id string, u models.RatingUpdate) error
	MarkRatingProcessed(ctx context.Context, requestID string, at time.Time) error
}
