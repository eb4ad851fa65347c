package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ChangeKind distinguishes trip change-feed events.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
)

// ChangeListener receives request snapshots after each committed write.
// before is nil for ChangeCreated.
type ChangeListener func(kind ChangeKind, id string, before, after *models.Request)

// MemoryStore keeps everything in process. Insertion order is preserved so
// query results are deterministic. One lock serializes writers, which is
// also what makes RunInTransaction serializable.
type MemoryStore struct {
	mu           sync.RWMutex
	requests     map[string]*models.Request
	requestOrder []string
	workers      map[string]*models.Worker
	workerOrder  []string
	generation   string
	hotspots     []models.Hotspot

	listenerMu sync.RWMutex
	listener   ChangeListener
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.Request),
		workers:  make(map[string]*models.Worker),
	}
}

// SetChangeListener installs fn as the trip change feed.
func (m *MemoryStore) SetChangeListener(fn ChangeListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = fn
}

type change struct {
	kind          ChangeKind
	id            string
	before, after *models.Request
}

func (m *MemoryStore) emit(changes ...change) {
	m.listenerMu.RLock()
	fn := m.listener
	m.listenerMu.RUnlock()
	if fn == nil {
		return
	}
	for _, c := range changes {
		fn(c.kind, c.id, c.before, c.after)
	}
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) PutRequest(_ context.Context, r *models.Request) error {
	m.mu.Lock()
	before, existed := m.requests[r.ID]
	if !existed {
		m.requestOrder = append(m.requestOrder, r.ID)
	}
	m.requests[r.ID] = r.Clone()
	after := r.Clone()
	m.mu.Unlock()

	if existed {
		m.emit(change{ChangeUpdated, r.ID, before, after})
	} else {
		m.emit(change{ChangeCreated, r.ID, nil, after})
	}
	return nil
}

// updateRequest applies fn to a copy of the stored request and commits it.
func (m *MemoryStore) updateRequest(id string, fn func(r *models.Request)) error {
	m.mu.Lock()
	cur, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	next := cur.Clone()
	fn(next)
	m.requests[id] = next
	after := next.Clone()
	m.mu.Unlock()

	m.emit(change{ChangeUpdated, id, cur, after})
	return nil
}

func (m *MemoryStore) MarkNoWorkersAvailable(_ context.Context, id string, at time.Time) error {
	return m.updateRequest(id, func(r *models.Request) {
		r.NoWorkersAvailable = true
		r.LastUpdated = &at
	})
}

func (m *MemoryStore) RecordMatch(_ context.Context, id string, rec models.MatchRecord) error {
	return m.updateRequest(id, func(r *models.Request) {
		r.NearbyWorkers = append([]models.Candidate(nil), rec.Candidates...)
		r.NotifiedWorkerID = rec.NotifiedWorkerID
		t := rec.NotificationTime
		r.NotificationTime = &t
		r.Status = models.StatusDriverNotified
	})
}

func (m *MemoryStore) CompletedRequestsSince(_ context.Context, since time.Time) ([]models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Request
	for _, id := range m.requestOrder {
		r := m.requests[id]
		if r.Status != models.StatusCompleted || r.CreatedAt.Before(since) {
			continue
		}
		out = append(out, *r.Clone())
	}
	return out, nil
}

func (m *MemoryStore) PutWorker(_ context.Context, w *models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.ID]; !ok {
		m.workerOrder = append(m.workerOrder, w.ID)
	}
	m.workers[w.ID] = w.Clone()
	return nil
}

// GetWorker is a point read outside of a transaction.
func (m *MemoryStore) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return w.Clone(), nil
}

func (m *MemoryStore) AvailableWorkers(_ context.Context) ([]models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Worker
	for _, id := range m.workerOrder {
		w := m.workers[id]
		if w.IsOnline && w.IsAvailable {
			out = append(out, *w.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	changes, err := m.commit(ctx, fn)
	if err != nil {
		return err
	}
	m.emit(changes...)
	return nil
}

// commit holds the store lock for the whole of fn. The lock is released
// even if fn panics.
func (m *MemoryStore) commit(ctx context.Context, fn func(ctx context.Context, tx Tx) error) ([]change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{store: m, workers: map[string]*models.Worker{}, requests: map[string]*models.Request{}}
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	var changes []change
	for id, w := range tx.workers {
		m.workers[id] = w
	}
	for id, r := range tx.requests {
		changes = append(changes, change{ChangeUpdated, id, m.requests[id], r.Clone()})
		m.requests[id] = r
	}
	return changes, nil
}

func (m *MemoryStore) ReplaceHotspots(_ context.Context, generation string, hs []models.Hotspot) error {
	next := append([]models.Hotspot(nil), hs...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation = generation
	m.hotspots = next
	return nil
}

func (m *MemoryStore) ListHotspots(_ context.Context) ([]models.Hotspot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Hotspot{}, m.hotspots...), nil
}

// HotspotGeneration returns the id of the currently published hotspot set.
func (m *MemoryStore) HotspotGeneration() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

func (m *MemoryStore) Close() error { return nil }

// memTx runs with the store lock held; writes are buffered until commit.
type memTx struct {
	store    *MemoryStore
	workers  map[string]*models.Worker
	requests map[string]*models.Request
}

func (t *memTx) GetRequest(_ context.Context, id string) (*models.Request, error) {
	if r, ok := t.requests[id]; ok {
		return r.Clone(), nil
	}
	r, ok := t.store.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (t *memTx) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	if w, ok := t.workers[id]; ok {
		return w.Clone(), nil
	}
	w, ok := t.store.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return w.Clone(), nil
}

func (t *memTx) UpdateWorkerRating(ctx context.Context, id string, u models.RatingUpdate) error {
	w, err := t.GetWorker(ctx, id)
	if err != nil {
		return err
	}
	rating := u.Rating
	at := u.RatedAt
	w.Rating = &rating
	w.RatingCount = u.RatingCount
	w.LastRatedAt = &at
	t.workers[id] = w
	return nil
}

func (t *memTx) MarkRatingProcessed(ctx context.Context, requestID string, at time.Time) error {
	r, err := t.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	r.RatingProcessed = true
	r.RatingProcessedAt = &at
	t.requests[requestID] = r
	return nil
}
