package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	tripsCollection    = "trips"
	driversCollection  = "drivers"
	hotspotsCollection = "hotspots"
	metaCollection     = "meta"
	hotspotPointerDoc  = "hotspots"
)

// FirestoreStore maps the contract onto the trips/drivers/hotspots
// collections used by the mobile clients.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore connects with application-default credentials unless
// credentialsFile is set. FIRESTORE_EMULATOR_HOST is honoured by the SDK.
func NewFirestoreStore(ctx context.Context, projectID, credentialsFile string) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

// NewFirestoreStoreFromClient wraps an existing client.
func NewFirestoreStoreFromClient(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

type fsPlace struct {
	Latitude    *float64 `firestore:"latitude,omitempty"`
	Longitude   *float64 `firestore:"longitude,omitempty"`
	Address     string   `firestore:"address,omitempty"`
	WaitingTime *float64 `firestore:"waitingTime,omitempty"`
}

type fsCandidate struct {
	DriverID   string  `firestore:"driverId"`
	Distance   float64 `firestore:"distance"`
	FCMToken   string  `firestore:"fcmToken,omitempty"`
	DriverName string  `firestore:"driverName"`
}

type fsTrip struct {
	Status             string        `firestore:"status"`
	Pickup             fsPlace       `firestore:"pickup"`
	Dropoff            fsPlace       `firestore:"dropoff"`
	Stops              []fsPlace     `firestore:"stops,omitempty"`
	Fare               *float64      `firestore:"fare,omitempty"`
	Distance           *float64      `firestore:"distance,omitempty"`
	Duration           *float64      `firestore:"duration,omitempty"`
	CreatedAt          time.Time     `firestore:"createdAt"`
	LastUpdated        *time.Time    `firestore:"lastUpdated,omitempty"`
	SearchRefreshedAt  *time.Time    `firestore:"searchRefreshedAt,omitempty"`
	SearchAttempts     int           `firestore:"searchAttempts,omitempty"`
	NearbyDrivers      []fsCandidate `firestore:"nearbyDrivers,omitempty"`
	NotifiedDriverID   string        `firestore:"notifiedDriverId,omitempty"`
	NotificationTime   *time.Time    `firestore:"notificationTime,omitempty"`
	NoDriversAvailable bool          `firestore:"noDriversAvailable,omitempty"`
	DriverID           string        `firestore:"driverId,omitempty"`
	UserRating         *float64      `firestore:"userRating,omitempty"`
	RatingProcessed    bool          `firestore:"ratingProcessed,omitempty"`
	RatingProcessedAt  *time.Time    `firestore:"ratingProcessedAt,omitempty"`
}

type fsDriver struct {
	IsOnline    bool       `firestore:"isOnline"`
	IsAvailable bool       `firestore:"isAvailable"`
	Location    *fsPlace   `firestore:"location,omitempty"`
	FCMToken    string     `firestore:"fcmToken,omitempty"`
	DisplayName string     `firestore:"displayName,omitempty"`
	Rating      *float64   `firestore:"rating,omitempty"`
	RatingCount int        `firestore:"ratingCount"`
	LastRatedAt *time.Time `firestore:"lastRatedAt,omitempty"`
}

type fsHotspot struct {
	Generation  string    `firestore:"generation"`
	ID          string    `firestore:"id"`
	Position    int       `firestore:"position"`
	GridX       int64     `firestore:"gridX"`
	GridY       int64     `firestore:"gridY"`
	Center      fsCenter  `firestore:"center"`
	Radius      float64   `firestore:"radius"`
	TripCount   int       `firestore:"tripCount"`
	Intensity   string    `firestore:"intensity"`
	Geohash     string    `firestore:"geohash"`
	LastUpdated time.Time `firestore:"lastUpdated"`
	StartedAt   time.Time `firestore:"startedAt"`
}

type fsCenter struct {
	Latitude  float64 `firestore:"latitude"`
	Longitude float64 `firestore:"longitude"`
}

type fsPointer struct {
	Current     string    `firestore:"current"`
	StartedAt   time.Time `firestore:"startedAt"`
	LastUpdated time.Time `firestore:"lastUpdated"`
}

func (f *FirestoreStore) trip(id string) *firestore.DocumentRef {
	return f.client.Collection(tripsCollection).Doc(id)
}

func (f *FirestoreStore) driver(id string) *firestore.DocumentRef {
	return f.client.Collection(driversCollection).Doc(id)
}

func (f *FirestoreStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	snap, err := f.trip(id).Get(ctx)
	if err != nil {
		return nil, wrapNotFound(err, "request", id)
	}
	return decodeTrip(snap)
}

func (f *FirestoreStore) PutRequest(ctx context.Context, r *models.Request) error {
	_, err := f.trip(r.ID).Set(ctx, encodeTrip(r))
	return err
}

func (f *FirestoreStore) MarkNoWorkersAvailable(ctx context.Context, id string, at time.Time) error {
	_, err := f.trip(id).Update(ctx, []firestore.Update{
		{Path: "lastUpdated", Value: at},
		{Path: "noDriversAvailable", Value: true},
	})
	return wrapNotFound(err, "request", id)
}

func (f *FirestoreStore) RecordMatch(ctx context.Context, id string, rec models.MatchRecord) error {
	_, err := f.trip(id).Update(ctx, []firestore.Update{
		{Path: "nearbyDrivers", Value: encodeCandidates(rec.Candidates)},
		{Path: "notifiedDriverId", Value: rec.NotifiedWorkerID},
		{Path: "notificationTime", Value: rec.NotificationTime},
		{Path: "status", Value: string(models.StatusDriverNotified)},
	})
	return wrapNotFound(err, "request", id)
}

func (f *FirestoreStore) CompletedRequestsSince(ctx context.Context, since time.Time) ([]models.Request, error) {
	snaps, err := f.client.Collection(tripsCollection).
		Where("status", "==", string(models.StatusCompleted)).
		Where("createdAt", ">=", since).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("query completed trips: %w", err)
	}
	out := make([]models.Request, 0, len(snaps))
	for _, s := range snaps {
		r, err := decodeTrip(s)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (f *FirestoreStore) PutWorker(ctx context.Context, w *models.Worker) error {
	_, err := f.driver(w.ID).Set(ctx, encodeDriver(w))
	return err
}

func (f *FirestoreStore) AvailableWorkers(ctx context.Context) ([]models.Worker, error) {
	snaps, err := f.client.Collection(driversCollection).
		Where("isOnline", "==", true).
		Where("isAvailable", "==", true).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("query available drivers: %w", err)
	}
	out := make([]models.Worker, 0, len(snaps))
	for _, s := range snaps {
		w, err := decodeDriver(s)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, nil
}

func (f *FirestoreStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &fsTx{store: f, tx: tx})
	})
}

// ReplaceHotspots writes the new generation, flips meta/hotspots.current
// to it and then prunes older generations. A failed prune leaves orphaned
// documents that readers never see and the next run removes.
func (f *FirestoreStore) ReplaceHotspots(ctx context.Context, generation string, hs []models.Hotspot) error {
	return f.replaceHotspots(ctx, generation, hs, time.Now().UTC())
}

// replaceHotspots orders overlapping runs by startedAt. A run only moves the
// pointer if no later-started run has published, and only prunes
// generations that started before it. A superseded run removes its own
// documents instead.
func (f *FirestoreStore) replaceHotspots(ctx context.Context, generation string, hs []models.Hotspot, startedAt time.Time) error {
	coll := f.client.Collection(hotspotsCollection)

	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(hs))
	for i, h := range hs {
		doc := encodeHotspot(generation, i, h)
		doc.StartedAt = startedAt
		job, err := bw.Set(coll.Doc(generation+"_"+h.ID), doc)
		if err != nil {
			bw.End()
			return fmt.Errorf("queue hotspot %s: %w", h.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("write hotspot generation %s: %w", generation, err)
		}
	}

	ptrRef := f.client.Collection(metaCollection).Doc(hotspotPointerDoc)
	var superseded bool
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		superseded = false
		snap, err := tx.Get(ptrRef)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var cur fsPointer
			if err := snap.DataTo(&cur); err != nil {
				return err
			}
			if cur.StartedAt.After(startedAt) {
				superseded = true
				return nil
			}
		}
		return tx.Set(ptrRef, fsPointer{Current: generation, StartedAt: startedAt, LastUpdated: time.Now().UTC()})
	})
	if err != nil {
		return fmt.Errorf("swap hotspot generation: %w", err)
	}

	q := coll.Where("startedAt", "<", startedAt)
	if superseded {
		q = coll.Where("generation", "==", generation)
	}
	stale, err := q.Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("list stale hotspots: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	del := f.client.BulkWriter(ctx)
	for _, s := range stale {
		if _, err := del.Delete(s.Ref); err != nil {
			del.End()
			return fmt.Errorf("queue stale hotspot delete: %w", err)
		}
	}
	del.End()
	return nil
}

// ListHotspots reads the pointer and its generation in one read-only
// transaction, so a concurrent prune cannot leave it with an empty set.
func (f *FirestoreStore) ListHotspots(ctx context.Context) ([]models.Hotspot, error) {
	var out []models.Hotspot
	ptrRef := f.client.Collection(metaCollection).Doc(hotspotPointerDoc)
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		out = []models.Hotspot{}
		snap, err := tx.Get(ptrRef)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read hotspot generation: %w", err)
		}
		var ptr fsPointer
		if err := snap.DataTo(&ptr); err != nil {
			return err
		}
		docs, err := tx.Documents(f.client.Collection(hotspotsCollection).Where("generation", "==", ptr.Current)).GetAll()
		if err != nil {
			return fmt.Errorf("query hotspots: %w", err)
		}
		decoded := make([]fsHotspot, 0, len(docs))
		for _, d := range docs {
			var h fsHotspot
			if err := d.DataTo(&h); err != nil {
				return err
			}
			decoded = append(decoded, h)
		}
		sort.Slice(decoded, func(i, j int) bool { return decoded[i].Position < decoded[j].Position })
		for _, h := range decoded {
			out = append(out, decodeHotspot(h))
		}
		return nil
	}, firestore.ReadOnly)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FirestoreStore) Close() error { return f.client.Close() }

type fsTx struct {
	store *FirestoreStore
	tx    *firestore.Transaction
}

func (t *fsTx) GetRequest(_ context.Context, id string) (*models.Request, error) {
	snap, err := t.tx.Get(t.store.trip(id))
	if err != nil {
		return nil, wrapNotFound(err, "request", id)
	}
	return decodeTrip(snap)
}

func (t *fsTx) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	snap, err := t.tx.Get(t.store.driver(id))
	if err != nil {
		return nil, wrapNotFound(err, "worker", id)
	}
	return decodeDriver(snap)
}

func (t *fsTx) UpdateWorkerRating(_ context.Context, id string, u models.RatingUpdate) error {
	return t.tx.Update(t.store.driver(id), []firestore.Update{
		{Path: "rating", Value: u.Rating},
		{Path: "ratingCount", Value: u.RatingCount},
		{Path: "lastRatedAt", Value: u.RatedAt},
	})
}

func (t *fsTx) MarkRatingProcessed(_ context.Context, requestID string, at time.Time) error {
	return t.tx.Update(t.store.trip(requestID), []firestore.Update{
		{Path: "ratingProcessed", Value: true},
		{Path: "ratingProcessedAt", Value: at},
	})
}

func wrapNotFound(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return err
}

func decodeTrip(snap *firestore.DocumentSnapshot) (*models.Request, error) {
	var d fsTrip
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decode trip %s: %w", snap.Ref.ID, err)
	}
	r := &models.Request{
		ID:                 snap.Ref.ID,
		Status:             models.Status(d.Status),
		Pickup:             placeFromFS(d.Pickup),
		Dropoff:            placeFromFS(d.Dropoff),
		Fare:               d.Fare,
		Distance:           d.Distance,
		Duration:           d.Duration,
		CreatedAt:          d.CreatedAt,
		LastUpdated:        d.LastUpdated,
		SearchRefreshedAt:  d.SearchRefreshedAt,
		SearchAttempts:     d.SearchAttempts,
		NotifiedWorkerID:   d.NotifiedDriverID,
		NotificationTime:   d.NotificationTime,
		NoWorkersAvailable: d.NoDriversAvailable,
		WorkerID:           d.DriverID,
		RatingProcessed:    d.RatingProcessed,
		RatingProcessedAt:  d.RatingProcessedAt,
	}
	for _, s := range d.Stops {
		r.Stops = append(r.Stops, models.Stop{Place: placeFromFS(s), WaitingTime: s.WaitingTime})
	}
	for _, c := range d.NearbyDrivers {
		r.NearbyWorkers = append(r.NearbyWorkers, models.Candidate{
			WorkerID:          c.DriverID,
			Distance:          c.Distance,
			NotificationToken: c.FCMToken,
			DisplayName:       c.DriverName,
		})
	}
	if d.UserRating != nil {
		// Fractional ratings cannot be represented; they are mapped to 0 so
		// range validation rejects them.
		v := 0
		if *d.UserRating == math.Trunc(*d.UserRating) {
			v = int(*d.UserRating)
		}
		r.UserRating = &v
	}
	return r, nil
}

func encodeTrip(r *models.Request) fsTrip {
	d := fsTrip{
		Status:             string(r.Status),
		Pickup:             placeToFS(r.Pickup, nil),
		Dropoff:            placeToFS(r.Dropoff, nil),
		Fare:               r.Fare,
		Distance:           r.Distance,
		Duration:           r.Duration,
		CreatedAt:          r.CreatedAt,
		LastUpdated:        r.LastUpdated,
		SearchRefreshedAt:  r.SearchRefreshedAt,
		SearchAttempts:     r.SearchAttempts,
		NearbyDrivers:      encodeCandidates(r.NearbyWorkers),
		NotifiedDriverID:   r.NotifiedWorkerID,
		NotificationTime:   r.NotificationTime,
		NoDriversAvailable: r.NoWorkersAvailable,
		DriverID:           r.WorkerID,
		RatingProcessed:    r.RatingProcessed,
		RatingProcessedAt:  r.RatingProcessedAt,
	}
	for _, s := range r.Stops {
		d.Stops = append(d.Stops, placeToFS(s.Place, s.WaitingTime))
	}
	if r.UserRating != nil {
		v := float64(*r.UserRating)
		d.UserRating = &v
	}
	return d
}

func encodeCandidates(cs []models.Candidate) []fsCandidate {
	if len(cs) == 0 {
		return nil
	}
	out := make([]fsCandidate, len(cs))
	for i, c := range cs {
		out[i] = fsCandidate{DriverID: c.WorkerID, Distance: c.Distance, FCMToken: c.NotificationToken, DriverName: c.DisplayName}
	}
	return out
}

func decodeDriver(snap *firestore.DocumentSnapshot) (*models.Worker, error) {
	var d fsDriver
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decode driver %s: %w", snap.Ref.ID, err)
	}
	w := &models.Worker{
		ID:                snap.Ref.ID,
		IsOnline:          d.IsOnline,
		IsAvailable:       d.IsAvailable,
		NotificationToken: d.FCMToken,
		DisplayName:       d.DisplayName,
		Rating:            d.Rating,
		RatingCount:       d.RatingCount,
		LastRatedAt:       d.LastRatedAt,
	}
	if d.Location != nil {
		p := placeFromFS(*d.Location)
		w.Location = &p
	}
	return w, nil
}

func encodeDriver(w *models.Worker) fsDriver {
	d := fsDriver{
		IsOnline:    w.IsOnline,
		IsAvailable: w.IsAvailable,
		FCMToken:    w.NotificationToken,
		DisplayName: w.DisplayName,
		Rating:      w.Rating,
		RatingCount: w.RatingCount,
		LastRatedAt: w.LastRatedAt,
	}
	if w.Location != nil {
		p := placeToFS(*w.Location, nil)
		d.Location = &p
	}
	return d
}

func encodeHotspot(generation string, position int, h models.Hotspot) fsHotspot {
	return fsHotspot{
		Generation:  generation,
		ID:          h.ID,
		Position:    position,
		GridX:       h.GridX,
		GridY:       h.GridY,
		Center:      fsCenter{Latitude: h.Center.Lat, Longitude: h.Center.Lng},
		Radius:      h.Radius,
		TripCount:   h.TripCount,
		Intensity:   string(h.Intensity),
		Geohash:     h.Geohash,
		LastUpdated: h.LastUpdated,
	}
}

func decodeHotspot(d fsHotspot) models.Hotspot {
	h := models.Hotspot{
		ID:          d.ID,
		GridX:       d.GridX,
		GridY:       d.GridY,
		Radius:      d.Radius,
		TripCount:   d.TripCount,
		Intensity:   models.Intensity(d.Intensity),
		Geohash:     d.Geohash,
		LastUpdated: d.LastUpdated,
	}
	h.Center.Lat = d.Center.Latitude
	h.Center.Lng = d.Center.Longitude
	return h
}

func placeFromFS(p fsPlace) models.Place {
	return models.Place{Lat: p.Latitude, Lng: p.Longitude, Address: p.Address}
}

func placeToFS(p models.Place, waiting *float64) fsPlace {
	return fsPlace{Latitude: p.Lat, Longitude: p.Lng, Address: p.Address, WaitingTime: waiting}
}
