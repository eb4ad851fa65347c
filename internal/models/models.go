package models

import (
	"time"

	"github.com/example/ride-dispatch/internal/geo"
)

// Status is the lifecycle state of a Request.
type Status string

const (
	StatusSearching      Status = "searching"
	StatusDriverNotified Status = "driver_notified"
	StatusAccepted       Status = "accepted"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// Place is a possibly-partial location. Lat/Lng are pointers because
// documents written by clients may omit either of them.
type Place struct {
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
	Address string   `json:"address,omitempty"`
}

// Coords returns the point when both coordinates are present and valid.
func (p *Place) Coords() (geo.Point, bool) {
	if p == nil || p.Lat == nil || p.Lng == nil {
		return geo.Point{}, false
	}
	pt := geo.Point{Lat: *p.Lat, Lng: *p.Lng}
	return pt, pt.Valid()
}

// NewPlace is a convenience for fully specified places.
func NewPlace(lat, lng float64, address string) Place {
	return Place{Lat: &lat, Lng: &lng, Address: address}
}

// Stop is an intermediate waypoint. WaitingTime is in minutes.
type Stop struct {
	Place
	WaitingTime *float64 `json:"waitingTime,omitempty"`
}

// Candidate is one entry of the ranking persisted on a Request.
type Candidate struct {
	WorkerID          string  `json:"workerId"`
	Distance          float64 `json:"distance"` // km
	NotificationToken string  `json:"notificationToken,omitempty"`
	DisplayName       string  `json:"displayName"`
}

// Request is a ride request ("trip").
type Request struct {
	ID                 string      `json:"id"`
	Status             Status      `json:"status"`
	Pickup             Place       `json:"pickup"`
	Dropoff            Place       `json:"dropoff"`
	Stops              []Stop      `json:"stops,omitempty"`
	Fare               *float64    `json:"fare,omitempty"`
	Distance           *float64    `json:"distance,omitempty"`
	Duration           *float64    `json:"duration,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	LastUpdated        *time.Time  `json:"lastUpdated,omitempty"`
	SearchRefreshedAt  *time.Time  `json:"searchRefreshedAt,omitempty"`
	SearchAttempts     int         `json:"searchAttempts,omitempty"`
	NearbyWorkers      []Candidate `json:"nearbyWorkers,omitempty"`
	NotifiedWorkerID   string      `json:"notifiedWorkerId,omitempty"`
	NotificationTime   *time.Time  `json:"notificationTime,omitempty"`
	NoWorkersAvailable bool        `json:"noWorkersAvailable,omitempty"`
	WorkerID           string      `json:"workerId,omitempty"`
	UserRating         *int        `json:"userRating,omitempty"`
	RatingProcessed    bool        `json:"ratingProcessed,omitempty"`
	RatingProcessedAt  *time.Time  `json:"ratingProcessedAt,omitempty"`
}

// Clone returns a deep copy so snapshots handed to callers cannot alias
// stored state.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Pickup = clonePlace(r.Pickup)
	c.Dropoff = clonePlace(r.Dropoff)
	if r.Stops != nil {
		c.Stops = make([]Stop, len(r.Stops))
		for i, s := range r.Stops {
			c.Stops[i] = Stop{Place: clonePlace(s.Place), WaitingTime: cloneFloat(s.WaitingTime)}
		}
	}
	if r.NearbyWorkers != nil {
		c.NearbyWorkers = append([]Candidate(nil), r.NearbyWorkers...)
	}
	c.Fare = cloneFloat(r.Fare)
	c.Distance = cloneFloat(r.Distance)
	c.Duration = cloneFloat(r.Duration)
	c.LastUpdated = cloneTime(r.LastUpdated)
	c.SearchRefreshedAt = cloneTime(r.SearchRefreshedAt)
	c.NotificationTime = cloneTime(r.NotificationTime)
	c.RatingProcessedAt = cloneTime(r.RatingProcessedAt)
	if r.UserRating != nil {
		v := *r.UserRating
		c.UserRating = &v
	}
	return &c
}

// Worker is a service provider ("driver").
type Worker struct {
	ID                string     `json:"id"`
	IsOnline          bool       `json:"isOnline"`
	IsAvailable       bool       `json:"isAvailable"`
	Location          *Place     `json:"location,omitempty"`
	NotificationToken string     `json:"notificationToken,omitempty"`
	DisplayName       string     `json:"displayName,omitempty"`
	Rating            *float64   `json:"rating,omitempty"`
	RatingCount       int        `json:"ratingCount"`
	LastRatedAt       *time.Time `json:"lastRatedAt,omitempty"`
}

// Clone returns a deep copy of w.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	c := *w
	if w.Location != nil {
		l := clonePlace(*w.Location)
		c.Location = &l
	}
	c.Rating = cloneFloat(w.Rating)
	c.LastRatedAt = cloneTime(w.LastRatedAt)
	return &c
}

// Intensity buckets a hotspot by trip count.
type Intensity string

const (
	IntensityLow    Intensity = "low"
	IntensityMedium Intensity = "medium"
	IntensityHigh   Intensity = "high"
)

// Hotspot is a persisted demand cluster. ID is positional within one
// generation and is not stable across recomputation.
type Hotspot struct {
	ID          string    `json:"id"`
	GridX       int64     `json:"gridX"`
	GridY       int64     `json:"gridY"`
	Center      geo.Point `json:"center"`
	Radius      float64   `json:"radius"` // metres
	TripCount   int       `json:"tripCount"`
	Intensity   Intensity `json:"intensity"`
	Geohash     string    `json:"geohash"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// MatchRecord is what a successful matching pass writes onto the request.
type MatchRecord struct {
	Candidates       []Candidate
	NotifiedWorkerID string
	NotificationTime time.Time
}

// RatingUpdate is the worker-side write of a rating application.
type RatingUpdate struct {
	Rating      float64
	RatingCount int
	RatedAt     time.Time
}

func clonePlace(p Place) Place {
	return Place{Lat: cloneFloat(p.Lat), Lng: cloneFloat(p.Lng), Address: p.Address}
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
