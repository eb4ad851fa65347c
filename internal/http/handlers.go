package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/hotspot"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/triggers"
)

const maxEventBytes = 1 << 20

type HotspotLister interface {
	ListHotspots(ctx context.Context) ([]models.Hotspot, error)
}

// EventPublisher forwards trip events to the broker.
type EventPublisher interface {
	PublishTripEvent(ctx context.Context, ev triggers.TripEvent) error
}

// Deps are the collaborators the HTTP surface is built from. Publisher and
// WSReg are optional.
type Deps struct {
	Hotspots     HotspotLister
	Aggregator   *hotspot.Aggregator
	Triggers     *triggers.Registry
	Publisher    EventPublisher
	WSReg        *dispatch.WSRegistry
	Verifier     auth.TokenVerifier
	AuthRequired bool
	Now          func() time.Time
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware(s.deps.Verifier, s.deps.AuthRequired, s.logger))
	api.HandleFunc("/hotspots", s.handleGetHotspots).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/events/trips", s.handleTripEvent).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/jobs/hotspots", s.handleHotspotJob).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.deps.WSReg != nil {
		s.mux.HandleFunc("/ws/{token}", s.handleWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleGetHotspots(w http.ResponseWriter, r *http.Request) {
	hs, err := s.deps.Hotspots.ListHotspots(r.Context())
	if err != nil {
		s.logger.Error("error fetching hotspots", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Error retrieving hotspots"})
		return
	}
	if hs == nil {
		hs = []models.Hotspot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hotspots": hs, "count": len(hs)})
}

// handleTripEvent accepts change events from the document store. Events
// go to Kafka when a publisher is configured, otherwise they are
// dispatched in process before the response is written.
func (s *Server) handleTripEvent(w http.ResponseWriter, r *http.Request) {
	var ev triggers.TripEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := ev.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.deps.Now()
	}

	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishTripEvent(r.Context(), ev); err != nil {
			s.logger.Error("publish trip event failed", "trip_id", ev.TripID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event not accepted"})
			return
		}
	} else {
		s.deps.Triggers.Dispatch(r.Context(), ev)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "tripId": ev.TripID})
}

func (s *Server) handleHotspotJob(w http.ResponseWriter, r *http.Request) {
	var res hotspot.Result
	err := s.deps.Triggers.Invoke(r.Context(), triggers.CalculateHotspots, func(ctx context.Context) error {
		var err error
		res, err = s.deps.Aggregator.Recompute(ctx, s.deps.Now())
		return err
	})
	if err != nil {
		if res.Error == "" {
			res.Error = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		return
	}
	s.deps.WSReg.Add(token, conn)
	go func() {
		defer func() {
			s.deps.WSReg.Remove(token, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
