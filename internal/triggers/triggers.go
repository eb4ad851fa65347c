// Package triggers binds named handlers to trip lifecycle events and timers.
// The registry is the outer boundary for background work: handler errors
// and panics are logged and counted, and the event is always acknowledged.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Kind string

const (
	TripCreated Kind = "created"
	TripUpdated Kind = "updated"
)

// TripEvent is the wire envelope for a trip change. Before is only set on
// updates.
type TripEvent struct {
	Kind       Kind            `json:"kind"`
	TripID     string          `json:"tripId"`
	Before     *models.Request `json:"before,omitempty"`
	After      *models.Request `json:"after"`
	OccurredAt time.Time       `json:"occurredAt"`
}

var ErrMalformedEvent = errors.New("triggers: malformed trip event")

func (e TripEvent) Validate() error {
	switch {
	case e.Kind != TripCreated && e.Kind != TripUpdated:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	case e.TripID == "":
		return fmt.Errorf("%w: missing tripId", ErrMalformedEvent)
	case e.After == nil:
		return fmt.Errorf("%w: missing after snapshot", ErrMalformedEvent)
	case e.Kind == TripUpdated && e.Before == nil:
		return fmt.Errorf("%w: update without before snapshot", ErrMalformedEvent)
	}
	return nil
}

type Handler func(ctx context.Context, ev TripEvent) error

type namedHandler struct {
	name string
	fn   Handler
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind][]namedHandler
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{handlers: make(map[Kind][]namedHandler), logger: logger}
}

// On registers fn under name for events of kind.
func (r *Registry) On(kind Kind, name string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], namedHandler{name: name, fn: fn})
}

// Dispatch runs every handler registered for ev.Kind. It never fails.
func (r *Registry) Dispatch(ctx context.Context, ev TripEvent) {
	r.mu.RLock()
	hs := append([]namedHandler(nil), r.handlers[ev.Kind]...)
	r.mu.RUnlock()

	for _, h := range hs {
		h := h
		r.invoke(ctx, h.name, func(ctx context.Context) error { return h.fn(ctx, ev) }, "trip_id", ev.TripID)
	}
}

// RunTimer calls fn every interval until ctx is done. Ticks do not overlap.
func (r *Registry) RunTimer(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context, now time.Time) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Info("timer started", "trigger", name, "interval", interval.String())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.invoke(ctx, name, func(ctx context.Context) error { return fn(ctx, now) })
		}
	}
}

// Invoke runs fn once under the registry's error and panic handling and
// returns fn's error for callers that want it.
func (r *Registry) Invoke(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.invoke(ctx, name, fn)
}

func (r *Registry) invoke(ctx context.Context, name string, fn func(ctx context.Context) error, attrs ...any) (err error) {
	log := r.logger.With(append([]any{"trigger", name}, attrs...)...)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", name, rec)
			log.Error("panic recovered", "error", rec, "stack", string(debug.Stack()))
			observability.TriggerInvocationsTotal.WithLabelValues(name, "panic").Inc()
		}
	}()

	if err = fn(ctx); err != nil {
		log.Error("trigger failed", "error", err)
		observability.TriggerInvocationsTotal.WithLabelValues(name, "error").Inc()
		return err
	}
	observability.TriggerInvocationsTotal.WithLabelValues(name, "ok").Inc()
	return nil
}
