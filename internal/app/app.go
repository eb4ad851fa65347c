// Package app wires configuration into the running dispatch services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/cache"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/hotspot"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/reputation"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/triggers"
)

type App struct {
	Config     config.ServerConfig
	Logger     *slog.Logger
	Store      storage.Store
	Triggers   *triggers.Registry
	Matcher    *matcher.Service
	Reputation *reputation.Service
	Aggregator *hotspot.Aggregator
	WS         *dispatch.WSRegistry
	Handler    http.Handler

	fbApp    *firebase.App
	redis    *redis.Client
	producer *ingest.KafkaProducer
	inflight sync.WaitGroup
	closers  []func() error
}

// New builds every collaborator selected by cfg. The caller owns Close.
func New(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = logging.NewLogger(cfg.LogLevel)
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	if cfg.FirebaseProjectID != "" {
		fb, err := auth.NewFirebaseApp(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
		if err != nil {
			return err
		}
		a.fbApp = fb
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	a.WS = dispatch.NewWSRegistry(logging.Component(a.Logger, "ws"))
	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		return err
	}

	var hotspots httpapi.HotspotLister = store
	var invalidator hotspot.Invalidator
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, a.redis.Close)
		hc := cache.NewHotspotCache(a.redis, cfg.HotspotCacheTTL)
		hotspots = cache.NewReadThrough(store, hc, logging.Component(a.Logger, "cache"))
		invalidator = hc
	}

	a.Matcher = &matcher.Service{
		Store:            store,
		Notify:           notifier,
		RadiusKm:         cfg.MatchRadiusKm,
		ExpiresInSeconds: cfg.MatchExpiresInSeconds,
		Logger:           logging.Component(a.Logger, "matcher"),
	}
	a.Reputation = reputation.NewService(store, logging.Component(a.Logger, "reputation"))
	a.Aggregator = &hotspot.Aggregator{
		Store:    store,
		Cache:    invalidator,
		GridSize: cfg.HotspotGridSize,
		MinTrips: cfg.HotspotMinTrips,
		RadiusM:  cfg.HotspotRadiusM,
		Lookback: cfg.HotspotLookback,
		Logger:   logging.Component(a.Logger, "hotspot"),
	}
	a.Triggers = triggers.NewRegistry(logging.Component(a.Logger, "triggers"))
	triggers.BindTrips(a.Triggers, a.Matcher, a.Reputation)

	var publisher httpapi.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		a.producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, a.producer.Close)
		publisher = a.producer
	}

	if mem, ok := store.(*storage.MemoryStore); ok {
		mem.SetChangeListener(a.onChange)
	}

	var verifier auth.TokenVerifier
	if a.fbApp != nil {
		if verifier, err = auth.NewFirebaseVerifier(ctx, a.fbApp); err != nil {
			return err
		}
	}

	a.Handler = httpapi.NewServer(httpapi.Deps{
		Hotspots:     hotspots,
		Aggregator:   a.Aggregator,
		Triggers:     a.Triggers,
		Publisher:    publisher,
		WSReg:        a.WS,
		Verifier:     verifier,
		AuthRequired: cfg.AuthRequired,
	}, logging.Component(a.Logger, "http"))
	return nil
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	cfg := a.Config
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			a.Logger.Info("migrations applied")
		}
		return pg, nil
	case config.StoreFirestore:
		client, err := a.fbApp.Firestore(ctx)
		if err != nil {
			return nil, fmt.Errorf("firebase app.Firestore: %w", err)
		}
		return storage.NewFirestoreStoreFromClient(client), nil
	case config.StoreMemory:
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func (a *App) buildNotifier(ctx context.Context) (dispatch.Notifier, error) {
	logNotifier := &dispatch.LogNotifier{Logger: logging.Component(a.Logger, "notifier")}
	switch a.Config.Notifier {
	case config.NotifierFCM:
		fcm, err := dispatch.NewFCMNotifier(ctx, a.fbApp)
		if err != nil {
			return nil, err
		}
		return dispatch.NewPushDispatcher(a.WS, fcm), nil
	case config.NotifierWS:
		return dispatch.NewPushDispatcher(a.WS, logNotifier), nil
	default:
		return logNotifier, nil
	}
}

// onChange turns memory store writes into trip events. Handlers run off the
// writer's goroutine because they write back to the same store.
func (a *App) onChange(kind storage.ChangeKind, id string, before, after *models.Request) {
	ev := triggers.TripEvent{
		Kind:       triggers.Kind(kind),
		TripID:     id,
		Before:     before,
		After:      after,
		OccurredAt: time.Now().UTC(),
	}
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if a.producer != nil {
			if err := a.producer.PublishTripEvent(ctx, ev); err != nil {
				a.Logger.Error("publish trip event failed", "trip_id", id, "error", err)
			}
			return
		}
		a.Triggers.Dispatch(ctx, ev)
	}()
}

// Drain waits for in-flight change feed handlers.
func (a *App) Drain() { a.inflight.Wait() }

// NewConsumer builds the Kafka consumer that feeds this app's triggers.
func (a *App) NewConsumer() (*ingest.Consumer, error) {
	if len(a.Config.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required for the consumer")
	}
	c := ingest.NewConsumer(a.Config.KafkaBrokers, a.Config.KafkaTopic, a.Config.KafkaGroup,
		a.Triggers, logging.Component(a.Logger, "consumer"))
	return c, nil
}

// Ready pings the optional redis dependency.
func (a *App) Ready(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Ping(ctx).Err()
}

func (a *App) Close() error {
	a.Drain()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
