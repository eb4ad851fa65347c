package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/triggers"
)

const (
	DefaultGroup = "ride-dispatch-triggers"

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dispatcher hands a decoded event to the trigger handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev triggers.TripEvent)
}

// Consumer reads trip events and commits each one only after it has been
// dispatched, so delivery is at-least-once.
type Consumer struct {
	reader     messageReader
	dispatcher Dispatcher
	logger     *slog.Logger
	backoff    time.Duration
}

func NewConsumer(brokers []string, topic, group string, d Dispatcher, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	return newConsumer(r, d, logger)
}

func newConsumer(r messageReader, d Dispatcher, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, dispatcher: d, logger: logger, backoff: initialBackoff}
}

// Run blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.backoff
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("shutting down consumer")
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = c.backoff
		observability.EventsConsumedTotal.Inc()

		var ev triggers.TripEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			observability.EventsInvalidTotal.Inc()
			c.logger.Warn("invalid message", "offset", m.Offset, "error", err)
		} else if err := ev.Validate(); err != nil {
			observability.EventsInvalidTotal.Inc()
			c.logger.Warn("invalid message", "offset", m.Offset, "error", err)
		} else {
			c.dispatcher.Dispatch(ctx, ev)
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error("commit failed", "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
