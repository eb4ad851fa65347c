package dispatch

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier delivers one push message to a device token.
type Notifier interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

var (
	ErrEmptyToken = errors.New("dispatch: empty notification token")
	ErrNoSession  = errors.New("dispatch: no ws session")
)

// LogNotifier only records what would have been sent. Used for local runs
// without FCM credentials.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Send(_ context.Context, token, title, body string, data map[string]string) error {
	if token == "" {
		return ErrEmptyToken
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("[dispatch] notification", "token", token, "title", title, "body", body, "data", data)
	return nil
}
