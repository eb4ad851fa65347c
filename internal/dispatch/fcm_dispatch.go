package dispatch

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
)

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier sends through Firebase Cloud Messaging.
type FCMNotifier struct {
	client messageSender
}

func NewFCMNotifier(ctx context.Context, app *firebase.App) (*FCMNotifier, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	return &FCMNotifier{client: client}, nil
}

func (f *FCMNotifier) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	if token == "" {
		return ErrEmptyToken
	}
	msg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
	}
	if _, err := f.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending FCM message: %w", err)
	}
	return nil
}
