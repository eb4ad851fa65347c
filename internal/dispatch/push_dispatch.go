package dispatch

import (
	"context"
)

// PushDispatcher prefers a live websocket session for the token and falls
// back to the push provider when the device is not connected or the
// session write fails.
type PushDispatcher struct {
	WS       *WSRegistry
	Fallback Notifier
}

func NewPushDispatcher(ws *WSRegistry, fallback Notifier) *PushDispatcher {
	return &PushDispatcher{WS: ws, Fallback: fallback}
}

func (p *PushDispatcher) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	if token == "" {
		return ErrEmptyToken
	}
	if p.WS != nil {
		err := p.WS.Send(ctx, token, title, body, data)
		if err == nil || p.Fallback == nil {
			return err
		}
	}
	if p.Fallback == nil {
		return ErrNoSession
	}
	return p.Fallback.Send(ctx, token, title, body, data)
}
