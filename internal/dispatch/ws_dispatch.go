package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// WSMessage is the frame pushed to a connected device.
type WSMessage struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

// WSSession represents a connected worker device
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(msg WSMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds device sessions keyed by notification token.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers conn for token, closing any session it replaces.
func (r *WSRegistry) Add(token string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[token]
	r.sessions[token] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session for token if it is still conn.
func (r *WSRegistry) Remove(token string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[token]; ok && s.conn == conn {
		delete(r.sessions, token)
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) Send(_ context.Context, token, title, body string, data map[string]string) error {
	if token == "" {
		return ErrEmptyToken
	}
	r.mu.RLock()
	s, ok := r.sessions[token]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(WSMessage{Title: title, Body: body, Data: data}); err != nil {
		r.logger.Warn("ws send error", "error", err)
		r.Remove(token, s.conn)
		_ = s.conn.Close()
		return fmt.Errorf("ws send: %w", err)
	}
	return nil
}
