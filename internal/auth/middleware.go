package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey struct{}

var errMissingToken = errors.New("missing bearer token")

// CallerUID returns the verified caller, or "" for anonymous requests.
func CallerUID(ctx context.Context) string {
	if t, ok := ctx.Value(contextKey{}).(*Token); ok {
		return t.UID
	}
	return ""
}

// Middleware checks the Authorization bearer token. With required=false a
// missing or invalid token is only logged and the request continues
// anonymously. A nil verifier treats every call as anonymous.
func Middleware(v TokenVerifier, required bool, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := verify(r, v)
			if err != nil {
				if required {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusUnauthorized)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthenticated"})
					return
				}
				logger.Warn("unauthenticated request", "path", r.URL.Path, "reason", err.Error())
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), contextKey{}, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verify(r *http.Request, v TokenVerifier) (*Token, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, errMissingToken
	}
	if v == nil {
		return nil, errors.New("no token verifier configured")
	}
	return v.VerifyIDToken(r.Context(), strings.TrimSpace(raw))
}
