package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

// stubVerifier is a test double for TokenVerifier.
type stubVerifier struct {
	token *Token
	err   error
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, _ string) (*Token, error) {
	return s.token, s.err
}

func newTestHandler(v TokenVerifier, required bool) http.Handler {
	return Middleware(v, required, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("uid=" + CallerUID(r.Context())))
	}))
}

func TestMiddleware(t *testing.T) {
	valid := &stubVerifier{token: &Token{UID: "driver123"}}
	invalid := &stubVerifier{err: errors.New("bad token")}

	testCases := []struct {
		name     string
		verifier TokenVerifier
		required bool
		header   string
		wantCode int
		wantBody string
	}{
		{"advisory missing header", valid, false, "", http.StatusOK, "uid="},
		{"advisory invalid token", invalid, false, "Bearer nope", http.StatusOK, "uid="},
		{"advisory valid token", valid, false, "Bearer ok", http.StatusOK, "uid=driver123"},
		{"advisory without verifier", nil, false, "Bearer ok", http.StatusOK, "uid="},
		{"required missing header", valid, true, "", http.StatusUnauthorized, ""},
		{"required wrong scheme", valid, true, "Token ok", http.StatusUnauthorized, ""},
		{"required invalid token", invalid, true, "Bearer nope", http.StatusUnauthorized, ""},
		{"required valid token", valid, true, "Bearer ok", http.StatusOK, "uid=driver123"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/hotspots", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			newTestHandler(tc.verifier, tc.required).ServeHTTP(w, req)
			assert.Equal(t, tc.wantCode, w.Code)
			if tc.wantBody != "" {
				assert.Equal(t, tc.wantBody, w.Body.String())
			}
		})
	}
}
