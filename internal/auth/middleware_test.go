package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequireAuth(t *testing.T) {
	ts := newTestTokenService(t)
	token, err := ts.Generate("ci-runner")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var seen string
	h := RequireAuth(ts, slog.New(slog.NewTextHandler(io.Discard, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = ClientIDFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantClient string
	}{
		{"valid", "Bearer " + token, http.StatusNoContent, "ci-runner"},
		{"scheme is case-insensitive", "bearer " + token, http.StatusNoContent, "ci-runner"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized, ""},
		{"no token", "Bearer", http.StatusUnauthorized, ""},
		{"bad token", "Bearer abc.def.ghi", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/api/interpreters", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantClient, seen)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")
				assert.JSONEq(t, `{"error":"unauthorized","message":"valid bearer token required"}`, rr.Body.String())
			}
		})
	}
}

func TestClientIDFromContext_Anonymous(t *testing.T) {
	_, ok := ClientIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}
