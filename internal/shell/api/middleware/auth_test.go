package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(t *testing.T, m *AuthMiddleware, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Handler Tests
// =============================================================================

func TestAuthMiddleware_Disabled(t *testing.T) {
	m := NewAuthMiddleware(AuthConfig{})
	assert.False(t, m.Enabled())

	rec := serve(t, m, httptest.NewRequest(http.MethodGet, "/api/v1/deployments/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	m := NewAuthMiddleware(AuthConfig{Token: "s3cret"})
	require.True(t, m.Enabled())

	tests := []struct {
		name     string
		header   string
		query    string
		wantCode int
		wantErr  string
	}{
		{"bearer token", "Bearer s3cret", "", http.StatusOK, ""},
		{"lowercase scheme", "bearer s3cret", "", http.StatusOK, ""},
		{"query token", "", "?token=s3cret", http.StatusOK, ""},
		{"missing", "", "", http.StatusUnauthorized, "unauthorized"},
		{"empty bearer", "Bearer ", "", http.StatusUnauthorized, "unauthorized"},
		{"wrong token", "Bearer nope", "", http.StatusForbidden, "forbidden"},
		{"basic scheme", "Basic czNjcmV0", "", http.StatusUnauthorized, "unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/deployments/x"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set(HeaderAuthorization, tt.header)
			}
			rec := serve(t, m, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr == "" {
				return
			}
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body errorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantErr, body.Code)
		})
	}
}
