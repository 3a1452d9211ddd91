package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"didregistry/internal/hosttoken"
	"didregistry/pkg/requestcontext"
)

type stubValidator map[string]*hosttoken.Identity

func (v stubValidator) Validate(token string) (*hosttoken.Identity, error) {
	if identity, ok := v[token]; ok {
		return identity, nil
	}
	return nil, errors.New("token rejected")
}

func TestRequireHost(t *testing.T) {
	validator := stubValidator{
		"good": {AccountID: "alice", SigningKey: []byte{0, 1, 2}},
	}
	var got requestcontext.Host
	var reached bool
	h := RequireHost(validator, slog.New(slog.NewTextHandler(io.Discard, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reached = true
			got, _ = requestcontext.HostCaller(r.Context())
		}),
	)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"rejected token", "Bearer forged", http.StatusUnauthorized},
		{"valid token", "Bearer good", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = false
			r := httptest.NewRequest(http.MethodPost, "/subjects", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.status == http.StatusOK, reached)
			if tt.status == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"unauthorized","error_description":"`+descriptionFor(tt.name)+`"}`, rec.Body.String())
			}
		})
	}
	assert.Equal(t, "alice", got.AccountID)
	assert.Equal(t, []byte{0, 1, 2}, got.SigningKey)
}

func descriptionFor(name string) string {
	if name == "rejected token" {
		return "Invalid or expired token"
	}
	return "Missing or invalid Authorization header"
}
