package testutil

import (
	"context"
	"net/http"
	"time"

	"didregistry/pkg/requestcontext"
)

// WithHost adds an authenticated host identity to the request context,
// as the host-token middleware would.
func WithHost(req *http.Request, accountID string, signingKey []byte) *http.Request {
	ctx := requestcontext.WithHostCaller(req.Context(), requestcontext.Host{
		AccountID:  accountID,
		SigningKey: signingKey,
	})
	return req.WithContext(ctx)
}

// FixedClock returns a context whose request time is t.
func FixedClock(ctx context.Context, t time.Time) context.Context {
	return requestcontext.WithTime(ctx, t)
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
