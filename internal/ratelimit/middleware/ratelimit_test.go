package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"didregistry/internal/ratelimit/metrics"
	"didregistry/internal/ratelimit/models"
	"didregistry/internal/ratelimit/store/bucket"
	"didregistry/pkg/platform/middleware/metadata"
	"didregistry/pkg/requestcontext"
)

type failingStore struct {
	calls int
	err   error
}

func (f *failingStore) Allow(context.Context, string, int, time.Duration) (*models.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.Result{Allowed: true, Limit: 100, Remaining: 99, ResetAt: time.Unix(0, 0)}, nil
}

var testLimits = map[models.Class]models.Limit{
	models.ClassRead:  {RequestsPerWindow: 2, Window: time.Minute},
	models.ClassWrite: {RequestsPerWindow: 1, Window: time.Minute},
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(ctx context.Context, h http.Handler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	h.ServeHTTP(rec, req)
	return rec
}

var noContent = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestLimitByClientIP(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	m := New(bucket.New(), testLimits, discardLogger(), WithMetrics(mt))
	h := m.Limit(models.ClassRead)(noContent)

	alice := metadata.WithClientIP(context.Background(), "192.0.2.1")
	bob := metadata.WithClientIP(context.Background(), "192.0.2.2")

	assert.Equal(t, http.StatusNoContent, serve(alice, h).Code)
	rec := serve(alice, h)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = serve(alice, h)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusNoContent, serve(bob, h).Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Rejected.WithLabelValues("read")))
}

func TestLimitByAccount(t *testing.T) {
	m := New(bucket.New(), testLimits, discardLogger())
	h := m.Limit(models.ClassWrite)(noContent)

	// Same IP, different accounts: budgets are independent.
	base := metadata.WithClientIP(context.Background(), "192.0.2.1")
	alice := requestcontext.WithHostCaller(base, requestcontext.Host{AccountID: "alice"})
	bob := requestcontext.WithHostCaller(base, requestcontext.Host{AccountID: "bob"})

	assert.Equal(t, http.StatusNoContent, serve(alice, h).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(alice, h).Code)
	assert.Equal(t, http.StatusNoContent, serve(bob, h).Code)
}

func TestUnconfiguredClassPassesThrough(t *testing.T) {
	m := New(&failingStore{err: errors.New("unused")}, map[models.Class]models.Limit{}, discardLogger())
	h := m.Limit(models.ClassRead)(noContent)
	for range 5 {
		assert.Equal(t, http.StatusNoContent, serve(context.Background(), h).Code)
	}
}

func TestStoreFailureFailsOpenUntilBreakerTrips(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	primary := &failingStore{err: errors.New("connection refused")}
	m := New(primary, testLimits, discardLogger(),
		WithFallback(bucket.New()),
		WithMetrics(mt),
		WithBreakerThresholds(2, 2),
	)
	h := m.Limit(models.ClassWrite)(noContent)
	ctx := requestcontext.WithHostCaller(context.Background(), requestcontext.Host{AccountID: "alice"})

	// First failure: breaker still closed, request passes unchecked.
	rec := serve(ctx, h)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Status"))

	// Second failure opens the breaker; the fallback now enforces the limit.
	rec = serve(ctx, h)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "degraded", rec.Header().Get("X-RateLimit-Status"))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Degraded))

	rec = serve(ctx, h)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "degraded", rec.Header().Get("X-RateLimit-Status"))
	assert.Equal(t, 3.0, testutil.ToFloat64(mt.StoreFailures))

	// Recovery needs two consecutive primary successes.
	primary.err = nil
	assert.Equal(t, http.StatusNoContent, serve(ctx, h).Code)
	assert.True(t, m.breaker.IsOpen())
	assert.Equal(t, http.StatusNoContent, serve(ctx, h).Code)
	assert.False(t, m.breaker.IsOpen())
	assert.Equal(t, 0.0, testutil.ToFloat64(mt.Degraded))
}

func TestStoreFailureWithoutFallbackFailsOpen(t *testing.T) {
	primary := &failingStore{err: errors.New("connection refused")}
	m := New(primary, testLimits, discardLogger(), WithBreakerThresholds(1, 1))
	h := m.Limit(models.ClassWrite)(noContent)
	for range 3 {
		assert.Equal(t, http.StatusNoContent, serve(context.Background(), h).Code)
	}
	require.Equal(t, 3, primary.calls)
}

func TestCircuitBreaker(t *testing.T) {
	cb := newCircuitBreaker(3, 2)
	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.RecordFailure())
	assert.True(t, cb.RecordSuccess(), "success resets the failure streak")
	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.RecordFailure())
	assert.True(t, cb.RecordFailure())
	assert.True(t, cb.IsOpen())

	assert.False(t, cb.RecordSuccess())
	assert.True(t, cb.RecordFailure(), "failure while open restarts recovery")
	assert.False(t, cb.RecordSuccess())
	assert.True(t, cb.RecordSuccess())
	assert.False(t, cb.IsOpen())
}
