package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"didregistry/internal/ratelimit/metrics"
	"didregistry/internal/ratelimit/models"
	"didregistry/pkg/platform/httputil"
	"didregistry/pkg/platform/middleware/metadata"
	"didregistry/pkg/requestcontext"
)

// Store checks and records one request against a sliding window.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error)
}

// Middleware enforces per-class limits. Authenticated requests are keyed by
// the host-asserted account, anonymous ones by client IP.
//
// A shared store error lets the request through. Once the breaker opens,
// decisions come from the in-memory fallback and responses carry
// X-RateLimit-Status: degraded until the shared store recovers.
type Middleware struct {
	primary  Store
	fallback Store
	breaker  *CircuitBreaker
	limits   map[models.Class]models.Limit
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Middleware)

// WithFallback sets the store used while the primary store is failing.
func WithFallback(store Store) Option {
	return func(m *Middleware) {
		m.fallback = store
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Middleware) {
		m.metrics = mt
	}
}

// WithBreakerThresholds overrides the default 5 failures / 3 successes.
func WithBreakerThresholds(failures, successes int) Option {
	return func(m *Middleware) {
		m.breaker = newCircuitBreaker(failures, successes)
	}
}

func New(primary Store, limits map[models.Class]models.Limit, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		primary: primary,
		breaker: newCircuitBreaker(5, 3),
		limits:  limits,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Limit returns middleware enforcing the limit configured for class.
// Classes without a configured limit pass through.
func (m *Middleware) Limit(class models.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limit, ok := m.limits[class]
		if !ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := models.Key(class, identity(ctx))

			result, degraded := m.check(ctx, key, limit)
			if result == nil {
				next.ServeHTTP(w, r)
				return
			}
			if degraded {
				w.Header().Set("X-RateLimit-Status", "degraded")
			}
			addRateLimitHeaders(w, result)

			if !result.Allowed {
				m.metrics.IncRejected(string(class))
				m.logger.WarnContext(ctx, "rate limit exceeded",
					"class", class,
					"key", key,
					"request_id", requestcontext.RequestID(ctx),
				)
				writeRateLimitExceeded(w, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// check returns a nil result when the request should pass unchecked.
func (m *Middleware) check(ctx context.Context, key string, limit models.Limit) (*models.Result, bool) {
	result, err := m.primary.Allow(ctx, key, limit.RequestsPerWindow, limit.Window)
	if err == nil {
		wasOpen := m.breaker.IsOpen()
		if m.breaker.RecordSuccess() && wasOpen {
			m.logger.InfoContext(ctx, "rate limit store recovered")
			m.metrics.SetDegraded(false)
		}
		return result, false
	}

	m.metrics.IncStoreFailures()
	wasOpen := m.breaker.IsOpen()
	open := m.breaker.RecordFailure()
	if open && !wasOpen {
		m.logger.WarnContext(ctx, "rate limit store failing, switching to in-memory fallback", "error", err)
		m.metrics.SetDegraded(true)
	}
	if !open || m.fallback == nil {
		m.logger.ErrorContext(ctx, "failed to check rate limit", "error", err, "key", key)
		return nil, false
	}

	result, err = m.fallback.Allow(ctx, key, limit.RequestsPerWindow, limit.Window)
	if err != nil {
		m.logger.ErrorContext(ctx, "fallback rate limit check failed", "error", err, "key", key)
		return nil, true
	}
	return result, true
}

func identity(ctx context.Context) string {
	if host, ok := requestcontext.HostCaller(ctx); ok && host.AccountID != "" {
		return "account:" + host.AccountID
	}
	return "ip:" + metadata.GetClientIP(ctx)
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeRateLimitExceeded(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.ExceededResponse{
		Error:            "rate_limit_exceeded",
		ErrorDescription: "Too many requests. Please try again later.",
		RetryAfter:       result.RetryAfter,
	})
}
