// Package publisher hands audit events to a sink without blocking the caller.
package publisher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	audit "didregistry/pkg/platform/audit"
	"didregistry/pkg/platform/audit/worker"
)

var (
	published = promauto.NewCounter(prometheus.CounterOpts{
		Name: "didregistry_audit_published_total",
		Help: "Total number of audit events accepted into the buffer",
	})
	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "didregistry_audit_dropped_total",
		Help: "Total number of audit events dropped because the buffer was full",
	})
	deliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "didregistry_audit_delivery_failures_total",
		Help: "Total number of audit events the sink rejected",
	})
)

// Buffered queues events for a background worker. When the queue is full the
// event is dropped and counted.
type Buffered struct {
	inbox  chan audit.Event
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type Option func(*options)

type options struct {
	size   int
	logger *slog.Logger
}

func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.size = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewBuffered starts the background worker draining into sink.
func NewBuffered(sink audit.Sink, opts ...Option) *Buffered {
	o := options{size: 1024, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Buffered{
		inbox:  make(chan audit.Event, o.size),
		logger: o.logger,
		done:   make(chan struct{}),
	}
	w := worker.NewWorker(sink, b.inbox,
		worker.WithLogger(o.logger),
		worker.WithFailureHook(deliveryFailures.Inc),
	)
	go func() {
		defer close(b.done)
		_ = w.Run(context.Background())
	}()
	return b
}

// Publish enqueues event. It never blocks and never fails the caller.
func (b *Buffered) Publish(ctx context.Context, event audit.Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		dropped.Inc()
		return
	}
	select {
	case b.inbox <- event:
		published.Inc()
	default:
		dropped.Inc()
		b.logger.WarnContext(ctx, "audit buffer full, event dropped",
			"action", event.Action,
			"subject", event.Subject,
			"request_id", event.RequestID,
		)
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to expire.
func (b *Buffered) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.inbox)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
