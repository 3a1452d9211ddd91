package worker

import (
	"context"
	"log/slog"

	audit "didregistry/pkg/platform/audit"
)

// Worker consumes audit events from a channel and hands them to a sink.
// A failing sink is logged and the worker moves on; audit delivery never
// feeds back into subject mutations.
type Worker struct {
	sink   audit.Sink
	inbox  <-chan audit.Event
	logger *slog.Logger
	failed func()
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithFailureHook is called once per event the sink rejected.
func WithFailureHook(fn func()) Option {
	return func(w *Worker) {
		w.failed = fn
	}
}

func NewWorker(sink audit.Sink, inbox <-chan audit.Event, opts ...Option) *Worker {
	w := &Worker{sink: sink, inbox: inbox, logger: slog.Default(), failed: func() {}}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains the inbox until it is closed or ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.inbox:
			if !ok {
				return nil
			}
			if err := w.sink.Append(ctx, event); err != nil {
				w.failed()
				w.logger.ErrorContext(ctx, "failed to deliver audit event",
					"error", err,
					"action", event.Action,
					"subject", event.Subject,
					"request_id", event.RequestID,
				)
			}
		}
	}
}
