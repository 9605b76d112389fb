package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/diagnostd/internal/metrics"
)

// ErrEmitCycle rejects a handler emitting an event of its own
// triggering type, which would loop the router forever.
var ErrEmitCycle = errors.New("handler cannot emit its own trigger type")

// HandlerFunc processes one event. Handlers must be idempotent: the
// at-least-once pump may redeliver.
type HandlerFunc func(ctx context.Context, e *Event) error

// Result classifies one Process call.
type Result string

const (
	ResultProcessed Result = "processed"
	ResultErrored   Result = "errored"
	ResultSkipped   Result = "skipped"
)

// permanentError marks a handler failure that must not be retried
// (missing ticket, invalid transition).
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the router dead-letters immediately instead
// of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the no-retry marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type processingTypeKey struct{}

// Router dispatches events to registered handlers and keeps the
// retry/priority bookkeeping on the durable store.
type Router struct {
	store    Store
	notifier Notifier
	handlers map[Type]HandlerFunc
	logger   *zap.Logger
}

// NewRouter creates a router over a durable store. A nil notifier
// defaults to NopNotifier.
func NewRouter(store Store, notifier Notifier, logger *zap.Logger) (*Router, error) {
	if store == nil {
		return nil, fmt.Errorf("event store cannot be nil")
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:    store,
		notifier: notifier,
		handlers: make(map[Type]HandlerFunc),
		logger:   logger,
	}, nil
}

// Register installs the handler for an event type, replacing any
// previous registration.
func (r *Router) Register(t Type, h HandlerFunc) {
	r.handlers[t] = h
}

// Emit validates, persists, and announces a new event. Handlers call
// Emit for downstream events; emitting the type currently being
// processed is rejected to prevent cycles.
func (r *Router) Emit(ctx context.Context, payload Payload, priority int) (*Event, error) {
	if current, ok := ctx.Value(processingTypeKey{}).(Type); ok && payload != nil && current == payload.EventType() {
		return nil, fmt.Errorf("%w: %s", ErrEmitCycle, current)
	}

	e, err := New(payload, priority)
	if err != nil {
		return nil, err
	}
	if err := r.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("appending event: %w", err)
	}

	r.notifier.EventEmitted(ctx, e)
	r.logger.Debug("event emitted",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.Int("priority", e.Priority))
	return e, nil
}

// Process runs one event through its handler.
//
// No registered handler means the event is skipped (left unprocessed,
// not an error: a handler may be registered later). A handler error
// increments the retry count; the event is marked processed only once
// retries are exhausted, with the last error always recorded and the
// event handed to the dead-letter notifier.
func (r *Router) Process(ctx context.Context, e *Event) (Result, error) {
	if e.Processed {
		return ResultSkipped, nil
	}

	h, ok := r.handlers[e.Type]
	if !ok {
		r.logger.Debug("no handler registered, skipping",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)))
		return ResultSkipped, nil
	}

	handlerCtx := context.WithValue(ctx, processingTypeKey{}, e.Type)
	err := h(handlerCtx, e)
	if err == nil {
		now := time.Now().UTC()
		e.Processed = true
		e.ProcessedAt = &now
		if updateErr := r.store.Update(ctx, e); updateErr != nil {
			return ResultErrored, fmt.Errorf("marking event processed: %w", updateErr)
		}
		return ResultProcessed, nil
	}

	e.RetryCount++
	if IsPermanent(err) {
		e.RetryCount = e.MaxRetries
	}
	e.LastError = err.Error()

	if e.RetriesExhausted() {
		now := time.Now().UTC()
		e.Processed = true
		e.ProcessedAt = &now
		metrics.DeadLetteredTotal.Inc()
		r.notifier.DeadLettered(ctx, e)
		r.logger.Error("event dead-lettered",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.Int("retries", e.RetryCount),
			zap.Error(err))
	} else {
		r.logger.Warn("handler failed, will retry",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.Int("retry_count", e.RetryCount),
			zap.Error(err))
	}

	if updateErr := r.store.Update(ctx, e); updateErr != nil {
		return ResultErrored, fmt.Errorf("recording handler failure: %w", updateErr)
	}
	return ResultErrored, nil
}

// PumpStats tallies one batch pump.
type PumpStats struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
}

// Pump drains up to limit unprocessed events in (priority, timestamp)
// order through Process.
//
// Ordering holds within one invocation only. Concurrent pumps are not
// mutually exclusive; idempotent handlers absorb the resulting
// occasional double-processing.
func (r *Router) Pump(ctx context.Context, limit int) (PumpStats, error) {
	var stats PumpStats

	batch, err := r.store.FetchUnprocessed(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("fetching unprocessed events: %w", err)
	}

	for i := range batch {
		result, err := r.Process(ctx, &batch[i])
		if err != nil {
			// Bookkeeping failure, not a handler failure: stop the
			// batch, the events remain fetchable.
			return stats, err
		}
		metrics.EventsTotal.WithLabelValues(string(result)).Inc()
		switch result {
		case ResultProcessed:
			stats.Processed++
		case ResultErrored:
			stats.Errors++
		case ResultSkipped:
			stats.Skipped++
		}
	}

	if stats.Processed+stats.Errors > 0 {
		r.logger.Debug("pump completed",
			zap.Int("processed", stats.Processed),
			zap.Int("errors", stats.Errors),
			zap.Int("skipped", stats.Skipped))
	}
	return stats, nil
}
