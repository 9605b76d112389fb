package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Notifier fans processed domain events out to interested external
// systems. It decouples producers from the router: the durable store
// remains the source of truth, the notifier is best-effort signal.
type Notifier interface {
	// EventEmitted announces a freshly appended event.
	EventEmitted(ctx context.Context, e *Event)

	// DeadLettered announces an event that exhausted its retries.
	DeadLettered(ctx context.Context, e *Event)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) EventEmitted(ctx context.Context, e *Event) {}
func (NopNotifier) DeadLettered(ctx context.Context, e *Event) {}

// NATSNotifier publishes event notifications to NATS subjects
// (diagnostd.events.<TYPE> and diagnostd.deadletter). Publish
// failures are logged and swallowed: notification is best-effort and
// must never fail event processing.
type NATSNotifier struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSNotifier connects to NATS at url.
func NewNATSNotifier(url string, logger *zap.Logger) (*NATSNotifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url, nats.Name("diagnostd"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSNotifier{conn: conn, logger: logger}, nil
}

// Close drains the connection.
func (n *NATSNotifier) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

func (n *NATSNotifier) EventEmitted(ctx context.Context, e *Event) {
	n.publish("diagnostd.events."+string(e.Type), e)
}

func (n *NATSNotifier) DeadLettered(ctx context.Context, e *Event) {
	n.publish("diagnostd.deadletter", e)
}

func (n *NATSNotifier) publish(subject string, e *Event) {
	data, err := json.Marshal(e)
	if err != nil {
		n.logger.Warn("marshaling event for NATS", zap.String("event_id", e.ID), zap.Error(err))
		return
	}
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Warn("publishing event to NATS",
			zap.String("subject", subject),
			zap.String("event_id", e.ID),
			zap.Error(err))
	}
}
