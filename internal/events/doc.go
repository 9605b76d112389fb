// Package events implements the durable domain-event surface: a
// typed event envelope, a priority-ordered store, and a router that
// dispatches events to handlers with retry bookkeeping.
//
// Delivery is at-least-once: a batch pump drains unprocessed events
// in (priority, timestamp) order, and a failing handler leaves the
// event unprocessed with an incremented retry count until retries are
// exhausted, at which point the event is permanently marked processed
// with its last error recorded and handed to the dead-letter
// notifier. Handlers must therefore be idempotent. Overlapping pump
// invocations are not mutually exclusive; there is no lease/claim
// mechanism, which idempotent handlers make tolerable.
package events
