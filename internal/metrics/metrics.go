// Package metrics registers the daemon's Prometheus collectors on the
// default registry, exposed by the HTTP server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MatchesTotal counts matching pipeline runs by the stage that
	// produced the winning candidate ("none" when nothing matched).
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diagnostd",
		Name:      "matches_total",
		Help:      "Matching pipeline runs by winning stage.",
	}, []string{"stage"})

	// EventsTotal counts pumped events by result.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diagnostd",
		Name:      "events_total",
		Help:      "Processed events by result (processed, errored, skipped).",
	}, []string{"result"})

	// DeadLetteredTotal counts events that exhausted their retries.
	DeadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "diagnostd",
		Name:      "dead_lettered_total",
		Help:      "Events marked processed after exhausting retries.",
	})

	// ImportRowsTotal counts import rows by validation status.
	ImportRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diagnostd",
		Name:      "import_rows_total",
		Help:      "Imported rows by validation status (valid, warning, error).",
	}, []string{"status"})

	// PatternsDetectedTotal counts emerging patterns persisted per type.
	PatternsDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diagnostd",
		Name:      "patterns_detected_total",
		Help:      "Emerging patterns persisted by type.",
	}, []string{"type"})
)
