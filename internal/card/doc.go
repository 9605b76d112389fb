// Package card defines the failure card, the unit of knowledge in the
// diagnostic knowledge base: a symptom -> cause -> resolution record
// with a trust score earned from real repair outcomes.
//
// Cards move through a one-directional lifecycle
// (draft -> approved -> deprecated) and carry an append-only
// confidence history. The current confidence, effectiveness, and
// counters are denormalized views that must always be re-derivable
// from that history plus the counters; the only sanctioned mutation
// paths are the store primitives in internal/cardstore.
package card
