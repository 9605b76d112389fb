// Package matching ranks failure cards against an incoming failure
// report through a cascading four-stage pipeline.
//
// Stages run cheapest-first: exact signature lookup, subsystem plus
// vehicle filtering, keyword overlap, and a full-text fallback. Each
// stage has a gate; the next stage runs only when the best score so
// far fails to clear it. Per-card scores are merged by maximum, so a
// later stage can raise a candidate but never lower it.
//
// Stage three scores through the Scorer interface. The shipped scorer
// is lexical; an embedding-based scorer can replace it without
// touching the stage contract.
package matching
