// Package signature normalizes raw failure reports into canonical
// failure signatures with a stable, order-insensitive hash.
//
// A signature is the retrieval fingerprint for a failure: the sorted
// symptom keywords, error codes, subsystem, and failure mode of a
// report. Two reports describing the same failure in different word
// order or casing produce the same hash, which is what makes exact
// signature lookup the cheapest stage of the matching pipeline.
//
// The hash is a truncated SHA-256 digest. Truncation to 16 hex
// characters is a retrieval trade-off, not a security boundary.
package signature
