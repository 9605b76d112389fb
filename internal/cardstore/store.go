// Package cardstore persists failure cards behind an abstract
// document-store interface.
//
// The interface deliberately exposes find-and-update primitives
// (ApplyOutcome, Transition, BumpVersion) instead of a generic Update:
// counters, confidence, and version must never be mutated via
// in-process read-modify-write, or concurrent ticket closures against
// the same card lose updates. Two implementations are provided: an
// in-memory store for tests and local mode, and a GORM/SQLite store
// for durable deployments.
package cardstore

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
)

// Store errors.
var (
	// ErrTextSearchUnavailable signals that SearchText is not supported
	// by this implementation; callers fall back to SearchKeywords.
	ErrTextSearchUnavailable = errors.New("full-text search unavailable")

	// ErrDuplicateID rejects inserting a card whose ID already exists.
	ErrDuplicateID = errors.New("card ID already exists")

	// ErrVersionConflict reports a lost optimistic-concurrency race;
	// the primitive retried and still could not apply.
	ErrVersionConflict = errors.New("card version conflict")
)

// Outcome is one resolution result to fold into a card.
type Outcome struct {
	Success   bool
	Actor     string
	Reference string
}

// ScoredCard pairs a card with a full-text relevance value.
type ScoredCard struct {
	Card      card.FailureCard
	Relevance float64
}

// Store is the abstract card document store. All methods are
// tenant-scoped by orgID and safe for concurrent use.
type Store interface {
	// Insert stores a new card.
	Insert(ctx context.Context, c *card.FailureCard) error

	// Get returns a card by ID, or card.ErrNotFound.
	Get(ctx context.Context, orgID, id string) (*card.FailureCard, error)

	// FindBySignatureHash returns cards with the exact signature hash,
	// optionally restricted to the given statuses.
	FindBySignatureHash(ctx context.Context, orgID, hash string, statuses ...card.Status) ([]card.FailureCard, error)

	// FindBySubsystem returns non-deprecated cards for a subsystem.
	FindBySubsystem(ctx context.Context, orgID string, subsystem signature.Subsystem) ([]card.FailureCard, error)

	// SearchText runs a relevance-ranked full-text search over title
	// and description. Implementations without full-text support
	// return ErrTextSearchUnavailable.
	SearchText(ctx context.Context, orgID, query string, limit int) ([]ScoredCard, error)

	// SearchKeywords returns non-deprecated cards whose title or
	// symptoms match any of the keywords (word-boundary regex).
	SearchKeywords(ctx context.Context, orgID string, keywords []string, limit int) ([]card.FailureCard, error)

	// ApplyOutcome atomically folds a resolution outcome into a card:
	// counters, clamped confidence delta, effectiveness, history
	// entry, version bump. Returns the updated card.
	ApplyOutcome(ctx context.Context, orgID, id string, outcome Outcome) (*card.FailureCard, error)

	// Transition atomically moves a card from one status to the next,
	// applying the history entry's confidence change. Returns
	// card.ErrInvalidTransition when the current status does not allow
	// the move.
	Transition(ctx context.Context, orgID, id string, next card.Status, entry card.HistoryEntry) (*card.FailureCard, error)

	// BumpVersion atomically records a confidence-neutral mutating
	// update (expert edit, import refresh) as a history entry plus
	// version increment.
	BumpVersion(ctx context.Context, orgID, id string, entry card.HistoryEntry) (*card.FailureCard, error)

	// Count returns the number of cards for an org.
	Count(ctx context.Context, orgID string) (int, error)
}
