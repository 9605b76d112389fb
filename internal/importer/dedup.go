package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/cardstore"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
)

// DedupKind classifies a dedup verdict.
type DedupKind string

const (
	// DedupExact is a signature-hash hit: a certain duplicate. The
	// existing card is updated instead of inserting.
	DedupExact DedupKind = "exact"

	// DedupFuzzy is a title-similarity hit: a likely duplicate. The
	// row is still inserted but flagged on the job for review.
	DedupFuzzy DedupKind = "fuzzy"

	// DedupNone found nothing similar.
	DedupNone DedupKind = "none"
)

// fuzzyLimit caps how many similarity candidates are inspected.
const fuzzyLimit = 3

// DedupResult is the verdict for one incoming card.
type DedupResult struct {
	Kind     DedupKind
	Existing *card.FailureCard
}

// Deduper checks incoming cards against the existing knowledge base.
type Deduper struct {
	cards cardstore.Store
}

// NewDeduper creates a deduper over a card store.
func NewDeduper(cards cardstore.Store) (*Deduper, error) {
	if cards == nil {
		return nil, fmt.Errorf("card store cannot be nil")
	}
	return &Deduper{cards: cards}, nil
}

// Check runs the dedup cascade: exact signature hash first (certain,
// stop there), then fuzzy full-text on the title, falling back to
// keyword-regex matching when the store has no full-text support.
//
// The exact lookup ignores deprecated cards: they are terminal and
// reject version bumps, so a re-imported row supersedes them with a
// fresh card instead.
func (d *Deduper) Check(ctx context.Context, c *card.FailureCard) (DedupResult, error) {
	exact, err := d.cards.FindBySignatureHash(ctx, c.OrgID, c.SignatureHash,
		card.StatusDraft, card.StatusApproved)
	if err != nil {
		return DedupResult{}, fmt.Errorf("exact dedup lookup: %w", err)
	}
	if len(exact) > 0 {
		return DedupResult{Kind: DedupExact, Existing: &exact[0]}, nil
	}

	hits, err := d.cards.SearchText(ctx, c.OrgID, c.Title, fuzzyLimit)
	if err != nil {
		if !errors.Is(err, cardstore.ErrTextSearchUnavailable) {
			return DedupResult{}, fmt.Errorf("fuzzy dedup search: %w", err)
		}
		return d.checkKeywords(ctx, c)
	}
	for i := range hits {
		if hits[i].Card.ID != c.ID {
			return DedupResult{Kind: DedupFuzzy, Existing: &hits[i].Card}, nil
		}
	}
	return DedupResult{Kind: DedupNone}, nil
}

func (d *Deduper) checkKeywords(ctx context.Context, c *card.FailureCard) (DedupResult, error) {
	keywords := signature.ExtractSymptoms(c.Title)
	if len(keywords) == 0 {
		return DedupResult{Kind: DedupNone}, nil
	}
	hits, err := d.cards.SearchKeywords(ctx, c.OrgID, keywords, fuzzyLimit)
	if err != nil {
		return DedupResult{}, fmt.Errorf("keyword dedup search: %w", err)
	}
	for i := range hits {
		if hits[i].ID != c.ID {
			return DedupResult{Kind: DedupFuzzy, Existing: &hits[i]}, nil
		}
	}
	return DedupResult{Kind: DedupNone}, nil
}
