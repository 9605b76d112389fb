package cardstore

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
)

// MemoryStore is an in-memory Store for tests and local mode.
type MemoryStore struct {
	mu         sync.RWMutex
	cards      map[string]map[string]*card.FailureCard // orgID -> id -> card
	textSearch bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithoutTextSearch makes SearchText return ErrTextSearchUnavailable,
// exercising the keyword-regex fallback path.
func WithoutTextSearch() MemoryOption {
	return func(s *MemoryStore) { s.textSearch = false }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		cards:      make(map[string]map[string]*card.FailureCard),
		textSearch: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Insert(ctx context.Context, c *card.FailureCard) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	org := s.cards[c.OrgID]
	if org == nil {
		org = make(map[string]*card.FailureCard)
		s.cards[c.OrgID] = org
	}
	if _, exists := org[c.ID]; exists {
		return ErrDuplicateID
	}
	org[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, orgID, id string) (*card.FailureCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cards[orgID][id]
	if !ok {
		return nil, card.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) FindBySignatureHash(ctx context.Context, orgID, hash string, statuses ...card.Status) ([]card.FailureCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []card.FailureCard
	for _, c := range s.cards[orgID] {
		if c.SignatureHash != hash {
			continue
		}
		if !statusAllowed(c.Status, statuses) {
			continue
		}
		out = append(out, *c.Clone())
	}
	sortByID(out)
	return out, nil
}

func (s *MemoryStore) FindBySubsystem(ctx context.Context, orgID string, subsystem signature.Subsystem) ([]card.FailureCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []card.FailureCard
	for _, c := range s.cards[orgID] {
		if c.Status == card.StatusDeprecated {
			continue
		}
		if c.Signature.Subsystem != subsystem {
			continue
		}
		out = append(out, *c.Clone())
	}
	sortByID(out)
	return out, nil
}

// SearchText scores cards by the number of query terms found in title
// and description. Crude, but it matches the relevance scale the
// full-text stage expects (relevance/10 capped at 0.5).
func (s *MemoryStore) SearchText(ctx context.Context, orgID, query string, limit int) ([]ScoredCard, error) {
	if !s.textSearch {
		return nil, ErrTextSearchUnavailable
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := splitTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var out []ScoredCard
	for _, c := range s.cards[orgID] {
		if c.Status == card.StatusDeprecated {
			continue
		}
		haystack := strings.ToLower(c.Title + " " + c.Description)
		relevance := 0.0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				relevance++
			}
		}
		if relevance > 0 {
			out = append(out, ScoredCard{Card: *c.Clone(), Relevance: relevance})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].Card.ID < out[j].Card.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SearchKeywords(ctx context.Context, orgID string, keywords []string, limit int) ([]card.FailureCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	patterns := make([]*regexp.Regexp, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		patterns = append(patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	var out []card.FailureCard
	for _, c := range s.cards[orgID] {
		if c.Status == card.StatusDeprecated {
			continue
		}
		haystack := c.Title + " " + strings.Join(c.Signature.Symptoms, " ")
		for _, p := range patterns {
			if p.MatchString(haystack) {
				out = append(out, *c.Clone())
				break
			}
		}
	}
	sortByID(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ApplyOutcome(ctx context.Context, orgID, id string, outcome Outcome) (*card.FailureCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[orgID][id]
	if !ok {
		return nil, card.ErrNotFound
	}
	if err := c.ApplyOutcome(outcome.Success, outcome.Actor, outcome.Reference); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, orgID, id string, next card.Status, entry card.HistoryEntry) (*card.FailureCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[orgID][id]
	if !ok {
		return nil, card.ErrNotFound
	}
	if err := c.ApplyTransition(next, entry); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (s *MemoryStore) BumpVersion(ctx context.Context, orgID, id string, entry card.HistoryEntry) (*card.FailureCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[orgID][id]
	if !ok {
		return nil, card.ErrNotFound
	}
	if err := c.BumpVersion(entry); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Count(ctx context.Context, orgID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cards[orgID]), nil
}

func statusAllowed(status card.Status, allowed []card.Status) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if status == a {
			return true
		}
	}
	return false
}

func sortByID(cards []card.FailureCard) {
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })
}

func splitTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}
