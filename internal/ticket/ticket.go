// Package ticket defines the read/write surface the knowledge core
// uses to talk to the external ticket service.
//
// Tickets are owned by that service; the core only consumes them
// (matching, confidence updates, pattern detection) and writes match
// suggestions back. The interfaces here are implemented by whatever
// adapter the deployment wires in; MemoryService is the in-process
// implementation used in tests and local mode.
package ticket

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/diagnostd/internal/signature"
)

// ErrNotFound reports a missing ticket. Surfaced synchronously;
// callers must not retry.
var ErrNotFound = errors.New("ticket not found")

// Outcome is the recorded result of a service ticket.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeUnresolved Outcome = "unresolved"
)

// Ticket is the core's view of a vehicle service ticket.
type Ticket struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`

	Description string              `json:"description"`
	ErrorCodes  []string            `json:"error_codes,omitempty"`
	Subsystem   signature.Subsystem `json:"subsystem,omitempty"`

	VehicleCategory string `json:"vehicle_category,omitempty"`
	VehicleMake     string `json:"vehicle_make,omitempty"`
	VehicleModel    string `json:"vehicle_model,omitempty"`

	// Matched reports whether the matching pipeline produced any
	// suggestion for this ticket.
	Matched     bool         `json:"matched"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`

	// UsedCardID is the failure card the technician actually worked
	// from, empty when none was used.
	UsedCardID string `json:"used_card_id,omitempty"`

	Outcome              Outcome `json:"outcome,omitempty"`
	NewFailureDiscovered bool    `json:"new_failure_discovered,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Suggestion is one ranked match candidate written back to a ticket.
type Suggestion struct {
	CardID          string  `json:"card_id"`
	Title           string  `json:"title"`
	Score           float64 `json:"score"`
	MatchType       string  `json:"match_type"`
	Stage           string  `json:"stage"`
	ConfidenceLevel string  `json:"confidence_level"`
}

// PartUsage records whether a part consumed during a repair matched
// the plan. AsExpected=false entries feed anomaly detection.
type PartUsage struct {
	TicketID   string    `json:"ticket_id"`
	PartID     string    `json:"part_id"`
	PartName   string    `json:"part_name,omitempty"`
	AsExpected bool      `json:"as_expected"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Reader is the query surface the core needs from the ticket service.
type Reader interface {
	// Get returns a ticket by ID, or ErrNotFound.
	Get(ctx context.Context, orgID, id string) (*Ticket, error)

	// ListUnmatched returns tickets created at or after since that the
	// matching pipeline could not match.
	ListUnmatched(ctx context.Context, orgID string, since time.Time) ([]Ticket, error)

	// ListPartUsage returns part-usage records recorded at or after since.
	ListPartUsage(ctx context.Context, orgID string, since time.Time) ([]PartUsage, error)
}

// Writer is the write-back surface for match results.
type Writer interface {
	// WriteSuggestions replaces a ticket's match suggestions and
	// updates its matched flag.
	WriteSuggestions(ctx context.Context, orgID, ticketID string, suggestions []Suggestion) error
}

// MemoryService implements Reader and Writer in memory.
type MemoryService struct {
	mu      sync.RWMutex
	tickets map[string]map[string]*Ticket // orgID -> id -> ticket
	usage   map[string][]PartUsage        // orgID -> records
}

// NewMemoryService creates an empty in-memory ticket service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		tickets: make(map[string]map[string]*Ticket),
		usage:   make(map[string][]PartUsage),
	}
}

// Put stores or replaces a ticket.
func (s *MemoryService) Put(t *Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	org := s.tickets[t.OrgID]
	if org == nil {
		org = make(map[string]*Ticket)
		s.tickets[t.OrgID] = org
	}
	dup := *t
	org[t.ID] = &dup
}

// AddPartUsage appends a part-usage record.
func (s *MemoryService) AddPartUsage(orgID string, u PartUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[orgID] = append(s.usage[orgID], u)
}

func (s *MemoryService) Get(ctx context.Context, orgID, id string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[orgID][id]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *t
	return &dup, nil
}

func (s *MemoryService) ListUnmatched(ctx context.Context, orgID string, since time.Time) ([]Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Ticket
	for _, t := range s.tickets[orgID] {
		if t.Matched || t.CreatedAt.Before(since) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryService) ListPartUsage(ctx context.Context, orgID string, since time.Time) ([]PartUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []PartUsage
	for _, u := range s.usage[orgID] {
		if u.RecordedAt.Before(since) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *MemoryService) WriteSuggestions(ctx context.Context, orgID, ticketID string, suggestions []Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[orgID][ticketID]
	if !ok {
		return ErrNotFound
	}
	t.Suggestions = append([]Suggestion(nil), suggestions...)
	t.Matched = len(suggestions) > 0
	return nil
}
