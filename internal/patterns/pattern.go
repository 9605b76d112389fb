// Package patterns surfaces emerging failure clusters from tickets
// the matching pipeline could not serve.
//
// Detection is a scheduled batch, not a stream: each run takes a
// fresh snapshot of the lookback window and persists what it finds.
// Runs are not deduplicated against each other; a cluster that keeps
// recurring keeps getting flagged until a reviewer acts on it.
package patterns

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pattern errors.
var (
	ErrNotFound          = errors.New("pattern not found")
	ErrInvalidTransition = errors.New("invalid pattern status transition")
)

// Type classifies what a pattern was detected from.
type Type string

const (
	// TypeTicketCluster groups unmatched tickets sharing a vehicle
	// category and symptom vocabulary.
	TypeTicketCluster Type = "ticket_cluster"

	// TypePartAnomaly flags a part repeatedly consumed against plan.
	TypePartAnomaly Type = "part_anomaly"
)

// Status is the review lifecycle of a pattern. One-directional:
// detected -> reviewed -> escalated.
type Status string

const (
	StatusDetected  Status = "detected"
	StatusReviewed  Status = "reviewed"
	StatusEscalated Status = "escalated"
)

// CanTransitionTo reports whether the review lifecycle allows moving
// from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusDetected:
		return next == StatusReviewed
	case StatusReviewed:
		return next == StatusEscalated
	default:
		return false
	}
}

// EmergingPattern is one persisted detection result awaiting human
// review.
type EmergingPattern struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`

	Type   Type   `json:"type"`
	Status Status `json:"status"`

	// VehicleCategory is set for ticket clusters.
	VehicleCategory string `json:"vehicle_category,omitempty"`

	// PartID and PartName are set for part anomalies.
	PartID   string `json:"part_id,omitempty"`
	PartName string `json:"part_name,omitempty"`

	OccurrenceCount int     `json:"occurrence_count"`
	ConfidenceScore float64 `json:"confidence_score"`

	// SymptomKeywords are tokens appearing in at least half of the
	// cluster's tickets.
	SymptomKeywords []string `json:"symptom_keywords,omitempty"`

	// VehicleCounts breaks the cluster down per make/model.
	VehicleCounts map[string]int `json:"vehicle_counts,omitempty"`

	LinkedTicketIDs []string `json:"linked_ticket_ids,omitempty"`
	LinkedCardIDs   []string `json:"linked_card_ids,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

func newPattern(orgID string, t Type) *EmergingPattern {
	return &EmergingPattern{
		ID:         uuid.New().String(),
		OrgID:      orgID,
		Type:       t,
		Status:     StatusDetected,
		DetectedAt: time.Now().UTC(),
	}
}

// Store persists emerging patterns for the review queue.
type Store interface {
	// Insert stores a new pattern.
	Insert(ctx context.Context, p *EmergingPattern) error

	// Get returns a pattern by ID, or ErrNotFound.
	Get(ctx context.Context, orgID, id string) (*EmergingPattern, error)

	// List returns patterns newest first, optionally restricted to the
	// given statuses.
	List(ctx context.Context, orgID string, statuses ...Status) ([]EmergingPattern, error)

	// Transition moves a pattern along the review lifecycle, or
	// returns ErrInvalidTransition.
	Transition(ctx context.Context, orgID, id string, next Status) (*EmergingPattern, error)
}

// MemoryStore is an in-memory Store for tests and local mode.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns map[string]map[string]*EmergingPattern // orgID -> id -> pattern
}

// NewMemoryStore creates an empty in-memory pattern store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{patterns: make(map[string]map[string]*EmergingPattern)}
}

func (s *MemoryStore) Insert(ctx context.Context, p *EmergingPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	org := s.patterns[p.OrgID]
	if org == nil {
		org = make(map[string]*EmergingPattern)
		s.patterns[p.OrgID] = org
	}
	dup := *p
	org[p.ID] = &dup
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, orgID, id string) (*EmergingPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[orgID][id]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *p
	return &dup, nil
}

func (s *MemoryStore) List(ctx context.Context, orgID string, statuses ...Status) ([]EmergingPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []EmergingPattern
	for _, p := range s.patterns[orgID] {
		if len(statuses) > 0 && !statusIn(p.Status, statuses) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, orgID, id string, next Status) (*EmergingPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[orgID][id]
	if !ok {
		return nil, ErrNotFound
	}
	if !p.Status.CanTransitionTo(next) {
		return nil, ErrInvalidTransition
	}
	p.Status = next
	dup := *p
	return &dup, nil
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
