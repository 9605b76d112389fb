package card

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/diagnostd/internal/signature"
)

// Common errors for card operations.
var (
	ErrNotFound          = errors.New("card not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidCard       = errors.New("invalid card")
	ErrEmptyTitle        = errors.New("card title cannot be empty")
	ErrEmptyOrgID        = errors.New("org ID cannot be empty")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
)

// Status is the lifecycle state of a card.
type Status string

const (
	// StatusDraft is an unreviewed card awaiting expert approval.
	StatusDraft Status = "draft"

	// StatusApproved is a vetted card eligible for exact-signature matching.
	StatusApproved Status = "approved"

	// StatusDeprecated is a retired card. Terminal; cards are never
	// physically deleted.
	StatusDeprecated Status = "deprecated"
)

// CanTransitionTo reports whether the move from s to next is allowed.
// Transitions are one-directional and deprecation is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusApproved || next == StatusDeprecated
	case StatusApproved:
		return next == StatusDeprecated
	default:
		return false
	}
}

// ConfidenceLevel is the banded view of a confidence score.
type ConfidenceLevel string

const (
	LevelVerified ConfidenceLevel = "verified" // >= 0.9
	LevelHigh     ConfidenceLevel = "high"     // >= 0.7
	LevelMedium   ConfidenceLevel = "medium"   // >= 0.4
	LevelLow      ConfidenceLevel = "low"
)

// LevelForScore maps a confidence score to its band.
func LevelForScore(score float64) ConfidenceLevel {
	switch {
	case score >= 0.9:
		return LevelVerified
	case score >= 0.7:
		return LevelHigh
	case score >= 0.4:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Confidence deltas and floors. Outcome updates are asymmetric on
// purpose: trust is earned slowly and lost fast.
const (
	// SuccessDelta is added to confidence on a successful resolution.
	SuccessDelta = 0.01

	// FailureDelta is subtracted from confidence on a failed resolution.
	FailureDelta = 0.02

	// DraftConfidence is the initial confidence of a field-discovered draft.
	DraftConfidence = 0.3

	// ImportedConfidence is the initial confidence of a vetted bulk import.
	ImportedConfidence = 0.7

	// ApprovalFloor is the minimum confidence an approved card lands at.
	ApprovalFloor = 0.7
)

// HistoryEntry is one immutable record in a card's confidence audit log.
type HistoryEntry struct {
	Previous  float64   `json:"previous"`
	New       float64   `json:"new"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	Reference string    `json:"reference,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Vehicle identifies a compatible make/model.
type Vehicle struct {
	Make  string `json:"make"`
	Model string `json:"model,omitempty"`
}

// DiagnosticStep is one ordered step in a card's diagnostic tree.
type DiagnosticStep struct {
	Order  int    `json:"order"`
	Action string `json:"action"`
}

// FaultGate is a boolean gate in a fault tree.
type FaultGate string

const (
	GateAnd  FaultGate = "AND"
	GateOr   FaultGate = "OR"
	GateLeaf FaultGate = "LEAF"
)

// FaultNode is a node in a card's fault-tree logic: either a leaf
// condition or a gate over child nodes.
type FaultNode struct {
	Gate      FaultGate    `json:"gate"`
	Condition string       `json:"condition,omitempty"`
	Children  []*FaultNode `json:"children,omitempty"`
}

// FailureCard is one persisted diagnostic knowledge record.
type FailureCard struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`

	Title       string `json:"title"`
	Description string `json:"description"`

	Signature     signature.Signature `json:"signature"`
	SignatureHash string              `json:"signature_hash"`

	RootCause       string           `json:"root_cause,omitempty"`
	ResolutionSteps []string         `json:"resolution_steps,omitempty"`
	RequiredParts   []string         `json:"required_parts,omitempty"`
	PreventionTips  []string         `json:"prevention_tips,omitempty"`
	DiagnosticTree  []DiagnosticStep `json:"diagnostic_tree,omitempty"`
	FaultTree       *FaultNode       `json:"fault_tree,omitempty"`
	Vehicles        []Vehicle        `json:"vehicles,omitempty"`

	ConfidenceScore    float64 `json:"confidence_score"`
	EffectivenessScore float64 `json:"effectiveness_score"`
	UsageCount         int     `json:"usage_count"`
	SuccessCount       int     `json:"success_count"`
	FailureCount       int     `json:"failure_count"`

	Status  Status `json:"status"`
	Version int    `json:"version"`

	// ConfidenceHistory is append-only; entries are never rewritten
	// or truncated.
	ConfidenceHistory []HistoryEntry `json:"confidence_history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDraft creates a draft card from a technician's field discovery.
func NewDraft(orgID, title, description string, sig signature.Signature) (*FailureCard, error) {
	return newCard(orgID, title, description, sig, StatusDraft, DraftConfidence)
}

// NewImported creates an approved card from a vetted bulk import row.
func NewImported(orgID, title, description string, sig signature.Signature) (*FailureCard, error) {
	return newCard(orgID, title, description, sig, StatusApproved, ImportedConfidence)
}

func newCard(orgID, title, description string, sig signature.Signature, status Status, confidence float64) (*FailureCard, error) {
	if orgID == "" {
		return nil, ErrEmptyOrgID
	}
	if title == "" {
		return nil, ErrEmptyTitle
	}

	now := time.Now().UTC()
	return &FailureCard{
		ID:                 uuid.New().String(),
		OrgID:              orgID,
		Title:              title,
		Description:        description,
		Signature:          sig,
		SignatureHash:      sig.Hash(),
		ConfidenceScore:    confidence,
		EffectivenessScore: 0.5,
		Status:             status,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// ConfidenceLevel returns the band for the card's own confidence
// score. Match candidates report this band, not the match score.
func (c *FailureCard) ConfidenceLevel() ConfidenceLevel {
	return LevelForScore(c.ConfidenceScore)
}

// Validate checks structural invariants.
func (c *FailureCard) Validate() error {
	if c.ID == "" {
		return ErrInvalidCard
	}
	if c.OrgID == "" {
		return ErrEmptyOrgID
	}
	if c.Title == "" {
		return ErrEmptyTitle
	}
	if c.ConfidenceScore < 0.0 || c.ConfidenceScore > 1.0 {
		return ErrInvalidConfidence
	}
	switch c.Status {
	case StatusDraft, StatusApproved, StatusDeprecated:
	default:
		return ErrInvalidCard
	}
	if c.Version < 1 {
		return ErrInvalidCard
	}
	return nil
}

// Effectiveness derives the effectiveness score from counters:
// success rate plus a usage-volume bonus, capped at 1. A card with no
// usage reports a neutral 0.5.
func Effectiveness(usageCount, successCount int) float64 {
	if usageCount <= 0 {
		return 0.5
	}
	rate := float64(successCount) / float64(usageCount)
	bonus := float64(usageCount) / 100
	if bonus > 0.1 {
		bonus = 0.1
	}
	score := rate + bonus
	if score > 1 {
		score = 1
	}
	return score
}

// ApplyOutcome folds one resolution outcome into the card: counters,
// clamped confidence delta, effectiveness, a history entry, and a
// version bump. Deprecated cards are terminal and reject the update
// with ErrInvalidTransition.
//
// This mutates the receiver and must only be called by store
// implementations inside their concurrency guard; every other caller
// goes through cardstore.Store.ApplyOutcome.
func (c *FailureCard) ApplyOutcome(success bool, actor, reference string) error {
	if c.Status == StatusDeprecated {
		return ErrInvalidTransition
	}
	previous := c.ConfidenceScore

	c.UsageCount++
	reason := "failure_outcome"
	if success {
		c.SuccessCount++
		c.ConfidenceScore = clamp(c.ConfidenceScore + SuccessDelta)
		reason = "success_outcome"
	} else {
		c.FailureCount++
		c.ConfidenceScore = clamp(c.ConfidenceScore - FailureDelta)
	}
	c.EffectivenessScore = Effectiveness(c.UsageCount, c.SuccessCount)

	c.appendHistory(HistoryEntry{
		Previous:  previous,
		New:       c.ConfidenceScore,
		Reason:    reason,
		Actor:     actor,
		Reference: reference,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// ApplyTransition moves the card to the next status and records the
// accompanying confidence change. Same mutation contract as
// ApplyOutcome: store implementations only.
func (c *FailureCard) ApplyTransition(next Status, entry HistoryEntry) error {
	if !c.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	c.Status = next
	c.ConfidenceScore = clamp(entry.New)
	c.appendHistory(entry)
	return nil
}

// BumpVersion records a mutating update that leaves confidence alone
// (expert edits, import refreshes). Deprecated cards are terminal and
// reject the update with ErrInvalidTransition.
func (c *FailureCard) BumpVersion(entry HistoryEntry) error {
	if c.Status == StatusDeprecated {
		return ErrInvalidTransition
	}
	entry.Previous = c.ConfidenceScore
	entry.New = c.ConfidenceScore
	c.appendHistory(entry)
	return nil
}

func (c *FailureCard) appendHistory(entry HistoryEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	c.ConfidenceHistory = append(c.ConfidenceHistory, entry)
	c.Version++
	c.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy. Stores hand out clones so callers can
// never mutate shared state directly.
func (c *FailureCard) Clone() *FailureCard {
	dup := *c
	dup.ResolutionSteps = append([]string(nil), c.ResolutionSteps...)
	dup.RequiredParts = append([]string(nil), c.RequiredParts...)
	dup.PreventionTips = append([]string(nil), c.PreventionTips...)
	dup.DiagnosticTree = append([]DiagnosticStep(nil), c.DiagnosticTree...)
	dup.Vehicles = append([]Vehicle(nil), c.Vehicles...)
	dup.ConfidenceHistory = append([]HistoryEntry(nil), c.ConfidenceHistory...)
	dup.Signature.Symptoms = append([]string(nil), c.Signature.Symptoms...)
	dup.Signature.ErrorCodes = append([]string(nil), c.Signature.ErrorCodes...)
	dup.FaultTree = cloneFaultNode(c.FaultTree)
	return &dup
}

func cloneFaultNode(n *FaultNode) *FaultNode {
	if n == nil {
		return nil
	}
	dup := &FaultNode{Gate: n.Gate, Condition: n.Condition}
	for _, child := range n.Children {
		dup.Children = append(dup.Children, cloneFaultNode(child))
	}
	return dup
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
