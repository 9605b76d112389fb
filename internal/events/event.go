package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common event errors.
var (
	ErrEventNotFound   = errors.New("event not found")
	ErrUnknownType     = errors.New("unknown event type")
	ErrInvalidPayload  = errors.New("invalid event payload")
	ErrPayloadMismatch = errors.New("payload does not match event type")
)

// Type identifies a domain event.
type Type string

const (
	TypeTicketCreated        Type = "TICKET_CREATED"
	TypeTicketResolved       Type = "TICKET_RESOLVED"
	TypeNewFailureDiscovered Type = "NEW_FAILURE_DISCOVERED"
	TypeActionCompleted      Type = "ACTION_COMPLETED"
	TypeCardApproved         Type = "CARD_APPROVED"
	TypeCardUsed             Type = "CARD_USED"
	TypeMatchCompleted       Type = "MATCH_COMPLETED"
	TypePatternDetected      Type = "PATTERN_DETECTED"
)

// Priorities; lower is served first.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 9
)

// DefaultMaxRetries is how often a failing handler is retried before
// the event is dead-lettered.
const DefaultMaxRetries = 3

// Payload is the typed body of an event. Each event type has exactly
// one payload struct; the stores reject envelopes whose payload
// belongs to a different type with ErrPayloadMismatch.
type Payload interface {
	// EventType returns the type this payload belongs to.
	EventType() Type

	// Validate checks the payload's required fields.
	Validate() error
}

// TicketCreatedPayload announces a new service ticket.
type TicketCreatedPayload struct {
	TicketID string `json:"ticket_id"`
	OrgID    string `json:"org_id"`
}

func (p *TicketCreatedPayload) EventType() Type { return TypeTicketCreated }
func (p *TicketCreatedPayload) Validate() error {
	return requireFields(map[string]string{"ticket_id": p.TicketID, "org_id": p.OrgID})
}

// TicketResolvedPayload announces a closed service ticket.
type TicketResolvedPayload struct {
	TicketID string `json:"ticket_id"`
	OrgID    string `json:"org_id"`
}

func (p *TicketResolvedPayload) EventType() Type { return TypeTicketResolved }
func (p *TicketResolvedPayload) Validate() error {
	return requireFields(map[string]string{"ticket_id": p.TicketID, "org_id": p.OrgID})
}

// NewFailureDiscoveredPayload flags an undocumented failure found in
// the field.
type NewFailureDiscoveredPayload struct {
	ActionID string `json:"action_id"`
	TicketID string `json:"ticket_id"`
	OrgID    string `json:"org_id"`
}

func (p *NewFailureDiscoveredPayload) EventType() Type { return TypeNewFailureDiscovered }
func (p *NewFailureDiscoveredPayload) Validate() error {
	return requireFields(map[string]string{"action_id": p.ActionID, "ticket_id": p.TicketID, "org_id": p.OrgID})
}

// ActionCompletedPayload announces a finished technician action.
type ActionCompletedPayload struct {
	ActionID string `json:"action_id"`
	OrgID    string `json:"org_id"`
}

func (p *ActionCompletedPayload) EventType() Type { return TypeActionCompleted }
func (p *ActionCompletedPayload) Validate() error {
	return requireFields(map[string]string{"action_id": p.ActionID, "org_id": p.OrgID})
}

// CardApprovedPayload announces an expert approval from the review
// workflow.
type CardApprovedPayload struct {
	CardID string `json:"card_id"`
	OrgID  string `json:"org_id"`
	Actor  string `json:"actor,omitempty"`
}

func (p *CardApprovedPayload) EventType() Type { return TypeCardApproved }
func (p *CardApprovedPayload) Validate() error {
	return requireFields(map[string]string{"card_id": p.CardID, "org_id": p.OrgID})
}

// CardUsedPayload announces that a technician worked from a card.
type CardUsedPayload struct {
	CardID   string `json:"card_id"`
	TicketID string `json:"ticket_id,omitempty"`
	OrgID    string `json:"org_id"`
}

func (p *CardUsedPayload) EventType() Type { return TypeCardUsed }
func (p *CardUsedPayload) Validate() error {
	return requireFields(map[string]string{"card_id": p.CardID, "org_id": p.OrgID})
}

// MatchCompletedPayload reports the outcome of a matching run.
type MatchCompletedPayload struct {
	TicketID   string  `json:"ticket_id"`
	OrgID      string  `json:"org_id"`
	Candidates int     `json:"candidates"`
	TopScore   float64 `json:"top_score"`
}

func (p *MatchCompletedPayload) EventType() Type { return TypeMatchCompleted }
func (p *MatchCompletedPayload) Validate() error {
	return requireFields(map[string]string{"ticket_id": p.TicketID, "org_id": p.OrgID})
}

// PatternDetectedPayload announces freshly persisted emerging patterns.
type PatternDetectedPayload struct {
	OrgID      string   `json:"org_id"`
	PatternIDs []string `json:"pattern_ids"`
}

func (p *PatternDetectedPayload) EventType() Type { return TypePatternDetected }
func (p *PatternDetectedPayload) Validate() error {
	if p.OrgID == "" {
		return fmt.Errorf("%w: org_id required", ErrInvalidPayload)
	}
	if len(p.PatternIDs) == 0 {
		return fmt.Errorf("%w: at least one pattern ID required", ErrInvalidPayload)
	}
	return nil
}

// payloadFactories rebuilds the right payload struct when an event is
// loaded from durable storage.
var payloadFactories = map[Type]func() Payload{
	TypeTicketCreated:        func() Payload { return &TicketCreatedPayload{} },
	TypeTicketResolved:       func() Payload { return &TicketResolvedPayload{} },
	TypeNewFailureDiscovered: func() Payload { return &NewFailureDiscoveredPayload{} },
	TypeActionCompleted:      func() Payload { return &ActionCompletedPayload{} },
	TypeCardApproved:         func() Payload { return &CardApprovedPayload{} },
	TypeCardUsed:             func() Payload { return &CardUsedPayload{} },
	TypeMatchCompleted:       func() Payload { return &MatchCompletedPayload{} },
	TypePatternDetected:      func() Payload { return &PatternDetectedPayload{} },
}

func newPayload(t Type) (Payload, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return factory(), nil
}

func requireFields(fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			return fmt.Errorf("%w: %s required", ErrInvalidPayload, name)
		}
	}
	return nil
}

// Event is the durable envelope around a payload. Terminal once
// Processed; retained for audit, never deleted.
type Event struct {
	ID      string  `json:"id"`
	Type    Type    `json:"type"`
	Payload Payload `json:"payload"`

	// Priority orders delivery; lower is served first.
	Priority int `json:"priority"`

	Processed  bool   `json:"processed"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// New creates an unprocessed event around a validated payload.
func New(payload Payload, priority int) (*Event, error) {
	if payload == nil {
		return nil, ErrInvalidPayload
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if priority <= 0 {
		priority = PriorityNormal
	}
	return &Event{
		ID:         uuid.New().String(),
		Type:       payload.EventType(),
		Payload:    payload,
		Priority:   priority,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// checkPayload rejects an envelope whose payload belongs to a
// different event type. New derives Type from the payload, so this
// only trips on hand-built envelopes.
func (e *Event) checkPayload() error {
	if e.Payload == nil {
		return ErrInvalidPayload
	}
	if got := e.Payload.EventType(); got != e.Type {
		return fmt.Errorf("%w: %s payload on %s event", ErrPayloadMismatch, got, e.Type)
	}
	return nil
}

// RetriesExhausted reports whether the event has used up its retries.
func (e *Event) RetriesExhausted() bool {
	return e.RetryCount >= e.MaxRetries
}
