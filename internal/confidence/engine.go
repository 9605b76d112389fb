// Package confidence adjusts failure card trust from real repair
// outcomes and drives the card status state machine.
//
// Every score change flows through the card store's atomic primitives
// and lands as an append-only history entry, so the denormalized
// score, effectiveness, and counters stay re-derivable from history.
package confidence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/cardstore"
	"github.com/fyrsmithlabs/diagnostd/internal/ticket"
)

// Actor recorded on engine-driven history entries.
const engineActor = "confidence-engine"

// Engine updates card metrics from ticket resolutions and handles
// approval/deprecation transitions.
type Engine struct {
	cards   cardstore.Store
	tickets ticket.Reader
	logger  *zap.Logger
}

// NewEngine creates a confidence engine.
func NewEngine(cards cardstore.Store, tickets ticket.Reader, logger *zap.Logger) (*Engine, error) {
	if cards == nil {
		return nil, fmt.Errorf("card store cannot be nil")
	}
	if tickets == nil {
		return nil, fmt.Errorf("ticket reader cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cards: cards, tickets: tickets, logger: logger}, nil
}

// RecordResolution folds a resolved ticket's outcome into the card it
// was resolved against.
//
// A ticket resolved without a card is a no-op, not an error. The
// update is a single atomic apply at the store, so concurrent
// closures against the same card never lose counts. Idempotency under
// redelivery is the caller's concern (the event router's at-least-once
// contract); the engine itself applies exactly one delta per call.
func (e *Engine) RecordResolution(ctx context.Context, orgID, ticketID string) (*card.FailureCard, error) {
	t, err := e.tickets.Get(ctx, orgID, ticketID)
	if err != nil {
		return nil, fmt.Errorf("getting ticket %s: %w", ticketID, err)
	}

	if t.UsedCardID == "" {
		e.logger.Debug("resolution without card, skipping",
			zap.String("org_id", orgID),
			zap.String("ticket_id", ticketID))
		return nil, nil
	}

	success := t.Outcome == ticket.OutcomeSuccess && !t.NewFailureDiscovered

	updated, err := e.cards.ApplyOutcome(ctx, orgID, t.UsedCardID, cardstore.Outcome{
		Success:   success,
		Actor:     engineActor,
		Reference: ticketID,
	})
	if err != nil {
		return nil, fmt.Errorf("applying outcome to card %s: %w", t.UsedCardID, err)
	}

	e.logger.Info("resolution recorded",
		zap.String("org_id", orgID),
		zap.String("ticket_id", ticketID),
		zap.String("card_id", updated.ID),
		zap.Bool("success", success),
		zap.Float64("confidence", updated.ConfidenceScore),
		zap.Float64("effectiveness", updated.EffectivenessScore))

	return updated, nil
}

// Approve promotes a draft card, raising its confidence to at least
// card.ApprovalFloor and recording an "approval" history entry.
//
// Re-approving an already-approved (or deprecated) card returns
// card.ErrInvalidTransition.
func (e *Engine) Approve(ctx context.Context, orgID, cardID, actor string) (*card.FailureCard, error) {
	current, err := e.cards.Get(ctx, orgID, cardID)
	if err != nil {
		return nil, err
	}

	newScore := current.ConfidenceScore
	if newScore < card.ApprovalFloor {
		newScore = card.ApprovalFloor
	}

	updated, err := e.cards.Transition(ctx, orgID, cardID, card.StatusApproved, card.HistoryEntry{
		Previous:  current.ConfidenceScore,
		New:       newScore,
		Reason:    "approval",
		Actor:     actor,
		Reference: cardID,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("card approved",
		zap.String("org_id", orgID),
		zap.String("card_id", cardID),
		zap.String("actor", actor),
		zap.Float64("confidence", updated.ConfidenceScore))

	return updated, nil
}

// Deprecate retires a card (from draft or approved). Terminal: no
// further transitions or outcome updates are accepted afterwards.
func (e *Engine) Deprecate(ctx context.Context, orgID, cardID, reason, actor string) (*card.FailureCard, error) {
	current, err := e.cards.Get(ctx, orgID, cardID)
	if err != nil {
		return nil, err
	}

	updated, err := e.cards.Transition(ctx, orgID, cardID, card.StatusDeprecated, card.HistoryEntry{
		Previous:  current.ConfidenceScore,
		New:       current.ConfidenceScore,
		Reason:    "deprecation",
		Actor:     actor,
		Reference: reason,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("card deprecated",
		zap.String("org_id", orgID),
		zap.String("card_id", cardID),
		zap.String("reason", reason))

	return updated, nil
}
