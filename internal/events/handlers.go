package events

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/cardstore"
	"github.com/fyrsmithlabs/diagnostd/internal/confidence"
	"github.com/fyrsmithlabs/diagnostd/internal/matching"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
	"github.com/fyrsmithlabs/diagnostd/internal/ticket"
)

// TicketService is the combined ticket surface the handlers need.
type TicketService interface {
	ticket.Reader
	ticket.Writer
}

// TicketCreatedHandler matches a new ticket against the knowledge
// base and writes ranked suggestions back to the ticket service.
//
// Idempotent: rerunning replaces the same suggestions. Emits
// MATCH_COMPLETED downstream.
func TicketCreatedHandler(tickets TicketService, pipeline *matching.Pipeline, router *Router, logger *zap.Logger) HandlerFunc {
	return func(ctx context.Context, e *Event) error {
		p := e.Payload.(*TicketCreatedPayload)

		t, err := tickets.Get(ctx, p.OrgID, p.TicketID)
		if err != nil {
			if errors.Is(err, ticket.ErrNotFound) {
				return Permanent(err)
			}
			return err
		}

		candidates, err := pipeline.Match(ctx, matching.Request{
			OrgID:           t.OrgID,
			Text:            t.Description,
			ErrorCodes:      t.ErrorCodes,
			Subsystem:       t.Subsystem,
			VehicleCategory: t.VehicleCategory,
			VehicleMake:     t.VehicleMake,
			VehicleModel:    t.VehicleModel,
		})
		if err != nil {
			return fmt.Errorf("matching ticket %s: %w", t.ID, err)
		}

		suggestions := make([]ticket.Suggestion, 0, len(candidates))
		topScore := 0.0
		for _, c := range candidates {
			if c.Score > topScore {
				topScore = c.Score
			}
			suggestions = append(suggestions, ticket.Suggestion{
				CardID:          c.CardID,
				Title:           c.Title,
				Score:           c.Score,
				MatchType:       string(c.MatchType),
				Stage:           c.Stage,
				ConfidenceLevel: string(c.ConfidenceLevel),
			})
		}

		if err := tickets.WriteSuggestions(ctx, t.OrgID, t.ID, suggestions); err != nil {
			return fmt.Errorf("writing suggestions for ticket %s: %w", t.ID, err)
		}

		if _, err := router.Emit(ctx, &MatchCompletedPayload{
			TicketID:   t.ID,
			OrgID:      t.OrgID,
			Candidates: len(candidates),
			TopScore:   topScore,
		}, PriorityNormal); err != nil {
			return fmt.Errorf("emitting match completion: %w", err)
		}

		logger.Info("ticket matched",
			zap.String("org_id", t.OrgID),
			zap.String("ticket_id", t.ID),
			zap.Int("suggestions", len(suggestions)),
			zap.Float64("top_score", topScore))
		return nil
	}
}

// TicketResolvedHandler feeds the resolution outcome into the
// confidence engine.
//
// Idempotency note: redelivery applies the delta again; the dedup
// guard is the ticket service marking resolutions consumed, which is
// outside this core (see package doc on at-least-once delivery).
func TicketResolvedHandler(engine *confidence.Engine) HandlerFunc {
	return func(ctx context.Context, e *Event) error {
		p := e.Payload.(*TicketResolvedPayload)

		_, err := engine.RecordResolution(ctx, p.OrgID, p.TicketID)
		if errors.Is(err, ticket.ErrNotFound) || errors.Is(err, card.ErrNotFound) {
			return Permanent(err)
		}
		// A deprecated card is terminal; retrying can never succeed.
		if errors.Is(err, card.ErrInvalidTransition) {
			return Permanent(err)
		}
		return err
	}
}

// NewFailureDiscoveredHandler drafts a card from a technician's
// field-discovery report.
//
// Idempotent: when a draft with the same signature hash already
// exists the event is a no-op.
func NewFailureDiscoveredHandler(tickets ticket.Reader, cards cardstore.Store, logger *zap.Logger) HandlerFunc {
	builder := signature.NewBuilder()
	return func(ctx context.Context, e *Event) error {
		p := e.Payload.(*NewFailureDiscoveredPayload)

		t, err := tickets.Get(ctx, p.OrgID, p.TicketID)
		if err != nil {
			if errors.Is(err, ticket.ErrNotFound) {
				return Permanent(err)
			}
			return err
		}

		sig := builder.Build(signature.Report{
			Text:            t.Description,
			ErrorCodes:      t.ErrorCodes,
			Subsystem:       t.Subsystem,
			VehicleCategory: t.VehicleCategory,
		})

		existing, err := cards.FindBySignatureHash(ctx, t.OrgID, sig.Hash())
		if err != nil {
			return fmt.Errorf("checking for existing card: %w", err)
		}
		if len(existing) > 0 {
			logger.Debug("draft already exists for signature",
				zap.String("org_id", t.OrgID),
				zap.String("signature_hash", sig.Hash()))
			return nil
		}

		title := draftTitle(t.Description)
		draft, err := card.NewDraft(t.OrgID, title, t.Description, sig)
		if err != nil {
			return Permanent(fmt.Errorf("building draft card: %w", err))
		}
		if err := cards.Insert(ctx, draft); err != nil {
			if errors.Is(err, cardstore.ErrDuplicateID) {
				return nil
			}
			return fmt.Errorf("inserting draft card: %w", err)
		}

		logger.Info("draft card created from field discovery",
			zap.String("org_id", t.OrgID),
			zap.String("card_id", draft.ID),
			zap.String("ticket_id", t.ID),
			zap.String("action_id", p.ActionID))
		return nil
	}
}

// CardApprovedHandler applies a review-workflow approval.
//
// Idempotent: an already-approved card makes redelivery a no-op
// rather than an error.
func CardApprovedHandler(engine *confidence.Engine) HandlerFunc {
	return func(ctx context.Context, e *Event) error {
		p := e.Payload.(*CardApprovedPayload)

		actor := p.Actor
		if actor == "" {
			actor = "review-workflow"
		}
		_, err := engine.Approve(ctx, p.OrgID, p.CardID, actor)
		if errors.Is(err, card.ErrInvalidTransition) {
			// Already approved (or deprecated meanwhile): redelivery no-op.
			return nil
		}
		if errors.Is(err, card.ErrNotFound) {
			return Permanent(err)
		}
		return err
	}
}

// CardUsedHandler records that a technician worked from a card. Pure
// audit logging; counters move only on resolution outcomes.
func CardUsedHandler(logger *zap.Logger) HandlerFunc {
	return func(ctx context.Context, e *Event) error {
		p := e.Payload.(*CardUsedPayload)
		logger.Info("card used",
			zap.String("org_id", p.OrgID),
			zap.String("card_id", p.CardID),
			zap.String("ticket_id", p.TicketID))
		return nil
	}
}

const maxDraftTitleLen = 80

// draftTitle derives a card title from the first line of a report.
func draftTitle(description string) string {
	title := description
	for i, r := range description {
		if r == '\n' || r == '.' {
			title = description[:i]
			break
		}
	}
	title = truncateRunes(title, maxDraftTitleLen)
	if title == "" {
		title = "Undocumented failure"
	}
	return title
}

// truncateRunes caps a string at max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
