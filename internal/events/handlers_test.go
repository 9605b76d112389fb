package events

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/cardstore"
	"github.com/fyrsmithlabs/diagnostd/internal/confidence"
	"github.com/fyrsmithlabs/diagnostd/internal/matching"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
	"github.com/fyrsmithlabs/diagnostd/internal/ticket"
)

type handlerFixture struct {
	router  *Router
	store   *MemoryStore
	cards   *cardstore.MemoryStore
	tickets *ticket.MemoryService
	engine  *confidence.Engine
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	store := NewMemoryStore()
	router, err := NewRouter(store, nil, zap.NewNop())
	require.NoError(t, err)

	cards := cardstore.NewMemoryStore()
	tickets := ticket.NewMemoryService()
	engine, err := confidence.NewEngine(cards, tickets, zap.NewNop())
	require.NoError(t, err)

	pipeline, err := matching.NewPipeline(cards, nil, zap.NewNop())
	require.NoError(t, err)

	router.Register(TypeTicketCreated, TicketCreatedHandler(tickets, pipeline, router, zap.NewNop()))
	router.Register(TypeTicketResolved, TicketResolvedHandler(engine))
	router.Register(TypeNewFailureDiscovered, NewFailureDiscoveredHandler(tickets, cards, zap.NewNop()))
	router.Register(TypeCardApproved, CardApprovedHandler(engine))
	router.Register(TypeCardUsed, CardUsedHandler(zap.NewNop()))

	return &handlerFixture{
		router:  router,
		store:   store,
		cards:   cards,
		tickets: tickets,
		engine:  engine,
	}
}

func seedBatteryCard(t *testing.T, f *handlerFixture) *card.FailureCard {
	t.Helper()
	sig := signature.NewBuilder().Build(signature.Report{
		Text:       "battery drains overnight",
		ErrorCodes: []string{"BMS001"},
		Subsystem:  signature.SubsystemBattery,
	})
	c, err := card.NewImported("org-1", "Battery drains overnight",
		"Battery drains overnight, BMS cuts power under load", sig)
	require.NoError(t, err)
	require.NoError(t, f.cards.Insert(context.Background(), c))
	return c
}

func TestTicketCreatedHandler_WritesSuggestions(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	c := seedBatteryCard(t, f)

	f.tickets.Put(&ticket.Ticket{
		ID:          "t-1",
		OrgID:       "org-1",
		Description: "battery drains overnight",
		ErrorCodes:  []string{"BMS001"},
		Subsystem:   signature.SubsystemBattery,
		CreatedAt:   time.Now().UTC(),
	})

	e, err := f.router.Emit(ctx, &TicketCreatedPayload{TicketID: "t-1", OrgID: "org-1"}, PriorityHigh)
	require.NoError(t, err)
	result, err := f.router.Process(ctx, e)
	require.NoError(t, err)
	require.Equal(t, ResultProcessed, result)

	updated, err := f.tickets.Get(ctx, "org-1", "t-1")
	require.NoError(t, err)
	assert.True(t, updated.Matched)
	require.NotEmpty(t, updated.Suggestions)
	assert.Equal(t, c.ID, updated.Suggestions[0].CardID)
	assert.InDelta(t, 0.95, updated.Suggestions[0].Score, 1e-9)

	// Downstream MATCH_COMPLETED is queued, not self-triggering.
	pending, err := f.store.FetchUnprocessed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, TypeMatchCompleted, pending[0].Type)
	completion := pending[0].Payload.(*MatchCompletedPayload)
	assert.Equal(t, "t-1", completion.TicketID)
	assert.InDelta(t, 0.95, completion.TopScore, 1e-9)
}

func TestTicketCreatedHandler_MissingTicketIsPermanent(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	e, err := f.router.Emit(ctx, &TicketCreatedPayload{TicketID: "t-gone", OrgID: "org-1"}, PriorityNormal)
	require.NoError(t, err)

	result, err := f.router.Process(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, ResultErrored, result)

	stored, err := f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed, "missing ticket must not be retried")
	assert.Contains(t, stored.LastError, "ticket not found")
}

func TestTicketResolvedHandler_AppliesOutcome(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	c := seedBatteryCard(t, f)

	f.tickets.Put(&ticket.Ticket{
		ID:         "t-1",
		OrgID:      "org-1",
		UsedCardID: c.ID,
		Outcome:    ticket.OutcomeSuccess,
		CreatedAt:  time.Now().UTC(),
	})

	e, err := f.router.Emit(ctx, &TicketResolvedPayload{TicketID: "t-1", OrgID: "org-1"}, PriorityNormal)
	require.NoError(t, err)
	result, err := f.router.Process(ctx, e)
	require.NoError(t, err)
	require.Equal(t, ResultProcessed, result)

	updated, err := f.cards.Get(ctx, "org-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.UsageCount)
	assert.Equal(t, 1, updated.SuccessCount)
	assert.InDelta(t, c.ConfidenceScore+card.SuccessDelta, updated.ConfidenceScore, 1e-9)
}

func TestNewFailureDiscoveredHandler_CreatesDraftOnce(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	f.tickets.Put(&ticket.Ticket{
		ID:          "t-1",
		OrgID:       "org-1",
		Description: "Coolant pump seal weeps under sustained load",
		Subsystem:   signature.SubsystemCooling,
		CreatedAt:   time.Now().UTC(),
	})

	emit := func() {
		e, err := f.router.Emit(ctx, &NewFailureDiscoveredPayload{
			ActionID: "a-1", TicketID: "t-1", OrgID: "org-1",
		}, PriorityHigh)
		require.NoError(t, err)
		result, err := f.router.Process(ctx, e)
		require.NoError(t, err)
		require.Equal(t, ResultProcessed, result)
	}

	emit()
	count, err := f.cards.Count(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	drafts, err := f.cards.FindBySubsystem(ctx, "org-1", signature.SubsystemCooling)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, card.StatusDraft, drafts[0].Status)
	assert.InDelta(t, card.DraftConfidence, drafts[0].ConfidenceScore, 1e-9)
	assert.Equal(t, "Coolant pump seal weeps under sustained load", drafts[0].Title)

	// Redelivery of the same discovery must not duplicate the draft.
	emit()
	count, err = f.cards.Count(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCardApprovedHandler_ApprovesAndIsIdempotent(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	sig := signature.NewBuilder().Build(signature.Report{
		Text:      "brake pads worn below limit",
		Subsystem: signature.SubsystemBrakes,
	})
	draft, err := card.NewDraft("org-1", "Brake pads worn", "Brake pads worn below service limit", sig)
	require.NoError(t, err)
	require.NoError(t, f.cards.Insert(ctx, draft))

	process := func() {
		e, err := f.router.Emit(ctx, &CardApprovedPayload{CardID: draft.ID, OrgID: "org-1", Actor: "expert-7"}, PriorityNormal)
		require.NoError(t, err)
		result, err := f.router.Process(ctx, e)
		require.NoError(t, err)
		require.Equal(t, ResultProcessed, result)
	}

	process()
	approved, err := f.cards.Get(ctx, "org-1", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, card.StatusApproved, approved.Status)
	assert.InDelta(t, card.ApprovalFloor, approved.ConfidenceScore, 1e-9)

	// Redelivered approval is absorbed, not dead-lettered.
	process()
	again, err := f.cards.Get(ctx, "org-1", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, approved.Version, again.Version)
}

func TestDraftTitle(t *testing.T) {
	assert.Equal(t, "Coolant pump seal weeps",
		draftTitle("Coolant pump seal weeps. Found during PDI."))
	assert.Equal(t, "First line",
		draftTitle("First line\nsecond line"))
	assert.Equal(t, "Undocumented failure", draftTitle(""))
	long := "A failure description that keeps going well past the eighty character truncation point of titles"
	assert.Len(t, draftTitle(long), maxDraftTitleLen)
}

func TestDraftTitle_TruncatesOnRuneBoundary(t *testing.T) {
	// The '°' straddles the byte cap; the cut must back off rather
	// than leave half a rune behind.
	long := strings.Repeat("a", maxDraftTitleLen-1) + "°C over ambient on every climb"
	title := draftTitle(long)
	assert.True(t, utf8.ValidString(title))
	assert.Equal(t, strings.Repeat("a", maxDraftTitleLen-1), title)
}
