package cardstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
)

func batterySignature() signature.Signature {
	return signature.Signature{
		Symptoms:    []string{"battery", "drain"},
		ErrorCodes:  []string{"BMS001"},
		Subsystem:   signature.SubsystemBattery,
		FailureMode: signature.FailureModeElectrical,
	}
}

func mustCard(t *testing.T, orgID, title string) *card.FailureCard {
	t.Helper()
	c, err := card.NewImported(orgID, title, "Battery drains overnight, BMS cuts power", batterySignature())
	require.NoError(t, err)
	return c
}

func TestMemoryStore_InsertGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := mustCard(t, "org-1", "Battery drain")

	require.NoError(t, store.Insert(ctx, c))

	got, err := store.Get(ctx, "org-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Title, got.Title)

	assert.ErrorIs(t, store.Insert(ctx, c), ErrDuplicateID)

	_, err = store.Get(ctx, "org-1", "missing")
	assert.ErrorIs(t, err, card.ErrNotFound)

	_, err = store.Get(ctx, "org-2", c.ID)
	assert.ErrorIs(t, err, card.ErrNotFound, "tenant isolation")
}

func TestMemoryStore_FindBySignatureHash(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	approved := mustCard(t, "org-1", "Battery drain")
	require.NoError(t, store.Insert(ctx, approved))

	draft, err := card.NewDraft("org-1", "Battery drain draft", "", batterySignature())
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, draft))

	all, err := store.FindBySignatureHash(ctx, "org-1", batterySignature().Hash())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	approvedOnly, err := store.FindBySignatureHash(ctx, "org-1", batterySignature().Hash(), card.StatusApproved)
	require.NoError(t, err)
	require.Len(t, approvedOnly, 1)
	assert.Equal(t, approved.ID, approvedOnly[0].ID)
}

func TestMemoryStore_SearchText(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, mustCard(t, "org-1", "Battery drains overnight")))

	brake, err := card.NewImported("org-1", "Brake squeal at low speed", "Pads worn below limit", batterySignature())
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, brake))

	hits, err := store.SearchText(ctx, "org-1", "battery drains", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Card.Title, "Battery")
	assert.Greater(t, hits[0].Relevance, 0.0)
}

func TestMemoryStore_SearchTextUnavailable(t *testing.T) {
	store := NewMemoryStore(WithoutTextSearch())
	_, err := store.SearchText(context.Background(), "org-1", "battery", 10)
	assert.ErrorIs(t, err, ErrTextSearchUnavailable)
}

func TestMemoryStore_SearchKeywords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, mustCard(t, "org-1", "Battery drains overnight")))

	hits, err := store.SearchKeywords(ctx, "org-1", []string{"battery"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	none, err := store.SearchKeywords(ctx, "org-1", []string{"batter"}, 10)
	require.NoError(t, err)
	assert.Empty(t, none, "keyword match is word-bounded")
}

func TestMemoryStore_ApplyOutcomeConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := mustCard(t, "org-1", "Battery drain")
	require.NoError(t, store.Insert(ctx, c))

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := store.ApplyOutcome(ctx, "org-1", c.ID, Outcome{Success: true, Actor: "engine", Reference: "t"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "org-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.UsageCount, "no lost updates")
	assert.Equal(t, n, got.SuccessCount)
	assert.Len(t, got.ConfidenceHistory, n)
}

func TestMemoryStore_Transition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	draft, err := card.NewDraft("org-1", "Battery drain", "", batterySignature())
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, draft))

	approved, err := store.Transition(ctx, "org-1", draft.ID, card.StatusApproved, card.HistoryEntry{
		Previous: draft.ConfidenceScore,
		New:      card.ApprovalFloor,
		Reason:   "approval",
		Actor:    "expert-1",
	})
	require.NoError(t, err)
	assert.Equal(t, card.StatusApproved, approved.Status)
	assert.InDelta(t, card.ApprovalFloor, approved.ConfidenceScore, 1e-9)

	_, err = store.Transition(ctx, "org-1", draft.ID, card.StatusApproved, card.HistoryEntry{Reason: "approval"})
	assert.ErrorIs(t, err, card.ErrInvalidTransition)
}

func TestMemoryStore_DeprecatedIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := mustCard(t, "org-1", "Battery drain")
	require.NoError(t, store.Insert(ctx, c))

	deprecated, err := store.Transition(ctx, "org-1", c.ID, card.StatusDeprecated, card.HistoryEntry{
		Previous: c.ConfidenceScore,
		New:      c.ConfidenceScore,
		Reason:   "deprecation",
		Actor:    "expert-1",
	})
	require.NoError(t, err)

	_, err = store.ApplyOutcome(ctx, "org-1", c.ID, Outcome{Success: true, Actor: "engine", Reference: "t"})
	assert.ErrorIs(t, err, card.ErrInvalidTransition)

	_, err = store.BumpVersion(ctx, "org-1", c.ID, card.HistoryEntry{Reason: "import_update", Actor: "importer"})
	assert.ErrorIs(t, err, card.ErrInvalidTransition)

	got, err := store.Get(ctx, "org-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, deprecated.Version, got.Version)
	assert.Equal(t, 0, got.UsageCount)
	assert.Len(t, got.ConfidenceHistory, len(deprecated.ConfidenceHistory))
}

func TestMemoryStore_BumpVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := mustCard(t, "org-1", "Battery drain")
	require.NoError(t, store.Insert(ctx, c))

	updated, err := store.BumpVersion(ctx, "org-1", c.ID, card.HistoryEntry{Reason: "import_update", Actor: "importer"})
	require.NoError(t, err)
	assert.Equal(t, c.Version+1, updated.Version)
	assert.Len(t, updated.ConfidenceHistory, len(c.ConfidenceHistory)+1)
}
