package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/cardstore"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
)

func batterySignature() signature.Signature {
	b := signature.NewBuilder()
	return b.Build(signature.Report{
		Text:       "battery drain",
		ErrorCodes: []string{"BMS001"},
		Subsystem:  signature.SubsystemBattery,
	})
}

func seedApproved(t *testing.T, store cardstore.Store, title string, sig signature.Signature) *card.FailureCard {
	t.Helper()
	c, err := card.NewImported("org-1", title, "Battery drains overnight, BMS cuts power under load", sig)
	require.NoError(t, err)
	require.NoError(t, store.Insert(context.Background(), c))
	return c
}

// countingStage wraps a stage and counts Run invocations.
type countingStage struct {
	Stage
	runs int
}

func (s *countingStage) Run(ctx context.Context, req Request, sig signature.Signature) ([]Candidate, error) {
	s.runs++
	return s.Stage.Run(ctx, req, sig)
}

// failingStage always errors.
type failingStage struct{ name string }

func (s *failingStage) Name() string  { return s.name }
func (s *failingStage) Gate() float64 { return 1.0 }
func (s *failingStage) Run(ctx context.Context, req Request, sig signature.Signature) ([]Candidate, error) {
	return nil, errors.New("backend unavailable")
}

func TestMatch_ExactSignatureShortCircuits(t *testing.T) {
	store := cardstore.NewMemoryStore()
	c := seedApproved(t, store, "Battery drains overnight", batterySignature())

	scorer := NewLexicalScorer()
	stages := []*countingStage{
		{Stage: &signatureStage{cards: store}},
		{Stage: &subsystemStage{cards: store}},
		{Stage: &keywordStage{cards: store, scorer: scorer}},
		{Stage: &fullTextStage{cards: store}},
	}
	raw := make([]Stage, len(stages))
	for i := range stages {
		raw[i] = stages[i]
	}
	p, err := NewCustomPipeline(raw, zap.NewNop())
	require.NoError(t, err)

	got, err := p.Match(context.Background(), Request{
		OrgID:      "org-1",
		Text:       "battery drain",
		ErrorCodes: []string{"BMS001"},
		Subsystem:  signature.SubsystemBattery,
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, c.ID, got[0].CardID)
	assert.InDelta(t, 0.95, got[0].Score, 1e-9)
	assert.Equal(t, MatchExactSignature, got[0].MatchType)
	assert.Equal(t, "signature", got[0].Stage)

	assert.Equal(t, 1, stages[0].runs)
	assert.Equal(t, 0, stages[1].runs, "stage 2 skipped after exact hit")
	assert.Equal(t, 0, stages[2].runs, "stage 3 skipped after exact hit")
	assert.Equal(t, 0, stages[3].runs, "stage 4 skipped after exact hit")
}

func TestMatch_ExactSignatureIgnoresDrafts(t *testing.T) {
	store := cardstore.NewMemoryStore()
	draft, err := card.NewDraft("org-1", "Battery drains overnight", "", batterySignature())
	require.NoError(t, err)
	require.NoError(t, store.Insert(context.Background(), draft))

	p, err := NewPipeline(store, nil, zap.NewNop())
	require.NoError(t, err)

	got, err := p.Match(context.Background(), Request{
		OrgID:      "org-1",
		Text:       "battery drain",
		ErrorCodes: []string{"BMS001"},
		Subsystem:  signature.SubsystemBattery,
	})
	require.NoError(t, err)

	for _, c := range got {
		assert.NotEqual(t, MatchExactSignature, c.MatchType, "draft cards never exact-match")
	}
}

func TestMatch_SubsystemVehicleScoring(t *testing.T) {
	store := cardstore.NewMemoryStore()
	sig := signature.Signature{
		Symptoms:  []string{"squeal"},
		Subsystem: signature.SubsystemBrakes,
	}
	c := seedApproved(t, store, "Brake squeal", sig)

	withVehicle, err := card.NewImported("org-1", "Brake squeal on VoltRider", "Front pads glaze on VoltRider S2", sig)
	require.NoError(t, err)
	withVehicle.Vehicles = []card.Vehicle{{Make: "VoltRider", Model: "S2"}}
	require.NoError(t, store.Insert(context.Background(), withVehicle))

	p, err := NewPipeline(store, nil, zap.NewNop())
	require.NoError(t, err)

	got, err := p.Match(context.Background(), Request{
		OrgID:        "org-1",
		Text:         "loud noise when braking", // no exact signature, weak keywords
		Subsystem:    signature.SubsystemBrakes,
		VehicleMake:  "voltrider",
		VehicleModel: "s2",
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)

	assert.Equal(t, withVehicle.ID, got[0].CardID)
	assert.InDelta(t, 0.8, got[0].Score, 1e-9, "base 0.5 + make 0.2 + model 0.1")
	assert.Equal(t, MatchSubsystemVehicle, got[0].MatchType)

	// The make-only card scores base only.
	for _, cand := range got[1:] {
		if cand.CardID == c.ID {
			assert.InDelta(t, 0.5, cand.Score, 1e-9)
		}
	}
}

func TestMatch_KeywordOverlapScore(t *testing.T) {
	store := cardstore.NewMemoryStore()
	sig := signature.Signature{
		Symptoms:  []string{"rattle", "loose"},
		Subsystem: signature.SubsystemSuspension,
	}
	seedApproved(t, store, "Front fork rattle", sig)

	p, err := NewPipeline(store, nil, zap.NewNop())
	require.NoError(t, err)

	// Unknown subsystem: stage 2 yields nothing, stage 3 scores overlap.
	got, err := p.Match(context.Background(), Request{
		OrgID: "org-1",
		Text:  "loose rattle from the front",
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, MatchKeyword, got[0].MatchType)
	// Overlap 2 ("rattle", "loose"): 0.3 + 0.2 = 0.5.
	assert.InDelta(t, 0.5, got[0].Score, 1e-9)
}

func TestMatch_FullTextFallback(t *testing.T) {
	store := cardstore.NewMemoryStore()
	sig := signature.Signature{Symptoms: []string{"flicker"}, Subsystem: signature.SubsystemElectrical}
	c, err := card.NewImported("org-1", "Display panel gibberish", "Screen shows random characters after power cycling", sig)
	require.NoError(t, err)
	require.NoError(t, store.Insert(context.Background(), c))

	p, err := NewPipeline(store, nil, zap.NewNop())
	require.NoError(t, err)

	// No symptom keywords survive extraction and no subsystem can be
	// inferred, so stages 1-3 find nothing and full text carries it.
	got, err := p.Match(context.Background(), Request{
		OrgID: "org-1",
		Text:  "display shows random characters",
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, MatchFullText, got[0].MatchType)
	assert.LessOrEqual(t, got[0].Score, 0.5)
}

func TestMatch_NoMatchIsNotAnError(t *testing.T) {
	store := cardstore.NewMemoryStore()
	p, err := NewPipeline(store, nil, zap.NewNop())
	require.NoError(t, err)

	got, err := p.Match(context.Background(), Request{OrgID: "org-1", Text: "entirely unknown failure"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMatch_StageErrorContinuesCascade(t *testing.T) {
	store := cardstore.NewMemoryStore()
	sig := signature.Signature{Symptoms: []string{"drain"}, Subsystem: signature.SubsystemBattery}
	c := seedApproved(t, store, "Battery drain", sig)

	p, err := NewCustomPipeline([]Stage{
		&failingStage{name: "signature"},
		&keywordStage{cards: store, scorer: NewLexicalScorer()},
	}, zap.NewNop())
	require.NoError(t, err)

	got, err := p.Match(context.Background(), Request{OrgID: "org-1", Text: "battery drain"})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, c.ID, got[0].CardID)
}

func TestMatch_LaterStagesRaiseNeverLower(t *testing.T) {
	store := cardstore.NewMemoryStore()
	sig := signature.Signature{Symptoms: []string{"drain", "battery"}, Subsystem: signature.SubsystemBattery}
	c := seedApproved(t, store, "Battery drain", sig)

	// Keyword stage first (higher score), full text after: the merged
	// candidate keeps the keyword score.
	p, err := NewCustomPipeline([]Stage{
		&keywordStage{cards: store, scorer: NewLexicalScorer()},
		&fullTextStage{cards: store},
	}, zap.NewNop())
	require.NoError(t, err)

	got, err := p.Match(context.Background(), Request{OrgID: "org-1", Text: "battery drain", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, c.ID, got[0].CardID)
	assert.GreaterOrEqual(t, got[0].Score, 0.5)
	assert.Equal(t, MatchKeyword, got[0].MatchType)
}

func TestMatch_LimitTruncates(t *testing.T) {
	store := cardstore.NewMemoryStore()
	for i := 0; i < 8; i++ {
		sig := signature.Signature{Symptoms: []string{"drain"}, Subsystem: signature.SubsystemBattery}
		seedApproved(t, store, "Battery drain variant", sig)
	}

	p, err := NewPipeline(store, nil, zap.NewNop())
	require.NoError(t, err)

	got, err := p.Match(context.Background(), Request{OrgID: "org-1", Text: "battery drain"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), DefaultLimit)
}

func TestMatch_ConfidenceLevelReflectsCard(t *testing.T) {
	store := cardstore.NewMemoryStore()
	sig := batterySignature()
	c := seedApproved(t, store, "Battery drains overnight", sig) // imported confidence 0.7

	p, err := NewPipeline(store, nil, zap.NewNop())
	require.NoError(t, err)

	got, err := p.Match(context.Background(), Request{
		OrgID:      "org-1",
		Text:       "battery drain",
		ErrorCodes: []string{"BMS001"},
		Subsystem:  signature.SubsystemBattery,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c.ID, got[0].CardID)
	// Match score is 0.95 but the card's own confidence is 0.7 -> high.
	assert.Equal(t, card.LevelHigh, got[0].ConfidenceLevel)
}
