package matching

import (
	"context"
	"strings"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/cardstore"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
)

// Stage scores and gates. The gate is the score the cascade must
// reach after the stage for later stages to be skipped.
const (
	signatureScore = 0.95
	signatureGate  = 0.95

	subsystemBase       = 0.5
	subsystemMakeBonus  = 0.2
	subsystemModelBonus = 0.1
	subsystemCap        = 0.8
	subsystemGate       = 0.8

	keywordGate = 0.5

	fullTextCap = 0.5
)

// signatureStage finds approved cards whose signature hash matches
// exactly.
type signatureStage struct {
	cards cardstore.Store
}

func (s *signatureStage) Name() string  { return "signature" }
func (s *signatureStage) Gate() float64 { return signatureGate }

func (s *signatureStage) Run(ctx context.Context, req Request, sig signature.Signature) ([]Candidate, error) {
	hits, err := s.cards.FindBySignatureHash(ctx, req.OrgID, sig.Hash(), card.StatusApproved)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(hits))
	for i := range hits {
		out = append(out, candidate(&hits[i], signatureScore, MatchExactSignature, s.Name()))
	}
	return out, nil
}

// subsystemStage filters by subsystem and scores vehicle overlap.
type subsystemStage struct {
	cards cardstore.Store
}

func (s *subsystemStage) Name() string  { return "subsystem_vehicle" }
func (s *subsystemStage) Gate() float64 { return subsystemGate }

func (s *subsystemStage) Run(ctx context.Context, req Request, sig signature.Signature) ([]Candidate, error) {
	if sig.Subsystem == signature.SubsystemUnknown {
		return nil, nil
	}

	hits, err := s.cards.FindBySubsystem(ctx, req.OrgID, sig.Subsystem)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(hits))
	for i := range hits {
		score := subsystemBase
		if mk, mdl := vehicleOverlap(&hits[i], req.VehicleMake, req.VehicleModel); mk {
			score += subsystemMakeBonus
			if mdl {
				score += subsystemModelBonus
			}
		}
		if score > subsystemCap {
			score = subsystemCap
		}
		out = append(out, candidate(&hits[i], score, MatchSubsystemVehicle, s.Name()))
	}
	return out, nil
}

func vehicleOverlap(c *card.FailureCard, reqMake, reqModel string) (makeMatch, modelMatch bool) {
	if reqMake == "" {
		return false, false
	}
	for _, v := range c.Vehicles {
		if !strings.EqualFold(v.Make, reqMake) {
			continue
		}
		makeMatch = true
		if reqModel != "" && strings.EqualFold(v.Model, reqModel) {
			return true, true
		}
	}
	return makeMatch, false
}

// keywordStage scores keyword overlap between the report's symptoms
// and candidate cards via the pluggable Scorer.
type keywordStage struct {
	cards  cardstore.Store
	scorer Scorer
}

func (s *keywordStage) Name() string  { return "keyword" }
func (s *keywordStage) Gate() float64 { return keywordGate }

func (s *keywordStage) Run(ctx context.Context, req Request, sig signature.Signature) ([]Candidate, error) {
	if len(sig.Symptoms) == 0 {
		return nil, nil
	}

	// Over-fetch so the scorer ranks a wider pool than the final limit.
	pool, err := s.cards.SearchKeywords(ctx, req.OrgID, sig.Symptoms, DefaultLimit*4)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(pool))
	for i := range pool {
		score := s.scorer.Score(sig.Symptoms, &pool[i])
		if score <= 0 {
			continue
		}
		out = append(out, candidate(&pool[i], score, MatchKeyword, s.Name()))
	}
	return out, nil
}

// fullTextStage is the last-resort relevance search over title and
// description.
type fullTextStage struct {
	cards cardstore.Store
}

func (s *fullTextStage) Name() string { return "full_text" }

// Gate is the cap itself: the cascade always stops here.
func (s *fullTextStage) Gate() float64 { return fullTextCap }

func (s *fullTextStage) Run(ctx context.Context, req Request, sig signature.Signature) ([]Candidate, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	hits, err := s.cards.SearchText(ctx, req.OrgID, req.Text, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(hits))
	for i := range hits {
		score := hits[i].Relevance / 10
		if score > fullTextCap {
			score = fullTextCap
		}
		if score <= 0 {
			continue
		}
		out = append(out, candidate(&hits[i].Card, score, MatchFullText, s.Name()))
	}
	return out, nil
}

func candidate(c *card.FailureCard, score float64, mt MatchType, stage string) Candidate {
	return Candidate{
		CardID:          c.ID,
		Title:           c.Title,
		Score:           score,
		MatchType:       mt,
		Stage:           stage,
		ConfidenceLevel: c.ConfidenceLevel(),
	}
}
