package matching

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/cardstore"
	"github.com/fyrsmithlabs/diagnostd/internal/metrics"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
)

// DefaultLimit is the default number of ranked candidates returned.
const DefaultLimit = 5

// MatchType labels how a candidate was found.
type MatchType string

const (
	MatchExactSignature   MatchType = "exact_signature"
	MatchSubsystemVehicle MatchType = "subsystem_vehicle"
	MatchKeyword          MatchType = "keyword"
	MatchFullText         MatchType = "full_text"
)

// Request is one failure report to match.
type Request struct {
	OrgID string

	// Text is the free-text failure description.
	Text string

	ErrorCodes  []string
	Subsystem   signature.Subsystem
	FailureMode signature.FailureMode

	VehicleCategory string
	VehicleMake     string
	VehicleModel    string

	// EnvironmentTags are optional context tags (weather, terrain).
	EnvironmentTags []string

	// Limit caps the ranked result; DefaultLimit when zero.
	Limit int
}

// Candidate is one ranked match.
type Candidate struct {
	CardID string  `json:"card_id"`
	Title  string  `json:"title"`
	Score  float64 `json:"score"`

	MatchType MatchType `json:"match_type"`
	Stage     string    `json:"stage"`

	// ConfidenceLevel is the band of the card's own confidence score,
	// not of the match score.
	ConfidenceLevel card.ConfidenceLevel `json:"confidence_level"`
}

// Stage is one cascade step.
type Stage interface {
	// Name identifies the stage in results and logs.
	Name() string

	// Gate is the score the running best must reach for the cascade
	// to stop after this stage.
	Gate() float64

	// Run returns this stage's candidates. A nil slice is a valid
	// no-match result.
	Run(ctx context.Context, req Request, sig signature.Signature) ([]Candidate, error)
}

// Pipeline cascades a report through the stages.
type Pipeline struct {
	builder *signature.Builder
	stages  []Stage
	logger  *zap.Logger
}

// NewPipeline builds the standard four-stage pipeline over a card
// store, with scorer driving the keyword stage.
func NewPipeline(cards cardstore.Store, scorer Scorer, logger *zap.Logger) (*Pipeline, error) {
	if cards == nil {
		return nil, fmt.Errorf("card store cannot be nil")
	}
	if scorer == nil {
		scorer = NewLexicalScorer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		builder: signature.NewBuilder(),
		stages: []Stage{
			&signatureStage{cards: cards},
			&subsystemStage{cards: cards},
			&keywordStage{cards: cards, scorer: scorer},
			&fullTextStage{cards: cards},
		},
		logger: logger,
	}, nil
}

// NewCustomPipeline builds a pipeline over explicit stages. Used by
// tests and by deployments swapping in an alternative scorer stage.
func NewCustomPipeline(stages []Stage, logger *zap.Logger) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{builder: signature.NewBuilder(), stages: stages, logger: logger}, nil
}

// Match runs the cascade and returns ranked candidates.
//
// A stage error is downgraded to "no candidates from this stage" so
// the cascade continues; an empty result is a valid outcome, not an
// error.
func (p *Pipeline) Match(ctx context.Context, req Request) ([]Candidate, error) {
	if req.OrgID == "" {
		return nil, fmt.Errorf("org ID cannot be empty")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	sig := p.builder.Build(signature.Report{
		Text:            req.Text,
		ErrorCodes:      req.ErrorCodes,
		Subsystem:       req.Subsystem,
		FailureMode:     req.FailureMode,
		VehicleCategory: req.VehicleCategory,
	})

	merged := make(map[string]Candidate)
	best := 0.0
	winningStage := "none"

	for _, stage := range p.stages {
		candidates, err := stage.Run(ctx, req, sig)
		if err != nil {
			p.logger.Warn("matching stage failed, continuing cascade",
				zap.String("stage", stage.Name()),
				zap.String("org_id", req.OrgID),
				zap.Error(err))
			candidates = nil
		}

		for _, c := range candidates {
			existing, ok := merged[c.CardID]
			if !ok || c.Score > existing.Score {
				merged[c.CardID] = c
			}
			if c.Score > best {
				best = c.Score
				winningStage = c.Stage
			}
		}

		if best >= stage.Gate() {
			break
		}
	}

	out := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CardID < out[j].CardID
	})
	if len(out) > limit {
		out = out[:limit]
	}

	metrics.MatchesTotal.WithLabelValues(winningStage).Inc()
	p.logger.Debug("match completed",
		zap.String("org_id", req.OrgID),
		zap.Int("candidates", len(out)),
		zap.Float64("best_score", best),
		zap.String("winning_stage", winningStage))

	return out, nil
}
