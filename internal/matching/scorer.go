package matching

import (
	"strings"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
)

// Scorer turns keyword overlap between a report and a card into a
// match score. The pipeline treats it as a black box, so an
// embedding-based implementation can replace the lexical one without
// changing the stage contract.
type Scorer interface {
	// Score returns a match score in [0,1] for the card given the
	// report's symptom keywords. Zero or less means "not a candidate".
	Score(symptoms []string, c *card.FailureCard) float64
}

const (
	keywordBase    = 0.3
	keywordPerHit  = 0.1
	keywordCeiling = 0.7
)

// LexicalScorer scores by counting symptom keywords that appear in
// the card's symptoms, title, or description:
// min(0.7, 0.3 + 0.1 x overlap).
type LexicalScorer struct{}

// NewLexicalScorer returns the default lexical scorer.
func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{}
}

func (s *LexicalScorer) Score(symptoms []string, c *card.FailureCard) float64 {
	if len(symptoms) == 0 {
		return 0
	}

	cardTerms := make(map[string]struct{}, len(c.Signature.Symptoms))
	for _, sym := range c.Signature.Symptoms {
		cardTerms[strings.ToLower(sym)] = struct{}{}
	}
	text := strings.ToLower(c.Title + " " + c.Description)

	overlap := 0
	for _, sym := range symptoms {
		sym = strings.ToLower(sym)
		if _, ok := cardTerms[sym]; ok {
			overlap++
			continue
		}
		if strings.Contains(text, sym) {
			overlap++
		}
	}
	if overlap == 0 {
		return 0
	}

	score := keywordBase + keywordPerHit*float64(overlap)
	if score > keywordCeiling {
		score = keywordCeiling
	}
	return score
}
