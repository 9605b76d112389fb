package importer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
)

const maxCardTitleLen = 80

// Map turns a validated record into an approved card: derived
// signature and hash, step-ordered diagnostic tree, and the fault
// tree parsed from the row's gate notation. Imported cards start at
// confidence 0.7; the source data is assumed vetted.
func Map(orgID string, rec Record) (*card.FailureCard, error) {
	sig := signature.NewBuilder().Build(signature.Report{
		Text:            rec.Description,
		Subsystem:       rec.Subsystem,
		VehicleCategory: rec.VehicleCategory,
	})

	c, err := card.NewImported(orgID, cardTitle(rec.Description), rec.Description, sig)
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", rec.Line, err)
	}

	c.RootCause = strings.Join(rec.RootCauses, "; ")
	c.ResolutionSteps = append([]string(nil), rec.Resolutions...)
	c.PreventionTips = append([]string(nil), rec.Preventions...)
	for i, step := range rec.Steps {
		c.DiagnosticTree = append(c.DiagnosticTree, card.DiagnosticStep{
			Order:  i + 1,
			Action: step,
		})
	}

	if rec.FaultLogic != "" {
		tree, err := ParseFaultTree(rec.FaultLogic)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", rec.Line, err)
		}
		c.FaultTree = tree
	}
	return c, nil
}

func cardTitle(description string) string {
	title := description
	for i, r := range description {
		if r == '\n' || r == '.' {
			title = description[:i]
			break
		}
	}
	title = strings.TrimSpace(title)
	if len(title) > maxCardTitleLen {
		// Back off to a rune boundary so the cut never leaves a
		// partial multi-byte character in the title.
		cut := maxCardTitleLen
		for cut > 0 && !utf8.RuneStart(title[cut]) {
			cut--
		}
		title = title[:cut]
	}
	return title
}

// ParseFaultTree parses free-text boolean-gate notation into a fault
// tree. Grammar, loosest binding first:
//
//	expr   = term { "OR" term }
//	term   = factor { "AND" factor }
//	factor = "(" expr ")" | condition text
//
// Gate words are case-insensitive and must stand alone between
// conditions. A bare condition parses to a single leaf.
func ParseFaultTree(text string) (*card.FaultNode, error) {
	p := &faultParser{tokens: tokenizeFaultLogic(text)}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, fmt.Errorf("fault logic: unexpected %q", p.tokens[p.pos])
	}
	return node, nil
}

// tokenizeFaultLogic splits into "(", ")", "AND", "OR", and condition
// text tokens.
func tokenizeFaultLogic(text string) []string {
	text = strings.ReplaceAll(text, "(", " ( ")
	text = strings.ReplaceAll(text, ")", " ) ")

	var tokens []string
	var condition []string
	flush := func() {
		if len(condition) > 0 {
			tokens = append(tokens, strings.Join(condition, " "))
			condition = nil
		}
	}
	for _, word := range strings.Fields(text) {
		switch {
		case word == "(" || word == ")":
			flush()
			tokens = append(tokens, word)
		case strings.EqualFold(word, "AND"):
			flush()
			tokens = append(tokens, "AND")
		case strings.EqualFold(word, "OR"):
			flush()
			tokens = append(tokens, "OR")
		default:
			condition = append(condition, word)
		}
	}
	flush()
	return tokens
}

type faultParser struct {
	tokens []string
	pos    int
}

func (p *faultParser) parseExpr() (*card.FaultNode, error) {
	node, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.peek() == "OR" {
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		node = joinGate(card.GateOr, node, right)
	}
	return node, nil
}

func (p *faultParser) parseTerm() (*card.FaultNode, error) {
	node, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.peek() == "AND" {
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		node = joinGate(card.GateAnd, node, right)
	}
	return node, nil
}

func (p *faultParser) parseFactor() (*card.FaultNode, error) {
	switch tok := p.peek(); tok {
	case "":
		return nil, fmt.Errorf("fault logic: unexpected end of input")
	case "(":
		p.pos++
		node, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("fault logic: missing closing parenthesis")
		}
		p.pos++
		return node, nil
	case ")", "AND", "OR":
		return nil, fmt.Errorf("fault logic: unexpected %q", tok)
	default:
		p.pos++
		return &card.FaultNode{Gate: card.GateLeaf, Condition: tok}, nil
	}
}

func (p *faultParser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

// joinGate merges right into left when left already carries the same
// gate, keeping "a AND b AND c" a single three-child node.
func joinGate(gate card.FaultGate, left, right *card.FaultNode) *card.FaultNode {
	if left.Gate == gate {
		left.Children = append(left.Children, right)
		return left
	}
	return &card.FaultNode{Gate: gate, Children: []*card.FaultNode{left, right}}
}
