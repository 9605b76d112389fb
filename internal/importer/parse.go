// Package importer loads legacy tabular failure knowledge into the
// card store: parse, validate, map to card schema, deduplicate,
// commit in batches, with an ImportJob tracking every run.
package importer

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/diagnostd/internal/signature"
)

// Row is one raw tabular input row as delivered by the caller.
type Row struct {
	Serial      string `json:"serial"`
	Description string `json:"description"`

	// RootCauses is a numbered list in one cell ("1. ... 2. ...").
	RootCauses string `json:"root_causes"`

	// DiagnosticSteps are arrow-separated ("check fuse -> swap relay").
	DiagnosticSteps string `json:"diagnostic_steps"`

	// FaultLogic is free-text boolean-gate notation
	// ("cell damage AND (overcharge OR sensor fault)").
	FaultLogic string `json:"fault_logic"`

	// Resolutions are slash-separated.
	Resolutions string `json:"resolutions"`

	// Preventions are comma-separated.
	Preventions string `json:"preventions"`
}

// Record is one typed intermediate row with section context applied.
type Record struct {
	Line   int
	Serial string

	Description string
	RootCauses  []string
	Steps       []string
	FaultLogic  string
	Resolutions []string
	Preventions []string

	// Carried forward from the last section-header row.
	VehicleCategory string
	Subsystem       signature.Subsystem

	// NumberedCauses reports whether the root-cause cell carried the
	// expected numbering; its absence downgrades the row to a warning.
	NumberedCauses bool
}

var causeNumbering = regexp.MustCompile(`\d+\s*[.)]`)

// Parse turns raw rows into typed records.
//
// A row with a description but an empty root-cause cell is a section
// header, not data: it sets the vehicle-category/subsystem context for
// the rows that follow and produces no record itself.
func Parse(rows []Row) []Record {
	var (
		out      []Record
		category string
		subsys   = signature.SubsystemUnknown
	)

	for i, row := range rows {
		line := i + 1
		description := strings.TrimSpace(row.Description)
		causes := strings.TrimSpace(row.RootCauses)

		if description != "" && causes == "" {
			category, subsys = parseSectionHeader(description)
			continue
		}

		out = append(out, Record{
			Line:            line,
			Serial:          strings.TrimSpace(row.Serial),
			Description:     description,
			RootCauses:      splitCauses(causes),
			Steps:           splitTrim(row.DiagnosticSteps, "->"),
			FaultLogic:      strings.TrimSpace(row.FaultLogic),
			Resolutions:     splitTrim(row.Resolutions, "/"),
			Preventions:     splitTrim(row.Preventions, ","),
			VehicleCategory: category,
			Subsystem:       subsys,
			NumberedCauses:  causes == "" || causeNumbering.MatchString(causes),
		})
	}
	return out
}

// parseSectionHeader reads "<category> - <topic>" headers; the
// subsystem is inferred from the full header text.
func parseSectionHeader(header string) (string, signature.Subsystem) {
	category := header
	if idx := strings.Index(header, "-"); idx >= 0 {
		category = header[:idx]
	}
	category = strings.ToLower(strings.TrimSpace(category))
	return category, signature.InferSubsystem(header)
}

// splitCauses breaks a numbered root-cause cell into individual
// causes. Cells without numbering come back as a single cause.
func splitCauses(cell string) []string {
	if cell == "" {
		return nil
	}
	parts := causeNumbering.Split(cell, -1)
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitTrim(cell, sep string) []string {
	var out []string
	for _, p := range strings.Split(cell, sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
