package patterns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/diagnostd/internal/events"
	"github.com/fyrsmithlabs/diagnostd/internal/metrics"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
	"github.com/fyrsmithlabs/diagnostd/internal/ticket"
)

// Detection defaults.
const (
	DefaultMinOccurrences = 3
	DefaultLookback       = 30 * 24 * time.Hour

	// minPartAnomalies is how often a part must deviate from plan
	// within the window before it is flagged.
	minPartAnomalies = 2
)

// Params tunes one detection run. Zero values take the defaults.
type Params struct {
	MinOccurrences int
	Lookback       time.Duration
}

func (p Params) withDefaults() Params {
	if p.MinOccurrences <= 0 {
		p.MinOccurrences = DefaultMinOccurrences
	}
	if p.Lookback <= 0 {
		p.Lookback = DefaultLookback
	}
	return p
}

// Emitter is the slice of the event router the detector needs.
type Emitter interface {
	Emit(ctx context.Context, payload events.Payload, priority int) (*events.Event, error)
}

// Detector runs the scheduled pattern-detection batch.
type Detector struct {
	tickets ticket.Reader
	store   Store
	emitter Emitter
	logger  *zap.Logger
}

// NewDetector creates a detector. A nil emitter disables the
// pattern-detected event.
func NewDetector(tickets ticket.Reader, store Store, emitter Emitter, logger *zap.Logger) (*Detector, error) {
	if tickets == nil {
		return nil, fmt.Errorf("ticket reader cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("pattern store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{tickets: tickets, store: store, emitter: emitter, logger: logger}, nil
}

// Detect takes a fresh snapshot of the lookback window, persists
// every cluster and part anomaly it finds, and emits one high-priority
// pattern-detected event covering the batch.
//
// Results are not deduplicated against earlier runs: a persisting
// problem is flagged on every run until a reviewer escalates or
// dismisses it.
func (d *Detector) Detect(ctx context.Context, orgID string, params Params) ([]EmergingPattern, error) {
	if orgID == "" {
		return nil, fmt.Errorf("org ID cannot be empty")
	}
	params = params.withDefaults()
	since := time.Now().UTC().Add(-params.Lookback)

	var found []*EmergingPattern

	clusters, err := d.detectTicketClusters(ctx, orgID, since, params.MinOccurrences)
	if err != nil {
		return nil, err
	}
	found = append(found, clusters...)

	anomalies, err := d.detectPartAnomalies(ctx, orgID, since)
	if err != nil {
		return nil, err
	}
	found = append(found, anomalies...)

	ids := make([]string, 0, len(found))
	for _, p := range found {
		if err := d.store.Insert(ctx, p); err != nil {
			return nil, fmt.Errorf("persisting pattern: %w", err)
		}
		metrics.PatternsDetectedTotal.WithLabelValues(string(p.Type)).Inc()
		ids = append(ids, p.ID)
	}

	if len(ids) > 0 && d.emitter != nil {
		_, err := d.emitter.Emit(ctx, &events.PatternDetectedPayload{
			OrgID:      orgID,
			PatternIDs: ids,
		}, events.PriorityHigh)
		if err != nil {
			return nil, fmt.Errorf("emitting pattern-detected event: %w", err)
		}
	}

	out := make([]EmergingPattern, 0, len(found))
	for _, p := range found {
		out = append(out, *p)
	}

	d.logger.Info("pattern detection completed",
		zap.String("org_id", orgID),
		zap.Int("clusters", len(clusters)),
		zap.Int("part_anomalies", len(anomalies)),
		zap.Time("since", since))
	return out, nil
}

func (d *Detector) detectTicketClusters(ctx context.Context, orgID string, since time.Time, minOccurrences int) ([]*EmergingPattern, error) {
	unmatched, err := d.tickets.ListUnmatched(ctx, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("listing unmatched tickets: %w", err)
	}

	byCategory := make(map[string][]ticket.Ticket)
	for _, t := range unmatched {
		category := t.VehicleCategory
		if category == "" {
			category = "uncategorized"
		}
		byCategory[category] = append(byCategory[category], t)
	}

	categories := make([]string, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var out []*EmergingPattern
	for _, category := range categories {
		cluster := byCategory[category]
		if len(cluster) < minOccurrences {
			continue
		}

		p := newPattern(orgID, TypeTicketCluster)
		p.VehicleCategory = category
		p.OccurrenceCount = len(cluster)
		p.ConfidenceScore = detectionConfidence(len(cluster), minOccurrences)
		p.SymptomKeywords = sharedKeywords(cluster)
		p.VehicleCounts = vehicleCounts(cluster)
		for _, t := range cluster {
			p.LinkedTicketIDs = append(p.LinkedTicketIDs, t.ID)
		}
		out = append(out, p)
	}
	return out, nil
}

func (d *Detector) detectPartAnomalies(ctx context.Context, orgID string, since time.Time) ([]*EmergingPattern, error) {
	usage, err := d.tickets.ListPartUsage(ctx, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("listing part usage: %w", err)
	}

	byPart := make(map[string][]ticket.PartUsage)
	for _, u := range usage {
		if u.AsExpected {
			continue
		}
		byPart[u.PartID] = append(byPart[u.PartID], u)
	}

	partIDs := make([]string, 0, len(byPart))
	for partID := range byPart {
		partIDs = append(partIDs, partID)
	}
	sort.Strings(partIDs)

	var out []*EmergingPattern
	for _, partID := range partIDs {
		deviations := byPart[partID]
		if len(deviations) < minPartAnomalies {
			continue
		}

		p := newPattern(orgID, TypePartAnomaly)
		p.PartID = partID
		p.PartName = deviations[0].PartName
		p.OccurrenceCount = len(deviations)
		p.ConfidenceScore = detectionConfidence(len(deviations), minPartAnomalies)
		for _, u := range deviations {
			p.LinkedTicketIDs = append(p.LinkedTicketIDs, u.TicketID)
			d.linkUsedCard(ctx, orgID, u.TicketID, p)
		}
		out = append(out, p)
	}
	return out, nil
}

// linkUsedCard attaches the card a deviating ticket was worked from,
// when the ticket still exists and names one.
func (d *Detector) linkUsedCard(ctx context.Context, orgID, ticketID string, p *EmergingPattern) {
	t, err := d.tickets.Get(ctx, orgID, ticketID)
	if err != nil {
		if !errors.Is(err, ticket.ErrNotFound) {
			d.logger.Warn("loading ticket for part anomaly",
				zap.String("ticket_id", ticketID), zap.Error(err))
		}
		return
	}
	if t.UsedCardID == "" {
		return
	}
	for _, id := range p.LinkedCardIDs {
		if id == t.UsedCardID {
			return
		}
	}
	p.LinkedCardIDs = append(p.LinkedCardIDs, t.UsedCardID)
}

// detectionConfidence grows with occurrences: 0.5 at the threshold,
// saturating at 1.0 when occurrences reach twice the threshold.
func detectionConfidence(occurrences, threshold int) float64 {
	score := float64(occurrences) / float64(2*threshold)
	if score > 1 {
		return 1
	}
	return score
}

// sharedKeywords returns symptom tokens appearing in at least half of
// the cluster's tickets, sorted.
func sharedKeywords(cluster []ticket.Ticket) []string {
	counts := make(map[string]int)
	for _, t := range cluster {
		for _, kw := range signature.ExtractSymptoms(t.Description) {
			counts[kw]++
		}
	}

	required := (len(cluster) + 1) / 2
	if required < 1 {
		required = 1
	}

	var out []string
	for kw, n := range counts {
		if n >= required {
			out = append(out, kw)
		}
	}
	sort.Strings(out)
	return out
}

// vehicleCounts tallies cluster members per make/model.
func vehicleCounts(cluster []ticket.Ticket) map[string]int {
	out := make(map[string]int, len(cluster))
	for _, t := range cluster {
		key := strings.TrimSpace(t.VehicleMake + " " + t.VehicleModel)
		if key == "" {
			key = "unknown"
		}
		out[key]++
	}
	return out
}
