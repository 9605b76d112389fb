package importer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/cardstore"
	"github.com/fyrsmithlabs/diagnostd/internal/metrics"
)

// DefaultBatchSize is how many rows one commit batch carries.
const DefaultBatchSize = 50

// importActor is recorded on history entries written by the importer.
const importActor = "importer"

// Importer runs bulk imports end to end.
type Importer struct {
	cards     cardstore.Store
	jobs      JobStore
	deduper   *Deduper
	logger    *zap.Logger
	batchSize int
}

// Option configures an Importer.
type Option func(*Importer)

// WithBatchSize overrides the commit batch size.
func WithBatchSize(n int) Option {
	return func(i *Importer) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

// NewImporter creates an importer over the card and job stores.
func NewImporter(cards cardstore.Store, jobs JobStore, logger *zap.Logger, opts ...Option) (*Importer, error) {
	if cards == nil {
		return nil, fmt.Errorf("card store cannot be nil")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	deduper, err := NewDeduper(cards)
	if err != nil {
		return nil, err
	}
	imp := &Importer{
		cards:     cards,
		jobs:      jobs,
		deduper:   deduper,
		logger:    logger,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(imp)
	}
	return imp, nil
}

// Run imports rows for an org and returns the finished job.
//
// Row errors never abort the run; they are recorded on the job, which
// is the canonical error report. The returned error covers
// infrastructure failures only (job store, card store), in which case
// the job is left in the failed state.
func (i *Importer) Run(ctx context.Context, orgID string, rows []Row) (*ImportJob, error) {
	if orgID == "" {
		return nil, fmt.Errorf("org ID cannot be empty")
	}

	records := Parse(rows)
	job := newJob(orgID, len(records))
	if err := i.jobs.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("creating import job: %w", err)
	}

	if err := i.setStatus(ctx, job, JobValidating); err != nil {
		return job, err
	}
	validations := Validate(records)
	for _, v := range validations {
		metrics.ImportRowsTotal.WithLabelValues(string(v.Status)).Inc()
		switch v.Status {
		case RowValid:
			job.ValidRows++
		case RowWarning:
			job.WarningRows++
		case RowError:
			job.ErrorRows++
		}
		if v.Status != RowValid {
			job.RowProblems = append(job.RowProblems, RowProblem{
				Line:     v.Record.Line,
				Serial:   v.Record.Serial,
				Status:   v.Status,
				Problems: v.Problems,
			})
		}
	}
	if err := i.setStatus(ctx, job, JobValidated); err != nil {
		return job, err
	}

	committable := make([]Validation, 0, len(validations))
	for _, v := range validations {
		if v.Status != RowError {
			committable = append(committable, v)
		}
	}

	if len(committable) == 0 && job.ErrorRows > 0 {
		job.FailureReason = "no importable rows"
		return job, i.setStatus(ctx, job, JobFailed)
	}

	if err := i.setStatus(ctx, job, JobImporting); err != nil {
		return job, err
	}
	if err := i.commit(ctx, job, committable); err != nil {
		job.FailureReason = err.Error()
		if updateErr := i.setStatus(ctx, job, JobFailed); updateErr != nil {
			return job, updateErr
		}
		return job, err
	}

	job.Progress = 100
	final := JobCompleted
	if job.ErrorRows > 0 {
		final = JobPartial
	}
	if err := i.setStatus(ctx, job, final); err != nil {
		return job, err
	}

	i.logger.Info("import finished",
		zap.String("org_id", orgID),
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("created", len(job.CreatedCardIDs)),
		zap.Int("updated", len(job.UpdatedCardIDs)),
		zap.Int("errors", job.ErrorRows))
	return job, nil
}

// commit maps, dedups, and writes rows in fixed-size batches, updating
// job progress after each batch.
func (i *Importer) commit(ctx context.Context, job *ImportJob, committable []Validation) error {
	done := 0
	for start := 0; start < len(committable); start += i.batchSize {
		end := start + i.batchSize
		if end > len(committable) {
			end = len(committable)
		}

		for _, v := range committable[start:end] {
			if err := i.commitRow(ctx, job, v); err != nil {
				return err
			}
			done++
		}

		job.Progress = float64(done) / float64(len(committable)) * 100
		job.UpdatedAt = time.Now().UTC()
		if err := i.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("updating job progress: %w", err)
		}
	}
	return nil
}

func (i *Importer) commitRow(ctx context.Context, job *ImportJob, v Validation) error {
	c, err := Map(job.OrgID, v.Record)
	if err != nil {
		// A map failure is a row defect, not an infrastructure one.
		i.demoteToError(job, v, err)
		return nil
	}

	verdict, err := i.deduper.Check(ctx, c)
	if err != nil {
		return err
	}

	switch verdict.Kind {
	case DedupExact:
		updated, err := i.cards.BumpVersion(ctx, job.OrgID, verdict.Existing.ID, card.HistoryEntry{
			Reason:    "import_update",
			Actor:     importActor,
			Reference: job.ID,
		})
		if err != nil {
			return fmt.Errorf("updating duplicate card %s: %w", verdict.Existing.ID, err)
		}
		job.UpdatedCardIDs = append(job.UpdatedCardIDs, updated.ID)

	case DedupFuzzy:
		if err := i.cards.Insert(ctx, c); err != nil {
			return fmt.Errorf("inserting card for row %d: %w", v.Record.Line, err)
		}
		job.CreatedCardIDs = append(job.CreatedCardIDs, c.ID)
		job.RowProblems = append(job.RowProblems, RowProblem{
			Line:   v.Record.Line,
			Serial: v.Record.Serial,
			Status: RowWarning,
			Problems: []string{
				fmt.Sprintf("possible duplicate of card %s (%q)", verdict.Existing.ID, verdict.Existing.Title),
			},
		})

	default:
		if err := i.cards.Insert(ctx, c); err != nil {
			return fmt.Errorf("inserting card for row %d: %w", v.Record.Line, err)
		}
		job.CreatedCardIDs = append(job.CreatedCardIDs, c.ID)
	}
	return nil
}

func (i *Importer) demoteToError(job *ImportJob, v Validation, cause error) {
	switch v.Status {
	case RowValid:
		job.ValidRows--
	case RowWarning:
		job.WarningRows--
	}
	job.ErrorRows++
	job.RowProblems = append(job.RowProblems, RowProblem{
		Line:     v.Record.Line,
		Serial:   v.Record.Serial,
		Status:   RowError,
		Problems: []string{cause.Error()},
	})
}

func (i *Importer) setStatus(ctx context.Context, job *ImportJob, status JobStatus) error {
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	if err := i.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("updating job status to %s: %w", status, err)
	}
	return nil
}
