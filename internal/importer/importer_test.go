package importer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/cardstore"
)

func newImporterFixture(t *testing.T, opts ...Option) (*Importer, *cardstore.MemoryStore, *MemoryJobStore) {
	t.Helper()
	cards := cardstore.NewMemoryStore()
	jobs := NewMemoryJobStore()
	imp, err := NewImporter(cards, jobs, zap.NewNop(), opts...)
	require.NoError(t, err)
	return imp, cards, jobs
}

func TestRun_CleanImportCompletes(t *testing.T) {
	imp, cards, jobs := newImporterFixture(t)
	ctx := context.Background()

	rows := []Row{
		{Description: "Electric Scooter - Battery Issues"},
		{
			Serial:      "S-001",
			Description: "Battery swells after repeated overcharge",
			RootCauses:  "1. Overcharge 2. Faulty BMS cutoff",
			Resolutions: "replace pack / update BMS firmware",
		},
		{
			Serial:          "S-002",
			Description:     "Throttle sticks during frosty conditions",
			RootCauses:      "1. Ice in housing",
			DiagnosticSteps: "warm up housing -> inspect return spring",
			Resolutions:     "clean and lubricate",
		},
	}

	job, err := imp.Run(ctx, "org-1", rows)
	require.NoError(t, err)

	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 2, job.TotalRows)
	assert.Equal(t, 2, job.ValidRows)
	assert.Zero(t, job.ErrorRows)
	assert.Zero(t, job.WarningRows)
	assert.Len(t, job.CreatedCardIDs, 2)
	assert.Empty(t, job.UpdatedCardIDs)
	assert.InDelta(t, 100, job.Progress, 1e-9)
	assert.Empty(t, job.RowProblems)

	count, err := cards.Count(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stored, err := jobs.Get(ctx, "org-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, stored.Status)
}

func TestRun_ErrorRowsYieldPartial(t *testing.T) {
	imp, cards, _ := newImporterFixture(t)
	ctx := context.Background()

	rows := []Row{
		{
			Description: "Battery swells after repeated overcharge",
			RootCauses:  "1. Overcharge",
			Resolutions: "replace pack",
		},
		{Description: "Too short", RootCauses: "1. Whatever"},
	}

	job, err := imp.Run(ctx, "org-1", rows)
	require.NoError(t, err)

	assert.Equal(t, JobPartial, job.Status)
	assert.Equal(t, 1, job.ValidRows)
	assert.Equal(t, 1, job.ErrorRows)
	assert.Len(t, job.CreatedCardIDs, 1)
	require.Len(t, job.RowProblems, 1)
	assert.Equal(t, RowError, job.RowProblems[0].Status)

	count, err := cards.Count(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRun_AllRowsInvalidFails(t *testing.T) {
	imp, _, _ := newImporterFixture(t)

	job, err := imp.Run(context.Background(), "org-1", []Row{
		{Description: "short one", RootCauses: "1. X"},
		{Description: "short two", RootCauses: "1. Y"},
	})
	require.NoError(t, err)

	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, 2, job.ErrorRows)
	assert.Empty(t, job.CreatedCardIDs)
	assert.NotEmpty(t, job.FailureReason)
}

func TestRun_ReImportUpdatesInsteadOfInserting(t *testing.T) {
	imp, cards, _ := newImporterFixture(t, WithBatchSize(25))
	ctx := context.Background()

	rows := []Row{{Description: "Electric Scooter - Battery Issues"}}
	for i := 0; i < 100; i++ {
		rows = append(rows, Row{
			Serial:      fmt.Sprintf("S-%03d", i),
			Description: fmt.Sprintf("Battery pack fault%03d drains charge overnight", i),
			RootCauses:  "1. Cell imbalance 2. Parasitic draw",
			Resolutions: "balance pack",
		})
	}

	first, err := imp.Run(ctx, "org-1", rows)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, first.Status)
	assert.Len(t, first.CreatedCardIDs, 100)
	assert.Empty(t, first.UpdatedCardIDs)

	count, err := cards.Count(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, 100, count)

	// Identical file again: every row is an exact signature-hash hit.
	second, err := imp.Run(ctx, "org-1", rows)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, second.Status)
	assert.Empty(t, second.CreatedCardIDs)
	assert.Len(t, second.UpdatedCardIDs, 100)

	count, err = cards.Count(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 100, count)

	// The duplicate hit bumped version and recorded the refresh.
	c, err := cards.Get(ctx, "org-1", first.CreatedCardIDs[0])
	require.NoError(t, err)
	assert.Equal(t, 2, c.Version)
	require.Len(t, c.ConfidenceHistory, 1)
	assert.Equal(t, "import_update", c.ConfidenceHistory[0].Reason)
	assert.Equal(t, second.ID, c.ConfidenceHistory[0].Reference)
	assert.InDelta(t, card.ImportedConfidence, c.ConfidenceScore, 1e-9)
}

func TestRun_ReImportAfterDeprecationInsertsFresh(t *testing.T) {
	imp, cards, _ := newImporterFixture(t)
	ctx := context.Background()

	row := Row{
		Description: "Battery swells after repeated overcharge",
		RootCauses:  "1. Overcharge",
		Resolutions: "replace pack",
	}
	first, err := imp.Run(ctx, "org-1", []Row{row})
	require.NoError(t, err)
	require.Len(t, first.CreatedCardIDs, 1)

	deprecated, err := cards.Transition(ctx, "org-1", first.CreatedCardIDs[0], card.StatusDeprecated, card.HistoryEntry{
		Reason: "deprecation",
		Actor:  "expert-1",
	})
	require.NoError(t, err)

	// The exact-hash hit is now terminal, so the row lands as a fresh
	// card instead of a version bump on the retired one.
	second, err := imp.Run(ctx, "org-1", []Row{row})
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, second.Status)
	assert.Len(t, second.CreatedCardIDs, 1)
	assert.Empty(t, second.UpdatedCardIDs)

	got, err := cards.Get(ctx, "org-1", deprecated.ID)
	require.NoError(t, err)
	assert.Equal(t, deprecated.Version, got.Version)

	count, err := cards.Count(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRun_FuzzyDuplicateInsertsWithWarning(t *testing.T) {
	imp, cards, _ := newImporterFixture(t)
	ctx := context.Background()

	_, err := imp.Run(ctx, "org-1", []Row{{
		Description: "Battery swells after repeated overcharge",
		RootCauses:  "1. Overcharge",
		Resolutions: "replace pack",
	}})
	require.NoError(t, err)

	// Same wording, different symptom set: no exact hash hit, but the
	// title search flags the earlier card.
	job, err := imp.Run(ctx, "org-1", []Row{{
		Description: "Battery swells after deep discharge cycles",
		RootCauses:  "1. Deep discharge",
		Resolutions: "replace pack",
	}})
	require.NoError(t, err)

	assert.Equal(t, JobCompleted, job.Status)
	assert.Len(t, job.CreatedCardIDs, 1)
	assert.Empty(t, job.UpdatedCardIDs)
	require.Len(t, job.RowProblems, 1)
	assert.Equal(t, RowWarning, job.RowProblems[0].Status)
	assert.Contains(t, job.RowProblems[0].Problems[0], "possible duplicate")

	count, err := cards.Count(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRun_KeywordFallbackWhenTextSearchUnavailable(t *testing.T) {
	cards := cardstore.NewMemoryStore(cardstore.WithoutTextSearch())
	jobs := NewMemoryJobStore()
	imp, err := NewImporter(cards, jobs, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = imp.Run(ctx, "org-1", []Row{{
		Description: "Battery swells after repeated overcharge",
		RootCauses:  "1. Overcharge",
		Resolutions: "replace pack",
	}})
	require.NoError(t, err)

	job, err := imp.Run(ctx, "org-1", []Row{{
		Description: "Battery swells after deep discharge cycles",
		RootCauses:  "1. Deep discharge",
		Resolutions: "replace pack",
	}})
	require.NoError(t, err)

	require.Len(t, job.RowProblems, 1)
	assert.Contains(t, job.RowProblems[0].Problems[0], "possible duplicate")
}

func TestRun_ProgressAdvancesPerBatch(t *testing.T) {
	progressJobs := &progressRecordingJobStore{MemoryJobStore: NewMemoryJobStore()}
	imp, err := NewImporter(cardstore.NewMemoryStore(), progressJobs, zap.NewNop(), WithBatchSize(2))
	require.NoError(t, err)
	ctx := context.Background()

	var rows []Row
	for i := 0; i < 6; i++ {
		rows = append(rows, Row{
			Description: fmt.Sprintf("Relay fault%03d clicks repeatedly on startup", i),
			RootCauses:  "1. Worn contacts",
			Resolutions: "replace relay",
		})
	}

	job, err := imp.Run(ctx, "org-1", rows)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)

	// Three batches of two rows each.
	require.Len(t, progressJobs.progress, 3)
	assert.InDelta(t, 100.0/3, progressJobs.progress[0], 0.01)
	assert.InDelta(t, 200.0/3, progressJobs.progress[1], 0.01)
	assert.InDelta(t, 100.0, progressJobs.progress[2], 1e-9)
}

// progressRecordingJobStore captures progress values written while a
// job is importing.
type progressRecordingJobStore struct {
	*MemoryJobStore
	progress []float64
}

func (s *progressRecordingJobStore) Update(ctx context.Context, j *ImportJob) error {
	if j.Status == JobImporting {
		s.progress = append(s.progress, j.Progress)
	}
	return s.MemoryJobStore.Update(ctx, j)
}
