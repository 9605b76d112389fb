package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrJobNotFound reports a missing import job.
var ErrJobNotFound = errors.New("import job not found")

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobValidating JobStatus = "validating"
	JobValidated  JobStatus = "validated"
	JobImporting  JobStatus = "importing"
	JobCompleted  JobStatus = "completed"
	JobPartial    JobStatus = "partial"
	JobFailed     JobStatus = "failed"
)

// RowProblem records one non-valid row for the job's audit trail.
// The job document is the canonical error report; nothing is logged
// and lost.
type RowProblem struct {
	Line     int       `json:"line"`
	Serial   string    `json:"serial,omitempty"`
	Status   RowStatus `json:"status"`
	Problems []string  `json:"problems"`
}

// ImportJob tracks one bulk import end to end.
type ImportJob struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`

	Status JobStatus `json:"status"`

	TotalRows   int `json:"total_rows"`
	ValidRows   int `json:"valid_rows"`
	WarningRows int `json:"warning_rows"`
	ErrorRows   int `json:"error_rows"`

	CreatedCardIDs []string `json:"created_card_ids,omitempty"`
	UpdatedCardIDs []string `json:"updated_card_ids,omitempty"`

	// Progress is the commit completion percentage.
	Progress float64 `json:"progress"`

	RowProblems []RowProblem `json:"row_problems,omitempty"`

	// FailureReason is set when the job terminates as failed.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newJob(orgID string, totalRows int) *ImportJob {
	now := time.Now().UTC()
	return &ImportJob{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Status:    JobPending,
		TotalRows: totalRows,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// JobStore persists import jobs.
type JobStore interface {
	// Insert stores a new job.
	Insert(ctx context.Context, j *ImportJob) error

	// Get returns a job by ID, or ErrJobNotFound.
	Get(ctx context.Context, orgID, id string) (*ImportJob, error)

	// Update replaces the job document.
	Update(ctx context.Context, j *ImportJob) error

	// List returns an org's jobs newest first.
	List(ctx context.Context, orgID string) ([]ImportJob, error)
}

// MemoryJobStore is an in-memory JobStore for tests and local mode.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]map[string]*ImportJob // orgID -> id -> job
}

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]map[string]*ImportJob)}
}

func (s *MemoryJobStore) Insert(ctx context.Context, j *ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	org := s.jobs[j.OrgID]
	if org == nil {
		org = make(map[string]*ImportJob)
		s.jobs[j.OrgID] = org
	}
	org[j.ID] = cloneJob(j)
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, orgID, id string) (*ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[orgID][id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryJobStore) Update(ctx context.Context, j *ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.OrgID][j.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[j.OrgID][j.ID] = cloneJob(j)
	return nil
}

func (s *MemoryJobStore) List(ctx context.Context, orgID string) ([]ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ImportJob
	for _, j := range s.jobs[orgID] {
		out = append(out, *cloneJob(j))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func cloneJob(j *ImportJob) *ImportJob {
	dup := *j
	dup.CreatedCardIDs = append([]string(nil), j.CreatedCardIDs...)
	dup.UpdatedCardIDs = append([]string(nil), j.UpdatedCardIDs...)
	dup.RowProblems = append([]RowProblem(nil), j.RowProblems...)
	return &dup
}

// jobRecord is the SQL row shape for jobs.
type jobRecord struct {
	ID        string `gorm:"primaryKey"`
	OrgID     string `gorm:"index:idx_jobs_org"`
	Status    string
	Doc       string
	CreatedAt time.Time
}

func (jobRecord) TableName() string { return "import_jobs" }

// SQLJobStore is a GORM-backed JobStore.
type SQLJobStore struct {
	db *gorm.DB
}

// NewSQLJobStore creates a SQL-backed job store on an open database.
func NewSQLJobStore(db *gorm.DB) (*SQLJobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&jobRecord{}); err != nil {
		return nil, fmt.Errorf("migrating import job schema: %w", err)
	}
	return &SQLJobStore{db: db}, nil
}

func toJobRecord(j *ImportJob) (*jobRecord, error) {
	doc, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshaling import job: %w", err)
	}
	return &jobRecord{
		ID:        j.ID,
		OrgID:     j.OrgID,
		Status:    string(j.Status),
		Doc:       string(doc),
		CreatedAt: j.CreatedAt,
	}, nil
}

func fromJobRecord(r *jobRecord) (*ImportJob, error) {
	var j ImportJob
	if err := json.Unmarshal([]byte(r.Doc), &j); err != nil {
		return nil, fmt.Errorf("unmarshaling import job %s: %w", r.ID, err)
	}
	return &j, nil
}

func (s *SQLJobStore) Insert(ctx context.Context, j *ImportJob) error {
	rec, err := toJobRecord(j)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *SQLJobStore) Get(ctx context.Context, orgID, id string) (*ImportJob, error) {
	var rec jobRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromJobRecord(&rec)
}

func (s *SQLJobStore) Update(ctx context.Context, j *ImportJob) error {
	rec, err := toJobRecord(j)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Model(&jobRecord{}).
		Where("org_id = ? AND id = ?", j.OrgID, j.ID).
		Updates(map[string]interface{}{"status": rec.Status, "doc": rec.Doc})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLJobStore) List(ctx context.Context, orgID string) ([]ImportJob, error) {
	var recs []jobRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at DESC, id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]ImportJob, 0, len(recs))
	for i := range recs {
		j, err := fromJobRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}
