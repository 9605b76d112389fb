package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// patternRecord is the SQL row shape: indexed scalars for the review
// queue, the full pattern serialized in Doc.
type patternRecord struct {
	ID         string `gorm:"primaryKey"`
	OrgID      string `gorm:"index:idx_patterns_org;index:idx_patterns_org_status"`
	Type       string
	Status     string `gorm:"index:idx_patterns_org_status"`
	Doc        string
	DetectedAt time.Time
}

func (patternRecord) TableName() string { return "emerging_patterns" }

// SQLStore is a GORM-backed pattern store.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore creates a SQL-backed pattern store on an open database.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&patternRecord{}); err != nil {
		return nil, fmt.Errorf("migrating pattern schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func toPatternRecord(p *EmergingPattern) (*patternRecord, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling pattern: %w", err)
	}
	return &patternRecord{
		ID:         p.ID,
		OrgID:      p.OrgID,
		Type:       string(p.Type),
		Status:     string(p.Status),
		Doc:        string(doc),
		DetectedAt: p.DetectedAt,
	}, nil
}

func fromPatternRecord(r *patternRecord) (*EmergingPattern, error) {
	var p EmergingPattern
	if err := json.Unmarshal([]byte(r.Doc), &p); err != nil {
		return nil, fmt.Errorf("unmarshaling pattern %s: %w", r.ID, err)
	}
	return &p, nil
}

func (s *SQLStore) Insert(ctx context.Context, p *EmergingPattern) error {
	rec, err := toPatternRecord(p)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *SQLStore) Get(ctx context.Context, orgID, id string) (*EmergingPattern, error) {
	var rec patternRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromPatternRecord(&rec)
}

func (s *SQLStore) List(ctx context.Context, orgID string, statuses ...Status) ([]EmergingPattern, error) {
	q := s.db.WithContext(ctx).Where("org_id = ?", orgID)
	if len(statuses) > 0 {
		vals := make([]string, len(statuses))
		for i, st := range statuses {
			vals[i] = string(st)
		}
		q = q.Where("status IN ?", vals)
	}

	var recs []patternRecord
	if err := q.Order("detected_at DESC, id").Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]EmergingPattern, 0, len(recs))
	for i := range recs {
		p, err := fromPatternRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *SQLStore) Transition(ctx context.Context, orgID, id string, next Status) (*EmergingPattern, error) {
	current, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(next) {
		return nil, ErrInvalidTransition
	}
	current.Status = next

	rec, err := toPatternRecord(current)
	if err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).
		Model(&patternRecord{}).
		Where("org_id = ? AND id = ? AND status = ?", orgID, id, string(current.Status.previous())).
		Updates(map[string]interface{}{"status": rec.Status, "doc": rec.Doc})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Raced with another reviewer.
		return nil, ErrInvalidTransition
	}
	return current, nil
}

// previous returns the status a pattern must have held to reach s.
func (s Status) previous() Status {
	switch s {
	case StatusReviewed:
		return StatusDetected
	case StatusEscalated:
		return StatusReviewed
	default:
		return s
	}
}
