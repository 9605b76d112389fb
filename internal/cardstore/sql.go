package cardstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/diagnostd/internal/card"
	"github.com/fyrsmithlabs/diagnostd/internal/signature"
)

// cardRecord is the SQL row shape. Indexed scalars for retrieval,
// the full card serialized in Doc. Version is duplicated as a column
// for the optimistic-concurrency guard.
type cardRecord struct {
	ID            string `gorm:"primaryKey"`
	OrgID         string `gorm:"index:idx_cards_org;index:idx_cards_org_hash;index:idx_cards_org_subsystem"`
	SignatureHash string `gorm:"index:idx_cards_org_hash"`
	Subsystem     string `gorm:"index:idx_cards_org_subsystem"`
	Status        string
	Title         string
	Description   string
	Version       int
	Doc           string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (cardRecord) TableName() string { return "failure_cards" }

// SQLStore is a GORM-backed Store. SQLite is the default driver;
// anything GORM supports works since only portable SQL is used.
type SQLStore struct {
	db *gorm.DB
}

// OpenDB opens (and migrates) the SQLite database at path.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if err := db.AutoMigrate(&cardRecord{}); err != nil {
		return nil, fmt.Errorf("migrating card schema: %w", err)
	}
	return db, nil
}

// NewSQLStore creates a SQL-backed card store on an open database.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&cardRecord{}); err != nil {
		return nil, fmt.Errorf("migrating card schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func toRecord(c *card.FailureCard) (*cardRecord, error) {
	doc, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling card: %w", err)
	}
	return &cardRecord{
		ID:            c.ID,
		OrgID:         c.OrgID,
		SignatureHash: c.SignatureHash,
		Subsystem:     string(c.Signature.Subsystem),
		Status:        string(c.Status),
		Title:         c.Title,
		Description:   c.Description,
		Version:       c.Version,
		Doc:           string(doc),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}, nil
}

func fromRecord(r *cardRecord) (*card.FailureCard, error) {
	var c card.FailureCard
	if err := json.Unmarshal([]byte(r.Doc), &c); err != nil {
		return nil, fmt.Errorf("unmarshaling card %s: %w", r.ID, err)
	}
	return &c, nil
}

func (s *SQLStore) Insert(ctx context.Context, c *card.FailureCard) error {
	if err := c.Validate(); err != nil {
		return err
	}
	rec, err := toRecord(c)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Create(rec).Error
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrDuplicateID
	}
	return err
}

func (s *SQLStore) Get(ctx context.Context, orgID, id string) (*card.FailureCard, error) {
	var rec cardRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, card.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

func (s *SQLStore) FindBySignatureHash(ctx context.Context, orgID, hash string, statuses ...card.Status) ([]card.FailureCard, error) {
	q := s.db.WithContext(ctx).
		Where("org_id = ? AND signature_hash = ?", orgID, hash)
	if len(statuses) > 0 {
		vals := make([]string, len(statuses))
		for i, st := range statuses {
			vals[i] = string(st)
		}
		q = q.Where("status IN ?", vals)
	}

	var recs []cardRecord
	if err := q.Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return fromRecords(recs)
}

func (s *SQLStore) FindBySubsystem(ctx context.Context, orgID string, subsystem signature.Subsystem) ([]card.FailureCard, error) {
	var recs []cardRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND subsystem = ? AND status <> ?", orgID, string(subsystem), string(card.StatusDeprecated)).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return fromRecords(recs)
}

func (s *SQLStore) SearchText(ctx context.Context, orgID, query string, limit int) ([]ScoredCard, error) {
	terms := splitTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	q := s.db.WithContext(ctx).
		Where("org_id = ? AND status <> ?", orgID, string(card.StatusDeprecated))
	like := s.db.Session(&gorm.Session{NewDB: true})
	for _, term := range terms {
		like = like.Or("title LIKE ? OR description LIKE ?", "%"+term+"%", "%"+term+"%")
	}
	q = q.Where(like)

	var recs []cardRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	// Relevance = matched-term count, ranked in-process. SQLite LIKE
	// has no rank expression worth depending on.
	out := make([]ScoredCard, 0, len(recs))
	for i := range recs {
		c, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		haystack := strings.ToLower(c.Title + " " + c.Description)
		relevance := 0.0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				relevance++
			}
		}
		if relevance > 0 {
			out = append(out, ScoredCard{Card: *c, Relevance: relevance})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].Card.ID < out[j].Card.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SQLStore) SearchKeywords(ctx context.Context, orgID string, keywords []string, limit int) ([]card.FailureCard, error) {
	patterns := make([]*regexp.Regexp, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		patterns = append(patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	var recs []cardRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND status <> ?", orgID, string(card.StatusDeprecated)).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	var out []card.FailureCard
	for i := range recs {
		c, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		haystack := c.Title + " " + strings.Join(c.Signature.Symptoms, " ")
		for _, p := range patterns {
			if p.MatchString(haystack) {
				out = append(out, *c)
				break
			}
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *SQLStore) ApplyOutcome(ctx context.Context, orgID, id string, outcome Outcome) (*card.FailureCard, error) {
	return s.mutate(ctx, orgID, id, func(c *card.FailureCard) error {
		return c.ApplyOutcome(outcome.Success, outcome.Actor, outcome.Reference)
	})
}

func (s *SQLStore) Transition(ctx context.Context, orgID, id string, next card.Status, entry card.HistoryEntry) (*card.FailureCard, error) {
	return s.mutate(ctx, orgID, id, func(c *card.FailureCard) error {
		return c.ApplyTransition(next, entry)
	})
}

func (s *SQLStore) BumpVersion(ctx context.Context, orgID, id string, entry card.HistoryEntry) (*card.FailureCard, error) {
	return s.mutate(ctx, orgID, id, func(c *card.FailureCard) error {
		return c.BumpVersion(entry)
	})
}

const mutateAttempts = 3

// mutate is the single find-and-update path: load, apply, write back
// guarded by the version column. A concurrent writer bumps the
// version and our UPDATE matches zero rows, so we reload and retry.
func (s *SQLStore) mutate(ctx context.Context, orgID, id string, apply func(*card.FailureCard) error) (*card.FailureCard, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		var rec cardRecord
		err := s.db.WithContext(ctx).
			Where("org_id = ? AND id = ?", orgID, id).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, card.ErrNotFound
		}
		if err != nil {
			return nil, err
		}

		c, err := fromRecord(&rec)
		if err != nil {
			return nil, err
		}
		previousVersion := c.Version
		if err := apply(c); err != nil {
			return nil, err
		}

		updated, err := toRecord(c)
		if err != nil {
			return nil, err
		}
		res := s.db.WithContext(ctx).
			Model(&cardRecord{}).
			Where("id = ? AND version = ?", id, previousVersion).
			Updates(map[string]interface{}{
				"status":     updated.Status,
				"version":    updated.Version,
				"title":      updated.Title,
				"doc":        updated.Doc,
				"updated_at": updated.UpdatedAt,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return c, nil
		}
		// Lost the race; reload and retry.
	}
	return nil, ErrVersionConflict
}

func (s *SQLStore) Count(ctx context.Context, orgID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&cardRecord{}).
		Where("org_id = ?", orgID).
		Count(&n).Error
	return int(n), err
}

func fromRecords(recs []cardRecord) ([]card.FailureCard, error) {
	out := make([]card.FailureCard, 0, len(recs))
	for i := range recs {
		c, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}
