package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// eventRecord is the SQL row shape; the payload is serialized JSON
// rebuilt through the type's payload factory on load.
type eventRecord struct {
	ID          string `gorm:"primaryKey"`
	Type        string
	Payload     string
	Priority    int  `gorm:"index:idx_events_pump"`
	Processed   bool `gorm:"index:idx_events_pump"`
	RetryCount  int
	MaxRetries  int
	LastError   string
	CreatedAt   time.Time `gorm:"index:idx_events_pump"`
	ProcessedAt *time.Time
}

func (eventRecord) TableName() string { return "efi_events" }

// SQLStore is a GORM-backed event store.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore creates a SQL-backed event store on an open database.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&eventRecord{}); err != nil {
		return nil, fmt.Errorf("migrating event schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func toEventRecord(e *Event) (*eventRecord, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return &eventRecord{
		ID:          e.ID,
		Type:        string(e.Type),
		Payload:     string(payload),
		Priority:    e.Priority,
		Processed:   e.Processed,
		RetryCount:  e.RetryCount,
		MaxRetries:  e.MaxRetries,
		LastError:   e.LastError,
		CreatedAt:   e.CreatedAt,
		ProcessedAt: e.ProcessedAt,
	}, nil
}

func fromEventRecord(r *eventRecord) (*Event, error) {
	payload, err := newPayload(Type(r.Type))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.Payload), payload); err != nil {
		return nil, fmt.Errorf("unmarshaling payload for event %s: %w", r.ID, err)
	}
	return &Event{
		ID:          r.ID,
		Type:        Type(r.Type),
		Payload:     payload,
		Priority:    r.Priority,
		Processed:   r.Processed,
		RetryCount:  r.RetryCount,
		MaxRetries:  r.MaxRetries,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		ProcessedAt: r.ProcessedAt,
	}, nil
}

func (s *SQLStore) Append(ctx context.Context, e *Event) error {
	if err := e.checkPayload(); err != nil {
		return err
	}
	rec, err := toEventRecord(e)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Event, error) {
	var rec eventRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromEventRecord(&rec)
}

func (s *SQLStore) FetchUnprocessed(ctx context.Context, limit int) ([]Event, error) {
	q := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("priority ASC, created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []eventRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(recs))
	for i := range recs {
		e, err := fromEventRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *SQLStore) Update(ctx context.Context, e *Event) error {
	rec, err := toEventRecord(e)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Model(&eventRecord{}).
		Where("id = ?", e.ID).
		Updates(map[string]interface{}{
			"processed":    rec.Processed,
			"retry_count":  rec.RetryCount,
			"last_error":   rec.LastError,
			"processed_at": rec.ProcessedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}
