package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// recordRow is the execution_records table layout shared with the SQL
// migrations.
type recordRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Kind       string    `gorm:"size:16;not null;index"`
	Timestamp  time.Time `gorm:"not null;index"`
	DurationMs int64     `gorm:"not null"`
	Status     string    `gorm:"size:16;not null"`
	ErrorType  string    `gorm:"size:128"`
	Step       string    `gorm:"size:255;index"`
	RunID      string    `gorm:"size:64;index"`
	Metadata   string    `gorm:"type:text"`
}

func (recordRow) TableName() string { return "execution_records" }

// GormStore persists records through gorm. It works with the postgres,
// mysql and sqlite dialects.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger.With(zap.String("component", "history_store"))}
}

// AutoMigrate creates the table when migrations are not managed externally.
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&recordRow{})
}

// Append inserts one record.
func (s *GormStore) Append(ctx context.Context, rec ExecutionRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest records, oldest first.
func (s *GormStore) Recent(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	var rows []recordRow
	q := s.db.WithContext(ctx).Order("timestamp DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query execution records: %w", err)
	}
	out := make([]ExecutionRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		rec, err := fromRow(rows[i])
		if err != nil {
			s.logger.Warn("skip malformed execution record", zap.String("record_id", rows[i].ID), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ByRun returns every record of one run in timestamp order.
func (s *GormStore) ByRun(ctx context.Context, runID string) ([]ExecutionRecord, error) {
	var rows []recordRow
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("timestamp ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query run records: %w", err)
	}
	out := make([]ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteBefore removes records older than cutoff and returns how many went.
func (s *GormStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&recordRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete execution records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func toRow(rec ExecutionRecord) (recordRow, error) {
	row := recordRow{
		ID:         rec.ID,
		Kind:       string(rec.Kind),
		Timestamp:  rec.Timestamp.UTC(),
		DurationMs: rec.DurationMs,
		Status:     string(rec.Status),
		ErrorType:  rec.ErrorType,
		Step:       rec.Metadata[MetaStep],
		RunID:      rec.Metadata[MetaRunID],
	}
	if len(rec.Metadata) > 0 {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return recordRow{}, fmt.Errorf("encode record metadata: %w", err)
		}
		row.Metadata = string(data)
	}
	return row, nil
}

func fromRow(row recordRow) (ExecutionRecord, error) {
	rec := ExecutionRecord{
		ID:         row.ID,
		Kind:       Kind(row.Kind),
		Timestamp:  row.Timestamp,
		DurationMs: row.DurationMs,
		Status:     Status(row.Status),
		ErrorType:  row.ErrorType,
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &rec.Metadata); err != nil {
			return ExecutionRecord{}, fmt.Errorf("decode record metadata: %w", err)
		}
	}
	return rec, nil
}
