package gormoutbox

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	outbox "github.com/oagudo/contract-outbox"
)

// Store implements outbox.Store on GORM.
type Store struct {
	db *gorm.DB
	config
}

// NewStore creates a Store reading the outbox table through db.
func NewStore(db *gorm.DB, opts ...Option) *Store {
	return &Store{db: db, config: newConfig(opts)}
}

// Migrate creates or updates the outbox table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Table(s.table).AutoMigrate(&recordModel{}); err != nil {
		return fmt.Errorf("migrating outbox table %s: %w", s.table, err)
	}
	return nil
}

// FindUndelivered implements outbox.Store.
func (s *Store) FindUndelivered(ctx context.Context, limit int) ([]*outbox.Record, error) {
	query := s.db.WithContext(ctx).
		Table(s.table).
		Where("published = ?", false).
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []recordModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying outbox records: %w", err)
	}

	records := make([]*outbox.Record, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

// MarkPublished implements outbox.Store.
func (s *Store) MarkPublished(ctx context.Context, rec *outbox.Record) error {
	result := s.db.WithContext(ctx).
		Table(s.table).
		Where("id = ? AND published = ?", rec.ID, false).
		Updates(map[string]any{
			"published":  rec.Published,
			"updated_at": rec.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("updating outbox record %d: %w", rec.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("updating outbox record %d: %w", rec.ID, outbox.ErrRecordNotPending)
	}
	return nil
}
