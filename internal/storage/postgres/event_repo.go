package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/plugbox/internal/security"
	"github.com/jkaninda/plugbox/internal/storage"
)

// EventRepository implements storage.EventStore with GORM.
// Append-only: no Update method exists on this type.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates an EventRepository.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// AppendEvent inserts a single security event.
func (r *EventRepository) AppendEvent(ctx context.Context, rec security.AuditRecord) error {
	model := toEventModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending security event: %w", err)
	}
	return nil
}

// ListEvents returns matching events, newest first.
func (r *EventRepository) ListEvents(ctx context.Context, q storage.EventQuery) ([]security.AuditRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	tx := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if q.SandboxID != "" {
		tx = tx.Where("sandbox_id = ?", q.SandboxID)
	}
	if q.Topic != "" {
		tx = tx.Where("topic = ?", q.Topic)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since.UTC())
	}

	var models []SecurityEventModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	records := make([]security.AuditRecord, len(models))
	for i := range models {
		records[i] = toEventDomain(&models[i])
	}
	return records, nil
}

// PruneBefore deletes events recorded before cutoff and returns how many were removed.
func (r *EventRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&SecurityEventModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning security events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
