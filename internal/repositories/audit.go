package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/agentdeck-io/agentdeck/internal/db"
)

// gormAuditRepository is the GORM implementation of AuditRepository.
type gormAuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository returns an AuditRepository backed by the provided *gorm.DB.
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &gormAuditRepository{db: db}
}

// LogEvent inserts one audit row. Audit writes are best-effort from the
// hub's point of view — callers log failures but never fail the triggering
// operation on an audit error.
func (r *gormAuditRepository) LogEvent(ctx context.Context, event *db.AuditEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("audit: log event: %w", err)
	}
	return nil
}

// ListRecent returns the newest audit events, most recent first.
func (r *gormAuditRepository) ListRecent(ctx context.Context, limit int) ([]db.AuditEvent, error) {
	var events []db.AuditEvent
	if err := r.db.WithContext(ctx).
		Limit(limit).
		Order("created_at DESC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("audit: list recent: %w", err)
	}
	return events, nil
}
