// Package repository persists the audit trail of identification decisions.
package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// IdentificationLog is the audit record of one identification request. It
// mirrors the decision surfaced to the caller; the decision itself is
// always rebuilt per request, never read back from this table.
type IdentificationLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Status     string    `gorm:"column:status;size:32"`
	CowName    string    `gorm:"column:cow_name;size:128"`
	Confidence *float64  `gorm:"column:confidence"`
	DistanceKM *float64  `gorm:"column:distance_km"`
	Message    string    `gorm:"column:message;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (IdentificationLog) TableName() string {
	return "identification_logs"
}

// IdentificationRepository provides persistence APIs for the audit trail.
type IdentificationRepository struct {
	db *gorm.DB
}

// NewIdentificationRepository creates a new repository instance.
func NewIdentificationRepository(db *gorm.DB) *IdentificationRepository {
	return &IdentificationRepository{db: db}
}

// AutoMigrate ensures the schema is available.
func (r *IdentificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&IdentificationLog{})
}

// SaveLog persists one audit record.
func (r *IdentificationRepository) SaveLog(ctx context.Context, log *IdentificationLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// FindByRequestID retrieves the audit record for a request.
func (r *IdentificationRepository) FindByRequestID(ctx context.Context, requestID string) (*IdentificationLog, error) {
	var log IdentificationLog
	if err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error; err != nil {
		return nil, err
	}
	return &log, nil
}
