package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DetectionRepository struct {
	db *gorm.DB
}

func NewDetectionRepository(db *gorm.DB) *DetectionRepository {
	return &DetectionRepository{db: db}
}

// Detection is one persisted recognition outcome. EventID carries a
// unique index, which makes re-processing of redelivered events
// idempotent at the storage layer.
type Detection struct {
	ID              int64          `gorm:"primaryKey"`
	EventID         string         `gorm:"not null;uniqueIndex"`
	Camera          string         `gorm:"not null"`
	PlateNumber     string         `gorm:"not null"`
	NormalizedPlate string         `gorm:"not null"`
	OriginalPlate   *string
	Score           float64
	FuzzyScore      *float64
	Method          string         `gorm:"not null"`
	SourceEngine    string         `gorm:"not null"`
	DetectedAt      time.Time      `gorm:"not null"`
	RawPayload      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time
}

func (Detection) TableName() string {
	return "detections"
}

// Insert stores a detection. It returns false without error when a row
// for the same event id already exists.
func (r *DetectionRepository) Insert(ctx context.Context, det *Detection) (bool, error) {
	det.CreatedAt = time.Now()
	err := r.db.WithContext(ctx).Create(det).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	return false, err
}

// HasProcessed reports whether a detection for the event id was already
// stored.
func (r *DetectionRepository) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Detection{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	return count > 0, err
}

// FindDetections queries the history, newest first.
func (r *DetectionRepository) FindDetections(ctx context.Context, normalizedPlate *string, camera *string, from, to *time.Time, limit, offset int) ([]Detection, error) {
	query := r.db.WithContext(ctx).Model(&Detection{})

	if normalizedPlate != nil {
		query = query.Where("normalized_plate = ?", *normalizedPlate)
	}
	if camera != nil {
		query = query.Where("camera = ?", *camera)
	}
	if from != nil {
		query = query.Where("detected_at >= ?", *from)
	}
	if to != nil {
		query = query.Where("detected_at <= ?", *to)
	}

	query = query.Order("detected_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var detections []Detection
	err := query.Find(&detections).Error
	return detections, err
}

// LastSeen returns the most recent detection time for a normalized
// plate, or nil when the plate was never seen.
func (r *DetectionRepository) LastSeen(ctx context.Context, normalizedPlate string) (*time.Time, error) {
	var det Detection
	err := r.db.WithContext(ctx).
		Where("normalized_plate = ?", normalizedPlate).
		Order("detected_at DESC").
		First(&det).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &det.DetectedAt, nil
}

// DeleteOlderThan removes detections older than the given number of
// days and returns how many rows went away.
func (r *DetectionRepository) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res := r.db.WithContext(ctx).
		Where("detected_at < ?", cutoff).
		Delete(&Detection{})
	return res.RowsAffected, res.Error
}
