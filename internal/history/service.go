// Package history is the service layer over the detection store: it
// validates and records pipeline outcomes and answers the query API.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"plate-watcher/internal/domain/plate"
	"plate-watcher/internal/metrics"
	"plate-watcher/internal/repository"
	"plate-watcher/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

type Service struct {
	repo *repository.DetectionRepository
	log  zerolog.Logger
}

func NewService(repo *repository.DetectionRepository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log}
}

// RecordedDetection is the input to Record, assembled by the pipeline
// from the event, the recognition result and the match outcome.
type RecordedDetection struct {
	EventID    string
	Camera     string
	Result     plate.RecognitionResult
	Outcome    plate.MatchOutcome
	DetectedAt time.Time
	RawPayload []byte
}

// Record persists one detection. It returns false when the event id was
// already stored, which doubles as duplicate-event suppression across
// transport redeliveries.
func (s *Service) Record(ctx context.Context, det RecordedDetection) (bool, error) {
	if det.EventID == "" {
		return false, fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if det.Camera == "" {
		return false, fmt.Errorf("%w: camera is required", ErrInvalidInput)
	}

	best := det.Outcome.BestPlate()
	normalized := utils.NormalizePlate(best)
	if normalized == "" {
		return false, fmt.Errorf("%w: plate cannot be empty after normalization", ErrInvalidInput)
	}

	row := &repository.Detection{
		EventID:         det.EventID,
		Camera:          det.Camera,
		PlateNumber:     best,
		NormalizedPlate: normalized,
		Score:           det.Result.Score,
		Method:          string(det.Outcome.Method),
		SourceEngine:    string(det.Result.SourceEngine),
		DetectedAt:      det.DetectedAt,
		RawPayload:      det.RawPayload,
	}
	if det.Outcome.Matched() {
		original := det.Outcome.OriginalPlate
		row.OriginalPlate = &original
	}
	if det.Outcome.Method == plate.MatchFuzzy {
		fuzzy := det.Outcome.FuzzyScore
		row.FuzzyScore = &fuzzy
	}

	stored, err := s.repo.Insert(ctx, row)
	if err != nil {
		metrics.DBWrites.WithLabelValues("error").Inc()
		s.log.Error().
			Err(err).
			Str("event_id", det.EventID).
			Str("plate", normalized).
			Msg("failed to store detection")
		return false, fmt.Errorf("store detection: %w", err)
	}
	if !stored {
		metrics.DBWrites.WithLabelValues("duplicate").Inc()
		s.log.Debug().Str("event_id", det.EventID).Msg("detection already stored for event")
		return false, nil
	}

	metrics.DBWrites.WithLabelValues("success").Inc()
	s.log.Info().
		Int64("detection_id", row.ID).
		Str("event_id", det.EventID).
		Str("plate", normalized).
		Str("camera", det.Camera).
		Str("method", string(det.Outcome.Method)).
		Float64("score", det.Result.Score).
		Msg("stored detection")
	return true, nil
}

// HasProcessed reports whether a detection for this event id already
// exists.
func (s *Service) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	return s.repo.HasProcessed(ctx, eventID)
}

// DetectionInfo is the query view of a stored detection.
type DetectionInfo struct {
	ID              int64     `json:"id"`
	EventID         string    `json:"event_id"`
	Camera          string    `json:"camera"`
	PlateNumber     string    `json:"plate_number"`
	NormalizedPlate string    `json:"normalized_plate"`
	OriginalPlate   *string   `json:"original_plate,omitempty"`
	Score           float64   `json:"score"`
	FuzzyScore      *float64  `json:"fuzzy_score,omitempty"`
	Method          string    `json:"method"`
	SourceEngine    string    `json:"source_engine"`
	DetectedAt      time.Time `json:"detected_at"`
}

// FindDetections searches the history with optional plate/camera/time
// filters.
func (s *Service) FindDetections(ctx context.Context, plateQuery, camera *string, from, to *string, limit, offset int) ([]DetectionInfo, error) {
	var normalizedPlate *string
	if plateQuery != nil {
		normalized := utils.NormalizePlate(*plateQuery)
		if normalized != "" {
			normalizedPlate = &normalized
		}
	}

	var fromTime, toTime *time.Time
	if from != nil && *from != "" {
		t, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
		}
		fromTime = &t
	}
	if to != nil && *to != "" {
		t, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
		}
		toTime = &t
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.repo.FindDetections(ctx, normalizedPlate, camera, fromTime, toTime, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("find detections: %w", err)
	}

	result := make([]DetectionInfo, 0, len(rows))
	for _, d := range rows {
		result = append(result, DetectionInfo{
			ID:              d.ID,
			EventID:         d.EventID,
			Camera:          d.Camera,
			PlateNumber:     d.PlateNumber,
			NormalizedPlate: d.NormalizedPlate,
			OriginalPlate:   d.OriginalPlate,
			Score:           d.Score,
			FuzzyScore:      d.FuzzyScore,
			Method:          d.Method,
			SourceEngine:    d.SourceEngine,
			DetectedAt:      d.DetectedAt,
		})
	}
	return result, nil
}

// PlateInfo summarises one plate for the lookup endpoint.
type PlateInfo struct {
	Plate    string     `json:"plate"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// FindPlate looks up the last sighting of a plate.
func (s *Service) FindPlate(ctx context.Context, plateQuery string) (*PlateInfo, error) {
	normalized := utils.NormalizePlate(plateQuery)
	if normalized == "" {
		return nil, fmt.Errorf("%w: plate query cannot be empty", ErrInvalidInput)
	}

	lastSeen, err := s.repo.LastSeen(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("find plate: %w", err)
	}
	if lastSeen == nil {
		return nil, fmt.Errorf("%w: plate %s", ErrNotFound, normalized)
	}
	return &PlateInfo{Plate: normalized, LastSeen: lastSeen}, nil
}

// CleanupOldDetections removes detections older than the given number
// of days.
func (s *Service) CleanupOldDetections(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: days must be positive", ErrInvalidInput)
	}
	deleted, err := s.repo.DeleteOlderThan(ctx, days)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old detections")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", days).Msg("cleaned up old detections")
	}
	return deleted, nil
}
