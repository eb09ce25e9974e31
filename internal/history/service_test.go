package history

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"plate-watcher/internal/domain/plate"
)

// Validation happens before any repository access, so these tests run
// against a service with no backing store.
func newValidationService() *Service {
	return NewService(nil, zerolog.Nop())
}

func TestRecordValidation(t *testing.T) {
	svc := newValidationService()
	ctx := context.Background()

	valid := RecordedDetection{
		EventID:    "ev-1",
		Camera:     "driveway",
		Result:     plate.RecognitionResult{Plate: "ABC123", Score: 0.9},
		Outcome:    plate.MatchOutcome{OriginalPlate: "ABC123", Method: plate.MatchNone},
		DetectedAt: time.Now(),
	}

	missingEvent := valid
	missingEvent.EventID = ""
	_, err := svc.Record(ctx, missingEvent)
	assert.ErrorIs(t, err, ErrInvalidInput)

	missingCamera := valid
	missingCamera.Camera = ""
	_, err = svc.Record(ctx, missingCamera)
	assert.ErrorIs(t, err, ErrInvalidInput)

	unusablePlate := valid
	unusablePlate.Result = plate.RecognitionResult{Plate: "---"}
	unusablePlate.Outcome = plate.MatchOutcome{OriginalPlate: "---", Method: plate.MatchNone}
	_, err = svc.Record(ctx, unusablePlate)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFindDetectionsRejectsBadTimestamps(t *testing.T) {
	svc := newValidationService()
	ctx := context.Background()

	bad := "not-a-timestamp"
	_, err := svc.FindDetections(ctx, nil, nil, &bad, nil, 50, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.FindDetections(ctx, nil, nil, nil, &bad, 50, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFindPlateRejectsEmptyQuery(t *testing.T) {
	svc := newValidationService()

	_, err := svc.FindPlate(context.Background(), "  --- ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCleanupRejectsNonPositiveDays(t *testing.T) {
	svc := newValidationService()

	_, err := svc.CleanupOldDetections(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.CleanupOldDetections(context.Background(), -3)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
