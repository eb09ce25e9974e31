// Package recognizer implements the clients for the external recognition
// back-ends and normalizes their heterogeneous responses into one result
// shape.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"plate-watcher/internal/domain/plate"
)

// Engine is one recognition back-end. Recognize returns a normalized
// result; an engine that finds no plate returns an empty result, not an
// error.
type Engine interface {
	Name() plate.Engine
	Recognize(ctx context.Context, image []byte) (*plate.RecognitionResult, error)
}

// ErrMalformedResponse marks an engine payload that could not be decoded.
// It is never retried.
var ErrMalformedResponse = errors.New("malformed engine response")

// StatusError is a non-2xx reply from an engine.
type StatusError struct {
	Engine     plate.Engine
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Engine, e.StatusCode, e.Body)
}

// Retryable reports whether the status is a transient failure class
// (rate limiting or server-side errors).
func (e *StatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// normalize builds a RecognitionResult from raw candidate readings: the
// highest-scoring reading becomes the plate, and candidates are ordered
// by descending score with response order breaking ties.
func normalize(engine plate.Engine, readings []plate.Candidate) *plate.RecognitionResult {
	res := &plate.RecognitionResult{SourceEngine: engine}
	if len(readings) == 0 {
		return res
	}
	for i := range readings {
		readings[i].Plate = strings.ToUpper(readings[i].Plate)
	}
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Score > readings[j].Score
	})
	res.Plate = readings[0].Plate
	res.Score = readings[0].Score
	res.Candidates = readings
	return res
}
