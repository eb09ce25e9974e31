package dispatch

import (
	"context"
	"errors"
	"fmt"

	"plate-watcher/internal/recognizer"
)

// ErrCapacityExceeded is returned by Submit when the queue stays full
// past the enqueue timeout. The event remains tracked, so a later
// qualifying update gets another chance.
var ErrCapacityExceeded = errors.New("dispatch queue full")

// ErrorClass partitions call failures into retry behaviour.
type ErrorClass string

const (
	// ClassTransient failures (connect errors, timeouts, 5xx, 429) are
	// retried with backoff.
	ClassTransient ErrorClass = "transient"
	// ClassPermanent failures (other 4xx, malformed payloads) fail
	// immediately without retry.
	ClassPermanent ErrorClass = "permanent"
	// ClassCanceled marks a dispatch stopped by shutdown or deadline.
	ClassCanceled ErrorClass = "canceled"
)

// CallError is the terminal error of one dispatch: either a permanent
// failure or a transient failure with retries exhausted.
type CallError struct {
	Class    ErrorClass
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("dispatch failed (%s after %d attempts): %v", e.Class, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Classify maps an engine transport error to its retry class. Anything
// not recognised as permanent is treated as transient, matching the
// behaviour of network-level failures.
func Classify(err error) ErrorClass {
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	var statusErr *recognizer.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Retryable() {
			return ClassTransient
		}
		return ClassPermanent
	}
	if errors.Is(err, recognizer.ErrMalformedResponse) {
		return ClassPermanent
	}
	return ClassTransient
}
