package saga

import (
	"context"
	"errors"
)

var (
	// ErrSagaNotFound means no instance or engine context exists for a saga id.
	ErrSagaNotFound = errors.New("saga not found")
	// ErrStepNotFound means a result referenced a step this saga never recorded.
	ErrStepNotFound = errors.New("saga step not found")
	// ErrStepStatusRegression means a terminal step was asked to change status.
	ErrStepStatusRegression = errors.New("saga step status regression")
	// ErrMalformedMessage wraps any failure to decode an inbound body.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrContextVersion means a stored engine context was written by an unknown schema.
	ErrContextVersion = errors.New("unsupported engine context version")
	// ErrMissingAction means a transition references an action no gateway provides.
	ErrMissingAction = errors.New("no provider for saga action")
)

// IsPermanent reports whether retrying the same message can never succeed.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrSagaNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrStepStatusRegression) ||
		errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, ErrContextVersion)
}

// IsCanceled reports whether err comes from the caller giving up.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
