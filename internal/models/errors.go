package models

import (
	"errors"
	"fmt"
)

// Error kinds recorded on failed entries and used to decide retry behavior.
const (
	ErrKindConnectionFailed = "CONNECTION_FAILED"
	ErrKindGenerationFailed = "GENERATION_FAILED"
	ErrKindTimeout          = "TIMEOUT"
	ErrKindUnknown          = "UNKNOWN_ERROR"
)

// GenerationError tags a processor failure with its kind and whether the
// entry may be re-queued for another attempt.
type GenerationError struct {
	Kind      string
	Retryable bool
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// NewConnectionFailed marks the engine as unreachable after health-check retries.
func NewConnectionFailed(err error) *GenerationError {
	return &GenerationError{Kind: ErrKindConnectionFailed, Retryable: true, Err: err}
}

// NewGenerationFailed marks an explicit engine-side failure. Not retryable.
func NewGenerationFailed(err error) *GenerationError {
	return &GenerationError{Kind: ErrKindGenerationFailed, Retryable: false, Err: err}
}

// NewTimeout marks an exhausted polling budget.
func NewTimeout(err error) *GenerationError {
	return &GenerationError{Kind: ErrKindTimeout, Retryable: true, Err: err}
}

// Classify wraps an arbitrary error into a GenerationError. Errors that are
// already classified pass through untouched; anything else becomes
// UNKNOWN_ERROR and inherits non-retryable semantics.
func Classify(err error) *GenerationError {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr
	}
	return &GenerationError{Kind: ErrKindUnknown, Retryable: false, Err: err}
}
