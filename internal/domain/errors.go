package domain

import "errors"

var (
	// ErrValidation marks bad caller input rejected before persistence.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a lookup for an unknown batch, item, or lead.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks an illegal state transition attempt.
	ErrConflict = errors.New("conflict")
	// ErrUnprocessable marks input that parsed but resolved to nothing usable.
	ErrUnprocessable = errors.New("unprocessable")
)

// ErrorCode classifies item-level processing failures.
type ErrorCode string

const (
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeProcessingFailed ErrorCode = "PROCESSING_FAILED"
	ErrorCodeRetryScheduled   ErrorCode = "RETRY_SCHEDULED"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
	ErrorCodeCancelled        ErrorCode = "CANCELLED"
)

func (c ErrorCode) String() string { return string(c) }
