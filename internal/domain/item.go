package domain

import (
	"fmt"
	"strings"
	"time"
)

// ItemStatus represents the lifecycle state of a batch item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "PENDING"
	ItemStatusProcessing ItemStatus = "PROCESSING"
	ItemStatusCompleted  ItemStatus = "COMPLETED"
	ItemStatusFailed     ItemStatus = "FAILED"
	ItemStatusSkipped    ItemStatus = "SKIPPED"
)

func (s ItemStatus) String() string { return string(s) }

func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemStatusPending, ItemStatusProcessing, ItemStatusCompleted, ItemStatusFailed, ItemStatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether the item may not be mutated further.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemStatusCompleted, ItemStatusFailed, ItemStatusSkipped:
		return true
	}
	return false
}

func ParseItemStatusFromString(s string) (ItemStatus, error) {
	st := ItemStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid item status %q", ErrValidation, s)
	}
	return st, nil
}

// BatchItem is one unit of per-lead work belonging to exactly one batch.
// OrderIndex fixes the deterministic pickup order; completion order under
// concurrency is not guaranteed.
type BatchItem struct {
	ID           string
	BatchID      string
	LeadID       string
	OrderIndex   int
	Status       ItemStatus
	ArtifactRef  *string
	ActualCost   *float64
	QualityScore *float64
	DurationMS   *int64
	ErrorMessage *string
	ErrorCode    *ErrorCode
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsRetryable holds exactly when the item failed and has retry budget left.
func (i *BatchItem) IsRetryable() bool {
	return i.Status == ItemStatusFailed && i.RetryCount < i.MaxRetries
}

// ItemResult is the outcome of one item's unit of work, carried from the
// worker back to the state store.
type ItemResult struct {
	ArtifactRef  *string
	ActualCost   *float64
	QualityScore *float64
	DurationMS   *int64
	ErrorMessage *string
	ErrorCode    *ErrorCode
}

func SuccessResult(artifactRef string, cost, quality float64, duration time.Duration) ItemResult {
	ms := duration.Milliseconds()
	return ItemResult{
		ArtifactRef:  &artifactRef,
		ActualCost:   &cost,
		QualityScore: &quality,
		DurationMS:   &ms,
	}
}

func FailureResult(code ErrorCode, message string, duration time.Duration) ItemResult {
	ms := duration.Milliseconds()
	return ItemResult{
		ErrorMessage: &message,
		ErrorCode:    &code,
		DurationMS:   &ms,
	}
}
