package domain

import (
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "PENDING"
	BatchStatusRunning   BatchStatus = "RUNNING"
	BatchStatusCompleted BatchStatus = "COMPLETED"
	BatchStatusFailed    BatchStatus = "FAILED"
	BatchStatusCancelled BatchStatus = "CANCELLED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusRunning, BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further batch transition is permitted.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// ProcessingMode selects the report template used per item.
type ProcessingMode string

const (
	ModeStandard ProcessingMode = "STANDARD"
	ModeDetailed ProcessingMode = "DETAILED"
	ModeExpress  ProcessingMode = "EXPRESS"
)

func (m ProcessingMode) String() string { return string(m) }

func (m ProcessingMode) IsValid() bool {
	switch m {
	case ModeStandard, ModeDetailed, ModeExpress:
		return true
	}
	return false
}

func ParseProcessingModeFromString(s string) (ProcessingMode, error) {
	m := ProcessingMode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("%w: invalid processing mode %q", ErrValidation, s)
	}
	return m, nil
}

// Concurrency and retry bounds enforced at batch creation.
const (
	DefaultMaxConcurrent = 5
	MaxConcurrentCeiling = 20
	DefaultMaxRetries    = 2
	MaxBatchItems        = 1000
)

// Batch is a user-approved, priced unit of work over an ordered set of items.
type Batch struct {
	ID             string
	CreatedBy      string
	CorrelationID  string
	Mode           ProcessingMode
	TotalItems     int
	MaxConcurrent  int
	RetryEnabled   bool
	MaxRetries     int
	EstimatedCost  float64
	ActualCost     float64
	CostApproved   bool
	Status         BatchStatus
	ProcessedItems int
	SuccessItems   int
	FailedItems    int
	CurrentItemID  *string
	ErrorMessage   *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (b *Batch) Validate() error {
	if b.CreatedBy == "" {
		return fmt.Errorf("%w: creator is required", ErrValidation)
	}
	if !b.Mode.IsValid() {
		return fmt.Errorf("%w: invalid processing mode %q", ErrValidation, b.Mode)
	}
	if b.TotalItems < 1 {
		return fmt.Errorf("%w: batch must contain at least one item", ErrValidation)
	}
	if b.TotalItems > MaxBatchItems {
		return fmt.Errorf("%w: batch size exceeds %d", ErrValidation, MaxBatchItems)
	}
	if b.MaxConcurrent < 1 || b.MaxConcurrent > MaxConcurrentCeiling {
		return fmt.Errorf("%w: max concurrent must be between 1 and %d", ErrValidation, MaxConcurrentCeiling)
	}
	if b.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrValidation)
	}
	if !b.CostApproved {
		return fmt.Errorf("%w: cost approval is required before execution", ErrValidation)
	}
	return nil
}

// ProgressPercentage is derived from processed/total, clamped to [0,100].
// It is never stored independently of that relation.
func (b *Batch) ProgressPercentage() float64 {
	if b.TotalItems <= 0 {
		return 0
	}
	pct := float64(b.ProcessedItems) / float64(b.TotalItems) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Duration is completed-started when both timestamps are set.
func (b *Batch) Duration() (time.Duration, bool) {
	if b.StartedAt == nil || b.CompletedAt == nil {
		return 0, false
	}
	return b.CompletedAt.Sub(*b.StartedAt), true
}

func (b *Batch) SuccessRate() float64 {
	if b.ProcessedItems <= 0 {
		return 0
	}
	return float64(b.SuccessItems) / float64(b.ProcessedItems)
}

// CanTransitionTo enforces the batch state machine: PENDING may start,
// fail, or cancel; RUNNING may only reach a terminal state; terminal
// states absorb.
func (b *Batch) CanTransitionTo(next BatchStatus) bool {
	if b.Status.IsTerminal() {
		return false
	}
	switch b.Status {
	case BatchStatusPending:
		return next == BatchStatusRunning || next == BatchStatusFailed || next == BatchStatusCancelled
	case BatchStatusRunning:
		return next.IsTerminal()
	}
	return false
}
