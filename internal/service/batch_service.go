package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leadfoundry/batch-engine/internal/domain"
	"github.com/leadfoundry/batch-engine/internal/pricing"
	"github.com/leadfoundry/batch-engine/internal/progress"
	"github.com/leadfoundry/batch-engine/internal/repository"
	"go.uber.org/zap"
)

const recentItemsLimit = 20

// BatchRunner executes a claimed batch to a terminal state.
type BatchRunner interface {
	Run(ctx context.Context, batchID string) (*RunResult, error)
}

type PreviewRequest struct {
	LeadIDs        []string
	Mode           string
	MaxConcurrent  int
	BudgetOverride *float64
}

type PreviewResponse struct {
	Preview        *pricing.PreviewResult
	Budget         pricing.BudgetCheck
	UnknownLeadIDs []string
}

type StartRequest struct {
	CreatedBy     string
	CorrelationID string
	LeadIDs       []string
	Mode          string
	MaxConcurrent int
	RetryEnabled  bool
	MaxRetries    int
	EstimatedCost float64
	CostApproved  bool
}

type ListRequest struct {
	Status    string
	CreatedBy string
	Mode      string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

type ListResponse struct {
	Batches  []domain.Batch
	Total    int64
	Page     int
	PageSize int
}

// StatusReport combines the batch aggregate with its recent item activity
// and failure breakdown.
type StatusReport struct {
	Batch       *domain.Batch
	RecentItems []domain.BatchItem
	ErrorCodes  map[domain.ErrorCode]int
}

type HealthReport struct {
	TotalBatches        int64
	RunningBatches      int64
	ActiveSubscriptions int
}

// BatchService is the application surface over previews, batch lifecycle,
// and reporting.
type BatchService struct {
	batches     repository.BatchRepository
	items       repository.ItemRepository
	leads       repository.LeadRepository
	estimator   *pricing.Estimator
	runner      BatchRunner
	broadcaster *progress.Broadcaster
	logger      *zap.Logger
	now         func() time.Time
}

func NewBatchService(
	batches repository.BatchRepository,
	items repository.ItemRepository,
	leads repository.LeadRepository,
	estimator *pricing.Estimator,
	runner BatchRunner,
	broadcaster *progress.Broadcaster,
	logger *zap.Logger,
) (*BatchService, error) {
	if batches == nil || items == nil || leads == nil {
		return nil, fmt.Errorf("batch, item, and lead repositories are required")
	}
	if estimator == nil {
		return nil, fmt.Errorf("estimator is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("batch runner is required")
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("progress broadcaster is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchService{
		batches:     batches,
		items:       items,
		leads:       leads,
		estimator:   estimator,
		runner:      runner,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Preview prices a prospective batch without persisting anything. Lead ids
// must be unique; at least one must resolve to a known lead.
func (s *BatchService) Preview(ctx context.Context, req PreviewRequest) (*PreviewResponse, error) {
	mode, err := domain.ParseProcessingModeFromString(req.Mode)
	if err != nil {
		return nil, err
	}
	if len(req.LeadIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one lead id is required", domain.ErrValidation)
	}
	if err := rejectDuplicates(req.LeadIDs); err != nil {
		return nil, err
	}

	unknown, err := s.unknownLeadIDs(ctx, req.LeadIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve leads: %w", err)
	}
	if len(unknown) == len(req.LeadIDs) {
		return nil, fmt.Errorf("%w: none of the %d lead ids resolve to known leads", domain.ErrUnprocessable, len(req.LeadIDs))
	}

	preview, err := s.estimator.Preview(ctx, req.LeadIDs, mode, req.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	budget := s.estimator.ValidateBudget(ctx, preview.TotalCost, req.BudgetOverride)

	return &PreviewResponse{
		Preview:        preview,
		Budget:         budget,
		UnknownLeadIDs: unknown,
	}, nil
}

// Start persists the batch with its items and triggers an asynchronous
// run. The returned batch is still PENDING; observers follow the live
// channel or poll GetStatus.
func (s *BatchService) Start(ctx context.Context, req StartRequest) (*domain.Batch, error) {
	mode, err := domain.ParseProcessingModeFromString(req.Mode)
	if err != nil {
		return nil, err
	}
	if err := rejectDuplicates(req.LeadIDs); err != nil {
		return nil, err
	}

	unknown, err := s.unknownLeadIDs(ctx, req.LeadIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve leads: %w", err)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown lead ids: %s", domain.ErrUnprocessable, strings.Join(unknown, ", "))
	}

	maxConcurrent := req.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = domain.DefaultMaxConcurrent
	}
	maxRetries := 0
	if req.RetryEnabled {
		maxRetries = req.MaxRetries
		if maxRetries == 0 {
			maxRetries = domain.DefaultMaxRetries
		}
	}

	batch := &domain.Batch{
		ID:            uuid.NewString(),
		CreatedBy:     req.CreatedBy,
		CorrelationID: req.CorrelationID,
		Mode:          mode,
		TotalItems:    len(req.LeadIDs),
		MaxConcurrent: maxConcurrent,
		RetryEnabled:  req.RetryEnabled,
		MaxRetries:    maxRetries,
		EstimatedCost: req.EstimatedCost,
		CostApproved:  req.CostApproved,
		Status:        domain.BatchStatusPending,
		CreatedAt:     s.now().UTC(),
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	if err := s.batches.Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	itemsToCreate := make([]*domain.BatchItem, 0, len(req.LeadIDs))
	for i, leadID := range req.LeadIDs {
		itemsToCreate = append(itemsToCreate, &domain.BatchItem{
			ID:         uuid.NewString(),
			BatchID:    batch.ID,
			LeadID:     leadID,
			OrderIndex: i,
			Status:     domain.ItemStatusPending,
			MaxRetries: maxRetries,
		})
	}
	if err := s.items.AppendItems(ctx, itemsToCreate); err != nil {
		completedAt := s.now().UTC()
		if markErr := s.batches.MarkFailed(ctx, batch.ID, "failed to persist batch items", completedAt); markErr != nil {
			s.logger.Error("failed to mark batch as failed after item persistence error",
				zap.String("batchId", batch.ID), zap.Error(markErr))
		}
		return nil, fmt.Errorf("failed to create batch items: %w", err)
	}

	s.logger.Info("batch accepted",
		zap.String("batchId", batch.ID),
		zap.String("mode", mode.String()),
		zap.Int("totalItems", batch.TotalItems),
		zap.String("createdBy", batch.CreatedBy),
	)

	// The run outlives the request; it carries its own context.
	go func() {
		if _, runErr := s.runner.Run(context.Background(), batch.ID); runErr != nil {
			s.logger.Error("batch run finished with error",
				zap.String("batchId", batch.ID), zap.Error(runErr))
		}
	}()

	return batch, nil
}

func (s *BatchService) GetStatus(ctx context.Context, batchID string) (*StatusReport, error) {
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	recent, err := s.items.ListRecent(ctx, batchID, recentItemsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent items: %w", err)
	}
	histogram, err := s.items.ErrorCodeHistogram(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load error breakdown: %w", err)
	}

	return &StatusReport{
		Batch:       batch,
		RecentItems: recent,
		ErrorCodes:  histogram,
	}, nil
}

func (s *BatchService) List(ctx context.Context, req ListRequest) (*ListResponse, error) {
	params := repository.ListParams{
		From:     req.From,
		To:       req.To,
		Page:     req.Page,
		PageSize: req.PageSize,
	}
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}

	if req.Status != "" {
		status, err := domain.ParseBatchStatusFromString(req.Status)
		if err != nil {
			return nil, err
		}
		params.Status = &status
	}
	if req.Mode != "" {
		mode, err := domain.ParseProcessingModeFromString(req.Mode)
		if err != nil {
			return nil, err
		}
		params.Mode = &mode
	}
	if req.CreatedBy != "" {
		createdBy := req.CreatedBy
		params.CreatedBy = &createdBy
	}

	batches, total, err := s.batches.List(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	return &ListResponse{
		Batches:  batches,
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	}, nil
}

// Cancel requests cooperative cancellation. Pending items are skipped
// immediately; in-flight items run to completion and keep their results.
func (s *BatchService) Cancel(ctx context.Context, batchID string) (*domain.Batch, error) {
	batch, err := s.batches.Cancel(ctx, batchID)
	if err != nil {
		return nil, err
	}

	s.broadcaster.Publish(batchID, progress.Event{
		Kind: progress.EventBatchError,
		Error: &progress.ErrorPayload{
			Message: "batch cancelled by user",
			Code:    domain.ErrorCodeCancelled.String(),
		},
	}, true)

	s.logger.Info("batch cancelled", zap.String("batchId", batchID))
	return batch, nil
}

// Retry returns a FAILED batch to PENDING, gives its failed items a fresh
// retry budget, and schedules another run.
func (s *BatchService) Retry(ctx context.Context, batchID string) (*domain.Batch, error) {
	if err := s.batches.Reopen(ctx, batchID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Reopen cannot tell an unknown batch from a non-FAILED one.
			if _, getErr := s.batches.GetByID(ctx, batchID); getErr != nil {
				return nil, getErr
			}
		}
		return nil, err
	}

	// A batch that failed systemically may have no FAILED items; zero
	// resets still leaves its untouched PENDING items runnable.
	reset, err := s.items.ResetFailed(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to reset items for retry: %w", err)
	}

	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("batch queued for retry",
		zap.String("batchId", batchID),
		zap.Int64("itemsReset", reset),
	)

	go func() {
		if _, runErr := s.runner.Run(context.Background(), batch.ID); runErr != nil {
			s.logger.Error("batch retry run finished with error",
				zap.String("batchId", batch.ID), zap.Error(runErr))
		}
	}()

	return batch, nil
}

func (s *BatchService) Analytics(ctx context.Context, days int) (*repository.AnalyticsReport, error) {
	if days < 1 {
		days = 30
	}
	since := s.now().UTC().AddDate(0, 0, -days)
	report, err := s.batches.Analytics(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute analytics: %w", err)
	}
	return report, nil
}

func (s *BatchService) Health(ctx context.Context) (*HealthReport, error) {
	total, err := s.batches.CountAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count batches: %w", err)
	}
	running, err := s.batches.CountByStatus(ctx, domain.BatchStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to count running batches: %w", err)
	}

	return &HealthReport{
		TotalBatches:        total,
		RunningBatches:      running,
		ActiveSubscriptions: s.broadcaster.ActiveSubscriptions(),
	}, nil
}

func rejectDuplicates(leadIDs []string) error {
	seen := make(map[string]struct{}, len(leadIDs))
	for _, id := range leadIDs {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate lead id %s", domain.ErrValidation, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (s *BatchService) unknownLeadIDs(ctx context.Context, leadIDs []string) ([]string, error) {
	resolved, err := s.leads.GetByIDs(ctx, leadIDs)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(resolved))
	for i := range resolved {
		known[resolved[i].ID] = struct{}{}
	}
	var unknown []string
	for _, id := range leadIDs {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown, nil
}
