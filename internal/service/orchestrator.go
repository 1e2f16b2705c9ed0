package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/leadfoundry/batch-engine/internal/domain"
	"github.com/leadfoundry/batch-engine/internal/observability"
	"github.com/leadfoundry/batch-engine/internal/progress"
	"github.com/leadfoundry/batch-engine/internal/provider"
	"github.com/leadfoundry/batch-engine/internal/ratelimit"
	"github.com/leadfoundry/batch-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultItemTimeout = 30 * time.Second

	// reportAPIResource keys the shared provider rate limit across every
	// worker of every batch in the process.
	reportAPIResource = "report-api"
)

// SpendRecorder accumulates actual cost against the daily budget counter.
type SpendRecorder interface {
	Add(ctx context.Context, amount float64) error
}

// RunResult is the structured outcome handed back to whatever triggered
// the run.
type RunResult struct {
	BatchID    string
	Status     domain.BatchStatus
	Successful int
	Failed     int
	TotalCost  float64
	Duration   time.Duration
}

// Orchestrator executes one batch: it claims the batch, fans items out
// through a bounded worker pool, aggregates results, and finalizes.
type Orchestrator struct {
	batches     repository.BatchRepository
	items       repository.ItemRepository
	leads       repository.LeadRepository
	processor   provider.Processor
	rateLimiter ratelimit.RateLimiter
	broadcaster *progress.Broadcaster
	spend       SpendRecorder
	metrics     *observability.Metrics
	logger      *zap.Logger
	itemTimeout time.Duration
	now         func() time.Time
}

func NewOrchestrator(
	batches repository.BatchRepository,
	items repository.ItemRepository,
	leads repository.LeadRepository,
	processor provider.Processor,
	rateLimiter ratelimit.RateLimiter,
	broadcaster *progress.Broadcaster,
	spend SpendRecorder,
	itemTimeout time.Duration,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if batches == nil || items == nil || leads == nil {
		return nil, fmt.Errorf("batch, item, and lead repositories are required")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("progress broadcaster is required")
	}
	if itemTimeout <= 0 {
		itemTimeout = defaultItemTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		batches:     batches,
		items:       items,
		leads:       leads,
		processor:   processor,
		rateLimiter: rateLimiter,
		broadcaster: broadcaster,
		spend:       spend,
		itemTimeout: itemTimeout,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// Run executes the batch to a terminal state. A batch that is missing or
// not PENDING is rejected up front; this is the single guard preventing
// double execution of the same batch id.
func (o *Orchestrator) Run(ctx context.Context, batchID string) (*RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	batch, err := o.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}
	if batch.Status != domain.BatchStatusPending {
		return nil, fmt.Errorf("%w: batch %s is %s, not PENDING", domain.ErrConflict, batchID, batch.Status)
	}

	startedAt := o.now().UTC()
	claimed, err := o.batches.ClaimForRun(ctx, batchID, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch %s: %w", batchID, err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: batch %s was claimed concurrently", domain.ErrConflict, batchID)
	}

	logger := observability.BatchLogger(o.logger, batchID)
	logger.Info("batch run started",
		zap.String("mode", batch.Mode.String()),
		zap.Int("totalItems", batch.TotalItems),
		zap.Int("maxConcurrent", batch.MaxConcurrent),
	)

	result, runErr := o.execute(ctx, batch, startedAt, logger)
	if runErr != nil {
		// Systemic failure: persist FAILED and surface a typed error event
		// instead of letting the panic-free failure vanish.
		completedAt := o.now().UTC()
		if markErr := o.batches.MarkFailed(ctx, batchID, runErr.Error(), completedAt); markErr != nil {
			logger.Error("failed to mark batch as failed", zap.Error(markErr))
		}
		o.broadcaster.Publish(batchID, progress.Event{
			Kind: progress.EventBatchError,
			Error: &progress.ErrorPayload{
				Message: runErr.Error(),
				Code:    domain.ErrorCodeProcessingFailed.String(),
			},
		}, true)
		o.metrics.IncBatchFinalized(domain.BatchStatusFailed.String())
		logger.Error("batch run aborted", zap.Error(runErr))
		return &RunResult{
			BatchID:  batchID,
			Status:   domain.BatchStatusFailed,
			Duration: completedAt.Sub(startedAt),
		}, runErr
	}

	return result, nil
}

func (o *Orchestrator) execute(ctx context.Context, batch *domain.Batch, startedAt time.Time, logger *zap.Logger) (*RunResult, error) {
	// The started event is the forced first progress event of the run, so
	// observers always see the RUNNING transition.
	o.broadcaster.Publish(batch.ID, progress.Event{
		Kind: progress.EventProgressUpdate,
		Progress: &progress.ProgressPayload{
			Total: batch.TotalItems,
		},
	}, true)

	var cancelled atomic.Bool

	for pass := 0; ; pass++ {
		runnable, err := o.items.ListRunnable(ctx, batch.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load runnable items: %w", err)
		}
		if len(runnable) == 0 {
			if pass == 0 {
				return nil, fmt.Errorf("batch %s has no runnable items", batch.ID)
			}
			break
		}

		if err := o.fanOut(ctx, batch, runnable, &cancelled); err != nil {
			return nil, err
		}
		if cancelled.Load() {
			break
		}
	}

	if cancelled.Load() {
		logger.Info("batch run stopped after cancellation")
		return &RunResult{
			BatchID:  batch.ID,
			Status:   domain.BatchStatusCancelled,
			Duration: o.now().UTC().Sub(startedAt),
		}, nil
	}

	return o.finalize(ctx, batch, startedAt, logger)
}

// fanOut runs one pass over the runnable items through a bounded worker
// pool. Items are started in order_index order up to the concurrency
// limit; completion order is not guaranteed. Items reset for retry are
// left PENDING for a subsequent pass rather than re-enqueued here.
func (o *Orchestrator) fanOut(ctx context.Context, batch *domain.Batch, runnable []domain.BatchItem, cancelled *atomic.Bool) error {
	maxConcurrent := batch.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = domain.DefaultMaxConcurrent
	}
	if maxConcurrent > domain.MaxConcurrentCeiling {
		maxConcurrent = domain.MaxConcurrentCeiling
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	g, groupCtx := errgroup.WithContext(ctx)

	for i := range runnable {
		item := runnable[i]

		// Cooperative cancellation: checked between item starts, never
		// pre-emptively mid-item.
		if cancelled.Load() {
			break
		}
		if err := sem.Acquire(groupCtx, 1); err != nil {
			break
		}

		g.Go(func() error {
			defer sem.Release(1)
			return o.processItem(groupCtx, batch, &item, cancelled)
		})
	}

	return g.Wait()
}

// processItem runs one item's unit of work. Item-level failures are
// captured as typed results; only store-level failures are returned and
// abort the run.
func (o *Orchestrator) processItem(ctx context.Context, batch *domain.Batch, item *domain.BatchItem, cancelled *atomic.Bool) error {
	if err := o.items.MarkProcessing(ctx, item.ID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// The item left PENDING under us, e.g. skipped by a cancel.
			return nil
		}
		return fmt.Errorf("failed to mark item %s processing: %w", item.ID, err)
	}

	mode := batch.Mode.String()
	o.metrics.IncWorkerInFlight(mode)
	defer o.metrics.DecWorkerInFlight(mode)

	start := o.now()
	result, outcome, err := o.workItem(ctx, batch, item, start)
	if err != nil {
		return err
	}
	elapsed := o.now().Sub(start)
	o.metrics.ObserveItemDuration(mode, elapsed)
	o.metrics.IncItemProcessed(mode, outcome)

	if cancelled.Load() {
		// The batch was cancelled while this item was in flight; its
		// result is persisted but no longer drives batch progress.
		return nil
	}

	refreshed, err := o.batches.RefreshProgress(ctx, batch.ID, &item.ID)
	if err != nil {
		return fmt.Errorf("failed to refresh batch progress: %w", err)
	}
	if refreshed.Status == domain.BatchStatusCancelled {
		cancelled.Store(true)
		return nil
	}

	o.broadcaster.Publish(batch.ID, progress.Event{
		Kind: progress.EventProgressUpdate,
		Progress: &progress.ProgressPayload{
			Processed:     refreshed.ProcessedItems,
			Total:         refreshed.TotalItems,
			Successful:    refreshed.SuccessItems,
			Failed:        refreshed.FailedItems,
			Percentage:    refreshed.ProgressPercentage(),
			CurrentItemID: &item.ID,
		},
		Lead: leadPayload(item, result),
	}, false)

	return nil
}

// workItem performs the unit of work and settles the item. The returned
// error is only non-nil for store failures.
func (o *Orchestrator) workItem(ctx context.Context, batch *domain.Batch, item *domain.BatchItem, start time.Time) (*domain.ItemResult, string, error) {
	lead, err := o.leads.GetByID(ctx, item.LeadID)
	if errors.Is(err, domain.ErrNotFound) {
		// Missing lead data is terminal, never retried.
		result := domain.FailureResult(domain.ErrorCodeNotFound, fmt.Sprintf("lead %s not found", item.LeadID), o.now().Sub(start))
		if failErr := o.items.Fail(ctx, item.ID, result); failErr != nil {
			return nil, "", fmt.Errorf("failed to settle item %s: %w", item.ID, failErr)
		}
		return &result, "failed", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load lead %s: %w", item.LeadID, err)
	}

	if o.rateLimiter != nil {
		if err := o.rateLimiter.Wait(ctx, reportAPIResource); err != nil {
			return nil, "", fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	itemCtx, cancel := context.WithTimeout(ctx, o.itemTimeout)
	processed, processErr := o.processor.Process(itemCtx, *lead, batch.Mode)
	cancel()

	elapsed := o.now().Sub(start)

	if processErr == nil && processed != nil {
		result := domain.SuccessResult(processed.ArtifactRef, processed.ActualCost, processed.QualityScore, elapsed)
		if err := o.items.Complete(ctx, item.ID, result); err != nil {
			return nil, "", fmt.Errorf("failed to settle item %s: %w", item.ID, err)
		}
		return &result, "completed", nil
	}
	if processErr == nil {
		processErr = fmt.Errorf("processor returned no result")
	}

	code := domain.ErrorCodeProcessingFailed
	if errors.Is(processErr, context.DeadlineExceeded) {
		code = domain.ErrorCodeTimeout
	}

	retryable := batch.RetryEnabled && provider.IsTransient(processErr) && item.RetryCount < item.MaxRetries
	if retryable {
		code = domain.ErrorCodeRetryScheduled
	}

	result := domain.FailureResult(code, processErr.Error(), elapsed)
	if err := o.items.Fail(ctx, item.ID, result); err != nil {
		return nil, "", fmt.Errorf("failed to settle item %s: %w", item.ID, err)
	}

	if retryable {
		// A retried item goes back to PENDING and is only picked up by a
		// later pass over the batch, so it does not count toward this
		// pass's failed tally.
		if err := o.items.ResetForRetry(ctx, item.ID); err != nil {
			return nil, "", fmt.Errorf("failed to reset item %s for retry: %w", item.ID, err)
		}
		o.metrics.IncRetryScheduled(batch.Mode.String())
		return &result, "retry_scheduled", nil
	}

	return &result, "failed", nil
}

func (o *Orchestrator) finalize(ctx context.Context, batch *domain.Batch, startedAt time.Time, logger *zap.Logger) (*RunResult, error) {
	refreshed, err := o.batches.RefreshProgress(ctx, batch.ID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to recount batch before finalization: %w", err)
	}

	// A cancel can commit between the last item's recount and this one;
	// the batch is already terminal then and must not be finalized or
	// reported as a systemic failure.
	if refreshed.Status == domain.BatchStatusCancelled {
		logger.Info("batch cancelled before finalization")
		return &RunResult{
			BatchID:    batch.ID,
			Status:     domain.BatchStatusCancelled,
			Successful: refreshed.SuccessItems,
			Failed:     refreshed.FailedItems,
			Duration:   o.now().UTC().Sub(startedAt),
		}, nil
	}

	totalCost, err := o.items.SumActualCost(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum batch cost: %w", err)
	}

	completedAt := o.now().UTC()
	summary := repository.BatchSummary{
		SuccessItems: refreshed.SuccessItems,
		FailedItems:  refreshed.FailedItems,
		ActualCost:   totalCost,
		CompletedAt:  completedAt,
	}
	if err := o.batches.Finalize(ctx, batch.ID, domain.BatchStatusCompleted, summary); err != nil {
		return nil, fmt.Errorf("failed to finalize batch: %w", err)
	}

	if o.spend != nil && totalCost > 0 {
		if err := o.spend.Add(ctx, totalCost); err != nil {
			logger.Warn("failed to record batch spend", zap.Error(err))
		}
	}

	duration := completedAt.Sub(startedAt)
	processed := refreshed.SuccessItems + refreshed.FailedItems
	successRate := 0.0
	if processed > 0 {
		successRate = float64(refreshed.SuccessItems) / float64(processed)
	}

	o.broadcaster.Publish(batch.ID, progress.Event{
		Kind: progress.EventBatchCompleted,
		Summary: &progress.SummaryPayload{
			Successful:  refreshed.SuccessItems,
			Failed:      refreshed.FailedItems,
			TotalCost:   totalCost,
			SuccessRate: successRate,
			DurationSec: duration.Seconds(),
		},
	}, true)
	o.metrics.IncBatchFinalized(domain.BatchStatusCompleted.String())

	logger.Info("batch run completed",
		zap.Int("successful", refreshed.SuccessItems),
		zap.Int("failed", refreshed.FailedItems),
		zap.Float64("totalCost", totalCost),
		zap.Duration("duration", duration),
	)

	return &RunResult{
		BatchID:    batch.ID,
		Status:     domain.BatchStatusCompleted,
		Successful: refreshed.SuccessItems,
		Failed:     refreshed.FailedItems,
		TotalCost:  totalCost,
		Duration:   duration,
	}, nil
}

func leadPayload(item *domain.BatchItem, result *domain.ItemResult) *progress.LeadPayload {
	if result == nil {
		return nil
	}

	payload := &progress.LeadPayload{
		ItemID: item.ID,
		LeadID: item.LeadID,
	}
	if result.ErrorCode != nil {
		code := result.ErrorCode.String()
		payload.ErrorCode = &code
		payload.Status = domain.ItemStatusFailed.String()
	} else {
		payload.Status = domain.ItemStatusCompleted.String()
		payload.ArtifactRef = result.ArtifactRef
		payload.QualityScore = result.QualityScore
	}
	return payload
}
