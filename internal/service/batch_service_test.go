package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leadfoundry/batch-engine/internal/domain"
	"github.com/leadfoundry/batch-engine/internal/pricing"
	"github.com/leadfoundry/batch-engine/internal/progress"
)

type staticRateSource struct{}

func (staticRateSource) Load(ctx context.Context) (*pricing.RateConfig, error) {
	return pricing.DefaultRateConfig(), nil
}

type recordingRunner struct {
	mu      sync.Mutex
	ran     chan string
	batches []string
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{ran: make(chan string, 8)}
}

func (r *recordingRunner) Run(ctx context.Context, batchID string) (*RunResult, error) {
	r.mu.Lock()
	r.batches = append(r.batches, batchID)
	r.mu.Unlock()
	r.ran <- batchID
	return &RunResult{BatchID: batchID, Status: domain.BatchStatusCompleted}, nil
}

func newTestService(t *testing.T, store *fakeStore, runner BatchRunner) (*BatchService, *progress.Broadcaster) {
	t.Helper()

	rates := pricing.NewCachedRates(staticRateSource{}, time.Minute)
	estimator, err := pricing.NewEstimator(rates, leadRepoView{store}, nil, 500, nil)
	if err != nil {
		t.Fatalf("NewEstimator() error = %v", err)
	}

	broadcaster := progress.NewBroadcaster(0, time.Hour, nil, nil)
	svc, err := NewBatchService(store, itemRepoView{store}, leadRepoView{store}, estimator, runner, broadcaster, nil)
	if err != nil {
		t.Fatalf("NewBatchService() error = %v", err)
	}
	return svc, broadcaster
}

func seedLeads(store *fakeStore, ids ...string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, id := range ids {
		store.leads[id] = domain.Lead{ID: id, BusinessName: "Acme " + id}
	}
}

func TestPreviewPricesKnownLeads(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testBatch(1, 1, false))
	seedLeads(store, "lead-a", "lead-b", "lead-c")
	svc, _ := newTestService(t, store, newRecordingRunner())

	resp, err := svc.Preview(context.Background(), PreviewRequest{
		LeadIDs: []string{"lead-a", "lead-b", "lead-c"},
		Mode:    "standard",
	})
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}

	if resp.Preview.ItemCount != 3 {
		t.Errorf("item count = %d, want 3", resp.Preview.ItemCount)
	}
	if resp.Preview.TotalCost <= 0 {
		t.Errorf("total cost = %v, want > 0", resp.Preview.TotalCost)
	}
	if len(resp.UnknownLeadIDs) != 0 {
		t.Errorf("unknown lead ids = %v, want none", resp.UnknownLeadIDs)
	}
	if !resp.Budget.WithinBudget {
		t.Errorf("budget check = %+v, want within budget", resp.Budget)
	}
}

func TestPreviewRejectsEmptyLeadList(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testBatch(1, 1, false))
	svc, _ := newTestService(t, store, newRecordingRunner())

	for _, leadIDs := range [][]string{nil, {}} {
		_, err := svc.Preview(context.Background(), PreviewRequest{
			LeadIDs: leadIDs,
			Mode:    "STANDARD",
		})
		// An empty list is a malformed request, not an unresolvable one.
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Preview(%v) error = %v, want ErrValidation", leadIDs, err)
		}
		if errors.Is(err, domain.ErrUnprocessable) {
			t.Errorf("Preview(%v) error = %v, must not be ErrUnprocessable", leadIDs, err)
		}
	}
}

func TestPreviewRejectsDuplicateLeadIDs(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testBatch(1, 1, false))
	seedLeads(store, "lead-a")
	svc, _ := newTestService(t, store, newRecordingRunner())

	_, err := svc.Preview(context.Background(), PreviewRequest{
		LeadIDs: []string{"lead-a", "lead-a"},
		Mode:    "STANDARD",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Preview() error = %v, want ErrValidation", err)
	}
}

func TestPreviewRejectsWhenNoLeadResolves(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testBatch(1, 1, false))
	svc, _ := newTestService(t, store, newRecordingRunner())

	_, err := svc.Preview(context.Background(), PreviewRequest{
		LeadIDs: []string{"ghost-1", "ghost-2"},
		Mode:    "STANDARD",
	})
	if !errors.Is(err, domain.ErrUnprocessable) {
		t.Errorf("Preview() error = %v, want ErrUnprocessable", err)
	}
}

func TestPreviewReportsPartiallyUnknownLeads(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testBatch(1, 1, false))
	seedLeads(store, "lead-a")
	svc, _ := newTestService(t, store, newRecordingRunner())

	resp, err := svc.Preview(context.Background(), PreviewRequest{
		LeadIDs: []string{"lead-a", "ghost-1"},
		Mode:    "STANDARD",
	})
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if len(resp.UnknownLeadIDs) != 1 || resp.UnknownLeadIDs[0] != "ghost-1" {
		t.Errorf("unknown lead ids = %v, want [ghost-1]", resp.UnknownLeadIDs)
	}
}

func TestPreviewRejectsInvalidMode(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testBatch(1, 1, false))
	svc, _ := newTestService(t, store, newRecordingRunner())

	_, err := svc.Preview(context.Background(), PreviewRequest{
		LeadIDs: []string{"lead-a"},
		Mode:    "TURBO",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Preview() error = %v, want ErrValidation", err)
	}
}

func TestStartCreatesBatchAndTriggersRun(t *testing.T) {
	t.Parallel()

	store := newFakeStore(nil)
	seedLeads(store, "lead-a", "lead-b")
	runner := newRecordingRunner()
	svc, _ := newTestService(t, store, runner)

	batch, err := svc.Start(context.Background(), StartRequest{
		CreatedBy:     "analyst@leadfoundry.io",
		LeadIDs:       []string{"lead-a", "lead-b"},
		Mode:          "detailed",
		EstimatedCost: 12.5,
		CostApproved:  true,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if batch.Status != domain.BatchStatusPending {
		t.Errorf("status = %s, want PENDING", batch.Status)
	}
	if batch.Mode != domain.ModeDetailed {
		t.Errorf("mode = %s, want DETAILED", batch.Mode)
	}
	if batch.MaxConcurrent != domain.DefaultMaxConcurrent {
		t.Errorf("max concurrent = %d, want default %d", batch.MaxConcurrent, domain.DefaultMaxConcurrent)
	}
	if batch.TotalItems != 2 {
		t.Errorf("total items = %d, want 2", batch.TotalItems)
	}

	select {
	case ranID := <-runner.ran:
		if ranID != batch.ID {
			t.Errorf("runner got batch %s, want %s", ranID, batch.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("runner was not triggered")
	}

	items, err := store.ListRunnable(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("ListRunnable() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("persisted items = %d, want 2", len(items))
	}
	for i, item := range items {
		if item.OrderIndex != i {
			t.Errorf("item %d order index = %d", i, item.OrderIndex)
		}
	}
	if items[0].LeadID != "lead-a" || items[1].LeadID != "lead-b" {
		t.Errorf("item lead order = [%s %s], want input order", items[0].LeadID, items[1].LeadID)
	}
}

func TestStartAppliesRetryDefaults(t *testing.T) {
	t.Parallel()

	store := newFakeStore(nil)
	seedLeads(store, "lead-a")
	svc, _ := newTestService(t, store, newRecordingRunner())

	batch, err := svc.Start(context.Background(), StartRequest{
		CreatedBy:    "analyst@leadfoundry.io",
		LeadIDs:      []string{"lead-a"},
		Mode:         "STANDARD",
		RetryEnabled: true,
		CostApproved: true,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if batch.MaxRetries != domain.DefaultMaxRetries {
		t.Errorf("max retries = %d, want default %d", batch.MaxRetries, domain.DefaultMaxRetries)
	}
}

func TestStartRejectsUnknownLeads(t *testing.T) {
	t.Parallel()

	store := newFakeStore(nil)
	seedLeads(store, "lead-a")
	svc, _ := newTestService(t, store, newRecordingRunner())

	_, err := svc.Start(context.Background(), StartRequest{
		CreatedBy:    "analyst@leadfoundry.io",
		LeadIDs:      []string{"lead-a", "ghost-1"},
		Mode:         "STANDARD",
		CostApproved: true,
	})
	if !errors.Is(err, domain.ErrUnprocessable) {
		t.Errorf("Start() error = %v, want ErrUnprocessable", err)
	}
}

func TestStartRequiresCostApproval(t *testing.T) {
	t.Parallel()

	store := newFakeStore(nil)
	seedLeads(store, "lead-a")
	svc, _ := newTestService(t, store, newRecordingRunner())

	_, err := svc.Start(context.Background(), StartRequest{
		CreatedBy: "analyst@leadfoundry.io",
		LeadIDs:   []string{"lead-a"},
		Mode:      "STANDARD",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Start() error = %v, want ErrValidation", err)
	}
}

func TestGetStatusComposesReport(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testBatch(2, 1, false))
	item := store.addLeadItem(0, 0)
	store.addLeadItem(1, 0)
	store.mu.Lock()
	code := domain.ErrorCodeTimeout
	store.items[item.ID].Status = domain.ItemStatusFailed
	store.items[item.ID].ErrorCode = &code
	store.mu.Unlock()

	svc, _ := newTestService(t, store, newRecordingRunner())

	report, err := svc.GetStatus(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if report.Batch.ID != "batch-1" {
		t.Errorf("batch id = %s", report.Batch.ID)
	}
	if len(report.RecentItems) != 2 {
		t.Errorf("recent items = %d, want 2", len(report.RecentItems))
	}
	if report.ErrorCodes[domain.ErrorCodeTimeout] != 1 {
		t.Errorf("error histogram = %v, want one TIMEOUT", report.ErrorCodes)
	}
}

func TestGetStatusUnknownBatch(t *testing.T) {
	t.Parallel()

	store := newFakeStore(nil)
	svc, _ := newTestService(t, store, newRecordingRunner())

	_, err := svc.GetStatus(context.Background(), "no-such-batch")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetStatus() error = %v, want ErrNotFound", err)
	}
}

func TestListRejectsInvalidStatusFilter(t *testing.T) {
	t.Parallel()

	store := newFakeStore(nil)
	svc, _ := newTestService(t, store, newRecordingRunner())

	_, err := svc.List(context.Background(), ListRequest{Status: "EXPLODED"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("List() error = %v, want ErrValidation", err)
	}
}

func TestListAppliesPagingDefaults(t *testing.T) {
	t.Parallel()

	store := newFakeStore(nil)
	svc, _ := newTestService(t, store, newRecordingRunner())

	resp, err := svc.List(context.Background(), ListRequest{Page: -3, PageSize: 10000})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if resp.Page != 1 || resp.PageSize != 20 {
		t.Errorf("paging = %d/%d, want 1/20", resp.Page, resp.PageSize)
	}
}

func TestRetryReopensFailedBatch(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testBatch(2, 1, true))
	store.batch.Status = domain.BatchStatusFailed
	survivor := store.addLeadItem(0, 2)
	survivor.Status = domain.ItemStatusCompleted
	casualty := store.addLeadItem(1, 2)
	casualty.Status = domain.ItemStatusFailed
	casualty.RetryCount = 2
	code := domain.ErrorCodeProcessingFailed
	casualty.ErrorCode = &code

	runner := newRecordingRunner()
	svc, _ := newTestService(t, store, runner)

	batch, err := svc.Retry(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if batch.Status != domain.BatchStatusPending {
		t.Errorf("status = %s, want PENDING", batch.Status)
	}

	select {
	case ran := <-runner.ran:
		if ran != "batch-1" {
			t.Errorf("runner received batch %s, want batch-1", ran)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for retry run to start")
	}

	if casualty.Status != domain.ItemStatusPending {
		t.Errorf("failed item status = %s, want PENDING", casualty.Status)
	}
	if casualty.RetryCount != 0 {
		t.Errorf("retry count = %d, want a fresh budget", casualty.RetryCount)
	}
	if casualty.ErrorCode != nil {
		t.Errorf("error code = %s, want cleared", *casualty.ErrorCode)
	}
	if survivor.Status != domain.ItemStatusCompleted {
		t.Errorf("completed item status = %s, want untouched", survivor.Status)
	}
}

func TestRetryNonFailedBatchConflicts(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testBatch(1, 1, false))
	store.batch.Status = domain.BatchStatusRunning
	store.addLeadItem(0, 0)
	svc, _ := newTestService(t, store, newRecordingRunner())

	if _, err := svc.Retry(context.Background(), "batch-1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Retry() error = %v, want ErrConflict", err)
	}
	if _, err := svc.Retry(context.Background(), "no-such-batch"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Retry() error = %v, want ErrNotFound", err)
	}
}

func TestCancelPublishesErrorEvent(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testBatch(2, 1, false))
	store.addLeadItem(0, 0)
	store.addLeadItem(1, 0)
	svc, broadcaster := newTestService(t, store, newRecordingRunner())

	events, err := broadcaster.Subscribe("batch-1", "observer-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	batch, err := svc.Cancel(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if batch.Status != domain.BatchStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", batch.Status)
	}

	got := drainEvents(events)
	var sawCancel bool
	for _, evt := range got {
		if evt.Kind == progress.EventBatchError && evt.Error != nil && evt.Error.Code == domain.ErrorCodeCancelled.String() {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Errorf("events = %+v, want a batch_error with CANCELLED code", got)
	}

	// Pending items were skipped in the same operation.
	runnable, _ := store.ListRunnable(context.Background(), "batch-1")
	if len(runnable) != 0 {
		t.Errorf("runnable items after cancel = %d, want 0", len(runnable))
	}
}

func TestCancelTerminalBatchConflicts(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testBatch(1, 1, false))
	store.batch.Status = domain.BatchStatusCompleted
	svc, _ := newTestService(t, store, newRecordingRunner())

	_, err := svc.Cancel(context.Background(), "batch-1")
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Cancel() error = %v, want ErrConflict", err)
	}
}

func TestHealthCountsRunningBatches(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testBatch(1, 1, false))
	store.batch.Status = domain.BatchStatusRunning
	svc, broadcaster := newTestService(t, store, newRecordingRunner())

	if _, err := broadcaster.Subscribe("batch-1", "observer-1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	health, err := svc.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if health.TotalBatches != 1 || health.RunningBatches != 1 {
		t.Errorf("counts = %d/%d, want 1/1", health.TotalBatches, health.RunningBatches)
	}
	if health.ActiveSubscriptions != 1 {
		t.Errorf("active subscriptions = %d, want 1", health.ActiveSubscriptions)
	}
}
