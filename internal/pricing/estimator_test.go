package pricing

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/leadfoundry/batch-engine/internal/domain"
	"github.com/leadfoundry/batch-engine/internal/repository"
	"go.uber.org/zap"
)

type fakeLeadRepo struct {
	getByIDsFn func(ctx context.Context, ids []string) ([]domain.Lead, error)
}

func (f *fakeLeadRepo) GetByID(ctx context.Context, id string) (*domain.Lead, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeLeadRepo) GetByIDs(ctx context.Context, ids []string) ([]domain.Lead, error) {
	if f.getByIDsFn != nil {
		return f.getByIDsFn(ctx, ids)
	}
	return nil, nil
}

type fakeSpendReader struct {
	spent float64
	err   error
}

func (f *fakeSpendReader) SpentToday(ctx context.Context) (float64, error) {
	return f.spent, f.err
}

func strPtr(s string) *string { return &s }

func defaultsEstimator(t *testing.T, leads repository.LeadRepository, spend SpendReader, budget float64) *Estimator {
	t.Helper()

	est, err := NewEstimator(NewCachedRates(nil, time.Minute), leads, spend, budget, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEstimator() error = %v", err)
	}
	return est
}

func TestPreviewComputesBreakdownInOrder(t *testing.T) {
	t.Parallel()

	leads := &fakeLeadRepo{
		getByIDsFn: func(ctx context.Context, ids []string) ([]domain.Lead, error) {
			return []domain.Lead{
				{ID: "l1", NeedsEnrichment: true, WebsiteURL: strPtr("https://a.example")},
				{ID: "l2", WebsiteURL: strPtr("https://b.example")},
				{ID: "l3"},
			}, nil
		},
	}
	est := defaultsEstimator(t, leads, nil, 0)

	preview, err := est.Preview(context.Background(), []string{"l1", "l2", "l3"}, domain.ModeStandard, 5)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}

	if preview.BaseCost != 1.5 {
		t.Fatalf("BaseCost = %v, want 1.5", preview.BaseCost)
	}
	wantProviders := map[string]float64{
		"enrichment":    0.40,
		"website_audit": 0.30,
		"scoring":       0.30,
	}
	if !reflect.DeepEqual(preview.ProviderCosts, wantProviders) {
		t.Fatalf("ProviderCosts = %v, want %v", preview.ProviderCosts, wantProviders)
	}
	if preview.DiscountMultiplier != 1.0 {
		t.Fatalf("DiscountMultiplier = %v, want 1.0 below the lowest tier", preview.DiscountMultiplier)
	}
	if preview.Subtotal != 2.5 {
		t.Fatalf("Subtotal = %v, want 2.5", preview.Subtotal)
	}
	if math.Abs(preview.Overhead-0.325) > 1e-9 {
		t.Fatalf("Overhead = %v, want 0.325", preview.Overhead)
	}
	if math.Abs(preview.TotalCost-2.825) > 1e-9 {
		t.Fatalf("TotalCost = %v, want 2.825", preview.TotalCost)
	}
	if preview.CostPerItem != 0.9417 {
		t.Fatalf("CostPerItem = %v, want 0.9417", preview.CostPerItem)
	}

	// ceil(3/5)=1 wave x 2 min x 1.2 buffer.
	wantDuration := time.Duration(2.4 * float64(time.Minute))
	if preview.EstimatedDuration != wantDuration {
		t.Fatalf("EstimatedDuration = %v, want %v", preview.EstimatedDuration, wantDuration)
	}
	if !strings.Contains(preview.Disclaimer, "±5%") {
		t.Fatalf("Disclaimer = %q, want accuracy note", preview.Disclaimer)
	}
}

func TestPreviewLeadLookupFailureFallsBackToFlatAverage(t *testing.T) {
	t.Parallel()

	leads := &fakeLeadRepo{
		getByIDsFn: func(ctx context.Context, ids []string) ([]domain.Lead, error) {
			return nil, errors.New("database unavailable")
		},
	}
	est := defaultsEstimator(t, leads, nil, 0)

	preview, err := est.Preview(context.Background(), []string{"l1", "l2"}, domain.ModeStandard, 5)
	if err != nil {
		t.Fatalf("Preview() should degrade, got error = %v", err)
	}

	flat, ok := preview.ProviderCosts["flat_average"]
	if !ok {
		t.Fatalf("ProviderCosts = %v, want flat_average entry", preview.ProviderCosts)
	}
	if flat != 1.3 {
		t.Fatalf("flat_average = %v, want 1.3", flat)
	}
}

func TestPreviewValidation(t *testing.T) {
	t.Parallel()

	est := defaultsEstimator(t, &fakeLeadRepo{}, nil, 0)

	if _, err := est.Preview(context.Background(), nil, domain.ModeStandard, 5); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty ids: error = %v, want ErrValidation", err)
	}

	tooMany := make([]string, maxPreviewItems+1)
	if _, err := est.Preview(context.Background(), tooMany, domain.ModeStandard, 5); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("over cap: error = %v, want ErrValidation", err)
	}

	if _, err := est.Preview(context.Background(), []string{"l1"}, "TURBO", 5); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad mode: error = %v, want ErrValidation", err)
	}
}

func TestPreviewDiscountedRateIsMonotonic(t *testing.T) {
	t.Parallel()

	// For a fixed mode, a larger item count never increases the effective
	// per-item discounted rate.
	leads := &fakeLeadRepo{
		getByIDsFn: func(ctx context.Context, ids []string) ([]domain.Lead, error) {
			result := make([]domain.Lead, len(ids))
			for i, id := range ids {
				result[i] = domain.Lead{ID: id}
			}
			return result, nil
		},
	}
	est := defaultsEstimator(t, leads, nil, 0)

	prevRate := math.Inf(1)
	for _, count := range []int{10, 50, 100, 250, 500, 1000} {
		ids := make([]string, count)
		for i := range ids {
			ids[i] = "lead"
		}
		preview, err := est.Preview(context.Background(), ids, domain.ModeDetailed, 5)
		if err != nil {
			t.Fatalf("Preview(%d) error = %v", count, err)
		}
		if preview.CostPerItem > prevRate+1e-9 {
			t.Fatalf("per-item rate increased at count %d: %v > %v", count, preview.CostPerItem, prevRate)
		}
		prevRate = preview.CostPerItem
	}
}

func TestPreviewIsDeterministicWithinCacheTTL(t *testing.T) {
	t.Parallel()

	leads := &fakeLeadRepo{
		getByIDsFn: func(ctx context.Context, ids []string) ([]domain.Lead, error) {
			return []domain.Lead{{ID: "l1", NeedsEnrichment: true}}, nil
		},
	}
	est := defaultsEstimator(t, leads, nil, 0)

	first, err := est.Preview(context.Background(), []string{"l1"}, domain.ModeExpress, 3)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	second, err := est.Preview(context.Background(), []string{"l1"}, domain.ModeExpress, 3)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated previews differ: %+v vs %+v", first, second)
	}
}

func TestValidateBudget(t *testing.T) {
	t.Parallel()

	est := defaultsEstimator(t, &fakeLeadRepo{}, &fakeSpendReader{spent: 400}, 500)

	check := est.ValidateBudget(context.Background(), 50, nil)
	if !check.WithinBudget {
		t.Fatalf("check = %+v, want within budget", check)
	}
	if check.Remaining != 100 {
		t.Fatalf("Remaining = %v, want 100", check.Remaining)
	}

	check = est.ValidateBudget(context.Background(), 150, nil)
	if check.WithinBudget {
		t.Fatalf("check = %+v, want over budget", check)
	}
	if check.Warning == "" {
		t.Fatal("over-budget check should carry a warning")
	}
}

func TestValidateBudgetOverride(t *testing.T) {
	t.Parallel()

	est := defaultsEstimator(t, &fakeLeadRepo{}, &fakeSpendReader{spent: 0}, 500)

	override := 10.0
	check := est.ValidateBudget(context.Background(), 20, &override)
	if check.WithinBudget {
		t.Fatalf("check = %+v, want over override budget", check)
	}
}

func TestValidateBudgetDegradesOnSpendFailure(t *testing.T) {
	t.Parallel()

	est := defaultsEstimator(t, &fakeLeadRepo{}, &fakeSpendReader{err: errors.New("redis down")}, 500)

	check := est.ValidateBudget(context.Background(), 9999, nil)
	if !check.WithinBudget {
		t.Fatalf("check = %+v, degraded check must assume within budget", check)
	}
	if check.Warning == "" {
		t.Fatal("degraded check should carry a warning")
	}
}

func TestBestDiscountMultiplier(t *testing.T) {
	t.Parallel()

	tiers := DefaultRateConfig().DiscountTiers

	tests := []struct {
		count int
		want  float64
	}{
		{count: 10, want: 1.0},
		{count: 50, want: 0.97},
		{count: 99, want: 0.97},
		{count: 100, want: 0.95},
		{count: 250, want: 0.90},
		{count: 1000, want: 0.85},
	}

	for _, tt := range tests {
		if got := BestDiscountMultiplier(tiers, tt.count); got != tt.want {
			t.Fatalf("BestDiscountMultiplier(%d) = %v, want %v", tt.count, got, tt.want)
		}
	}

	if got := BestDiscountMultiplier(nil, 500); got != 1.0 {
		t.Fatalf("BestDiscountMultiplier(no tiers) = %v, want 1.0", got)
	}
}
