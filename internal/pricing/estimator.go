package pricing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/leadfoundry/batch-engine/internal/domain"
	"github.com/leadfoundry/batch-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	maxPreviewItems = 1000
	// estimatedDurationBuffer pads the wall-clock estimate for queueing
	// and provider variance.
	estimatedDurationBuffer = 1.2

	accuracyDisclaimer = "Estimate accuracy is within ±5% of actual cost."
)

// PreviewResult is the priced preview of a prospective batch.
type PreviewResult struct {
	ItemCount          int
	ValidItemCount     int
	BaseCost           float64
	ProviderCosts      map[string]float64
	DiscountMultiplier float64
	Subtotal           float64
	Overhead           float64
	TotalCost          float64
	CostPerItem        float64
	EstimatedDuration  time.Duration
	Disclaimer         string
}

// BudgetCheck is the outcome of validating a preview against the daily budget.
type BudgetCheck struct {
	WithinBudget bool
	Remaining    float64
	Warning      string
}

// SpendReader reports the cost already incurred today.
type SpendReader interface {
	SpentToday(ctx context.Context) (float64, error)
}

// Estimator computes priced previews and budget checks. It holds no
// mutable state beyond the rate cache.
type Estimator struct {
	rates       *CachedRates
	leads       repository.LeadRepository
	spend       SpendReader
	dailyBudget float64
	logger      *zap.Logger
}

func NewEstimator(
	rates *CachedRates,
	leads repository.LeadRepository,
	spend SpendReader,
	dailyBudget float64,
	logger *zap.Logger,
) (*Estimator, error) {
	if rates == nil {
		return nil, fmt.Errorf("rate cache is required")
	}
	if leads == nil {
		return nil, fmt.Errorf("lead repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Estimator{
		rates:       rates,
		leads:       leads,
		spend:       spend,
		dailyBudget: dailyBudget,
		logger:      logger,
	}, nil
}

// Preview prices a prospective batch. Callers must pass a deduplicated,
// non-empty id list; maxConcurrency drives the duration estimate only.
func (e *Estimator) Preview(ctx context.Context, leadIDs []string, mode domain.ProcessingMode, maxConcurrency int) (*PreviewResult, error) {
	if len(leadIDs) == 0 {
		return nil, fmt.Errorf("%w: lead id list must not be empty", domain.ErrValidation)
	}
	if len(leadIDs) > maxPreviewItems {
		return nil, fmt.Errorf("%w: at most %d items per preview", domain.ErrValidation, maxPreviewItems)
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: invalid processing mode %q", domain.ErrValidation, mode)
	}
	if maxConcurrency < 1 {
		maxConcurrency = domain.DefaultMaxConcurrent
	}

	cfg := e.rates.Current(ctx)
	itemCount := len(leadIDs)

	baseCost := cfg.BaseRates[mode] * float64(itemCount)

	providerCosts, validCount := e.providerCosts(ctx, leadIDs, cfg)
	providerTotal := 0.0
	for _, cost := range providerCosts {
		providerTotal += cost
	}

	multiplier := BestDiscountMultiplier(cfg.DiscountTiers, itemCount)
	subtotal := (baseCost + providerTotal) * multiplier
	overhead := subtotal*cfg.ProcessingOverhead + subtotal*cfg.MarginFraction
	total := subtotal + overhead

	perItemMinutes := cfg.PerItemMinutes[mode]
	waves := math.Ceil(float64(itemCount) / float64(maxConcurrency))
	estimatedMinutes := waves * perItemMinutes * estimatedDurationBuffer

	return &PreviewResult{
		ItemCount:          itemCount,
		ValidItemCount:     validCount,
		BaseCost:           round4(baseCost),
		ProviderCosts:      providerCosts,
		DiscountMultiplier: multiplier,
		Subtotal:           round4(subtotal),
		Overhead:           round4(overhead),
		TotalCost:          round4(total),
		CostPerItem:        round4(total / float64(itemCount)),
		EstimatedDuration:  time.Duration(estimatedMinutes * float64(time.Minute)),
		Disclaimer:         accuracyDisclaimer,
	}, nil
}

// providerCosts prices the per-lead provider usage. A lead lookup failure
// degrades to a flat average per item rather than failing the preview.
func (e *Estimator) providerCosts(ctx context.Context, leadIDs []string, cfg *RateConfig) (map[string]float64, int) {
	leads, err := e.leads.GetByIDs(ctx, leadIDs)
	if err != nil {
		e.logger.Warn("lead lookup failed during preview, using flat average estimate", zap.Error(err))
		return map[string]float64{
			"flat_average": round4(cfg.AverageItemCost * float64(len(leadIDs))),
		}, len(leadIDs)
	}

	costs := map[string]float64{
		"enrichment":    0,
		"website_audit": 0,
		"scoring":       0,
	}
	for i := range leads {
		lead := &leads[i]
		if lead.NeedsEnrichment {
			costs["enrichment"] += cfg.EnrichmentCost
		}
		if lead.HasWebsite() {
			costs["website_audit"] += cfg.WebsiteAuditCost
		}
		costs["scoring"] += cfg.ScoringCost
	}
	for name, cost := range costs {
		costs[name] = round4(cost)
	}

	return costs, len(leads)
}

// ValidateBudget compares a preview total against today's remaining
// budget. A spend lookup failure degrades to within-budget with a warning
// rather than blocking validation.
func (e *Estimator) ValidateBudget(ctx context.Context, total float64, budgetOverride *float64) BudgetCheck {
	budget := e.dailyBudget
	if budgetOverride != nil {
		budget = *budgetOverride
	}
	if budget <= 0 {
		return BudgetCheck{WithinBudget: true, Warning: "no daily budget configured, skipping budget check"}
	}

	spent := 0.0
	if e.spend != nil {
		var err error
		spent, err = e.spend.SpentToday(ctx)
		if err != nil {
			e.logger.Warn("spend lookup failed, assuming within budget", zap.Error(err))
			return BudgetCheck{
				WithinBudget: true,
				Remaining:    budget,
				Warning:      "daily spend unavailable, budget check degraded",
			}
		}
	}

	remaining := budget - spent
	check := BudgetCheck{
		WithinBudget: total <= remaining,
		Remaining:    round4(remaining),
	}
	if !check.WithinBudget {
		check.Warning = fmt.Sprintf("estimated cost %.2f exceeds remaining daily budget %.2f", total, remaining)
	}
	return check
}

// BestDiscountMultiplier picks the lowest multiplier whose threshold the
// item count meets; 1.0 when no tier matches.
func BestDiscountMultiplier(tiers []DiscountTier, itemCount int) float64 {
	sorted := make([]DiscountTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Threshold > sorted[j].Threshold
	})

	for _, tier := range sorted {
		if itemCount >= tier.Threshold {
			return tier.Multiplier
		}
	}
	return 1.0
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
