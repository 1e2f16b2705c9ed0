package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/leadfoundry/batch-engine/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultRateCacheTTL = 5 * time.Minute
	ratesKey            = "pricing:rates"
)

// DiscountTier pairs an item-count threshold with a price multiplier.
// Tiers are evaluated sorted descending by threshold; the first tier whose
// threshold is met wins.
type DiscountTier struct {
	Threshold  int     `json:"threshold"`
	Multiplier float64 `json:"multiplier"`
}

// RateConfig carries every constant the estimator prices with.
type RateConfig struct {
	BaseRates          map[domain.ProcessingMode]float64 `json:"baseRates"`
	PerItemMinutes     map[domain.ProcessingMode]float64 `json:"perItemMinutes"`
	EnrichmentCost     float64                           `json:"enrichmentCost"`
	WebsiteAuditCost   float64                           `json:"websiteAuditCost"`
	ScoringCost        float64                           `json:"scoringCost"`
	AverageItemCost    float64                           `json:"averageItemCost"`
	DiscountTiers      []DiscountTier                    `json:"discountTiers"`
	ProcessingOverhead float64                           `json:"processingOverhead"`
	MarginFraction     float64                           `json:"marginFraction"`
}

// DefaultRateConfig is the degraded-mode pricing used when the configured
// rate source is unavailable. It mirrors the shipped configuration values
// but bit-for-bit equality with them is not a contract.
func DefaultRateConfig() *RateConfig {
	return &RateConfig{
		BaseRates: map[domain.ProcessingMode]float64{
			domain.ModeStandard: 0.50,
			domain.ModeDetailed: 1.25,
			domain.ModeExpress:  0.35,
		},
		PerItemMinutes: map[domain.ProcessingMode]float64{
			domain.ModeStandard: 2,
			domain.ModeDetailed: 4,
			domain.ModeExpress:  1,
		},
		EnrichmentCost:   0.40,
		WebsiteAuditCost: 0.15,
		ScoringCost:      0.10,
		AverageItemCost:  0.65,
		DiscountTiers: []DiscountTier{
			{Threshold: 500, Multiplier: 0.85},
			{Threshold: 250, Multiplier: 0.90},
			{Threshold: 100, Multiplier: 0.95},
			{Threshold: 50, Multiplier: 0.97},
		},
		ProcessingOverhead: 0.03,
		MarginFraction:     0.10,
	}
}

// RateSource loads the current rate configuration.
type RateSource interface {
	Load(ctx context.Context) (*RateConfig, error)
}

// RedisRateSource reads rate configuration published as JSON by the
// platform's admin tooling.
type RedisRateSource struct {
	client *goredis.Client
}

func NewRedisRateSource(client *goredis.Client) (*RedisRateSource, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisRateSource{client: client}, nil
}

func (s *RedisRateSource) Load(ctx context.Context) (*RateConfig, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	raw, err := s.client.Get(ctx, ratesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load rate config: %w", err)
	}

	var cfg RateConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("corrupt rate config: %w", err)
	}
	return &cfg, nil
}

// CachedRates is a read-through TTL cache over a RateSource. A load
// failure never propagates: it degrades to the hardcoded defaults.
type CachedRates struct {
	source RateSource
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	cached   *RateConfig
	loadedAt time.Time
}

func NewCachedRates(source RateSource, ttl time.Duration) *CachedRates {
	if ttl <= 0 {
		ttl = defaultRateCacheTTL
	}
	return &CachedRates{
		source: source,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Current returns the cached rate configuration, reloading after the TTL
// elapses. It never returns nil.
func (c *CachedRates) Current(ctx context.Context) *RateConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.now().Sub(c.loadedAt) < c.ttl {
		return c.cached
	}

	if c.source != nil {
		if cfg, err := c.source.Load(ctx); err == nil && cfg != nil {
			c.cached = cfg
			c.loadedAt = c.now()
			return c.cached
		}
	}

	// Keep serving a stale config over falling back to defaults.
	if c.cached != nil {
		c.loadedAt = c.now()
		return c.cached
	}

	c.cached = DefaultRateConfig()
	c.loadedAt = c.now()
	return c.cached
}
