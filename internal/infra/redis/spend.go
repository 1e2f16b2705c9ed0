package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// spendKeyTTL keeps a daily counter around long enough for late reads
// across timezone boundaries.
const spendKeyTTL = 48 * time.Hour

// SpendTracker accumulates actual processing cost per UTC day. The budget
// check reads it to compute remaining daily budget.
type SpendTracker struct {
	client *goredis.Client
	now    func() time.Time
}

func NewSpendTracker(client *goredis.Client) (*SpendTracker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &SpendTracker{client: client, now: time.Now}, nil
}

// Add records cost against today's counter.
func (t *SpendTracker) Add(ctx context.Context, amount float64) error {
	if t == nil || t.client == nil {
		return fmt.Errorf("spend tracker is not initialized")
	}
	if amount <= 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := t.key()
	pipe := t.client.TxPipeline()
	pipe.IncrByFloat(ctx, key, amount)
	pipe.Expire(ctx, key, spendKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record spend: %w", err)
	}
	return nil
}

// SpentToday returns the accumulated cost for the current UTC day. A
// missing key is zero spend, not an error.
func (t *SpendTracker) SpentToday(ctx context.Context) (float64, error) {
	if t == nil || t.client == nil {
		return 0, fmt.Errorf("spend tracker is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	raw, err := t.client.Get(ctx, t.key()).Result()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read spend: %w", err)
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt spend counter %q: %w", raw, err)
	}
	return value, nil
}

func (t *SpendTracker) key() string {
	return fmt.Sprintf("spend:%s", t.now().UTC().Format("2006-01-02"))
}
