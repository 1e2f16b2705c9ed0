package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leadfoundry/batch-engine/internal/observability"
	"go.uber.org/zap"
)

const (
	defaultThrottleInterval = 2 * time.Second
	defaultMaxSubAge        = time.Hour
	defaultSweepInterval    = 5 * time.Minute

	// subscriberBuffer absorbs bursts between observer reads; a full
	// buffer is treated as a gone observer.
	subscriberBuffer = 16
)

type subscription struct {
	ch         chan Event
	observerID string
	createdAt  time.Time
	lastSentAt time.Time
}

// Broadcaster maintains at most one live observer channel per batch and
// throttles outgoing progress updates. Throttle state is per batch id and
// independent across batches.
type Broadcaster struct {
	throttle time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu   sync.Mutex
	subs map[string]*subscription
}

func NewBroadcaster(throttle, maxAge time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Broadcaster {
	if throttle <= 0 {
		throttle = defaultThrottleInterval
	}
	if maxAge <= 0 {
		maxAge = defaultMaxSubAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Broadcaster{
		throttle: throttle,
		maxAge:   maxAge,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		subs:     make(map[string]*subscription),
	}
}

// Subscribe attaches an observer to a batch, replacing any prior
// connection for that batch. The returned channel immediately carries a
// connection-established event and is closed on unsubscription.
func (b *Broadcaster) Subscribe(batchID, observerID string) (<-chan Event, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batch id is required")
	}

	b.mu.Lock()
	if prior, ok := b.subs[batchID]; ok {
		close(prior.ch)
		b.metrics.DecProgressSubscriptions()
	}

	sub := &subscription{
		ch:         make(chan Event, subscriberBuffer),
		observerID: observerID,
		createdAt:  b.now(),
	}
	b.subs[batchID] = sub

	// Sent while still holding the lock so a concurrent replacement cannot
	// close this channel first. The channel is freshly buffered, so the
	// send cannot block.
	sub.ch <- Event{
		Kind:      EventConnectionEstablished,
		BatchID:   batchID,
		Timestamp: b.now().UTC(),
	}
	b.metrics.IncProgressSubscriptions()
	b.mu.Unlock()

	b.logger.Debug("progress observer attached",
		zap.String("batchId", batchID),
		zap.String("observerId", observerID),
	)

	return sub.ch, nil
}

// Unsubscribe tears down a batch's live channel. Publishing to the batch
// becomes a no-op until a new observer attaches.
func (b *Broadcaster) Unsubscribe(batchID string) {
	b.mu.Lock()
	sub, ok := b.subs[batchID]
	if ok {
		delete(b.subs, batchID)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
		b.metrics.DecProgressSubscriptions()
	}
}

// UnsubscribeObserver tears down the batch's live channel only when it
// still belongs to the given observer. A connection handler that was
// replaced by a newer observer must not tear down its successor.
func (b *Broadcaster) UnsubscribeObserver(batchID, observerID string) {
	b.mu.Lock()
	sub, ok := b.subs[batchID]
	if ok && sub.observerID == observerID {
		delete(b.subs, batchID)
	} else {
		ok = false
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
		b.metrics.DecProgressSubscriptions()
	}
}

// Publish delivers an event to the batch's observer, if any. Without
// force, at most one event per throttle interval is delivered per batch;
// terminal and error events must be published with force. A delivery
// failure (observer gone) unsubscribes the batch.
func (b *Broadcaster) Publish(batchID string, event Event, force bool) bool {
	b.mu.Lock()
	sub, ok := b.subs[batchID]
	if !ok {
		b.mu.Unlock()
		return false
	}

	now := b.now()
	if !force && !sub.lastSentAt.IsZero() && now.Sub(sub.lastSentAt) < b.throttle {
		b.mu.Unlock()
		return false
	}

	event.BatchID = batchID
	if event.Timestamp.IsZero() {
		event.Timestamp = now.UTC()
	}

	select {
	case sub.ch <- event:
		sub.lastSentAt = now
		b.mu.Unlock()
		return true
	default:
		delete(b.subs, batchID)
		b.mu.Unlock()

		close(sub.ch)
		b.metrics.DecProgressSubscriptions()
		b.logger.Warn("progress observer gone, dropping subscription",
			zap.String("batchId", batchID),
		)
		return false
	}
}

// ActiveSubscriptions returns the number of live observer channels.
func (b *Broadcaster) ActiveSubscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// SweepStale removes subscriptions older than the configured ceiling even
// absent delivery errors, returning the number removed.
func (b *Broadcaster) SweepStale() int {
	cutoff := b.now().Add(-b.maxAge)

	b.mu.Lock()
	var stale []*subscription
	for batchID, sub := range b.subs {
		if sub.createdAt.Before(cutoff) {
			stale = append(stale, sub)
			delete(b.subs, batchID)
		}
	}
	b.mu.Unlock()

	for _, sub := range stale {
		close(sub.ch)
		b.metrics.DecProgressSubscriptions()
	}

	if len(stale) > 0 {
		b.logger.Info("swept stale progress subscriptions", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Run periodically sweeps stale subscriptions until context cancellation.
func (b *Broadcaster) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.SweepStale()
		}
	}
}
