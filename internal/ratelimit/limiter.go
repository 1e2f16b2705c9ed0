package ratelimit

import "context"

// RateLimiter bounds call throughput to a shared downstream resource.
type RateLimiter interface {
	Allow(ctx context.Context, resource string) (bool, error)
	Wait(ctx context.Context, resource string) error
}
