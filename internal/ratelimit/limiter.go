package ratelimit

import (
	"context"
	"time"
)

// Limiter gates how fast workers may call the external evaluator.
type Limiter interface {
	// Allow reports whether a call may start now, and if not, how long to
	// wait before asking again.
	Allow(ctx context.Context) (bool, time.Duration, error)
}

type bucketLimiter struct {
	bucket *TokenBucket
	key    string
	rate   float64
	burst  int
}

func NewBucketLimiter(bucket *TokenBucket, key string, rate float64, burst int) Limiter {
	return &bucketLimiter{bucket: bucket, key: key, rate: rate, burst: burst}
}

func (l *bucketLimiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	res, err := l.bucket.Allow(ctx, l.key, l.rate, l.burst)
	if err != nil {
		return false, 0, err
	}
	return res.Allowed, res.RetryAfter, nil
}

type noopLimiter struct{}

// NewNoopLimiter admits everything. Used when redis is disabled; the
// evaluator's own rate-limit signal still backs workers off.
func NewNoopLimiter() Limiter { return noopLimiter{} }

func (noopLimiter) Allow(context.Context) (bool, time.Duration, error) { return true, 0, nil }
