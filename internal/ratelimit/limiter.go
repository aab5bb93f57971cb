package ratelimit

import (
	"context"
	"log"
	"time"
)

// Decision is the outcome of a rate-limit check. RetryAfter is only set
// when the request was not allowed.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Store is the slice of redis the limiter needs. The counter lives in a
// shared store so the limit holds across worker instances.
type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Limiter counts accepted messages per sender in a fixed window. The
// counter increment is atomic on the store side, so concurrent checks for
// the same sender cannot under-count.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
}

func New(store Store, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{store: store, limit: limit, window: window}
}

// Allow decides whether a sender may be admitted. The limiter fails open:
// when the store is unreachable the request is admitted and the degradation
// logged.
func (l *Limiter) Allow(ctx context.Context, sender string) Decision {
	key := "rate_limit:" + sender

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		log.Printf("rate limiter degraded, admitting %s: %v", sender, err)
		return Decision{Allowed: true}
	}
	if count == 1 {
		// first hit of the window owns the expiry
		if err := l.store.Expire(ctx, key, l.window); err != nil {
			log.Printf("rate limiter expire failed for %s: %v", sender, err)
		}
	}
	if count <= int64(l.limit) {
		return Decision{Allowed: true}
	}

	retryAfter, err := l.store.TTL(ctx, key)
	if err != nil || retryAfter <= 0 {
		retryAfter = l.window
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}
