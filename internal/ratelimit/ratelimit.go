// Package ratelimit provides the per-adapter token bucket used to keep
// Source Adapters within each provider's published rate limits: a
// per-second refill with an additional per-minute ceiling.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter combines a per-second token bucket with a hard per-minute
// ceiling, matching providers (CoinGecko, FRED, NewsAPI) that publish both
// kinds of limits simultaneously.
type Limiter struct {
	perSecond *rate.Limiter

	mu            sync.Mutex
	minuteCeiling int
	windowStart   time.Time
	windowCount   int
}

// New constructs a Limiter allowing up to perSecond requests/second
// (bursting up to burst) and no more than perMinuteCeiling requests per
// fixed 60-second window; the window restarts on the first request made
// a full minute or more after it began.
func New(perSecond float64, burst int, perMinuteCeiling int) *Limiter {
	return &Limiter{
		perSecond:     rate.NewLimiter(rate.Limit(perSecond), burst),
		minuteCeiling: perMinuteCeiling,
		windowStart:   time.Now(),
	}
}

// Wait blocks until a request is permitted by both the per-second bucket
// and the per-minute ceiling, or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.perSecond.Wait(ctx); err != nil {
		return err
	}
	return l.waitForMinuteCeiling(ctx)
}

func (l *Limiter) waitForMinuteCeiling(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		if now.Sub(l.windowStart) >= time.Minute {
			l.windowStart = now
			l.windowCount = 0
		}
		if l.windowCount < l.minuteCeiling {
			l.windowCount++
			l.mu.Unlock()
			return nil
		}
		wait := time.Minute - now.Sub(l.windowStart)
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
