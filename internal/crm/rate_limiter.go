package crm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimiter spaces requests by a minimum interval and honors server pauses
type RateLimiter struct {
	mu              sync.Mutex
	lastRequestTime time.Time
	minInterval     time.Duration
	pausedUntil     time.Time
	logger          *slog.Logger
}

func NewRateLimiter(minInterval time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		minInterval: minInterval,
		logger:      logger,
	}
}

// Wait blocks until another request may be sent
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rl.mu.Lock()
	now := time.Now()
	next := rl.lastRequestTime.Add(rl.minInterval)
	if rl.pausedUntil.After(next) {
		next = rl.pausedUntil
	}
	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	// Reserve the slot before sleeping so concurrent callers queue behind it
	rl.lastRequestTime = now.Add(wait)
	rl.mu.Unlock()

	if wait == 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pause holds every caller for d, used when the server returns Retry-After
func (rl *RateLimiter) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(rl.pausedUntil) {
		rl.pausedUntil = until
		rl.logger.Warn("CRM asked to slow down, pausing requests", "wait_duration", d)
	}
}
