package provider

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter is a process-global token bucket gating every call into one
// provider, per spec.md §4.2. It wraps golang.org/x/time/rate the same way
// the teacher's BandwidthManager does: SetLimit/SetBurst may be changed at
// runtime, and Wait relies on rate.Limiter.WaitN's own reserve-then-sleep
// sequencing so the caller never holds a lock across the sleep (the fix
// called out in spec.md §9 — measure the wait under the lock, release, then
// sleep, then retry; rate.Limiter already does exactly this internally).
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter admitting reqPerSec requests/sec with the
// given burst. reqPerSec <= 0 disables limiting (rate.Inf).
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	rl := &RateLimiter{}
	rl.SetLimit(reqPerSec, burst)
	return rl
}

// SetLimit changes the limiter's rate and burst at runtime.
func (rl *RateLimiter) SetLimit(reqPerSec float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if reqPerSec <= 0 {
		rl.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	rl.limiter = rate.NewLimiter(rate.Limit(reqPerSec), burst)
}

// Wait blocks until one request token is available or ctx is canceled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	limiter := rl.limiter
	rl.mu.RUnlock()
	return limiter.Wait(ctx)
}
