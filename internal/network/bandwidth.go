// Package network provides the executor's bandwidth shaping and per-host
// congestion control, both process-global per spec.md §5 ("shared
// resources").
package network

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// BandwidthManager caps the executor's aggregate read rate across every
// in-flight segment, with zero overhead while disabled. Grounded on the
// teacher's BandwidthManager; the per-task priority tiering it also carried
// is dropped here — no SPEC_FULL.md component assigns a task a priority
// level, so the field would sit unread (see DESIGN.md).
type BandwidthManager struct {
	limiter *rate.Limiter
	enabled atomic.Bool
}

// NewBandwidthManager returns a manager with no limit set.
func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{limiter: rate.NewLimiter(rate.Inf, 0)}
}

// SetLimit sets the global cap in bytes/sec, with a one-second burst. 0 or
// negative disables limiting.
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		bm.enabled.Store(false)
		bm.limiter.SetLimit(rate.Inf)
		return
	}
	bm.enabled.Store(true)
	bm.limiter.SetLimit(rate.Limit(bytesPerSec))
	bm.limiter.SetBurst(bytesPerSec)
}

// Wait blocks until n bytes may be read under the current cap. It returns
// immediately if no limit is set.
func (bm *BandwidthManager) Wait(ctx context.Context, n int) error {
	if !bm.enabled.Load() {
		return nil
	}
	return bm.limiter.WaitN(ctx, n)
}
