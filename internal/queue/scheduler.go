package queue

import (
	"context"
	"log/slog"
)

// UnlockScheduler bounds how many Provider Client Unlock calls (C2) may run
// concurrently, per spec.md §4.2: "Unlock operations may run concurrently up
// to a configured cap; all other operations are strictly sequential per
// task." It is process-global, shared by every Dispatcher goroutine that
// starts a file.
//
// Grounded on the teacher's SmartScheduler (internal/queue/scheduler.go):
// the active-count accounting and acquire/release pair are kept, generalized
// from its per-host domain map to a single counter, since the core gates
// unlocks against one provider's cap rather than per-destination-host
// fairness (the teacher's host-limit concept has no equivalent in spec.md;
// see DESIGN.md).
type UnlockScheduler struct {
	logger *slog.Logger
	slots  chan struct{}
}

// NewUnlockScheduler builds a scheduler admitting up to maxConcurrent
// simultaneous unlock calls. maxConcurrent <= 0 means unlimited.
func NewUnlockScheduler(maxConcurrent int, logger *slog.Logger) *UnlockScheduler {
	s := &UnlockScheduler{logger: logger}
	if maxConcurrent > 0 {
		s.slots = make(chan struct{}, maxConcurrent)
	}
	return s
}

// Acquire blocks until an unlock slot is free or ctx is canceled. The
// returned release func must be called exactly once, however Acquire
// returned.
func (s *UnlockScheduler) Acquire(ctx context.Context) (release func(), err error) {
	if s.slots == nil {
		return func() {}, nil
	}
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
}

// InUse reports how many unlock calls are currently occupying a slot, for
// logging and tests.
func (s *UnlockScheduler) InUse() int {
	if s.slots == nil {
		return 0
	}
	return len(s.slots)
}
