// Package queue supplies two small ordering/concurrency primitives the
// Dispatcher (C5) needs that do not belong inside the Task Store itself:
// FIFO-by-created_at task ordering (the fairness policy spec.md §4.4 calls
// "recommended but not mandated") and a bounded-concurrency cap for unlock
// calls (spec.md §4.2: "Unlock operations may run concurrently up to a
// configured cap").
//
// Grounded on the teacher's DownloadQueue (internal/queue/queue.go): the
// mutex-guarded, sorted slice of tasks is kept, generalized from the
// teacher's manual QueueOrder field to storage.Task.CreatedAt, since the
// core has no concept of a user-reorderable queue position. The teacher's
// MoveToFirst/Prev/Next/Last manual-reorder API has no SPEC_FULL.md
// component to serve (no operation in spec.md §6 lets a caller reprioritize
// a queued task) and is dropped rather than carried as dead weight; see
// DESIGN.md.
package queue

import (
	"sort"
	"sync"

	"debridflow/internal/storage"
)

// ByCreatedAt returns tasks ordered oldest-first, the FIFO fairness policy
// spec.md §4.4 recommends for admission when disk space is scarce: the
// longest-waiting task gets first claim on freed capacity.
func ByCreatedAt(tasks []storage.Task) []storage.Task {
	ordered := make([]storage.Task, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	return ordered
}

// FairQueue is a thread-safe, CreatedAt-ordered holding area for tasks
// awaiting a dispatcher cycle's attention. It is an optional convenience on
// top of ByCreatedAt for callers (tests, an alternate scheduler loop) that
// want push/pop semantics instead of a one-shot sort.
type FairQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []storage.Task
}

// NewFairQueue returns an empty FairQueue.
func NewFairQueue() *FairQueue {
	q := &FairQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push inserts a task, keeping items ordered oldest-first by CreatedAt.
func (q *FairQueue) Push(task storage.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, task)
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].CreatedAt.Before(q.items[j].CreatedAt)
	})
	q.cond.Signal()
}

// Pop removes and returns the oldest task, blocking until one is available.
func (q *FairQueue) Pop() storage.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	task := q.items[0]
	q.items = q.items[1:]
	return task
}

// Len reports the number of tasks currently queued.
func (q *FairQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove deletes a task by ID, if present, and reports whether it was found.
func (q *FairQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}
