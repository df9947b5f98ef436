// Package admission implements C4: the disk-reservation rule deciding
// whether the Dispatcher may launch new file downloads for a task, per
// spec.md §4.4.
package admission

import (
	"debridflow/internal/filesystem"
	"debridflow/internal/storage"
)

// Controller evaluates the admission rule against a storage root and the
// Task Store's live reservation totals.
type Controller struct {
	store         *storage.Store
	storageRoot   string
	lowSpaceFloor int64
	freeBytes     func(dir string) (int64, error)
}

// New builds a Controller. floorBytes is LOW_SPACE_FLOOR_GB converted to
// bytes (spec.md §6 default 10 GiB).
func New(store *storage.Store, storageRoot string, floorBytes int64) *Controller {
	return &Controller{
		store:         store,
		storageRoot:   storageRoot,
		lowSpaceFloor: floorBytes,
		freeBytes:     filesystem.FreeBytes,
	}
}

// WithFreeBytesFunc overrides the disk-usage probe, for tests that need to
// drive exact boundary values without a real filesystem.
func (c *Controller) WithFreeBytesFunc(fn func(dir string) (int64, error)) *Controller {
	c.freeBytes = fn
	return c
}

// Decision is the outcome of one admission evaluation, kept for logging and
// tests.
type Decision struct {
	Admitted       bool
	FreeBytes      int64
	NeedBytes      int64
	GlobalReserved int64
}

// Evaluate decides whether task taskID (already in `downloading` status with
// at least one file `selected`) may start new file transfers this cycle.
func (c *Controller) Evaluate(taskID string) (Decision, error) {
	free, err := c.freeBytes(c.storageRoot)
	if err != nil {
		return Decision{}, err
	}

	need, err := c.store.ReservedBytesForTask(taskID)
	if err != nil {
		return Decision{}, err
	}

	globalReserved, err := c.store.GlobalReservedBytes(taskID)
	if err != nil {
		return Decision{}, err
	}

	admitted := (free-globalReserved) >= need && free > c.lowSpaceFloor
	return Decision{
		Admitted:       admitted,
		FreeBytes:      free,
		NeedBytes:      need,
		GlobalReserved: globalReserved,
	}, nil
}
