package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// liveStreamingGuard is the headroom AllocateFile requires on top of a file's
// size, kept separate from the admission formula's buffer. It is checked once,
// when a file of known size is pre-allocated; no free-space check runs while
// bytes are streamed to disk.
const liveStreamingGuard = 100 * 1024 * 1024

// Allocator pre-allocates download destinations for the executor (C5's
// hand-off target), checking free disk space at allocation time only.
type Allocator struct{}

func NewAllocator() *Allocator {
	return &Allocator{}
}

// FreeBytes reports the free space of the filesystem containing dir, used by
// the Admission Controller (C4) to evaluate the reservation formula in
// spec.md §4.4.
func FreeBytes(dir string) (int64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", dir, err)
	}
	return int64(usage.Free), nil
}

// EnsureDir creates dir (and parents) if it does not already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// AllocateFile truncates path to size up front so the OS reserves the
// blocks before the transfer starts, catching a full disk early instead of
// mid-write.
func (a *Allocator) AllocateFile(path string, size int64) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := a.checkDiskSpace(dir, size); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return fmt.Errorf("open file for allocation: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("pre-allocate space: %w", err)
	}
	return nil
}

// checkDiskSpace requires required bytes plus liveStreamingGuard of headroom
// on dir's filesystem.
func (a *Allocator) checkDiskSpace(dir string, required int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("check disk space: %w", err)
	}
	if int64(usage.Free) < required+liveStreamingGuard {
		return fmt.Errorf("disk full: required %d bytes, available %d bytes", required, usage.Free)
	}
	return nil
}
