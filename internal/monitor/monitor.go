// Package monitor implements C6: a background sweep over every file
// currently in state=downloading that reads its on-disk byte count and
// promotes it to done once the sidecar control file has vanished and the
// output is complete, per spec.md §4.6. It is the authoritative source of
// progress — the executor's own callbacks are advisory only.
//
// Grounded on the original implementation's _progress_monitor_loop
// (original_source/worker/worker.py): same completion test (output file
// exists, control file does not, and either size is unknown or the byte
// count has caught up), translated from a polling thread into a cycle method
// the composition root schedules on a ticker.
package monitor

import (
	"fmt"
	"log/slog"
	"os"

	"debridflow/internal/executor"
	"debridflow/internal/filesystem"
	"debridflow/internal/storage"
)

// Monitor sweeps every downloading file once per RunCycle call.
type Monitor struct {
	store  *storage.Store
	layout *filesystem.Layout
	log    *slog.Logger
}

// New builds a Monitor.
func New(store *storage.Store, layout *filesystem.Layout, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{store: store, layout: layout, log: log}
}

// RunCycle inspects every file in state=downloading and updates its progress
// or promotes it to done.
func (m *Monitor) RunCycle() error {
	files, err := m.store.ListAllFilesByState(storage.StateDownloading)
	if err != nil {
		return fmt.Errorf("monitor: list downloading files: %w", err)
	}
	for _, f := range files {
		if err := m.sweepFile(f); err != nil {
			m.log.Error("monitor sweep failed", "task_id", f.TaskID, "file_id", f.ID, "err", err)
		}
	}
	return nil
}

// sweepFile updates one file's byte count and, if it has finished, promotes
// it to done. The executor pre-allocates its destination to full size up
// front, so the output file's own size is not a usable progress signal while
// a download is in flight; the sidecar control file's completed-segment list
// is. Completion itself, per filesystem.Layout's contract, is "output exists
// and the control file does not", plus, for a file of known non-zero size, an
// output at least that large.
func (m *Monitor) sweepFile(f storage.TaskFile) error {
	outPath := m.layout.FilePath(f.TaskID, f.Name)
	ctrlPath := m.layout.ControlPath(outPath)

	_, outErr := os.Stat(outPath)
	outExists := outErr == nil
	_, ctrlErr := os.Stat(ctrlPath)
	ctrlExists := ctrlErr == nil

	var cur int64
	if bytesCompleted, ok := executor.ReadControlState(ctrlPath); ok {
		cur = bytesCompleted
	} else if outExists && !ctrlExists {
		cur = f.SizeBytes
		if info, err := os.Stat(outPath); err == nil && (!f.HasSize || cur == 0) {
			cur = info.Size()
		}
	}

	if cur > f.BytesDownloaded {
		if err := m.store.UpdateFileProgress(f.TaskID, f.ID, cur); err != nil {
			return err
		}
	}

	if outExists && !ctrlExists {
		if f.HasSize && f.SizeBytes > 0 {
			if info, err := os.Stat(outPath); err != nil || info.Size() < f.SizeBytes {
				return nil
			}
		}
		return m.store.MarkFileDone(f.TaskID, f.ID, outPath)
	}
	return nil
}
