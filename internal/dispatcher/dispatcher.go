// Package dispatcher implements C5: it admits and starts downloads for a
// task's selected files and runs the end-of-cycle completion check that
// retires a task to ready or failed, per spec.md §4.5.
//
// Grounded on the teacher's TachyonEngine.activeDownloads/activeDownloadInfo
// cancellation registry (internal/core/engine.go) — adapted here to track one
// cancel func per in-flight file rather than per whole DownloadTask, since a
// task can have several files downloading at once. The per-file unlock/
// writability/start sequence is grounded on the original worker's
// start_next_files (original_source/worker/worker.py).
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"debridflow/internal/admission"
	"debridflow/internal/executor"
	"debridflow/internal/filesystem"
	"debridflow/internal/logger"
	"debridflow/internal/provider"
	"debridflow/internal/queue"
	"debridflow/internal/storage"
)

// Limits supplies the per-task and global concurrency caps, read live on
// every cycle so that an operator's runtime override (config.Manager) takes
// effect without a restart.
type Limits interface {
	PerTaskMaxActive() int
	PerTaskMaxQueued() int
	GlobalQueueLimit() int
}

// StatsTracker receives completion events for the operator analytics
// surface. Satisfied by *analytics.StatsManager; optional (nil is a no-op).
type StatsTracker interface {
	TrackDownloadBytes(bytes int64) error
	TrackFileCompleted() error
}

// Dispatcher drives C5 across every task currently in status=downloading.
type Dispatcher struct {
	store     *storage.Store
	client    provider.Client
	admission *admission.Controller
	executor  *executor.Executor
	layout    *filesystem.Layout
	limits    Limits
	log       *slog.Logger
	unlocks   *queue.UnlockScheduler
	stats     StatsTracker

	mu     sync.Mutex
	active map[string]activeDownload // keyed by file ID
}

type activeDownload struct {
	taskID string
	cancel context.CancelFunc
}

// New builds a Dispatcher.
func New(store *storage.Store, client provider.Client, adm *admission.Controller, exec *executor.Executor, layout *filesystem.Layout, limits Limits, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		client:    client,
		admission: adm,
		executor:  exec,
		layout:    layout,
		limits:    limits,
		log:       log,
		unlocks:   queue.NewUnlockScheduler(0, log),
		active:    make(map[string]activeDownload),
	}
}

// WithUnlockScheduler installs a bounded-concurrency cap on Unlock calls
// (spec.md §4.2). Without one, Unlock calls are unbounded.
func (d *Dispatcher) WithUnlockScheduler(s *queue.UnlockScheduler) *Dispatcher {
	d.unlocks = s
	return d
}

// WithStats installs an analytics sink that is notified as files complete.
func (d *Dispatcher) WithStats(s StatsTracker) *Dispatcher {
	d.stats = s
	return d
}

// RunCycle runs one dispatcher pass over every downloading task: admission,
// starting new files, and the completion check. It never blocks on a
// download's completion (spec.md §4.5 step 5); each started file runs in its
// own goroutine.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	tasks, _, err := d.store.ListTasks(storage.ListFilter{Status: storage.StatusDownloading, Limit: 10000})
	if err != nil {
		return fmt.Errorf("dispatcher: list downloading tasks: %w", err)
	}
	// Oldest-submitted task gets first claim on this cycle's admission and
	// global-budget slots (spec.md §4.4's recommended, not mandated, FIFO
	// fairness policy).
	tasks = queue.ByCreatedAt(tasks)

	globalDownloading, err := d.store.ListAllFilesByState(storage.StateDownloading)
	if err != nil {
		return fmt.Errorf("dispatcher: count global downloading: %w", err)
	}
	globalBudget := d.limits.GlobalQueueLimit() - len(globalDownloading)

	for _, t := range tasks {
		spent, err := d.cycleTask(ctx, t.ID, globalBudget)
		if err != nil {
			d.log.Error("dispatcher cycle failed for task", "task_id", t.ID, "err", err)
			continue
		}
		globalBudget -= spent
	}
	return nil
}

// cycleTask runs one task's admission check, file starts (capped by the
// caller's remaining slice of GLOBAL_QUEUE_LIMIT, spec.md §5), and
// end-of-cycle completion check. It returns how many of globalBudget's slots
// it consumed.
func (d *Dispatcher) cycleTask(ctx context.Context, taskID string, globalBudget int) (int, error) {
	decision, err := d.admission.Evaluate(taskID)
	if err != nil {
		return 0, err
	}
	spent := 0
	if decision.Admitted {
		spent, err = d.startFiles(ctx, taskID, globalBudget)
		if err != nil {
			return spent, err
		}
	}
	return spent, d.checkCompletion(taskID)
}

// startFiles computes to_start = min(PerTaskMaxActive-downloading, PerTaskMaxQueued,
// globalBudget) and begins that many selected files, in ascending index order
// (spec.md §4.5). GLOBAL_QUEUE_LIMIT is enforced here, by the dispatcher, not
// by the admission controller (spec.md §5).
func (d *Dispatcher) startFiles(ctx context.Context, taskID string, globalBudget int) (int, error) {
	downloading, err := d.store.ListFilesByState(taskID, storage.StateDownloading)
	if err != nil {
		return 0, err
	}
	selected, err := d.store.ListFilesByState(taskID, storage.StateSelected)
	if err != nil {
		return 0, err
	}

	maxActive := d.limits.PerTaskMaxActive()
	maxQueued := d.limits.PerTaskMaxQueued()

	toStart := maxActive - len(downloading)
	if toStart > maxQueued {
		toStart = maxQueued
	}
	if toStart > globalBudget {
		toStart = globalBudget
	}
	if toStart <= 0 || len(selected) == 0 {
		return 0, nil
	}
	if toStart > len(selected) {
		toStart = len(selected)
	}

	started := 0
	for _, f := range selected[:toStart] {
		if err := d.startFile(ctx, taskID, f); err != nil {
			return started, err
		}
		started++
	}
	return started, nil
}

func (d *Dispatcher) startFile(ctx context.Context, taskID string, f storage.TaskFile) error {
	release, err := d.unlocks.Acquire(ctx)
	if err != nil {
		return d.store.MarkFileFailed(taskID, f.ID, fmt.Sprintf("unlock: %v", err))
	}
	directURL, err := d.client.Unlock(ctx, f.LockedURL)
	release()
	if err != nil {
		d.log.Warn("unlock failed", "task_id", taskID, "file_id", f.ID, "err", err)
		return d.store.MarkFileFailed(taskID, f.ID, fmt.Sprintf("unlock: %v", err))
	}

	destPath := d.layout.FilePath(taskID, f.Name)
	if !dirWritable(filepath.Dir(destPath)) {
		d.log.Error("storage directory not writable", "task_id", taskID, "dir", filepath.Dir(destPath))
		_, err := d.store.UpdateStatus(taskID, storage.StatusFailed, "storage_not_writable")
		return err
	}

	if err := d.store.SetFileUnlockedURL(taskID, f.ID, directURL); err != nil {
		return err
	}
	if err := d.store.UpdateFileState(taskID, f.ID, storage.StateDownloading); err != nil {
		return err
	}

	fileCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.active[f.ID] = activeDownload{taskID: taskID, cancel: cancel}
	d.mu.Unlock()

	d.taskLog(taskID, "file download started", "file_id", f.ID, "name", f.Name)
	go d.runDownload(fileCtx, taskID, f, destPath, directURL)
	return nil
}

// runDownload owns one file's transfer for its whole lifetime, including the
// re-unlock-on-expired-link retry the executor itself cannot perform (it has
// no provider handle). This resolves the "unlock URL re-acquisition on I/O
// failure" design question in favor of an automatic retry rather than parking
// the file in a manual-refresh state.
func (d *Dispatcher) runDownload(ctx context.Context, taskID string, f storage.TaskFile, destPath, directURL string) {
	defer func() {
		d.mu.Lock()
		delete(d.active, f.ID)
		d.mu.Unlock()
	}()

	const maxReunlocks = 3
	req := executor.Request{
		URL:          directURL,
		DestPath:     destPath,
		ExpectedSize: f.SizeBytes,
		HasSize:      f.HasSize,
		AcceptRanges: true,
	}

	progress := func(written int64) {
		_ = d.store.UpdateFileProgress(taskID, f.ID, written)
	}

	var lastErr error
	for attempt := 0; attempt <= maxReunlocks; attempt++ {
		lastErr = d.executor.Download(ctx, req, progress)
		if lastErr == nil {
			// The dispatcher only hands the transfer off; downloading -> done is
			// the Monitor's call once it observes the control file gone
			// (internal/monitor.sweepFile), not this goroutine's.
			if d.stats != nil {
				if err := d.stats.TrackDownloadBytes(f.SizeBytes); err != nil {
					d.log.Warn("track download bytes", "task_id", taskID, "file_id", f.ID, "err", err)
				}
				if err := d.stats.TrackFileCompleted(); err != nil {
					d.log.Warn("track file completed", "task_id", taskID, "file_id", f.ID, "err", err)
				}
			}
			d.taskLog(taskID, "file download done", "file_id", f.ID, "name", f.Name)
			return
		}
		if ctx.Err() != nil {
			// Canceled: leave state as-is, per spec.md §4.5 cancellation note.
			return
		}
		if !errors.Is(lastErr, executor.ErrLinkExpired) {
			break
		}
		release, relErr := d.unlocks.Acquire(ctx)
		if relErr != nil {
			lastErr = relErr
			break
		}
		fresh, unlockErr := d.client.Unlock(ctx, f.LockedURL)
		release()
		if unlockErr != nil {
			lastErr = unlockErr
			break
		}
		req.URL = fresh
		if err := d.store.SetFileUnlockedURL(taskID, f.ID, fresh); err != nil {
			d.log.Error("persist re-unlocked url", "task_id", taskID, "file_id", f.ID, "err", err)
		}
	}

	if err := d.store.MarkFileFailed(taskID, f.ID, fmt.Sprintf("download: %v", lastErr)); err != nil {
		d.log.Error("mark file failed", "task_id", taskID, "file_id", f.ID, "err", err)
	}
	d.taskLog(taskID, "file download failed", "file_id", f.ID, "name", f.Name, "err", lastErr.Error())
}

// checkCompletion retires a task once every file has resolved, per spec.md
// §4.5's end-of-cycle rule.
func (d *Dispatcher) checkCompletion(taskID string) error {
	files, err := d.store.ListFiles(taskID)
	if err != nil || len(files) == 0 {
		return err
	}

	allDone := true
	anyFailed := false
	anyInFlight := false
	for _, f := range files {
		switch f.State {
		case storage.StateDone:
		case storage.StateFailed:
			allDone = false
			anyFailed = true
		case storage.StateSelected, storage.StateDownloading:
			allDone = false
			anyInFlight = true
		default:
			allDone = false
		}
	}

	if allDone {
		task, err := d.store.UpdateStatus(taskID, storage.StatusReady, "")
		if err != nil || task.Identifier == "" {
			return err
		}
		// The ready task's own files are the share a later duplicate reuses.
		return d.store.RecordDedup(task.Identifier, task.SourceType, taskID, taskID)
	}
	if anyFailed && !anyInFlight {
		_, err := d.store.UpdateStatus(taskID, storage.StatusFailed, "one or more files failed")
		return err
	}
	return nil
}

// Cancel stops every in-flight download belonging to taskID and prevents the
// dispatcher from starting any more of its files. It does not itself change
// task or file state; the caller is responsible for the status transition
// (spec.md §4.5 "Cancellation").
func (d *Dispatcher) Cancel(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dl := range d.active {
		if dl.taskID == taskID {
			dl.cancel()
		}
	}
}

// taskLog appends one line to <ROOT>/<task_id>/logs.json, the per-task
// diagnostic artifact (spec.md §6) distinct from both the process-wide
// logger and the live event bus. Opened and closed per call rather than held
// open for a task's lifetime, since file starts/completions are infrequent.
func (d *Dispatcher) taskLog(taskID, msg string, args ...any) {
	l, closer, err := logger.NewTaskLogger(d.layout.LogsPath(taskID))
	if err != nil {
		d.log.Warn("open task log", "task_id", taskID, "err", err)
		return
	}
	defer closer.Close()
	l.Info(msg, args...)
}

func dirWritable(dir string) bool {
	if err := filesystem.EnsureDir(dir); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".write_test")
	f, err := os.OpenFile(probe, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
