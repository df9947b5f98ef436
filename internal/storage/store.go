package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("storage: not found")

// Notifier is the write-then-publish hook: after a mutation commits, the Store
// best-effort notifies it. A failure here is never fatal — subscribers
// reconcile via periodic snapshot refresh (see internal/eventbus).
type Notifier interface {
	Publish(taskID string, payload map[string]any)
}

// NopNotifier discards every event; useful in tests and for callers that only
// care about the store's own consistency.
type NopNotifier struct{}

func (NopNotifier) Publish(string, map[string]any) {}

// Store is the durable task store (C1). All mutations are transactional at the
// level of a single task; reads may run concurrently with writes, but writes to
// a given task are serialized through an in-process advisory lock — the same
// guard spec.md §5 requires when more than one scheduler loop runs in-process.
type Store struct {
	db       *gorm.DB
	notifier Notifier
	locks    taskLocks
}

// New wraps an already-migrated *gorm.DB.
func New(db *gorm.DB, notifier Notifier) *Store {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Store{db: db, notifier: notifier}
}

// Migrate creates or updates every table the store owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Task{}, &TaskFile{}, &TaskEvent{}, &DedupEntry{}, &AppSetting{})
}

// taskLocks hands out a per-task mutex, created on first use and never freed —
// tasks are few enough relative to process lifetime that this is simpler than
// reference counting, and it matches the "advisory, held only for the duration
// of one inspection" contract in spec.md §5.
type taskLocks struct {
	mu   sync.Mutex
	byID map[string]*sync.Mutex
}

func (t *taskLocks) get(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byID == nil {
		t.byID = make(map[string]*sync.Mutex)
	}
	m, ok := t.byID[id]
	if !ok {
		m = &sync.Mutex{}
		t.byID[id] = m
	}
	return m
}

func (s *Store) withTaskLock(id string, fn func() error) error {
	lock := s.locks.get(id)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// CreateTaskParams is the input to CreateTask.
type CreateTaskParams struct {
	Label      string
	Mode       string
	SourceType string
	Source     string
	Identifier string
	Provider   string
	Owner      string
}

// CreateTask inserts a new Task in status "queued" and returns it.
func (s *Store) CreateTask(p CreateTaskParams) (*Task, error) {
	t := &Task{
		ID:         uuid.NewString(),
		Label:      p.Label,
		Mode:       p.Mode,
		SourceType: p.SourceType,
		Source:     p.Source,
		Identifier: p.Identifier,
		Provider:   p.Provider,
		Owner:      p.Owner,
		Status:     StatusQueued,
	}

	var created *Task
	err := s.withTaskLock(t.ID, func() error {
		if err := s.db.Create(t).Error; err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.appendEventLocked(created.ID, "info", "task.created", fmt.Sprintf(`{"mode":%q,"source_type":%q}`, p.Mode, p.SourceType))
	s.notifier.Publish(created.ID, map[string]any{"type": "state", "taskId": created.ID, "status": created.Status})
	return created, nil
}

// GetTask loads a task with its files.
func (s *Store) GetTask(id string) (*Task, error) {
	var t Task
	err := s.db.Preload("Files", func(db *gorm.DB) *gorm.DB {
		return db.Order("task_files.\"index\" ASC")
	}).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// FindActiveByIdentifier returns a task matching (identifier, sourceType) whose
// status is non-terminal or ready (the broader of the two reuse behaviors
// permitted by spec.md §8 — see SPEC_FULL.md §3 for the resolution rationale).
func (s *Store) FindActiveByIdentifier(identifier, sourceType string) (*Task, error) {
	var t Task
	err := s.db.Where("identifier = ? AND source_type = ? AND status NOT IN ?",
		identifier, sourceType, []string{StatusFailed, StatusCanceled}).
		Order("created_at DESC").First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by identifier: %w", err)
	}
	return &t, nil
}

// ListFilter selects tasks by status (empty = any) with pagination.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// ListTasks returns tasks matching filter and the total count ignoring paging.
func (s *Store) ListTasks(f ListFilter) ([]Task, int64, error) {
	q := s.db.Model(&Task{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var tasks []Task
	if err := q.Order("created_at DESC").Limit(limit).Offset(f.Offset).Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, total, nil
}

// legalTransitions enumerates the only arrows a Task.Status may move along, per
// spec.md §4.3.
var legalTransitions = map[string][]string{
	StatusQueued:           {StatusResolving, StatusFailed, StatusCanceled, StatusReady},
	StatusResolving:        {StatusWaitingSelection, StatusDownloading, StatusFailed, StatusCanceled},
	StatusWaitingSelection: {StatusDownloading, StatusFailed, StatusCanceled},
	StatusDownloading:      {StatusReady, StatusFailed, StatusCanceled},
}

// CanTransition reports whether from->to is a legal arrow (or a no-op).
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// UpdateStatus transitions a task's status, rejecting illegal arrows. reason is
// stored as FailReason when to == failed and is otherwise advisory.
func (s *Store) UpdateStatus(id, to, reason string) (*Task, error) {
	var updated *Task
	err := s.withTaskLock(id, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var t Task
			if err := tx.First(&t, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			if !CanTransition(t.Status, to) {
				return fmt.Errorf("illegal transition %s -> %s for task %s", t.Status, to, id)
			}
			t.Status = to
			if to == StatusFailed {
				t.FailReason = reason
			}
			t.UpdatedAt = time.Now()
			if err := tx.Save(&t).Error; err != nil {
				return err
			}
			updated = &t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.appendEventLocked(id, "info", "task.status", fmt.Sprintf(`{"status":%q,"reason":%q}`, to, reason))
	s.notifier.Publish(id, map[string]any{"type": "state", "taskId": id, "status": to, "reason": reason})
	return updated, nil
}

// SetProviderRef persists the provider-side reference. The resolver does not
// read it back: every resolve cycle uploads the source again, and a task left
// in resolving by a crash is not picked up again.
func (s *Store) SetProviderRef(id, ref string) error {
	return s.withTaskLock(id, func() error {
		return s.db.Model(&Task{}).Where("id = ?", id).Updates(map[string]any{
			"provider_ref": ref,
			"updated_at":   time.Now(),
		}).Error
	})
}

// SetSelectionDeadline records the wall-clock deadline after which a task stuck
// in waiting_selection must be canceled.
func (s *Store) SetSelectionDeadline(id string, deadline time.Time) error {
	return s.withTaskLock(id, func() error {
		return s.db.Model(&Task{}).Where("id = ?", id).Update("select_by", deadline).Error
	})
}

// SetResolveDeadline records the wall-clock deadline bounding the resolve poll
// loop (spec.md §5, MAX_RESOLVE_ATTEMPTS x RESOLVE_POLL_DELAY).
func (s *Store) SetResolveDeadline(id string, deadline time.Time) error {
	return s.withTaskLock(id, func() error {
		return s.db.Model(&Task{}).Where("id = ?", id).Update("resolve_until", deadline).Error
	})
}

// UpsertFile inserts or updates a TaskFile. (task_id, index) is the uniqueness
// key; an existing row with that key is updated in place, always leaving its
// runtime state (bytes_downloaded, state) untouched, whatever f carries.
func (s *Store) UpsertFile(taskID string, f *TaskFile) error {
	f.TaskID = taskID
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return s.withTaskLock(taskID, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var existing TaskFile
			err := tx.Where("task_id = ? AND \"index\" = ?", taskID, f.Index).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				return tx.Create(f).Error
			case err != nil:
				return err
			default:
				f.ID = existing.ID
				f.BytesDownloaded = existing.BytesDownloaded
				f.State = existing.State
				return tx.Model(&existing).Updates(f).Error
			}
		})
	})
}

// ListFilesByState returns a task's files in a given state, ordered by index.
func (s *Store) ListFilesByState(taskID, state string) ([]TaskFile, error) {
	var files []TaskFile
	err := s.db.Where("task_id = ? AND state = ?", taskID, state).Order("\"index\" ASC").Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// ListFiles returns every TaskFile belonging to a task, ordered by index.
func (s *Store) ListFiles(taskID string) ([]TaskFile, error) {
	var files []TaskFile
	err := s.db.Where("task_id = ?", taskID).Order("\"index\" ASC").Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// ListAllFilesByState returns every TaskFile in the given state across every
// task, for the Progress Monitor's (C6) cross-task sweep.
func (s *Store) ListAllFilesByState(state string) ([]TaskFile, error) {
	var files []TaskFile
	err := s.db.Where("state = ?", state).Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("list files by state: %w", err)
	}
	return files, nil
}

// fileTransitions enumerates the only arrows a TaskFile.State may move along,
// per spec.md §4.5.
var fileTransitions = map[string][]string{
	StateListed:      {StateSelected, StateFailed},
	StateSelected:    {StateDownloading, StateFailed},
	StateDownloading: {StateDone, StateFailed},
}

// CanTransitionFile reports whether from->to is a legal file-state arrow.
func CanTransitionFile(from, to string) bool {
	if from == to {
		return true
	}
	for _, allowed := range fileTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// UpdateFileState transitions a single file's state, rejecting illegal arrows.
func (s *Store) UpdateFileState(taskID, fileID, to string) error {
	return s.withTaskLock(taskID, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var f TaskFile
			if err := tx.Where("id = ? AND task_id = ?", fileID, taskID).First(&f).Error; err != nil {
				return err
			}
			if !CanTransitionFile(f.State, to) {
				return fmt.Errorf("illegal file transition %s -> %s for file %s", f.State, to, fileID)
			}
			return tx.Model(&f).Updates(map[string]any{"state": to, "updated_at": time.Now()}).Error
		})
	})
}

// SetFileUnlockedURL persists the most recently unlocked direct URL for a file.
func (s *Store) SetFileUnlockedURL(taskID, fileID, url string) error {
	return s.withTaskLock(taskID, func() error {
		return s.db.Model(&TaskFile{}).Where("id = ? AND task_id = ?", fileID, taskID).
			Update("unlocked_url", url).Error
	})
}

// UpdateFileProgress records the on-disk byte count for a file. bytes must be
// monotone non-decreasing while the file is downloading; callers (the
// Progress Monitor) are responsible for that invariant.
func (s *Store) UpdateFileProgress(taskID, fileID string, bytesDownloaded int64) error {
	err := s.withTaskLock(taskID, func() error {
		return s.db.Model(&TaskFile{}).Where("id = ? AND task_id = ?", fileID, taskID).
			Update("bytes_downloaded", bytesDownloaded).Error
	})
	if err != nil {
		return err
	}
	s.notifier.Publish(taskID, map[string]any{
		"type": "file.progress", "taskId": taskID, "fileId": fileID, "bytesDownloaded": bytesDownloaded,
	})
	return nil
}

// MarkFileDone transitions a file to done, sets local_path, and publishes.
func (s *Store) MarkFileDone(taskID, fileID, localPath string) error {
	err := s.withTaskLock(taskID, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var f TaskFile
			if err := tx.Where("id = ? AND task_id = ?", fileID, taskID).First(&f).Error; err != nil {
				return err
			}
			if !CanTransitionFile(f.State, StateDone) {
				return fmt.Errorf("illegal file transition %s -> done for file %s", f.State, fileID)
			}
			return tx.Model(&f).Updates(map[string]any{
				"state": StateDone, "local_path": localPath, "updated_at": time.Now(),
			}).Error
		})
	})
	if err != nil {
		return err
	}
	s.appendEventLocked(taskID, "info", "file.done", fmt.Sprintf(`{"fileId":%q,"localPath":%q}`, fileID, localPath))
	s.notifier.Publish(taskID, map[string]any{"type": "file.done", "taskId": taskID, "fileId": fileID, "localPath": localPath})
	return nil
}

// MarkFileFailed transitions a file to failed and records the reason.
func (s *Store) MarkFileFailed(taskID, fileID, reason string) error {
	err := s.withTaskLock(taskID, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var f TaskFile
			if err := tx.Where("id = ? AND task_id = ?", fileID, taskID).First(&f).Error; err != nil {
				return err
			}
			if !CanTransitionFile(f.State, StateFailed) {
				return fmt.Errorf("illegal file transition %s -> failed for file %s", f.State, fileID)
			}
			return tx.Model(&f).Updates(map[string]any{"state": StateFailed, "updated_at": time.Now()}).Error
		})
	})
	if err != nil {
		return err
	}
	s.appendEventLocked(taskID, "warning", "file.failed", fmt.Sprintf(`{"fileId":%q,"reason":%q}`, fileID, reason))
	s.notifier.Publish(taskID, map[string]any{"type": "file.failed", "taskId": taskID, "fileId": fileID, "reason": reason})
	return nil
}

// AppendEvent appends a diagnostic TaskEvent row. Unlike the other mutators,
// this does not require the value of Status/State to be consistent — it is a
// pure log, so it is not guarded by the legality checks above.
func (s *Store) AppendEvent(taskID, level, event, payload string) error {
	return s.appendEventLocked(taskID, level, event, payload)
}

func (s *Store) appendEventLocked(taskID, level, event, payload string) error {
	return s.withTaskLock(taskID, func() error {
		return s.db.Create(&TaskEvent{
			ID:      uuid.NewString(),
			TaskID:  taskID,
			Ts:      time.Now(),
			Level:   level,
			Event:   event,
			Payload: payload,
		}).Error
	})
}

// DeleteTask soft-deletes a task row (via its DeletedAt column) and deletes
// its files and events.
// It never touches the filesystem; callers decide whether to purge artifacts.
func (s *Store) DeleteTask(id string) error {
	return s.withTaskLock(id, func() error {
		res := s.db.Select("Files", "Events").Delete(&Task{ID: id})
		if res.Error != nil {
			return fmt.Errorf("delete task: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// LookupDedup returns the dedup entry for (identifier, sourceType), if any.
func (s *Store) LookupDedup(identifier, sourceType string) (*DedupEntry, error) {
	var d DedupEntry
	err := s.db.Where("identifier = ? AND source_type = ?", identifier, sourceType).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// RecordDedup upserts a dedup entry once a task materializes a share on disk.
func (s *Store) RecordDedup(identifier, sourceType, shareID, taskID string) error {
	d := DedupEntry{
		Identifier: identifier,
		SourceType: sourceType,
		ShareID:    shareID,
		TaskID:     taskID,
		FirstSeen:  time.Now(),
	}
	return s.db.Save(&d).Error
}

// ReservedBytesForTask sums (size - downloaded) over a task's files that are
// still in a non-terminal state — the "need" term in the admission equation
// (spec.md §4.4).
func (s *Store) ReservedBytesForTask(taskID string) (int64, error) {
	var files []TaskFile
	if err := s.db.Where("task_id = ? AND state IN ?", taskID,
		[]string{StateListed, StateSelected, StateDownloading}).Find(&files).Error; err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		remaining := f.SizeBytes - f.BytesDownloaded
		if remaining > 0 {
			total += remaining
		}
	}
	return total, nil
}

// GlobalReservedBytes sums ReservedBytesForTask across every task except
// excludeTaskID.
func (s *Store) GlobalReservedBytes(excludeTaskID string) (int64, error) {
	var files []TaskFile
	q := s.db.Where("state IN ?", []string{StateListed, StateSelected, StateDownloading})
	if excludeTaskID != "" {
		q = q.Where("task_id <> ?", excludeTaskID)
	}
	if err := q.Find(&files).Error; err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		remaining := f.SizeBytes - f.BytesDownloaded
		if remaining > 0 {
			total += remaining
		}
	}
	return total, nil
}

// GetSetting reads a runtime AppSetting, returning "" if unset.
func (s *Store) GetSetting(key string) string {
	var row AppSetting
	if err := s.db.Where("key = ?", key).First(&row).Error; err != nil {
		return ""
	}
	return row.Value
}

// SetSetting persists a runtime AppSetting.
func (s *Store) SetSetting(key, value string) error {
	return s.db.Save(&AppSetting{Key: key, Value: value}).Error
}

// statDailyKey and statTotalBytesKey/statTotalFilesKey key the operator
// analytics counters (internal/analytics) into the same AppSetting table
// used for mutable runtime config, grounded on the teacher's
// StatsManager.IncrementStat/GetStatInt pattern over a generic key/value
// store (internal/core/stats.go) rather than a dedicated stats table.
const (
	statTotalBytesKey = "stat_total_bytes"
	statTotalFilesKey = "stat_total_files"
)

func statDailyKey(date string) string { return "stat_daily_" + date }

// incrementSetting atomically adds delta to the int64 stored at key,
// creating it at delta if absent. It runs under the same advisory
// serialization every other Store mutation uses.
func (s *Store) incrementSetting(key string, delta int64) error {
	return s.withTaskLock(key, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var row AppSetting
			err := tx.Where("key = ?", key).First(&row).Error
			var cur int64
			if err == nil {
				cur, _ = parseInt64(row.Value)
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return tx.Save(&AppSetting{Key: key, Value: formatInt64(cur + delta)}).Error
		})
	})
}

func (s *Store) getIntSetting(key string) (int64, error) {
	v := s.GetSetting(key)
	if v == "" {
		return 0, nil
	}
	n, err := parseInt64(v)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return n, nil
}

// IncrementDailyBytes adds bytes to both the lifetime total and today's
// daily bucket, for the operator-facing analytics surface.
func (s *Store) IncrementDailyBytes(bytes int64) error {
	if err := s.incrementSetting(statTotalBytesKey, bytes); err != nil {
		return err
	}
	return s.incrementSetting(statDailyKey(time.Now().Format("2006-01-02")), bytes)
}

// IncrementDailyFiles increments the lifetime completed-file counter.
func (s *Store) IncrementDailyFiles() error {
	return s.incrementSetting(statTotalFilesKey, 1)
}

// GetTotalLifetime returns the all-time sum of IncrementDailyBytes calls.
func (s *Store) GetTotalLifetime() (int64, error) {
	return s.getIntSetting(statTotalBytesKey)
}

// GetTotalFiles returns the all-time count of IncrementDailyFiles calls.
func (s *Store) GetTotalFiles() (int64, error) {
	return s.getIntSetting(statTotalFilesKey)
}

// GetDailyHistory returns the last n days (including today) of bytes
// downloaded, keyed by "YYYY-MM-DD".
func (s *Store) GetDailyHistory(days int) (map[string]int64, error) {
	res := make(map[string]int64, days)
	now := time.Now()
	for i := 0; i < days; i++ {
		date := now.AddDate(0, 0, -i).Format("2006-01-02")
		v, err := s.getIntSetting(statDailyKey(date))
		if err != nil {
			return nil, err
		}
		res[date] = v
	}
	return res, nil
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func formatInt64(n int64) string {
	return fmt.Sprintf("%d", n)
}
