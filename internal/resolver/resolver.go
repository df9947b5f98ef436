// Package resolver runs the resolver cycle for a single queued task
// (spec.md §4.3): a dedup probe, an upload to the debrid provider, a bounded
// poll loop, and mode dispatch into either automatic file selection or a
// waiting_selection state with an enforced selection timeout.
//
// The teacher has no equivalent standalone stage (its engine resolves and
// downloads in one executeTask call); this package is grounded on the shape
// of that orchestration function's step-by-step structure and its
// failTask/error-wrapping idiom, split out to match the resolve/dispatch/
// execute/monitor pipeline spec.md §4 describes.
package resolver

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"debridflow/internal/filesystem"
	"debridflow/internal/provider"
	"debridflow/internal/storage"
	"debridflow/internal/torrentmeta"
	"debridflow/internal/validate"
)

// Mode values for Task.Mode, per spec.md §4.3.
const (
	ModeAuto   = "auto"
	ModeSelect = "select"
)

// Config bundles the resolver's timing knobs (spec.md §6).
type Config struct {
	PollDelay        time.Duration
	MaxPollAttempts  int
	SelectionTimeout time.Duration
}

// Resolver drives one task through the resolve stage.
type Resolver struct {
	store  *storage.Store
	client provider.Client
	layout *filesystem.Layout
	cfg    Config
	log    *slog.Logger
}

// New builds a Resolver bound to one provider.Client. Each configured
// provider gets its own Resolver instance; spec.md §4.2 scopes a task to
// exactly one provider for its lifetime. layout may be nil, in which case the
// dedup shortcut (spec.md §4.3 step 1) never fires since there is nowhere to
// verify a share is "still present".
func New(store *storage.Store, client provider.Client, layout *filesystem.Layout, cfg Config, log *slog.Logger) *Resolver {
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 240
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 5 * time.Second
	}
	if cfg.SelectionTimeout <= 0 {
		cfg.SelectionTimeout = 15 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, client: client, layout: layout, cfg: cfg, log: log}
}

// Identifier derives the dedup/provider identifier for a task's source
// (spec.md §4.2, supplemented per SPEC_FULL.md): the magnet's infohash, a
// derived infohash for an uploaded .torrent (base64-encoded in rawSource, the
// same convention the submit surface uses end to end), or the 40-hex SHA-1 of
// a direct link's URL, hashed as given (the URL is not normalized first).
func Identifier(sourceType string, rawSource []byte, rawURL string) (string, error) {
	switch sourceType {
	case "magnet":
		return torrentmeta.InfoHashFromMagnet(string(rawSource))
	case "upload":
		raw, err := base64.StdEncoding.DecodeString(string(rawSource))
		if err != nil {
			return "", fmt.Errorf("resolver: decode .torrent payload: %w", err)
		}
		return torrentmeta.InfoHashFromTorrent(raw)
	case "link":
		if rawURL == "" {
			return "", errors.New("resolver: link source requires a url")
		}
		sum := sha1.Sum([]byte(rawURL))
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("resolver: unknown source type %q", sourceType)
	}
}

// Resolve runs one resolver cycle on task, which must currently be in
// status=queued. It transitions the task through resolving, then either
// waiting_selection (select mode) or downloading-ready files (auto mode), or
// failed on any unrecoverable error.
func (r *Resolver) Resolve(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(taskID)
	if err != nil {
		return err
	}

	shortcut, err := r.tryDedupShortcut(taskID, task)
	if err != nil {
		return err
	}
	if shortcut {
		return nil
	}

	if _, err := r.store.UpdateStatus(taskID, storage.StatusResolving, ""); err != nil {
		return err
	}

	ref, err := r.client.Upload(ctx, task.SourceType, task.Source)
	if err != nil {
		return r.fail(taskID, fmt.Sprintf("upload: %v", err))
	}
	if err := r.store.SetProviderRef(taskID, ref); err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(r.cfg.MaxPollAttempts) * r.cfg.PollDelay)
	if err := r.store.SetResolveDeadline(taskID, deadline); err != nil {
		return err
	}

	result, err := r.poll(ctx, taskID, ref)
	if err != nil {
		return r.fail(taskID, err.Error())
	}

	for i, f := range result.Files {
		name := f.Name
		if err := validate.FileName(name); err != nil {
			r.log.Warn("resolver rejected unsafe file name", "task_id", taskID, "index", i, "err", err)
			name = fmt.Sprintf("file_%d", i)
		}
		if err := r.store.UpsertFile(taskID, &storage.TaskFile{
			Index:          i,
			Name:           name,
			SizeBytes:      f.Size,
			HasSize:        f.HasSize,
			LockedURL:      f.LockedURL,
			State:          storage.StateListed,
		}); err != nil {
			return err
		}
	}

	if len(result.Files) == 0 {
		return r.fail(taskID, "provider returned zero files")
	}

	r.writeMetadata(taskID, task)

	if task.Mode == ModeSelect {
		selectBy := time.Now().Add(r.cfg.SelectionTimeout)
		if err := r.store.SetSelectionDeadline(taskID, selectBy); err != nil {
			return err
		}
		_, err := r.store.UpdateStatus(taskID, storage.StatusWaitingSelection, "")
		return err
	}

	// Auto mode: every listed file is immediately selected for download.
	files, err := r.store.ListFiles(taskID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := r.store.UpdateFileState(taskID, f.ID, storage.StateSelected); err != nil {
			return err
		}
	}
	_, err = r.store.UpdateStatus(taskID, storage.StatusDownloading, "")
	return err
}

// tryDedupShortcut implements spec.md §4.3 step 1: if a DedupEntry points at a
// share that is still materialized on disk, the task skips straight to ready
// with a synthesized file manifest, never touching the provider. DedupEntry
// presence is advisory only (spec.md §3), so a missing or stale entry is not
// an error — it just means the normal upload/poll path runs instead.
func (r *Resolver) tryDedupShortcut(taskID string, task *storage.Task) (bool, error) {
	if r.layout == nil || task.Identifier == "" {
		return false, nil
	}

	entry, err := r.store.LookupDedup(task.Identifier, task.SourceType)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, statErr := os.Stat(r.layout.FilesDir(entry.ShareID)); statErr != nil {
		return false, nil
	}

	shareFiles, err := r.store.ListFiles(entry.ShareID)
	if err != nil || len(shareFiles) == 0 {
		return false, nil
	}

	for _, f := range shareFiles {
		if err := r.store.UpsertFile(taskID, &storage.TaskFile{
			Index:           f.Index,
			Name:            f.Name,
			SizeBytes:       f.SizeBytes,
			HasSize:         f.HasSize,
			State:           storage.StateDone,
			BytesDownloaded: f.SizeBytes,
			LocalPath:       f.LocalPath,
		}); err != nil {
			return false, err
		}
	}

	if _, err := r.store.UpdateStatus(taskID, storage.StatusReady, ""); err != nil {
		return false, err
	}
	r.log.Info("resolver dedup shortcut", "task_id", taskID, "share_task_id", entry.ShareID)
	return true, nil
}

// poll repeatedly calls client.Status until the provider reports the task as
// resolved or terminal, or MaxPollAttempts is exhausted.
func (r *Resolver) poll(ctx context.Context, taskID, ref string) (provider.StatusResult, error) {
	for attempt := 0; attempt < r.cfg.MaxPollAttempts; attempt++ {
		result, err := r.client.Status(ctx, ref)
		if err != nil {
			var term *provider.ErrTerminal
			if errors.As(err, &term) {
				return provider.StatusResult{}, fmt.Errorf("provider: %s", term.Reason)
			}
			return provider.StatusResult{}, err
		}
		if result.Terminal {
			return provider.StatusResult{}, fmt.Errorf("provider: %s", result.Reason)
		}
		if len(result.Files) > 0 {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return provider.StatusResult{}, ctx.Err()
		case <-time.After(r.cfg.PollDelay):
		}
	}
	return provider.StatusResult{}, fmt.Errorf("resolve timed out after %d attempts", r.cfg.MaxPollAttempts)
}

// Select applies a user's file selection to a task in waiting_selection,
// per spec.md §4.3 mode=select. It runs CheckSelectionTimeout first, so a
// task past its selection deadline is canceled and the call fails as not
// awaiting selection.
func (r *Resolver) Select(taskID string, fileIDs []string) error {
	if err := r.CheckSelectionTimeout(taskID); err != nil {
		return err
	}
	task, err := r.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status != storage.StatusWaitingSelection {
		return fmt.Errorf("resolver: task %s is not awaiting selection", taskID)
	}

	wanted := make(map[string]bool, len(fileIDs))
	for _, id := range fileIDs {
		wanted[id] = true
	}

	for _, f := range task.Files {
		if !wanted[f.ID] {
			continue
		}
		if err := r.store.UpdateFileState(taskID, f.ID, storage.StateSelected); err != nil {
			return err
		}
	}

	_, err = r.store.UpdateStatus(taskID, storage.StatusDownloading, "")
	return err
}

// CheckSelectionTimeout cancels a task whose SelectionDeadline has passed
// while it is still waiting_selection. Selection timeout is always enforced
// regardless of how the task was created (spec.md open question, resolved).
// This is a cancellation, not a failure: the provider resolved the task fine,
// the user just never picked files (spec.md scenario 2).
func (r *Resolver) CheckSelectionTimeout(taskID string) error {
	task, err := r.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status != storage.StatusWaitingSelection {
		return nil
	}
	if task.SelectBy == nil || time.Now().Before(*task.SelectBy) {
		return nil
	}
	r.log.Warn("resolver canceling task on selection timeout", "task_id", taskID)
	_, err = r.store.UpdateStatus(taskID, storage.StatusCanceled, "selection_timeout")
	return err
}

// taskMetadata is the static, rarely-changing subset of a task persisted to
// metadata.json (spec.md §6) for operator inspection without a DB client.
type taskMetadata struct {
	TaskID     string `json:"task_id"`
	Label      string `json:"label"`
	Mode       string `json:"mode"`
	SourceType string `json:"source_type"`
	Identifier string `json:"identifier"`
	Provider   string `json:"provider"`
}

// writeMetadata persists a one-shot metadata.json once the manifest is known.
// Best-effort: a write failure here never fails the resolve cycle, since
// metadata.json is a convenience artifact, not the source of truth.
func (r *Resolver) writeMetadata(taskID string, task *storage.Task) {
	if r.layout == nil {
		return
	}
	b, err := json.MarshalIndent(taskMetadata{
		TaskID:     taskID,
		Label:      task.Label,
		Mode:       task.Mode,
		SourceType: task.SourceType,
		Identifier: task.Identifier,
		Provider:   task.Provider,
	}, "", "  ")
	if err != nil {
		return
	}
	path := r.layout.MetadataPath(taskID)
	if err := os.MkdirAll(r.layout.TaskDir(taskID), 0755); err != nil {
		r.log.Warn("write metadata.json: mkdir", "task_id", taskID, "err", err)
		return
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		r.log.Warn("write metadata.json", "task_id", taskID, "err", err)
	}
}

func (r *Resolver) fail(taskID, reason string) error {
	r.log.Warn("resolver failed task", "task_id", taskID, "reason", reason)
	_, err := r.store.UpdateStatus(taskID, storage.StatusFailed, reason)
	return err
}
