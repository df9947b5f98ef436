package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"debridflow/internal/filesystem"
	"debridflow/internal/provider"
	"debridflow/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	return storage.New(db, storage.NopNotifier{})
}

// recordingNotifier keeps every payload the Store publishes.
type recordingNotifier struct {
	payloads []map[string]any
}

func (n *recordingNotifier) Publish(taskID string, payload map[string]any) {
	n.payloads = append(n.payloads, payload)
}

type fakeClient struct {
	uploadRef    string
	uploadErr    error
	statuses     []provider.StatusResult
	statusErrs   []error
	statusCalls  int
	unlockURL    string
}

func (f *fakeClient) Upload(ctx context.Context, sourceType, source string) (string, error) {
	return f.uploadRef, f.uploadErr
}

func (f *fakeClient) Status(ctx context.Context, providerRef string) (provider.StatusResult, error) {
	i := f.statusCalls
	f.statusCalls++
	if i < len(f.statusErrs) && f.statusErrs[i] != nil {
		return provider.StatusResult{}, f.statusErrs[i]
	}
	if i < len(f.statuses) {
		return f.statuses[i], nil
	}
	return f.statuses[len(f.statuses)-1], nil
}

func (f *fakeClient) Unlock(ctx context.Context, lockedURL string) (string, error) {
	return f.unlockURL, nil
}

func (f *fakeClient) Name() string { return "fake" }

func TestResolveAutoModeSelectsAllFiles(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "abc", Source: "magnet:?xt=urn:btih:abc", Mode: ModeAuto})
	require.NoError(t, err)

	client := &fakeClient{
		uploadRef: "ref-1",
		statuses: []provider.StatusResult{{Files: []provider.File{
			{Name: "movie.mkv", Size: 1000, HasSize: true},
		}}},
	}
	r := New(s, client, nil, Config{PollDelay: time.Millisecond, MaxPollAttempts: 5}, nil)

	require.NoError(t, r.Resolve(context.Background(), task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloading, got.Status)
	require.Len(t, got.Files, 1)
	assert.Equal(t, storage.StateSelected, got.Files[0].State)
}

func TestResolveSelectModeWaitsForSelection(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "def", Mode: ModeSelect})
	require.NoError(t, err)

	client := &fakeClient{
		uploadRef: "ref-2",
		statuses: []provider.StatusResult{{Files: []provider.File{
			{Name: "a.mkv", Size: 1, HasSize: true},
			{Name: "b.mkv", Size: 2, HasSize: true},
		}}},
	}
	r := New(s, client, nil, Config{PollDelay: time.Millisecond, MaxPollAttempts: 5, SelectionTimeout: time.Hour}, nil)
	require.NoError(t, r.Resolve(context.Background(), task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaitingSelection, got.Status)
	require.NotNil(t, got.SelectBy)
	for _, f := range got.Files {
		assert.Equal(t, storage.StateListed, f.State)
	}
}

func TestResolveFailsOnTerminalProviderError(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "ghi", Mode: ModeAuto})
	require.NoError(t, err)

	client := &fakeClient{
		uploadRef:  "ref-3",
		statusErrs: []error{&provider.ErrTerminal{Reason: "dead magnet"}},
	}
	r := New(s, client, nil, Config{PollDelay: time.Millisecond, MaxPollAttempts: 5}, nil)
	err = r.Resolve(context.Background(), task.ID)
	require.NoError(t, err) // failure is recorded on the task, not returned

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Contains(t, got.FailReason, "dead magnet")
}

func TestResolvePollRetriesUntilFilesAppear(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "jkl", Mode: ModeAuto})
	require.NoError(t, err)

	client := &fakeClient{
		uploadRef: "ref-4",
		statuses: []provider.StatusResult{
			{Files: nil},
			{Files: nil},
			{Files: []provider.File{{Name: "x.mkv", Size: 1, HasSize: true}}},
		},
	}
	r := New(s, client, nil, Config{PollDelay: time.Millisecond, MaxPollAttempts: 10}, nil)
	require.NoError(t, r.Resolve(context.Background(), task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloading, got.Status)
}

func TestSelectTransitionsSelectedFilesAndTask(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "mno", Mode: ModeSelect})
	require.NoError(t, err)
	require.NoError(t, s.UpsertFile(task.ID, &storage.TaskFile{Index: 0, Name: "a", SizeBytes: 1, HasSize: true, State: storage.StateListed}))
	require.NoError(t, s.UpsertFile(task.ID, &storage.TaskFile{Index: 1, Name: "b", SizeBytes: 1, HasSize: true, State: storage.StateListed}))
	_, err = s.UpdateStatus(task.ID, storage.StatusResolving, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(task.ID, storage.StatusWaitingSelection, "")
	require.NoError(t, err)

	task, err = s.GetTask(task.ID)
	require.NoError(t, err)

	r := New(s, &fakeClient{}, nil, Config{}, nil)
	require.NoError(t, r.Select(task.ID, []string{task.Files[0].ID}))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloading, got.Status)
	assert.Equal(t, storage.StateSelected, got.Files[0].State)
	assert.Equal(t, storage.StateListed, got.Files[1].State)
}

func TestResolveDedupShortcutSkipsProvider(t *testing.T) {
	s := newTestStore(t)

	share, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "dupe", Source: "magnet:?xt=urn:btih:dupe", Mode: ModeAuto})
	require.NoError(t, err)
	require.NoError(t, s.UpsertFile(share.ID, &storage.TaskFile{
		Index: 0, Name: "movie.mkv", SizeBytes: 1000, HasSize: true,
		State: storage.StateDone, BytesDownloaded: 1000, LocalPath: "/srv/storage/" + share.ID + "/files/movie.mkv",
	}))
	require.NoError(t, s.RecordDedup("dupe", "magnet", share.ID, share.ID))

	root := t.TempDir()
	layout := filesystem.NewLayout(root)
	require.NoError(t, os.MkdirAll(layout.FilesDir(share.ID), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(layout.FilesDir(share.ID), "movie.mkv"), []byte("data"), 0644))

	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "dupe", Source: "magnet:?xt=urn:btih:dupe", Mode: ModeAuto})
	require.NoError(t, err)

	client := &fakeClient{} // no upload/status stubbed; a call would panic on empty slice access
	r := New(s, client, layout, Config{PollDelay: time.Millisecond, MaxPollAttempts: 5}, nil)
	require.NoError(t, r.Resolve(context.Background(), task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusReady, got.Status)
	require.Len(t, got.Files, 1)
	assert.Equal(t, storage.StateDone, got.Files[0].State)
	assert.Equal(t, int64(1000), got.Files[0].BytesDownloaded)
	assert.Equal(t, 0, client.statusCalls)
}

func TestCheckSelectionTimeoutCancelsExpiredTask(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	notes := &recordingNotifier{}
	s := storage.New(db, notes)
	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "pqr", Mode: ModeSelect})
	require.NoError(t, err)
	_, err = s.UpdateStatus(task.ID, storage.StatusResolving, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(task.ID, storage.StatusWaitingSelection, "")
	require.NoError(t, err)
	require.NoError(t, s.SetSelectionDeadline(task.ID, time.Now().Add(-time.Minute)))

	r := New(s, &fakeClient{}, nil, Config{}, nil)
	require.NoError(t, r.CheckSelectionTimeout(task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCanceled, got.Status)
	// A cancellation is not a failure: the reason travels on the state event.
	require.NotEmpty(t, notes.payloads)
	last := notes.payloads[len(notes.payloads)-1]
	assert.Equal(t, storage.StatusCanceled, last["status"])
	assert.Contains(t, last["reason"], "selection_timeout")
}

func TestCheckSelectionTimeoutNoopBeforeDeadline(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "stu", Mode: ModeSelect})
	require.NoError(t, err)
	_, err = s.UpdateStatus(task.ID, storage.StatusResolving, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(task.ID, storage.StatusWaitingSelection, "")
	require.NoError(t, err)
	require.NoError(t, s.SetSelectionDeadline(task.ID, time.Now().Add(time.Hour)))

	r := New(s, &fakeClient{}, nil, Config{}, nil)
	require.NoError(t, r.CheckSelectionTimeout(task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaitingSelection, got.Status)
}
