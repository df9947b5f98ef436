package dispatcher

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

	"debridflow/internal/admission"
	"debridflow/internal/executor"
	"debridflow/internal/filesystem"
	"debridflow/internal/network"
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

type fixedLimits struct {
	active, queued, global int
}

func (f fixedLimits) PerTaskMaxActive() int { return f.active }
func (f fixedLimits) PerTaskMaxQueued() int { return f.queued }
func (f fixedLimits) GlobalQueueLimit() int {
	if f.global == 0 {
		return 1000
	}
	return f.global
}

type fakeClient struct {
	unlockURL string
	unlockErr error
}

func (f *fakeClient) Upload(ctx context.Context, sourceType, source string) (string, error) {
	return "", nil
}
func (f *fakeClient) Status(ctx context.Context, ref string) (provider.StatusResult, error) {
	return provider.StatusResult{}, nil
}
func (f *fakeClient) Unlock(ctx context.Context, lockedURL string) (string, error) {
	return f.unlockURL, f.unlockErr
}
func (f *fakeClient) Name() string { return "fake" }

func setup(t *testing.T, limits fixedLimits) (*Dispatcher, *storage.Store, *filesystem.Layout, string) {
	t.Helper()
	s := newTestStore(t)
	root := t.TempDir()
	layout := filesystem.NewLayout(root)
	adm := admission.New(s, root, 0).WithFreeBytesFunc(func(string) (int64, error) { return 1 << 40, nil })
	exec := executor.New(executor.Config{}, network.NewCongestionController(1, 4), network.NewBandwidthManager())
	client := &fakeClient{unlockURL: "http://example.invalid/direct"}
	d := New(s, client, adm, exec, layout, limits, nil)
	return d, s, layout, root
}

func TestStartFilesRespectsPerTaskMaxActive(t *testing.T) {
	d, s, _, _ := setup(t, fixedLimits{active: 2, queued: 5})

	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "x", Mode: "auto"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertFile(task.ID, &storage.TaskFile{Index: i, Name: "f", SizeBytes: 1, HasSize: true, State: storage.StateListed}))
	}
	files, err := s.ListFiles(task.ID)
	require.NoError(t, err)
	for _, f := range files {
		require.NoError(t, s.UpdateFileState(task.ID, f.ID, storage.StateSelected))
	}
	_, err = s.UpdateStatus(task.ID, storage.StatusResolving, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(task.ID, storage.StatusDownloading, "")
	require.NoError(t, err)

	_, err = d.startFiles(context.Background(), task.ID, 1000)
	require.NoError(t, err)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	downloading := 0
	selected := 0
	for _, f := range got.Files {
		switch f.State {
		case storage.StateDownloading:
			downloading++
		case storage.StateSelected:
			selected++
		}
	}
	assert.Equal(t, 2, downloading)
	assert.Equal(t, 1, selected)
}

func TestStartFileMarksFailedOnUnlockError(t *testing.T) {
	s := newTestStore(t)
	root := t.TempDir()
	layout := filesystem.NewLayout(root)
	adm := admission.New(s, root, 0).WithFreeBytesFunc(func(string) (int64, error) { return 1 << 40, nil })
	exec := executor.New(executor.Config{}, network.NewCongestionController(1, 4), network.NewBandwidthManager())
	client := &fakeClient{unlockErr: assertErr{"unlock failed"}}
	d := New(s, client, adm, exec, layout, fixedLimits{active: 2, queued: 5}, nil)

	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "y", Mode: "auto"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertFile(task.ID, &storage.TaskFile{Index: 0, Name: "f", SizeBytes: 1, HasSize: true, State: storage.StateListed}))
	f := (func() storage.TaskFile { fs, _ := s.ListFiles(task.ID); return fs[0] })()
	require.NoError(t, s.UpdateFileState(task.ID, f.ID, storage.StateSelected))
	_, err = s.UpdateStatus(task.ID, storage.StatusResolving, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(task.ID, storage.StatusDownloading, "")
	require.NoError(t, err)

	_, err = d.startFiles(context.Background(), task.ID, 1000)
	require.NoError(t, err)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, got.Files[0].State)
}

func TestStartFilesRespectsGlobalQueueLimit(t *testing.T) {
	d, s, _, _ := setup(t, fixedLimits{active: 5, queued: 5, global: 1000})

	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "g", Mode: "auto"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertFile(task.ID, &storage.TaskFile{Index: i, Name: "f", SizeBytes: 1, HasSize: true, State: storage.StateListed}))
	}
	files, err := s.ListFiles(task.ID)
	require.NoError(t, err)
	for _, f := range files {
		require.NoError(t, s.UpdateFileState(task.ID, f.ID, storage.StateSelected))
	}
	_, err = s.UpdateStatus(task.ID, storage.StatusResolving, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(task.ID, storage.StatusDownloading, "")
	require.NoError(t, err)

	started, err := d.startFiles(context.Background(), task.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	downloading := 0
	for _, f := range got.Files {
		if f.State == storage.StateDownloading {
			downloading++
		}
	}
	assert.Equal(t, 1, downloading)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestCheckCompletionRetiresReadyWhenAllDone(t *testing.T) {
	d, s, layout, _ := setup(t, fixedLimits{active: 2, queued: 5})

	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "z", Mode: "auto"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertFile(task.ID, &storage.TaskFile{Index: 0, Name: "f", SizeBytes: 1, HasSize: true, State: storage.StateListed}))
	files, _ := s.ListFiles(task.ID)
	require.NoError(t, s.UpdateFileState(task.ID, files[0].ID, storage.StateSelected))
	require.NoError(t, s.UpdateFileState(task.ID, files[0].ID, storage.StateDownloading))
	_, err = s.UpdateStatus(task.ID, storage.StatusResolving, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(task.ID, storage.StatusDownloading, "")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(layout.FilesDir(task.ID), 0755))
	require.NoError(t, s.MarkFileDone(task.ID, files[0].ID, filepath.Join(layout.FilesDir(task.ID), "f")))

	require.NoError(t, d.checkCompletion(task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusReady, got.Status)
}

func TestCheckCompletionFailsTaskWhenAllRemainingFailed(t *testing.T) {
	d, s, _, _ := setup(t, fixedLimits{active: 2, queued: 5})

	task, err := s.CreateTask(storage.CreateTaskParams{SourceType: "magnet", Identifier: "w", Mode: "auto"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertFile(task.ID, &storage.TaskFile{Index: 0, Name: "f", SizeBytes: 1, HasSize: true, State: storage.StateListed}))
	files, _ := s.ListFiles(task.ID)
	require.NoError(t, s.UpdateFileState(task.ID, files[0].ID, storage.StateSelected))
	_, err = s.UpdateStatus(task.ID, storage.StatusResolving, "")
	require.NoError(t, err)
	_, err = s.UpdateStatus(task.ID, storage.StatusDownloading, "")
	require.NoError(t, err)
	require.NoError(t, s.MarkFileFailed(task.ID, files[0].ID, "boom"))

	require.NoError(t, d.checkCompletion(task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
}

func TestCancelStopsOnlyMatchingTaskDownloads(t *testing.T) {
	d, _, _, _ := setup(t, fixedLimits{active: 2, queued: 5})

	canceledA := false
	canceledB := false
	_, cancelA := context.WithCancel(context.Background())
	_, cancelB := context.WithCancel(context.Background())
	d.active["file-a"] = activeDownload{taskID: "task-a", cancel: func() { canceledA = true; cancelA() }}
	d.active["file-b"] = activeDownload{taskID: "task-b", cancel: func() { canceledB = true; cancelB() }}

	d.Cancel("task-a")

	assert.True(t, canceledA)
	assert.False(t, canceledB)
	_ = time.Millisecond
}
