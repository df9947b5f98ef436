package storage

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite-backed Store for testing.
func setupTestDB(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return New(db, NopNotifier{})
}

func TestCreateAndGetTask(t *testing.T) {
	s := setupTestDB(t)

	task, err := s.CreateTask(CreateTaskParams{
		Label:      "ubuntu.iso",
		Mode:       "auto",
		SourceType: "magnet",
		Source:     "magnet:?xt=urn:btih:abc",
		Identifier: "abc",
		Provider:   "realdebrid",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusQueued, task.Status)

	fetched, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Identifier, fetched.Identifier)
	assert.Empty(t, fetched.Files)
}

func TestGetTaskNotFound(t *testing.T) {
	s := setupTestDB(t)
	_, err := s.GetTask("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusLegalTransition(t *testing.T) {
	s := setupTestDB(t)
	task, err := s.CreateTask(CreateTaskParams{SourceType: "link", Identifier: "id1", Mode: "auto"})
	require.NoError(t, err)

	updated, err := s.UpdateStatus(task.ID, StatusResolving, "")
	require.NoError(t, err)
	assert.Equal(t, StatusResolving, updated.Status)

	updated, err = s.UpdateStatus(task.ID, StatusDownloading, "")
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, updated.Status)
}

func TestUpdateStatusIllegalTransition(t *testing.T) {
	s := setupTestDB(t)
	task, err := s.CreateTask(CreateTaskParams{SourceType: "link", Identifier: "id2", Mode: "auto"})
	require.NoError(t, err)

	// queued -> downloading is not a legal arrow; must go through resolving.
	_, err = s.UpdateStatus(task.ID, StatusDownloading, "")
	assert.Error(t, err)
}

func TestUpdateStatusFailedRecordsReason(t *testing.T) {
	s := setupTestDB(t)
	task, err := s.CreateTask(CreateTaskParams{SourceType: "link", Identifier: "id3", Mode: "auto"})
	require.NoError(t, err)

	updated, err := s.UpdateStatus(task.ID, StatusFailed, "provider rejected upload")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, updated.Status)
	assert.Equal(t, "provider rejected upload", updated.FailReason)
}

func TestUpsertFileInsertThenUpdate(t *testing.T) {
	s := setupTestDB(t)
	task, err := s.CreateTask(CreateTaskParams{SourceType: "magnet", Identifier: "id4", Mode: "select"})
	require.NoError(t, err)

	err = s.UpsertFile(task.ID, &TaskFile{Index: 0, Name: "movie.mkv", SizeBytes: 1000, HasSize: true, State: StateListed})
	require.NoError(t, err)

	files, err := s.ListFiles(task.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "movie.mkv", files[0].Name)

	// Re-upsert same index: name may change, runtime state must not reset.
	require.NoError(t, s.UpdateFileState(task.ID, files[0].ID, StateSelected))
	require.NoError(t, s.UpdateFileProgress(task.ID, files[0].ID, 500))

	err = s.UpsertFile(task.ID, &TaskFile{Index: 0, Name: "movie-renamed.mkv", SizeBytes: 1000, HasSize: true})
	require.NoError(t, err)

	files, err = s.ListFiles(task.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "movie-renamed.mkv", files[0].Name)
	assert.Equal(t, StateSelected, files[0].State)
	assert.Equal(t, int64(500), files[0].BytesDownloaded)
}

func TestFileStateTransitions(t *testing.T) {
	s := setupTestDB(t)
	task, err := s.CreateTask(CreateTaskParams{SourceType: "link", Identifier: "id5", Mode: "auto"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertFile(task.ID, &TaskFile{Index: 0, Name: "a.bin", SizeBytes: 10, HasSize: true, State: StateListed}))

	files, err := s.ListFiles(task.ID)
	require.NoError(t, err)
	fileID := files[0].ID

	require.NoError(t, s.UpdateFileState(task.ID, fileID, StateSelected))
	require.NoError(t, s.UpdateFileState(task.ID, fileID, StateDownloading))
	require.NoError(t, s.MarkFileDone(task.ID, fileID, "/data/a.bin"))

	files, err = s.ListFiles(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, files[0].State)
	assert.Equal(t, "/data/a.bin", files[0].LocalPath)

	// done is terminal: no further transition is legal.
	err = s.UpdateFileState(task.ID, fileID, StateFailed)
	assert.Error(t, err)
}

func TestListTasksFilterAndPagination(t *testing.T) {
	s := setupTestDB(t)
	for i := 0; i < 3; i++ {
		_, err := s.CreateTask(CreateTaskParams{SourceType: "link", Identifier: "multi", Mode: "auto"})
		require.NoError(t, err)
	}

	tasks, total, err := s.ListTasks(ListFilter{Status: StatusQueued, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, tasks, 2)
}

func TestFindActiveByIdentifierExcludesTerminal(t *testing.T) {
	s := setupTestDB(t)
	task, err := s.CreateTask(CreateTaskParams{SourceType: "magnet", Identifier: "dup-me", Mode: "auto"})
	require.NoError(t, err)

	found, err := s.FindActiveByIdentifier("dup-me", "magnet")
	require.NoError(t, err)
	assert.Equal(t, task.ID, found.ID)

	_, err = s.UpdateStatus(task.ID, StatusFailed, "boom")
	require.NoError(t, err)

	_, err = s.FindActiveByIdentifier("dup-me", "magnet")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTaskCascades(t *testing.T) {
	s := setupTestDB(t)
	task, err := s.CreateTask(CreateTaskParams{SourceType: "link", Identifier: "del1", Mode: "auto"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertFile(task.ID, &TaskFile{Index: 0, Name: "x", SizeBytes: 1, HasSize: true, State: StateListed}))

	require.NoError(t, s.DeleteTask(task.ID))

	_, err = s.GetTask(task.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	files, err := s.ListFiles(task.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestDeleteTaskNotFound(t *testing.T) {
	s := setupTestDB(t)
	err := s.DeleteTask("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReservedBytesForTask(t *testing.T) {
	s := setupTestDB(t)
	task, err := s.CreateTask(CreateTaskParams{SourceType: "magnet", Identifier: "res1", Mode: "auto"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertFile(task.ID, &TaskFile{Index: 0, Name: "a", SizeBytes: 1000, HasSize: true, State: StateListed}))
	require.NoError(t, s.UpsertFile(task.ID, &TaskFile{Index: 1, Name: "b", SizeBytes: 2000, HasSize: true, State: StateDone}))

	need, err := s.ReservedBytesForTask(task.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, need)
}

func TestDedupRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	_, err := s.LookupDedup("xyz", "magnet")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RecordDedup("xyz", "magnet", "share-1", "task-1"))

	found, err := s.LookupDedup("xyz", "magnet")
	require.NoError(t, err)
	assert.Equal(t, "share-1", found.ShareID)
}

func TestAppSettingRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	assert.Equal(t, "", s.GetSetting("missing"))

	require.NoError(t, s.SetSetting("max_concurrent", "4"))
	assert.Equal(t, "4", s.GetSetting("max_concurrent"))

	require.NoError(t, s.SetSetting("max_concurrent", "8"))
	assert.Equal(t, "8", s.GetSetting("max_concurrent"))
}
