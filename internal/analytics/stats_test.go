package analytics

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"debridflow/internal/storage"
)

func newTestStatsManager(t *testing.T) *StatsManager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	store := storage.New(db, storage.NopNotifier{})
	return NewStatsManager(store, "/tmp")
}

func TestTrackDownloadBytesAccumulatesLifetimeAndDaily(t *testing.T) {
	sm := newTestStatsManager(t)

	require.NoError(t, sm.TrackDownloadBytes(1024))
	require.NoError(t, sm.TrackDownloadBytes(2048))

	total, err := sm.GetLifetimeStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3072), total)

	daily, err := sm.GetDailyStats(1)
	require.NoError(t, err)
	assert.Len(t, daily, 1)
	for _, v := range daily {
		assert.Equal(t, int64(3072), v)
	}
}

func TestTrackFileCompletedIncrementsCounter(t *testing.T) {
	sm := newTestStatsManager(t)

	require.NoError(t, sm.TrackFileCompleted())
	require.NoError(t, sm.TrackFileCompleted())

	total, err := sm.GetTotalFiles()
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestGetDailyStatsReturnsRequestedWindow(t *testing.T) {
	sm := newTestStatsManager(t)
	require.NoError(t, sm.TrackDownloadBytes(10))

	daily, err := sm.GetDailyStats(7)
	require.NoError(t, err)
	assert.Len(t, daily, 7)
}

func TestCurrentSpeedRoundTrips(t *testing.T) {
	sm := newTestStatsManager(t)
	assert.Equal(t, int64(0), sm.GetCurrentSpeed())
	sm.UpdateDownloadSpeed(5000)
	assert.Equal(t, int64(5000), sm.GetCurrentSpeed())
}

func TestGetAnalyticsBundlesEveryFigure(t *testing.T) {
	sm := newTestStatsManager(t)
	require.NoError(t, sm.TrackDownloadBytes(500))
	require.NoError(t, sm.TrackFileCompleted())

	snap, err := sm.GetAnalytics(7)
	require.NoError(t, err)
	assert.Equal(t, int64(500), snap.TotalDownloaded)
	assert.Equal(t, int64(1), snap.TotalFiles)
	assert.Len(t, snap.DailyHistory, 7)
}
