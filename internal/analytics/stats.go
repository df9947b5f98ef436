// Package analytics tracks lifetime and daily download statistics and
// exposes disk usage, for the operator-facing analytics surface
// (spec.md §6's read-only reporting operations).
//
// Grounded on the teacher's StatsManager (internal/analytics/stats.go),
// generalized from its SQL-upsert DailyStat table to the KV-style
// IncrementStat/GetStatInt pattern shown by the teacher's alternate
// internal/core/stats.go, since debridflow's storage package has no
// DailyStat model and adding one would duplicate the AppSetting table
// already present for runtime config.
package analytics

import (
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"

	"debridflow/internal/storage"
)

// DiskUsageInfo reports space usage for the volume backing a task's files.
type DiskUsageInfo struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// Snapshot bundles every analytics figure into one payload, for a single
// "analytics" read operation.
type Snapshot struct {
	TotalDownloaded int64            `json:"total_downloaded"`
	TotalFiles      int64            `json:"total_files"`
	DailyHistory    map[string]int64 `json:"daily_history"`
	DiskUsage       DiskUsageInfo    `json:"disk_usage"`
}

// StatsManager tracks lifetime download statistics atop the Task Store's
// AppSetting table and reports disk usage for the storage root.
type StatsManager struct {
	store        *storage.Store
	storageRoot  string
	currentSpeed int64 // atomic, bytes/sec, instantaneous
}

// NewStatsManager builds a StatsManager. storageRoot is the directory whose
// volume usage GetDiskUsage reports (normally the configured download root).
func NewStatsManager(store *storage.Store, storageRoot string) *StatsManager {
	return &StatsManager{store: store, storageRoot: storageRoot}
}

// UpdateDownloadSpeed records the current aggregate download rate as reported
// by the caller; nothing in the daemon samples it on its own.
func (sm *StatsManager) UpdateDownloadSpeed(bytesPerSec int64) {
	atomic.StoreInt64(&sm.currentSpeed, bytesPerSec)
}

// GetCurrentSpeed returns the most recently recorded aggregate rate.
func (sm *StatsManager) GetCurrentSpeed() int64 {
	return atomic.LoadInt64(&sm.currentSpeed)
}

// TrackDownloadBytes records bytes as completed, both lifetime and for
// today, called once per file by the dispatcher's completion path.
func (sm *StatsManager) TrackDownloadBytes(bytes int64) error {
	return sm.store.IncrementDailyBytes(bytes)
}

// TrackFileCompleted increments the lifetime completed-file counter.
func (sm *StatsManager) TrackFileCompleted() error {
	return sm.store.IncrementDailyFiles()
}

// GetLifetimeStats returns the all-time sum of TrackDownloadBytes calls.
func (sm *StatsManager) GetLifetimeStats() (int64, error) {
	return sm.store.GetTotalLifetime()
}

// GetTotalFiles returns the all-time count of TrackFileCompleted calls.
func (sm *StatsManager) GetTotalFiles() (int64, error) {
	return sm.store.GetTotalFiles()
}

// GetDailyStats returns the last n days of bytes downloaded, keyed by date.
func (sm *StatsManager) GetDailyStats(days int) (map[string]int64, error) {
	return sm.store.GetDailyHistory(days)
}

// GetDiskUsage reports space usage for the storage root's volume.
func (sm *StatsManager) GetDiskUsage() DiskUsageInfo {
	if sm.storageRoot == "" {
		return DiskUsageInfo{}
	}
	usage, err := disk.Usage(sm.storageRoot)
	if err != nil {
		return DiskUsageInfo{}
	}
	const gb = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / gb,
		FreeGB:  float64(usage.Free) / gb,
		TotalGB: float64(usage.Total) / gb,
		Percent: usage.UsedPercent,
	}
}

// GetAnalytics bundles every figure above into one snapshot for the
// analytics read operation.
func (sm *StatsManager) GetAnalytics(dailyWindow int) (Snapshot, error) {
	total, err := sm.GetLifetimeStats()
	if err != nil {
		return Snapshot{}, err
	}
	files, err := sm.GetTotalFiles()
	if err != nil {
		return Snapshot{}, err
	}
	daily, err := sm.GetDailyStats(dailyWindow)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		TotalDownloaded: total,
		TotalFiles:      files,
		DailyHistory:    daily,
		DiskUsage:       sm.GetDiskUsage(),
	}, nil
}
