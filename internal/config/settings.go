// Package config holds the static, environment-seeded Config envelope
// (spec.md §6) and the ConfigManager layer over mutable runtime knobs
// persisted in the AppSetting table, the way the teacher layers its
// ConfigManager over storage.GetString/SetString.
package config

import (
	"os"
	"strconv"
	"time"

	"debridflow/internal/storage"
)

// AppSetting keys for mutable runtime overrides.
const (
	KeyGlobalQueueLimit  = "global_queue_limit"
	KeyPerTaskMaxActive  = "per_task_max_active"
	KeyPerTaskMaxQueued  = "per_task_max_queued"
	KeyBandwidthLimitBps = "bandwidth_limit_bps"
	KeyUserAgent         = "user_agent"
)

// Config is the static configuration envelope from spec.md §6, populated
// from environment variables with the listed defaults.
type Config struct {
	StorageRoot      string
	LowSpaceFloorGB  int

	GlobalQueueLimit int
	PerTaskMaxActive int
	PerTaskMaxQueued int
	Segments         int

	WorkerLoopInterval     time.Duration
	ProgressMonitorInterval time.Duration
	ResolvePollDelay       time.Duration
	MaxResolveAttempts     int
	HeartbeatInterval      time.Duration
	RefreshInterval        time.Duration
	EmptyFilesPoll         time.Duration
	MaxEmptyWait           time.Duration
	SelectionTimeout       time.Duration

	RetentionDays      int
	PartialMaxAgeHours int

	ProviderRateLimitRPS float64
	ProviderRateBurst    int

	SegmentMinBytes int64
	DLRetries       int
	MinFreeBytes    int64

	APIAddr string
}

// Load builds a Config from the environment, falling back to spec.md §6's
// defaults for anything unset.
func Load() Config {
	return Config{
		StorageRoot:     envString("STORAGE_ROOT", "/srv/storage"),
		LowSpaceFloorGB: envInt("LOW_SPACE_FLOOR_GB", 10),

		GlobalQueueLimit: envInt("GLOBAL_QUEUE_LIMIT", 25),
		PerTaskMaxActive: envInt("PER_TASK_MAX_ACTIVE", 3),
		PerTaskMaxQueued: envInt("PER_TASK_MAX_QUEUED", 9),
		Segments:         envInt("SEGMENTS", 4),

		WorkerLoopInterval:      envDuration("WORKER_LOOP_INTERVAL", 2*time.Second),
		ProgressMonitorInterval: envDuration("PROGRESS_MONITOR_INTERVAL", 1*time.Second),
		ResolvePollDelay:        envDuration("RESOLVE_POLL_DELAY", 5*time.Second),
		MaxResolveAttempts:      envInt("MAX_RESOLVE_ATTEMPTS", 240),
		HeartbeatInterval:       envDuration("HEARTBEAT_INTERVAL", 25*time.Second),
		RefreshInterval:         envDuration("REFRESH_INTERVAL", 5*time.Second),
		EmptyFilesPoll:          envDuration("EMPTY_FILES_POLL", 500*time.Millisecond),
		MaxEmptyWait:            envDuration("MAX_EMPTY_WAIT", 60*time.Second),
		SelectionTimeout:        envDuration("SELECTION_TIMEOUT", 15*time.Minute),

		RetentionDays:      envInt("RETENTION_DAYS", 7),
		PartialMaxAgeHours: envInt("PARTIAL_MAX_AGE_HOURS", 24),

		ProviderRateLimitRPS: envFloat("PROVIDER_RATE_RPS", 2),
		ProviderRateBurst:    envInt("PROVIDER_RATE_BURST", 4),

		SegmentMinBytes: envInt64("SEGMENT_MIN_BYTES", 512*1024*1024),
		DLRetries:       envInt("DL_RETRIES", 2),
		MinFreeBytes:    envInt64("MIN_FREE_BYTES", 5*1024*1024*1024),

		APIAddr: envString("API_ADDR", ":8080"),
	}
}

func (c Config) LowSpaceFloorBytes() int64 {
	return int64(c.LowSpaceFloorGB) * 1024 * 1024 * 1024
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Manager layers mutable runtime overrides (concurrency caps, bandwidth
// limit) on top of a static Config, persisted through the AppSetting table so
// they survive a restart without needing a redeploy.
type Manager struct {
	store  *storage.Store
	static Config
}

// NewManager builds a Manager bound to store and the process's static Config.
func NewManager(store *storage.Store, static Config) *Manager {
	return &Manager{store: store, static: static}
}

func (m *Manager) GlobalQueueLimit() int {
	return m.intSetting(KeyGlobalQueueLimit, m.static.GlobalQueueLimit)
}

func (m *Manager) SetGlobalQueueLimit(n int) error {
	return m.store.SetSetting(KeyGlobalQueueLimit, strconv.Itoa(n))
}

func (m *Manager) PerTaskMaxActive() int {
	return m.intSetting(KeyPerTaskMaxActive, m.static.PerTaskMaxActive)
}

func (m *Manager) SetPerTaskMaxActive(n int) error {
	return m.store.SetSetting(KeyPerTaskMaxActive, strconv.Itoa(n))
}

func (m *Manager) PerTaskMaxQueued() int {
	return m.intSetting(KeyPerTaskMaxQueued, m.static.PerTaskMaxQueued)
}

func (m *Manager) SetPerTaskMaxQueued(n int) error {
	return m.store.SetSetting(KeyPerTaskMaxQueued, strconv.Itoa(n))
}

// BandwidthLimitBps returns the configured global bandwidth cap in bytes/sec,
// or 0 for unlimited.
func (m *Manager) BandwidthLimitBps() int {
	return m.intSetting(KeyBandwidthLimitBps, 0)
}

func (m *Manager) SetBandwidthLimitBps(n int) error {
	return m.store.SetSetting(KeyBandwidthLimitBps, strconv.Itoa(n))
}

func (m *Manager) UserAgent() string {
	return m.store.GetSetting(KeyUserAgent)
}

func (m *Manager) SetUserAgent(ua string) error {
	return m.store.SetSetting(KeyUserAgent, ua)
}

func (m *Manager) intSetting(key string, def int) int {
	val := m.store.GetSetting(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
