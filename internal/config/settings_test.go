package config

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"debridflow/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	return storage.New(db, storage.NopNotifier{})
}

func TestManagerFallsBackToStaticDefault(t *testing.T) {
	s := newTestStore(t)
	static := Config{GlobalQueueLimit: 25, PerTaskMaxActive: 3, PerTaskMaxQueued: 9}
	m := NewManager(s, static)

	assert.Equal(t, 25, m.GlobalQueueLimit())
	assert.Equal(t, 3, m.PerTaskMaxActive())
	assert.Equal(t, 9, m.PerTaskMaxQueued())
}

func TestManagerPersistsOverride(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, Config{GlobalQueueLimit: 25})

	require.NoError(t, m.SetGlobalQueueLimit(40))
	assert.Equal(t, 40, m.GlobalQueueLimit())
}

func TestManagerBandwidthLimitDefaultsUnlimited(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, Config{})
	assert.Equal(t, 0, m.BandwidthLimitBps())

	require.NoError(t, m.SetBandwidthLimitBps(1024))
	assert.Equal(t, 1024, m.BandwidthLimitBps())
}

func TestLoadUsesDefaultsWhenEnvUnset(t *testing.T) {
	c := Load()
	assert.Equal(t, "/srv/storage", c.StorageRoot)
	assert.Equal(t, 25, c.GlobalQueueLimit)
	assert.Equal(t, int64(10*1024*1024*1024), c.LowSpaceFloorBytes())
}
