// Package storage holds the durable task store (C1): the GORM models backing
// every task, file, event, and dedup record, plus the transactional store that
// mutates them.
package storage

import (
	"time"

	"gorm.io/gorm"
)

// Task is one user submission moving through the resolve/download lifecycle.
// Status only ever advances along the arrows in the task state machine; see
// Store.UpdateStatus for the transition guard.
type Task struct {
	ID           string         `gorm:"primaryKey" json:"id"`
	Label        string         `json:"label"`
	Mode         string         `json:"mode"`        // auto, select
	SourceType   string         `json:"source_type"` // magnet, link, upload
	Source       string         `json:"source"`
	Identifier   string         `gorm:"index" json:"identifier"` // 40-hex infohash or link hash
	Provider     string         `json:"provider"`
	ProviderRef  string         `json:"provider_ref"`
	Status       string         `gorm:"index" json:"status"`
	ProgressPct  float64        `json:"progress_pct"`
	Owner        string         `json:"owner,omitempty"`
	FailReason   string         `json:"fail_reason,omitempty"`
	SelectBy     *time.Time     `json:"select_by,omitempty"` // selection-timeout deadline
	ResolveUntil *time.Time     `json:"resolve_until,omitempty"`
	PurgeFiles   bool           `gorm:"-" json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`

	Files  []TaskFile  `gorm:"constraint:OnDelete:CASCADE" json:"files,omitempty"`
	Events []TaskEvent `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// TaskFile is one downloadable artifact belonging to a Task's provider manifest.
type TaskFile struct {
	ID              string `gorm:"primaryKey" json:"id"`
	TaskID          string `gorm:"index" json:"task_id"`
	Index           int    `json:"index"`
	Name            string `json:"name"`
	SizeBytes       int64  `json:"size_bytes"`
	HasSize         bool   `json:"has_size"`
	State           string `gorm:"index" json:"state"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	LocalPath       string `json:"local_path,omitempty"`
	UnlockedURL     string `json:"-"`
	LockedURL       string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for TaskFile.
func (TaskFile) TableName() string {
	return "task_files"
}

// TaskEvent is an append-only diagnostic record for a task, distinct from the
// live event bus: it is the post-hoc record and the stream's replay window.
type TaskEvent struct {
	ID      string    `gorm:"primaryKey" json:"id"`
	TaskID  string    `gorm:"index" json:"task_id"`
	Ts      time.Time `gorm:"index" json:"ts"`
	Level   string    `json:"level"` // debug, info, warning, error, progress
	Event   string    `json:"event"`
	Payload string    `json:"payload"` // opaque JSON blob
}

// TableName specifies the table name for TaskEvent.
func (TaskEvent) TableName() string {
	return "task_events"
}

// DedupEntry maps a (identifier, source_type) pair to an already-materialized
// share. Presence is advisory only; absence is not a guarantee of absence from
// disk (the caller must still re-verify the share exists before trusting it).
type DedupEntry struct {
	Identifier string    `gorm:"primaryKey" json:"identifier"`
	SourceType string    `gorm:"primaryKey" json:"source_type"`
	ShareID    string    `json:"share_id"`
	TaskID     string    `json:"task_id"`
	FirstSeen  time.Time `json:"first_seen_ts"`
}

// TableName specifies the table name for DedupEntry.
func (DedupEntry) TableName() string {
	return "dedup_entries"
}

// AppSetting stores key/value runtime configuration overrides, mutable without
// a process restart (concurrency caps, bandwidth limit, feature flags).
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// TableName specifies the table name for AppSetting.
func (AppSetting) TableName() string {
	return "app_settings"
}
