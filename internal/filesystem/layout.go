package filesystem

import "path/filepath"

// ControlFileSuffix marks a file still in progress. Its presence is the
// sidecar signal the Progress Monitor (C6) watches for; a file whose control
// path has vanished and whose output exists is complete (spec.md §6, §8).
const ControlFileSuffix = ".progress.ctrl"

// Layout resolves the on-disk paths for one task, per spec.md §6:
// <ROOT>/<task_id>/files/<name>, .../metadata.json, .../logs.json, and the
// sidecar control file <name>.progress.ctrl next to each in-progress file.
type Layout struct {
	Root string
}

// NewLayout binds a Layout to a storage root.
func NewLayout(root string) *Layout {
	return &Layout{Root: root}
}

// TaskDir returns <ROOT>/<task_id>.
func (l *Layout) TaskDir(taskID string) string {
	return filepath.Join(l.Root, taskID)
}

// FilesDir returns <ROOT>/<task_id>/files.
func (l *Layout) FilesDir(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "files")
}

// FilePath returns <ROOT>/<task_id>/files/<name>.
func (l *Layout) FilePath(taskID, name string) string {
	return filepath.Join(l.FilesDir(taskID), name)
}

// ControlPath returns the sidecar control path for a given file path.
func (l *Layout) ControlPath(filePath string) string {
	return filePath + ControlFileSuffix
}

// MetadataPath returns <ROOT>/<task_id>/metadata.json.
func (l *Layout) MetadataPath(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "metadata.json")
}

// LogsPath returns <ROOT>/<task_id>/logs.json, the append-only per-task
// diagnostic log (spec.md §6, §9 "JSON log lines... retain as operator-facing
// artifact").
func (l *Layout) LogsPath(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "logs.json")
}
