// Package provider implements C2: a capability interface over an external
// debrid provider, normalizing divergent response shapes to a single
// {files: [{name, size, locked_url}]} contract at the adapter boundary, per
// spec.md §4.2 and the "duck-typed provider clients" design note.
package provider

import (
	"context"
	"errors"
)

// ErrTerminal wraps a provider-reported terminal failure (e.g. a dead
// magnet). The resolver treats this as Permanent provider error (spec §7).
type ErrTerminal struct {
	Reason string
}

func (e *ErrTerminal) Error() string { return "provider: terminal: " + e.Reason }

// File is one manifest entry as seen by the orchestrator, after adapter-level
// normalization.
type File struct {
	Name      string
	Size      int64
	HasSize   bool
	LockedURL string
}

// StatusResult is one poll of a provider_ref.
type StatusResult struct {
	Files    []File
	Terminal bool
	Reason   string
}

// Client is the capability set every provider adapter must implement. Upload
// and Status are called strictly sequentially per task by the resolver;
// Unlock may be called concurrently across tasks up to a configured cap
// (spec §4.2).
type Client interface {
	// Upload submits a magnet or link and returns an opaque provider_ref.
	Upload(ctx context.Context, sourceType, source string) (providerRef string, err error)
	// Status polls a provider_ref for its current manifest.
	Status(ctx context.Context, providerRef string) (StatusResult, error)
	// Unlock resolves a locked URL to a time-limited direct download URL.
	Unlock(ctx context.Context, lockedURL string) (directURL string, err error)
	// Name identifies the provider for logging and the Task.Provider tag.
	Name() string
}

// ErrUnsupportedSourceType is returned by Upload when the adapter does not
// handle the given source type (e.g. a link-only provider given a magnet).
var ErrUnsupportedSourceType = errors.New("provider: unsupported source type")
