// Package core is the composition facade the daemon's HTTP surface (and any
// other future consumer) calls into: submit/get/list/select/cancel/delete,
// exactly the operation table in spec.md §6. It is the one place that wires
// the Task Store, Resolver, Dispatcher, and Provider Client together behind a
// single Go interface, grounded on the shape (not the internals) of the
// teacher's TachyonEngine in internal/core/engine.go — a single façade object
// the outer layer calls into rather than touching the components directly.
package core

import (
	"fmt"
	"log/slog"
	"os"

	"debridflow/internal/dispatcher"
	"debridflow/internal/filesystem"
	"debridflow/internal/provider"
	"debridflow/internal/resolver"
	"debridflow/internal/storage"
	"debridflow/internal/validate"
)

// Service is the orchestrator core. One Service per process.
type Service struct {
	store      *storage.Store
	layout     *filesystem.Layout
	resolver   *resolver.Resolver
	dispatcher *dispatcher.Dispatcher
	client     provider.Client
	log        *slog.Logger
}

// New builds a Service bound to its collaborators.
func New(store *storage.Store, layout *filesystem.Layout, res *resolver.Resolver, disp *dispatcher.Dispatcher, client provider.Client, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, layout: layout, resolver: res, dispatcher: disp, client: client, log: log}
}

// SubmitRequest is the input to Submit (spec.md §6).
type SubmitRequest struct {
	SourceType string // magnet, link, upload
	Source     string
	RawURL     string // populated for source_type=link
	Mode       string // auto, select
	Label      string
	Owner      string
}

// SubmitResult is the output of Submit.
type SubmitResult struct {
	TaskID string
	Status string
	Reused bool
}

// Submit validates and creates (or reuses) a task, per spec.md §4.2/§4.3's
// submission edge case: a resubmission whose identifier matches an
// in-progress or completed task returns that task's id instead of creating a
// new row.
func (s *Service) Submit(req SubmitRequest) (SubmitResult, error) {
	if req.Mode != resolver.ModeAuto && req.Mode != resolver.ModeSelect {
		return SubmitResult{}, fmt.Errorf("core: invalid mode %q", req.Mode)
	}
	if req.SourceType == "magnet" {
		if err := validate.MagnetLink(req.Source); err != nil {
			return SubmitResult{}, fmt.Errorf("core: %w", err)
		}
	}
	label, err := validate.Label(req.Label)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("core: %w", err)
	}

	identifier, err := resolver.Identifier(req.SourceType, []byte(req.Source), req.RawURL)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("core: %w", err)
	}

	if existing, err := s.store.FindActiveByIdentifier(identifier, req.SourceType); err == nil {
		return SubmitResult{TaskID: existing.ID, Status: existing.Status, Reused: true}, nil
	} else if err != storage.ErrNotFound {
		return SubmitResult{}, err
	}

	task, err := s.store.CreateTask(storage.CreateTaskParams{
		Label:      label,
		Mode:       req.Mode,
		SourceType: req.SourceType,
		Source:     req.Source,
		Identifier: identifier,
		Provider:   s.client.Name(),
		Owner:      req.Owner,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{TaskID: task.ID, Status: task.Status, Reused: false}, nil
}

// GetTask returns a task snapshot with its files.
func (s *Service) GetTask(taskID string) (*storage.Task, error) {
	if err := s.resolver.CheckSelectionTimeout(taskID); err != nil {
		s.log.Warn("check selection timeout", "task_id", taskID, "err", err)
	}
	return s.store.GetTask(taskID)
}

// ListTasks returns tasks matching filter and the total count.
func (s *Service) ListTasks(filter storage.ListFilter) ([]storage.Task, int64, error) {
	return s.store.ListTasks(filter)
}

// Select applies a user's file selection to a task awaiting one.
func (s *Service) Select(taskID string, fileIDs []string) (*storage.Task, error) {
	if err := s.resolver.Select(taskID, fileIDs); err != nil {
		return nil, err
	}
	return s.store.GetTask(taskID)
}

// Cancel transitions a task to canceled and stops any of its in-flight
// downloads (spec.md §4.5 "Cancellation").
func (s *Service) Cancel(taskID string) (*storage.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if !storage.CanTransition(task.Status, storage.StatusCanceled) {
		return nil, fmt.Errorf("core: task %s cannot be canceled from status %s", taskID, task.Status)
	}
	s.dispatcher.Cancel(taskID)
	if _, err := s.store.UpdateStatus(taskID, storage.StatusCanceled, "canceled by user"); err != nil {
		return nil, err
	}
	return s.store.GetTask(taskID)
}

// Delete removes a task row and, if purgeFiles is set, its on-disk artifacts.
func (s *Service) Delete(taskID string, purgeFiles bool) error {
	s.dispatcher.Cancel(taskID)
	if purgeFiles {
		if err := os.RemoveAll(s.layout.TaskDir(taskID)); err != nil {
			return fmt.Errorf("core: purge files: %w", err)
		}
	}
	return s.store.DeleteTask(taskID)
}
