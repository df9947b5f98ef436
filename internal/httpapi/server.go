// Package httpapi is the thin internal HTTP adapter: the one concrete,
// callable consumer of core.Service, implementing exactly the operation
// table in spec.md §6 (submit/get-task/list-tasks/select/cancel/delete/
// subscribe). It carries no auth, session, or HTML surface — out of scope
// per spec.md §1 — and exists only because the core must expose something
// over the wire.
//
// Grounded on the teacher's ControlServer (internal/api/server.go): the
// chi.Mux + middleware.Logger/Recoverer setup and the concurrency-limit
// middleware shape are kept; the teacher's loopback/token "securityMiddleware"
// is dropped (no SPEC_FULL.md operation calls for auth) and its route table is
// replaced wholesale with the §6 operations.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"debridflow/internal/core"
	"debridflow/internal/eventbus"
	"debridflow/internal/storage"
)

// Server is the chi-backed HTTP adapter over core.Service.
type Server struct {
	svc    *core.Service
	bus    *eventbus.Bus
	log    *slog.Logger
	router *chi.Mux

	maxConcurrent int64
	activeReqs    int64
}

// New builds a Server. maxConcurrent bounds in-flight requests (0 = no cap),
// the way the teacher's concurrencyLimitMiddleware bounds AI control calls.
func New(svc *core.Service, bus *eventbus.Bus, log *slog.Logger, maxConcurrent int) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{svc: svc, bus: bus, log: log, maxConcurrent: int64(maxConcurrent), router: chi.NewRouter()}
	s.routes()
	return s
}

// Handler returns the HTTP handler for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/v1/tasks", s.handleSubmit)
	s.router.Get("/v1/tasks", s.handleListTasks)
	s.router.Get("/v1/tasks/{id}", s.handleGetTask)
	s.router.Post("/v1/tasks/{id}/select", s.handleSelect)
	s.router.Post("/v1/tasks/{id}/cancel", s.handleCancel)
	s.router.Delete("/v1/tasks/{id}", s.handleDelete)
	s.router.Get("/v1/tasks/{id}/subscribe", s.handleSubscribe)
}

func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.maxConcurrent <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)
		if current > s.maxConcurrent {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	SourceType string `json:"source_type"`
	Source     string `json:"source"`
	RawURL     string `json:"raw_url,omitempty"`
	Mode       string `json:"mode"`
	Label      string `json:"label,omitempty"`
	Owner      string `json:"owner,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.svc.Submit(core.SubmitRequest{
		SourceType: req.SourceType,
		Source:     req.Source,
		RawURL:     req.RawURL,
		Mode:       req.Mode,
		Label:      req.Label,
		Owner:      req.Owner,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.svc.GetTask(id)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ListFilter{
		Status: q.Get("status"),
		Limit:  atoiDefault(q.Get("limit"), 50),
		Offset: atoiDefault(q.Get("offset"), 0),
	}
	tasks, total, err := s.svc.ListTasks(filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

type selectRequest struct {
	FileIDs []string `json:"file_ids"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	task, err := s.svc.Select(id, req.FileIDs)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.svc.Cancel(id)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	purge := r.URL.Query().Get("purge_files") == "true"
	if err := s.svc.Delete(id, purge); err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sseSink adapts an http.ResponseWriter+Flusher into an eventbus.Sink,
// writing one "data: <json>\n\n" frame per event (text/event-stream).
type sseSink struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s sseSink) Send(e eventbus.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// handleSubscribe streams task events as Server-Sent Events, per spec.md §4.7.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.svc.GetTask(id)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe(id)
	defer sub.Close()

	snapshot := func(taskID string) (any, error) {
		return s.svc.GetTask(taskID)
	}
	pump := eventbus.NewPump(sub, snapshot, sseSink{w: w, f: flusher}, eventbus.DefaultTimers())
	if err := pump.Run(r.Context(), id, task.Mode, task.Status); err != nil {
		s.log.Debug("subscribe stream ended", "task_id", id, "err", err)
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeNotFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe starts the HTTP server on addr, suitable for the daemon's
// composition root to run in a goroutine.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
