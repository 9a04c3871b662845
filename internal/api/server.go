// Package api exposes the read-mostly HTTP interface for pipeline status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/metrics"
	"github.com/caseforge/casekb/internal/store"
)

const defaultTaskListLimit = 50

// Server wires HTTP handlers to the tracking repositories.
type Server struct {
	router  chi.Router
	tasks   store.TaskRepo
	pages   store.PageRepo
	records store.CaseRecordRepo
	imports store.ImportRepo
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	tasks store.TaskRepo,
	pages store.PageRepo,
	records store.CaseRecordRepo,
	imports store.ImportRepo,
	logger *zap.Logger,
) *Server {
	s := &Server{
		tasks:   tasks,
		pages:   pages,
		records: records,
		imports: imports,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Get("/pages", s.listTaskPages)
				r.Get("/records", s.listTaskRecords)
			})
		})
		r.Route("/imports", func(r chi.Router) {
			r.Route("/{import_id}", func(r chi.Router) {
				r.Get("/", s.getImport)
				r.Get("/errors", s.listImportErrors)
				r.Post("/cancel", s.cancelImport)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// A cheap repository round trip proves the backing store is reachable.
	if _, err := s.tasks.List(r.Context(), "", 1); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "task repository unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultTaskListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	status := store.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.tasks.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to fetch task")
		return
	}
	history, err := s.tasks.History(r.Context(), taskID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch task history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"task":    task,
		"history": history,
	})
}

func (s *Server) listTaskPages(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	var (
		pages []*store.ListPageRecord
		err   error
	)
	if r.URL.Query().Get("failed") == "true" {
		pages, err = s.pages.ListFailed(r.Context(), taskID)
	} else {
		pages, err = s.pages.ListByTask(r.Context(), taskID)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list pages")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

func (s *Server) listTaskRecords(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	records, err := s.records.ListByTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list case records")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) getImport(w http.ResponseWriter, r *http.Request) {
	importID := chi.URLParam(r, "import_id")
	imp, err := s.imports.Get(r.Context(), importID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "import not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to fetch import")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"import": imp})
}

func (s *Server) listImportErrors(w http.ResponseWriter, r *http.Request) {
	importID := chi.URLParam(r, "import_id")
	importErrors, err := s.imports.ListErrors(r.Context(), importID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list import errors")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"errors": importErrors})
}

// cancelImport flips a pending or running import to cancelled. The import
// stage re-reads its row between files and honors the new status there.
func (s *Server) cancelImport(w http.ResponseWriter, r *http.Request) {
	importID := chi.URLParam(r, "import_id")
	imp, err := s.imports.Get(r.Context(), importID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "import not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to fetch import")
		return
	}
	if imp.Status != store.ImportPending && imp.Status != store.ImportRunning {
		s.writeError(w, http.StatusConflict, "import is not cancellable")
		return
	}
	now := time.Now().UTC()
	imp.Status = store.ImportCancelled
	imp.CancelledAt = &now
	if err := s.imports.Update(r.Context(), imp); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to cancel import")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"import_id": importID,
		"status":    string(store.ImportCancelled),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
