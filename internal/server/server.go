// Package server exposes the task loop over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/throw-if-null/prime/internal/agent"
	"github.com/throw-if-null/prime/internal/api"
	"github.com/throw-if-null/prime/internal/audit"
	"github.com/throw-if-null/prime/internal/llm"
	"github.com/throw-if-null/prime/internal/notify"
	"github.com/throw-if-null/prime/internal/paths"
	"github.com/throw-if-null/prime/internal/store"
)

const (
	maxBodyBytes   = 1 << 20
	maxLogBytes    = 5 << 20
	statusTimeout  = 5 * time.Second
	defaultHistory = 50
)

// Tasks is the lifecycle manager as seen by the API.
type Tasks interface {
	Submit(ctx context.Context, req api.CreateTaskRequest) (api.CreateTaskResponse, error)
	Cancel(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (api.TaskView, error)
	List() []api.Task
	Active() int
}

type Store interface {
	ListAudit(ctx context.Context, taskID int64, tail int) ([]api.AuditEntry, error)
	ListHistory(ctx context.Context, limit, offset int) ([]api.HistoryEntry, error)
}

type Server struct {
	tasks    Tasks
	store    Store
	provider llm.Provider
	model    string
	hub      *notify.Hub
	root     string
	logger   *zap.Logger
}

// New returns a server. root is the project root audit files live under.
func New(tasks Tasks, st Store, provider llm.Provider, model string, hub *notify.Hub, root string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{tasks: tasks, store: st, provider: provider, model: model, hub: hub, root: root, logger: logger.Named("server")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/goals", s.handleSubmit)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{task_id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{task_id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /v1/tasks/{task_id}/logs", s.handleTaskLogs)
	mux.HandleFunc("GET /v1/tasks/{task_id}/logs/{filename}", s.handleTaskLogFile)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	if s.hub != nil {
		mux.Handle("GET /v1/ws", notify.Handler(s.hub, func(context.Context) []api.Task { return s.tasks.List() }, s.logger))
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TaskID < 0 {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}

	resp, err := s.tasks.Submit(r.Context(), req)
	switch {
	case errors.Is(err, agent.ErrEmptyGoal):
		http.Error(w, "goal is required", http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrExists):
		http.Error(w, "task_id already exists", http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("submit", zap.Error(err))
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tasks.List())
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := paths.ParseTaskID(r.PathValue("task_id"))
	if err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	v, err := s.tasks.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	err := s.tasks.Cancel(r.Context(), id)
	if errors.Is(err, agent.ErrNotActive) {
		http.Error(w, "task not found or not active", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to cancel task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": api.StatusCancelled})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid tail", http.StatusBadRequest)
			return
		}
		tail = n
	}
	entries, err := s.store.ListAudit(r.Context(), id, tail)
	if err != nil {
		http.Error(w, "failed to read logs", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []api.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTaskLogFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	name := r.PathValue("filename")
	if err := paths.ValidateLogName(name); err != nil {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}
	b, err := audit.ReadFile(s.root, id, name)
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read log", http.StatusInternalServerError)
		return
	}
	if len(b) > maxLogBytes {
		http.Error(w, "log too large", http.StatusRequestEntityTooLarge)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write(b)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := defaultHistory, 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		offset = n
	}
	hist, err := s.store.ListHistory(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, "failed to read history", http.StatusInternalServerError)
		return
	}
	if hist == nil {
		hist = []api.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := api.StatusResponse{Model: s.model, ActiveTasks: s.tasks.Active()}
	if s.provider != nil {
		resp.Provider = s.provider.Name()
		if lister, ok := s.provider.(llm.ModelLister); ok {
			ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
			defer cancel()
			models, err := lister.Models(ctx)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Reachable = true
				resp.Models = models
			}
		} else {
			resp.Error = "provider does not list models"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
