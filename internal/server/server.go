package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GalaxyXieyu/xhs-runner/internal/db"
	"github.com/GalaxyXieyu/xhs-runner/internal/manager"
	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

const defaultHeartbeat = 15 * time.Second

// Service is the task API the server exposes. *manager.Manager implements it.
type Service interface {
	Submit(ctx context.Context, payload models.SubmitPayload) (*models.SubmitResult, error)
	Status(ctx context.Context, taskID int64) (*models.TaskStatusView, error)
	Events(ctx context.Context, taskID int64, fromIndex int) ([]models.Event, error)
	List(ctx context.Context, filter models.TaskFilter) ([]*models.TaskStatusView, error)
	Respond(ctx context.Context, taskID int64, resp models.HitlResponse) (*manager.RespondResult, error)
	Delete(ctx context.Context, ids []int64) (int, error)
	Subscribe(taskID int64, fn func(models.Event)) func()
}

type Server struct {
	svc       Service
	logger    *slog.Logger
	heartbeat time.Duration
	server    *http.Server
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHeartbeat sets the interval of SSE keep-alive comments.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: slog.Default(), heartbeat: defaultHeartbeat}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/tasks", s.handleSubmit)
	mux.HandleFunc("GET /api/tasks", s.handleList)
	mux.HandleFunc("POST /api/tasks/batch-delete", s.handleBatchDelete)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleStatus)
	mux.HandleFunc("GET /api/tasks/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/tasks/{id}/respond", s.handleRespond)
	return mux
}

func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload models.SubmitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.svc.Submit(r.Context(), payload)
	if err != nil {
		s.fail(w, "submit", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter models.TaskFilter
	if raw := q.Get("status"); raw != "" {
		status := models.TaskStatus(raw)
		filter.Status = &status
	}
	if raw := q.Get("themeId"); raw != "" {
		if themeID, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.ThemeID = &themeID
		}
	}
	filter.TimeRange = q.Get("time_range")
	filter.Limit = queryInt(q.Get("limit"))
	filter.Offset = queryInt(q.Get("offset"))

	views, err := s.svc.List(r.Context(), filter)
	if err != nil {
		s.fail(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	view, err := s.svc.Status(r.Context(), id)
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var resp models.HitlResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.svc.Respond(r.Context(), id, resp)
	if err != nil {
		s.fail(w, "respond", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	deleted, err := s.svc.Delete(r.Context(), req.IDs)
	if err != nil {
		s.fail(w, "batch delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
}

// fail maps domain errors to HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "err", err)
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotAwaitingResponse):
		return http.StatusConflict
	case errors.Is(err, models.ErrMissingPrompt),
		errors.Is(err, models.ErrMissingTheme),
		errors.Is(err, models.ErrInvalidAction),
		errors.Is(err, models.ErrFeedbackRequired),
		errors.Is(err, models.ErrHitlNotEnabled),
		errors.Is(err, db.ErrBatchTooLarge):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return 0, false
	}
	return id, true
}

func queryInt(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
