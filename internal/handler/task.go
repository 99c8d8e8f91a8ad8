package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hiroki-koketsu/taskminder/internal/model"
	"github.com/hiroki-koketsu/taskminder/internal/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/taskminder/internal/handler")

// TaskHandler serves the JSON API for tasks.
type TaskHandler struct {
	svc    *service.TaskService
	logger *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(svc *service.TaskService, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		svc:    svc,
		logger: logger,
	}
}

// Routes returns the chi router with task routes.
func (h *TaskHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/search", h.Search)
	r.Get("/{id}", h.GetByID)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)

	return r
}

type listResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Counts model.Counts  `json:"counts"`
}

// List returns all tasks with their counts.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "TaskHandler.List")
	defer span.End()

	tasks, counts, err := h.svc.List(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list tasks", slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	h.respondJSON(w, http.StatusOK, listResponse{Tasks: tasks, Counts: counts})
}

// Search returns tasks whose title contains the query parameter.
func (h *TaskHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "TaskHandler.Search")
	defer span.End()

	tasks, err := h.svc.Search(ctx, r.URL.Query().Get("query"))
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to search tasks", slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "failed to search tasks")
		return
	}

	h.respondJSON(w, http.StatusOK, tasks)
}

// Create adds a new task.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "TaskHandler.Create")
	defer span.End()

	var req model.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body", slog.Any("error", err))
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := h.svc.Add(ctx, req)
	if err != nil {
		h.fail(w, r, "create task", err)
		return
	}

	span.SetAttributes(attribute.String("task.id", task.ID))
	h.respondJSON(w, http.StatusCreated, task)
}

// GetByID returns a task by ID.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := tracer.Start(r.Context(), "TaskHandler.GetByID",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	task, err := h.svc.Get(ctx, id)
	if err != nil {
		h.fail(w, r, "get task", err)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
}

// Update modifies an existing task.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := tracer.Start(r.Context(), "TaskHandler.Update",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	var req model.UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body", slog.Any("error", err))
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := h.svc.Update(ctx, id, req)
	if err != nil {
		h.fail(w, r, "update task", err)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
}

// Delete removes a task.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := tracer.Start(r.Context(), "TaskHandler.Delete",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	if err := h.svc.Delete(ctx, id); err != nil {
		h.fail(w, r, "delete task", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health returns a health check response.
func (h *TaskHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail maps service errors onto status codes.
func (h *TaskHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()

	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		h.logger.WarnContext(ctx, "validation failed", slog.String("op", op), slog.Any("error", err))
		h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Message, "field": verr.Field})
	case errors.Is(err, model.ErrTaskNotFound):
		h.logger.WarnContext(ctx, "task not found", slog.String("op", op), slog.String("id", chi.URLParam(r, "id")))
		h.respondError(w, http.StatusNotFound, "task not found")
	default:
		h.logger.ErrorContext(ctx, "failed to "+op, slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *TaskHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
