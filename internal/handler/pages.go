package handler

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hiroki-koketsu/taskminder/internal/model"
	"github.com/hiroki-koketsu/taskminder/internal/service"
	"github.com/hiroki-koketsu/taskminder/internal/web"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const flashCookie = "flash"

// page is the data passed to every template.
type page struct {
	Flash   string
	Minimal bool
	Tasks   []*model.Task
	Counts  model.Counts
	Query   string
	Form    taskForm
	Error   string
	ID      string
	Lead    time.Duration
}

// PageHandler serves the HTML pages.
type PageHandler struct {
	svc      *service.TaskService
	renderer *web.Renderer
	logger   *slog.Logger
	minimal  bool
	lead     time.Duration
}

// NewPageHandler creates a PageHandler. In minimal mode GET /update/{id}
// toggles completion instead of showing the edit form.
func NewPageHandler(svc *service.TaskService, renderer *web.Renderer, logger *slog.Logger, minimal bool, lead time.Duration) *PageHandler {
	return &PageHandler{
		svc:      svc,
		renderer: renderer,
		logger:   logger,
		minimal:  minimal,
		lead:     lead,
	}
}

// Register mounts the page routes on r.
func (h *PageHandler) Register(r chi.Router) {
	r.Get("/", h.Index)
	r.Get("/search", h.Search)
	r.Post("/search", h.Search)
	r.Get("/add", h.AddForm)
	r.Post("/add", h.Add)
	r.Get("/delete/{id}", h.Delete)
	r.Get("/about", h.About)

	if h.minimal {
		r.Get("/update/{id}", h.Toggle)
	} else {
		r.Get("/update/{id}", h.EditForm)
		r.Post("/update/{id}", h.Edit)
	}
}

// Index lists every task with the completion counts.
func (h *PageHandler) Index(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "PageHandler.Index")
	defer span.End()

	tasks, counts, err := h.svc.List(ctx)
	if err != nil {
		h.serverError(w, r, "failed to list tasks", err)
		return
	}

	h.render(w, r, http.StatusOK, "index", &page{Tasks: tasks, Counts: counts})
}

// Search runs a title search. The query comes from the URL or a posted form.
func (h *PageHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "PageHandler.Search")
	defer span.End()

	query := r.FormValue("query")
	tasks, err := h.svc.Search(ctx, query)
	if err != nil {
		h.serverError(w, r, "failed to search tasks", err)
		return
	}

	h.render(w, r, http.StatusOK, "search", &page{Query: query, Tasks: tasks})
}

// AddForm shows the empty add form.
func (h *PageHandler) AddForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "add", &page{})
}

// Add creates a task from the posted form. Validation errors re-render the
// form with the submitted values.
func (h *PageHandler) Add(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "PageHandler.Add")
	defer span.End()

	form := readTaskForm(r)
	req, err := form.createRequest()
	if err == nil {
		var task *model.Task
		task, err = h.svc.Add(ctx, req)
		if err == nil {
			span.SetAttributes(attribute.String("task.id", task.ID))
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
	}

	var verr *model.ValidationError
	if errors.As(err, &verr) {
		h.logger.WarnContext(ctx, "validation failed", slog.Any("error", err))
		h.render(w, r, http.StatusUnprocessableEntity, "add", &page{Form: form, Error: verr.Error()})
		return
	}
	h.serverError(w, r, "failed to create task", err)
}

// Toggle flips completion (minimal variant).
func (h *PageHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := tracer.Start(r.Context(), "PageHandler.Toggle",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	if _, err := h.svc.ToggleComplete(ctx, id); err != nil {
		h.redirectOnError(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// EditForm shows the edit form for a task (extended variant).
func (h *PageHandler) EditForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := tracer.Start(r.Context(), "PageHandler.EditForm",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	task, err := h.svc.Get(ctx, id)
	if err != nil {
		h.redirectOnError(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, "update", &page{ID: id, Form: formFromTask(task)})
}

// Edit applies the posted edit form (extended variant).
func (h *PageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := tracer.Start(r.Context(), "PageHandler.Edit",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	current, err := h.svc.Get(ctx, id)
	if err != nil {
		h.redirectOnError(w, r, err)
		return
	}

	form := readTaskForm(r)
	// the form only carries minutes; an untouched field is not a change
	if form.Deadline == formFromTask(current).Deadline {
		form.Deadline = ""
	}

	req, err := form.updateRequest()
	if err == nil {
		_, err = h.svc.Update(ctx, id, req)
		if err == nil {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
	}

	var verr *model.ValidationError
	if errors.As(err, &verr) {
		h.logger.WarnContext(ctx, "validation failed", slog.String("id", id), slog.Any("error", err))
		if form.Deadline == "" {
			form.Deadline = formFromTask(current).Deadline
		}
		h.render(w, r, http.StatusUnprocessableEntity, "update", &page{ID: id, Form: form, Error: verr.Error()})
		return
	}
	h.redirectOnError(w, r, err)
}

// Delete removes a task and its reminder.
func (h *PageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := tracer.Start(r.Context(), "PageHandler.Delete",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	if err := h.svc.Delete(ctx, id); err != nil {
		h.redirectOnError(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// About shows the static information page.
func (h *PageHandler) About(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "about", &page{})
}

// redirectOnError turns a missing task into a flash message on the list
// page. Anything else is a server error.
func (h *PageHandler) redirectOnError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, model.ErrTaskNotFound) {
		h.logger.WarnContext(r.Context(), "task not found", slog.String("id", chi.URLParam(r, "id")))
		setFlash(w, "Task not found.")
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	h.serverError(w, r, "request failed", err)
}

func (h *PageHandler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg, slog.Any("error", err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (h *PageHandler) render(w http.ResponseWriter, r *http.Request, status int, name string, p *page) {
	p.Minimal = h.minimal
	p.Lead = h.lead
	p.Flash = popFlash(w, r)

	var buf bytes.Buffer
	if err := h.renderer.Render(&buf, name, p); err != nil {
		h.serverError(w, r, "failed to render page", err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.WarnContext(r.Context(), "failed to write page", slog.String("page", name), slog.Any("error", err))
	}
}

func setFlash(w http.ResponseWriter, msg string) {
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Value:    url.QueryEscape(msg),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// popFlash returns the pending flash message and clears it.
func popFlash(w http.ResponseWriter, r *http.Request) string {
	c, err := r.Cookie(flashCookie)
	if err != nil {
		return ""
	}
	http.SetCookie(w, &http.Cookie{Name: flashCookie, Path: "/", MaxAge: -1})
	msg, err := url.QueryUnescape(c.Value)
	if err != nil {
		return ""
	}
	return msg
}
