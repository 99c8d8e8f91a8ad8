package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hiroki-koketsu/taskminder/internal/model"
	"github.com/hiroki-koketsu/taskminder/internal/notify"
	"github.com/hiroki-koketsu/taskminder/internal/reminder"
	"github.com/hiroki-koketsu/taskminder/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/taskminder/internal/service")

// MaxTitleLength matches the width of the title column.
const MaxTitleLength = 100

// Store persists tasks.
type Store interface {
	Create(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error)
	GetByID(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context) ([]*model.Task, error)
	Search(ctx context.Context, query string) ([]*model.Task, error)
	Update(ctx context.Context, id string, req *model.UpdateTaskRequest) (*model.Task, error)
	Delete(ctx context.Context, id string) error
	Counts(ctx context.Context) (model.Counts, error)
}

// Reminders registers and cancels deadline reminders.
type Reminders interface {
	Schedule(task *model.Task) (time.Time, error)
	Cancel(taskID string)
}

// TaskService validates task requests and keeps reminders in step with the
// stored tasks.
type TaskService struct {
	store     Store
	reminders Reminders
	notifier  notify.Notifier
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	requireContact bool
	now            func() time.Time
	locks          taskLocks
}

// Option configures a TaskService.
type Option func(*TaskService)

// WithRequiredContact makes email and deadline mandatory on add.
func WithRequiredContact(required bool) Option {
	return func(s *TaskService) { s.requireContact = required }
}

// WithMetrics records reminder counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *TaskService) { s.metrics = m }
}

// WithClock overrides time.Now for deadline validation.
func WithClock(now func() time.Time) Option {
	return func(s *TaskService) { s.now = now }
}

// NewTaskService creates a new TaskService.
func NewTaskService(store Store, reminders Reminders, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *TaskService {
	s := &TaskService{
		store:     store,
		reminders: reminders,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequiresContact reports whether email and deadline are mandatory.
func (s *TaskService) RequiresContact() bool {
	return s.requireContact
}

// List returns every task together with the completion counts.
func (s *TaskService) List(ctx context.Context) ([]*model.Task, model.Counts, error) {
	ctx, span := tracer.Start(ctx, "TaskService.List")
	defer span.End()

	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil, model.Counts{}, err
	}
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return nil, model.Counts{}, err
	}
	return tasks, counts, nil
}

// Search returns tasks whose title contains query. A blank query matches
// nothing.
func (s *TaskService) Search(ctx context.Context, query string) ([]*model.Task, error) {
	ctx, span := tracer.Start(ctx, "TaskService.Search")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return []*model.Task{}, nil
	}
	return s.store.Search(ctx, query)
}

// Get returns a single task.
func (s *TaskService) Get(ctx context.Context, id string) (*model.Task, error) {
	return s.store.GetByID(ctx, id)
}

// Add validates and stores a new task, then confirms it by email and
// schedules its reminder.
func (s *TaskService) Add(ctx context.Context, req model.CreateTaskRequest) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "TaskService.Add")
	defer span.End()

	req.Title = strings.TrimSpace(req.Title)
	req.Email = strings.TrimSpace(req.Email)

	if err := s.validateTitle(req.Title); err != nil {
		return nil, err
	}
	if err := s.validateEmail(req.Email); err != nil {
		return nil, err
	}
	if req.Deadline == nil {
		if s.requireContact {
			return nil, model.Invalid("deadline", "deadline is required")
		}
	} else if err := s.validateDeadline(*req.Deadline); err != nil {
		return nil, err
	}

	task, err := s.store.Create(ctx, &req)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	if task.Email != "" {
		s.notifier.Notify(ctx, notify.TaskCreated(task))
	}
	s.schedule(ctx, task)

	s.logger.InfoContext(ctx, "task added", slog.String("id", task.ID))
	return task, nil
}

// Update applies req to the task with the given id.
func (s *TaskService) Update(ctx context.Context, id string, req model.UpdateTaskRequest) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "TaskService.Update",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	unlock := s.locks.lock(id)
	defer unlock()

	current, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if err := s.validateTitle(title); err != nil {
			return nil, err
		}
		req.Title = &title
	}
	if req.Email != nil {
		email := strings.TrimSpace(*req.Email)
		if err := s.validateEmail(email); err != nil {
			return nil, err
		}
		req.Email = &email
	}

	deadlineChanged := false
	if req.Deadline != nil {
		if current.HasDeadline() && req.Deadline.Equal(*current.Deadline) {
			req.Deadline = nil
		} else {
			if err := s.validateDeadline(*req.Deadline); err != nil {
				return nil, err
			}
			deadlineChanged = true
		}
	}
	emailChanged := req.Email != nil && *req.Email != current.Email

	task, err := s.store.Update(ctx, id, &req)
	if err != nil {
		return nil, err
	}

	switch {
	case task.Complete:
		s.reminders.Cancel(task.ID)
	case deadlineChanged || emailChanged || current.Complete:
		s.reminders.Cancel(task.ID)
		if s.due(task) {
			s.schedule(ctx, task)
		}
	}

	if task.Email != "" {
		if deadlineChanged {
			s.notifier.Notify(ctx, notify.TaskUpdated(task))
		}
		if task.Complete {
			s.notifier.Notify(ctx, notify.TaskCompleted(task))
		}
	}

	s.logger.InfoContext(ctx, "task updated",
		slog.String("id", task.ID),
		slog.Bool("deadline_changed", deadlineChanged),
		slog.Bool("complete", task.Complete),
	)
	return task, nil
}

// ToggleComplete flips the completion flag without sending mail.
func (s *TaskService) ToggleComplete(ctx context.Context, id string) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "TaskService.ToggleComplete",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	unlock := s.locks.lock(id)
	defer unlock()

	current, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	complete := !current.Complete
	task, err := s.store.Update(ctx, id, &model.UpdateTaskRequest{Complete: &complete})
	if err != nil {
		return nil, err
	}

	if task.Complete {
		s.reminders.Cancel(task.ID)
	} else if s.due(task) {
		s.schedule(ctx, task)
	}

	s.logger.InfoContext(ctx, "task toggled",
		slog.String("id", task.ID),
		slog.Bool("complete", task.Complete),
	)
	return task, nil
}

// Delete cancels the task's reminder and removes it.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "TaskService.Delete",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	unlock := s.locks.lock(id)
	defer unlock()

	if _, err := s.store.GetByID(ctx, id); err != nil {
		return err
	}

	s.reminders.Cancel(id)
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "task deleted", slog.String("id", id))
	return nil
}

// Restore schedules reminders for stored tasks that are still open and due
// in the future. It is called once at startup.
func (s *TaskService) Restore(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "TaskService.Restore")
	defer span.End()

	tasks, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, task := range tasks {
		if task.Complete || !s.due(task) {
			continue
		}
		if s.schedule(ctx, task) {
			restored++
		}
	}

	span.SetAttributes(attribute.Int("reminder.restored", restored))
	return restored, nil
}

// due reports whether the task's deadline is still ahead.
func (s *TaskService) due(task *model.Task) bool {
	return task.HasDeadline() && task.Deadline.After(s.now())
}

func (s *TaskService) schedule(ctx context.Context, task *model.Task) bool {
	fireAt, err := s.reminders.Schedule(task)
	if errors.Is(err, reminder.ErrNotSchedulable) {
		s.logger.DebugContext(ctx, "no reminder for task", slog.String("id", task.ID))
		return false
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to schedule reminder",
			slog.String("id", task.ID),
			slog.Any("error", err),
		)
		return false
	}

	if s.metrics != nil {
		s.metrics.RemindersScheduled.Add(ctx, 1)
	}
	trace.SpanFromContext(ctx).AddEvent("reminder scheduled",
		trace.WithAttributes(attribute.String("reminder.fire_at", fireAt.Format(time.RFC3339))),
	)
	return true
}

func (s *TaskService) validateTitle(title string) error {
	if title == "" {
		return model.Invalid("title", "title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return model.Invalid("title", "title must be at most %d characters", MaxTitleLength)
	}
	return nil
}

func (s *TaskService) validateEmail(email string) error {
	if email == "" {
		if s.requireContact {
			return model.Invalid("email", "email is required")
		}
		return nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return model.Invalid("email", "%q is not a valid email address", email)
	}
	return nil
}

func (s *TaskService) validateDeadline(deadline time.Time) error {
	if !deadline.After(s.now()) {
		return model.Invalid("deadline", "deadline must be in the future")
	}
	return nil
}
