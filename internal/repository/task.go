package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hiroki-koketsu/taskminder/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/taskminder/internal/repository")

// TaskRepository provides an in-memory storage for tasks.
type TaskRepository struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
	now   func() time.Time
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{
		tasks: make(map[string]*model.Task),
		now:   time.Now,
	}
}

// Create adds a new task to the repository.
func (r *TaskRepository) Create(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error) {
	_, span := tracer.Start(ctx, "TaskRepository.Create",
		trace.WithAttributes(attribute.String("task.title", req.Title)),
	)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	task := &model.Task{
		ID:        uuid.New().String(),
		Title:     req.Title,
		Email:     req.Email,
		Deadline:  copyTime(req.Deadline),
		Complete:  false,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.tasks[task.ID] = task

	span.SetAttributes(attribute.String("task.id", task.ID))
	return task.Clone(), nil
}

// GetByID retrieves a task by its ID.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*model.Task, error) {
	_, span := tracer.Start(ctx, "TaskRepository.GetByID",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		span.SetAttributes(attribute.Bool("task.found", false))
		return nil, model.ErrTaskNotFound
	}

	span.SetAttributes(attribute.Bool("task.found", true))
	return task.Clone(), nil
}

// List returns all tasks in the repository, oldest first.
func (r *TaskRepository) List(ctx context.Context) ([]*model.Task, error) {
	_, span := tracer.Start(ctx, "TaskRepository.List")
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := r.filter(func(*model.Task) bool { return true })

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	return tasks, nil
}

// Search returns the tasks whose title contains query, ignoring case.
func (r *TaskRepository) Search(ctx context.Context, query string) ([]*model.Task, error) {
	_, span := tracer.Start(ctx, "TaskRepository.Search",
		trace.WithAttributes(attribute.String("task.query", query)),
	)
	defer span.End()

	needle := strings.ToLower(query)

	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := r.filter(func(t *model.Task) bool {
		return strings.Contains(strings.ToLower(t.Title), needle)
	})

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	return tasks, nil
}

// Update modifies an existing task.
func (r *TaskRepository) Update(ctx context.Context, id string, req *model.UpdateTaskRequest) (*model.Task, error) {
	_, span := tracer.Start(ctx, "TaskRepository.Update",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		span.SetAttributes(attribute.Bool("task.found", false))
		return nil, model.ErrTaskNotFound
	}

	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Email != nil {
		task.Email = *req.Email
	}
	if req.Deadline != nil {
		task.Deadline = copyTime(req.Deadline)
	}
	if req.Complete != nil {
		task.Complete = *req.Complete
	}
	task.UpdatedAt = r.now()

	span.SetAttributes(attribute.Bool("task.found", true))
	return task.Clone(), nil
}

// Delete removes a task from the repository.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	_, span := tracer.Start(ctx, "TaskRepository.Delete",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		span.SetAttributes(attribute.Bool("task.found", false))
		return model.ErrTaskNotFound
	}

	delete(r.tasks, id)
	span.SetAttributes(attribute.Bool("task.found", true))
	return nil
}

// Counts returns the total and completed task counts.
func (r *TaskRepository) Counts(ctx context.Context) (model.Counts, error) {
	_, span := tracer.Start(ctx, "TaskRepository.Counts")
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var completed int64
	for _, t := range r.tasks {
		if t.Complete {
			completed++
		}
	}
	return model.NewCounts(int64(len(r.tasks)), completed), nil
}

// Count returns the current number of tasks.
func (r *TaskRepository) Count() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.tasks))
}

// filter must be called with r.mu held.
func (r *TaskRepository) filter(keep func(*model.Task) bool) []*model.Task {
	tasks := make([]*model.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		if keep(task) {
			tasks = append(tasks, task.Clone())
		}
	}
	// ties broken on id, as the SQL store orders by (created_at, id)
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
