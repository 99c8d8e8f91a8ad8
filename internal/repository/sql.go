package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/hiroki-koketsu/taskminder/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLTaskRepository stores tasks in a single relational table through gorm.
type SQLTaskRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the SQLite database at dsn and
// migrates the tasks table.
func OpenSQLite(dsn string) (*SQLTaskRepository, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewSQLTaskRepository(db)
}

// NewSQLTaskRepository wraps an existing gorm connection.
func NewSQLTaskRepository(db *gorm.DB) (*SQLTaskRepository, error) {
	if err := db.AutoMigrate(&model.Task{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tasks table: %w", err)
	}
	return &SQLTaskRepository{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (r *SQLTaskRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create inserts a new task.
func (r *SQLTaskRepository) Create(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "SQLTaskRepository.Create",
		trace.WithAttributes(attribute.String("task.title", req.Title)),
	)
	defer span.End()

	now := r.now()
	task := &model.Task{
		ID:        uuid.New().String(),
		Title:     req.Title,
		Email:     req.Email,
		Deadline:  copyTime(req.Deadline),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	span.SetAttributes(attribute.String("task.id", task.ID))
	return task, nil
}

// GetByID retrieves a task by its primary key.
func (r *SQLTaskRepository) GetByID(ctx context.Context, id string) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "SQLTaskRepository.GetByID",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	task, err := r.get(r.db.WithContext(ctx), id)
	span.SetAttributes(attribute.Bool("task.found", err == nil))
	return task, err
}

// List returns all tasks, oldest first.
func (r *SQLTaskRepository) List(ctx context.Context) ([]*model.Task, error) {
	ctx, span := tracer.Start(ctx, "SQLTaskRepository.List")
	defer span.End()

	var tasks []*model.Task
	if err := r.db.WithContext(ctx).Order("created_at, id").Find(&tasks).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	return tasks, nil
}

// Search returns the tasks whose title contains query. SQLite LIKE ignores
// ASCII case, matching the in-memory repository.
func (r *SQLTaskRepository) Search(ctx context.Context, query string) ([]*model.Task, error) {
	ctx, span := tracer.Start(ctx, "SQLTaskRepository.Search",
		trace.WithAttributes(attribute.String("task.query", query)),
	)
	defer span.End()

	pattern := "%" + escapeLike(query) + "%"

	var tasks []*model.Task
	err := r.db.WithContext(ctx).
		Where(`title LIKE ? ESCAPE '\'`, pattern).
		Order("created_at, id").
		Find(&tasks).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search tasks: %w", err)
	}

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	return tasks, nil
}

// Update applies the non-nil fields of req inside a transaction.
func (r *SQLTaskRepository) Update(ctx context.Context, id string, req *model.UpdateTaskRequest) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "SQLTaskRepository.Update",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	var updated *model.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := r.get(tx, id)
		if err != nil {
			return err
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

		if err := tx.Save(task).Error; err != nil {
			return fmt.Errorf("failed to save task: %w", err)
		}
		updated = task
		return nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("task.found", !errors.Is(err, model.ErrTaskNotFound)))
		return nil, err
	}

	span.SetAttributes(attribute.Bool("task.found", true))
	return updated, nil
}

// Delete removes a task by primary key.
func (r *SQLTaskRepository) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "SQLTaskRepository.Delete",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	res := r.db.WithContext(ctx).Delete(&model.Task{}, "id = ?", id)
	if res.Error != nil {
		span.RecordError(res.Error)
		return fmt.Errorf("failed to delete task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		span.SetAttributes(attribute.Bool("task.found", false))
		return model.ErrTaskNotFound
	}

	span.SetAttributes(attribute.Bool("task.found", true))
	return nil
}

// Counts returns the total and completed task counts.
func (r *SQLTaskRepository) Counts(ctx context.Context) (model.Counts, error) {
	ctx, span := tracer.Start(ctx, "SQLTaskRepository.Counts")
	defer span.End()

	db := r.db.WithContext(ctx).Model(&model.Task{})

	var total, completed int64
	if err := db.Count(&total).Error; err != nil {
		return model.Counts{}, fmt.Errorf("failed to count tasks: %w", err)
	}
	if err := r.db.WithContext(ctx).Model(&model.Task{}).Where("complete = ?", true).Count(&completed).Error; err != nil {
		return model.Counts{}, fmt.Errorf("failed to count completed tasks: %w", err)
	}
	return model.NewCounts(total, completed), nil
}

// Count returns the current number of tasks, or zero if the query fails.
func (r *SQLTaskRepository) Count() int64 {
	var n int64
	r.db.Model(&model.Task{}).Count(&n)
	return n
}

func (r *SQLTaskRepository) get(db *gorm.DB, id string) (*model.Task, error) {
	var task model.Task
	err := db.Where("id = ?", id).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &task, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
