package model

import (
	"fmt"
	"time"
)

// Task represents a todo item in the system.
type Task struct {
	ID        string     `json:"id" gorm:"primaryKey;size:36"`
	Title     string     `json:"title" gorm:"size:100;not null"`
	Email     string     `json:"email,omitempty" gorm:"size:254"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Complete  bool       `json:"complete" gorm:"not null;default:false;index"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// HasDeadline reports whether the task carries a deadline.
func (t *Task) HasDeadline() bool {
	return t.Deadline != nil && !t.Deadline.IsZero()
}

// Clone returns a copy that does not share the deadline pointer.
func (t *Task) Clone() *Task {
	c := *t
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	return &c
}

// Counts summarizes the store contents shown on the index page.
type Counts struct {
	Total       int64 `json:"total"`
	Completed   int64 `json:"completed"`
	Uncompleted int64 `json:"uncompleted"`
}

// NewCounts derives the uncompleted count from total and completed.
func NewCounts(total, completed int64) Counts {
	return Counts{
		Total:       total,
		Completed:   completed,
		Uncompleted: total - completed,
	}
}

// CreateTaskRequest represents the request body for creating a task.
type CreateTaskRequest struct {
	Title    string     `json:"title"`
	Email    string     `json:"email,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// UpdateTaskRequest represents the request body for updating a task.
// Nil fields are left untouched.
type UpdateTaskRequest struct {
	Title    *string    `json:"title,omitempty"`
	Email    *string    `json:"email,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Complete *bool      `json:"complete,omitempty"`
}

// Empty reports whether the request changes nothing.
func (r *UpdateTaskRequest) Empty() bool {
	return r.Title == nil && r.Email == nil && r.Deadline == nil && r.Complete == nil
}

// TaskError represents a domain error for tasks.
type TaskError struct {
	Message string
}

func (e TaskError) Error() string {
	return e.Message
}

var ErrTaskNotFound = TaskError{Message: "task not found"}

// ValidationError reports a rejected field. The request is not applied.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
