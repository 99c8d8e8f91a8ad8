// Package notify delivers task notifications by email.
//
// Callers hand a Message to a Notifier and move on: delivery is best-effort,
// failures are logged and never returned to the caller.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/hiroki-koketsu/taskminder/internal/model"
)

// Message is a single email to a single recipient.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier accepts messages for best-effort delivery.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, msg Message)

func (f NotifierFunc) Notify(ctx context.Context, msg Message) { f(ctx, msg) }

const deadlineLayout = "Mon, 02 Jan 2006 15:04 MST"

func formatDeadline(t *model.Task) string {
	if !t.HasDeadline() {
		return "no deadline"
	}
	return t.Deadline.Format(deadlineLayout)
}

// TaskCreated is sent when a task with an email address is added.
func TaskCreated(t *model.Task) Message {
	return Message{
		To:      t.Email,
		Subject: fmt.Sprintf("Task created: %s", t.Title),
		Body: fmt.Sprintf("Your task %q has been created.\nDeadline: %s\n",
			t.Title, formatDeadline(t)),
	}
}

// TaskUpdated is sent when a task's deadline changes.
func TaskUpdated(t *model.Task) Message {
	return Message{
		To:      t.Email,
		Subject: fmt.Sprintf("Task updated: %s", t.Title),
		Body: fmt.Sprintf("Your task %q has been updated.\nNew deadline: %s\n",
			t.Title, formatDeadline(t)),
	}
}

// TaskCompleted is sent when a task is marked complete.
func TaskCompleted(t *model.Task) Message {
	return Message{
		To:      t.Email,
		Subject: fmt.Sprintf("Task completed: %s", t.Title),
		Body:    fmt.Sprintf("Your task %q has been marked as complete.\n", t.Title),
	}
}

// Reminder is sent lead before the task's deadline.
func Reminder(t *model.Task, lead time.Duration) Message {
	return Message{
		To:      t.Email,
		Subject: fmt.Sprintf("Reminder: %s", t.Title),
		Body: fmt.Sprintf("Your task %q is due in %s.\nDeadline: %s\n",
			t.Title, lead.Round(time.Minute), formatDeadline(t)),
	}
}
