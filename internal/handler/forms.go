package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/hiroki-koketsu/taskminder/internal/model"
	"github.com/hiroki-koketsu/taskminder/internal/web"
)

// taskForm carries submitted values back into a re-rendered form.
type taskForm struct {
	Title    string
	Email    string
	Deadline string
	Complete bool
}

func formFromTask(t *model.Task) taskForm {
	f := taskForm{Title: t.Title, Email: t.Email, Complete: t.Complete}
	if t.HasDeadline() {
		f.Deadline = t.Deadline.Local().Format(web.DeadlineInputLayout)
	}
	return f
}

// readTaskForm reads the add/update form. "name" is accepted as an alias
// for "title", the field name older add forms post.
func readTaskForm(r *http.Request) taskForm {
	title := r.PostFormValue("title")
	if title == "" {
		title = r.PostFormValue("name")
	}
	return taskForm{
		Title:    title,
		Email:    r.PostFormValue("email"),
		Deadline: strings.TrimSpace(r.PostFormValue("deadline")),
		Complete: isChecked(r.PostFormValue("complete")),
	}
}

func isChecked(v string) bool {
	switch strings.ToLower(v) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

// deadline parses the datetime-local value in the server's time zone. An
// empty value yields nil.
func (f taskForm) deadline() (*time.Time, error) {
	if f.Deadline == "" {
		return nil, nil
	}
	for _, layout := range []string{web.DeadlineInputLayout, web.DeadlineInputLayout + ":05", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, f.Deadline, time.Local); err == nil {
			return &t, nil
		}
	}
	return nil, model.Invalid("deadline", "%q is not a valid date and time", f.Deadline)
}

func (f taskForm) createRequest() (model.CreateTaskRequest, error) {
	deadline, err := f.deadline()
	if err != nil {
		return model.CreateTaskRequest{}, err
	}
	return model.CreateTaskRequest{Title: f.Title, Email: f.Email, Deadline: deadline}, nil
}

// updateRequest sets every field the edit form shows. An empty deadline
// leaves the stored one in place.
func (f taskForm) updateRequest() (model.UpdateTaskRequest, error) {
	deadline, err := f.deadline()
	if err != nil {
		return model.UpdateTaskRequest{}, err
	}
	title, email, complete := f.Title, f.Email, f.Complete
	return model.UpdateTaskRequest{
		Title:    &title,
		Email:    &email,
		Deadline: deadline,
		Complete: &complete,
	}, nil
}
