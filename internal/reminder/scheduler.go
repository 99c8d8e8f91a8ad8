// Package reminder fires a one-shot email reminder ahead of each task's
// deadline.
package reminder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hiroki-koketsu/taskminder/internal/model"
	"github.com/hiroki-koketsu/taskminder/internal/notify"
	"github.com/robfig/cron/v3"
)

// DefaultLead is how long before the deadline a reminder fires.
const DefaultLead = 60 * time.Minute

// ErrNotSchedulable is returned for tasks without a deadline or recipient.
var ErrNotSchedulable = errors.New("task has no deadline or email")

// once is a cron.Schedule that activates a single time. Once at has passed
// Next returns the zero time, which cron treats as "never".
type once struct {
	at time.Time
}

func (s once) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

type job struct {
	entry  cron.EntryID
	fireAt time.Time
}

// Scheduler keeps at most one pending reminder per task id.
type Scheduler struct {
	cron     *cron.Cron
	notifier notify.Notifier
	logger   *slog.Logger
	lead     time.Duration
	now      func() time.Time
	onFire   func(taskID string)
	lookup   Lookup

	mu   sync.Mutex
	jobs map[string]*job
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLead overrides DefaultLead.
func WithLead(d time.Duration) Option {
	return func(s *Scheduler) { s.lead = d }
}

// Lookup loads the current state of a task.
type Lookup func(ctx context.Context, id string) (*model.Task, error)

// WithLookup makes a firing reminder re-read its task, so the message uses
// the current title and recipient. A task that no longer exists, is complete
// or has lost its email gets no reminder.
func WithLookup(fn Lookup) Option {
	return func(s *Scheduler) { s.lookup = fn }
}

// WithFireHook registers a callback invoked after each reminder is sent.
func WithFireHook(fn func(taskID string)) Option {
	return func(s *Scheduler) { s.onFire = fn }
}

// New creates a Scheduler. Call Start before reminders can fire.
func New(notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Scheduler {
	cl := cronLogger{logger}
	s := &Scheduler{
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		notifier: notifier,
		logger:   logger,
		lead:     DefaultLead,
		now:      time.Now,
		jobs:     make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}

// Start runs the underlying cron in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron and waits for running reminders, or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lead returns the interval between a reminder and its deadline.
func (s *Scheduler) Lead() time.Duration {
	return s.lead
}

// Schedule registers the reminder for task, replacing any pending one. A
// fire time already in the past fires as soon as the cron loop runs.
func (s *Scheduler) Schedule(task *model.Task) (time.Time, error) {
	if !task.HasDeadline() || task.Email == "" {
		return time.Time{}, ErrNotSchedulable
	}

	fireAt := task.Deadline.Add(-s.lead)
	if now := s.now(); !fireAt.After(now) {
		fireAt = now.Add(time.Second)
	}

	snapshot := task.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(snapshot.ID)

	j := &job{fireAt: fireAt}
	j.entry = s.cron.Schedule(once{at: fireAt}, cron.FuncJob(func() {
		s.fire(snapshot, j)
	}))
	s.jobs[snapshot.ID] = j

	s.logger.Info("reminder scheduled",
		slog.String("task_id", snapshot.ID),
		slog.Time("fire_at", fireAt),
	)
	return fireAt, nil
}

// Cancel removes the pending reminder for taskID. It is a no-op when none
// exists.
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelLocked(taskID) {
		s.logger.Info("reminder cancelled", slog.String("task_id", taskID))
	}
}

// FireTime reports when the pending reminder for taskID fires.
func (s *Scheduler) FireTime(taskID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[taskID]
	if !ok {
		return time.Time{}, false
	}
	return j.fireAt, true
}

// Pending returns the number of reminders not yet fired or cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) cancelLocked(taskID string) bool {
	j, ok := s.jobs[taskID]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, taskID)
	return true
}

// fire sends the reminder once and drops the handle, unless it has already
// been superseded by a newer job for the same task.
func (s *Scheduler) fire(task *model.Task, j *job) {
	s.mu.Lock()
	if s.jobs[task.ID] != j {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, task.ID)
	entry := j.entry
	s.mu.Unlock()

	s.cron.Remove(entry)

	ctx := context.Background()
	if s.lookup != nil {
		current, err := s.lookup(ctx, task.ID)
		switch {
		case errors.Is(err, model.ErrTaskNotFound):
			s.logger.InfoContext(ctx, "reminder dropped, task deleted", slog.String("task_id", task.ID))
			return
		case err != nil:
			s.logger.WarnContext(ctx, "failed to reload task, using scheduled copy",
				slog.String("task_id", task.ID),
				slog.Any("error", err),
			)
		case current.Complete || current.Email == "":
			s.logger.InfoContext(ctx, "reminder dropped, task no longer needs it", slog.String("task_id", task.ID))
			return
		default:
			task = current
		}
	}

	s.logger.InfoContext(ctx, "reminder fired",
		slog.String("task_id", task.ID),
		slog.String("to", task.Email),
	)
	s.notifier.Notify(ctx, notify.Reminder(task, s.lead))

	if s.onFire != nil {
		s.onFire(task.ID)
	}
}
