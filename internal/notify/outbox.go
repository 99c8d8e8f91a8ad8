package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// OutboxConfig tunes delivery.
type OutboxConfig struct {
	// MaxAttempts bounds delivery attempts per message, including the first.
	MaxAttempts int
	// AttemptTimeout bounds a single Sender.Send call.
	AttemptTimeout time.Duration
	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration
}

func (c *OutboxConfig) withDefaults() OutboxConfig {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.AttemptTimeout <= 0 {
		out.AttemptTimeout = 10 * time.Second
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = 500 * time.Millisecond
	}
	return out
}

type outboxMetrics struct {
	delivered *prometheus.CounterVec
	duration  prometheus.Histogram
	depth     prometheus.GaugeFunc
}

// Outbox decouples request handling from mail transport latency. Notify
// enqueues and returns; a single worker delivers with retry and backoff.
type Outbox struct {
	queue   Queue
	sender  Sender
	logger  *slog.Logger
	cfg     OutboxConfig
	metrics outboxMetrics

	mu    sync.Mutex
	stop  context.CancelFunc
	abort context.CancelFunc
	done  chan struct{}
}

// NewOutbox creates an Outbox and registers its metrics with reg.
func NewOutbox(queue Queue, sender Sender, logger *slog.Logger, reg prometheus.Registerer, cfg OutboxConfig) (*Outbox, error) {
	o := &Outbox{
		queue:  queue,
		sender: sender,
		logger: logger,
		cfg:    cfg.withDefaults(),
	}

	o.metrics.delivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskminder_notifications_total",
		Help: "Notifications processed by the outbox, by final status",
	}, []string{"status"})
	o.metrics.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskminder_notification_duration_seconds",
		Help:    "Time from dequeue to final delivery outcome",
		Buckets: prometheus.DefBuckets,
	})
	o.metrics.depth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "taskminder_notification_queue_depth",
		Help: "Notifications waiting in the outbox queue",
	}, func() float64 {
		return float64(queue.Len(context.Background()))
	})

	for _, c := range []prometheus.Collector{o.metrics.delivered, o.metrics.duration, o.metrics.depth} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Notify queues msg for delivery. Queue failures are logged and dropped.
func (o *Outbox) Notify(ctx context.Context, msg Message) {
	env := Envelope{
		ID:         uuid.New().String(),
		Message:    msg,
		EnqueuedAt: time.Now(),
	}
	if err := o.queue.Push(ctx, env); err != nil {
		o.metrics.delivered.WithLabelValues("dropped").Inc()
		o.logger.ErrorContext(ctx, "failed to queue notification",
			slog.String("to", msg.To),
			slog.String("subject", msg.Subject),
			slog.Any("error", err),
		)
		return
	}
	o.logger.DebugContext(ctx, "notification queued",
		slog.String("id", env.ID),
		slog.String("to", msg.To),
	)
}

// Start runs the delivery worker until Stop is called.
func (o *Outbox) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop != nil {
		return
	}

	popCtx, stop := context.WithCancel(context.Background())
	sendCtx, abort := context.WithCancel(context.Background())
	o.stop, o.abort = stop, abort
	o.done = make(chan struct{})

	go func() {
		defer close(o.done)
		o.run(popCtx, sendCtx)
		o.drain(sendCtx)
	}()
}

// Stop stops taking new work and delivers what is still queued. Delivery
// is abandoned when ctx is done.
func (o *Outbox) Stop(ctx context.Context) error {
	o.mu.Lock()
	stop, abort, done := o.stop, o.abort, o.done
	o.stop, o.abort = nil, nil
	o.mu.Unlock()

	if stop == nil {
		return nil
	}
	stop()
	defer abort()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbox) run(popCtx, sendCtx context.Context) {
	for {
		env, err := o.queue.Pop(popCtx)
		if err != nil {
			if popCtx.Err() != nil {
				return
			}
			o.logger.Error("failed to read notification queue", slog.Any("error", err))
			select {
			case <-popCtx.Done():
				return
			case <-time.After(o.cfg.InitialBackoff):
			}
			continue
		}
		o.deliver(sendCtx, env)
	}
}

// drain delivers the envelopes left in the queue at shutdown.
func (o *Outbox) drain(ctx context.Context) {
	for ctx.Err() == nil && o.queue.Len(ctx) > 0 {
		env, err := o.queue.Pop(ctx)
		if err != nil {
			return
		}
		o.deliver(ctx, env)
	}
}

// deliver attempts env up to MaxAttempts times. The outcome is only logged.
func (o *Outbox) deliver(ctx context.Context, env Envelope) {
	start := time.Now()
	attempts := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.MaxAttempts-1)), ctx)

	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		defer cancel()
		return o.sender.Send(attemptCtx, env.Message)
	}
	notify := func(err error, wait time.Duration) {
		o.logger.Warn("notification attempt failed, retrying",
			slog.String("id", env.ID),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	}

	err := backoff.RetryNotify(op, policy, notify)
	o.metrics.duration.Observe(time.Since(start).Seconds())

	if err != nil {
		status := "failed"
		if errors.Is(err, context.Canceled) {
			status = "cancelled"
		}
		o.metrics.delivered.WithLabelValues(status).Inc()
		o.logger.Error("notification delivery failed",
			slog.String("id", env.ID),
			slog.String("to", env.Message.To),
			slog.String("subject", env.Message.Subject),
			slog.Int("attempts", attempts),
			slog.Any("error", err),
		)
		return
	}

	o.metrics.delivered.WithLabelValues("sent").Inc()
	o.logger.Info("notification sent",
		slog.String("id", env.ID),
		slog.String("to", env.Message.To),
		slog.Int("attempts", attempts),
		slog.Duration("queued_for", start.Sub(env.EnqueuedAt)),
	)
}
