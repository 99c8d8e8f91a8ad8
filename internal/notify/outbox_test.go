package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// flakySender fails the first failures calls, then succeeds.
type flakySender struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []Message
}

func (s *flakySender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("relay unavailable")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *flakySender) snapshot() (int, []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]Message(nil), s.sent...)
}

func newTestOutbox(t *testing.T, q Queue, s Sender, attempts int) (*Outbox, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	o, err := NewOutbox(q, s, discard, reg, OutboxConfig{
		MaxAttempts:    attempts,
		AttemptTimeout: time.Second,
		InitialBackoff: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	o.Start()
	t.Cleanup(func() { _ = o.Stop(context.Background()) })
	return o, reg
}

func TestOutbox_DeliversQueuedMessage(t *testing.T) {
	sender := &flakySender{}
	o, _ := newTestOutbox(t, NewMemoryQueue(8), sender, 3)

	msg := Message{To: "a@b.com", Subject: "hi", Body: "body"}
	o.Notify(context.Background(), msg)

	require.Eventually(t, func() bool {
		_, sent := sender.snapshot()
		return len(sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, sent := sender.snapshot()
	assert.Equal(t, msg, sent[0])
	assert.Equal(t, float64(1), testutil.ToFloat64(o.metrics.delivered.WithLabelValues("sent")))
}

func TestOutbox_RetriesTransportFailures(t *testing.T) {
	sender := &flakySender{failures: 2}
	o, _ := newTestOutbox(t, NewMemoryQueue(8), sender, 3)

	o.Notify(context.Background(), Message{To: "a@b.com", Subject: "retry"})

	require.Eventually(t, func() bool {
		_, sent := sender.snapshot()
		return len(sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	calls, _ := sender.snapshot()
	assert.Equal(t, 3, calls)
}

func TestOutbox_GivesUpAfterMaxAttempts(t *testing.T) {
	sender := &flakySender{failures: 100}
	o, _ := newTestOutbox(t, NewMemoryQueue(8), sender, 2)

	o.Notify(context.Background(), Message{To: "a@b.com", Subject: "doomed"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(o.metrics.delivered.WithLabelValues("failed")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	calls, sent := sender.snapshot()
	assert.Equal(t, 2, calls)
	assert.Empty(t, sent)
}

func TestOutbox_NotifyNeverBlocksOnFullQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewOutbox(NewMemoryQueue(1), &flakySender{}, discard, reg, OutboxConfig{})
	require.NoError(t, err)

	// worker not started; the second message is dropped
	o.Notify(context.Background(), Message{To: "a@b.com"})
	o.Notify(context.Background(), Message{To: "c@d.com"})

	assert.Equal(t, float64(1), testutil.ToFloat64(o.metrics.delivered.WithLabelValues("dropped")))
	assert.Equal(t, float64(1), testutil.ToFloat64(o.metrics.depth))
}

func TestOutbox_StopIsIdempotent(t *testing.T) {
	o, err := NewOutbox(NewMemoryQueue(1), &flakySender{}, discard, prometheus.NewRegistry(), OutboxConfig{})
	require.NoError(t, err)

	assert.NoError(t, o.Stop(context.Background()))
	o.Start()
	assert.NoError(t, o.Stop(context.Background()))
	assert.NoError(t, o.Stop(context.Background()))
}

func TestOutbox_StopDrainsQueue(t *testing.T) {
	sender := &flakySender{}
	o, err := NewOutbox(NewMemoryQueue(8), sender, discard, prometheus.NewRegistry(), OutboxConfig{})
	require.NoError(t, err)

	for _, to := range []string{"a@b.com", "c@d.com", "e@f.com"} {
		o.Notify(context.Background(), Message{To: to})
	}
	o.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))

	_, sent := sender.snapshot()
	assert.Len(t, sent, 3)
	assert.Equal(t, float64(0), testutil.ToFloat64(o.metrics.depth))
}

func setupTestRedis(t *testing.T) *RedisQueue {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	q := NewRedisQueue(s.Addr(), "")
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRedisQueue_PushPop(t *testing.T) {
	q := setupTestRedis(t)
	ctx := context.Background()

	env := Envelope{ID: "1", Message: Message{To: "a@b.com", Subject: "s"}, EnqueuedAt: time.Now().UTC()}
	require.NoError(t, q.Push(ctx, env))
	assert.Equal(t, int64(1), q.Len(ctx))

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Message, got.Message)
	assert.Equal(t, int64(0), q.Len(ctx))
}

func TestRedisQueue_PopHonoursCancellation(t *testing.T) {
	q := setupTestRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOutbox_WithRedisQueue(t *testing.T) {
	q := setupTestRedis(t)
	sender := &flakySender{}
	o, _ := newTestOutbox(t, q, sender, 1)

	o.Notify(context.Background(), Message{To: "a@b.com", Subject: "via redis"})

	require.Eventually(t, func() bool {
		_, sent := sender.snapshot()
		return len(sent) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

type fakeDialer struct {
	err  error
	got  []*gomail.Message
	wait time.Duration
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	time.Sleep(d.wait)
	d.got = append(d.got, m...)
	return d.err
}

func TestSMTPSender_Send(t *testing.T) {
	d := &fakeDialer{}
	s := &SMTPSender{dialer: d, from: "noreply@example.com"}

	err := s.Send(context.Background(), Message{To: "a@b.com", Subject: "Hello", Body: "body"})
	require.NoError(t, err)
	require.Len(t, d.got, 1)
	assert.Equal(t, []string{"a@b.com"}, d.got[0].GetHeader("To"))
	assert.Equal(t, []string{"noreply@example.com"}, d.got[0].GetHeader("From"))
	assert.Equal(t, []string{"Hello"}, d.got[0].GetHeader("Subject"))
}

func TestSMTPSender_SendWrapsErrors(t *testing.T) {
	relayErr := errors.New("535 auth failed")
	s := &SMTPSender{dialer: &fakeDialer{err: relayErr}, from: "noreply@example.com"}

	err := s.Send(context.Background(), Message{To: "a@b.com"})
	assert.ErrorIs(t, err, relayErr)
}

func TestSMTPSender_SendTimesOut(t *testing.T) {
	s := &SMTPSender{dialer: &fakeDialer{wait: time.Second}, from: "noreply@example.com"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Send(ctx, Message{To: "a@b.com"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
