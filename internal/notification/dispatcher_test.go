package notification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"attendance-service/internal/metrics"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	deliver   func(ctx context.Context, job Job) error
	delivered []Job
	calls     map[uuid.UUID]int
}

func newFakeTransport(deliver func(ctx context.Context, job Job) error) *fakeTransport {
	return &fakeTransport{deliver: deliver, calls: map[uuid.UUID]int{}}
}

func (f *fakeTransport) Deliver(ctx context.Context, job Job) error {
	f.mu.Lock()
	f.calls[job.ID]++
	f.mu.Unlock()

	var err error
	if f.deliver != nil {
		err = f.deliver(ctx, job)
	}
	if err == nil {
		f.mu.Lock()
		f.delivered = append(f.delivered, job)
		f.mu.Unlock()
	}
	return err
}

func (f *fakeTransport) deliveredRecipients() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int, 0, len(f.delivered))
	for _, j := range f.delivered {
		ids = append(ids, j.RecipientID)
	}
	return ids
}

func (f *fakeTransport) callCount(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeTransport) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type memoryDeadLetters struct {
	mu      sync.Mutex
	entries []*DeadLetter
}

func (m *memoryDeadLetters) Save(_ context.Context, dl *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, dl)
	return nil
}

func (m *memoryDeadLetters) snapshot() []*DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*DeadLetter(nil), m.entries...)
}

func (m *memoryDeadLetters) reasons() map[string]int {
	out := map[string]int{}
	for _, dl := range m.snapshot() {
		out[dl.Reason]++
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		Workers:         2,
		QueueSize:       16,
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		DeliveryTimeout: time.Second,
	}
}

func jobsFor(recipients ...int) []Job {
	jobs := make([]Job, 0, len(recipients))
	for _, r := range recipients {
		jobs = append(jobs, NewJob(r, 100, Message{ChildID: 1, ChildName: "Ada", SchoolID: 1, Status: "present"}))
	}
	return jobs
}

func TestDispatcher_PartialFailureDoesNotAffectOthers(t *testing.T) {
	transport := newFakeTransport(func(_ context.Context, job Job) error {
		if job.RecipientID == 2 {
			return errors.New("recipient unreachable")
		}
		return nil
	})
	dead := &memoryDeadLetters{}
	opts := fastOptions()
	opts.MaxAttempts = 2

	d := NewDispatcher(transport, dead, opts, testLogger(), metrics.NewMock())
	d.Start()

	jobs := jobsFor(1, 2, 3)
	require.NoError(t, d.Enqueue(context.Background(), jobs))

	require.Eventually(t, func() bool {
		return len(dead.snapshot()) == 1 && len(transport.deliveredRecipients()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Shutdown(context.Background()))

	assert.ElementsMatch(t, []int{1, 3}, transport.deliveredRecipients())

	entries := dead.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, jobs[1].ID, entries[0].JobID)
	assert.Equal(t, 2, entries[0].RecipientID)
	assert.Equal(t, ReasonExhausted, entries[0].Reason)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, "recipient unreachable", entries[0].LastError)
	assert.Equal(t, 2, transport.callCount(jobs[1].ID))
}

func TestDispatcher_RetriesUntilDelivered(t *testing.T) {
	var mu sync.Mutex
	failures := 2
	transport := newFakeTransport(func(_ context.Context, _ Job) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("broker timeout")
		}
		return nil
	})
	dead := &memoryDeadLetters{}

	d := NewDispatcher(transport, dead, fastOptions(), testLogger(), metrics.NewMock())
	d.Start()

	jobs := jobsFor(7)
	require.NoError(t, d.Enqueue(context.Background(), jobs))

	require.Eventually(t, func() bool {
		return len(transport.deliveredRecipients()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Shutdown(context.Background()))

	assert.Equal(t, 3, transport.callCount(jobs[0].ID))
	assert.Empty(t, dead.snapshot())
	assert.Equal(t, 3, transport.delivered[0].Attempt)
	assert.Equal(t, jobs[0].ID, transport.delivered[0].ID, "job id stays stable across retries")
}

func TestDispatcher_EnqueueDoesNotBlockWhenQueueIsFull(t *testing.T) {
	transport := newFakeTransport(nil)
	dead := &memoryDeadLetters{}
	opts := fastOptions()
	opts.QueueSize = 2

	// Not started: nothing drains the queue.
	d := NewDispatcher(transport, dead, opts, testLogger(), metrics.NewMock())

	done := make(chan error, 1)
	go func() {
		done <- d.Enqueue(context.Background(), jobsFor(1, 2, 3, 4, 5))
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	require.Eventually(t, func() bool {
		return dead.reasons()[ReasonQueueFull] == 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Shutdown(context.Background()))

	reasons := dead.reasons()
	assert.Equal(t, 3, reasons[ReasonQueueFull])
	assert.Equal(t, 2, reasons[ReasonShutdown])
	assert.Zero(t, transport.totalCalls())
}

func TestDispatcher_ShutdownDrainsQueue(t *testing.T) {
	transport := newFakeTransport(nil)
	dead := &memoryDeadLetters{}

	d := NewDispatcher(transport, dead, fastOptions(), testLogger(), metrics.NewMock())
	d.Start()

	require.NoError(t, d.Enqueue(context.Background(), jobsFor(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	assert.Len(t, transport.deliveredRecipients(), 10)
	assert.Empty(t, dead.snapshot())
}

func TestDispatcher_ShutdownDeadLettersWhatItCannotDeliver(t *testing.T) {
	transport := newFakeTransport(func(ctx context.Context, _ Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	dead := &memoryDeadLetters{}
	opts := fastOptions()
	opts.Workers = 1
	opts.DeliveryTimeout = 200 * time.Millisecond

	d := NewDispatcher(transport, dead, opts, testLogger(), metrics.NewMock())
	d.Start()

	require.NoError(t, d.Enqueue(context.Background(), jobsFor(1, 2, 3)))
	require.Eventually(t, func() bool {
		return transport.totalCalls() == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 3, dead.reasons()[ReasonShutdown])
	assert.Equal(t, 1, transport.totalCalls())
}

func TestDispatcher_EnqueueAfterShutdown(t *testing.T) {
	transport := newFakeTransport(nil)
	dead := &memoryDeadLetters{}

	d := NewDispatcher(transport, dead, fastOptions(), testLogger(), metrics.NewMock())
	d.Start()
	require.NoError(t, d.Shutdown(context.Background()))

	err := d.Enqueue(context.Background(), jobsFor(4))
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	assert.Equal(t, 1, dead.reasons()[ReasonClosed])

	// Second shutdown is a no-op.
	assert.NoError(t, d.Shutdown(context.Background()))
}

func TestDispatcher_RetryDelay(t *testing.T) {
	base := 100 * time.Millisecond
	limit := time.Second
	d := NewDispatcher(newFakeTransport(nil), &memoryDeadLetters{}, Options{BackoffBase: base, BackoffMax: limit}, testLogger(), metrics.NewMock())

	tests := []struct {
		attempt  int
		interval time.Duration
	}{
		{attempt: 1, interval: 100 * time.Millisecond},
		{attempt: 2, interval: 200 * time.Millisecond},
		{attempt: 3, interval: 400 * time.Millisecond},
		{attempt: 4, interval: 800 * time.Millisecond},
		{attempt: 5, interval: time.Second},
		{attempt: 40, interval: time.Second},
	}

	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			delay := d.retryDelay(tt.attempt)
			assert.GreaterOrEqual(t, delay, tt.interval/2, "attempt %d", tt.attempt)
			assert.LessOrEqual(t, delay, tt.interval*3/2, "attempt %d", tt.attempt)
		}
	}
}

func TestOptions_BackoffDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, 200*time.Millisecond, opts.BackoffBase)
	assert.Equal(t, opts.BackoffBase, opts.BackoffMax)

	opts = Options{BackoffBase: time.Second, BackoffMax: 10 * time.Millisecond}.withDefaults()
	assert.Equal(t, time.Second, opts.BackoffMax, "max never sits below base")
}
