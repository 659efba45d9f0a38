package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"attendance-service/internal/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

var (
	ErrDispatcherClosed = errors.New("notification dispatcher is closed")
	errQueueFull        = errors.New("notification queue is full")
)

// Transport delivers a single job to its recipient.
type Transport interface {
	Deliver(ctx context.Context, job Job) error
}

type Options struct {
	Workers         int
	QueueSize       int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	DeliveryTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 5 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 200 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	return o
}

// NewBackOff returns an exponential schedule starting at base and doubling up
// to limit.
func NewBackOff(base, limit time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = limit
	b.Multiplier = 2
	return b
}

// Dispatcher delivers jobs on a fixed pool of workers. Enqueue never blocks;
// failed deliveries are rescheduled with backoff and, once attempts run out,
// written to the dead-letter store.
type Dispatcher struct {
	transport   Transport
	deadLetters DeadLetterStore
	opts        Options
	logger      *slog.Logger
	metrics     *metrics.Metrics

	queue chan Job
	abort chan struct{}
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool

	retryMu     sync.Mutex
	retries     map[uuid.UUID]*pendingRetry
	retryClosed bool
	// retryWG counts scheduled retries and background dead-letter writes.
	retryWG sync.WaitGroup
}

type pendingRetry struct {
	timer *time.Timer
	job   Job
}

func NewDispatcher(transport Transport, deadLetters DeadLetterStore, opts Options, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		transport:   transport,
		deadLetters: deadLetters,
		opts:        opts,
		logger:      logger,
		metrics:     m,
		queue:       make(chan Job, opts.QueueSize),
		abort:       make(chan struct{}),
		retries:     make(map[uuid.UUID]*pendingRetry),
	}
}

// Start launches the worker pool. Calling it more than once is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.closed {
		return
	}
	d.started = true

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	d.logger.Info("notification dispatcher started",
		"workers", d.opts.Workers,
		"queue_size", d.opts.QueueSize,
		"max_attempts", d.opts.MaxAttempts,
	)
}

// Enqueue hands jobs to the worker pool and returns immediately. Jobs that do
// not fit in the queue are dead-lettered in the background. After Shutdown
// the jobs are dead-lettered synchronously and ErrDispatcherClosed is returned.
func (d *Dispatcher) Enqueue(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		for _, job := range jobs {
			d.deadLetter(job, ReasonClosed, ErrDispatcherClosed)
		}
		return ErrDispatcherClosed
	}

	var overflow []Job
	for _, job := range jobs {
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		select {
		case d.queue <- job:
		default:
			overflow = append(overflow, job)
		}
	}
	if len(overflow) > 0 {
		d.retryWG.Add(1)
	}
	d.mu.RUnlock()

	d.metrics.RecordNotificationsQueued(ctx, len(jobs)-len(overflow))

	if len(overflow) > 0 {
		d.logger.WarnContext(ctx, "notification queue full, dead-lettering overflow",
			"overflow", len(overflow),
			"queue_size", d.opts.QueueSize,
		)
		go func() {
			defer d.retryWG.Done()
			for _, job := range overflow {
				d.deadLetter(job, ReasonQueueFull, errQueueFull)
			}
		}()
	}

	return nil
}

// Shutdown stops intake, cancels pending retries and lets the workers drain
// the queue. If ctx expires first, whatever is still queued is dead-lettered.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	d.cancelRetries()

	if !started {
		for job := range d.queue {
			d.deadLetter(job, ReasonShutdown, ErrDispatcherClosed)
		}
		d.retryWG.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.retryWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("notification dispatcher drained")
		return nil
	case <-ctx.Done():
		close(d.abort)
		<-done
		d.logger.Warn("notification dispatcher shutdown deadline reached, remaining jobs dead-lettered")
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for job := range d.queue {
		select {
		case <-d.abort:
			d.deadLetter(job, ReasonShutdown, ErrDispatcherClosed)
		default:
			d.process(job)
		}
	}
}

func (d *Dispatcher) process(job Job) {
	job.Attempt++

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.DeliveryTimeout)
	err := d.transport.Deliver(ctx, job)
	cancel()

	if err == nil {
		d.metrics.RecordNotificationDelivered(context.Background())
		d.logger.Debug("notification delivered",
			"job_id", job.ID,
			"recipient_id", job.RecipientID,
			"attempt", job.Attempt,
		)
		return
	}

	if job.Attempt >= d.opts.MaxAttempts {
		d.logger.Error("notification delivery failed, attempts exhausted",
			"job_id", job.ID,
			"recipient_id", job.RecipientID,
			"attempts", job.Attempt,
			"error", err,
		)
		d.deadLetter(job, ReasonExhausted, err)
		return
	}

	delay := d.retryDelay(job.Attempt)
	d.logger.Warn("notification delivery failed, retrying",
		"job_id", job.ID,
		"recipient_id", job.RecipientID,
		"attempt", job.Attempt,
		"retry_in", delay,
		"error", err,
	)
	d.metrics.RecordNotificationRetried(context.Background())
	d.scheduleRetry(job, delay, err)
}

// retryDelay is the wait before retry number attempt (1-based): BackoffBase
// doubled per attempt up to BackoffMax, randomized by half in either direction.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	b := NewBackOff(d.opts.BackoffBase, d.opts.BackoffMax)
	var delay time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (d *Dispatcher) scheduleRetry(job Job, delay time.Duration, cause error) {
	d.retryMu.Lock()
	if d.retryClosed {
		d.retryMu.Unlock()
		d.deadLetter(job, ReasonShutdown, cause)
		return
	}
	d.retryWG.Add(1)
	d.retries[job.ID] = &pendingRetry{
		job: job,
		timer: time.AfterFunc(delay, func() {
			defer d.retryWG.Done()
			d.fireRetry(job, cause)
		}),
	}
	d.retryMu.Unlock()
}

func (d *Dispatcher) fireRetry(job Job, cause error) {
	d.retryMu.Lock()
	delete(d.retries, job.ID)
	d.retryMu.Unlock()

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.deadLetter(job, ReasonShutdown, cause)
		return
	}
	select {
	case d.queue <- job:
		d.mu.RUnlock()
	default:
		d.mu.RUnlock()
		d.deadLetter(job, ReasonQueueFull, errQueueFull)
	}
}

// cancelRetries stops timers that have not fired yet and dead-letters their
// jobs. Timers that already fired see the closed flag in fireRetry.
func (d *Dispatcher) cancelRetries() {
	d.retryMu.Lock()
	d.retryClosed = true
	pending := make([]*pendingRetry, 0, len(d.retries))
	for id, r := range d.retries {
		pending = append(pending, r)
		delete(d.retries, id)
	}
	d.retryMu.Unlock()

	for _, r := range pending {
		if r.timer.Stop() {
			d.deadLetter(r.job, ReasonShutdown, ErrDispatcherClosed)
			d.retryWG.Done()
		}
	}
}

func (d *Dispatcher) deadLetter(job Job, reason string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.DeliveryTimeout)
	defer cancel()

	d.metrics.RecordNotificationDeadLettered(ctx, reason)

	if d.deadLetters == nil {
		d.logger.Error("notification dropped, no dead-letter store",
			"job_id", job.ID,
			"recipient_id", job.RecipientID,
			"record_id", job.RecordID,
			"reason", reason,
		)
		return
	}

	if err := d.deadLetters.Save(ctx, newDeadLetter(job, reason, cause)); err != nil {
		d.logger.Error("failed to persist dead-lettered notification",
			"job_id", job.ID,
			"recipient_id", job.RecipientID,
			"record_id", job.RecordID,
			"reason", reason,
			"payload", job.Payload,
			"error", err,
		)
	}
}
