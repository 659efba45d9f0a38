package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"attendance-service/internal/counter"
	"attendance-service/internal/metrics"
	"attendance-service/internal/notification"
	"attendance-service/internal/school"

	"github.com/cenkalti/backoff/v5"
)

// Dispatcher accepts notification jobs without blocking on delivery.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobs []notification.Job) error
}

// CounterLedger applies the counter task the store commits with each batch of
// records. Settle is safe to repeat; Defer hands the task to reconciliation.
type CounterLedger interface {
	Settle(ctx context.Context, taskID int64) (counter.Outcome, error)
	Defer(ctx context.Context, taskID int64, cause error) error
}

// CounterReader reads the daily counter.
type CounterReader interface {
	Today(ctx context.Context, schoolID int, date time.Time) (counter.Snapshot, error)
}

type MarkRequest struct {
	ChildID  int
	Status   string
	MarkedBy int
	// Timestamp defaults to the pipeline clock when zero.
	Timestamp time.Time
}

type BulkRequest struct {
	SchoolID  int
	ChildIDs  []int
	Status    string
	MarkedBy  int
	Timestamp time.Time
}

type Result struct {
	RecordIDs       []int
	SchoolID        int
	EventDate       time.Time
	CounterOutcome  counter.Outcome
	CounterDeferred bool
	// CounterErr wraps ErrCounter when CounterDeferred is set.
	CounterErr          error
	NotificationsQueued int
}

type Service interface {
	MarkAttendance(ctx context.Context, req MarkRequest) (*Result, error)
	MarkBulkAttendance(ctx context.Context, req BulkRequest) (*Result, error)
	Today(ctx context.Context, schoolID int) (counter.Snapshot, error)
}

type Options struct {
	Statuses          []string
	Location          *time.Location
	QueryTimeout      time.Duration
	CounterMaxRetries int
	CounterRetryBase  time.Duration
	CounterRetryMax   time.Duration
	Now               func() time.Time
}

// Pipeline records attendance in order: validate, prefetch, persist, bump the
// daily counter, enqueue guardian notifications. A failure before the write
// leaves no trace; failures after it never undo the write. The counter task is
// committed with the records, so an increment interrupted after the write is
// still applied by the reconciler.
type Pipeline struct {
	prefetcher school.Prefetcher
	store      Store
	counter    CounterReader
	ledger     CounterLedger
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewPipeline(prefetcher school.Prefetcher, store Store, counters CounterReader, ledger CounterLedger, dispatcher Dispatcher, opts Options, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Second
	}
	if opts.CounterRetryBase <= 0 {
		opts.CounterRetryBase = 50 * time.Millisecond
	}
	if opts.CounterRetryMax < opts.CounterRetryBase {
		opts.CounterRetryMax = opts.CounterRetryBase
	}
	return &Pipeline{
		prefetcher: prefetcher,
		store:      store,
		counter:    counters,
		ledger:     ledger,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		metrics:    m,
	}
}

func (p *Pipeline) MarkAttendance(ctx context.Context, req MarkRequest) (*Result, error) {
	if req.ChildID <= 0 {
		return nil, fmt.Errorf("%w: child id must be positive", ErrValidation)
	}
	if err := p.validate(req.Status, req.MarkedBy); err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
	child, err := p.prefetcher.LoadChild(fetchCtx, req.ChildID)
	cancel()
	if err != nil {
		return nil, classifyPrefetch(err)
	}

	ts := p.timestamp(req.Timestamp)
	entry := Entry{
		ChildID:   child.ID,
		SchoolID:  child.SchoolID,
		Status:    req.Status,
		Timestamp: ts,
		MarkedBy:  req.MarkedBy,
	}

	eventDate := counter.Day(ts, p.opts.Location)

	storeCtx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
	receipt, err := p.store.RecordOne(storeCtx, entry, eventDate)
	cancel()
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to persist attendance record", "child_id", child.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	p.metrics.RecordRecordsCreated(ctx, ModeSingle, 1)

	res := &Result{
		RecordIDs: receipt.RecordIDs,
		SchoolID:  child.SchoolID,
		EventDate: eventDate,
	}

	// The record is committed; the caller going away must not skip the rest.
	after := context.WithoutCancel(ctx)
	p.applyCounter(after, res, receipt.TaskID)
	p.dispatch(after, res, notificationJobs([]*school.Child{child}, receipt.RecordIDs, req.Status, ts))

	p.logger.InfoContext(ctx, "attendance recorded",
		"record_id", receipt.RecordIDs[0],
		"child_id", child.ID,
		"school_id", child.SchoolID,
		"status", req.Status,
		"counter_outcome", res.CounterOutcome,
		"notifications", res.NotificationsQueued,
	)
	return res, nil
}

func (p *Pipeline) MarkBulkAttendance(ctx context.Context, req BulkRequest) (*Result, error) {
	if req.SchoolID <= 0 {
		return nil, fmt.Errorf("%w: school id must be positive", ErrValidation)
	}
	if len(req.ChildIDs) == 0 {
		return nil, fmt.Errorf("%w: child ids must not be empty", ErrValidation)
	}
	for _, id := range req.ChildIDs {
		if id <= 0 {
			return nil, fmt.Errorf("%w: child id %d must be positive", ErrValidation, id)
		}
	}
	if err := p.validate(req.Status, req.MarkedBy); err != nil {
		return nil, err
	}

	childIDs := school.UniqueIDs(req.ChildIDs)
	p.metrics.RecordBulkBatchSize(ctx, len(childIDs))

	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
	sch, err := p.prefetcher.LoadSchoolChildren(fetchCtx, req.SchoolID, childIDs)
	cancel()
	if err != nil {
		return nil, classifyPrefetch(err)
	}

	ts := p.timestamp(req.Timestamp)
	entries := make([]Entry, len(sch.Children))
	for i, child := range sch.Children {
		entries[i] = Entry{
			ChildID:   child.ID,
			SchoolID:  sch.ID,
			Status:    req.Status,
			Timestamp: ts,
			MarkedBy:  req.MarkedBy,
		}
	}

	eventDate := counter.Day(ts, p.opts.Location)

	storeCtx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
	receipt, err := p.store.RecordMany(storeCtx, entries, eventDate)
	cancel()
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to persist bulk attendance", "school_id", sch.ID, "children", len(entries), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	p.metrics.RecordRecordsCreated(ctx, ModeBulk, len(receipt.RecordIDs))

	res := &Result{
		RecordIDs: receipt.RecordIDs,
		SchoolID:  sch.ID,
		EventDate: eventDate,
	}

	after := context.WithoutCancel(ctx)
	p.applyCounter(after, res, receipt.TaskID)
	p.dispatch(after, res, notificationJobs(sch.Children, receipt.RecordIDs, req.Status, ts))

	p.logger.InfoContext(ctx, "bulk attendance recorded",
		"school_id", sch.ID,
		"records", len(receipt.RecordIDs),
		"status", req.Status,
		"counter_outcome", res.CounterOutcome,
		"notifications", res.NotificationsQueued,
	)
	return res, nil
}

func (p *Pipeline) Today(ctx context.Context, schoolID int) (counter.Snapshot, error) {
	if schoolID <= 0 {
		return counter.Snapshot{}, fmt.Errorf("%w: school id must be positive", ErrValidation)
	}

	readCtx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
	defer cancel()

	snap, err := p.counter.Today(readCtx, schoolID, counter.Day(p.opts.Now(), p.opts.Location))
	if errors.Is(err, counter.ErrSchoolNotFound) {
		return counter.Snapshot{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err != nil {
		return counter.Snapshot{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return snap, nil
}

func (p *Pipeline) validate(status string, markedBy int) error {
	if !slices.Contains(p.opts.Statuses, status) {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if markedBy <= 0 {
		return fmt.Errorf("%w: marked_by must identify a staff member", ErrValidation)
	}
	return nil
}

func (p *Pipeline) timestamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return p.opts.Now()
	}
	return ts
}

// applyCounter settles the counter task committed with the records, retrying
// transient failures. When retries run out the task is deferred to the
// reconciler. It never fails the call.
func (p *Pipeline) applyCounter(ctx context.Context, res *Result, taskID int64) {
	delta := len(res.RecordIDs)

	schedule := notification.NewBackOff(p.opts.CounterRetryBase, p.opts.CounterRetryMax)

	attempt := 0
	outcome, err := backoff.Retry(ctx, func() (counter.Outcome, error) {
		attempt++
		settleCtx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
		defer cancel()

		outcome, err := p.ledger.Settle(settleCtx, taskID)
		if errors.Is(err, counter.ErrSchoolNotFound) || errors.Is(err, counter.ErrInvalidDelta) {
			return "", backoff.Permanent(err)
		}
		return outcome, err
	},
		backoff.WithBackOff(schedule),
		backoff.WithMaxTries(uint(max(p.opts.CounterMaxRetries, 0)+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.WarnContext(ctx, "daily counter update failed",
				"school_id", res.SchoolID,
				"task_id", taskID,
				"attempt", attempt,
				"retry_in", next,
				"error", err,
			)
		}),
	)

	if err == nil {
		res.CounterOutcome = outcome
		p.metrics.RecordCounterUpdate(ctx, string(outcome))
		if outcome == counter.OutcomeStale {
			p.logger.InfoContext(ctx, "attendance event predates the school's current day, counter unchanged",
				"school_id", res.SchoolID,
				"event_date", res.EventDate.Format(time.DateOnly),
			)
		}
		return
	}

	res.CounterErr = fmt.Errorf("%w: school %d delta %d: %w", ErrCounter, res.SchoolID, delta, err)

	if errors.Is(err, counter.ErrSchoolNotFound) {
		// The task is resolved; there is no counter left to bump.
		p.logger.WarnContext(ctx, "school vanished before its counter was updated",
			"school_id", res.SchoolID,
			"task_id", taskID,
		)
		return
	}

	res.CounterDeferred = true
	p.metrics.RecordCounterEscalation(ctx)

	if deferErr := p.ledger.Defer(context.WithoutCancel(ctx), taskID, err); deferErr != nil {
		// The task is still open, so the reconciler picks it up after its grace period.
		p.logger.ErrorContext(ctx, "failed to defer counter task",
			"school_id", res.SchoolID,
			"task_id", taskID,
			"delta", delta,
			"event_date", res.EventDate.Format(time.DateOnly),
			"cause", err,
			"error", deferErr,
		)
		return
	}

	p.logger.WarnContext(ctx, "counter increment deferred to reconciliation",
		"school_id", res.SchoolID,
		"task_id", taskID,
		"delta", delta,
		"error", err,
	)
}

func (p *Pipeline) dispatch(ctx context.Context, res *Result, jobs []notification.Job) {
	if len(jobs) == 0 {
		return
	}
	if err := p.dispatcher.Enqueue(ctx, jobs); err != nil {
		p.logger.ErrorContext(ctx, "notifications not queued", "jobs", len(jobs), "error", err)
		return
	}
	res.NotificationsQueued = len(jobs)
}

// notificationJobs builds one job per guardian of each child; recordIDs[i]
// belongs to children[i].
func notificationJobs(children []*school.Child, recordIDs []int, status string, ts time.Time) []notification.Job {
	var jobs []notification.Job
	for i, child := range children {
		msg := notification.Message{
			ChildID:   child.ID,
			ChildName: child.Name,
			SchoolID:  child.SchoolID,
			Status:    status,
			Timestamp: ts,
			Text:      fmt.Sprintf("%s marked %s", child.Name, status),
		}
		for _, g := range child.Guardians {
			jobs = append(jobs, notification.NewJob(g.UserID, recordIDs[i], msg))
		}
	}
	return jobs
}

func classifyPrefetch(err error) error {
	switch {
	case errors.Is(err, school.ErrChildNotFound),
		errors.Is(err, school.ErrSchoolNotFound),
		errors.Is(err, school.ErrChildrenNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return fmt.Errorf("%w: prefetch: %w", ErrStore, err)
	}
}
