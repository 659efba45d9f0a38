package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	commonmetrics "attendance-service/common/metrics"
	"attendance-service/internal/counter"
	"attendance-service/internal/metrics"

	"github.com/robfig/cron/v3"
	"github.com/uptrace/bun"
)

const ResolutionSchoolMissing = "school_missing"

type Options struct {
	Schedule  string
	BatchSize int
	// Grace is how long a fresh task belongs to the request that opened it.
	// After that the request is assumed gone and the reconciler takes over.
	Grace       time.Duration
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.Schedule == "" {
		o.Schedule = "@every 1m"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Grace < 0 {
		o.Grace = 0
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	return o
}

// Reconciler settles counter tasks. Requests settle their own task right after
// the write; the cron job picks up tasks whose request gave up or never came
// back. Every task is applied in its own transaction, so the increment and the
// resolution commit together and a failing task never holds back the others.
type Reconciler struct {
	db        *bun.DB
	opts      Options
	timeout   time.Duration
	logger    *slog.Logger
	dbMetrics *commonmetrics.Metrics
	metrics   *metrics.Metrics
	cron      *cron.Cron
}

func NewReconciler(db *bun.DB, opts Options, logger *slog.Logger, dbm *commonmetrics.Metrics, m *metrics.Metrics) *Reconciler {
	cl := cronLogger{logger: logger}
	return &Reconciler{
		db:        db,
		opts:      opts.withDefaults(),
		timeout:   time.Minute,
		logger:    logger,
		dbMetrics: dbm,
		metrics:   m,
		cron:      cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
}

func (r *Reconciler) Start() error {
	_, err := r.cron.AddFunc(r.opts.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("counter reconciliation run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule counter reconciler: %w", err)
	}

	r.cron.Start()
	r.logger.Info("counter reconciler started",
		"schedule", r.opts.Schedule,
		"batch_size", r.opts.BatchSize,
		"grace", r.opts.Grace,
		"max_attempts", r.opts.MaxAttempts,
	)
	return nil
}

// Stop waits for a running batch to finish or for ctx to expire.
func (r *Reconciler) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settle applies task id to the counter unless it is already resolved, in
// which case the recorded outcome is returned. A missing school resolves the
// task and is reported as counter.ErrSchoolNotFound.
func (r *Reconciler) Settle(ctx context.Context, id int64) (counter.Outcome, error) {
	res, err := r.settle(ctx, id)
	if err != nil {
		return "", err
	}
	if res.resolution == ResolutionSchoolMissing {
		return "", fmt.Errorf("%w: id %d", counter.ErrSchoolNotFound, res.task.SchoolID)
	}
	return counter.Outcome(res.resolution), nil
}

// Defer records a failed settlement so the next run picks the task up without
// waiting for the grace period.
func (r *Reconciler) Defer(ctx context.Context, id int64, cause error) error {
	return NewRepository(r.db, r.dbMetrics).MarkFailed(ctx, id, cause)
}

// RunOnce settles up to one batch of due tasks and returns how many it
// resolved. Tasks that fail are marked and left for a later run.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	repo := NewRepository(r.db, r.dbMetrics)

	ids, err := repo.Due(ctx, time.Now().Add(-r.opts.Grace), r.opts.MaxAttempts, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	resolved, failed := 0, 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}

		res, err := r.settle(ctx, id)
		if err != nil {
			failed++
			r.logger.WarnContext(ctx, "counter task not settled", "task_id", id, "error", err)
			if markErr := repo.MarkFailed(ctx, id, err); markErr != nil {
				r.logger.ErrorContext(ctx, "failed to record reconciliation attempt", "task_id", id, "error", markErr)
			}
			continue
		}
		if !res.applied {
			continue
		}

		r.metrics.RecordCounterUpdate(ctx, res.resolution)
		resolved++

		if res.task.Attempts == 0 {
			// Nobody reported back for this task: the request stopped between
			// the write and the counter step.
			r.metrics.RecordCounterRecovery(ctx)
			r.logger.WarnContext(ctx, "recovered counter increment of an interrupted request, guardian notifications may be missing",
				"task_id", id,
				"school_id", res.task.SchoolID,
				"delta", res.task.Delta,
				"event_date", res.task.EventDate.Format(time.DateOnly),
				"record_ids", res.task.RecordIDs,
			)
		}
	}

	if resolved > 0 || failed > 0 {
		r.logger.InfoContext(ctx, "counter tasks reconciled", "resolved", resolved, "failed", failed)
	}
	return resolved, nil
}

type settlement struct {
	task       *Task
	resolution string
	// applied is false when another caller had already resolved the task.
	applied bool
}

func (r *Reconciler) settle(ctx context.Context, id int64) (settlement, error) {
	var res settlement

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		repo := NewRepository(tx, r.dbMetrics)

		task, err := repo.Claim(ctx, id)
		if err != nil {
			return err
		}
		res.task = task

		if task.ResolvedAt != nil {
			res.resolution = task.Resolution
			return nil
		}

		outcome, _, err := counter.NewService(tx, r.dbMetrics).IncrementBy(ctx, task.SchoolID, task.Delta, task.EventDate)
		resolution := string(outcome)
		switch {
		case errors.Is(err, counter.ErrSchoolNotFound):
			resolution = ResolutionSchoolMissing
		case err != nil:
			return err
		}

		if err := repo.MarkResolved(ctx, id, resolution); err != nil {
			return err
		}
		res.resolution = resolution
		res.applied = true
		return nil
	})
	if err != nil {
		r.dbMetrics.Database.RecordRollback(ctx, "counter_reconciliations")
		return settlement{}, err
	}
	return res, nil
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
