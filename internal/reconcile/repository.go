package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"attendance-service/common/metrics"

	"github.com/uptrace/bun"
)

var ErrTaskNotFound = errors.New("counter task not found")

// Task is a counter increment owed to a school's daily counter. It is written
// in the transaction that stores the records it counts and stays open until
// the increment is applied.
type Task struct {
	bun.BaseModel `bun:"table:counter_reconciliations,alias:cr"`

	ID         int64      `bun:"id,pk,autoincrement" json:"id"`
	SchoolID   int        `bun:"school_id,notnull" json:"schoolId"`
	Delta      int        `bun:"delta,notnull" json:"delta"`
	EventDate  time.Time  `bun:"event_date,type:date,notnull" json:"eventDate"`
	RecordIDs  []int      `bun:"record_ids,array" json:"recordIds,omitempty"`
	Attempts   int        `bun:"attempts,notnull,default:0" json:"attempts"`
	LastError  string     `bun:"last_error" json:"lastError,omitempty"`
	Resolution string     `bun:"resolution" json:"resolution,omitempty"`
	CreatedAt  time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
	ResolvedAt *time.Time `bun:"resolved_at" json:"resolvedAt,omitempty"`
}

type Repository interface {
	// Open records the increment owed for recordIDs. Call it inside the
	// transaction that inserts the records.
	Open(ctx context.Context, schoolID, delta int, eventDate time.Time, recordIDs []int) (*Task, error)
	// Claim locks task id until the surrounding transaction ends.
	Claim(ctx context.Context, id int64) (*Task, error)
	// Due lists unresolved tasks below maxAttempts that either failed before
	// or were created before olderThan.
	Due(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]int64, error)
	MarkResolved(ctx context.Context, id int64, resolution string) error
	MarkFailed(ctx context.Context, id int64, cause error) error
}

type repository struct {
	db      bun.IDB
	metrics *metrics.Metrics
}

func NewRepository(db bun.IDB, m *metrics.Metrics) Repository {
	return &repository{
		db:      db,
		metrics: m,
	}
}

func (r *repository) Open(ctx context.Context, schoolID, delta int, eventDate time.Time, recordIDs []int) (*Task, error) {
	task := &Task{
		SchoolID:  schoolID,
		Delta:     delta,
		EventDate: eventDate,
		RecordIDs: recordIDs,
	}

	start := time.Now()
	_, err := r.db.NewInsert().Model(task).Returning("id").Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "insert", "counter_reconciliations", time.Since(start), err)

	if err != nil {
		return nil, err
	}
	return task, nil
}

func (r *repository) Claim(ctx context.Context, id int64) (*Task, error) {
	task := new(Task)

	start := time.Now()
	err := r.db.NewSelect().
		Model(task).
		Where("cr.id = ?", id).
		For("UPDATE").
		Scan(ctx)

	r.metrics.Database.RecordQuery(ctx, "select", "counter_reconciliations", time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrTaskNotFound, id)
		}
		return nil, err
	}
	return task, nil
}

func (r *repository) Due(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]int64, error) {
	var ids []int64

	start := time.Now()
	err := r.db.NewSelect().
		Model((*Task)(nil)).
		Column("cr.id").
		Where("cr.resolved_at IS NULL").
		Where("cr.attempts < ?", maxAttempts).
		Where("cr.attempts > 0 OR cr.created_at < ?", olderThan).
		OrderExpr("cr.id ASC").
		Limit(limit).
		Scan(ctx, &ids)

	r.metrics.Database.RecordQuery(ctx, "select", "counter_reconciliations", time.Since(start), err)

	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repository) MarkResolved(ctx context.Context, id int64, resolution string) error {
	start := time.Now()
	_, err := r.db.NewUpdate().
		Model((*Task)(nil)).
		Set("resolved_at = current_timestamp").
		Set("resolution = ?", resolution).
		Where("cr.id = ?", id).
		Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "update", "counter_reconciliations", time.Since(start), err)

	return err
}

func (r *repository) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	start := time.Now()
	_, err := r.db.NewUpdate().
		Model((*Task)(nil)).
		Set("attempts = cr.attempts + 1").
		Set("last_error = ?", msg).
		Where("cr.id = ?", id).
		Where("cr.resolved_at IS NULL").
		Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "update", "counter_reconciliations", time.Since(start), err)

	return err
}
