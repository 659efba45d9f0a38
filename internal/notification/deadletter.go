package notification

import (
	"context"
	"time"

	"attendance-service/common/metrics"

	"github.com/uptrace/bun"
)

// DeadLetterStore keeps jobs that could not be delivered.
type DeadLetterStore interface {
	Save(ctx context.Context, dl *DeadLetter) error
}

type deadLetterRepository struct {
	db      bun.IDB
	metrics *metrics.Metrics
}

func NewDeadLetterRepository(db bun.IDB, m *metrics.Metrics) DeadLetterStore {
	return &deadLetterRepository{
		db:      db,
		metrics: m,
	}
}

func (r *deadLetterRepository) Save(ctx context.Context, dl *DeadLetter) error {
	start := time.Now()
	_, err := r.db.NewInsert().Model(dl).Exec(ctx)

	r.metrics.Database.RecordQuery(ctx, "insert", "notification_dead_letters", time.Since(start), err)

	return err
}
