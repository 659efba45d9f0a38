package attendance

import (
	"context"
	"fmt"
	"time"

	"attendance-service/common/metrics"
	"attendance-service/internal/reconcile"

	"github.com/uptrace/bun"
)

// Receipt identifies what one store call committed.
type Receipt struct {
	// RecordIDs follow the order of the entries.
	RecordIDs []int
	// TaskID is the counter task owed for the records, committed with them.
	TaskID int64
}

// Store persists attendance records together with the counter task that
// accounts for them. Either everything commits or nothing does.
type Store interface {
	RecordOne(ctx context.Context, entry Entry, eventDate time.Time) (Receipt, error)
	// RecordMany requires every entry to belong to the same school.
	RecordMany(ctx context.Context, entries []Entry, eventDate time.Time) (Receipt, error)
}

type store struct {
	db        *bun.DB
	chunkSize int
	metrics   *metrics.Metrics
}

func NewStore(db *bun.DB, chunkSize int, m *metrics.Metrics) Store {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &store{
		db:        db,
		chunkSize: chunkSize,
		metrics:   m,
	}
}

func (s *store) RecordOne(ctx context.Context, entry Entry, eventDate time.Time) (Receipt, error) {
	return s.RecordMany(ctx, []Entry{entry}, eventDate)
}

func (s *store) RecordMany(ctx context.Context, entries []Entry, eventDate time.Time) (Receipt, error) {
	if len(entries) == 0 {
		return Receipt{}, nil
	}

	schoolID := entries[0].SchoolID
	records := make([]*Record, len(entries))
	for i, e := range entries {
		if e.SchoolID != schoolID {
			return Receipt{}, fmt.Errorf("entries span schools %d and %d", schoolID, e.SchoolID)
		}
		records[i] = e.record()
	}

	var receipt Receipt

	start := time.Now()
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for lo := 0; lo < len(records); lo += s.chunkSize {
			hi := min(lo+s.chunkSize, len(records))
			chunk := records[lo:hi]
			if _, err := tx.NewInsert().Model(&chunk).Returning("id").Exec(ctx); err != nil {
				return err
			}
		}

		ids := make([]int, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}

		task, err := reconcile.NewRepository(tx, s.metrics).Open(ctx, schoolID, len(ids), eventDate, ids)
		if err != nil {
			return err
		}

		receipt = Receipt{RecordIDs: ids, TaskID: task.ID}
		return nil
	})

	s.metrics.Database.RecordQuery(ctx, "insert", "attendance_records", time.Since(start), err)

	if err != nil {
		s.metrics.Database.RecordRollback(ctx, "attendance_records")
		return Receipt{}, err
	}
	return receipt, nil
}
