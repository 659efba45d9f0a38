package counter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"attendance-service/common/metrics"
	"attendance-service/internal/school"

	"github.com/uptrace/bun"
)

var (
	ErrSchoolNotFound = errors.New("school not found")
	ErrInvalidDelta   = errors.New("increment must be positive")
)

type Outcome string

const (
	// OutcomeApplied means n was added to the counter of the stored day.
	OutcomeApplied Outcome = "applied"
	// OutcomeRolledOver means the event opened a new day and the counter restarted at n.
	OutcomeRolledOver Outcome = "rolled_over"
	// OutcomeStale means the event date is before the stored day and nothing changed.
	OutcomeStale Outcome = "stale"
)

type Snapshot struct {
	SchoolID int       `json:"school_id"`
	Date     time.Time `json:"date"`
	Count    int       `json:"count"`
}

// Service maintains schools.today_attendance_count/count_date. All writes go
// through a single guarded UPDATE so concurrent callers never lose increments.
type Service interface {
	IncrementBy(ctx context.Context, schoolID int, n int, eventDate time.Time) (Outcome, Snapshot, error)
	Today(ctx context.Context, schoolID int, date time.Time) (Snapshot, error)
}

type service struct {
	db      bun.IDB
	metrics *metrics.Metrics
}

func NewService(db bun.IDB, m *metrics.Metrics) Service {
	return &service{
		db:      db,
		metrics: m,
	}
}

// Day truncates t to its calendar date in loc, expressed as midnight UTC so it
// compares cleanly with a DATE column.
func Day(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *service) IncrementBy(ctx context.Context, schoolID int, n int, eventDate time.Time) (Outcome, Snapshot, error) {
	if n <= 0 {
		return "", Snapshot{}, fmt.Errorf("%w: %d", ErrInvalidDelta, n)
	}
	day := dateString(eventDate)

	var (
		count  int
		stored time.Time
		prev   sql.NullTime
	)

	// prev locks the row and yields the day stored before this statement, so
	// the outcome does not depend on the resulting count.
	start := time.Now()
	err := s.db.NewUpdate().
		Model((*school.School)(nil)).
		TableExpr("(SELECT id, count_date FROM schools WHERE id = ? FOR UPDATE) AS prev", schoolID).
		Set("today_attendance_count = CASE WHEN s.count_date = ?::date THEN s.today_attendance_count + ? ELSE ? END", day, n, n).
		Set("count_date = ?::date", day).
		Where("s.id = ?", schoolID).
		Where("prev.id = s.id").
		Where("s.count_date IS NULL OR s.count_date <= ?::date", day).
		Returning("s.today_attendance_count, s.count_date, prev.count_date").
		Scan(ctx, &count, &stored, &prev)

	s.metrics.Database.RecordQuery(ctx, "update", "schools", time.Since(start), err)

	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return "", Snapshot{}, err
		}
		return s.resolveNoop(ctx, schoolID)
	}

	outcome := OutcomeRolledOver
	if prev.Valid && dateString(prev.Time) == day {
		outcome = OutcomeApplied
	}

	return outcome, Snapshot{SchoolID: schoolID, Date: stored.UTC(), Count: count}, nil
}

// resolveNoop distinguishes a missing school from an out-of-order event once
// the guarded UPDATE matched no row.
func (s *service) resolveNoop(ctx context.Context, schoolID int) (Outcome, Snapshot, error) {
	current, err := s.load(ctx, schoolID)
	if err != nil {
		return "", Snapshot{}, err
	}
	return OutcomeStale, current, nil
}

// Today reports the counter for date. A stored day other than date means no
// record for date has been counted yet, so the count is 0.
func (s *service) Today(ctx context.Context, schoolID int, date time.Time) (Snapshot, error) {
	current, err := s.load(ctx, schoolID)
	if err != nil {
		return Snapshot{}, err
	}
	if dateString(current.Date) != dateString(date) {
		return Snapshot{SchoolID: schoolID, Date: date, Count: 0}, nil
	}
	return current, nil
}

func (s *service) load(ctx context.Context, schoolID int) (Snapshot, error) {
	start := time.Now()
	row := new(school.School)
	err := s.db.NewSelect().
		Model(row).
		Column("s.id", "s.today_attendance_count", "s.count_date").
		Where("s.id = ?", schoolID).
		Scan(ctx)

	s.metrics.Database.RecordQuery(ctx, "select", "schools", time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, fmt.Errorf("%w: id %d", ErrSchoolNotFound, schoolID)
		}
		return Snapshot{}, err
	}

	snap := Snapshot{SchoolID: row.ID, Count: row.TodayAttendanceCount}
	if row.CountDate != nil {
		snap.Date = row.CountDate.UTC()
	}
	return snap, nil
}

func dateString(t time.Time) string {
	return t.Format(time.DateOnly)
}
