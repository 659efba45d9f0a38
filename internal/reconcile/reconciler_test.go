package reconcile_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	commonmetrics "attendance-service/common/metrics"
	"attendance-service/internal/counter"
	"attendance-service/internal/metrics"
	"attendance-service/internal/reconcile"
	"attendance-service/internal/school"
	"attendance-service/testing/testdb"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func day(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

func setupMockRepository(t *testing.T) (sqlmock.Sqlmock, reconcile.Repository) {
	t.Helper()
	sqldb, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() { _ = db.Close() })
	return mock, reconcile.NewRepository(db, commonmetrics.NewMock())
}

func TestRepository_Open(t *testing.T) {
	mock, repo := setupMockRepository(t)

	mock.ExpectQuery(`INSERT INTO "counter_reconciliations" .+'\{11,12,13\}'.+RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))

	task, err := repo.Open(context.Background(), 7, 3, day("2024-01-10"), []int{11, 12, 13})
	require.NoError(t, err)
	assert.Equal(t, int64(5), task.ID)
	assert.Equal(t, 3, task.Delta)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ClaimMissingTask(t *testing.T) {
	mock, repo := setupMockRepository(t)

	mock.ExpectQuery(`SELECT .+ FROM "counter_reconciliations" AS "cr" WHERE \(cr.id = 5\) FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Claim(context.Background(), 5)
	assert.ErrorIs(t, err, reconcile.ErrTaskNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_DueSkipsExhaustedTasks(t *testing.T) {
	mock, repo := setupMockRepository(t)

	mock.ExpectQuery(`SELECT cr.id FROM "counter_reconciliations" AS "cr" WHERE \(cr.resolved_at IS NULL\) AND \(cr.attempts < 4\) AND \(cr.attempts > 0 OR cr.created_at < .+\) ORDER BY cr.id ASC LIMIT 20`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3).AddRow(9))

	ids, err := repo.Due(context.Background(), time.Now(), 4, 20)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 9}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconciler_Postgres(t *testing.T) {
	pg := testdb.SetupSharedPostgres(t)
	school.RegisterModels(pg.DB)
	pg.RunMigrations(t, school.Models()...)
	pg.RunMigrations(t, (*reconcile.Task)(nil))

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := reconcile.NewRepository(pg.DB, commonmetrics.NewMock())

	newReconciler := func(opts reconcile.Options) *reconcile.Reconciler {
		return reconcile.NewReconciler(pg.DB, opts, logger, commonmetrics.NewMock(), metrics.NewMock())
	}
	reconciler := newReconciler(reconcile.Options{BatchSize: 10})

	newSchool := func(t *testing.T, count int, d *time.Time) int {
		t.Helper()
		testdb.CleanupTables(t, pg.DB, "schools", "counter_reconciliations")
		s := &school.School{Name: "Oak Hill", TodayAttendanceCount: count, CountDate: d}
		_, err := pg.DB.NewInsert().Model(s).Exec(ctx)
		require.NoError(t, err)
		return s.ID
	}

	open := func(t *testing.T, schoolID, delta int, d time.Time) int64 {
		t.Helper()
		task, err := repo.Open(ctx, schoolID, delta, d, nil)
		require.NoError(t, err)
		return task.ID
	}

	tasks := func(t *testing.T) []*reconcile.Task {
		t.Helper()
		var out []*reconcile.Task
		require.NoError(t, pg.DB.NewSelect().Model(&out).OrderExpr("cr.id ASC").Scan(ctx))
		return out
	}

	todayCount := func(t *testing.T, id int) int {
		t.Helper()
		s := new(school.School)
		require.NoError(t, pg.DB.NewSelect().Model(s).Where("s.id = ?", id).Scan(ctx))
		return s.TodayAttendanceCount
	}

	t.Run("AppliesOpenTasks", func(t *testing.T) {
		d := day("2024-01-10")
		id := newSchool(t, 4, &d)

		deferred := open(t, id, 1, d)
		require.NoError(t, reconciler.Defer(ctx, deferred, errors.New("timeout")))
		open(t, id, 5, d)

		resolved, err := reconciler.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, resolved)
		assert.Equal(t, 10, todayCount(t, id))

		for _, task := range tasks(t) {
			assert.NotNil(t, task.ResolvedAt)
			assert.Equal(t, "applied", task.Resolution)
		}

		resolved, err = reconciler.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, resolved, "resolved tasks are not applied twice")
	})

	t.Run("SettleAppliesOnce", func(t *testing.T) {
		d := day("2024-01-10")
		id := newSchool(t, 4, &d)
		taskID := open(t, id, 2, d)

		outcome, err := reconciler.Settle(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, counter.OutcomeApplied, outcome)

		outcome, err = reconciler.Settle(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, counter.OutcomeApplied, outcome)
		assert.Equal(t, 6, todayCount(t, id))

		resolved, err := reconciler.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, resolved)
	})

	t.Run("GraceLeavesFreshTasksToTheirRequest", func(t *testing.T) {
		d := day("2024-01-10")
		id := newSchool(t, 0, &d)
		taskID := open(t, id, 3, d)

		patient := newReconciler(reconcile.Options{BatchSize: 10, Grace: time.Hour})

		resolved, err := patient.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, resolved)
		assert.Zero(t, todayCount(t, id))

		require.NoError(t, patient.Defer(ctx, taskID, errors.New("timeout")))

		resolved, err = patient.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, resolved)
		assert.Equal(t, 3, todayCount(t, id))
	})

	t.Run("StaleIncrementIsResolvedWithoutChange", func(t *testing.T) {
		d := day("2024-01-10")
		id := newSchool(t, 4, &d)

		open(t, id, 2, d.AddDate(0, 0, -1))

		resolved, err := reconciler.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, resolved)
		assert.Equal(t, 4, todayCount(t, id))

		got := tasks(t)
		require.Len(t, got, 1)
		assert.Equal(t, "stale", got[0].Resolution)
	})

	t.Run("MissingSchoolIsResolved", func(t *testing.T) {
		newSchool(t, 0, nil)

		taskID := open(t, 999999, 1, day("2024-01-10"))

		_, err := reconciler.Settle(ctx, taskID)
		assert.ErrorIs(t, err, counter.ErrSchoolNotFound)

		got := tasks(t)
		require.Len(t, got, 1)
		assert.Equal(t, reconcile.ResolutionSchoolMissing, got[0].Resolution)

		resolved, err := reconciler.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, resolved)
	})

	t.Run("FailingTaskDoesNotBlockOthers", func(t *testing.T) {
		d := day("2024-01-10")
		id := newSchool(t, 0, &d)

		broken := open(t, id, 0, d)
		open(t, id, 2, d)
		open(t, id, 3, d)

		limited := newReconciler(reconcile.Options{BatchSize: 10, MaxAttempts: 3})

		resolved, err := limited.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, resolved)
		assert.Equal(t, 5, todayCount(t, id))

		for i := 0; i < 5; i++ {
			resolved, err = limited.RunOnce(ctx)
			require.NoError(t, err)
			assert.Zero(t, resolved)
		}

		got := tasks(t)
		require.Len(t, got, 3)
		assert.Equal(t, broken, got[0].ID)
		assert.Nil(t, got[0].ResolvedAt)
		assert.Equal(t, 3, got[0].Attempts, "attempts stop at the ceiling")
		assert.Contains(t, got[0].LastError, "increment must be positive")
	})

	t.Run("BatchSizeLimitsWork", func(t *testing.T) {
		d := day("2024-01-10")
		id := newSchool(t, 0, &d)

		for i := 0; i < 15; i++ {
			open(t, id, 1, d)
		}

		resolved, err := reconciler.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, resolved)

		resolved, err = reconciler.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, resolved)
		assert.Equal(t, 15, todayCount(t, id))
	})

	t.Run("StartAndStop", func(t *testing.T) {
		r := newReconciler(reconcile.Options{Schedule: "@every 1h", BatchSize: 10})
		require.NoError(t, r.Start())

		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		assert.NoError(t, r.Stop(stopCtx))
	})

	t.Run("InvalidSchedule", func(t *testing.T) {
		r := newReconciler(reconcile.Options{Schedule: "not a schedule"})
		assert.Error(t, r.Start())
	})
}
