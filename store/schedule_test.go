package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/scheduler"
)

func newMockScheduleStore(t *testing.T) (*ScheduleStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewScheduleStore(sqlxDB), mock, func() { db.Close() }
}

func TestScheduleUpdateReportsNotFoundOnZeroRows(t *testing.T) {
	store, mock, closeDB := newMockScheduleStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE schedule_definitions SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), &scheduler.Schedule{Name: "nightly-sync", CronExpression: "0 0 * * *", Timezone: "UTC"})
	if apperror.KindOf(err) != apperror.KindNotFound {
		t.Errorf("expected not-found kind, got %v", apperror.KindOf(err))
	}
}

func TestScheduleCreateInsertsRow(t *testing.T) {
	store, mock, closeDB := newMockScheduleStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO schedule_definitions").WillReturnResult(sqlmock.NewResult(0, 1))

	sched := &scheduler.Schedule{Name: "nightly-sync", CronExpression: "0 0 * * *", Timezone: "UTC", Enabled: true}
	if err := store.Create(context.Background(), sched); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExecutionStoreCreateGeneratesID(t *testing.T) {
	store, mock, closeDB := newMockScheduleStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO schedule_executions").WillReturnResult(sqlmock.NewResult(0, 1))

	exec := &scheduler.Execution{ScheduleName: "nightly-sync", Status: scheduler.ExecutionDispatched}
	if err := store.Executions().Create(context.Background(), exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if exec.ID == "" {
		t.Errorf("expected a generated execution id")
	}
}
