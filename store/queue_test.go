package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/queue"
)

func newMockQueueStore(t *testing.T) (*QueueStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewQueueStore(sqlxDB), mock, func() { db.Close() }
}

func TestEnqueueInsertsWaitingJob(t *testing.T) {
	store, mock, closeDB := newMockQueueStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO queue_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	job := &queue.Job{GroupName: "g1", Payload: map[string]interface{}{"executor": "noop"}}
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.ID == "" {
		t.Errorf("expected a generated job id")
	}
	if job.Shelf != queue.ShelfWaiting {
		t.Errorf("expected waiting shelf, got %v", job.Shelf)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnqueueUsesDelayedShelfForFutureDelay(t *testing.T) {
	store, mock, closeDB := newMockQueueStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO queue_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	delay := time.Now().Add(time.Hour)
	job := &queue.Job{GroupName: "g1", DelayUntil: &delay}
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Shelf != queue.ShelfDelayed {
		t.Errorf("expected delayed shelf, got %v", job.Shelf)
	}
}

func TestHeartbeatReportsLeaseLostOnLockOwnerMismatch(t *testing.T) {
	store, mock, closeDB := newMockQueueStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE queue_jobs SET locked_until").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Heartbeat(context.Background(), "j1", "worker-a", 30*time.Second)
	if apperror.KindOf(err) != apperror.KindLeaseLost {
		t.Errorf("expected lease-lost kind, got %v", apperror.KindOf(err))
	}
}

func TestSweepReturnsReclaimedCount(t *testing.T) {
	store, mock, closeDB := newMockQueueStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE queue_jobs SET shelf='waiting'").WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.Sweep(context.Background(), "g1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 reclaimed jobs, got %d", n)
	}
}
