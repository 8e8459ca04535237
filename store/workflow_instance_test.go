package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/workflow"
)

func newMockInstanceStore(t *testing.T) (*InstanceStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewInstanceStore(sqlxDB), mock, func() { db.Close() }
}

func TestUpdateStatusSucceedsOnMatchingLockOwner(t *testing.T) {
	store, mock, closeDB := newMockInstanceStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE workflow_instances SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	inst := &workflow.Instance{ID: "i1", Status: workflow.InstanceRunning, LockOwner: "engine-a"}
	if err := store.UpdateStatus(context.Background(), inst, "engine-a"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStatusReportsLeaseLostOnZeroRowsAffected(t *testing.T) {
	store, mock, closeDB := newMockInstanceStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE workflow_instances SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inst := &workflow.Instance{ID: "i1", Status: workflow.InstanceRunning, LockOwner: "engine-a"}
	err := store.UpdateStatus(context.Background(), inst, "engine-a")
	if !apperror.IsLeaseLost(err) {
		t.Errorf("expected lease-lost error, got %v", err)
	}
}
