package distlock

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSameKeySameLockID(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	a := New(db, "deadletter:batch-1")
	b := New(db, "deadletter:batch-1")
	c := New(db, "deadletter:batch-2")
	if a.lockID != b.lockID {
		t.Error("same key produced different lock ids")
	}
	if a.lockID == c.lockID {
		t.Error("different keys produced the same lock id")
	}
}

func TestAcquireRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	l := New(db, "test-lock")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	acquired, err := l.Acquire(context.Background())
	if err != nil || !acquired {
		t.Fatalf("Acquire = %v, %v", acquired, err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAcquireContended(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	l := New(db, "contended")
	acquired, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if acquired {
		t.Error("acquired a lock held elsewhere")
	}
}
