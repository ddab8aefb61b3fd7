package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/scanforge/socscan/internal/apperr"
	"github.com/scanforge/socscan/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestGetReturnsNotFoundOnNoRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM tasks WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteReturnsNotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM tasks WHERE id = \$1`).
		WithArgs("absent").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Delete(context.Background(), "absent")
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteSucceedsWhenRowAffected(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM tasks WHERE id = \$1`).
		WithArgs("task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Delete(context.Background(), "task-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStateReturnsCASMismatchWhenRowStateDiffers(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "name", "description", "task_type", "priority", "creator", "targets", "tool_config",
		"schedule", "max_execution_time_ns", "state", "processed_targets", "total_targets",
		"success_count", "error_count", "created_at", "started_at", "completed_at", "updated_at",
		"retry_count", "max_retries", "retry_delay_ns", "parent_task_id", "child_task_ids",
		"stage_statuses", "error_messages", "cancel_reason",
	}).AddRow(
		"task-1", "scan", "", "port_scan", "normal", "alice", []byte("[]"), []byte("{}"),
		[]byte("null"), int64(0), string(domain.StateRunning), 0, 0,
		0, 0, now, sql.NullTime{}, sql.NullTime{}, now,
		0, 2, int64(0), sql.NullString{}, []byte("[]"),
		[]byte("[]"), []byte("[]"), "",
	)
	mock.ExpectQuery(`SELECT \* FROM tasks WHERE id = \$1 FOR UPDATE`).
		WithArgs("task-1").
		WillReturnRows(rows)
	mock.ExpectRollback()

	err := store.UpdateState(context.Background(), "task-1", domain.StatePending, domain.StateRunning, nil)
	if err != domain.ErrCASMismatch {
		t.Fatalf("expected CAS mismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
