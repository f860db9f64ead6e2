package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/R3E-Network/flowexec/internal/domain"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, nil), mock
}

func TestClaimExecution_NoExistingClaim(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, expires_at FROM execution_claims`).
		WithArgs("exec-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO execution_claims`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := s.ClaimExecution(context.Background(), "exec-1", "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatal("expected claim to succeed when no prior claim exists")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimExecution_ActiveClaimHeldByOther(t *testing.T) {
	s, mock := newMockStore(t)

	future := time.Now().Add(time.Hour)
	rows := sqlmock.NewRows([]string{"status", "expires_at"}).AddRow(string(domain.ClaimActive), future)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, expires_at FROM execution_claims`).
		WithArgs("exec-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	claimed, err := s.ClaimExecution(context.Background(), "exec-1", "worker-2", 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Fatal("expected claim to fail while another worker's claim is still active")
	}
}

func TestClaimExecution_ExpiredClaimReplaced(t *testing.T) {
	s, mock := newMockStore(t)

	past := time.Now().Add(-time.Hour)
	rows := sqlmock.NewRows([]string{"status", "expires_at"}).AddRow(string(domain.ClaimActive), past)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, expires_at FROM execution_claims`).
		WithArgs("exec-1").
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE execution_claims SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := s.ClaimExecution(context.Background(), "exec-1", "worker-2", 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatal("expected claim to succeed when the prior claim is expired")
	}
}
