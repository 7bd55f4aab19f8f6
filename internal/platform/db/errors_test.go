package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestCheckViolation(t *testing.T) {
	err := fmt.Errorf("insert admission: %w", &pgconn.PgError{
		Code:           CodeCheckViolation,
		ConstraintName: "admission_room_category_check",
	})
	name, ok := CheckViolation(err)
	if !ok {
		t.Fatal("expected check violation")
	}
	if name != "admission_room_category_check" {
		t.Errorf("unexpected constraint name %q", name)
	}
	if _, ok := UniqueViolation(err); ok {
		t.Error("check violation reported as unique violation")
	}
}

func TestUniqueViolation(t *testing.T) {
	err := &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "admission_one_active_per_patient"}
	name, ok := UniqueViolation(err)
	if !ok || name != "admission_one_active_per_patient" {
		t.Errorf("expected unique violation on admission_one_active_per_patient, got %q %v", name, ok)
	}
}

func TestForeignKeyViolation(t *testing.T) {
	err := fmt.Errorf("append: %w", &pgconn.PgError{Code: CodeForeignKeyViolation, ConstraintName: "ledger_entry_admission_id_fkey"})
	name, ok := ForeignKeyViolation(err)
	if !ok || name != "ledger_entry_admission_id_fkey" {
		t.Errorf("expected foreign key violation, got %q %v", name, ok)
	}
	if _, ok := CheckViolation(err); ok {
		t.Error("foreign key violation reported as check violation")
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("get bed: %w", pgx.ErrNoRows)) {
		t.Error("expected wrapped ErrNoRows to be detected")
	}
	if IsNoRows(errors.New("other")) {
		t.Error("unexpected no-rows match")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("insert: %w", context.DeadlineExceeded), true},
		{"serialization", &pgconn.PgError{Code: CodeSerializationFailure}, true},
		{"deadlock", &pgconn.PgError{Code: CodeDeadlockDetected}, true},
		{"check violation", &pgconn.PgError{Code: CodeCheckViolation}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
