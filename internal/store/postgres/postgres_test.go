package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"kasirpay/backend/internal/store"
)

func TestClassifyMarksTransientErrors(t *testing.T) {
	transient := []error{
		&pgconn.PgError{Code: "53300"},
		&pgconn.PgError{Code: "40001"},
		&pgconn.PgError{Code: "40P01"},
		&pgconn.PgError{Code: "08006"},
		fmt.Errorf("exec: %w", driver.ErrBadConn),
	}
	for _, err := range transient {
		got := classify(err)
		if !errors.Is(got, store.ErrTransient) {
			t.Fatalf("expected %v to be transient", err)
		}
		if !errors.Is(got, err) {
			t.Fatalf("classify must keep the original error in the chain")
		}
	}
}

func TestClassifyLeavesPermanentErrors(t *testing.T) {
	permanent := []error{
		&pgconn.PgError{Code: "23505"},
		&pgconn.PgError{Code: "42P01"},
		context.DeadlineExceeded,
		errors.New("boom"),
	}
	for _, err := range permanent {
		if store.IsTransient(classify(err)) {
			t.Fatalf("expected %v to be permanent", err)
		}
	}
	if classify(nil) != nil {
		t.Fatalf("classify(nil) must be nil")
	}
}

func TestSchemaCoversLedgerTables(t *testing.T) {
	for _, table := range []string{"stock_movements", "processed_events", "transactions", "transaction_items", "audit_logs", "app_users"} {
		if !strings.Contains(schemaSQL, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("schema missing table %s", table)
		}
	}
}
