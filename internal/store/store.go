package store

import (
	"context"
	"errors"
	"time"

	"kasirpay/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrDuplicate          = errors.New("duplicate idempotency key")
	// ErrTransient marks storage failures that may succeed on a later attempt.
	ErrTransient = errors.New("transient storage failure")
)

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Snapshot is the locked state handed to a TransitionFunc.
type Snapshot struct {
	Transaction domain.Transaction
	Stock       map[string]int
	Movements   []domain.StockMovement
}

// Mutation is what a TransitionFunc wants persisted. When Changed is false
// the transaction and stock are left alone. RecordEvent stores the event key
// so later deliveries with the same key replay this result; outcomes that
// decided nothing, such as a pending notification, leave it unset so a later
// delivery under the same key is still evaluated.
type Mutation struct {
	Changed     bool
	RecordEvent bool
	Transaction domain.Transaction
	Stock       map[string]int
	Movements   []domain.StockMovement
	Result      string
}

// TransitionFunc must be free of side effects: it can run more than once
// when the surrounding unit of work is retried.
type TransitionFunc func(Snapshot) (Mutation, error)

type ReconcileResult struct {
	Transaction domain.Transaction
	Changed     bool
	Replayed    bool
	Recorded    bool
	Result      string
	Movements   []domain.StockMovement
}

type Repository interface {
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	ListStockMovements(ctx context.Context, transactionID string) ([]domain.StockMovement, error)
	// Reconcile runs fn under a per-transaction lock and persists its
	// mutation, the stock levels and, when the mutation asks for it, eventKey
	// as one atomic unit. A non-empty eventKey that was already recorded
	// short-circuits with Replayed set.
	Reconcile(ctx context.Context, transactionID string, eventKey string, fn TransitionFunc) (*ReconcileResult, error)
	ListReviewQueue(ctx context.Context, limit int) ([]domain.Transaction, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
