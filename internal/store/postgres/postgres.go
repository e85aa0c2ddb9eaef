package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirpay/backend/internal/domain"
	"kasirpay/backend/internal/stock"
	"kasirpay/backend/internal/store"
	"kasirpay/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price, stock, active
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	result := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	return findTransaction(ctx, s.db, "idempotency_key", key, false)
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return findTransaction(ctx, s.db, "id", id, false)
}

func findTransaction(ctx context.Context, q queryer, column string, value string, forUpdate bool) (*domain.Transaction, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var tx domain.Transaction
	var idempotencyKey, paymentChannel, paymentStatus, reviewReason, cancelReason, createdBy sql.NullString
	var paidAt sql.NullTime

	query := fmt.Sprintf(`
		SELECT id, idempotency_key, payment_method, payment_channel,
			total, tax, discount, voucher_discount, promo_discount, final_total,
			status, payment_status, paid_at, needs_review, review_reason,
			cancel_reason, created_by, created_at, updated_at
		FROM transactions
		WHERE %s = $1
	`, column)
	if forUpdate {
		query += " FOR UPDATE"
	}

	err := q.QueryRowContext(ctx, query, value).Scan(
		&tx.ID,
		&idempotencyKey,
		&tx.PaymentMethod,
		&paymentChannel,
		&tx.Total,
		&tx.Tax,
		&tx.Discount,
		&tx.VoucherDiscount,
		&tx.PromoDiscount,
		&tx.FinalTotal,
		&tx.Status,
		&paymentStatus,
		&paidAt,
		&tx.NeedsReview,
		&reviewReason,
		&cancelReason,
		&createdBy,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	tx.IdempotencyKey = idempotencyKey.String
	tx.PaymentChannel = paymentChannel.String
	tx.PaymentStatus = domain.PaymentStatus(paymentStatus.String)
	tx.ReviewReason = reviewReason.String
	tx.CancelReason = cancelReason.String
	tx.CreatedBy = createdBy.String
	if paidAt.Valid {
		at := paidAt.Time.UTC()
		tx.PaidAt = &at
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price, subtotal
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY id ASC
	`, tx.ID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	items := make([]domain.TransactionItem, 0, 8)
	for rows.Next() {
		var item domain.TransactionItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	tx.Items = items

	return &tx, nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if len(tx.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	productIDs := stock.ProductIDs(tx.Items)
	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, stock
		FROM products
		WHERE active = true AND id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, classify(err)
	}
	available := make(map[string]int, len(productIDs))
	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			_ = rows.Close()
			return nil, err
		}
		available[id] = qty
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, classify(err)
	}
	_ = rows.Close()

	for _, item := range tx.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidTransaction
		}
		qty, exists := available[item.ProductID]
		if !exists {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrInvalidTransaction, item.ProductID)
		}
		if qty < item.Quantity {
			return nil, store.ErrInsufficientStock
		}
	}

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.UpdatedAt = tx.CreatedAt

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, idempotency_key, payment_method, payment_channel,
			total, tax, discount, voucher_discount, promo_discount, final_total,
			status, payment_status, paid_at, needs_review, review_reason,
			cancel_reason, created_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, tx.ID, nullIfEmpty(tx.IdempotencyKey), tx.PaymentMethod, nullIfEmpty(tx.PaymentChannel),
		tx.Total, tx.Tax, tx.Discount, tx.VoucherDiscount, tx.PromoDiscount, tx.FinalTotal,
		tx.Status, nullIfEmpty(string(tx.PaymentStatus)), nullTime(tx.PaidAt), tx.NeedsReview,
		nullIfEmpty(tx.ReviewReason), nullIfEmpty(tx.CancelReason), nullIfEmpty(tx.CreatedBy),
		tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			if tx.IdempotencyKey != "" && uniqueConstraint(err) == "transactions_idempotency_key_key" {
				return nil, store.ErrDuplicate
			}
			return nil, fmt.Errorf("%w: transaction %s already exists", store.ErrInvalidTransaction, tx.ID)
		}
		return nil, classify(err)
	}

	for _, item := range tx.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, product_id, quantity, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5)
		`, tx.ID, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal)
		if err != nil {
			return nil, classify(err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, classify(err)
	}
	return &tx, nil
}

func (s *Store) ListStockMovements(ctx context.Context, transactionID string) ([]domain.StockMovement, error) {
	return listStockMovements(ctx, s.db, transactionID)
}

func listStockMovements(ctx context.Context, q queryer, transactionID string) ([]domain.StockMovement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT transaction_id, product_id, direction, requested, applied, stock_before, stock_after, created_at
		FROM stock_movements
		WHERE transaction_id = $1
		ORDER BY created_at ASC, product_id ASC
	`, transactionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 8)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.TransactionID, &m.ProductID, &m.Direction, &m.Requested, &m.Applied, &m.StockBefore, &m.StockAfter, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return movements, nil
}

// Reconcile holds a transaction-scoped advisory lock on the order id plus row
// locks on the order and its products for the whole unit of work. Read
// committed is enough under those locks and gives each statement a fresh
// snapshot after the lock wait.
func (s *Store) Reconcile(ctx context.Context, transactionID string, eventKey string, fn store.TransitionFunc) (*store.ReconcileResult, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := pgTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, transactionID); err != nil {
		return nil, classify(err)
	}

	current, err := findTransaction(ctx, pgTx, "id", transactionID, true)
	if err != nil {
		return nil, err
	}

	if eventKey != "" {
		var result string
		err := pgTx.QueryRowContext(ctx, `SELECT result FROM processed_events WHERE event_key = $1`, eventKey).Scan(&result)
		if err == nil {
			return &store.ReconcileResult{Transaction: *current, Replayed: true, Result: result}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, classify(err)
		}
	}

	levels, err := lockStock(ctx, pgTx, stock.ProductIDs(current.Items))
	if err != nil {
		return nil, err
	}
	prior, err := listStockMovements(ctx, pgTx, transactionID)
	if err != nil {
		return nil, err
	}

	mut, err := fn(store.Snapshot{Transaction: *current, Stock: levels, Movements: prior})
	if err != nil {
		return nil, err
	}

	if mut.Changed {
		next := mut.Transaction
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = time.Now().UTC()
		}
		_, err = pgTx.ExecContext(ctx, `
			UPDATE transactions
			SET payment_channel = $2, total = $3, tax = $4, discount = $5, voucher_discount = $6,
				promo_discount = $7, final_total = $8, status = $9, payment_status = $10,
				paid_at = $11, needs_review = $12, review_reason = $13, cancel_reason = $14,
				updated_at = $15
			WHERE id = $1
		`, current.ID, nullIfEmpty(next.PaymentChannel), next.Total, next.Tax, next.Discount, next.VoucherDiscount,
			next.PromoDiscount, next.FinalTotal, next.Status, nullIfEmpty(string(next.PaymentStatus)),
			nullTime(next.PaidAt), next.NeedsReview, nullIfEmpty(next.ReviewReason), nullIfEmpty(next.CancelReason),
			next.UpdatedAt)
		if err != nil {
			return nil, classify(err)
		}

		for productID, qty := range mut.Stock {
			if qty < 0 {
				return nil, fmt.Errorf("%w: negative stock for %s", store.ErrInvalidTransaction, productID)
			}
			if _, err := pgTx.ExecContext(ctx, `
				UPDATE products SET stock = $2, updated_at = now() WHERE id = $1
			`, productID, qty); err != nil {
				return nil, classify(err)
			}
		}

		for _, m := range mut.Movements {
			_, err := pgTx.ExecContext(ctx, `
				INSERT INTO stock_movements (
					transaction_id, product_id, direction, requested, applied, stock_before, stock_after, created_at
				)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			`, m.TransactionID, m.ProductID, m.Direction, m.Requested, m.Applied, m.StockBefore, m.StockAfter, m.CreatedAt)
			if err != nil {
				if isUniqueViolation(err) {
					return nil, fmt.Errorf("%w: %s movement for %s/%s already recorded", store.ErrInvalidTransaction, m.Direction, m.TransactionID, m.ProductID)
				}
				return nil, classify(err)
			}
		}

		next.ID = current.ID
		next.IdempotencyKey = current.IdempotencyKey
		next.CreatedAt = current.CreatedAt
		next.Items = current.Items
		current = &next
	}

	recorded := eventKey != "" && mut.RecordEvent
	if recorded {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO processed_events (event_key, transaction_id, result, processed_at)
			VALUES ($1,$2,$3,now())
		`, eventKey, transactionID, mut.Result); err != nil {
			return nil, classify(err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, classify(err)
	}

	return &store.ReconcileResult{
		Transaction: *current,
		Changed:     mut.Changed,
		Recorded:    recorded,
		Result:      mut.Result,
		Movements:   mut.Movements,
	}, nil
}

// lockStock reads product stock FOR UPDATE in id order so two orders that
// share products always lock them in the same sequence.
func lockStock(ctx context.Context, pgTx *sql.Tx, productIDs []string) (map[string]int, error) {
	levels := make(map[string]int, len(productIDs))
	if len(productIDs) == 0 {
		return levels, nil
	}
	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, stock
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		levels[id] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return levels, nil
}

func (s *Store) ListReviewQueue(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM transactions
		WHERE needs_review
		ORDER BY updated_at DESC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify(err)
	}
	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, classify(err)
	}
	_ = rows.Close()

	result := make([]domain.Transaction, 0, len(ids))
	for _, id := range ids {
		tx, err := s.FindTransactionByID(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, *tx)
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return classify(err)
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 64)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return classify(err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func uniqueConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// transientCodes are SQLSTATEs worth retrying: resource exhaustion,
// serialization and deadlock failures, and operator/admin shutdowns.
var transientCodes = map[string]bool{
	"53300": true, // too_many_connections
	"53400": true, // configuration_limit_exceeded
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08")
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

// classify tags transient failures with store.ErrTransient and leaves every
// other error untouched.
func classify(err error) error {
	if err == nil || !isTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %w", store.ErrTransient, err)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
