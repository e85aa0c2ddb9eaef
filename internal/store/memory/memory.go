package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirpay/backend/internal/domain"
	"kasirpay/backend/internal/store"
	"kasirpay/backend/internal/xid"
)

// Store keeps everything in process memory. A single mutex covers every
// unit of work, which also serializes transitions per transaction.
type Store struct {
	mu                 sync.RWMutex
	products           map[string]domain.Product
	transactionsByID   map[string]*domain.Transaction
	transactionsByIdem map[string]*domain.Transaction
	movements          map[string][]domain.StockMovement
	ledger             map[string]struct{}
	processedEvents    map[string]processedEvent
	auditLogs          []domain.AuditLog
	usersByUsername    map[string]domain.UserAccount
}

type processedEvent struct {
	transactionID string
	result        string
	processedAt   time.Time
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// unset values fall back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zap.L().Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func rupiah(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "SKU-MIE-01", Name: "Mie Goreng Instan", Price: rupiah(3500), Stock: 120, Active: true},
		{ID: "SKU-TELUR-01", Name: "Telur 10 Butir", Price: rupiah(26500), Stock: 120, Active: true},
		{ID: "SKU-SUSU-01", Name: "Susu UHT 1L", Price: rupiah(18900), Stock: 120, Active: true},
		{ID: "SKU-ROTI-01", Name: "Roti Tawar", Price: rupiah(17800), Stock: 120, Active: true},
		{ID: "SKU-KOPI-01", Name: "Kopi Sachet", Price: rupiah(2600), Stock: 120, Active: true},
		{ID: "SKU-GULA-01", Name: "Gula 1kg", Price: rupiah(17400), Stock: 120, Active: true},
		{ID: "SKU-TEH-01", Name: "Teh Celup", Price: rupiah(9800), Stock: 120, Active: true},
		{ID: "SKU-AIR-01", Name: "Air Mineral 600ml", Price: rupiah(3900), Stock: 120, Active: true},
	}
	s := New(products)
	s.usersByUsername = seedUsers()
	return s
}

// New returns a store holding only the given products and no users.
func New(products []domain.Product) *Store {
	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	return &Store{
		products:           productMap,
		transactionsByID:   make(map[string]*domain.Transaction),
		transactionsByIdem: make(map[string]*domain.Transaction),
		movements:          make(map[string][]domain.StockMovement),
		ledger:             make(map[string]struct{}),
		processedEvents:    make(map[string]processedEvent),
		auditLogs:          make([]domain.AuditLog, 0, 128),
		usersByUsername:    make(map[string]domain.UserAccount),
	}
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			result[id] = product
		}
	}
	return result, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(tx.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if tx.IdempotencyKey != "" {
		if _, ok := s.transactionsByIdem[tx.IdempotencyKey]; ok {
			return nil, store.ErrDuplicate
		}
	}
	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if _, ok := s.transactionsByID[tx.ID]; ok {
		return nil, fmt.Errorf("%w: transaction %s already exists", store.ErrInvalidTransaction, tx.ID)
	}

	for _, item := range tx.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidTransaction
		}
		product, exists := s.products[item.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrInvalidTransaction, item.ProductID)
		}
		if product.Stock < item.Quantity {
			return nil, store.ErrInsufficientStock
		}
	}

	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = tx.CreatedAt

	txCopy := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = txCopy
	if tx.IdempotencyKey != "" {
		s.transactionsByIdem[tx.IdempotencyKey] = txCopy
	}
	return cloneTransaction(txCopy), nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListStockMovements(_ context.Context, transactionID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.movements[transactionID]), nil
}

func (s *Store) Reconcile(ctx context.Context, transactionID string, eventKey string, fn store.TransitionFunc) (*store.ReconcileResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.transactionsByID[transactionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if eventKey != "" {
		if rec, seen := s.processedEvents[eventKey]; seen {
			return &store.ReconcileResult{
				Transaction: *cloneTransaction(current),
				Replayed:    true,
				Result:      rec.result,
			}, nil
		}
	}

	levels := make(map[string]int, len(current.Items))
	for _, item := range current.Items {
		if product, ok := s.products[item.ProductID]; ok {
			levels[item.ProductID] = product.Stock
		}
	}
	mut, err := fn(store.Snapshot{
		Transaction: *cloneTransaction(current),
		Stock:       levels,
		Movements:   slices.Clone(s.movements[transactionID]),
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if mut.Changed {
		for _, m := range mut.Movements {
			if _, dup := s.ledger[ledgerKey(m)]; dup {
				return nil, fmt.Errorf("%w: %s movement for %s/%s already recorded", store.ErrInvalidTransaction, m.Direction, m.TransactionID, m.ProductID)
			}
		}
		for productID, qty := range mut.Stock {
			if qty < 0 {
				return nil, fmt.Errorf("%w: negative stock for %s", store.ErrInvalidTransaction, productID)
			}
		}

		for productID, qty := range mut.Stock {
			product, ok := s.products[productID]
			if !ok {
				continue
			}
			product.Stock = qty
			s.products[productID] = product
		}
		for _, m := range mut.Movements {
			s.ledger[ledgerKey(m)] = struct{}{}
			s.movements[transactionID] = append(s.movements[transactionID], m)
		}

		updated := cloneTransaction(&mut.Transaction)
		updated.ID = current.ID
		updated.IdempotencyKey = current.IdempotencyKey
		updated.CreatedAt = current.CreatedAt
		updated.Items = slices.Clone(current.Items)
		if updated.UpdatedAt.IsZero() {
			updated.UpdatedAt = time.Now().UTC()
		}
		s.transactionsByID[current.ID] = updated
		if updated.IdempotencyKey != "" {
			s.transactionsByIdem[updated.IdempotencyKey] = updated
		}
		current = updated
	}

	recorded := eventKey != "" && mut.RecordEvent
	if recorded {
		s.processedEvents[eventKey] = processedEvent{
			transactionID: transactionID,
			result:        mut.Result,
			processedAt:   time.Now().UTC(),
		}
	}

	return &store.ReconcileResult{
		Transaction: *cloneTransaction(current),
		Changed:     mut.Changed,
		Recorded:    recorded,
		Result:      mut.Result,
		Movements:   slices.Clone(mut.Movements),
	}, nil
}

func (s *Store) ListReviewQueue(_ context.Context, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, 16)
	for _, tx := range s.transactionsByID {
		if tx.NeedsReview {
			result = append(result, *cloneTransaction(tx))
		}
	}
	slices.SortFunc(result, func(a, b domain.Transaction) int {
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.UpdatedAt.After(b.UpdatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrDuplicate
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func ledgerKey(m domain.StockMovement) string {
	return m.TransactionID + "|" + m.ProductID + "|" + string(m.Direction)
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	if src.PaidAt != nil {
		paidAt := *src.PaidAt
		dup.PaidAt = &paidAt
	}
	return &dup
}
