package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirpay/backend/internal/domain"
	"kasirpay/backend/internal/gateway"
	"kasirpay/backend/internal/idempotency"
	"kasirpay/backend/internal/reconcile"
	"kasirpay/backend/internal/store"
	"kasirpay/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var hundred = decimal.NewFromInt(100)

type Service struct {
	repo   store.Repository
	engine *reconcile.Engine
	logger *zap.Logger
	now    func() time.Time
}

func New(repo store.Repository, engine *reconcile.Engine, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = reconcile.New(repo, reconcile.Options{Logger: logger})
	}
	return &Service{
		repo:   repo,
		engine: engine,
		logger: logger.Named("service"),
		now:    time.Now,
	}
}

// CreateTransaction prices the cart from the product catalog and stores a
// PENDING transaction. Cash and card settle immediately through the
// reconciliation engine; gateway methods wait for a webhook.
func (s *Service) CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest) (domain.TransactionResponse, error) {
	key, ok := idempotency.NormalizeClientKey("", req.IdempotencyKey)
	if !ok {
		return domain.TransactionResponse{}, fmt.Errorf("%w: idempotency key", store.ErrInvalidTransaction)
	}
	req.IdempotencyKey = key

	if req.PaymentMethod != "" && !req.PaymentMethod.Valid() {
		return domain.TransactionResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidTransaction, req.PaymentMethod)
	}
	if req.Discount.IsNegative() || req.VoucherDiscount.IsNegative() || req.PromoDiscount.IsNegative() {
		return domain.TransactionResponse{}, fmt.Errorf("%w: negative discount", store.ErrInvalidTransaction)
	}
	if req.TaxRatePercent.IsNegative() || req.TaxRatePercent.GreaterThan(hundred) {
		return domain.TransactionResponse{}, fmt.Errorf("%w: tax rate out of range", store.ErrInvalidTransaction)
	}

	items, err := normalizeItems(req.Items)
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	if key != "" {
		if existing, err := s.repo.FindTransactionByIdempotency(ctx, key); err == nil {
			return s.duplicate(ctx, existing)
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.TransactionResponse{}, err
		}
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	lines := make([]domain.TransactionItem, 0, len(items))
	for _, item := range items {
		product, exists := products[item.ProductID]
		if !exists || !product.Active {
			return domain.TransactionResponse{}, fmt.Errorf("%w: product %s unavailable", store.ErrInvalidTransaction, item.ProductID)
		}
		lines = append(lines, domain.TransactionItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: product.Price,
		})
	}

	actor, _ := ActorFromContext(ctx)
	paymentStatus := domain.PaymentNone
	if req.PaymentMethod != "" {
		paymentStatus = domain.PaymentPending
	}

	tx := domain.Transaction{
		ID:              xid.New("tx"),
		IdempotencyKey:  key,
		PaymentMethod:   req.PaymentMethod,
		Discount:        req.Discount,
		VoucherDiscount: req.VoucherDiscount,
		PromoDiscount:   req.PromoDiscount,
		Status:          domain.StatusPending,
		PaymentStatus:   paymentStatus,
		CreatedBy:       actor.Username,
		CreatedAt:       s.now().UTC(),
		Items:           lines,
	}
	tx.RecomputeTotals()
	taxBase := tx.Total.Sub(tx.Discount).Sub(tx.VoucherDiscount).Sub(tx.PromoDiscount)
	if taxBase.IsNegative() {
		return domain.TransactionResponse{}, fmt.Errorf("%w: discounts exceed total", store.ErrInvalidTransaction)
	}
	tx.Tax = taxBase.Mul(req.TaxRatePercent).Div(hundred).Round(2)
	tx.RecomputeTotals()

	created, err := s.repo.CreateTransaction(ctx, tx)
	if errors.Is(err, store.ErrDuplicate) {
		existing, findErr := s.repo.FindTransactionByIdempotency(ctx, key)
		if findErr != nil {
			return domain.TransactionResponse{}, findErr
		}
		return s.duplicate(ctx, existing)
	}
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	s.logAudit(ctx, "create_transaction", created.ID, fmt.Sprintf(
		"final_total=%s,payment=%s,items=%d",
		created.FinalTotal.StringFixed(2),
		created.PaymentMethod,
		len(created.Items),
	))

	settled, err := s.settleAtCheckout(ctx, created)
	if err != nil {
		return domain.TransactionResponse{}, err
	}
	return domain.TransactionResponse{Transaction: *settled}, nil
}

// duplicate answers a replayed create. A retry of a cash checkout whose
// settlement failed the first time gets settled here.
func (s *Service) duplicate(ctx context.Context, existing *domain.Transaction) (domain.TransactionResponse, error) {
	tx, err := s.settleAtCheckout(ctx, existing)
	if err != nil {
		return domain.TransactionResponse{}, err
	}
	return domain.TransactionResponse{Transaction: *tx, Duplicate: true}, nil
}

func (s *Service) settleAtCheckout(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if !tx.PaymentMethod.SettlesAtCheckout() || tx.Status != domain.StatusPending {
		return tx, nil
	}
	if _, err := s.engine.SettleDirect(ctx, tx.ID, tx.PaymentMethod); err != nil {
		s.logger.Warn("checkout settlement failed",
			zap.String("order_id", tx.ID),
			zap.String("payment_method", string(tx.PaymentMethod)),
			zap.Error(err),
		)
		return nil, err
	}
	return s.repo.FindTransactionByID(ctx, tx.ID)
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Transaction{}, store.ErrInvalidTransaction
	}
	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) LookupTransactionByIdempotency(ctx context.Context, key string) (domain.TransactionLookupResponse, error) {
	key, ok := idempotency.NormalizeClientKey("", key)
	if !ok || key == "" {
		return domain.TransactionLookupResponse{}, store.ErrInvalidTransaction
	}

	tx, err := s.repo.FindTransactionByIdempotency(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.TransactionLookupResponse{Found: false}, nil
		}
		return domain.TransactionLookupResponse{}, err
	}
	return domain.TransactionLookupResponse{Found: true, Transaction: tx}, nil
}

func (s *Service) ListStockMovements(ctx context.Context, transactionID string) ([]domain.StockMovement, error) {
	if _, err := s.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}
	return s.repo.ListStockMovements(ctx, transactionID)
}

func (s *Service) ReviewQueue(ctx context.Context, limit int) (domain.ReviewQueueResponse, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	txs, err := s.repo.ListReviewQueue(ctx, limit)
	if err != nil {
		return domain.ReviewQueueResponse{}, err
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	return domain.ReviewQueueResponse{Transactions: txs}, nil
}

// HandleWebhook hands a raw gateway delivery to the reconciliation engine.
func (s *Service) HandleWebhook(ctx context.Context, provider string, req gateway.Request) (reconcile.Outcome, error) {
	return s.engine.HandleWebhook(ctx, provider, req)
}

// CancelTransaction and RefundTransaction act as the operator in ctx.
// authorized is the outcome of the caller's manager approval check.
func (s *Service) CancelTransaction(ctx context.Context, id string, reason string, authorized bool) (reconcile.Outcome, error) {
	return s.engine.Cancel(ctx, s.operatorAction(ctx, id, reason, authorized))
}

func (s *Service) RefundTransaction(ctx context.Context, id string, reason string, authorized bool) (reconcile.Outcome, error) {
	return s.engine.Refund(ctx, s.operatorAction(ctx, id, reason, authorized))
}

func (s *Service) operatorAction(ctx context.Context, id string, reason string, authorized bool) reconcile.OperatorAction {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		authorized = false
	}
	return reconcile.OperatorAction{
		TransactionID: id,
		Reason:        reason,
		Actor:         actor,
		Authorized:    authorized,
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// normalizeItems merges lines for the same product and orders them by id.
func normalizeItems(items []domain.CreateItem) ([]domain.CreateItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", store.ErrInvalidTransaction)
	}
	agg := make(map[string]int, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" || item.Quantity < 1 {
			return nil, fmt.Errorf("%w: invalid item", store.ErrInvalidTransaction)
		}
		agg[id] += item.Quantity
	}

	normalized := make([]domain.CreateItem, 0, len(agg))
	for id, qty := range agg {
		normalized = append(normalized, domain.CreateItem{ProductID: id, Quantity: qty})
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i].ProductID < normalized[j].ProductID })
	return normalized, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    "transaction",
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("order_id", entityID),
			zap.Error(err),
		)
	}
}
