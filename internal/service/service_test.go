package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirpay/backend/internal/domain"
	"kasirpay/backend/internal/reconcile"
	"kasirpay/backend/internal/retry"
	"kasirpay/backend/internal/store"
	"kasirpay/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	engine := reconcile.New(repo, reconcile.Options{
		Retry: retry.New(3, time.Millisecond, store.IsTransient, nil),
	})
	return New(repo, engine, nil), repo
}

func adminContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func stockOf(t *testing.T, repo *memory.Store, id string) int {
	t.Helper()
	products, err := repo.GetProductsByIDs(context.Background(), []string{id})
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	return products[id].Stock
}

func TestCreateTransactionComputesTotals(t *testing.T) {
	svc, repo := newTestService()

	resp, err := svc.CreateTransaction(adminContext(), domain.CreateTransactionRequest{
		IdempotencyKey: "idem-qris",
		PaymentMethod:  domain.MethodQRIS,
		Discount:       decimal.NewFromInt(1000),
		TaxRatePercent: decimal.NewFromInt(11),
		Items: []domain.CreateItem{
			{ProductID: "SKU-MIE-01", Quantity: 1},
			{ProductID: "SKU-MIE-01", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	tx := resp.Transaction
	if resp.Duplicate {
		t.Fatalf("first create must not be a duplicate")
	}
	if len(tx.Items) != 1 || tx.Items[0].Quantity != 2 {
		t.Fatalf("expected merged line of qty 2, got %+v", tx.Items)
	}
	if !tx.Total.Equal(decimal.NewFromInt(7000)) {
		t.Fatalf("expected total 7000, got %s", tx.Total)
	}
	if !tx.Tax.Equal(decimal.NewFromInt(660)) {
		t.Fatalf("expected tax 660, got %s", tx.Tax)
	}
	if !tx.FinalTotal.Equal(decimal.NewFromInt(6660)) {
		t.Fatalf("expected final total 6660, got %s", tx.FinalTotal)
	}
	if tx.Status != domain.StatusPending || tx.PaymentStatus != domain.PaymentPending {
		t.Fatalf("gateway payment must wait for webhook, got %s/%s", tx.Status, tx.PaymentStatus)
	}
	if tx.CreatedBy != "admin" {
		t.Fatalf("expected created_by admin, got %q", tx.CreatedBy)
	}
	if got := stockOf(t, repo, "SKU-MIE-01"); got != 120 {
		t.Fatalf("pending transaction must not move stock, got %d", got)
	}
}

func TestCreateTransactionWithoutMethodLeavesPaymentEmpty(t *testing.T) {
	svc, _ := newTestService()

	resp, err := svc.CreateTransaction(context.Background(), domain.CreateTransactionRequest{
		Items: []domain.CreateItem{{ProductID: "SKU-KOPI-01", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if resp.Transaction.PaymentStatus != domain.PaymentNone {
		t.Fatalf("expected empty payment status, got %q", resp.Transaction.PaymentStatus)
	}
}

func TestCashCheckoutSettlesImmediately(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminContext()

	resp, err := svc.CreateTransaction(ctx, domain.CreateTransactionRequest{
		IdempotencyKey: "idem-cash",
		PaymentMethod:  domain.MethodCash,
		Items:          []domain.CreateItem{{ProductID: "SKU-TELUR-01", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if resp.Transaction.Status != domain.StatusCompleted || resp.Transaction.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("expected COMPLETED/PAID, got %s/%s", resp.Transaction.Status, resp.Transaction.PaymentStatus)
	}
	if resp.Transaction.PaidAt == nil {
		t.Fatalf("expected paid_at to be set")
	}
	if got := stockOf(t, repo, "SKU-TELUR-01"); got != 117 {
		t.Fatalf("expected stock 117, got %d", got)
	}

	again, err := svc.CreateTransaction(ctx, domain.CreateTransactionRequest{
		IdempotencyKey: "idem-cash",
		PaymentMethod:  domain.MethodCash,
		Items:          []domain.CreateItem{{ProductID: "SKU-TELUR-01", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !again.Duplicate || again.Transaction.ID != resp.Transaction.ID {
		t.Fatalf("expected duplicate of %s, got %+v", resp.Transaction.ID, again)
	}
	if got := stockOf(t, repo, "SKU-TELUR-01"); got != 117 {
		t.Fatalf("replayed checkout moved stock to %d", got)
	}

	movements, err := svc.ListStockMovements(ctx, resp.Transaction.ID)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(movements) != 1 || movements[0].Direction != domain.StockDecrement || movements[0].Applied != 3 {
		t.Fatalf("unexpected movements %+v", movements)
	}
}

// unsettledRepo fails the first reconciliations with a transient error, as
// when the database drops out between storing a checkout and settling it.
type unsettledRepo struct {
	*memory.Store
	failures int
}

func (r *unsettledRepo) Reconcile(ctx context.Context, txID, key string, fn store.TransitionFunc) (*store.ReconcileResult, error) {
	if r.failures > 0 {
		r.failures--
		return nil, fmt.Errorf("%w: connection refused", store.ErrTransient)
	}
	return r.Store.Reconcile(ctx, txID, key, fn)
}

func TestReplayedCheckoutCompletesInterruptedSettlement(t *testing.T) {
	repo := &unsettledRepo{Store: memory.NewSeeded(), failures: 3}
	engine := reconcile.New(repo, reconcile.Options{
		Retry: retry.New(3, time.Millisecond, store.IsTransient, nil),
	})
	svc := New(repo, engine, nil)
	ctx := adminContext()
	req := domain.CreateTransactionRequest{
		IdempotencyKey: "idem-cash-interrupted",
		PaymentMethod:  domain.MethodCash,
		Items:          []domain.CreateItem{{ProductID: "SKU-KOPI-01", Quantity: 4}},
	}

	if _, err := svc.CreateTransaction(ctx, req); !store.IsTransient(err) {
		t.Fatalf("expected transient settlement failure, got %v", err)
	}
	lookup, err := svc.LookupTransactionByIdempotency(ctx, req.IdempotencyKey)
	if err != nil || !lookup.Found || lookup.Transaction.Status != domain.StatusPending {
		t.Fatalf("expected stored PENDING checkout, got %+v %v", lookup, err)
	}
	if got := stockOf(t, repo.Store, "SKU-KOPI-01"); got != 120 {
		t.Fatalf("failed settlement moved stock to %d", got)
	}

	replay, err := svc.CreateTransaction(ctx, req)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !replay.Duplicate || replay.Transaction.ID != lookup.Transaction.ID {
		t.Fatalf("expected duplicate of %s, got %+v", lookup.Transaction.ID, replay)
	}
	if replay.Transaction.Status != domain.StatusCompleted || replay.Transaction.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("expected replay to finish settlement, got %s/%s", replay.Transaction.Status, replay.Transaction.PaymentStatus)
	}

	again, err := svc.CreateTransaction(ctx, req)
	if err != nil || !again.Duplicate || again.Transaction.UpdatedAt != replay.Transaction.UpdatedAt {
		t.Fatalf("settled checkout must replay verbatim, got %+v %v", again, err)
	}
	if got := stockOf(t, repo.Store, "SKU-KOPI-01"); got != 116 {
		t.Fatalf("expected one decrement to 116, got %d", got)
	}
}

func TestReplayedGatewayCheckoutReturnsStoredState(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminContext()
	req := domain.CreateTransactionRequest{
		IdempotencyKey: "idem-qris-replay",
		PaymentMethod:  domain.MethodQRIS,
		Items:          []domain.CreateItem{{ProductID: "SKU-ROTI-01", Quantity: 1}},
	}

	first, err := svc.CreateTransaction(ctx, req)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	req.Items = []domain.CreateItem{{ProductID: "SKU-ROTI-01", Quantity: 9}}
	replay, err := svc.CreateTransaction(ctx, req)
	if err != nil || !replay.Duplicate {
		t.Fatalf("expected duplicate, got %+v %v", replay, err)
	}
	if replay.Transaction.ID != first.Transaction.ID || replay.Transaction.Items[0].Quantity != 1 ||
		!replay.Transaction.FinalTotal.Equal(first.Transaction.FinalTotal) || replay.Transaction.Status != domain.StatusPending {
		t.Fatalf("replay must return the stored transaction, got %+v", replay.Transaction)
	}
	if got := stockOf(t, repo, "SKU-ROTI-01"); got != 120 {
		t.Fatalf("gateway replay moved stock to %d", got)
	}
}

func TestConcurrentCreatesWithSameKeyProduceOneTransaction(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminContext()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]struct{}{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.CreateTransaction(ctx, domain.CreateTransactionRequest{
				IdempotencyKey: "idem-race",
				PaymentMethod:  domain.MethodCard,
				Items:          []domain.CreateItem{{ProductID: "SKU-SUSU-01", Quantity: 2}},
			})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			ids[resp.Transaction.ID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("expected one transaction, got %d", len(ids))
	}
	if got := stockOf(t, repo, "SKU-SUSU-01"); got != 118 {
		t.Fatalf("expected a single decrement, stock %d", got)
	}
}

func TestCreateTransactionValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.CreateTransactionRequest
	}{
		{name: "no items", req: domain.CreateTransactionRequest{PaymentMethod: domain.MethodCash}},
		{name: "zero quantity", req: domain.CreateTransactionRequest{Items: []domain.CreateItem{{ProductID: "SKU-MIE-01"}}}},
		{name: "unknown method", req: domain.CreateTransactionRequest{PaymentMethod: "crypto", Items: []domain.CreateItem{{ProductID: "SKU-MIE-01", Quantity: 1}}}},
		{name: "unknown product", req: domain.CreateTransactionRequest{Items: []domain.CreateItem{{ProductID: "SKU-NOPE", Quantity: 1}}}},
		{name: "negative discount", req: domain.CreateTransactionRequest{Discount: decimal.NewFromInt(-1), Items: []domain.CreateItem{{ProductID: "SKU-MIE-01", Quantity: 1}}}},
		{name: "discount above total", req: domain.CreateTransactionRequest{PromoDiscount: decimal.NewFromInt(5000), Items: []domain.CreateItem{{ProductID: "SKU-MIE-01", Quantity: 1}}}},
		{name: "tax over 100", req: domain.CreateTransactionRequest{TaxRatePercent: decimal.NewFromInt(101), Items: []domain.CreateItem{{ProductID: "SKU-MIE-01", Quantity: 1}}}},
		{name: "key with spaces", req: domain.CreateTransactionRequest{IdempotencyKey: "a b", Items: []domain.CreateItem{{ProductID: "SKU-MIE-01", Quantity: 1}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateTransaction(ctx, tc.req); !errors.Is(err, store.ErrInvalidTransaction) {
				t.Fatalf("expected ErrInvalidTransaction, got %v", err)
			}
		})
	}
}

func TestLookupByIdempotency(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	miss, err := svc.LookupTransactionByIdempotency(ctx, "idem-missing")
	if err != nil || miss.Found {
		t.Fatalf("expected not found, got %+v %v", miss, err)
	}

	created, err := svc.CreateTransaction(ctx, domain.CreateTransactionRequest{
		IdempotencyKey: "idem-lookup",
		PaymentMethod:  domain.MethodMidtrans,
		Items:          []domain.CreateItem{{ProductID: "SKU-ROTI-01", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	hit, err := svc.LookupTransactionByIdempotency(ctx, "idem-lookup")
	if err != nil || !hit.Found || hit.Transaction == nil || hit.Transaction.ID != created.Transaction.ID {
		t.Fatalf("expected lookup hit, got %+v %v", hit, err)
	}

	if _, err := svc.LookupTransactionByIdempotency(ctx, ""); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected empty key to be rejected, got %v", err)
	}
}

func TestCancelAndRefundLifecycle(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminContext()

	paid, err := svc.CreateTransaction(ctx, domain.CreateTransactionRequest{
		IdempotencyKey: "idem-refund",
		PaymentMethod:  domain.MethodCash,
		Items:          []domain.CreateItem{{ProductID: "SKU-GULA-01", Quantity: 4}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := svc.RefundTransaction(ctx, paid.Transaction.ID, "damaged", false); !errors.Is(err, reconcile.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.RefundTransaction(context.Background(), paid.Transaction.ID, "damaged", true); !errors.Is(err, reconcile.ErrUnauthorized) {
		t.Fatalf("refund without an operator must be unauthorized, got %v", err)
	}

	out, err := svc.RefundTransaction(ctx, paid.Transaction.ID, "damaged", true)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if out.Status != domain.StatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", out.Status)
	}
	if got := stockOf(t, repo, "SKU-GULA-01"); got != 120 {
		t.Fatalf("expected stock restored, got %d", got)
	}

	if _, err := svc.CancelTransaction(ctx, paid.Transaction.ID, "late", true); err != nil {
		t.Fatalf("cancel of refunded transaction should be a noop, got %v", err)
	}

	pending, err := svc.CreateTransaction(ctx, domain.CreateTransactionRequest{
		PaymentMethod: domain.MethodDoku,
		Items:         []domain.CreateItem{{ProductID: "SKU-TEH-01", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := svc.RefundTransaction(ctx, pending.Transaction.ID, "", true); !errors.Is(err, reconcile.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	cancelled, err := svc.CancelTransaction(ctx, pending.Transaction.ID, "customer left", true)
	if err != nil || cancelled.PaymentStatus != domain.PaymentCancelled {
		t.Fatalf("expected cancelled payment, got %+v %v", cancelled, err)
	}
}

func TestListAuditLogsForDate(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminContext()

	for i := 0; i < 3; i++ {
		if _, err := svc.CreateTransaction(ctx, domain.CreateTransactionRequest{
			IdempotencyKey: "idem-audit-" + strconv.Itoa(i),
			PaymentMethod:  domain.MethodQRIS,
			Items:          []domain.CreateItem{{ProductID: "SKU-AIR-01", Quantity: 1}},
		}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	logs, err := svc.ListAuditLogs(ctx, time.Now().UTC().Format("2006-01-02"), 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(logs))
	}
	for _, entry := range logs {
		if entry.ActorUsername != "admin" || entry.Action != "create_transaction" {
			t.Fatalf("unexpected audit entry %+v", entry)
		}
	}

	if _, err := svc.ListAuditLogs(ctx, "16-10-2026", 10); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected bad date to be rejected, got %v", err)
	}
}

func TestReviewQueueListsFlaggedTransactions(t *testing.T) {
	svc, repo := newTestService()
	ctx := adminContext()

	created, err := svc.CreateTransaction(ctx, domain.CreateTransactionRequest{
		PaymentMethod: domain.MethodMidtrans,
		Items:         []domain.CreateItem{{ProductID: "SKU-KOPI-01", Quantity: 5}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// A cash sale at the counter takes all but two units before the gateway
	// confirms the first order.
	if _, err := svc.CreateTransaction(ctx, domain.CreateTransactionRequest{
		PaymentMethod: domain.MethodCash,
		Items:         []domain.CreateItem{{ProductID: "SKU-KOPI-01", Quantity: 118}},
	}); err != nil {
		t.Fatalf("cash sale failed: %v", err)
	}
	if got := stockOf(t, repo, "SKU-KOPI-01"); got != 2 {
		t.Fatalf("expected two units left, got %d", got)
	}

	if _, err := svc.engine.ProcessEvent(ctx, domain.PaymentEvent{
		Provider:       "midtrans",
		OrderID:        created.Transaction.ID,
		ProviderStatus: "settlement",
		EventID:        "mt-queue:settlement",
		Outcome:        domain.OutcomeSettled,
	}); err != nil {
		t.Fatalf("process: %v", err)
	}

	queue, err := svc.ReviewQueue(ctx, 0)
	if err != nil {
		t.Fatalf("review queue: %v", err)
	}
	if len(queue.Transactions) != 1 || queue.Transactions[0].ReviewReason != domain.ReviewInsufficientStock {
		t.Fatalf("unexpected review queue %+v", queue.Transactions)
	}
}
