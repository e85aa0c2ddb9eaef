// Package reconcile applies payment events and operator actions to
// transactions. Every entry point runs the same transition function inside
// one storage unit of work, so stock moves at most once per transition no
// matter how often a gateway redelivers.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"kasirpay/backend/internal/domain"
	"kasirpay/backend/internal/gateway"
	"kasirpay/backend/internal/idempotency"
	"kasirpay/backend/internal/notify"
	"kasirpay/backend/internal/retry"
	"kasirpay/backend/internal/stock"
	"kasirpay/backend/internal/store"
	"kasirpay/backend/internal/txstate"
	"kasirpay/backend/internal/xid"
)

var (
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrUnauthorized      = errors.New("operator action not authorized")
	ErrIllegalTransition = errors.New("illegal transition")
)

type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultNoop      Result = "noop"
	ResultRejected  Result = "rejected"
	ResultIgnored   Result = "ignored"
)

type Outcome struct {
	TransactionID string                   `json:"transaction_id"`
	Result        Result                   `json:"result"`
	Status        domain.TransactionStatus `json:"status,omitempty"`
	PaymentStatus domain.PaymentStatus     `json:"payment_status,omitempty"`
	NeedsReview   bool                     `json:"needs_review"`
	ReviewReason  string                   `json:"review_reason,omitempty"`
}

// OperatorAction is a cancel or refund request. Authorized is decided by the
// caller's auth layer.
type OperatorAction struct {
	TransactionID string
	Reason        string
	Actor         domain.Actor
	Authorized    bool
}

type Options struct {
	Gateways *gateway.Registry
	Guard    *idempotency.Guard
	Retry    *retry.Executor
	Notifier notify.Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

type Engine struct {
	repo     store.Repository
	gateways *gateway.Registry
	guard    *idempotency.Guard
	retry    *retry.Executor
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo store.Repository, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		repo:     repo,
		gateways: opts.Gateways,
		guard:    opts.Guard,
		retry:    opts.Retry,
		notifier: opts.Notifier,
		logger:   logger.Named("reconcile"),
		now:      opts.Now,
	}
	if e.gateways == nil {
		e.gateways = gateway.NewRegistry()
	}
	if e.guard == nil {
		e.guard = idempotency.NewGuard(nil, 0, logger)
	}
	if e.retry == nil {
		e.retry = retry.New(retry.DefaultAttempts, retry.DefaultBaseDelay, store.IsTransient, logger)
	}
	if e.notifier == nil {
		e.notifier = notify.Noop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// HandleWebhook authenticates and normalizes a raw delivery before
// processing it. Signature failures carry no detail about what was wrong.
func (e *Engine) HandleWebhook(ctx context.Context, provider string, req gateway.Request) (Outcome, error) {
	adapter, err := e.gateways.Lookup(provider)
	if err != nil {
		return Outcome{}, err
	}

	if !adapter.Verify(req) {
		e.logger.Warn("webhook signature rejected",
			zap.String("provider", adapter.Name()),
			zap.String("payload_sha256", gateway.PayloadHash(req.Body)),
		)
		return Outcome{}, ErrInvalidSignature
	}

	ev, err := adapter.Normalize(req)
	if err != nil {
		e.logger.Warn("webhook payload malformed",
			zap.String("provider", adapter.Name()),
			zap.String("payload_sha256", gateway.PayloadHash(req.Body)),
			zap.Error(err),
		)
		return Outcome{}, err
	}

	return e.ProcessEvent(ctx, ev)
}

// ProcessEvent applies a normalized gateway event. Unknown orders are
// reported as ignored so the gateway stops retrying them.
func (e *Engine) ProcessEvent(ctx context.Context, ev domain.PaymentEvent) (Outcome, error) {
	key := idempotency.EventKey(ev)
	log := e.logger.With(
		zap.String("provider", ev.Provider),
		zap.String("order_id", ev.OrderID),
		zap.String("event_key", key),
	)

	if txID, seen := e.guard.AlreadyProcessed(ctx, key); seen {
		if tx, err := e.repo.FindTransactionByID(ctx, txID); err == nil {
			log.Debug("duplicate delivery short-circuited by cache")
			return outcomeOf(*tx, ResultDuplicate), nil
		}
	}

	in := txstate.InputFromOutcome(ev.Outcome)
	res, p, err := e.run(ctx, ev.OrderID, key, func(snap store.Snapshot, now time.Time) plan {
		return e.plan(snap, in, now, func(tx *domain.Transaction, d txstate.Decision) {
			if d.Changed() && d.Next.PaymentStatus == domain.PaymentPaid {
				tx.PaymentChannel = ev.PaymentMethodLabel
				if !ev.GrossAmount.IsZero() && !ev.GrossAmount.Equal(tx.FinalTotal) {
					tx.Flag(domain.ReviewAmountMismatch)
				}
			}
		})
	})
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("webhook for unknown order ignored", zap.String("provider_status", ev.ProviderStatus))
		return Outcome{TransactionID: ev.OrderID, Result: ResultIgnored}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	if res.Recorded || res.Replayed {
		e.guard.MarkProcessed(ctx, key, res.Transaction.ID)
	}

	if res.Replayed {
		log.Info("duplicate delivery", zap.String("recorded_result", res.Result))
		return outcomeOf(res.Transaction, ResultDuplicate), nil
	}

	e.report(ctx, log, res, p, in, ev.Provider, domain.Actor{Username: "gateway:" + ev.Provider, Role: "system"}, "")
	return outcomeOf(res.Transaction, Result(p.decision.Result)), nil
}

func (e *Engine) Cancel(ctx context.Context, action OperatorAction) (Outcome, error) {
	return e.operate(ctx, action, txstate.InputCancel)
}

func (e *Engine) Refund(ctx context.Context, action OperatorAction) (Outcome, error) {
	return e.operate(ctx, action, txstate.InputRefund)
}

func (e *Engine) operate(ctx context.Context, action OperatorAction, in txstate.Input) (Outcome, error) {
	if !action.Authorized {
		return Outcome{}, ErrUnauthorized
	}
	action.TransactionID = strings.TrimSpace(action.TransactionID)
	if action.TransactionID == "" {
		return Outcome{}, store.ErrInvalidTransaction
	}
	reason := strings.TrimSpace(action.Reason)
	if reason == "" {
		reason = "unspecified"
	}

	log := e.logger.With(
		zap.String("order_id", action.TransactionID),
		zap.String("action", strings.ToLower(string(in))),
		zap.String("actor", action.Actor.Username),
	)

	res, p, err := e.run(ctx, action.TransactionID, "", func(snap store.Snapshot, now time.Time) plan {
		return e.plan(snap, in, now, func(tx *domain.Transaction, d txstate.Decision) {
			if d.Changed() {
				tx.CancelReason = reason
			}
		})
	})
	if err != nil {
		return Outcome{}, err
	}

	e.report(ctx, log, res, p, in, "", action.Actor, reason)
	out := outcomeOf(res.Transaction, Result(p.decision.Result))
	if p.decision.Result == txstate.ResultRejected {
		return out, fmt.Errorf("%w: %s", ErrIllegalTransition, p.decision.Reason)
	}
	return out, nil
}

// SettleDirect settles a transaction paid on a synchronous rail such as cash
// or card, through the same transition as a gateway settlement.
func (e *Engine) SettleDirect(ctx context.Context, transactionID string, method domain.PaymentMethod) (Outcome, error) {
	key := "checkout:" + transactionID + ":settled"
	log := e.logger.With(zap.String("order_id", transactionID), zap.String("payment_method", string(method)))

	res, p, err := e.run(ctx, transactionID, key, func(snap store.Snapshot, now time.Time) plan {
		return e.plan(snap, txstate.InputSettled, now, func(tx *domain.Transaction, d txstate.Decision) {
			if d.Changed() {
				tx.PaymentChannel = string(method)
			}
		})
	})
	if err != nil {
		return Outcome{}, err
	}
	if res.Replayed {
		return outcomeOf(res.Transaction, ResultDuplicate), nil
	}

	e.report(ctx, log, res, p, txstate.InputSettled, "", domain.Actor{Username: "checkout", Role: "system"}, "")
	return outcomeOf(res.Transaction, Result(p.decision.Result)), nil
}

type plan struct {
	mutation  store.Mutation
	decision  txstate.Decision
	shortfall int
	flagged   bool
}

// run executes one unit of work under the retry policy. The plan returned is
// the one computed by the attempt that committed; it is zero when the store
// reports a replay.
func (e *Engine) run(ctx context.Context, transactionID, eventKey string, build func(store.Snapshot, time.Time) plan) (*store.ReconcileResult, plan, error) {
	var (
		res       *store.ReconcileResult
		committed plan
	)
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		committed = plan{}
		r, err := e.repo.Reconcile(ctx, transactionID, eventKey, func(snap store.Snapshot) (store.Mutation, error) {
			committed = build(snap, e.now())
			return committed.mutation, nil
		})
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, plan{}, err
	}
	return res, committed, nil
}

// plan computes the full effect of one input against a locked snapshot.
// extra may adjust the transaction after the state transition is applied.
func (e *Engine) plan(snap store.Snapshot, in txstate.Input, now time.Time, extra func(*domain.Transaction, txstate.Decision)) plan {
	tx := snap.Transaction
	wasFlagged := tx.NeedsReview
	d := txstate.Transition(txstate.StateOf(tx), in, now)

	var p plan
	p.decision = d
	changed := d.Changed()
	if changed {
		tx.Status = d.Next.Status
		tx.PaymentStatus = d.Next.PaymentStatus
		tx.PaidAt = d.Next.PaidAt
	}

	var levels map[string]int
	var movements []domain.StockMovement
	if d.Stock != domain.StockNone {
		r := stock.Apply(tx.ID, tx.Items, d.Stock, snap.Stock, snap.Movements, now)
		movements = r.Movements
		levels = make(map[string]int, len(r.Movements))
		for _, m := range r.Movements {
			levels[m.ProductID] = m.StockAfter
		}
		if r.Insufficient() {
			p.shortfall = r.Shortfall
			tx.Flag(domain.ReviewInsufficientStock)
		}
	}
	if d.Review != "" {
		tx.Flag(d.Review)
	}
	if extra != nil {
		extra(&tx, d)
	}

	p.flagged = tx.NeedsReview && !wasFlagged
	if p.flagged {
		changed = true
	}
	if changed {
		tx.UpdatedAt = now.UTC()
	}

	// A noop settles nothing, so the same key must stay open for a delivery
	// that does decide the order.
	p.mutation = store.Mutation{
		Changed:     changed,
		RecordEvent: d.Result != txstate.ResultNoop,
		Transaction: tx,
		Stock:       levels,
		Movements:   movements,
		Result:      string(d.Result),
	}
	return p
}

// report logs, audits and publishes the committed effect of a plan. It runs
// after the unit of work, so failures here never undo a transition.
func (e *Engine) report(ctx context.Context, log *zap.Logger, res *store.ReconcileResult, p plan, in txstate.Input, provider string, actor domain.Actor, detail string) {
	tx := res.Transaction
	d := p.decision

	switch d.Result {
	case txstate.ResultRejected:
		log.Warn("transition rejected",
			zap.String("input", string(in)),
			zap.String("status", string(tx.Status)),
			zap.String("payment_status", string(tx.PaymentStatus)),
			zap.String("reason", d.Reason),
		)
	case txstate.ResultNoop:
		log.Info("transition already applied", zap.String("input", string(in)))
	case txstate.ResultApplied:
		log.Info("transition applied",
			zap.String("input", string(in)),
			zap.String("status", string(tx.Status)),
			zap.String("payment_status", string(tx.PaymentStatus)),
			zap.Int("stock_movements", len(res.Movements)),
		)
	}
	if p.shortfall > 0 {
		log.Warn("insufficient stock at settlement; stock clamped at zero", zap.Int("shortfall", p.shortfall))
	}

	if !res.Changed {
		return
	}

	if d.Changed() {
		e.audit(ctx, actor, strings.ToLower(string(in)), tx.ID, auditDetail(tx, provider, detail))
		e.notifier.Publish(ctx, reconciliationEvent(eventType(tx, in), tx, provider, e.now()))
	}
	if p.flagged {
		log.Warn("transaction flagged for review", zap.String("review_reason", tx.ReviewReason))
		e.audit(ctx, actor, "flag_review", tx.ID, tx.ReviewReason)
		e.notifier.Publish(ctx, reconciliationEvent(domain.EventReviewRequired, tx, provider, e.now()))
	}
}

func (e *Engine) audit(ctx context.Context, actor domain.Actor, action, transactionID, detail string) {
	if actor.Username == "" {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	if err := e.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    "transaction",
		EntityID:      transactionID,
		Detail:        detail,
		CreatedAt:     e.now().UTC(),
	}); err != nil {
		e.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("order_id", transactionID),
			zap.Error(err),
		)
	}
}

func auditDetail(tx domain.Transaction, provider, reason string) string {
	parts := []string{
		"status=" + string(tx.Status),
		"payment_status=" + string(tx.PaymentStatus),
		"final_total=" + tx.FinalTotal.StringFixed(2),
	}
	if provider != "" {
		parts = append(parts, "provider="+provider)
	}
	if reason != "" {
		parts = append(parts, "reason="+reason)
	}
	return strings.Join(parts, ",")
}

func eventType(tx domain.Transaction, in txstate.Input) string {
	switch tx.Status {
	case domain.StatusCompleted:
		return domain.EventTransactionPaid
	case domain.StatusRefunded:
		return domain.EventTransactionRefunded
	case domain.StatusCancelled:
		if in == txstate.InputFailed {
			return domain.EventTransactionFailed
		}
		return domain.EventTransactionCancelled
	}
	return domain.EventTransactionFailed
}

func reconciliationEvent(kind string, tx domain.Transaction, provider string, at time.Time) domain.ReconciliationEvent {
	return domain.ReconciliationEvent{
		Type:          kind,
		TransactionID: tx.ID,
		Provider:      provider,
		Status:        tx.Status,
		PaymentStatus: tx.PaymentStatus,
		FinalTotal:    tx.FinalTotal,
		NeedsReview:   tx.NeedsReview,
		ReviewReason:  tx.ReviewReason,
		OccurredAt:    at.UTC(),
	}
}

func outcomeOf(tx domain.Transaction, result Result) Outcome {
	return Outcome{
		TransactionID: tx.ID,
		Result:        result,
		Status:        tx.Status,
		PaymentStatus: tx.PaymentStatus,
		NeedsReview:   tx.NeedsReview,
		ReviewReason:  tx.ReviewReason,
	}
}
