package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusCancelled TransactionStatus = "CANCELLED"
	StatusRefunded  TransactionStatus = "REFUNDED"
)

// PaymentStatus is empty until a payment method has been chosen.
type PaymentStatus string

const (
	PaymentNone      PaymentStatus = ""
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodQRIS         PaymentMethod = "qris"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodEWallet      PaymentMethod = "ewallet"
	MethodMidtrans     PaymentMethod = "midtrans"
	MethodDoku         PaymentMethod = "doku"
)

// SettlesAtCheckout reports whether the rail is confirmed by the cashier at
// the counter instead of an asynchronous gateway notification.
func (m PaymentMethod) SettlesAtCheckout() bool {
	return m == MethodCash || m == MethodCard
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodQRIS, MethodBankTransfer, MethodEWallet, MethodMidtrans, MethodDoku:
		return true
	default:
		return false
	}
}

// GatewayOutcome is the three-way normalization of any provider status.
type GatewayOutcome string

const (
	OutcomeSettled GatewayOutcome = "SETTLED"
	OutcomePending GatewayOutcome = "PENDING"
	OutcomeFailed  GatewayOutcome = "FAILED"
)

type StockDirection string

const (
	StockNone      StockDirection = ""
	StockDecrement StockDirection = "decrement"
	StockIncrement StockDirection = "increment"
)

const (
	ReviewInsufficientStock       = "insufficient_stock"
	ReviewAmountMismatch          = "amount_mismatch"
	ReviewSettlementAfterTerminal = "settlement_after_terminal"
)

type Product struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Stock  int             `json:"stock"`
	Active bool            `json:"active"`
}

type TransactionItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Transaction struct {
	ID              string            `json:"id"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	PaymentMethod   PaymentMethod     `json:"payment_method"`
	PaymentChannel  string            `json:"payment_channel,omitempty"`
	Total           decimal.Decimal   `json:"total"`
	Tax             decimal.Decimal   `json:"tax"`
	Discount        decimal.Decimal   `json:"discount"`
	VoucherDiscount decimal.Decimal   `json:"voucher_discount"`
	PromoDiscount   decimal.Decimal   `json:"promo_discount"`
	FinalTotal      decimal.Decimal   `json:"final_total"`
	Status          TransactionStatus `json:"status"`
	PaymentStatus   PaymentStatus     `json:"payment_status"`
	PaidAt          *time.Time        `json:"paid_at,omitempty"`
	NeedsReview     bool              `json:"needs_review"`
	ReviewReason    string            `json:"review_reason,omitempty"`
	CancelReason    string            `json:"cancel_reason,omitempty"`
	CreatedBy       string            `json:"created_by,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Items           []TransactionItem `json:"items"`
}

// FinalTotal is total − discount − voucherDiscount − promoDiscount + tax.
func FinalTotal(total, discount, voucherDiscount, promoDiscount, tax decimal.Decimal) decimal.Decimal {
	return total.Sub(discount).Sub(voucherDiscount).Sub(promoDiscount).Add(tax)
}

// RecomputeTotals derives Total from the items and FinalTotal from the amounts.
func (t *Transaction) RecomputeTotals() {
	total := decimal.Zero
	for i := range t.Items {
		t.Items[i].Subtotal = t.Items[i].UnitPrice.Mul(decimal.NewFromInt(int64(t.Items[i].Quantity)))
		total = total.Add(t.Items[i].Subtotal)
	}
	t.Total = total
	t.FinalTotal = FinalTotal(t.Total, t.Discount, t.VoucherDiscount, t.PromoDiscount, t.Tax)
}

// Flag marks the transaction for operator review, keeping the first reason.
func (t *Transaction) Flag(reason string) {
	if t.NeedsReview && t.ReviewReason != "" {
		return
	}
	t.NeedsReview = true
	t.ReviewReason = reason
}

type PaymentEvent struct {
	Provider           string          `json:"provider"`
	OrderID            string          `json:"order_id"`
	ProviderStatus     string          `json:"provider_status"`
	FraudStatus        string          `json:"fraud_status,omitempty"`
	PaymentMethodLabel string          `json:"payment_method_label,omitempty"`
	GrossAmount        decimal.Decimal `json:"gross_amount"`
	EventID            string          `json:"event_id,omitempty"`
	Outcome            GatewayOutcome  `json:"outcome"`
}

type StockMovement struct {
	TransactionID string         `json:"transaction_id"`
	ProductID     string         `json:"product_id"`
	Direction     StockDirection `json:"direction"`
	Requested     int            `json:"requested"`
	Applied       int            `json:"applied"`
	StockBefore   int            `json:"stock_before"`
	StockAfter    int            `json:"stock_after"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Shortfall is the quantity a decrement could not take because stock ran out.
func (m StockMovement) Shortfall() int {
	return m.Requested - m.Applied
}

type CreateItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateTransactionRequest struct {
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	Discount        decimal.Decimal `json:"discount"`
	VoucherDiscount decimal.Decimal `json:"voucher_discount"`
	PromoDiscount   decimal.Decimal `json:"promo_discount"`
	TaxRatePercent  decimal.Decimal `json:"tax_rate_percent"`
	Items           []CreateItem    `json:"items"`
}

type TransactionResponse struct {
	Transaction Transaction `json:"transaction"`
	Duplicate   bool        `json:"duplicate"`
}

type TransactionLookupResponse struct {
	Found       bool         `json:"found"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

type ReviewQueueResponse struct {
	Transactions []Transaction `json:"transactions"`
}

type OperatorActionRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReconciliationEvent is published after every committed state change.
type ReconciliationEvent struct {
	Type          string            `json:"type"`
	TransactionID string            `json:"transaction_id"`
	Provider      string            `json:"provider,omitempty"`
	Status        TransactionStatus `json:"status"`
	PaymentStatus PaymentStatus     `json:"payment_status"`
	FinalTotal    decimal.Decimal   `json:"final_total"`
	NeedsReview   bool              `json:"needs_review"`
	ReviewReason  string            `json:"review_reason,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

const (
	EventTransactionPaid      = "transaction.paid"
	EventTransactionFailed    = "transaction.failed"
	EventTransactionCancelled = "transaction.cancelled"
	EventTransactionRefunded  = "transaction.refunded"
	EventReviewRequired       = "transaction.review_required"
)
