package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirpay/backend/internal/domain"
	"kasirpay/backend/internal/signature"
)

const ProviderMidtrans = "midtrans"

type midtransNotification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	PaymentType       string `json:"payment_type"`
}

// Midtrans verifies the field-concatenation scheme; the signature travels
// inside the body as signature_key.
type Midtrans struct {
	serverKey string
	logger    *zap.Logger
}

func NewMidtrans(serverKey string, logger *zap.Logger) *Midtrans {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Midtrans{serverKey: strings.TrimSpace(serverKey), logger: logger.Named("midtrans")}
}

func (m *Midtrans) Name() string { return ProviderMidtrans }

func (m *Midtrans) Verify(req Request) bool {
	// A body that fails to decode leaves the fields empty and still goes
	// through the full hash comparison.
	var n midtransNotification
	_ = json.Unmarshal(req.Body, &n)
	return signature.VerifyFieldConcat(n.OrderID, n.StatusCode, n.GrossAmount, m.serverKey, n.SignatureKey)
}

func (m *Midtrans) Normalize(req Request) (domain.PaymentEvent, error) {
	var n midtransNotification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	n.OrderID = strings.TrimSpace(n.OrderID)
	n.TransactionStatus = normalizeLabel(n.TransactionStatus)
	if n.OrderID == "" || n.TransactionStatus == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: order_id and transaction_status are required", ErrMalformedPayload)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(n.GrossAmount))
	if err != nil || amount.IsNegative() {
		return domain.PaymentEvent{}, fmt.Errorf("%w: gross_amount %q", ErrMalformedPayload, n.GrossAmount)
	}

	// A capture under fraud review is followed by a capture with the review
	// verdict, so the fraud status is part of the delivery identity.
	fraud := normalizeLabel(n.FraudStatus)
	eventID := ""
	if id := strings.TrimSpace(n.TransactionID); id != "" {
		eventID = id + ":" + n.TransactionStatus
		if fraud != "" {
			eventID += ":" + fraud
		}
	}

	return domain.PaymentEvent{
		Provider:           ProviderMidtrans,
		OrderID:            n.OrderID,
		ProviderStatus:     n.TransactionStatus,
		FraudStatus:        fraud,
		PaymentMethodLabel: normalizeLabel(n.PaymentType),
		GrossAmount:        amount,
		EventID:            eventID,
		Outcome:            m.outcome(n.OrderID, n.TransactionStatus, fraud),
	}, nil
}

func (m *Midtrans) outcome(orderID, status, fraud string) domain.GatewayOutcome {
	switch status {
	case "settlement", "capture":
		switch fraud {
		case "deny", "reject":
			return domain.OutcomeFailed
		case "challenge":
			return domain.OutcomePending
		}
		return domain.OutcomeSettled
	case "pending", "authorize":
		return domain.OutcomePending
	case "deny", "cancel", "expire", "failure":
		return domain.OutcomeFailed
	}
	logUnmapped(m.logger, ProviderMidtrans, status, orderID)
	return domain.OutcomePending
}
