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

const ProviderDoku = "doku"

type dokuNotification struct {
	Order struct {
		InvoiceNumber string          `json:"invoice_number"`
		Amount        decimal.Decimal `json:"amount"`
	} `json:"order"`
	Transaction struct {
		Status string `json:"status"`
	} `json:"transaction"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Service struct {
		ID string `json:"id"`
	} `json:"service"`
}

// Doku verifies the canonical-string HMAC scheme carried in request headers.
type Doku struct {
	clientID  string
	secretKey string
	logger    *zap.Logger
}

func NewDoku(clientID, secretKey string, logger *zap.Logger) *Doku {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Doku{
		clientID:  strings.TrimSpace(clientID),
		secretKey: secretKey,
		logger:    logger.Named("doku"),
	}
}

func (d *Doku) Name() string { return ProviderDoku }

func (d *Doku) Verify(req Request) bool {
	valid := signature.VerifyCanonical(req.Body, req.Headers, req.Target, d.secretKey)
	clientMatches := d.clientID == "" || req.Headers.Get(signature.HeaderClientID) == d.clientID
	return valid && clientMatches
}

func (d *Doku) Normalize(req Request) (domain.PaymentEvent, error) {
	var n dokuNotification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	orderID := strings.TrimSpace(n.Order.InvoiceNumber)
	status := strings.ToUpper(strings.TrimSpace(n.Transaction.Status))
	if orderID == "" || status == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: invoice_number and transaction.status are required", ErrMalformedPayload)
	}
	if n.Order.Amount.IsNegative() {
		return domain.PaymentEvent{}, fmt.Errorf("%w: negative amount", ErrMalformedPayload)
	}

	label := n.Channel.ID
	if label == "" {
		label = n.Service.ID
	}

	return domain.PaymentEvent{
		Provider:           ProviderDoku,
		OrderID:            orderID,
		ProviderStatus:     status,
		PaymentMethodLabel: normalizeLabel(label),
		GrossAmount:        n.Order.Amount,
		EventID:            strings.TrimSpace(req.Headers.Get(signature.HeaderRequestID)),
		Outcome:            d.outcome(orderID, status),
	}, nil
}

func (d *Doku) outcome(orderID, status string) domain.GatewayOutcome {
	switch status {
	case "SUCCESS":
		return domain.OutcomeSettled
	case "PENDING":
		return domain.OutcomePending
	case "FAILED", "EXPIRED":
		return domain.OutcomeFailed
	}
	logUnmapped(d.logger, ProviderDoku, status, orderID)
	return domain.OutcomePending
}
