package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"kasirpay/backend/internal/gateway"
	"kasirpay/backend/internal/reconcile"
	"kasirpay/backend/internal/store"
)

// handleWebhook passes the exact received bytes to the engine; signatures
// are computed over them, so the body is never decoded here. Any 2xx tells
// the gateway to stop redelivering.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeWebhookError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeWebhookError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.webhookTimeout)
	defer cancel()

	out, err := a.service.HandleWebhook(ctx, provider, gateway.Request{
		Headers: r.Header,
		Target:  r.URL.Path,
		Body:    body,
	})
	if err != nil {
		status := statusFor(err)
		switch status {
		case http.StatusUnauthorized:
			writeWebhookError(w, status, "invalid signature")
		case http.StatusBadRequest:
			writeWebhookError(w, status, "malformed payload")
		case http.StatusNotFound:
			writeWebhookError(w, status, "unknown provider")
		case http.StatusServiceUnavailable:
			a.logger.Warn("webhook deferred to gateway retry", zap.String("provider", provider), zap.Error(err))
			writeWebhookError(w, status, "temporarily unavailable")
		default:
			a.logger.Error("webhook failed", zap.String("provider", provider), zap.Error(err))
			writeWebhookError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"result":         out.Result,
		"transaction_id": out.TransactionID,
	})
}

func writeWebhookError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUnknownProvider):
		return http.StatusNotFound
	case store.IsTransient(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, reconcile.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, reconcile.ErrIllegalTransition), errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransaction), errors.Is(err, store.ErrDuplicate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
