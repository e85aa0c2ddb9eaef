package txstate

import (
	"testing"
	"time"

	"kasirpay/backend/internal/domain"
)

var (
	openState      = State{Status: domain.StatusPending, PaymentStatus: domain.PaymentPending}
	cancelledState = State{Status: domain.StatusCancelled, PaymentStatus: domain.PaymentFailed}
	refundedState  = State{Status: domain.StatusRefunded, PaymentStatus: domain.PaymentFailed}
)

func paidState(at time.Time) State {
	return State{Status: domain.StatusCompleted, PaymentStatus: domain.PaymentPaid, PaidAt: &at}
}

func TestTransitionTable(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	paid := paidState(now.Add(-time.Hour))

	cases := []struct {
		name     string
		from     State
		in       Input
		result   Result
		status   domain.TransactionStatus
		payment  domain.PaymentStatus
		stock    domain.StockDirection
		wantFlag bool
	}{
		{"open settles", openState, InputSettled, ResultApplied, domain.StatusCompleted, domain.PaymentPaid, domain.StockDecrement, false},
		{"unset payment settles", State{Status: domain.StatusPending}, InputSettled, ResultApplied, domain.StatusCompleted, domain.PaymentPaid, domain.StockDecrement, false},
		{"open fails", openState, InputFailed, ResultApplied, domain.StatusCancelled, domain.PaymentFailed, domain.StockNone, false},
		{"open pending", openState, InputPending, ResultNoop, domain.StatusPending, domain.PaymentPending, domain.StockNone, false},
		{"open cancelled by operator", openState, InputCancel, ResultApplied, domain.StatusCancelled, domain.PaymentCancelled, domain.StockNone, false},
		{"open refund", openState, InputRefund, ResultRejected, domain.StatusPending, domain.PaymentPending, domain.StockNone, false},
		{"paid resettled", paid, InputSettled, ResultNoop, domain.StatusCompleted, domain.PaymentPaid, domain.StockNone, false},
		{"paid cancelled", paid, InputCancel, ResultApplied, domain.StatusCancelled, domain.PaymentFailed, domain.StockIncrement, false},
		{"paid refunded", paid, InputRefund, ResultApplied, domain.StatusRefunded, domain.PaymentFailed, domain.StockIncrement, false},
		{"paid then failed", paid, InputFailed, ResultRejected, domain.StatusCompleted, domain.PaymentPaid, domain.StockNone, false},
		{"paid then pending", paid, InputPending, ResultRejected, domain.StatusCompleted, domain.PaymentPaid, domain.StockNone, false},
		{"cancelled failed again", cancelledState, InputFailed, ResultNoop, domain.StatusCancelled, domain.PaymentFailed, domain.StockNone, false},
		{"cancelled cancel again", cancelledState, InputCancel, ResultNoop, domain.StatusCancelled, domain.PaymentFailed, domain.StockNone, false},
		{"cancelled refund", cancelledState, InputRefund, ResultRejected, domain.StatusCancelled, domain.PaymentFailed, domain.StockNone, false},
		{"cancelled settled", cancelledState, InputSettled, ResultRejected, domain.StatusCancelled, domain.PaymentFailed, domain.StockNone, true},
		{"cancelled pending", cancelledState, InputPending, ResultRejected, domain.StatusCancelled, domain.PaymentFailed, domain.StockNone, false},
		{"refunded refund again", refundedState, InputRefund, ResultNoop, domain.StatusRefunded, domain.PaymentFailed, domain.StockNone, false},
		{"refunded settled", refundedState, InputSettled, ResultRejected, domain.StatusRefunded, domain.PaymentFailed, domain.StockNone, true},
		{"inconsistent row", State{Status: domain.StatusCompleted, PaymentStatus: domain.PaymentPending}, InputSettled, ResultRejected, domain.StatusCompleted, domain.PaymentPending, domain.StockNone, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Transition(tc.from, tc.in, now)
			if d.Result != tc.result {
				t.Fatalf("expected %s, got %s (%s)", tc.result, d.Result, d.Reason)
			}
			if d.Next.Status != tc.status || d.Next.PaymentStatus != tc.payment {
				t.Fatalf("expected %s/%s, got %s/%s", tc.status, tc.payment, d.Next.Status, d.Next.PaymentStatus)
			}
			if d.Stock != tc.stock {
				t.Fatalf("expected stock %q, got %q", tc.stock, d.Stock)
			}
			if (d.Review != "") != tc.wantFlag {
				t.Fatalf("unexpected review flag %q", d.Review)
			}
			if d.Result != ResultApplied && d.Stock != domain.StockNone {
				t.Fatalf("unchanged state must not carry a stock delta")
			}
		})
	}
}

func TestSettlementSetsPaidAtOnce(t *testing.T) {
	first := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	d := Transition(openState, InputSettled, first)
	if d.Next.PaidAt == nil || !d.Next.PaidAt.Equal(first) {
		t.Fatalf("expected paid_at %s, got %v", first, d.Next.PaidAt)
	}

	again := Transition(d.Next, InputSettled, first.Add(time.Hour))
	if !again.Next.PaidAt.Equal(first) {
		t.Fatalf("paid_at must not move on redelivery, got %s", again.Next.PaidAt)
	}

	refunded := Transition(d.Next, InputRefund, first.Add(2*time.Hour))
	if refunded.Next.PaidAt == nil || !refunded.Next.PaidAt.Equal(first) {
		t.Fatalf("refund must keep original paid_at")
	}
}

func TestNoEventReopensClosedTransaction(t *testing.T) {
	inputs := []Input{InputSettled, InputPending, InputFailed, InputCancel, InputRefund}
	now := time.Now()
	for _, start := range []State{cancelledState, refundedState} {
		for _, in := range inputs {
			d := Transition(start, in, now)
			if d.Next.Status == domain.StatusPending || d.Next.PaymentStatus == domain.PaymentPending {
				t.Fatalf("%s on %s moved backward to %s/%s", in, start.Status, d.Next.Status, d.Next.PaymentStatus)
			}
			if d.Changed() {
				t.Fatalf("%s on closed %s must not change state", in, start.Status)
			}
		}
	}
}

func TestInputFromOutcome(t *testing.T) {
	if InputFromOutcome(domain.OutcomeSettled) != InputSettled ||
		InputFromOutcome(domain.OutcomeFailed) != InputFailed ||
		InputFromOutcome(domain.OutcomePending) != InputPending ||
		InputFromOutcome("weird") != InputPending {
		t.Fatalf("unexpected outcome mapping")
	}
}
