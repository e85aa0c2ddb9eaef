// Package txstate is the single authority over transaction status changes.
// Webhooks, operator actions and synchronous settlement all pass through
// Transition, which has no side effects.
package txstate

import (
	"fmt"
	"time"

	"kasirpay/backend/internal/domain"
)

type Input string

const (
	InputSettled Input = "SETTLED"
	InputPending Input = "PENDING"
	InputFailed  Input = "FAILED"
	InputCancel  Input = "CANCEL"
	InputRefund  Input = "REFUND"
)

func InputFromOutcome(outcome domain.GatewayOutcome) Input {
	switch outcome {
	case domain.OutcomeSettled:
		return InputSettled
	case domain.OutcomeFailed:
		return InputFailed
	default:
		return InputPending
	}
}

type Result string

const (
	ResultApplied  Result = "applied"
	ResultNoop     Result = "noop"
	ResultRejected Result = "rejected"
)

type State struct {
	Status        domain.TransactionStatus
	PaymentStatus domain.PaymentStatus
	PaidAt        *time.Time
}

func StateOf(tx domain.Transaction) State {
	return State{Status: tx.Status, PaymentStatus: tx.PaymentStatus, PaidAt: tx.PaidAt}
}

// Decision describes what should happen to a transaction. Next equals the
// current state unless Result is ResultApplied, and Stock is StockNone unless
// the transition crosses into or out of a paid state.
type Decision struct {
	Result Result
	Next   State
	Stock  domain.StockDirection
	Review string
	Reason string
}

func (d Decision) Changed() bool { return d.Result == ResultApplied }

type phase int

const (
	phaseUnknown phase = iota
	phaseOpen
	phasePaid
	phaseCancelled
	phaseRefunded
)

func phaseOf(s State) phase {
	switch s.Status {
	case domain.StatusPending:
		if s.PaymentStatus == domain.PaymentNone || s.PaymentStatus == domain.PaymentPending {
			return phaseOpen
		}
	case domain.StatusCompleted:
		if s.PaymentStatus == domain.PaymentPaid {
			return phasePaid
		}
	case domain.StatusCancelled:
		return phaseCancelled
	case domain.StatusRefunded:
		return phaseRefunded
	}
	return phaseUnknown
}

func Transition(cur State, in Input, now time.Time) Decision {
	switch phaseOf(cur) {
	case phaseOpen:
		switch in {
		case InputSettled:
			paidAt := cur.PaidAt
			if paidAt == nil {
				ts := now.UTC()
				paidAt = &ts
			}
			return applied(State{Status: domain.StatusCompleted, PaymentStatus: domain.PaymentPaid, PaidAt: paidAt}, domain.StockDecrement)
		case InputFailed:
			return applied(State{Status: domain.StatusCancelled, PaymentStatus: domain.PaymentFailed, PaidAt: cur.PaidAt}, domain.StockNone)
		case InputCancel:
			return applied(State{Status: domain.StatusCancelled, PaymentStatus: domain.PaymentCancelled, PaidAt: cur.PaidAt}, domain.StockNone)
		case InputPending:
			return noop(cur)
		case InputRefund:
			return rejected(cur, "refund requires a paid transaction")
		}
	case phasePaid:
		switch in {
		case InputSettled:
			return noop(cur)
		case InputCancel:
			return applied(State{Status: domain.StatusCancelled, PaymentStatus: domain.PaymentFailed, PaidAt: cur.PaidAt}, domain.StockIncrement)
		case InputRefund:
			return applied(State{Status: domain.StatusRefunded, PaymentStatus: domain.PaymentFailed, PaidAt: cur.PaidAt}, domain.StockIncrement)
		case InputFailed, InputPending:
			return rejected(cur, fmt.Sprintf("%s cannot move a paid transaction backward", in))
		}
	case phaseCancelled, phaseRefunded:
		switch in {
		case InputFailed, InputCancel:
			return noop(cur)
		case InputRefund:
			if cur.Status == domain.StatusRefunded {
				return noop(cur)
			}
			return rejected(cur, "cancelled transaction cannot be refunded")
		case InputSettled:
			d := rejected(cur, "settlement received for a closed transaction")
			d.Review = domain.ReviewSettlementAfterTerminal
			return d
		case InputPending:
			return rejected(cur, "closed transaction cannot return to pending")
		}
	}
	return rejected(cur, fmt.Sprintf("no transition from %s/%s on %s", cur.Status, displayPayment(cur.PaymentStatus), in))
}

func applied(next State, stock domain.StockDirection) Decision {
	return Decision{Result: ResultApplied, Next: next, Stock: stock}
}

func noop(cur State) Decision {
	return Decision{Result: ResultNoop, Next: cur}
}

func rejected(cur State, reason string) Decision {
	return Decision{Result: ResultRejected, Next: cur, Reason: reason}
}

func displayPayment(p domain.PaymentStatus) string {
	if p == domain.PaymentNone {
		return "none"
	}
	return string(p)
}
