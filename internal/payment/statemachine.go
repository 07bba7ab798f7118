package payment

import (
	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/core/datamodel/payment"
	"github.com/mesaya/payment-service/internal/core/events"
)

// Mode distinguishes observed facts from explicit requests.
type Mode int

const (
	// ModeSignal: a repeated observation of the current status is a no-op.
	ModeSignal Mode = iota
	// ModeCommand: the payment must be in the exact source status of the move.
	ModeCommand
)

var transitions = map[string][]string{
	payment.StatusPending:   {payment.StatusSucceeded, payment.StatusFailed, payment.StatusCancelled},
	payment.StatusSucceeded: {payment.StatusRefunded},
}

func IsValidStatus(status string) bool {
	switch status {
	case payment.StatusPending, payment.StatusSucceeded, payment.StatusFailed,
		payment.StatusRefunded, payment.StatusCancelled:
		return true
	}
	return false
}

func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	return len(transitions[status]) == 0
}

// Decide reports whether moving from -> to must be applied. It returns false with no
// error for a signal repeating the current status.
func Decide(from, to string, mode Mode) (bool, error) {
	if from == to && mode == ModeSignal {
		return false, nil
	}
	if CanTransition(from, to) {
		return true, nil
	}
	return false, internal.NewInvalidTransitionError(from, to)
}

// EventsFor lists the domain events produced by an applied move.
func EventsFor(from, to, paymentType string) []string {
	switch {
	case from == payment.StatusPending && to == payment.StatusSucceeded:
		if paymentType == payment.TypeReservation {
			return []string{events.EventTypePaymentSucceeded, events.EventTypeReservationPaid}
		}
		return []string{events.EventTypePaymentSucceeded}
	case from == payment.StatusPending && to == payment.StatusFailed:
		return []string{events.EventTypePaymentFailed}
	case from == payment.StatusPending && to == payment.StatusCancelled:
		return []string{events.EventTypePaymentCancelled}
	case from == payment.StatusSucceeded && to == payment.StatusRefunded:
		return []string{events.EventTypePaymentRefunded}
	}
	return nil
}
