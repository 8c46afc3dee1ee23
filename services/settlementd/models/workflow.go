package models

import "fmt"

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	StatusDraft:      {StatusProcessing, StatusCancel, StatusFailed},
	StatusProcessing: {StatusSuccess, StatusFailed},
}

var eventTransitions = map[EventStatus][]EventStatus{
	EventDraft:      {EventComingSoon, EventLive},
	EventComingSoon: {EventLive, EventCancel},
	EventLive:       {EventEnd, EventCancel},
}

// ValidateTransactionTransition ensures the transition follows the transaction
// state machine. Terminal states accept no transitions.
func ValidateTransactionTransition(current, next TransactionStatus) error {
	return validate(transactionTransitions, current, next)
}

// ValidateEventTransition ensures the transition follows the event lifecycle.
func ValidateEventTransition(current, next EventStatus) error {
	return validate(eventTransitions, current, next)
}

func validate[S ~string](table map[S][]S, current, next S) error {
	if current == next {
		return nil
	}
	allowed, ok := table[current]
	if !ok {
		return fmt.Errorf("no transitions allowed from %s", current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("transition from %s to %s is not permitted", current, next)
}
