package store

import (
	"errors"
	"fmt"

	"clinicflow/queue-service/internal/models"
)

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrNoWaiting      = errors.New("no waiting ticket")
	ErrInvalidDay     = errors.New("invalid day")
)

// DuplicateTicketError is returned when a patient already holds an active
// ticket for the day and the registration did not ask to supersede it.
type DuplicateTicketError struct {
	Existing models.Ticket
}

func (e *DuplicateTicketError) Error() string {
	return fmt.Sprintf("patient %s already holds ticket %s (%s)", e.Existing.PatientRef, e.Existing.TicketNumber, e.Existing.Status)
}

// InvalidTransitionError rejects a status change the state machine does not
// permit. Conflict is set when the single-active-called invariant is the
// cause and identifies the currently-called ticket.
type InvalidTransitionError struct {
	TicketID string
	From     string
	To       string
	Conflict *models.Ticket
}

func (e *InvalidTransitionError) Error() string {
	if e.Conflict != nil {
		return fmt.Sprintf("cannot call ticket %s: patient %s (ticket %s) is already called", e.TicketID, e.Conflict.PatientRef, e.Conflict.TicketNumber)
	}
	return fmt.Sprintf("ticket %s: transition %s -> %s not allowed", e.TicketID, e.From, e.To)
}
