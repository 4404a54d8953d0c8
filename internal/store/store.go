package store

import (
	"context"
	"time"

	"clinicflow/queue-service/internal/models"
)

type RegisterInput struct {
	RequestID    string
	PatientRef   string
	Day          string
	VisitType    string
	Symptoms     string
	Memo         string
	Priority     int
	Force        bool
	RegisteredAt time.Time
}

type CallNextInput struct {
	Day      string
	Actor    string
	CalledAt time.Time
}

type TransitionInput struct {
	TicketID   string
	NewStatus  string
	Actor      string
	Reason     string
	OccurredAt time.Time
}

// TransitionRecord is one append-only entry in the status audit log. Records
// survive ticket deletion.
type TransitionRecord struct {
	RecordID       string    `json:"record_id"`
	TicketID       string    `json:"ticket_id"`
	PatientRef     string    `json:"patient_ref"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	ChangedBy      string    `json:"changed_by"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type TicketStore interface {
	// RegisterTicket allocates a sequence number and creates the ticket. The
	// bool reports whether a new ticket was created; a replayed request_id
	// returns the original ticket with false.
	RegisterTicket(ctx context.Context, input RegisterInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	// ListDay returns the live view: non-archived tickets for the day ordered
	// by sequence number.
	ListDay(ctx context.Context, day string) ([]models.Ticket, error)
	Summary(ctx context.Context, day string) (models.DaySummary, error)
	// CallNext promotes the smallest waiting sequence number for the day to
	// called. ErrNoWaiting when the queue has no eligible ticket.
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, error)
	SetStatus(ctx context.Context, input TransitionInput) (models.Ticket, error)
	// DeleteTicket removes a ticket outright, bypassing the state machine.
	// The removal is still recorded in the transition log.
	DeleteTicket(ctx context.Context, ticketID, actor, reason string) error
	ListTransitions(ctx context.Context, ticketID string) ([]TransitionRecord, error)
	// FindActiveTicket is the duplicate guard: any non-archived ticket for the
	// patient and day still in waiting, called, or consulting.
	FindActiveTicket(ctx context.Context, patientRef, day string) (models.Ticket, bool, error)
	// ArchiveSweep flags terminal tickets older than cutoff as archived.
	// Partial-failure tolerant; returns how many tickets were archived.
	ArchiveSweep(ctx context.Context, cutoff time.Time) (int, error)
	// SweepExpiredLocks reclaims abandoned allocator locks.
	SweepExpiredLocks(ctx context.Context, now time.Time) (int, error)
}
