// Package memory holds an in-memory implementation of the ticket store used
// by unit tests and by single-node deployments without a database. Sequence
// allocation goes through the advisory-lock allocator, the same protocol the
// durable stores fall back to.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinicflow/queue-service/internal/allocator"
	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"

	"github.com/google/uuid"
)

type dayCounter struct {
	value       int
	lockHolder  string
	lockExpires time.Time
}

type Store struct {
	mu          sync.Mutex
	tickets     map[string]*models.Ticket
	counters    map[string]*dayCounter
	transitions []store.TransitionRecord
	alloc       *allocator.LockAllocator
}

func NewStore(options allocator.Options) *Store {
	s := &Store{
		tickets:  make(map[string]*models.Ticket),
		counters: make(map[string]*dayCounter),
	}
	s.alloc = allocator.New(s, options)
	return s
}

func (s *Store) RegisterTicket(ctx context.Context, input store.RegisterInput) (models.Ticket, bool, error) {
	if !models.ValidDay(input.Day) {
		return models.Ticket{}, false, store.ErrInvalidDay
	}

	s.mu.Lock()
	if replayed, ok := s.findByRequestIDLocked(input.RequestID); ok {
		s.mu.Unlock()
		return replayed, false, nil
	}
	if existing := s.findActiveLocked(input.PatientRef, input.Day); existing != nil && !input.Force {
		dup := *existing
		s.mu.Unlock()
		return models.Ticket{}, false, &store.DuplicateTicketError{Existing: dup}
	}
	s.mu.Unlock()

	// The allocator takes the store lock per counter operation, so the mutex
	// must not be held across this call.
	seq, err := s.alloc.Next(ctx, input.Day)
	if err != nil {
		return models.Ticket{}, false, err
	}

	// The guard is re-checked here because the mutex was dropped around
	// allocation. A losing racer's number becomes a tolerated gap; the
	// supersede delete happens only now, after allocation cannot fail.
	s.mu.Lock()
	defer s.mu.Unlock()
	if replayed, ok := s.findByRequestIDLocked(input.RequestID); ok {
		return replayed, false, nil
	}
	if existing := s.findActiveLocked(input.PatientRef, input.Day); existing != nil {
		if !input.Force {
			dup := *existing
			return models.Ticket{}, false, &store.DuplicateTicketError{Existing: dup}
		}
		s.appendRecordLocked(*existing, existing.Status, models.StatusCancelled, input.PatientRef, "superseded by re-registration", input.RegisteredAt)
		delete(s.tickets, existing.TicketID)
	}

	ticket := models.Ticket{
		TicketID:       uuid.NewString(),
		PatientRef:     input.PatientRef,
		Day:            input.Day,
		SequenceNumber: seq,
		TicketNumber:   models.FormatTicketNumber(input.Day, seq),
		Status:         models.StatusWaiting,
		VisitType:      input.VisitType,
		Symptoms:       input.Symptoms,
		Memo:           input.Memo,
		Priority:       input.Priority,
		RegisteredAt:   input.RegisteredAt,
		RequestID:      input.RequestID,
	}
	s.tickets[ticket.TicketID] = &ticket
	s.appendRecordLocked(ticket, "", models.StatusWaiting, input.PatientRef, "registered", input.RegisteredAt)
	return ticket, true, nil
}

func (s *Store) findByRequestIDLocked(requestID string) (models.Ticket, bool) {
	if requestID == "" {
		return models.Ticket{}, false
	}
	for _, ticket := range s.tickets {
		if ticket.RequestID == requestID {
			return *ticket, true
		}
	}
	return models.Ticket{}, false
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return *ticket, nil
}

func (s *Store) ListDay(ctx context.Context, day string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.Day == day && !ticket.Archived {
			tickets = append(tickets, *ticket)
		}
	}
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].SequenceNumber < tickets[j].SequenceNumber
	})
	return tickets, nil
}

func (s *Store) Summary(ctx context.Context, day string) (models.DaySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary := models.DaySummary{Day: day}
	for _, ticket := range s.tickets {
		if ticket.Day != day || ticket.Archived {
			continue
		}
		switch ticket.Status {
		case models.StatusWaiting:
			summary.Waiting++
		case models.StatusCalled:
			summary.Called++
		case models.StatusConsulting:
			summary.Consulting++
		case models.StatusDone:
			summary.Done++
		case models.StatusCancelled:
			summary.Cancelled++
		}
	}
	return summary, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conflict := s.calledTicketLocked(input.Day); conflict != nil {
		current := *conflict
		return models.Ticket{}, &store.InvalidTransitionError{
			From:     models.StatusWaiting,
			To:       models.StatusCalled,
			Conflict: &current,
		}
	}

	var next *models.Ticket
	for _, ticket := range s.tickets {
		if ticket.Day != input.Day || ticket.Archived || ticket.Status != models.StatusWaiting {
			continue
		}
		if next == nil || ticket.SequenceNumber < next.SequenceNumber ||
			(ticket.SequenceNumber == next.SequenceNumber && ticket.RegisteredAt.Before(next.RegisteredAt)) {
			next = ticket
		}
	}
	if next == nil {
		return models.Ticket{}, store.ErrNoWaiting
	}

	s.applyStatusLocked(next, models.StatusCalled, input.CalledAt)
	s.appendRecordLocked(*next, models.StatusWaiting, models.StatusCalled, input.Actor, "", input.CalledAt)
	return *next, nil
}

func (s *Store) SetStatus(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	from := ticket.Status
	if !store.ValidTransition(from, input.NewStatus) {
		return models.Ticket{}, &store.InvalidTransitionError{TicketID: input.TicketID, From: from, To: input.NewStatus}
	}
	if input.NewStatus == models.StatusCalled {
		if conflict := s.calledTicketLocked(ticket.Day); conflict != nil && conflict.TicketID != ticket.TicketID {
			current := *conflict
			return models.Ticket{}, &store.InvalidTransitionError{
				TicketID: input.TicketID,
				From:     from,
				To:       input.NewStatus,
				Conflict: &current,
			}
		}
	}

	s.applyStatusLocked(ticket, input.NewStatus, input.OccurredAt)
	s.appendRecordLocked(*ticket, from, input.NewStatus, input.Actor, input.Reason, input.OccurredAt)
	return *ticket, nil
}

func (s *Store) DeleteTicket(ctx context.Context, ticketID, actor, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return store.ErrTicketNotFound
	}
	s.appendRecordLocked(*ticket, ticket.Status, "deleted", actor, reason, time.Now().UTC())
	delete(s.tickets, ticketID)
	return nil
}

func (s *Store) ListTransitions(ctx context.Context, ticketID string) ([]store.TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []store.TransitionRecord
	for _, record := range s.transitions {
		if record.TicketID == ticketID {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *Store) FindActiveTicket(ctx context.Context, patientRef, day string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket := s.findActiveLocked(patientRef, day); ticket != nil {
		return *ticket, true, nil
	}
	return models.Ticket{}, false, nil
}

func (s *Store) ArchiveSweep(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	archived := 0
	for _, ticket := range s.tickets {
		if ticket.Archived {
			continue
		}
		if ticket.Status != models.StatusDone && ticket.Status != models.StatusCancelled {
			continue
		}
		if !retiredAt(ticket).Before(cutoff) {
			continue
		}
		ticket.Archived = true
		s.appendRecordLocked(*ticket, ticket.Status, ticket.Status, "archiver", "scheduled archival", time.Now().UTC())
		archived++
	}
	return archived, nil
}

func (s *Store) SweepExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared := 0
	for _, counter := range s.counters {
		if counter.lockHolder != "" && !counter.lockExpires.After(now) {
			counter.lockHolder = ""
			counter.lockExpires = time.Time{}
			cleared++
		}
	}
	return cleared, nil
}

// TransitionCount reports the size of the transition log. Test hook.
func (s *Store) TransitionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transitions)
}

func (s *Store) findActiveLocked(patientRef, day string) *models.Ticket {
	for _, ticket := range s.tickets {
		if ticket.PatientRef != patientRef || ticket.Day != day || ticket.Archived {
			continue
		}
		switch ticket.Status {
		case models.StatusWaiting, models.StatusCalled, models.StatusConsulting:
			return ticket
		}
	}
	return nil
}

func (s *Store) calledTicketLocked(day string) *models.Ticket {
	for _, ticket := range s.tickets {
		if ticket.Day == day && !ticket.Archived && ticket.Status == models.StatusCalled {
			return ticket
		}
	}
	return nil
}

func (s *Store) applyStatusLocked(ticket *models.Ticket, status string, at time.Time) {
	ticket.Status = status
	switch status {
	case models.StatusCalled:
		if ticket.CalledAt == nil {
			t := at
			ticket.CalledAt = &t
		}
	case models.StatusConsulting:
		if ticket.ConsultingStartAt == nil {
			t := at
			ticket.ConsultingStartAt = &t
		}
	case models.StatusDone:
		if ticket.ConsultingEndAt == nil {
			t := at
			ticket.ConsultingEndAt = &t
		}
	case models.StatusCancelled:
		if ticket.CancelledAt == nil {
			t := at
			ticket.CancelledAt = &t
		}
	}
}

func (s *Store) appendRecordLocked(ticket models.Ticket, from, to, actor, reason string, at time.Time) {
	s.transitions = append(s.transitions, store.TransitionRecord{
		RecordID:       uuid.NewString(),
		TicketID:       ticket.TicketID,
		PatientRef:     ticket.PatientRef,
		PreviousStatus: from,
		NewStatus:      to,
		ChangedBy:      actor,
		Reason:         reason,
		CreatedAt:      at,
	})
}

func retiredAt(ticket *models.Ticket) time.Time {
	if ticket.ConsultingEndAt != nil {
		return *ticket.ConsultingEndAt
	}
	if ticket.CancelledAt != nil {
		return *ticket.CancelledAt
	}
	return ticket.RegisteredAt
}

// allocator.LockStore implementation.

func (s *Store) AcquireDayLock(ctx context.Context, day, holder string, ttl time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter := s.counterLocked(day)
	if counter.lockHolder != "" && counter.lockExpires.After(now) {
		return false, nil
	}
	counter.lockHolder = holder
	counter.lockExpires = now.Add(ttl)
	return true, nil
}

func (s *Store) ReleaseDayLock(ctx context.Context, day, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter := s.counterLocked(day)
	if counter.lockHolder == holder {
		counter.lockHolder = ""
		counter.lockExpires = time.Time{}
	}
	return nil
}

func (s *Store) ReadCounter(ctx context.Context, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counterLocked(day).value, nil
}

func (s *Store) WriteCounter(ctx context.Context, day string, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counterLocked(day).value = value
	return nil
}

func (s *Store) counterLocked(day string) *dayCounter {
	counter, ok := s.counters[day]
	if !ok {
		counter = &dayCounter{}
		s.counters[day] = counter
	}
	return counter
}
