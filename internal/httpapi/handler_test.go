package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"clinicflow/queue-service/internal/allocator"
	"clinicflow/queue-service/internal/hub"
	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"
)

type fakeStore struct {
	registerFn    func(ctx context.Context, input store.RegisterInput) (models.Ticket, bool, error)
	getFn         func(ctx context.Context, ticketID string) (models.Ticket, error)
	listFn        func(ctx context.Context, day string) ([]models.Ticket, error)
	summaryFn     func(ctx context.Context, day string) (models.DaySummary, error)
	callFn        func(ctx context.Context, input store.CallNextInput) (models.Ticket, error)
	setStatusFn   func(ctx context.Context, input store.TransitionInput) (models.Ticket, error)
	deleteFn      func(ctx context.Context, ticketID, actor, reason string) error
	transitionsFn func(ctx context.Context, ticketID string) ([]store.TransitionRecord, error)
}

func (f fakeStore) RegisterTicket(ctx context.Context, input store.RegisterInput) (models.Ticket, bool, error) {
	if f.registerFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.registerFn(ctx, input)
}

func (f fakeStore) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.getFn == nil {
		return models.Ticket{}, nil
	}
	return f.getFn(ctx, ticketID)
}

func (f fakeStore) ListDay(ctx context.Context, day string) ([]models.Ticket, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, day)
}

func (f fakeStore) Summary(ctx context.Context, day string) (models.DaySummary, error) {
	if f.summaryFn == nil {
		return models.DaySummary{}, nil
	}
	return f.summaryFn(ctx, day)
}

func (f fakeStore) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	if f.callFn == nil {
		return models.Ticket{}, nil
	}
	return f.callFn(ctx, input)
}

func (f fakeStore) SetStatus(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	if f.setStatusFn == nil {
		return models.Ticket{}, nil
	}
	return f.setStatusFn(ctx, input)
}

func (f fakeStore) DeleteTicket(ctx context.Context, ticketID, actor, reason string) error {
	if f.deleteFn == nil {
		return nil
	}
	return f.deleteFn(ctx, ticketID, actor, reason)
}

func (f fakeStore) ListTransitions(ctx context.Context, ticketID string) ([]store.TransitionRecord, error) {
	if f.transitionsFn == nil {
		return nil, nil
	}
	return f.transitionsFn(ctx, ticketID)
}

func (f fakeStore) FindActiveTicket(ctx context.Context, patientRef, day string) (models.Ticket, bool, error) {
	return models.Ticket{}, false, nil
}

func (f fakeStore) ArchiveSweep(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (f fakeStore) SweepExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (p *fakePublisher) Broadcast(event hub.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *fakePublisher) published() []hub.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]hub.Event(nil), p.events...)
}

const ticketID = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"

func TestRegisterTicketSuccess(t *testing.T) {
	st := fakeStore{
		registerFn: func(ctx context.Context, input store.RegisterInput) (models.Ticket, bool, error) {
			return models.Ticket{
				TicketID:       ticketID,
				PatientRef:     input.PatientRef,
				Day:            input.Day,
				SequenceNumber: 7,
				TicketNumber:   models.FormatTicketNumber(input.Day, 7),
				Status:         models.StatusWaiting,
				RegisteredAt:   input.RegisteredAt,
			}, true, nil
		},
	}
	pub := &fakePublisher{}
	h := NewHandler(st, pub, Options{})

	payload := map[string]interface{}{
		"patient_ref": "patient-7",
		"day":         "2024-01-15",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.Code)
	}

	var ticket models.Ticket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ticket.TicketNumber != "Q20240115-007" {
		t.Fatalf("unexpected ticket number %s", ticket.TicketNumber)
	}

	events := pub.published()
	if len(events) != 1 || events[0].Type != hub.EventTicketCreated {
		t.Fatalf("expected one ticket_created event, got %+v", events)
	}
}

func TestRegisterTicketReplayReturnsExisting(t *testing.T) {
	st := fakeStore{
		registerFn: func(ctx context.Context, input store.RegisterInput) (models.Ticket, bool, error) {
			return models.Ticket{TicketID: ticketID, Status: models.StatusWaiting}, false, nil
		},
	}
	pub := &fakePublisher{}
	h := NewHandler(st, pub, Options{})

	payload := map[string]interface{}{
		"request_id":  "11111111-1111-1111-1111-111111111111",
		"patient_ref": "patient-7",
		"day":         "2024-01-15",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200 for replay, got %d", resp.Code)
	}
	if events := pub.published(); len(events) != 0 {
		t.Fatalf("replay must not broadcast, got %+v", events)
	}
}

func TestRegisterTicketMissingPatientRef(t *testing.T) {
	h := NewHandler(fakeStore{}, &fakePublisher{}, Options{})

	body, _ := json.Marshal(map[string]interface{}{"day": "2024-01-15"})
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestRegisterTicketBadDay(t *testing.T) {
	h := NewHandler(fakeStore{}, &fakePublisher{}, Options{})

	body, _ := json.Marshal(map[string]interface{}{
		"patient_ref": "patient-7",
		"day":         "15/01/2024",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if errResp.Error.Code != "invalid_day" {
		t.Fatalf("expected error code invalid_day, got %s", errResp.Error.Code)
	}
}

func TestRegisterTicketDuplicate(t *testing.T) {
	existing := models.Ticket{
		TicketID:     ticketID,
		PatientRef:   "patient-7",
		TicketNumber: "Q20240115-003",
		Status:       models.StatusWaiting,
	}
	st := fakeStore{
		registerFn: func(ctx context.Context, input store.RegisterInput) (models.Ticket, bool, error) {
			return models.Ticket{}, false, &store.DuplicateTicketError{Existing: existing}
		},
	}
	pub := &fakePublisher{}
	h := NewHandler(st, pub, Options{})

	body, _ := json.Marshal(map[string]interface{}{
		"request_id":  "11111111-1111-1111-1111-111111111111",
		"patient_ref": "patient-7",
		"day":         "2024-01-15",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if errResp.RequestID != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("error response must echo the request id, got %q", errResp.RequestID)
	}
	if errResp.Error.Code != "duplicate_ticket" {
		t.Fatalf("expected error code duplicate_ticket, got %s", errResp.Error.Code)
	}
	if errResp.Error.Existing == nil || errResp.Error.Existing.TicketNumber != "Q20240115-003" {
		t.Fatalf("expected existing ticket in error body, got %+v", errResp.Error.Existing)
	}
	if events := pub.published(); len(events) != 0 {
		t.Fatalf("rejected registration must not broadcast, got %+v", events)
	}
}

func TestRegisterTicketAllocatorUnavailable(t *testing.T) {
	st := fakeStore{
		registerFn: func(ctx context.Context, input store.RegisterInput) (models.Ticket, bool, error) {
			return models.Ticket{}, false, allocator.ErrUnavailable
		},
	}
	h := NewHandler(st, &fakePublisher{}, Options{})

	body, _ := json.Marshal(map[string]interface{}{"patient_ref": "patient-7"})
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if errResp.Error.Code != "allocation_unavailable" {
		t.Fatalf("expected error code allocation_unavailable, got %s", errResp.Error.Code)
	}
}

func TestCallNextSuccess(t *testing.T) {
	calledAt := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	st := fakeStore{
		callFn: func(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
			return models.Ticket{
				TicketID:     ticketID,
				Day:          input.Day,
				TicketNumber: "Q20240115-001",
				Status:       models.StatusCalled,
				CalledAt:     &calledAt,
			}, nil
		},
	}
	pub := &fakePublisher{}
	h := NewHandler(st, pub, Options{})

	body, _ := json.Marshal(map[string]interface{}{"day": "2024-01-15", "actor": "dr-sato"})
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/actions/call-next", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	events := pub.published()
	if len(events) != 1 || events[0].Type != hub.EventStatusChanged {
		t.Fatalf("expected one status_changed event, got %+v", events)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	st := fakeStore{
		callFn: func(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
			return models.Ticket{}, store.ErrNoWaiting
		},
	}
	pub := &fakePublisher{}
	h := NewHandler(st, pub, Options{})

	body, _ := json.Marshal(map[string]interface{}{"day": "2024-01-15"})
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/actions/call-next", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
	if events := pub.published(); len(events) != 0 {
		t.Fatalf("empty queue must not broadcast, got %+v", events)
	}
}

func TestSetStatusInvalidTransitionConflict(t *testing.T) {
	conflict := &models.Ticket{
		TicketID:     "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb",
		PatientRef:   "patient-3",
		TicketNumber: "Q20240115-003",
		Status:       models.StatusCalled,
	}
	st := fakeStore{
		setStatusFn: func(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
			return models.Ticket{}, &store.InvalidTransitionError{
				TicketID: input.TicketID,
				From:     models.StatusWaiting,
				To:       models.StatusCalled,
				Conflict: conflict,
			}
		},
	}
	h := NewHandler(st, &fakePublisher{}, Options{})

	body, _ := json.Marshal(map[string]interface{}{"status": "called"})
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/"+ticketID+"/actions/status", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if errResp.Error.Code != "invalid_transition" {
		t.Fatalf("expected error code invalid_transition, got %s", errResp.Error.Code)
	}
	if errResp.Error.Conflict == nil || errResp.Error.Conflict.PatientRef != "patient-3" {
		t.Fatalf("expected conflicting ticket in error body, got %+v", errResp.Error.Conflict)
	}
}

func TestSetStatusUnknownStatus(t *testing.T) {
	h := NewHandler(fakeStore{}, &fakePublisher{}, Options{})

	body, _ := json.Marshal(map[string]interface{}{"status": "paused"})
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/"+ticketID+"/actions/status", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestGetTicketNotFound(t *testing.T) {
	st := fakeStore{
		getFn: func(ctx context.Context, id string) (models.Ticket, error) {
			return models.Ticket{}, store.ErrTicketNotFound
		},
	}
	h := NewHandler(st, &fakePublisher{}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/"+ticketID, nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestListTodayEmpty(t *testing.T) {
	h := NewHandler(fakeStore{}, &fakePublisher{}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/today", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var tickets []models.Ticket
	if err := json.NewDecoder(resp.Body).Decode(&tickets); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if tickets == nil {
		t.Fatal("expected empty array, got null")
	}
}

func TestSummary(t *testing.T) {
	st := fakeStore{
		summaryFn: func(ctx context.Context, day string) (models.DaySummary, error) {
			return models.DaySummary{Day: day, Waiting: 4, Done: 2}, nil
		},
	}
	h := NewHandler(st, &fakePublisher{}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/summary?day=2024-01-15", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var summary models.DaySummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if summary.Day != "2024-01-15" || summary.Waiting != 4 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestDeleteTicket(t *testing.T) {
	deleted := false
	st := fakeStore{
		getFn: func(ctx context.Context, id string) (models.Ticket, error) {
			return models.Ticket{TicketID: id, Day: "2024-01-15"}, nil
		},
		deleteFn: func(ctx context.Context, id, actor, reason string) error {
			deleted = true
			if actor != "reception" || reason != "entered twice" {
				t.Fatalf("unexpected actor=%q reason=%q", actor, reason)
			}
			return nil
		},
	}
	pub := &fakePublisher{}
	h := NewHandler(st, pub, Options{})

	req := httptest.NewRequest(http.MethodDelete, "/api/tickets/"+ticketID+"?actor=reception&reason=entered+twice", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
	if !deleted {
		t.Fatal("store delete was not invoked")
	}
	if events := pub.published(); len(events) != 1 {
		t.Fatalf("expected one event, got %+v", events)
	}
}

func TestListTransitions(t *testing.T) {
	st := fakeStore{
		transitionsFn: func(ctx context.Context, id string) ([]store.TransitionRecord, error) {
			return []store.TransitionRecord{
				{TicketID: id, PreviousStatus: "", NewStatus: models.StatusWaiting},
				{TicketID: id, PreviousStatus: models.StatusWaiting, NewStatus: models.StatusCalled},
			}, nil
		},
	}
	h := NewHandler(st, &fakePublisher{}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/"+ticketID+"/transitions", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var records []store.TransitionRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(records) != 2 || records[1].NewStatus != models.StatusCalled {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewHandler(fakeStore{}, &fakePublisher{}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/tickets", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", resp.Code)
	}
}
