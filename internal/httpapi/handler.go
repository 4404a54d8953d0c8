package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"clinicflow/queue-service/internal/allocator"
	"clinicflow/queue-service/internal/hub"
	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"

	"github.com/google/uuid"
)

// Publisher pushes queue events to connected boards.
type Publisher interface {
	Broadcast(event hub.Event)
}

type Handler struct {
	store           store.TicketStore
	publisher       Publisher
	location        *time.Location
	registerTimeout time.Duration
}

type Options struct {
	Location        *time.Location
	RegisterTimeout time.Duration
}

type registerRequest struct {
	RequestID  string `json:"request_id"`
	PatientRef string `json:"patient_ref"`
	Day        string `json:"day"`
	VisitType  string `json:"visit_type"`
	Symptoms   string `json:"symptoms"`
	Memo       string `json:"memo"`
	Priority   int    `json:"priority"`
	Force      bool   `json:"force"`
}

type callNextRequest struct {
	Day   string `json:"day"`
	Actor string `json:"actor"`
}

type statusRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Existing *models.Ticket `json:"existing,omitempty"`
	Conflict *models.Ticket `json:"conflict,omitempty"`
}

func NewHandler(store store.TicketStore, publisher Publisher, options Options) *Handler {
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	timeout := options.RegisterTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		store:           store,
		publisher:       publisher,
		location:        location,
		registerTimeout: timeout,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/today", h.handleToday)
	mux.HandleFunc("/api/tickets/summary", h.handleSummary)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/", h.handleTicketByID)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload", nil)
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.PatientRef = strings.TrimSpace(req.PatientRef)
	req.Day = strings.TrimSpace(req.Day)
	req.VisitType = strings.TrimSpace(req.VisitType)

	if req.PatientRef == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "patient_ref is required", nil)
		return
	}
	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided", nil)
		return
	}

	now := time.Now().UTC()
	if req.Day == "" {
		req.Day = models.DayOf(now, h.location)
	} else if !models.ValidDay(req.Day) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_day", "day must be formatted as YYYY-MM-DD", nil)
		return
	}
	if req.VisitType == "" {
		req.VisitType = "walk-in"
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.registerTimeout)
	defer cancel()

	ticket, created, err := h.store.RegisterTicket(ctx, store.RegisterInput{
		RequestID:    req.RequestID,
		PatientRef:   req.PatientRef,
		Day:          req.Day,
		VisitType:    req.VisitType,
		Symptoms:     req.Symptoms,
		Memo:         req.Memo,
		Priority:     req.Priority,
		Force:        req.Force,
		RegisteredAt: now,
	})
	if err != nil {
		status, code, msg, body := mapError(err)
		writeError(w, req.RequestID, status, code, msg, body)
		return
	}

	if created {
		h.publisher.Broadcast(hub.Event{
			Type:   hub.EventTicketCreated,
			Day:    ticket.Day,
			Ticket: &ticket,
			SentAt: now,
		})
		writeJSON(w, http.StatusCreated, ticket)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleToday(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	day := strings.TrimSpace(r.URL.Query().Get("day"))
	if day == "" {
		day = models.DayOf(time.Now().UTC(), h.location)
	} else if !models.ValidDay(day) {
		writeError(w, "", http.StatusBadRequest, "invalid_day", "day must be formatted as YYYY-MM-DD", nil)
		return
	}

	tickets, err := h.store.ListDay(r.Context(), day)
	if err != nil {
		status, code, msg, body := mapError(err)
		writeError(w, "", status, code, msg, body)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	day := strings.TrimSpace(r.URL.Query().Get("day"))
	if day == "" {
		day = models.DayOf(time.Now().UTC(), h.location)
	} else if !models.ValidDay(day) {
		writeError(w, "", http.StatusBadRequest, "invalid_day", "day must be formatted as YYYY-MM-DD", nil)
		return
	}

	summary, err := h.store.Summary(r.Context(), day)
	if err != nil {
		status, code, msg, body := mapError(err)
		writeError(w, "", status, code, msg, body)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload", nil)
		return
	}

	now := time.Now().UTC()
	req.Day = strings.TrimSpace(req.Day)
	if req.Day == "" {
		req.Day = models.DayOf(now, h.location)
	} else if !models.ValidDay(req.Day) {
		writeError(w, "", http.StatusBadRequest, "invalid_day", "day must be formatted as YYYY-MM-DD", nil)
		return
	}

	ticket, err := h.store.CallNext(r.Context(), store.CallNextInput{
		Day:      req.Day,
		Actor:    strings.TrimSpace(req.Actor),
		CalledAt: now,
	})
	if err != nil {
		if errors.Is(err, store.ErrNoWaiting) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		status, code, msg, body := mapError(err)
		writeError(w, "", status, code, msg, body)
		return
	}

	h.publisher.Broadcast(hub.Event{
		Type:   hub.EventStatusChanged,
		Day:    ticket.Day,
		Ticket: &ticket,
		SentAt: now,
	})
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1:
		ticketID := parts[0]
		if !isValidUUID(ticketID) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket id must be a UUID", nil)
			return
		}
		switch r.Method {
		case http.MethodGet:
			h.handleGetTicket(w, r, ticketID)
		case http.MethodDelete:
			h.handleDeleteTicket(w, r, ticketID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "transitions":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isValidUUID(parts[0]) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket id must be a UUID", nil)
			return
		}
		h.handleTransitions(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "status":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isValidUUID(parts[0]) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket id must be a UUID", nil)
			return
		}
		h.handleStatus(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	ticket, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg, body := mapError(err)
		writeError(w, "", status, code, msg, body)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleDeleteTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	actor := strings.TrimSpace(r.URL.Query().Get("actor"))
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))

	ticket, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg, body := mapError(err)
		writeError(w, "", status, code, msg, body)
		return
	}

	if err := h.store.DeleteTicket(r.Context(), ticketID, actor, reason); err != nil {
		status, code, msg, body := mapError(err)
		writeError(w, "", status, code, msg, body)
		return
	}

	h.publisher.Broadcast(hub.Event{
		Type:   hub.EventStatusChanged,
		Day:    ticket.Day,
		Ticket: &ticket,
		SentAt: time.Now().UTC(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTransitions(w http.ResponseWriter, r *http.Request, ticketID string) {
	records, err := h.store.ListTransitions(r.Context(), ticketID)
	if err != nil {
		status, code, msg, body := mapError(err)
		writeError(w, "", status, code, msg, body)
		return
	}
	if records == nil {
		records = []store.TransitionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req statusRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload", nil)
		return
	}

	req.Status = strings.TrimSpace(req.Status)
	if !models.ValidStatus(req.Status) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "status must be one of waiting, called, consulting, done, cancelled", nil)
		return
	}

	now := time.Now().UTC()
	ticket, err := h.store.SetStatus(r.Context(), store.TransitionInput{
		TicketID:   ticketID,
		NewStatus:  req.Status,
		Actor:      strings.TrimSpace(req.Actor),
		Reason:     strings.TrimSpace(req.Reason),
		OccurredAt: now,
	})
	if err != nil {
		status, code, msg, body := mapError(err)
		writeError(w, "", status, code, msg, body)
		return
	}

	h.publisher.Broadcast(hub.Event{
		Type:   hub.EventStatusChanged,
		Day:    ticket.Day,
		Ticket: &ticket,
		SentAt: now,
	})
	writeJSON(w, http.StatusOK, ticket)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string, *responseError) {
	var dup *store.DuplicateTicketError
	if errors.As(err, &dup) {
		existing := dup.Existing
		return http.StatusConflict, "duplicate_ticket", dup.Error(), &responseError{Existing: &existing}
	}
	var invalid *store.InvalidTransitionError
	if errors.As(err, &invalid) {
		body := &responseError{Conflict: invalid.Conflict}
		return http.StatusConflict, "invalid_transition", invalid.Error(), body
	}
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found", nil
	case errors.Is(err, store.ErrInvalidDay):
		return http.StatusBadRequest, "invalid_day", "day must be formatted as YYYY-MM-DD", nil
	case errors.Is(err, allocator.ErrUnavailable):
		return http.StatusServiceUnavailable, "allocation_unavailable", "could not allocate a queue number, retry shortly", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "the request timed out", nil
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error", nil
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string, detail *responseError) {
	body := responseError{Code: code, Message: message}
	if detail != nil {
		body.Existing = detail.Existing
		body.Conflict = detail.Conflict
	}
	writeJSON(w, status, errorResponse{RequestID: requestID, Error: body})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
