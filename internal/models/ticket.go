package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Ticket struct {
	TicketID          string     `json:"ticket_id"`
	PatientRef        string     `json:"patient_ref"`
	Day               string     `json:"day"`
	SequenceNumber    int        `json:"sequence_number"`
	TicketNumber      string     `json:"ticket_number"`
	Status            string     `json:"status"`
	VisitType         string     `json:"visit_type,omitempty"`
	Symptoms          string     `json:"symptoms,omitempty"`
	Memo              string     `json:"memo,omitempty"`
	Priority          int        `json:"priority,omitempty"`
	RegisteredAt      time.Time  `json:"registered_at"`
	CalledAt          *time.Time `json:"called_at,omitempty"`
	ConsultingStartAt *time.Time `json:"consulting_start_at,omitempty"`
	ConsultingEndAt   *time.Time `json:"consulting_end_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	Archived          bool       `json:"archived"`
	RequestID         string     `json:"request_id,omitempty"`
}

const (
	StatusWaiting    = "waiting"
	StatusCalled     = "called"
	StatusConsulting = "consulting"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"
)

const dayLayout = "2006-01-02"

// DayOf normalizes an instant to the clinic-local calendar date key.
func DayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dayLayout)
}

func ValidStatus(status string) bool {
	switch status {
	case StatusWaiting, StatusCalled, StatusConsulting, StatusDone, StatusCancelled:
		return true
	}
	return false
}

func ValidDay(day string) bool {
	_, err := time.Parse(dayLayout, day)
	return err == nil
}

// FormatTicketNumber derives the printed ticket number from its stored parts.
// The format is fixed for display and printing compatibility: Q20240115-007.
func FormatTicketNumber(day string, sequence int) string {
	return fmt.Sprintf("Q%s-%03d", strings.ReplaceAll(day, "-", ""), sequence)
}

// ParseTicketNumber is the inverse of FormatTicketNumber.
func ParseTicketNumber(number string) (string, int, error) {
	if !strings.HasPrefix(number, "Q") {
		return "", 0, fmt.Errorf("ticket number %q: missing Q prefix", number)
	}
	rest := strings.TrimPrefix(number, "Q")
	parts := strings.SplitN(rest, "-", 2)
	if len(parts) != 2 || len(parts[0]) != 8 {
		return "", 0, fmt.Errorf("ticket number %q: malformed", number)
	}
	compact, err := time.Parse("20060102", parts[0])
	if err != nil {
		return "", 0, fmt.Errorf("ticket number %q: bad date: %w", number, err)
	}
	seq, err := strconv.Atoi(parts[1])
	if err != nil || seq <= 0 {
		return "", 0, fmt.Errorf("ticket number %q: bad sequence", number)
	}
	return compact.Format(dayLayout), seq, nil
}

// WaitingTime reports how long the ticket sat in the queue before being
// called, or time waited so far when it has not been called yet. Derived,
// never persisted.
func (t Ticket) WaitingTime(now time.Time) time.Duration {
	if t.CalledAt != nil {
		return t.CalledAt.Sub(t.RegisteredAt)
	}
	if t.Status != StatusWaiting {
		return 0
	}
	return now.Sub(t.RegisteredAt)
}

type DaySummary struct {
	Day        string `json:"day"`
	Waiting    int    `json:"waiting"`
	Called     int    `json:"called"`
	Consulting int    `json:"consulting"`
	Done       int    `json:"done"`
	Cancelled  int    `json:"cancelled"`
}
