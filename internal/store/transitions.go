package store

import "clinicflow/queue-service/internal/models"

var transitionMap = map[string][]string{
	models.StatusWaiting:    {models.StatusCalled, models.StatusCancelled},
	models.StatusCalled:     {models.StatusConsulting, models.StatusCancelled},
	models.StatusConsulting: {models.StatusDone},
}

// ValidTransition reports whether the state machine permits moving a ticket
// from one status to another. done and cancelled are terminal; nothing
// returns to waiting.
func ValidTransition(from, to string) bool {
	allowed, ok := transitionMap[from]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == to {
			return true
		}
	}
	return false
}

// TimestampField names the once-only timestamp recorded when a status is
// first entered. Empty for statuses with no dedicated timestamp.
func TimestampField(status string) string {
	switch status {
	case models.StatusCalled:
		return "called_at"
	case models.StatusConsulting:
		return "consulting_start_at"
	case models.StatusDone:
		return "consulting_end_at"
	case models.StatusCancelled:
		return "cancelled_at"
	default:
		return ""
	}
}
