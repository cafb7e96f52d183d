package dashboard

import "time"

// EventCategory classifies a TimelineEvent for client-side filtering (§4.11).
type EventCategory string

const (
	CategoryStage     EventCategory = "stage"
	CategoryExecution EventCategory = "execution"
	CategoryInfo      EventCategory = "info"
	CategoryWarning   EventCategory = "warning"
	CategoryError     EventCategory = "error"
)

// TimelineEvent is one push notification: a stage transition or a notable
// action (position opened, position closed, risk exit, manual command
// applied). Adapted from the teacher's DashboardEvent, generalized from its
// per-market-type variants (FillEvent, OrderEvent, ...) down to one shape
// with a free-form message plus a metadata bag, since this domain's
// notable actions don't share a single fixed payload the way market ticks do.
type TimelineEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Category  EventCategory     `json:"category"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func newTimelineEvent(category string, message string, metadata map[string]string) TimelineEvent {
	return TimelineEvent{
		Timestamp: time.Now(),
		Category:  EventCategory(category),
		Message:   message,
		Metadata:  metadata,
	}
}
