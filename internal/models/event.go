package models

import "time"

// ChangeEvent announces a committed change to a queue entry. Version orders
// events of the same entry.
type ChangeEvent struct {
	EventID      string `json:"event_id"`
	Type         string `json:"type"`
	EntryID      string `json:"entry_id"`
	TicketNumber int64  `json:"ticket_number"`
	Status       string `json:"status"`
	// PreviousStatus is empty for a newly created entry.
	PreviousStatus string    `json:"previous_status,omitempty"`
	ServiceID      string    `json:"service_id"`
	Version        int       `json:"version"`
	OccurredAt     time.Time `json:"occurred_at"`
}

const (
	EventEntryCreated   = "entry.created"
	EventEntryCalled    = "entry.called"
	EventEntryCompleted = "entry.completed"
	EventEntryCancelled = "entry.cancelled"
)

func EventTypeForStatus(status string) string {
	switch status {
	case StatusCalled:
		return EventEntryCalled
	case StatusCompleted:
		return EventEntryCompleted
	case StatusCancelled:
		return EventEntryCancelled
	default:
		return EventEntryCreated
	}
}

// ChangeEventFor builds the event announcing entry's current state.
func ChangeEventFor(eventID string, entry QueueEntry, occurredAt time.Time) ChangeEvent {
	eventType := EventEntryCreated
	if entry.Version > 1 {
		eventType = EventTypeForStatus(entry.Status)
	}
	return ChangeEvent{
		EventID:      eventID,
		Type:         eventType,
		EntryID:      entry.EntryID,
		TicketNumber: entry.TicketNumber,
		Status:       entry.Status,
		ServiceID:    entry.ServiceID,
		Version:      entry.Version,
		OccurredAt:   occurredAt,
	}
}
