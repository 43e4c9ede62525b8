package models

import "time"

type QueueEntry struct {
	EntryID       string     `json:"entry_id"`
	TicketNumber  int64      `json:"ticket_number"`
	SequenceKey   string     `json:"sequence_key"`
	CustomerID    string     `json:"customer_id"`
	ServiceID     string     `json:"service_id"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	EstimatedTime *string    `json:"estimated_time,omitempty"`
	Version       int        `json:"version"`
	RequestID     string     `json:"request_id,omitempty"`

	CustomerName      string `json:"customer_name,omitempty"`
	CustomerPhone     string `json:"customer_phone,omitempty"`
	CustomerChannelID string `json:"customer_channel_id,omitempty"`
	ServiceName       string `json:"service_name,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

func ValidStatus(status string) bool {
	switch status {
	case StatusWaiting, StatusCalled, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}
