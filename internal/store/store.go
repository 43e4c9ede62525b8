package store

import (
	"context"
	"time"

	"qms/walkin-queue/internal/models"
)

type InsertCustomerInput struct {
	CustomerID string
	Name       string
	Phone      string
	ChannelID  string
	CreatedAt  time.Time
}

type InsertEntryInput struct {
	EntryID       string
	RequestID     string
	TicketNumber  int64
	SequenceKey   string
	CustomerID    string
	ServiceID     string
	EstimatedTime *string
	CreatedAt     time.Time
}

// UpdateStatusInput describes a conditional status change. The update applies
// only while the stored status still equals From.
type UpdateStatusInput struct {
	EntryID       string
	From          string
	To            string
	CalledAt      *time.Time
	CompletedAt   *time.Time
	ClearEstimate bool
	UpdatedAt     time.Time
}

type ListFilter struct {
	Status    string
	ServiceID string
	Query     string
	Limit     int
}

type Stats struct {
	Since          time.Time      `json:"since"`
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	AverageWaitSec float64        `json:"average_wait_seconds"`
}

type Session struct {
	SessionID string
	UserID    string
	Role      string
	ExpiresAt time.Time
}

type SequenceStore interface {
	NextTicketNumber(ctx context.Context, sequenceKey string) (int64, error)
}

type CustomerStore interface {
	FindCustomerByPhone(ctx context.Context, phone string) (models.Customer, bool, error)
	InsertCustomer(ctx context.Context, input InsertCustomerInput) (models.Customer, error)
}

type EntryStore interface {
	InsertEntry(ctx context.Context, input InsertEntryInput) (models.QueueEntry, error)
	FindEntryByRequestID(ctx context.Context, requestID string) (models.QueueEntry, bool, error)
	GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error)
	UpdateEntryStatus(ctx context.Context, input UpdateStatusInput) (models.QueueEntry, error)
	ListEntries(ctx context.Context, filter ListFilter) ([]models.QueueEntry, error)
	CountActive(ctx context.Context, serviceID string) (int, error)
	ListEntryEvents(ctx context.Context, entryID string) ([]EntryEvent, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
}

type ServiceCatalog interface {
	GetService(ctx context.Context, serviceID string) (models.Service, error)
	ListServices(ctx context.Context) ([]models.Service, error)
}

type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

// QueueStore is everything the queue engine needs from persistence.
type QueueStore interface {
	SequenceStore
	CustomerStore
	EntryStore
	ServiceCatalog
	SessionStore
	Ping(ctx context.Context) error
}
