package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/walkin-queue/internal/models"
)

var ErrBrokenChain = errors.New("entry event chain broken")

// EntryEvent is one row of an entry's append-only history. Each row hashes
// its predecessor so tampering shows up in VerifyEntryEvents.
type EntryEvent struct {
	EntryID   string          `json:"entry_id"`
	EntrySeq  int             `json:"entry_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type entryEventPayload struct {
	EntryID       string     `json:"entry_id"`
	TicketNumber  int64      `json:"ticket_number"`
	CustomerID    string     `json:"customer_id"`
	ServiceID     string     `json:"service_id"`
	Status        string     `json:"status"`
	Version       int        `json:"version"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	EstimatedTime *string    `json:"estimated_time"`
}

func EntryEventPayload(entry models.QueueEntry) ([]byte, error) {
	createdAt := entry.CreatedAt
	return json.Marshal(entryEventPayload{
		EntryID:       entry.EntryID,
		TicketNumber:  entry.TicketNumber,
		CustomerID:    entry.CustomerID,
		ServiceID:     entry.ServiceID,
		Status:        entry.Status,
		Version:       entry.Version,
		CreatedAt:     &createdAt,
		CalledAt:      entry.CalledAt,
		CompletedAt:   entry.CompletedAt,
		EstimatedTime: entry.EstimatedTime,
	})
}

func ComputeEntryEventHash(prevHash, entryID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, entryID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

func VerifyEntryEvents(events []EntryEvent) error {
	prev := ""
	for i, event := range events {
		if event.EntrySeq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrBrokenChain, event.EntrySeq, i)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrBrokenChain, event.EntrySeq)
		}
		want := ComputeEntryEventHash(prev, event.EntryID, event.Type, event.Payload, event.CreatedAt, event.EntrySeq)
		if event.Hash != want {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrBrokenChain, event.EntrySeq)
		}
		prev = event.Hash
	}
	return nil
}

func RehydrateEntry(events []EntryEvent) (models.QueueEntry, error) {
	var entry models.QueueEntry
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload entryEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.QueueEntry{}, err
		}
		if payload.EntryID != "" {
			entry.EntryID = payload.EntryID
		}
		if payload.TicketNumber != 0 {
			entry.TicketNumber = payload.TicketNumber
		}
		if payload.CustomerID != "" {
			entry.CustomerID = payload.CustomerID
		}
		if payload.ServiceID != "" {
			entry.ServiceID = payload.ServiceID
		}
		if payload.Status != "" {
			entry.Status = payload.Status
		}
		if payload.CreatedAt != nil {
			entry.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			entry.CalledAt = payload.CalledAt
		}
		if payload.CompletedAt != nil {
			entry.CompletedAt = payload.CompletedAt
		}
		entry.EstimatedTime = payload.EstimatedTime
		entry.Version = payload.Version
	}
	return entry, nil
}
