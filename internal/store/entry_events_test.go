package store

import (
	"errors"
	"testing"
	"time"

	"qms/walkin-queue/internal/models"
)

func buildChain(t *testing.T, entries ...models.QueueEntry) []EntryEvent {
	t.Helper()
	var events []EntryEvent
	prev := ""
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, entry := range entries {
		payload, err := EntryEventPayload(entry)
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		createdAt := base.Add(time.Duration(i) * time.Minute)
		eventType := models.ChangeEventFor("", entry, createdAt).Type
		hash := ComputeEntryEventHash(prev, entry.EntryID, eventType, payload, createdAt, i+1)
		events = append(events, EntryEvent{
			EntryID:   entry.EntryID,
			EntrySeq:  i + 1,
			Type:      eventType,
			Payload:   payload,
			CreatedAt: createdAt,
			PrevHash:  prev,
			Hash:      hash,
		})
		prev = hash
	}
	return events
}

func TestRehydrateEntryFollowsLifecycle(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	called := created.Add(5 * time.Minute)
	estimate := "10 min"

	waiting := models.QueueEntry{EntryID: "e1", TicketNumber: 7, CustomerID: "c1", ServiceID: "s1", Status: models.StatusWaiting, CreatedAt: created, EstimatedTime: &estimate, Version: 1}
	calledEntry := waiting
	calledEntry.Status = models.StatusCalled
	calledEntry.CalledAt = &called
	calledEntry.Version = 2
	cancelled := calledEntry
	cancelled.Status = models.StatusCancelled
	cancelled.EstimatedTime = nil
	cancelled.Version = 3

	events := buildChain(t, waiting, calledEntry, cancelled)
	if err := VerifyEntryEvents(events); err != nil {
		t.Fatalf("verify: %v", err)
	}

	entry, err := RehydrateEntry(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if entry.Status != models.StatusCancelled || entry.Version != 3 {
		t.Fatalf("unexpected state %s v%d", entry.Status, entry.Version)
	}
	if entry.CalledAt == nil || !entry.CalledAt.Equal(called) {
		t.Fatalf("expected called_at to survive cancellation")
	}
	if entry.EstimatedTime != nil {
		t.Fatalf("expected estimate cleared")
	}
	if entry.TicketNumber != 7 || entry.CustomerID != "c1" {
		t.Fatalf("unexpected identity %+v", entry)
	}
}

func TestVerifyEntryEventsDetectsTampering(t *testing.T) {
	entry := models.QueueEntry{EntryID: "e1", TicketNumber: 1, Status: models.StatusWaiting, Version: 1}
	next := entry
	next.Status = models.StatusCalled
	next.Version = 2

	events := buildChain(t, entry, next)
	events[0].Payload = []byte(`{"entry_id":"e1","status":"called"}`)

	if err := VerifyEntryEvents(events); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected broken chain, got %v", err)
	}
}
