package queue

import (
	"fmt"
	"time"

	"qms/walkin-queue/internal/models"
	"qms/walkin-queue/internal/store"
)

// planTransition checks target against entry's current status and returns
// the conditional update carrying the transition's timestamp effects.
func planTransition(entry models.QueueEntry, target, expected string, now time.Time) (store.UpdateStatusInput, error) {
	const op = "machine.transition"
	if store.IsTerminal(entry.Status) {
		return store.UpdateStatusInput{}, newError(op, ErrIllegalTransition, fmt.Sprintf("entry is already %s", entry.Status))
	}
	if expected != "" && expected != entry.Status {
		return store.UpdateStatusInput{}, newError(op, ErrStaleState, fmt.Sprintf("entry is %s, not %s", entry.Status, expected))
	}
	if !store.ValidTransition(entry.Status, target) {
		if store.Overtaken(entry.Status, target) {
			return store.UpdateStatusInput{}, newError(op, ErrStaleState, fmt.Sprintf("entry is already %s", entry.Status))
		}
		return store.UpdateStatusInput{}, newError(op, ErrIllegalTransition, fmt.Sprintf("cannot move from %s to %s", entry.Status, target))
	}

	input := store.UpdateStatusInput{
		EntryID:   entry.EntryID,
		From:      entry.Status,
		To:        target,
		UpdatedAt: now,
	}
	switch target {
	case models.StatusCalled:
		input.CalledAt = &now
	case models.StatusCompleted:
		input.CompletedAt = &now
		input.ClearEstimate = true
	case models.StatusCancelled:
		input.ClearEstimate = true
	}
	return input, nil
}
