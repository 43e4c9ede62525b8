package queue

import (
	"context"
	"fmt"
	"time"

	"qms/walkin-queue/internal/store"
)

const (
	SequenceResetNever = "never"
	SequenceResetDaily = "daily"

	globalSequenceKey = "global"
)

// Sequencer issues ticket numbers from a counter held by the store, so
// every process sharing the store draws from the same sequence.
type Sequencer struct {
	store    store.SequenceStore
	reset    string
	location *time.Location
}

func NewSequencer(st store.SequenceStore, reset string, location *time.Location) (*Sequencer, error) {
	switch reset {
	case "", SequenceResetNever:
		reset = SequenceResetNever
	case SequenceResetDaily:
	default:
		return nil, fmt.Errorf("unknown sequence reset %q", reset)
	}
	if location == nil {
		location = time.UTC
	}
	return &Sequencer{store: st, reset: reset, location: location}, nil
}

// Key names the operating period that now belongs to.
func (s *Sequencer) Key(now time.Time) string {
	if s.reset == SequenceResetDaily {
		return now.In(s.location).Format("2006-01-02")
	}
	return globalSequenceKey
}

func (s *Sequencer) Next(ctx context.Context, now time.Time) (int64, string, error) {
	key := s.Key(now)
	number, err := s.store.NextTicketNumber(ctx, key)
	if err != nil {
		return 0, "", translate("sequencer.next", err)
	}
	return number, key, nil
}
