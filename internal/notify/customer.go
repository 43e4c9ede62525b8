package notify

import (
	"context"
	"fmt"

	"qms/walkin-queue/internal/models"
)

type EntryLookup interface {
	GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error)
}

// CustomerNotifier tells a customer their ticket has been called. It reads
// the entry's detail from the store since events carry only identifiers.
type CustomerNotifier struct {
	entries  EntryLookup
	provider Provider
}

func NewCustomerNotifier(entries EntryLookup, provider Provider) *CustomerNotifier {
	return &CustomerNotifier{entries: entries, provider: provider}
}

func (n *CustomerNotifier) Name() string { return "customer" }

func (n *CustomerNotifier) Deliver(ctx context.Context, event models.ChangeEvent) error {
	if event.Type != models.EventEntryCalled {
		return nil
	}
	entry, err := n.entries.GetEntry(ctx, event.EntryID)
	if err != nil {
		return err
	}
	recipient := entry.CustomerChannelID
	if recipient == "" {
		recipient = entry.CustomerPhone
	}
	if recipient == "" {
		return nil
	}
	message := fmt.Sprintf("Ticket %d: it is your turn", entry.TicketNumber)
	if entry.ServiceName != "" {
		message = fmt.Sprintf("Ticket %d: it is your turn for %s", entry.TicketNumber, entry.ServiceName)
	}
	return n.provider.Send(ctx, message, recipient)
}
