package queue

import (
	"context"
	"errors"
	"time"

	"qms/walkin-queue/internal/models"
	"qms/walkin-queue/internal/store"
)

const resolveAttempts = 3

type CustomerInput struct {
	Name      string
	Phone     string
	ChannelID string
}

// Resolver maps a phone number to exactly one customer record. The first
// writer for a phone wins; later callers get that record back unchanged.
type Resolver struct {
	store store.CustomerStore
	newID func() string
	clock func() time.Time
}

func NewResolver(st store.CustomerStore, newID func() string, clock func() time.Time) *Resolver {
	return &Resolver{store: st, newID: newID, clock: clock}
}

func (r *Resolver) Resolve(ctx context.Context, input CustomerInput) (models.Customer, error) {
	const op = "resolver.resolve"
	if input.Phone == "" {
		customer, err := r.insert(ctx, input)
		if err != nil {
			return models.Customer{}, translate(op, err)
		}
		return customer, nil
	}

	for attempt := 0; attempt < resolveAttempts; attempt++ {
		existing, found, err := r.store.FindCustomerByPhone(ctx, input.Phone)
		if err != nil {
			return models.Customer{}, translate(op, err)
		}
		if found {
			return existing, nil
		}
		customer, err := r.insert(ctx, input)
		if err == nil {
			return customer, nil
		}
		if !errors.Is(err, store.ErrPhoneTaken) {
			return models.Customer{}, translate(op, err)
		}
	}
	return models.Customer{}, newError(op, ErrStoreUnavailable, "customer record could not be resolved")
}

func (r *Resolver) insert(ctx context.Context, input CustomerInput) (models.Customer, error) {
	return r.store.InsertCustomer(ctx, store.InsertCustomerInput{
		CustomerID: r.newID(),
		Name:       input.Name,
		Phone:      input.Phone,
		ChannelID:  input.ChannelID,
		CreatedAt:  r.clock().UTC(),
	})
}
