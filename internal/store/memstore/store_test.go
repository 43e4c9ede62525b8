package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/walkin-queue/internal/models"
	"qms/walkin-queue/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) (*Store, models.Customer) {
	t.Helper()
	st := New()
	st.AddService(models.Service{ServiceID: "svc-1", Name: "General", EstimatedDuration: 5, Active: true})
	customer, err := st.InsertCustomer(context.Background(), store.InsertCustomerInput{
		CustomerID: "cust-1", Name: "Ann", Phone: "0800000001", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	return st, customer
}

func TestNextTicketNumberIsUniqueUnderConcurrency(t *testing.T) {
	st := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int64]bool{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := st.NextTicketNumber(ctx, "global")
			assert.NoError(t, err)
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
	for n := int64(1); n <= 50; n++ {
		assert.True(t, seen[n], "missing ticket %d", n)
	}

	n, err := st.NextTicketNumber(ctx, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInsertCustomerPhoneTaken(t *testing.T) {
	st, _ := seed(t)
	_, err := st.InsertCustomer(context.Background(), store.InsertCustomerInput{CustomerID: "cust-2", Name: "Other", Phone: "0800000001"})
	require.ErrorIs(t, err, store.ErrPhoneTaken)

	_, err = st.InsertCustomer(context.Background(), store.InsertCustomerInput{CustomerID: "cust-3", Name: "No phone"})
	require.NoError(t, err)
	_, err = st.InsertCustomer(context.Background(), store.InsertCustomerInput{CustomerID: "cust-4", Name: "No phone either"})
	require.NoError(t, err)
}

func TestUpdateEntryStatusIsConditional(t *testing.T) {
	st, customer := seed(t)
	ctx := context.Background()
	now := time.Now()

	entry, err := st.InsertEntry(ctx, store.InsertEntryInput{
		EntryID: "entry-1", TicketNumber: 1, SequenceKey: "global",
		CustomerID: customer.CustomerID, ServiceID: "svc-1", CreatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, "Ann", entry.CustomerName)
	assert.Equal(t, 1, entry.Version)

	called, err := st.UpdateEntryStatus(ctx, store.UpdateStatusInput{
		EntryID: entry.EntryID, From: models.StatusWaiting, To: models.StatusCalled, CalledAt: &now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, called.Version)

	_, err = st.UpdateEntryStatus(ctx, store.UpdateStatusInput{
		EntryID: entry.EntryID, From: models.StatusWaiting, To: models.StatusCancelled, UpdatedAt: now,
	})
	require.ErrorIs(t, err, store.ErrStaleState)

	_, err = st.UpdateEntryStatus(ctx, store.UpdateStatusInput{EntryID: "missing", From: models.StatusWaiting, To: models.StatusCalled})
	require.ErrorIs(t, err, store.ErrEntryNotFound)

	events, err := st.ListEntryEvents(ctx, entry.EntryID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NoError(t, store.VerifyEntryEvents(events))
}

func TestInsertEntryDuplicateRequest(t *testing.T) {
	st, customer := seed(t)
	ctx := context.Background()
	input := store.InsertEntryInput{
		EntryID: "entry-1", RequestID: "req-1", TicketNumber: 1, SequenceKey: "global",
		CustomerID: customer.CustomerID, ServiceID: "svc-1", CreatedAt: time.Now(),
	}
	_, err := st.InsertEntry(ctx, input)
	require.NoError(t, err)

	input.EntryID = "entry-2"
	input.TicketNumber = 2
	_, err = st.InsertEntry(ctx, input)
	require.ErrorIs(t, err, store.ErrDuplicateRequest)

	found, ok, err := st.FindEntryByRequestID(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "entry-1", found.EntryID)
}

func TestSetFailureInjectsErrors(t *testing.T) {
	st, _ := seed(t)
	boom := errors.New("boom")
	st.SetFailure(func(op string) error {
		if op == "list_services" {
			return boom
		}
		return nil
	})
	_, err := st.ListServices(context.Background())
	require.ErrorIs(t, err, boom)
	require.NoError(t, st.Ping(context.Background()))
}

func TestGetSessionRejectsExpired(t *testing.T) {
	st := New()
	st.AddSession(store.Session{SessionID: "old", Role: "staff", ExpiresAt: time.Now().Add(-time.Minute)})
	_, err := st.GetSession(context.Background(), "old")
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}
