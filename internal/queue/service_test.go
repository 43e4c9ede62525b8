package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qms/walkin-queue/internal/models"
	"qms/walkin-queue/internal/store"
	"qms/walkin-queue/internal/store/memstore"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (p *recordingPublisher) Publish(event models.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) snapshot() []models.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ChangeEvent(nil), p.events...)
}

type fixture struct {
	svc       *Service
	store     *memstore.Store
	publisher *recordingPublisher
	serviceID string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := memstore.New()
	serviceID := uuid.NewString()
	st.AddService(models.Service{ServiceID: serviceID, Name: "Consultation", Type: models.ServiceTypeConsultation, EstimatedDuration: 15, Active: true})
	publisher := &recordingPublisher{}
	svc, err := NewService(st, Options{Publisher: publisher, StoreTimeout: time.Second})
	require.NoError(t, err)
	return fixture{svc: svc, store: st, publisher: publisher, serviceID: serviceID}
}

func (f fixture) create(t *testing.T, name, phone string) models.QueueEntry {
	t.Helper()
	entry, err := f.svc.CreateEntry(context.Background(), CreateEntryInput{Name: name, Phone: phone, ServiceID: f.serviceID})
	require.NoError(t, err)
	return entry
}

func TestCreateEntryIssuesSequentialTickets(t *testing.T) {
	f := newFixture(t)

	first := f.create(t, "Ann", "0800000001")
	second := f.create(t, "Bob", "0800000002")

	assert.Equal(t, int64(1), first.TicketNumber)
	assert.Equal(t, int64(2), second.TicketNumber)
	assert.Equal(t, models.StatusWaiting, first.Status)
	assert.Nil(t, first.CalledAt)
	assert.Nil(t, first.CompletedAt)
	require.NotNil(t, first.EstimatedTime)
	assert.Equal(t, "0 min", *first.EstimatedTime)
	require.NotNil(t, second.EstimatedTime)
	assert.Equal(t, "15 min", *second.EstimatedTime)
	assert.Equal(t, "Consultation", first.ServiceName)

	events := f.publisher.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventEntryCreated, events[0].Type)
	assert.Equal(t, first.EntryID, events[0].EntryID)
	assert.Equal(t, 1, events[0].Version)
}

func TestCreateEntryReusesCustomerByPhone(t *testing.T) {
	f := newFixture(t)

	first := f.create(t, "Ann", "080-000-0001")
	second := f.create(t, "Annie", "0800000001")

	assert.Equal(t, first.CustomerID, second.CustomerID)
	assert.Equal(t, "Ann", second.CustomerName)
	assert.Equal(t, "0800000001", second.CustomerPhone)
}

func TestCreateEntryValidation(t *testing.T) {
	f := newFixture(t)
	inactiveID := uuid.NewString()
	f.store.AddService(models.Service{ServiceID: inactiveID, Name: "Closed", Active: false})

	cases := []struct {
		name  string
		input CreateEntryInput
		kind  error
	}{
		{name: "missing name", input: CreateEntryInput{Phone: "0800000001", ServiceID: f.serviceID}, kind: ErrInvalidInput},
		{name: "blank name", input: CreateEntryInput{Name: "   ", Phone: "0800000001", ServiceID: f.serviceID}, kind: ErrInvalidInput},
		{name: "missing phone", input: CreateEntryInput{Name: "Ann", ServiceID: f.serviceID}, kind: ErrInvalidInput},
		{name: "bad phone", input: CreateEntryInput{Name: "Ann", Phone: "12ab", ServiceID: f.serviceID}, kind: ErrInvalidInput},
		{name: "missing service", input: CreateEntryInput{Name: "Ann", Phone: "0800000001"}, kind: ErrInvalidInput},
		{name: "unknown service", input: CreateEntryInput{Name: "Ann", Phone: "0800000001", ServiceID: uuid.NewString()}, kind: ErrNotFound},
		{name: "inactive service", input: CreateEntryInput{Name: "Ann", Phone: "0800000001", ServiceID: inactiveID}, kind: ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateEntry(context.Background(), tc.input)
			require.ErrorIs(t, err, tc.kind)
		})
	}

	entries, err := f.svc.List(context.Background(), ListInput{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, f.publisher.snapshot())
}

func TestCreateEntryIdempotentRequest(t *testing.T) {
	f := newFixture(t)
	input := CreateEntryInput{Name: "Ann", Phone: "0800000001", ServiceID: f.serviceID, RequestID: "kiosk-1-42"}

	first, err := f.svc.CreateEntry(context.Background(), input)
	require.NoError(t, err)
	second, err := f.svc.CreateEntry(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, first.EntryID, second.EntryID)
	assert.Equal(t, first.TicketNumber, second.TicketNumber)
	assert.Len(t, f.publisher.snapshot(), 1)
}

func TestAdvanceLifecycle(t *testing.T) {
	f := newFixture(t)
	entry := f.create(t, "Ann", "0800000001")
	ctx := context.Background()

	called, err := f.svc.Advance(ctx, AdvanceInput{EntryID: entry.EntryID, Target: models.StatusCalled})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, called.Status)
	require.NotNil(t, called.CalledAt)
	assert.NotNil(t, called.EstimatedTime)
	assert.Equal(t, 2, called.Version)

	completed, err := f.svc.Advance(ctx, AdvanceInput{EntryID: entry.EntryID, Target: models.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
	assert.Nil(t, completed.EstimatedTime)
	assert.True(t, completed.CalledAt.Equal(*called.CalledAt))

	_, err = f.svc.Advance(ctx, AdvanceInput{EntryID: entry.EntryID, Target: models.StatusCancelled})
	require.ErrorIs(t, err, ErrIllegalTransition)
	_, err = f.svc.Cancel(ctx, entry.EntryID, models.StatusWaiting)
	require.ErrorIs(t, err, ErrIllegalTransition)

	events := f.publisher.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, []string{models.EventEntryCreated, models.EventEntryCalled, models.EventEntryCompleted},
		[]string{events[0].Type, events[1].Type, events[2].Type})

	history, err := f.svc.History(ctx, entry.EntryID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.NoError(t, store.VerifyEntryEvents(history))
}

func TestCancelWaitingLeavesCalledAtUnset(t *testing.T) {
	f := newFixture(t)
	entry := f.create(t, "Ann", "0800000001")

	cancelled, err := f.svc.Cancel(context.Background(), entry.EntryID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.CalledAt)
	assert.Nil(t, cancelled.CompletedAt)
	assert.Nil(t, cancelled.EstimatedTime)
}

func TestAdvanceRejections(t *testing.T) {
	f := newFixture(t)
	entry := f.create(t, "Ann", "0800000001")
	ctx := context.Background()

	_, err := f.svc.Advance(ctx, AdvanceInput{EntryID: entry.EntryID, Target: models.StatusCompleted})
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = f.svc.Advance(ctx, AdvanceInput{EntryID: entry.EntryID, Target: models.StatusWaiting})
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = f.svc.Advance(ctx, AdvanceInput{EntryID: entry.EntryID, Target: "served"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Advance(ctx, AdvanceInput{EntryID: uuid.NewString(), Target: models.StatusCalled})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Advance(ctx, AdvanceInput{EntryID: "nonexistent", Target: models.StatusCalled})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Advance(ctx, AdvanceInput{EntryID: entry.EntryID, Target: models.StatusCompleted, ExpectedStatus: models.StatusCalled})
	require.ErrorIs(t, err, ErrStaleState)

	current, err := f.svc.Get(ctx, entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, current.Status)
	assert.Equal(t, 1, current.Version)
}

func TestConcurrentCreateIssuesUniqueTickets(t *testing.T) {
	f := newFixture(t)
	const workers = 50

	var wg sync.WaitGroup
	numbers := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := f.svc.CreateEntry(context.Background(), CreateEntryInput{
				Name:      "Customer",
				Phone:     "08000000" + twoDigits(i),
				ServiceID: f.serviceID,
			})
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			numbers <- entry.TicketNumber
		}(i)
	}
	wg.Wait()
	close(numbers)

	seen := map[int64]bool{}
	for n := range numbers {
		require.False(t, seen[n], "duplicate ticket %d", n)
		seen[n] = true
	}
	require.Len(t, seen, workers)
	for n := int64(1); n <= workers; n++ {
		require.True(t, seen[n], "missing ticket %d", n)
	}
}

func TestConcurrentCreateSamePhoneSharesCustomer(t *testing.T) {
	f := newFixture(t)
	const workers = 10

	var wg sync.WaitGroup
	customers := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := f.svc.CreateEntry(context.Background(), CreateEntryInput{Name: "Ann", Phone: "0800000001", ServiceID: f.serviceID})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			customers <- entry.CustomerID
		}()
	}
	wg.Wait()
	close(customers)

	ids := map[string]bool{}
	for id := range customers {
		ids[id] = true
	}
	assert.Len(t, ids, 1)
}

func TestConcurrentAdvanceOneWinner(t *testing.T) {
	f := newFixture(t)
	entry := f.create(t, "Ann", "0800000001")

	var wg sync.WaitGroup
	var wins, stale, other int32
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Advance(context.Background(), AdvanceInput{EntryID: entry.EntryID, Target: models.StatusCalled, ExpectedStatus: models.StatusWaiting})
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrStaleState):
				atomic.AddInt32(&stale, 1)
			default:
				atomic.AddInt32(&other, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(7), stale)
	assert.Equal(t, int32(0), other)

	current, err := f.svc.Get(context.Background(), entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)
}

func TestAdvancePublishesPreviousStatus(t *testing.T) {
	f := newFixture(t)
	entry := f.create(t, "Ann", "0800000001")
	_, err := f.svc.Advance(context.Background(), AdvanceInput{EntryID: entry.EntryID, Target: models.StatusCalled})
	require.NoError(t, err)

	events := f.publisher.snapshot()
	require.Len(t, events, 2)
	assert.Empty(t, events[0].PreviousStatus)
	assert.Equal(t, models.StatusWaiting, events[1].PreviousStatus)
	assert.Equal(t, models.StatusCalled, events[1].Status)
}

func TestConcurrentAdvanceWithoutExpectedStatus(t *testing.T) {
	f := newFixture(t)
	for round := 0; round < 50; round++ {
		entry := f.create(t, "Ann", "0800000001")

		errs := make([]error, 2)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = f.svc.Advance(context.Background(), AdvanceInput{EntryID: entry.EntryID, Target: models.StatusCalled})
			}(i)
		}
		close(start)
		wg.Wait()

		wins, stale := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrStaleState):
				stale++
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		require.Equal(t, 1, wins, "round %d", round)
		require.Equal(t, 1, stale, "round %d", round)
	}
}

func TestStoreFailureMapsToUnavailable(t *testing.T) {
	f := newFixture(t)
	outage := errors.New("connection refused")
	f.store.SetFailure(func(op string) error {
		if op == "next_ticket_number" {
			return outage
		}
		return nil
	})

	_, err := f.svc.CreateEntry(context.Background(), CreateEntryInput{Name: "Ann", Phone: "0800000001", ServiceID: f.serviceID})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.False(t, errors.Is(err, outage))
	assert.Empty(t, f.publisher.snapshot())

	f.store.SetFailure(nil)
	entry := f.create(t, "Bob", "0800000002")
	assert.Equal(t, int64(1), entry.TicketNumber)
}

func TestListRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Ann", "0800000001")

	var calls int32
	f.store.SetFailure(func(op string) error {
		if op == "list_entries" && atomic.AddInt32(&calls, 1) <= 2 {
			return errors.New("timeout")
		}
		return nil
	})

	entries, err := f.svc.List(context.Background(), ListInput{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestListWaitingReturnsOnlyWaitingOldestFirst(t *testing.T) {
	st := memstore.New()
	serviceID := uuid.NewString()
	st.AddService(models.Service{ServiceID: serviceID, Name: "General", EstimatedDuration: 5, Active: true})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var ticks int64
	svc, err := NewService(st, Options{Clock: func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&ticks, 1)) * time.Minute)
	}})
	require.NoError(t, err)
	ctx := context.Background()

	var entries []models.QueueEntry
	for i := 0; i < 6; i++ {
		entry, err := svc.CreateEntry(ctx, CreateEntryInput{Name: "Customer " + twoDigits(i), Phone: "08000000" + twoDigits(i), ServiceID: serviceID})
		require.NoError(t, err)
		entries = append(entries, entry)
	}
	_, err = svc.Advance(ctx, AdvanceInput{EntryID: entries[1].EntryID, Target: models.StatusCalled})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, entries[3].EntryID, "")
	require.NoError(t, err)
	_, err = svc.Advance(ctx, AdvanceInput{EntryID: entries[4].EntryID, Target: models.StatusCalled})
	require.NoError(t, err)
	_, err = svc.Advance(ctx, AdvanceInput{EntryID: entries[4].EntryID, Target: models.StatusCompleted})
	require.NoError(t, err)

	waiting, err := svc.List(ctx, ListInput{Status: models.StatusWaiting})
	require.NoError(t, err)
	require.Len(t, waiting, 3)
	want := []string{entries[0].EntryID, entries[2].EntryID, entries[5].EntryID}
	for i, entry := range waiting {
		assert.Equal(t, want[i], entry.EntryID)
		assert.Equal(t, models.StatusWaiting, entry.Status)
		if i > 0 {
			assert.True(t, waiting[i-1].CreatedAt.Before(entry.CreatedAt))
		}
	}
}

func TestListFilters(t *testing.T) {
	f := newFixture(t)
	ann := f.create(t, "Ann Smith", "0800000001")
	f.create(t, "Bob", "0900000002")
	ctx := context.Background()

	_, err := f.svc.Advance(ctx, AdvanceInput{EntryID: ann.EntryID, Target: models.StatusCalled})
	require.NoError(t, err)

	all, err := f.svc.List(ctx, ListInput{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ann.EntryID, all[0].EntryID)

	called, err := f.svc.List(ctx, ListInput{Status: models.StatusCalled})
	require.NoError(t, err)
	require.Len(t, called, 1)
	assert.Equal(t, ann.EntryID, called[0].EntryID)

	byName, err := f.svc.List(ctx, ListInput{Query: "SMITH"})
	require.NoError(t, err)
	require.Len(t, byName, 1)

	byPhone, err := f.svc.List(ctx, ListInput{Query: "0900"})
	require.NoError(t, err)
	require.Len(t, byPhone, 1)
	assert.Equal(t, "Bob", byPhone[0].CustomerName)

	_, err = f.svc.List(ctx, ListInput{Status: "served"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestStatsAndServices(t *testing.T) {
	f := newFixture(t)
	entry := f.create(t, "Ann", "0800000001")
	f.create(t, "Bob", "0800000002")
	_, err := f.svc.Advance(context.Background(), AdvanceInput{EntryID: entry.EntryID, Target: models.StatusCalled})
	require.NoError(t, err)

	stats, err := f.svc.Stats(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[models.StatusWaiting])
	assert.Equal(t, 1, stats.ByStatus[models.StatusCalled])

	services, err := f.svc.Services(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, f.serviceID, services[0].ServiceID)
}

func TestDailySequenceRestarts(t *testing.T) {
	st := memstore.New()
	now := time.Date(2026, 10, 19, 23, 59, 0, 0, time.UTC)
	seq, err := NewSequencer(st, SequenceResetDaily, time.UTC)
	require.NoError(t, err)

	first, key, err := seq.Next(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, "2026-10-19", key)

	second, _, err := seq.Next(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second)

	nextDay, key, err := seq.Next(context.Background(), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), nextDay)
	assert.Equal(t, "2026-10-20", key)

	_, err = NewSequencer(st, "weekly", time.UTC)
	require.Error(t, err)
}

func TestEstimatedTime(t *testing.T) {
	assert.Equal(t, "0 min", EstimatedTime(0, 15))
	assert.Equal(t, "45 min", EstimatedTime(3, 15))
	assert.Equal(t, "0 min", EstimatedTime(-1, 15))
}

func twoDigits(i int) string {
	return string([]byte{byte('0' + i/10), byte('0' + i%10)})
}
