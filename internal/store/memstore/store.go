// Package memstore is an in-process QueueStore. It gives the same atomicity
// guarantees as the Postgres store for a single process and is used by tests
// and when the server runs with STORE=memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"qms/walkin-queue/internal/models"
	"qms/walkin-queue/internal/store"
)

type Store struct {
	mu        sync.Mutex
	sequences map[string]int64
	customers map[string]models.Customer
	phones    map[string]string
	entries   map[string]models.QueueEntry
	requests  map[string]string
	events    map[string][]store.EntryEvent
	services  map[string]models.Service
	sessions  map[string]store.Session
	fail      func(op string) error
}

var _ store.QueueStore = (*Store)(nil)

func New() *Store {
	return &Store{
		sequences: map[string]int64{},
		customers: map[string]models.Customer{},
		phones:    map[string]string{},
		entries:   map[string]models.QueueEntry{},
		requests:  map[string]string{},
		events:    map[string][]store.EntryEvent{},
		services:  map[string]models.Service{},
		sessions:  map[string]store.Session{},
	}
}

func (s *Store) AddService(svc models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.ServiceID] = svc
}

func (s *Store) AddSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

// SetFailure installs a hook consulted before every operation; a non-nil
// result is returned as the operation's error.
func (s *Store) SetFailure(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

func (s *Store) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.fail != nil {
		return s.fail(op)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(ctx, "ping")
}

func (s *Store) NextTicketNumber(ctx context.Context, sequenceKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "next_ticket_number"); err != nil {
		return 0, err
	}
	s.sequences[sequenceKey]++
	return s.sequences[sequenceKey], nil
}

func (s *Store) FindCustomerByPhone(ctx context.Context, phone string) (models.Customer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "find_customer"); err != nil {
		return models.Customer{}, false, err
	}
	id, ok := s.phones[phone]
	if !ok {
		return models.Customer{}, false, nil
	}
	return s.customers[id], true, nil
}

func (s *Store) InsertCustomer(ctx context.Context, input store.InsertCustomerInput) (models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "insert_customer"); err != nil {
		return models.Customer{}, err
	}
	if input.Phone != "" {
		if _, taken := s.phones[input.Phone]; taken {
			return models.Customer{}, store.ErrPhoneTaken
		}
	}
	customer := models.Customer{
		CustomerID: input.CustomerID,
		Name:       input.Name,
		Phone:      input.Phone,
		ChannelID:  input.ChannelID,
		CreatedAt:  input.CreatedAt,
	}
	s.customers[customer.CustomerID] = customer
	if customer.Phone != "" {
		s.phones[customer.Phone] = customer.CustomerID
	}
	return customer, nil
}

func (s *Store) InsertEntry(ctx context.Context, input store.InsertEntryInput) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "insert_entry"); err != nil {
		return models.QueueEntry{}, err
	}
	if input.RequestID != "" {
		if _, used := s.requests[input.RequestID]; used {
			return models.QueueEntry{}, store.ErrDuplicateRequest
		}
	}
	if _, ok := s.customers[input.CustomerID]; !ok {
		return models.QueueEntry{}, fmt.Errorf("customer %s does not exist", input.CustomerID)
	}
	if _, ok := s.services[input.ServiceID]; !ok {
		return models.QueueEntry{}, store.ErrServiceNotFound
	}
	for _, existing := range s.entries {
		if existing.SequenceKey == input.SequenceKey && existing.TicketNumber == input.TicketNumber {
			return models.QueueEntry{}, fmt.Errorf("ticket number %d already issued in %s", input.TicketNumber, input.SequenceKey)
		}
	}

	entry := models.QueueEntry{
		EntryID:       input.EntryID,
		TicketNumber:  input.TicketNumber,
		SequenceKey:   input.SequenceKey,
		CustomerID:    input.CustomerID,
		ServiceID:     input.ServiceID,
		Status:        models.StatusWaiting,
		CreatedAt:     input.CreatedAt,
		UpdatedAt:     input.CreatedAt,
		EstimatedTime: copyString(input.EstimatedTime),
		Version:       1,
		RequestID:     input.RequestID,
	}
	s.entries[entry.EntryID] = entry
	if input.RequestID != "" {
		s.requests[input.RequestID] = entry.EntryID
	}
	if err := s.appendEvent(entry, input.CreatedAt); err != nil {
		return models.QueueEntry{}, err
	}
	return s.decorate(entry), nil
}

func (s *Store) FindEntryByRequestID(ctx context.Context, requestID string) (models.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "find_entry_by_request"); err != nil {
		return models.QueueEntry{}, false, err
	}
	id, ok := s.requests[requestID]
	if !ok {
		return models.QueueEntry{}, false, nil
	}
	return s.decorate(s.entries[id]), true, nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "get_entry"); err != nil {
		return models.QueueEntry{}, err
	}
	entry, ok := s.entries[entryID]
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return s.decorate(entry), nil
}

func (s *Store) UpdateEntryStatus(ctx context.Context, input store.UpdateStatusInput) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "update_entry_status"); err != nil {
		return models.QueueEntry{}, err
	}
	entry, ok := s.entries[input.EntryID]
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	if entry.Status != input.From {
		return models.QueueEntry{}, fmt.Errorf("%w: expected %s, found %s", store.ErrStaleState, input.From, entry.Status)
	}

	entry.Status = input.To
	if input.CalledAt != nil {
		entry.CalledAt = copyTime(input.CalledAt)
	}
	if input.CompletedAt != nil {
		entry.CompletedAt = copyTime(input.CompletedAt)
	}
	if input.ClearEstimate {
		entry.EstimatedTime = nil
	}
	entry.Version++
	entry.UpdatedAt = input.UpdatedAt
	s.entries[entry.EntryID] = entry
	if err := s.appendEvent(entry, input.UpdatedAt); err != nil {
		return models.QueueEntry{}, err
	}
	return s.decorate(entry), nil
}

func (s *Store) ListEntries(ctx context.Context, filter store.ListFilter) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "list_entries"); err != nil {
		return nil, err
	}
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	entries := make([]models.QueueEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.ServiceID != "" && entry.ServiceID != filter.ServiceID {
			continue
		}
		decorated := s.decorate(entry)
		if query != "" && !matchesQuery(decorated, query) {
			continue
		}
		entries = append(entries, decorated)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].TicketNumber < entries[j].TicketNumber
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (s *Store) CountActive(ctx context.Context, serviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "count_active"); err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range s.entries {
		if entry.ServiceID == serviceID && !store.IsTerminal(entry.Status) {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListEntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "list_entry_events"); err != nil {
		return nil, err
	}
	events := make([]store.EntryEvent, len(s.events[entryID]))
	copy(events, s.events[entryID])
	return events, nil
}

func (s *Store) Stats(ctx context.Context, since time.Time) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "stats"); err != nil {
		return store.Stats{}, err
	}
	stats := store.Stats{Since: since, ByStatus: map[string]int{}}
	var waitTotal float64
	var waitCount int
	for _, entry := range s.entries {
		if entry.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		stats.ByStatus[entry.Status]++
		if entry.CalledAt != nil {
			waitTotal += entry.CalledAt.Sub(entry.CreatedAt).Seconds()
			waitCount++
		}
	}
	if waitCount > 0 {
		stats.AverageWaitSec = waitTotal / float64(waitCount)
	}
	return stats, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "get_service"); err != nil {
		return models.Service{}, err
	}
	svc, ok := s.services[serviceID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "list_services"); err != nil {
		return nil, err
	}
	services := make([]models.Service, 0, len(s.services))
	for _, svc := range s.services {
		if svc.Active {
			services = append(services, svc)
		}
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "get_session"); err != nil {
		return store.Session{}, err
	}
	session, ok := s.sessions[sessionID]
	if !ok || !session.ExpiresAt.After(time.Now()) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) appendEvent(entry models.QueueEntry, createdAt time.Time) error {
	payload, err := store.EntryEventPayload(entry)
	if err != nil {
		return err
	}
	history := s.events[entry.EntryID]
	prev := ""
	if len(history) > 0 {
		prev = history[len(history)-1].Hash
	}
	seq := len(history) + 1
	eventType := models.ChangeEventFor("", entry, createdAt).Type
	createdAt = createdAt.UTC()
	s.events[entry.EntryID] = append(history, store.EntryEvent{
		EntryID:   entry.EntryID,
		EntrySeq:  seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      store.ComputeEntryEventHash(prev, entry.EntryID, eventType, payload, createdAt, seq),
	})
	return nil
}

func (s *Store) decorate(entry models.QueueEntry) models.QueueEntry {
	if customer, ok := s.customers[entry.CustomerID]; ok {
		entry.CustomerName = customer.Name
		entry.CustomerPhone = customer.Phone
		entry.CustomerChannelID = customer.ChannelID
	}
	if svc, ok := s.services[entry.ServiceID]; ok {
		entry.ServiceName = svc.Name
	}
	entry.CalledAt = copyTime(entry.CalledAt)
	entry.CompletedAt = copyTime(entry.CompletedAt)
	entry.EstimatedTime = copyString(entry.EstimatedTime)
	return entry
}

func matchesQuery(entry models.QueueEntry, query string) bool {
	return strings.Contains(strings.ToLower(entry.CustomerName), query) ||
		strings.Contains(entry.CustomerPhone, query) ||
		strings.Contains(strconv.FormatInt(entry.TicketNumber, 10), query)
}

func copyTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func copyString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
