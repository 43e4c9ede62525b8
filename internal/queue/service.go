package queue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"qms/walkin-queue/internal/metrics"
	"qms/walkin-queue/internal/models"
	"qms/walkin-queue/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultStoreTimeout = 5 * time.Second
	defaultReadAttempts = 3
	maxListLimit        = 1000
	maxNameLength       = 200
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{8,16}$`)

// Store is the persistence the engine runs on.
type Store interface {
	store.SequenceStore
	store.CustomerStore
	store.EntryStore
	store.ServiceCatalog
}

// Publisher receives change events after the store has committed them.
// Implementations must not block.
type Publisher interface {
	Publish(event models.ChangeEvent)
}

type CreateEntryInput struct {
	Name      string
	Phone     string
	ServiceID string
	ChannelID string
	RequestID string
}

type AdvanceInput struct {
	EntryID        string
	Target         string
	ExpectedStatus string
}

type ListInput struct {
	Status    string
	ServiceID string
	Query     string
	Limit     int
}

type Options struct {
	StoreTimeout  time.Duration
	ReadAttempts  uint
	SequenceReset string
	Location      *time.Location
	Publisher     Publisher
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	Clock         func() time.Time
	NewID         func() string
}

// Service is the entry point for every queue operation. It validates input,
// coordinates the sequencer, resolver and state machine, and publishes a
// change event for each committed mutation.
type Service struct {
	store        Store
	sequencer    *Sequencer
	resolver     *Resolver
	publisher    Publisher
	logger       *zap.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	clock        func() time.Time
	newID        func() string
	storeTimeout time.Duration
	readAttempts uint
	location     *time.Location
}

func NewService(st Store, options Options) (*Service, error) {
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := options.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	sequencer, err := NewSequencer(st, options.SequenceReset, location)
	if err != nil {
		return nil, err
	}
	svc := &Service{
		store:        st,
		sequencer:    sequencer,
		resolver:     NewResolver(st, newID, clock),
		publisher:    options.Publisher,
		logger:       options.Logger,
		metrics:      options.Metrics,
		tracer:       otel.Tracer("qms/walkin-queue/queue"),
		clock:        clock,
		newID:        newID,
		storeTimeout: options.StoreTimeout,
		readAttempts: options.ReadAttempts,
		location:     location,
	}
	if svc.logger == nil {
		svc.logger = zap.NewNop()
	}
	if svc.metrics == nil {
		svc.metrics = metrics.NewUnregistered()
	}
	if svc.storeTimeout <= 0 {
		svc.storeTimeout = defaultStoreTimeout
	}
	if svc.readAttempts == 0 {
		svc.readAttempts = defaultReadAttempts
	}
	return svc, nil
}

func (s *Service) CreateEntry(ctx context.Context, input CreateEntryInput) (models.QueueEntry, error) {
	const op = "create_entry"
	ctx, span := s.tracer.Start(ctx, "queue.CreateEntry")
	defer span.End()

	input.Name = strings.TrimSpace(input.Name)
	input.Phone = NormalizePhone(input.Phone)
	input.ServiceID = strings.TrimSpace(input.ServiceID)
	input.ChannelID = strings.TrimSpace(input.ChannelID)
	input.RequestID = strings.TrimSpace(input.RequestID)

	switch {
	case input.Name == "":
		return models.QueueEntry{}, s.fail(span, op, newError(op, ErrInvalidInput, "name is required"))
	case len(input.Name) > maxNameLength:
		return models.QueueEntry{}, s.fail(span, op, newError(op, ErrInvalidInput, "name is too long"))
	case input.Phone == "":
		return models.QueueEntry{}, s.fail(span, op, newError(op, ErrInvalidInput, "phone is required"))
	case !phonePattern.MatchString(input.Phone):
		return models.QueueEntry{}, s.fail(span, op, newError(op, ErrInvalidInput, "phone must be 8-16 digits"))
	case input.ServiceID == "":
		return models.QueueEntry{}, s.fail(span, op, newError(op, ErrInvalidInput, "service_id is required"))
	case !isValidUUID(input.ServiceID):
		return models.QueueEntry{}, s.fail(span, op, newError(op, ErrNotFound, "service not found"))
	}
	span.SetAttributes(attribute.String("service.id", input.ServiceID))

	if input.RequestID != "" {
		existing, found, err := s.findByRequestID(ctx, input.RequestID)
		if err != nil {
			return models.QueueEntry{}, s.fail(span, op, translate(op, err))
		}
		if found {
			return existing, nil
		}
	}

	svc, err := s.activeService(ctx, input.ServiceID)
	if err != nil {
		return models.QueueEntry{}, s.fail(span, op, err)
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	customer, err := s.resolver.Resolve(storeCtx, CustomerInput{Name: input.Name, Phone: input.Phone, ChannelID: input.ChannelID})
	if err != nil {
		return models.QueueEntry{}, s.fail(span, op, err)
	}

	ahead, err := s.store.CountActive(storeCtx, svc.ServiceID)
	if err != nil {
		return models.QueueEntry{}, s.fail(span, op, translate(op, err))
	}
	estimate := EstimatedTime(ahead, svc.EstimatedDuration)

	now := s.clock().UTC()
	number, key, err := s.sequencer.Next(storeCtx, now)
	if err != nil {
		return models.QueueEntry{}, s.fail(span, op, err)
	}

	entry, err := s.store.InsertEntry(storeCtx, store.InsertEntryInput{
		EntryID:       s.newID(),
		RequestID:     input.RequestID,
		TicketNumber:  number,
		SequenceKey:   key,
		CustomerID:    customer.CustomerID,
		ServiceID:     svc.ServiceID,
		EstimatedTime: &estimate,
		CreatedAt:     now,
	})
	if errors.Is(err, store.ErrDuplicateRequest) {
		existing, found, findErr := s.findByRequestID(ctx, input.RequestID)
		if findErr == nil && found {
			return existing, nil
		}
		if findErr != nil {
			err = findErr
		}
	}
	if err != nil {
		return models.QueueEntry{}, s.fail(span, op, translate(op, err))
	}

	span.SetAttributes(attribute.String("entry.id", entry.EntryID), attribute.Int64("entry.ticket_number", entry.TicketNumber))
	s.metrics.EntriesCreated.Inc()
	s.logger.Info("queue entry created",
		zap.String("entry_id", entry.EntryID),
		zap.Int64("ticket_number", entry.TicketNumber),
		zap.String("service_id", entry.ServiceID),
		zap.String("customer_id", entry.CustomerID),
	)
	s.publish(entry, "")
	return entry, nil
}

// Advance moves an entry to target. When expected is set the move only
// happens if the entry is still in that status.
func (s *Service) Advance(ctx context.Context, input AdvanceInput) (models.QueueEntry, error) {
	const op = "advance"
	ctx, span := s.tracer.Start(ctx, "queue.Advance")
	defer span.End()

	input.EntryID = strings.TrimSpace(input.EntryID)
	input.Target = strings.TrimSpace(input.Target)
	input.ExpectedStatus = strings.TrimSpace(input.ExpectedStatus)
	span.SetAttributes(attribute.String("entry.id", input.EntryID), attribute.String("entry.target", input.Target))

	switch {
	case input.EntryID == "":
		return models.QueueEntry{}, s.fail(span, op, newError(op, ErrInvalidInput, "entry_id is required"))
	case !models.ValidStatus(input.Target):
		return models.QueueEntry{}, s.fail(span, op, newError(op, ErrInvalidInput, fmt.Sprintf("unknown status %q", input.Target)))
	case input.ExpectedStatus != "" && !models.ValidStatus(input.ExpectedStatus):
		return models.QueueEntry{}, s.fail(span, op, newError(op, ErrInvalidInput, fmt.Sprintf("unknown expected status %q", input.ExpectedStatus)))
	case !isValidUUID(input.EntryID):
		return models.QueueEntry{}, s.fail(span, op, newError(op, ErrNotFound, "queue entry not found"))
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	current, err := s.store.GetEntry(storeCtx, input.EntryID)
	if err != nil {
		return models.QueueEntry{}, s.fail(span, op, translate(op, err))
	}

	update, err := planTransition(current, input.Target, input.ExpectedStatus, s.clock().UTC())
	if err != nil {
		return models.QueueEntry{}, s.fail(span, op, err)
	}

	entry, err := s.store.UpdateEntryStatus(storeCtx, update)
	if err != nil {
		return models.QueueEntry{}, s.fail(span, op, translate(op, err))
	}

	s.metrics.Transitions.WithLabelValues(update.From, update.To).Inc()
	s.logger.Info("queue entry advanced",
		zap.String("entry_id", entry.EntryID),
		zap.Int64("ticket_number", entry.TicketNumber),
		zap.String("from", update.From),
		zap.String("to", update.To),
		zap.Int("version", entry.Version),
	)
	s.publish(entry, update.From)
	return entry, nil
}

func (s *Service) Cancel(ctx context.Context, entryID, expectedStatus string) (models.QueueEntry, error) {
	return s.Advance(ctx, AdvanceInput{EntryID: entryID, Target: models.StatusCancelled, ExpectedStatus: expectedStatus})
}

// List returns entries oldest first.
func (s *Service) List(ctx context.Context, input ListInput) ([]models.QueueEntry, error) {
	const op = "list"
	ctx, span := s.tracer.Start(ctx, "queue.List")
	defer span.End()

	input.Status = strings.TrimSpace(input.Status)
	input.ServiceID = strings.TrimSpace(input.ServiceID)
	if input.Status != "" && !models.ValidStatus(input.Status) {
		return nil, s.fail(span, op, newError(op, ErrInvalidInput, fmt.Sprintf("unknown status %q", input.Status)))
	}
	if input.ServiceID != "" && !isValidUUID(input.ServiceID) {
		return nil, s.fail(span, op, newError(op, ErrInvalidInput, "service_id must be a UUID"))
	}
	if input.Limit < 0 {
		return nil, s.fail(span, op, newError(op, ErrInvalidInput, "limit must not be negative"))
	}
	if input.Limit > maxListLimit {
		input.Limit = maxListLimit
	}

	entries, err := retryRead(ctx, s, op, func(ctx context.Context) ([]models.QueueEntry, error) {
		return s.store.ListEntries(ctx, store.ListFilter{
			Status:    input.Status,
			ServiceID: input.ServiceID,
			Query:     strings.TrimSpace(input.Query),
			Limit:     input.Limit,
		})
	})
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	return entries, nil
}

func (s *Service) Get(ctx context.Context, entryID string) (models.QueueEntry, error) {
	const op = "get"
	ctx, span := s.tracer.Start(ctx, "queue.Get")
	defer span.End()

	entryID = strings.TrimSpace(entryID)
	if !isValidUUID(entryID) {
		return models.QueueEntry{}, s.fail(span, op, newError(op, ErrNotFound, "queue entry not found"))
	}
	entry, err := retryRead(ctx, s, op, func(ctx context.Context) (models.QueueEntry, error) {
		return s.store.GetEntry(ctx, entryID)
	})
	if err != nil {
		return models.QueueEntry{}, s.fail(span, op, err)
	}
	return entry, nil
}

func (s *Service) History(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	const op = "history"
	if _, err := s.Get(ctx, entryID); err != nil {
		return nil, err
	}
	events, err := retryRead(ctx, s, op, func(ctx context.Context) ([]store.EntryEvent, error) {
		return s.store.ListEntryEvents(ctx, strings.TrimSpace(entryID))
	})
	if err != nil {
		return nil, s.fail(trace.SpanFromContext(ctx), op, err)
	}
	return events, nil
}

// Stats summarises entries created since the given time, or since the start
// of the current local day when since is zero.
func (s *Service) Stats(ctx context.Context, since time.Time) (store.Stats, error) {
	const op = "stats"
	if since.IsZero() {
		now := s.clock().In(s.location)
		since = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
	}
	stats, err := retryRead(ctx, s, op, func(ctx context.Context) (store.Stats, error) {
		return s.store.Stats(ctx, since)
	})
	if err != nil {
		return store.Stats{}, s.fail(trace.SpanFromContext(ctx), op, err)
	}
	return stats, nil
}

func (s *Service) Services(ctx context.Context) ([]models.Service, error) {
	const op = "services"
	services, err := retryRead(ctx, s, op, func(ctx context.Context) ([]models.Service, error) {
		return s.store.ListServices(ctx)
	})
	if err != nil {
		return nil, s.fail(trace.SpanFromContext(ctx), op, err)
	}
	return services, nil
}

func (s *Service) activeService(ctx context.Context, serviceID string) (models.Service, error) {
	const op = "create_entry"
	svc, err := retryRead(ctx, s, op, func(ctx context.Context) (models.Service, error) {
		return s.store.GetService(ctx, serviceID)
	})
	if err != nil {
		return models.Service{}, err
	}
	if !svc.Active {
		return models.Service{}, translate(op, fmt.Errorf("%w: %s", store.ErrServiceInactive, serviceID))
	}
	return svc, nil
}

func (s *Service) findByRequestID(ctx context.Context, requestID string) (models.QueueEntry, bool, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.store.FindEntryByRequestID(storeCtx, requestID)
}

func (s *Service) publish(entry models.QueueEntry, previousStatus string) {
	if s.publisher == nil {
		return
	}
	event := models.ChangeEventFor(s.newID(), entry, entry.UpdatedAt)
	event.PreviousStatus = previousStatus
	s.publisher.Publish(event)
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *Service) fail(span trace.Span, op string, err error) error {
	qerr := translate(op, err)
	kind := KindName(qerr.Kind)
	s.metrics.Rejections.WithLabelValues(op, kind).Inc()
	span.SetStatus(codes.Error, kind)
	if qerr.Kind == ErrStoreUnavailable {
		span.RecordError(err)
		s.logger.Error("queue store failure", zap.String("op", op), zap.Error(qerr), zap.NamedError("cause", qerr.Cause()))
	} else {
		s.logger.Debug("queue operation rejected", zap.String("op", op), zap.Error(qerr))
	}
	return qerr
}

// retryRead runs a read with a bounded timeout per attempt and retries only
// when the store is unavailable.
func retryRead[T any](ctx context.Context, s *Service, op string, read func(context.Context) (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second

	result, err := backoff.Retry(ctx, func() (T, error) {
		attemptCtx, cancel := s.storeContext(ctx)
		defer cancel()
		value, err := read(attemptCtx)
		if err != nil {
			qerr := translate(op, err)
			if qerr.Kind != ErrStoreUnavailable {
				return value, backoff.Permanent(qerr)
			}
			return value, qerr
		}
		return value, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(s.readAttempts))
	if err != nil {
		var zero T
		return zero, translate(op, err)
	}
	return result, nil
}

// EstimatedTime renders the expected wait for a customer joining behind
// ahead active entries.
func EstimatedTime(ahead, durationMinutes int) string {
	if ahead < 0 {
		ahead = 0
	}
	if durationMinutes < 0 {
		durationMinutes = 0
	}
	return fmt.Sprintf("%d min", ahead*durationMinutes)
}

// NormalizePhone strips the separators people commonly type.
func NormalizePhone(phone string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(phone))
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
