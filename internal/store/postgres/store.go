package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/walkin-queue/internal/models"
	"qms/walkin-queue/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultListLimit = 500
	uniqueViolation  = "23505"
)

const entryColumns = `
	e.entry_id, e.ticket_number, e.sequence_key, e.customer_id, e.service_id, e.status,
	e.created_at, e.updated_at, e.called_at, e.completed_at, e.estimated_time, e.version,
	COALESCE(e.request_id, ''), c.name, COALESCE(c.phone, ''), COALESCE(c.channel_id, ''), s.name`

const entryFrom = `
	FROM queue_entries e
	JOIN customers c ON c.customer_id = e.customer_id
	JOIN services s ON s.service_id = e.service_id`

type Store struct {
	pool *pgxpool.Pool
}

var _ store.QueueStore = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) NextTicketNumber(ctx context.Context, sequenceKey string) (int64, error) {
	var next int64
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ticket_sequences (sequence_key, next_number)
		VALUES ($1, 1)
		ON CONFLICT (sequence_key)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, sequenceKey)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) FindCustomerByPhone(ctx context.Context, phone string) (models.Customer, bool, error) {
	var customer models.Customer
	var channelID sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT customer_id, name, phone, channel_id, created_at
		FROM customers
		WHERE phone = $1
	`, phone)
	if err := row.Scan(&customer.CustomerID, &customer.Name, &customer.Phone, &channelID, &customer.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Customer{}, false, nil
		}
		return models.Customer{}, false, err
	}
	customer.ChannelID = channelID.String
	return customer, true, nil
}

func (s *Store) InsertCustomer(ctx context.Context, input store.InsertCustomerInput) (models.Customer, error) {
	var customer models.Customer
	var phone, channelID sql.NullString
	row := s.pool.QueryRow(ctx, `
		INSERT INTO customers (customer_id, name, phone, channel_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (phone) WHERE phone IS NOT NULL DO NOTHING
		RETURNING customer_id, name, phone, channel_id, created_at
	`, input.CustomerID, input.Name, nullIfEmpty(input.Phone), nullIfEmpty(input.ChannelID), input.CreatedAt)
	if err := row.Scan(&customer.CustomerID, &customer.Name, &phone, &channelID, &customer.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return models.Customer{}, store.ErrPhoneTaken
		}
		return models.Customer{}, err
	}
	customer.Phone = phone.String
	customer.ChannelID = channelID.String
	return customer, nil
}

func (s *Store) InsertEntry(ctx context.Context, input store.InsertEntryInput) (models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var entryID string
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_entries (
			entry_id, request_id, ticket_number, sequence_key, customer_id, service_id,
			status, created_at, updated_at, estimated_time, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9, 1)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING entry_id
	`, input.EntryID, nullIfEmpty(input.RequestID), input.TicketNumber, input.SequenceKey, input.CustomerID, input.ServiceID,
		models.StatusWaiting, input.CreatedAt, input.EstimatedTime)
	if err = row.Scan(&entryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrDuplicateRequest
		}
		return models.QueueEntry{}, err
	}

	var entry models.QueueEntry
	entry, err = getEntry(ctx, tx, entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if err = insertEntryEvent(ctx, tx, entry, input.CreatedAt); err != nil {
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) FindEntryByRequestID(ctx context.Context, requestID string) (models.QueueEntry, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+entryFrom+` WHERE e.request_id = $1`, requestID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return getEntry(ctx, s.pool, entryID)
}

func (s *Store) UpdateEntryStatus(ctx context.Context, input store.UpdateStatusInput) (models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var entryID string
	row := tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $1,
		    called_at = COALESCE($2::timestamptz, called_at),
		    completed_at = COALESCE($3::timestamptz, completed_at),
		    estimated_time = CASE WHEN $4::boolean THEN NULL ELSE estimated_time END,
		    version = version + 1,
		    updated_at = $5
		WHERE entry_id = $6 AND status = $7
		RETURNING entry_id
	`, input.To, input.CalledAt, input.CompletedAt, input.ClearEstimate, input.UpdatedAt, input.EntryID, input.From)
	if err = row.Scan(&entryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			status, exists, loadErr := loadEntryStatus(ctx, tx, input.EntryID)
			switch {
			case loadErr != nil:
				err = loadErr
			case !exists:
				err = store.ErrEntryNotFound
			default:
				err = fmt.Errorf("%w: expected %s, found %s", store.ErrStaleState, input.From, status)
			}
		}
		return models.QueueEntry{}, err
	}

	var entry models.QueueEntry
	entry, err = getEntry(ctx, tx, entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if err = insertEntryEvent(ctx, tx, entry, input.UpdatedAt); err != nil {
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListEntries(ctx context.Context, filter store.ListFilter) ([]models.QueueEntry, error) {
	query := `SELECT ` + entryColumns + entryFrom + ` WHERE TRUE`
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND e.status = $%d", len(args))
	}
	if filter.ServiceID != "" {
		args = append(args, filter.ServiceID)
		query += fmt.Sprintf(" AND e.service_id = $%d", len(args))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		query += fmt.Sprintf(" AND (c.name ILIKE $%[1]d OR COALESCE(c.phone, '') LIKE $%[1]d OR e.ticket_number::text LIKE $%[1]d)", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY e.created_at ASC, e.ticket_number ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.QueueEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CountActive(ctx context.Context, serviceID string) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM queue_entries
		WHERE service_id = $1 AND status IN ($2, $3)
	`, serviceID, models.StatusWaiting, models.StatusCalled)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListEntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, entry_seq, type, payload, created_at, prev_hash, hash
		FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq ASC
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]store.EntryEvent, 0)
	for rows.Next() {
		var event store.EntryEvent
		var payload string
		if err := rows.Scan(&event.EntryID, &event.EntrySeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) Stats(ctx context.Context, since time.Time) (store.Stats, error) {
	stats := store.Stats{Since: since, ByStatus: map[string]int{}}
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM queue_entries
		WHERE created_at >= $1
		GROUP BY status
	`, since)
	if err != nil {
		return store.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return store.Stats{}, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return store.Stats{}, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (called_at - created_at))), 0)::float8
		FROM queue_entries
		WHERE created_at >= $1 AND called_at IS NOT NULL
	`, since)
	if err := row.Scan(&stats.AverageWaitSec); err != nil {
		return store.Stats{}, err
	}
	return stats, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	var svc models.Service
	row := s.pool.QueryRow(ctx, `
		SELECT service_id, name, type, estimated_duration, is_active
		FROM services
		WHERE service_id = $1
	`, serviceID)
	if err := row.Scan(&svc.ServiceID, &svc.Name, &svc.Type, &svc.EstimatedDuration, &svc.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id, name, type, estimated_duration, is_active
		FROM services
		WHERE is_active = TRUE
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	services := make([]models.Service, 0)
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ServiceID, &svc.Name, &svc.Type, &svc.EstimatedDuration, &svc.Active); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	return session, nil
}

func getEntry(ctx context.Context, q querier, entryID string) (models.QueueEntry, error) {
	row := q.QueryRow(ctx, `SELECT `+entryColumns+entryFrom+` WHERE e.entry_id = $1`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	var estimateNull sql.NullString
	if err := row.Scan(
		&entry.EntryID, &entry.TicketNumber, &entry.SequenceKey, &entry.CustomerID, &entry.ServiceID, &entry.Status,
		&entry.CreatedAt, &entry.UpdatedAt, &calledAtNull, &completedAtNull, &estimateNull, &entry.Version,
		&entry.RequestID, &entry.CustomerName, &entry.CustomerPhone, &entry.CustomerChannelID, &entry.ServiceName,
	); err != nil {
		return models.QueueEntry{}, err
	}
	entry.CalledAt = nullTimePtr(calledAtNull)
	entry.CompletedAt = nullTimePtr(completedAtNull)
	entry.EstimatedTime = nullStringPtr(estimateNull)
	return entry, nil
}

func loadEntryStatus(ctx context.Context, tx pgx.Tx, entryID string) (string, bool, error) {
	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM queue_entries WHERE entry_id = $1`, entryID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return status, true, nil
}

func insertEntryEvent(ctx context.Context, tx pgx.Tx, entry models.QueueEntry, createdAt time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.EntryID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT entry_seq, hash
		FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq DESC
		LIMIT 1
	`, entry.EntryID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	payload, err := store.EntryEventPayload(entry)
	if err != nil {
		return err
	}
	eventType := models.ChangeEventFor("", entry, createdAt).Type
	nextSeq := lastSeq + 1
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	hash := store.ComputeEntryEventHash(prevHash.String, entry.EntryID, eventType, payload, createdAt, nextSeq)

	_, err = tx.Exec(ctx, `
		INSERT INTO entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.EntryID, nextSeq, eventType, string(payload), createdAt, prevHash.String, hash)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
