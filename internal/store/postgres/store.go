package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"clinicflow/queue-service/internal/allocator"
	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dayLayout = "2006-01-02"

const ticketColumns = `ticket_id, request_id, patient_ref, day, sequence_number, status,
	visit_type, symptoms, memo, priority, registered_at,
	called_at, consulting_start_at, consulting_end_at, cancelled_at, archived`

type Store struct {
	pool  *pgxpool.Pool
	alloc *allocator.LockAllocator
	// useLockAllocator routes sequence allocation through the advisory-lock
	// protocol instead of the native upsert-increment. Postgres supports the
	// atomic path, so this is off unless configured for parity testing with
	// stores that do not.
	useLockAllocator bool
}

type Options struct {
	UseLockAllocator bool
	Allocator        allocator.Options
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	s := &Store{
		pool:             pool,
		useLockAllocator: options.UseLockAllocator,
	}
	s.alloc = allocator.New(&lockStore{pool: pool}, options.Allocator)
	return s
}

func (s *Store) RegisterTicket(ctx context.Context, input store.RegisterInput) (models.Ticket, bool, error) {
	day, err := parseDay(input.Day)
	if err != nil {
		return models.Ticket{}, false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, lookupErr := findTicketByRequestID(ctx, tx, input.RequestID)
		if lookupErr != nil {
			err = lookupErr
			return models.Ticket{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return existing, false, nil
		}
	}

	active, found, err := findActiveTicket(ctx, tx, input.PatientRef, day, true)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if !input.Force {
			err = &store.DuplicateTicketError{Existing: active}
			return models.Ticket{}, false, err
		}
		if err = insertTransitionRecord(ctx, tx, active, active.Status, models.StatusCancelled, input.PatientRef, "superseded by re-registration", input.RegisteredAt); err != nil {
			return models.Ticket{}, false, err
		}
		if _, err = tx.Exec(ctx, `DELETE FROM tickets WHERE ticket_id = $1`, active.TicketID); err != nil {
			return models.Ticket{}, false, err
		}
	}

	var seq int
	if s.useLockAllocator {
		// Allocation runs outside the transaction. If the insert below fails
		// the number becomes a tolerated gap, never a duplicate.
		seq, err = s.alloc.Next(ctx, input.Day)
	} else {
		seq, err = nextSequence(ctx, tx, day)
	}
	if err != nil {
		return models.Ticket{}, false, err
	}

	ticketID := uuid.NewString()
	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, patient_ref, day, sequence_number, status,
			visit_type, symptoms, memo, priority, registered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+ticketColumns+`
	`, ticketID, input.RequestID, input.PatientRef, day, seq, models.StatusWaiting,
		input.VisitType, input.Symptoms, input.Memo, input.Priority, input.RegisteredAt)

	var ticket models.Ticket
	if ticket, err = scanTicket(row); err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertTransitionRecord(ctx, tx, ticket, "", models.StatusWaiting, input.PatientRef, "registered", input.RegisteredAt); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListDay(ctx context.Context, dayKey string) ([]models.Ticket, error) {
	day, err := parseDay(dayKey)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE day = $1 AND archived = FALSE
		ORDER BY sequence_number ASC
	`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) Summary(ctx context.Context, dayKey string) (models.DaySummary, error) {
	day, err := parseDay(dayKey)
	if err != nil {
		return models.DaySummary{}, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM tickets
		WHERE day = $1 AND archived = FALSE
		GROUP BY status
	`, day)
	if err != nil {
		return models.DaySummary{}, err
	}
	defer rows.Close()

	summary := models.DaySummary{Day: dayKey}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.DaySummary{}, err
		}
		switch status {
		case models.StatusWaiting:
			summary.Waiting = count
		case models.StatusCalled:
			summary.Called = count
		case models.StatusConsulting:
			summary.Consulting = count
		case models.StatusDone:
			summary.Done = count
		case models.StatusCancelled:
			summary.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return models.DaySummary{}, err
	}
	return summary, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	day, err := parseDay(input.Day)
	if err != nil {
		return models.Ticket{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if conflictErr := s.calledConflict(ctx, tx, day, ""); conflictErr != nil {
		err = conflictErr
		return models.Ticket{}, err
	}

	row := tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE day = $1 AND status = $2 AND archived = FALSE
			ORDER BY sequence_number ASC, registered_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = $3,
			called_at = COALESCE(called_at, $4)
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING `+qualifiedTicketColumns("tickets"), day, models.StatusWaiting, models.StatusCalled, input.CalledAt)

	var ticket models.Ticket
	if ticket, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNoWaiting
			return models.Ticket{}, err
		}
		if isUniqueViolation(err) {
			err = s.conflictFromIndex(ctx, day, "")
			return models.Ticket{}, err
		}
		return models.Ticket{}, err
	}

	if err = insertTransitionRecord(ctx, tx, ticket, models.StatusWaiting, models.StatusCalled, input.Actor, "", input.CalledAt); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			err = s.conflictFromIndex(ctx, day, "")
			return models.Ticket{}, err
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) SetStatus(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := loadTicket(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}

	if !store.ValidTransition(current.Status, input.NewStatus) {
		err = &store.InvalidTransitionError{TicketID: input.TicketID, From: current.Status, To: input.NewStatus}
		return models.Ticket{}, err
	}
	day, err := parseDay(current.Day)
	if err != nil {
		return models.Ticket{}, err
	}
	if input.NewStatus == models.StatusCalled {
		if conflictErr := s.calledConflict(ctx, tx, day, current.TicketID); conflictErr != nil {
			err = conflictErr
			return models.Ticket{}, err
		}
	}

	// TimestampField returns a fixed column name keyed by status; no user
	// input reaches the query text.
	tsColumn := store.TimestampField(input.NewStatus)
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE tickets
		SET status = $1,
			%s = COALESCE(%s, $2)
		WHERE ticket_id = $3 AND status = $4
		RETURNING `+ticketColumns, tsColumn, tsColumn),
		input.NewStatus, input.OccurredAt, input.TicketID, current.Status)

	var ticket models.Ticket
	if ticket, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the race with a concurrent transition; report against the
			// status that won.
			raced, loadErr := s.GetTicket(ctx, input.TicketID)
			if loadErr != nil {
				err = loadErr
				return models.Ticket{}, err
			}
			err = &store.InvalidTransitionError{TicketID: input.TicketID, From: raced.Status, To: input.NewStatus}
			return models.Ticket{}, err
		}
		if isUniqueViolation(err) {
			err = s.conflictFromIndex(ctx, day, input.TicketID)
			return models.Ticket{}, err
		}
		return models.Ticket{}, err
	}

	if err = insertTransitionRecord(ctx, tx, ticket, current.Status, input.NewStatus, input.Actor, input.Reason, input.OccurredAt); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			err = s.conflictFromIndex(ctx, day, input.TicketID)
			return models.Ticket{}, err
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) DeleteTicket(ctx context.Context, ticketID, actor, reason string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket, err := loadTicket(ctx, tx, ticketID)
	if err != nil {
		return err
	}
	if err = insertTransitionRecord(ctx, tx, ticket, ticket.Status, "deleted", actor, reason, time.Now().UTC()); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM tickets WHERE ticket_id = $1`, ticketID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListTransitions(ctx context.Context, ticketID string) ([]store.TransitionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record_id, ticket_id, patient_ref, previous_status, new_status, changed_by, reason, created_at
		FROM transition_records
		WHERE ticket_id = $1
		ORDER BY created_at ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []store.TransitionRecord
	for rows.Next() {
		var record store.TransitionRecord
		if err := rows.Scan(&record.RecordID, &record.TicketID, &record.PatientRef, &record.PreviousStatus, &record.NewStatus, &record.ChangedBy, &record.Reason, &record.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) FindActiveTicket(ctx context.Context, patientRef, dayKey string) (models.Ticket, bool, error) {
	day, err := parseDay(dayKey)
	if err != nil {
		return models.Ticket{}, false, err
	}
	return findActiveTicket(ctx, s.pool, patientRef, day, false)
}

func (s *Store) ArchiveSweep(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id
		FROM tickets
		WHERE archived = FALSE
			AND status IN ($1, $2)
			AND COALESCE(consulting_end_at, cancelled_at, registered_at) < $3
		ORDER BY day ASC, sequence_number ASC
	`, models.StatusDone, models.StatusCancelled, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	// One transaction per ticket: a failure leaves that ticket non-archived
	// for the next run and the sweep moves on.
	archived := 0
	for _, id := range ids {
		if err := s.archiveOne(ctx, id); err != nil {
			log.Printf("archive ticket %s: %v", id, err)
			continue
		}
		archived++
	}
	return archived, nil
}

func (s *Store) archiveOne(ctx context.Context, ticketID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET archived = TRUE
		WHERE ticket_id = $1 AND archived = FALSE
		RETURNING `+ticketColumns, ticketID)
	var ticket models.Ticket
	if ticket, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already archived by a concurrent run; nothing to record.
			err = nil
			return tx.Commit(ctx)
		}
		return err
	}
	if err = insertTransitionRecord(ctx, tx, ticket, ticket.Status, ticket.Status, "archiver", "scheduled archival", time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) SweepExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE day_counters
		SET lock_holder = NULL, lock_expires_at = NULL
		WHERE lock_holder IS NOT NULL AND lock_expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) calledConflict(ctx context.Context, q querier, day time.Time, excludeTicketID string) error {
	row := q.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE day = $1 AND status = $2 AND archived = FALSE AND ticket_id <> $3
		LIMIT 1
	`, day, models.StatusCalled, excludeTicketID)
	conflict, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	return &store.InvalidTransitionError{
		TicketID: excludeTicketID,
		From:     models.StatusWaiting,
		To:       models.StatusCalled,
		Conflict: &conflict,
	}
}

// conflictFromIndex resolves a unique-index violation on the single-called
// constraint into an error naming the winner.
func (s *Store) conflictFromIndex(ctx context.Context, day time.Time, ticketID string) error {
	if err := s.calledConflict(ctx, s.pool, day, ticketID); err != nil {
		return err
	}
	return &store.InvalidTransitionError{TicketID: ticketID, From: models.StatusWaiting, To: models.StatusCalled}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadTicket(ctx context.Context, q querier, ticketID string) (models.Ticket, error) {
	row := q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func findTicketByRequestID(ctx context.Context, q querier, requestID string) (models.Ticket, bool, error) {
	row := q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func findActiveTicket(ctx context.Context, q querier, patientRef string, day time.Time, forUpdate bool) (models.Ticket, bool, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE patient_ref = $1 AND day = $2 AND archived = FALSE
			AND status IN ($3, $4, $5)
		LIMIT 1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	row := q.QueryRow(ctx, query, patientRef, day, models.StatusWaiting, models.StatusCalled, models.StatusConsulting)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// nextSequence is the native atomic path: upsert-increment in one statement.
func nextSequence(ctx context.Context, tx pgx.Tx, day time.Time) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO day_counters (day, value)
		VALUES ($1, 1)
		ON CONFLICT (day)
		DO UPDATE SET value = day_counters.value + 1
		RETURNING value
	`, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func insertTransitionRecord(ctx context.Context, tx pgx.Tx, ticket models.Ticket, from, to, actor, reason string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transition_records (record_id, ticket_id, patient_ref, previous_status, new_status, changed_by, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, uuid.NewString(), ticket.TicketID, ticket.PatientRef, from, to, actor, reason, at)
	return err
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var day time.Time
	var calledAt, consultingStartAt, consultingEndAt, cancelledAt sql.NullTime
	if err := row.Scan(
		&ticket.TicketID, &ticket.RequestID, &ticket.PatientRef, &day, &ticket.SequenceNumber, &ticket.Status,
		&ticket.VisitType, &ticket.Symptoms, &ticket.Memo, &ticket.Priority, &ticket.RegisteredAt,
		&calledAt, &consultingStartAt, &consultingEndAt, &cancelledAt, &ticket.Archived,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.Day = day.Format(dayLayout)
	ticket.TicketNumber = models.FormatTicketNumber(ticket.Day, ticket.SequenceNumber)
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.ConsultingStartAt = nullTimePtr(consultingStartAt)
	ticket.ConsultingEndAt = nullTimePtr(consultingEndAt)
	ticket.CancelledAt = nullTimePtr(cancelledAt)
	return ticket, nil
}

func qualifiedTicketColumns(table string) string {
	return table + `.ticket_id, ` + table + `.request_id, ` + table + `.patient_ref, ` + table + `.day, ` +
		table + `.sequence_number, ` + table + `.status, ` + table + `.visit_type, ` + table + `.symptoms, ` +
		table + `.memo, ` + table + `.priority, ` + table + `.registered_at, ` + table + `.called_at, ` +
		table + `.consulting_start_at, ` + table + `.consulting_end_at, ` + table + `.cancelled_at, ` + table + `.archived`
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func parseDay(day string) (time.Time, error) {
	parsed, err := time.Parse(dayLayout, day)
	if err != nil {
		return time.Time{}, store.ErrInvalidDay
	}
	return parsed, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// lockStore backs the advisory-lock allocator fallback with conditional
// writes on the day counter row.
type lockStore struct {
	pool *pgxpool.Pool
}

func (l *lockStore) AcquireDayLock(ctx context.Context, dayKey, holder string, ttl time.Duration, now time.Time) (bool, error) {
	day, err := parseDay(dayKey)
	if err != nil {
		return false, err
	}
	row := l.pool.QueryRow(ctx, `
		INSERT INTO day_counters (day, value, lock_holder, lock_expires_at)
		VALUES ($1, 0, $2, $3)
		ON CONFLICT (day) DO UPDATE
		SET lock_holder = $2, lock_expires_at = $3
		WHERE day_counters.lock_holder IS NULL OR day_counters.lock_expires_at <= $4
		RETURNING day
	`, day, holder, now.Add(ttl), now)
	var got time.Time
	if err := row.Scan(&got); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *lockStore) ReleaseDayLock(ctx context.Context, dayKey, holder string) error {
	day, err := parseDay(dayKey)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `
		UPDATE day_counters
		SET lock_holder = NULL, lock_expires_at = NULL
		WHERE day = $1 AND lock_holder = $2
	`, day, holder)
	return err
}

func (l *lockStore) ReadCounter(ctx context.Context, dayKey string) (int, error) {
	day, err := parseDay(dayKey)
	if err != nil {
		return 0, err
	}
	var value int
	row := l.pool.QueryRow(ctx, `SELECT value FROM day_counters WHERE day = $1`, day)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

func (l *lockStore) WriteCounter(ctx context.Context, dayKey string, value int) error {
	day, err := parseDay(dayKey)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `UPDATE day_counters SET value = $2 WHERE day = $1`, day, value)
	return err
}
