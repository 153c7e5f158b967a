package postgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"qflow/internal/models"
	"qflow/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	guestCancelReason = "guest canceled"
	autoSkipReason    = "auto-skipped on next call"

	actionCall = "call"
)

type Store struct {
	pool      *pgxpool.Pool
	txTimeout time.Duration
}

type Options struct {
	TxTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	timeout := options.TxTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{pool: pool, txTimeout: timeout}
}

const ticketColumns = `ticket_id, queue_id, number, status, holder_name, holder_code, created_at, called_at, service_start_at, finished_at, cancel_reason, served_by`

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var calledAtNull sql.NullTime
	var serviceStartNull sql.NullTime
	var finishedAtNull sql.NullTime
	var reasonNull sql.NullString
	var servedByNull sql.NullString
	err := row.Scan(&ticket.TicketID, &ticket.QueueID, &ticket.Number, &ticket.Status, &ticket.HolderName, &ticket.HolderCode, &ticket.CreatedAt, &calledAtNull, &serviceStartNull, &finishedAtNull, &reasonNull, &servedByNull)
	if err != nil {
		return models.Ticket{}, err
	}
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.ServiceStartAt = nullTimePtr(serviceStartNull)
	ticket.FinishedAt = nullTimePtr(finishedAtNull)
	ticket.CancelReason = nullStringPtr(reasonNull)
	ticket.ServedBy = nullStringPtr(servedByNull)
	return ticket, nil
}

func (s *Store) ListQueues(ctx context.Context) ([]models.QueueSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.queue_id, q.name, q.is_open, q.last_number, q.token, q.created_at,
			COUNT(t.ticket_id) FILTER (WHERE t.status = 'pending'),
			COUNT(t.ticket_id) FILTER (WHERE t.status = 'serving')
		FROM queues q
		LEFT JOIN tickets t ON t.queue_id = q.queue_id
		GROUP BY q.queue_id
		ORDER BY q.created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []models.QueueSummary
	for rows.Next() {
		var summary models.QueueSummary
		if err := rows.Scan(&summary.QueueID, &summary.Name, &summary.IsOpen, &summary.LastNumber, &summary.Token, &summary.CreatedAt, &summary.PendingCount, &summary.ServingCount); err != nil {
			return nil, err
		}
		queues = append(queues, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return queues, nil
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, []models.Ticket, error) {
	var queue models.Queue
	row := s.pool.QueryRow(ctx, `
		SELECT queue_id, name, is_open, last_number, token, created_at
		FROM queues
		WHERE queue_id = $1
	`, queueID)
	if err := row.Scan(&queue.QueueID, &queue.Name, &queue.IsOpen, &queue.LastNumber, &queue.Token, &queue.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, nil, store.ErrQueueNotFound
		}
		return models.Queue{}, nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE queue_id = $1
		ORDER BY number ASC
	`, queueID)
	if err != nil {
		return models.Queue{}, nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return models.Queue{}, nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return models.Queue{}, nil, err
	}
	return queue, tickets, nil
}

func (s *Store) CreateQueue(ctx context.Context, name string) (models.Queue, error) {
	queue := models.Queue{
		QueueID:   uuid.NewString(),
		Name:      name,
		IsOpen:    true,
		Token:     newQueueToken(),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (queue_id, name, is_open, last_number, token, created_at)
		VALUES ($1, $2, $3, 0, $4, $5)
	`, queue.QueueID, queue.Name, queue.IsOpen, queue.Token, queue.CreatedAt)
	if err != nil {
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *Store) UpdateQueue(ctx context.Context, input store.UpdateQueueInput) (models.Queue, error) {
	var queue models.Queue
	row := s.pool.QueryRow(ctx, `
		UPDATE queues
		SET name = COALESCE($2, name),
			is_open = COALESCE($3, is_open)
		WHERE queue_id = $1
		RETURNING queue_id, name, is_open, last_number, token, created_at
	`, input.QueueID, input.Name, input.IsOpen)
	if err := row.Scan(&queue.QueueID, &queue.Name, &queue.IsOpen, &queue.LastNumber, &queue.Token, &queue.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

// RotateQueueToken replaces the claim token in a single statement so token
// readers observe either the old or the new value, never a torn one.
func (s *Store) RotateQueueToken(ctx context.Context, queueID string) (models.Queue, error) {
	var queue models.Queue
	row := s.pool.QueryRow(ctx, `
		UPDATE queues
		SET token = $2
		WHERE queue_id = $1
		RETURNING queue_id, name, is_open, last_number, token, created_at
	`, queueID, newQueueToken())
	if err := row.Scan(&queue.QueueID, &queue.Name, &queue.IsOpen, &queue.LastNumber, &queue.Token, &queue.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *Store) ResetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	ctx, cancel := s.txContext(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Queue{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queue, err := lockQueue(ctx, tx, queueID)
	if err != nil {
		return models.Queue{}, err
	}

	if _, err = tx.Exec(ctx, `
		DELETE FROM call_logs
		WHERE ticket_id IN (SELECT ticket_id FROM tickets WHERE queue_id = $1)
	`, queueID); err != nil {
		return models.Queue{}, err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM tickets WHERE queue_id = $1`, queueID); err != nil {
		return models.Queue{}, err
	}
	if _, err = tx.Exec(ctx, `UPDATE queues SET last_number = 0 WHERE queue_id = $1`, queueID); err != nil {
		return models.Queue{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Queue{}, err
	}

	queue.LastNumber = 0
	return queue, nil
}

func (s *Store) DeleteQueue(ctx context.Context, queueID string) error {
	ctx, cancel := s.txContext(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `
		DELETE FROM call_logs
		WHERE ticket_id IN (SELECT ticket_id FROM tickets WHERE queue_id = $1)
	`, queueID); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM tickets WHERE queue_id = $1`, queueID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM queues WHERE queue_id = $1`, queueID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrQueueNotFound
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) ClaimTicket(ctx context.Context, input store.ClaimTicketInput) (models.Ticket, error) {
	ctx, cancel := s.txContext(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queue, err := lockQueue(ctx, tx, input.QueueID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !queue.IsOpen {
		err = store.ErrQueueClosed
		return models.Ticket{}, err
	}
	if input.Token == "" || input.Token != queue.Token {
		err = store.ErrInvalidToken
		return models.Ticket{}, err
	}

	var maxNumber int
	row := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(number), 0)
		FROM tickets
		WHERE queue_id = $1
	`, input.QueueID)
	if err = row.Scan(&maxNumber); err != nil {
		return models.Ticket{}, err
	}
	nextNumber := maxNumber + 1

	ticket := models.Ticket{
		TicketID:   uuid.NewString(),
		QueueID:    input.QueueID,
		Number:     nextNumber,
		Status:     models.StatusPending,
		HolderName: input.HolderName,
		HolderCode: input.HolderCode,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO tickets (ticket_id, queue_id, number, status, holder_name, holder_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ticket.TicketID, ticket.QueueID, ticket.Number, ticket.Status, ticket.HolderName, ticket.HolderCode, ticket.CreatedAt); err != nil {
		return models.Ticket{}, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE queues SET last_number = $2 WHERE queue_id = $1
	`, input.QueueID, nextNumber); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (store.CallNextResult, error) {
	ctx, cancel := s.txContext(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.CallNextResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = lockQueue(ctx, tx, input.QueueID); err != nil {
		return store.CallNextResult{}, err
	}

	now := time.Now().UTC()
	staffID, err := resolveStaff(ctx, tx, input.StaffID)
	if err != nil {
		return store.CallNextResult{}, err
	}

	var result store.CallNextResult

	// The queue row lock serializes call-next per queue; resolving the
	// current serving ticket here keeps at most one ticket serving.
	resolved, err := scanTicket(tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $2,
			finished_at = $3,
			cancel_reason = $4
		WHERE queue_id = $1 AND status = $5
		RETURNING `+ticketColumns+`
	`, input.QueueID, models.StatusSkipped, now, autoSkipReason, models.StatusServing))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return store.CallNextResult{}, err
	}
	if err == nil {
		result.Resolved = &resolved
		if err = insertCallLog(ctx, tx, resolved.TicketID, staffID, models.StatusSkipped, autoSkipReason); err != nil {
			return store.CallNextResult{}, err
		}
	}
	err = nil

	called, err := scanTicket(tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE queue_id = $1 AND status = $2
			ORDER BY number ASC
			FOR UPDATE
			LIMIT 1
		)
		UPDATE tickets
		SET status = $3,
			called_at = $4,
			service_start_at = $4,
			served_by = $5
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING `+prefixedTicketColumns("tickets"), input.QueueID, models.StatusPending, models.StatusServing, now, staffID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNoTicket
		}
		return store.CallNextResult{}, err
	}

	if err = insertCallLog(ctx, tx, called.TicketID, staffID, actionCall, ""); err != nil {
		return store.CallNextResult{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.CallNextResult{}, err
	}

	result.Called = called
	return result, nil
}

func (s *Store) UpdateTicketStatus(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, error) {
	ctx, cancel := s.txContext(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := scanTicket(tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
		FOR UPDATE
	`, input.TicketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	if !store.ValidTransition(input.Status, current.Status) {
		err = store.ErrInvalidState
		return models.Ticket{}, err
	}

	now := time.Now().UTC()
	// the status guard stays in SQL as the backstop should another tx win
	// the row between our read and this write
	ticket, err := scanTicket(tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $2,
			finished_at = $3,
			cancel_reason = $4
		WHERE ticket_id = $1 AND status IN ($5, $6)
		RETURNING `+ticketColumns+`
	`, input.TicketID, input.Status, now, nullIfEmpty(input.Reason), models.StatusPending, models.StatusServing))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrInvalidState
		}
		return models.Ticket{}, err
	}

	staffID, err := resolveStaff(ctx, tx, input.StaffID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = insertCallLog(ctx, tx, ticket.TicketID, staffID, input.Status, input.Reason); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CancelTicket(ctx context.Context, input store.CancelTicketInput) (models.Ticket, error) {
	ctx, cancel := s.txContext(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := scanTicket(tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
		FOR UPDATE
	`, input.TicketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}

	var queueToken string
	row := tx.QueryRow(ctx, `SELECT token FROM queues WHERE queue_id = $1`, current.QueueID)
	if err = row.Scan(&queueToken); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrQueueNotFound
		}
		return models.Ticket{}, err
	}
	if input.Token == "" || input.Token != queueToken {
		err = store.ErrInvalidToken
		return models.Ticket{}, err
	}
	if !store.ValidTransition("guest_cancel", current.Status) {
		err = store.ErrInvalidState
		return models.Ticket{}, err
	}

	now := time.Now().UTC()
	ticket, err := scanTicket(tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $2,
			finished_at = $3,
			cancel_reason = $4
		WHERE ticket_id = $1
		RETURNING `+ticketColumns+`
	`, input.TicketID, models.StatusSkipped, now, guestCancelReason))
	if err != nil {
		return models.Ticket{}, err
	}

	if err = insertCallLog(ctx, tx, ticket.TicketID, nil, models.StatusSkipped, guestCancelReason); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListCallLogs(ctx context.Context, queueID string, limit int) ([]models.CallLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT l.log_id, l.ticket_id, l.staff_id, l.action, l.note, l.created_at
		FROM call_logs l
		JOIN tickets t ON t.ticket_id = l.ticket_id
		WHERE t.queue_id = $1
		ORDER BY l.created_at DESC
		LIMIT $2
	`, queueID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.CallLog
	for rows.Next() {
		var entry models.CallLog
		var staffIDNull sql.NullString
		var noteNull sql.NullString
		if err := rows.Scan(&entry.LogID, &entry.TicketID, &staffIDNull, &entry.Action, &noteNull, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.StaffID = nullStringPtr(staffIDNull)
		entry.Note = nullStringPtr(noteNull)
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, account_id
		FROM sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.StaffID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	return session, nil
}

func (s *Store) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.txTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.txTimeout)
}

// lockQueue takes the per-queue serialization point: every read-then-write
// mutation locks the queue row before reading the current max number or the
// current serving ticket.
func lockQueue(ctx context.Context, tx pgx.Tx, queueID string) (models.Queue, error) {
	var queue models.Queue
	row := tx.QueryRow(ctx, `
		SELECT queue_id, name, is_open, last_number, token, created_at
		FROM queues
		WHERE queue_id = $1
		FOR UPDATE
	`, queueID)
	if err := row.Scan(&queue.QueueID, &queue.Name, &queue.IsOpen, &queue.LastNumber, &queue.Token, &queue.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

// resolveStaff maps a staff id to a nullable column value: attribution is
// best effort, an unknown account records as anonymous instead of failing.
func resolveStaff(ctx context.Context, tx pgx.Tx, staffID string) (interface{}, error) {
	if staffID == "" {
		return nil, nil
	}
	var exists bool
	row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE account_id = $1)`, staffID)
	if err := row.Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return staffID, nil
}

func insertCallLog(ctx context.Context, tx pgx.Tx, ticketID string, staffID interface{}, action, note string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO call_logs (log_id, ticket_id, staff_id, action, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), ticketID, staffID, action, nullIfEmpty(note), time.Now().UTC())
	return err
}

func prefixedTicketColumns(prefix string) string {
	return prefix + `.ticket_id, ` + prefix + `.queue_id, ` + prefix + `.number, ` + prefix + `.status, ` + prefix + `.holder_name, ` + prefix + `.holder_code, ` + prefix + `.created_at, ` + prefix + `.called_at, ` + prefix + `.service_start_at, ` + prefix + `.finished_at, ` + prefix + `.cancel_reason, ` + prefix + `.served_by`
}

func newQueueToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
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
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
