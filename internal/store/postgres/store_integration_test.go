package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qflow/internal/models"
	"qflow/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestClaimTicketConcurrentNumbering(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createQueue(t, ctx, st, "front desk")

	const claims = 8
	var wg sync.WaitGroup
	results := make(chan claimResult, claims)
	for i := 0; i < claims; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, err := st.ClaimTicket(ctx, store.ClaimTicketInput{
				QueueID:    queue.QueueID,
				HolderName: "Holder",
				HolderCode: uuid.NewString(),
				Token:      queue.Token,
			})
			results <- claimResult{number: ticket.Number, err: err}
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for result := range results {
		if result.err != nil {
			t.Fatalf("claim error: %v", result.err)
		}
		if seen[result.number] {
			t.Fatalf("duplicate ticket number %d", result.number)
		}
		seen[result.number] = true
	}
	for n := 1; n <= claims; n++ {
		if !seen[n] {
			t.Fatalf("missing ticket number %d, got %v", n, seen)
		}
	}

	var lastNumber int
	row := pool.QueryRow(ctx, `SELECT last_number FROM queues WHERE queue_id = $1`, queue.QueueID)
	if err := row.Scan(&lastNumber); err != nil {
		t.Fatalf("read last_number: %v", err)
	}
	if lastNumber != claims {
		t.Fatalf("expected last_number %d, got %d", claims, lastNumber)
	}
}

func TestCallNextKeepsSingleServing(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createQueue(t, ctx, st, "front desk")
	for i := 0; i < 3; i++ {
		claimTicket(t, ctx, st, queue)
	}

	const calls = 2
	var wg sync.WaitGroup
	results := make(chan callResult, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := st.CallNext(ctx, store.CallNextInput{QueueID: queue.QueueID})
			results <- callResult{ticketID: result.Called.TicketID, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var ids []string
	for result := range results {
		if result.err != nil {
			t.Fatalf("call next error: %v", result.err)
		}
		ids = append(ids, result.ticketID)
	}
	if len(ids) != calls || ids[0] == ids[1] {
		t.Fatalf("expected distinct called tickets, got %v", ids)
	}

	var serving int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM tickets WHERE queue_id = $1 AND status = 'serving'`, queue.QueueID)
	if err := row.Scan(&serving); err != nil {
		t.Fatalf("count serving: %v", err)
	}
	if serving != 1 {
		t.Fatalf("expected exactly one serving ticket, got %d", serving)
	}
}

func TestCallNextResolvesPreviousServing(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createQueue(t, ctx, st, "front desk")
	first := claimTicket(t, ctx, st, queue)
	second := claimTicket(t, ctx, st, queue)

	firstCall, err := st.CallNext(ctx, store.CallNextInput{QueueID: queue.QueueID})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if firstCall.Called.TicketID != first.TicketID || firstCall.Resolved != nil {
		t.Fatalf("unexpected first call result: %+v", firstCall)
	}

	secondCall, err := st.CallNext(ctx, store.CallNextInput{QueueID: queue.QueueID})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if secondCall.Called.TicketID != second.TicketID {
		t.Fatalf("expected ticket %s called, got %s", second.TicketID, secondCall.Called.TicketID)
	}
	if secondCall.Resolved == nil || secondCall.Resolved.TicketID != first.TicketID {
		t.Fatalf("expected first ticket resolved, got %+v", secondCall.Resolved)
	}
	if secondCall.Resolved.Status != models.StatusSkipped {
		t.Fatalf("expected resolved ticket skipped, got %s", secondCall.Resolved.Status)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createQueue(t, ctx, st, "front desk")
	_, err := st.CallNext(ctx, store.CallNextInput{QueueID: queue.QueueID})
	if !errors.Is(err, store.ErrNoTicket) {
		t.Fatalf("expected ErrNoTicket, got %v", err)
	}
}

func TestClaimClosedQueue(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createQueue(t, ctx, st, "front desk")
	closed := false
	if _, err := st.UpdateQueue(ctx, store.UpdateQueueInput{QueueID: queue.QueueID, IsOpen: &closed}); err != nil {
		t.Fatalf("close queue: %v", err)
	}

	_, err := st.ClaimTicket(ctx, store.ClaimTicketInput{
		QueueID:    queue.QueueID,
		HolderName: "Holder",
		HolderCode: "h-1",
		Token:      queue.Token,
	})
	if !errors.Is(err, store.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestRotateTokenInvalidatesOldToken(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createQueue(t, ctx, st, "front desk")
	rotated, err := st.RotateQueueToken(ctx, queue.QueueID)
	if err != nil {
		t.Fatalf("rotate token: %v", err)
	}
	if rotated.Token == queue.Token || rotated.Token == "" {
		t.Fatalf("expected a fresh token, got %q", rotated.Token)
	}

	_, err = st.ClaimTicket(ctx, store.ClaimTicketInput{
		QueueID:    queue.QueueID,
		HolderName: "Holder",
		HolderCode: "h-1",
		Token:      queue.Token,
	})
	if !errors.Is(err, store.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken with stale token, got %v", err)
	}

	ticket, err := st.ClaimTicket(ctx, store.ClaimTicketInput{
		QueueID:    queue.QueueID,
		HolderName: "Holder",
		HolderCode: "h-2",
		Token:      rotated.Token,
	})
	if err != nil {
		t.Fatalf("claim with fresh token: %v", err)
	}
	if ticket.Number != 1 {
		t.Fatalf("stale-token claim must not consume a number, expected 1, got %d", ticket.Number)
	}
}

func TestFailedClaimConsumesNoNumber(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createQueue(t, ctx, st, "front desk")

	claim := func(token string) (models.Ticket, error) {
		return st.ClaimTicket(ctx, store.ClaimTicketInput{
			QueueID:    queue.QueueID,
			HolderName: "Holder",
			HolderCode: uuid.NewString(),
			Token:      token,
		})
	}

	if _, err := claim("wrong"); !errors.Is(err, store.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	first, err := claim(queue.Token)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first.Number != 1 {
		t.Fatalf("expected number 1 after a failed claim, got %d", first.Number)
	}

	if _, err := claim(""); !errors.Is(err, store.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
	second, err := claim(queue.Token)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second.Number != 2 {
		t.Fatalf("expected number 2, got %d", second.Number)
	}
}

func TestResetQueueRestartsNumbering(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createQueue(t, ctx, st, "front desk")
	claimTicket(t, ctx, st, queue)
	claimTicket(t, ctx, st, queue)
	if _, err := st.CallNext(ctx, store.CallNextInput{QueueID: queue.QueueID}); err != nil {
		t.Fatalf("call next: %v", err)
	}

	reset, err := st.ResetQueue(ctx, queue.QueueID)
	if err != nil {
		t.Fatalf("reset queue: %v", err)
	}
	if reset.LastNumber != 0 {
		t.Fatalf("expected last_number 0 after reset, got %d", reset.LastNumber)
	}

	var remaining int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM tickets WHERE queue_id = $1`, queue.QueueID)
	if err := row.Scan(&remaining); err != nil {
		t.Fatalf("count tickets: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected no tickets after reset, got %d", remaining)
	}

	ticket := claimTicket(t, ctx, st, queue)
	if ticket.Number != 1 {
		t.Fatalf("expected numbering to restart at 1, got %d", ticket.Number)
	}
}

func TestResetQueueAtomicUnderConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createQueue(t, ctx, st, "front desk")
	for i := 0; i < 3; i++ {
		claimTicket(t, ctx, st, queue)
	}

	const claims = 6
	var wg sync.WaitGroup
	errs := make(chan error, claims+1)
	for i := 0; i < claims; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.ClaimTicket(ctx, store.ClaimTicketInput{
				QueueID:    queue.QueueID,
				HolderName: "Holder",
				HolderCode: uuid.NewString(),
				Token:      queue.Token,
			})
			errs <- err
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := st.ResetQueue(ctx, queue.QueueID)
		errs <- err
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent operation: %v", err)
		}
	}

	// every claim serialized before or after the reset on the queue row
	// lock, so the surviving set must be contiguous from 1 and agree with
	// last_number, never a blend of pre- and post-reset numbering
	rows, err := pool.Query(ctx, `SELECT number FROM tickets WHERE queue_id = $1 ORDER BY number ASC`, queue.QueueID)
	if err != nil {
		t.Fatalf("read tickets: %v", err)
	}
	defer rows.Close()
	var numbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			t.Fatalf("scan number: %v", err)
		}
		numbers = append(numbers, n)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(numbers) > claims {
		t.Fatalf("expected at most %d surviving tickets, got %d", claims, len(numbers))
	}
	for i, n := range numbers {
		if n != i+1 {
			t.Fatalf("expected contiguous numbering from 1, got %v", numbers)
		}
	}

	var lastNumber int
	row := pool.QueryRow(ctx, `SELECT last_number FROM queues WHERE queue_id = $1`, queue.QueueID)
	if err := row.Scan(&lastNumber); err != nil {
		t.Fatalf("read last_number: %v", err)
	}
	if lastNumber != len(numbers) {
		t.Fatalf("last_number %d disagrees with surviving tickets %v", lastNumber, numbers)
	}
}

func TestTerminalTicketRejectsFurtherUpdates(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createQueue(t, ctx, st, "front desk")
	claimTicket(t, ctx, st, queue)
	called, err := st.CallNext(ctx, store.CallNextInput{QueueID: queue.QueueID})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}

	_, err = st.UpdateTicketStatus(ctx, store.UpdateStatusInput{
		TicketID: called.Called.TicketID,
		Status:   models.StatusServing,
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for non-terminal target status, got %v", err)
	}

	done, err := st.UpdateTicketStatus(ctx, store.UpdateStatusInput{
		TicketID: called.Called.TicketID,
		Status:   models.StatusDone,
	})
	if err != nil {
		t.Fatalf("finish ticket: %v", err)
	}
	if done.Status != models.StatusDone || done.FinishedAt == nil {
		t.Fatalf("unexpected finished ticket: %+v", done)
	}

	_, err = st.UpdateTicketStatus(ctx, store.UpdateStatusInput{
		TicketID: called.Called.TicketID,
		Status:   models.StatusSkipped,
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on terminal ticket, got %v", err)
	}

	_, err = st.CancelTicket(ctx, store.CancelTicketInput{
		TicketID: called.Called.TicketID,
		Token:    queue.Token,
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on guest cancel of terminal ticket, got %v", err)
	}
}

func TestGuestCancelRequiresToken(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queue := createQueue(t, ctx, st, "front desk")
	ticket := claimTicket(t, ctx, st, queue)

	_, err := st.CancelTicket(ctx, store.CancelTicketInput{TicketID: ticket.TicketID, Token: "wrong"})
	if !errors.Is(err, store.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	canceled, err := st.CancelTicket(ctx, store.CancelTicketInput{TicketID: ticket.TicketID, Token: queue.Token})
	if err != nil {
		t.Fatalf("guest cancel: %v", err)
	}
	if canceled.Status != models.StatusSkipped || canceled.CancelReason == nil {
		t.Fatalf("unexpected canceled ticket: %+v", canceled)
	}
}

func TestGetSessionExpired(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	accountID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO accounts (account_id, name, email, password_hash) VALUES ($1, 'Staff', $2, 'x')
	`, accountID, accountID+"@example.com"); err != nil {
		t.Fatalf("insert account: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO sessions (session_id, account_id, expires_at) VALUES ('live', $1, NOW() + INTERVAL '1 hour')
	`, accountID); err != nil {
		t.Fatalf("insert live session: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO sessions (session_id, account_id, expires_at) VALUES ('stale', $1, NOW() - INTERVAL '1 hour')
	`, accountID); err != nil {
		t.Fatalf("insert stale session: %v", err)
	}

	session, err := st.GetSession(ctx, "live")
	if err != nil {
		t.Fatalf("get live session: %v", err)
	}
	if session.StaffID != accountID {
		t.Fatalf("expected staff id %s, got %s", accountID, session.StaffID)
	}

	if _, err := st.GetSession(ctx, "stale"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for expired session, got %v", err)
	}
}

type claimResult struct {
	number int
	err    error
}

type callResult struct {
	ticketID string
	err      error
}

func createQueue(t *testing.T, ctx context.Context, st *Store, name string) models.Queue {
	t.Helper()
	queue, err := st.CreateQueue(ctx, name)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return queue
}

func claimTicket(t *testing.T, ctx context.Context, st *Store, queue models.Queue) models.Ticket {
	t.Helper()
	ticket, err := st.ClaimTicket(ctx, store.ClaimTicketInput{
		QueueID:    queue.QueueID,
		HolderName: "Holder",
		HolderCode: uuid.NewString(),
		Token:      queue.Token,
	})
	if err != nil {
		t.Fatalf("claim ticket: %v", err)
	}
	return ticket
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{TxTimeout: 10 * time.Second})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
