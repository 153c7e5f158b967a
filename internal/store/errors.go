package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrQueueNotFound   = errors.New("queue not found")
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrQueueClosed     = errors.New("queue closed")
	ErrInvalidToken    = errors.New("invalid access token")
	ErrInvalidState    = errors.New("invalid ticket state")
	ErrNoTicket        = errors.New("no pending ticket")
	ErrSessionNotFound = errors.New("session not found")
)

// IsTransient reports whether err is a contention or timeout failure the
// caller may retry as-is: serialization failure, deadlock, lock not
// available, statement timeout, or a context deadline hit inside the store.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return true
		}
	}
	return false
}
