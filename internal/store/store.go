package store

import (
	"context"

	"qflow/internal/models"
)

type ClaimTicketInput struct {
	QueueID    string
	HolderName string
	HolderCode string
	Token      string
}

type CallNextInput struct {
	QueueID string
	StaffID string
}

type UpdateStatusInput struct {
	TicketID string
	StaffID  string
	Status   string
	Reason   string
}

type CancelTicketInput struct {
	TicketID string
	Token    string
}

type UpdateQueueInput struct {
	QueueID string
	Name    *string
	IsOpen  *bool
}

// CallNextResult carries the promoted ticket plus the previously serving
// ticket when call-next had to resolve it to keep a single serving ticket.
type CallNextResult struct {
	Called   models.Ticket
	Resolved *models.Ticket
}

type QueueStore interface {
	ListQueues(ctx context.Context) ([]models.QueueSummary, error)
	GetQueue(ctx context.Context, queueID string) (models.Queue, []models.Ticket, error)
	CreateQueue(ctx context.Context, name string) (models.Queue, error)
	UpdateQueue(ctx context.Context, input UpdateQueueInput) (models.Queue, error)
	RotateQueueToken(ctx context.Context, queueID string) (models.Queue, error)
	ResetQueue(ctx context.Context, queueID string) (models.Queue, error)
	DeleteQueue(ctx context.Context, queueID string) error

	ClaimTicket(ctx context.Context, input ClaimTicketInput) (models.Ticket, error)
	CallNext(ctx context.Context, input CallNextInput) (CallNextResult, error)
	UpdateTicketStatus(ctx context.Context, input UpdateStatusInput) (models.Ticket, error)
	CancelTicket(ctx context.Context, input CancelTicketInput) (models.Ticket, error)

	ListCallLogs(ctx context.Context, queueID string, limit int) ([]models.CallLog, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

// Session is a staff bearer session resolved from the accounts collaborator.
type Session struct {
	SessionID string
	StaffID   string
}
