package models

import "time"

type Ticket struct {
	TicketID       string     `json:"ticket_id"`
	QueueID        string     `json:"queue_id"`
	Number         int        `json:"number"`
	Status         string     `json:"status"`
	HolderName     string     `json:"holder_name"`
	HolderCode     string     `json:"holder_code"`
	CreatedAt      time.Time  `json:"created_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	ServiceStartAt *time.Time `json:"service_start_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CancelReason   *string    `json:"cancel_reason,omitempty"`
	ServedBy       *string    `json:"served_by,omitempty"`
}

const (
	StatusPending = "pending"
	StatusServing = "serving"
	StatusDone    = "done"
	StatusSkipped = "skipped"
)

// Terminal reports whether no further transition is defined for status.
func Terminal(status string) bool {
	return status == StatusDone || status == StatusSkipped
}

type CallLog struct {
	LogID     string    `json:"log_id"`
	TicketID  string    `json:"ticket_id"`
	StaffID   *string   `json:"staff_id,omitempty"`
	Action    string    `json:"action"`
	Note      *string   `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
