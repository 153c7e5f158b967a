package models

import "time"

type Queue struct {
	QueueID    string    `json:"queue_id"`
	Name       string    `json:"name"`
	IsOpen     bool      `json:"is_open"`
	LastNumber int       `json:"last_number"`
	Token      string    `json:"token,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// QueueSummary is the list view: the queue plus live ticket counts so the
// staff console can render load without fetching every ticket.
type QueueSummary struct {
	Queue
	PendingCount int `json:"pending_count"`
	ServingCount int `json:"serving_count"`
}
