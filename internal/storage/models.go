package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotPending is returned when closing a prompt that is already closed.
var ErrNotPending = errors.New("prompt is not pending")

// Status is where a prompt is in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnswered  Status = "answered"
	StatusDismissed Status = "dismissed"
	StatusSkipped   Status = "skipped"
	StatusExpired   Status = "expired"
)

// Closed reports whether the status is final.
func (s Status) Closed() bool { return s != StatusPending }

// Prompt records one scheduled ping offered to the user and what became of it.
type Prompt struct {
	ID        string
	PingTime  int64 // ms since the UNIX epoch
	Status    Status
	Tags      []string // JSON array stored as text
	Comment   string
	CreatedAt time.Time
	UpdatedAt time.Time
}
