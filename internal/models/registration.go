package models

import (
	"time"

	"github.com/google/uuid"
)

// RegistrationStatus is the admission state of a registration.
type RegistrationStatus string

const (
	StatusPending  RegistrationStatus = "pending"
	StatusApproved RegistrationStatus = "approved"
	StatusRejected RegistrationStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s RegistrationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Registration is one attendee's request for a ticket to an event.
type Registration struct {
	ID         uuid.UUID          `json:"id"`
	EventID    uuid.UUID          `json:"event_id"`
	UserName   string             `json:"user_name"`
	UserEmail  string             `json:"user_email"`
	Status     RegistrationStatus `json:"status"`
	TicketCode string             `json:"ticket_id"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// StatusCounts is the per-status breakdown of an event's registrations.
type StatusCounts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Total    int `json:"total"`
}

// Add increments the counter for status by n and keeps Total in step.
func (c *StatusCounts) Add(status RegistrationStatus, n int) {
	switch status {
	case StatusPending:
		c.Pending += n
	case StatusApproved:
		c.Approved += n
	case StatusRejected:
		c.Rejected += n
	}
	c.Total += n
}
