package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalMode decides the initial status of new registrations.
type ApprovalMode string

const (
	ApprovalAuto   ApprovalMode = "auto"
	ApprovalManual ApprovalMode = "manual"
)

// Valid reports whether m is a known approval mode.
func (m ApprovalMode) Valid() bool {
	return m == ApprovalAuto || m == ApprovalManual
}

// Capacity bounds for Event.TicketLimit.
const (
	MinTicketLimit = 1
	MaxTicketLimit = 100_000
)

// Event is a ticketed event owned by an organizer.
type Event struct {
	ID           uuid.UUID    `json:"id"`
	OrganizerID  uuid.UUID    `json:"organizer_id"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Venue        string       `json:"venue"`
	Date         time.Time    `json:"date"`
	TicketLimit  int          `json:"ticket_limit"`
	ApprovalMode ApprovalMode `json:"approval_mode"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// HasPassed reports whether the event date is not after now.
func (e *Event) HasPassed(now time.Time) bool {
	return !e.Date.After(now)
}

// InitialStatus returns the status a new registration gets under the event's approval mode.
func (e *Event) InitialStatus() RegistrationStatus {
	if e.ApprovalMode == ApprovalAuto {
		return StatusApproved
	}
	return StatusPending
}

// AvailableTickets returns the remaining capacity given the approved count, never negative.
func (e *Event) AvailableTickets(approved int) int {
	if n := e.TicketLimit - approved; n > 0 {
		return n
	}
	return 0
}

// EventSummary is the public subset of an event shown alongside a ticket.
type EventSummary struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"`
	Venue       string    `json:"venue"`
}

// Summary returns the public fields of e.
func (e *Event) Summary() EventSummary {
	return EventSummary{ID: e.ID, Title: e.Title, Description: e.Description, Date: e.Date, Venue: e.Venue}
}

// Availability is a point-in-time snapshot of an event's remaining capacity.
type Availability struct {
	EventID          uuid.UUID `json:"event_id"`
	TicketLimit      int       `json:"ticket_limit"`
	Approved         int       `json:"approved"`
	AvailableTickets int       `json:"available_tickets"`
	IsSoldOut        bool      `json:"is_sold_out"`
}

// AvailabilityFor builds the availability snapshot of e given its approved count.
func (e *Event) AvailabilityFor(approved int) Availability {
	available := e.AvailableTickets(approved)
	return Availability{
		EventID:          e.ID,
		TicketLimit:      e.TicketLimit,
		Approved:         approved,
		AvailableTickets: available,
		IsSoldOut:        available <= 0,
	}
}
