// Package ledger is the durable record of registrations and the sole arbiter
// of the capacity and uniqueness invariants.
//
// Capacity-sensitive writes (admitting a registration as approved, approving
// a pending one) must run inside Store.WithTx after Tx.LockEvent: the backend
// guarantees that no other transaction can lock the same event, count its
// approved registrations, or insert/update one of them until the first
// transaction commits or rolls back. Correctness therefore does not depend on
// any in-process lock and holds across server instances sharing a database.
//
// Two backends implement Store: Postgres (row lock on the event) for the
// server, and SQLite (database write lock via BEGIN IMMEDIATE) for embedded
// use and tests.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/eventdesk/backend/internal/models"
)

var (
	// ErrNotFound is returned when the requested event or registration does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrDuplicateEmail is returned when (event, email) is already registered.
	ErrDuplicateEmail = errors.New("ledger: email already registered for event")
	// ErrDuplicateTicketCode is returned when a generated ticket code collides.
	ErrDuplicateTicketCode = errors.New("ledger: ticket code already issued")
	// ErrUnavailable wraps transient storage failures: lost connections,
	// lock timeouts, serialization failures. Callers may retry.
	ErrUnavailable = errors.New("ledger: storage unavailable")
)

// Store is the registration ledger.
type Store interface {
	// WithTx runs fn inside a transaction. The transaction commits when fn
	// returns nil and rolls back on any error or panic. The error returned
	// by fn is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	GetRegistration(ctx context.Context, id uuid.UUID) (*models.Registration, error)
	GetByTicketCode(ctx context.Context, code string) (*models.Registration, error)
	// ListByEvent returns the event's registrations, newest first.
	ListByEvent(ctx context.Context, eventID uuid.UUID) ([]models.Registration, error)
	CountByStatus(ctx context.Context, eventID uuid.UUID) (models.StatusCounts, error)
}

// Tx is the set of operations available inside Store.WithTx.
type Tx interface {
	// LockEvent reads the event and holds its admission lock until the
	// transaction ends.
	LockEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	// LockRegistration reads the registration for update. Callers lock the
	// parent event first.
	LockRegistration(ctx context.Context, id uuid.UUID) (*models.Registration, error)
	// FindByEmail returns the registration for (eventID, email) or ErrNotFound.
	FindByEmail(ctx context.Context, eventID uuid.UUID, email string) (*models.Registration, error)
	CountApproved(ctx context.Context, eventID uuid.UUID) (int, error)
	// Insert stores reg and fills CreatedAt/UpdatedAt. A failed insert does
	// not poison the transaction, so the caller may retry with a new ticket
	// code after ErrDuplicateTicketCode.
	Insert(ctx context.Context, reg *models.Registration) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.RegistrationStatus) error
}
