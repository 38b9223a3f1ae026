package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventdesk/backend/internal/models"
)

// ErrNotFound is returned when an event does not exist.
var ErrNotFound = errors.New("event not found")

// MutateFunc edits a locked event in place. approved is the event's current
// approved registration count.
type MutateFunc func(e *models.Event, approved int) error

// Store is the event persistence used by Service.
type Store interface {
	Create(ctx context.Context, e *models.Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	ListByOrganizer(ctx context.Context, organizerID uuid.UUID) ([]models.Event, error)
	// Update locks the event, applies fn and saves the result atomically
	// with respect to admission decisions on the same event.
	Update(ctx context.Context, id uuid.UUID, fn MutateFunc) (*models.Event, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Repository handles event persistence in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an event repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, organizer_id, title, description, venue, date, ticket_limit, approval_mode, created_at, updated_at`

// Create inserts e and fills its ID and timestamps.
func (r *Repository) Create(ctx context.Context, e *models.Event) error {
	const q = `INSERT INTO events (id, organizer_id, title, description, venue, date, ticket_limit, approval_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, q, e.ID, e.OrganizerID, e.Title, e.Description, e.Venue, e.Date, e.TicketLimit, string(e.ApprovalMode)).
		Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetByID returns an event by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	const q = `SELECT ` + columns + ` FROM events WHERE id = $1`
	return scanEvent(r.pool.QueryRow(ctx, q, id))
}

// ListByOrganizer returns the organizer's events, newest first.
func (r *Repository) ListByOrganizer(ctx context.Context, organizerID uuid.UUID) ([]models.Event, error) {
	const q = `SELECT ` + columns + ` FROM events WHERE organizer_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, organizerID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	list := []models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *e)
	}
	return list, rows.Err()
}

// Update takes the same event row lock as admission, so a capacity change
// cannot interleave with a registration being approved.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, fn MutateFunc) (*models.Event, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e, err := scanEvent(tx.QueryRow(ctx, `SELECT `+columns+` FROM events WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	var approved int
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM registrations WHERE event_id = $1 AND status = 'approved'`, id).Scan(&approved)
	if err != nil {
		return nil, fmt.Errorf("count approved: %w", err)
	}
	if err := fn(e, approved); err != nil {
		return nil, err
	}

	const q = `UPDATE events SET title = $2, description = $3, venue = $4, date = $5,
		ticket_limit = $6, approval_mode = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`
	err = tx.QueryRow(ctx, q, e.ID, e.Title, e.Description, e.Venue, e.Date, e.TicketLimit, string(e.ApprovalMode)).
		Scan(&e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

// Delete removes an event; its registrations go with it (ON DELETE CASCADE).
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var e models.Event
	var mode string
	err := row.Scan(&e.ID, &e.OrganizerID, &e.Title, &e.Description, &e.Venue, &e.Date, &e.TicketLimit, &mode, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.ApprovalMode = models.ApprovalMode(mode)
	return &e, nil
}
