package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventdesk/backend/internal/models"
)

const (
	// Unique index names from pkg/database/migrations.
	pgRegistrationEmailKey  = "registrations_event_email_key"
	pgRegistrationTicketKey = "registrations_ticket_code_key"

	maxTxAttempts = 3
	txRetryDelay  = 25 * time.Millisecond
)

const (
	eventColumns        = `id, organizer_id, title, description, venue, date, ticket_limit, approval_mode, created_at, updated_at`
	registrationColumns = `id, event_id, user_name, user_email, status, ticket_code, created_at, updated_at`
)

// Postgres is the ledger backed by PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a ledger over an existing pool. The caller owns the pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// WithTx runs fn in a READ COMMITTED transaction. Admission ordering comes
// from the event row lock taken by LockEvent, not from the isolation level.
// Serialization failures and deadlocks abort before anything is committed,
// so the whole transaction is retried a bounded number of times.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = p.runTx(ctx, fn)
		if !isPgRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		case <-time.After(time.Duration(attempt) * txRetryDelay):
		}
	}
	return err
}

func (p *Postgres) runTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyPg(err, "begin transaction")
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return classifyPg(err, "commit transaction")
	}
	return nil
}

// GetEvent returns an event without locking it.
func (p *Postgres) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	const q = `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	e, err := scanEvent(p.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, classifyPg(err, "get event")
	}
	return e, nil
}

// GetRegistration returns a registration by ID.
func (p *Postgres) GetRegistration(ctx context.Context, id uuid.UUID) (*models.Registration, error) {
	const q = `SELECT ` + registrationColumns + ` FROM registrations WHERE id = $1`
	reg, err := scanRegistration(p.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, classifyPg(err, "get registration")
	}
	return reg, nil
}

// GetByTicketCode returns a registration by its ticket code.
func (p *Postgres) GetByTicketCode(ctx context.Context, code string) (*models.Registration, error) {
	const q = `SELECT ` + registrationColumns + ` FROM registrations WHERE ticket_code = $1`
	reg, err := scanRegistration(p.pool.QueryRow(ctx, q, code))
	if err != nil {
		return nil, classifyPg(err, "get registration by ticket code")
	}
	return reg, nil
}

// ListByEvent returns all registrations for an event, newest first.
func (p *Postgres) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]models.Registration, error) {
	const q = `SELECT ` + registrationColumns + ` FROM registrations WHERE event_id = $1 ORDER BY created_at DESC, id DESC`
	rows, err := p.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, classifyPg(err, "list registrations")
	}
	defer rows.Close()

	var list []models.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, classifyPg(err, "scan registration")
		}
		list = append(list, *reg)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPg(err, "list registrations")
	}
	return list, nil
}

// CountByStatus returns the per-status registration counts for an event.
func (p *Postgres) CountByStatus(ctx context.Context, eventID uuid.UUID) (models.StatusCounts, error) {
	const q = `SELECT status, COUNT(*) FROM registrations WHERE event_id = $1 GROUP BY status`
	var counts models.StatusCounts
	rows, err := p.pool.Query(ctx, q, eventID)
	if err != nil {
		return counts, classifyPg(err, "count registrations")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, classifyPg(err, "scan registration count")
		}
		counts.Add(models.RegistrationStatus(status), n)
	}
	if err := rows.Err(); err != nil {
		return counts, classifyPg(err, "count registrations")
	}
	return counts, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	const q = `SELECT ` + eventColumns + ` FROM events WHERE id = $1 FOR UPDATE`
	e, err := scanEvent(t.tx.QueryRow(ctx, q, id))
	if err != nil {
		return nil, classifyPg(err, "lock event")
	}
	return e, nil
}

func (t *pgTx) LockRegistration(ctx context.Context, id uuid.UUID) (*models.Registration, error) {
	const q = `SELECT ` + registrationColumns + ` FROM registrations WHERE id = $1 FOR UPDATE`
	reg, err := scanRegistration(t.tx.QueryRow(ctx, q, id))
	if err != nil {
		return nil, classifyPg(err, "lock registration")
	}
	return reg, nil
}

func (t *pgTx) FindByEmail(ctx context.Context, eventID uuid.UUID, email string) (*models.Registration, error) {
	const q = `SELECT ` + registrationColumns + ` FROM registrations WHERE event_id = $1 AND user_email = $2`
	reg, err := scanRegistration(t.tx.QueryRow(ctx, q, eventID, email))
	if err != nil {
		return nil, classifyPg(err, "find registration by email")
	}
	return reg, nil
}

func (t *pgTx) CountApproved(ctx context.Context, eventID uuid.UUID) (int, error) {
	const q = `SELECT COUNT(*) FROM registrations WHERE event_id = $1 AND status = 'approved'`
	var n int
	if err := t.tx.QueryRow(ctx, q, eventID).Scan(&n); err != nil {
		return 0, classifyPg(err, "count approved")
	}
	return n, nil
}

// Insert runs inside a savepoint: a unique violation in Postgres aborts the
// enclosing transaction otherwise.
func (t *pgTx) Insert(ctx context.Context, reg *models.Registration) error {
	const q = `INSERT INTO registrations (id, event_id, user_name, user_email, status, ticket_code)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return classifyPg(err, "savepoint")
	}
	err = sp.QueryRow(ctx, q, reg.ID, reg.EventID, reg.UserName, reg.UserEmail, string(reg.Status), reg.TicketCode).
		Scan(&reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		_ = sp.Rollback(ctx)
		return classifyPg(err, "insert registration")
	}
	if err := sp.Commit(ctx); err != nil {
		return classifyPg(err, "release savepoint")
	}
	return nil
}

func (t *pgTx) SetStatus(ctx context.Context, id uuid.UUID, status models.RegistrationStatus) error {
	const q = `UPDATE registrations SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := t.tx.Exec(ctx, q, id, string(status))
	if err != nil {
		return classifyPg(err, "update registration status")
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
	if err != nil {
		return nil, err
	}
	e.ApprovalMode = models.ApprovalMode(mode)
	return &e, nil
}

func scanRegistration(row pgx.Row) (*models.Registration, error) {
	var reg models.Registration
	var status string
	err := row.Scan(&reg.ID, &reg.EventID, &reg.UserName, &reg.UserEmail, &status, &reg.TicketCode, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	reg.Status = models.RegistrationStatus(status)
	return &reg, nil
}

// classifyPg maps driver errors onto the ledger sentinels.
func classifyPg(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" && pgErr.ConstraintName == pgRegistrationEmailKey:
			return ErrDuplicateEmail
		case pgErr.Code == "23505" && pgErr.ConstraintName == pgRegistrationTicketKey:
			return ErrDuplicateTicketCode
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03",
			pgErr.Code == "57P01", pgErr.Code == "53300", strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isPgRetryable reports whether the whole transaction may be replayed.
func isPgRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
