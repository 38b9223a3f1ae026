package ledger

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/eventdesk/backend/internal/models"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLite is the ledger backed by a SQLite database file.
//
// Transactions start with BEGIN IMMEDIATE, which takes the database write
// lock up front. Every capacity-sensitive transaction is therefore
// serialized against all other writers, including other processes that open
// the same file. Readers are not blocked (WAL).
type SQLite struct {
	pool *sqlitex.Pool
	path string
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. poolSize <= 0 defaults to 4.
func OpenSQLite(path string, poolSize int) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger: sqlite path is required")
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	s := &SQLite{pool: pool, path: path}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: take connection: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	return s, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("ledger: %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes every connection in the pool.
func (s *SQLite) Close() error {
	return s.pool.Close()
}

// WithTx runs fn inside an IMMEDIATE transaction on a pooled connection.
func (s *SQLite) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: take connection: %w", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return classifySQLite(err, "begin transaction")
	}
	defer endTransaction(&err)

	return fn(&sqliteTx{conn: conn})
}

// PutEvent inserts or replaces an event. A zero ID is assigned a new UUID.
func (s *SQLite) PutEvent(ctx context.Context, e *models.Event) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: take connection: %w", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	const q = `INSERT INTO events (id, organizer_id, title, description, venue, date, ticket_limit, approval_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			organizer_id = excluded.organizer_id, title = excluded.title, description = excluded.description,
			venue = excluded.venue, date = excluded.date, ticket_limit = excluded.ticket_limit,
			approval_mode = excluded.approval_mode, updated_at = excluded.updated_at`
	err = sqlitex.Execute(conn, q, &sqlitex.ExecOptions{
		Args: []any{
			e.ID.String(), e.OrganizerID.String(), e.Title, e.Description, e.Venue,
			e.Date.UnixNano(), e.TicketLimit, string(e.ApprovalMode),
			e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano(),
		},
	})
	if err != nil {
		return classifySQLite(err, "put event")
	}
	return nil
}

// DeleteEvent removes an event and, through the foreign key, its registrations.
func (s *SQLite) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: take connection: %w", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM events WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{id.String()}}); err != nil {
		return classifySQLite(err, "delete event")
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: take connection: %w", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)
	return sqliteEvent(conn, id)
}

func (s *SQLite) GetRegistration(ctx context.Context, id uuid.UUID) (*models.Registration, error) {
	return s.oneRegistration(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE id = ?`, id.String())
}

func (s *SQLite) GetByTicketCode(ctx context.Context, code string) (*models.Registration, error) {
	return s.oneRegistration(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE ticket_code = ?`, code)
}

func (s *SQLite) oneRegistration(ctx context.Context, q string, args ...any) (*models.Registration, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: take connection: %w", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)
	return sqliteRegistration(conn, q, args...)
}

func (s *SQLite) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]models.Registration, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: take connection: %w", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)

	var list []models.Registration
	err = sqlitex.Execute(conn,
		`SELECT `+registrationColumns+` FROM registrations WHERE event_id = ? ORDER BY created_at DESC, rowid DESC`,
		&sqlitex.ExecOptions{
			Args: []any{eventID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				reg, err := readRegistration(stmt)
				if err != nil {
					return err
				}
				list = append(list, *reg)
				return nil
			},
		})
	if err != nil {
		return nil, classifySQLite(err, "list registrations")
	}
	return list, nil
}

func (s *SQLite) CountByStatus(ctx context.Context, eventID uuid.UUID) (models.StatusCounts, error) {
	var counts models.StatusCounts
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return counts, fmt.Errorf("%w: take connection: %w", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT status, COUNT(*) FROM registrations WHERE event_id = ? GROUP BY status`,
		&sqlitex.ExecOptions{
			Args: []any{eventID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts.Add(models.RegistrationStatus(stmt.ColumnText(0)), stmt.ColumnInt(1))
				return nil
			},
		})
	if err != nil {
		return counts, classifySQLite(err, "count registrations")
	}
	return counts, nil
}

type sqliteTx struct {
	conn *sqlite.Conn
}

// LockEvent is a plain read: the IMMEDIATE transaction already holds the
// database write lock.
func (t *sqliteTx) LockEvent(_ context.Context, id uuid.UUID) (*models.Event, error) {
	return sqliteEvent(t.conn, id)
}

func (t *sqliteTx) LockRegistration(_ context.Context, id uuid.UUID) (*models.Registration, error) {
	return sqliteRegistration(t.conn, `SELECT `+registrationColumns+` FROM registrations WHERE id = ?`, id.String())
}

func (t *sqliteTx) FindByEmail(_ context.Context, eventID uuid.UUID, email string) (*models.Registration, error) {
	return sqliteRegistration(t.conn,
		`SELECT `+registrationColumns+` FROM registrations WHERE event_id = ? AND user_email = ?`,
		eventID.String(), email)
}

func (t *sqliteTx) CountApproved(_ context.Context, eventID uuid.UUID) (int, error) {
	var n int
	err := sqlitex.Execute(t.conn,
		`SELECT COUNT(*) FROM registrations WHERE event_id = ? AND status = 'approved'`,
		&sqlitex.ExecOptions{
			Args: []any{eventID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, classifySQLite(err, "count approved")
	}
	return n, nil
}

// Insert relies on SQLite's default ABORT conflict resolution, which undoes
// only the failing statement and leaves the transaction open.
func (t *sqliteTx) Insert(_ context.Context, reg *models.Registration) error {
	now := time.Now().UTC()
	err := sqlitex.Execute(t.conn,
		`INSERT INTO registrations (id, event_id, user_name, user_email, status, ticket_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				reg.ID.String(), reg.EventID.String(), reg.UserName, reg.UserEmail,
				string(reg.Status), reg.TicketCode, now.UnixNano(), now.UnixNano(),
			},
		})
	if err != nil {
		return classifySQLite(err, "insert registration")
	}
	reg.CreatedAt, reg.UpdatedAt = now, now
	return nil
}

func (t *sqliteTx) SetStatus(_ context.Context, id uuid.UUID, status models.RegistrationStatus) error {
	err := sqlitex.Execute(t.conn,
		`UPDATE registrations SET status = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(status), time.Now().UTC().UnixNano(), id.String()}})
	if err != nil {
		return classifySQLite(err, "update registration status")
	}
	if t.conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

func sqliteEvent(conn *sqlite.Conn, id uuid.UUID) (*models.Event, error) {
	var e *models.Event
	err := sqlitex.Execute(conn, `SELECT `+eventColumns+` FROM events WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			e, err = readEvent(stmt)
			return err
		},
	})
	if err != nil {
		return nil, classifySQLite(err, "get event")
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

func sqliteRegistration(conn *sqlite.Conn, q string, args ...any) (*models.Registration, error) {
	var reg *models.Registration
	err := sqlitex.Execute(conn, q, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			reg, err = readRegistration(stmt)
			return err
		},
	})
	if err != nil {
		return nil, classifySQLite(err, "get registration")
	}
	if reg == nil {
		return nil, ErrNotFound
	}
	return reg, nil
}

func readEvent(stmt *sqlite.Stmt) (*models.Event, error) {
	id, err := uuid.Parse(stmt.ColumnText(0))
	if err != nil {
		return nil, fmt.Errorf("parse event id: %w", err)
	}
	organizerID, err := uuid.Parse(stmt.ColumnText(1))
	if err != nil {
		return nil, fmt.Errorf("parse organizer id: %w", err)
	}
	return &models.Event{
		ID:           id,
		OrganizerID:  organizerID,
		Title:        stmt.ColumnText(2),
		Description:  stmt.ColumnText(3),
		Venue:        stmt.ColumnText(4),
		Date:         time.Unix(0, stmt.ColumnInt64(5)).UTC(),
		TicketLimit:  stmt.ColumnInt(6),
		ApprovalMode: models.ApprovalMode(stmt.ColumnText(7)),
		CreatedAt:    time.Unix(0, stmt.ColumnInt64(8)).UTC(),
		UpdatedAt:    time.Unix(0, stmt.ColumnInt64(9)).UTC(),
	}, nil
}

func readRegistration(stmt *sqlite.Stmt) (*models.Registration, error) {
	id, err := uuid.Parse(stmt.ColumnText(0))
	if err != nil {
		return nil, fmt.Errorf("parse registration id: %w", err)
	}
	eventID, err := uuid.Parse(stmt.ColumnText(1))
	if err != nil {
		return nil, fmt.Errorf("parse event id: %w", err)
	}
	return &models.Registration{
		ID:         id,
		EventID:    eventID,
		UserName:   stmt.ColumnText(2),
		UserEmail:  stmt.ColumnText(3),
		Status:     models.RegistrationStatus(stmt.ColumnText(4)),
		TicketCode: stmt.ColumnText(5),
		CreatedAt:  time.Unix(0, stmt.ColumnInt64(6)).UTC(),
		UpdatedAt:  time.Unix(0, stmt.ColumnInt64(7)).UTC(),
	}, nil
}

func classifySQLite(err error, op string) error {
	if err == nil {
		return nil
	}
	code := sqlite.ErrCode(err)
	switch {
	case code == sqlite.ResultConstraintUnique && strings.Contains(err.Error(), "registrations.ticket_code"):
		return ErrDuplicateTicketCode
	case code == sqlite.ResultConstraintUnique && strings.Contains(err.Error(), "registrations.user_email"):
		return ErrDuplicateEmail
	case code.ToPrimary() == sqlite.ResultBusy, code.ToPrimary() == sqlite.ResultLocked:
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
