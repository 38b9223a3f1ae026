// Package tickets issues approved tickets: lookup by code, the archived
// ticket pass document and its download link.
package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eventdesk/backend/internal/admission"
	"github.com/eventdesk/backend/internal/ledger"
	"github.com/eventdesk/backend/internal/models"
	"github.com/eventdesk/backend/pkg/apperror"
	"github.com/eventdesk/backend/pkg/storage"
)

const (
	msgTicketNotFound = "Ticket not found"
	msgNotApproved    = "Ticket is not approved yet"
	msgPassNotReady   = "Ticket pass is not ready yet"
	msgPassDisabled   = "Ticket passes are not available"
)

// Ticket is an approved registration with the public fields of its event.
type Ticket struct {
	TicketID  string                    `json:"ticket_id"`
	UserName  string                    `json:"user_name"`
	UserEmail string                    `json:"user_email"`
	Status    models.RegistrationStatus `json:"status"`
	IssuedAt  time.Time                 `json:"issued_at"`
	Event     models.EventSummary       `json:"event"`
}

// Pass is the archived ticket document.
type Pass struct {
	Ticket
	RegistrationID string    `json:"registration_id"`
	ArchivedAt     time.Time `json:"archived_at"`
}

// PassStore is the object storage ticket passes are archived to.
type PassStore interface {
	PutObject(ctx context.Context, key, contentType string, body []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	PresignGet(ctx context.Context, key string) (string, error)
}

// Service looks up and archives tickets.
type Service struct {
	store  ledger.Store
	passes PassStore
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a ticket service. passes may be nil when object storage
// is not configured; pass operations then fail with StorageUnavailable.
func NewService(store ledger.Store, passes PassStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, passes: passes, logger: logger, now: time.Now}
}

// Lookup returns the approved ticket for code. Unknown codes and tickets of
// deleted events are NotFound; pending or rejected registrations are
// NotApproved and expose nothing else.
func (s *Service) Lookup(ctx context.Context, code string) (*Ticket, error) {
	t, _, err := s.lookup(ctx, code)
	return t, err
}

func (s *Service) lookup(ctx context.Context, code string) (*Ticket, *models.Registration, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !admission.ValidTicketCode(code) {
		return nil, nil, apperror.NotFound(msgTicketNotFound)
	}
	reg, err := s.store.GetByTicketCode(ctx, code)
	if err != nil {
		return nil, nil, s.storageError(err, "lookup ticket")
	}
	if reg.Status != models.StatusApproved {
		return nil, nil, apperror.NotApproved(msgNotApproved)
	}
	event, err := s.store.GetEvent(ctx, reg.EventID)
	if err != nil {
		return nil, nil, s.storageError(err, "lookup ticket event")
	}
	return &Ticket{
		TicketID:  reg.TicketCode,
		UserName:  reg.UserName,
		UserEmail: reg.UserEmail,
		Status:    reg.Status,
		IssuedAt:  reg.UpdatedAt,
		Event:     event.Summary(),
	}, reg, nil
}

// PassURL returns a presigned download URL for the archived ticket pass.
func (s *Service) PassURL(ctx context.Context, code string) (string, error) {
	if s.passes == nil {
		return "", apperror.New(apperror.KindStorageUnavailable, msgPassDisabled)
	}
	t, reg, err := s.lookup(ctx, code)
	if err != nil {
		return "", err
	}
	key := storage.TicketPassKey(reg.EventID.String(), t.TicketID)
	ok, err := s.passes.Exists(ctx, key)
	if err != nil {
		s.logger.Warn("check ticket pass", zap.String("key", key), zap.Error(err))
		return "", apperror.Unavailable(err)
	}
	if !ok {
		return "", apperror.NotFound(msgPassNotReady)
	}
	url, err := s.passes.PresignGet(ctx, key)
	if err != nil {
		s.logger.Warn("presign ticket pass", zap.String("key", key), zap.Error(err))
		return "", apperror.Unavailable(err)
	}
	return url, nil
}

// Archive renders the ticket pass for code and uploads it. Archiving an
// unapproved ticket fails with NotApproved.
func (s *Service) Archive(ctx context.Context, code string) (string, error) {
	if s.passes == nil {
		return "", apperror.New(apperror.KindStorageUnavailable, msgPassDisabled)
	}
	t, reg, err := s.lookup(ctx, code)
	if err != nil {
		return "", err
	}
	body, err := json.MarshalIndent(Pass{
		Ticket:         *t,
		RegistrationID: reg.ID.String(),
		ArchivedAt:     s.now().UTC(),
	}, "", "  ")
	if err != nil {
		return "", apperror.Internal(fmt.Errorf("render ticket pass: %w", err))
	}
	key := storage.TicketPassKey(reg.EventID.String(), t.TicketID)
	if err := s.passes.PutObject(ctx, key, "application/json", body); err != nil {
		return "", apperror.Unavailable(err)
	}
	s.logger.Info("ticket pass archived", zap.String("key", key), zap.String("registration_id", reg.ID.String()))
	return key, nil
}

func (s *Service) storageError(err error, op string) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return apperror.NotFound(msgTicketNotFound)
	case errors.Is(err, ledger.ErrUnavailable):
		s.logger.Warn(op+": storage unavailable", zap.Error(err))
		return apperror.Unavailable(err)
	}
	s.logger.Error(op+" failed", zap.Error(err))
	return apperror.Internal(err)
}
