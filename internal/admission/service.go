// Package admission decides who gets a ticket.
//
// Every capacity-sensitive change (a new registration, an approval) runs in a
// single ledger transaction that first locks the event. The approved count
// read inside that transaction is therefore exact, and the capacity and
// uniqueness invariants hold for any number of concurrent callers and server
// instances.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventdesk/backend/internal/auth"
	"github.com/eventdesk/backend/internal/ledger"
	"github.com/eventdesk/backend/internal/models"
	"github.com/eventdesk/backend/pkg/apperror"
	"github.com/eventdesk/backend/pkg/queue"
)

// Messages returned to the registrant.
const (
	MsgApproved = "Registration successful! Your ticket has been approved."
	MsgPending  = "Registration successful! Your request is pending approval."

	msgEventNotFound        = "Event not found"
	msgRegistrationNotFound = "Registration not found"
	msgEventPassed          = "This event has already passed"
	msgRegisterPassed       = "Cannot register for an event that has already passed"
	msgSoldOut              = "Event is sold out"
	msgDuplicate            = "You have already registered for this event"
	msgApproveFull          = "Cannot approve. Event ticket limit reached"
	msgNotOwner             = "Not authorized to update this registration"
	msgNotOwnerList         = "Not authorized to view registrations for this event"
)

// AvailabilityPublisher receives the event's availability after every
// committed change to its approved count.
type AvailabilityPublisher interface {
	PublishAvailability(ctx context.Context, a models.Availability) error
}

// TicketEnqueuer schedules the ticket pass for a newly approved registration.
type TicketEnqueuer interface {
	EnqueueTicketPass(ctx context.Context, payload queue.TicketPassPayload) error
}

// RegisterInput is an attendee's registration request.
type RegisterInput struct {
	Name  string `json:"userName" validate:"required,min=2,max=100"`
	Email string `json:"userEmail" validate:"required,email,max=255"`
}

// Admission is the outcome of a successful Register.
type Admission struct {
	Registration *models.Registration `json:"registration"`
	Event        models.EventSummary  `json:"event"`
	Message      string               `json:"message"`
}

// PublicEvent is the attendee-facing view of an event.
type PublicEvent struct {
	ID               uuid.UUID           `json:"id"`
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	Venue            string              `json:"venue"`
	Date             time.Time           `json:"date"`
	TicketLimit      int                 `json:"ticket_limit"`
	ApprovalMode     models.ApprovalMode `json:"approval_mode"`
	AvailableTickets int                 `json:"available_tickets"`
	IsSoldOut        bool                `json:"is_sold_out"`
}

// RegistrationList is an organizer's view of an event's registrations.
type RegistrationList struct {
	Event         models.EventSummary   `json:"event"`
	Registrations []models.Registration `json:"registrations"`
	Stats         models.StatusCounts   `json:"stats"`
}

// Service runs admission decisions against a ledger.
type Service struct {
	store     ledger.Store
	validate  *validator.Validate
	publisher AvailabilityPublisher
	enqueuer  TicketEnqueuer
	logger    *zap.Logger
	now       func() time.Time
	newCode   func() (string, error)
}

// NewService creates an admission service.
func NewService(store ledger.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
		newCode:  NewTicketCode,
	}
}

// SetPublisher sets the availability publisher (optional).
func (s *Service) SetPublisher(p AvailabilityPublisher) { s.publisher = p }

// SetEnqueuer sets the ticket pass enqueuer (optional).
func (s *Service) SetEnqueuer(e TicketEnqueuer) { s.enqueuer = e }

// Register admits an attendee to an event. The registration is approved
// immediately for auto-approval events and pending otherwise.
func (s *Service) Register(ctx context.Context, eventID uuid.UUID, in RegisterInput) (*Admission, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = NormalizeEmail(in.Email)
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	var reg *models.Registration
	var event *models.Event
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		e, err := tx.LockEvent(ctx, eventID)
		if errors.Is(err, ledger.ErrNotFound) {
			return apperror.NotFound(msgEventNotFound)
		}
		if err != nil {
			return err
		}
		if e.HasPassed(s.now()) {
			return apperror.Expired(msgRegisterPassed)
		}

		_, err = tx.FindByEmail(ctx, eventID, in.Email)
		if err == nil {
			return apperror.DuplicateRegistration(msgDuplicate)
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		approved, err := tx.CountApproved(ctx, eventID)
		if err != nil {
			return err
		}
		if approved >= e.TicketLimit {
			return apperror.CapacityExceeded(msgSoldOut)
		}

		r := &models.Registration{
			ID:        uuid.New(),
			EventID:   eventID,
			UserName:  in.Name,
			UserEmail: in.Email,
			Status:    e.InitialStatus(),
		}
		if err := s.insertWithFreshCode(ctx, tx, r); err != nil {
			return err
		}
		reg, event = r, e
		return nil
	})
	if err != nil {
		return nil, s.translate(err, "register", zap.String("event_id", eventID.String()))
	}

	s.logger.Info("registration admitted",
		zap.String("event_id", eventID.String()),
		zap.String("registration_id", reg.ID.String()),
		zap.String("status", string(reg.Status)),
	)

	msg := MsgPending
	if reg.Status == models.StatusApproved {
		msg = MsgApproved
		s.afterApproval(ctx, event, reg)
	}
	return &Admission{Registration: reg, Event: event.Summary(), Message: msg}, nil
}

func (s *Service) insertWithFreshCode(ctx context.Context, tx ledger.Tx, r *models.Registration) error {
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return err
		}
		r.TicketCode = code
		err = tx.Insert(ctx, r)
		if errors.Is(err, ledger.ErrDuplicateTicketCode) {
			s.logger.Warn("ticket code collision", zap.Int("attempt", attempt))
			continue
		}
		return err
	}
	return fmt.Errorf("no unique ticket code after %d attempts", maxCodeAttempts)
}

// Decide approves or rejects a registration on behalf of the event's
// organizer. Approving re-checks capacity under the event lock; approving an
// already approved registration returns it unchanged. Rejection always
// succeeds.
func (s *Service) Decide(ctx context.Context, registrationID, actorID uuid.UUID, decision models.RegistrationStatus) (*models.Registration, error) {
	if decision != models.StatusApproved && decision != models.StatusRejected {
		return nil, apperror.Validation(`Status must be either "approved" or "rejected"`)
	}

	// Lock order is event then registration, so the event ID is read first.
	current, err := s.store.GetRegistration(ctx, registrationID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperror.NotFound(msgRegistrationNotFound)
	}
	if err != nil {
		return nil, s.translate(err, "decide", zap.String("registration_id", registrationID.String()))
	}

	var updated *models.Registration
	var event *models.Event
	var previous models.RegistrationStatus
	var changed bool
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		e, err := tx.LockEvent(ctx, current.EventID)
		if errors.Is(err, ledger.ErrNotFound) {
			return apperror.NotFound(msgEventNotFound)
		}
		if err != nil {
			return err
		}
		if err := auth.Authorize(actorID, e.OrganizerID); err != nil {
			return apperror.Forbidden(msgNotOwner)
		}

		reg, err := tx.LockRegistration(ctx, registrationID)
		if errors.Is(err, ledger.ErrNotFound) {
			return apperror.NotFound(msgRegistrationNotFound)
		}
		if err != nil {
			return err
		}
		event = e
		previous = reg.Status
		if reg.Status == decision {
			updated = reg
			return nil
		}

		if decision == models.StatusApproved {
			approved, err := tx.CountApproved(ctx, e.ID)
			if err != nil {
				return err
			}
			if approved >= e.TicketLimit {
				return apperror.CapacityExceeded(msgApproveFull)
			}
		}
		if err := tx.SetStatus(ctx, reg.ID, decision); err != nil {
			return err
		}
		updated, err = tx.LockRegistration(ctx, reg.ID)
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, s.translate(err, "decide", zap.String("registration_id", registrationID.String()))
	}

	if changed {
		s.logger.Info("registration decided",
			zap.String("event_id", event.ID.String()),
			zap.String("registration_id", updated.ID.String()),
			zap.String("status", string(updated.Status)),
			zap.String("previous_status", string(previous)),
		)
		switch {
		case updated.Status == models.StatusApproved:
			s.afterApproval(ctx, event, updated)
		case previous == models.StatusApproved:
			s.publishAvailability(ctx, event)
		}
	}
	return updated, nil
}

// PublicEvent returns an upcoming event with its remaining capacity.
func (s *Service) PublicEvent(ctx context.Context, eventID uuid.UUID) (*PublicEvent, error) {
	e, err := s.store.GetEvent(ctx, eventID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperror.NotFound(msgEventNotFound)
	}
	if err != nil {
		return nil, s.translate(err, "public event", zap.String("event_id", eventID.String()))
	}
	if e.HasPassed(s.now()) {
		return nil, apperror.Expired(msgEventPassed)
	}
	counts, err := s.store.CountByStatus(ctx, eventID)
	if err != nil {
		return nil, s.translate(err, "public event", zap.String("event_id", eventID.String()))
	}
	a := e.AvailabilityFor(counts.Approved)
	return &PublicEvent{
		ID:               e.ID,
		Title:            e.Title,
		Description:      e.Description,
		Venue:            e.Venue,
		Date:             e.Date,
		TicketLimit:      e.TicketLimit,
		ApprovalMode:     e.ApprovalMode,
		AvailableTickets: a.AvailableTickets,
		IsSoldOut:        a.IsSoldOut,
	}, nil
}

// Availability returns the current availability snapshot of an event.
func (s *Service) Availability(ctx context.Context, eventID uuid.UUID) (*models.Availability, error) {
	e, err := s.store.GetEvent(ctx, eventID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperror.NotFound(msgEventNotFound)
	}
	if err != nil {
		return nil, s.translate(err, "availability", zap.String("event_id", eventID.String()))
	}
	counts, err := s.store.CountByStatus(ctx, eventID)
	if err != nil {
		return nil, s.translate(err, "availability", zap.String("event_id", eventID.String()))
	}
	a := e.AvailabilityFor(counts.Approved)
	return &a, nil
}

// ListForOrganizer returns an event's registrations, newest first, with
// per-status totals. Only the event's organizer may list them.
func (s *Service) ListForOrganizer(ctx context.Context, eventID, actorID uuid.UUID) (*RegistrationList, error) {
	e, err := s.store.GetEvent(ctx, eventID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, apperror.NotFound(msgEventNotFound)
	}
	if err != nil {
		return nil, s.translate(err, "list registrations", zap.String("event_id", eventID.String()))
	}
	if err := auth.Authorize(actorID, e.OrganizerID); err != nil {
		return nil, apperror.Forbidden(msgNotOwnerList)
	}

	regs, err := s.store.ListByEvent(ctx, eventID)
	if err != nil {
		return nil, s.translate(err, "list registrations", zap.String("event_id", eventID.String()))
	}
	out := &RegistrationList{Event: e.Summary(), Registrations: make([]models.Registration, 0, len(regs))}
	for _, r := range regs {
		out.Registrations = append(out.Registrations, r)
		out.Stats.Add(r.Status, 1)
	}
	return out, nil
}

// afterApproval runs the post-commit side effects of an approval. Failures
// are logged: the registration is already committed.
func (s *Service) afterApproval(ctx context.Context, event *models.Event, reg *models.Registration) {
	s.publishAvailability(ctx, event)
	if s.enqueuer == nil {
		return
	}
	err := s.enqueuer.EnqueueTicketPass(ctx, queue.TicketPassPayload{
		RegistrationID: reg.ID,
		EventID:        reg.EventID,
		TicketCode:     reg.TicketCode,
	})
	if err != nil {
		s.logger.Warn("enqueue ticket pass failed",
			zap.String("registration_id", reg.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) publishAvailability(ctx context.Context, event *models.Event) {
	if s.publisher == nil {
		return
	}
	counts, err := s.store.CountByStatus(ctx, event.ID)
	if err == nil {
		err = s.publisher.PublishAvailability(ctx, event.AvailabilityFor(counts.Approved))
	}
	if err != nil {
		s.logger.Warn("publish availability failed", zap.String("event_id", event.ID.String()), zap.Error(err))
	}
}

// translate maps ledger and driver errors onto apperror kinds. Errors that
// are already *apperror.Error pass through unchanged.
func (s *Service) translate(err error, op string, fields ...zap.Field) error {
	var appErr *apperror.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, ledger.ErrDuplicateEmail):
		return apperror.DuplicateRegistration(msgDuplicate)
	case errors.Is(err, ledger.ErrNotFound):
		return apperror.NotFound(msgEventNotFound)
	case errors.Is(err, ledger.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn(op+": storage unavailable", append(fields, zap.Error(err))...)
		return apperror.Unavailable(err)
	}
	s.logger.Error(op+" failed", append(fields, zap.Error(err))...)
	return apperror.Internal(err)
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperror.Validation(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperror.Validation(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	name := "Name"
	if fe.Field() == "Email" {
		name = "Email"
	}
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "email":
		return "Please provide a valid email"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", name, fe.Param())
	case "max":
		return fmt.Sprintf("%s cannot exceed %s characters", name, fe.Param())
	}
	return name + " is invalid"
}
