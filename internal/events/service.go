package events

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
	"github.com/eventdesk/backend/internal/models"
	"github.com/eventdesk/backend/pkg/apperror"
)

const (
	msgNotFound       = "Event not found"
	msgNotOwnerUpdate = "Not authorized to update this event"
	msgNotOwnerDelete = "Not authorized to delete this event"
	msgNotOwnerView   = "Not authorized to view this event"
	msgPastDate       = "Cannot update date of past events"
	msgFutureDate     = "Event date must be in the future"
	msgEmptyUpdate    = "At least one field must be provided for update"
)

// CreateInput is an organizer's new event.
type CreateInput struct {
	Title        string              `validate:"required,min=3,max=200"`
	Description  string              `validate:"required,min=10,max=5000"`
	Venue        string              `validate:"required,min=3,max=200"`
	Date         time.Time           `validate:"required"`
	TicketLimit  int                 `validate:"min=1,max=100000"`
	ApprovalMode models.ApprovalMode `validate:"omitempty,oneof=auto manual"`
}

// UpdateInput is a partial event update; nil fields are left unchanged.
type UpdateInput struct {
	Title        *string              `validate:"omitempty,min=3,max=200"`
	Description  *string              `validate:"omitempty,min=10,max=5000"`
	Venue        *string              `validate:"omitempty,min=3,max=200"`
	Date         *time.Time           `validate:"omitempty"`
	TicketLimit  *int                 `validate:"omitempty,min=1,max=100000"`
	ApprovalMode *models.ApprovalMode `validate:"omitempty,oneof=auto manual"`
}

func (in UpdateInput) empty() bool {
	return in.Title == nil && in.Description == nil && in.Venue == nil &&
		in.Date == nil && in.TicketLimit == nil && in.ApprovalMode == nil
}

// Service manages events on behalf of their organizers.
type Service struct {
	store    Store
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates an event service.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, validate: validator.New(), logger: logger, now: time.Now}
}

// Create validates in and stores a new event owned by organizerID.
func (s *Service) Create(ctx context.Context, organizerID uuid.UUID, in CreateInput) (*models.Event, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Venue = strings.TrimSpace(in.Venue)
	if in.ApprovalMode == "" {
		in.ApprovalMode = models.ApprovalManual
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	if !in.Date.After(s.now()) {
		return nil, apperror.Validation(msgFutureDate)
	}

	e := &models.Event{
		OrganizerID:  organizerID,
		Title:        in.Title,
		Description:  in.Description,
		Venue:        in.Venue,
		Date:         in.Date.UTC(),
		TicketLimit:  in.TicketLimit,
		ApprovalMode: in.ApprovalMode,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, s.internal(err, "create event")
	}
	s.logger.Info("event created", zap.String("event_id", e.ID.String()), zap.String("organizer_id", organizerID.String()))
	return e, nil
}

// ListMine returns the organizer's events, newest first.
func (s *Service) ListMine(ctx context.Context, organizerID uuid.UUID) ([]models.Event, error) {
	list, err := s.store.ListByOrganizer(ctx, organizerID)
	if err != nil {
		return nil, s.internal(err, "list events")
	}
	return list, nil
}

// Get returns an event owned by actorID.
func (s *Service) Get(ctx context.Context, id, actorID uuid.UUID) (*models.Event, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(actorID, e.OrganizerID); err != nil {
		return nil, apperror.Forbidden(msgNotOwnerView)
	}
	return e, nil
}

// Update applies a partial update. The date of an event that has already
// taken place cannot change, a new date must be in the future, and the
// ticket limit cannot drop below the tickets already approved.
func (s *Service) Update(ctx context.Context, id, actorID uuid.UUID, in UpdateInput) (*models.Event, error) {
	trim(in.Title)
	trim(in.Description)
	trim(in.Venue)
	if in.empty() {
		return nil, apperror.Validation(msgEmptyUpdate)
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	now := s.now()
	e, err := s.store.Update(ctx, id, func(e *models.Event, approved int) error {
		if err := auth.Authorize(actorID, e.OrganizerID); err != nil {
			return apperror.Forbidden(msgNotOwnerUpdate)
		}
		if in.Date != nil {
			if e.HasPassed(now) {
				return apperror.Validation(msgPastDate)
			}
			if !in.Date.After(now) {
				return apperror.Validation(msgFutureDate)
			}
			e.Date = in.Date.UTC()
		}
		if in.TicketLimit != nil {
			if *in.TicketLimit < approved {
				return apperror.Validation(fmt.Sprintf("Ticket limit cannot be lower than the %d tickets already approved", approved))
			}
			e.TicketLimit = *in.TicketLimit
		}
		if in.Title != nil {
			e.Title = *in.Title
		}
		if in.Description != nil {
			e.Description = *in.Description
		}
		if in.Venue != nil {
			e.Venue = *in.Venue
		}
		if in.ApprovalMode != nil {
			e.ApprovalMode = *in.ApprovalMode
		}
		return nil
	})
	if err != nil {
		return nil, s.mapErr(err, "update event")
	}
	s.logger.Info("event updated", zap.String("event_id", e.ID.String()))
	return e, nil
}

// Delete removes an event owned by actorID together with its registrations.
func (s *Service) Delete(ctx context.Context, id, actorID uuid.UUID) error {
	e, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := auth.Authorize(actorID, e.OrganizerID); err != nil {
		return apperror.Forbidden(msgNotOwnerDelete)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return s.mapErr(err, "delete event")
	}
	s.logger.Info("event deleted", zap.String("event_id", id.String()))
	return nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	e, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.mapErr(err, "get event")
	}
	return e, nil
}

func (s *Service) mapErr(err error, op string) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, ErrNotFound) {
		return apperror.NotFound(msgNotFound)
	}
	return s.internal(err, op)
}

func (s *Service) internal(err error, op string) error {
	s.logger.Error(op+" failed", zap.Error(err))
	return apperror.Internal(err)
}

func trim(p *string) {
	if p != nil {
		*p = strings.TrimSpace(*p)
	}
}

var fieldNames = map[string]string{
	"Title":        "Title",
	"Description":  "Description",
	"Venue":        "Venue",
	"Date":         "Event date",
	"TicketLimit":  "Ticket limit",
	"ApprovalMode": "Approval mode",
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperror.Validation(err.Error())
	}
	fe := verrs[0]
	name := fieldNames[fe.Field()]
	switch {
	case fe.Field() == "ApprovalMode":
		return apperror.Validation(`Approval mode must be either "auto" or "manual"`)
	case fe.Tag() == "required":
		return apperror.Validation(name + " is required")
	case fe.Tag() == "min" && fe.Kind().String() == "string":
		return apperror.Validation(fmt.Sprintf("%s must be at least %s characters", name, fe.Param()))
	case fe.Tag() == "max" && fe.Kind().String() == "string":
		return apperror.Validation(fmt.Sprintf("%s cannot exceed %s characters", name, fe.Param()))
	case fe.Tag() == "min":
		return apperror.Validation(fmt.Sprintf("%s must be at least %s", name, fe.Param()))
	case fe.Tag() == "max":
		return apperror.Validation(fmt.Sprintf("%s cannot exceed %s", name, fe.Param()))
	}
	return apperror.Validation(name + " is invalid")
}
