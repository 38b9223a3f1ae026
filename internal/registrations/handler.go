package registrations

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventdesk/backend/internal/admission"
	"github.com/eventdesk/backend/internal/auth"
	"github.com/eventdesk/backend/internal/models"
	"github.com/eventdesk/backend/pkg/response"
)

// RegisterRequest is the body for POST /public/events/:id/registrations.
type RegisterRequest struct {
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail"`
}

// StatusRequest is the body for PUT /registrations/:id/status.
type StatusRequest struct {
	Status models.RegistrationStatus `json:"status"`
}

// RegistrationView is the registrant's receipt.
type RegistrationView struct {
	ID       uuid.UUID                 `json:"id"`
	TicketID string                    `json:"ticketId"`
	Status   models.RegistrationStatus `json:"status"`
	Event    models.EventSummary       `json:"event"`
}

// Handler serves the public registration and organizer review endpoints.
type Handler struct {
	svc    *admission.Service
	logger *zap.Logger
}

// NewHandler creates a registrations handler.
func NewHandler(svc *admission.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// PublicEvent handles GET /public/events/:id.
func (h *Handler) PublicEvent(c *gin.Context) {
	eventID, ok := parseUUID(c, "id", "invalid event id")
	if !ok {
		return
	}
	e, err := h.svc.PublicEvent(c.Request.Context(), eventID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"event": e})
}

// Register handles POST /public/events/:id/registrations.
func (h *Handler) Register(c *gin.Context) {
	eventID, ok := parseUUID(c, "id", "invalid event id")
	if !ok {
		return
	}
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	adm, err := h.svc.Register(c.Request.Context(), eventID, admission.RegisterInput{
		Name:  req.UserName,
		Email: req.UserEmail,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, adm.Message, gin.H{"registration": RegistrationView{
		ID:       adm.Registration.ID,
		TicketID: adm.Registration.TicketCode,
		Status:   adm.Registration.Status,
		Event:    adm.Event,
	}})
}

// ListByEvent handles GET /events/:id/registrations.
func (h *Handler) ListByEvent(c *gin.Context) {
	eventID, ok := parseUUID(c, "id", "invalid event id")
	if !ok {
		return
	}
	list, err := h.svc.ListForOrganizer(c.Request.Context(), eventID, auth.ActorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

// UpdateStatus handles PUT /registrations/:id/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	regID, ok := parseUUID(c, "id", "invalid registration id")
	if !ok {
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}
	reg, err := h.svc.Decide(c.Request.Context(), regID, auth.ActorID(c), req.Status)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OKMessage(c, fmt.Sprintf("Registration %s successfully", reg.Status), gin.H{"registration": reg})
}

func parseUUID(c *gin.Context, param, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.BadRequest(c, msg)
		return uuid.Nil, false
	}
	return id, true
}
